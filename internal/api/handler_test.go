//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/sashabaranov/go-openai"

	"github.com/ashureev/tabletalk/internal/agent"
	"github.com/ashureev/tabletalk/internal/chat"
	"github.com/ashureev/tabletalk/internal/config"
	"github.com/ashureev/tabletalk/internal/identity"
)

const salesCSV = "id,amount\n1,10.5\n2,3\n"

type fakeLLM struct {
	mu    sync.Mutex
	reply string
	err   error
}

func (f *fakeLLM) factory() agent.ClientFactory {
	return func(string) agent.ChatClient { return f }
}

func (f *fakeLLM) CreateChatCompletion(_ context.Context, _ openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return openai.ChatCompletionResponse{}, f.err
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleAssistant,
			Content: f.reply,
		}}},
	}, nil
}

func testConfig() *config.Config {
	return &config.Config{
		LLM: config.LLMConfig{
			Models:       []string{"gpt-4", "gpt-3.5-turbo"},
			DefaultModel: "gpt-4",
			Temperature:  0.2,
		},
		Chat: config.ChatConfig{
			MemoryWindow:      10,
			QueryRowLimit:     50,
			MaxUploadBytes:    1 << 16,
			ClearResetsMemory: true,
		},
		RateLimit: config.RateLimitConfig{PerMinute: 600, Burst: 100},
	}
}

type testServer struct {
	*httptest.Server
	client   *http.Client
	registry *chat.Registry
}

func newTestServer(t *testing.T, llm *fakeLLM) *testServer {
	t.Helper()
	cfg := testConfig()
	ctrl, err := chat.NewController(chat.Options{
		DataDir:           t.TempDir(),
		ClientFactory:     llm.factory(),
		DefaultModel:      cfg.LLM.DefaultModel,
		Temperature:       cfg.LLM.Temperature,
		MemoryWindow:      cfg.Chat.MemoryWindow,
		QueryRowLimit:     cfg.Chat.QueryRowLimit,
		ClearResetsMemory: cfg.Chat.ClearResetsMemory,
	})
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}
	registry := chat.NewRegistry(ctrl, nil, nil)
	h := NewHandler(registry, cfg, nil, nil)

	r := chi.NewRouter()
	r.Use(identity.Middleware(true))
	h.RegisterRoutes(r)

	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		registry.CloseAll(context.Background())
	})

	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookiejar.New failed: %v", err)
	}
	return &testServer{Server: srv, client: &http.Client{Jar: jar}, registry: registry}
}

func (s *testServer) do(t *testing.T, method, path, contentType string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), method, s.URL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest failed: %v", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set(identity.SessionHeaderName, "tab-1")
	resp, err := s.client.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (s *testServer) doJSON(t *testing.T, method, path string, v any) *http.Response {
	t.Helper()
	var body []byte
	if v != nil {
		var err error
		body, err = json.Marshal(v)
		if err != nil {
			t.Fatalf("Marshal failed: %v", err)
		}
	}
	return s.do(t, method, path, "application/json", body)
}

func (s *testServer) upload(t *testing.T, name, content string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", name)
	if err != nil {
		t.Fatalf("CreateFormFile failed: %v", err)
	}
	if _, err := fw.Write([]byte(content)); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}
	return s.do(t, http.MethodPut, "/api/session/dataset", mw.FormDataContentType(), buf.Bytes())
}

func (s *testServer) setCredentials(t *testing.T) {
	t.Helper()
	resp := s.doJSON(t, http.MethodPut, "/api/session/credentials", map[string]any{"api_key": "sk-test", "model": "gpt-4"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PutCredentials status = %d, want 200", resp.StatusCode)
	}
}

func decodeSession(t *testing.T, resp *http.Response) sessionResponse {
	t.Helper()
	var got sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode session response: %v", err)
	}
	return got
}

type sseEvent struct {
	name string
	data string
}

func readSSE(t *testing.T, resp *http.Response) []sseEvent {
	t.Helper()
	var events []sseEvent
	var cur sseEvent
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if cur.name != "" {
				events = append(events, cur)
			}
			cur = sseEvent{}
		}
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("read SSE stream: %v", err)
	}
	return events
}

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestGetSessionStartsWithoutCredentials(t *testing.T) {
	srv := newTestServer(t, &fakeLLM{})

	resp := srv.doJSON(t, http.MethodGet, "/api/session", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	got := decodeSession(t, resp)
	if got.Session.State != chat.StateNoCredentials {
		t.Errorf("State = %v, want %v", got.Session.State, chat.StateNoCredentials)
	}
	if got.Notice != missingKeyMessage {
		t.Errorf("Notice = %q, want %q", got.Notice, missingKeyMessage)
	}
	if srv.registry.Len() != 1 {
		t.Errorf("Expected one registered session, got %d", srv.registry.Len())
	}
}

func TestSessionIsReusedAcrossRequests(t *testing.T) {
	srv := newTestServer(t, &fakeLLM{})

	first := decodeSession(t, srv.doJSON(t, http.MethodGet, "/api/session", nil))
	second := decodeSession(t, srv.doJSON(t, http.MethodGet, "/api/session", nil))
	if first.Session.ID != second.Session.ID {
		t.Errorf("Expected the same session, got %q and %q", first.Session.ID, second.Session.ID)
	}
}

func TestPutCredentials(t *testing.T) {
	tests := []struct {
		name   string
		body   map[string]any
		status int
	}{
		{"valid", map[string]any{"api_key": "sk-test", "model": "gpt-3.5-turbo"}, http.StatusOK},
		{"default model", map[string]any{"api_key": "sk-test"}, http.StatusOK},
		{"unknown model", map[string]any{"api_key": "sk-test", "model": "davinci"}, http.StatusBadRequest},
		{"temperature out of range", map[string]any{"api_key": "sk-test", "temperature": 3.5}, http.StatusBadRequest},
		{"missing key", map[string]any{"api_key": "", "model": "gpt-4"}, http.StatusPreconditionRequired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, &fakeLLM{})
			resp := srv.doJSON(t, http.MethodPut, "/api/session/credentials", tt.body)
			if resp.StatusCode != tt.status {
				t.Fatalf("Expected status %d, got %d", tt.status, resp.StatusCode)
			}
			if tt.status == http.StatusOK {
				got := decodeSession(t, resp)
				if got.Session.State != chat.StateReadyNoDataset {
					t.Errorf("State = %v, want %v", got.Session.State, chat.StateReadyNoDataset)
				}
			}
		})
	}
}

func TestPutCredentialsInvalidBody(t *testing.T) {
	srv := newTestServer(t, &fakeLLM{})
	resp := srv.do(t, http.MethodPut, "/api/session/credentials", "application/json", []byte("{"))
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", resp.StatusCode)
	}
}

func TestPutDataset(t *testing.T) {
	srv := newTestServer(t, &fakeLLM{})
	srv.setCredentials(t)

	resp := srv.upload(t, "sales.csv", salesCSV)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	got := decodeSession(t, resp)
	if got.Changed == nil || !*got.Changed {
		t.Fatalf("Expected changed=true, got %v", got.Changed)
	}
	if got.Toast != uploadToast {
		t.Errorf("Toast = %q, want %q", got.Toast, uploadToast)
	}
	if got.Session.State != chat.StateReadyWithDataset {
		t.Errorf("State = %v, want %v", got.Session.State, chat.StateReadyWithDataset)
	}
	if got.Session.Dataset == nil || got.Session.Dataset.Table != "sales" {
		t.Errorf("Dataset = %+v, want table sales", got.Session.Dataset)
	}
	if len(got.Session.Tools) != 4 {
		t.Errorf("Expected 4 tools, got %v", got.Session.Tools)
	}

	again := decodeSession(t, srv.upload(t, "sales.csv", salesCSV))
	if again.Changed == nil || *again.Changed {
		t.Errorf("Expected re-upload to report changed=false, got %v", again.Changed)
	}
	if again.Toast != "" {
		t.Errorf("Expected no toast on re-upload, got %q", again.Toast)
	}
}

func TestPutDatasetRejectsBadUploads(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		status  int
	}{
		{"not csv", "notes.txt", "hello", http.StatusUnsupportedMediaType},
		{"ragged rows", "bad.csv", "a,b\n1\n", http.StatusUnprocessableEntity},
		{"empty file", "empty.csv", "", http.StatusUnprocessableEntity},
		{"too large", "big.csv", "a\n" + strings.Repeat("1\n", 1<<16), http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, &fakeLLM{})
			resp := srv.upload(t, tt.file, tt.content)
			if resp.StatusCode != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, resp.StatusCode)
			}
		})
	}
}

func TestParseErrorKeepsDataset(t *testing.T) {
	srv := newTestServer(t, &fakeLLM{})
	srv.setCredentials(t)
	srv.upload(t, "sales.csv", salesCSV)

	if resp := srv.upload(t, "bad.csv", "a,b\n1\n"); resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("Expected status 422, got %d", resp.StatusCode)
	}
	got := decodeSession(t, srv.doJSON(t, http.MethodGet, "/api/session", nil))
	if got.Session.Dataset == nil || got.Session.Dataset.Table != "sales" {
		t.Errorf("Expected previous dataset to remain, got %+v", got.Session.Dataset)
	}
}

func TestDeleteDataset(t *testing.T) {
	srv := newTestServer(t, &fakeLLM{})
	srv.setCredentials(t)
	srv.upload(t, "sales.csv", salesCSV)

	got := decodeSession(t, srv.doJSON(t, http.MethodDelete, "/api/session/dataset", nil))
	if got.Changed == nil || !*got.Changed {
		t.Errorf("Expected changed=true, got %v", got.Changed)
	}
	if got.Session.State != chat.StateReadyNoDataset {
		t.Errorf("State = %v, want %v", got.Session.State, chat.StateReadyNoDataset)
	}

	again := decodeSession(t, srv.doJSON(t, http.MethodDelete, "/api/session/dataset", nil))
	if again.Changed == nil || *again.Changed {
		t.Errorf("Expected second delete to report changed=false, got %v", again.Changed)
	}
}

func TestChatRequiresCredentials(t *testing.T) {
	srv := newTestServer(t, &fakeLLM{reply: "hi"})

	resp := srv.doJSON(t, http.MethodPost, "/api/session/chat", ChatRequest{Message: "hello"})
	if resp.StatusCode != http.StatusPreconditionRequired {
		t.Fatalf("Expected status 428, got %d", resp.StatusCode)
	}
	var got errorPayload
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if got.Code != "missing_credential" || got.Message != missingKeyMessage {
		t.Errorf("Unexpected error payload: %+v", got)
	}
}

func TestChatRejectsEmptyMessage(t *testing.T) {
	srv := newTestServer(t, &fakeLLM{reply: "hi"})
	srv.setCredentials(t)

	resp := srv.doJSON(t, http.MethodPost, "/api/session/chat", ChatRequest{Message: "   "})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", resp.StatusCode)
	}
}

func TestChatStreamsReply(t *testing.T) {
	srv := newTestServer(t, &fakeLLM{reply: "There are two rows."})
	srv.setCredentials(t)

	resp := srv.doJSON(t, http.MethodPost, "/api/session/chat", ChatRequest{Message: "How many rows?"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	events := readSSE(t, resp)
	if len(events) != 5 {
		t.Fatalf("Expected 4 chunks and done, got %+v", events)
	}
	var text strings.Builder
	for _, ev := range events[:4] {
		if ev.name != "message" {
			t.Fatalf("Expected message event, got %q", ev.name)
		}
		var chunk chunkPayload
		if err := json.Unmarshal([]byte(ev.data), &chunk); err != nil {
			t.Fatalf("Unmarshal chunk: %v", err)
		}
		text.WriteString(chunk.Content)
	}
	if text.String() != "There are two rows. " {
		t.Errorf("Streamed text = %q", text.String())
	}
	if events[4].name != "done" {
		t.Errorf("Expected done event, got %q", events[4].name)
	}

	got := decodeSession(t, srv.doJSON(t, http.MethodGet, "/api/session", nil))
	if len(got.Session.Turns) != 2 {
		t.Fatalf("Expected 2 turns, got %d", len(got.Session.Turns))
	}
	if got.Session.Turns[1].Content != "There are two rows." {
		t.Errorf("Assistant turn = %q", got.Session.Turns[1].Content)
	}
}

func TestChatUpstreamErrorEvent(t *testing.T) {
	llm := &fakeLLM{err: &openai.APIError{HTTPStatusCode: http.StatusUnauthorized, Message: "bad key"}}
	srv := newTestServer(t, llm)
	srv.setCredentials(t)

	resp := srv.doJSON(t, http.MethodPost, "/api/session/chat", ChatRequest{Message: "hello"})
	events := readSSE(t, resp)
	if len(events) == 0 {
		t.Fatal("Expected SSE events")
	}
	last := events[len(events)-1]
	if last.name != "error" {
		t.Fatalf("Expected final error event, got %q", last.name)
	}
	var payload errorPayload
	if err := json.Unmarshal([]byte(last.data), &payload); err != nil {
		t.Fatalf("Unmarshal error payload: %v", err)
	}
	if payload.Code != "upstream_auth" {
		t.Errorf("Code = %q, want upstream_auth", payload.Code)
	}
	if !strings.HasPrefix(payload.Message, "Error: ") {
		t.Errorf("Message = %q, want Error: prefix", payload.Message)
	}
}

func TestClearHistory(t *testing.T) {
	srv := newTestServer(t, &fakeLLM{reply: "ok"})
	srv.setCredentials(t)
	readSSE(t, srv.doJSON(t, http.MethodPost, "/api/session/chat", ChatRequest{Message: "hello"}))

	got := decodeSession(t, srv.doJSON(t, http.MethodPost, "/api/session/history/clear", nil))
	if len(got.Session.Turns) != 0 {
		t.Errorf("Expected no turns after clear, got %d", len(got.Session.Turns))
	}
	if got.Session.MemoryTurns != 0 {
		t.Errorf("Expected memory reset, got %d turns", got.Session.MemoryTurns)
	}
}

func TestEndSession(t *testing.T) {
	srv := newTestServer(t, &fakeLLM{})
	srv.doJSON(t, http.MethodGet, "/api/session", nil)

	resp := srv.doJSON(t, http.MethodDelete, "/api/session", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("Expected status 204, got %d", resp.StatusCode)
	}
	if srv.registry.Len() != 0 {
		t.Errorf("Expected no sessions after end, got %d", srv.registry.Len())
	}
}

func TestHealthAndConfig(t *testing.T) {
	srv := newTestServer(t, &fakeLLM{})

	if resp := srv.doJSON(t, http.MethodGet, "/api/health", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("Health status = %d", resp.StatusCode)
	}

	resp := srv.doJSON(t, http.MethodGet, "/api/config", nil)
	var got map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode config: %v", err)
	}
	if got["default_model"] != "gpt-4" {
		t.Errorf("default_model = %v", got["default_model"])
	}
	if got["upload_label"] != uploadLabel {
		t.Errorf("upload_label = %v", got["upload_label"])
	}
}

func TestWebSocketChat(t *testing.T) {
	srv := newTestServer(t, &fakeLLM{reply: "hello there"})
	srv.setCredentials(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	header := http.Header{}
	header.Set(identity.SessionHeaderName, "tab-1")
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/chat"
	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: srv.client,
		HTTPHeader: header,
	})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()

	if err := wsjson.Write(ctx, conn, wsMessage{Type: "ping"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	var pong wsMessage
	if err := wsjson.Read(ctx, conn, &pong); err != nil {
		t.Fatalf("read pong: %v", err)
	}
	if pong.Type != "pong" {
		t.Fatalf("Expected pong, got %+v", pong)
	}

	if err := wsjson.Write(ctx, conn, wsMessage{Type: "message", Content: "hi"}); err != nil {
		t.Fatalf("write message: %v", err)
	}
	var text strings.Builder
	for {
		var msg wsMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			t.Fatalf("read frame: %v", err)
		}
		if msg.Type == "chunk" {
			text.WriteString(msg.Content)
			continue
		}
		if msg.Type != "done" {
			t.Fatalf("Expected done frame, got %+v", msg)
		}
		if msg.State != chat.StateReadyNoDataset {
			t.Errorf("State = %v, want %v", msg.State, chat.StateReadyNoDataset)
		}
		break
	}
	if text.String() != "hello there " {
		t.Errorf("Streamed text = %q", text.String())
	}
}

func TestCheckOrigin(t *testing.T) {
	cfg := testConfig()
	cfg.FrontendURL = "https://tabletalk.example.com"
	h := &Handler{cfg: cfg}

	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"https://tabletalk.example.com", true},
		{"https://evil.example.com", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/ws/chat", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		if got := h.checkOrigin(r); got != tt.want {
			t.Errorf("checkOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
		}
	}
}
