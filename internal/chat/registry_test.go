package chat

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/tabletalk/internal/metrics"
	"github.com/ashureev/tabletalk/internal/store"
)

func TestRegistryGetOrCreate(t *testing.T) {
	c := newTestController(t, &fakeLLM{})
	r := NewRegistry(c, metrics.New(), nil)
	t.Cleanup(func() { r.CloseAll(context.Background()) })

	if r.Get("u1", "t1") != nil {
		t.Fatal("Expected no session before creation")
	}
	s1, err := r.GetOrCreate("u1", "t1")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	s2, err := r.GetOrCreate("u1", "t1")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if s1 != s2 {
		t.Error("Expected the same session for the same key")
	}
	if s1.ID != "u1:t1" {
		t.Errorf("Unexpected session ID %q", s1.ID)
	}

	other, _ := r.GetOrCreate("u1", "t2")
	if other == s1 {
		t.Error("Expected tabs to have independent sessions")
	}
	if r.Len() != 2 {
		t.Errorf("Expected 2 sessions, got %d", r.Len())
	}
}

func TestRegistryConcurrentGetOrCreate(t *testing.T) {
	c := newTestController(t, &fakeLLM{})
	r := NewRegistry(c, nil, nil)
	t.Cleanup(func() { r.CloseAll(context.Background()) })

	var wg sync.WaitGroup
	sessions := make([]*Session, 16)
	for i := range sessions {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sessions[i], _ = r.GetOrCreate("u", "t")
		}(i)
	}
	wg.Wait()
	for _, s := range sessions {
		if s != sessions[0] {
			t.Fatal("Expected a single session under concurrent access")
		}
	}
}

func TestRegistryCloseRemovesDataset(t *testing.T) {
	ctx := context.Background()
	c := newTestController(t, &fakeLLM{})

	var cleaned []string
	r := NewRegistry(c, nil, func(userID, tabID string) { cleaned = append(cleaned, userID+":"+tabID) })

	s, err := r.GetOrCreate("u1", "t1")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	mustUpload(t, c, s, NewUpload("sales.csv", []byte(salesCSV)))
	path := s.store.(*store.SQLiteStore).Path()

	if !r.Close(ctx, "u1", "t1") {
		t.Fatal("Expected Close to report a closed session")
	}
	if r.Close(ctx, "u1", "t1") {
		t.Error("Expected second Close to be a no-op")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("Expected dataset file removed, stat err = %v", err)
	}
	if len(cleaned) != 1 || cleaned[0] != "u1:t1" {
		t.Errorf("Unexpected cleanup callbacks %v", cleaned)
	}
	if r.Get("u1", "t1") != nil {
		t.Error("Expected session to be gone")
	}
}

func TestRegistryCloseUser(t *testing.T) {
	c := newTestController(t, &fakeLLM{})
	r := NewRegistry(c, nil, nil)
	for _, tab := range []string{"a", "b"} {
		if _, err := r.GetOrCreate("u1", tab); err != nil {
			t.Fatalf("GetOrCreate failed: %v", err)
		}
	}
	if _, err := r.GetOrCreate("u2", "a"); err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}

	if n := r.CloseUser(context.Background(), "u1"); n != 2 {
		t.Errorf("Expected 2 closed sessions, got %d", n)
	}
	if r.Len() != 1 {
		t.Errorf("Expected 1 remaining session, got %d", r.Len())
	}
	r.CloseAll(context.Background())
	if r.Len() != 0 {
		t.Errorf("Expected no sessions after CloseAll, got %d", r.Len())
	}
}

func TestRegistrySweep(t *testing.T) {
	c := newTestController(t, &fakeLLM{})
	r := NewRegistry(c, nil, nil)
	t.Cleanup(func() { r.CloseAll(context.Background()) })

	stale, _ := r.GetOrCreate("u1", "old")
	fresh, _ := r.GetOrCreate("u1", "new")
	stale.lastSeen.Store(time.Now().Add(-time.Hour).UnixNano())
	fresh.touch()

	if n := r.Sweep(context.Background(), 30*time.Minute); n != 1 {
		t.Fatalf("Expected 1 swept session, got %d", n)
	}
	if r.Get("u1", "old") != nil {
		t.Error("Expected stale session to be swept")
	}
	if r.Get("u1", "new") == nil {
		t.Error("Expected fresh session to remain")
	}
}

func TestSweepSkipsSessionTouchedAfterScan(t *testing.T) {
	c := newTestController(t, &fakeLLM{})
	r := NewRegistry(c, nil, nil)
	t.Cleanup(func() { r.CloseAll(context.Background()) })

	s, _ := r.GetOrCreate("u1", "tab")
	s.lastSeen.Store(time.Now().Add(-time.Hour).UnixNano())
	cutoff := time.Now().Add(-30 * time.Minute)
	active := func(s *Session) bool { return !s.LastSeen().Before(cutoff) }

	// Activity between the scan and the close keeps the session.
	s.touch()
	if r.closeIf(context.Background(), "u1", "tab", active) {
		t.Fatal("Expected recently touched session to survive")
	}
	if r.Get("u1", "tab") == nil {
		t.Fatal("Expected session to remain registered")
	}

	s.lastSeen.Store(time.Now().Add(-time.Hour).UnixNano())
	if !r.closeIf(context.Background(), "u1", "tab", active) {
		t.Fatal("Expected idle session to be closed")
	}
}

func TestRunSweeperStopsOnCancel(t *testing.T) {
	c := newTestController(t, &fakeLLM{})
	r := NewRegistry(c, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.RunSweeper(ctx, 5*time.Millisecond, time.Hour) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected nil error on shutdown, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RunSweeper did not stop")
	}
}

func TestRegistryConnTracking(t *testing.T) {
	c := newTestController(t, &fakeLLM{})
	r := NewRegistry(c, nil, nil)
	t.Cleanup(func() { r.CloseAll(context.Background()) })

	if _, err := r.GetOrCreate("u1", "t1"); err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if _, err := r.GetOrCreate("u1", "t2"); err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	conn1 := &websocket.Conn{}
	conn2 := &websocket.Conn{}

	r.RegisterConn("u1", "t1", conn1)
	r.RegisterConn("u1", "t2", conn2)
	r.RegisterConn("u9", "missing", conn1)
	if r.Conn("u1", "t1") != conn1 || r.Conn("u1", "t2") != conn2 {
		t.Fatal("Expected connections to be tracked per tab")
	}
	if r.Conn("u9", "missing") != nil {
		t.Error("Expected no connection for an unknown session")
	}

	// A stale unregister for another tab must not detach this one.
	r.UnregisterConn("u1", "t2", conn1)
	if r.Conn("u1", "t2") != conn2 {
		t.Error("Expected t2 connection to remain")
	}

	r.UnregisterConn("u1", "t1", conn1)
	r.UnregisterConn("u1", "t2", conn2)
	if r.Conn("u1", "t1") != nil || r.Conn("u1", "t2") != nil {
		t.Error("Expected connections to be detached")
	}
}
