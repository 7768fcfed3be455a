// Package agent runs the language-model conversation loop for one session.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashureev/tabletalk/internal/domain"
	"github.com/ashureev/tabletalk/internal/memory"
	"github.com/ashureev/tabletalk/internal/tools"
)

// DefaultMaxIterations bounds model round trips per message.
const DefaultMaxIterations = 8

// IterationLimitMessage is returned when the tool loop runs out of iterations.
const IterationLimitMessage = "Agent stopped due to iteration limit."

const (
	basePrompt = "You are a helpful assistant having a conversation with a user. " +
		"Answer clearly and concisely."
	datasetPrompt = "The user uploaded a dataset that is stored in the SQLite table %q. " +
		"When a question is about the data, inspect the schema with the available tools, " +
		"check your query, then run it and answer from the results. " +
		"Never modify the database."
)

var tracer = otel.Tracer("github.com/ashureev/tabletalk/internal/agent")

// MemoryReader supplies recent turns for context.
type MemoryReader interface {
	Window(n int) []domain.Turn
}

// Config holds the parameters an agent is built with.
type Config struct {
	Model         string
	Temperature   float64
	MaxIterations int
	WindowSize    int
}

// Agent answers messages using a fixed model, tool set and memory.
// It is never mutated after construction; a new Agent replaces it instead.
type Agent struct {
	client ChatClient
	cfg    Config
	tools  *tools.Set
	memory MemoryReader
	logger *slog.Logger
	defs   []openai.Tool
}

// ToolCall records one tool execution during Invoke.
type ToolCall struct {
	Name      string
	Arguments string
	Output    string
}

// Result is the outcome of one Invoke.
type Result struct {
	Output     string
	Iterations int
	ToolCalls  []ToolCall
	ToolErrors []*ToolInvocationError
}

// New builds an agent. A nil tool set is treated as empty.
func New(client ChatClient, cfg Config, set *tools.Set, mem MemoryReader, logger *slog.Logger) (*Agent, error) {
	if client == nil {
		return nil, errors.New("agent: chat client is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.New("agent: model is required")
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = memory.DefaultSize
	}
	if set == nil {
		set = tools.Empty()
	}
	if logger == nil {
		logger = slog.Default()
	}

	defs := make([]openai.Tool, 0, set.Len())
	for _, t := range set.Tools() {
		defs = append(defs, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	return &Agent{
		client: client,
		cfg:    cfg,
		tools:  set,
		memory: mem,
		logger: logger,
		defs:   defs,
	}, nil
}

// Config returns the agent's construction parameters.
func (a *Agent) Config() Config {
	return a.cfg
}

// Tools returns the tool set the agent was built with.
func (a *Agent) Tools() *tools.Set {
	return a.tools
}

// Invoke sends text, with the memory window as context, and runs tool calls
// until the model produces a final answer.
func (a *Agent) Invoke(ctx context.Context, text string) (*Result, error) {
	ctx, span := tracer.Start(ctx, "agent.Invoke", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", a.cfg.Model),
		attribute.Int("agent.tools", a.tools.Len()),
	)

	messages := a.buildMessages(text)
	result := &Result{}

	for result.Iterations < a.cfg.MaxIterations {
		result.Iterations++

		req := openai.ChatCompletionRequest{
			Model:       a.cfg.Model,
			Messages:    messages,
			Temperature: float32(a.cfg.Temperature),
		}
		if len(a.defs) > 0 {
			req.Tools = a.defs
		}

		resp, err := a.client.CreateChatCompletion(ctx, req)
		if err != nil {
			err = classifyUpstream(err)
			span.RecordError(err)
			span.SetStatus(codes.Error, "model request failed")
			return nil, err
		}
		if len(resp.Choices) == 0 {
			err := &UpstreamModelError{Err: ErrNoChoices}
			span.RecordError(err)
			span.SetStatus(codes.Error, "empty completion")
			return nil, err
		}

		msg := resp.Choices[0].Message
		if len(msg.ToolCalls) == 0 {
			result.Output = msg.Content
			span.SetAttributes(attribute.Int("agent.iterations", result.Iterations))
			return result, nil
		}

		messages = append(messages, openai.ChatCompletionMessage{
			Role:      openai.ChatMessageRoleAssistant,
			Content:   msg.Content,
			ToolCalls: msg.ToolCalls,
		})
		for _, call := range msg.ToolCalls {
			output := a.runTool(ctx, call, result)
			messages = append(messages, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    output,
				Name:       call.Function.Name,
				ToolCallID: call.ID,
			})
		}
	}

	a.logger.Warn("agent iteration limit reached", "model", a.cfg.Model, "iterations", result.Iterations)
	span.SetAttributes(attribute.Bool("agent.iteration_limit", true))
	result.Output = IterationLimitMessage
	return result, nil
}

// runTool executes one call. Failures are folded into the conversation as
// truncated text so the model can recover.
func (a *Agent) runTool(ctx context.Context, call openai.ToolCall, result *Result) string {
	name := call.Function.Name
	output, err := a.tools.Execute(ctx, name, call.Function.Arguments)
	if err != nil {
		invErr := newToolInvocationError(name, err)
		result.ToolErrors = append(result.ToolErrors, invErr)
		a.logger.Debug("tool invocation failed", "tool", name, "error", err)
		output = invErr.Message
	}
	result.ToolCalls = append(result.ToolCalls, ToolCall{
		Name:      name,
		Arguments: call.Function.Arguments,
		Output:    output,
	})
	return output
}

func (a *Agent) buildMessages(text string) []openai.ChatCompletionMessage {
	prompt := basePrompt
	if table := a.tools.Table(); table != "" {
		prompt += "\n\n" + fmt.Sprintf(datasetPrompt, table)
	}

	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: prompt},
	}
	if a.memory != nil {
		for _, turn := range a.memory.Window(a.cfg.WindowSize) {
			role := openai.ChatMessageRoleUser
			if turn.Role == domain.RoleAssistant {
				role = openai.ChatMessageRoleAssistant
			}
			messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: turn.Content})
		}
	}
	return append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: text})
}
