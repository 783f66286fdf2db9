package agentloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/martinemde/fixflow/eventlog"
	"github.com/martinemde/fixflow/internal/textutil"
	"github.com/martinemde/fixflow/pipeline"
	"github.com/martinemde/fixflow/sandbox"
	"github.com/martinemde/fixflow/unifiedllm"
)

// ErrToolRoundsExceeded is returned when the model is still calling tools
// after MaxToolRounds rounds.
var ErrToolRoundsExceeded = errors.New("tool round limit exceeded")

// maxLoggedText caps model text copied into llm_response events.
const maxLoggedText = 2000

// Config bounds one executor run.
type Config struct {
	MaxToolRounds       int            `json:"max_tool_rounds"`
	MaxFormatRetries    int            `json:"max_format_retries"` // nudges after a final answer without JSON
	MaxParallelTools    int            `json:"max_parallel_tools"`
	ToolOutputLimits    map[string]int `json:"tool_output_limits,omitempty"`
	ToolLineLimits      map[string]int `json:"tool_line_limits,omitempty"`
	EnableLoopDetection bool           `json:"enable_loop_detection"`
	LoopDetectionWindow int            `json:"loop_detection_window"`
	MaxTokens           int            `json:"max_tokens,omitempty"`
}

func DefaultConfig() Config {
	return Config{
		MaxToolRounds:       12,
		MaxFormatRetries:    1,
		MaxParallelTools:    4,
		EnableLoopDetection: true,
		LoopDetectionWindow: 6,
	}
}

// Option configures an Executor.
type Option func(*Executor)

func WithConfig(cfg Config) Option {
	return func(e *Executor) { e.cfg = cfg }
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// Executor implements pipeline.Executor on top of a unifiedllm.Client.
type Executor struct {
	client *unifiedllm.Client
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

var _ pipeline.Executor = (*Executor)(nil)

func New(client *unifiedllm.Client, opts ...Option) *Executor {
	e := &Executor{
		client: client,
		cfg:    DefaultConfig(),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.cfg.MaxToolRounds <= 0 {
		e.cfg.MaxToolRounds = DefaultConfig().MaxToolRounds
	}
	return e
}

// Run drives the model until it produces the stage's JSON record.
func (e *Executor) Run(ctx context.Context, task pipeline.Task, tools *sandbox.Toolset) (map[string]any, error) {
	names := tools.Names()
	system := BuildSystemPrompt(task, names, e.now())
	first, err := TaskMessage(task)
	if err != nil {
		return nil, fmt.Errorf("render task: %w", err)
	}

	var defs []unifiedllm.ToolDefinition
	for _, d := range tools.Definitions() {
		defs = append(defs, unifiedllm.ToolDefinition{Name: d.Name, Description: d.Description, Parameters: d.Parameters})
	}

	history := []Turn{NewUserTurn(first)}
	rounds, nudges := 0, 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		req := unifiedllm.Request{
			Messages: append([]unifiedllm.Message{unifiedllm.SystemMessage(system)}, ConvertHistoryToMessages(history)...),
			Tools:    defs,
		}
		if len(defs) > 0 {
			req.ToolChoice = &unifiedllm.ToolChoice{Mode: "auto"}
		}
		if e.cfg.MaxTokens > 0 {
			req.MaxTokens = &e.cfg.MaxTokens
		}

		e.record(tools, task.Agent, eventlog.LLMRequest, map[string]any{
			"round":    rounds,
			"messages": len(req.Messages),
			"tools":    names,
		})
		resp, err := e.client.Complete(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("llm request: %w", err)
		}

		calls := resp.ToolCalls()
		text := resp.Text()
		callNames := make([]string, 0, len(calls))
		for _, c := range calls {
			callNames = append(callNames, c.Name)
		}
		logged := textutil.Head(text, maxLoggedText)
		e.record(tools, task.Agent, eventlog.LLMResponse, map[string]any{
			"round":       rounds,
			"provider":    resp.Provider,
			"model":       resp.Model,
			"finish":      resp.FinishReason.Reason,
			"text":        logged,
			"tool_calls":  callNames,
			"usage_total": resp.Usage.TotalTokens,
		})
		history = append(history, NewAssistantTurn(text, calls))

		if len(calls) == 0 {
			out, err := ExtractJSONObject(text)
			if err == nil {
				return out, nil
			}
			if nudges >= e.cfg.MaxFormatRetries {
				return nil, err
			}
			nudges++
			history = append(history, NewSteeringTurn(
				"Your reply did not contain a JSON object. Reply again with only the JSON object described in the Output section."))
			continue
		}

		rounds++
		if rounds > e.cfg.MaxToolRounds {
			return nil, fmt.Errorf("%w (%d)", ErrToolRoundsExceeded, e.cfg.MaxToolRounds)
		}
		results, err := e.executeToolCalls(ctx, task.Agent, tools, calls)
		if err != nil {
			return nil, err
		}
		history = append(history, NewToolResultsTurn(results))

		if e.cfg.EnableLoopDetection && DetectLoop(history, e.cfg.LoopDetectionWindow) {
			warning := fmt.Sprintf("Loop detected: your last %d tool calls repeat the same pattern. "+
				"Use the results you already have, or answer with the JSON object now.", e.cfg.LoopDetectionWindow)
			history = append(history, NewSteeringTurn(warning))
			e.logger.Warn("tool call loop detected", "agent", task.Agent, "round", rounds)
		}
	}
}

// executeToolCalls runs one round of calls concurrently. Tool failures come
// back as error results for the model; only cancellation aborts the round.
func (e *Executor) executeToolCalls(ctx context.Context, agent string, tools *sandbox.Toolset, calls []unifiedllm.ToolCallData) ([]unifiedllm.ToolResultData, error) {
	results := make([]unifiedllm.ToolResultData, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	if e.cfg.MaxParallelTools > 0 {
		g.SetLimit(e.cfg.MaxParallelTools)
	}
	for i, call := range calls {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res := tools.Call(gctx, agent, call.Name, call.Arguments)
			results[i] = unifiedllm.ToolResultData{
				ToolCallID: call.ID,
				Name:       call.Name,
				Content:    TruncateToolOutput(res.Text(), call.Name, e.cfg.ToolOutputLimits, e.cfg.ToolLineLimits),
				IsError:    res.IsError,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (e *Executor) record(tools *sandbox.Toolset, agent string, typ eventlog.EventType, data map[string]any) {
	rec := tools.Recorder()
	if rec == nil {
		return
	}
	if _, err := rec.Log(agent, typ, data); err != nil {
		e.logger.Warn("event log write failed", "agent", agent, "type", typ, "error", err)
	}
}
