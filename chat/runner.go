// Package chat runs conversation turns against the agent engine and turns
// the engine's output into protocol stream events.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/zhubert/plural-web/claude"
	"github.com/zhubert/plural-web/manager"
	"github.com/zhubert/plural-web/metrics"
	"github.com/zhubert/plural-web/protocol"
)

// ContextOverflowMessage is shown instead of the engine's text when a
// conversation outgrows the context window.
const ContextOverflowMessage = "Context limit exceeded. This conversation is too long to continue. Please start a new conversation."

const contextOverflowPhrase = "exceed context limit"

// Runner executes turns. One Runner serves every request of the process.
type Runner struct {
	engine     claude.Engine
	registry   *manager.RequestRegistry
	metrics    *metrics.Metrics
	defaultCwd string
	log        *slog.Logger

	mu           sync.RWMutex
	defaultTools []string
}

// Option configures a Runner.
type Option func(*Runner)

// WithMetrics records turn outcomes and stream events.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithDefaultAllowedTools supplies allowedTools for requests that omit them.
func WithDefaultAllowedTools(tools []string) Option {
	return func(r *Runner) { r.defaultTools = append([]string(nil), tools...) }
}

// WithDefaultWorkingDir supplies workingDirectory for requests that omit it.
func WithDefaultWorkingDir(dir string) Option {
	return func(r *Runner) { r.defaultCwd = dir }
}

// NewRunner creates a Runner.
func NewRunner(engine claude.Engine, registry *manager.RequestRegistry, log *slog.Logger, opts ...Option) *Runner {
	r := &Runner{
		engine:   engine,
		registry: registry,
		log:      log.With("component", "chat"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetDefaultAllowedTools replaces the allowedTools used for requests that
// omit them. Turns already running keep the list they started with.
func (r *Runner) SetDefaultAllowedTools(tools []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultTools = append([]string(nil), tools...)
}

// Registry returns the registry turns are tracked in.
func (r *Runner) Registry() *manager.RequestRegistry {
	return r.registry
}

// Run starts the turn described by req and returns its event stream. The
// stream holds zero or more claude_json events followed by exactly one
// terminal event, then closes. Callers must drain the channel.
//
// A duplicate requestId yields a single error event.
func (r *Runner) Run(ctx context.Context, req protocol.ChatRequest) <-chan protocol.StreamEvent {
	out := make(chan protocol.StreamEvent, 16)
	log := r.log.With("requestID", req.RequestID)

	turnCtx, err := r.registry.Register(ctx, req.RequestID)
	if err != nil {
		log.Warn("turn rejected", "error", err)
		r.metrics.TurnFinished(metrics.OutcomeRejected, 0)
		r.metrics.EventSent(protocol.EventError)
		out <- protocol.ErrorEvent(err.Error())
		close(out)
		return out
	}

	go func() {
		defer close(out)
		defer r.registry.Release(req.RequestID)

		start := time.Now()
		terminal := r.drive(turnCtx, req, out, log)
		r.emit(out, terminal)

		log.Info("turn finished", "outcome", terminal.Type, "elapsed", time.Since(start))
		r.metrics.TurnFinished(string(terminal.Type), time.Since(start))
	}()

	return out
}

// drive forwards engine messages and returns the terminal event. It never
// panics past its own boundary.
func (r *Runner) drive(ctx context.Context, req protocol.ChatRequest, out chan<- protocol.StreamEvent, log *slog.Logger) (terminal protocol.StreamEvent) {
	defer func() {
		if p := recover(); p != nil {
			log.Error("turn panicked", "panic", p)
			terminal = protocol.ErrorEvent(fmt.Sprint(p))
		}
	}()

	prompt := claude.BuildPrompt(req)
	opts := r.queryOptions(req)
	log.Info("turn started",
		"resume", opts.Resume != "",
		"structured", prompt.IsStructured(),
		"permissionMode", opts.PermissionMode,
		"allowedTools", len(opts.AllowedTools))

	var failure error
	forwarded := 0
	for msg := range r.engine.Query(ctx, prompt, opts) {
		if msg.Err != nil {
			failure = msg.Err
			continue
		}
		r.emit(out, protocol.ClaudeJSONEvent(msg.Raw))
		forwarded++
	}
	log.Debug("engine stream closed", "messages", forwarded, "error", failure)

	switch {
	case manager.IsAborted(ctx):
		return protocol.AbortedEvent()
	case failure != nil:
		return ClassifyError(failure)
	case ctx.Err() != nil:
		return protocol.ErrorEvent(context.Cause(ctx).Error())
	}
	return protocol.DoneEvent()
}

func (r *Runner) emit(out chan<- protocol.StreamEvent, ev protocol.StreamEvent) {
	out <- ev
	r.metrics.EventSent(ev.Type)
}

// queryOptions copies the options req supplied, filling server defaults
// only where the request is silent.
func (r *Runner) queryOptions(req protocol.ChatRequest) claude.QueryOptions {
	opts := claude.NewQueryOptions(req)
	if opts.AllowedTools == nil {
		r.mu.RLock()
		if len(r.defaultTools) > 0 {
			opts.AllowedTools = append([]string(nil), r.defaultTools...)
		}
		r.mu.RUnlock()
	}
	if opts.Cwd == "" {
		opts.Cwd = r.defaultCwd
	}
	return opts
}

// ClassifyError maps an engine failure to a terminal event. Context window
// overflows get fixed copy; everything else passes the raw message through.
func ClassifyError(err error) protocol.StreamEvent {
	msg := err.Error()
	if strings.Contains(strings.ToLower(msg), contextOverflowPhrase) {
		return protocol.ContextOverflowEvent(ContextOverflowMessage)
	}
	return protocol.ErrorEvent(msg)
}
