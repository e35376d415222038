package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/zhubert/plural-web/protocol"
)

var (
	// ErrTurnInProgress is returned when sending while a turn's stream is open.
	ErrTurnInProgress = errors.New("turn already in progress")

	// ErrDialogOpen is returned when sending free text while a decision is
	// owed to the engine.
	ErrDialogOpen = errors.New("dialog awaiting decision")
)

// Conversation drives one chat surface: one turn at a time, with dialogs
// detected from the stream and decisions sent back as follow-up turns.
//
// Send, Continue, and New are meant to be called from one goroutine. Abort
// and InProgress may be called from any goroutine.
type Conversation struct {
	client *Client
	log    *slog.Logger

	cwd          string
	initialMode  protocol.PermissionMode
	initialTools []string

	session  *Session
	arb      *Arbitrator
	detector *Detector

	mu     sync.Mutex
	active string
}

// ConversationOption configures a Conversation.
type ConversationOption func(*Conversation)

// WithWorkingDir sets the working directory sent with every turn.
func WithWorkingDir(dir string) ConversationOption {
	return func(c *Conversation) {
		c.cwd = dir
	}
}

// WithPermissionMode sets the mode new sessions start in.
func WithPermissionMode(mode protocol.PermissionMode) ConversationOption {
	return func(c *Conversation) {
		c.initialMode = mode
	}
}

// WithAllowedTools sets the allow list new sessions start with.
func WithAllowedTools(tools []string) ConversationOption {
	return func(c *Conversation) {
		c.initialTools = tools
	}
}

// WithConversationLogger sets the logger.
func WithConversationLogger(log *slog.Logger) ConversationOption {
	return func(c *Conversation) {
		c.log = log
	}
}

// NewConversation creates a conversation against client.
func NewConversation(client *Client, opts ...ConversationOption) *Conversation {
	c := &Conversation{
		client: client,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With("component", "conversation")
	c.reset()
	return c
}

func (c *Conversation) reset() {
	c.session = NewSession(c.initialMode, c.initialTools)
	c.arb = NewArbitrator(c.session)
	c.detector = NewDetector(c.session, c.arb, c.log)
}

// Session returns the current session.
func (c *Conversation) Session() *Session {
	return c.session
}

// Arbitrator returns the current session's arbitrator.
func (c *Conversation) Arbitrator() *Arbitrator {
	return c.arb
}

// InProgress reports whether a turn's stream is open.
func (c *Conversation) InProgress() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != ""
}

// Send sends text the user typed as a new turn and streams it to handle.
// It returns the turn's terminal event.
func (c *Conversation) Send(ctx context.Context, message string, handle func(protocol.StreamEvent), images ...protocol.ImageAttachment) (protocol.StreamEvent, error) {
	if c.arb.IsDialogOpen() {
		return protocol.StreamEvent{}, fmt.Errorf("%w: %s", ErrDialogOpen, c.arb.ActiveDialog())
	}
	return c.run(ctx, c.session.UserTurn(message, images...), handle)
}

// Continue sends a follow-up turn returned by the arbitrator. A nil turn
// sends nothing and returns a zero event.
func (c *Conversation) Continue(ctx context.Context, turn *Turn, handle func(protocol.StreamEvent)) (protocol.StreamEvent, error) {
	if turn == nil {
		return protocol.StreamEvent{}, nil
	}
	return c.run(ctx, *turn, handle)
}

func (c *Conversation) run(ctx context.Context, turn Turn, handle func(protocol.StreamEvent)) (protocol.StreamEvent, error) {
	req := turn.Request
	req.RequestID = ulid.Make().String()
	if req.WorkingDirectory == "" {
		req.WorkingDirectory = c.cwd
	}

	c.mu.Lock()
	if c.active != "" {
		c.mu.Unlock()
		return protocol.StreamEvent{}, ErrTurnInProgress
	}
	c.active = req.RequestID
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.active = ""
		c.mu.Unlock()
	}()

	log := c.log.With("requestID", req.RequestID)
	body, err := c.client.Chat(ctx, req)
	if err != nil {
		return protocol.StreamEvent{}, err
	}
	defer body.Close()

	terminal := Consume(ctx, body, log, func(ev protocol.StreamEvent) {
		if ev.Type == protocol.EventClaudeJSON {
			c.detector.Observe(ev.Data)
		}
		if handle != nil {
			handle(ev)
		}
	})
	log.Debug("turn ended", "outcome", terminal.Type, "dialog", c.arb.ActiveDialog())
	return terminal, nil
}

// Abort cancels the open turn, if any. It reports whether the server
// cancelled something.
func (c *Conversation) Abort(ctx context.Context) (bool, error) {
	c.mu.Lock()
	id := c.active
	c.mu.Unlock()
	if id == "" {
		return false, nil
	}
	return c.client.Abort(ctx, id)
}

// New discards the session and its pending dialogs and starts over.
func (c *Conversation) New() error {
	if c.InProgress() {
		return ErrTurnInProgress
	}
	c.reset()
	c.log.Info("new conversation")
	return nil
}
