package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/zhubert/plural-web/claude"
	"github.com/zhubert/plural-web/protocol"
)

var (
	// ErrNoPendingDialog is returned when resolving a dialog that is not open.
	ErrNoPendingDialog = errors.New("no pending dialog")
)

// QuestionCancelledMessage is the tool result content sent when the user
// dismisses a question without answering.
const QuestionCancelledMessage = "User cancelled the question without answering."

// Dialog identifies which decision is owed to the user.
type Dialog int

const (
	DialogNone Dialog = iota
	DialogToolPermission
	DialogPlan
	DialogQuestion
)

func (d Dialog) String() string {
	switch d {
	case DialogToolPermission:
		return "tool_permission"
	case DialogPlan:
		return "plan"
	case DialogQuestion:
		return "question"
	}
	return "none"
}

// PermissionDecision is the user's answer to a tool permission request.
type PermissionDecision int

const (
	AllowOnce PermissionDecision = iota
	AllowPermanently
	Deny
)

// PlanDecision is the user's answer to a plan approval request.
type PlanDecision int

const (
	AcceptWithEdits PlanDecision = iota
	AcceptDefault
	KeepPlanning
)

// ToolPermissionRequest is a refused tool call awaiting a decision.
type ToolPermissionRequest struct {
	ToolName  string
	Patterns  []string
	ToolUseID string
}

// PlanRequest is a plan awaiting approval.
type PlanRequest struct {
	ToolUseID string
	Plan      string
}

// QuestionRequest is one AskUserQuestion call. All of its questions are
// answered together.
type QuestionRequest struct {
	ToolUseID string
	Questions []claude.Question
}

// Arbitrator tracks the decisions the engine is waiting on. Tool permission
// and plan requests are single slots where the latest wins; questions queue
// in arrival order. Resolving a dialog updates the session and returns the
// turn that carries the decision back, or nil when nothing is sent.
//
// Arbitrator is not safe for concurrent use.
type Arbitrator struct {
	session *Session

	toolPermission *ToolPermissionRequest
	plan           *PlanRequest
	questions      []QuestionRequest
}

// NewArbitrator creates an arbitrator that applies decisions to session.
func NewArbitrator(session *Session) *Arbitrator {
	return &Arbitrator{session: session}
}

// OnPermissionError records a refused tool call. A refusal whose patterns
// name ExitPlanMode becomes a plan approval request; anything else becomes a
// tool permission request. Either replaces the previous request of its kind.
func (a *Arbitrator) OnPermissionError(toolName string, patterns []string, toolUseID string) {
	if slices.Contains(patterns, claude.ToolExitPlanMode) {
		a.plan = &PlanRequest{ToolUseID: toolUseID}
		return
	}
	a.toolPermission = &ToolPermissionRequest{
		ToolName:  toolName,
		Patterns:  slices.Clone(patterns),
		ToolUseID: toolUseID,
	}
}

// SetPlanContent attaches the plan text to the open plan request.
func (a *Arbitrator) SetPlanContent(plan string) {
	if a.plan != nil {
		a.plan.Plan = plan
	}
}

// OnAskUserQuestion queues a question request behind any already pending.
func (a *Arbitrator) OnAskUserQuestion(questions []claude.Question, toolUseID string) {
	a.questions = append(a.questions, QuestionRequest{
		ToolUseID: toolUseID,
		Questions: questions,
	})
}

// ToolPermission returns the open tool permission request, if any.
func (a *Arbitrator) ToolPermission() *ToolPermissionRequest {
	return a.toolPermission
}

// Plan returns the open plan approval request, if any.
func (a *Arbitrator) Plan() *PlanRequest {
	return a.plan
}

// CurrentQuestion returns the question request at the head of the queue.
func (a *Arbitrator) CurrentQuestion() *QuestionRequest {
	if len(a.questions) == 0 {
		return nil
	}
	return &a.questions[0]
}

// PendingCount returns the number of queued question requests.
func (a *Arbitrator) PendingCount() int {
	return len(a.questions)
}

// IsDialogOpen reports whether any decision is owed to the user.
func (a *Arbitrator) IsDialogOpen() bool {
	return a.toolPermission != nil || a.plan != nil || len(a.questions) > 0
}

// ActiveDialog returns the dialog to show first: tool permission, then plan,
// then the head question.
func (a *Arbitrator) ActiveDialog() Dialog {
	switch {
	case a.toolPermission != nil:
		return DialogToolPermission
	case a.plan != nil:
		return DialogPlan
	case len(a.questions) > 0:
		return DialogQuestion
	}
	return DialogNone
}

// ResolveToolPermission applies decision to the open tool permission request.
// Allow-once grants the patterns for the follow-up turn only; allow
// permanently adds them to the session. Deny sends nothing.
func (a *Arbitrator) ResolveToolPermission(decision PermissionDecision) (*Turn, error) {
	req := a.toolPermission
	if req == nil {
		return nil, fmt.Errorf("%w: tool permission", ErrNoPendingDialog)
	}
	a.toolPermission = nil

	switch decision {
	case AllowOnce:
		t := a.session.continueTurn(a.session.EffectiveTools(req.Patterns...))
		return &t, nil
	case AllowPermanently:
		a.session.Allow(req.Patterns...)
		t := a.session.continueTurn(a.session.EffectiveTools())
		return &t, nil
	case Deny:
		return nil, nil
	}
	return nil, fmt.Errorf("unknown permission decision %d", decision)
}

// ResolvePlan applies decision to the open plan request. Both accepts set
// the session's mode and resume; keeping the plan switches to plan mode and
// sends nothing.
func (a *Arbitrator) ResolvePlan(decision PlanDecision) (*Turn, error) {
	if a.plan == nil {
		return nil, fmt.Errorf("%w: plan", ErrNoPendingDialog)
	}
	a.plan = nil

	switch decision {
	case AcceptWithEdits:
		a.session.PermissionMode = protocol.PermissionModeAcceptEdits
	case AcceptDefault:
		a.session.PermissionMode = protocol.PermissionModeDefault
	case KeepPlanning:
		a.session.PermissionMode = protocol.PermissionModePlan
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown plan decision %d", decision)
	}
	t := a.session.acceptTurn()
	return &t, nil
}

// ResolveQuestion answers the head question request. answers maps question
// text to the chosen label (multi-select labels comma-joined).
func (a *Arbitrator) ResolveQuestion(answers map[string]string) (*Turn, error) {
	head, err := a.popQuestion()
	if err != nil {
		return nil, err
	}
	if answers == nil {
		answers = map[string]string{}
	}
	content, err := json.Marshal(answers)
	if err != nil {
		return nil, fmt.Errorf("encode answers: %w", err)
	}
	t := a.session.toolResultTurn(protocol.ToolResultContent{
		ToolUseID: head.ToolUseID,
		Content:   string(content),
	})
	return &t, nil
}

// CancelQuestion dismisses the head question request, reporting the
// cancellation to the engine as a failed tool result.
func (a *Arbitrator) CancelQuestion() (*Turn, error) {
	head, err := a.popQuestion()
	if err != nil {
		return nil, err
	}
	t := a.session.toolResultTurn(protocol.ToolResultContent{
		ToolUseID: head.ToolUseID,
		Content:   QuestionCancelledMessage,
		IsError:   true,
	})
	return &t, nil
}

func (a *Arbitrator) popQuestion() (QuestionRequest, error) {
	if len(a.questions) == 0 {
		return QuestionRequest{}, fmt.Errorf("%w: question", ErrNoPendingDialog)
	}
	head := a.questions[0]
	a.questions = a.questions[1:]
	return head, nil
}
