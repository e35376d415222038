package client

import (
	"encoding/json"
	"log/slog"

	"github.com/zhubert/plural-web/claude"
)

type toolUse struct {
	name  string
	input json.RawMessage
}

// Detector inspects engine messages as they stream past and feeds the
// arbitrator. It tracks the session id and remembers tool calls so a later
// permission refusal can be matched to the call it refused.
type Detector struct {
	session *Session
	arb     *Arbitrator
	log     *slog.Logger

	toolUses map[string]toolUse
}

// NewDetector creates a detector updating session and arb.
func NewDetector(session *Session, arb *Arbitrator, log *slog.Logger) *Detector {
	if log == nil {
		log = slog.Default()
	}
	return &Detector{
		session:  session,
		arb:      arb,
		log:      log,
		toolUses: make(map[string]toolUse),
	}
}

// Observe processes one claude_json payload. Payloads it cannot read are
// ignored.
func (d *Detector) Observe(raw json.RawMessage) {
	env, err := claude.ParseEnvelope(raw)
	if err != nil {
		d.log.Debug("ignoring unreadable engine message", "error", err)
		return
	}

	if env.SessionID != "" && env.SessionID != d.session.ID {
		d.log.Debug("session id assigned", "sessionID", env.SessionID)
		d.session.ID = env.SessionID
	}

	switch env.Type {
	case claude.MessageTypeAssistant:
		for _, item := range env.Message.Content {
			if item.Type == "tool_use" && item.ID != "" {
				d.toolUses[item.ID] = toolUse{name: item.Name, input: item.Input}
			}
		}
	case claude.MessageTypeUser:
		for _, item := range env.Message.Content {
			if item.Type == "tool_result" && item.IsError {
				d.onFailedToolResult(item)
			}
		}
	}
}

func (d *Detector) onFailedToolResult(item claude.ContentItem) {
	if !claude.IsPermissionDenied(item.ResultText()) {
		return
	}
	id := item.ResultToolUseID()
	use, ok := d.toolUses[id]
	if !ok {
		d.log.Warn("permission refusal for unknown tool call", "toolUseID", id)
		return
	}

	switch use.name {
	case claude.ToolAskUserQuestion:
		questions, err := claude.ParseQuestions(use.input)
		if err != nil || len(questions) == 0 {
			d.log.Warn("unreadable AskUserQuestion input", "toolUseID", id, "error", err)
			return
		}
		d.arb.OnAskUserQuestion(questions, id)
	case claude.ToolExitPlanMode:
		d.arb.OnPermissionError(use.name, []string{use.name}, id)
		d.arb.SetPlanContent(claude.ParsePlan(use.input))
	default:
		d.arb.OnPermissionError(use.name, claude.ToolPatterns(use.name, use.input), id)
	}
	d.log.Info("dialog opened", "tool", use.name, "toolUseID", id, "dialog", d.arb.ActiveDialog())
}
