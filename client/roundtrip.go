package client

import (
	"github.com/zhubert/plural-web/protocol"
)

// Turn is a request waiting to be sent. RequestID is assigned at send time.
type Turn struct {
	Request protocol.ChatRequest

	// HideUserMessage marks turns that carry a decision rather than text the
	// user typed, so the UI should not echo them.
	HideUserMessage bool
}

// Messages sent to resume the engine after a dialog.
const (
	continueMessage = "continue"
	acceptMessage   = "accept"
)

// newTurn builds a request carrying the session's id, mode, and allow list.
// permissionMode is left off the wire when it is the default.
func (s *Session) newTurn(message string, tools []string) Turn {
	req := protocol.ChatRequest{
		Message:      message,
		SessionID:    s.ID,
		AllowedTools: tools,
	}
	if s.PermissionMode != protocol.PermissionModeDefault {
		req.PermissionMode = s.PermissionMode
	}
	return Turn{Request: req}
}

// UserTurn builds an ordinary turn from text the user typed.
func (s *Session) UserTurn(message string, images ...protocol.ImageAttachment) Turn {
	t := s.newTurn(message, s.EffectiveTools())
	t.Request.Images = images
	return t
}

// toolResultTurn re-enters the session with the answer to a paused tool call.
func (s *Session) toolResultTurn(result protocol.ToolResultContent) Turn {
	t := s.newTurn("", s.EffectiveTools())
	t.Request.ToolResult = &result
	t.HideUserMessage = true
	return t
}

// continueTurn resumes after a permission grant with tools as the allow list.
func (s *Session) continueTurn(tools []string) Turn {
	t := s.newTurn(continueMessage, tools)
	t.HideUserMessage = true
	return t
}

// acceptTurn resumes after a plan was approved, in the session's new mode.
func (s *Session) acceptTurn() Turn {
	t := s.newTurn(acceptMessage, s.EffectiveTools())
	t.HideUserMessage = true
	return t
}
