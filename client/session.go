package client

import (
	"github.com/zhubert/plural-web/protocol"
)

// Session is the client-side state of one conversation. ID is empty until
// the engine assigns one. It is owned by a single goroutine.
type Session struct {
	ID             string
	PermissionMode protocol.PermissionMode

	// AllowedTools are the patterns allowed for every turn of this
	// conversation. Order is preserved and duplicates are kept.
	AllowedTools []string
}

// NewSession creates a session with the given starting mode and tools. An
// empty mode means default.
func NewSession(mode protocol.PermissionMode, allowedTools []string) *Session {
	if mode == "" {
		mode = protocol.PermissionModeDefault
	}
	return &Session{
		PermissionMode: mode,
		AllowedTools:   append([]string(nil), allowedTools...),
	}
}

// Allow appends patterns to the persisted allow list.
func (s *Session) Allow(patterns ...string) {
	s.AllowedTools = append(s.AllowedTools, patterns...)
}

// EffectiveTools returns a copy of the persisted allow list with extra
// appended. The session is not modified.
func (s *Session) EffectiveTools(extra ...string) []string {
	tools := make([]string, 0, len(s.AllowedTools)+len(extra))
	tools = append(tools, s.AllowedTools...)
	return append(tools, extra...)
}
