package claude

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Message types emitted by the CLI in stream-json mode.
const (
	MessageTypeSystem    = "system"
	MessageTypeAssistant = "assistant"
	MessageTypeUser      = "user"
	MessageTypeResult    = "result"
)

// ContentItem is one block of an assistant or user message.
type ContentItem struct {
	Type      string          `json:"type"`         // "text", "tool_use", "tool_result"
	ID        string          `json:"id,omitempty"` // tool use ID (for tool_use)
	Text      string          `json:"text,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	ToolUseId string          `json:"toolUseId,omitempty"` // camelCase variant from Claude CLI
	Content   json.RawMessage `json:"content,omitempty"`   // string or array of blocks
	IsError   bool            `json:"is_error,omitempty"`
}

// ResultToolUseID returns the referenced tool use ID, whichever casing the
// CLI used.
func (c ContentItem) ResultToolUseID() string {
	if c.ToolUseID != "" {
		return c.ToolUseID
	}
	return c.ToolUseId
}

// ResultText flattens a tool_result's content to text. Content may be a
// plain string or an array of text blocks.
func (c ContentItem) ResultText() string {
	if len(c.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(c.Content, &s); err == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(c.Content, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		if b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// Envelope holds the subset of an engine message that plural-web inspects.
// Everything else stays in the raw JSON forwarded to clients.
type Envelope struct {
	Type            string  `json:"type"`
	Subtype         string  `json:"subtype,omitempty"`
	SessionID       string  `json:"session_id,omitempty"`
	ParentToolUseID *string `json:"parent_tool_use_id,omitempty"`
	Message         struct {
		Content []ContentItem `json:"content"`
	} `json:"message"`
	IsError bool     `json:"is_error,omitempty"`
	Result  string   `json:"result,omitempty"`
	Errors  []string `json:"errors,omitempty"`
}

// ParseEnvelope decodes raw. Message content that is a bare string (as user
// prompts echo back) is tolerated and leaves Content empty.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		var plain struct {
			Type      string `json:"type"`
			Subtype   string `json:"subtype,omitempty"`
			SessionID string `json:"session_id,omitempty"`
		}
		if err2 := json.Unmarshal(raw, &plain); err2 != nil {
			return Envelope{}, fmt.Errorf("parse engine message: %w", err)
		}
		env = Envelope{Type: plain.Type, Subtype: plain.Subtype, SessionID: plain.SessionID}
	}
	if env.Type == "" {
		return Envelope{}, errors.New("engine message has no type")
	}
	return env, nil
}

// ResultError returns the failure a result message reports, or nil.
func (e Envelope) ResultError() error {
	if e.Type != MessageTypeResult || !e.IsError {
		return nil
	}
	if len(e.Errors) > 0 {
		return errors.New(strings.Join(e.Errors, "; "))
	}
	if e.Result != "" {
		return errors.New(e.Result)
	}
	if e.Subtype != "" {
		return fmt.Errorf("claude run failed: %s", e.Subtype)
	}
	return errors.New("claude run failed")
}

// truncateForLog truncates long strings for log messages
func truncateForLog(s string) string {
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
