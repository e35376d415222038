// Package protocol defines the wire shapes exchanged between the chat
// server and its clients: the inbound ChatRequest and the NDJSON stream of
// StreamEvents sent back for each turn.
package protocol

import (
	"errors"
	"fmt"
	"slices"
)

var (
	ErrMissingRequestID      = errors.New("requestId is required")
	ErrInvalidPermissionMode = errors.New("invalid permission mode")
	ErrUnsupportedMediaType  = errors.New("unsupported image media type")
)

// PermissionMode is the session-level policy governing how much tool
// autonomy the engine has.
type PermissionMode string

const (
	PermissionModeDefault           PermissionMode = "default"
	PermissionModePlan              PermissionMode = "plan"
	PermissionModeAcceptEdits       PermissionMode = "acceptEdits"
	PermissionModeBypassPermissions PermissionMode = "bypassPermissions"
)

// PermissionModes lists every accepted mode.
var PermissionModes = []PermissionMode{
	PermissionModeDefault,
	PermissionModePlan,
	PermissionModeAcceptEdits,
	PermissionModeBypassPermissions,
}

// Valid reports whether m is one of the known modes.
func (m PermissionMode) Valid() bool {
	return slices.Contains(PermissionModes, m)
}

// ParsePermissionMode converts s into a PermissionMode. The empty string
// maps to PermissionModeDefault.
func ParsePermissionMode(s string) (PermissionMode, error) {
	if s == "" {
		return PermissionModeDefault, nil
	}
	m := PermissionMode(s)
	if !m.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidPermissionMode, s)
	}
	return m, nil
}

// ToolResultContent is the answer to a tool call, fed back to the engine on
// the next turn. IsError is only present on the wire when true.
type ToolResultContent struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error,omitempty"`
}

// Supported image media types.
const (
	MediaTypePNG  = "image/png"
	MediaTypeJPEG = "image/jpeg"
	MediaTypeGIF  = "image/gif"
	MediaTypeWebP = "image/webp"
)

var mediaTypes = []string{MediaTypePNG, MediaTypeJPEG, MediaTypeGIF, MediaTypeWebP}

// ImageAttachment is a base64 encoded image sent alongside a message.
type ImageAttachment struct {
	MediaType string `json:"mediaType"`
	Data      string `json:"data"`
}

// ChatRequest is the body of POST /api/chat: one turn of a conversation.
//
// Optional fields are significant by presence. AllowedTools in particular
// distinguishes nil (not supplied) from an empty list.
type ChatRequest struct {
	Message          string             `json:"message"`
	RequestID        string             `json:"requestId"`
	SessionID        string             `json:"sessionId,omitempty"`
	AllowedTools     []string           `json:"allowedTools,omitempty"`
	WorkingDirectory string             `json:"workingDirectory,omitempty"`
	PermissionMode   PermissionMode     `json:"permissionMode,omitempty"`
	ToolResult       *ToolResultContent `json:"toolResult,omitempty"`
	Images           []ImageAttachment  `json:"images,omitempty"`
}

// Validate checks the fields the server depends on.
func (r *ChatRequest) Validate() error {
	if r.RequestID == "" {
		return ErrMissingRequestID
	}
	if r.PermissionMode != "" && !r.PermissionMode.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidPermissionMode, r.PermissionMode)
	}
	for i, img := range r.Images {
		if !slices.Contains(mediaTypes, img.MediaType) {
			return fmt.Errorf("%w: images[%d] has %q", ErrUnsupportedMediaType, i, img.MediaType)
		}
	}
	return nil
}
