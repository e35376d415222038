package claude

import (
	"strings"

	"github.com/google/uuid"

	"github.com/zhubert/plural-web/protocol"
)

// ContentType identifies the kind of a content block.
type ContentType string

const (
	ContentTypeText       ContentType = "text"
	ContentTypeImage      ContentType = "image"
	ContentTypeToolResult ContentType = "tool_result"
)

// ContentBlock is a single piece of content in a structured user message.
type ContentBlock struct {
	Type      ContentType  `json:"type"`
	Text      string       `json:"text,omitempty"`
	Source    *ImageSource `json:"source,omitempty"`
	ToolUseID string       `json:"tool_use_id,omitempty"`
	Content   *string      `json:"content,omitempty"`
	IsError   bool         `json:"is_error,omitempty"`
}

// ImageSource represents an embedded image
type ImageSource struct {
	Type      string `json:"type"` // "base64"
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// UserMessage is the stream-json input record written to the CLI's stdin.
type UserMessage struct {
	Type    string `json:"type"` // "user"
	Message struct {
		Role    string         `json:"role"` // "user"
		Content []ContentBlock `json:"content"`
	} `json:"message"`
	SessionID       string  `json:"session_id"`
	ParentToolUseID *string `json:"parent_tool_use_id"`
	UUID            string  `json:"uuid"`
}

func newUserMessage(sessionID string, content []ContentBlock) UserMessage {
	msg := UserMessage{
		Type:      "user",
		SessionID: sessionID,
		UUID:      uuid.New().String(),
	}
	msg.Message.Role = "user"
	msg.Message.Content = content
	return msg
}

// Prompt is what one turn hands the engine: either Text, or exactly one
// structured Message.
type Prompt struct {
	Text    string
	Message *UserMessage
}

// IsStructured reports whether the prompt must be sent as stream-json input.
func (p Prompt) IsStructured() bool {
	return p.Message != nil
}

// BuildPrompt chooses the engine input for req.
//
// A toolResult is only honored together with a sessionId, so a tool answer
// can never start a new session. Otherwise a single leading "/" is stripped
// and the rest is sent as text. Images turn the text form into a structured
// message with the images ahead of the text.
func BuildPrompt(req protocol.ChatRequest) Prompt {
	if req.ToolResult != nil && req.SessionID != "" {
		content := req.ToolResult.Content
		block := ContentBlock{
			Type:      ContentTypeToolResult,
			ToolUseID: req.ToolResult.ToolUseID,
			Content:   &content,
			IsError:   req.ToolResult.IsError,
		}
		msg := newUserMessage(req.SessionID, []ContentBlock{block})
		return Prompt{Message: &msg}
	}

	text := req.Message
	if strings.HasPrefix(text, "/") {
		text = text[1:]
	}

	if len(req.Images) == 0 {
		return Prompt{Text: text}
	}

	blocks := make([]ContentBlock, 0, len(req.Images)+1)
	for _, img := range req.Images {
		blocks = append(blocks, ContentBlock{
			Type: ContentTypeImage,
			Source: &ImageSource{
				Type:      "base64",
				MediaType: img.MediaType,
				Data:      img.Data,
			},
		})
	}
	if text != "" {
		blocks = append(blocks, ContentBlock{Type: ContentTypeText, Text: text})
	}
	msg := newUserMessage(req.SessionID, blocks)
	return Prompt{Message: &msg}
}
