package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestToolResultContent_IsErrorOmittedWhenFalse(t *testing.T) {
	data, err := json.Marshal(ToolResultContent{ToolUseID: "toolu_1", Content: "ok"})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "is_error") {
		t.Errorf("is_error should be absent, got %s", data)
	}

	data, err = json.Marshal(ToolResultContent{ToolUseID: "toolu_1", Content: "no", IsError: true})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"is_error":true`) {
		t.Errorf("is_error should be true, got %s", data)
	}
}

func TestChatRequest_OmitsAbsentFields(t *testing.T) {
	data, err := json.Marshal(ChatRequest{Message: "hi", RequestID: "r1"})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"message":"hi","requestId":"r1"}`
	if string(data) != want {
		t.Errorf("got %s, want %s", data, want)
	}
}

func TestChatRequest_DecodesAllowedToolsPresence(t *testing.T) {
	var withEmpty, without ChatRequest
	if err := json.Unmarshal([]byte(`{"message":"x","requestId":"r","allowedTools":[]}`), &withEmpty); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal([]byte(`{"message":"x","requestId":"r"}`), &without); err != nil {
		t.Fatal(err)
	}
	if withEmpty.AllowedTools == nil {
		t.Error("explicit empty allowedTools should decode to a non-nil slice")
	}
	if without.AllowedTools != nil {
		t.Error("absent allowedTools should stay nil")
	}
}

func TestChatRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		req     ChatRequest
		wantErr error
	}{
		{"minimal", ChatRequest{Message: "hi", RequestID: "r1"}, nil},
		{"missing request id", ChatRequest{Message: "hi"}, ErrMissingRequestID},
		{"valid mode", ChatRequest{RequestID: "r1", PermissionMode: PermissionModePlan}, nil},
		{"bad mode", ChatRequest{RequestID: "r1", PermissionMode: "yolo"}, ErrInvalidPermissionMode},
		{"png image", ChatRequest{RequestID: "r1", Images: []ImageAttachment{{MediaType: MediaTypePNG, Data: "AA=="}}}, nil},
		{"bmp image", ChatRequest{RequestID: "r1", Images: []ImageAttachment{{MediaType: "image/bmp", Data: "AA=="}}}, ErrUnsupportedMediaType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestParsePermissionMode(t *testing.T) {
	for _, m := range PermissionModes {
		got, err := ParsePermissionMode(string(m))
		if err != nil || got != m {
			t.Errorf("ParsePermissionMode(%q) = %q, %v", m, got, err)
		}
	}
	if got, err := ParsePermissionMode(""); err != nil || got != PermissionModeDefault {
		t.Errorf("empty mode = %q, %v; want default", got, err)
	}
	if _, err := ParsePermissionMode("auto"); !errors.Is(err, ErrInvalidPermissionMode) {
		t.Errorf("expected ErrInvalidPermissionMode, got %v", err)
	}
}
