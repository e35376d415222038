package claude

import (
	"context"
	"encoding/json"
)

// Message is one item of an engine's output stream: either a raw engine
// message or, as the final item, the failure that ended the stream.
type Message struct {
	Raw json.RawMessage
	Err error
}

// Engine runs a single turn. The returned channel yields messages in the
// order the engine emitted them and is closed when the turn ends. A failed
// turn ends with one Message whose Err is set. Cancelling ctx stops the
// turn; the channel is still closed.
type Engine interface {
	Query(ctx context.Context, prompt Prompt, opts QueryOptions) <-chan Message
}

// send delivers msg unless ctx is done first.
func send(ctx context.Context, ch chan<- Message, msg Message) bool {
	select {
	case ch <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}
