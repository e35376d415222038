package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/zhubert/plural-web/protocol"
)

// readChunkSize is the size of each body read. Records may span reads.
const readChunkSize = 32 << 10

// StreamEndedMessage is the text of the error event synthesized when a
// stream closes without a terminal event.
const StreamEndedMessage = "stream ended unexpectedly"

// Consume reads an NDJSON event stream and calls handle for each event in
// order, terminal event included. It returns the terminal event.
//
// Lines that fail to parse are logged and skipped. A read failure, a
// cancelled ctx, or a stream that ends early is reported to handle as an
// error event, so every call ends with exactly one terminal event.
func Consume(ctx context.Context, body io.Reader, log *slog.Logger, handle func(protocol.StreamEvent)) protocol.StreamEvent {
	if log == nil {
		log = slog.Default()
	}
	var lines protocol.LineBuffer
	buf := make([]byte, readChunkSize)

	finish := func(ev protocol.StreamEvent) protocol.StreamEvent {
		handle(ev)
		return ev
	}

	for {
		if ctx.Err() != nil {
			return finish(protocol.ErrorEvent(fmt.Sprintf("stream cancelled: %v", context.Cause(ctx))))
		}

		n, err := body.Read(buf)
		if n > 0 {
			if ev, ok := dispatch(lines.Feed(buf[:n]), log, handle); ok {
				return ev
			}
		}

		switch {
		case err == nil:
			continue
		case errors.Is(err, io.EOF):
			if rest := lines.Flush(); rest != nil {
				if ev, ok := dispatch([][]byte{rest}, log, handle); ok {
					return ev
				}
			}
			return finish(protocol.ErrorEvent(StreamEndedMessage))
		case ctx.Err() != nil:
			return finish(protocol.ErrorEvent(fmt.Sprintf("stream cancelled: %v", context.Cause(ctx))))
		default:
			log.Warn("stream read failed", "error", err, "pending", lines.Pending())
			return finish(protocol.ErrorEvent(fmt.Sprintf("stream read failed: %v", err)))
		}
	}
}

// dispatch parses and hands off complete lines, stopping at the first
// terminal event.
func dispatch(lines [][]byte, log *slog.Logger, handle func(protocol.StreamEvent)) (protocol.StreamEvent, bool) {
	for _, line := range lines {
		ev, err := protocol.ParseEvent(line)
		if err != nil {
			log.Warn("skipping malformed stream line", "error", err, "line", truncate(string(line)))
			continue
		}
		handle(ev)
		if ev.IsTerminal() {
			return ev, true
		}
	}
	return protocol.StreamEvent{}, false
}

func truncate(s string) string {
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
