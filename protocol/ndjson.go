package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// ContentType is the media type of a turn's response body.
const ContentType = "application/x-ndjson"

type flusher interface {
	Flush()
}

// Encoder writes StreamEvents as newline-terminated JSON. When the
// underlying writer can flush (an http.ResponseWriter usually can), every
// line is flushed as soon as it is written.
type Encoder struct {
	mu      sync.Mutex
	w       io.Writer
	flusher flusher
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	e := &Encoder{w: w}
	if f, ok := w.(flusher); ok {
		e.flusher = f
	}
	return e
}

// Encode writes ev as one line and flushes it.
func (e *Encoder) Encode(ev StreamEvent) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", ev.Type, err)
	}
	line = append(line, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.w.Write(line); err != nil {
		return err
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
	return nil
}

// LineBuffer reassembles newline-delimited records from arbitrarily split
// chunks. A partial trailing line is held until the chunk that completes it
// arrives. Splitting happens on the '\n' byte, which never occurs inside a
// multi-byte UTF-8 sequence, so characters cut across chunks survive intact.
type LineBuffer struct {
	partial []byte
}

// Feed appends chunk and returns every line it completed, in order, without
// the trailing newline. Blank lines are dropped. Returned slices do not
// alias chunk.
func (b *LineBuffer) Feed(chunk []byte) [][]byte {
	var lines [][]byte
	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			b.partial = append(b.partial, chunk...)
			break
		}
		line := append(b.partial, chunk[:i]...)
		b.partial = nil
		chunk = chunk[i+1:]

		line = bytes.TrimSuffix(line, []byte{'\r'})
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		lines = append(lines, bytes.Clone(line))
	}
	return lines
}

// Flush returns whatever partial line is buffered and clears it. Used at end
// of stream, where a final record may lack its newline.
func (b *LineBuffer) Flush() []byte {
	rest := bytes.TrimSpace(b.partial)
	b.partial = nil
	if len(rest) == 0 {
		return nil
	}
	return bytes.Clone(rest)
}

// Pending returns the number of buffered bytes awaiting a newline.
func (b *LineBuffer) Pending() int {
	return len(b.partial)
}
