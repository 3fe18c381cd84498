// Package stream carries verification progress as newline-delimited JSON.
package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"

	"loginpilot/internal/domain"
)

// ContentType is the media type of a progress stream.
const ContentType = "application/x-ndjson"

// SetHeaders prepares an HTTP response to carry a progress stream.
func SetHeaders(h http.Header) {
	h.Set("Content-Type", ContentType)
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// Writer encodes events one per line and flushes after each. Once a write
// fails, typically because the reader went away, the writer is broken and
// later sends are dropped.
type Writer struct {
	mu     sync.Mutex
	w      io.Writer
	flush  func()
	broken bool
}

// NewWriter wraps w. If w is an http.Flusher it is flushed after each event.
func NewWriter(w io.Writer) *Writer {
	sw := &Writer{w: w}
	if f, ok := w.(http.Flusher); ok {
		sw.flush = f.Flush
	}
	return sw
}

// Send writes ev. It reports whether the event was delivered.
func (w *Writer) Send(ev domain.ProgressEvent) bool {
	line, err := json.Marshal(ev)
	if err != nil {
		return false
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.broken {
		return false
	}
	if _, err := w.w.Write(line); err != nil {
		w.broken = true
		return false
	}
	if w.flush != nil {
		w.flush()
	}
	return true
}

// Sink adapts the writer to a domain.EventSink.
func (w *Writer) Sink() domain.EventSink {
	return func(ev domain.ProgressEvent) { w.Send(ev) }
}

// Broken reports whether a write has failed.
func (w *Writer) Broken() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.broken
}

// DefaultMaxLine caps one encoded event.
const DefaultMaxLine = 1 << 20

// Decoder turns arbitrary chunks of a stream back into events. Lines may
// span chunks and a chunk may hold several lines.
type Decoder struct {
	// MaxLine caps a pending line; zero means DefaultMaxLine. A longer line
	// is dropped and decoding resumes after its newline.
	MaxLine int
	// Skipped counts malformed and oversized lines.
	Skipped int

	buf        []byte
	discarding bool
}

// Feed consumes chunk and returns every event completed by it, in order.
func (d *Decoder) Feed(chunk []byte) []domain.ProgressEvent {
	var out []domain.ProgressEvent
	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			d.hold(chunk)
			break
		}
		line := chunk[:i]
		chunk = chunk[i+1:]
		if d.discarding {
			d.discarding = false
			continue
		}
		if len(d.buf)+len(line) > d.maxLine() {
			d.buf = nil
			d.Skipped++
			continue
		}
		if len(d.buf) > 0 {
			line = append(d.buf, line...)
			d.buf = nil
		}
		if ev, ok := d.parse(line); ok {
			out = append(out, ev)
		}
	}
	return out
}

// hold keeps an unterminated tail until its newline arrives.
func (d *Decoder) hold(part []byte) {
	if d.discarding {
		return
	}
	if len(d.buf)+len(part) > d.maxLine() {
		d.buf = nil
		d.discarding = true
		d.Skipped++
		return
	}
	d.buf = append(d.buf, part...)
}

func (d *Decoder) maxLine() int {
	if d.MaxLine > 0 {
		return d.MaxLine
	}
	return DefaultMaxLine
}

// Flush decodes a trailing line that was never terminated.
func (d *Decoder) Flush() []domain.ProgressEvent {
	rest := d.buf
	d.buf, d.discarding = nil, false
	if ev, ok := d.parse(rest); ok {
		return []domain.ProgressEvent{ev}
	}
	return nil
}

func (d *Decoder) parse(line []byte) (domain.ProgressEvent, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return domain.ProgressEvent{}, false
	}
	var ev domain.ProgressEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		d.Skipped++
		return domain.ProgressEvent{}, false
	}
	return ev, true
}

// Decode reads r until EOF and calls fn for every event. It returns
// ctx.Err() when ctx ends first.
func Decode(ctx context.Context, r io.Reader, fn func(domain.ProgressEvent)) error {
	var d Decoder
	chunk := make([]byte, 4096)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := r.Read(chunk)
		if n > 0 {
			for _, ev := range d.Feed(chunk[:n]) {
				fn(ev)
			}
		}
		if errors.Is(err, io.EOF) {
			for _, ev := range d.Flush() {
				fn(ev)
			}
			return nil
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return err
		}
	}
}

// Pipe runs produce in its own goroutine, writing into an in-memory stream,
// and returns the reading end. The stream ends when produce returns.
// Closing the reader breaks the writer.
func Pipe(produce func(*Writer)) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		produce(NewWriter(pw))
		_ = pw.Close()
	}()
	return pr
}
