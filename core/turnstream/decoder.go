package turnstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const dataPrefix = "data: "

// ErrTransport marks stream-level failures: a read error on the event stream
// or a non-success response status. Errors wrapping it are fatal for the
// current turn; the caller decides whether the session survives.
var ErrTransport = errors.New("turn stream transport failure")

// Decoder turns an incrementally arriving byte stream into a sequence of
// TurnEvent values, invoking the callback as soon as each complete event is
// recognized.
//
// The stream is UTF-8 text framed as newline-delimited records. A record
// starting with "data: " carries one JSON event payload; blank lines and any
// other line shape are ignored. Partial records split across read boundaries
// are buffered until the terminating newline arrives, so the emitted event
// sequence is identical no matter how the bytes are chunked.
type Decoder struct {
	onEvent func(TurnEvent)
	pending []byte
}

func NewDecoder(onEvent func(TurnEvent)) *Decoder {
	if onEvent == nil {
		onEvent = func(TurnEvent) {}
	}
	return &Decoder{onEvent: onEvent}
}

// Feed appends one chunk of stream bytes and emits every event whose record
// is now complete. The unterminated trailing fragment, if any, carries over
// to the next Feed call.
func (d *Decoder) Feed(chunk []byte) {
	d.pending = append(d.pending, chunk...)

	for {
		newline := bytes.IndexByte(d.pending, '\n')
		if newline < 0 {
			return
		}

		line := d.pending[:newline]
		d.pending = d.pending[newline+1:]
		d.handleLine(line)
	}
}

// Finish processes any trailing record left without a terminating newline.
// Call once after the source stream ends.
func (d *Decoder) Finish() {
	if len(d.pending) == 0 {
		return
	}

	line := d.pending
	d.pending = nil
	d.handleLine(line)
}

func (d *Decoder) handleLine(line []byte) {
	line = bytes.TrimSuffix(line, []byte("\r"))
	if len(line) == 0 || !bytes.HasPrefix(line, []byte(dataPrefix)) {
		return
	}

	payload := bytes.TrimPrefix(line, []byte(dataPrefix))

	var event TurnEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		// One bad record must not abort the stream, later records are still
		// meaningful.
		logger.Warn("dropping malformed turn stream record", "error", err)
		return
	}

	d.onEvent(event)
}

// Consume drains the reader through the decoder until EOF, emitting events as
// they complete. A read failure is reported as a transport error; ctx
// cancellation before the failing read is reported as the context's error
// instead.
func (d *Decoder) Consume(ctx context.Context, r io.Reader) error {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			d.Feed(buf[:n])
		}
		if err == io.EOF {
			d.Finish()
			return nil
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("reading turn stream: %v: %w", err, ErrTransport)
		}
	}
}
