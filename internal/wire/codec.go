package wire

import (
	"bytes"
	"encoding/json"
	"errors"
)

const defaultMaxBuffer = 1 << 20

var (
	// ErrMalformed reports bytes that can never parse as a JSON object,
	// e.g. a stray closing brace at the head of the buffer.
	ErrMalformed = errors.New("wire: malformed frame")
	// ErrStalled reports a full buffer that made no parse progress.
	ErrStalled = errors.New("wire: decode buffer full without progress")
)

// Decoder reassembles complete JSON wire events from an arbitrarily-chunked
// byte stream. Bytes are never dropped: a trailing incomplete object is kept
// until later Feed calls complete it.
type Decoder struct {
	buf       []byte
	maxBuffer int
}

func NewDecoder() *Decoder {
	return &Decoder{maxBuffer: defaultMaxBuffer}
}

// NewDecoderWithLimit bounds the retained buffer; limit <= 0 uses the default.
func NewDecoderWithLimit(limit int) *Decoder {
	if limit <= 0 {
		limit = defaultMaxBuffer
	}
	return &Decoder{maxBuffer: limit}
}

// Feed appends p to the internal buffer and returns every complete event now
// available, in stream order. Feeding a stream split at arbitrary byte
// boundaries yields the same events as feeding it whole.
func (d *Decoder) Feed(p []byte) ([]Event, error) {
	d.buf = append(d.buf, p...)

	var out []Event
	for {
		d.buf = bytes.TrimLeft(d.buf, " \t\r\n")
		if len(d.buf) == 0 {
			d.buf = nil
			return out, nil
		}

		dec := json.NewDecoder(bytes.NewReader(d.buf))
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				// A prefix of valid JSON never triggers a syntax error, so
				// this buffer can never make progress.
				return out, ErrMalformed
			}
			if len(d.buf) >= d.maxBuffer {
				return out, ErrStalled
			}
			return out, nil
		}

		consumed := int(dec.InputOffset())
		d.buf = d.buf[consumed:]
		out = append(out, ParseEvent(raw))
	}
}

// Buffered reports how many unparsed bytes are currently retained.
func (d *Decoder) Buffered() int { return len(d.buf) }
