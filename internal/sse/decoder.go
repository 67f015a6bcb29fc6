package sse

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
)

// maxEventSize bounds a single upstream event. Anything larger is a protocol
// violation, not a legitimate delta.
const maxEventSize = 1 << 20

// Event is one decoded upstream event: the payload plus enough context to
// pass the original bytes through untouched when no translation is needed.
type Event struct {
	// Name is the SSE event name or the AWS event-stream event type. Empty
	// for plain data-only streams.
	Name string
	// Data is the event payload (the data: value, or the decoded inner JSON
	// of an event-stream frame).
	Data []byte
	// Raw is the original wire frame including framing, when available.
	Raw []byte
}

// Decoder yields upstream events until io.EOF.
type Decoder interface {
	Next() (Event, error)
}

// StreamException is returned by the event-stream decoder when the upstream
// reports an in-band error frame, e.g. a mid-stream throttle.
type StreamException struct {
	Type    string
	Message string
}

func (e *StreamException) Error() string {
	return fmt.Sprintf("sse: upstream exception %s: %s", e.Type, e.Message)
}

// NewDecoder picks the framing by Content-Type: AWS event-stream envelopes or
// line-oriented SSE for everything else.
func NewDecoder(contentType string, r io.Reader) Decoder {
	if strings.Contains(contentType, "amazon.eventstream") {
		return newEventStreamDecoder(r)
	}
	return newLineDecoder(r)
}

// lineDecoder reads text/event-stream framing. Comment lines are dropped;
// multi-line data values are joined with newlines per the SSE spec.
type lineDecoder struct {
	scanner *bufio.Scanner
}

func newLineDecoder(r io.Reader) *lineDecoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxEventSize)
	return &lineDecoder{scanner: sc}
}

func (d *lineDecoder) Next() (Event, error) {
	var (
		name string
		data [][]byte
		raw  bytes.Buffer
	)

	for d.scanner.Scan() {
		line := d.scanner.Bytes()

		if len(line) == 0 {
			if len(data) == 0 {
				// Blank line with no pending event; keep reading.
				raw.Reset()
				name = ""
				continue
			}
			raw.WriteByte('\n')
			return Event{
				Name: name,
				Data: bytes.Join(data, []byte("\n")),
				Raw:  append([]byte(nil), raw.Bytes()...),
			}, nil
		}

		raw.Write(line)
		raw.WriteByte('\n')

		switch {
		case bytes.HasPrefix(line, []byte(":")):
			// Comment (heartbeat); invisible to the event model.
		case bytes.HasPrefix(line, []byte("event:")):
			name = string(bytes.TrimSpace(line[len("event:"):]))
		case bytes.HasPrefix(line, []byte("data:")):
			data = append(data, bytes.TrimSpace(line[len("data:"):]))
		}
	}

	if err := d.scanner.Err(); err != nil {
		return Event{}, err
	}
	if len(data) > 0 {
		// Stream ended without the trailing blank line.
		return Event{Name: name, Data: bytes.Join(data, []byte("\n")), Raw: raw.Bytes()}, nil
	}
	return Event{}, io.EOF
}

// eventStreamDecoder unwraps application/vnd.amazon.eventstream frames as
// produced by Bedrock invoke-with-response-stream. Payload chunks carry the
// inner JSON base64-encoded under "bytes"; exception frames surface as
// *StreamException so the response handler can classify them.
type eventStreamDecoder struct {
	r   io.Reader
	dec *eventstream.Decoder
}

func newEventStreamDecoder(r io.Reader) *eventStreamDecoder {
	return &eventStreamDecoder{r: r, dec: eventstream.NewDecoder()}
}

func (d *eventStreamDecoder) Next() (Event, error) {
	msg, err := d.dec.Decode(d.r, nil)
	if err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return Event{}, io.EOF
		}
		return Event{}, fmt.Errorf("sse: event-stream decode: %w", err)
	}

	var msgType, eventType, excType string
	for _, h := range msg.Headers {
		switch h.Name {
		case ":message-type":
			msgType = h.Value.String()
		case ":event-type":
			eventType = h.Value.String()
		case ":exception-type":
			excType = h.Value.String()
		}
	}

	if msgType == "exception" || excType != "" {
		var body struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(msg.Payload, &body)
		return Event{}, &StreamException{Type: excType, Message: body.Message}
	}

	var wrapper struct {
		Bytes string `json:"bytes"`
	}
	if err := json.Unmarshal(msg.Payload, &wrapper); err != nil || wrapper.Bytes == "" {
		// Some control frames carry plain JSON payloads.
		return Event{Name: eventType, Data: msg.Payload}, nil
	}
	inner, err := base64.StdEncoding.DecodeString(wrapper.Bytes)
	if err != nil {
		return Event{}, fmt.Errorf("sse: event-stream payload: %w", err)
	}
	return Event{Name: eventType, Data: inner}, nil
}
