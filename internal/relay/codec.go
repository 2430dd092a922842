package relay

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"videox/internal/capture"
)

// Binding names the page calls. They are shared with the instrumentation
// script, which refers to them as window properties.
const (
	BindingLog    = "__videoxLog__"
	BindingLogRaw = "__videoxLogRaw__"
	BindingFatal  = "__videoxFatal__"
	BindingWrite  = "__videoxWrite__"
	BindingEvent  = "__videoxEvent__"
)

// Lifecycle event types pushed by the instrumentation hooks.
const (
	EventObjectURL       = "objecturl"
	EventAddSourceBuffer = "addsourcebuffer"
	EventEndOfStream     = "endofstream"
)

// Encode renders payload as standard base64, the form the page produces with
// btoa. Bindings carry strings only.
func Encode(payload []byte) string {
	return base64.StdEncoding.EncodeToString(payload)
}

// Decode is the inverse of Encode. A malformed payload yields a
// RelayDecodeError.
func Decode(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, &capture.Error{Kind: capture.KindRelayDecode, Op: "decode chunk", Err: err}
	}
	return b, nil
}

// WriteMessage is the JSON document carried by the write-chunk binding.
type WriteMessage struct {
	StreamKey string `json:"streamKey"`
	BufferKey string `json:"bufferKey"`
	MimeCodec string `json:"mimeCodec"`
	Payload   string `json:"payload"`
}

// Event is the JSON document carried by the lifecycle binding.
type Event struct {
	Type      string `json:"type"`
	StreamKey string `json:"streamKey"`
	BufferKey string `json:"bufferKey,omitempty"`
	MimeCodec string `json:"mimeCodec,omitempty"`
}

// ParseWrite decodes a write-chunk call into its message and raw payload.
func ParseWrite(raw string) (WriteMessage, []byte, error) {
	var msg WriteMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return msg, nil, &capture.Error{Kind: capture.KindRelayDecode, Op: "decode chunk", Err: err}
	}
	if msg.StreamKey == "" || msg.BufferKey == "" {
		return msg, nil, &capture.Error{Kind: capture.KindRelayDecode, Op: "decode chunk", Err: fmt.Errorf("missing stream or buffer key")}
	}
	payload, err := Decode(msg.Payload)
	if err != nil {
		return msg, nil, err
	}
	return msg, payload, nil
}

// ParseEvent decodes a lifecycle call.
func ParseEvent(raw string) (Event, error) {
	var ev Event
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return ev, &capture.Error{Kind: capture.KindRelayDecode, Op: "decode event", Err: err}
	}
	switch strings.ToLower(ev.Type) {
	case EventObjectURL, EventEndOfStream:
	case EventAddSourceBuffer:
		if ev.BufferKey == "" {
			return ev, &capture.Error{Kind: capture.KindRelayDecode, Op: "decode event", Err: fmt.Errorf("addsourcebuffer without buffer key")}
		}
	default:
		return ev, &capture.Error{Kind: capture.KindRelayDecode, Op: "decode event", Err: fmt.Errorf("unknown event type %q", ev.Type)}
	}
	if ev.StreamKey == "" {
		return ev, &capture.Error{Kind: capture.KindRelayDecode, Op: "decode event", Err: fmt.Errorf("%s without stream key", ev.Type)}
	}
	ev.Type = strings.ToLower(ev.Type)
	return ev, nil
}
