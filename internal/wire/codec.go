// Package wire encodes outgoing relay commands and classifies incoming
// frames. Decoding is pure, performs no I/O, and never fails: anything the
// codec cannot place into the closed message set comes back as Unrecognized
// for the caller to log and drop.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/nbd-wtf/go-nostr"
	"github.com/tidwall/gjson"
)

// Message is one decoded incoming frame. Exactly one concrete type is
// returned per frame.
type Message interface {
	message()
}

// EventMessage carries one event delivered for a subscription.
type EventMessage struct {
	SubID string
	Kind  int
	Event *nostr.Event
}

// EOSEMessage marks the end of stored events for a subscription.
type EOSEMessage struct {
	SubID string
}

// NoticeMessage is a human-readable server notice. SubID is empty for
// connection-level notices.
type NoticeMessage struct {
	SubID string
	Text  string
}

// OKMessage acknowledges a published event.
type OKMessage struct {
	EventID  string
	Accepted bool
	Reason   string
}

// UnrecognizedMessage wraps any frame the codec could not classify.
type UnrecognizedMessage struct {
	Raw []byte
}

func (EventMessage) message()        {}
func (EOSEMessage) message()         {}
func (NoticeMessage) message()       {}
func (OKMessage) message()           {}
func (UnrecognizedMessage) message() {}

// Decode classifies one incoming frame. Malformed or unknown input is
// returned as UnrecognizedMessage, never an error or a panic.
func Decode(frame []byte) Message {
	parsed := gjson.ParseBytes(frame)
	if !parsed.IsArray() {
		return UnrecognizedMessage{Raw: frame}
	}

	arr := parsed.Array()
	if len(arr) == 0 || arr[0].Type != gjson.String {
		return UnrecognizedMessage{Raw: frame}
	}

	switch arr[0].Str {
	case "EVENT":
		if len(arr) < 3 || arr[1].Type != gjson.String {
			return UnrecognizedMessage{Raw: frame}
		}
		var evt nostr.Event
		if err := json.Unmarshal([]byte(arr[2].Raw), &evt); err != nil {
			return UnrecognizedMessage{Raw: frame}
		}
		return EventMessage{SubID: arr[1].Str, Kind: evt.Kind, Event: &evt}

	case "EOSE":
		if len(arr) < 2 || arr[1].Type != gjson.String {
			return UnrecognizedMessage{Raw: frame}
		}
		return EOSEMessage{SubID: arr[1].Str}

	case "NOTICE":
		// Both ["NOTICE", msg] and ["NOTICE", subID, msg] appear in the wild.
		switch {
		case len(arr) >= 3 && arr[1].Type == gjson.String && arr[2].Type == gjson.String:
			return NoticeMessage{SubID: arr[1].Str, Text: arr[2].Str}
		case len(arr) >= 2 && arr[1].Type == gjson.String:
			return NoticeMessage{Text: arr[1].Str}
		default:
			return UnrecognizedMessage{Raw: frame}
		}

	case "OK":
		if len(arr) < 3 || arr[1].Type != gjson.String {
			return UnrecognizedMessage{Raw: frame}
		}
		ok := OKMessage{EventID: arr[1].Str, Accepted: arr[2].Bool()}
		if len(arr) >= 4 && arr[3].Type == gjson.String {
			ok.Reason = arr[3].Str
		}
		return ok

	default:
		return UnrecognizedMessage{Raw: frame}
	}
}

// EncodeRequest builds a ["REQ", subID, body] frame. When verb is non-empty
// the payload is wrapped in the caching server's command envelope; otherwise
// the payload is sent as a plain relay filter.
func EncodeRequest(subID, verb string, payload any) ([]byte, error) {
	var body any = payload
	if verb != "" {
		body = map[string]any{"cache": []any{verb, payload}}
	}

	frame, err := json.Marshal([]any{"REQ", subID, body})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	return frame, nil
}

// EncodeEvent builds an ["EVENT", event] publish frame.
func EncodeEvent(event *nostr.Event) ([]byte, error) {
	frame, err := json.Marshal([]any{"EVENT", event})
	if err != nil {
		return nil, fmt.Errorf("failed to encode event: %w", err)
	}
	return frame, nil
}

// EncodeClose builds a ["CLOSE", subID] frame.
func EncodeClose(subID string) ([]byte, error) {
	frame, err := json.Marshal([]any{"CLOSE", subID})
	if err != nil {
		return nil, fmt.Errorf("failed to encode close: %w", err)
	}
	return frame, nil
}
