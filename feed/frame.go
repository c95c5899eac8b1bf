package feed

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FrameKind discriminates the wire frames the feed server sends. The
// protocol is Socket.IO over websocket: a leading digit selects the engine
// packet type, and message packets nest a second digit plus a namespace.
type FrameKind int

const (
	FrameUnknown FrameKind = iota
	FrameOpen              // "0{...}" handshake with session parameters
	FramePing              // "2", answered with a pong
	FramePong              // "3"
	FrameAck               // "40/<ns>" namespace connect acknowledgement
	FrameEvent             // "42/<ns>,[...]" event with JSON array payload
)

func (k FrameKind) String() string {
	switch k {
	case FrameOpen:
		return "open"
	case FramePing:
		return "ping"
	case FramePong:
		return "pong"
	case FrameAck:
		return "ack"
	case FrameEvent:
		return "event"
	default:
		return "unknown"
	}
}

// EventPayload is the decoded data object of an event frame. Each pointer
// or slice is non-nil only when the corresponding key was present in the
// frame, so absent sections can be told apart from empty ones.
type EventPayload struct {
	LiveTrades []Trade
	Dashboard  *DashboardData
	Positions  []Position
}

// Frame is one decoded wire message.
type Frame struct {
	Kind      FrameKind
	Namespace string
	Event     string
	Payload   *EventPayload // set only for event frames with a data object
}

// ParseFrame decodes a raw text message into a Frame. Frames that do not
// match any known shape return an error; the caller drops them without
// disturbing feed state.
func ParseFrame(raw string) (Frame, error) {
	switch {
	case raw == "2":
		return Frame{Kind: FramePing}, nil
	case raw == "3":
		return Frame{Kind: FramePong}, nil
	case strings.HasPrefix(raw, "0"):
		return Frame{Kind: FrameOpen}, nil
	case strings.HasPrefix(raw, "42"):
		return parseEvent(raw[2:])
	case strings.HasPrefix(raw, "40"):
		// "40/live" or "40/live,{...}" with optional connect params.
		ns := strings.TrimPrefix(raw[2:], "/")
		if i := strings.Index(ns, ","); i >= 0 {
			ns = ns[:i]
		}
		return Frame{Kind: FrameAck, Namespace: ns}, nil
	}
	return Frame{}, fmt.Errorf("unrecognized frame %q", excerpt(raw))
}

// parseEvent decodes the "/<ns>,<json-array>" tail of an event frame. The
// array's first element names the event; the second, when present and an
// object, carries the data sections.
func parseEvent(rest string) (Frame, error) {
	comma := strings.Index(rest, ",")
	if comma < 0 {
		return Frame{}, fmt.Errorf("event frame missing payload separator: %q", excerpt(rest))
	}
	ns := strings.TrimPrefix(rest[:comma], "/")
	body := rest[comma+1:]

	var arr []json.RawMessage
	if err := json.Unmarshal([]byte(body), &arr); err != nil {
		return Frame{}, fmt.Errorf("event payload is not a JSON array: %w", err)
	}
	if len(arr) == 0 {
		return Frame{}, fmt.Errorf("event payload array is empty")
	}

	f := Frame{Kind: FrameEvent, Namespace: ns}
	if err := json.Unmarshal(arr[0], &f.Event); err != nil {
		return Frame{}, fmt.Errorf("event name is not a string: %w", err)
	}

	if len(arr) < 2 {
		return f, nil
	}
	payload, err := parsePayload(arr[1])
	if err != nil {
		return Frame{}, err
	}
	f.Payload = payload
	return f, nil
}

// parsePayload decodes the event data object, keeping only the sections
// whose keys are present. A non-object element (some events send scalars)
// yields a nil payload, not an error.
func parsePayload(raw json.RawMessage) (*EventPayload, error) {
	var sections map[string]json.RawMessage
	if err := json.Unmarshal(raw, &sections); err != nil {
		return nil, nil
	}

	p := &EventPayload{}
	if v, ok := sections["live_trades"]; ok {
		if err := json.Unmarshal(v, &p.LiveTrades); err != nil {
			return nil, fmt.Errorf("decode live_trades: %w", err)
		}
		if p.LiveTrades == nil {
			p.LiveTrades = []Trade{}
		}
	}
	if v, ok := sections["dashboard"]; ok {
		var d DashboardData
		if err := json.Unmarshal(v, &d); err != nil {
			return nil, fmt.Errorf("decode dashboard: %w", err)
		}
		p.Dashboard = &d
	}
	if v, ok := sections["positions"]; ok {
		if err := json.Unmarshal(v, &p.Positions); err != nil {
			return nil, fmt.Errorf("decode positions: %w", err)
		}
		if p.Positions == nil {
			p.Positions = []Position{}
		}
	}
	return p, nil
}

func excerpt(s string) string {
	const max = 80
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
