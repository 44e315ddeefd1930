package packet

import (
	"fmt"
	"maps"

	"github.com/life-stream-dev/life-stream-audio-center/internal/protocol"
)

// TargetKind selects who receives an Event.
type TargetKind int

const (
	TargetSession TargetKind = iota
	TargetGroup
	TargetAll
)

func (k TargetKind) String() string {
	switch k {
	case TargetSession:
		return "session"
	case TargetGroup:
		return "group"
	case TargetAll:
		return "all"
	default:
		return "unknown"
	}
}

// Target is an event target selector.
type Target struct {
	Kind TargetKind
	ID   string
}

func ToSession(sessionID string) Target { return Target{Kind: TargetSession, ID: sessionID} }
func ToGroup(group string) Target       { return Target{Kind: TargetGroup, ID: group} }
func ToAll() Target                     { return Target{Kind: TargetAll} }

func (t Target) String() string {
	if t.Kind == TargetAll {
		return "all"
	}
	return t.Kind.String() + ":" + t.ID
}

// Event is an outbound message. Build it with NewEvent or NewDataEvent; the
// constructors copy their inputs.
type Event struct {
	Target  Target
	Type    protocol.MessageType
	Subtype string
	Data    map[string]any
	Raw     []byte
}

// NewEvent builds a JSON carrying event.
func NewEvent(target Target, t protocol.MessageType, subtype string, data map[string]any) Event {
	e := Event{Target: target, Type: t, Subtype: subtype, Data: map[string]any{}}
	if data != nil {
		e.Data = maps.Clone(data)
	}
	return e
}

// NewDataEvent builds a DataTransfer event around raw bytes.
func NewDataEvent(target Target, raw []byte) Event {
	return Event{Target: target, Type: protocol.DataTransfer, Raw: append([]byte(nil), raw...)}
}

// NewResponse builds a Response to a single session.
func NewResponse(sessionID, subtype string, data map[string]any) Event {
	return NewEvent(ToSession(sessionID), protocol.Response, subtype, data)
}

// NewTextResponse builds a Response whose payload is the bare text, the form
// devices match acknowledgements on ("Registered", "File uploaded").
func NewTextResponse(sessionID, text string) Event {
	return Event{Target: ToSession(sessionID), Type: protocol.Response, Raw: []byte(text)}
}

// IsText reports whether the event carries a bare text payload.
func (e Event) IsText() bool {
	return e.Type == protocol.Response && e.Subtype == "" && e.Raw != nil
}

// Frame encodes the event into a protocol frame.
func (e Event) Frame() (*protocol.Frame, error) {
	if e.Type == protocol.DataTransfer || e.IsText() {
		return protocol.NewFrame(e.Type, e.Raw), nil
	}
	if e.Subtype == "" {
		return nil, ErrEmptySubtype
	}
	request := &Request{Subtype: e.Subtype, Data: e.Data}
	payload, err := request.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", e.Subtype, err)
	}
	return protocol.NewFrame(e.Type, payload), nil
}

func (e Event) String() string {
	if e.IsText() {
		return fmt.Sprintf("Event{target=%s, type=%s, text=%q}", e.Target, e.Type, e.Raw)
	}
	return fmt.Sprintf("Event{target=%s, type=%s, subtype=%s}", e.Target, e.Type, e.Subtype)
}
