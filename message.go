package swarm

import "fmt"

// Type is the domain tag carried on every Message. Zero (TypeUnknown) is
// invalid on a send — NewMessage rejects it.
type Type uint8

const (
	TypeUnknown Type = iota
	TypeText          // free-form text/script payload, the general request/response tag
	TypeSocketAccept
	TypeSocketData
	TypeSocketClose
	TypeSocketError
	TypeTimer
	TypeError
	TypeSystem
)

func (t Type) String() string {
	switch t {
	case TypeText:
		return "text"
	case TypeSocketAccept:
		return "socket-accept"
	case TypeSocketData:
		return "socket-data"
	case TypeSocketClose:
		return "socket-close"
	case TypeSocketError:
		return "socket-error"
	case TypeTimer:
		return "timer"
	case TypeError:
		return "error"
	case TypeSystem:
		return "system"
	default:
		return "unknown"
	}
}

// SessionReserved is the one session value the allocator must never hand
// out: negating it would overflow int32, breaking the response-sign-flip
// convention (session.md §9 / DESIGN.md open question).
const SessionReserved int32 = -1 << 31

// Message is the envelope routed between services. It is moved, not
// copied, once enqueued: only the receiver's owning worker may mutate it
// (via Redirect/Resend), and the payload is never mutated in place.
type Message struct {
	Sender    ServiceID
	Receiver  ServiceID
	Session   int32
	Type      Type
	Header    string
	Payload   *Buffer
	Broadcast bool
}

// NewMessage constructs a Message. typ must not be TypeUnknown.
func NewMessage(sender, receiver ServiceID, session int32, typ Type, header string, payload *Buffer) (*Message, error) {
	if typ == TypeUnknown {
		return nil, fmt.Errorf("swarm: message type must not be TypeUnknown")
	}
	return &Message{
		Sender:   sender,
		Receiver: receiver,
		Session:  session,
		Type:     typ,
		Header:   header,
		Payload:  payload,
	}, nil
}

// Clone deep-copies the header and payload bytes into a fresh Buffer,
// producing a Message with no shared ownership with the original.
func (m *Message) Clone() *Message {
	clone := *m
	if m.Payload != nil {
		clone.Payload = m.Payload.Clone()
	}
	return &clone
}

// Redirect rewrites header/receiver/type in place. Only the message's
// current owner (the dispatching worker) may call this.
func (m *Message) Redirect(header string, receiver ServiceID, typ Type) {
	m.Header = header
	m.Receiver = receiver
	m.Type = typ
}

// Resend turns a request into its matching response: sender and receiver
// swap roles, the session is negated, and header/type are rewritten.
// responseSession = -session, the convention described in spec.md §3/§9.
func (m *Message) Resend(sender, receiver ServiceID, header string, typ Type) {
	m.Sender = sender
	m.Receiver = receiver
	m.Header = header
	m.Type = typ
	m.Session = -m.Session
}

// Field selects which Message fields Decode copies out.
type Field uint8

const (
	FieldSender Field = 1 << iota
	FieldReceiver
	FieldSession
	FieldType
	FieldHeader
	FieldPayload
	FieldBroadcast

	FieldAll = FieldSender | FieldReceiver | FieldSession | FieldType | FieldHeader | FieldPayload | FieldBroadcast
)

// Decoded holds the subset of a Message's fields a Decode call asked for.
type Decoded struct {
	Sender    ServiceID
	Receiver  ServiceID
	Session   int32
	Type      Type
	Header    string
	Payload   *Buffer
	Broadcast bool
}

// Decode reads any subset of the message's seven fields in one pass —
// the single entry point scripted handlers use to pull fields out of a
// dispatched Message without a chain of individual accessors.
func (m *Message) Decode(fields Field) Decoded {
	var d Decoded
	if fields&FieldSender != 0 {
		d.Sender = m.Sender
	}
	if fields&FieldReceiver != 0 {
		d.Receiver = m.Receiver
	}
	if fields&FieldSession != 0 {
		d.Session = m.Session
	}
	if fields&FieldType != 0 {
		d.Type = m.Type
	}
	if fields&FieldHeader != 0 {
		d.Header = m.Header
	}
	if fields&FieldPayload != 0 {
		d.Payload = m.Payload
	}
	if fields&FieldBroadcast != 0 {
		d.Broadcast = m.Broadcast
	}
	return d
}
