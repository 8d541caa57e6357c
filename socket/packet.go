package socket

import (
	"encoding/json"
	"strconv"
	"strings"
)

// PacketType is the numeric packet code of the 0.9 wire protocol.
type PacketType int

const (
	PacketDisconnect PacketType = iota
	PacketConnect
	PacketHeartbeat
	PacketMessage
	PacketJSON
	PacketEvent
	PacketAck
	PacketError
	PacketNoop
)

func (t PacketType) String() string {
	switch t {
	case PacketDisconnect:
		return "disconnect"
	case PacketConnect:
		return "connect"
	case PacketHeartbeat:
		return "heartbeat"
	case PacketMessage:
		return "message"
	case PacketJSON:
		return "json"
	case PacketEvent:
		return "event"
	case PacketAck:
		return "ack"
	case PacketError:
		return "error"
	case PacketNoop:
		return "noop"
	default:
		return "unknown(" + strconv.Itoa(int(t)) + ")"
	}
}

func (t PacketType) valid() bool {
	return t >= PacketDisconnect && t <= PacketNoop
}

// Packet is a single framed protocol message.
//
// The wire form is
//
//	type ':' [id ['+']] ':' [endpoint] [':' data]
//
// Endpoints must not contain ':'; data may.
type Packet struct {
	Type     PacketType
	ID       uint64
	HasID    bool
	Ack      bool
	Endpoint string
	Data     string
}

func NewPacket(typ PacketType, data string, ack bool) Packet {
	return Packet{Type: typ, Data: data, Ack: ack}
}

func NewMessage(text string, ack bool) Packet {
	return NewPacket(PacketMessage, text, ack)
}

func NewJSONMessage(v any, ack bool) (Packet, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Packet{}, err
	}
	return NewPacket(PacketJSON, string(data), ack), nil
}

type eventPayload struct {
	Name string            `json:"name"`
	Args []json.RawMessage `json:"args"`
}

// NewEvent builds an event packet whose data is {"name": name, "args": args}.
func NewEvent(name string, args []any, ack bool) (Packet, error) {
	raw := make([]json.RawMessage, 0, len(args))
	for _, arg := range args {
		b, err := json.Marshal(arg)
		if err != nil {
			return Packet{}, err
		}
		raw = append(raw, b)
	}
	data, err := json.Marshal(eventPayload{Name: name, Args: raw})
	if err != nil {
		return Packet{}, err
	}
	return NewPacket(PacketEvent, string(data), ack), nil
}

// NewConnect builds the bare connect packet used to join a namespace.
func NewConnect(endpoint, query string) Packet {
	var b strings.Builder
	if endpoint != "" {
		b.WriteByte('/')
		b.WriteString(strings.TrimPrefix(endpoint, "/"))
	}
	if query != "" {
		b.WriteByte('?')
		b.WriteString(query)
	}
	return Packet{Type: PacketConnect, Endpoint: b.String()}
}

func NewHeartbeat() Packet {
	return Packet{Type: PacketHeartbeat}
}

// NewAck acknowledges message id, optionally carrying reply arguments.
func NewAck(id uint64, args []any) (Packet, error) {
	data := strconv.FormatUint(id, 10)
	if len(args) > 0 {
		b, err := json.Marshal(args)
		if err != nil {
			return Packet{}, err
		}
		data += "+" + string(b)
	}
	return Packet{Type: PacketAck, Data: data}, nil
}

// Encode returns the canonical wire string.
func (p Packet) Encode() string {
	var b strings.Builder
	b.Grow(len(p.Endpoint) + len(p.Data) + 8)
	b.WriteString(strconv.Itoa(int(p.Type)))
	b.WriteByte(':')
	if p.HasID {
		b.WriteString(strconv.FormatUint(p.ID, 10))
	}
	if p.Ack {
		b.WriteByte('+')
	}
	b.WriteByte(':')
	b.WriteString(p.Endpoint)
	if p.Data != "" {
		b.WriteByte(':')
		b.WriteString(p.Data)
	}
	return b.String()
}

func (p Packet) Bytes() []byte {
	return []byte(p.Encode())
}

func (p Packet) String() string {
	return p.Encode()
}

// DecodePacket parses one wire frame.
func DecodePacket(data []byte) (Packet, error) {
	if len(data) == 0 {
		return Packet{}, malformed("empty frame")
	}

	parts := strings.SplitN(string(data), ":", 4)

	code, err := strconv.ParseUint(parts[0], 10, 8)
	if err != nil || !PacketType(code).valid() {
		return Packet{}, malformed("invalid type %q", parts[0])
	}
	p := Packet{Type: PacketType(code)}

	if len(parts) > 1 && parts[1] != "" {
		id := parts[1]
		if strings.HasSuffix(id, "+") {
			p.Ack = true
			id = id[:len(id)-1]
		}
		if id != "" {
			n, err := strconv.ParseUint(id, 10, 64)
			if err != nil {
				return Packet{}, malformed("invalid id %q", parts[1])
			}
			p.ID = n
			p.HasID = true
		}
	}

	if len(parts) > 2 {
		p.Endpoint = parts[2]
	}
	if len(parts) > 3 {
		p.Data = parts[3]
	}

	return p, nil
}

// Event decodes the name and arguments of an event packet.
func (p Packet) Event() (string, []json.RawMessage, error) {
	if p.Type != PacketEvent {
		return "", nil, malformed("%s packet is not an event", p.Type)
	}
	var ev eventPayload
	if err := json.Unmarshal([]byte(p.Data), &ev); err != nil {
		return "", nil, malformed("event payload: %v", err)
	}
	if ev.Name == "" {
		return "", nil, malformed("event without name")
	}
	return ev.Name, ev.Args, nil
}

// AckID reports which message id an ack packet acknowledges. The id is read
// from the data ("N" or "N+args") and falls back to the packet id.
func (p Packet) AckID() (id uint64, args string, ok bool) {
	if p.Type != PacketAck {
		return 0, "", false
	}
	head, rest, _ := strings.Cut(p.Data, "+")
	if head == "" {
		if p.HasID {
			return p.ID, rest, true
		}
		return 0, "", false
	}
	n, err := strconv.ParseUint(head, 10, 64)
	if err != nil {
		return 0, "", false
	}
	return n, rest, true
}
