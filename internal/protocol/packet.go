// Package protocol implements the wire framing shared with socket.io clients:
// socket.io packets (type, attachment count, namespace, ack id, payload) and
// the engine.io frames that carry them over a websocket. Framing is byte
// compatible with socket.io-parser v4; only the payload serialization is
// replaced by superjson so that dates and other rich values survive the trip.
package protocol

import (
	"errors"
	"fmt"
)

// PacketType identifies a socket.io packet. The wire form is a single ASCII
// digit.
type PacketType byte

// Socket.io packet types.
const (
	Connect PacketType = iota
	Disconnect
	Event
	Ack
	ConnectError
	BinaryEvent
	BinaryAck
)

// DefaultNamespace is the namespace implied when none is written.
const DefaultNamespace = "/"

// Valid reports whether t is a known packet type.
func (t PacketType) Valid() bool {
	return t <= BinaryAck
}

// IsBinary reports whether packets of this type carry attachments.
func (t PacketType) IsBinary() bool {
	return t == BinaryEvent || t == BinaryAck
}

func (t PacketType) String() string {
	switch t {
	case Connect:
		return "CONNECT"
	case Disconnect:
		return "DISCONNECT"
	case Event:
		return "EVENT"
	case Ack:
		return "ACK"
	case ConnectError:
		return "CONNECT_ERROR"
	case BinaryEvent:
		return "BINARY_EVENT"
	case BinaryAck:
		return "BINARY_ACK"
	}
	return fmt.Sprintf("UNKNOWN(%d)", byte(t))
}

// Packet is one framed socket.io unit. Data is nil when the packet has no
// payload; ID is nil when no acknowledgement is expected; Attachments is
// non-nil exactly for binary packet types.
type Packet struct {
	Type        PacketType
	Namespace   string
	ID          *uint64
	Attachments *uint64
	Data        interface{}
}

// Uint64 returns a pointer to n, for filling Packet.ID and Packet.Attachments.
func Uint64(n uint64) *uint64 {
	return &n
}

// EventName returns the event name of an EVENT/BINARY_EVENT packet.
func (p *Packet) EventName() (string, bool) {
	if p.Type != Event && p.Type != BinaryEvent {
		return "", false
	}
	args, ok := p.Data.([]interface{})
	if !ok || len(args) == 0 {
		return "", false
	}
	name, ok := args[0].(string)
	return name, ok
}

// EventArgs returns the arguments following the event name.
func (p *Packet) EventArgs() []interface{} {
	args, ok := p.Data.([]interface{})
	if !ok || len(args) < 2 {
		return nil
	}
	return args[1:]
}

// ReservedEvents may not be emitted by a peer; they are used by the
// transport itself.
var ReservedEvents = map[string]bool{
	"connect":        true,
	"connect_error":  true,
	"disconnect":     true,
	"disconnecting":  true,
	"newListener":    true,
	"removeListener": true,
}

// Decode errors. DecodeError wraps one of these.
var (
	ErrUnknownPacketType  = errors.New("unknown packet type")
	ErrIllegalAttachments = errors.New("illegal attachments")
	ErrIllegalID          = errors.New("illegal id")
	ErrInvalidPayload     = errors.New("invalid payload")
	ErrUnexpectedText     = errors.New("got plaintext data when reconstructing a packet")
	ErrUnexpectedBinary   = errors.New("got binary data when not reconstructing a packet")
)

// DecodeError describes a packet that could not be decoded. Cause holds the
// payload deserialization failure, if any, so that a payload which failed to
// parse can be told apart from one that parsed but had the wrong shape.
type DecodeError struct {
	Err    error
	Input  string
	Cause  error
	Packet PacketType
}

func (e *DecodeError) Error() string {
	msg := "protocol: " + e.Err.Error()
	if e.Cause != nil {
		msg += " (" + e.Cause.Error() + ")"
	}
	return msg
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func decodeError(err error, input string) *DecodeError {
	const maxInput = 64
	if len(input) > maxInput {
		input = input[:maxInput] + "..."
	}
	return &DecodeError{Err: err, Input: input}
}
