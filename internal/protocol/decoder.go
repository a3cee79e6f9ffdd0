package protocol

import (
	"strconv"

	"github.com/whisper/socket-chat/internal/superjson"
)

// MaxAttachments is the largest attachment count a binary packet may
// announce.
const MaxAttachments = 10

// DecodeString parses one packet from its wire text. For binary packet types
// the payload still holds attachment placeholders; use a Decoder to collect
// the attachments.
func DecodeString(str string) (*Packet, error) {
	if str == "" || str[0] < '0' || str[0] > '9' {
		return nil, decodeError(ErrUnknownPacketType, str)
	}
	p := &Packet{Type: PacketType(str[0] - '0')}
	if !p.Type.Valid() {
		return nil, decodeError(ErrUnknownPacketType, str)
	}

	// i always points at the last consumed byte.
	i := 0

	if p.Type.IsBinary() {
		start := i + 1
		for i++; i < len(str) && str[i] != '-'; i++ {
		}
		if i >= len(str) {
			return nil, decodeError(ErrIllegalAttachments, str)
		}
		n, ok := canonicalUint(str[start:i])
		if !ok || n > MaxAttachments {
			return nil, decodeError(ErrIllegalAttachments, str)
		}
		p.Attachments = &n
	}

	if i+1 < len(str) && str[i+1] == '/' {
		start := i + 1
		for i++; i < len(str) && str[i] != ','; i++ {
		}
		p.Namespace = str[start:i]
	} else {
		p.Namespace = DefaultNamespace
	}

	if i+1 < len(str) && isDigit(str[i+1]) {
		start := i + 1
		for i++; i+1 < len(str) && isDigit(str[i+1]); i++ {
		}
		id, err := strconv.ParseUint(str[start:i+1], 10, 64)
		if err != nil {
			return nil, decodeError(ErrIllegalID, str)
		}
		p.ID = &id
	}

	if i+1 < len(str) {
		payload, cause := parsePayload(str[i+1:])
		if !validPayload(p.Type, payload) {
			de := decodeError(ErrInvalidPayload, str)
			de.Cause = cause
			de.Packet = p.Type
			return nil, de
		}
		p.Data = payload
	}

	return p, nil
}

// parsePayload deserializes the payload tail. A payload that fails to parse
// becomes the sentinel false, which no packet type accepts; the parse error
// is returned alongside so callers can report it.
func parsePayload(s string) (interface{}, error) {
	v, err := superjson.Unmarshal([]byte(s))
	if err != nil {
		return false, err
	}
	return v, nil
}

func validPayload(t PacketType, payload interface{}) bool {
	switch t {
	case Connect:
		return isObject(payload)
	case Disconnect:
		return false
	case ConnectError:
		_, isString := payload.(string)
		return isString || isObject(payload)
	case Event, BinaryEvent:
		args, ok := payload.([]interface{})
		if !ok || len(args) == 0 {
			return false
		}
		switch first := args[0].(type) {
		case float64:
			return true
		case string:
			return !ReservedEvents[first]
		}
		return false
	case Ack, BinaryAck:
		_, ok := payload.([]interface{})
		return ok
	}
	return false
}

func isObject(v interface{}) bool {
	_, ok := v.(map[string]interface{})
	return ok
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

// canonicalUint accepts only the decimal form a number prints back as: no
// sign, no leading zeros, no empty string.
func canonicalUint(s string) (uint64, bool) {
	if s == "" || (len(s) > 1 && s[0] == '0') {
		return 0, false
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Decoder decodes a stream of frames from one connection. Text frames carry
// packets; a binary packet announcing N attachments is completed by the next
// N binary frames.
type Decoder struct {
	pending *Packet
	buffers [][]byte
}

// NewDecoder returns an empty Decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Add feeds a text frame. It returns the decoded packet, or nil if the packet
// still awaits binary attachments.
func (d *Decoder) Add(str string) (*Packet, error) {
	if d.pending != nil {
		d.Reset()
		return nil, decodeError(ErrUnexpectedText, str)
	}
	p, err := DecodeString(str)
	if err != nil {
		return nil, err
	}
	if p.Type.IsBinary() && *p.Attachments > 0 {
		d.pending = p
		d.buffers = nil
		return nil, nil
	}
	return p, nil
}

// AddBinary feeds a binary frame. It returns the completed packet once the
// last attachment has arrived.
func (d *Decoder) AddBinary(data []byte) (*Packet, error) {
	if d.pending == nil {
		return nil, decodeError(ErrUnexpectedBinary, "")
	}
	d.buffers = append(d.buffers, data)
	if uint64(len(d.buffers)) < *d.pending.Attachments {
		return nil, nil
	}

	p := d.pending
	var ok bool
	p.Data, ok = reconstruct(p.Data, d.buffers)
	d.Reset()
	if !ok {
		return nil, decodeError(ErrIllegalAttachments, "")
	}
	return p, nil
}

// Reconstructing reports whether the decoder is waiting for attachments.
func (d *Decoder) Reconstructing() bool {
	return d.pending != nil
}

// Reset drops any partially reconstructed packet.
func (d *Decoder) Reset() {
	d.pending = nil
	d.buffers = nil
}
