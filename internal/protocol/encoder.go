package protocol

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/whisper/socket-chat/internal/superjson"
)

// Encoder turns packets into their wire text form.
type Encoder struct{}

// Encode returns the wire text of p. It follows the socket.io-parser layout:
// type digit, "<attachments>-" for binary types, "<namespace>," when the
// namespace is not "/", the ack id, then the superjson payload. Binary
// attachments travel out of band and are not part of the result.
func (Encoder) Encode(p *Packet) (string, error) {
	if !p.Type.Valid() {
		return "", fmt.Errorf("protocol: encode: %w %d", ErrUnknownPacketType, p.Type)
	}
	if p.Type.IsBinary() != (p.Attachments != nil) {
		return "", fmt.Errorf("protocol: encode %s: %w", p.Type, ErrIllegalAttachments)
	}

	var b strings.Builder
	b.WriteByte('0' + byte(p.Type))

	if p.Attachments != nil {
		b.WriteString(strconv.FormatUint(*p.Attachments, 10))
		b.WriteByte('-')
	}
	if p.Namespace != "" && p.Namespace != DefaultNamespace {
		b.WriteString(p.Namespace)
		b.WriteByte(',')
	}
	if p.ID != nil {
		b.WriteString(strconv.FormatUint(*p.ID, 10))
	}
	if p.Data != nil {
		payload, err := superjson.MarshalString(p.Data)
		if err != nil {
			return "", fmt.Errorf("protocol: encode %s payload: %w", p.Type, err)
		}
		b.WriteString(payload)
	}
	return b.String(), nil
}

// EncodeWithAttachments encodes p, first moving any []byte values found in
// its payload out into attachments. A packet with attachments is promoted to
// its binary type. The returned frames are the text packet followed by the
// binary attachments in placeholder order.
func (e Encoder) EncodeWithAttachments(p *Packet) (string, [][]byte, error) {
	var buffers [][]byte
	data := deconstruct(p.Data, &buffers)

	out := *p
	out.Data = data
	out.Attachments = nil
	if len(buffers) > 0 {
		switch p.Type {
		case Event, BinaryEvent:
			out.Type = BinaryEvent
		case Ack, BinaryAck:
			out.Type = BinaryAck
		default:
			return "", nil, fmt.Errorf("protocol: encode %s: binary payload not allowed", p.Type)
		}
		out.Attachments = Uint64(uint64(len(buffers)))
	} else if p.Type.IsBinary() {
		out.Attachments = Uint64(0)
	}

	text, err := e.Encode(&out)
	if err != nil {
		return "", nil, err
	}
	return text, buffers, nil
}
