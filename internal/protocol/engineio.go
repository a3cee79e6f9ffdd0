package protocol

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// EngineType is an engine.io v4 packet type.
type EngineType byte

// Engine.io packet types. Upgrade and noop only appear on polling upgrades
// and are accepted but ignored.
const (
	EngineOpen EngineType = iota
	EngineClose
	EnginePing
	EnginePong
	EngineMessage
	EngineUpgrade
	EngineNoop
)

// EngineProtocol is the engine.io protocol revision served.
const EngineProtocol = 4

// ErrEnginePacket is returned for a text frame that is not an engine.io packet.
var ErrEnginePacket = errors.New("protocol: invalid engine.io packet")

// ErrInvalidNamespace is sent back to clients connecting to a namespace the
// server does not serve.
var ErrInvalidNamespace = errors.New("Invalid namespace")

// Handshake is the payload of the engine.io open packet.
type Handshake struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int64    `json:"pingInterval"`
	PingTimeout  int64    `json:"pingTimeout"`
	MaxPayload   int64    `json:"maxPayload"`
}

// NewHandshake builds an open payload for a websocket-only session.
func NewHandshake(sid string, pingInterval, pingTimeout time.Duration, maxPayload int64) Handshake {
	return Handshake{
		SID:          sid,
		Upgrades:     []string{},
		PingInterval: pingInterval.Milliseconds(),
		PingTimeout:  pingTimeout.Milliseconds(),
		MaxPayload:   maxPayload,
	}
}

// EncodeOpen returns the open packet text for h.
func EncodeOpen(h Handshake) (string, error) {
	data, err := json.Marshal(h)
	if err != nil {
		return "", fmt.Errorf("protocol: encode open: %w", err)
	}
	return string(rune('0'+EngineOpen)) + string(data), nil
}

// EncodeEngine prefixes body with the engine packet type.
func EncodeEngine(t EngineType, body string) string {
	return string(rune('0'+t)) + body
}

// ParseEngine splits a text frame into its engine packet type and body.
func ParseEngine(frame string) (EngineType, string, error) {
	if frame == "" || frame[0] < '0' || frame[0] > '0'+byte(EngineNoop) {
		return 0, "", ErrEnginePacket
	}
	return EngineType(frame[0] - '0'), frame[1:], nil
}

// ConnectPayload is the body of the CONNECT reply for a namespace.
type ConnectPayload struct {
	SID string `json:"sid"`
}

// ConnectErrorPayload is the body of a CONNECT_ERROR packet.
type ConnectErrorPayload struct {
	Message string `json:"message"`
}
