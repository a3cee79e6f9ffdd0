// Package client provides a socket.io load test client for the chat server.
// It connects over a websocket using gobwas/ws (the same library the server
// uses), completes the engine.io handshake and the namespace connect,
// answers heartbeats, and tracks per-connection performance metrics.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/goccy/go-json"

	"github.com/whisper/socket-chat/internal/protocol"
)

// ErrClosed is returned for operations on a closed client.
var ErrClosed = errors.New("client: connection closed")

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency  time.Duration // dial through namespace connect
	PacketsReceived int64
	PacketsSent     int64
	DecodeErrors    int64
	Disconnected    bool
}

// Ack is the server's acknowledgement of an emitted event.
type Ack struct {
	Success bool
	Data    interface{}
	Error   interface{}
	Latency time.Duration
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// Options configures a connection.
type Options struct {
	// URL is the server base, e.g. ws://localhost:3001. The engine.io path
	// and query are appended.
	URL string
	// Path is the engine.io endpoint (default /socket.io/).
	Path string
	// Token is sent as the session cookie. Empty connects anonymously.
	Token  string
	Cookie string // default session-token
}

// Client is a single simulated user connection.
type Client struct {
	conn      net.Conn
	reader    io.Reader
	socketID  string
	decoder   *protocol.Decoder
	encoder   protocol.Encoder
	writeMu   sync.Mutex
	nextAck   atomic.Uint64
	done      chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	handlers map[string]func(args []interface{})
	pending  map[uint64]chan Ack
	sent     map[uint64]time.Time

	connectLatency time.Duration
	received       atomic.Int64
	sentPackets    atomic.Int64
	decodeErrors   atomic.Int64
	disconnected   atomic.Bool
}

// New connects to the server and joins the default namespace. It returns
// once the server has assigned a socket id.
func New(ctx context.Context, opts Options) (*Client, error) {
	if opts.Path == "" {
		opts.Path = "/socket.io/"
	}
	if opts.Cookie == "" {
		opts.Cookie = "session-token"
	}
	url := strings.TrimRight(opts.URL, "/") + opts.Path + "?EIO=4&transport=websocket"

	var d ws.Dialer
	if opts.Token != "" {
		d.Header = ws.HandshakeHeaderHTTP(http.Header{"Cookie": []string{opts.Cookie + "=" + opts.Token}})
	}

	start := time.Now()
	conn, br, _, err := d.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:     conn,
		reader:   conn,
		decoder:  protocol.NewDecoder(),
		done:     make(chan struct{}),
		handlers: make(map[string]func([]interface{})),
		pending:  make(map[uint64]chan Ack),
		sent:     make(map[uint64]time.Time),
	}
	if br != nil {
		c.reader = io.MultiReader(br, conn)
	}

	if err := c.handshake(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	c.connectLatency = time.Since(start)

	go c.readLoop()
	return c, nil
}

// handshake reads the open packet, sends the namespace connect and waits for
// its reply.
func (c *Client) handshake(ctx context.Context) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(deadline)
		defer c.conn.SetReadDeadline(time.Time{})
	}

	data, err := c.readText()
	if err != nil {
		return fmt.Errorf("read open packet: %w", err)
	}
	t, body, err := protocol.ParseEngine(data)
	if err != nil || t != protocol.EngineOpen {
		return fmt.Errorf("expected open packet, got %q", data)
	}
	var hs protocol.Handshake
	if err := json.Unmarshal([]byte(body), &hs); err != nil {
		return fmt.Errorf("decode open packet: %w", err)
	}

	if err := c.writeText(protocol.EncodeEngine(protocol.EngineMessage, "0")); err != nil {
		return fmt.Errorf("namespace connect: %w", err)
	}

	for {
		data, err := c.readText()
		if err != nil {
			return fmt.Errorf("read connect reply: %w", err)
		}
		t, body, err := protocol.ParseEngine(data)
		if err != nil {
			return err
		}
		if t == protocol.EnginePing {
			_ = c.writeText(protocol.EncodeEngine(protocol.EnginePong, body))
			continue
		}
		if t != protocol.EngineMessage {
			continue
		}
		p, err := c.decoder.Add(body)
		if err != nil {
			return fmt.Errorf("decode connect reply: %w", err)
		}
		switch {
		case p == nil:
			continue
		case p.Type == protocol.ConnectError:
			return fmt.Errorf("connect refused: %v", p.Data)
		case p.Type == protocol.Connect:
			payload, _ := p.Data.(map[string]interface{})
			c.socketID, _ = payload["sid"].(string)
			return nil
		}
	}
}

// readText reads frames until a text frame arrives.
func (c *Client) readText() (string, error) {
	rw := struct {
		io.Reader
		io.Writer
	}{c.reader, writerFunc(c.writeRaw)}
	for {
		data, op, err := wsutil.ReadServerData(rw)
		if err != nil {
			return "", err
		}
		if op == ws.OpText {
			return string(data), nil
		}
	}
}

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

func (c *Client) writeRaw(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(p)
}

func (c *Client) writeText(s string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteClientMessage(c.conn, ws.OpText, []byte(s))
}

// On registers a handler for a server event. Handlers run on the read loop
// goroutine so they should not block. Registering a second handler for the
// same event replaces the first.
func (c *Client) On(event string, handler func(args []interface{})) {
	c.mu.Lock()
	c.handlers[event] = handler
	c.mu.Unlock()
}

// Emit sends an event with one argument and waits for its acknowledgement.
func (c *Client) Emit(ctx context.Context, event string, arg interface{}) (Ack, error) {
	id := c.nextAck.Add(1)
	ch := make(chan Ack, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.sent[id] = time.Now()
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		delete(c.sent, id)
		c.mu.Unlock()
	}()

	text, attachments, err := c.encoder.EncodeWithAttachments(&protocol.Packet{
		Type:      protocol.Event,
		Namespace: protocol.DefaultNamespace,
		ID:        protocol.Uint64(id),
		Data:      []interface{}{event, arg},
	})
	if err != nil {
		return Ack{}, fmt.Errorf("encode %s: %w", event, err)
	}

	c.writeMu.Lock()
	err = wsutil.WriteClientMessage(c.conn, ws.OpText, []byte(protocol.EncodeEngine(protocol.EngineMessage, text)))
	for _, b := range attachments {
		if err != nil {
			break
		}
		err = wsutil.WriteClientMessage(c.conn, ws.OpBinary, b)
	}
	c.writeMu.Unlock()
	if err != nil {
		return Ack{}, fmt.Errorf("write %s: %w", event, err)
	}
	c.sentPackets.Add(1)

	select {
	case ack := <-ch:
		return ack, nil
	case <-c.done:
		return Ack{}, ErrClosed
	case <-ctx.Done():
		return Ack{}, ctx.Err()
	}
}

// Close closes the connection and stops the read loop. It is safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// SocketID returns the socket id assigned at namespace connect.
func (c *Client) SocketID() string {
	return c.socketID
}

// GetMetrics returns a snapshot of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	return Metrics{
		ConnectLatency:  c.connectLatency,
		PacketsReceived: c.received.Load(),
		PacketsSent:     c.sentPackets.Load(),
		DecodeErrors:    c.decodeErrors.Load(),
		Disconnected:    c.disconnected.Load(),
	}
}

// readLoop reads frames until the connection ends, answering pings and
// dispatching acknowledgements and events.
func (c *Client) readLoop() {
	defer func() {
		select {
		case <-c.done:
		default:
			c.disconnected.Store(true)
			c.Close()
		}
	}()

	rw := struct {
		io.Reader
		io.Writer
	}{c.reader, writerFunc(c.writeRaw)}

	for {
		data, op, err := wsutil.ReadServerData(rw)
		if err != nil {
			return
		}

		var p *protocol.Packet
		if op == ws.OpBinary {
			p, err = c.decoder.AddBinary(data)
		} else {
			t, body, perr := protocol.ParseEngine(string(data))
			if perr != nil {
				c.decodeErrors.Add(1)
				continue
			}
			switch t {
			case protocol.EnginePing:
				_ = c.writeText(protocol.EncodeEngine(protocol.EnginePong, body))
				continue
			case protocol.EngineClose:
				return
			case protocol.EngineMessage:
				p, err = c.decoder.Add(body)
			default:
				continue
			}
		}
		if err != nil {
			c.decodeErrors.Add(1)
			continue
		}
		if p != nil {
			c.received.Add(1)
			c.dispatch(p)
		}
	}
}

func (c *Client) dispatch(p *protocol.Packet) {
	switch p.Type {
	case protocol.Ack, protocol.BinaryAck:
		if p.ID == nil {
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[*p.ID]
		sentAt := c.sent[*p.ID]
		c.mu.Unlock()
		if !ok {
			return
		}
		ack := Ack{Latency: time.Since(sentAt)}
		if args, _ := p.Data.([]interface{}); len(args) > 0 {
			if env, ok := args[0].(map[string]interface{}); ok {
				ack.Success, _ = env["success"].(bool)
				ack.Data = env["data"]
				ack.Error = env["error"]
			}
		}
		ch <- ack

	case protocol.Event, protocol.BinaryEvent:
		name, ok := p.EventName()
		if !ok {
			return
		}
		c.mu.Lock()
		h := c.handlers[name]
		c.mu.Unlock()
		if h != nil {
			h(p.EventArgs())
		}

	case protocol.Disconnect:
		c.Close()
	}
}
