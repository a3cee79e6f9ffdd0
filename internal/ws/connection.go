package ws

import (
	"net"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/socket-chat/internal/event"
	"github.com/whisper/socket-chat/internal/metrics"
	"github.com/whisper/socket-chat/internal/protocol"
	"github.com/whisper/socket-chat/internal/session"
)

// Connection is one engine.io websocket session. Once the client connects to
// the namespace it also carries a socket.io socket, identified by SocketID,
// on which event listeners are installed.
type Connection struct {
	ID        string   // engine.io session id
	Conn      net.Conn // underlying TCP connection
	Fd        int      // file descriptor, -1 off Linux
	CreatedAt time.Time

	server     *Server
	request    *http.Request // handshake request, read by the session middleware
	lastSeen   atomic.Int64  // unix nanos of the last frame received
	writeMu    sync.Mutex    // serializes writes to this connection
	processing int32         // atomic flag: 0 = idle, 1 = being read by handleConn
	decoder    *protocol.Decoder

	// Set on namespace connect and cleared when the socket ends. Written
	// under stateMu and the manager lock.
	socketID  string
	identity  *session.Identity
	connected atomic.Bool

	stateMu sync.Mutex // orders namespace connect against leave and removal
	closed  bool

	mu        sync.RWMutex
	listeners map[string]event.Listener

	events chan func()   // inbound event handlers, run in arrival order
	done   chan struct{} // closed on removal
}

// eventQueueSize is how many inbound events a connection may have waiting
// for its handler goroutine before reads from it are held back.
const eventQueueSize = 64

func newConnection(s *Server, id string, conn net.Conn, r *http.Request) *Connection {
	c := &Connection{
		ID:        id,
		Conn:      conn,
		Fd:        socketFD(conn),
		CreatedAt: time.Now(),
		server:    s,
		request:   r,
		decoder:   protocol.NewDecoder(),
		listeners: make(map[string]event.Listener),
		events:    make(chan func(), eventQueueSize),
		done:      make(chan struct{}),
	}
	c.touch()
	return c
}

func (c *Connection) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// LastSeen returns when the last frame was received from the client.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// SocketID returns the socket.io socket id, or "" when no socket is
// connected. Rooms and presence entries use this id.
func (c *Connection) SocketID() string {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.socketID
}

// socket adapts a Connection to event.Socket for one namespace connect. It
// keeps the id and identity it was created with.
type socket struct {
	*Connection
	id       string
	identity *session.Identity
}

func (s socket) ID() string                  { return s.id }
func (s socket) Identity() *session.Identity { return s.identity }

// On installs the listener for an inbound event, replacing any previous one.
func (s socket) On(name string, fn event.Listener) {
	s.mu.Lock()
	s.listeners[name] = fn
	s.mu.Unlock()
}

// Emit sends an event to this socket only.
func (s socket) Emit(name string, args ...interface{}) error {
	return s.emit(name, args)
}

func (c *Connection) clearListeners() {
	c.mu.Lock()
	c.listeners = make(map[string]event.Listener)
	c.mu.Unlock()
}

func (c *Connection) listener(name string) (event.Listener, bool) {
	c.mu.RLock()
	fn, ok := c.listeners[name]
	c.mu.RUnlock()
	return fn, ok
}

func (c *Connection) emit(name string, args []interface{}) error {
	data := make([]interface{}, 0, len(args)+1)
	data = append(data, name)
	data = append(data, args...)
	return c.WritePacket(&protocol.Packet{Type: protocol.Event, Namespace: protocol.DefaultNamespace, Data: data})
}

// WritePacket encodes p and writes it as an engine.io message, followed by
// its binary attachments.
func (c *Connection) WritePacket(p *protocol.Packet) error {
	text, attachments, err := c.server.encoder.EncodeWithAttachments(p)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	defer c.deadline()()

	if err := wsutil.WriteServerMessage(c.Conn, ws.OpText, []byte(protocol.EncodeEngine(protocol.EngineMessage, text))); err != nil {
		return err
	}
	for _, b := range attachments {
		if err := wsutil.WriteServerMessage(c.Conn, ws.OpBinary, b); err != nil {
			return err
		}
	}
	metrics.PacketsTotal.WithLabelValues("out", p.Type.String()).Inc()
	return nil
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	defer c.deadline()()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// deadline arms the write timeout and returns the function clearing it, so
// it doesn't affect future writes. Callers hold writeMu.
func (c *Connection) deadline() func() {
	timeout := c.server.config.WriteTimeout
	if timeout <= 0 {
		return func() {}
	}
	_ = c.Conn.SetWriteDeadline(time.Now().Add(timeout))
	return func() { _ = c.Conn.SetWriteDeadline(time.Time{}) }
}

// writeEngine sends a bare engine.io packet.
func (c *Connection) writeEngine(t protocol.EngineType, body string) error {
	return c.WriteMessage([]byte(protocol.EncodeEngine(t, body)))
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnectionManager is a thread-safe registry of connections. It supports
// O(1) lookups by engine.io session id, by socket id and by network
// connection.
type ConnectionManager struct {
	mu       sync.RWMutex
	byID     map[string]*Connection   // session id -> Connection
	bySocket map[string]*Connection   // socket id -> Connection
	byConn   map[net.Conn]*Connection // epoll handle -> Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:     make(map[string]*Connection),
		bySocket: make(map[string]*Connection),
		byConn:   make(map[net.Conn]*Connection),
	}
}

// Add registers a new connection in the ID and net.Conn lookup maps.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.byConn[conn.Conn] = conn
	cm.mu.Unlock()
}

// Join assigns conn its socket id and indexes it. It returns false if conn
// is no longer registered.
func (cm *ConnectionManager) Join(conn *Connection, socketID string) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.byID[conn.ID] != conn {
		return false
	}
	conn.socketID = socketID
	cm.bySocket[socketID] = conn
	return true
}

// Leave drops the socket id of conn from the index and clears it.
func (cm *ConnectionManager) Leave(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.bySocket[conn.socketID] == conn {
		delete(cm.bySocket, conn.socketID)
	}
	conn.socketID = ""
}

// Remove removes a connection by session ID, closes the underlying network
// connection, and removes it from every lookup map. Returns true if the
// connection was found and removed, false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byConn, conn.Conn)
		if conn.socketID != "" && cm.bySocket[conn.socketID] == conn {
			delete(cm.bySocket, conn.socketID)
		}
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given session ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetBySocket returns the connection holding the given socket id, or nil.
func (cm *ConnectionManager) GetBySocket(socketID string) *Connection {
	cm.mu.RLock()
	conn := cm.bySocket[socketID]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection wrapping the given net.Conn, or nil if
// not found.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	cm.mu.RLock()
	conn := cm.byConn[c]
	cm.mu.RUnlock()
	return conn
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}

// Sockets returns the connections in the given rooms, or every connected
// socket when rooms is empty. A room is a socket id.
func (cm *ConnectionManager) Sockets(rooms []string) []*Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	var conns []*Connection
	if len(rooms) == 0 {
		conns = make([]*Connection, 0, len(cm.bySocket))
		for _, conn := range cm.bySocket {
			conns = append(conns, conn)
		}
		sort.Slice(conns, func(i, j int) bool { return conns[i].socketID < conns[j].socketID })
		return conns
	}

	seen := make(map[string]bool, len(rooms))
	for _, room := range rooms {
		if seen[room] {
			continue
		}
		seen[room] = true
		if conn, ok := cm.bySocket[room]; ok {
			conns = append(conns, conn)
		}
	}
	return conns
}
