// Package ws serves socket.io over engine.io websockets. It upgrades HTTP
// connections with gobwas/ws, watches them with epoll, decodes packets on a
// bounded worker pool and dispatches events to the listeners installed from
// the event registry. Broadcasts go through the fan-out bus so that every
// process delivers to its own sockets.
package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/whisper/socket-chat/internal/bus"
	"github.com/whisper/socket-chat/internal/event"
	"github.com/whisper/socket-chat/internal/logging"
	"github.com/whisper/socket-chat/internal/metrics"
	"github.com/whisper/socket-chat/internal/protocol"
	"github.com/whisper/socket-chat/internal/session"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":3001"
	SocketPath     string        // HTTP path of the engine.io endpoint
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	PingInterval   time.Duration // engine.io heartbeat interval
	PingTimeout    time.Duration // time allowed for the pong after a ping
	MaxPayload     int64         // largest frame accepted, in bytes
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":3001",
		SocketPath:     "/socket.io/",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		PingInterval:   25 * time.Second,
		PingTimeout:    20 * time.Second,
		MaxPayload:     1000000,
	}
}

// Server is the socket.io server built on gobwas/ws and Linux epoll. It
// implements event.Emitter: broadcasts are published on the bus and every
// process relays them to the addressed sockets it holds.
type Server struct {
	config     ServerConfig
	epoll      *Epoll
	conns      *ConnectionManager
	registry   *event.Registry
	middleware *session.Middleware // optional; nil serves anonymous sockets only
	bus        bus.Bus
	encoder    protocol.Encoder
	workerPool chan struct{} // semaphore limiting concurrent read workers
	onError    func(c *Connection, err error)
	httpServer *http.Server
	done       chan struct{}
	startedAt  time.Time
	log        zerolog.Logger

	// ctx is handed to event handlers and canceled on shutdown.
	ctx      context.Context
	cancel   context.CancelFunc
	handlers sync.WaitGroup

	mu       sync.Mutex
	subs     []*bus.Subscription
	serving  bool
	stopOnce sync.Once
}

var _ event.Emitter = (*Server)(nil)

// NewServer creates a Server. Events in registry are installed on every
// socket at namespace connect.
func NewServer(config ServerConfig, registry *event.Registry, middleware *session.Middleware, b bus.Bus) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config:     config,
		conns:      NewConnectionManager(),
		registry:   registry,
		middleware: middleware,
		bus:        b,
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		done:       make(chan struct{}),
		log:        logging.Component("ws"),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("ws: listen %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(l)
}

// Serve initializes the epoll instance, starts the event loop and the
// heartbeat, and serves HTTP on l until Shutdown.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		return http.ErrServerClosed
	default:
	}
	if s.serving {
		s.mu.Unlock()
		return errors.New("ws: server already serving")
	}

	ep, err := NewEpoll()
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}
	s.epoll = ep
	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc(s.config.SocketPath, s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: s.config.ReadTimeout,
	}
	s.serving = true
	s.mu.Unlock()

	go s.startEventLoop()
	StartHeartbeat(s, HeartbeatConfig{Interval: s.config.PingInterval, Timeout: s.config.PingTimeout})

	s.log.Info().
		Str("addr", l.Addr().String()).
		Str("path", s.config.SocketPath).
		Int("workers", s.config.WorkerPoolSize).
		Int("max_conns", s.config.MaxConnections).
		Msg("server listening")

	if err := s.httpServer.Serve(l); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// SetOnError registers a callback for packets a connection sent that could
// not be decoded. The connection stays open.
func (s *Server) SetOnError(fn func(c *Connection, err error)) {
	s.onError = fn
}

// handleUpgrade performs the engine.io websocket handshake: it checks the
// query, upgrades the connection, sends the open packet and registers the
// connection with epoll.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("transport") != "websocket" {
		writeHandshakeError(w, 0, "Transport unknown")
		return
	}
	if q.Get("EIO") != fmt.Sprint(protocol.EngineProtocol) {
		writeHandshakeError(w, 5, "Unsupported protocol version")
		return
	}
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Warn().Err(err).Msg("upgrade failed")
		return
	}

	c := newConnection(s, uuid.NewString(), conn, r.Clone(context.Background()))

	open, err := protocol.EncodeOpen(protocol.NewHandshake(c.ID, s.config.PingInterval, s.config.PingTimeout, s.config.MaxPayload))
	if err == nil {
		err = c.WriteMessage([]byte(open))
	}
	if err != nil {
		s.log.Warn().Err(err).Str("sid", c.ID).Msg("failed to send open packet")
		conn.Close()
		return
	}

	s.conns.Add(c)
	if err := s.epoll.Add(conn); err != nil {
		s.log.Error().Err(err).Str("sid", c.ID).Msg("epoll add failed")
		s.conns.Remove(c.ID)
		return
	}
	metrics.ConnectionsTotal.Inc()

	s.handlers.Add(1)
	go s.runEvents(c)

	s.log.Debug().Str("sid", c.ID).Int("fd", c.Fd).Int("total", s.conns.Count()).Msg("new connection")
}

func writeHandshakeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}{code, message})
}

// handleHealth responds with the server's health status as JSON, including the
// current connection count and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the epoll wait loop. For each batch of ready
// connections, it dispatches each to a worker goroutine (bounded by the
// worker pool semaphore) that reads and processes the WebSocket frame.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				// EINTR is expected during signal handling.
				if isEINTR(err) {
					continue
				}
				if errors.Is(err, net.ErrClosed) {
					return
				}
				s.log.Error().Err(err).Msg("epoll wait error")
				continue
			}
		}

		for _, conn := range conns {
			conn := conn

			// Acquire a worker slot (blocks if pool is full).
			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				defer func() {
					if r := recover(); r != nil {
						s.log.Error().
							Interface("panic", r).
							Bytes("stack", debug.Stack()).
							Msg("dropping frame after panic in read worker")
					}
				}()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so that control frames (ping, pong) are handled without
// blocking on a data frame that may never arrive. If the read fails
// (connection closed, protocol error, etc.) the connection is removed.
func (s *Server) handleConn(netConn net.Conn) {
	defer s.epoll.Resume(netConn)

	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale epoll dispatch).
		// The heartbeat handles dead connections.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	_ = netConn.SetReadDeadline(time.Time{})

	// Any frame proves the connection is alive.
	c.touch()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}

	if s.config.MaxPayload > 0 && header.Length > s.config.MaxPayload {
		s.log.Warn().Str("sid", c.ID).Int64("length", header.Length).Msg("frame exceeds max payload")
		s.RemoveConnection(c)
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}

	if header.OpCode == ws.OpBinary {
		s.handleBinary(c, data)
		return
	}
	if len(data) > 0 {
		s.handleText(c, data)
	}
}

// RemoveConnection removes a connection from both epoll and the connection
// manager, closes the underlying network connection and runs the session
// middleware's disconnect. It is safe to call more than once.
func (s *Server) RemoveConnection(c *Connection) {
	if s.epoll != nil {
		_ = s.epoll.Remove(c.Conn)
	}

	// Only the caller that actually removed the connection cleans up, so a
	// read error racing a heartbeat timeout disconnects once.
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	c.stateMu.Lock()
	c.closed = true
	wasConnected := c.connected.Swap(false)
	socketID, identity := c.socketID, c.identity
	c.stateMu.Unlock()
	close(c.done)

	if wasConnected && s.middleware != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		s.middleware.Disconnect(ctx, identity, socketID)
		cancel()
	}

	s.log.Debug().Str("sid", c.ID).Str("socket", socketID).Int("total", s.conns.Count()).Msg("connection closed")
}

// Connections returns the ConnectionManager for external access to connection
// state (e.g., by the heartbeat).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown performs a graceful shutdown of the server. It stops the relay,
// stops the HTTP listener, tells every client to reconnect with an engine.io
// close packet, closes all connections and waits for running handlers until
// ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.log.Info().Msg("shutting down server")

		s.mu.Lock()
		close(s.done)
		subs := s.subs
		s.subs = nil
		httpServer := s.httpServer
		s.mu.Unlock()

		for _, sub := range subs {
			s.bus.Unsubscribe(sub)
		}

		if httpServer != nil {
			if herr := httpServer.Shutdown(ctx); herr != nil {
				s.log.Warn().Err(herr).Msg("http shutdown error")
				err = herr
			}
		}

		for _, c := range s.conns.All() {
			if werr := c.writeEngine(protocol.EngineClose, ""); werr != nil {
				s.log.Debug().Err(werr).Str("sid", c.ID).Msg("failed to send close packet")
			}
			s.RemoveConnection(c)
		}

		if s.epoll != nil {
			_ = s.epoll.Close()
		}

		s.cancel()
		waited := make(chan struct{})
		go func() {
			s.handlers.Wait()
			close(waited)
		}()
		select {
		case <-waited:
		case <-ctx.Done():
			s.log.Warn().Msg("handlers still running at shutdown deadline")
			if err == nil {
				err = ctx.Err()
			}
		}

		s.log.Info().Msg("server stopped, all connections closed")
	})
	return err
}
