package ws

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/socket-chat/internal/event"
	"github.com/whisper/socket-chat/internal/metrics"
	"github.com/whisper/socket-chat/internal/protocol"
	"github.com/whisper/socket-chat/internal/session"
)

// connectTimeout bounds the session middleware during a namespace connect.
const connectTimeout = 5 * time.Second

// handleText routes an engine.io text frame. Engine-level packets are
// answered here; message packets go through the connection's decoder.
func (s *Server) handleText(c *Connection, data []byte) {
	t, body, err := protocol.ParseEngine(string(data))
	if err != nil {
		s.reportError(c, err)
		return
	}

	switch t {
	case protocol.EngineMessage:
		p, err := c.decoder.Add(body)
		if err != nil {
			s.reportError(c, err)
			return
		}
		if p != nil {
			s.handlePacket(c, p)
		}
	case protocol.EnginePing:
		if err := c.writeEngine(protocol.EnginePong, body); err != nil {
			s.log.Debug().Err(err).Str("sid", c.ID).Msg("failed to send pong")
		}
	case protocol.EnginePong:
		s.touchSession(c)
	case protocol.EngineClose:
		s.RemoveConnection(c)
	}
}

// touchSession extends the stored session of a connected socket. Liveness
// itself is refreshed by every frame.
func (s *Server) touchSession(c *Connection) {
	if s.middleware == nil || !c.connected.Load() {
		return
	}
	socketID := c.SocketID()
	if socketID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, connectTimeout)
	defer cancel()
	s.middleware.Touch(ctx, socketID)
}

// handleBinary feeds an attachment frame to the connection's decoder.
func (s *Server) handleBinary(c *Connection, data []byte) {
	p, err := c.decoder.AddBinary(data)
	if err != nil {
		s.reportError(c, err)
		return
	}
	if p != nil {
		s.handlePacket(c, p)
	}
}

// reportError records a frame that could not be decoded. It only affects
// that frame.
func (s *Server) reportError(c *Connection, err error) {
	metrics.DecodeErrors.Inc()
	s.log.Warn().Err(err).Str("sid", c.ID).Msg("dropping undecodable packet")
	if s.onError != nil {
		s.onError(c, err)
	}
}

// handlePacket routes a decoded socket.io packet.
func (s *Server) handlePacket(c *Connection, p *protocol.Packet) {
	metrics.PacketsTotal.WithLabelValues("in", p.Type.String()).Inc()

	if p.Namespace != protocol.DefaultNamespace {
		if p.Type == protocol.Connect {
			s.refuse(c, p.Namespace, protocol.ErrInvalidNamespace.Error())
		}
		return
	}

	switch p.Type {
	case protocol.Connect:
		s.connectSocket(c)
	case protocol.Disconnect:
		s.leaveSocket(c)
	case protocol.Event, protocol.BinaryEvent:
		s.dispatchEvent(c, p)
	default:
		// The server never asks clients for acknowledgements.
		s.log.Debug().Str("sid", c.ID).Str("type", p.Type.String()).Msg("ignoring packet")
	}
}

// connectSocket runs the session middleware and, on success, installs the
// registered events and answers the namespace connect.
func (s *Server) connectSocket(c *Connection) {
	if c.connected.Load() {
		return
	}

	socketID := uuid.NewString()
	ctx, cancel := context.WithTimeout(s.ctx, connectTimeout)
	defer cancel()

	var identity *session.Identity
	if s.middleware != nil {
		id, err := s.middleware.Connect(ctx, c.request, socketID)
		if err != nil {
			s.log.Warn().Err(err).Str("sid", c.ID).Msg("connection refused by session middleware")
			s.refuse(c, protocol.DefaultNamespace, err.Error())
			return
		}
		identity = id
	}

	c.stateMu.Lock()
	if c.closed || !s.conns.Join(c, socketID) {
		c.stateMu.Unlock()
		if s.middleware != nil {
			s.middleware.Disconnect(ctx, identity, socketID)
		}
		return
	}
	c.identity = identity
	s.registry.Bind(s, socket{Connection: c, id: socketID, identity: identity})
	c.connected.Store(true)
	c.stateMu.Unlock()

	err := c.WritePacket(&protocol.Packet{
		Type:      protocol.Connect,
		Namespace: protocol.DefaultNamespace,
		Data:      protocol.ConnectPayload{SID: socketID},
	})
	if err != nil {
		s.log.Warn().Err(err).Str("sid", c.ID).Msg("failed to send connect")
	}

	ev := s.log.Debug().Str("sid", c.ID).Str("socket", socketID)
	if identity != nil {
		ev = ev.Str("user", identity.ID)
	}
	ev.Msg("socket connected")
}

// leaveSocket ends the socket after a client namespace disconnect. The
// engine.io connection stays open and may connect to the namespace again.
func (s *Server) leaveSocket(c *Connection) {
	c.stateMu.Lock()
	if !c.connected.Swap(false) {
		c.stateMu.Unlock()
		return
	}
	socketID, identity := c.socketID, c.identity
	s.conns.Leave(c)
	c.identity = nil
	c.stateMu.Unlock()

	c.clearListeners()
	if s.middleware != nil {
		ctx, cancel := context.WithTimeout(s.ctx, connectTimeout)
		s.middleware.Disconnect(ctx, identity, socketID)
		cancel()
	}
	s.log.Debug().Str("sid", c.ID).Str("socket", socketID).Msg("socket disconnected")
}

func (s *Server) refuse(c *Connection, namespace, message string) {
	err := c.WritePacket(&protocol.Packet{
		Type:      protocol.ConnectError,
		Namespace: namespace,
		Data:      protocol.ConnectErrorPayload{Message: message},
	})
	if err != nil {
		s.log.Debug().Err(err).Str("sid", c.ID).Msg("failed to send connect error")
	}
}

// dispatchEvent queues the listener of an inbound event on the connection's
// handler goroutine, so events from one connection are handled in the order
// they arrived. Events without a listener are ignored. A full queue blocks
// until there is room or the connection is removed.
func (s *Server) dispatchEvent(c *Connection, p *protocol.Packet) {
	if !c.connected.Load() {
		return
	}
	name, ok := p.EventName()
	if !ok {
		return
	}
	fn, ok := c.listener(name)
	if !ok {
		s.log.Debug().Str("sid", c.ID).Str("event", name).Msg("ignoring unknown event")
		return
	}

	var ack event.AckFunc
	if p.ID != nil {
		id := *p.ID
		ack = func(args ...interface{}) {
			if args == nil {
				args = []interface{}{}
			}
			err := c.WritePacket(&protocol.Packet{
				Type:      protocol.Ack,
				Namespace: protocol.DefaultNamespace,
				ID:        &id,
				Data:      args,
			})
			if err != nil {
				s.log.Debug().Err(err).Str("sid", c.ID).Uint64("ack", id).Msg("failed to send ack")
			}
		}
	}

	args := p.EventArgs()
	job := func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error().
					Str("sid", c.ID).
					Str("event", name).
					Interface("panic", r).
					Bytes("stack", debug.Stack()).
					Msg("listener panicked")
			}
		}()
		fn(s.ctx, args, ack)
	}

	select {
	case c.events <- job:
	case <-c.done:
	}
}

// runEvents runs the handlers queued by dispatchEvent one at a time until
// the connection is removed.
func (s *Server) runEvents(c *Connection) {
	defer s.handlers.Done()
	for {
		select {
		case job := <-c.events:
			job()
		case <-c.done:
			return
		}
	}
}
