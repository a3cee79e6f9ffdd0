package ws

import (
	"context"
)

// Emit broadcasts an event to every socket on every process.
func (s *Server) Emit(ctx context.Context, name string, args ...interface{}) error {
	return s.publish(ctx, []string{}, name, args)
}

// EmitTo broadcasts an event to the sockets in rooms, wherever they are
// connected. A room is a socket id. An empty rooms list reaches no one.
func (s *Server) EmitTo(ctx context.Context, rooms []string, name string, args ...interface{}) error {
	if len(rooms) == 0 {
		return nil
	}
	return s.publish(ctx, rooms, name, args)
}

// publish puts the event on the bus channel named after it. The first
// argument on the bus carries the target rooms.
func (s *Server) publish(ctx context.Context, rooms []string, name string, args []interface{}) error {
	payload := make([]interface{}, 0, len(args)+1)
	payload = append(payload, rooms)
	payload = append(payload, args...)
	return s.bus.Publish(ctx, name, payload...)
}

// Relay subscribes this process to the given broadcast events. Each event
// published on the bus, by any process, is written to the local sockets it
// addresses.
func (s *Server) Relay(events ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range events {
		name := name
		s.subs = append(s.subs, s.bus.Subscribe(name, func(args []interface{}) {
			s.deliver(name, args)
		}))
	}
}

func (s *Server) deliver(name string, args []interface{}) {
	if len(args) == 0 {
		return
	}
	rooms, ok := roomList(args[0])
	if !ok {
		s.log.Warn().Str("event", name).Msg("dropping broadcast without rooms")
		return
	}
	for _, c := range s.conns.Sockets(rooms) {
		if err := c.emit(name, args[1:]); err != nil {
			s.log.Debug().Err(err).Str("sid", c.ID).Str("event", name).Msg("failed to deliver broadcast")
		}
	}
}

// roomList reads the rooms argument, which arrives as []string from the
// local bus and as []interface{} after a broker round trip.
func roomList(v interface{}) ([]string, bool) {
	switch rooms := v.(type) {
	case []string:
		return rooms, true
	case []interface{}:
		out := make([]string, 0, len(rooms))
		for _, r := range rooms {
			id, ok := r.(string)
			if !ok {
				return nil, false
			}
			out = append(out, id)
		}
		return out, true
	case nil:
		return nil, true
	}
	return nil, false
}
