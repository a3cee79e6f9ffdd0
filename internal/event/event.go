// Package event declares the client-to-server events a connection may emit
// and dispatches them. Each event is created once with New from a Definition
// and a handler; binding it to a socket installs a listener that checks
// authentication, validates the input against the input type's struct tags,
// runs the handler and acknowledges with a Response envelope.
package event

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"

	"github.com/whisper/socket-chat/internal/logging"
	"github.com/whisper/socket-chat/internal/metrics"
	"github.com/whisper/socket-chat/internal/session"
	"github.com/whisper/socket-chat/internal/superjson"
)

// ErrUnauthenticated is the envelope error for auth-required events emitted
// by a connection without an identity.
var ErrUnauthenticated = errors.New("Unauthenticated")

// Emitter broadcasts server events to connections on every process.
type Emitter interface {
	// Emit sends the event to every connection.
	Emit(ctx context.Context, event string, args ...interface{}) error
	// EmitTo sends the event to the connections in the given rooms. A room is
	// a connection id.
	EmitTo(ctx context.Context, rooms []string, event string, args ...interface{}) error
}

// Conn is the connection an event arrived on.
type Conn interface {
	ID() string
	// Identity returns the authenticated user, or nil for anonymous
	// connections.
	Identity() *session.Identity
	// Emit sends an event to this connection only.
	Emit(event string, args ...interface{}) error
}

// AckFunc acknowledges an event. It is nil when the client did not ask for
// an acknowledgement.
type AckFunc func(args ...interface{})

// Listener receives the arguments of one inbound event.
type Listener func(ctx context.Context, args []interface{}, ack AckFunc)

// Socket is a connection that event listeners can be installed on.
type Socket interface {
	Conn
	On(event string, fn Listener)
}

// Definition describes an event.
type Definition struct {
	Name string
	// AuthRequired rejects calls from connections without an identity.
	AuthRequired bool
}

// None is used as the input type of events that take no input, and as the
// output type of events that return nothing.
type None struct{}

// Context is what a handler sees besides its input. Data stores are not
// carried here; handlers are methods on a service that receives its stores
// when it is constructed (see chat.NewService).
type Context struct {
	IO   Emitter
	Conn Conn
}

// Identity returns the caller's identity. For auth-required events it is
// never nil.
func (c *Context) Identity() *session.Identity {
	return c.Conn.Identity()
}

// Handler implements an event.
type Handler[In, Out any] func(ctx context.Context, c *Context, in In) (Out, error)

// Response is the acknowledgement envelope.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   interface{} `json:"error,omitempty"`
}

// Fail builds a failed Response for err. Validation errors keep their
// structure; other errors are reduced to their message.
func Fail(err error) Response {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return Response{Success: false, Error: ve}
	}
	return Response{Success: false, Error: err.Error()}
}

// Binder installs an event's listener on a socket.
type Binder struct {
	Definition
	bind func(io Emitter, s Socket)
}

// Bind installs the listener on s. io is used by the handler to broadcast.
func (b Binder) Bind(io Emitter, s Socket) {
	b.bind(io, s)
}

// New creates an event from its definition and handler.
func New[In, Out any](def Definition, handler Handler[In, Out]) Binder {
	log := logging.Component("event")
	_, noInput := any(*new(In)).(None)
	_, noOutput := any(*new(Out)).(None)

	return Binder{
		Definition: def,
		bind: func(io Emitter, s Socket) {
			s.On(def.Name, func(ctx context.Context, args []interface{}, ack AckFunc) {
				resp, outcome := dispatch(ctx, log, def, handler, io, s, args, noInput, noOutput)
				metrics.EventsTotal.WithLabelValues(def.Name, outcome).Inc()
				if ack != nil {
					ack(resp)
				}
			})
		},
	}
}

func dispatch[In, Out any](
	ctx context.Context,
	log zerolog.Logger,
	def Definition,
	handler Handler[In, Out],
	io Emitter,
	conn Conn,
	args []interface{},
	noInput, noOutput bool,
) (resp Response, outcome string) {
	if def.AuthRequired && conn.Identity() == nil {
		return Fail(ErrUnauthenticated), "unauthenticated"
	}

	var in In
	if !noInput {
		var data interface{}
		if len(args) > 0 {
			data = args[0]
		}
		if err := decodeInput(data, &in); err != nil {
			return Fail(err), "invalid"
		}
	}

	start := time.Now()
	defer func() {
		metrics.EventLatency.WithLabelValues(def.Name).Observe(time.Since(start).Seconds())
		if r := recover(); r != nil {
			log.Error().
				Str("event", def.Name).
				Str("conn", conn.ID()).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("handler panicked")
			resp, outcome = Fail(fmt.Errorf("%v", r)), "error"
		}
	}()

	out, err := handler(ctx, &Context{IO: io, Conn: conn}, in)
	if err != nil {
		log.Error().Err(err).Str("event", def.Name).Str("conn", conn.ID()).Msg("handler failed")
		return Fail(err), "error"
	}
	if noOutput {
		return Response{Success: true}, "ok"
	}
	return Response{Success: true, Data: out}, "ok"
}

// decodeInput converts the generic payload into the input type and runs its
// struct checks. A payload of the wrong JSON type fails as a validation
// error rather than reaching the handler.
func decodeInput(data interface{}, dst interface{}) error {
	if data == nil && reflect.ValueOf(dst).Elem().Kind() == reflect.Struct {
		data = map[string]interface{}{}
	}
	if err := superjson.Convert(data, dst); err != nil {
		return newValidationError(Issue{Path: []string{}, Code: "invalid_type", Message: err.Error()})
	}
	if ve := validateInput(dst); ve != nil {
		return ve
	}
	return nil
}
