package event

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/whisper/socket-chat/internal/session"
)

type fakeSocket struct {
	id        string
	identity  *session.Identity
	listeners map[string]Listener
}

func newFakeSocket(identity *session.Identity) *fakeSocket {
	return &fakeSocket{id: "conn-1", identity: identity, listeners: make(map[string]Listener)}
}

func (s *fakeSocket) ID() string { return s.id }
func (s *fakeSocket) Identity() *session.Identity { return s.identity }
func (s *fakeSocket) Emit(string, ...interface{}) error { return nil }
func (s *fakeSocket) On(event string, fn Listener) { s.listeners[event] = fn }

// fire delivers an inbound event and returns the acknowledgement, if any.
func (s *fakeSocket) fire(t *testing.T, event string, args ...interface{}) (Response, bool) {
	t.Helper()
	fn, ok := s.listeners[event]
	if !ok {
		return Response{}, false
	}
	var (
		resp  Response
		acked bool
	)
	fn(context.Background(), args, func(a ...interface{}) {
		acked = true
		resp = a[0].(Response)
	})
	return resp, acked
}

type nopEmitter struct{}

func (nopEmitter) Emit(context.Context, string, ...interface{}) error { return nil }
func (nopEmitter) EmitTo(context.Context, []string, string, ...interface{}) error { return nil }

type messageInput struct {
	Message    string `json:"message" validate:"min=1"`
	ReceiverID string `json:"receiverId" validate:"required,uuid"`
}

type typingInput struct {
	Typing bool `json:"typing"`
}

var alice = &session.Identity{ID: "alice"}

// spy counts handler invocations.
type spy struct {
	mu    sync.Mutex
	calls int
}

func (s *spy) hit() {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
}

func (s *spy) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func messageEvent(sp *spy) Binder {
	return New(Definition{Name: "message", AuthRequired: true},
		func(ctx context.Context, c *Context, in messageInput) (map[string]interface{}, error) {
			sp.hit()
			return map[string]interface{}{"senderId": c.Identity().ID, "message": in.Message}, nil
		})
}

// ---------------------------------------------------------------------------
// Test: authentication
// ---------------------------------------------------------------------------

func TestDispatch_UnauthenticatedNeverRunsHandler(t *testing.T) {
	sp := &spy{}
	s := newFakeSocket(nil)
	messageEvent(sp).Bind(nopEmitter{}, s)

	resp, acked := s.fire(t, "message", map[string]interface{}{
		"message":    "hi",
		"receiverId": "7d1f3a7e-0b5e-4c8a-9f52-3e0c2b1d4a10",
	})
	if !acked {
		t.Fatal("expected an acknowledgement")
	}
	if resp.Success || resp.Error != "Unauthenticated" {
		t.Errorf("expected Unauthenticated failure, got %+v", resp)
	}
	if sp.count() != 0 {
		t.Errorf("handler ran %d times for an unauthenticated caller", sp.count())
	}
}

func TestDispatch_AnonymousAllowedWhenAuthNotRequired(t *testing.T) {
	s := newFakeSocket(nil)
	New(Definition{Name: "ping"}, func(ctx context.Context, c *Context, in None) (string, error) {
		return "pong", nil
	}).Bind(nopEmitter{}, s)

	resp, _ := s.fire(t, "ping")
	if !resp.Success || resp.Data != "pong" {
		t.Errorf("expected pong, got %+v", resp)
	}
}

// ---------------------------------------------------------------------------
// Test: input validation
// ---------------------------------------------------------------------------

func TestDispatch_InvalidInputNeverRunsHandler(t *testing.T) {
	cases := map[string]interface{}{
		"empty message": map[string]interface{}{"message": "", "receiverId": "7d1f3a7e-0b5e-4c8a-9f52-3e0c2b1d4a10"},
		"bad uuid":      map[string]interface{}{"message": "hi", "receiverId": "bob"},
		"missing input": nil,
		"wrong type":    map[string]interface{}{"message": 42, "receiverId": "7d1f3a7e-0b5e-4c8a-9f52-3e0c2b1d4a10"},
		"not an object": "hello",
	}

	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			sp := &spy{}
			s := newFakeSocket(alice)
			messageEvent(sp).Bind(nopEmitter{}, s)

			var args []interface{}
			if input != nil {
				args = []interface{}{input}
			}
			resp, _ := s.fire(t, "message", args...)
			if resp.Success {
				t.Fatalf("expected failure, got %+v", resp)
			}
			ve, ok := resp.Error.(*ValidationError)
			if !ok {
				t.Fatalf("expected *ValidationError, got %T (%v)", resp.Error, resp.Error)
			}
			if ve.Name != "ValidationError" || len(ve.Issues) == 0 {
				t.Errorf("expected named error with issues, got %+v", ve)
			}
			if sp.count() != 0 {
				t.Errorf("handler ran %d times for invalid input", sp.count())
			}
		})
	}
}

func TestDispatch_IssuePathsUseJSONNames(t *testing.T) {
	s := newFakeSocket(alice)
	messageEvent(&spy{}).Bind(nopEmitter{}, s)

	resp, _ := s.fire(t, "message", map[string]interface{}{"message": "hi", "receiverId": "nope"})
	ve := resp.Error.(*ValidationError)
	if len(ve.Issues) != 1 {
		t.Fatalf("expected one issue, got %+v", ve.Issues)
	}
	is := ve.Issues[0]
	if len(is.Path) != 1 || is.Path[0] != "receiverId" || is.Code != "uuid" {
		t.Errorf("unexpected issue %+v", is)
	}
}

// ---------------------------------------------------------------------------
// Test: handler outcomes
// ---------------------------------------------------------------------------

func TestDispatch_SuccessEnvelope(t *testing.T) {
	sp := &spy{}
	s := newFakeSocket(alice)
	messageEvent(sp).Bind(nopEmitter{}, s)

	resp, _ := s.fire(t, "message", map[string]interface{}{
		"message":    "hi",
		"receiverId": "7d1f3a7e-0b5e-4c8a-9f52-3e0c2b1d4a10",
	})
	if !resp.Success {
		t.Fatalf("expected success, got %+v", resp)
	}
	data := resp.Data.(map[string]interface{})
	if data["senderId"] != "alice" || data["message"] != "hi" {
		t.Errorf("unexpected data %v", data)
	}
	if sp.count() != 1 {
		t.Errorf("expected one handler call, got %d", sp.count())
	}
}

func TestDispatch_NoOutputOmitsData(t *testing.T) {
	s := newFakeSocket(alice)
	var got bool
	New(Definition{Name: "isTyping", AuthRequired: true},
		func(ctx context.Context, c *Context, in typingInput) (None, error) {
			got = in.Typing
			return None{}, nil
		}).Bind(nopEmitter{}, s)

	resp, _ := s.fire(t, "isTyping", map[string]interface{}{"typing": true})
	if !resp.Success || resp.Data != nil {
		t.Errorf("expected bare success, got %+v", resp)
	}
	if !got {
		t.Error("expected handler to see typing=true")
	}
}

func TestDispatch_HandlerErrorIsReported(t *testing.T) {
	s := newFakeSocket(alice)
	New(Definition{Name: "fail"}, func(ctx context.Context, c *Context, in None) (None, error) {
		return None{}, errors.New("database unavailable")
	}).Bind(nopEmitter{}, s)

	resp, _ := s.fire(t, "fail")
	if resp.Success || resp.Error != "database unavailable" {
		t.Errorf("expected handler error in envelope, got %+v", resp)
	}
}

func TestDispatch_HandlerPanicIsRecovered(t *testing.T) {
	s := newFakeSocket(alice)
	New(Definition{Name: "boom"}, func(ctx context.Context, c *Context, in None) (None, error) {
		panic("boom")
	}).Bind(nopEmitter{}, s)

	resp, acked := s.fire(t, "boom")
	if !acked || resp.Success || resp.Error != "boom" {
		t.Errorf("expected recovered panic in envelope, got %+v", resp)
	}
}

func TestDispatch_WithoutAckStillRunsHandler(t *testing.T) {
	sp := &spy{}
	s := newFakeSocket(alice)
	messageEvent(sp).Bind(nopEmitter{}, s)

	s.listeners["message"](context.Background(), []interface{}{map[string]interface{}{
		"message":    "hi",
		"receiverId": "7d1f3a7e-0b5e-4c8a-9f52-3e0c2b1d4a10",
	}}, nil)
	if sp.count() != 1 {
		t.Errorf("expected handler to run without ack, got %d calls", sp.count())
	}
}

// ---------------------------------------------------------------------------
// Test: registry
// ---------------------------------------------------------------------------

func TestRegistry_RejectsDuplicates(t *testing.T) {
	sp := &spy{}
	if _, err := NewRegistry(messageEvent(sp), messageEvent(sp)); err == nil {
		t.Error("expected duplicate event names to be rejected")
	}
}

func TestRegistry_UnknownEventIgnored(t *testing.T) {
	sp := &spy{}
	reg, err := NewRegistry(messageEvent(sp))
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	s := newFakeSocket(alice)
	reg.Bind(nopEmitter{}, s)

	if _, acked := s.fire(t, "dropTables", map[string]interface{}{}); acked {
		t.Error("expected unknown event to be ignored")
	}
	if !reg.Has("message") || reg.Has("dropTables") {
		t.Error("unexpected registry membership")
	}
	if names := reg.Names(); len(names) != 1 || names[0] != "message" {
		t.Errorf("unexpected names %v", names)
	}
}
