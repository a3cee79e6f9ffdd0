package chat

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/whisper/socket-chat/internal/event"
	"github.com/whisper/socket-chat/internal/presence"
	"github.com/whisper/socket-chat/internal/ratelimit"
	"github.com/whisper/socket-chat/internal/session"
	"github.com/whisper/socket-chat/internal/typing"
)

const (
	aliceID = "0b7e4c1a-5a8f-4f0e-9a51-6f2a1c9d3e01"
	bobID   = "7d1f3a7e-0b5e-4c8a-9f52-3e0c2b1d4a10"
	carolID = "c3a9d2f0-1e4b-4d6c-8a7f-9b0e2d5c6f12"
)

type emitted struct {
	rooms []string // nil for a broadcast to everyone
	event string
	args  []interface{}
}

type recordingEmitter struct {
	mu    sync.Mutex
	calls []emitted
}

func (e *recordingEmitter) Emit(_ context.Context, ev string, args ...interface{}) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, emitted{event: ev, args: args})
	return nil
}

func (e *recordingEmitter) EmitTo(_ context.Context, rooms []string, ev string, args ...interface{}) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, emitted{rooms: rooms, event: ev, args: args})
	return nil
}

func (e *recordingEmitter) named(ev string) []emitted {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []emitted
	for _, c := range e.calls {
		if c.event == ev {
			out = append(out, c)
		}
	}
	return out
}

type fakeSocket struct {
	id        string
	identity  *session.Identity
	listeners map[string]event.Listener
}

func (s *fakeSocket) ID() string { return s.id }
func (s *fakeSocket) Identity() *session.Identity { return s.identity }
func (s *fakeSocket) Emit(string, ...interface{}) error { return nil }
func (s *fakeSocket) On(name string, fn event.Listener) { s.listeners[name] = fn }

func (s *fakeSocket) call(t *testing.T, name string, input interface{}) event.Response {
	t.Helper()
	fn, ok := s.listeners[name]
	if !ok {
		t.Fatalf("event %q not bound", name)
	}
	var resp event.Response
	fn(context.Background(), []interface{}{input}, func(args ...interface{}) {
		resp = args[0].(event.Response)
	})
	return resp
}

type fixture struct {
	store    *MemoryStore
	presence *presence.LocalRegistry
	typing   *typing.MemoryStore
	io       *recordingEmitter
	service  *Service
}

func newFixture(limiter Limiter) *fixture {
	f := &fixture{
		store:    NewMemoryStore(),
		presence: presence.NewLocalRegistry(),
		typing:   typing.NewMemoryStore(),
		io:       &recordingEmitter{},
	}
	f.service = NewService(f.store, f.presence, f.typing, limiter)
	return f
}

func (f *fixture) connect(t *testing.T, connID, userID string) *fakeSocket {
	t.Helper()
	s := &fakeSocket{id: connID, identity: &session.Identity{ID: userID}, listeners: make(map[string]event.Listener)}
	if err := f.presence.Add(context.Background(), userID, connID); err != nil {
		t.Fatalf("presence add: %v", err)
	}
	reg, err := event.NewRegistry(f.service.Events()...)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	reg.Bind(f.io, s)
	return s
}

type limitAll struct{}

func (limitAll) Check(context.Context, string, ratelimit.Rule) error { return ratelimit.ErrLimited }

// ---------------------------------------------------------------------------
// Test: message
// ---------------------------------------------------------------------------

func TestMessage_DeliveredToBothParticipants(t *testing.T) {
	f := newFixture(nil)
	alice := f.connect(t, "a1", aliceID)
	f.connect(t, "a2", aliceID)
	f.connect(t, "b1", bobID)
	f.connect(t, "b2", bobID)
	f.typing.Touch(context.Background(), aliceID, time.Now())

	resp := alice.call(t, "message", map[string]interface{}{"message": "hi", "receiverId": bobID})
	if !resp.Success {
		t.Fatalf("expected success, got %+v", resp)
	}
	m := resp.Data.(*Message)
	if m.SenderID != aliceID || m.ReceiverID != bobID || m.Message != "hi" || m.ID == "" {
		t.Errorf("unexpected message %+v", m)
	}

	adds := f.io.named(EventAdd)
	if len(adds) != 1 {
		t.Fatalf("expected one add broadcast, got %d", len(adds))
	}
	rooms := map[string]bool{}
	for _, r := range adds[0].rooms {
		rooms[r] = true
	}
	for _, want := range []string{"a1", "a2", "b1", "b2"} {
		if !rooms[want] {
			t.Errorf("expected add to reach %s, rooms %v", want, adds[0].rooms)
		}
	}
	if len(adds[0].rooms) != 4 {
		t.Errorf("expected 4 distinct rooms, got %v", adds[0].rooms)
	}

	typingCalls := f.io.named(EventWhoIsTyping)
	if len(typingCalls) != 1 {
		t.Fatalf("expected one whoIsTyping broadcast, got %d", len(typingCalls))
	}
	if users := typingCalls[0].args[0].([]string); len(users) != 0 {
		t.Errorf("expected sender to stop typing, got %v", users)
	}
}

func TestMessage_Validation(t *testing.T) {
	cases := map[string]map[string]interface{}{
		"empty":    {"message": "", "receiverId": bobID},
		"receiver": {"message": "hi", "receiverId": "bob"},
		"too long": {"message": strings.Repeat("x", MaxTextChars+1), "receiverId": bobID},
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			f := newFixture(nil)
			alice := f.connect(t, "a1", aliceID)
			resp := alice.call(t, "message", input)
			if resp.Success {
				t.Fatalf("expected failure, got %+v", resp)
			}
			if _, ok := resp.Error.(*event.ValidationError); !ok {
				t.Errorf("expected validation error, got %v", resp.Error)
			}
			if len(f.io.calls) != 0 {
				t.Errorf("expected no broadcast, got %+v", f.io.calls)
			}
		})
	}
}

func TestMessage_RateLimited(t *testing.T) {
	f := newFixture(limitAll{})
	alice := f.connect(t, "a1", aliceID)

	resp := alice.call(t, "message", map[string]interface{}{"message": "hi", "receiverId": bobID})
	if resp.Success || resp.Error != "Rate limited" {
		t.Errorf("expected Rate limited, got %+v", resp)
	}
	page, _ := f.store.Conversation(context.Background(), aliceID, bobID, nil, 10)
	if len(page) != 0 {
		t.Errorf("expected nothing persisted, got %v", page)
	}
}

// ---------------------------------------------------------------------------
// Test: isTyping
// ---------------------------------------------------------------------------

func TestIsTyping_BroadcastsEveryChange(t *testing.T) {
	f := newFixture(nil)
	alice := f.connect(t, "a1", aliceID)
	bob := f.connect(t, "b1", bobID)

	if resp := alice.call(t, "isTyping", map[string]interface{}{"typing": true}); !resp.Success || resp.Data != nil {
		t.Fatalf("expected bare success, got %+v", resp)
	}
	bob.call(t, "isTyping", map[string]interface{}{"typing": true})
	alice.call(t, "isTyping", map[string]interface{}{"typing": false})

	calls := f.io.named(EventWhoIsTyping)
	if len(calls) != 3 {
		t.Fatalf("expected 3 broadcasts, got %d", len(calls))
	}
	for _, c := range calls {
		if c.rooms != nil {
			t.Errorf("expected broadcast to everyone, got rooms %v", c.rooms)
		}
	}
	last := calls[2].args[0].([]string)
	if len(last) != 1 || last[0] != bobID {
		t.Errorf("expected only bob typing, got %v", last)
	}
}

func TestIsTyping_RequiresFlag(t *testing.T) {
	f := newFixture(nil)
	alice := f.connect(t, "a1", aliceID)

	resp := alice.call(t, "isTyping", map[string]interface{}{})
	if resp.Success {
		t.Errorf("expected missing typing flag to fail, got %+v", resp)
	}
}

// ---------------------------------------------------------------------------
// Test: post
// ---------------------------------------------------------------------------

func TestPost_BroadcastsToEveryone(t *testing.T) {
	f := newFixture(nil)
	alice := f.connect(t, "a1", aliceID)

	resp := alice.call(t, "post", map[string]interface{}{"text": "hello feed"})
	if !resp.Success {
		t.Fatalf("expected success, got %+v", resp)
	}
	p := resp.Data.(*Post)
	if p.UserID != aliceID || p.Text != "hello feed" {
		t.Errorf("unexpected post %+v", p)
	}

	adds := f.io.named(EventAdd)
	if len(adds) != 1 || adds[0].rooms != nil {
		t.Fatalf("expected one broadcast to everyone, got %+v", adds)
	}
	if got := f.store.Posts(); len(got) != 1 || got[0].ID != p.ID {
		t.Errorf("expected post persisted, got %v", got)
	}
}

// ---------------------------------------------------------------------------
// Test: history
// ---------------------------------------------------------------------------

func TestHistory_PagesBackwards(t *testing.T) {
	f := newFixture(nil)
	clock := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	f.store.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	ctx := context.Background()

	var sent []string
	for i := 0; i < 25; i++ {
		from, to := aliceID, bobID
		if i%2 == 1 {
			from, to = bobID, aliceID
		}
		m, _ := f.store.CreateMessage(ctx, from, to, "m")
		sent = append(sent, m.ID)
	}
	f.store.CreateMessage(ctx, aliceID, carolID, "elsewhere")

	alice := f.connect(t, "a1", aliceID)

	var (
		got    []string
		cursor interface{}
		pages  int
	)
	for {
		input := map[string]interface{}{"pairId": bobID}
		if cursor != nil {
			input["cursor"] = cursor
		}
		resp := alice.call(t, "history", input)
		if !resp.Success {
			t.Fatalf("page %d: %+v", pages, resp)
		}
		page := resp.Data.(*Page)
		pages++

		ids := make([]string, len(page.Items))
		for i, m := range page.Items {
			ids[i] = m.ID
		}
		got = append(ids, got...)

		if page.PrevCursor == nil {
			break
		}
		cursor = map[string]interface{}{"date": page.PrevCursor.Date, "id": page.PrevCursor.ID}
		if pages > 5 {
			t.Fatal("pagination did not terminate")
		}
	}

	if pages != 3 {
		t.Errorf("expected 3 pages, got %d", pages)
	}
	if len(got) != len(sent) {
		t.Fatalf("expected %d messages, got %d", len(sent), len(got))
	}
	for i := range sent {
		if got[i] != sent[i] {
			t.Fatalf("message %d out of order: got %s want %s", i, got[i], sent[i])
		}
	}
}

func TestHistory_TakeBounds(t *testing.T) {
	f := newFixture(nil)
	alice := f.connect(t, "a1", aliceID)

	for _, take := range []int{0, 51} {
		resp := alice.call(t, "history", map[string]interface{}{"pairId": bobID, "take": take})
		if resp.Success {
			t.Errorf("take=%d: expected failure, got %+v", take, resp)
		}
	}
	resp := alice.call(t, "history", map[string]interface{}{"pairId": bobID, "take": 50})
	if !resp.Success || len(resp.Data.(*Page).Items) != 0 {
		t.Errorf("expected empty page, got %+v", resp)
	}
}

// ---------------------------------------------------------------------------
// Test: typing scheduler broadcast
// ---------------------------------------------------------------------------

func TestBroadcastTyping(t *testing.T) {
	f := newFixture(nil)
	if err := f.service.BroadcastTyping(f.io)(context.Background(), nil); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	calls := f.io.named(EventWhoIsTyping)
	if len(calls) != 1 || len(calls[0].args[0].([]string)) != 0 {
		t.Errorf("expected one empty broadcast, got %+v", calls)
	}
}

// ---------------------------------------------------------------------------
// Test: PostgreSQL store (requires DATABASE_URL)
// ---------------------------------------------------------------------------

func TestPostgresStore_Conversation(t *testing.T) {
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx := context.Background()
	store, err := OpenPostgres(ctx, url)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	a, b := "pg-test-"+time.Now().Format("150405.000000"), bobID
	first, err := store.CreateMessage(ctx, a, b, "one")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	second, _ := store.CreateMessage(ctx, b, a, "two")

	page, err := store.Conversation(ctx, a, b, nil, 10)
	if err != nil {
		t.Fatalf("conversation: %v", err)
	}
	if len(page) != 2 || page[0].ID != second.ID || page[1].ID != first.ID {
		t.Fatalf("expected newest first, got %+v", page)
	}

	page, _ = store.Conversation(ctx, a, b, &Cursor{Date: first.CreatedAt, ID: first.ID}, 10)
	if len(page) != 1 || page[0].ID != first.ID {
		t.Errorf("expected cursor to be inclusive, got %+v", page)
	}

	if _, err := store.CreatePost(ctx, a, "feed"); err != nil {
		t.Errorf("create post: %v", err)
	}
}

func TestValidateText(t *testing.T) {
	if err := ValidateText("hello"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateText("\xff\xfe"); err == nil {
		t.Error("expected encoding error")
	}
	if err := ValidateText(strings.Repeat("é", MaxTextChars+1)); err == nil {
		t.Error("expected too long error")
	}
}
