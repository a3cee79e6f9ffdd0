package chat

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/whisper/socket-chat/internal/event"
	"github.com/whisper/socket-chat/internal/logging"
	"github.com/whisper/socket-chat/internal/presence"
	"github.com/whisper/socket-chat/internal/ratelimit"
	"github.com/whisper/socket-chat/internal/typing"
)

// Server-to-client events.
const (
	EventAdd         = "add"
	EventWhoIsTyping = "whoIsTyping"
)

// BroadcastEvents lists the events the chat broadcasts to clients.
var BroadcastEvents = []string{EventAdd, EventWhoIsTyping}

// HistoryDefaultTake is the page size when history is called without take.
const HistoryDefaultTake = 10

// MessageInput is the input of the message event.
type MessageInput struct {
	Message    string `json:"message" validate:"min=1,chattext"`
	ReceiverID string `json:"receiverId" validate:"required,uuid"`
}

// TypingInput is the input of the isTyping event.
type TypingInput struct {
	Typing *bool `json:"typing" validate:"required"`
}

// PostInput is the input of the post event.
type PostInput struct {
	Text string `json:"text" validate:"min=1,chattext"`
}

// HistoryInput is the input of the history event.
type HistoryInput struct {
	PairID string  `json:"pairId" validate:"required,uuid"`
	Cursor *Cursor `json:"cursor,omitempty"`
	Take   *int    `json:"take,omitempty" validate:"omitempty,min=1,max=50"`
}

// Limiter throttles callers. Check returns ratelimit.ErrLimited for a
// caller over its limit.
type Limiter interface {
	Check(ctx context.Context, identifier string, rule ratelimit.Rule) error
}

// Service implements the chat events on top of its collaborators. The
// message store, presence registry, typing store and limiter are injected
// here once, so handlers reach them through the receiver.
type Service struct {
	store    Store
	presence presence.Registry
	typing   typing.Store
	limiter  Limiter // optional
	now      func() time.Time
	log      zerolog.Logger
}

// NewService creates a Service. limiter may be nil to disable rate limiting.
func NewService(store Store, registry presence.Registry, typingStore typing.Store, limiter Limiter) *Service {
	return &Service{
		store:    store,
		presence: registry,
		typing:   typingStore,
		limiter:  limiter,
		now:      time.Now,
		log:      logging.Component("chat"),
	}
}

// Events returns the client-to-server events of the chat.
func (s *Service) Events() []event.Binder {
	return []event.Binder{
		event.New(event.Definition{Name: "message", AuthRequired: true}, s.sendMessage),
		event.New(event.Definition{Name: "isTyping", AuthRequired: true}, s.setTyping),
		event.New(event.Definition{Name: "post", AuthRequired: true}, s.createPost),
		event.New(event.Definition{Name: "history", AuthRequired: true}, s.history),
	}
}

// sendMessage persists a direct message and delivers it to every connection
// of the sender and of the receiver.
func (s *Service) sendMessage(ctx context.Context, c *event.Context, in MessageInput) (*Message, error) {
	sender := c.Identity().ID
	if err := s.throttle(ctx, sender, ratelimit.RuleMessage); err != nil {
		return nil, err
	}

	m, err := s.store.CreateMessage(ctx, sender, in.ReceiverID, in.Message)
	if err != nil {
		return nil, err
	}

	rooms, err := s.rooms(ctx, c.Conn.ID(), sender, in.ReceiverID)
	if err != nil {
		return nil, err
	}
	if err := c.IO.EmitTo(ctx, rooms, EventAdd, m); err != nil {
		s.log.Warn().Err(err).Str("message", m.ID).Msg("failed to broadcast message")
	}

	s.stopTyping(ctx, c.IO, sender)
	return m, nil
}

// setTyping records or clears the caller's typing state and broadcasts the
// new list of typing users.
func (s *Service) setTyping(ctx context.Context, c *event.Context, in TypingInput) (event.None, error) {
	user := c.Identity().ID
	var err error
	if *in.Typing {
		err = s.typing.Touch(ctx, user, s.now())
	} else {
		err = s.typing.Remove(ctx, user)
	}
	if err != nil {
		return event.None{}, err
	}
	return event.None{}, s.broadcastTyping(ctx, c.IO)
}

// createPost persists a feed post and broadcasts it to every connection.
func (s *Service) createPost(ctx context.Context, c *event.Context, in PostInput) (*Post, error) {
	user := c.Identity().ID
	if err := s.throttle(ctx, user, ratelimit.RulePost); err != nil {
		return nil, err
	}

	p, err := s.store.CreatePost(ctx, user, in.Text)
	if err != nil {
		return nil, err
	}
	if err := c.IO.Emit(ctx, EventAdd, p); err != nil {
		s.log.Warn().Err(err).Str("post", p.ID).Msg("failed to broadcast post")
	}

	s.stopTyping(ctx, c.IO, user)
	return p, nil
}

// history returns one page of the conversation between the caller and the
// pair, oldest first.
func (s *Service) history(ctx context.Context, c *event.Context, in HistoryInput) (*Page, error) {
	take := HistoryDefaultTake
	if in.Take != nil {
		take = *in.Take
	}

	items, err := s.store.Conversation(ctx, c.Identity().ID, in.PairID, in.Cursor, take+1)
	if err != nil {
		return nil, err
	}

	// Oldest first.
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}

	page := &Page{Items: items}
	if len(items) > take {
		prev := items[0]
		page.Items = items[1:]
		page.PrevCursor = &Cursor{Date: prev.CreatedAt, ID: prev.ID}
	}
	if page.Items == nil {
		page.Items = []Message{}
	}
	return page, nil
}

// BroadcastTyping returns the broadcast used by the typing scheduler.
func (s *Service) BroadcastTyping(io event.Emitter) typing.BroadcastFunc {
	return func(ctx context.Context, users []string) error {
		return io.Emit(ctx, EventWhoIsTyping, nonNil(users))
	}
}

func (s *Service) broadcastTyping(ctx context.Context, io event.Emitter) error {
	users, err := s.typing.List(ctx)
	if err != nil {
		return err
	}
	return io.Emit(ctx, EventWhoIsTyping, nonNil(users))
}

// stopTyping clears the user's typing state after they sent something.
func (s *Service) stopTyping(ctx context.Context, io event.Emitter, user string) {
	if err := s.typing.Remove(ctx, user); err != nil {
		s.log.Warn().Err(err).Str("user", user).Msg("failed to clear typing state")
		return
	}
	if err := s.broadcastTyping(ctx, io); err != nil {
		s.log.Warn().Err(err).Msg("failed to broadcast typing users")
	}
}

func (s *Service) throttle(ctx context.Context, user string, rule ratelimit.Rule) error {
	if s.limiter == nil {
		return nil
	}
	return s.limiter.Check(ctx, user, rule)
}

// rooms returns the connection ids a direct message is delivered to: the
// sending connection and every connection of both participants.
func (s *Service) rooms(ctx context.Context, connID string, users ...string) ([]string, error) {
	seen := map[string]bool{connID: true}
	rooms := []string{connID}
	for _, u := range users {
		conns, err := s.presence.List(ctx, u)
		if err != nil {
			return nil, fmt.Errorf("chat: list connections of %s: %w", u, err)
		}
		for _, id := range conns {
			if !seen[id] {
				seen[id] = true
				rooms = append(rooms, id)
			}
		}
	}
	return rooms, nil
}

func nonNil(users []string) []string {
	if users == nil {
		return []string{}
	}
	return users
}
