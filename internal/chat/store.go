package chat

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store persists chat records.
type Store interface {
	CreateMessage(ctx context.Context, senderID, receiverID, text string) (*Message, error)
	CreatePost(ctx context.Context, userID, text string) (*Post, error)
	// Conversation returns up to limit messages exchanged between a and b,
	// newest first. With a cursor, it starts at the cursor message
	// (inclusive) and walks back in time.
	Conversation(ctx context.Context, a, b string, cursor *Cursor, limit int) ([]Message, error)
	Close() error
}

// MemoryStore keeps records in process memory. It backs single-process
// deployments without a database, and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	messages []Message
	posts    []Post
	now      func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now}
}

func (s *MemoryStore) CreateMessage(_ context.Context, senderID, receiverID, text string) (*Message, error) {
	m := Message{
		ID:         uuid.NewString(),
		Message:    text,
		SenderID:   senderID,
		ReceiverID: receiverID,
		CreatedAt:  s.now().UTC().Truncate(time.Millisecond),
	}
	s.mu.Lock()
	s.messages = append(s.messages, m)
	s.mu.Unlock()
	return &m, nil
}

func (s *MemoryStore) CreatePost(_ context.Context, userID, text string) (*Post, error) {
	p := Post{
		ID:        uuid.NewString(),
		Text:      text,
		UserID:    userID,
		CreatedAt: s.now().UTC().Truncate(time.Millisecond),
	}
	s.mu.Lock()
	s.posts = append(s.posts, p)
	s.mu.Unlock()
	return &p, nil
}

func (s *MemoryStore) Conversation(_ context.Context, a, b string, cursor *Cursor, limit int) ([]Message, error) {
	s.mu.RLock()
	var page []Message
	for _, m := range s.messages {
		between := (m.SenderID == a && m.ReceiverID == b) || (m.SenderID == b && m.ReceiverID == a)
		if !between || (cursor != nil && cursor.precedes(m)) {
			continue
		}
		page = append(page, m)
	}
	s.mu.RUnlock()

	sort.Slice(page, func(i, j int) bool {
		if page[i].CreatedAt.Equal(page[j].CreatedAt) {
			return page[i].ID > page[j].ID
		}
		return page[i].CreatedAt.After(page[j].CreatedAt)
	})
	if len(page) > limit {
		page = page[:limit]
	}
	return page, nil
}

// Posts returns the feed, oldest first.
func (s *MemoryStore) Posts() []Post {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Post(nil), s.posts...)
}

func (s *MemoryStore) Close() error { return nil }
