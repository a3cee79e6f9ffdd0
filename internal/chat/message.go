// Package chat implements the chat domain served over the socket: direct
// messages between two users, the public post feed, typing signals and
// message history. Records are persisted through a Store; live updates are
// broadcast through the event emitter.
package chat

import "time"

// Message is a direct message between two users.
type Message struct {
	ID         string    `json:"id"`
	Message    string    `json:"message"`
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Post is an entry of the public feed.
type Post struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	UserID    string    `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
}

// Cursor identifies a message in a conversation. Messages are ordered by
// (CreatedAt, ID).
type Cursor struct {
	Date time.Time `json:"date" validate:"required"`
	ID   string    `json:"id" validate:"required,uuid"`
}

// Page is one page of conversation history, oldest message first.
// PrevCursor is set when older messages exist and is passed back to fetch
// them.
type Page struct {
	Items      []Message `json:"items"`
	PrevCursor *Cursor   `json:"prevCursor,omitempty"`
}

// precedes reports whether c sorts before m.
func (c Cursor) precedes(m Message) bool {
	if m.CreatedAt.Equal(c.Date) {
		return m.ID > c.ID
	}
	return m.CreatedAt.After(c.Date)
}
