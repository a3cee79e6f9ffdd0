package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/whisper/socket-chat/internal/logging"
	"github.com/whisper/socket-chat/internal/presence"
)

// Middleware attaches an identity to each new connection and keeps the
// presence registry in step with connection lifetimes.
type Middleware struct {
	auth     Authenticator
	presence presence.Registry
	store    *Store // optional
	log      zerolog.Logger
}

// NewMiddleware creates a Middleware. store may be nil.
func NewMiddleware(auth Authenticator, registry presence.Registry, store *Store) *Middleware {
	return &Middleware{
		auth:     auth,
		presence: registry,
		store:    store,
		log:      logging.Component("session"),
	}
}

// Connect runs during the handshake of connection connID, before any event
// is dispatched. It returns the caller's identity, or nil for an anonymous
// caller. An invalid token is treated as anonymous; any other authenticator
// failure refuses the connection.
func (m *Middleware) Connect(ctx context.Context, r *http.Request, connID string) (*Identity, error) {
	var identity *Identity
	if m.auth != nil {
		id, err := m.auth.Authenticate(ctx, r)
		switch {
		case errors.Is(err, ErrInvalidToken):
			m.log.Warn().Err(err).Str("conn", connID).Msg("ignoring invalid session token")
		case err != nil:
			return nil, fmt.Errorf("session: authenticate: %w", err)
		default:
			identity = id
		}
	}

	if identity != nil {
		if err := m.presence.Add(ctx, identity.ID, connID); err != nil {
			return nil, err
		}
	}
	if m.store != nil {
		if err := m.store.Create(ctx, connID, identity); err != nil {
			m.log.Warn().Err(err).Str("conn", connID).Msg("failed to record session")
		}
	}
	return identity, nil
}

// Disconnect undoes Connect. It is called once per connection whatever the
// reason the connection ended.
func (m *Middleware) Disconnect(ctx context.Context, identity *Identity, connID string) {
	if identity != nil {
		if err := m.presence.Remove(ctx, identity.ID, connID); err != nil {
			m.log.Error().Err(err).Str("conn", connID).Str("user", identity.ID).Msg("failed to remove presence")
		}
	}
	if m.store != nil {
		if err := m.store.Delete(ctx, connID); err != nil {
			m.log.Warn().Err(err).Str("conn", connID).Msg("failed to delete session")
		}
	}
}

// Touch refreshes the stored session of a live connection.
func (m *Middleware) Touch(ctx context.Context, connID string) {
	if m.store == nil {
		return
	}
	if err := m.store.Touch(ctx, connID); err != nil {
		m.log.Debug().Err(err).Str("conn", connID).Msg("failed to refresh session")
	}
}
