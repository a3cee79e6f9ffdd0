// Package session resolves who is behind a connection. The Middleware runs
// once per connection handshake: it asks an Authenticator for the caller's
// identity, records the connection in the presence registry and hands the
// identity to the transport, which keeps it read-only for the connection's
// lifetime.
package session

// Identity is an authenticated user as seen by event handlers.
type Identity struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Image string `json:"image,omitempty"`
}
