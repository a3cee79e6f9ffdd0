package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/socket-chat/internal/presence"
)

const testSecret = "test-secret-with-enough-entropy-123456"

func newTestAuth(t *testing.T) *JWTAuthenticator {
	t.Helper()
	a, err := NewJWTAuthenticator(testSecret, "session-token")
	if err != nil {
		t.Fatalf("new authenticator: %v", err)
	}
	return a
}

func requestWithCookie(token string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/socket.io/?EIO=4&transport=websocket", nil)
	r.AddCookie(&http.Cookie{Name: "session-token", Value: token})
	return r
}

// ---------------------------------------------------------------------------
// Test: JWT authenticator
// ---------------------------------------------------------------------------

func TestJWTAuthenticator_Cookie(t *testing.T) {
	a := newTestAuth(t)
	token, err := a.Issue(Identity{ID: "alice", Name: "Alice"}, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	id, err := a.Authenticate(context.Background(), requestWithCookie(token))
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if id == nil || id.ID != "alice" || id.Name != "Alice" {
		t.Errorf("unexpected identity %+v", id)
	}
}

func TestJWTAuthenticator_BearerHeader(t *testing.T) {
	a := newTestAuth(t)
	token, _ := a.Issue(Identity{ID: "bob"}, time.Hour)

	r := httptest.NewRequest(http.MethodGet, "/socket.io/", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	id, err := a.Authenticate(context.Background(), r)
	if err != nil || id == nil || id.ID != "bob" {
		t.Errorf("expected bob, got %+v (%v)", id, err)
	}
}

func TestJWTAuthenticator_Anonymous(t *testing.T) {
	a := newTestAuth(t)
	id, err := a.Authenticate(context.Background(), httptest.NewRequest(http.MethodGet, "/", nil))
	if err != nil || id != nil {
		t.Errorf("expected anonymous, got %+v (%v)", id, err)
	}
}

func TestJWTAuthenticator_Rejects(t *testing.T) {
	a := newTestAuth(t)
	other, _ := NewJWTAuthenticator("another-secret-entirely-0987654321", "session-token")
	foreign, _ := other.Issue(Identity{ID: "mallory"}, time.Hour)
	expired, _ := a.Issue(Identity{ID: "alice"}, -time.Minute)
	noSubject, _ := a.Issue(Identity{}, time.Hour)

	cases := map[string]string{
		"garbage":      "not-a-jwt",
		"wrong secret": foreign,
		"expired":      expired,
		"no subject":   noSubject,
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := a.Authenticate(context.Background(), requestWithCookie(token))
			if !errors.Is(err, ErrInvalidToken) {
				t.Errorf("expected ErrInvalidToken, got %v", err)
			}
		})
	}
}

func TestNewJWTAuthenticator_EmptySecret(t *testing.T) {
	if _, err := NewJWTAuthenticator("", "c"); err == nil {
		t.Error("expected error for empty secret")
	}
}

// ---------------------------------------------------------------------------
// Test: middleware and presence lifecycle
// ---------------------------------------------------------------------------

func TestMiddleware_ConnectDisconnect(t *testing.T) {
	a := newTestAuth(t)
	reg := presence.NewLocalRegistry()
	m := NewMiddleware(a, reg, nil)
	ctx := context.Background()

	token, _ := a.Issue(Identity{ID: "alice"}, time.Hour)
	id1, err := m.Connect(ctx, requestWithCookie(token), "c1")
	if err != nil || id1 == nil {
		t.Fatalf("connect c1: %+v %v", id1, err)
	}
	if _, err := m.Connect(ctx, requestWithCookie(token), "c2"); err != nil {
		t.Fatalf("connect c2: %v", err)
	}

	conns, _ := reg.List(ctx, "alice")
	if len(conns) != 2 {
		t.Fatalf("expected 2 connections for alice, got %v", conns)
	}

	m.Disconnect(ctx, id1, "c1")
	m.Disconnect(ctx, id1, "c1")
	conns, _ = reg.List(ctx, "alice")
	if len(conns) != 1 || conns[0] != "c2" {
		t.Errorf("expected [c2], got %v", conns)
	}
}

func TestMiddleware_InvalidTokenIsAnonymous(t *testing.T) {
	reg := presence.NewLocalRegistry()
	m := NewMiddleware(newTestAuth(t), reg, nil)

	id, err := m.Connect(context.Background(), requestWithCookie("forged"), "c1")
	if err != nil || id != nil {
		t.Errorf("expected anonymous connection, got %+v (%v)", id, err)
	}
	m.Disconnect(context.Background(), nil, "c1")
}

func TestMiddleware_AuthenticatorFailureRefuses(t *testing.T) {
	down := AuthenticatorFunc(func(context.Context, *http.Request) (*Identity, error) {
		return nil, errors.New("auth backend down")
	})
	m := NewMiddleware(down, presence.NewLocalRegistry(), nil)
	if _, err := m.Connect(context.Background(), httptest.NewRequest(http.MethodGet, "/", nil), "c1"); err == nil {
		t.Error("expected connection to be refused")
	}
}

// ---------------------------------------------------------------------------
// Test: Redis session records (requires Redis on localhost:6379)
// ---------------------------------------------------------------------------

func TestStore_CreateGetDelete(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	defer client.Close()

	store := NewStore(client, "node-1")
	connID := "test_conn_" + time.Now().Format("150405.000000")
	t.Cleanup(func() { client.Del(ctx, SessionPrefix+connID) })

	if err := store.Create(ctx, connID, &Identity{ID: "alice"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	rec, err := store.Get(ctx, connID)
	if err != nil || rec == nil {
		t.Fatalf("get: %+v %v", rec, err)
	}
	if rec.UserID != "alice" || rec.Server != "node-1" {
		t.Errorf("unexpected record %+v", rec)
	}
	if err := store.Touch(ctx, connID); err != nil {
		t.Fatalf("touch: %v", err)
	}

	if err := store.Delete(ctx, connID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if rec, _ := store.Get(ctx, connID); rec != nil {
		t.Errorf("expected session gone, got %+v", rec)
	}

	if err := store.Touch(ctx, connID); err != nil {
		t.Fatalf("touch after delete: %v", err)
	}
	if n := client.Exists(ctx, SessionPrefix+connID).Val(); n != 0 {
		t.Errorf("touch after delete recreated the session key")
	}
}
