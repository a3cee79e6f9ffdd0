package typing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// recorder captures broadcasts.
type recorder struct {
	mu    sync.Mutex
	calls [][]string
	ch    chan []string
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan []string, 16)}
}

func (r *recorder) broadcast(_ context.Context, users []string) error {
	r.mu.Lock()
	r.calls = append(r.calls, users)
	r.mu.Unlock()
	r.ch <- users
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// newTestRedisStore connects to a local Redis on localhost:6379 and uses a
// throwaway key.
func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	key := "test_typing:" + t.Name()
	client.Del(ctx, key)
	t.Cleanup(func() {
		client.Del(ctx, key)
		client.Close()
	})
	return NewRedisStore(client, key)
}

func stores() map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"redis":  func(t *testing.T) Store { return newTestRedisStore(t) },
	}
}

// ---------------------------------------------------------------------------
// Test: one sweep expires stale entries and broadcasts once
// ---------------------------------------------------------------------------

func TestTick_ExpiresAndBroadcastsOnce(t *testing.T) {
	for name, newStore := range stores() {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			ctx := context.Background()
			timeout := time.Second
			now := time.Now()

			if err := store.Touch(ctx, "u1", now.Add(-2*timeout)); err != nil {
				t.Fatalf("touch u1: %v", err)
			}
			if err := store.Touch(ctx, "u2", now); err != nil {
				t.Fatalf("touch u2: %v", err)
			}

			rec := newRecorder()
			s := NewScheduler(store, SchedulerConfig{Interval: time.Hour, Timeout: timeout}, rec.broadcast)
			s.now = func() time.Time { return now }

			sent, err := s.Tick(ctx)
			if err != nil {
				t.Fatalf("tick: %v", err)
			}
			if !sent || rec.count() != 1 {
				t.Fatalf("expected exactly one broadcast, got %d", rec.count())
			}
			got := rec.calls[0]
			if len(got) != 1 || got[0] != "u2" {
				t.Errorf("expected broadcast [u2], got %v", got)
			}

			users, err := store.List(ctx)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(users) != 1 || users[0] != "u2" {
				t.Errorf("expected u2 to remain, got %v", users)
			}

			// Nothing left to expire: no broadcast.
			sent, err = s.Tick(ctx)
			if err != nil {
				t.Fatalf("second tick: %v", err)
			}
			if sent || rec.count() != 1 {
				t.Errorf("expected no broadcast on a quiet tick, got %d total", rec.count())
			}
		})
	}
}

func TestTick_NoEntriesNoBroadcast(t *testing.T) {
	rec := newRecorder()
	s := NewScheduler(NewMemoryStore(), DefaultSchedulerConfig(), rec.broadcast)
	if sent, err := s.Tick(context.Background()); err != nil || sent {
		t.Errorf("expected quiet tick, got sent=%v err=%v", sent, err)
	}
	if rec.count() != 0 {
		t.Errorf("expected zero broadcasts, got %d", rec.count())
	}
}

func TestTick_BroadcastErrorIsReturned(t *testing.T) {
	store := NewMemoryStore()
	_ = store.Touch(context.Background(), "u1", time.Now().Add(-time.Hour))
	want := errors.New("bus down")
	s := NewScheduler(store, DefaultSchedulerConfig(), func(context.Context, []string) error { return want })
	if _, err := s.Tick(context.Background()); !errors.Is(err, want) {
		t.Errorf("expected broadcast error, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Test: store semantics
// ---------------------------------------------------------------------------

func TestStore_TouchRemoveList(t *testing.T) {
	for name, newStore := range stores() {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			ctx := context.Background()
			base := time.Now()

			_ = store.Touch(ctx, "b", base.Add(time.Millisecond))
			_ = store.Touch(ctx, "a", base)
			_ = store.Touch(ctx, "c", base.Add(2*time.Millisecond))
			if err := store.Remove(ctx, "c"); err != nil {
				t.Fatalf("remove: %v", err)
			}
			if err := store.Remove(ctx, "missing"); err != nil {
				t.Fatalf("removing a missing entry should not fail: %v", err)
			}

			users, err := store.List(ctx)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(users) != 2 || users[0] != "a" || users[1] != "b" {
				t.Errorf("expected [a b], got %v", users)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Test: lifecycle
// ---------------------------------------------------------------------------

func TestScheduler_StopBeforeStart(t *testing.T) {
	s := NewScheduler(NewMemoryStore(), DefaultSchedulerConfig(), newRecorder().broadcast)
	s.Stop()
	s.Stop()
}

func TestScheduler_RunsInBackground(t *testing.T) {
	store := NewMemoryStore()
	_ = store.Touch(context.Background(), "u1", time.Now())
	rec := newRecorder()
	s := NewScheduler(store, SchedulerConfig{Interval: 10 * time.Millisecond, Timeout: 30 * time.Millisecond}, rec.broadcast)

	s.Start(context.Background())
	s.Start(context.Background())
	defer s.Stop()

	select {
	case users := <-rec.ch:
		if len(users) != 0 {
			t.Errorf("expected empty list after u1 expired, got %v", users)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for expiry broadcast")
	}

	s.Stop()
	n := rec.count()
	time.Sleep(50 * time.Millisecond)
	if rec.count() != n {
		t.Error("scheduler kept broadcasting after Stop")
	}
}

// slowStore blocks Expire until released, to exercise the overlap guard.
type slowStore struct {
	*MemoryStore
	mu      sync.Mutex
	calls   int
	release chan struct{}
}

func (s *slowStore) Expire(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	select {
	case <-s.release:
	case <-ctx.Done():
	}
	return 0, nil
}

func TestScheduler_SkipsOverlappingTicks(t *testing.T) {
	store := &slowStore{MemoryStore: NewMemoryStore(), release: make(chan struct{})}
	s := NewScheduler(store, SchedulerConfig{Interval: 5 * time.Millisecond, Timeout: time.Second}, newRecorder().broadcast)
	s.Start(context.Background())

	time.Sleep(60 * time.Millisecond)
	store.mu.Lock()
	calls := store.calls
	store.mu.Unlock()
	if calls != 1 {
		t.Errorf("expected a single in-flight sweep, got %d", calls)
	}

	close(store.release)
	s.Stop()
}
