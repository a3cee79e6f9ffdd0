// Package bus is the fan-out bus: a named event with an argument list is
// delivered to every subscriber on every process. LocalBus serves a single
// process; RedisBus and NATSBus go through a shared broker, so a publish on
// one process reaches subscribers on all of them, the publisher included.
//
// Payloads crossing a broker are encoded with superjson, so dates and other
// rich values compare equal after the trip.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/whisper/socket-chat/internal/metrics"
)

// ErrClosed is returned when publishing on a closed bus.
var ErrClosed = errors.New("bus: closed")

// Listener receives the arguments of one published event.
type Listener func(args []interface{})

// ErrorListener receives broker and decode errors.
type ErrorListener func(err error)

// Subscription is a handle returned by Subscribe.
type Subscription struct {
	channel string
	fn      Listener
}

// Channel returns the subscribed channel.
func (s *Subscription) Channel() string {
	return s.channel
}

// Bus is the publish/subscribe contract shared by all drivers.
type Bus interface {
	// Publish sends args to every subscriber of channel. There is no
	// delivery confirmation.
	Publish(ctx context.Context, channel string, args ...interface{}) error
	// Subscribe registers fn for channel on this process.
	Subscribe(channel string, fn Listener) *Subscription
	// Unsubscribe removes a subscription. Removing twice is a no-op.
	Unsubscribe(sub *Subscription)
	// OnError registers an error listener. Errors raised while no listener
	// is registered are dropped.
	OnError(fn ErrorListener)
	Close() error
}

// emitter is the per-process listener table every driver dispatches
// through.
type emitter struct {
	driver string
	log    zerolog.Logger

	mu        sync.RWMutex
	listeners map[string][]*Subscription
	errorFns  []ErrorListener
}

func newEmitter(driver string, log zerolog.Logger) *emitter {
	return &emitter{
		driver:    driver,
		log:       log,
		listeners: make(map[string][]*Subscription),
	}
}

func (e *emitter) Subscribe(channel string, fn Listener) *Subscription {
	sub := &Subscription{channel: channel, fn: fn}
	e.mu.Lock()
	e.listeners[channel] = append(e.listeners[channel], sub)
	e.mu.Unlock()
	return sub
}

func (e *emitter) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	subs := e.listeners[sub.channel]
	for i, s := range subs {
		if s == sub {
			e.listeners[sub.channel] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(e.listeners[sub.channel]) == 0 {
		delete(e.listeners, sub.channel)
	}
}

func (e *emitter) OnError(fn ErrorListener) {
	e.mu.Lock()
	e.errorFns = append(e.errorFns, fn)
	e.mu.Unlock()
}

// deliver calls every listener of channel in subscription order. A
// panicking listener is reported as an error and does not stop the others.
func (e *emitter) deliver(channel string, args []interface{}) {
	e.mu.RLock()
	subs := append([]*Subscription(nil), e.listeners[channel]...)
	e.mu.RUnlock()

	for _, sub := range subs {
		e.call(sub, args)
	}
	metrics.BusMessagesTotal.WithLabelValues(e.driver, "delivered").Inc()
}

func (e *emitter) call(sub *Subscription, args []interface{}) {
	defer func() {
		if r := recover(); r != nil {
			e.raise(fmt.Errorf("bus: listener for %q panicked: %v", sub.channel, r))
		}
	}()
	sub.fn(args)
}

// raise hands err to the error listeners, or drops it when there are none.
func (e *emitter) raise(err error) {
	metrics.BusErrors.WithLabelValues(e.driver).Inc()

	e.mu.RLock()
	fns := append([]ErrorListener(nil), e.errorFns...)
	e.mu.RUnlock()

	if len(fns) == 0 {
		e.log.Debug().Err(err).Msg("bus error dropped, no error listener")
		return
	}
	for _, fn := range fns {
		fn(err)
	}
}
