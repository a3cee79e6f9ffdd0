package bus

import (
	"context"
	"sync/atomic"

	"github.com/whisper/socket-chat/internal/logging"
	"github.com/whisper/socket-chat/internal/metrics"
)

// LocalBus delivers in-process only. It is valid for single-instance
// deployments; every process running a LocalBus is isolated.
type LocalBus struct {
	*emitter
	closed atomic.Bool
}

// NewLocalBus returns a ready LocalBus.
func NewLocalBus() *LocalBus {
	return &LocalBus{emitter: newEmitter("local", logging.Component("bus"))}
}

// Publish delivers args to the local subscribers before returning.
func (b *LocalBus) Publish(_ context.Context, channel string, args ...interface{}) error {
	if b.closed.Load() {
		return ErrClosed
	}
	metrics.BusMessagesTotal.WithLabelValues(b.driver, "published").Inc()
	b.deliver(channel, args)
	return nil
}

func (b *LocalBus) Close() error {
	b.closed.Store(true)
	return nil
}
