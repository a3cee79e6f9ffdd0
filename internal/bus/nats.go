package bus

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/nats-io/nats.go"

	"github.com/whisper/socket-chat/internal/logging"
	"github.com/whisper/socket-chat/internal/messaging"
	"github.com/whisper/socket-chat/internal/metrics"
)

// NATSBus publishes on "<prefix>.<channel>" and receives through a single
// "<prefix>.>" wildcard subscription.
type NATSBus struct {
	*emitter
	client *messaging.NATSClient
	prefix string
	closed atomic.Bool
}

// NewNATSBus connects to NATS and subscribes to the prefix wildcard. The
// prefix is reduced to a valid subject token, so "socket-chat:" becomes
// "socket-chat".
func NewNATSBus(config messaging.NATSConfig, prefix string) (*NATSBus, error) {
	b := &NATSBus{
		emitter: newEmitter("nats", logging.Component("bus")),
		prefix:  subjectPrefix(prefix),
	}

	config.OnError = b.raise
	client, err := messaging.NewNATSClient(config)
	if err != nil {
		return nil, fmt.Errorf("bus: %w", err)
	}
	b.client = client

	if err := client.Subscribe(b.prefix+".>", b.receive); err != nil {
		client.Close()
		return nil, fmt.Errorf("bus: %w", err)
	}
	return b, nil
}

func subjectPrefix(prefix string) string {
	p := strings.TrimRight(prefix, ":.")
	if p == "" {
		p = strings.TrimRight(DefaultPrefix, ":")
	}
	return p
}

// Publish encodes args with superjson and publishes them.
func (b *NATSBus) Publish(_ context.Context, channel string, args ...interface{}) error {
	if b.closed.Load() {
		return ErrClosed
	}
	payload, err := encodeArgs(args)
	if err != nil {
		return err
	}
	if err := b.client.Publish(b.prefix+"."+channel, payload); err != nil {
		err = fmt.Errorf("bus: publish %s: %w", channel, err)
		b.raise(err)
		return err
	}
	metrics.BusMessagesTotal.WithLabelValues(b.driver, "published").Inc()
	return nil
}

func (b *NATSBus) receive(msg *nats.Msg) {
	channel := strings.TrimPrefix(msg.Subject, b.prefix+".")
	args, err := decodeArgs(msg.Data)
	if err != nil {
		b.raise(fmt.Errorf("bus: decode %s: %w", channel, err))
		return
	}
	b.deliver(channel, args)
}

// Flush waits until the server has processed everything published so far.
func (b *NATSBus) Flush() error {
	return b.client.Flush()
}

// Close drains the subscription and the connection.
func (b *NATSBus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.client.Close()
	return nil
}
