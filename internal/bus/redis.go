package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/socket-chat/internal/logging"
	"github.com/whisper/socket-chat/internal/metrics"
	"github.com/whisper/socket-chat/internal/superjson"
)

// DefaultPrefix namespaces bus channels on a shared broker.
const DefaultPrefix = "socket-chat:"

// RedisBus publishes through Redis PUBLISH and receives through a single
// PSUBSCRIBE on "<prefix>*". Publishing and subscribing use separate
// connections because a subscribed Redis connection cannot publish.
type RedisBus struct {
	*emitter
	pub    *redis.Client
	sub    *redis.Client
	ps     *redis.PubSub
	prefix string

	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewRedisBus opens both connections, subscribes to the prefix pattern and
// starts receiving. Both connections are verified before it returns.
func NewRedisBus(ctx context.Context, opts *redis.Options, prefix string) (*RedisBus, error) {
	pub := redis.NewClient(opts)
	sub := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for _, c := range []*redis.Client{pub, sub} {
		if err := c.Ping(pingCtx).Err(); err != nil {
			pub.Close()
			sub.Close()
			return nil, fmt.Errorf("bus: redis connection failed: %w", err)
		}
	}

	ps := sub.PSubscribe(ctx, prefix+"*")
	// Wait for the subscription confirmation so that nothing published
	// after this constructor returns is missed.
	if _, err := ps.Receive(pingCtx); err != nil {
		ps.Close()
		pub.Close()
		sub.Close()
		return nil, fmt.Errorf("bus: psubscribe %s*: %w", prefix, err)
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	b := &RedisBus{
		emitter: newEmitter("redis", logging.Component("bus")),
		pub:     pub,
		sub:     sub,
		ps:      ps,
		prefix:  prefix,
		cancel:  runCancel,
	}
	b.wg.Add(1)
	go b.receive(runCtx)
	return b, nil
}

// Publish encodes args with superjson and publishes them on prefix+channel.
// A broker error is returned and also raised on the bus.
func (b *RedisBus) Publish(ctx context.Context, channel string, args ...interface{}) error {
	if b.closed.Load() {
		return ErrClosed
	}
	payload, err := encodeArgs(args)
	if err != nil {
		return err
	}
	if err := b.pub.Publish(ctx, b.prefix+channel, payload).Err(); err != nil {
		err = fmt.Errorf("bus: publish %s: %w", channel, err)
		b.raise(err)
		return err
	}
	metrics.BusMessagesTotal.WithLabelValues(b.driver, "published").Inc()
	return nil
}

func (b *RedisBus) receive(ctx context.Context) {
	defer b.wg.Done()
	for {
		msg, err := b.ps.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return
			}
			// go-redis reconnects the pubsub on the next Receive.
			b.raise(fmt.Errorf("bus: receive: %w", err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		m, ok := msg.(*redis.Message)
		if !ok {
			continue
		}
		channel := strings.TrimPrefix(m.Channel, b.prefix)
		args, err := decodeArgs([]byte(m.Payload))
		if err != nil {
			b.raise(fmt.Errorf("bus: decode %s: %w", channel, err))
			continue
		}
		b.deliver(channel, args)
	}
}

// Close stops receiving and closes both connections.
func (b *RedisBus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.cancel()
	err := b.ps.Close()
	b.wg.Wait()
	if e := b.sub.Close(); err == nil {
		err = e
	}
	if e := b.pub.Close(); err == nil {
		err = e
	}
	return err
}

func encodeArgs(args []interface{}) ([]byte, error) {
	if args == nil {
		args = []interface{}{}
	}
	data, err := superjson.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("bus: encode: %w", err)
	}
	return data, nil
}

func decodeArgs(data []byte) ([]interface{}, error) {
	v, err := superjson.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	args, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("payload is %T, not an argument list", v)
	}
	return args, nil
}
