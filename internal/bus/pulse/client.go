// Package pulse adapts bus.Event onto goa.design/pulse streams backed by
// Redis, for installations that want a shared subscriber across multiple
// boternityd processes instead of the default in-process bus.Bus. It is
// never load-bearing: spec.md §4.5's invariants (topic model, per-subscriber
// buffer, sequence numbering) are fully satisfied by bus.Bus alone, and this
// package is wired as an alternate bus.Publisher behind the same interface,
// grounded on goa-ai/features/stream/pulse's Sink/Subscriber/Client split.
package pulse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"
)

// Client exposes the subset of Pulse's streaming API this package needs:
// opening a named stream and releasing resources at shutdown.
type Client interface {
	Stream(name string, opts ...streamopts.Stream) (Stream, error)
	Close(ctx context.Context) error
}

// Stream publishes entries and opens consumer-group sinks on one Pulse
// stream.
type Stream interface {
	Add(ctx context.Context, event string, payload []byte) (string, error)
	NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error)
}

// Sink is a Pulse consumer group on a stream.
type Sink interface {
	Subscribe() <-chan *streaming.Event
	Ack(context.Context, *streaming.Event) error
	Close(context.Context)
}

// ClientOptions configures New.
type ClientOptions struct {
	// Redis is the connection Pulse streams are stored on. Required.
	Redis *redis.Client
	// StreamMaxLen bounds entries retained per stream. Zero uses Pulse's
	// own default.
	StreamMaxLen int
	// OperationTimeout bounds individual Add calls. Zero means no
	// timeout beyond ctx's own deadline.
	OperationTimeout time.Duration
}

type client struct {
	redis   *redis.Client
	maxLen  int
	timeout time.Duration
}

// New constructs a Client backed by opts.Redis.
func New(opts ClientOptions) (Client, error) {
	if opts.Redis == nil {
		return nil, errors.New("pulse: redis client is required")
	}
	return &client{redis: opts.Redis, maxLen: opts.StreamMaxLen, timeout: opts.OperationTimeout}, nil
}

func (c *client) Stream(name string, opts ...streamopts.Stream) (Stream, error) {
	if name == "" {
		return nil, errors.New("pulse: stream name is required")
	}
	if c.maxLen > 0 {
		opts = append(opts, streamopts.WithStreamMaxLen(c.maxLen))
	}
	str, err := streaming.NewStream(name, c.redis, opts...)
	if err != nil {
		return nil, fmt.Errorf("pulse: open stream %q: %w", name, err)
	}
	return &handle{stream: str, timeout: c.timeout}, nil
}

// Close is a no-op: the caller owns the Redis connection's lifecycle, the
// same stance goa-ai's own Pulse client wrapper takes.
func (c *client) Close(ctx context.Context) error { return nil }

type handle struct {
	stream  *streaming.Stream
	timeout time.Duration
}

func (h *handle) Add(ctx context.Context, event string, payload []byte) (string, error) {
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	id, err := h.stream.Add(ctx, event, payload)
	if err != nil {
		return "", fmt.Errorf("pulse: add entry: %w", err)
	}
	return id, nil
}

func (h *handle) NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error) {
	sink, err := h.stream.NewSink(ctx, name, opts...)
	if err != nil {
		return nil, fmt.Errorf("pulse: open sink %q: %w", name, err)
	}
	return sinkAdapter{sink}, nil
}

type sinkAdapter struct {
	*streaming.Sink
}

func (s sinkAdapter) Close(ctx context.Context) { s.Sink.Close(ctx) }
