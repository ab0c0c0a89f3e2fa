package pulse

import (
	"context"
	"encoding/json"
	"time"

	"github.com/boternity/boternity/internal/bus"
	"github.com/boternity/boternity/internal/telemetry"
)

const defaultGroup = "boternity"

// Subscriber consumes a Pulse stream and decodes entries back into
// bus.Event, for a second process to bridge remote events into its own
// local bus.Bus (e.g. forwarding onto every /ws/events connection it
// holds). Nothing in this binary currently runs a Subscriber — a
// single-process deployment has no need for it — but it completes the pair
// SPEC_FULL.md's event-bus section names, and any future multi-node
// deployment wires it the same way goa-ai's own runtime bridges a Pulse
// sink into its in-process stream fan-out.
type Subscriber struct {
	client Client
	group  string
	logger telemetry.Logger
}

// NewSubscriber constructs a Subscriber over client. group names the Pulse
// consumer group; empty defaults to "boternity".
func NewSubscriber(client Client, group string, logger telemetry.Logger) *Subscriber {
	if group == "" {
		group = defaultGroup
	}
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	return &Subscriber{client: client, group: group, logger: logger}
}

// Subscribe opens a consumer-group sink on topic's stream and returns a
// channel of decoded events plus a cancel func that stops consumption and
// closes the sink.
func (s *Subscriber) Subscribe(ctx context.Context, topic bus.Topic) (<-chan bus.Event, context.CancelFunc, error) {
	stream, err := s.client.Stream(streamName(topic))
	if err != nil {
		return nil, nil, err
	}
	sink, err := stream.NewSink(ctx, s.group)
	if err != nil {
		return nil, nil, err
	}

	out := make(chan bus.Event, 64)
	runCtx, cancel := context.WithCancel(ctx)
	go s.consume(runCtx, sink, out)
	return out, func() {
		cancel()
		sink.Close(context.Background())
	}, nil
}

func (s *Subscriber) consume(ctx context.Context, sink Sink, out chan<- bus.Event) {
	defer close(out)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-ch:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal(entry.Payload, &env); err != nil {
				continue
			}
			ts, err := time.Parse(envTimeFormat, env.Timestamp)
			if err != nil {
				ts = time.Now().UTC()
			}
			select {
			case out <- bus.Event{Kind: env.Kind, Topics: env.Topics, Timestamp: ts, Seq: env.Seq, Payload: env.Payload}:
			case <-ctx.Done():
				return
			}
			if err := sink.Ack(ctx, entry); err != nil {
				s.logger.Warn(ctx, "pulse ack failed", "error", err)
			}
		}
	}
}
