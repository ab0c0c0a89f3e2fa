package pulse

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/boternity/boternity/internal/bus"
)

// envelope is the wire shape written to a Pulse stream entry. It carries
// enough of bus.Event to reconstruct one on the subscribing side.
type envelope struct {
	Kind      bus.Kind    `json:"kind"`
	Topics    []bus.Topic `json:"topics"`
	Timestamp string      `json:"timestamp"`
	Seq       uint64      `json:"seq"`
	Payload   any         `json:"payload,omitempty"`
}

// Sink publishes bus.Event values onto Pulse streams, one stream per topic
// the event is tagged with. It implements bus.Publisher, so it can stand in
// anywhere a Publisher is accepted — most usefully as a second destination
// alongside the in-process bus.Bus, for the event classes an installation
// wants visible to other processes.
type Sink struct {
	client Client
}

// NewSink constructs a Sink over client.
func NewSink(client Client) *Sink {
	return &Sink{client: client}
}

// Publish writes ev once per topic it carries, under the stream name
// "<topic kind>/<topic value>".
func (s *Sink) Publish(ctx context.Context, ev bus.Event) error {
	env := envelope{
		Kind: ev.Kind, Topics: ev.Topics,
		Timestamp: ev.Timestamp.Format(envTimeFormat), Seq: ev.Seq, Payload: ev.Payload,
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("pulse: marshal envelope: %w", err)
	}
	for _, topic := range ev.Topics {
		stream, err := s.client.Stream(streamName(topic))
		if err != nil {
			return err
		}
		if _, err := stream.Add(ctx, string(ev.Kind), payload); err != nil {
			return err
		}
	}
	return nil
}

func streamName(t bus.Topic) string {
	return string(t.Kind) + "/" + t.Value
}

const envTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"

var _ bus.Publisher = (*Sink)(nil)
