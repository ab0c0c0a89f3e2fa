package main

import (
	"context"
	"time"

	"github.com/boternity/boternity/internal/bus"
)

// teePublisher publishes to Primary, then mirrors onto Secondary, for the
// optional Pulse-backed cross-process event mirror: Primary is always the
// local in-process bus.Bus every subscriber in this process reads from,
// Secondary is a bus/pulse.Sink when -redis-url configures one. A mirror
// failure must never take down local delivery, which is why Secondary is
// published to, and its error returned, only after Primary succeeds.
type teePublisher struct {
	Primary   bus.Publisher
	Secondary bus.Publisher
}

func (t teePublisher) Publish(ctx context.Context, ev bus.Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if err := t.Primary.Publish(ctx, ev); err != nil {
		return err
	}
	if t.Secondary != nil {
		return t.Secondary.Publish(ctx, ev)
	}
	return nil
}
