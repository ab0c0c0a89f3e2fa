package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToMatchingSubscriber(t *testing.T) {
	b := NewBus(0)
	sub := b.Subscribe(Topic{Kind: TopicRun, Value: "run-1"})
	defer sub.Close()

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, New(KindTextDelta, "hello", Topic{Kind: TopicRun, Value: "run-1"})))

	select {
	case ev := <-sub.C:
		require.Equal(t, KindTextDelta, ev.Kind)
		require.Equal(t, "hello", ev.Payload)
		require.Equal(t, uint64(1), ev.Seq)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishSkipsUnrelatedTopics(t *testing.T) {
	b := NewBus(0)
	sub := b.Subscribe(Topic{Kind: TopicRun, Value: "run-1"})
	defer sub.Close()

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, New(KindTextDelta, "x", Topic{Kind: TopicRun, Value: "run-2"})))

	select {
	case ev := <-sub.C:
		t.Fatalf("unexpected delivery: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSequenceNumbersAreMonotonicPerTopic(t *testing.T) {
	b := NewBus(0)
	sub := b.Subscribe(Topic{Kind: TopicRun, Value: "run-1"})
	defer sub.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, b.Publish(ctx, New(KindTextDelta, i, Topic{Kind: TopicRun, Value: "run-1"})))
	}

	for want := uint64(1); want <= 3; want++ {
		ev := <-sub.C
		require.Equal(t, want, ev.Seq)
	}
}

func TestOverflowDropsOldestAndSendsLag(t *testing.T) {
	b := NewBus(2)
	sub := b.Subscribe(Topic{Kind: TopicRun, Value: "run-1"})
	defer sub.Close()

	ctx := context.Background()
	// Fill the buffer, then push three more than it can hold without anyone
	// draining: the bus must make room rather than block.
	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(ctx, New(KindTextDelta, i, Topic{Kind: TopicRun, Value: "run-1"})))
	}

	var kinds []Kind
	drain:
	for {
		select {
		case ev := <-sub.C:
			kinds = append(kinds, ev.Kind)
		default:
			break drain
		}
	}

	require.Contains(t, kinds, Kind(KindLag))
	require.LessOrEqual(t, len(kinds), 3)
}

func TestCloseUnsubscribesFromAllTopics(t *testing.T) {
	b := NewBus(0)
	sub := b.Subscribe(
		Topic{Kind: TopicRun, Value: "run-1"},
		Topic{Kind: TopicSession, Value: "session-1"},
	)
	require.Equal(t, 1, b.SubscriberCount())

	sub.Close()
	require.Equal(t, 0, b.SubscriberCount())

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, New(KindDone, nil, Topic{Kind: TopicRun, Value: "run-1"})))
	select {
	case ev, ok := <-sub.C:
		require.False(t, ok, "channel should not receive after close, got %+v", ev)
	default:
	}
}

func TestSubscribeToMultipleTopicsReceivesFromEither(t *testing.T) {
	b := NewBus(0)
	sub := b.Subscribe(
		Topic{Kind: TopicRun, Value: "run-1"},
		Topic{Kind: TopicGlobal, Value: ""},
	)
	defer sub.Close()

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, New(KindDone, nil, Topic{Kind: TopicRun, Value: "run-1"})))
	require.NoError(t, b.Publish(ctx, New(KindProviderFailover, nil, Topic{Kind: TopicGlobal, Value: ""})))

	first := <-sub.C
	second := <-sub.C
	require.Equal(t, KindDone, first.Kind)
	require.Equal(t, KindProviderFailover, second.Kind)
}

func TestPublishRespectsContextCancellation(t *testing.T) {
	b := NewBus(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.Publish(ctx, New(KindDone, nil, Topic{Kind: TopicGlobal, Value: ""}))
	require.ErrorIs(t, err, context.Canceled)
}
