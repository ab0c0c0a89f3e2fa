// Package bus implements the process-wide event fan-out bus: one producer
// publish reaches an arbitrary number of subscribers with best-effort
// delivery and per-subscriber backpressure. Producers are the workflow
// engine, the chat pipeline, and the WASM sandbox host; consumers are the
// HTTP SSE endpoint and the event websocket.
package bus

import (
	"context"
	"sync"
	"time"
)

// TopicKind names the dimension an event is tagged with. Subscribers
// declare the subset of topics they want.
type TopicKind string

const (
	TopicRun     TopicKind = "run_id"
	TopicSession TopicKind = "session_id"
	TopicBot     TopicKind = "bot_id"
	TopicAgent   TopicKind = "agent_id"
	TopicGlobal  TopicKind = "global"
)

// Topic identifies a specific subject within a TopicKind, e.g.
// {Kind: TopicRun, Value: "<run id>"}.
type Topic struct {
	Kind  TopicKind
	Value string
}

// Kind enumerates the event payload kinds listed in spec §4.5.
type Kind string

const (
	KindTextDelta             Kind = "text_delta"
	KindUsage                 Kind = "usage"
	KindSession               Kind = "session"
	KindDone                  Kind = "done"
	KindError                 Kind = "error"
	KindAgentSpawned          Kind = "agent_spawned"
	KindAgentTextDelta        Kind = "agent_text_delta"
	KindAgentCompleted        Kind = "agent_completed"
	KindAgentFailed           Kind = "agent_failed"
	KindAgentCancelled        Kind = "agent_cancelled"
	KindBudgetUpdate          Kind = "budget_update"
	KindBudgetWarning         Kind = "budget_warning"
	KindBudgetExhausted       Kind = "budget_exhausted"
	KindSynthesisStarted      Kind = "synthesis_started"
	KindMemoryCreated         Kind = "memory_created"
	KindWorkflowRunStarted   Kind = "workflow_run_started"
	KindWorkflowStepStarted  Kind = "workflow_step_started"
	KindWorkflowStepCompleted Kind = "workflow_step_completed"
	KindWorkflowStepFailed   Kind = "workflow_step_failed"
	KindWorkflowRunCompleted Kind = "workflow_run_completed"
	KindWorkflowRunFailed    Kind = "workflow_run_failed"
	KindWorkflowRunPaused    Kind = "workflow_run_paused"
	KindProviderFailover     Kind = "provider_failover"
	// KindLag is synthesized by the bus itself, never by a producer, when a
	// subscriber's buffer overflows.
	KindLag Kind = "lag"
)

// Event is one published message. Producers construct these with New;
// sequence numbers are assigned by the bus at publish time.
type Event struct {
	Kind      Kind
	Topics    []Topic
	Timestamp time.Time
	Seq       uint64
	Payload   any
}

// New constructs an Event with the given kind, topics, and payload. Timestamp
// and Seq are filled in by Bus.Publish.
func New(kind Kind, payload any, topics ...Topic) Event {
	return Event{Kind: kind, Topics: topics, Payload: payload}
}

// Publisher is the producer-facing half of the bus.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Subscription is a live subscriber handle. Events arrive on C; Close
// releases the subscriber's buffer and unregisters it from every topic it
// was subscribed to.
type Subscription struct {
	C     <-chan Event
	bus   *Bus
	id    uint64
	topics []Topic
}

// Close unregisters the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s.id, s.topics)
}

// Bus is the in-process, single-broadcast event fan-out implementation.
// It satisfies spec §4.5: per-topic sequence numbers, bounded per-subscriber
// buffers (default 256), oldest-dropped-with-lag-notice overflow behavior,
// and no delivery retries (producers persist state before publishing).
type Bus struct {
	bufferSize int

	mu        sync.RWMutex
	nextSubID uint64
	seqByKey  map[string]*uint64
	subsByKey map[string]map[uint64]*subscriber
}

type subscriber struct {
	ch      chan Event
	lagSent bool
}

// NewBus constructs a Bus with the given per-subscriber buffer size. A size of
// 0 uses the spec default of 256.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Bus{
		bufferSize: bufferSize,
		seqByKey:   make(map[string]*uint64),
		subsByKey:  make(map[string]map[uint64]*subscriber),
	}
}

func topicKey(t Topic) string { return string(t.Kind) + ":" + t.Value }

// Publish delivers ev to every subscriber registered on any of ev.Topics.
// Delivery is best-effort: a full subscriber buffer causes the oldest
// undelivered events to be dropped and a single lag notification to be
// queued for that subscriber ahead of the newest event.
// Publish never blocks on a slow subscriber and never returns a delivery
// error — only ctx cancellation can fail it.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	for _, t := range ev.Topics {
		b.publishTopic(t, ev)
	}
	return nil
}

func (b *Bus) publishTopic(t Topic, ev Event) {
	key := topicKey(t)

	b.mu.Lock()
	seqPtr, ok := b.seqByKey[key]
	if !ok {
		var zero uint64
		seqPtr = &zero
		b.seqByKey[key] = seqPtr
	}
	*seqPtr++
	stamped := ev
	stamped.Seq = *seqPtr
	subs := make([]*subscriber, 0, len(b.subsByKey[key]))
	for _, s := range b.subsByKey[key] {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		b.deliver(s, stamped)
	}
}

func (b *Bus) deliver(s *subscriber, ev Event) {
	select {
	case s.ch <- ev:
		s.lagSent = false
	default:
		// Buffer full: drop the oldest pending event to make room, per
		// spec's "oldest undelivered events are dropped" rule, and queue a
		// single lag notice ahead of ev (never more than one pending at a
		// time). A pending notice that reaches the head is not lost: it is
		// dropped together with the next-oldest event and queued again.
		select {
		case old := <-s.ch:
			if old.Kind == KindLag {
				s.lagSent = false
			}
		default:
		}
		if !s.lagSent {
			s.lagSent = true
			select {
			case <-s.ch:
			default:
			}
			select {
			case s.ch <- Event{Kind: KindLag, Timestamp: ev.Timestamp}:
			default:
			}
		}
		select {
		case s.ch <- ev:
		default:
		}
	}
}

// Subscribe registers interest in the given topics and returns a
// Subscription delivering matching events until Close is called.
func (b *Bus) Subscribe(topics ...Topic) *Subscription {
	b.mu.Lock()
	b.nextSubID++
	id := b.nextSubID
	sub := &subscriber{ch: make(chan Event, b.bufferSize)}
	for _, t := range topics {
		key := topicKey(t)
		if b.subsByKey[key] == nil {
			b.subsByKey[key] = make(map[uint64]*subscriber)
		}
		b.subsByKey[key][id] = sub
	}
	b.mu.Unlock()

	return &Subscription{C: sub.ch, bus: b, id: id, topics: topics}
}

func (b *Bus) unsubscribe(id uint64, topics []Topic) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range topics {
		key := topicKey(t)
		if m, ok := b.subsByKey[key]; ok {
			delete(m, id)
			if len(m) == 0 {
				delete(b.subsByKey, key)
			}
		}
	}
}

// SubscriberCount reports how many distinct subscriptions are registered
// across all topics. Intended for tests and diagnostics only.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	seen := make(map[uint64]struct{})
	for _, m := range b.subsByKey {
		for id := range m {
			seen[id] = struct{}{}
		}
	}
	return len(seen)
}

var _ Publisher = (*Bus)(nil)
