package chat

import (
	"context"
	"sync"
	"time"

	"github.com/boternity/boternity/internal/clock"
	"github.com/boternity/boternity/internal/ids"
	"github.com/boternity/boternity/internal/storage"
	"github.com/boternity/boternity/internal/telemetry"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultBatchSize    = 10
	extractionBaseDelay = 30 * time.Second
	extractionMaxDelay  = 30 * time.Minute
)

// MemoryWorkerOption configures optional settings for a MemoryWorker.
type MemoryWorkerOption func(*memoryWorkerOptions)

type memoryWorkerOptions struct {
	pollInterval time.Duration
	batchSize    int
	logger       telemetry.Logger
	clock        clock.Clock
}

// WithPollInterval overrides how often the worker checks for due extraction
// jobs. Defaults to defaultPollInterval.
func WithPollInterval(d time.Duration) MemoryWorkerOption {
	return func(o *memoryWorkerOptions) { o.pollInterval = d }
}

// WithBatchSize overrides how many due jobs are popped per poll. Defaults
// to defaultBatchSize.
func WithBatchSize(n int) MemoryWorkerOption {
	return func(o *memoryWorkerOptions) { o.batchSize = n }
}

// WithWorkerLogger overrides the worker's logger.
func WithWorkerLogger(l telemetry.Logger) MemoryWorkerOption {
	return func(o *memoryWorkerOptions) { o.logger = l }
}

// WithWorkerClock overrides the worker's clock, for deterministic tests.
func WithWorkerClock(c clock.Clock) MemoryWorkerOption {
	return func(o *memoryWorkerOptions) { o.clock = c }
}

// MemoryWorker is the background worker from spec.md §4.3's "Memory
// extraction" section: it pops due extraction jobs, re-reads the session's
// messages from the job's cursor, extracts candidates, and either persists
// them and marks the job done, or reschedules it with exponential backoff.
type MemoryWorker struct {
	sessions  storage.SessionRepository
	extractor Extractor
	ids       ids.Gen
	logger    telemetry.Logger
	clock     clock.Clock

	pollInterval time.Duration
	batchSize    int

	closeOnce sync.Once
	closeCh   chan struct{}
	doneCh    chan struct{}
}

// NewMemoryWorker constructs a MemoryWorker. It panics if sessions or
// extractor is nil.
func NewMemoryWorker(sessions storage.SessionRepository, extractor Extractor, gen ids.Gen, opts ...MemoryWorkerOption) *MemoryWorker {
	if sessions == nil {
		panic("chat: sessions repository is required")
	}
	if extractor == nil {
		panic("chat: extractor is required")
	}
	o := &memoryWorkerOptions{pollInterval: defaultPollInterval, batchSize: defaultBatchSize}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = telemetry.NoopLogger{}
	}
	if o.clock == nil {
		o.clock = clock.System()
	}
	if gen == nil {
		gen = ids.System()
	}
	return &MemoryWorker{
		sessions: sessions, extractor: extractor, ids: gen,
		logger: o.logger, clock: o.clock,
		pollInterval: o.pollInterval, batchSize: o.batchSize,
		closeCh: make(chan struct{}), doneCh: make(chan struct{}),
	}
}

// Start runs the poll loop until ctx is cancelled or Close is called.
func (w *MemoryWorker) Start(ctx context.Context) {
	go w.loop(ctx)
}

func (w *MemoryWorker) loop(ctx context.Context) {
	defer close(w.doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.closeCh:
			return
		case <-w.clock.After(w.pollInterval):
			w.pollOnce(ctx)
		}
	}
}

// Close stops the poll loop and waits for the in-flight poll, if any, to
// finish. Safe to call more than once.
func (w *MemoryWorker) Close() {
	w.closeOnce.Do(func() {
		close(w.closeCh)
	})
	<-w.doneCh
}

// pollOnce pops due jobs and processes each independently; one job's
// failure never blocks another's.
func (w *MemoryWorker) pollOnce(ctx context.Context) {
	jobs, err := w.sessions.ListDueExtractionJobs(ctx, w.clock.Now().UTC(), w.batchSize)
	if err != nil {
		w.logger.Error(ctx, "failed to list due extraction jobs", "error", err.Error())
		return
	}
	for _, job := range jobs {
		w.processJob(ctx, job)
	}
}

func (w *MemoryWorker) processJob(ctx context.Context, job storage.MemoryExtractionJob) {
	sess, err := w.sessions.GetSession(ctx, job.SessionID)
	if err != nil {
		w.fail(ctx, job, err)
		return
	}

	messages, err := w.sessions.ListMessages(ctx, job.SessionID, 0, -1)
	if err != nil {
		w.fail(ctx, job, err)
		return
	}

	fromIdx := 0
	for i, m := range messages {
		if m.ID == job.FromMessageID {
			fromIdx = i
			break
		}
	}
	newMessages := messages[fromIdx:]

	candidates, err := w.extractor.Extract(ctx, newMessages)
	if err != nil {
		w.fail(ctx, job, err)
		return
	}

	for _, c := range candidates {
		mem := storage.SessionMemory{
			ID: w.ids.New(), BotID: sess.BotID, SessionID: job.SessionID, Fact: c.Fact,
			Category: c.Category, Importance: c.Importance,
			SourceMessageID: c.SourceMessageID, CreatedAt: w.clock.Now().UTC(),
		}
		if err := w.sessions.CreateMemoryAndSupersede(ctx, mem, c.SupersedesMemoryID); err != nil {
			w.fail(ctx, job, err)
			return
		}
	}

	if err := w.sessions.MarkExtractionJobDone(ctx, job.ID); err != nil {
		w.logger.Error(ctx, "failed to mark extraction job done", "job_id", string(job.ID), "error", err.Error())
	}
}

func (w *MemoryWorker) fail(ctx context.Context, job storage.MemoryExtractionJob, cause error) {
	attempt := job.AttemptCount + 1
	delay := backoff(attempt)
	next := w.clock.Now().UTC().Add(delay)
	if err := w.sessions.RescheduleExtractionJob(ctx, job.ID, next, attempt, cause.Error()); err != nil {
		w.logger.Error(ctx, "failed to reschedule extraction job", "job_id", string(job.ID), "error", err.Error())
	}
	w.logger.Warn(ctx, "memory extraction failed, rescheduling",
		"job_id", string(job.ID), "attempt", attempt, "next_attempt_at", next, "error", cause.Error())
}

// backoff doubles extractionBaseDelay per attempt, capped at
// extractionMaxDelay — the same doubling shape as the provider circuit
// breaker's cooldown.
func backoff(attempt int) time.Duration {
	d := extractionBaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= extractionMaxDelay {
			return extractionMaxDelay
		}
	}
	return d
}
