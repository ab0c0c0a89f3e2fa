package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/boternity/boternity/internal/clock"
	"github.com/boternity/boternity/internal/ids"
	"github.com/boternity/boternity/internal/storage"
	"github.com/boternity/boternity/internal/storage/memtest"
)

// manualClock is a test-only Clock whose Now() advances only when Advance
// is called, and whose After fires immediately after advancing — enough to
// drive MemoryWorker's poll loop deterministically without real sleeps.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock { return &manualClock{now: time.Unix(0, 0)} }

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *manualClock) Sleep(ctx context.Context, d time.Duration) error {
	c.Advance(d)
	return ctx.Err()
}

func (c *manualClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	c.Advance(d)
	ch <- c.Now()
	return ch
}

var _ clock.Clock = (*manualClock)(nil)

type fakeExtractor struct {
	candidates []Candidate
	err        error
	calls      int
}

func (f *fakeExtractor) Extract(ctx context.Context, messages []storage.ChatMessage) ([]Candidate, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.candidates, nil
}

func TestMemoryWorkerExtractsAndMarksJobDone(t *testing.T) {
	ctx := context.Background()
	store := memtest.New()

	b := storage.Bot{ID: ids.System().New(), Status: storage.BotStatusActive}
	require.NoError(t, store.CreateBot(ctx, b))
	sess := storage.ChatSession{ID: ids.System().New(), BotID: b.ID, Status: storage.SessionStatusActive}
	require.NoError(t, store.CreateSession(ctx, sess))
	msg := storage.ChatMessage{ID: ids.System().New(), SessionID: sess.ID, Role: storage.RoleUser, Content: "my favorite color is blue"}
	require.NoError(t, store.AppendMessage(ctx, msg))
	require.NoError(t, store.CreateExtractionJob(ctx, storage.MemoryExtractionJob{
		ID: ids.System().New(), SessionID: sess.ID, FromMessageID: msg.ID, NextAttemptAt: time.Now(),
	}))

	extractor := &fakeExtractor{candidates: []Candidate{
		{Fact: "favorite color is blue", Category: storage.MemoryFact, Importance: 3, SourceMessageID: &msg.ID},
	}}
	w := NewMemoryWorker(store, extractor, ids.System())

	w.pollOnce(ctx)

	require.Equal(t, 1, extractor.calls)
	mems, err := store.ListActiveMemories(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, mems, 1)
	require.Equal(t, "favorite color is blue", mems[0].Fact)

	jobs, err := store.ListDueExtractionJobs(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Empty(t, jobs, "a completed job must not be returned as due again")
}

func TestMemoryWorkerReschedulesWithBackoffOnFailure(t *testing.T) {
	ctx := context.Background()
	store := memtest.New()
	mc := newManualClock()

	b := storage.Bot{ID: ids.System().New(), Status: storage.BotStatusActive}
	require.NoError(t, store.CreateBot(ctx, b))
	sess := storage.ChatSession{ID: ids.System().New(), BotID: b.ID, Status: storage.SessionStatusActive}
	require.NoError(t, store.CreateSession(ctx, sess))
	msg := storage.ChatMessage{ID: ids.System().New(), SessionID: sess.ID, Role: storage.RoleUser, Content: "hi"}
	require.NoError(t, store.AppendMessage(ctx, msg))
	require.NoError(t, store.CreateExtractionJob(ctx, storage.MemoryExtractionJob{
		ID: ids.System().New(), SessionID: sess.ID, FromMessageID: msg.ID, NextAttemptAt: mc.Now(),
	}))

	extractor := &fakeExtractor{err: errors.New("boom")}
	w := NewMemoryWorker(store, extractor, ids.System(), WithWorkerClock(mc))

	w.pollOnce(ctx)

	jobs, err := store.ListDueExtractionJobs(ctx, mc.Now(), 10)
	require.NoError(t, err)
	require.Empty(t, jobs, "a failed job must be rescheduled into the future, not immediately due")

	mc.Advance(extractionBaseDelay)
	jobs, err = store.ListDueExtractionJobs(ctx, mc.Now(), 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, 1, jobs[0].AttemptCount)
}

func TestBackoffDoublesUpToCap(t *testing.T) {
	require.Equal(t, extractionBaseDelay, backoff(1))
	require.Equal(t, 2*extractionBaseDelay, backoff(2))
	require.Equal(t, extractionMaxDelay, backoff(20))
}
