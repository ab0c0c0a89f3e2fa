package memtest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/boternity/boternity/internal/errs"
	"github.com/boternity/boternity/internal/ids"
	"github.com/boternity/boternity/internal/storage"
)

func newBot(gen ids.Gen, slug string) storage.Bot {
	return storage.Bot{
		ID:     gen.New(),
		Slug:   slug,
		Name:   slug,
		Status: storage.BotStatusActive,
	}
}

func TestCreateBotRejectsDuplicateSlug(t *testing.T) {
	s := New()
	gen := ids.System()
	ctx := context.Background()

	require.NoError(t, s.CreateBot(ctx, newBot(gen, "clippy")))
	err := s.CreateBot(ctx, newBot(gen, "clippy"))
	require.Error(t, err)
	require.Equal(t, errs.Conflict, errs.KindOf(err))
}

func TestDeleteBotCascadesSessionsAndMemories(t *testing.T) {
	s := New()
	gen := ids.System()
	ctx := context.Background()

	bot := newBot(gen, "ada")
	require.NoError(t, s.CreateBot(ctx, bot))

	sess := storage.ChatSession{ID: gen.New(), BotID: bot.ID, Status: storage.SessionStatusActive}
	require.NoError(t, s.CreateSession(ctx, sess))
	require.NoError(t, s.CreateMemory(ctx, storage.SessionMemory{ID: gen.New(), BotID: bot.ID, SessionID: sess.ID, Fact: "likes go"}))

	require.NoError(t, s.DeleteBot(ctx, bot.ID))

	_, err := s.GetBot(ctx, bot.ID)
	require.Equal(t, errs.NotFound, errs.KindOf(err))

	_, err = s.GetSession(ctx, sess.ID)
	require.Equal(t, errs.NotFound, errs.KindOf(err))

	mems, err := s.ListActiveMemories(ctx, bot.ID)
	require.NoError(t, err)
	require.Empty(t, mems)
}

func TestSupersedeMemoryRemovesFromActiveList(t *testing.T) {
	s := New()
	gen := ids.System()
	ctx := context.Background()
	botID := gen.New()

	m1 := storage.SessionMemory{ID: gen.New(), BotID: botID, Fact: "old fact"}
	require.NoError(t, s.CreateMemory(ctx, m1))

	active, err := s.ListActiveMemories(ctx, botID)
	require.NoError(t, err)
	require.Len(t, active, 1)

	m2 := gen.New()
	require.NoError(t, s.SupersedeMemory(ctx, m1.ID, m2))

	active, err = s.ListActiveMemories(ctx, botID)
	require.NoError(t, err)
	require.Empty(t, active)
}

func TestCountMessagesMatchesListLength(t *testing.T) {
	s := New()
	gen := ids.System()
	ctx := context.Background()

	sess := storage.ChatSession{ID: gen.New(), Status: storage.SessionStatusActive}
	require.NoError(t, s.CreateSession(ctx, sess))

	for i := 0; i < 4; i++ {
		require.NoError(t, s.AppendMessage(ctx, storage.ChatMessage{
			ID:        gen.New(),
			SessionID: sess.ID,
			Role:      storage.RoleUser,
			Content:   "hi",
			CreatedAt: time.Now().UTC(),
		}))
	}

	count, err := s.CountMessages(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, 4, count)

	msgs, err := s.ListMessages(ctx, sess.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, msgs, count)
}

func TestUpsertStepLogRejectsConcurrentNonTerminalAttempt(t *testing.T) {
	s := New()
	gen := ids.System()
	ctx := context.Background()
	runID := gen.New()

	require.NoError(t, s.CreateRun(ctx, storage.WorkflowRun{ID: runID, Status: storage.RunRunning}))
	require.NoError(t, s.UpsertStepLog(ctx, storage.WorkflowStepLog{
		RunID: runID, StepID: "step-1", Status: storage.StepLogRunning, Attempt: 1,
	}))

	err := s.UpsertStepLog(ctx, storage.WorkflowStepLog{
		RunID: runID, StepID: "step-1", Status: storage.StepLogRunning, Attempt: 2,
	})
	require.Error(t, err)
	require.Equal(t, errs.Conflict, errs.KindOf(err))

	require.NoError(t, s.UpsertStepLog(ctx, storage.WorkflowStepLog{
		RunID: runID, StepID: "step-1", Status: storage.StepLogCompleted, Attempt: 1,
	}))
	require.NoError(t, s.UpsertStepLog(ctx, storage.WorkflowStepLog{
		RunID: runID, StepID: "step-1", Status: storage.StepLogRunning, Attempt: 2,
	}))
}

func TestCountNonTerminalRunsHonorsConcurrencyKey(t *testing.T) {
	s := New()
	gen := ids.System()
	ctx := context.Background()

	require.NoError(t, s.CreateRun(ctx, storage.WorkflowRun{ID: gen.New(), ConcurrencyKey: "k1", Status: storage.RunRunning}))
	require.NoError(t, s.CreateRun(ctx, storage.WorkflowRun{ID: gen.New(), ConcurrencyKey: "k1", Status: storage.RunPending}))
	require.NoError(t, s.CreateRun(ctx, storage.WorkflowRun{ID: gen.New(), ConcurrencyKey: "k1", Status: storage.RunCompleted}))
	require.NoError(t, s.CreateRun(ctx, storage.WorkflowRun{ID: gen.New(), ConcurrencyKey: "k2", Status: storage.RunRunning}))

	n, err := s.CountNonTerminalRuns(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestAuditEntriesAreAppendOnlyAndOrderedMostRecentFirst(t *testing.T) {
	s := New()
	gen := ids.System()
	ctx := context.Background()
	botID := gen.New()

	var appended []ids.ID
	for i := 0; i < 3; i++ {
		invocationID := gen.New()
		appended = append(appended, invocationID)
		require.NoError(t, s.AppendAuditEntry(ctx, storage.SkillAuditEntry{
			InvocationID: invocationID,
			BotID:        botID,
			SkillName:    "demo",
			Timestamp:    time.Now().UTC(),
		}))
	}

	entries, err := s.ListAuditEntries(ctx, botID, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, appended[2], entries[0].InvocationID)
	require.Equal(t, appended[0], entries[2].InvocationID)
}
