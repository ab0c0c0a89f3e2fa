package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/boternity/boternity/internal/errs"
	"github.com/boternity/boternity/internal/ids"
	"github.com/boternity/boternity/internal/storage"
)

func openTestDB(t *testing.T) *Pools {
	t.Helper()
	dir := t.TempDir()
	pools, err := Open(filepath.Join(dir, "test.db"), 2)
	require.NoError(t, err)
	t.Cleanup(func() { pools.Close() })

	migrationsDir, err := filepath.Abs("../migrations")
	require.NoError(t, err)
	require.NoError(t, Migrate(pools.Writer, migrationsDir))
	return pools
}

func TestMigrateIsIdempotent(t *testing.T) {
	pools := openTestDB(t)
	migrationsDir, err := filepath.Abs("../migrations")
	require.NoError(t, err)
	require.NoError(t, Migrate(pools.Writer, migrationsDir))
}

func TestBotRepositoryCreateAndGet(t *testing.T) {
	pools := openTestDB(t)
	repo := NewBotRepository(pools, nil)
	ctx := context.Background()
	gen := ids.System()

	now := time.Now().UTC()
	bot := storage.Bot{
		ID: gen.New(), Slug: "clippy", Name: "Clippy", Status: storage.BotStatusActive,
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, repo.CreateBot(ctx, bot))

	got, err := repo.GetBot(ctx, bot.ID)
	require.NoError(t, err)
	require.Equal(t, bot.Slug, got.Slug)
	require.Equal(t, bot.Status, got.Status)

	bySlug, err := repo.GetBotBySlug(ctx, "clippy")
	require.NoError(t, err)
	require.Equal(t, bot.ID, bySlug.ID)
}

func TestBotRepositoryDuplicateSlugIsConflict(t *testing.T) {
	pools := openTestDB(t)
	repo := NewBotRepository(pools, nil)
	ctx := context.Background()
	gen := ids.System()
	now := time.Now().UTC()

	require.NoError(t, repo.CreateBot(ctx, storage.Bot{ID: gen.New(), Slug: "ada", Status: storage.BotStatusActive, CreatedAt: now, UpdatedAt: now}))
	err := repo.CreateBot(ctx, storage.Bot{ID: gen.New(), Slug: "ada", Status: storage.BotStatusActive, CreatedAt: now, UpdatedAt: now})
	require.Error(t, err)
	require.Equal(t, errs.Conflict, errs.KindOf(err))
}

func TestSoulVersionRoundTrip(t *testing.T) {
	pools := openTestDB(t)
	botRepo := NewBotRepository(pools, nil)
	ctx := context.Background()
	gen := ids.System()
	now := time.Now().UTC()

	bot := storage.Bot{ID: gen.New(), Slug: "soulbot", Status: storage.BotStatusActive, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, botRepo.CreateBot(ctx, bot))

	v1 := storage.SoulVersion{ID: gen.New(), BotID: bot.ID, VersionNo: 1, Content: "hello", ContentHash: "h1", CreatedAt: now}
	soul, err := botRepo.AppendSoulVersion(ctx, v1)
	require.NoError(t, err)
	require.Equal(t, 1, soul.CurrentVersion)

	v2 := storage.SoulVersion{ID: gen.New(), BotID: bot.ID, VersionNo: 2, Content: "world", ContentHash: "h2", CreatedAt: now}
	soul, err = botRepo.AppendSoulVersion(ctx, v2)
	require.NoError(t, err)
	require.Equal(t, 2, soul.CurrentVersion)
	require.Equal(t, "h2", soul.ContentHash)

	versions, err := botRepo.ListSoulVersions(ctx, bot.ID)
	require.NoError(t, err)
	require.Len(t, versions, 2)

	got, err := botRepo.GetSoul(ctx, bot.ID)
	require.NoError(t, err)
	require.Equal(t, 2, got.CurrentVersion)
}

func TestDeleteBotCascadesToSessions(t *testing.T) {
	pools := openTestDB(t)
	botRepo := NewBotRepository(pools, nil)
	sessRepo := NewSessionRepository(pools)
	ctx := context.Background()
	gen := ids.System()
	now := time.Now().UTC()

	bot := storage.Bot{ID: gen.New(), Slug: "cascade", Status: storage.BotStatusActive, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, botRepo.CreateBot(ctx, bot))

	sess := storage.ChatSession{ID: gen.New(), BotID: bot.ID, StartedAt: now, Status: storage.SessionStatusActive}
	require.NoError(t, sessRepo.CreateSession(ctx, sess))

	require.NoError(t, botRepo.DeleteBot(ctx, bot.ID))

	_, err := sessRepo.GetSession(ctx, sess.ID)
	require.Error(t, err)
}

func TestWorkflowRunConcurrencyKeyCounting(t *testing.T) {
	pools := openTestDB(t)
	botRepo := NewBotRepository(pools, nil)
	wfRepo := NewWorkflowRepository(pools)
	ctx := context.Background()
	gen := ids.System()
	now := time.Now().UTC()

	bot := storage.Bot{ID: gen.New(), Slug: "wfbot", Status: storage.BotStatusActive, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, botRepo.CreateBot(ctx, bot))

	def := storage.WorkflowDefinition{
		ID: gen.New(), Name: "demo", Version: "1.0.0",
		Owner: storage.WorkflowOwner{Type: storage.OwnerBot, BotID: bot.ID, Slug: bot.Slug},
		Steps: []storage.StepDefinition{{ID: "s1", Name: "step one", Type: storage.StepCode}},
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, wfRepo.CreateDefinition(ctx, def))

	got, err := wfRepo.GetDefinitionByOwner(ctx, "demo", def.Owner)
	require.NoError(t, err)
	require.Equal(t, def.ID, got.ID)
	require.Len(t, got.Steps, 1)

	run1 := storage.WorkflowRun{ID: gen.New(), WorkflowID: def.ID, WorkflowName: def.Name, Status: storage.RunRunning, StartedAt: now, ConcurrencyKey: "k1"}
	run2 := storage.WorkflowRun{ID: gen.New(), WorkflowID: def.ID, WorkflowName: def.Name, Status: storage.RunCompleted, StartedAt: now, ConcurrencyKey: "k1"}
	require.NoError(t, wfRepo.CreateRun(ctx, run1))
	require.NoError(t, wfRepo.CreateRun(ctx, run2))

	n, err := wfRepo.CountNonTerminalRuns(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.NoError(t, wfRepo.UpdateRunStatus(ctx, run1.ID, storage.RunCompleted, ""))
	n, err = wfRepo.CountNonTerminalRuns(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestStepLogUpsertRejectsConcurrentAttempt(t *testing.T) {
	pools := openTestDB(t)
	botRepo := NewBotRepository(pools, nil)
	wfRepo := NewWorkflowRepository(pools)
	ctx := context.Background()
	gen := ids.System()
	now := time.Now().UTC()

	bot := storage.Bot{ID: gen.New(), Slug: "steplogbot", Status: storage.BotStatusActive, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, botRepo.CreateBot(ctx, bot))

	def := storage.WorkflowDefinition{
		ID: gen.New(), Name: "demo2", Version: "1.0.0",
		Owner: storage.WorkflowOwner{Type: storage.OwnerBot, BotID: bot.ID},
		Steps: []storage.StepDefinition{{ID: "s1", Name: "step", Type: storage.StepCode}},
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, wfRepo.CreateDefinition(ctx, def))

	run := storage.WorkflowRun{ID: gen.New(), WorkflowID: def.ID, WorkflowName: def.Name, Status: storage.RunRunning, StartedAt: now}
	require.NoError(t, wfRepo.CreateRun(ctx, run))

	require.NoError(t, wfRepo.UpsertStepLog(ctx, storage.WorkflowStepLog{
		ID: gen.New(), RunID: run.ID, StepID: "s1", StepName: "step", Status: storage.StepLogRunning, Attempt: 1,
	}))

	err := wfRepo.UpsertStepLog(ctx, storage.WorkflowStepLog{
		ID: gen.New(), RunID: run.ID, StepID: "s1", StepName: "step", Status: storage.StepLogRunning, Attempt: 2,
	})
	require.Error(t, err)

	require.NoError(t, wfRepo.UpsertStepLog(ctx, storage.WorkflowStepLog{
		ID: gen.New(), RunID: run.ID, StepID: "s1", StepName: "step", Status: storage.StepLogCompleted, Attempt: 1,
	}))

	logs, err := wfRepo.ListStepLogs(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, storage.StepLogCompleted, logs[0].Status)
}
