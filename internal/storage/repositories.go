package storage

import (
	"context"
	"time"

	"github.com/boternity/boternity/internal/ids"
)

// BotRepository persists Bot, Soul, and SoulVersion rows. Bot deletion
// cascades to souls, sessions, memories, workflows owned by the bot, and
// files, per spec §3's lifecycle summary.
type BotRepository interface {
	CreateBot(ctx context.Context, b Bot) error
	GetBot(ctx context.Context, id ids.ID) (Bot, error)
	GetBotBySlug(ctx context.Context, slug string) (Bot, error)
	ListBots(ctx context.Context, status *BotStatus) ([]Bot, error)
	UpdateBotStatus(ctx context.Context, id ids.ID, status BotStatus) error
	DeleteBot(ctx context.Context, id ids.ID) error

	GetSoul(ctx context.Context, botID ids.ID) (Soul, error)
	AppendSoulVersion(ctx context.Context, v SoulVersion) (Soul, error)
	ListSoulVersions(ctx context.Context, botID ids.ID) ([]SoulVersion, error)
	GetSoulVersion(ctx context.Context, botID ids.ID, versionNo int) (SoulVersion, error)
}

// SessionRepository persists ChatSession, ChatMessage, SessionMemory, and
// ContextSummary rows.
type SessionRepository interface {
	CreateSession(ctx context.Context, s ChatSession) error
	GetSession(ctx context.Context, id ids.ID) (ChatSession, error)
	ListSessions(ctx context.Context, botID ids.ID) ([]ChatSession, error)
	UpdateSessionStatus(ctx context.Context, id ids.ID, status SessionStatus) error
	UpdateSessionTotals(ctx context.Context, id ids.ID, totals SessionTotals) error

	AppendMessage(ctx context.Context, m ChatMessage) error
	// AppendMessageAndUpdateTotals inserts m and updates the owning
	// session's totals in a single write transaction, per spec.md §4.3
	// step 6.
	AppendMessageAndUpdateTotals(ctx context.Context, m ChatMessage, totals SessionTotals) error
	DeleteMessage(ctx context.Context, id ids.ID) error
	ListMessages(ctx context.Context, sessionID ids.ID, from, to int) ([]ChatMessage, error)
	CountMessages(ctx context.Context, sessionID ids.ID) (int, error)

	CreateMemory(ctx context.Context, m SessionMemory) error
	// CreateMemoryAndSupersede inserts m and, if supersedes is non-nil,
	// marks that prior memory as superseded by m.ID — both in one write
	// transaction, per spec.md §4.3's correction-category rule.
	CreateMemoryAndSupersede(ctx context.Context, m SessionMemory, supersedes *ids.ID) error
	ListActiveMemories(ctx context.Context, botID ids.ID) ([]SessionMemory, error)
	SupersedeMemory(ctx context.Context, id, supersededBy ids.ID) error

	CreateSummary(ctx context.Context, s ContextSummary) error
	ListSummaries(ctx context.Context, sessionID ids.ID) ([]ContextSummary, error)

	// CreateExtractionJob and the methods below back the memory-extraction
	// background worker: it pops due jobs, and on failure reschedules the
	// same job with a later next_attempt_at rather than creating a new one.
	CreateExtractionJob(ctx context.Context, j MemoryExtractionJob) error
	ListDueExtractionJobs(ctx context.Context, asOf time.Time, limit int) ([]MemoryExtractionJob, error)
	MarkExtractionJobDone(ctx context.Context, id ids.ID) error
	RescheduleExtractionJob(ctx context.Context, id ids.ID, nextAttemptAt time.Time, attemptCount int, lastErr string) error
}

// WorkflowRepository persists WorkflowDefinition, WorkflowRun, and
// WorkflowStepLog rows.
type WorkflowRepository interface {
	CreateDefinition(ctx context.Context, d WorkflowDefinition) error
	UpdateDefinition(ctx context.Context, d WorkflowDefinition) error
	DeleteDefinition(ctx context.Context, id ids.ID) error
	GetDefinition(ctx context.Context, id ids.ID) (WorkflowDefinition, error)
	GetDefinitionByOwner(ctx context.Context, name string, owner WorkflowOwner) (WorkflowDefinition, error)
	ListDefinitions(ctx context.Context, owner *WorkflowOwner) ([]WorkflowDefinition, error)
	ListDueCronTriggers(ctx context.Context, asOf time.Time) ([]WorkflowDefinition, error)

	CreateRun(ctx context.Context, r WorkflowRun) error
	GetRun(ctx context.Context, id ids.ID) (WorkflowRun, error)
	UpdateRunStatus(ctx context.Context, id ids.ID, status WorkflowRunStatus, errMsg string) error
	CountNonTerminalRuns(ctx context.Context, concurrencyKey string) (int, error)
	ListNonTerminalRuns(ctx context.Context) ([]WorkflowRun, error)
	// ListRunsForDefinition backs the workflow REST surface's "list runs
	// for workflow" operation (spec.md §6), newest first.
	ListRunsForDefinition(ctx context.Context, workflowID ids.ID) ([]WorkflowRun, error)

	UpsertStepLog(ctx context.Context, l WorkflowStepLog) error
	GetStepLog(ctx context.Context, runID ids.ID, stepID string) (WorkflowStepLog, error)
	ListStepLogs(ctx context.Context, runID ids.ID) ([]WorkflowStepLog, error)
	ListNonTerminalStepLogs(ctx context.Context, runID ids.ID) ([]WorkflowStepLog, error)
}

// SkillRepository persists InstalledSkill, BotSkillConfig, and
// SkillAuditEntry rows. Audit entries are append-only (spec §3).
type SkillRepository interface {
	InstallSkill(ctx context.Context, s InstalledSkill) error
	GetSkill(ctx context.Context, name, version string) (InstalledSkill, error)
	ListSkills(ctx context.Context) ([]InstalledSkill, error)

	SetBotSkillConfig(ctx context.Context, c BotSkillConfig) error
	GetBotSkillConfig(ctx context.Context, botID ids.ID, skillName string) (BotSkillConfig, error)
	ListBotSkillConfigs(ctx context.Context, botID ids.ID) ([]BotSkillConfig, error)

	AppendAuditEntry(ctx context.Context, e SkillAuditEntry) error
	ListAuditEntries(ctx context.Context, botID ids.ID, limit int) ([]SkillAuditEntry, error)
}

// ProviderRepository persists ProviderHealth rows.
type ProviderRepository interface {
	UpsertProviderHealth(ctx context.Context, h ProviderHealth) error
	GetProviderHealth(ctx context.Context, name string) (ProviderHealth, error)
	ListProviderHealth(ctx context.Context) ([]ProviderHealth, error)
}

// KVRepository persists the sandbox's per-bot key/value store.
type KVRepository interface {
	Get(ctx context.Context, botID ids.ID, key string) (KVEntry, bool, error)
	Set(ctx context.Context, e KVEntry) error
	Delete(ctx context.Context, botID ids.ID, key string) error
}

// FileRepository persists FileMetadata rows — the content-hash index over
// the bot filesystem tree.
type FileRepository interface {
	UpsertFileMetadata(ctx context.Context, f FileMetadata) error
	GetFileMetadata(ctx context.Context, botID ids.ID, kind FileKind) (FileMetadata, bool, error)
}

// Repositories bundles every repository interface behind one dependency for
// constructors that need the full storage surface (e.g. the application
// root and integration tests).
type Repositories struct {
	Bots      BotRepository
	Sessions  SessionRepository
	Workflows WorkflowRepository
	Skills    SkillRepository
	Providers ProviderRepository
	KV        KVRepository
	Files     FileRepository
}
