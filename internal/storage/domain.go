// Package storage defines the domain types and repository-trait boundary
// described in spec §4.4: repositories accept and return only the types in
// this file, never SQL-specific metadata, and translate driver errors into
// the internal/errs taxonomy before returning.
package storage

import (
	"time"

	"github.com/boternity/boternity/internal/ids"
)

type BotStatus string

const (
	BotStatusActive   BotStatus = "active"
	BotStatusDisabled BotStatus = "disabled"
	BotStatusArchived BotStatus = "archived"
	// BotStatusQuarantined is not part of the persisted status enum in
	// spec §3 (Bot.status is {active, disabled, archived}); quarantine is
	// process-local state the bot service holds in memory after a failed
	// soul content-hash check, and is surfaced separately (see
	// bot.Service.Quarantined).
)

type Bot struct {
	ID          ids.ID
	Slug        string
	Name        string
	Description string
	Emoji       string
	Category    string
	Status      BotStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Soul struct {
	BotID          ids.ID
	CurrentVersion int
	ContentHash    string
}

type SoulVersion struct {
	ID          ids.ID
	BotID       ids.ID
	VersionNo   int
	Content     string
	Message     string
	ContentHash string
	CreatedAt   time.Time
}

type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusCrashed   SessionStatus = "crashed"
)

type SessionTotals struct {
	InputTokens  int
	OutputTokens int
	MessageCount int
}

type ChatSession struct {
	ID        ids.ID
	BotID     ids.ID
	Title     string
	StartedAt time.Time
	EndedAt   *time.Time
	Totals    SessionTotals
	Model     string
	Status    SessionStatus
}

type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

type ChatMessage struct {
	ID           ids.ID
	SessionID    ids.ID
	Role         MessageRole
	Content      string
	CreatedAt    time.Time
	InputTokens  *int
	OutputTokens *int
	Model        string
	StopReason   string
	ResponseMs   *int
}

type MemoryCategory string

const (
	MemoryPreference MemoryCategory = "preference"
	MemoryFact       MemoryCategory = "fact"
	MemoryDecision   MemoryCategory = "decision"
	MemoryContext    MemoryCategory = "context"
	MemoryCorrection MemoryCategory = "correction"
)

type SessionMemory struct {
	ID              ids.ID
	BotID           ids.ID
	SessionID       ids.ID
	Fact            string
	Category        MemoryCategory
	Importance      int
	SourceMessageID *ids.ID
	SupersededBy    *ids.ID
	CreatedAt       time.Time
	IsManual        bool
}

type ContextSummary struct {
	ID            ids.ID
	SessionID     ids.ID
	Summary       string
	MessagesStart int
	MessagesEnd   int
	TokenCount    int
	CreatedAt     time.Time
}

// MemoryExtractionJob is a pending (or completed) unit of work for the
// background worker that turns new session messages into SessionMemory
// candidates. One job covers every message appended to a session since the
// job was last (re)scheduled.
type MemoryExtractionJob struct {
	ID            ids.ID
	SessionID     ids.ID
	FromMessageID ids.ID
	NextAttemptAt time.Time
	AttemptCount  int
	LastError     string
	Done          bool
	CreatedAt     time.Time
}

type OwnerType string

const (
	OwnerBot    OwnerType = "bot"
	OwnerGlobal OwnerType = "global"
)

type WorkflowOwner struct {
	Type  OwnerType
	BotID ids.ID
	Slug  string
}

type TriggerType string

const (
	TriggerManual  TriggerType = "manual"
	TriggerWebhook TriggerType = "webhook"
	TriggerCron    TriggerType = "cron"
)

type WorkflowTrigger struct {
	Type       TriggerType
	CronExpr   string
	WebhookKey string
}

type StepType string

const (
	StepAgent       StepType = "agent"
	StepSkill       StepType = "skill"
	StepCode        StepType = "code"
	StepHTTP        StepType = "http"
	StepConditional StepType = "conditional"
	StepLoop        StepType = "loop"
	StepApproval    StepType = "approval"
	StepSubWorkflow StepType = "sub_workflow"
)

type RetryStrategy struct {
	Kind       string // "simple" | "llm_self_correct"
	MaxAttempts int
	BackoffSecs int
}

type StepDefinition struct {
	ID         string
	Name       string
	Type       StepType
	DependsOn  []string
	Condition  string
	TimeoutSecs int
	Retry      *RetryStrategy
	Config     map[string]any
	UI         map[string]any
}

type WorkflowDefinition struct {
	ID          ids.ID
	Name        string
	Description string
	Version     string
	Owner       WorkflowOwner
	Concurrency int
	TimeoutSecs int
	Triggers    []WorkflowTrigger
	Steps       []StepDefinition
	Metadata    map[string]any
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type WorkflowRunStatus string

const (
	RunPending   WorkflowRunStatus = "pending"
	RunRunning   WorkflowRunStatus = "running"
	RunPaused    WorkflowRunStatus = "paused"
	RunCompleted WorkflowRunStatus = "completed"
	RunFailed    WorkflowRunStatus = "failed"
	RunCrashed   WorkflowRunStatus = "crashed"
	RunCancelled WorkflowRunStatus = "cancelled"
)

// Terminal reports whether a run status accepts no further transitions.
func (s WorkflowRunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCrashed, RunCancelled:
		return true
	default:
		return false
	}
}

type WorkflowRun struct {
	ID             ids.ID
	WorkflowID     ids.ID
	WorkflowName   string
	Status         WorkflowRunStatus
	TriggerType    TriggerType
	TriggerPayload map[string]any
	Context        map[string]any
	StartedAt      time.Time
	CompletedAt    *time.Time
	Error          string
	ConcurrencyKey string
}

type StepLogStatus string

const (
	StepLogPending          StepLogStatus = "pending"
	StepLogRunning          StepLogStatus = "running"
	StepLogCompleted        StepLogStatus = "completed"
	StepLogFailed           StepLogStatus = "failed"
	StepLogSkipped          StepLogStatus = "skipped"
	StepLogWaitingApproval  StepLogStatus = "waiting_approval"
)

// Terminal reports whether a step log status accepts no further transitions
// for that attempt.
func (s StepLogStatus) Terminal() bool {
	switch s {
	case StepLogCompleted, StepLogFailed, StepLogSkipped:
		return true
	default:
		return false
	}
}

type WorkflowStepLog struct {
	ID             ids.ID
	RunID          ids.ID
	StepID         string
	StepName       string
	Status         StepLogStatus
	Attempt        int
	IdempotencyKey string
	Input          map[string]any
	Output         map[string]any
	Error          string
	StartedAt      *time.Time
	CompletedAt    *time.Time
}

type SkillType string

const (
	SkillTool   SkillType = "tool"
	SkillPrompt SkillType = "prompt"
)

type TrustTier string

const (
	TrustLocal     TrustTier = "local"
	TrustVerified  TrustTier = "verified"
	TrustUntrusted TrustTier = "untrusted"
)

type InstalledSkill struct {
	Name                string
	Version             string
	SkillType           SkillType
	TrustTier           TrustTier
	DeclaredCapabilities []string
	ModuleBytesHash     string
	InputSchema         map[string]any
}

type BotSkillConfig struct {
	BotID               ids.ID
	SkillName           string
	Enabled             bool
	ApprovedCapabilities []string
}

type SkillAuditEntry struct {
	InvocationID     ids.ID
	SkillName        string
	Version          string
	TrustTier        TrustTier
	CapabilitiesUsed []string
	InputHash        string
	OutputHash       string
	FuelConsumed     *int64
	MemoryPeakBytes  *int64
	DurationMs       int64
	Success          bool
	Error            string
	Timestamp        time.Time
	BotID            ids.ID
}

type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

type ProviderHealth struct {
	Name                string
	Priority            int
	CircuitState        CircuitState
	ConsecutiveFailures int
	LastError           string
	LastLatencyMs       *int64
	TotalCalls          int64
	TotalFailures       int64
	UptimeSince         *time.Time
	UpdatedAt           time.Time
}

// KVEntry backs the sandbox's kv.read/kv.write host capabilities, scoped
// per bot.
type KVEntry struct {
	BotID     ids.ID
	Key       string
	Value     []byte
	UpdatedAt time.Time
}

type FileKind string

const (
	FileSoul        FileKind = "soul"
	FileIdentity    FileKind = "identity"
	FileUserContext FileKind = "user_context"
)

// FileMetadata is the database-side half of the content-addressed files
// living at {data_dir}/bots/{bot_id}/{SOUL,IDENTITY,USER}.md.
type FileMetadata struct {
	BotID       ids.ID
	Kind        FileKind
	Path        string
	ContentHash string
	SizeBytes   int64
	UpdatedAt   time.Time
}
