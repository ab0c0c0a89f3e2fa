// Package memtest provides in-memory repository implementations for tests.
// They enforce the same invariants spec §3 and §4.4 place on the SQLite
// implementation (uniqueness, cascade, append-only audit) so that code
// written against storage.Repositories behaves identically under either
// backend.
package memtest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/boternity/boternity/internal/errs"
	"github.com/boternity/boternity/internal/ids"
	"github.com/boternity/boternity/internal/storage"
)

// Store bundles every in-memory repository and implements
// storage.Repositories' constituent interfaces directly, mirroring the
// teacher's registry/store/memory single-struct-many-interfaces shape.
type Store struct {
	mu sync.RWMutex

	bots         map[ids.ID]storage.Bot
	botSlugs     map[string]ids.ID
	souls        map[ids.ID]storage.Soul
	soulVersions map[ids.ID][]storage.SoulVersion

	sessions  map[ids.ID]storage.ChatSession
	messages  map[ids.ID][]storage.ChatMessage
	memories  map[ids.ID][]storage.SessionMemory
	summaries map[ids.ID][]storage.ContextSummary
	extractionJobs map[ids.ID]storage.MemoryExtractionJob

	definitions map[ids.ID]storage.WorkflowDefinition
	runs        map[ids.ID]storage.WorkflowRun
	stepLogs    map[ids.ID]map[string]storage.WorkflowStepLog

	skills   map[string]storage.InstalledSkill
	botSkills map[ids.ID]map[string]storage.BotSkillConfig
	audit    []storage.SkillAuditEntry

	providers map[string]storage.ProviderHealth

	kv    map[ids.ID]map[string]storage.KVEntry
	files map[ids.ID]map[storage.FileKind]storage.FileMetadata
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		bots:         make(map[ids.ID]storage.Bot),
		botSlugs:     make(map[string]ids.ID),
		souls:        make(map[ids.ID]storage.Soul),
		soulVersions: make(map[ids.ID][]storage.SoulVersion),
		sessions:     make(map[ids.ID]storage.ChatSession),
		messages:     make(map[ids.ID][]storage.ChatMessage),
		memories:     make(map[ids.ID][]storage.SessionMemory),
		summaries:    make(map[ids.ID][]storage.ContextSummary),
		extractionJobs: make(map[ids.ID]storage.MemoryExtractionJob),
		definitions:  make(map[ids.ID]storage.WorkflowDefinition),
		runs:         make(map[ids.ID]storage.WorkflowRun),
		stepLogs:     make(map[ids.ID]map[string]storage.WorkflowStepLog),
		skills:       make(map[string]storage.InstalledSkill),
		botSkills:    make(map[ids.ID]map[string]storage.BotSkillConfig),
		providers:    make(map[string]storage.ProviderHealth),
		kv:           make(map[ids.ID]map[string]storage.KVEntry),
		files:        make(map[ids.ID]map[storage.FileKind]storage.FileMetadata),
	}
}

func ctxErr(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func skillKey(name, version string) string { return name + "@" + version }

var (
	_ storage.BotRepository      = (*Store)(nil)
	_ storage.SessionRepository  = (*Store)(nil)
	_ storage.WorkflowRepository = (*Store)(nil)
	_ storage.SkillRepository    = (*Store)(nil)
	_ storage.ProviderRepository = (*Store)(nil)
	_ storage.KVRepository       = (*Store)(nil)
	_ storage.FileRepository     = (*Store)(nil)
)

// --- bots ---

func (s *Store) CreateBot(ctx context.Context, b storage.Bot) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.botSlugs[b.Slug]; ok {
		return errs.New(errs.Conflict, "slug already in use: "+b.Slug)
	}
	s.bots[b.ID] = b
	s.botSlugs[b.Slug] = b.ID
	return nil
}

func (s *Store) GetBot(ctx context.Context, id ids.ID) (storage.Bot, error) {
	if err := ctxErr(ctx); err != nil {
		return storage.Bot{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bots[id]
	if !ok {
		return storage.Bot{}, errs.New(errs.NotFound, "bot not found: "+id.String())
	}
	return b, nil
}

func (s *Store) GetBotBySlug(ctx context.Context, slug string) (storage.Bot, error) {
	if err := ctxErr(ctx); err != nil {
		return storage.Bot{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.botSlugs[slug]
	if !ok {
		return storage.Bot{}, errs.New(errs.NotFound, "bot not found: "+slug)
	}
	return s.bots[id], nil
}

func (s *Store) ListBots(ctx context.Context, status *storage.BotStatus) ([]storage.Bot, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]storage.Bot, 0, len(s.bots))
	for _, b := range s.bots {
		if status != nil && b.Status != *status {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpdateBotStatus(ctx context.Context, id ids.ID, status storage.BotStatus) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bots[id]
	if !ok {
		return errs.New(errs.NotFound, "bot not found: "+id.String())
	}
	b.Status = status
	s.bots[id] = b
	return nil
}

func (s *Store) DeleteBot(ctx context.Context, id ids.ID) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bots[id]
	if !ok {
		return errs.New(errs.NotFound, "bot not found: "+id.String())
	}
	delete(s.bots, id)
	delete(s.botSlugs, b.Slug)
	delete(s.souls, id)
	delete(s.soulVersions, id)
	delete(s.kv, id)
	delete(s.files, id)
	delete(s.botSkills, id)
	delete(s.memories, id)

	for sid, sess := range s.sessions {
		if sess.BotID == id {
			delete(s.sessions, sid)
			delete(s.messages, sid)
			delete(s.memories, sid)
			delete(s.summaries, sid)
		}
	}
	for wid, def := range s.definitions {
		if def.Owner.Type == storage.OwnerBot && def.Owner.BotID == id {
			delete(s.definitions, wid)
		}
	}
	return nil
}

func (s *Store) GetSoul(ctx context.Context, botID ids.ID) (storage.Soul, error) {
	if err := ctxErr(ctx); err != nil {
		return storage.Soul{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	sl, ok := s.souls[botID]
	if !ok {
		return storage.Soul{}, errs.New(errs.NotFound, "soul not found for bot: "+botID.String())
	}
	return sl, nil
}

// CorruptSoulHash overwrites bot's stored soul content_hash without
// touching its soul versions. It exists solely so tests can exercise the
// bot package's startup hash-mismatch/quarantine path.
func (s *Store) CorruptSoulHash(botID ids.ID, hash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl := s.souls[botID]
	sl.ContentHash = hash
	s.souls[botID] = sl
}

func (s *Store) AppendSoulVersion(ctx context.Context, v storage.SoulVersion) (storage.Soul, error) {
	if err := ctxErr(ctx); err != nil {
		return storage.Soul{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.soulVersions[v.BotID] = append(s.soulVersions[v.BotID], v)
	sl := storage.Soul{BotID: v.BotID, CurrentVersion: v.VersionNo, ContentHash: v.ContentHash}
	s.souls[v.BotID] = sl
	return sl, nil
}

func (s *Store) ListSoulVersions(ctx context.Context, botID ids.ID) ([]storage.SoulVersion, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]storage.SoulVersion(nil), s.soulVersions[botID]...)
	return out, nil
}

func (s *Store) GetSoulVersion(ctx context.Context, botID ids.ID, versionNo int) (storage.SoulVersion, error) {
	if err := ctxErr(ctx); err != nil {
		return storage.SoulVersion{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, v := range s.soulVersions[botID] {
		if v.VersionNo == versionNo {
			return v, nil
		}
	}
	return storage.SoulVersion{}, errs.New(errs.NotFound, "soul version not found")
}

// --- sessions ---

func (s *Store) CreateSession(ctx context.Context, sess storage.ChatSession) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	return nil
}

func (s *Store) GetSession(ctx context.Context, id ids.ID) (storage.ChatSession, error) {
	if err := ctxErr(ctx); err != nil {
		return storage.ChatSession{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return storage.ChatSession{}, errs.New(errs.NotFound, "session not found: "+id.String())
	}
	return sess, nil
}

func (s *Store) ListSessions(ctx context.Context, botID ids.ID) ([]storage.ChatSession, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]storage.ChatSession, 0)
	for _, sess := range s.sessions {
		if sess.BotID == botID {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpdateSessionStatus(ctx context.Context, id ids.ID, status storage.SessionStatus) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return errs.New(errs.NotFound, "session not found: "+id.String())
	}
	sess.Status = status
	s.sessions[id] = sess
	return nil
}

func (s *Store) UpdateSessionTotals(ctx context.Context, id ids.ID, totals storage.SessionTotals) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return errs.New(errs.NotFound, "session not found: "+id.String())
	}
	sess.Totals = totals
	s.sessions[id] = sess
	return nil
}

func (s *Store) AppendMessage(ctx context.Context, m storage.ChatMessage) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[m.SessionID]; !ok {
		return errs.New(errs.NotFound, "session not found: "+m.SessionID.String())
	}
	s.messages[m.SessionID] = append(s.messages[m.SessionID], m)
	return nil
}

func (s *Store) AppendMessageAndUpdateTotals(ctx context.Context, m storage.ChatMessage, totals storage.SessionTotals) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[m.SessionID]
	if !ok {
		return errs.New(errs.NotFound, "session not found: "+m.SessionID.String())
	}
	s.messages[m.SessionID] = append(s.messages[m.SessionID], m)
	sess.Totals = totals
	s.sessions[m.SessionID] = sess
	return nil
}

func (s *Store) DeleteMessage(ctx context.Context, id ids.ID) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for sessionID, list := range s.messages {
		for i, m := range list {
			if m.ID == id {
				s.messages[sessionID] = append(list[:i], list[i+1:]...)
				return nil
			}
		}
	}
	return errs.New(errs.NotFound, "message not found: "+id.String())
}

func (s *Store) ListMessages(ctx context.Context, sessionID ids.ID, from, to int) ([]storage.ChatMessage, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.messages[sessionID]
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})
	if from < 0 {
		from = 0
	}
	if to > len(all) || to <= 0 {
		to = len(all)
	}
	if from >= to {
		return []storage.ChatMessage{}, nil
	}
	out := append([]storage.ChatMessage(nil), all[from:to]...)
	return out, nil
}

func (s *Store) CountMessages(ctx context.Context, sessionID ids.ID) (int, error) {
	if err := ctxErr(ctx); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages[sessionID]), nil
}

func (s *Store) CreateMemory(ctx context.Context, m storage.SessionMemory) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memories[m.BotID] = append(s.memories[m.BotID], m)
	return nil
}

func (s *Store) CreateMemoryAndSupersede(ctx context.Context, m storage.SessionMemory, supersedes *ids.ID) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memories[m.BotID] = append(s.memories[m.BotID], m)
	if supersedes == nil {
		return nil
	}
	for botID, list := range s.memories {
		for i, old := range list {
			if old.ID == *supersedes {
				sb := m.ID
				list[i].SupersededBy = &sb
				s.memories[botID] = list
				return nil
			}
		}
	}
	return errs.New(errs.NotFound, "memory not found: "+supersedes.String())
}

func (s *Store) ListActiveMemories(ctx context.Context, botID ids.ID) ([]storage.SessionMemory, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]storage.SessionMemory, 0)
	for _, m := range s.memories[botID] {
		if m.SupersededBy == nil {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *Store) SupersedeMemory(ctx context.Context, id, supersededBy ids.ID) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for botID, list := range s.memories {
		for i, m := range list {
			if m.ID == id {
				sb := supersededBy
				list[i].SupersededBy = &sb
				s.memories[botID] = list
				return nil
			}
		}
	}
	return errs.New(errs.NotFound, "memory not found: "+id.String())
}

func (s *Store) CreateSummary(ctx context.Context, sum storage.ContextSummary) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries[sum.SessionID] = append(s.summaries[sum.SessionID], sum)
	return nil
}

func (s *Store) ListSummaries(ctx context.Context, sessionID ids.ID) ([]storage.ContextSummary, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]storage.ContextSummary(nil), s.summaries[sessionID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].MessagesStart < out[j].MessagesStart })
	return out, nil
}

func (s *Store) CreateExtractionJob(ctx context.Context, j storage.MemoryExtractionJob) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extractionJobs[j.ID] = j
	return nil
}

func (s *Store) ListDueExtractionJobs(ctx context.Context, asOf time.Time, limit int) ([]storage.MemoryExtractionJob, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]storage.MemoryExtractionJob, 0)
	for _, j := range s.extractionJobs {
		if !j.Done && !j.NextAttemptAt.After(asOf) {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextAttemptAt.Before(out[j].NextAttemptAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) MarkExtractionJobDone(ctx context.Context, id ids.ID) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.extractionJobs[id]
	if !ok {
		return errs.New(errs.NotFound, "extraction job not found: "+id.String())
	}
	j.Done = true
	s.extractionJobs[id] = j
	return nil
}

func (s *Store) RescheduleExtractionJob(ctx context.Context, id ids.ID, nextAttemptAt time.Time, attemptCount int, lastErr string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.extractionJobs[id]
	if !ok {
		return errs.New(errs.NotFound, "extraction job not found: "+id.String())
	}
	j.NextAttemptAt = nextAttemptAt
	j.AttemptCount = attemptCount
	j.LastError = lastErr
	s.extractionJobs[id] = j
	return nil
}

// --- workflows ---

func (s *Store) CreateDefinition(ctx context.Context, d storage.WorkflowDefinition) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.definitions {
		if existing.Name == d.Name && existing.Owner == d.Owner {
			return errs.New(errs.Conflict, "workflow definition already exists: "+d.Name)
		}
	}
	s.definitions[d.ID] = d
	return nil
}

func (s *Store) UpdateDefinition(ctx context.Context, d storage.WorkflowDefinition) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.definitions[d.ID]; !ok {
		return errs.New(errs.NotFound, "workflow definition not found: "+d.ID.String())
	}
	s.definitions[d.ID] = d
	return nil
}

func (s *Store) DeleteDefinition(ctx context.Context, id ids.ID) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.definitions[id]; !ok {
		return errs.New(errs.NotFound, "workflow definition not found: "+id.String())
	}
	delete(s.definitions, id)
	return nil
}

func (s *Store) GetDefinition(ctx context.Context, id ids.ID) (storage.WorkflowDefinition, error) {
	if err := ctxErr(ctx); err != nil {
		return storage.WorkflowDefinition{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.definitions[id]
	if !ok {
		return storage.WorkflowDefinition{}, errs.New(errs.NotFound, "workflow definition not found")
	}
	return d, nil
}

func (s *Store) GetDefinitionByOwner(ctx context.Context, name string, owner storage.WorkflowOwner) (storage.WorkflowDefinition, error) {
	if err := ctxErr(ctx); err != nil {
		return storage.WorkflowDefinition{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.definitions {
		if d.Name == name && d.Owner == owner {
			return d, nil
		}
	}
	return storage.WorkflowDefinition{}, errs.New(errs.NotFound, "workflow definition not found: "+name)
}

func (s *Store) ListDefinitions(ctx context.Context, owner *storage.WorkflowOwner) ([]storage.WorkflowDefinition, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]storage.WorkflowDefinition, 0)
	for _, d := range s.definitions {
		if owner != nil && d.Owner != *owner {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *Store) ListDueCronTriggers(ctx context.Context, asOf time.Time) ([]storage.WorkflowDefinition, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]storage.WorkflowDefinition, 0)
	for _, d := range s.definitions {
		for _, t := range d.Triggers {
			if t.Type == storage.TriggerCron {
				out = append(out, d)
				break
			}
		}
	}
	return out, nil
}

func (s *Store) CreateRun(ctx context.Context, r storage.WorkflowRun) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[r.ID] = r
	s.stepLogs[r.ID] = make(map[string]storage.WorkflowStepLog)
	return nil
}

func (s *Store) GetRun(ctx context.Context, id ids.ID) (storage.WorkflowRun, error) {
	if err := ctxErr(ctx); err != nil {
		return storage.WorkflowRun{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return storage.WorkflowRun{}, errs.New(errs.NotFound, "workflow run not found: "+id.String())
	}
	return r, nil
}

func (s *Store) UpdateRunStatus(ctx context.Context, id ids.ID, status storage.WorkflowRunStatus, errMsg string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return errs.New(errs.NotFound, "workflow run not found: "+id.String())
	}
	r.Status = status
	r.Error = errMsg
	s.runs[id] = r
	return nil
}

func (s *Store) CountNonTerminalRuns(ctx context.Context, concurrencyKey string) (int, error) {
	if err := ctxErr(ctx); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, r := range s.runs {
		if r.ConcurrencyKey == concurrencyKey && !r.Status.Terminal() {
			n++
		}
	}
	return n, nil
}

func (s *Store) ListNonTerminalRuns(ctx context.Context) ([]storage.WorkflowRun, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]storage.WorkflowRun, 0)
	for _, r := range s.runs {
		if !r.Status.Terminal() {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Store) ListRunsForDefinition(ctx context.Context, workflowID ids.ID) ([]storage.WorkflowRun, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]storage.WorkflowRun, 0)
	for _, r := range s.runs {
		if r.WorkflowID == workflowID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

func (s *Store) UpsertStepLog(ctx context.Context, l storage.WorkflowStepLog) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.stepLogs[l.RunID]
	if !ok {
		m = make(map[string]storage.WorkflowStepLog)
		s.stepLogs[l.RunID] = m
	}
	key := l.StepID
	if existing, ok := m[key]; ok && !existing.Status.Terminal() && existing.Attempt != l.Attempt {
		return errs.New(errs.Conflict, "non-terminal log row already exists for step: "+l.StepID)
	}
	m[key] = l
	return nil
}

func (s *Store) GetStepLog(ctx context.Context, runID ids.ID, stepID string) (storage.WorkflowStepLog, error) {
	if err := ctxErr(ctx); err != nil {
		return storage.WorkflowStepLog{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.stepLogs[runID][stepID]
	if !ok {
		return storage.WorkflowStepLog{}, errs.New(errs.NotFound, "step log not found: "+stepID)
	}
	return l, nil
}

func (s *Store) ListStepLogs(ctx context.Context, runID ids.ID) ([]storage.WorkflowStepLog, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]storage.WorkflowStepLog, 0, len(s.stepLogs[runID]))
	for _, l := range s.stepLogs[runID] {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepID < out[j].StepID })
	return out, nil
}

func (s *Store) ListNonTerminalStepLogs(ctx context.Context, runID ids.ID) ([]storage.WorkflowStepLog, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]storage.WorkflowStepLog, 0)
	for _, l := range s.stepLogs[runID] {
		if !l.Status.Terminal() {
			out = append(out, l)
		}
	}
	return out, nil
}

// --- skills ---

func (s *Store) InstallSkill(ctx context.Context, skill storage.InstalledSkill) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skills[skillKey(skill.Name, skill.Version)] = skill
	return nil
}

func (s *Store) GetSkill(ctx context.Context, name, version string) (storage.InstalledSkill, error) {
	if err := ctxErr(ctx); err != nil {
		return storage.InstalledSkill{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	skill, ok := s.skills[skillKey(name, version)]
	if !ok {
		return storage.InstalledSkill{}, errs.New(errs.NotFound, "skill not found: "+name)
	}
	return skill, nil
}

func (s *Store) ListSkills(ctx context.Context) ([]storage.InstalledSkill, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]storage.InstalledSkill, 0, len(s.skills))
	for _, skill := range s.skills {
		out = append(out, skill)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) SetBotSkillConfig(ctx context.Context, c storage.BotSkillConfig) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.botSkills[c.BotID]
	if !ok {
		m = make(map[string]storage.BotSkillConfig)
		s.botSkills[c.BotID] = m
	}
	m[c.SkillName] = c
	return nil
}

func (s *Store) GetBotSkillConfig(ctx context.Context, botID ids.ID, skillName string) (storage.BotSkillConfig, error) {
	if err := ctxErr(ctx); err != nil {
		return storage.BotSkillConfig{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.botSkills[botID][skillName]
	if !ok {
		return storage.BotSkillConfig{}, errs.New(errs.NotFound, "bot skill config not found: "+skillName)
	}
	return c, nil
}

func (s *Store) ListBotSkillConfigs(ctx context.Context, botID ids.ID) ([]storage.BotSkillConfig, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]storage.BotSkillConfig, 0, len(s.botSkills[botID]))
	for _, c := range s.botSkills[botID] {
		out = append(out, c)
	}
	return out, nil
}

func (s *Store) AppendAuditEntry(ctx context.Context, e storage.SkillAuditEntry) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, e)
	return nil
}

func (s *Store) ListAuditEntries(ctx context.Context, botID ids.ID, limit int) ([]storage.SkillAuditEntry, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]storage.SkillAuditEntry, 0)
	for i := len(s.audit) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if s.audit[i].BotID == botID {
			out = append(out, s.audit[i])
		}
	}
	return out, nil
}

// --- providers ---

func (s *Store) UpsertProviderHealth(ctx context.Context, h storage.ProviderHealth) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers[h.Name] = h
	return nil
}

func (s *Store) GetProviderHealth(ctx context.Context, name string) (storage.ProviderHealth, error) {
	if err := ctxErr(ctx); err != nil {
		return storage.ProviderHealth{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.providers[name]
	if !ok {
		return storage.ProviderHealth{}, errs.New(errs.NotFound, "provider health not found: "+name)
	}
	return h, nil
}

func (s *Store) ListProviderHealth(ctx context.Context) ([]storage.ProviderHealth, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]storage.ProviderHealth, 0, len(s.providers))
	for _, h := range s.providers {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out, nil
}

// --- kv ---

func (s *Store) Get(ctx context.Context, botID ids.ID, key string) (storage.KVEntry, bool, error) {
	if err := ctxErr(ctx); err != nil {
		return storage.KVEntry{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.kv[botID][key]
	return e, ok, nil
}

func (s *Store) Set(ctx context.Context, e storage.KVEntry) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.kv[e.BotID]
	if !ok {
		m = make(map[string]storage.KVEntry)
		s.kv[e.BotID] = m
	}
	m[e.Key] = e
	return nil
}

func (s *Store) Delete(ctx context.Context, botID ids.ID, key string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.kv[botID], key)
	return nil
}

// --- files ---

func (s *Store) UpsertFileMetadata(ctx context.Context, f storage.FileMetadata) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.files[f.BotID]
	if !ok {
		m = make(map[storage.FileKind]storage.FileMetadata)
		s.files[f.BotID] = m
	}
	m[f.Kind] = f
	return nil
}

func (s *Store) GetFileMetadata(ctx context.Context, botID ids.ID, kind storage.FileKind) (storage.FileMetadata, bool, error) {
	if err := ctxErr(ctx); err != nil {
		return storage.FileMetadata{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.files[botID][kind]
	return f, ok, nil
}
