// Package bot implements the bot/soul domain service: bot CRUD, soul
// versioning, and the startup content-hash verification that quarantines a
// bot when its persisted soul has been tampered with or corrupted.
package bot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/boternity/boternity/internal/bus"
	"github.com/boternity/boternity/internal/clock"
	"github.com/boternity/boternity/internal/errs"
	"github.com/boternity/boternity/internal/ids"
	"github.com/boternity/boternity/internal/storage"
	"github.com/boternity/boternity/internal/telemetry"
)

// Service implements bot and soul lifecycle operations over a
// storage.BotRepository.
type Service struct {
	repo   storage.BotRepository
	bus    bus.Publisher
	clock  clock.Clock
	ids    ids.Gen
	logger telemetry.Logger

	mu          sync.RWMutex
	quarantined map[ids.ID]string
}

// Options configures a Service. Repo is required; the rest default to
// production implementations.
type Options struct {
	Repo   storage.BotRepository
	Bus    bus.Publisher
	Clock  clock.Clock
	IDs    ids.Gen
	Logger telemetry.Logger
}

// NewService constructs a bot Service. It panics if Repo is nil, mirroring
// the fail-fast validation idiom used across this codebase's constructors.
func NewService(opts Options) *Service {
	if opts.Repo == nil {
		panic("bot: Repo is required")
	}
	c := opts.Clock
	if c == nil {
		c = clock.System()
	}
	gen := opts.IDs
	if gen == nil {
		gen = ids.System()
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	return &Service{
		repo:        opts.Repo,
		bus:         opts.Bus,
		clock:       c,
		ids:         gen,
		logger:      logger,
		quarantined: make(map[ids.ID]string),
	}
}

// CreateBot persists a new bot with status active.
func (s *Service) CreateBot(ctx context.Context, slug, name, description, emoji, category string) (storage.Bot, error) {
	if slug == "" {
		return storage.Bot{}, errs.New(errs.InvalidArgument, "slug is required")
	}
	now := s.clock.Now().UTC()
	b := storage.Bot{
		ID: s.ids.New(), Slug: slug, Name: name, Description: description, Emoji: emoji,
		Category: category, Status: storage.BotStatusActive, CreatedAt: now, UpdatedAt: now,
	}
	if err := s.repo.CreateBot(ctx, b); err != nil {
		return storage.Bot{}, err
	}
	return b, nil
}

// GetBot returns a bot by id.
func (s *Service) GetBot(ctx context.Context, id ids.ID) (storage.Bot, error) {
	return s.repo.GetBot(ctx, id)
}

// GetBotBySlug returns a bot by its unique slug.
func (s *Service) GetBotBySlug(ctx context.Context, slug string) (storage.Bot, error) {
	return s.repo.GetBotBySlug(ctx, slug)
}

// ListBots returns every bot, optionally filtered to a single status.
func (s *Service) ListBots(ctx context.Context, status *storage.BotStatus) ([]storage.Bot, error) {
	return s.repo.ListBots(ctx, status)
}

// UpdateBotStatus transitions a bot between active/disabled/archived.
func (s *Service) UpdateBotStatus(ctx context.Context, id ids.ID, status storage.BotStatus) error {
	switch status {
	case storage.BotStatusActive, storage.BotStatusDisabled, storage.BotStatusArchived:
	default:
		return errs.New(errs.InvalidArgument, "unknown bot status: "+string(status))
	}
	return s.repo.UpdateBotStatus(ctx, id, status)
}

// DeleteBot removes a bot and every entity that cascades from it (souls,
// sessions, memories, summaries, workflows owned by the bot, kv entries,
// file metadata), per spec.md §3's lifecycle summary.
func (s *Service) DeleteBot(ctx context.Context, id ids.ID) error {
	s.mu.Lock()
	delete(s.quarantined, id)
	s.mu.Unlock()
	return s.repo.DeleteBot(ctx, id)
}

// AppendSoulVersion appends a new immutable soul version for bot, advances
// Soul.current_version to it, and recomputes Soul.content_hash as
// SHA-256(content), maintaining the invariant spec.md §3 requires.
func (s *Service) AppendSoulVersion(ctx context.Context, botID ids.ID, content, message string) (storage.Soul, error) {
	versionNo := 1
	if existing, err := s.repo.GetSoul(ctx, botID); err == nil {
		versionNo = existing.CurrentVersion + 1
	} else if errs.KindOf(err) != errs.NotFound {
		return storage.Soul{}, err
	}
	v := storage.SoulVersion{
		ID:          s.ids.New(),
		BotID:       botID,
		VersionNo:   versionNo,
		Content:     content,
		Message:     message,
		ContentHash: hashContent(content),
		CreatedAt:   s.clock.Now().UTC(),
	}
	return s.repo.AppendSoulVersion(ctx, v)
}

// GetSoul returns bot's current soul pointer.
func (s *Service) GetSoul(ctx context.Context, botID ids.ID) (storage.Soul, error) {
	return s.repo.GetSoul(ctx, botID)
}

// ListSoulVersions returns every version of bot's soul, oldest first.
func (s *Service) ListSoulVersions(ctx context.Context, botID ids.ID) ([]storage.SoulVersion, error) {
	return s.repo.ListSoulVersions(ctx, botID)
}

// VerifyAllSouls is called once at startup. For every bot it loads the soul
// and the soul version it claims as current, recomputes the content hash,
// and quarantines any bot whose stored hash does not match. A mismatch is
// fatal for that bot only; the system continues running the rest.
func (s *Service) VerifyAllSouls(ctx context.Context) error {
	bots, err := s.repo.ListBots(ctx, nil)
	if err != nil {
		return err
	}
	for _, b := range bots {
		if err := s.verifySoul(ctx, b.ID); err != nil {
			s.quarantine(b.ID, err.Error())
			s.logger.Error(ctx, "soul verification failed, quarantining bot", "bot_id", string(b.ID), "error", err.Error())
		}
	}
	return nil
}

func (s *Service) verifySoul(ctx context.Context, botID ids.ID) error {
	soul, err := s.repo.GetSoul(ctx, botID)
	if err != nil {
		if errs.KindOf(err) == errs.NotFound {
			// A bot with no soul yet has nothing to verify.
			return nil
		}
		return err
	}
	versions, err := s.repo.ListSoulVersions(ctx, botID)
	if err != nil {
		return err
	}
	var current *storage.SoulVersion
	for i := range versions {
		if versions[i].VersionNo == soul.CurrentVersion {
			current = &versions[i]
			break
		}
	}
	if current == nil {
		return errs.New(errs.InvalidArgument, "soul.current_version refers to a version that does not exist")
	}
	if hashContent(current.Content) != soul.ContentHash {
		return errs.New(errs.InvalidArgument, "soul content_hash does not match SHA-256(content) of the current version")
	}
	return nil
}

func (s *Service) quarantine(id ids.ID, reason string) {
	s.mu.Lock()
	s.quarantined[id] = reason
	s.mu.Unlock()
}

// Quarantined reports whether bot id is currently quarantined and, if so,
// why. Quarantine is process-local state, not a persisted Bot.status value
// (see storage.BotStatusQuarantined's doc comment): a restart re-derives it
// from VerifyAllSouls rather than trusting a stale flag.
func (s *Service) Quarantined(id ids.ID) (reason string, quarantined bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reason, quarantined = s.quarantined[id]
	return reason, quarantined
}

func hashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
