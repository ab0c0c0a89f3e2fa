// Package botfiles manages the filesystem half of a bot's identity and user
// context files (spec.md §6's "persisted state layout"): plain markdown
// files living at {data_dir}/bots/{bot_id}/{SOUL,IDENTITY,USER}.md, indexed
// in SQLite by content hash via storage.FileMetadata. Soul content itself is
// DB-resident (internal/bot owns it); this package covers the two kinds
// that are filesystem-only: identity and user context.
package botfiles

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"

	"github.com/boternity/boternity/internal/clock"
	"github.com/boternity/boternity/internal/ids"
	"github.com/boternity/boternity/internal/storage"
)

var filenames = map[storage.FileKind]string{
	storage.FileSoul:        "SOUL.md",
	storage.FileIdentity:    "IDENTITY.md",
	storage.FileUserContext: "USER.md",
}

// Store reads and writes bot files on disk and keeps their FileMetadata
// index current.
type Store struct {
	dataDir string
	repo    storage.FileRepository
	clock   clock.Clock
}

// New constructs a Store rooted at dataDir (files live under
// dataDir/bots/{bot_id}/).
func New(dataDir string, repo storage.FileRepository, c clock.Clock) *Store {
	if repo == nil {
		panic("botfiles: repo is required")
	}
	if c == nil {
		c = clock.System()
	}
	return &Store{dataDir: dataDir, repo: repo, clock: c}
}

func (s *Store) path(botID ids.ID, kind storage.FileKind) string {
	return filepath.Join(s.dataDir, "bots", botID.String(), filenames[kind])
}

// Read returns the current content for botID/kind, or "" with ok=false if
// the file has never been written.
func (s *Store) Read(ctx context.Context, botID ids.ID, kind storage.FileKind) (content string, ok bool, err error) {
	b, err := os.ReadFile(s.path(botID, kind))
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(b), true, nil
}

// Write persists content to disk and upserts its FileMetadata row.
func (s *Store) Write(ctx context.Context, botID ids.ID, kind storage.FileKind, content string) error {
	p := s.path(botID, kind)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		return err
	}
	sum := sha256.Sum256([]byte(content))
	return s.repo.UpsertFileMetadata(ctx, storage.FileMetadata{
		BotID:       botID,
		Kind:        kind,
		Path:        p,
		ContentHash: hex.EncodeToString(sum[:]),
		SizeBytes:   int64(len(content)),
		UpdatedAt:   s.clock.Now().UTC(),
	})
}
