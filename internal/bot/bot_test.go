package bot

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/boternity/boternity/internal/storage"
	"github.com/boternity/boternity/internal/storage/memtest"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	return NewService(Options{Repo: memtest.New()})
}

func TestCreateAndGetBot(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	b, err := s.CreateBot(ctx, "clippy", "Clippy", "helper", "📎", "assistant")
	require.NoError(t, err)
	require.Equal(t, storage.BotStatusActive, b.Status)

	got, err := s.GetBotBySlug(ctx, "clippy")
	require.NoError(t, err)
	require.Equal(t, b.ID, got.ID)
}

func TestAppendSoulVersionIncrementsVersionAndHash(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	b, err := s.CreateBot(ctx, "ada", "Ada", "", "", "")
	require.NoError(t, err)

	soul, err := s.AppendSoulVersion(ctx, b.ID, "you are ada", "initial")
	require.NoError(t, err)
	require.Equal(t, 1, soul.CurrentVersion)

	soul, err = s.AppendSoulVersion(ctx, b.ID, "you are ada, revised", "tweak")
	require.NoError(t, err)
	require.Equal(t, 2, soul.CurrentVersion)
	require.Equal(t, hashContent("you are ada, revised"), soul.ContentHash)

	versions, err := s.ListSoulVersions(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, versions, 2)
}

func TestVerifyAllSoulsQuarantinesHashMismatch(t *testing.T) {
	store := memtest.New()
	s := NewService(Options{Repo: store})
	ctx := context.Background()

	b, err := s.CreateBot(ctx, "tampered", "Tampered", "", "", "")
	require.NoError(t, err)
	_, err = s.AppendSoulVersion(ctx, b.ID, "original content", "v1")
	require.NoError(t, err)

	store.CorruptSoulHash(b.ID, "not-the-real-hash")

	require.NoError(t, s.VerifyAllSouls(ctx))

	reason, quarantined := s.Quarantined(b.ID)
	require.True(t, quarantined)
	require.Contains(t, reason, "content_hash")
}

func TestVerifyAllSoulsLeavesHealthyBotsAlone(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	b, err := s.CreateBot(ctx, "healthy", "Healthy", "", "", "")
	require.NoError(t, err)
	_, err = s.AppendSoulVersion(ctx, b.ID, "fine", "v1")
	require.NoError(t, err)

	require.NoError(t, s.VerifyAllSouls(ctx))

	_, quarantined := s.Quarantined(b.ID)
	require.False(t, quarantined)
}
