package chat

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/boternity/boternity/internal/ids"
	"github.com/boternity/boternity/internal/provider"
	"github.com/boternity/boternity/internal/storage"
	"github.com/boternity/boternity/internal/storage/memtest"
)

var baseTime = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func fixedTime(offsetSeconds int) time.Time {
	return baseTime.Add(time.Duration(offsetSeconds) * time.Second)
}

func firstSystemText(messages []*provider.Message) string {
	var b strings.Builder
	for _, p := range messages[0].Parts {
		if tp, ok := p.(provider.TextPart); ok {
			b.WriteString(tp.Text)
		}
	}
	return b.String()
}

func TestAssembleOrdersMemoriesByImportanceThenRecency(t *testing.T) {
	ctx := context.Background()
	store := memtest.New()
	b := storage.Bot{ID: ids.System().New(), Status: storage.BotStatusActive}
	require.NoError(t, store.CreateBot(ctx, b))

	low := storage.SessionMemory{ID: ids.System().New(), BotID: b.ID, Fact: "low importance", Importance: 1, CreatedAt: fixedTime(1)}
	high := storage.SessionMemory{ID: ids.System().New(), BotID: b.ID, Fact: "high importance", Importance: 5, CreatedAt: fixedTime(0)}
	require.NoError(t, store.CreateMemory(ctx, low))
	require.NoError(t, store.CreateMemory(ctx, high))

	p := NewPipeline(Options{Sessions: store, Bots: store, Completer: &fakeCompleter{}})

	sess := storage.ChatSession{ID: ids.System().New(), BotID: b.ID, Status: storage.SessionStatusActive}
	require.NoError(t, store.CreateSession(ctx, sess))

	messages, err := p.assemble(ctx, b.ID, sess)
	require.NoError(t, err)
	require.Len(t, messages, 1) // just the system message; no tail yet

	sysText := firstSystemText(messages)
	require.Less(t, strings.Index(sysText, "high importance"), strings.Index(sysText, "low importance"))
}

func TestMaybeSummarizeCondensesOldestMessagesThatDontFit(t *testing.T) {
	ctx := context.Background()
	store := memtest.New()
	b := storage.Bot{ID: ids.System().New(), Status: storage.BotStatusActive}
	require.NoError(t, store.CreateBot(ctx, b))

	sess := storage.ChatSession{ID: ids.System().New(), BotID: b.ID, Status: storage.SessionStatusActive}
	require.NoError(t, store.CreateSession(ctx, sess))

	// Each message is 40 chars -> 10 tokens under the len/4 heuristic.
	long := strings.Repeat("a", 40)
	for i := 0; i < 5; i++ {
		require.NoError(t, store.AppendMessage(ctx, storage.ChatMessage{
			ID: ids.System().New(), SessionID: sess.ID, Role: storage.RoleUser,
			Content: long, CreatedAt: fixedTime(i),
		}))
	}

	p := NewPipeline(Options{Sessions: store, Bots: store, Completer: &fakeCompleter{}, WindowTokens: 25})

	messages, err := p.assemble(ctx, b.ID, sess)
	require.NoError(t, err)

	summaries, err := store.ListSummaries(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	require.Equal(t, 0, summaries[0].MessagesStart)
	require.Less(t, summaries[0].MessagesEnd, 5)

	// The summary message plus the tail that fits in budget.
	require.Greater(t, len(messages), 1)
}

func TestMaybeSummarizeNeverResummarizesACoveredRange(t *testing.T) {
	ctx := context.Background()
	store := memtest.New()
	b := storage.Bot{ID: ids.System().New(), Status: storage.BotStatusActive}
	require.NoError(t, store.CreateBot(ctx, b))

	sess := storage.ChatSession{ID: ids.System().New(), BotID: b.ID, Status: storage.SessionStatusActive}
	require.NoError(t, store.CreateSession(ctx, sess))

	require.NoError(t, store.CreateSummary(ctx, storage.ContextSummary{
		ID: ids.System().New(), SessionID: sess.ID, Summary: "earlier conversation",
		MessagesStart: 0, MessagesEnd: 3, TokenCount: 5, CreatedAt: fixedTime(0),
	}))
	for i := 0; i < 3; i++ {
		require.NoError(t, store.AppendMessage(ctx, storage.ChatMessage{
			ID: ids.System().New(), SessionID: sess.ID, Role: storage.RoleUser,
			Content: "short", CreatedAt: fixedTime(i),
		}))
	}
	require.NoError(t, store.AppendMessage(ctx, storage.ChatMessage{
		ID: ids.System().New(), SessionID: sess.ID, Role: storage.RoleUser,
		Content: "latest", CreatedAt: fixedTime(10),
	}))

	p := NewPipeline(Options{Sessions: store, Bots: store, Completer: &fakeCompleter{}})
	_, err := p.assemble(ctx, b.ID, sess)
	require.NoError(t, err)

	summaries, err := store.ListSummaries(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, summaries, 1, "the pre-existing summary must not be re-summarized")
}
