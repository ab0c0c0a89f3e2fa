package chat

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/boternity/boternity/internal/bus"
	"github.com/boternity/boternity/internal/ids"
	"github.com/boternity/boternity/internal/provider"
	"github.com/boternity/boternity/internal/storage"
	"github.com/boternity/boternity/internal/storage/memtest"
)

type fakeStreamer struct {
	chunks []provider.Chunk
	i      int
	err    error
}

func (f *fakeStreamer) Recv() (provider.Chunk, error) {
	if f.i >= len(f.chunks) {
		if f.err != nil {
			return provider.Chunk{}, f.err
		}
		return provider.Chunk{}, io.EOF
	}
	c := f.chunks[f.i]
	f.i++
	return c, nil
}

func (f *fakeStreamer) Close() error { return nil }

type fakeCompleter struct {
	streamer *fakeStreamer
	err      error
}

func (f *fakeCompleter) Stream(ctx context.Context, req *provider.Request) (provider.Streamer, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.streamer, nil
}

func textChunk(s string) provider.Chunk {
	return provider.Chunk{Type: provider.ChunkTypeText, Message: &provider.Message{
		Role: provider.RoleAssistant, Parts: []provider.Part{provider.TextPart{Text: s}},
	}}
}

func newTestPipeline(t *testing.T, completer Completer, b *bus.Bus) (*Pipeline, storage.Bot, *memtest.Store) {
	t.Helper()
	store := memtest.New()
	ctx := context.Background()

	bot := storage.Bot{ID: ids.System().New(), Slug: "ada", Name: "Ada", Status: storage.BotStatusActive}
	require.NoError(t, store.CreateBot(ctx, bot))

	p := NewPipeline(Options{
		Sessions: store, Bots: store, Completer: completer, Bus: b,
	})
	return p, bot, store
}

func TestTurnCreatesSessionStreamsAndPersists(t *testing.T) {
	ctx := context.Background()
	b := bus.NewBus(16)

	completer := &fakeCompleter{streamer: &fakeStreamer{chunks: []provider.Chunk{
		textChunk("hello"), textChunk(" there"),
		{Type: provider.ChunkTypeUsage, UsageDelta: &provider.TokenUsage{InputTokens: 10, OutputTokens: 5}},
		{Type: provider.ChunkTypeStop, StopReason: "end_turn"},
	}}}

	p, bot, store := newTestPipeline(t, completer, b)

	result, err := p.Turn(ctx, TurnRequest{BotID: bot.ID, UserMessage: "hi"})
	require.NoError(t, err)
	require.Equal(t, "hello there", result.AssistantText)
	require.Equal(t, "end_turn", result.StopReason)
	require.Equal(t, 10, result.Usage.InputTokens)
	require.Equal(t, 5, result.Usage.OutputTokens)

	sess, err := store.GetSession(ctx, result.SessionID)
	require.NoError(t, err)
	require.Equal(t, 2, sess.Totals.MessageCount)
	require.Equal(t, 10, sess.Totals.InputTokens)
	require.Equal(t, 5, sess.Totals.OutputTokens)

	msgs, err := store.ListMessages(ctx, result.SessionID, 0, -1)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, storage.RoleUser, msgs[0].Role)
	require.Equal(t, storage.RoleAssistant, msgs[1].Role)

	jobs, err := store.ListDueExtractionJobs(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, result.SessionID, jobs[0].SessionID)
}

func TestTurnOnProviderErrorLeavesUserMessageAndEmitsError(t *testing.T) {
	ctx := context.Background()
	b := bus.NewBus(16)

	completer := &fakeCompleter{err: context.DeadlineExceeded}
	p, bot, store := newTestPipeline(t, completer, b)

	sess := storage.ChatSession{ID: ids.System().New(), BotID: bot.ID, Status: storage.SessionStatusActive}
	require.NoError(t, store.CreateSession(ctx, sess))

	sub := b.Subscribe(bus.Topic{Kind: bus.TopicSession, Value: sess.ID.String()})
	defer sub.Close()

	_, err := p.Turn(ctx, TurnRequest{BotID: bot.ID, SessionID: &sess.ID, UserMessage: "hi"})
	require.Error(t, err)

	msgs, err := store.ListMessages(ctx, sess.ID, 0, -1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, storage.RoleUser, msgs[0].Role)

	var sawError, sawSession bool
	for {
		select {
		case ev := <-sub.C:
			if ev.Kind == bus.KindError {
				sawError = true
			}
			if ev.Kind == bus.KindSession {
				sawSession = true
			}
			continue
		default:
		}
		break
	}
	require.True(t, sawSession)
	require.True(t, sawError)
}
