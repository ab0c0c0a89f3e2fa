// Package chat implements the turn-by-turn chat streaming pipeline: prompt
// assembly over a bot's soul/identity/context/memories/summaries/tail,
// streaming the completion while publishing deltas on the event bus,
// persisting the finished turn, and enqueueing memory extraction — the
// eight-step protocol from spec.md §4.3.
package chat

import (
	"context"
	"errors"
	"io"

	"github.com/boternity/boternity/internal/botfiles"
	"github.com/boternity/boternity/internal/bus"
	"github.com/boternity/boternity/internal/clock"
	"github.com/boternity/boternity/internal/ids"
	"github.com/boternity/boternity/internal/provider"
	"github.com/boternity/boternity/internal/storage"
	"github.com/boternity/boternity/internal/telemetry"
)

const (
	defaultWindowTokens = 100_000
	defaultTopKMemories = 20
)

// Completer is the subset of provider.CompletionProvider the pipeline needs
// for the turn itself; pool-level failover lives behind the same interface
// (*provider.Pool implements it).
type Completer interface {
	Stream(ctx context.Context, req *provider.Request) (provider.Streamer, error)
}

// Pipeline drives chat turns for every bot. One Pipeline instance serves
// the whole process; state is per-call, not per-bot.
type Pipeline struct {
	sessions storage.SessionRepository
	bots     storage.BotRepository
	files    *botfiles.Store
	completer Completer
	summarizer Summarizer
	bus      bus.Publisher
	clock    clock.Clock
	ids      ids.Gen
	logger   telemetry.Logger

	windowTokens int
	topKMemories int
}

// Options configures a Pipeline. Sessions, Bots, and Completer are required.
type Options struct {
	Sessions   storage.SessionRepository
	Bots       storage.BotRepository
	Files      *botfiles.Store
	Completer  Completer
	Summarizer Summarizer
	Bus        bus.Publisher
	Clock      clock.Clock
	IDs        ids.Gen
	Logger     telemetry.Logger

	// WindowTokens is the model's working window budget. Defaults to
	// defaultWindowTokens.
	WindowTokens int
	// TopKMemories bounds how many active memories enter the prompt.
	// Defaults to defaultTopKMemories.
	TopKMemories int
}

// NewPipeline constructs a Pipeline. It panics if Sessions, Bots, or
// Completer is nil.
func NewPipeline(opts Options) *Pipeline {
	if opts.Sessions == nil {
		panic("chat: Sessions is required")
	}
	if opts.Bots == nil {
		panic("chat: Bots is required")
	}
	if opts.Completer == nil {
		panic("chat: Completer is required")
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
	window := opts.WindowTokens
	if window <= 0 {
		window = defaultWindowTokens
	}
	topK := opts.TopKMemories
	if topK <= 0 {
		topK = defaultTopKMemories
	}
	summarizer := opts.Summarizer
	if summarizer == nil {
		summarizer = NoopSummarizer{}
	}
	return &Pipeline{
		sessions: opts.Sessions, bots: opts.Bots, files: opts.Files,
		completer: opts.Completer, summarizer: summarizer, bus: opts.Bus,
		clock: c, ids: gen, logger: logger,
		windowTokens: window, topKMemories: topK,
	}
}

// TurnRequest is the input to a single chat turn.
type TurnRequest struct {
	BotID       ids.ID
	SessionID   *ids.ID // nil creates a new session
	UserMessage string
	Model       string
	ModelClass  provider.ModelClass
}

// TurnResult reports the outcome of a completed turn.
type TurnResult struct {
	SessionID      ids.ID
	AssistantText  string
	Usage          provider.TokenUsage
	StopReason     string
}

// Turn runs the full eight-step protocol for one user message. A provider
// failure aborts the stream, publishes an error event, and leaves the user
// message (already persisted) in place without ever persisting a partial
// assistant message.
func (p *Pipeline) Turn(ctx context.Context, req TurnRequest) (TurnResult, error) {
	sess, err := p.resolveSession(ctx, req)
	if err != nil {
		return TurnResult{}, err
	}

	now := p.clock.Now().UTC()
	userMsg := storage.ChatMessage{
		ID: p.ids.New(), SessionID: sess.ID, Role: storage.RoleUser,
		Content: req.UserMessage, CreatedAt: now,
	}
	if err := p.sessions.AppendMessage(ctx, userMsg); err != nil {
		return TurnResult{}, err
	}

	topics := []bus.Topic{
		{Kind: bus.TopicSession, Value: sess.ID.String()},
		{Kind: bus.TopicBot, Value: req.BotID.String()},
	}

	p.publish(ctx, bus.New(bus.KindSession, sessionEventPayload{SessionID: sess.ID.String()}, topics...))

	messages, err := p.assemble(ctx, req.BotID, sess)
	if err != nil {
		return TurnResult{}, err
	}

	creq := &provider.Request{
		SessionID: sess.ID.String(), Model: req.Model, ModelClass: req.ModelClass,
		Messages: messages, Stream: true,
	}

	result, err := p.stream(ctx, topics, creq)
	if err != nil {
		p.publish(ctx, bus.New(bus.KindError, errorEventPayload{Message: err.Error()}, topics...))
		return TurnResult{}, err
	}

	assistantMsg := storage.ChatMessage{
		ID: p.ids.New(), SessionID: sess.ID, Role: storage.RoleAssistant,
		Content: result.AssistantText, CreatedAt: p.clock.Now().UTC(),
		Model: req.Model, StopReason: result.StopReason,
	}
	inTok, outTok := result.Usage.InputTokens, result.Usage.OutputTokens
	assistantMsg.InputTokens = &inTok
	assistantMsg.OutputTokens = &outTok

	totals := sess.Totals
	totals.InputTokens += inTok
	totals.OutputTokens += outTok
	totals.MessageCount += 2 // user + assistant

	if err := p.sessions.AppendMessageAndUpdateTotals(ctx, assistantMsg, totals); err != nil {
		return TurnResult{}, err
	}

	if err := p.sessions.CreateExtractionJob(ctx, storage.MemoryExtractionJob{
		ID: p.ids.New(), SessionID: sess.ID, FromMessageID: userMsg.ID,
		NextAttemptAt: p.clock.Now().UTC(), CreatedAt: p.clock.Now().UTC(),
	}); err != nil {
		// Extraction is best-effort follow-up work; it must never roll
		// back an already-persisted, already-streamed turn.
		p.logger.Error(ctx, "failed to enqueue memory extraction job", "session_id", string(sess.ID), "error", err.Error())
	}

	result.SessionID = sess.ID
	return result, nil
}

func (p *Pipeline) resolveSession(ctx context.Context, req TurnRequest) (storage.ChatSession, error) {
	if req.SessionID != nil {
		return p.sessions.GetSession(ctx, *req.SessionID)
	}
	sess := storage.ChatSession{
		ID: p.ids.New(), BotID: req.BotID, StartedAt: p.clock.Now().UTC(),
		Model: req.Model, Status: storage.SessionStatusActive,
	}
	if err := p.sessions.CreateSession(ctx, sess); err != nil {
		return storage.ChatSession{}, err
	}
	return sess, nil
}

func (p *Pipeline) stream(ctx context.Context, topics []bus.Topic, creq *provider.Request) (TurnResult, error) {
	strm, err := p.completer.Stream(ctx, creq)
	if err != nil {
		return TurnResult{}, err
	}
	defer strm.Close()

	var text string
	var usage provider.TokenUsage
	var stopReason string
	for {
		chunk, err := strm.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return TurnResult{}, err
		}
		switch chunk.Type {
		case provider.ChunkTypeText:
			if chunk.Message != nil {
				for _, part := range chunk.Message.Parts {
					if tp, ok := part.(provider.TextPart); ok {
						text += tp.Text
						p.publish(ctx, bus.New(bus.KindTextDelta, textDeltaPayload{Text: tp.Text}, topics...))
					}
				}
			}
		case provider.ChunkTypeUsage:
			if chunk.UsageDelta != nil {
				usage.InputTokens += chunk.UsageDelta.InputTokens
				usage.OutputTokens += chunk.UsageDelta.OutputTokens
				usage.CacheReadTokens += chunk.UsageDelta.CacheReadTokens
				usage.CacheWriteTokens += chunk.UsageDelta.CacheWriteTokens
			}
		case provider.ChunkTypeStop:
			stopReason = chunk.StopReason
			p.publish(ctx, bus.New(bus.KindUsage, usagePayload{Input: usage.InputTokens, Output: usage.OutputTokens}, topics...))
			p.publish(ctx, bus.New(bus.KindDone, donePayload{StopReason: stopReason}, topics...))
			return TurnResult{AssistantText: text, Usage: usage, StopReason: stopReason}, nil
		}
	}
	return TurnResult{AssistantText: text, Usage: usage, StopReason: stopReason}, nil
}

func (p *Pipeline) publish(ctx context.Context, ev bus.Event) {
	if p.bus == nil {
		return
	}
	_ = p.bus.Publish(ctx, ev)
}

type sessionEventPayload struct {
	SessionID string `json:"session_id"`
}

type textDeltaPayload struct {
	Text string `json:"text"`
}

type usagePayload struct {
	Input  int `json:"input_tokens"`
	Output int `json:"output_tokens"`
}

type donePayload struct {
	StopReason string `json:"stop_reason"`
}

type errorEventPayload struct {
	Message string `json:"message"`
}
