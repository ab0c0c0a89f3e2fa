package chat

import (
	"context"
	"sort"

	"github.com/boternity/boternity/internal/ids"
	"github.com/boternity/boternity/internal/provider"
	"github.com/boternity/boternity/internal/storage"
)

// estimateTokens applies the same conservative len/4 heuristic as
// provider.DefaultTokenEstimator to a plain text block. The pipeline
// budgets soul/identity/context/memory/summary text this way rather than
// round-tripping each block through a *provider.Request.
func estimateTokens(s string) int {
	return len(s) / 4
}

// assemble builds the prompt for one turn: soul, identity, user context,
// top-K active memories, context summaries in range order, and the live
// message tail, in that order, per spec.md §4.3 step 3.
func (p *Pipeline) assemble(ctx context.Context, botID ids.ID, sess storage.ChatSession) ([]*provider.Message, error) {
	var system string

	if soul, err := p.bots.GetSoul(ctx, botID); err == nil {
		if v, err := p.bots.GetSoulVersion(ctx, botID, soul.CurrentVersion); err == nil {
			system += v.Content + "\n\n"
		}
	}

	if p.files != nil {
		if identity, ok, _ := p.files.Read(ctx, botID, storage.FileIdentity); ok {
			system += identity + "\n\n"
		}
		if userCtx, ok, _ := p.files.Read(ctx, botID, storage.FileUserContext); ok {
			system += userCtx + "\n\n"
		}
	}

	activeMemories, err := p.sessions.ListActiveMemories(ctx, botID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(activeMemories, func(i, j int) bool {
		if activeMemories[i].Importance != activeMemories[j].Importance {
			return activeMemories[i].Importance > activeMemories[j].Importance
		}
		return activeMemories[i].CreatedAt.After(activeMemories[j].CreatedAt)
	})
	if len(activeMemories) > p.topKMemories {
		activeMemories = activeMemories[:p.topKMemories]
	}
	for _, m := range activeMemories {
		system += "- " + m.Fact + "\n"
	}
	if len(activeMemories) > 0 {
		system += "\n"
	}

	fixedCost := estimateTokens(system)

	allMessages, err := p.sessions.ListMessages(ctx, sess.ID, 0, -1)
	if err != nil {
		return nil, err
	}

	summaries, err := p.sessions.ListSummaries(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].MessagesStart < summaries[j].MessagesStart })

	unsummarizedStart := 0
	for _, s := range summaries {
		if s.MessagesEnd > unsummarizedStart {
			unsummarizedStart = s.MessagesEnd
		}
	}
	for _, s := range summaries {
		fixedCost += s.TokenCount
	}

	unsummarized := allMessages[unsummarizedStart:]

	tailStart, err := p.maybeSummarize(ctx, sess.ID, unsummarizedStart, unsummarized, fixedCost)
	if err != nil {
		return nil, err
	}
	if tailStart > 0 {
		// A new summary was just persisted; re-fetch so it's included in
		// range order alongside any pre-existing ones.
		summaries, err = p.sessions.ListSummaries(ctx, sess.ID)
		if err != nil {
			return nil, err
		}
		sort.Slice(summaries, func(i, j int) bool { return summaries[i].MessagesStart < summaries[j].MessagesStart })
	}
	tail := unsummarized[tailStart:]

	out := make([]*provider.Message, 0, 1+len(summaries)+len(tail))
	if system != "" {
		out = append(out, &provider.Message{Role: provider.RoleSystem, Parts: []provider.Part{provider.TextPart{Text: system}}})
	}
	for _, s := range summaries {
		out = append(out, &provider.Message{Role: provider.RoleSystem, Parts: []provider.Part{provider.TextPart{Text: s.Summary}}})
	}
	for _, m := range tail {
		out = append(out, &provider.Message{Role: roleOf(m.Role), Parts: []provider.Part{provider.TextPart{Text: m.Content}}})
	}
	return out, nil
}

func roleOf(r storage.MessageRole) provider.ConversationRole {
	switch r {
	case storage.RoleAssistant:
		return provider.RoleAssistant
	case storage.RoleSystem:
		return provider.RoleSystem
	default:
		return provider.RoleUser
	}
}

// maybeSummarize implements the sliding-window rule: if unsummarized
// messages (plus fixedCost) would exceed the pipeline's window budget, the
// oldest messages that don't fit in the remaining budget are summarized and
// persisted as a ContextSummary, never to be re-summarized. It returns the
// index into unsummarized where the live tail begins.
func (p *Pipeline) maybeSummarize(ctx context.Context, sessionID ids.ID, unsummarizedStart int, unsummarized []storage.ChatMessage, fixedCost int) (int, error) {
	budget := p.windowTokens - fixedCost
	if budget < 0 {
		budget = 0
	}

	used := 0
	tailStart := len(unsummarized)
	for i := len(unsummarized) - 1; i >= 0; i-- {
		cost := estimateTokens(unsummarized[i].Content)
		if used+cost > budget {
			break
		}
		used += cost
		tailStart = i
	}
	if tailStart == 0 {
		return 0, nil
	}

	toSummarize := unsummarized[:tailStart]
	summaryText, err := p.summarizer.Summarize(ctx, toSummarize)
	if err != nil {
		return 0, err
	}
	sum := storage.ContextSummary{
		ID: p.ids.New(), SessionID: sessionID, Summary: summaryText,
		MessagesStart: unsummarizedStart, MessagesEnd: unsummarizedStart + tailStart,
		TokenCount: estimateTokens(summaryText), CreatedAt: p.clock.Now().UTC(),
	}
	if err := p.sessions.CreateSummary(ctx, sum); err != nil {
		return 0, err
	}
	return tailStart, nil
}
