package chat

import (
	"context"
	"strings"

	"github.com/boternity/boternity/internal/provider"
	"github.com/boternity/boternity/internal/storage"
)

// Summarizer condenses a run of chat messages into a single summary string
// for the sliding-window rule in spec.md §4.3.
type Summarizer interface {
	Summarize(ctx context.Context, messages []storage.ChatMessage) (string, error)
}

// NoopSummarizer never gets called unless the pipeline's window budget is
// exceeded; it exists purely so Pipeline has a safe zero-value default and
// fails loudly (an obviously wrong summary) rather than silently if wired
// without a real summarizer.
type NoopSummarizer struct{}

func (NoopSummarizer) Summarize(ctx context.Context, messages []storage.ChatMessage) (string, error) {
	var b strings.Builder
	b.WriteString("[unsummarized: ")
	for i, m := range messages {
		if i > 0 {
			b.WriteString(" ")
		}
		b.WriteString(string(m.Role))
	}
	b.WriteString("]")
	return b.String(), nil
}

// ProviderSummarizer asks a small/cheap model to summarize via a
// non-streaming Complete call.
type ProviderSummarizer struct {
	Provider provider.CompletionProvider
	Model    string
}

func (s ProviderSummarizer) Summarize(ctx context.Context, messages []storage.ChatMessage) (string, error) {
	var transcript strings.Builder
	for _, m := range messages {
		transcript.WriteString(string(m.Role))
		transcript.WriteString(": ")
		transcript.WriteString(m.Content)
		transcript.WriteString("\n")
	}
	req := &provider.Request{
		Model:      s.Model,
		ModelClass: provider.ModelClassSmall,
		Messages: []*provider.Message{
			{Role: provider.RoleSystem, Parts: []provider.Part{provider.TextPart{
				Text: "Summarize the following conversation excerpt concisely, preserving facts and decisions.",
			}}},
			{Role: provider.RoleUser, Parts: []provider.Part{provider.TextPart{Text: transcript.String()}}},
		},
	}
	resp, err := s.Provider.Complete(ctx, req)
	if err != nil {
		return "", err
	}
	return textOf(resp.Content), nil
}

func textOf(messages []provider.Message) string {
	var b strings.Builder
	for _, m := range messages {
		for _, p := range m.Parts {
			if tp, ok := p.(provider.TextPart); ok {
				b.WriteString(tp.Text)
			}
		}
	}
	return b.String()
}
