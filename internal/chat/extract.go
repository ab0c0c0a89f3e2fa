package chat

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/boternity/boternity/internal/ids"
	"github.com/boternity/boternity/internal/provider"
	"github.com/boternity/boternity/internal/storage"
)

// Candidate is one memory extracted from a run of messages, matching
// spec.md §4.3's { fact, category, importance, source_message_id } shape
// plus an optional reference to the prior memory it corrects.
type Candidate struct {
	Fact               string
	Category           storage.MemoryCategory
	Importance         int
	SourceMessageID    *ids.ID
	SupersedesMemoryID *ids.ID
}

// Extractor produces zero or more memory candidates from new messages.
type Extractor interface {
	Extract(ctx context.Context, messages []storage.ChatMessage) ([]Candidate, error)
}

// candidateWire is the JSON shape the extractor prompt asks the model to
// emit; ids are strings since ids.ID round-trips through JSON as one.
type candidateWire struct {
	Fact               string `json:"fact"`
	Category           string `json:"category"`
	Importance         int    `json:"importance"`
	SourceMessageID    string `json:"source_message_id,omitempty"`
	SupersedesMemoryID string `json:"supersedes_memory_id,omitempty"`
}

// ProviderExtractor asks a model to emit a JSON array of candidateWire
// objects and parses the result. A response that isn't valid JSON is
// treated as an extraction failure (triggers the worker's backoff), since a
// model that can't follow the shape can't be trusted to have extracted
// correctly either.
type ProviderExtractor struct {
	Provider provider.CompletionProvider
	Model    string
}

func (e ProviderExtractor) Extract(ctx context.Context, messages []storage.ChatMessage) ([]Candidate, error) {
	if len(messages) == 0 {
		return nil, nil
	}
	var transcript strings.Builder
	for _, m := range messages {
		transcript.WriteString(string(m.Role))
		transcript.WriteString(": ")
		transcript.WriteString(m.Content)
		transcript.WriteString("\n")
	}
	req := &provider.Request{
		Model:      e.Model,
		ModelClass: provider.ModelClassSmall,
		Messages: []*provider.Message{
			{Role: provider.RoleSystem, Parts: []provider.Part{provider.TextPart{
				Text: "Extract durable facts, preferences, decisions, or corrections from this conversation excerpt. " +
					"Reply with a JSON array of objects: fact, category (preference|fact|decision|context|correction), " +
					"importance (1-5), source_message_id, and supersedes_memory_id (only for corrections). " +
					"Reply with an empty array if nothing is worth remembering.",
			}}},
			{Role: provider.RoleUser, Parts: []provider.Part{provider.TextPart{Text: transcript.String()}}},
		},
	}
	resp, err := e.Provider.Complete(ctx, req)
	if err != nil {
		return nil, err
	}

	var wire []candidateWire
	if err := json.Unmarshal([]byte(textOf(resp.Content)), &wire); err != nil {
		return nil, err
	}

	out := make([]Candidate, 0, len(wire))
	for _, w := range wire {
		c := Candidate{Fact: w.Fact, Category: storage.MemoryCategory(w.Category), Importance: w.Importance}
		if w.SourceMessageID != "" {
			if id, err := ids.Parse(w.SourceMessageID); err == nil {
				c.SourceMessageID = &id
			}
		}
		if w.SupersedesMemoryID != "" {
			if id, err := ids.Parse(w.SupersedesMemoryID); err == nil {
				c.SupersedesMemoryID = &id
			}
		}
		out = append(out, c)
	}
	return out, nil
}
