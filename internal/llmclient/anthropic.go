// Package llmclient implements provider.CompletionProvider against the
// Anthropic Messages API over net/http. Every other subsystem treats
// completions as the abstract provider.CompletionProvider interface (spec
// §1 scopes LLM backends themselves as external collaborators); this is
// simply the one concrete adapter cmd/boternityd wires in by default so the
// process has something real to call.
package llmclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/boternity/boternity/internal/errs"
	"github.com/boternity/boternity/internal/provider"
)

const (
	defaultModel     = "claude-sonnet-4-5-20250929"
	defaultModelFast = "claude-haiku-4-5-20251001"
	defaultAPIBase   = "https://api.anthropic.com/v1"
	apiVersion       = "2023-06-01"
)

// Provider implements provider.CompletionProvider against the Anthropic
// Messages API.
type Provider struct {
	apiKey       string
	baseURL      string
	defaultModel string
	fastModel    string
	client       *http.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base, for pointing at a compatible proxy.
func WithBaseURL(url string) Option {
	return func(p *Provider) {
		if url != "" {
			p.baseURL = strings.TrimRight(url, "/")
		}
	}
}

// WithModel overrides the default model used when a Request names none.
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.defaultModel = model
		}
	}
}

// WithHTTPClient overrides the http.Client, e.g. to share one with
// connection pooling already tuned across the process.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		if c != nil {
			p.client = c
		}
	}
}

// New constructs a Provider. apiKey is sent as the x-api-key header on
// every request.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey: apiKey, baseURL: defaultAPIBase,
		defaultModel: defaultModel, fastModel: defaultModelFast,
		client: &http.Client{Timeout: 120 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Provider) Name() string { return "anthropic" }

// Complete performs a non-streaming completion call.
func (p *Provider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	body, err := p.do(ctx, p.buildBody(req, false))
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var raw anthropicMessage
	if err := json.NewDecoder(body).Decode(&raw); err != nil {
		return nil, errs.Wrap(errs.Upstream, "decode anthropic response", err)
	}
	return raw.toResponse(), nil
}

// Stream performs a streaming completion call.
func (p *Provider) Stream(ctx context.Context, req *provider.Request) (provider.Streamer, error) {
	body, err := p.do(ctx, p.buildBody(req, true))
	if err != nil {
		return nil, err
	}
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &stream{body: body, scanner: scanner}, nil
}

func (p *Provider) resolveModel(req *provider.Request) string {
	if req.Model != "" {
		return req.Model
	}
	if req.ModelClass == provider.ModelClassSmall {
		return p.fastModel
	}
	return p.defaultModel
}

// buildBody translates a provider.Request into the Anthropic Messages API
// request shape, grounded on vanducng-goclaw's AnthropicProvider.
// buildRequestBody, narrowed to the Part kinds provider.Request actually
// carries (text, tool use, tool result — no images, since nothing upstream
// of provider.Request constructs a vision Part).
func (p *Provider) buildBody(req *provider.Request, stream bool) map[string]any {
	var system []map[string]any
	var messages []map[string]any
	for _, m := range req.Messages {
		if m.Role == provider.RoleSystem {
			for _, part := range m.Parts {
				if tp, ok := part.(provider.TextPart); ok {
					system = append(system, map[string]any{"type": "text", "text": tp.Text})
				}
			}
			continue
		}
		var blocks []map[string]any
		for _, part := range m.Parts {
			switch v := part.(type) {
			case provider.TextPart:
				blocks = append(blocks, map[string]any{"type": "text", "text": v.Text})
			case provider.ToolUsePart:
				blocks = append(blocks, map[string]any{"type": "tool_use", "id": v.ID, "name": v.Name, "input": v.Input})
			case provider.ToolResultPart:
				blocks = append(blocks, map[string]any{"type": "tool_result", "tool_use_id": v.ToolUseID, "content": v.Content, "is_error": v.IsError})
			}
		}
		messages = append(messages, map[string]any{"role": string(m.Role), "content": blocks})
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	body := map[string]any{
		"model":      p.resolveModel(req),
		"max_tokens": maxTokens,
		"messages":   messages,
	}
	if stream {
		body["stream"] = true
	}
	if len(system) > 0 {
		body["system"] = system
	}
	if req.Temperature > 0 {
		body["temperature"] = req.Temperature
	}
	if len(req.Tools) > 0 {
		var tools []map[string]any
		for _, t := range req.Tools {
			tools = append(tools, map[string]any{"name": t.Name, "description": t.Description, "input_schema": t.InputSchema})
		}
		body["tools"] = tools
	}
	return body
}

func (p *Provider) do(ctx context.Context, body map[string]any) (io.ReadCloser, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "marshal anthropic request", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "build anthropic request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, errs.Wrap(errs.Upstream, "anthropic request failed", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, errs.New(errs.Upstream, fmt.Sprintf("anthropic: %s: %s", resp.Status, string(msg)))
	}
	return resp.Body, nil
}

type anthropicMessage struct {
	Content []struct {
		Type  string `json:"type"`
		Text  string `json:"text"`
		ID    string `json:"id"`
		Name  string `json:"name"`
		Input any    `json:"input"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (m anthropicMessage) toResponse() *provider.Response {
	resp := &provider.Response{
		StopReason: m.StopReason,
		Usage:      provider.TokenUsage{InputTokens: m.Usage.InputTokens, OutputTokens: m.Usage.OutputTokens},
	}
	var parts []provider.Part
	for _, block := range m.Content {
		switch block.Type {
		case "text":
			parts = append(parts, provider.TextPart{Text: block.Text})
		case "tool_use":
			payload, _ := json.Marshal(block.Input)
			resp.ToolCalls = append(resp.ToolCalls, provider.ToolCall{ID: block.ID, Name: block.Name, Payload: payload})
		}
	}
	if len(parts) > 0 {
		resp.Content = []provider.Message{{Role: provider.RoleAssistant, Parts: parts}}
	}
	return resp
}

// stream implements provider.Streamer by incrementally scanning an SSE
// response body line by line, translating the subset of Anthropic's
// streaming events chat.Pipeline's drain loop actually consumes
// (content_block_delta text, message_delta usage/stop) — grounded on
// vanducng-goclaw/internal/providers/anthropic_stream.go's event switch,
// narrowed from its push-style onChunk callback to this package's
// pull-style Recv(), and without thinking/tool-call accumulation, which
// chat.Pipeline's own switch on provider.ChunkType never branches on
// either.
type stream struct {
	body     io.ReadCloser
	scanner  *bufio.Scanner
	event    string
	gaveStop bool
}

func (s *stream) Recv() (provider.Chunk, error) {
	if s.gaveStop {
		return provider.Chunk{}, io.EOF
	}
	for s.scanner.Scan() {
		line := s.scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			s.event = strings.TrimPrefix(line, "event: ")
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")

		switch s.event {
		case "message_start":
			var ev struct {
				Message struct {
					Usage struct {
						InputTokens int `json:"input_tokens"`
					} `json:"usage"`
				} `json:"message"`
			}
			if json.Unmarshal([]byte(data), &ev) == nil && ev.Message.Usage.InputTokens > 0 {
				return provider.Chunk{Type: provider.ChunkTypeUsage, UsageDelta: &provider.TokenUsage{InputTokens: ev.Message.Usage.InputTokens}}, nil
			}
		case "content_block_delta":
			var ev struct {
				Delta struct {
					Type string `json:"type"`
					Text string `json:"text"`
				} `json:"delta"`
			}
			if json.Unmarshal([]byte(data), &ev) == nil && ev.Delta.Type == "text_delta" {
				return provider.Chunk{
					Type:    provider.ChunkTypeText,
					Message: &provider.Message{Role: provider.RoleAssistant, Parts: []provider.Part{provider.TextPart{Text: ev.Delta.Text}}},
				}, nil
			}
		case "message_delta":
			var ev struct {
				Delta struct {
					StopReason string `json:"stop_reason"`
				} `json:"delta"`
				Usage struct {
					OutputTokens int `json:"output_tokens"`
				} `json:"usage"`
			}
			if json.Unmarshal([]byte(data), &ev) == nil {
				s.gaveStop = true
				return provider.Chunk{
					Type:       provider.ChunkTypeStop,
					StopReason: ev.Delta.StopReason,
					UsageDelta: &provider.TokenUsage{OutputTokens: ev.Usage.OutputTokens},
				}, nil
			}
		case "error":
			var ev struct {
				Error struct {
					Type    string `json:"type"`
					Message string `json:"message"`
				} `json:"error"`
			}
			if json.Unmarshal([]byte(data), &ev) == nil {
				return provider.Chunk{}, errs.New(errs.Upstream, "anthropic stream error: "+ev.Error.Type+": "+ev.Error.Message)
			}
		}
	}
	if err := s.scanner.Err(); err != nil {
		return provider.Chunk{}, errs.Wrap(errs.Upstream, "anthropic stream read failed", err)
	}
	return provider.Chunk{}, io.EOF
}

func (s *stream) Close() error {
	return s.body.Close()
}

var _ provider.CompletionProvider = (*Provider)(nil)
