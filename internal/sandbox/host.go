package sandbox

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"golang.org/x/time/rate"

	"github.com/boternity/boternity/internal/ids"
	"github.com/boternity/boternity/internal/provider"
	"github.com/boternity/boternity/internal/secret"
	"github.com/boternity/boternity/internal/storage"
	"github.com/boternity/boternity/internal/telemetry"
)

const (
	hostModuleName  = "boternity"
	guestAllocFn    = "alloc"
	guestExecuteFn  = "execute"
	hostHTTPMaxByte = 1 << 20 // cap response bodies read by http.get/http.post
)

// envelope is the uniform JSON shape every host call response, and the
// guest's execute result, use to cross the linear-memory boundary. Guest
// code inspects OK before touching Data.
type envelope struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// hostEnv holds everything one invocation's host functions need. It is
// rebuilt fresh per call to Sandbox.Execute; nothing here outlives a single
// invocation.
type hostEnv struct {
	botID     ids.ID
	startedAt time.Time
	gate      *gate
	fuel      *fuelMeter

	kv         storage.KVRepository
	sessions   storage.SessionRepository
	secrets    secret.Provider
	completer  provider.CompletionProvider
	httpClient *http.Client
	httpLimiter *rate.Limiter
	logger     telemetry.Logger
	idgen      ids.Gen
}

// register binds every capability's host function under hostModuleName. The
// guest imports them as boternity.<name> and calls them with a (ptr, len) pointing
// at a JSON request in its own linear memory; each returns a packed
// (ptr<<32|len) pointing at a JSON envelope response, written into the
// guest's memory via its exported alloc.
func (h *hostEnv) register(b wazero.HostModuleBuilder) {
	b.NewFunctionBuilder().WithFunc(h.llmComplete).Export("llm_complete")
	b.NewFunctionBuilder().WithFunc(h.memoryRecall).Export("memory_recall")
	b.NewFunctionBuilder().WithFunc(h.memoryRemember).Export("memory_remember")
	b.NewFunctionBuilder().WithFunc(h.kvRead).Export("kv_read")
	b.NewFunctionBuilder().WithFunc(h.kvWrite).Export("kv_write")
	b.NewFunctionBuilder().WithFunc(h.httpGet).Export("http_get")
	b.NewFunctionBuilder().WithFunc(h.httpPost).Export("http_post")
	b.NewFunctionBuilder().WithFunc(h.secretRead).Export("secret_read")
	b.NewFunctionBuilder().WithFunc(h.logEmit).Export("log_emit")
	b.NewFunctionBuilder().WithFunc(h.ctxRead).Export("ctx_read")
}

func pack(ptr, size uint32) uint64   { return uint64(ptr)<<32 | uint64(size) }
func unpack(v uint64) (uint32, uint32) { return uint32(v >> 32), uint32(v) }

// writeBytes asks the guest to allocate len(b) bytes, writes b into that
// region, and returns the packed pointer. It returns 0 if the guest has no
// alloc export or the write falls outside its memory.
func writeBytes(ctx context.Context, mod api.Module, b []byte) uint64 {
	alloc := mod.ExportedFunction(guestAllocFn)
	if alloc == nil {
		return 0
	}
	results, err := alloc.Call(ctx, uint64(len(b)))
	if err != nil || len(results) == 0 {
		return 0
	}
	ptr := uint32(results[0])
	if !mod.Memory().Write(ptr, b) {
		return 0
	}
	return pack(ptr, uint32(len(b)))
}

func respond(ctx context.Context, mod api.Module, env envelope) uint64 {
	b, err := json.Marshal(env)
	if err != nil {
		return 0
	}
	return writeBytes(ctx, mod, b)
}

func decodeArgs(mod api.Module, ptr, size uint32, v any) bool {
	b, ok := mod.Memory().Read(ptr, size)
	if !ok {
		return false
	}
	return json.Unmarshal(b, v) == nil
}

// chargeCall charges the fixed per-call fuel cost plus a byte-proportional
// component for argLen, per the call-count/byte-count fuel heuristic.
func (h *hostEnv) chargeCall(argLen uint32) bool {
	return h.fuel.charge(fuelCostPerHostCall + int64(argLen))
}

func (h *hostEnv) llmComplete(ctx context.Context, mod api.Module, argPtr, argLen uint32) uint64 {
	var req struct {
		Prompt string `json:"prompt"`
	}
	if !decodeArgs(mod, argPtr, argLen, &req) || req.Prompt == "" {
		return respond(ctx, mod, envelope{Error: "llm_complete requires a prompt"})
	}
	if err := h.gate.check(CapLLMComplete); err != nil {
		return respond(ctx, mod, envelope{Error: err.Error()})
	}
	if h.completer == nil {
		return respond(ctx, mod, envelope{Error: "no completion provider configured"})
	}
	if !h.chargeCall(argLen) {
		return respond(ctx, mod, envelope{Error: "fuel budget exhausted"})
	}
	resp, err := h.completer.Complete(ctx, &provider.Request{
		Messages: []*provider.Message{{
			Role:  provider.RoleUser,
			Parts: []provider.Part{provider.TextPart{Text: req.Prompt}},
		}},
	})
	if err != nil {
		return respond(ctx, mod, envelope{Error: "llm_complete failed"})
	}
	var text strings.Builder
	for _, m := range resp.Content {
		for _, p := range m.Parts {
			if tp, ok := p.(provider.TextPart); ok {
				text.WriteString(tp.Text)
			}
		}
	}
	data, _ := json.Marshal(map[string]any{"text": text.String()})
	return respond(ctx, mod, envelope{OK: true, Data: data})
}

// memoryRecall degrades gracefully: a denied capability still returns an
// empty list rather than an error, per spec.md §4.2.
func (h *hostEnv) memoryRecall(ctx context.Context, mod api.Module, argPtr, argLen uint32) uint64 {
	if err := h.gate.check(CapMemoryRecall); err != nil {
		return respondEmptyList(ctx, mod)
	}
	if !h.chargeCall(argLen) {
		return respondEmptyList(ctx, mod)
	}
	mems, err := h.sessions.ListActiveMemories(ctx, h.botID)
	if err != nil {
		return respond(ctx, mod, envelope{Error: "memory_recall failed"})
	}
	facts := make([]string, 0, len(mems))
	for _, m := range mems {
		facts = append(facts, m.Fact)
	}
	data, _ := json.Marshal(facts)
	return respond(ctx, mod, envelope{OK: true, Data: data})
}

func respondEmptyList(ctx context.Context, mod api.Module) uint64 {
	data, _ := json.Marshal([]string{})
	return respond(ctx, mod, envelope{OK: true, Data: data})
}

func (h *hostEnv) memoryRemember(ctx context.Context, mod api.Module, argPtr, argLen uint32) uint64 {
	var req struct {
		Fact string `json:"fact"`
	}
	if !decodeArgs(mod, argPtr, argLen, &req) || req.Fact == "" {
		return respond(ctx, mod, envelope{Error: "memory_remember requires a fact"})
	}
	if err := h.gate.check(CapMemoryRemember); err != nil {
		return respond(ctx, mod, envelope{Error: err.Error()})
	}
	if !h.chargeCall(argLen) {
		return respond(ctx, mod, envelope{Error: "fuel budget exhausted"})
	}
	mem := storage.SessionMemory{
		ID:         h.idgen.New(),
		BotID:      h.botID,
		Fact:       req.Fact,
		Category:   storage.MemoryFact,
		Importance: 5,
		CreatedAt:  h.startedAt,
	}
	if err := h.sessions.CreateMemory(ctx, mem); err != nil {
		return respond(ctx, mod, envelope{Error: "memory_remember failed"})
	}
	return respond(ctx, mod, envelope{OK: true})
}

func (h *hostEnv) kvRead(ctx context.Context, mod api.Module, argPtr, argLen uint32) uint64 {
	var req struct {
		Key string `json:"key"`
	}
	if !decodeArgs(mod, argPtr, argLen, &req) || req.Key == "" {
		return respond(ctx, mod, envelope{Error: "kv_read requires a key"})
	}
	if err := h.gate.check(CapKVRead); err != nil {
		return respond(ctx, mod, envelope{Error: err.Error()})
	}
	if !h.chargeCall(argLen) {
		return respond(ctx, mod, envelope{Error: "fuel budget exhausted"})
	}
	entry, ok, err := h.kv.Get(ctx, h.botID, req.Key)
	if err != nil {
		return respond(ctx, mod, envelope{Error: "kv_read failed"})
	}
	if !ok {
		return respond(ctx, mod, envelope{OK: true, Data: json.RawMessage("null")})
	}
	data, _ := json.Marshal(string(entry.Value))
	return respond(ctx, mod, envelope{OK: true, Data: data})
}

func (h *hostEnv) kvWrite(ctx context.Context, mod api.Module, argPtr, argLen uint32) uint64 {
	var req struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	if !decodeArgs(mod, argPtr, argLen, &req) || req.Key == "" {
		return respond(ctx, mod, envelope{Error: "kv_write requires a key"})
	}
	if err := h.gate.check(CapKVWrite); err != nil {
		return respond(ctx, mod, envelope{Error: err.Error()})
	}
	if !h.chargeCall(argLen) {
		return respond(ctx, mod, envelope{Error: "fuel budget exhausted"})
	}
	entry := storage.KVEntry{BotID: h.botID, Key: req.Key, Value: []byte(req.Value), UpdatedAt: h.startedAt}
	if err := h.kv.Set(ctx, entry); err != nil {
		return respond(ctx, mod, envelope{Error: "kv_write failed"})
	}
	return respond(ctx, mod, envelope{OK: true})
}

func (h *hostEnv) httpGet(ctx context.Context, mod api.Module, argPtr, argLen uint32) uint64 {
	return h.doHTTP(ctx, mod, argPtr, argLen, CapHTTPGet, http.MethodGet)
}

func (h *hostEnv) httpPost(ctx context.Context, mod api.Module, argPtr, argLen uint32) uint64 {
	return h.doHTTP(ctx, mod, argPtr, argLen, CapHTTPPost, http.MethodPost)
}

func (h *hostEnv) doHTTP(ctx context.Context, mod api.Module, argPtr, argLen uint32, capability Capability, method string) uint64 {
	var req struct {
		URL  string `json:"url"`
		Body string `json:"body"`
	}
	if !decodeArgs(mod, argPtr, argLen, &req) || req.URL == "" {
		return respond(ctx, mod, envelope{Error: method + " requires a url"})
	}
	if err := h.gate.check(capability); err != nil {
		return respond(ctx, mod, envelope{Error: err.Error()})
	}
	if !h.chargeCall(argLen) {
		return respond(ctx, mod, envelope{Error: "fuel budget exhausted"})
	}
	if h.httpLimiter != nil && !h.httpLimiter.Allow() {
		return respond(ctx, mod, envelope{Error: "outbound http rate limit exceeded"})
	}
	var body io.Reader
	if req.Body != "" {
		body = strings.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return respond(ctx, mod, envelope{Error: "invalid request"})
	}
	resp, err := h.httpClient.Do(httpReq)
	if err != nil {
		return respond(ctx, mod, envelope{Error: method + " failed"})
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, hostHTTPMaxByte))
	if err != nil {
		return respond(ctx, mod, envelope{Error: "reading response failed"})
	}
	out, _ := json.Marshal(map[string]any{"status_code": resp.StatusCode, "body": string(data)})
	return respond(ctx, mod, envelope{OK: true, Data: out})
}

func (h *hostEnv) secretRead(ctx context.Context, mod api.Module, argPtr, argLen uint32) uint64 {
	var req struct {
		Key string `json:"key"`
	}
	if !decodeArgs(mod, argPtr, argLen, &req) || req.Key == "" {
		return respond(ctx, mod, envelope{Error: "secret_read requires a key"})
	}
	if err := h.gate.check(CapSecretRead); err != nil {
		return respond(ctx, mod, envelope{Error: err.Error()})
	}
	if h.secrets == nil {
		return respond(ctx, mod, envelope{Error: "no secret provider configured"})
	}
	if !h.chargeCall(argLen) {
		return respond(ctx, mod, envelope{Error: "fuel budget exhausted"})
	}
	value, ok, err := h.secrets.Get(ctx, req.Key)
	if err != nil {
		return respond(ctx, mod, envelope{Error: "secret_read failed"})
	}
	data, _ := json.Marshal(map[string]any{"value": value, "found": ok})
	return respond(ctx, mod, envelope{OK: true, Data: data})
}

// logEmit is always allowed: a skill can always explain what it is doing.
func (h *hostEnv) logEmit(ctx context.Context, mod api.Module, argPtr, argLen uint32) uint64 {
	var req struct {
		Level   string `json:"level"`
		Message string `json:"message"`
	}
	if !decodeArgs(mod, argPtr, argLen, &req) || req.Message == "" {
		return respond(ctx, mod, envelope{Error: "log_emit requires a message"})
	}
	_ = h.gate.check(CapLogEmit)
	switch req.Level {
	case "warn":
		h.logger.Warn(ctx, req.Message, "bot_id", h.botID.String(), "source", "skill")
	case "error":
		h.logger.Error(ctx, req.Message, "bot_id", h.botID.String(), "source", "skill")
	default:
		h.logger.Info(ctx, req.Message, "bot_id", h.botID.String(), "source", "skill")
	}
	return respond(ctx, mod, envelope{OK: true})
}

// ctxRead is always allowed; "now" is the only key spec.md §4.2 defines,
// returning the invocation's frozen start time rather than the wall clock,
// so skills never observe real time directly.
func (h *hostEnv) ctxRead(ctx context.Context, mod api.Module, argPtr, argLen uint32) uint64 {
	var req struct {
		Key string `json:"key"`
	}
	if !decodeArgs(mod, argPtr, argLen, &req) {
		return respond(ctx, mod, envelope{Error: "ctx_read requires a key"})
	}
	_ = h.gate.check(CapCtxRead)
	switch req.Key {
	case "now":
		data, _ := json.Marshal(h.startedAt.Format(time.RFC3339))
		return respond(ctx, mod, envelope{OK: true, Data: data})
	default:
		return respond(ctx, mod, envelope{Error: "unknown context key: " + req.Key})
	}
}
