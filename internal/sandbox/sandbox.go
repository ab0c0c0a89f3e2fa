// Package sandbox executes installed WASM skills inside a wazero runtime
// behind a capability-gated host surface, per-trust-tier resource caps, and
// a write-once audit trail (spec.md §4.2). A fresh wazero module instance
// backs every invocation; nothing survives between calls except what flows
// through the audited kv/memory host calls themselves.
package sandbox

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/tetratelabs/wazero"
	"golang.org/x/time/rate"

	"github.com/boternity/boternity/internal/clock"
	"github.com/boternity/boternity/internal/errs"
	"github.com/boternity/boternity/internal/ids"
	"github.com/boternity/boternity/internal/provider"
	"github.com/boternity/boternity/internal/secret"
	"github.com/boternity/boternity/internal/storage"
	"github.com/boternity/boternity/internal/telemetry"
)

// Sandbox executes installed skills against the repositories and adapters
// their host capabilities call through.
type Sandbox struct {
	skills   storage.SkillRepository
	kv       storage.KVRepository
	sessions storage.SessionRepository
	modules  *ModuleStore

	completer   provider.CompletionProvider
	secrets     secret.Provider
	httpClient  *http.Client
	httpLimiter *rate.Limiter

	clock  clock.Clock
	idgen  ids.Gen
	logger telemetry.Logger
}

// Options configures a Sandbox. Skills, KV, Sessions, and Modules are
// required; the rest are optional capability backends — a skill that
// declares a capability whose backend is nil gets a runtime error from that
// capability's host call, not a construction-time failure.
type Options struct {
	Skills   storage.SkillRepository
	KV       storage.KVRepository
	Sessions storage.SessionRepository
	Modules  *ModuleStore

	Completer  provider.CompletionProvider
	Secrets    secret.Provider
	HTTPClient *http.Client
	// HTTPRateLimit caps outbound http.get/http.post calls across every
	// skill invocation sharing this Sandbox, in requests per second. Zero
	// disables the limiter.
	HTTPRateLimit rate.Limit

	Clock  clock.Clock
	IDs    ids.Gen
	Logger telemetry.Logger
}

// New constructs a Sandbox.
func New(opts Options) *Sandbox {
	if opts.Clock == nil {
		opts.Clock = clock.System()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NoopLogger{}
	}
	if opts.IDs == nil {
		opts.IDs = ids.System()
	}
	var limiter *rate.Limiter
	if opts.HTTPRateLimit > 0 {
		limiter = rate.NewLimiter(opts.HTTPRateLimit, 1)
	}
	return &Sandbox{
		skills: opts.Skills, kv: opts.KV, sessions: opts.Sessions, modules: opts.Modules,
		completer: opts.Completer, secrets: opts.Secrets, httpClient: opts.HTTPClient, httpLimiter: limiter,
		clock: opts.Clock, idgen: opts.IDs, logger: opts.Logger,
	}
}

// InvokeSkill implements workflow.SkillInvoker, letting the workflow
// engine's `skill` step executor call into the sandbox without either
// package importing the other's concrete types. A "version" key in input
// pins a specific skill version; its absence resolves to the latest
// installed version.
func (s *Sandbox) InvokeSkill(ctx context.Context, botID string, skillName string, input map[string]any) (map[string]any, error) {
	id, err := ids.Parse(botID)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidArgument, "invalid bot id", err)
	}
	version, _ := input["version"].(string)
	return s.Execute(ctx, id, skillName, version, input)
}

// Execute runs one invocation of skillName/version for botID with payload,
// enforcing the capability gate and resource caps, and appends exactly one
// SkillAuditEntry — including on failure — once a resolved skill exists to
// audit against.
func (s *Sandbox) Execute(ctx context.Context, botID ids.ID, skillName, version string, payload map[string]any) (map[string]any, error) {
	start := s.clock.Now().UTC()
	invocationID := s.idgen.New()

	skill, err := s.resolveSkill(ctx, skillName, version)
	if err != nil {
		return nil, err
	}

	cfg, err := s.skills.GetBotSkillConfig(ctx, botID, skill.Name)
	if err != nil || !cfg.Enabled {
		const msg = "skill not enabled for bot"
		s.audit(ctx, invocationID, skill, botID, nil, "", "", 0, 0, start, false, msg)
		return nil, errs.New(errs.PermissionDenied, msg)
	}

	invocation := stripRoutingKeys(payload)

	if err := validateInput(skill.InputSchema, invocation); err != nil {
		inputHash, _ := hashJSON(invocation)
		s.audit(ctx, invocationID, skill, botID, nil, inputHash, "", 0, 0, start, false, err.Error())
		return nil, err
	}

	inputHash, err := hashJSON(invocation)
	if err != nil {
		s.audit(ctx, invocationID, skill, botID, nil, "", "", 0, 0, start, false, err.Error())
		return nil, errs.Wrap(errs.Internal, "hash skill input", err)
	}

	wasmBytes, err := s.modules.Load(skill.ModuleBytesHash)
	if err != nil {
		s.audit(ctx, invocationID, skill, botID, nil, inputHash, "", 0, 0, start, false, err.Error())
		return nil, err
	}

	caps := CapsForTier(skill.TrustTier)
	g := newGate(skill.DeclaredCapabilities, cfg.ApprovedCapabilities, skill.TrustTier)
	fuel := newFuelMeter(caps.FuelBudget)

	runCtx, cancel := context.WithTimeout(ctx, caps.WallClock)
	defer cancel()

	env := &hostEnv{
		botID: botID, startedAt: start, gate: g, fuel: fuel,
		kv: s.kv, sessions: s.sessions, secrets: s.secrets, completer: s.completer,
		httpClient: s.httpClient, httpLimiter: s.httpLimiter, logger: s.logger, idgen: s.idgen,
	}

	output, peakMemory, runErr := s.run(runCtx, caps, wasmBytes, invocation, env)

	success := runErr == nil
	errMsg := ""
	outputHash := ""
	if runErr != nil {
		errMsg = runErr.Error()
	} else {
		outputHash, _ = hashJSON(output)
	}

	s.audit(ctx, invocationID, skill, botID, g.usedList(), inputHash, outputHash, fuel.consumed(), peakMemory, start, success, errMsg)

	if runErr != nil {
		return nil, runErr
	}
	return output, nil
}

// run instantiates a fresh wazero runtime and module for one invocation,
// calls its exported execute function, and decodes the resulting envelope.
func (s *Sandbox) run(ctx context.Context, caps ResourceCaps, wasmBytes []byte, input map[string]any, env *hostEnv) (map[string]any, int64, error) {
	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().
		WithMemoryLimitPages(caps.MemoryPages).
		WithCloseOnContextDone(true))
	defer rt.Close(ctx)

	// WASI is deliberately never instantiated: it exposes clock_time_get,
	// random_get, and environ_get, all of which spec.md §4.2 forbids
	// leaking into the guest directly.
	hostBuilder := rt.NewHostModuleBuilder(hostModuleName)
	env.register(hostBuilder)
	if _, err := hostBuilder.Instantiate(ctx); err != nil {
		return nil, 0, errs.Wrap(errs.Internal, "instantiate sandbox host module", err)
	}

	compiled, err := rt.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, 0, errs.Wrap(errs.Internal, "compile skill module", err)
	}

	mod, err := rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(hostModuleName))
	if err != nil {
		// wazero does not expose a typed limit-exceeded error distinct
		// from any other instantiation failure, so a module whose
		// declared memory exceeds the trust tier's cap surfaces
		// the same as any other malformed module.
		return nil, 0, errs.Wrap(errs.Internal, "instantiate skill module", err)
	}
	defer mod.Close(ctx)

	inputJSON, err := json.Marshal(input)
	if err != nil {
		return nil, 0, errs.Wrap(errs.Internal, "marshal skill input", err)
	}
	argPacked := writeBytes(ctx, mod, inputJSON)
	if argPacked == 0 {
		return nil, 0, errs.New(errs.Internal, "skill module missing alloc export")
	}
	argPtr, argLen := unpack(argPacked)

	execute := mod.ExportedFunction(guestExecuteFn)
	if execute == nil {
		return nil, 0, errs.New(errs.Internal, "skill module does not export execute")
	}

	results, callErr := execute.Call(ctx, uint64(argPtr), uint64(argLen))
	var peak int64
	if mem := mod.Memory(); mem != nil {
		peak = int64(mem.Size())
	}
	if callErr != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, peak, errs.New(errs.Timeout, "skill exceeded its wall-clock budget")
		}
		return nil, peak, errs.Wrap(errs.Internal, "skill trapped", callErr)
	}
	if env.fuel.exhausted() {
		return nil, peak, errs.New(errs.ResourceExhausted, "skill exceeded its fuel budget")
	}
	if len(results) == 0 {
		return nil, peak, errs.New(errs.Internal, "skill execute returned no result")
	}

	outPtr, outLen := unpack(results[0])
	outBytes, ok := mod.Memory().Read(outPtr, outLen)
	if !ok {
		return nil, peak, errs.New(errs.Internal, "skill output out of bounds")
	}

	var out envelope
	if err := json.Unmarshal(outBytes, &out); err != nil {
		return nil, peak, errs.Wrap(errs.Internal, "decode skill output envelope", err)
	}
	if !out.OK {
		return nil, peak, errs.New(errs.Internal, out.Error)
	}

	var result map[string]any
	if len(out.Data) > 0 {
		if err := json.Unmarshal(out.Data, &result); err != nil {
			return nil, peak, errs.Wrap(errs.InvalidArgument, "skill output did not match the expected shape", err)
		}
	}
	return result, peak, nil
}

func (s *Sandbox) resolveSkill(ctx context.Context, name, version string) (storage.InstalledSkill, error) {
	if version != "" {
		return s.skills.GetSkill(ctx, name, version)
	}
	all, err := s.skills.ListSkills(ctx)
	if err != nil {
		return storage.InstalledSkill{}, err
	}
	var latest storage.InstalledSkill
	found := false
	for _, sk := range all {
		if sk.Name != name {
			continue
		}
		if !found || sk.Version > latest.Version {
			latest = sk
			found = true
		}
	}
	if !found {
		return storage.InstalledSkill{}, errs.New(errs.NotFound, "skill not found: "+name)
	}
	return latest, nil
}

func (s *Sandbox) audit(ctx context.Context, invocationID ids.ID, skill storage.InstalledSkill, botID ids.ID, used []string, inputHash, outputHash string, fuelConsumed, peakMemory int64, start time.Time, success bool, errMsg string) {
	entry := storage.SkillAuditEntry{
		InvocationID:     invocationID,
		SkillName:        skill.Name,
		Version:          skill.Version,
		TrustTier:        skill.TrustTier,
		CapabilitiesUsed: used,
		InputHash:        inputHash,
		OutputHash:       outputHash,
		DurationMs:       s.clock.Now().UTC().Sub(start).Milliseconds(),
		Success:          success,
		Error:            errMsg,
		Timestamp:        start,
		BotID:            botID,
	}
	if fuelConsumed > 0 {
		entry.FuelConsumed = &fuelConsumed
	}
	if peakMemory > 0 {
		entry.MemoryPeakBytes = &peakMemory
	}
	if err := s.skills.AppendAuditEntry(ctx, entry); err != nil {
		s.logger.Warn(ctx, "failed to append skill audit entry", "error", err, "skill", skill.Name)
	}
}

// stripRoutingKeys removes the step-routing metadata a workflow `skill`
// step's input carries alongside the skill's actual payload.
func stripRoutingKeys(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		switch k {
		case "skill", "bot_id", "version":
			continue
		}
		out[k] = v
	}
	return out
}
