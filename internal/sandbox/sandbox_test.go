package sandbox

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/boternity/boternity/internal/errs"
	"github.com/boternity/boternity/internal/ids"
	"github.com/boternity/boternity/internal/storage"
	"github.com/boternity/boternity/internal/storage/memtest"
)

func TestGateAllowsDeclaredAndApprovedCapability(t *testing.T) {
	g := newGate([]string{"kv.read", "memory.recall"}, []string{"kv.read"}, storage.TrustLocal)
	require.NoError(t, g.check(CapKVRead))
}

func TestGateDeniesUndeclaredOrUnapproved(t *testing.T) {
	// Declared by the skill but not approved by the bot: the capability
	// denial spec.md §8 scenario 3 exercises.
	g := newGate([]string{"http.get", "memory.recall"}, []string{"memory.recall"}, storage.TrustVerified)
	err := g.check(CapHTTPGet)
	require.Error(t, err)
	require.Equal(t, errs.PermissionDenied, errs.KindOf(err))
	require.Contains(t, err.Error(), "http.get")
}

func TestGateAlwaysAllowsCtxReadAndLogEmit(t *testing.T) {
	g := newGate(nil, nil, storage.TrustUntrusted)
	require.NoError(t, g.check(CapCtxRead))
	require.NoError(t, g.check(CapLogEmit))
	require.ElementsMatch(t, []string{"ctx.read", "log.emit"}, g.usedList())
}

func TestGateDeniesNetworkCapabilitiesForUntrustedTier(t *testing.T) {
	g := newGate([]string{"http.get"}, []string{"http.get"}, storage.TrustUntrusted)
	err := g.check(CapHTTPGet)
	require.Error(t, err)
	require.Equal(t, errs.PermissionDenied, errs.KindOf(err))
}

func TestGateIgnoresUnknownCapabilityNames(t *testing.T) {
	g := newGate([]string{"filesystem.write"}, []string{"filesystem.write"}, storage.TrustLocal)
	require.Error(t, g.check(Capability("filesystem.write")))
}

func TestCapsForTierMatchesResourceTable(t *testing.T) {
	local := CapsForTier(storage.TrustLocal)
	require.Equal(t, int64(128<<20), local.MemoryBytes)
	require.Equal(t, int64(1e10), local.FuelBudget)
	require.Equal(t, 1000, local.TableEntries)

	verified := CapsForTier(storage.TrustVerified)
	require.Equal(t, int64(64<<20), verified.MemoryBytes)
	require.Equal(t, int64(1e9), verified.FuelBudget)

	untrusted := CapsForTier(storage.TrustUntrusted)
	require.Equal(t, int64(16<<20), untrusted.MemoryBytes)
	require.Equal(t, int64(1e8), untrusted.FuelBudget)
}

func TestFuelMeterRefusesAfterBudgetExhausted(t *testing.T) {
	f := newFuelMeter(1500)
	require.True(t, f.charge(1000))
	require.False(t, f.exhausted())
	require.True(t, f.charge(1000))
	require.True(t, f.exhausted())
	require.False(t, f.charge(1))
}

func TestModuleStorePutLoadRoundTrip(t *testing.T) {
	store := NewModuleStore(t.TempDir())
	hash, err := store.Put([]byte("pretend wasm bytes"))
	require.NoError(t, err)

	loaded, err := store.Load(hash)
	require.NoError(t, err)
	require.Equal(t, []byte("pretend wasm bytes"), loaded)
}

func TestModuleStoreLoadMissingIsNotFound(t *testing.T) {
	store := NewModuleStore(t.TempDir())
	_, err := store.Load("deadbeef")
	require.Error(t, err)
	require.Equal(t, errs.NotFound, errs.KindOf(err))
}

func TestValidateInputRejectsMismatchedShape(t *testing.T) {
	schema := map[string]any{
		"type":     "object",
		"required": []any{"count"},
		"properties": map[string]any{
			"count": map[string]any{"type": "number"},
		},
	}
	err := validateInput(schema, map[string]any{"count": "not a number"})
	require.Error(t, err)
	require.Equal(t, errs.InvalidArgument, errs.KindOf(err))
}

func TestValidateInputAcceptsMatchingShape(t *testing.T) {
	schema := map[string]any{
		"type":     "object",
		"required": []any{"count"},
		"properties": map[string]any{
			"count": map[string]any{"type": "number"},
		},
	}
	require.NoError(t, validateInput(schema, map[string]any{"count": 3}))
}

func TestValidateInputAcceptsAnythingWithNoSchema(t *testing.T) {
	require.NoError(t, validateInput(nil, map[string]any{"whatever": true}))
}

func newTestSandbox(t *testing.T) (*Sandbox, *memtest.Store) {
	t.Helper()
	store := memtest.New()
	sb := New(Options{
		Skills:   store,
		KV:       store,
		Sessions: store,
		Modules:  NewModuleStore(t.TempDir()),
		IDs:      ids.System(),
	})
	return sb, store
}

func TestExecuteFailsNotFoundForUnknownSkill(t *testing.T) {
	sb, _ := newTestSandbox(t)
	ctx := context.Background()

	_, err := sb.Execute(ctx, ids.System().New(), "ghost", "", map[string]any{})
	require.Error(t, err)
	require.Equal(t, errs.NotFound, errs.KindOf(err))
}

func TestExecuteFailsPermissionDeniedWhenSkillNotEnabledForBot(t *testing.T) {
	sb, store := newTestSandbox(t)
	ctx := context.Background()
	botID := ids.System().New()

	require.NoError(t, store.InstallSkill(ctx, storage.InstalledSkill{
		Name: "greeter", Version: "1.0.0", SkillType: storage.SkillTool, TrustTier: storage.TrustLocal,
		DeclaredCapabilities: []string{"log.emit"}, ModuleBytesHash: "unused",
	}))
	// No BotSkillConfig installed at all: GetBotSkillConfig returns
	// NotFound, which Execute treats the same as "not enabled".

	_, err := sb.Execute(ctx, botID, "greeter", "", map[string]any{})
	require.Error(t, err)
	require.Equal(t, errs.PermissionDenied, errs.KindOf(err))

	entries, err := store.ListAuditEntries(ctx, botID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.False(t, entries[0].Success)
}

func TestExecuteFailsInvalidArgumentOnSchemaMismatch(t *testing.T) {
	sb, store := newTestSandbox(t)
	ctx := context.Background()
	botID := ids.System().New()

	require.NoError(t, store.InstallSkill(ctx, storage.InstalledSkill{
		Name: "greeter", Version: "1.0.0", SkillType: storage.SkillTool, TrustTier: storage.TrustLocal,
		DeclaredCapabilities: []string{"log.emit"}, ModuleBytesHash: "unused",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []any{"name"},
			"properties": map[string]any{
				"name": map[string]any{"type": "string"},
			},
		},
	}))
	require.NoError(t, store.SetBotSkillConfig(ctx, storage.BotSkillConfig{
		BotID: botID, SkillName: "greeter", Enabled: true, ApprovedCapabilities: []string{"log.emit"},
	}))

	_, err := sb.Execute(ctx, botID, "greeter", "", map[string]any{})
	require.Error(t, err)
	require.Equal(t, errs.InvalidArgument, errs.KindOf(err))

	entries, err := store.ListAuditEntries(ctx, botID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.False(t, entries[0].Success)
	require.NotEmpty(t, entries[0].InputHash)
}

func TestInvokeSkillRejectsMalformedBotID(t *testing.T) {
	sb, _ := newTestSandbox(t)
	_, err := sb.InvokeSkill(context.Background(), "not-a-valid-id", "greeter", map[string]any{})
	require.Error(t, err)
	require.Equal(t, errs.InvalidArgument, errs.KindOf(err))
}

func TestStripRoutingKeysRemovesStepMetadataOnly(t *testing.T) {
	out := stripRoutingKeys(map[string]any{
		"skill": "greeter", "bot_id": "abc", "version": "1.0.0", "name": "ada",
	})
	require.Equal(t, map[string]any{"name": "ada"}, out)
}
