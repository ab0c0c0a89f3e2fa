package sandbox

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"

	"github.com/boternity/boternity/internal/errs"
)

// ModuleStore persists compiled skill WASM binaries on disk, content-
// addressed by their sha256 hash — the same module_bytes_hash an
// InstalledSkill row carries. InstalledSkill has no column for the bytes
// themselves, so this is the other half of that domain type. Unlike
// botfiles.Store, which names a bot's files by kind, files here are named
// by their hash.
type ModuleStore struct {
	dir string
}

// NewModuleStore returns a ModuleStore rooted at dataDir/skills.
func NewModuleStore(dataDir string) *ModuleStore {
	return &ModuleStore{dir: filepath.Join(dataDir, "skills")}
}

// Put writes wasmBytes to disk and returns its content hash. Writing the
// same bytes twice is a no-op past the first call.
func (m *ModuleStore) Put(wasmBytes []byte) (string, error) {
	sum := sha256.Sum256(wasmBytes)
	hash := hex.EncodeToString(sum[:])
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return "", err
	}
	path := m.path(hash)
	if _, err := os.Stat(path); err == nil {
		return hash, nil
	}
	if err := os.WriteFile(path, wasmBytes, 0o644); err != nil {
		return "", err
	}
	return hash, nil
}

// Load reads the module bytes stored under hash and verifies they still
// hash to it, catching silent disk corruption before it reaches wazero.
func (m *ModuleStore) Load(hash string) ([]byte, error) {
	b, err := os.ReadFile(m.path(hash))
	if errors.Is(err, os.ErrNotExist) {
		return nil, errs.New(errs.NotFound, "skill module not found: "+hash)
	}
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(b)
	if hex.EncodeToString(sum[:]) != hash {
		return nil, errs.New(errs.Internal, "skill module content hash mismatch: "+hash)
	}
	return b, nil
}

func (m *ModuleStore) path(hash string) string {
	return filepath.Join(m.dir, hash+".wasm")
}
