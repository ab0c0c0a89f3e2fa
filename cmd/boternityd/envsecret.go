package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/boternity/boternity/internal/errs"
)

// envSecrets is the pragmatic secret.Provider this binary ships with: every
// key maps to an env var named BOTERNITY_SECRET_<UPPER_SNAKE_KEY>. It is not
// the vault or OS-keychain adapter spec §1 scopes out of this module —
// secret.Provider's own doc comment says real implementations live outside
// the package, and this is the smallest one that lets skills using the
// secret.* host capability actually resolve something at runtime. Set
// survives only for the process lifetime; there is nowhere durable to put
// it without the vault this binary does not carry.
type envSecrets struct {
	mu   sync.RWMutex
	over map[string]string
}

func newEnvSecrets() *envSecrets {
	return &envSecrets{over: make(map[string]string)}
}

func envKey(key string) string {
	return "BOTERNITY_SECRET_" + strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
}

func (e *envSecrets) Get(_ context.Context, key string) (string, bool, error) {
	e.mu.RLock()
	if v, ok := e.over[key]; ok {
		e.mu.RUnlock()
		return v, true, nil
	}
	e.mu.RUnlock()
	v, ok := os.LookupEnv(envKey(key))
	return v, ok, nil
}

func (e *envSecrets) Set(_ context.Context, key, value string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.over[key] = value
	return nil
}

func (e *envSecrets) Delete(_ context.Context, key string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.over[key]; !ok {
		return errs.New(errs.NotFound, fmt.Sprintf("secret %q not set", key))
	}
	delete(e.over, key)
	return nil
}
