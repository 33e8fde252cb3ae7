// Package secret implements the playlist access gate: one shared secret that
// can come from the environment (fixed for the process) or from a persisted,
// rotatable value. An empty secret means open access.
package secret

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"sync"
	"sync/atomic"

	"stepzz-proxy/work/logger"

	"golang.org/x/crypto/blake2b"
)

// tokenBytes is the entropy of a generated secret (192 bits).
const tokenBytes = 24

// Gate validates and rotates the shared access secret.
type Gate struct {
	override  string                 // environment override, wins over persisted
	persisted atomic.Pointer[string] // last value loaded from or saved to the store
	store     Store
	writeMu   sync.Mutex // serializes Save so the store and the pointer agree
}

// New creates a gate with an optional environment override and loads the
// persisted value from store.
func New(override string, store Store) (*Gate, error) {
	if store == nil {
		store = &MemoryStore{}
	}
	value, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load playlist secret: %w", err)
	}

	g := &Gate{override: override, store: store}
	g.persisted.Store(&value)

	if override != "" {
		logger.Info("{secret/secret - New} Playlist secret fixed by environment override")
	} else if value != "" {
		logger.Info("{secret/secret - New} Playlist secret loaded from store")
	} else {
		logger.Info("{secret/secret - New} No playlist secret configured, playlist is open")
	}
	return g, nil
}

// Current returns the environment override if non-empty, else the persisted
// value, else "" (open access).
func (g *Gate) Current() string {
	if g.override != "" {
		return g.override
	}
	if p := g.persisted.Load(); p != nil {
		return *p
	}
	return ""
}

// Active reports whether a secret currently gates access.
func (g *Gate) Active() bool {
	return g.Current() != ""
}

// Overridden reports whether the environment pins the secret.
func (g *Gate) Overridden() bool {
	return g.override != ""
}

// Verify reports whether candidate grants access. With no active secret every
// candidate succeeds; callers that need to tell "open" from "matched" should
// check Active first.
func (g *Gate) Verify(candidate string) bool {
	_, ok := g.Check(candidate)
	return ok
}

// Check verifies candidate and returns the secret it was checked against, so
// a request can keep using that value even if a rotation lands mid-request.
// The comparison is over fixed-size digests, so timing depends on neither the
// mismatch position nor the candidate length.
func (g *Gate) Check(candidate string) (string, bool) {
	current := g.Current()
	if current == "" {
		return "", true
	}
	want := blake2b.Sum256([]byte(current))
	got := blake2b.Sum256([]byte(candidate))
	return current, subtle.ConstantTimeCompare(want[:], got[:]) == 1
}

// Rotate generates and persists a new random URL-safe secret and returns it.
// With an environment override in place the new value is stored but Current
// keeps returning the override.
func (g *Gate) Rotate() (string, error) {
	value, err := Generate()
	if err != nil {
		return "", err
	}
	if err := g.Set(value); err != nil {
		return "", err
	}
	logger.Info("{secret/secret - Rotate} Playlist secret rotated")
	return value, nil
}

// Set persists an operator chosen secret.
func (g *Gate) Set(value string) error {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()

	if err := g.store.Save(value); err != nil {
		return fmt.Errorf("failed to persist playlist secret: %w", err)
	}
	g.persisted.Store(&value)

	if g.override != "" {
		logger.Warn("{secret/secret - Set} Persisted secret updated but environment override stays in effect")
	}
	return nil
}

// Clear persists an empty value, reverting to open access unless an
// environment override is set.
func (g *Gate) Clear() error {
	if err := g.Set(""); err != nil {
		return err
	}
	logger.Info("{secret/secret - Clear} Persisted playlist secret cleared")
	return nil
}

// Generate returns a fresh random URL-safe token.
func Generate() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
