package orchestrator

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
)

// lockTable serializes mutating operations per instance name, mirroring
// the "shared map from name to a mutual-exclusion token" design. status
// reads bypass this entirely and read the registry directly.
type lockTable struct {
	dir string

	mu    sync.Mutex
	inUse map[string]*sync.Mutex
}

func newLockTable(runtimeDir string) *lockTable {
	return &lockTable{dir: runtimeDir, inUse: make(map[string]*sync.Mutex)}
}

// token returns the in-process mutex for name, creating it on first use.
func (t *lockTable) token(name string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.inUse[name]
	if !ok {
		m = &sync.Mutex{}
		t.inUse[name] = m
	}
	return m
}

// held represents an acquired per-instance lock spanning both the
// in-process mutex and a cross-process advisory file lock, so a second
// aivad process (or a CLI invoked while a daemon also holds the token)
// cannot race the same instance.
type held struct {
	mu   *sync.Mutex
	file *flock.Flock
}

// acquire blocks until both the in-process and file locks for name are
// held.
func (t *lockTable) acquire(name string) (*held, error) {
	mu := t.token(name)
	mu.Lock()

	fl := flock.New(filepath.Join(t.dir, name+".lock"))
	if err := fl.Lock(); err != nil {
		mu.Unlock()
		return nil, fmt.Errorf("orchestrator: acquire file lock for %q: %w", name, err)
	}

	return &held{mu: mu, file: fl}, nil
}

func (h *held) release() {
	_ = h.file.Unlock()
	h.mu.Unlock()
}
