package metastore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	havencache "github.com/havenlabs/haven-cache"
)

// Registry owns the identity -> live store handle mapping. There is exactly
// one live handle per identity; repeated opens return the same handle. The
// registry also hands out the per-identity write lock that serializes all
// mutations to an identity's store (reconciliation and direct user actions).
type Registry struct {
	dir    string
	logger *slog.Logger
	opts   []BoltOption

	mu      sync.Mutex
	handles map[string]*Bolt
	locks   map[string]*sync.Mutex
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger for the registry and its stores.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithBoltOptions passes options through to every store the registry opens.
func WithBoltOptions(opts ...BoltOption) RegistryOption {
	return func(r *Registry) {
		r.opts = opts
	}
}

// NewRegistry creates a registry that stores identity databases under dir.
func NewRegistry(dir string, opts ...RegistryOption) (*Registry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating store directory: %v", havencache.ErrStorageUnavailable, err)
	}
	r := &Registry{
		dir:     dir,
		logger:  slog.Default(),
		handles: make(map[string]*Bolt),
		locks:   make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Open returns the live handle for an identity, opening the database file if
// this is the first open. Idempotent: only the first open for an identity
// performs schema creation.
func (r *Registry) Open(ctx context.Context, identity string) (*Bolt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id := havencache.NormalizeIdentity(identity)
	if id == "" {
		return nil, fmt.Errorf("%w: empty identity", havencache.ErrStorageUnavailable)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.handles[id]; ok {
		return h, nil
	}

	path := filepath.Join(r.dir, "videos-"+id+".db")
	opts := append([]BoltOption{WithLogger(r.logger)}, r.opts...)
	h, err := OpenBolt(path, id, opts...)
	if err != nil {
		return nil, err
	}
	r.handles[id] = h
	return h, nil
}

// Get returns the live handle for an identity without opening one.
func (r *Registry) Get(identity string) (*Bolt, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[havencache.NormalizeIdentity(identity)]
	return h, ok
}

// Close closes and forgets the handle for an identity. The persisted data
// remains on disk for later reattachment. Closing an identity with no live
// handle is a no-op.
func (r *Registry) Close(identity string) error {
	id := havencache.NormalizeIdentity(identity)

	r.mu.Lock()
	h, ok := r.handles[id]
	delete(r.handles, id)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	return h.Close()
}

// CloseAll closes every live handle. Used at process shutdown.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	handles := r.handles
	r.handles = make(map[string]*Bolt)
	r.mu.Unlock()

	var firstErr error
	for id, h := range handles {
		if err := h.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing store for %s: %w", id, err)
		}
	}
	return firstErr
}

// Mutex returns the write lock for an identity. The lock outlives any open
// or close of the identity's handle, so lockers across an attach/detach
// boundary still serialize correctly.
func (r *Registry) Mutex(identity string) *sync.Mutex {
	id := havencache.NormalizeIdentity(identity)

	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.locks[id]
	if !ok {
		m = &sync.Mutex{}
		r.locks[id] = m
	}
	return m
}
