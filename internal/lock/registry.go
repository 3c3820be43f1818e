// Package lock provides the keyed mutual-exclusion registry that
// serializes engine mutations per project and per (project, branch).
// Locks are cooperative weighted semaphores with fair FIFO queuing and a
// context deadline, not OS-level locks; reads never take them.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"loom/api/internal/history"

	"golang.org/x/sync/semaphore"
)

// Registry hands out per-key locks. Construct one per deployment and
// inject it; it is not a package-level singleton.
type Registry struct {
	timeout time.Duration
	mu      sync.Mutex
	keys    map[string]*semaphore.Weighted
}

func NewRegistry(timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Registry{
		timeout: timeout,
		keys:    make(map[string]*semaphore.Weighted),
	}
}

func (r *Registry) sem(key string) *semaphore.Weighted {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.keys[key]
	if !ok {
		s = semaphore.NewWeighted(1)
		r.keys[key] = s
	}
	return s
}

// Acquire blocks until the key's lock is granted or the registry timeout
// (or the caller's earlier deadline) elapses, returning a release
// callback. Waiters are granted in FIFO order.
func (r *Registry) Acquire(ctx context.Context, key string) (func(), error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	s := r.sem(key)
	if err := s.Acquire(ctx, 1); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("lock %q: %w", key, history.ErrLockTimeout)
		}
		return nil, fmt.Errorf("lock %q: %w", key, err)
	}
	var once sync.Once
	return func() { once.Do(func() { s.Release(1) }) }, nil
}

func projectKey(projectID string) string {
	return "project\x00" + projectID
}

func branchKey(projectID, refID string) string {
	return "branch\x00" + projectID + "\x00" + refID
}

// WithBranch runs fn while holding only the (project, branch) lock, the
// append path. Appends to two branches of the same project proceed
// concurrently.
func (r *Registry) WithBranch(ctx context.Context, projectID, refID string, fn func(ctx context.Context) error) error {
	release, err := r.Acquire(ctx, branchKey(projectID, refID))
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}

// WithProject runs fn while holding the project lock, for operations
// needing branch-list stability (creation, rename).
func (r *Registry) WithProject(ctx context.Context, projectID string, fn func(ctx context.Context) error) error {
	release, err := r.Acquire(ctx, projectKey(projectID))
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}

// WithProjectAndBranch nests branch inside project, always in that
// order, so merges and forks cannot interleave even across different
// branches of one project.
func (r *Registry) WithProjectAndBranch(ctx context.Context, projectID, refID string, fn func(ctx context.Context) error) error {
	return r.WithProject(ctx, projectID, func(ctx context.Context) error {
		return r.WithBranch(ctx, projectID, refID, fn)
	})
}
