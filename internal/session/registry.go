package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

var (
	DefaultTTL           = 72 * time.Hour
	DefaultSweepInterval = time.Hour

	ErrNotFound        = errors.New("session not found")
	ErrExpired         = errors.New("session expired")
	ErrVersionConflict = errors.New("session version conflict")
)

// timeNow is stubbed in tests to exercise expiry without sleeping.
var timeNow = func() time.Time { return time.Now().UTC() }

// Registry owns every live session. All access goes through its lock; the
// structs it hands out are clones, so callers never touch shared maps.
// Expiry is enforced at read time, the sweeper only reclaims memory.
type Registry struct {
	TTL           time.Duration
	SweepInterval time.Duration
	Logger        *log.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

func (r *Registry) ensureMapLocked() {
	if r.sessions == nil {
		r.sessions = map[string]*Session{}
	}
}

func (r *Registry) ttl() time.Duration {
	if r.TTL != 0 {
		return r.TTL
	}
	return DefaultTTL
}

// Create registers a new session and returns it with version 1. The only
// failure mode is the entropy source.
func (r *Registry) Create(workspacePath string, metadata map[string]string) (*Session, error) {
	id, err := newSessionID()
	if err != nil {
		return nil, fmt.Errorf("generate session id: %w", err)
	}

	now := timeNow()
	state := &Session{
		ID:            id,
		WorkspacePath: workspacePath,
		Metadata:      cloneMetadata(metadata),
		State:         map[string]any{},
		Status:        StatusCreated,
		CreatedAt:     now,
		UpdatedAt:     now,
		ExpiresAt:     now.Add(r.ttl()),
		Version:       1,
	}

	r.mu.Lock()
	r.ensureMapLocked()
	r.sessions[id] = state
	out := cloneSessionLocked(state)
	r.mu.Unlock()

	if r.Logger != nil {
		r.Logger.Info("session created",
			"session_id", id,
			"workspace_path", workspacePath,
			"expires_at", state.ExpiresAt,
		)
	}
	return out, nil
}

// Get returns a session by id. Absent and expired entries are
// indistinguishable to readers; both report ErrNotFound.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	state, ok := r.sessions[id]
	if !ok || timeNow().After(state.ExpiresAt) {
		r.mu.RUnlock()
		return nil, fmt.Errorf("session %q: %w", id, ErrNotFound)
	}
	out := cloneSessionLocked(state)
	r.mu.RUnlock()
	return out, nil
}

// List returns the live sessions ordered by creation time. Expired entries
// are skipped even when the sweeper has not reclaimed them yet.
func (r *Registry) List() []*Session {
	now := timeNow()

	r.mu.RLock()
	items := make([]*Session, 0, len(r.sessions))
	for _, state := range r.sessions {
		if now.After(state.ExpiresAt) {
			continue
		}
		items = append(items, cloneSessionLocked(state))
	}
	r.mu.RUnlock()

	sort.Slice(items, func(i, j int) bool {
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	return items
}

// Sync applies a state update. A snapshot replaces the stored state
// wholesale; otherwise the delta is merged key by key, last writer wins.
// Returns the incremented version.
func (r *Registry) Sync(id string, delta, snapshot map[string]any) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, err := r.findLocked(id)
	if err != nil {
		return 0, err
	}
	return r.applySyncLocked(state, delta, snapshot), nil
}

// SyncVersioned is the compare-and-set form of Sync: the update applies only
// if the stored version still equals expectedVersion.
func (r *Registry) SyncVersioned(id string, expectedVersion int, delta, snapshot map[string]any) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, err := r.findLocked(id)
	if err != nil {
		return 0, err
	}
	if state.Version != expectedVersion {
		return 0, fmt.Errorf("session %q: expected version %d, have %d: %w",
			id, expectedVersion, state.Version, ErrVersionConflict)
	}
	return r.applySyncLocked(state, delta, snapshot), nil
}

func (r *Registry) applySyncLocked(state *Session, delta, snapshot map[string]any) int {
	switch {
	case snapshot != nil:
		state.State = cloneState(snapshot)
	case delta != nil:
		if state.State == nil {
			state.State = map[string]any{}
		}
		for k, v := range delta {
			state.State[k] = v
		}
	}
	state.Status = StatusSynced
	state.UpdatedAt = timeNow()
	state.Version++
	return state.Version
}

// UpdateStatus moves a session through its lifecycle and returns the
// incremented version.
func (r *Registry) UpdateStatus(id string, status Status) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, err := r.findLocked(id)
	if err != nil {
		return 0, err
	}
	state.Status = status
	state.UpdatedAt = timeNow()
	state.Version++
	return state.Version, nil
}

// Delete removes a session. Deleting an unknown id is a no-op.
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// findLocked distinguishes absent from expired for writers; readers collapse
// the two in Get and List.
func (r *Registry) findLocked(id string) (*Session, error) {
	state, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %q: %w", id, ErrNotFound)
	}
	if timeNow().After(state.ExpiresAt) {
		return nil, fmt.Errorf("session %q: %w", id, ErrExpired)
	}
	return state, nil
}

// Sweep reclaims expired sessions on an interval until ctx is cancelled.
// Correctness never depends on it running; reads already filter expired
// entries.
func (r *Registry) Sweep(ctx context.Context) {
	interval := r.SweepInterval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := r.sweepOnce(timeNow()); removed > 0 && r.Logger != nil {
				r.Logger.Debug("expired sessions removed", "count", removed)
			}
		}
	}
}

func (r *Registry) sweepOnce(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, state := range r.sessions {
		if now.After(state.ExpiresAt) {
			delete(r.sessions, id)
			removed++
		}
	}
	return removed
}
