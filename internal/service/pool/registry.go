// Package pool tracks connected worker agents: their status, heartbeat
// recency, and per-worker payload digests. All reads and writes of worker
// state go through the Registry's single lock; the lock is never held across
// transport I/O.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/ai-chat-bridge/internal/domain"
)

// Status is a worker's scheduling state.
type Status string

const (
	// StatusReady means connected but not yet claimable; the worker must
	// send client_ready before it can be selected.
	StatusReady Status = "ready"
	// StatusIdle means claimable for a dispatch.
	StatusIdle Status = "idle"
	// StatusBusy means assigned to exactly one in-flight dispatch.
	StatusBusy Status = "busy"
)

// Worker is one connected agent. Fields are guarded by the Registry lock.
type Worker struct {
	ID            string
	ClientID      string
	Transport     domain.Transport
	Status        Status
	ConnectedAt   time.Time
	LastHeartbeat time.Time
	LastActivity  time.Time
	Meta          map[string]string

	// SystemDigest and ToolsDigest fingerprint the last system prompt and
	// tool catalogue transmitted to this worker. They are independent:
	// a prompt change never invalidates the tools cache.
	SystemDigest string
	ToolsDigest  string
}

// Claim is the snapshot a dispatcher receives for an acquired worker.
type Claim struct {
	WorkerID     string
	Transport    domain.Transport
	SystemDigest string
	ToolsDigest  string
}

// Stats is the health-reporting snapshot.
type Stats struct {
	Total int `json:"total_connections"`
	Idle  int `json:"idle_connections"`
	Busy  int `json:"busy_connections"`
}

// Registry maintains the set of live workers.
type Registry struct {
	mu         sync.Mutex
	workers    map[string]*Worker
	maxWorkers int
	liveness   time.Duration

	// onEvict is invoked (outside the lock) for each worker removed by
	// EvictStale so its rendezvous slots can be failed with worker gone.
	onEvict func(workerID string)
}

// NewRegistry creates an empty registry. maxWorkers <= 0 means unlimited.
func NewRegistry(maxWorkers int, liveness time.Duration) *Registry {
	return &Registry{
		workers:    make(map[string]*Worker),
		maxWorkers: maxWorkers,
		liveness:   liveness,
	}
}

// SetOnEvict installs the eviction callback. Must be called before Run.
func (r *Registry) SetOnEvict(fn func(workerID string)) { r.onEvict = fn }

// Register adds a worker in state READY and returns its broker-assigned id.
func (r *Registry) Register(t domain.Transport, meta map[string]string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.maxWorkers > 0 && len(r.workers) >= r.maxWorkers {
		return "", fmt.Errorf("%w: %d workers connected", domain.ErrCapacity, len(r.workers))
	}
	now := time.Now()
	id := newWorkerID()
	r.workers[id] = &Worker{
		ID:            id,
		Transport:     t,
		Status:        StatusReady,
		ConnectedAt:   now,
		LastHeartbeat: now,
		LastActivity:  now,
		Meta:          meta,
	}
	return id, nil
}

// Annotate records the worker-supplied id and metadata from a register frame.
func (r *Registry) Annotate(id, clientID string, meta map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return
	}
	if clientID != "" {
		w.ClientID = clientID
	}
	for k, v := range meta {
		if w.Meta == nil {
			w.Meta = make(map[string]string, len(meta))
		}
		w.Meta[k] = v
	}
	w.LastActivity = time.Now()
}

// MarkReady transitions READY->IDLE or BUSY->IDLE. No-op when already IDLE
// or when the worker is unknown.
func (r *Registry) MarkReady(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok {
		return false
	}
	w.Status = StatusIdle
	w.LastActivity = time.Now()
	return true
}

// ClaimIdle selects one IDLE worker, most-recently-heartbeat first, and
// transitions it to BUSY atomically with selection. Stale workers are
// evicted opportunistically before selection.
func (r *Registry) ClaimIdle() (Claim, bool) {
	r.EvictStale(time.Now())

	r.mu.Lock()
	defer r.mu.Unlock()
	var best *Worker
	for _, w := range r.workers {
		if w.Status != StatusIdle {
			continue
		}
		if best == nil || w.LastHeartbeat.After(best.LastHeartbeat) {
			best = w
		}
	}
	if best == nil {
		return Claim{}, false
	}
	best.Status = StatusBusy
	best.LastActivity = time.Now()
	return Claim{
		WorkerID:     best.ID,
		Transport:    best.Transport,
		SystemDigest: best.SystemDigest,
		ToolsDigest:  best.ToolsDigest,
	}, true
}

// Release transitions BUSY->IDLE. Safe to call for workers that already
// left the registry or were idled by a ready signal.
func (r *Registry) Release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	if !ok || w.Status != StatusBusy {
		return
	}
	w.Status = StatusIdle
	w.LastActivity = time.Now()
}

// Touch updates the worker's last-heartbeat timestamp.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.workers[id]; ok {
		now := time.Now()
		w.LastHeartbeat = now
		w.LastActivity = now
	}
}

// CommitDigests records the payload fingerprints last transmitted to the
// worker. Called only after a successful send.
func (r *Registry) CommitDigests(id, systemDigest, toolsDigest string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.workers[id]; ok {
		w.SystemDigest = systemDigest
		w.ToolsDigest = toolsDigest
	}
}

// Remove deletes a worker regardless of status. Idempotent.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.workers[id]; !ok {
		return false
	}
	delete(r.workers, id)
	return true
}

// EvictStale removes every worker whose last heartbeat precedes
// now - liveness window, then reports each eviction through the callback.
// The callback runs outside the registry lock.
func (r *Registry) EvictStale(now time.Time) []string {
	cutoff := now.Add(-r.liveness)

	r.mu.Lock()
	var evicted []*Worker
	for id, w := range r.workers {
		if w.LastHeartbeat.Before(cutoff) {
			delete(r.workers, id)
			evicted = append(evicted, w)
		}
	}
	r.mu.Unlock()

	ids := make([]string, 0, len(evicted))
	for _, w := range evicted {
		slog.Info("worker evicted for missed heartbeats", slog.String("worker_id", w.ID))
		// Closing the transport unblocks the session's read loop so it can
		// finish its own teardown.
		_ = w.Transport.Close()
		if r.onEvict != nil {
			r.onEvict(w.ID)
		}
		ids = append(ids, w.ID)
	}
	return ids
}

// Snapshot returns worker counts for health reporting.
func (r *Registry) Snapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Stats{Total: len(r.workers)}
	for _, w := range r.workers {
		switch w.Status {
		case StatusIdle:
			s.Idle++
		case StatusBusy:
			s.Busy++
		}
	}
	return s
}

// Run drives periodic stale-worker eviction until the context ends.
func (r *Registry) Run(ctx context.Context, tick time.Duration) {
	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			r.EvictStale(now)
		}
	}
}

func newWorkerID() string {
	return "client_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
