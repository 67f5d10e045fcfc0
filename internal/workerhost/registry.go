// Package workerhost tracks live worker sessions, each owning one
// *oplog.ReplayCursor, and fans out ReplayEvent notifications to debug
// subscribers. It never writes oplog entries; that remains the
// executor's job (see SPEC_FULL.md Non-goals).
package workerhost

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/golemrt/durable/internal/oplog"
)

// Session wraps a live worker's replay cursor plus bookkeeping metadata.
type Session struct {
	ID               string
	Worker           oplog.WorkerID
	ComponentVersion oplog.ComponentVersion
	CreatedAt        time.Time

	cursor *oplog.ReplayCursor
}

// Cursor returns the session's replay cursor.
func (s *Session) Cursor() *oplog.ReplayCursor { return s.cursor }

// TakeReplayEvents drains events accumulated on this session's cursor
// since the last call, for the host runtime to dispatch.
func (s *Session) TakeReplayEvents() []oplog.ReplayEvent {
	return s.cursor.TakeNewReplayEvents()
}

// eventSub is a debug subscriber, dual-indexed by worker and namespace,
// mirroring the teacher's per-user/per-org dual index. Subscriptions are
// per worker and notify delivers only to the worker index; there is no
// namespace-wide subscription.
type eventSub struct {
	worker oplog.WorkerID
	ch     chan oplog.ReplayEvent
}

// Registry tracks every live worker session, keyed by (namespace,
// worker id), behind a read-mostly RWMutex-guarded map — the same shape
// as the teacher's WingRegistry.
type Registry struct {
	mu       sync.RWMutex
	sessions map[oplog.WorkerID]*Session

	subMu      sync.RWMutex
	workerSubs map[oplog.WorkerID][]*eventSub
	nsSubs     map[string][]*eventSub
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions:   make(map[oplog.WorkerID]*Session),
		workerSubs: make(map[oplog.WorkerID][]*eventSub),
		nsSubs:     make(map[string][]*eventSub),
	}
}

// StartSession creates a cursor-backed session for worker and registers
// it in the registry, replacing any prior session for the same worker.
func (r *Registry) StartSession(ctx context.Context, worker oplog.WorkerID, store oplog.Store, decoder oplog.PayloadDecoder, skippedRegions oplog.DeletedRegions, lastOplogIndex oplog.Index, version oplog.ComponentVersion) (*Session, error) {
	cursor, err := oplog.New(ctx, worker, store, decoder, skippedRegions, lastOplogIndex)
	if err != nil {
		return nil, fmt.Errorf("start session for worker %s/%s: %w", worker.Namespace, worker.ID, err)
	}

	sess := &Session{
		ID:               uuid.NewString(),
		Worker:           worker,
		ComponentVersion: version,
		CreatedAt:        time.Now(),
		cursor:           cursor,
	}

	r.mu.Lock()
	r.sessions[worker] = sess
	r.mu.Unlock()

	// Construction may have already driven the cursor to live (e.g. a
	// worker with no outstanding history), queuing a ReplayFinished
	// event; drain it so it doesn't sit stale on the cursor forever.
	r.DrainAndNotify(sess)
	return sess, nil
}

// EndSession removes a worker's session from the registry. Returns the
// removed session, or nil if none was tracked.
func (r *Registry) EndSession(worker oplog.WorkerID) *Session {
	r.mu.Lock()
	sess := r.sessions[worker]
	delete(r.sessions, worker)
	r.mu.Unlock()
	return sess
}

// Lookup returns the live session for worker, if any.
func (r *Registry) Lookup(worker oplog.WorkerID) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[worker]
	return sess, ok
}

// ListNamespace returns every live session in namespace.
func (r *Registry) ListNamespace(namespace string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Session
	for w, sess := range r.sessions {
		if w.Namespace == namespace {
			out = append(out, sess)
		}
	}
	return out
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Subscribe registers ch to receive ReplayEvents for worker. Callers
// must Unsubscribe with the same (worker, ch) pair when done.
func (r *Registry) Subscribe(worker oplog.WorkerID, ch chan oplog.ReplayEvent) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	sub := &eventSub{worker: worker, ch: ch}
	r.workerSubs[worker] = append(r.workerSubs[worker], sub)
	r.nsSubs[worker.Namespace] = append(r.nsSubs[worker.Namespace], sub)
}

// Unsubscribe removes a previously registered subscriber, cleaning up
// both indices when a worker or namespace has no more subscribers.
func (r *Registry) Unsubscribe(worker oplog.WorkerID, ch chan oplog.ReplayEvent) {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	list := r.workerSubs[worker]
	for i, s := range list {
		if s.ch != ch {
			continue
		}
		nsList := r.nsSubs[worker.Namespace]
		for j, ns := range nsList {
			if ns == s {
				r.nsSubs[worker.Namespace] = append(nsList[:j], nsList[j+1:]...)
				break
			}
		}
		if len(r.nsSubs[worker.Namespace]) == 0 {
			delete(r.nsSubs, worker.Namespace)
		}
		r.workerSubs[worker] = append(list[:i], list[i+1:]...)
		break
	}
	if len(r.workerSubs[worker]) == 0 {
		delete(r.workerSubs, worker)
	}
}

// notify delivers ev to every subscriber registered for worker, dropping
// it for any subscriber whose channel is not ready to receive.
func (r *Registry) notify(worker oplog.WorkerID, ev oplog.ReplayEvent) {
	r.subMu.RLock()
	defer r.subMu.RUnlock()
	for _, s := range r.workerSubs[worker] {
		select {
		case s.ch <- ev:
		default:
		}
	}
}

// DrainAndNotify takes a session's pending replay events and fans them
// out to any subscribers watching its worker. Called by the host
// runtime after each step that may have advanced the cursor.
func (r *Registry) DrainAndNotify(sess *Session) []oplog.ReplayEvent {
	events := sess.TakeReplayEvents()
	for _, ev := range events {
		r.notify(sess.Worker, ev)
	}
	return events
}
