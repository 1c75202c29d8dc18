package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryEntry struct {
	req      Request
	seq      int64
	enqueued time.Time

	lockID       string
	leaseOwner   string
	leaseExpires time.Time
}

func (e *memoryEntry) leased(now time.Time) bool {
	return e.lockID != "" && now.Before(e.leaseExpires)
}

// Memory is the in-process queue backend. One daemon plus inline agents
// share it directly.
type Memory struct {
	mu      sync.Mutex
	seq     int64
	entries map[string]*memoryEntry
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[string]*memoryEntry)}
}

func (q *Memory) Enqueue(ctx context.Context, req Request) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.entries[req.UniqueName]; ok {
		return fmt.Errorf("%q: %w", req.UniqueName, ErrTaskConflict)
	}
	q.seq++
	q.entries[req.UniqueName] = &memoryEntry{req: req, seq: q.seq, enqueued: time.Now()}
	return nil
}

func (q *Memory) Lock(ctx context.Context, limit int, agentID string, leaseSeconds int) ([]Locked, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()

	candidates := make([]*memoryEntry, 0, len(q.entries))
	for _, e := range q.entries {
		if !e.leased(now) {
			candidates = append(candidates, e)
		}
	}
	// highest priority first, then enqueue order
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].req.Priority != candidates[j].req.Priority {
			return candidates[i].req.Priority > candidates[j].req.Priority
		}
		return candidates[i].seq < candidates[j].seq
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	out := make([]Locked, 0, len(candidates))
	for _, e := range candidates {
		e.lockID = e.req.UniqueName + "|" + uuid.NewString()
		e.leaseOwner = agentID
		e.leaseExpires = now.Add(time.Duration(leaseSeconds) * time.Second)
		out = append(out, Locked{
			UniqueName: e.req.UniqueName,
			TaskID:     e.req.TaskID,
			AttemptID:  e.req.AttemptID,
			LockID:     e.lockID,
			ExpiresAt:  e.leaseExpires,
		})
	}
	return out, nil
}

func (q *Memory) Heartbeat(ctx context.Context, lockIDs []string, agentID string, leaseSeconds int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()
	for _, lockID := range lockIDs {
		e := q.findByLockID(lockID)
		if e == nil || e.leaseOwner != agentID || !now.Before(e.leaseExpires) {
			return fmt.Errorf("%q: %w", lockID, ErrLeaseLost)
		}
		e.leaseExpires = now.Add(time.Duration(leaseSeconds) * time.Second)
	}
	return nil
}

func (q *Memory) Delete(ctx context.Context, lockID, agentID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e := q.findByLockID(lockID)
	if e == nil {
		return fmt.Errorf("%q: %w", lockID, ErrNotFound)
	}
	if e.leaseOwner != agentID || !time.Now().Before(e.leaseExpires) {
		return fmt.Errorf("%q: %w", lockID, ErrLeaseLost)
	}
	delete(q.entries, e.req.UniqueName)
	return nil
}

// Len reports the number of queued entries, leased or not.
func (q *Memory) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *Memory) findByLockID(lockID string) *memoryEntry {
	for _, e := range q.entries {
		if e.lockID == lockID {
			return e
		}
	}
	return nil
}
