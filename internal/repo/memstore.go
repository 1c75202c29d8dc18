package repo

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/utsubo/chidori/internal/config"
	"github.com/utsubo/chidori/internal/model"
)

// MemStore keeps everything in process memory. It is the backend for tests
// and single-process deployments; transactions are serialized by one mutex
// and rolled back by restoring a snapshot.
type MemStore struct {
	mu sync.Mutex

	sessionSeq int64
	attemptSeq int64
	taskSeq    int64

	sessions    map[int64]model.Session
	sessionKeys map[string]int64
	attempts    map[int64]model.Attempt
	tasks       map[int64]model.Task
	archives    map[int64][]model.Task
}

func NewMemStore() *MemStore {
	return &MemStore{
		sessions:    make(map[int64]model.Session),
		sessionKeys: make(map[string]int64),
		attempts:    make(map[int64]model.Attempt),
		tasks:       make(map[int64]model.Task),
		archives:    make(map[int64][]model.Task),
	}
}

func sessionKey(project, workflow string, sessionTime time.Time) string {
	return fmt.Sprintf("%s/%s@%d", project, workflow, sessionTime.Unix())
}

func cloneSession(s model.Session) model.Session {
	out := s
	out.Params = s.Params.DeepCopy()
	return out
}

func cloneAttempt(a model.Attempt) model.Attempt {
	out := a
	if a.RetryName != nil {
		v := *a.RetryName
		out.RetryName = &v
	}
	out.Params = a.Params.DeepCopy()
	if a.FinishedAt != nil {
		v := *a.FinishedAt
		out.FinishedAt = &v
	}
	return out
}

type memSnapshot struct {
	sessionSeq, attemptSeq, taskSeq int64

	sessions    map[int64]model.Session
	sessionKeys map[string]int64
	attempts    map[int64]model.Attempt
	tasks       map[int64]model.Task
	archives    map[int64][]model.Task
}

// snapshot copies the maps only. Stored values are never mutated in place,
// so sharing them between the snapshot and the live maps is safe.
func (m *MemStore) snapshot() memSnapshot {
	snap := memSnapshot{
		sessionSeq:  m.sessionSeq,
		attemptSeq:  m.attemptSeq,
		taskSeq:     m.taskSeq,
		sessions:    make(map[int64]model.Session, len(m.sessions)),
		sessionKeys: make(map[string]int64, len(m.sessionKeys)),
		attempts:    make(map[int64]model.Attempt, len(m.attempts)),
		tasks:       make(map[int64]model.Task, len(m.tasks)),
		archives:    make(map[int64][]model.Task, len(m.archives)),
	}
	for k, v := range m.sessions {
		snap.sessions[k] = v
	}
	for k, v := range m.sessionKeys {
		snap.sessionKeys[k] = v
	}
	for k, v := range m.attempts {
		snap.attempts[k] = v
	}
	for k, v := range m.tasks {
		snap.tasks[k] = v
	}
	for k, v := range m.archives {
		snap.archives[k] = v
	}
	return snap
}

func (m *MemStore) restore(snap memSnapshot) {
	m.sessionSeq = snap.sessionSeq
	m.attemptSeq = snap.attemptSeq
	m.taskSeq = snap.taskSeq
	m.sessions = snap.sessions
	m.sessionKeys = snap.sessionKeys
	m.attempts = snap.attempts
	m.tasks = snap.tasks
	m.archives = snap.archives
}

func (m *MemStore) Transaction(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := m.snapshot()
	if err := fn(&memTx{store: m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

func (m *MemStore) GetSession(ctx context.Context, id int64) (model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return model.Session{}, fmt.Errorf("session %d: %w", id, ErrNotFound)
	}
	return cloneSession(s), nil
}

func (m *MemStore) FindSession(ctx context.Context, project, workflow string, sessionTime time.Time) (model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.sessionKeys[sessionKey(project, workflow, sessionTime)]
	if !ok {
		return model.Session{}, fmt.Errorf("session %s/%s: %w", project, workflow, ErrNotFound)
	}
	return cloneSession(m.sessions[id]), nil
}

func (m *MemStore) GetAttempt(ctx context.Context, id int64) (model.Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[id]
	if !ok {
		return model.Attempt{}, fmt.Errorf("attempt %d: %w", id, ErrNotFound)
	}
	return cloneAttempt(a), nil
}

func (m *MemStore) ListActiveAttempts(ctx context.Context, lastID int64, limit int) ([]model.Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int64
	for id, a := range m.attempts {
		if id > lastID && !a.Flags.Done {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]model.Attempt, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneAttempt(m.attempts[id]))
	}
	return out, nil
}

func (m *MemStore) ListAttemptsOfSession(ctx context.Context, sessionID int64) ([]model.Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int64
	for id, a := range m.attempts {
		if a.SessionID == sessionID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]model.Attempt, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneAttempt(m.attempts[id]))
	}
	return out, nil
}

func (m *MemStore) GetTask(ctx context.Context, id int64) (model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return model.Task{}, fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	return t.Clone(), nil
}

func (m *MemStore) ListTasksByState(ctx context.Context, state model.TaskState, lastID int64, limit int) ([]model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int64
	for id, t := range m.tasks {
		if id > lastID && t.State == state {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]model.Task, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.tasks[id].Clone())
	}
	return out, nil
}

func (m *MemStore) ListTasksOfAttempt(ctx context.Context, attemptID int64) ([]model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&memTx{store: m}).ListTasksOfAttempt(attemptID)
}

func (m *MemStore) TaskRelations(ctx context.Context, attemptID int64) ([]model.TaskRelation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&memTx{store: m}).TaskRelations(attemptID)
}

func (m *MemStore) ListArchivedTasks(ctx context.Context, attemptID int64) ([]model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows, ok := m.archives[attemptID]
	if !ok {
		return nil, fmt.Errorf("archive of attempt %d: %w", attemptID, ErrNotFound)
	}
	out := make([]model.Task, 0, len(rows))
	for _, t := range rows {
		out = append(out, t.Clone())
	}
	return out, nil
}

// memTx operates directly on the store maps; MemStore.Transaction holds the
// lock and restores a snapshot when the callback fails.
type memTx struct {
	store *MemStore
}

func (tx *memTx) UpsertSession(s model.Session) (model.Session, error) {
	m := tx.store
	key := sessionKey(s.Project, s.Workflow, s.SessionTime)
	if id, ok := m.sessionKeys[key]; ok {
		return cloneSession(m.sessions[id]), nil
	}
	m.sessionSeq++
	s.ID = m.sessionSeq
	s.CreatedAt = time.Now().UTC()
	stored := cloneSession(s)
	m.sessions[s.ID] = stored
	m.sessionKeys[key] = s.ID
	return cloneSession(stored), nil
}

func (tx *memTx) UpdateSessionParams(sessionID int64, params *config.Config) error {
	m := tx.store
	s, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %d: %w", sessionID, ErrNotFound)
	}
	s.Params = params.DeepCopy()
	m.sessions[sessionID] = s
	return nil
}

func (tx *memTx) InsertAttempt(a model.Attempt) (model.Attempt, error) {
	m := tx.store
	if _, ok := m.sessions[a.SessionID]; !ok {
		return model.Attempt{}, fmt.Errorf("session %d: %w", a.SessionID, ErrNotFound)
	}
	for _, existing := range m.attempts {
		if existing.SessionID != a.SessionID {
			continue
		}
		if retryNameEqual(existing.RetryName, a.RetryName) {
			return model.Attempt{}, fmt.Errorf("attempt of session %d with retry name %v: %w",
				a.SessionID, a.RetryName, ErrConflict)
		}
	}
	m.attemptSeq++
	a.ID = m.attemptSeq
	a.CreatedAt = time.Now().UTC()
	stored := cloneAttempt(a)
	m.attempts[a.ID] = stored
	return cloneAttempt(stored), nil
}

func retryNameEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (tx *memTx) GetAttempt(id int64) (model.Attempt, error) {
	a, ok := tx.store.attempts[id]
	if !ok {
		return model.Attempt{}, fmt.Errorf("attempt %d: %w", id, ErrNotFound)
	}
	return cloneAttempt(a), nil
}

func (tx *memTx) UpdateAttemptFlags(id int64, flags model.AttemptFlags, finishedAt *time.Time) error {
	m := tx.store
	a, ok := m.attempts[id]
	if !ok {
		return fmt.Errorf("attempt %d: %w", id, ErrNotFound)
	}
	a.Flags = flags
	if finishedAt != nil {
		v := *finishedAt
		a.FinishedAt = &v
	}
	m.attempts[id] = a
	return nil
}

func (tx *memTx) ListAttemptsOfSession(sessionID int64) ([]model.Attempt, error) {
	m := tx.store
	var ids []int64
	for id, a := range m.attempts {
		if a.SessionID == sessionID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]model.Attempt, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneAttempt(m.attempts[id]))
	}
	return out, nil
}

func (tx *memTx) InsertTask(t model.Task) (model.Task, error) {
	m := tx.store
	if _, ok := m.attempts[t.AttemptID]; !ok {
		return model.Task{}, fmt.Errorf("attempt %d: %w", t.AttemptID, ErrNotFound)
	}
	m.taskSeq++
	t.ID = m.taskSeq
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	stored := t.Clone()
	m.tasks[t.ID] = stored
	return stored.Clone(), nil
}

func (tx *memTx) GetTask(id int64) (model.Task, error) {
	t, ok := tx.store.tasks[id]
	if !ok {
		return model.Task{}, fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	return t.Clone(), nil
}

func (tx *memTx) UpdateTask(t model.Task) error {
	m := tx.store
	if _, ok := m.tasks[t.ID]; !ok {
		return fmt.Errorf("task %d: %w", t.ID, ErrNotFound)
	}
	t.UpdatedAt = time.Now().UTC()
	m.tasks[t.ID] = t.Clone()
	return nil
}

func (tx *memTx) TransitionTaskState(id int64, from, to model.TaskState, mutate func(*model.Task)) (bool, error) {
	m := tx.store
	cur, ok := m.tasks[id]
	if !ok {
		return false, fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	if cur.State != from {
		return false, nil
	}
	if err := model.ValidateTaskTransition(from, to); err != nil {
		return false, err
	}
	next := cur.Clone()
	if mutate != nil {
		mutate(&next)
	}
	next.State = to
	next.UpdatedAt = time.Now().UTC()
	m.tasks[id] = next
	return true, nil
}

func (tx *memTx) CountTasks(attemptID int64) (int, error) {
	count := 0
	for _, t := range tx.store.tasks {
		if t.AttemptID == attemptID {
			count++
		}
	}
	return count, nil
}

func (tx *memTx) ListTasksOfAttempt(attemptID int64) ([]model.Task, error) {
	m := tx.store
	var ids []int64
	for id, t := range m.tasks {
		if t.AttemptID == attemptID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]model.Task, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.tasks[id].Clone())
	}
	return out, nil
}

func (tx *memTx) ListChildren(parentID int64) ([]model.Task, error) {
	m := tx.store
	var ids []int64
	for id, t := range m.tasks {
		if t.ParentID != nil && *t.ParentID == parentID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]model.Task, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.tasks[id].Clone())
	}
	return out, nil
}

func (tx *memTx) TaskRelations(attemptID int64) ([]model.TaskRelation, error) {
	tasks, err := tx.ListTasksOfAttempt(attemptID)
	if err != nil {
		return nil, err
	}
	out := make([]model.TaskRelation, 0, len(tasks))
	for i := range tasks {
		out = append(out, tasks[i].Relation())
	}
	return out, nil
}

func (tx *memTx) ArchiveAttempt(attemptID int64, success bool, finishedAt time.Time) error {
	m := tx.store
	a, ok := m.attempts[attemptID]
	if !ok {
		return fmt.Errorf("attempt %d: %w", attemptID, ErrNotFound)
	}
	if a.Flags.Done {
		return fmt.Errorf("attempt %d is already archived: %w", attemptID, ErrConflict)
	}
	rows, err := tx.ListTasksOfAttempt(attemptID)
	if err != nil {
		return err
	}
	m.archives[attemptID] = rows
	for _, t := range rows {
		delete(m.tasks, t.ID)
	}
	a.Flags.Done = true
	a.Flags.Success = success
	v := finishedAt
	a.FinishedAt = &v
	m.attempts[attemptID] = a
	return nil
}
