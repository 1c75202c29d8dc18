package executor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/utsubo/chidori/internal/config"
	"github.com/utsubo/chidori/internal/events"
	"github.com/utsubo/chidori/internal/model"
	"github.com/utsubo/chidori/internal/queue"
	"github.com/utsubo/chidori/internal/repo"
)

const testAgentID = "agent-test"

type harness struct {
	exec  *Executor
	store *repo.MemStore
	queue *queue.Memory
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := repo.NewMemStore()
	q := queue.NewMemory()
	bus := events.NewBus(10)
	t.Cleanup(bus.Close)
	cfg := model.DefaultSystemConfig().Executor
	return &harness{
		exec:  New(store, q, bus, zap.NewNop(), cfg),
		store: store,
		queue: q,
	}
}

func parseYAML(t *testing.T, src string) *config.Config {
	t.Helper()
	cfg, err := config.ParseYAML([]byte(src))
	require.NoError(t, err)
	return cfg
}

// script decides one locked task's outcome by full name.
type script func(task model.Task) (model.TaskResult, error)

func succeedAll(task model.Task) (model.TaskResult, error) {
	return model.EmptyTaskResult(), nil
}

func failNamed(names ...string) script {
	return func(task model.Task) (model.TaskResult, error) {
		for _, name := range names {
			if task.FullName == name {
				return model.TaskResult{}, errors.New("scripted failure")
			}
		}
		return model.EmptyTaskResult(), nil
	}
}

// drain locks every queued task and reports a scripted outcome, standing in
// for the worker agent.
func (h *harness) drain(t *testing.T, ctx context.Context, run script) {
	t.Helper()
	for {
		locked, err := h.queue.Lock(ctx, 10, testAgentID, 60)
		require.NoError(t, err)
		if len(locked) == 0 {
			return
		}
		for _, lock := range locked {
			task, _, err := h.exec.StartTask(ctx, lock.TaskID)
			if errors.Is(err, ErrTaskNotRunnable) {
				require.NoError(t, h.queue.Delete(ctx, lock.LockID, testAgentID))
				continue
			}
			require.NoError(t, err)
			result, runErr := run(task)
			if runErr != nil {
				require.NoError(t, h.exec.TaskFailed(ctx, task.ID, lock.LockID, testAgentID, errorConfig(runErr)))
				continue
			}
			require.NoError(t, h.exec.TaskSucceeded(ctx, task.ID, lock.LockID, testAgentID, result))
		}
	}
}

// runAttempt reconciles and drains until the attempt is archived.
func (h *harness) runAttempt(t *testing.T, ctx context.Context, attemptID int64, run script) model.Attempt {
	t.Helper()
	for i := 0; i < 100; i++ {
		h.exec.Pass(ctx)
		h.drain(t, ctx, run)
		attempt, err := h.store.GetAttempt(ctx, attemptID)
		require.NoError(t, err)
		if attempt.Done() {
			return attempt
		}
	}
	t.Fatalf("attempt %d did not finish", attemptID)
	return model.Attempt{}
}

func (h *harness) submit(t *testing.T, ctx context.Context, name, src string, mod func(*SubmitRequest)) model.Attempt {
	t.Helper()
	req := SubmitRequest{
		Project:     "proj",
		Workflow:    name,
		Definition:  parseYAML(t, src),
		SessionTime: time.Unix(1700000000, 0).UTC(),
		Params:      config.New(),
	}
	if mod != nil {
		mod(&req)
	}
	attempt, err := h.exec.Submit(ctx, req)
	require.NoError(t, err)
	return attempt
}

const chainWf = `
+a:
  echo>: one
+b:
  echo>: two
`

func TestRunToSuccess(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	attempt := h.submit(t, ctx, "wf", chainWf, nil)

	done := h.runAttempt(t, ctx, attempt.ID, succeedAll)
	assert.True(t, done.Flags.Success)
	require.NotNil(t, done.FinishedAt)

	// live rows are gone, archive holds the frozen tasks
	live, err := h.store.ListTasksOfAttempt(ctx, attempt.ID)
	require.NoError(t, err)
	assert.Empty(t, live)
	archived, err := h.store.ListArchivedTasks(ctx, attempt.ID)
	require.NoError(t, err)
	assert.Len(t, archived, 3)
	for _, task := range archived {
		assert.Equal(t, model.TaskSuccess, task.State)
	}
	assert.Equal(t, 0, h.queue.Len())
}

func TestFailureAddsAlertAndFailsAttempt(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	attempt := h.submit(t, ctx, "wf", chainWf, nil)

	done := h.runAttempt(t, ctx, attempt.ID, failNamed("+wf+a"))
	assert.False(t, done.Flags.Success)

	archived, err := h.store.ListArchivedTasks(ctx, attempt.ID)
	require.NoError(t, err)
	byName := map[string]model.Task{}
	for _, task := range archived {
		byName[task.FullName] = task
	}
	assert.Equal(t, model.TaskGroupError, byName["+wf"].State)
	assert.Equal(t, model.TaskError, byName["+wf+a"].State)
	// b never ran behind the failed upstream
	assert.Equal(t, model.TaskBlocked, byName["+wf+b"].State)
	// the root grew its failure alert and it ran
	alert, ok := byName["+wf^failure-alert"]
	require.True(t, ok)
	assert.Equal(t, model.TaskSuccess, alert.State)
}

func TestErrorSubtreeRuns(t *testing.T) {
	const wf = `
+a:
  fail>: boom
  _error:
    +cleanup:
      echo>: cleaning up
`
	h := newHarness(t)
	ctx := context.Background()
	attempt := h.submit(t, ctx, "wf", wf, nil)

	done := h.runAttempt(t, ctx, attempt.ID, failNamed("+wf+a"))
	assert.False(t, done.Flags.Success)

	archived, err := h.store.ListArchivedTasks(ctx, attempt.ID)
	require.NoError(t, err)
	var cleanupRan bool
	for _, task := range archived {
		if strings.HasSuffix(task.FullName, "+cleanup") {
			cleanupRan = task.State == model.TaskSuccess
		}
	}
	assert.True(t, cleanupRan, "cleanup task should run before the attempt fails")
}

func TestTaskRetryConfiguration(t *testing.T) {
	const wf = `
+flaky:
  echo>: try
  _retry: 2
`
	h := newHarness(t)
	ctx := context.Background()
	attempt := h.submit(t, ctx, "wf", wf, nil)

	attempts := 0
	run := func(task model.Task) (model.TaskResult, error) {
		if task.FullName == "+wf+flaky" {
			attempts++
			if attempts < 3 {
				return model.TaskResult{}, errors.New("flaky")
			}
		}
		return model.EmptyTaskResult(), nil
	}

	// retry delay is zero with a bare _retry count, so the loop picks the
	// task back up on the next pass
	done := h.runAttempt(t, ctx, attempt.ID, run)
	assert.True(t, done.Flags.Success)
	assert.Equal(t, 3, attempts)
}

func TestGeneratedSubtasksRunBeforeParentFinishes(t *testing.T) {
	const wf = `
+gen:
  echo>: parent
`
	h := newHarness(t)
	ctx := context.Background()
	attempt := h.submit(t, ctx, "wf", wf, nil)

	generated := false
	run := func(task model.Task) (model.TaskResult, error) {
		result := model.EmptyTaskResult()
		if task.FullName == "+wf+gen" && !generated {
			generated = true
			result.SubtaskConfig = parseYAML(t, "+child:\n  echo>: generated\n")
		}
		return result, nil
	}

	done := h.runAttempt(t, ctx, attempt.ID, run)
	assert.True(t, done.Flags.Success)

	archived, err := h.store.ListArchivedTasks(ctx, attempt.ID)
	require.NoError(t, err)
	var names []string
	for _, task := range archived {
		names = append(names, task.FullName)
	}
	assert.Contains(t, names, "+wf+gen^sub+child")
}

func TestPollingRetryDefersTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	attempt := h.submit(t, ctx, "wf", "+slow:\n  echo>: hi\n", nil)

	now := time.Now()
	h.exec.now = func() time.Time { return now }

	h.exec.Pass(ctx)
	locked, err := h.queue.Lock(ctx, 1, testAgentID, 60)
	require.NoError(t, err)
	require.Len(t, locked, 1)
	task, _, err := h.exec.StartTask(ctx, locked[0].TaskID)
	require.NoError(t, err)

	state := config.New()
	state.Set("poll_count", 1)
	require.NoError(t, h.exec.RetryTask(ctx, task.ID, locked[0].LockID, testAgentID, time.Minute, state))

	got, err := h.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskRetryWaiting, got.State)
	require.NotNil(t, got.RetryAt)
	assert.Equal(t, 1, got.StateParams.GetIntOr("poll_count", 0))
	// the bumped count gives the re-enqueue a fresh queue unique name
	assert.Equal(t, 1, got.RetryCount)

	// not due yet
	h.exec.Pass(ctx)
	got, err = h.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskRetryWaiting, got.State)

	// due after the interval elapses
	now = now.Add(2 * time.Minute)
	h.exec.Pass(ctx)
	got, err = h.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskReady, got.State)

	done := h.runAttempt(t, ctx, attempt.ID, succeedAll)
	assert.True(t, done.Flags.Success)
}

func TestKillAttemptCancelsPendingTasks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	attempt := h.submit(t, ctx, "wf", chainWf, nil)

	// let +a get enqueued but do not run it
	h.exec.Pass(ctx)
	require.NoError(t, h.exec.KillAttempt(ctx, attempt.ID))

	done := h.runAttempt(t, ctx, attempt.ID, succeedAll)
	assert.False(t, done.Flags.Success)

	archived, err := h.store.ListArchivedTasks(ctx, attempt.ID)
	require.NoError(t, err)
	for _, task := range archived {
		assert.NotEqual(t, model.TaskSuccess, task.State, "task %s", task.FullName)
	}
}

func TestSubmitSameRetryNameConflicts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	retry := "fix-1"
	h.submit(t, ctx, "wf", chainWf, func(req *SubmitRequest) { req.RetryName = &retry })

	req := SubmitRequest{
		Project:     "proj",
		Workflow:    "wf",
		Definition:  parseYAML(t, chainWf),
		SessionTime: time.Unix(1700000000, 0).UTC(),
		RetryName:   &retry,
	}
	_, err := h.exec.Submit(ctx, req)
	assert.True(t, errors.Is(err, ErrSessionAttemptConflict))
}

func TestSubmitRejectsBrokenWorkflow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.exec.Submit(ctx, SubmitRequest{
		Project:     "proj",
		Workflow:    "wf",
		Definition:  parseYAML(t, "+a:\n  echo>: x\nbadkey: 1\n"),
		SessionTime: time.Now(),
	})
	assert.Error(t, err)

	// nothing was stored
	attempts, err := h.store.ListActiveAttempts(ctx, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, attempts)
}

func TestResumeFailedReusesSuccessfulTasks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first := h.submit(t, ctx, "wf", chainWf, nil)
	done := h.runAttempt(t, ctx, first.ID, failNamed("+wf+b"))
	assert.False(t, done.Flags.Success)

	ranAgain := map[string]bool{}
	run := func(task model.Task) (model.TaskResult, error) {
		ranAgain[task.FullName] = true
		return model.EmptyTaskResult(), nil
	}

	retry := "second"
	second := h.submit(t, ctx, "wf", chainWf, func(req *SubmitRequest) {
		req.RetryName = &retry
		req.Resume = ResumeFailed
	})
	doneRetry := h.runAttempt(t, ctx, second.ID, run)
	assert.True(t, doneRetry.Flags.Success)
	assert.False(t, ranAgain["+wf+a"], "+a was reused from the first attempt")
	assert.True(t, ranAgain["+wf+b"])
}

func TestResumeWithoutPreviousAttemptFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.exec.Submit(ctx, SubmitRequest{
		Project:     "proj",
		Workflow:    "wf",
		Definition:  parseYAML(t, chainWf),
		SessionTime: time.Now(),
		Resume:      ResumeFailed,
	})
	assert.True(t, errors.Is(err, ErrNoPreviousAttempt))
}

// faultStore wraps a store and, while armed, fails ListTasksByState for
// one task state so a single reconciliation step breaks in isolation.
type faultStore struct {
	repo.Store
	failFor model.TaskState
	armed   bool
	panics  bool
}

func (f *faultStore) ListTasksByState(ctx context.Context, state model.TaskState, lastID int64, limit int) ([]model.Task, error) {
	if f.armed && state == f.failFor {
		if f.panics {
			panic("injected storage failure")
		}
		return nil, errors.New("injected storage failure")
	}
	return f.Store.ListTasksByState(ctx, state, lastID, limit)
}

func newFaultHarness(t *testing.T, failFor model.TaskState) (*harness, *faultStore, *events.Bus) {
	t.Helper()
	store := repo.NewMemStore()
	fs := &faultStore{Store: store, failFor: failFor, armed: true}
	q := queue.NewMemory()
	bus := events.NewBus(10)
	t.Cleanup(bus.Close)
	h := &harness{
		exec:  New(fs, q, bus, zap.NewNop(), model.DefaultSystemConfig().Executor),
		store: store,
		queue: q,
	}
	return h, fs, bus
}

func TestPassIsolatesStepFailure(t *testing.T) {
	h, fs, _ := newFaultHarness(t, model.TaskPlanned)
	ctx := context.Background()
	attempt := h.submit(t, ctx, "wf", chainWf, nil)

	// the planned-propagation step fails, but the earlier steps of the same
	// pass still promote and enqueue +a
	assert.True(t, h.exec.Pass(ctx))
	assert.Equal(t, 1, h.queue.Len())
	tasks, err := h.store.ListTasksOfAttempt(ctx, attempt.ID)
	require.NoError(t, err)
	for _, task := range tasks {
		if task.FullName == "+wf+a" {
			assert.Equal(t, model.TaskReady, task.State)
		}
	}

	// with the fault gone the next passes finish the attempt
	fs.armed = false
	done := h.runAttempt(t, ctx, attempt.ID, succeedAll)
	assert.True(t, done.Flags.Success)
}

func TestPassRecoversFromStepPanic(t *testing.T) {
	h, fs, bus := newFaultHarness(t, model.TaskBlocked)
	fs.panics = true
	ctx := context.Background()
	attempt := h.submit(t, ctx, "wf", chainWf, nil)

	recovered := make(chan events.Event, 1)
	unsubscribe := bus.Subscribe(events.EventExecutorRecovered, func(ev events.Event) {
		select {
		case recovered <- ev:
		default:
		}
	})
	defer unsubscribe()

	h.exec.Pass(ctx)
	select {
	case ev := <-recovered:
		assert.Equal(t, "propagate_blocked", ev.Data["step"])
	case <-time.After(2 * time.Second):
		t.Fatal("no recovery event after the step panicked")
	}

	fs.armed = false
	done := h.runAttempt(t, ctx, attempt.ID, succeedAll)
	assert.True(t, done.Flags.Success)
}

func TestGroupRetryRerunsChildren(t *testing.T) {
	const wf = `
+group:
  _retry: 1
  +a:
    echo>: one
`
	h := newHarness(t)
	ctx := context.Background()
	attempt := h.submit(t, ctx, "wf", wf, nil)

	runs := 0
	run := func(task model.Task) (model.TaskResult, error) {
		if task.FullName == "+wf+group+a" {
			runs++
			if runs == 1 {
				return model.TaskResult{}, errors.New("first round fails")
			}
		}
		return model.EmptyTaskResult(), nil
	}

	done := h.runAttempt(t, ctx, attempt.ID, run)
	assert.True(t, done.Flags.Success)
	assert.Equal(t, 2, runs)

	archived, err := h.store.ListArchivedTasks(ctx, attempt.ID)
	require.NoError(t, err)
	copies := 0
	for _, task := range archived {
		if task.FullName == "+wf+group+a" {
			copies++
		}
	}
	assert.Equal(t, 2, copies, "the retried group keeps both rounds in the archive")
}
