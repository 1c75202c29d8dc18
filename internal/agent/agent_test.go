package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/utsubo/chidori/internal/config"
	"github.com/utsubo/chidori/internal/events"
	"github.com/utsubo/chidori/internal/executor"
	"github.com/utsubo/chidori/internal/model"
	"github.com/utsubo/chidori/internal/operator"
	"github.com/utsubo/chidori/internal/queue"
	"github.com/utsubo/chidori/internal/repo"
)

type fixture struct {
	store *repo.MemStore
	exec  *executor.Executor
	agent *Agent
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := repo.NewMemStore()
	q := queue.NewMemory()
	bus := events.NewBus(10)
	t.Cleanup(bus.Close)
	sys := model.DefaultSystemConfig()
	exec := executor.New(store, q, bus, zap.NewNop(), sys.Executor)
	ag := New(store, q, exec, operator.Builtin(), zap.NewNop(), sys.Agent, t.TempDir())
	return &fixture{store: store, exec: exec, agent: ag}
}

func (f *fixture) submit(t *testing.T, src string) model.Attempt {
	t.Helper()
	cfg, err := config.ParseYAML([]byte(src))
	require.NoError(t, err)
	attempt, err := f.exec.Submit(context.Background(), executor.SubmitRequest{
		Project:     "proj",
		Workflow:    "wf",
		Definition:  cfg,
		SessionTime: time.Now().UTC(),
	})
	require.NoError(t, err)
	return attempt
}

// run alternates reconciliation and agent polls until the attempt finishes.
func (f *fixture) run(t *testing.T, attemptID int64, timeout time.Duration) model.Attempt {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		f.exec.Pass(ctx)
		f.agent.poll(ctx)
		f.agent.wg.Wait()
		attempt, err := f.store.GetAttempt(ctx, attemptID)
		require.NoError(t, err)
		if attempt.Done() {
			return attempt
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("attempt %d did not finish within %s", attemptID, timeout)
	return model.Attempt{}
}

func TestAgentRunsEchoChain(t *testing.T) {
	f := newFixture(t)
	attempt := f.submit(t, `
+first:
  echo>: hello
+second:
  echo>: world
`)
	done := f.run(t, attempt.ID, 5*time.Second)
	assert.True(t, done.Flags.Success)
}

func TestAgentRunsGeneratedSubtasks(t *testing.T) {
	f := newFixture(t)
	attempt := f.submit(t, `
+fan:
  for_each>:
    item: [a, b, c]
  _do:
    +say:
      echo>: got ${item}
`)
	done := f.run(t, attempt.ID, 5*time.Second)
	assert.True(t, done.Flags.Success)

	archived, err := f.store.ListArchivedTasks(context.Background(), attempt.ID)
	require.NoError(t, err)
	generated := 0
	for _, task := range archived {
		if task.Type == model.TaskTypeAction && task.FullName != "+wf+fan" {
			generated++
		}
	}
	assert.Equal(t, 3, generated)
}

func TestAgentFailOperatorFailsAttempt(t *testing.T) {
	f := newFixture(t)
	attempt := f.submit(t, `
+bad:
  fail>: deliberate
`)
	done := f.run(t, attempt.ID, 5*time.Second)
	assert.False(t, done.Flags.Success)

	archived, err := f.store.ListArchivedTasks(context.Background(), attempt.ID)
	require.NoError(t, err)
	for _, task := range archived {
		if task.FullName == "+wf+bad" {
			assert.Equal(t, model.TaskError, task.State)
			assert.Equal(t, "deliberate", task.Error.GetStringOr("message", ""))
		}
	}
}

func TestAgentUnknownOperatorFailsWithoutRetry(t *testing.T) {
	f := newFixture(t)
	attempt := f.submit(t, `
+mystery:
  teleport>: somewhere
  _retry: 3
`)
	done := f.run(t, attempt.ID, 5*time.Second)
	assert.False(t, done.Flags.Success)
}

func TestAgentWaitOperatorPollsToCompletion(t *testing.T) {
	f := newFixture(t)
	attempt := f.submit(t, `
+pause:
  wait>: 30ms
+after:
  echo>: done waiting
`)
	start := time.Now()
	done := f.run(t, attempt.ID, 10*time.Second)
	assert.True(t, done.Flags.Success)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}
