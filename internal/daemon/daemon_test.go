package daemon

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/utsubo/chidori/internal/model"
	"github.com/utsubo/chidori/internal/uds"
)

func writeWorkflow(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0644))
}

// startTestDaemon runs a daemon on memory backends with a throwaway project
// directory and socket.
func startTestDaemon(t *testing.T) (*Daemon, *uds.Client, string) {
	t.Helper()

	projectDir := t.TempDir()
	writeWorkflow(t, projectDir, "hello.yml", `
hello:
  +greet:
    echo>: hi
  +again:
    echo>: hi again
`)
	writeWorkflow(t, projectDir, "slow.yml", `
slow:
  +pause:
    wait>: 300
`)

	// Unix socket paths are length-limited, so avoid t.TempDir here.
	sockDir, err := os.MkdirTemp("/tmp", "chidori-d-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(sockDir) })
	sockPath := filepath.Join(sockDir, "d.sock")

	cfg := model.DefaultSystemConfig()
	cfg.Project.Dir = projectDir
	cfg.Daemon.SocketPath = sockPath
	cfg.Executor.TickIntervalSec = 1
	cfg.Agent.PollIntervalSec = 1
	cfg.Agent.MaxParallel = 2

	d, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, d.Start())
	t.Cleanup(d.Shutdown)

	client := uds.NewClient(sockPath)
	client.SetTimeout(30 * time.Second)
	return d, client, sockPath
}

func decodeData[T any](t *testing.T, resp *uds.Response) T {
	t.Helper()
	require.True(t, resp.Success, "response error: %+v", resp.Error)
	var out T
	require.NoError(t, json.Unmarshal(resp.Data, &out))
	return out
}

func TestDaemonSubmitRunsWorkflow(t *testing.T) {
	_, client, _ := startTestDaemon(t)

	resp, err := client.SendCommand("ping", nil)
	require.NoError(t, err)
	require.True(t, resp.Success)

	resp, err = client.SendCommand("submit", SubmitParams{
		Workflow:    "hello",
		SessionTime: "2024-06-01T00:00:00Z",
		Wait:        true,
	})
	require.NoError(t, err)
	result := decodeData[SubmitResult](t, resp)
	require.True(t, result.Done)
	require.True(t, result.Success)
	require.Equal(t, 1, result.Index)

	resp, err = client.SendCommand("attempt", AttemptParams{AttemptID: result.AttemptID})
	require.NoError(t, err)
	status := decodeData[AttemptStatus](t, resp)
	require.True(t, status.Done)
	require.True(t, status.Success)
	require.NotNil(t, status.FinishedAt)

	states := map[string]string{}
	for _, task := range status.Tasks {
		states[task.FullName] = task.State
	}
	require.Equal(t, "success", states["+hello"])
	require.Equal(t, "success", states["+hello+greet"])
	require.Equal(t, "success", states["+hello+again"])
}

func TestDaemonSubmitUnknownWorkflow(t *testing.T) {
	_, client, _ := startTestDaemon(t)

	resp, err := client.SendCommand("submit", SubmitParams{Workflow: "nope"})
	require.NoError(t, err)
	require.False(t, resp.Success)
	require.Equal(t, uds.ErrCodeNotFound, resp.Error.Code)
}

func TestDaemonSubmitSameSessionConflicts(t *testing.T) {
	_, client, _ := startTestDaemon(t)

	params := SubmitParams{Workflow: "hello", SessionTime: "2024-06-02T00:00:00Z", Wait: true}
	resp, err := client.SendCommand("submit", params)
	require.NoError(t, err)
	require.True(t, resp.Success)

	resp, err = client.SendCommand("submit", params)
	require.NoError(t, err)
	require.False(t, resp.Success)
	require.Equal(t, uds.ErrCodeConflict, resp.Error.Code)

	// A named retry of the same session is allowed.
	params.RetryName = "r1"
	resp, err = client.SendCommand("submit", params)
	require.NoError(t, err)
	result := decodeData[SubmitResult](t, resp)
	require.Equal(t, 2, result.Index)
}

func TestDaemonKillAttempt(t *testing.T) {
	_, client, _ := startTestDaemon(t)

	resp, err := client.SendCommand("submit", SubmitParams{
		Workflow:    "slow",
		SessionTime: "2024-06-03T00:00:00Z",
	})
	require.NoError(t, err)
	result := decodeData[SubmitResult](t, resp)
	require.False(t, result.Done)

	// Give the agent a moment to pick the wait task up.
	time.Sleep(1500 * time.Millisecond)

	resp, err = client.SendCommand("kill", KillParams{AttemptID: result.AttemptID})
	require.NoError(t, err)
	require.True(t, resp.Success)

	deadline := time.Now().Add(20 * time.Second)
	var status AttemptStatus
	for time.Now().Before(deadline) {
		resp, err = client.SendCommand("attempt", AttemptParams{AttemptID: result.AttemptID})
		require.NoError(t, err)
		status = decodeData[AttemptStatus](t, resp)
		if status.Done {
			break
		}
		time.Sleep(200 * time.Millisecond)
	}
	require.True(t, status.Done, "killed attempt never finished")
	require.False(t, status.Success)
	require.True(t, status.CancelRequested)
}

func TestDaemonWorkflowsList(t *testing.T) {
	_, client, _ := startTestDaemon(t)

	resp, err := client.SendCommand("workflows", nil)
	require.NoError(t, err)
	infos := decodeData[[]WorkflowInfo](t, resp)

	names := map[string]bool{}
	for _, info := range infos {
		names[info.Name] = true
		require.Equal(t, 1, info.Revision)
	}
	require.True(t, names["hello"])
	require.True(t, names["slow"])
}

func TestDaemonSecondInstanceRefused(t *testing.T) {
	d, _, _ := startTestDaemon(t)

	second, err := New(d.cfg, zap.NewNop())
	require.NoError(t, err)
	require.Error(t, second.Start())
}
