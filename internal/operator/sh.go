package operator

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/utsubo/chidori/internal/model"
)

const shOutputTail = 4096

// ShOperator runs a shell command in the task workspace.
//
//	+load:
//	  sh>: ./scripts/load.sh
//	  _env:
//	    TARGET: production
type ShOperator struct{}

func (o *ShOperator) Run(ctx context.Context, req Request) (model.TaskResult, error) {
	command := req.Command()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = req.Workspace
	cmd.Env = os.Environ()
	if env, ok := req.Config.Nested("_env"); ok {
		for _, key := range env.Keys() {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%v", key, env.Get(key)))
		}
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	req.Logger.Info("sh: starting", zap.String("task", req.TaskName), zap.String("command", command))
	err := cmd.Run()
	output := tail(out.String(), shOutputTail)
	if output != "" {
		req.Logger.Info("sh: output", zap.String("task", req.TaskName), zap.String("output", output))
	}
	if err != nil {
		return model.TaskResult{}, fmt.Errorf("command failed: %w: %s", err, output)
	}

	result := model.EmptyTaskResult()
	result.Report.Set("exit_code", 0)
	return result, nil
}

func tail(s string, max int) string {
	s = strings.TrimRight(s, "\n")
	if len(s) <= max {
		return s
	}
	return s[len(s)-max:]
}
