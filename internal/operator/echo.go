package operator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/utsubo/chidori/internal/model"
)

// EchoOperator prints its _command to the task log.
//
//	+greet:
//	  echo>: hello world
type EchoOperator struct{}

func (o *EchoOperator) Run(ctx context.Context, req Request) (model.TaskResult, error) {
	message := req.Command()
	req.Logger.Info(message, zap.String("task", req.TaskName))
	result := model.EmptyTaskResult()
	result.Report.Set("message", message)
	return result, nil
}

// FailOperator always fails the task with the configured message. Useful as
// the last resort branch of a workflow.
//
//	+abort:
//	  fail>: data validation failed
type FailOperator struct{}

func (o *FailOperator) Run(ctx context.Context, req Request) (model.TaskResult, error) {
	return model.TaskResult{}, fmt.Errorf("%s", req.Command())
}

// NotifyOperator sends the configured message to the notification channel.
// Without an external channel configured it logs at warn level so the
// message still reaches the daemon logs.
type NotifyOperator struct{}

func (o *NotifyOperator) Run(ctx context.Context, req Request) (model.TaskResult, error) {
	message := req.Command()
	req.Logger.Warn(message, zap.String("task", req.TaskName), zap.Int64("attempt", req.AttemptID))
	result := model.EmptyTaskResult()
	result.Report.Set("notified", true)
	result.Report.Set("message", message)
	return result, nil
}
