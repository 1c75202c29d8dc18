// Package operator defines the task operator interface and the builtin
// operators the agent can run.
package operator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/utsubo/chidori/internal/config"
	"github.com/utsubo/chidori/internal/model"
)

// Request carries everything an operator needs to run one task.
type Request struct {
	TaskID      int64
	AttemptID   int64
	TaskName    string
	Type        string
	Config      *config.Config
	Params      *config.Config
	StateParams *config.Config
	Workspace   string
	Logger      *zap.Logger
}

// Command returns the operator's _command value as a string, with ${name}
// references resolved against the collected params.
func (r Request) Command() string {
	return Render(fmt.Sprintf("%v", r.Config.Get("_command")), r.Params)
}

// Operator runs one task type. Implementations must be safe for concurrent
// use; per-task state belongs in Request.StateParams.
type Operator interface {
	Run(ctx context.Context, req Request) (model.TaskResult, error)
}

// RetryLaterError asks the agent to report the task back to retry_waiting
// instead of failing it. StateParams carry over to the next run.
type RetryLaterError struct {
	Interval    time.Duration
	StateParams *config.Config
}

func (e *RetryLaterError) Error() string {
	return fmt.Sprintf("retry in %s", e.Interval)
}

// RetryLater returns an error that defers the task by interval.
func RetryLater(interval time.Duration, stateParams *config.Config) *RetryLaterError {
	if stateParams == nil {
		stateParams = config.New()
	}
	return &RetryLaterError{Interval: interval, StateParams: stateParams}
}

// Registry maps operator types to their implementations.
type Registry struct {
	ops map[string]Operator
}

func NewRegistry() *Registry {
	return &Registry{ops: make(map[string]Operator)}
}

// Builtin returns a registry with all builtin operators registered.
func Builtin() *Registry {
	r := NewRegistry()
	r.Register("echo", &EchoOperator{})
	r.Register("fail", &FailOperator{})
	r.Register("sh", &ShOperator{})
	r.Register("wait", &WaitOperator{})
	r.Register("loop", &LoopOperator{})
	r.Register("for_each", &ForEachOperator{})
	r.Register("notify", &NotifyOperator{})
	return r
}

func (r *Registry) Register(typ string, op Operator) {
	r.ops[typ] = op
}

// Get returns the operator for typ, reporting false when none is registered.
func (r *Registry) Get(typ string) (Operator, bool) {
	op, ok := r.ops[typ]
	return op, ok
}

// Types returns the registered operator types, sorted.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.ops))
	for typ := range r.ops {
		out = append(out, typ)
	}
	sort.Strings(out)
	return out
}

// Normalize resolves the operator type of an action config. A `key>: value`
// pair becomes `_type: key` plus `_command: value`; an explicit _type is
// used as is. The input is not modified.
func Normalize(cfg *config.Config) (string, *config.Config, error) {
	out := cfg.DeepCopy()
	var opKey string
	for _, key := range out.Keys() {
		if strings.HasSuffix(key, ">") {
			if opKey != "" {
				return "", nil, fmt.Errorf("config has multiple operator keys: %s, %s", opKey, key)
			}
			opKey = key
		}
	}
	if opKey != "" {
		typ := strings.TrimSuffix(opKey, ">")
		out.Set("_command", out.Get(opKey))
		out.Remove(opKey)
		out.Set("_type", typ)
		return typ, out, nil
	}
	if typ, ok := out.GetString("_type"); ok {
		return typ, out, nil
	}
	return "", nil, fmt.Errorf("config has no operator key or _type: %s", cfg)
}
