package operator

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/utsubo/chidori/internal/config"
	"github.com/utsubo/chidori/internal/model"
)

// LoopOperator generates its _do block as a subtask once per iteration,
// exporting the counter as ${i}.
//
//	+repeat:
//	  loop>: 3
//	  _do:
//	    +step:
//	      echo>: round ${i}
type LoopOperator struct{}

func (o *LoopOperator) Run(ctx context.Context, req Request) (model.TaskResult, error) {
	count, err := strconv.Atoi(req.Command())
	if err != nil || count < 0 {
		return model.TaskResult{}, fmt.Errorf("loop count must be a non-negative integer: %q", req.Command())
	}
	doCfg, ok := req.Config.Nested("_do")
	if !ok {
		return model.TaskResult{}, fmt.Errorf("loop requires a _do block")
	}

	subtasks := config.New()
	if req.Config.GetBoolOr("_parallel", false) {
		subtasks.Set("_parallel", true)
	}
	for i := 0; i < count; i++ {
		iter := doCfg.DeepCopy()
		export := iter.NestedOrEmpty("_export").DeepCopy()
		export.Set("i", i)
		iter.Set("_export", export)
		subtasks.Set(fmt.Sprintf("+loop-%d", i), iter)
	}

	result := model.EmptyTaskResult()
	result.SubtaskConfig = subtasks
	return result, nil
}

// ForEachOperator generates its _do block once per combination of the
// listed values, exported under their variable names.
//
//	+fan:
//	  for_each>:
//	    region: [us, eu]
//	  _do:
//	    +sync:
//	      sh>: ./sync.sh ${region}
type ForEachOperator struct{}

func (o *ForEachOperator) Run(ctx context.Context, req Request) (model.TaskResult, error) {
	vars, ok := req.Config.Nested("_command")
	if !ok {
		return model.TaskResult{}, fmt.Errorf("for_each requires a map of lists")
	}
	doCfg, ok := req.Config.Nested("_do")
	if !ok {
		return model.TaskResult{}, fmt.Errorf("for_each requires a _do block")
	}

	keys := vars.Keys()
	values := make([][]any, len(keys))
	for i, key := range keys {
		values[i] = vars.GetList(key)
		if len(values[i]) == 0 {
			return model.TaskResult{}, fmt.Errorf("for_each value of %s must be a non-empty list", key)
		}
	}

	subtasks := config.New()
	if req.Config.GetBoolOr("_parallel", false) {
		subtasks.Set("_parallel", true)
	}
	combination := make([]any, len(keys))
	var emit func(depth int) error
	emit = func(depth int) error {
		if depth == len(keys) {
			iter := doCfg.DeepCopy()
			export := iter.NestedOrEmpty("_export").DeepCopy()
			parts := make([]string, len(keys))
			for i, key := range keys {
				export.Set(key, combination[i])
				parts[i] = fmt.Sprintf("%s=%v", key, combination[i])
			}
			iter.Set("_export", export)
			subtasks.Set("+for-"+sanitizeName(strings.Join(parts, "&")), iter)
			return nil
		}
		for _, v := range values[depth] {
			combination[depth] = v
			if err := emit(depth + 1); err != nil {
				return err
			}
		}
		return nil
	}
	if err := emit(0); err != nil {
		return model.TaskResult{}, err
	}

	result := model.EmptyTaskResult()
	result.SubtaskConfig = subtasks
	return result, nil
}

// sanitizeName replaces characters task names reject.
func sanitizeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '+', '^', ' ', '\t', '\n':
			return '_'
		default:
			return r
		}
	}, s)
}
