// Package workflow compiles a workflow definition into the flat, ordered
// task list the engine stores and executes. Compilation is pure: the same
// definition always yields the same task list, byte for byte.
package workflow

import (
	"fmt"
	"strings"

	"github.com/utsubo/chidori/internal/config"
	"github.com/utsubo/chidori/internal/model"
)

// groupingKeys are consumed by grouping tasks. Any other non-step key on a
// grouping node is an error.
var groupingKeys = map[string]bool{
	"timezone":    true,
	"schedule":    true,
	"sla":         true,
	"_parallel":   true,
	"_background": true,
	"_after":      true,
	"_error":      true,
	"_check":      true,
	"_retry":      true,
	"_export":     true,
	"_secrets":    true,
}

// Workflow is a compiled workflow: a name plus its flat task list. Tasks[0]
// is always the root.
type Workflow struct {
	Name  string
	Meta  *config.Config
	Tasks []model.TaskSpec
}

// Compile compiles a full workflow definition. The root task is named
// "+name".
func Compile(name string, cfg *config.Config) (*Workflow, error) {
	tasks, err := CompileTasks("", "+"+name, cfg)
	if err != nil {
		return nil, err
	}
	return &Workflow{
		Name:  name,
		Meta:  cfg.NestedOrEmpty("meta"),
		Tasks: tasks,
	}, nil
}

// CompileTasks compiles a (sub)tree rooted at name under parentFullName.
// The executor uses it directly for dynamically generated subtasks.
func CompileTasks(parentFullName, name string, cfg *config.Config) ([]model.TaskSpec, error) {
	ctx := &compileContext{}
	if _, err := ctx.collect(nil, parentFullName, name, cfg); err != nil {
		return nil, err
	}
	specs := make([]model.TaskSpec, len(ctx.tasks))
	for i, tb := range ctx.tasks {
		specs[i] = model.TaskSpec{
			Index:           tb.index,
			Name:            tb.name,
			FullName:        tb.fullName,
			ParentIndex:     tb.parentIndex,
			UpstreamIndexes: tb.upstreams,
			Type:            tb.typ,
			Config:          tb.cfg,
		}
	}
	return specs, nil
}

type taskBuilder struct {
	index       int
	parentIndex *int
	name        string
	fullName    string
	typ         model.TaskType
	cfg         *config.Config
	upstreams   []int
}

type compileContext struct {
	tasks []*taskBuilder
}

func (c *compileContext) collect(parent *taskBuilder, parentFullName, name string, originalCfg *config.Config) (*taskBuilder, error) {
	cfg := originalCfg.DeepCopy()

	var stepKeys []string
	for _, key := range cfg.Keys() {
		if strings.HasPrefix(key, "+") {
			stepKeys = append(stepKeys, key)
		}
	}
	stepCfgs := make(map[string]*config.Config, len(stepKeys))
	for _, key := range stepKeys {
		stepCfgs[key] = cfg.NestedOrEmpty(key)
		cfg.Remove(key)
	}

	fullName := parentFullName + name

	if cfg.GetBoolOr("_disable", false) {
		disabled := config.New()
		disabled.Set("_disable", true)
		return c.addTask(parent, name, fullName, model.TaskTypeGrouping, disabled), nil
	}

	if isActionConfig(cfg) {
		if len(stepKeys) > 0 {
			return nil, configErrorf("task %s can't have subtasks: %s", fullName, cfg)
		}
		operators := 0
		for _, key := range cfg.Keys() {
			if strings.HasSuffix(key, ">") {
				operators++
			}
		}
		if operators > 1 {
			return nil, configErrorf("task %s can't have more than one operator: %s", fullName, cfg)
		}
		if err := c.validateErrorSubtasks(fullName, cfg); err != nil {
			return nil, err
		}
		return c.addTask(parent, name, fullName, model.TaskTypeAction, cfg), nil
	}

	// grouping node
	tb := c.addTask(parent, name, fullName, model.TaskTypeGrouping, cfg)

	for _, key := range stepKeys {
		if err := validateTaskName(key); err != nil {
			return nil, err
		}
	}

	var unused []string
	for _, key := range cfg.Keys() {
		if !groupingKeys[key] {
			unused = append(unused, key)
		}
	}
	if len(unused) > 0 {
		return nil, configErrorf("task %s contains invalid keys: %s", fullName, strings.Join(quoteAll(unused), ", "))
	}

	subtasks := make([]*taskBuilder, 0, len(stepKeys))
	for _, key := range stepKeys {
		sub, err := c.collect(tb, fullName, key, stepCfgs[key])
		if err != nil {
			return nil, err
		}
		subtasks = append(subtasks, sub)
	}

	parallel, limit, err := parallelControl(cfg)
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", fullName, err)
	}
	if parallel {
		names := make(map[string]*taskBuilder)
		if limit > 0 {
			var beforeChunk []*taskBuilder
			for start := 0; start < len(subtasks); start += limit {
				end := start + limit
				if end > len(subtasks) {
					end = len(subtasks)
				}
				chunk := subtasks[start:end]
				for _, sub := range chunk {
					if err := applyAfter(names, sub); err != nil {
						return nil, err
					}
					for _, before := range beforeChunk {
						sub.upstreams = append(sub.upstreams, before.index)
					}
				}
				beforeChunk = chunk
			}
		} else {
			for _, sub := range subtasks {
				if err := applyAfter(names, sub); err != nil {
					return nil, err
				}
			}
		}
	} else {
		var beforeList []*taskBuilder
		for _, sub := range subtasks {
			if sub.cfg.Has("_after") {
				return nil, configErrorf("task %s: \"_after\" is valid only when the parent task has \"_parallel: true\"", sub.fullName)
			}
			if sub.cfg.GetBoolOr("_background", false) {
				beforeList = append(beforeList, sub)
			} else {
				for _, before := range beforeList {
					sub.upstreams = append(sub.upstreams, before.index)
				}
				beforeList = beforeList[:0]
				beforeList = append(beforeList, sub)
			}
			sub.cfg.Remove("_background")
		}
	}

	if err := c.validateErrorSubtasks(fullName, cfg); err != nil {
		return nil, err
	}
	return tb, nil
}

func (c *compileContext) addTask(parent *taskBuilder, name, fullName string, typ model.TaskType, cfg *config.Config) *taskBuilder {
	tb := &taskBuilder{
		index:    len(c.tasks),
		name:     name,
		fullName: fullName,
		typ:      typ,
		cfg:      cfg,
	}
	if parent != nil {
		idx := parent.index
		tb.parentIndex = &idx
	}
	c.tasks = append(c.tasks, tb)
	return tb
}

// validateErrorSubtasks compiles the _error subtree eagerly. An _error task
// runs when a failure already happened, so a compile error in it could not
// be reported at that point.
func (c *compileContext) validateErrorSubtasks(fullName string, cfg *config.Config) error {
	errorTask, ok := cfg.Nested("_error")
	if !ok || errorTask.IsEmpty() {
		return nil
	}
	_, err := CompileTasks(fullName, "^error", errorTask)
	return err
}

// applyAfter resolves _after references against previously declared
// siblings and registers the subtask by name.
func applyAfter(names map[string]*taskBuilder, sub *taskBuilder) error {
	if sub.cfg.GetBoolOr("_background", false) {
		return configErrorf("task %s: \"_background: true\" is invalid when the parent task has \"_parallel: true\"", sub.fullName)
	}
	afters, err := sub.cfg.GetStringList("_after")
	if err != nil {
		return configErrorf("task %s: %v", sub.fullName, err)
	}
	for _, upName := range afters {
		up, ok := names[upName]
		if !ok {
			return configErrorf("task %s: dependency task %q does not exist", sub.fullName, upName)
		}
		sub.upstreams = append(sub.upstreams, up.index)
	}
	sub.cfg.Remove("_after")
	names[sub.name] = sub
	return nil
}

func isActionConfig(cfg *config.Config) bool {
	if cfg.Has("_type") {
		return true
	}
	for _, key := range cfg.Keys() {
		if strings.HasSuffix(key, ">") {
			return true
		}
	}
	return false
}

func parallelControl(cfg *config.Config) (parallel bool, limit int, err error) {
	if !cfg.Has("_parallel") {
		return false, 0, nil
	}
	switch v := cfg.Get("_parallel").(type) {
	case bool:
		return v, 0, nil
	case *config.Config:
		limit := v.GetIntOr("limit", 0)
		if limit <= 0 {
			return false, 0, configErrorf("_parallel limit must be a positive number: %s", v)
		}
		return true, limit, nil
	default:
		return false, 0, configErrorf("invalid _parallel format: %v", v)
	}
}

func validateTaskName(name string) error {
	if !strings.HasPrefix(name, "+") {
		return configErrorf("task name %q must start with '+'", name)
	}
	rest := name[1:]
	if rest == "" {
		return configErrorf("task name %q must not be empty", name)
	}
	if strings.ContainsAny(rest, "+^ \t\n") {
		return configErrorf("task name %q contains invalid characters", name)
	}
	return nil
}

func quoteAll(keys []string) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = fmt.Sprintf("%q", k)
	}
	return out
}
