package workflow

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/utsubo/chidori/internal/config"
	"github.com/utsubo/chidori/internal/model"
)

func mustParse(t *testing.T, src string) *config.Config {
	t.Helper()
	cfg, err := config.ParseYAML([]byte(src))
	require.NoError(t, err)
	return cfg
}

func TestCompileSequentialChain(t *testing.T) {
	cfg := mustParse(t, `
+a:
  echo>: one
+b:
  echo>: two
+c:
  echo>: three
`)
	wf, err := Compile("demo", cfg)
	require.NoError(t, err)
	require.Len(t, wf.Tasks, 4)

	root := wf.Tasks[0]
	assert.Equal(t, "+demo", root.FullName)
	assert.Nil(t, root.ParentIndex)
	assert.Equal(t, model.TaskTypeGrouping, root.Type)

	assert.Equal(t, "+demo+a", wf.Tasks[1].FullName)
	assert.Empty(t, wf.Tasks[1].UpstreamIndexes)
	assert.Equal(t, []int{1}, wf.Tasks[2].UpstreamIndexes)
	assert.Equal(t, []int{2}, wf.Tasks[3].UpstreamIndexes)
	for _, task := range wf.Tasks[1:] {
		require.NotNil(t, task.ParentIndex)
		assert.Equal(t, 0, *task.ParentIndex)
		assert.Equal(t, model.TaskTypeAction, task.Type)
	}
}

func TestCompileDeterministic(t *testing.T) {
	src := `
+one:
  echo>: a
+two:
  +nested:
    echo>: b
+three:
  echo>: c
`
	first, err := Compile("wf", mustParse(t, src))
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := Compile("wf", mustParse(t, src))
		require.NoError(t, err)
		require.Len(t, again.Tasks, len(first.Tasks))
		for j := range first.Tasks {
			assert.Equal(t, first.Tasks[j].FullName, again.Tasks[j].FullName)
			assert.Equal(t, first.Tasks[j].UpstreamIndexes, again.Tasks[j].UpstreamIndexes)
			assert.Equal(t, first.Tasks[j].Config.String(), again.Tasks[j].Config.String())
		}
	}
}

func TestCompileParallelNoChain(t *testing.T) {
	cfg := mustParse(t, `
_parallel: true
+a:
  echo>: one
+b:
  echo>: two
`)
	wf, err := Compile("p", cfg)
	require.NoError(t, err)
	assert.Empty(t, wf.Tasks[1].UpstreamIndexes)
	assert.Empty(t, wf.Tasks[2].UpstreamIndexes)
}

func TestCompileParallelLimitChunks(t *testing.T) {
	cfg := mustParse(t, `
_parallel:
  limit: 2
+a:
  echo>: one
+b:
  echo>: two
+c:
  echo>: three
+d:
  echo>: four
`)
	wf, err := Compile("p", cfg)
	require.NoError(t, err)
	// First chunk runs free, second chunk waits on the whole first chunk.
	assert.Empty(t, wf.Tasks[1].UpstreamIndexes)
	assert.Empty(t, wf.Tasks[2].UpstreamIndexes)
	assert.Equal(t, []int{1, 2}, wf.Tasks[3].UpstreamIndexes)
	assert.Equal(t, []int{1, 2}, wf.Tasks[4].UpstreamIndexes)
}

func TestCompileAfterUnderParallel(t *testing.T) {
	cfg := mustParse(t, `
_parallel: true
+a:
  echo>: one
+b:
  echo>: two
+c:
  _after: ["+a", "+b"]
  echo>: three
`)
	wf, err := Compile("p", cfg)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, wf.Tasks[3].UpstreamIndexes)
	assert.False(t, wf.Tasks[3].Config.Has("_after"))
}

func TestCompileAfterWithoutParallelRejected(t *testing.T) {
	cfg := mustParse(t, `
+a:
  echo>: one
+b:
  _after: ["+a"]
  echo>: two
`)
	_, err := Compile("p", cfg)
	var ce *ConfigError
	require.True(t, errors.As(err, &ce))
}

func TestCompileBackgroundAccumulates(t *testing.T) {
	cfg := mustParse(t, `
+a:
  echo>: one
+b:
  _background: true
  echo>: two
+c:
  echo>: three
`)
	wf, err := Compile("bg", cfg)
	require.NoError(t, err)
	// Background step starts with the group, the next foreground step waits
	// on both it and the previous foreground step.
	assert.Empty(t, wf.Tasks[1].UpstreamIndexes)
	assert.Empty(t, wf.Tasks[2].UpstreamIndexes)
	assert.Equal(t, []int{1, 2}, wf.Tasks[3].UpstreamIndexes)
	assert.False(t, wf.Tasks[2].Config.Has("_background"))
}

func TestCompileActionWithSubtasksRejected(t *testing.T) {
	cfg := mustParse(t, `
+a:
  echo>: one
  +child:
    echo>: nope
`)
	_, err := Compile("bad", cfg)
	var ce *ConfigError
	require.True(t, errors.As(err, &ce))
	assert.Contains(t, ce.Error(), "subtasks")
}

func TestCompileMultipleOperatorsRejected(t *testing.T) {
	cfg := mustParse(t, `
+a:
  echo>: one
  sh>: "true"
`)
	_, err := Compile("bad", cfg)
	var ce *ConfigError
	require.True(t, errors.As(err, &ce))
	assert.Contains(t, ce.Error(), "more than one operator")
}

func TestCompileUnusedKeysRejected(t *testing.T) {
	cfg := mustParse(t, `
+a:
  echo>: one
typo_key: value
`)
	_, err := Compile("bad", cfg)
	var ce *ConfigError
	require.True(t, errors.As(err, &ce))
	assert.Contains(t, ce.Error(), "typo_key")
}

func TestCompileDisableYieldsEmptyGroup(t *testing.T) {
	cfg := mustParse(t, `
+a:
  _disable: true
  echo>: never
+b:
  echo>: runs
`)
	wf, err := Compile("d", cfg)
	require.NoError(t, err)
	assert.Equal(t, model.TaskTypeGrouping, wf.Tasks[1].Type)
	assert.True(t, wf.Tasks[1].Config.GetBoolOr("_disable", false))
	assert.False(t, wf.Tasks[1].Config.Has("echo>"))
}

func TestCompileErrorSubtreeCheckedEagerly(t *testing.T) {
	cfg := mustParse(t, `
+a:
  echo>: one
  _error:
    bad_key: value
`)
	_, err := Compile("bad", cfg)
	var ce *ConfigError
	require.True(t, errors.As(err, &ce))
}

func TestCompileInvalidTaskName(t *testing.T) {
	cfg := mustParse(t, `
"+bad^name":
  echo>: one
`)
	_, err := Compile("bad", cfg)
	var ce *ConfigError
	require.True(t, errors.As(err, &ce))
}

func TestCompileTasksSubtree(t *testing.T) {
	cfg := mustParse(t, `
+x:
  echo>: generated
`)
	specs, err := CompileTasks("+root+gen", "^sub", cfg)
	require.NoError(t, err)
	require.Len(t, specs, 2)
	assert.Equal(t, "+root+gen^sub", specs[0].FullName)
	assert.Equal(t, "+root+gen^sub+x", specs[1].FullName)
}
