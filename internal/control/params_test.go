package control

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/utsubo/chidori/internal/model"
	"github.com/utsubo/chidori/internal/repo"
)

const paramsWf = `
_export:
  shared: root
  color: red
+a:
  echo>: one
+b:
  echo>: two
`

func TestCollectParamsMergeOrder(t *testing.T) {
	store := repo.NewMemStore()
	attempt := newTestAttempt(t, store)
	attempt.Params.Set("color", "attempt")
	attempt.Params.Set("origin", "attempt")
	seed(t, store, attempt.ID, compileWf(t, "wf", paramsWf), nil)
	ctx := context.Background()

	a := taskByName(t, store, attempt.ID, "+wf+a")
	b := taskByName(t, store, attempt.ID, "+wf+b")

	// a ran and left both exported and stored params behind
	err := store.Transaction(ctx, func(tx repo.Tx) error {
		c := New(tx)
		if _, err := c.SetBlockedToReady(a.ID); err != nil {
			return err
		}
		if _, err := c.SetReadyToRunning(a.ID); err != nil {
			return err
		}
		result := model.EmptyTaskResult()
		result.ExportParams.Set("from_a_export", 1)
		result.StoreParams.Set("from_a_store", 2)
		result.StoreParams.Set("color", "stored")
		_, err := c.SetRunningToShortCircuitSuccess(a.ID, result)
		return err
	})
	require.NoError(t, err)

	b = taskByName(t, store, attempt.ID, "+wf+b")
	params, err := CollectParams(ctx, store, b, attempt)
	require.NoError(t, err)

	// root _export reaches b through its ancestor
	assert.Equal(t, "root", params.GetStringOr("shared", ""))
	// a is an upstream sibling, not an ancestor: its stored params are
	// visible but its exported params are not
	assert.Equal(t, 2, params.GetIntOr("from_a_store", 0))
	assert.False(t, params.Has("from_a_export"))
	// nearer sources override: a's stored color beats the root export,
	// which beats the attempt params
	assert.Equal(t, "stored", params.GetStringOr("color", ""))
	assert.Equal(t, "attempt", params.GetStringOr("origin", ""))
}

func TestCollectParamsOwnExportWinsLast(t *testing.T) {
	store := repo.NewMemStore()
	attempt := newTestAttempt(t, store)
	seed(t, store, attempt.ID, compileWf(t, "wf", paramsWf), nil)
	ctx := context.Background()

	a := taskByName(t, store, attempt.ID, "+wf+a")
	a.Config.Export.Set("color", "mine")
	params, err := CollectParams(ctx, store, a, attempt)
	require.NoError(t, err)
	assert.Equal(t, "mine", params.GetStringOr("color", ""))
	assert.Equal(t, "root", params.GetStringOr("shared", ""))
}

func TestCollectParamsResetStoreKeys(t *testing.T) {
	store := repo.NewMemStore()
	attempt := newTestAttempt(t, store)
	seed(t, store, attempt.ID, compileWf(t, "wf", paramsWf), nil)
	ctx := context.Background()

	a := taskByName(t, store, attempt.ID, "+wf+a")

	err := store.Transaction(ctx, func(tx repo.Tx) error {
		c := New(tx)
		if _, err := c.SetBlockedToReady(a.ID); err != nil {
			return err
		}
		if _, err := c.SetReadyToRunning(a.ID); err != nil {
			return err
		}
		result := model.EmptyTaskResult()
		result.ResetStoreParams = []string{"stale"}
		result.StoreParams.Set("fresh", true)
		_, err := c.SetRunningToShortCircuitSuccess(a.ID, result)
		return err
	})
	require.NoError(t, err)

	attempt.Params.Set("stale", "from-attempt")
	b := taskByName(t, store, attempt.ID, "+wf+b")
	params, err := CollectParams(ctx, store, b, attempt)
	require.NoError(t, err)
	assert.False(t, params.Has("stale"))
	assert.True(t, params.GetBoolOr("fresh", false))
}
