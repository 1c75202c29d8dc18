package control

import (
	"context"

	"github.com/utsubo/chidori/internal/config"
	"github.com/utsubo/chidori/internal/deptree"
	"github.com/utsubo/chidori/internal/model"
	"github.com/utsubo/chidori/internal/repo"
)

// CollectParams builds the effective parameters a task runs with. Merge
// order, weakest first: the attempt's params, then for every visible source
// from the farthest to the nearest its exported params (ancestors only)
// interleaved with its stored params, and finally the task's own _export.
func CollectParams(ctx context.Context, store repo.Store, task model.Task, attempt model.Attempt) (*config.Config, error) {
	rels, err := store.TaskRelations(ctx, task.AttemptID)
	if err != nil {
		return nil, err
	}
	tree := deptree.New(rels)

	ancestors, err := tree.AncestorsFromRoot(task.ID)
	if err != nil {
		return nil, err
	}
	isAncestor := make(map[int64]bool, len(ancestors))
	for _, id := range ancestors {
		isAncestor[id] = true
	}

	sources, err := tree.VisibleParamSources(task.ID)
	if err != nil {
		return nil, err
	}

	params := attempt.Params.DeepCopy()
	for _, sourceID := range sources {
		source, err := store.GetTask(ctx, sourceID)
		if err != nil {
			return nil, err
		}
		if isAncestor[sourceID] {
			params.Merge(source.Config.Export)
			params.Merge(source.ExportParams)
		}
		for _, key := range source.ResetStoreParams {
			params.Remove(key)
		}
		params.Merge(source.StoreParams)
	}
	params.Merge(task.Config.Export)
	return params, nil
}
