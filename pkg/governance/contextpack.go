package governance

import (
	"context"

	"github.com/nanoclaw/nanoclaw/pkg/memory"
	"github.com/nanoclaw/nanoclaw/pkg/store"
)

// ContextPack is the bundle carried as the dispatch payload sent to a
// worker (spec §4.G): task metadata, product context, execution
// evidence, a trailing activity window, gate approvals, and
// scope/product-filtered relevant memories.
type ContextPack struct {
	Task             store.GovTask       `json:"task"`
	Product          *store.Product      `json:"product,omitempty"`
	ExecutionSummary *store.GovActivity  `json:"execution_summary,omitempty"`
	Evidence         []store.GovActivity `json:"evidence"`
	RecentActivity   []store.GovActivity `json:"recent_activity"`
	Approvals        []store.GovApproval `json:"approvals"`
	Memories         []memory.RecalledMemory `json:"memories"`
}

const (
	activityWindow  = 20
	memoryRecallCap = 10
)

// buildContextPack assembles the pack for t immediately before dispatch.
// Memory recall reuses the Memory Broker's own scope/level filtering (spec
// §4.I): L3 is withheld unless the assigned group is the main group, and
// PRODUCT-scoped memories require a matching product_id.
func (l *Loop) buildContextPack(ctx context.Context, t store.GovTask) (ContextPack, error) {
	pack := ContextPack{Task: t}

	if t.ProductID != nil {
		product, err := l.cfg.Store.GetProduct(ctx, *t.ProductID)
		if err == nil {
			pack.Product = &product
		}
	}

	activities, err := l.cfg.Store.ListGovActivities(ctx, t.ID, activityWindow)
	if err != nil {
		return ContextPack{}, err
	}
	for i := range activities {
		if activities[i].Action == "execution_summary" {
			a := activities[i]
			pack.ExecutionSummary = &a
		}
		if activities[i].Action == "evidence" {
			pack.Evidence = append(pack.Evidence, activities[i])
		}
	}
	pack.RecentActivity = activities

	approvals, err := l.cfg.Store.ListGovApprovals(ctx, t.ID)
	if err != nil {
		return ContextPack{}, err
	}
	pack.Approvals = approvals

	if l.cfg.MemoryBroker != nil && t.AssignedGroup != nil {
		caller := memory.Caller{
			Group:     *t.AssignedGroup,
			IsMain:    l.isMainGroup(*t.AssignedGroup),
			ProductID: t.ProductID,
		}
		mems, err := l.cfg.MemoryBroker.Recall(ctx, caller, memory.RecallRequest{
			Query: t.Title + " " + t.Description,
			Limit: memoryRecallCap,
		}, l.cfg.AccessLogger)
		if err != nil {
			return ContextPack{}, err
		}
		pack.Memories = mems
	}

	return pack, nil
}
