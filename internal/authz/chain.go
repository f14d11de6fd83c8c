package authz

import (
	"github.com/cuihairu/execgate/internal/domain"
	"github.com/cuihairu/execgate/internal/eventlog"
)

// Chain combines the role layer with the state-dependent Evaluator. A permission
// is granted only when both agree, so the Evaluator can only ever narrow access.
type Chain struct {
	coarse CoarsePolicy
	core   *Evaluator
}

func NewChain(coarse CoarsePolicy, core *Evaluator) *Chain {
	if coarse == nil {
		coarse = AllowAll{}
	}
	if core == nil {
		core = NewEvaluator(nil)
	}
	return &Chain{coarse: coarse, core: core}
}

func (c *Chain) Authorize(perm Permission, actor domain.User, roles []string, req domain.Request, events eventlog.Snapshot) bool {
	if !c.coarse.Can(actor.ID, roles, perm) {
		return false
	}
	return c.core.Authorize(perm, actor, req, events)
}
