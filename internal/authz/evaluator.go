// Package authz decides the two permissions whose outcome depends on derived
// request state. Every other permission is left to the coarse role layer.
package authz

import (
	"github.com/cuihairu/execgate/internal/domain"
	"github.com/cuihairu/execgate/internal/eventlog"
	"github.com/cuihairu/execgate/internal/status"
)

type Permission string

const (
	PermissionGet     Permission = "execution_request:get"
	PermissionReview  Permission = "execution_request:review"
	PermissionEdit    Permission = "execution_request:edit"
	PermissionExecute Permission = "execution_request:execute"
	PermissionExport  Permission = "execution_request:export"
)

// Evaluator narrows EDIT and EXECUTE. It never grants what the coarse layer
// denies, and it answers true for any permission it does not own.
type Evaluator struct {
	resolver *status.Resolver
}

func NewEvaluator(r *status.Resolver) *Evaluator {
	if r == nil {
		r = status.NewResolver()
	}
	return &Evaluator{resolver: r}
}

// Authorize reports whether actor may exercise perm on req.
func (e *Evaluator) Authorize(perm Permission, actor domain.User, req domain.Request, events eventlog.Snapshot) bool {
	switch perm {
	case PermissionEdit:
		return isAuthor(actor, req)
	case PermissionExecute:
		return isAuthor(actor, req) && e.resolver.ReviewStatus(req, events) == status.Approved
	default:
		return true
	}
}

func isAuthor(actor domain.User, req domain.Request) bool {
	return actor.ID == req.Base().Author.ID
}
