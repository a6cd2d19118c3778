// Package lifecycle holds the emergency record state machine.
//
//	pending    --accept-->   dispatched
//	dispatched --close-->    resolved
//	pending    --close-->    resolved
//	dispatched --re-note-->  dispatched
//	resolved   is terminal
package lifecycle

import (
	"github.com/example/emergency-dispatch/internal/apperr"
	"github.com/example/emergency-dispatch/internal/models"
)

var allowed = map[models.Status]map[models.Status]bool{
	models.StatusPending: {
		models.StatusDispatched: true,
		models.StatusResolved:   true,
	},
	models.StatusDispatched: {
		models.StatusDispatched: true,
		models.StatusResolved:   true,
	},
}

// Check validates moving a record from current to next on behalf of role.
// A resolved record rejects everything with InvalidTransition before the
// actor's role is considered.
func Check(current models.Status, role models.Role, next models.Status) error {
	const op = "lifecycle.Check"
	switch next {
	case models.StatusPending, models.StatusDispatched, models.StatusResolved:
	default:
		return apperr.E(apperr.KindInvalidArgument, op, "unknown status %q", next)
	}
	if Terminal(current) {
		return &apperr.Error{Kind: apperr.KindInvalidTransition, Op: op, Message: "record is resolved", CurrentStatus: current}
	}
	if role != models.RoleResponder {
		return &apperr.Error{Kind: apperr.KindPermissionDenied, Op: op, Message: "only responders may change status", CurrentStatus: current}
	}
	if !allowed[current][next] {
		return &apperr.Error{
			Kind:          apperr.KindInvalidTransition,
			Op:            op,
			Message:       "cannot move from " + string(current) + " to " + string(next),
			CurrentStatus: current,
		}
	}
	return nil
}

// Terminal reports whether no transition can leave s.
func Terminal(s models.Status) bool { return s == models.StatusResolved }
