package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/example/emergency-dispatch/internal/apperr"
	"github.com/example/emergency-dispatch/internal/models"
)

func TestCheckTable(t *testing.T) {
	const (
		pending    = models.StatusPending
		dispatched = models.StatusDispatched
		resolved   = models.StatusResolved
		responder  = models.RoleResponder
		reporter   = models.RoleReporter
	)
	cases := []struct {
		from models.Status
		role models.Role
		to   models.Status
		want apperr.Kind
	}{
		{pending, responder, dispatched, ""},
		{pending, responder, resolved, ""},
		{dispatched, responder, resolved, ""},
		{dispatched, responder, dispatched, ""},
		{pending, responder, pending, apperr.KindInvalidTransition},
		{dispatched, responder, pending, apperr.KindInvalidTransition},
		{resolved, responder, resolved, apperr.KindInvalidTransition},
		{resolved, responder, pending, apperr.KindInvalidTransition},
		{resolved, reporter, dispatched, apperr.KindInvalidTransition},
		{pending, reporter, dispatched, apperr.KindPermissionDenied},
		{pending, reporter, resolved, apperr.KindPermissionDenied},
		{dispatched, reporter, pending, apperr.KindPermissionDenied},
		{pending, responder, "closed", apperr.KindInvalidArgument},
	}
	for _, tc := range cases {
		t.Run(string(tc.from)+"->"+string(tc.to)+"/"+string(tc.role), func(t *testing.T) {
			err := Check(tc.from, tc.role, tc.to)
			assert.Equal(t, tc.want, apperr.KindOf(err))
		})
	}
}

func TestCheckCarriesCurrentStatus(t *testing.T) {
	err := Check(models.StatusDispatched, models.RoleResponder, models.StatusPending)
	assert.Equal(t, models.StatusDispatched, apperr.CurrentStatusOf(err))
}

// Every path through the table ends in resolved and never leaves it.
func TestNoPathLeavesResolved(t *testing.T) {
	statuses := []models.Status{models.StatusPending, models.StatusDispatched, models.StatusResolved}
	for _, from := range statuses {
		for _, role := range []models.Role{models.RoleResponder, models.RoleReporter} {
			for _, to := range statuses {
				err := Check(from, role, to)
				if Terminal(from) {
					assert.Equal(t, apperr.KindInvalidTransition, apperr.KindOf(err), "%s->%s as %s", from, to, role)
				}
			}
		}
	}
	assert.True(t, Terminal(models.StatusResolved))
	assert.False(t, Terminal(models.StatusDispatched))
	assert.False(t, Terminal(models.StatusPending))
}
