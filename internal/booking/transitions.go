package booking

import (
	"github.com/wolfman30/slotkeeper/internal/apperr"
)

type transitionKind int

const (
	kindConfirm transitionKind = iota
	kindReject
	kindAutoReject
	kindDone
	kindNoShow
	kindClientCancel
	kindProviderCancel
)

type edge struct {
	from Status
	to   Status
}

type rule struct {
	role Role
	kind transitionKind
}

// transitions is the complete set of legal (from, requested target) pairs.
// Both cancel variants map to one rule; lateness picks the stored status.
var transitions = map[edge]rule{
	{StatusPending, StatusConfirmed}:                 {RoleProvider, kindConfirm},
	{StatusPending, StatusRejected}:                  {RoleProvider, kindReject},
	{StatusPending, StatusAutoRejected}:              {RoleSystem, kindAutoReject},
	{StatusConfirmed, StatusDone}:                    {RoleProvider, kindDone},
	{StatusConfirmed, StatusNoShow}:                  {RoleProvider, kindNoShow},
	{StatusConfirmed, StatusCancelledByClient}:       {RoleClient, kindClientCancel},
	{StatusConfirmed, StatusCancelledLateByClient}:   {RoleClient, kindClientCancel},
	{StatusConfirmed, StatusCancelledByProvider}:     {RoleProvider, kindProviderCancel},
	{StatusConfirmed, StatusCancelledByProviderLate}: {RoleProvider, kindProviderCancel},
}

func lookupTransition(from, to Status) (rule, error) {
	if r, ok := transitions[edge{from, to}]; ok {
		return r, nil
	}
	if _, ok := ParseStatus(string(to)); !ok {
		return rule{}, apperr.InvalidTransition("unknown target status %q", to)
	}
	if from == to || from.Terminal() {
		return rule{}, apperr.InvalidTransition("appointment is already %s", from)
	}
	return rule{}, apperr.InvalidTransition("cannot move appointment from %s to %s", from, to)
}

// Allowed lists the targets an actor role may request from a status.
func Allowed(from Status, role Role) []Status {
	var out []Status
	for _, st := range AllStatuses {
		if r, ok := transitions[edge{from, st}]; ok && r.role == role {
			out = append(out, st)
		}
	}
	return out
}
