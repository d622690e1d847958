package moderation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mega_coin/internal/abuse"
	"mega_coin/internal/settings"
	"mega_coin/internal/store"
)

var (
	ErrForbidden   = errors.New("forbidden")
	ErrUnknownPlan = errors.New("unknown plan")
)

// Action is a moderation capability gated by role level.
type Action string

const (
	ActionMonitor     Action = "monitor"      // view flagged accounts
	ActionConfigGet   Action = "config_get"   // read runtime parameters
	ActionSuspend     Action = "suspend"      // suspend / unsuspend accounts
	ActionManageTasks Action = "manage_tasks" // add / remove tasks
	ActionManagePlans Action = "manage_plans" // assign energy plans
	ActionBroadcast   Action = "broadcast"
	ActionConfigSet   Action = "config_set" // change runtime parameters
	ActionManageRoles Action = "manage_roles"
)

func requiredLevel(a Action) int {
	switch a {
	case ActionMonitor, ActionConfigGet:
		return store.RoleModerator.Level()
	case ActionSuspend, ActionManageTasks, ActionManagePlans, ActionBroadcast:
		return store.RoleAdmin.Level()
	default:
		return store.RoleOwner.Level()
	}
}

// Gate performs moderation operations on behalf of an actor, checking the
// actor's stored role before every call.
type Gate struct {
	store    store.Store
	settings *settings.Provider
	monitor  *abuse.Monitor
}

func NewGate(st store.Store, sp *settings.Provider, mon *abuse.Monitor) *Gate {
	return &Gate{store: st, settings: sp, monitor: mon}
}

func (g *Gate) Allowed(ctx context.Context, actorID int64, action Action) error {
	a, err := g.store.Get(ctx, actorID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrForbidden
		}
		return err
	}
	if a.Role.Level() < requiredLevel(action) {
		return fmt.Errorf("%w: %s needs %s", ErrForbidden, action, roleFor(requiredLevel(action)))
	}
	return nil
}

func roleFor(level int) store.Role {
	switch level {
	case 3:
		return store.RoleOwner
	case 2:
		return store.RoleAdmin
	case 1:
		return store.RoleModerator
	}
	return store.RoleNone
}

// Suspend blocks an account from mining. Suspending privileged accounts is
// refused unless the actor outranks the target.
func (g *Gate) Suspend(ctx context.Context, actorID, targetID int64, suspended bool) (store.Account, error) {
	if err := g.Allowed(ctx, actorID, ActionSuspend); err != nil {
		return store.Account{}, err
	}
	actor, err := g.store.Get(ctx, actorID)
	if err != nil {
		return store.Account{}, err
	}
	out, err := g.store.Apply(ctx, targetID, "", func(a *store.Account) error {
		if a.Role.Level() >= actor.Role.Level() && actorID != targetID {
			return fmt.Errorf("%w: target outranks actor", ErrForbidden)
		}
		a.Suspended = suspended
		return nil
	})
	if err != nil {
		return store.Account{}, err
	}
	if !suspended {
		g.monitor.Clear(targetID)
	}
	return out, nil
}

// SetRole grants or revokes a moderation role. Owner only; the owner role
// itself is not grantable at runtime.
func (g *Gate) SetRole(ctx context.Context, actorID, targetID int64, role store.Role) (store.Account, error) {
	if err := g.Allowed(ctx, actorID, ActionManageRoles); err != nil {
		return store.Account{}, err
	}
	if role == store.RoleOwner {
		return store.Account{}, fmt.Errorf("%w: owner role is fixed", ErrForbidden)
	}
	return g.store.Apply(ctx, targetID, "", func(a *store.Account) error {
		if a.Role == store.RoleOwner {
			return fmt.Errorf("%w: cannot change the owner", ErrForbidden)
		}
		a.Role = role
		return nil
	})
}

// SetPlan moves an account onto another energy plan from the catalog.
func (g *Gate) SetPlan(ctx context.Context, actorID, targetID int64, planID string) (store.Account, error) {
	if err := g.Allowed(ctx, actorID, ActionManagePlans); err != nil {
		return store.Account{}, err
	}
	if _, ok := g.settings.Snapshot().Plans[planID]; !ok {
		return store.Account{}, fmt.Errorf("%w: %q", ErrUnknownPlan, planID)
	}
	return g.store.Apply(ctx, targetID, "", func(a *store.Account) error {
		a.PlanID = planID
		return nil
	})
}

func (g *Gate) Params(ctx context.Context, actorID int64) (map[string]string, error) {
	if err := g.Allowed(ctx, actorID, ActionConfigGet); err != nil {
		return nil, err
	}
	return g.settings.Params(), nil
}

func (g *Gate) SetParam(ctx context.Context, actorID int64, name, value string) error {
	if err := g.Allowed(ctx, actorID, ActionConfigSet); err != nil {
		return err
	}
	return g.settings.SetParam(name, value)
}

func (g *Gate) Flagged(ctx context.Context, actorID int64) ([]abuse.FlaggedAccount, error) {
	if err := g.Allowed(ctx, actorID, ActionMonitor); err != nil {
		return nil, err
	}
	return g.monitor.Flagged(), nil
}

// Stats is the admin overview of the whole economy.
type Stats struct {
	TotalAccounts  int64
	ActiveLastDay  int64
	Suspended      int64
	TotalBalance   int64
	TotalMined     int64
	TotalReferrals int64
	Flagged        int
}

func (g *Gate) Stats(ctx context.Context, actorID int64, now time.Time) (Stats, error) {
	if err := g.Allowed(ctx, actorID, ActionConfigGet); err != nil {
		return Stats{}, err
	}
	var s Stats
	cutoff := now.Add(-24 * time.Hour)
	err := g.store.ForEach(ctx, func(a store.Account) error {
		s.TotalAccounts++
		s.TotalBalance += a.Balance
		s.TotalMined += a.TotalMined
		s.TotalReferrals += a.ReferralCount
		if a.Suspended {
			s.Suspended++
		}
		if a.LastMineAt.After(cutoff) {
			s.ActiveLastDay++
		}
		return nil
	})
	if err != nil {
		return Stats{}, err
	}
	s.Flagged = len(g.monitor.Flagged())
	return s, nil
}

// AudienceKind selects broadcast recipients.
type AudienceKind string

const (
	AudienceAll      AudienceKind = "all"
	AudienceActive   AudienceKind = "active"   // mined in the last 7 days
	AudienceInactive AudienceKind = "inactive" // no mine in the last 7 days
	AudienceWhales   AudienceKind = "whales"   // balance above twice the average
	AudienceNew      AudienceKind = "new"      // at most 7 mines so far
)

// Audience resolves a recipient list for a broadcast.
func (g *Gate) Audience(ctx context.Context, actorID int64, kind AudienceKind, now time.Time) ([]int64, error) {
	if err := g.Allowed(ctx, actorID, ActionBroadcast); err != nil {
		return nil, err
	}

	var threshold int64
	if kind == AudienceWhales {
		var total, n int64
		err := g.store.ForEach(ctx, func(a store.Account) error {
			total += a.Balance
			n++
			return nil
		})
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, nil
		}
		threshold = 2 * (total / n)
	}

	cutoff := now.Add(-7 * 24 * time.Hour)
	var out []int64
	err := g.store.ForEach(ctx, func(a store.Account) error {
		switch kind {
		case AudienceActive:
			if !a.LastMineAt.After(cutoff) {
				return nil
			}
		case AudienceInactive:
			if a.LastMineAt.After(cutoff) {
				return nil
			}
		case AudienceWhales:
			if a.Balance <= threshold {
				return nil
			}
		case AudienceNew:
			if a.MiningCount > 7 {
				return nil
			}
		case AudienceAll:
		default:
			return fmt.Errorf("unknown audience %q", kind)
		}
		out = append(out, a.ID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
