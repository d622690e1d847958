package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("account not found")
	ErrExists       = errors.New("account already exists")
	ErrConflict     = errors.New("store conflict")
	ErrEventApplied = errors.New("event already applied")
)

// Role is a closed set with an explicit ordering. Permission checks compare
// levels, never names.
type Role string

const (
	RoleNone      Role = ""
	RoleModerator Role = "moderator"
	RoleAdmin     Role = "admin"
	RoleOwner     Role = "owner"
)

func (r Role) Level() int {
	switch r {
	case RoleOwner:
		return 3
	case RoleAdmin:
		return 2
	case RoleModerator:
		return 1
	default:
		return 0
	}
}

// Account is the single mutable record of the economy. All cross-field
// updates go through Store.Apply so they commit as one atomic unit.
type Account struct {
	ID        int64
	Username  string
	FirstName string

	Balance    int64
	TotalMined int64
	MiningCount int64

	PlanID          string
	EnergyUsedToday int64     // daily-reset plans: units consumed in EnergyDay
	EnergyDay       string    // YYYY-MM-DD (reference timezone) the counter belongs to
	Energy          float64   // continuous plans: stored level at EnergyUpdatedAt
	EnergyUpdatedAt time.Time

	LastMineAt    time.Time
	Streak        int64
	HighestStreak int64
	LastStreakDay string // YYYY-MM-DD (reference timezone)

	Achievements   map[string]bool
	CompletedTasks map[int64]bool

	Suspended bool
	Role      Role

	ReferrerID       int64 // 0 = organic signup; immutable after creation
	ReferralRewarded bool  // the referrer has been paid for this account
	ReferralCount    int64

	CreatedAt time.Time
	Version   int64
}

func (a Account) Clone() Account {
	out := a
	out.Achievements = make(map[string]bool, len(a.Achievements))
	for k, v := range a.Achievements {
		out.Achievements[k] = v
	}
	out.CompletedTasks = make(map[int64]bool, len(a.CompletedTasks))
	for k, v := range a.CompletedTasks {
		out.CompletedTasks[k] = v
	}
	return out
}

func (a Account) HasAchievement(id string) bool { return a.Achievements[id] }

func (a Account) HasCompletedTask(id int64) bool { return a.CompletedTasks[id] }

// Store is the persistence boundary of the core. Implementations must make
// Apply atomic per account: the mutator observes a consistent snapshot and
// either every change it makes commits or none of it does. Different accounts
// are independent; nothing serializes across them.
type Store interface {
	Get(ctx context.Context, id int64) (Account, error)

	// Create inserts a new account. created=false with a nil error means the
	// account already existed and acct holds the stored record. The referrer,
	// if any, is fixed here and never changes afterwards.
	Create(ctx context.Context, acct Account) (out Account, created bool, err error)

	// Apply runs fn against the current record and commits the result.
	// A non-empty eventID makes the commit idempotent: a second Apply with
	// the same eventID commits nothing and returns ErrEventApplied together
	// with the current record. An error from fn aborts the commit and is
	// returned unchanged. Contention beyond the implementation's retry
	// budget surfaces as ErrConflict.
	Apply(ctx context.Context, id int64, eventID string, fn func(*Account) error) (Account, error)

	// ForEach visits every account snapshot. Used by admin statistics and
	// broadcast audience selection; ordering is unspecified.
	ForEach(ctx context.Context, fn func(Account) error) error

	Count(ctx context.Context) (int64, error)
}

// CommitFunc observes committed account states. Hooks run after the commit,
// never before, so a consumer can trail the store but can never read a
// balance the store has not written.
type CommitFunc func(Account)
