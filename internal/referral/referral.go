package referral

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"mega_coin/internal/settings"
	"mega_coin/internal/store"
)

var ErrInvalidReferral = errors.New("invalid referral")

// Engine creates accounts and pays referral rewards. The referrer edge is
// fixed at signup; the payout happens once the referee performs a qualifying
// action (their first successful mine).
type Engine struct {
	store    store.Store
	settings *settings.Provider
}

func NewEngine(st store.Store, sp *settings.Provider) *Engine {
	return &Engine{store: st, settings: sp}
}

// Register creates the account if it does not exist yet. referrerID 0 means
// an organic signup. A referral pointing at the account itself or at an
// unknown account is rejected, not silently dropped to organic.
func (e *Engine) Register(ctx context.Context, id int64, username, firstName string, referrerID int64, now time.Time) (store.Account, bool, error) {
	s := e.settings.Snapshot()

	if referrerID != 0 {
		if referrerID == id {
			return store.Account{}, false, fmt.Errorf("%w: self-referral", ErrInvalidReferral)
		}
		if _, err := e.store.Get(ctx, referrerID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return store.Account{}, false, fmt.Errorf("%w: unknown referrer %d", ErrInvalidReferral, referrerID)
			}
			return store.Account{}, false, err
		}
	}

	acct := store.Account{
		ID:         id,
		Username:   username,
		FirstName:  firstName,
		PlanID:     s.DefaultPlanID,
		ReferrerID: referrerID,
		CreatedAt:  now,
	}
	if referrerID != 0 {
		// signup bonus for joining through an invite
		acct.Balance = s.ReferralReward
	}
	out, created, err := e.store.Create(ctx, acct)
	if err != nil {
		return store.Account{}, false, err
	}
	return out, created, nil
}

// QualifyingEvent pays the referrer after the referee's qualifying action
// and reports whether this call performed the payout. The credit is keyed by
// the referee id, so concurrent or repeated calls pay exactly once. Marking
// the referee rewarded afterwards is an optimization: if it fails the next
// call retries and the event key still blocks a second payout.
func (e *Engine) QualifyingEvent(ctx context.Context, referee store.Account) (bool, error) {
	if referee.ReferrerID == 0 || referee.ReferralRewarded {
		return false, nil
	}
	s := e.settings.Snapshot()

	var paid bool
	eventID := fmt.Sprintf("ref:%d", referee.ID)
	_, err := e.store.Apply(ctx, referee.ReferrerID, eventID, func(a *store.Account) error {
		a.Balance += s.ReferralReward
		a.ReferralCount++
		return nil
	})
	switch {
	case err == nil:
		paid = true
	case errors.Is(err, store.ErrEventApplied):
		// paid in an earlier attempt, fall through to mark the referee
	case errors.Is(err, store.ErrNotFound):
		// referrer deleted after signup; nothing left to pay
		log.Printf("referral: referrer %d for %d gone, skipping payout", referee.ReferrerID, referee.ID)
	default:
		return false, fmt.Errorf("referral payout: %w", err)
	}

	_, err = e.store.Apply(ctx, referee.ID, "", func(a *store.Account) error {
		a.ReferralRewarded = true
		return nil
	})
	if err != nil {
		return paid, fmt.Errorf("referral mark: %w", err)
	}
	return paid, nil
}
