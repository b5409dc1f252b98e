// Package account holds the polymorphic Account record shared by users and
// guilds, guild membership, and the helpers that apply trust changes to an
// account. Balance fields are only ever written by package ledger.
package account

import (
	"context"
	"errors"
	"fmt"
	"time"

	"guildhall/fault"
	"guildhall/trust"
)

var (
	// ErrNotFound signals the account does not exist.
	ErrNotFound = fault.New(fault.ErrNotFound, "account: not found")
	// ErrGuildNotFound signals the guild does not exist.
	ErrGuildNotFound = fault.New(fault.ErrNotFound, "account: guild not found")
	// ErrNotGuild signals an operation expected a guild account.
	ErrNotGuild = fault.New(fault.ErrValidation, "account: not a guild")
)

// Validate checks the guild membership invariants: exactly one master and
// master/officer/member sets pairwise disjoint.
func (g Guild) Validate() error {
	if g.MasterID == "" {
		return fault.New(fault.ErrValidation, "account: guild requires a master")
	}
	seen := map[string]string{g.MasterID: "master"}
	for _, set := range []struct {
		role string
		ids  []string
	}{{"officer", g.OfficerIDs}, {"member", g.MemberIDs}} {
		for _, id := range set.ids {
			if id == "" {
				return fault.New(fault.ErrValidation, "account: empty %s id", set.role)
			}
			if prev, ok := seen[id]; ok {
				return fault.New(fault.ErrValidation, "account: user %s is both %s and %s", id, prev, set.role)
			}
			seen[id] = set.role
		}
	}
	return nil
}

// TrustStore is the persistence needed to change an account's trust state.
type TrustStore interface {
	LockAccount(ctx context.Context, id string) (Account, error)
	SetTrust(ctx context.Context, id string, score int, rank trust.Rank) error
	AppendTrustEvent(ctx context.Context, ev TrustEvent) error
}

// TrustChange is the outcome of a trust update.
type TrustChange struct {
	AccountID   string
	ScoreBefore int
	ScoreAfter  int
	RankBefore  trust.Rank
	RankAfter   trust.Rank
	Transition  trust.Transition
}

// ApplyTrust writes a new score to the account, reclassifies its rank and
// records the history events. The caller's transaction must already hold
// the account row lock or accept that LockAccount takes it.
func ApplyTrust(ctx context.Context, s TrustStore, accountID string, score int, reason TrustEventType, note string, newID func() string, now time.Time) (TrustChange, error) {
	acct, err := s.LockAccount(ctx, accountID)
	if err != nil {
		return TrustChange{}, err
	}

	score = trust.Clamp(score)
	ladder := acct.Ladder()
	rank := ladder.Classify(score)
	change := TrustChange{
		AccountID:   acct.ID,
		ScoreBefore: acct.TrustScore,
		ScoreAfter:  score,
		RankBefore:  acct.Rank,
		RankAfter:   rank,
		Transition:  trust.DetectTransition(ladder, acct.Rank, rank),
	}

	if err := s.SetTrust(ctx, acct.ID, score, rank); err != nil {
		return TrustChange{}, fmt.Errorf("account: set trust: %w", err)
	}

	events := []TrustEventType{reason}
	switch change.Transition {
	case trust.Promoted:
		events = append(events, EventRankUp)
	case trust.Demoted:
		events = append(events, EventRankDown)
	}
	for _, typ := range events {
		ev := TrustEvent{
			ID:          newID(),
			AccountID:   acct.ID,
			Type:        typ,
			ScoreBefore: change.ScoreBefore,
			ScoreAfter:  change.ScoreAfter,
			RankBefore:  change.RankBefore,
			RankAfter:   change.RankAfter,
			Reason:      note,
			CreatedAt:   now,
		}
		if err := s.AppendTrustEvent(ctx, ev); err != nil {
			return TrustChange{}, fmt.Errorf("account: append trust event: %w", err)
		}
	}
	return change, nil
}

// IsNotFound reports whether err signals a missing account or guild.
func IsNotFound(err error) bool {
	return errors.Is(err, fault.ErrNotFound)
}
