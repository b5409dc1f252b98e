package account

import (
	"context"
	"fmt"
	"time"

	"guildhall/trust"
)

// Reader loads accounts and guild membership without locking.
type Reader interface {
	GetAccount(ctx context.Context, id string) (Account, error)
	GetGuild(ctx context.Context, id string) (Guild, error)
	// GuildsOfUser lists every guild in which userID holds any role.
	GuildsOfUser(ctx context.Context, userID string) ([]Guild, error)
}

// Writer creates accounts and guilds.
type Writer interface {
	InsertAccount(ctx context.Context, a Account) error
	InsertGuild(ctx context.Context, g Guild) error
}

// StatsStore persists the counters and activity days behind trust scores.
type StatsStore interface {
	GetStats(ctx context.Context, accountID string) (Stats, error)
	AddStats(ctx context.Context, accountID string, d StatsDelta) error
	// RecordActivity marks the UTC day of at as active and bumps
	// last_active_at.
	RecordActivity(ctx context.Context, accountID string, at time.Time) error
	ActiveDays(ctx context.Context, accountID string, since time.Time) (int, error)
}

// RecomputeStore is what Recompute reads and writes.
type RecomputeStore interface {
	Reader
	StatsStore
	TrustStore
}

// Recompute derives the account's score from its stored history, then
// persists score and rank the same way ApplyTrust does.
func Recompute(ctx context.Context, s RecomputeStore, accountID string, newID func() string, now time.Time) (TrustChange, error) {
	acct, err := s.LockAccount(ctx, accountID)
	if err != nil {
		return TrustChange{}, err
	}
	stats, err := s.GetStats(ctx, accountID)
	if err != nil {
		return TrustChange{}, fmt.Errorf("account: load stats: %w", err)
	}
	since := now.AddDate(0, 0, -trust.ActivityWindowDays)
	days, err := s.ActiveDays(ctx, accountID, since)
	if err != nil {
		return TrustChange{}, fmt.Errorf("account: active days: %w", err)
	}
	record := stats.Record(days)

	var score int
	switch acct.Kind {
	case KindGuild:
		guild, err := s.GetGuild(ctx, accountID)
		if err != nil {
			return TrustChange{}, fmt.Errorf("account: load guild: %w", err)
		}
		score = trust.ComputeGuildTrust(trust.GuildHistory{Record: record, MemberCount: guild.Size()})
	default:
		guilds, err := s.GuildsOfUser(ctx, accountID)
		if err != nil {
			return TrustChange{}, fmt.Errorf("account: load guilds: %w", err)
		}
		score = trust.ComputeUserTrust(trust.UserHistory{Record: record, Role: HighestRole(guilds, accountID)})
	}
	return ApplyTrust(ctx, s, accountID, score, EventRecompute, "recomputed from history", newID, now)
}

var roleOrder = map[trust.Role]int{
	trust.RoleNone:    0,
	trust.RoleMember:  1,
	trust.RoleOfficer: 2,
	trust.RoleMaster:  3,
}

// HighestRole returns the most senior role userID holds across guilds.
func HighestRole(guilds []Guild, userID string) trust.Role {
	best := trust.RoleNone
	for _, g := range guilds {
		if r := g.RoleOf(userID); roleOrder[r] > roleOrder[best] {
			best = r
		}
	}
	return best
}
