package account

import (
	"time"

	"guildhall/trust"
)

// Kind distinguishes users from guilds. Both hold balances, a trust score
// and a rank.
type Kind string

const (
	KindUser  Kind = "user"
	KindGuild Kind = "guild"
)

// Account mirrors the accounts table.
type Account struct {
	ID           string
	Kind         Kind
	DisplayName  string
	Available    int64
	Staked       int64
	TrustScore   int
	Rank         trust.Rank
	LastActiveAt time.Time
	LastDecayAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Total is the account's full value: spendable plus locked.
func (a Account) Total() int64 {
	return a.Available + a.Staked
}

// Ladder returns the rank ladder that applies to the account kind.
func (a Account) Ladder() trust.Ladder {
	return LadderFor(a.Kind)
}

// LadderFor returns the rank ladder for kind.
func LadderFor(kind Kind) trust.Ladder {
	if kind == KindGuild {
		return trust.GuildLadder
	}
	return trust.UserLadder
}

// Guild holds the membership structure of a guild account.
type Guild struct {
	ID         string
	MasterID   string
	OfficerIDs []string
	MemberIDs  []string
}

// RoleOf reports the role userID holds in the guild.
func (g Guild) RoleOf(userID string) trust.Role {
	if userID == "" {
		return trust.RoleNone
	}
	if g.MasterID == userID {
		return trust.RoleMaster
	}
	for _, id := range g.OfficerIDs {
		if id == userID {
			return trust.RoleOfficer
		}
	}
	for _, id := range g.MemberIDs {
		if id == userID {
			return trust.RoleMember
		}
	}
	return trust.RoleNone
}

// CanSpeakFor reports whether userID may act on the guild's behalf in a
// dispute (submitting evidence, requesting analysis, escalating).
func (g Guild) CanSpeakFor(userID string) bool {
	role := g.RoleOf(userID)
	return role == trust.RoleMaster || role == trust.RoleOfficer
}

// Size counts every user attached to the guild.
func (g Guild) Size() int {
	n := len(g.OfficerIDs) + len(g.MemberIDs)
	if g.MasterID != "" {
		n++
	}
	return n
}

// Stats mirrors the account_stats table that feeds the score calculator.
type Stats struct {
	AccountID     string
	Completed     int
	Failed        int
	RatingSum     int
	RatingCount   int
	DisputesWon   int
	DisputesLost  int
	PenaltyPoints int
}

// StatsDelta is an additive change to Stats.
type StatsDelta struct {
	Completed     int
	Failed        int
	RatingSum     int
	RatingCount   int
	DisputesWon   int
	DisputesLost  int
	PenaltyPoints int
}

// Apply returns s with d added.
func (s Stats) Apply(d StatsDelta) Stats {
	s.Completed += d.Completed
	s.Failed += d.Failed
	s.RatingSum += d.RatingSum
	s.RatingCount += d.RatingCount
	s.DisputesWon += d.DisputesWon
	s.DisputesLost += d.DisputesLost
	s.PenaltyPoints += d.PenaltyPoints
	return s
}

// Record converts stats into the score calculator's input.
func (s Stats) Record(activeDays int) trust.Record {
	return trust.Record{
		Completed:     s.Completed,
		Failed:        s.Failed,
		RatingSum:     s.RatingSum,
		RatingCount:   s.RatingCount,
		DisputesWon:   s.DisputesWon,
		DisputesLost:  s.DisputesLost,
		ActiveDays:    activeDays,
		PenaltyPoints: s.PenaltyPoints,
	}
}

// TrustEventType classifies a trust history row.
type TrustEventType string

const (
	EventRankUp    TrustEventType = "RANK_UP"
	EventRankDown  TrustEventType = "RANK_DOWN"
	EventPenalty   TrustEventType = "PENALTY"
	EventDecay     TrustEventType = "DECAY"
	EventRecompute TrustEventType = "RECOMPUTE"
)

// TrustEvent is an immutable entry in an account's trust history.
type TrustEvent struct {
	ID          string
	AccountID   string
	Type        TrustEventType
	ScoreBefore int
	ScoreAfter  int
	RankBefore  trust.Rank
	RankAfter   trust.Rank
	Reason      string
	CreatedAt   time.Time
}
