// Package trust derives 0–1000 trust scores and rank tiers from an
// account's historical record. Everything here is pure: callers load the
// history snapshot and persist the result.
package trust

import "math"

const (
	MinScore = 0
	MaxScore = 1000

	weightSuccessRate = 300.0
	weightCompletions = 150.0
	weightRating      = 200.0
	weightDisputeWins = 150.0
	weightActivity    = 100.0
	weightRole        = 100.0

	userPointsPerCompletion  = 5.0
	guildPointsPerCompletion = 3.0
	guildPointsPerMember     = 10.0

	// LostDisputePenalty is subtracted per lost dispute.
	LostDisputePenalty = 25

	// ActivityWindowDays is the look-back window for the activity bonus.
	ActivityWindowDays = 30

	maxRating = 5.0
)

// Role is a user's standing inside a guild.
type Role string

const (
	RoleNone    Role = ""
	RoleMember  Role = "member"
	RoleOfficer Role = "officer"
	RoleMaster  Role = "master"
)

var roleWeight = map[Role]float64{
	RoleNone:    0,
	RoleMember:  0.3,
	RoleOfficer: 0.6,
	RoleMaster:  1.0,
}

// Record is the history shared by users and guilds.
type Record struct {
	Completed     int
	Failed        int
	RatingSum     int
	RatingCount   int
	DisputesWon   int
	DisputesLost  int
	ActiveDays    int // distinct active days inside the activity window
	PenaltyPoints int // punitive deductions applied outside recomputation
}

// UserHistory is the snapshot used to score a user.
type UserHistory struct {
	Record
	Role Role // highest role held in any guild
}

// GuildHistory is the snapshot used to score a guild.
type GuildHistory struct {
	Record
	MemberCount int // master, officers and members
}

// ComputeUserTrust scores a user.
func ComputeUserTrust(h UserHistory) int {
	role, ok := roleWeight[h.Role]
	if !ok {
		role = 0
	}
	raw := base(h.Record, userPointsPerCompletion) + weightRole*role
	return finish(raw, h.Record)
}

// ComputeGuildTrust scores a guild.
func ComputeGuildTrust(h GuildHistory) int {
	members := math.Min(float64(max(h.MemberCount, 0))*guildPointsPerMember, weightRole)
	raw := base(h.Record, guildPointsPerCompletion) + members
	return finish(raw, h.Record)
}

func base(r Record, perCompletion float64) float64 {
	completed := float64(max(r.Completed, 0))
	failed := float64(max(r.Failed, 0))

	var success float64
	if total := completed + failed; total > 0 {
		success = completed / total
	}

	var rating float64
	if r.RatingCount > 0 {
		rating = clampUnit(float64(r.RatingSum) / float64(r.RatingCount) / maxRating)
	}

	// No disputes earns half credit so newcomers are not punished.
	winRate := 0.5
	won, lost := float64(max(r.DisputesWon, 0)), float64(max(r.DisputesLost, 0))
	if won+lost > 0 {
		winRate = won / (won + lost)
	}

	activity := clampUnit(float64(r.ActiveDays) / ActivityWindowDays)

	return weightSuccessRate*success +
		math.Min(completed*perCompletion, weightCompletions) +
		weightRating*rating +
		weightDisputeWins*winRate +
		weightActivity*activity
}

func finish(raw float64, r Record) int {
	raw -= float64(max(r.DisputesLost, 0) * LostDisputePenalty)
	raw -= float64(max(r.PenaltyPoints, 0))
	return Clamp(int(math.Round(raw)))
}

// Clamp bounds a score to [MinScore, MaxScore].
func Clamp(score int) int {
	switch {
	case score < MinScore:
		return MinScore
	case score > MaxScore:
		return MaxScore
	default:
		return score
	}
}

func clampUnit(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
