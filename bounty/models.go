package bounty

import "time"

// Status tracks a bounty through its lifecycle.
type Status string

const (
	StatusOpen        Status = "open"
	StatusAccepted    Status = "accepted"
	StatusInProgress  Status = "in_progress"
	StatusSubmitted   Status = "submitted"
	StatusUnderReview Status = "under_review"
	StatusDisputed    Status = "disputed"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

var transitions = map[Status][]Status{
	StatusOpen:        {StatusAccepted, StatusCancelled},
	StatusAccepted:    {StatusInProgress},
	StatusInProgress:  {StatusSubmitted},
	StatusSubmitted:   {StatusUnderReview, StatusCompleted, StatusDisputed},
	StatusUnderReview: {StatusCompleted, StatusDisputed},
	StatusDisputed:    {StatusCompleted, StatusFailed},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the status accepts no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// GuildEngaged reports whether a guild stake must be held in this status.
func (s Status) GuildEngaged() bool {
	switch s {
	case StatusAccepted, StatusInProgress, StatusSubmitted, StatusUnderReview, StatusDisputed:
		return true
	}
	return false
}

// Disputable reports whether the client may raise a dispute in this status.
func (s Status) Disputable() bool {
	return s == StatusSubmitted || s == StatusUnderReview
}

// Bounty mirrors the bounties table.
type Bounty struct {
	ID                 string
	ClientID           string
	Title              string
	Description        string
	RewardCredits      int64
	ClientStake        int64
	GuildStakeRequired int64
	Status             Status
	AcceptedByGuildID  string
	GuildStakeLocked   int64
	DisputeID          string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Escrowed is what the client holds staked while the bounty is live: the
// reward plus the client's own stake.
func (b Bounty) Escrowed() int64 {
	return b.RewardCredits + b.ClientStake
}

// PostParams are the inputs for posting a bounty.
type PostParams struct {
	ClientID           string
	Title              string
	Description        string
	RewardCredits      int64
	ClientStake        int64
	GuildStakeRequired int64
}

// ApproveParams carry the client's acceptance of submitted work.
type ApproveParams struct {
	ActorID  string
	BountyID string
	// Rating is the client's 1–5 rating of the guild, 0 when omitted.
	Rating int
}
