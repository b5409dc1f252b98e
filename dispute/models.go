package dispute

import (
	"time"

	"guildhall/bounty"
)

// Tier is the escalation phase of a dispute.
type Tier string

const (
	TierNegotiation Tier = "negotiation"
	TierAIArbiter   Tier = "ai_arbiter"
	TierTribunal    Tier = "tribunal"
)

// Status represents the lifecycle of a dispute record.
type Status string

const (
	StatusOpen       Status = "open"
	StatusAIAnalysis Status = "ai_analysis"
	StatusInTribunal Status = "in_tribunal"
	StatusResolved   Status = "resolved"
)

// Ruling is a tribunal verdict, and also the vote a juror casts.
type Ruling string

const (
	RulingClientWins Ruling = "client_wins"
	RulingGuildWins  Ruling = "guild_wins"
	RulingSplit      Ruling = "split"
)

// Valid reports whether r is one of the three rulings.
func (r Ruling) Valid() bool {
	return r == RulingClientWins || r == RulingGuildWins || r == RulingSplit
}

// Party identifies which side submitted evidence.
type Party string

const (
	PartyClient Party = "client"
	PartyGuild  Party = "guild"
)

// JurorCount is the fixed tribunal size.
const JurorCount = 5

// Dispute mirrors the disputes table plus its juror assignments.
type Dispute struct {
	ID                string
	BountyID          string
	ClientID          string
	GuildID           string
	Tier              Tier
	Status            Status
	ClientStakeAtRisk int64
	GuildStakeAtRisk  int64
	RewardCredits     int64
	Jurors            []string
	Advisory          *Advisory
	FinalRuling       Ruling
	ClientPercentage  int
	GuildPercentage   int
	ResolvedAt        *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ClientStake is the part of ClientStakeAtRisk that is not the reward.
func (d Dispute) ClientStake() int64 {
	return d.ClientStakeAtRisk - d.RewardCredits
}

// IsJuror reports whether guildID sits on the tribunal.
func (d Dispute) IsJuror(guildID string) bool {
	for _, id := range d.Jurors {
		if id == guildID {
			return true
		}
	}
	return false
}

// Evidence is one append-only submission from a party.
type Evidence struct {
	ID          string
	DisputeID   string
	Party       Party
	SubmittedBy string
	Text        string
	Images      []string
	Links       []string
	CreatedAt   time.Time
}

// Vote is a juror guild's ballot.
type Vote struct {
	DisputeID    string
	GuildID      string
	Vote         Ruling
	StakedAmount int64
	CastBy       string
	CastAt       time.Time
}

// Advisory is the AI arbiter's recommendation. It is never binding.
type Advisory struct {
	Ruling           Ruling
	ClientPercentage int
	GuildPercentage  int
	Reasoning        string
	Model            string
	CreatedAt        time.Time
}

// Snapshot is the full read model returned to callers.
type Snapshot struct {
	Dispute  Dispute
	Bounty   bounty.Bounty
	Evidence []Evidence
	Votes    []Vote
}

// RaiseParams open a dispute against a delivered bounty.
type RaiseParams struct {
	ActorID  string
	BountyID string
	Text     string
	Images   []string
	Links    []string
}

// EvidenceParams append evidence to an open dispute.
type EvidenceParams struct {
	ActorID   string
	DisputeID string
	// Party is the side the actor speaks for. Empty means infer it.
	Party  Party
	Text   string
	Images []string
	Links  []string
}
