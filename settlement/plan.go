package settlement

import (
	"math"
	"math/bits"
	"sort"

	"guildhall/account"
	"guildhall/bounty"
	"guildhall/dispute"
	"guildhall/fault"
	"guildhall/ledger"
)

// GuildPenalty is the direct trust deduction for a guild that loses to
// its client.
const GuildPenalty = 50

// Split is the reward division for a split ruling, in percent.
type Split struct {
	ClientPct int
	GuildPct  int
}

// EvenSplit is the default division.
var EvenSplit = Split{ClientPct: 50, GuildPct: 50}

// NormalizeSplit turns arbitrary non-negative weights into percentages that
// sum to exactly 100. Negative weights count as zero, and two zero weights
// fall back to an even split.
func NormalizeSplit(client, guild int) Split {
	if client < 0 {
		client = 0
	}
	if guild < 0 {
		guild = 0
	}
	total := client + guild
	if total == 0 {
		return EvenSplit
	}
	c := (client*100 + total/2) / total
	return Split{ClientPct: c, GuildPct: 100 - c}
}

// Release returns staked credits to the owner's available balance.
type Release struct {
	AccountID string
	Amount    int64
}

// JurorOutcome is how one juror fared.
type JurorOutcome struct {
	GuildID string
	Vote    dispute.Ruling
	Stake   int64
	Won     bool
	// Award is the share of forfeited stakes paid on top of the returned stake.
	Award int64
}

// Plan is the full set of balance movements and side effects of one
// settlement. Building it touches no state.
type Plan struct {
	DisputeID        string
	Ruling           dispute.Ruling
	ClientPercentage int
	GuildPercentage  int
	Releases         []Release
	Transfers        []ledger.Transfer
	Jurors           []JurorOutcome
	GuildPenalty     int
	BountyStatus     bounty.Status
	ClientStats      account.StatsDelta
	GuildStats       account.StatsDelta
}

// NewPlan computes the settlement of d under ruling. split applies only
// to split rulings.
func NewPlan(d dispute.Dispute, votes []dispute.Vote, ruling dispute.Ruling, split Split) (Plan, error) {
	if !ruling.Valid() {
		return Plan{}, fault.New(fault.ErrValidation, "settlement: unknown ruling %q", ruling)
	}
	if d.RewardCredits < 0 || d.ClientStakeAtRisk < d.RewardCredits || d.GuildStakeAtRisk < 0 {
		return Plan{}, fault.New(fault.ErrInvariantViolation,
			"settlement: dispute %s has inconsistent stakes %d/%d/%d", d.ID, d.ClientStakeAtRisk, d.GuildStakeAtRisk, d.RewardCredits)
	}

	p := Plan{DisputeID: d.ID, Ruling: ruling}
	ref := ledger.Ref{Reference: d.ID, Description: "settlement " + string(ruling)}

	switch ruling {
	case dispute.RulingClientWins:
		p.Releases = append(p.Releases, Release{AccountID: d.ClientID, Amount: d.ClientStakeAtRisk})
		p.Transfers = append(p.Transfers, ledger.Transfer{From: d.GuildID, To: d.ClientID, Amount: d.GuildStakeAtRisk, Ref: ref})
		p.ClientPercentage = 100
		p.GuildPenalty = GuildPenalty
		p.BountyStatus = bounty.StatusFailed
		p.ClientStats = account.StatsDelta{DisputesWon: 1}
		p.GuildStats = account.StatsDelta{DisputesLost: 1, Failed: 1}

	case dispute.RulingGuildWins:
		p.Transfers = append(p.Transfers, ledger.Transfer{From: d.ClientID, To: d.GuildID, Amount: d.ClientStakeAtRisk, Ref: ref})
		p.Releases = append(p.Releases, Release{AccountID: d.GuildID, Amount: d.GuildStakeAtRisk})
		p.GuildPercentage = 100
		p.BountyStatus = bounty.StatusCompleted
		p.ClientStats = account.StatsDelta{DisputesLost: 1}
		p.GuildStats = account.StatsDelta{DisputesWon: 1, Completed: 1}

	case dispute.RulingSplit:
		split = NormalizeSplit(split.ClientPct, split.GuildPct)
		p.ClientPercentage, p.GuildPercentage = split.ClientPct, split.GuildPct
		guildShare := d.RewardCredits * int64(split.GuildPct) / 100
		clientShare := d.RewardCredits - guildShare
		p.Releases = append(p.Releases,
			Release{AccountID: d.ClientID, Amount: d.ClientStake() + clientShare},
			Release{AccountID: d.GuildID, Amount: d.GuildStakeAtRisk},
		)
		p.Transfers = append(p.Transfers, ledger.Transfer{From: d.ClientID, To: d.GuildID, Amount: guildShare, Ref: ref})
		p.BountyStatus = bounty.StatusCompleted
		p.GuildStats = account.StatsDelta{Completed: 1}
	}

	jurors, releases, transfers, err := planJurors(d, votes, ruling)
	if err != nil {
		return Plan{}, err
	}
	p.Jurors = jurors
	p.Releases = append(p.Releases, releases...)
	p.Transfers = append(p.Transfers, transfers...)
	return p, nil
}

// planJurors returns winners' stakes and splits the losers' stakes among
// winners in proportion to each winner's stake. Rounding uses largest
// remainder, ties broken by larger stake then guild id. With no winner at
// all every stake is returned.
func planJurors(d dispute.Dispute, votes []dispute.Vote, ruling dispute.Ruling) ([]JurorOutcome, []Release, []ledger.Transfer, error) {
	outcomes := make([]JurorOutcome, 0, len(votes))
	var winStake, pot int64
	seen := make(map[string]bool, len(votes))
	for _, v := range votes {
		if seen[v.GuildID] {
			return nil, nil, nil, fault.New(fault.ErrInvariantViolation, "settlement: duplicate vote from %s", v.GuildID)
		}
		seen[v.GuildID] = true
		if v.GuildID == d.ClientID || v.GuildID == d.GuildID {
			return nil, nil, nil, fault.New(fault.ErrInvariantViolation, "settlement: party %s voted", v.GuildID)
		}
		o := JurorOutcome{GuildID: v.GuildID, Vote: v.Vote, Stake: v.StakedAmount, Won: v.Vote == ruling}
		if o.Stake <= 0 {
			return nil, nil, nil, fault.New(fault.ErrInvariantViolation, "settlement: %s staked %d", v.GuildID, o.Stake)
		}
		sum := &pot
		if o.Won {
			sum = &winStake
		}
		if *sum > math.MaxInt64-o.Stake {
			return nil, nil, nil, fault.New(fault.ErrInvariantViolation, "settlement: juror stakes on %s overflow", d.ID)
		}
		*sum += o.Stake
		outcomes = append(outcomes, o)
	}
	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].GuildID < outcomes[j].GuildID })

	var releases []Release
	if winStake == 0 {
		for i := range outcomes {
			outcomes[i].Won = false
			releases = append(releases, Release{AccountID: outcomes[i].GuildID, Amount: outcomes[i].Stake})
		}
		return outcomes, releases, nil, nil
	}

	type share struct {
		idx int
		rem int64
	}
	var (
		shares      []share
		distributed int64
	)
	for i, o := range outcomes {
		if !o.Won {
			continue
		}
		award, rem := proportion(pot, o.Stake, winStake)
		outcomes[i].Award = award
		distributed += award
		shares = append(shares, share{idx: i, rem: rem})
		releases = append(releases, Release{AccountID: o.GuildID, Amount: o.Stake})
	}
	sort.SliceStable(shares, func(i, j int) bool {
		a, b := outcomes[shares[i].idx], outcomes[shares[j].idx]
		if shares[i].rem != shares[j].rem {
			return shares[i].rem > shares[j].rem
		}
		if a.Stake != b.Stake {
			return a.Stake > b.Stake
		}
		return a.GuildID < b.GuildID
	})
	left := pot - distributed
	if left < 0 || left > int64(len(shares)) {
		return nil, nil, nil, fault.New(fault.ErrInvariantViolation,
			"settlement: %d of %d forfeited credits left after proportional awards", left, pot)
	}
	for i := int64(0); i < left; i++ {
		outcomes[shares[i].idx].Award++
	}

	transfers, err := matchTransfers(d.ID, outcomes)
	if err != nil {
		return nil, nil, nil, err
	}
	return outcomes, releases, transfers, nil
}

// proportion returns pot*stake/total and its remainder using a 128-bit
// intermediate product. It requires 0 <= stake <= total, so the quotient
// never exceeds pot.
func proportion(pot, stake, total int64) (int64, int64) {
	hi, lo := bits.Mul64(uint64(pot), uint64(stake))
	q, r := bits.Div64(hi, lo, uint64(total))
	return int64(q), int64(r)
}

// matchTransfers pays winners' awards out of losers' stakes, walking both
// lists in guild id order.
func matchTransfers(disputeID string, outcomes []JurorOutcome) ([]ledger.Transfer, error) {
	var (
		losers  []JurorOutcome
		winners []JurorOutcome
	)
	for _, o := range outcomes {
		if o.Won {
			winners = append(winners, o)
		} else {
			losers = append(losers, o)
		}
	}

	ref := ledger.Ref{Reference: disputeID, Description: "juror forfeit"}
	var transfers []ledger.Transfer
	li, wi := 0, 0
	var (
		left []int64
		owed []int64
	)
	for _, l := range losers {
		left = append(left, l.Stake)
	}
	for _, w := range winners {
		owed = append(owed, w.Award)
	}
	for li < len(losers) && wi < len(winners) {
		if left[li] == 0 {
			li++
			continue
		}
		if owed[wi] == 0 {
			wi++
			continue
		}
		amt := min(left[li], owed[wi])
		transfers = append(transfers, ledger.Transfer{From: losers[li].GuildID, To: winners[wi].GuildID, Amount: amt, Ref: ref})
		left[li] -= amt
		owed[wi] -= amt
	}
	for i := range left {
		if left[i] != 0 {
			return nil, fault.New(fault.ErrInvariantViolation, "settlement: %d of %s's stake unallocated", left[i], losers[i].GuildID)
		}
	}
	for i := range owed {
		if owed[i] != 0 {
			return nil, fault.New(fault.ErrInvariantViolation, "settlement: %d owed to %s unfunded", owed[i], winners[i].GuildID)
		}
	}
	return transfers, nil
}

// Totals sums the signed change each account sees under the plan.
func (p Plan) Totals() map[string]Balance {
	out := make(map[string]Balance)
	add := func(id string, available, staked int64) {
		b := out[id]
		b.Available += available
		b.Staked += staked
		out[id] = b
	}
	for _, r := range p.Releases {
		add(r.AccountID, r.Amount, -r.Amount)
	}
	for _, t := range p.Transfers {
		add(t.From, 0, -t.Amount)
		add(t.To, t.Amount, 0)
	}
	return out
}

// Balance is a signed change to an account.
type Balance struct {
	Available int64
	Staked    int64
}
