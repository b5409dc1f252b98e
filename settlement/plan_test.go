package settlement

import (
	"errors"
	"math"
	"testing"

	"guildhall/bounty"
	"guildhall/dispute"
	"guildhall/fault"
)

func TestNormalizeSplit(t *testing.T) {
	cases := []struct {
		client, guild int
		want          Split
	}{
		{0, 0, Split{50, 50}},
		{30, 90, Split{25, 75}},
		{-5, 10, Split{0, 100}},
		{1, 2, Split{33, 67}},
		{2, 1, Split{67, 33}},
		{70, 30, Split{70, 30}},
	}
	for _, tc := range cases {
		got := NormalizeSplit(tc.client, tc.guild)
		if got != tc.want {
			t.Errorf("NormalizeSplit(%d, %d) = %+v, want %+v", tc.client, tc.guild, got, tc.want)
		}
		if got.ClientPct+got.GuildPct != 100 {
			t.Errorf("NormalizeSplit(%d, %d) does not sum to 100: %+v", tc.client, tc.guild, got)
		}
	}
}

func testDispute() dispute.Dispute {
	return dispute.Dispute{
		ID:                "d1",
		ClientID:          "client",
		GuildID:           "guild",
		ClientStakeAtRisk: 1000,
		GuildStakeAtRisk:  500,
		RewardCredits:     800,
		Jurors:            []string{"j1", "j2", "j3", "j4", "j5"},
	}
}

func vote(guild string, r dispute.Ruling, stake int64) dispute.Vote {
	return dispute.Vote{DisputeID: "d1", GuildID: guild, Vote: r, StakedAmount: stake}
}

func assertBalanced(t *testing.T, p Plan) {
	t.Helper()
	var total int64
	for id, b := range p.Totals() {
		if b.Staked > 0 {
			t.Fatalf("%s gains stake under a settlement: %+v", id, b)
		}
		total += b.Available + b.Staked
	}
	if total != 0 {
		t.Fatalf("plan creates or destroys %d credits", total)
	}
}

func TestNewPlan_ClientWins(t *testing.T) {
	p, err := NewPlan(testDispute(), nil, dispute.RulingClientWins, EvenSplit)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	totals := p.Totals()
	if c := totals["client"]; c.Available != 1500 || c.Staked != -1000 {
		t.Fatalf("unexpected client movement %+v", c)
	}
	if g := totals["guild"]; g.Available != 0 || g.Staked != -500 {
		t.Fatalf("unexpected guild movement %+v", g)
	}
	if p.GuildPenalty != GuildPenalty || p.BountyStatus != bounty.StatusFailed || p.ClientPercentage != 100 {
		t.Fatalf("unexpected plan %+v", p)
	}
	assertBalanced(t, p)
}

func TestNewPlan_GuildWins(t *testing.T) {
	p, err := NewPlan(testDispute(), nil, dispute.RulingGuildWins, EvenSplit)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	totals := p.Totals()
	if g := totals["guild"]; g.Available != 1500 || g.Staked != -500 {
		t.Fatalf("unexpected guild movement %+v", g)
	}
	if p.GuildPenalty != 0 || p.BountyStatus != bounty.StatusCompleted {
		t.Fatalf("unexpected plan %+v", p)
	}
	assertBalanced(t, p)
}

func TestNewPlan_SplitRoundsTowardClient(t *testing.T) {
	d := testDispute()
	d.RewardCredits = 801
	d.ClientStakeAtRisk = 1001
	p, err := NewPlan(d, nil, dispute.RulingSplit, EvenSplit)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	totals := p.Totals()
	// Client keeps its 200 stake plus 401 of the reward; the guild gets 400.
	if c := totals["client"]; c.Available != 601 || c.Staked != -1001 {
		t.Fatalf("unexpected client movement %+v", c)
	}
	if g := totals["guild"]; g.Available != 900 || g.Staked != -500 {
		t.Fatalf("unexpected guild movement %+v", g)
	}
	assertBalanced(t, p)
}

func TestNewPlan_JurorAwardsUseLargestRemainder(t *testing.T) {
	votes := []dispute.Vote{
		vote("j1", dispute.RulingClientWins, 1),
		vote("j2", dispute.RulingClientWins, 1),
		vote("j3", dispute.RulingClientWins, 1),
		vote("j4", dispute.RulingGuildWins, 60),
		vote("j5", dispute.RulingSplit, 40),
	}
	p, err := NewPlan(testDispute(), votes, dispute.RulingClientWins, EvenSplit)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	awards := map[string]int64{}
	for _, j := range p.Jurors {
		awards[j.GuildID] = j.Award
	}
	if awards["j1"] != 34 || awards["j2"] != 33 || awards["j3"] != 33 || awards["j4"] != 0 || awards["j5"] != 0 {
		t.Fatalf("unexpected awards %v", awards)
	}
	totals := p.Totals()
	if j := totals["j4"]; j.Available != 0 || j.Staked != -60 {
		t.Fatalf("loser should forfeit its stake, got %+v", j)
	}
	if j := totals["j1"]; j.Available != 35 || j.Staked != -1 {
		t.Fatalf("winner should get stake plus award, got %+v", j)
	}
	assertBalanced(t, p)
}

func TestNewPlan_NoWinningJurorReturnsStakes(t *testing.T) {
	votes := []dispute.Vote{
		vote("j1", dispute.RulingClientWins, 10),
		vote("j2", dispute.RulingGuildWins, 20),
	}
	p, err := NewPlan(testDispute(), votes, dispute.RulingSplit, EvenSplit)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	totals := p.Totals()
	if totals["j1"].Available != 10 || totals["j2"].Available != 20 {
		t.Fatalf("expected stakes returned, got %+v", totals)
	}
	assertBalanced(t, p)
}

func TestNewPlan_RejectsBadInput(t *testing.T) {
	if _, err := NewPlan(testDispute(), nil, "coin_flip", EvenSplit); !errors.Is(err, fault.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	d := testDispute()
	d.ClientStakeAtRisk = 100
	if _, err := NewPlan(d, nil, dispute.RulingGuildWins, EvenSplit); !errors.Is(err, fault.ErrInvariantViolation) {
		t.Fatalf("expected invariant violation, got %v", err)
	}
	votes := []dispute.Vote{vote("guild", dispute.RulingGuildWins, 10)}
	if _, err := NewPlan(testDispute(), votes, dispute.RulingGuildWins, EvenSplit); !errors.Is(err, fault.ErrInvariantViolation) {
		t.Fatalf("expected a party vote rejected, got %v", err)
	}
}

func TestNewPlan_LargeJurorStakesDoNotOverflow(t *testing.T) {
	const stake = 4_000_000_000
	votes := []dispute.Vote{
		vote("j1", dispute.RulingClientWins, stake),
		vote("j2", dispute.RulingClientWins, stake),
		vote("j3", dispute.RulingGuildWins, stake),
		vote("j4", dispute.RulingSplit, stake),
		vote("j5", dispute.RulingClientWins, stake),
	}
	p, err := NewPlan(testDispute(), votes, dispute.RulingClientWins, EvenSplit)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	awards := map[string]int64{}
	for _, j := range p.Jurors {
		awards[j.GuildID] = j.Award
	}
	// 8e9 forfeited over three equal winners: 2666666666 each, the two
	// leftover credits go to the lowest guild ids.
	if awards["j1"] != 2_666_666_667 || awards["j2"] != 2_666_666_667 || awards["j5"] != 2_666_666_666 {
		t.Fatalf("unexpected awards %v", awards)
	}
	if totals := p.Totals(); totals["j3"].Staked != -stake || totals["j3"].Available != 0 {
		t.Fatalf("loser should forfeit its stake, got %+v", totals["j3"])
	}
	assertBalanced(t, p)
}

func TestNewPlan_RejectsStakeSumsBeyondInt64(t *testing.T) {
	half := int64(math.MaxInt64/2 + 1)
	votes := []dispute.Vote{
		vote("j1", dispute.RulingGuildWins, half),
		vote("j2", dispute.RulingGuildWins, half),
	}
	if _, err := NewPlan(testDispute(), votes, dispute.RulingGuildWins, EvenSplit); !errors.Is(err, fault.ErrInvariantViolation) {
		t.Fatalf("expected invariant violation, got %v", err)
	}
}

func TestNewPlan_NearMaxPotSplitsExactly(t *testing.T) {
	votes := []dispute.Vote{
		vote("j1", dispute.RulingSplit, 3),
		vote("j2", dispute.RulingSplit, 7),
		vote("j3", dispute.RulingGuildWins, math.MaxInt64-10),
	}
	p, err := NewPlan(testDispute(), votes, dispute.RulingSplit, EvenSplit)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	var awarded int64
	for _, j := range p.Jurors {
		awarded += j.Award
	}
	if awarded != math.MaxInt64-10 {
		t.Fatalf("expected the whole pot awarded, got %d", awarded)
	}
}
