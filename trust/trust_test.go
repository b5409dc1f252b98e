package trust

import (
	"math/rand"
	"testing"
)

func randomRecord(r *rand.Rand) Record {
	return Record{
		Completed:     r.Intn(500) - 10,
		Failed:        r.Intn(200) - 10,
		RatingSum:     r.Intn(2000) - 50,
		RatingCount:   r.Intn(400),
		DisputesWon:   r.Intn(50),
		DisputesLost:  r.Intn(80),
		ActiveDays:    r.Intn(60) - 5,
		PenaltyPoints: r.Intn(300) - 20,
	}
}

func TestComputeTrust_Bounded(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	roles := []Role{RoleNone, RoleMember, RoleOfficer, RoleMaster, Role("unknown")}
	for i := 0; i < 5000; i++ {
		rec := randomRecord(r)
		u := ComputeUserTrust(UserHistory{Record: rec, Role: roles[i%len(roles)]})
		if u < MinScore || u > MaxScore {
			t.Fatalf("user score %d out of bounds for %+v", u, rec)
		}
		g := ComputeGuildTrust(GuildHistory{Record: rec, MemberCount: r.Intn(40) - 2})
		if g < MinScore || g > MaxScore {
			t.Fatalf("guild score %d out of bounds for %+v", g, rec)
		}
	}
}

func TestComputeTrust_MonotonicInSuccessRate(t *testing.T) {
	const total = 40
	prevUser, prevGuild := -1, -1
	for completed := 0; completed <= total; completed++ {
		rec := Record{Completed: completed, Failed: total - completed, RatingSum: 40, RatingCount: 10, ActiveDays: 12}
		u := ComputeUserTrust(UserHistory{Record: rec, Role: RoleMember})
		g := ComputeGuildTrust(GuildHistory{Record: rec, MemberCount: 4})
		if u < prevUser {
			t.Fatalf("user score dropped from %d to %d at completed=%d", prevUser, u, completed)
		}
		if g < prevGuild {
			t.Fatalf("guild score dropped from %d to %d at completed=%d", prevGuild, g, completed)
		}
		prevUser, prevGuild = u, g
	}
}

func TestComputeUserTrust_Perfect(t *testing.T) {
	h := UserHistory{
		Record: Record{Completed: 100, RatingSum: 500, RatingCount: 100, DisputesWon: 3, ActiveDays: 30},
		Role:   RoleMaster,
	}
	if got := ComputeUserTrust(h); got != MaxScore {
		t.Fatalf("expected %d, got %d", MaxScore, got)
	}
}

func TestComputeUserTrust_Newcomer(t *testing.T) {
	// Only the neutral dispute half-credit applies.
	if got := ComputeUserTrust(UserHistory{}); got != 75 {
		t.Fatalf("expected 75, got %d", got)
	}
}

func TestComputeGuildTrust_PenaltiesApply(t *testing.T) {
	rec := Record{Completed: 20, Failed: 0, RatingSum: 80, RatingCount: 20, ActiveDays: 30}
	clean := ComputeGuildTrust(GuildHistory{Record: rec, MemberCount: 10})

	rec.DisputesLost = 2
	lost := ComputeGuildTrust(GuildHistory{Record: rec, MemberCount: 10})
	// Two losses: win rate drops from half credit to zero plus 2*25 penalty.
	if want := clean - 75 - 2*LostDisputePenalty; lost != want {
		t.Fatalf("expected %d, got %d", want, lost)
	}

	rec.PenaltyPoints = 50
	if got := ComputeGuildTrust(GuildHistory{Record: rec, MemberCount: 10}); got != lost-50 {
		t.Fatalf("expected penalty points to subtract 50, got %d (was %d)", got, lost)
	}
}

func TestClassify_Thresholds(t *testing.T) {
	cases := []struct {
		score int
		user  Rank
		guild Rank
	}{
		{0, RankRookie, RankDeveloping},
		{399, RankRookie, RankDeveloping},
		{400, RankVeteran, RankEstablished},
		{599, RankVeteran, RankEstablished},
		{600, RankElite, RankVeteran},
		{750, RankMaster, RankElite},
		{899, RankMaster, RankElite},
		{900, RankLegendary, RankLegendary},
		{1000, RankLegendary, RankLegendary},
	}
	for _, tc := range cases {
		if got := UserLadder.Classify(tc.score); got != tc.user {
			t.Errorf("user score %d: expected %s got %s", tc.score, tc.user, got)
		}
		if got := GuildLadder.Classify(tc.score); got != tc.guild {
			t.Errorf("guild score %d: expected %s got %s", tc.score, tc.guild, got)
		}
	}
}

func TestClassify_Monotonic(t *testing.T) {
	for _, ladder := range []Ladder{UserLadder, GuildLadder} {
		for b := MinScore; b <= MaxScore; b++ {
			for _, a := range []int{b + 1, b + 7, b + 150} {
				if a > MaxScore {
					continue
				}
				if ladder.Ordinal(ladder.Classify(a)) < ladder.Ordinal(ladder.Classify(b)) {
					t.Fatalf("rank for %d below rank for %d", a, b)
				}
			}
		}
	}
}

func TestDetectTransition(t *testing.T) {
	if got := DetectTransition(UserLadder, RankRookie, RankElite); got != Promoted {
		t.Fatalf("expected promoted, got %s", got)
	}
	if got := DetectTransition(GuildLadder, RankElite, RankEstablished); got != Demoted {
		t.Fatalf("expected demoted, got %s", got)
	}
	if got := DetectTransition(GuildLadder, RankVeteran, RankVeteran); got != Unchanged {
		t.Fatalf("expected unchanged, got %s", got)
	}
}
