package account

import (
	"context"
	"errors"
	"testing"
	"time"

	"guildhall/fault"
	"guildhall/trust"
)

func TestGuildValidate(t *testing.T) {
	cases := []struct {
		name string
		g    Guild
		ok   bool
	}{
		{"master only", Guild{ID: "g", MasterID: "m"}, true},
		{"no master", Guild{ID: "g", OfficerIDs: []string{"o"}}, false},
		{"master also officer", Guild{ID: "g", MasterID: "m", OfficerIDs: []string{"m"}}, false},
		{"officer also member", Guild{ID: "g", MasterID: "m", OfficerIDs: []string{"x"}, MemberIDs: []string{"x"}}, false},
		{"disjoint", Guild{ID: "g", MasterID: "m", OfficerIDs: []string{"o"}, MemberIDs: []string{"a", "b"}}, true},
	}
	for _, tc := range cases {
		err := tc.g.Validate()
		if tc.ok && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok && !errors.Is(err, fault.ErrValidation) {
			t.Fatalf("%s: expected validation error, got %v", tc.name, err)
		}
	}
}

func TestHighestRole(t *testing.T) {
	guilds := []Guild{
		{ID: "a", MasterID: "x", MemberIDs: []string{"u"}},
		{ID: "b", MasterID: "y", OfficerIDs: []string{"u"}},
	}
	if got := HighestRole(guilds, "u"); got != trust.RoleOfficer {
		t.Fatalf("expected officer, got %q", got)
	}
	if got := HighestRole(guilds, "nobody"); got != trust.RoleNone {
		t.Fatalf("expected none, got %q", got)
	}
}

func TestApplyTrust_RecordsRankChange(t *testing.T) {
	s := &fakeTrustStore{acct: Account{ID: "g", Kind: KindGuild, TrustScore: 620, Rank: trust.RankVeteran}}
	ids := 0
	newID := func() string { ids++; return "ev" }

	change, err := ApplyTrust(context.Background(), s, "g", 570, EventPenalty, "lost dispute", newID, time.Now())
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if change.RankAfter != trust.RankEstablished || change.Transition != trust.Demoted {
		t.Fatalf("expected demotion to established, got %+v", change)
	}
	if len(s.events) != 2 || s.events[0].Type != EventPenalty || s.events[1].Type != EventRankDown {
		t.Fatalf("expected penalty + rank-down events, got %+v", s.events)
	}
	if s.acct.TrustScore != 570 {
		t.Fatalf("expected stored score 570, got %d", s.acct.TrustScore)
	}
}

func TestApplyTrust_Clamps(t *testing.T) {
	s := &fakeTrustStore{acct: Account{ID: "u", Kind: KindUser, TrustScore: 20, Rank: trust.RankRookie}}
	change, err := ApplyTrust(context.Background(), s, "u", -30, EventPenalty, "", func() string { return "ev" }, time.Now())
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if change.ScoreAfter != 0 || change.Transition != trust.Unchanged {
		t.Fatalf("expected floor at 0 and no transition, got %+v", change)
	}
}

type fakeTrustStore struct {
	acct   Account
	events []TrustEvent
}

func (f *fakeTrustStore) LockAccount(ctx context.Context, id string) (Account, error) {
	if id != f.acct.ID {
		return Account{}, ErrNotFound
	}
	return f.acct, nil
}

func (f *fakeTrustStore) SetTrust(ctx context.Context, id string, score int, rank trust.Rank) error {
	f.acct.TrustScore = score
	f.acct.Rank = rank
	return nil
}

func (f *fakeTrustStore) AppendTrustEvent(ctx context.Context, ev TrustEvent) error {
	f.events = append(f.events, ev)
	return nil
}
