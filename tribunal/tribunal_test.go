package tribunal_test

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"guildhall/account"
	"guildhall/dispute"
	"guildhall/fault"
	"guildhall/ledger"
	"guildhall/memstore"
	"guildhall/settlement"
	"guildhall/store"
	"guildhall/tribunal"
	"guildhall/trust"
)

func TestTally(t *testing.T) {
	cw, gw, s := dispute.RulingClientWins, dispute.RulingGuildWins, dispute.RulingSplit
	cases := []struct {
		name  string
		votes []dispute.Ruling
		want  dispute.Ruling
	}{
		{"plurality", []dispute.Ruling{cw, cw, gw, s, cw}, cw},
		{"guild majority", []dispute.Ruling{gw, gw, gw, cw, s}, gw},
		{"two way tie", []dispute.Ruling{cw, cw, gw, gw, s}, s},
		{"split plurality", []dispute.Ruling{s, s, cw}, s},
		{"no votes", nil, s},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var votes []dispute.Vote
			for _, r := range tc.votes {
				votes = append(votes, dispute.Vote{Vote: r})
			}
			if got := tribunal.Tally(votes); got != tc.want {
				t.Fatalf("Tally = %s, want %s", got, tc.want)
			}
		})
	}
}

func seedGuild(t *testing.T, tx store.Tx, id, master string, score int, members ...string) {
	t.Helper()
	ctx := context.Background()
	a := account.Account{ID: id, Kind: account.KindGuild, Available: 1000, TrustScore: score, Rank: trust.GuildLadder.Classify(score)}
	if err := tx.InsertAccount(ctx, a); err != nil {
		t.Fatalf("insert %s: %v", id, err)
	}
	if err := tx.InsertGuild(ctx, account.Guild{ID: id, MasterID: master, MemberIDs: members}); err != nil {
		t.Fatalf("insert guild %s: %v", id, err)
	}
}

func newCoordinator() *tribunal.Coordinator {
	l := ledger.New(nil)
	return tribunal.NewCoordinator(l, settlement.NewEngine(l, nil), nil).WithRand(rand.New(rand.NewSource(1)))
}

func TestEligibleExcludesPartiesAndLowRanks(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()
	d := dispute.Dispute{ID: "d1", ClientID: "client", GuildID: "accused"}

	err := st.InTx(ctx, func(tx store.Tx) error {
		seedGuild(t, tx, "accused", "m0", 900)
		seedGuild(t, tx, "clients-own", "m1", 800, "client")
		seedGuild(t, tx, "a", "m2", 600)
		seedGuild(t, tx, "b", "m3", 950)
		seedGuild(t, tx, "established", "m4", 599)
		seedGuild(t, tx, "c", "m5", 750)

		got, err := newCoordinator().Eligible(ctx, tx, d)
		if err != nil {
			return err
		}
		want := []string{"a", "b", "c"}
		if len(got) != len(want) {
			t.Fatalf("Eligible = %v, want %v", got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("Eligible = %v, want %v", got, want)
			}
		}

		if _, err := newCoordinator().SelectJurors(ctx, tx, d); !errors.Is(err, fault.ErrInsufficientJurors) {
			t.Fatalf("expected insufficient jurors, got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
}

func TestSelectJurorsDrawsDistinctGuilds(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()
	d := dispute.Dispute{ID: "d1", ClientID: "client", GuildID: "accused"}

	err := st.InTx(ctx, func(tx store.Tx) error {
		for _, id := range []string{"g1", "g2", "g3", "g4", "g5", "g6", "g7"} {
			seedGuild(t, tx, id, "m-"+id, 700)
		}
		jurors, err := newCoordinator().SelectJurors(ctx, tx, d)
		if err != nil {
			return err
		}
		if len(jurors) != dispute.JurorCount {
			t.Fatalf("expected %d jurors, got %v", dispute.JurorCount, jurors)
		}
		seen := map[string]bool{}
		for _, j := range jurors {
			if seen[j] {
				t.Fatalf("juror %s drawn twice", j)
			}
			seen[j] = true
		}
		return nil
	})
	if err != nil {
		t.Fatalf("tx: %v", err)
	}
}
