package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"guildhall/account"
	"guildhall/bounty"
	"guildhall/dispute"
	"guildhall/fault"
	"guildhall/store"
	"guildhall/trust"
)

func seed(t *testing.T, s *Store) {
	t.Helper()
	err := s.InTx(context.Background(), func(tx store.Tx) error {
		for _, a := range []account.Account{
			{ID: "client", Kind: account.KindUser, Available: 1000, Rank: trust.RankRookie},
			{ID: "guild", Kind: account.KindGuild, Available: 500, TrustScore: 600, Rank: trust.RankVeteran},
		} {
			if err := tx.InsertAccount(context.Background(), a); err != nil {
				return err
			}
		}
		return tx.InsertGuild(context.Background(), account.Guild{ID: "guild", MasterID: "master", MemberIDs: []string{"client"}})
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestInTx_RollbackDiscardsWrites(t *testing.T) {
	s := New()
	seed(t, s)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.InTx(ctx, func(tx store.Tx) error {
		if err := tx.SetBalances(ctx, "client", 1, 999); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	_ = s.InTx(ctx, func(tx store.Tx) error {
		a, err := tx.GetAccount(ctx, "client")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if a.Available != 1000 || a.Staked != 0 {
			t.Fatalf("rolled back write leaked: %+v", a)
		}
		return nil
	})
}

func TestInsertDispute_OnePerBounty(t *testing.T) {
	s := New()
	seed(t, s)
	ctx := context.Background()

	err := s.InTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertBounty(ctx, bounty.Bounty{ID: "b1", ClientID: "client", Status: bounty.StatusDisputed}); err != nil {
			return err
		}
		if err := tx.InsertDispute(ctx, dispute.Dispute{ID: "d1", BountyID: "b1"}); err != nil {
			return err
		}
		return tx.InsertDispute(ctx, dispute.Dispute{ID: "d2", BountyID: "b1"})
	})
	if !errors.Is(err, fault.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestAppendVote_OncePerGuild(t *testing.T) {
	s := New()
	seed(t, s)
	ctx := context.Background()

	err := s.InTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertBounty(ctx, bounty.Bounty{ID: "b1", ClientID: "client"}); err != nil {
			return err
		}
		if err := tx.InsertDispute(ctx, dispute.Dispute{ID: "d1", BountyID: "b1"}); err != nil {
			return err
		}
		v := dispute.Vote{DisputeID: "d1", GuildID: "guild", Vote: dispute.RulingSplit, StakedAmount: 10}
		if err := tx.AppendVote(ctx, v); err != nil {
			return err
		}
		return tx.AppendVote(ctx, v)
	})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestResolveDispute_SwapsOnce(t *testing.T) {
	s := New()
	seed(t, s)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	_ = s.InTx(ctx, func(tx store.Tx) error {
		_ = tx.InsertBounty(ctx, bounty.Bounty{ID: "b1", ClientID: "client"})
		return tx.InsertDispute(ctx, dispute.Dispute{ID: "d1", BountyID: "b1", Status: dispute.StatusInTribunal})
	})

	var wins int
	for i := 0; i < 3; i++ {
		err := s.InTx(ctx, func(tx store.Tx) error {
			won, err := tx.ResolveDispute(ctx, "d1", dispute.RulingGuildWins, 0, 100, now)
			if won {
				wins++
			}
			return err
		})
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winning swap, got %d", wins)
	}

	_ = s.InTx(ctx, func(tx store.Tx) error {
		d, _ := tx.GetDispute(ctx, "d1")
		if d.Status != dispute.StatusResolved || d.FinalRuling != dispute.RulingGuildWins || d.ResolvedAt == nil {
			t.Fatalf("unexpected dispute %+v", d)
		}
		return nil
	})
}

func TestActivityAndDecayCandidates(t *testing.T) {
	s := New()
	seed(t, s)
	ctx := context.Background()
	day := func(n int) time.Time { return time.Date(2026, 3, n, 12, 0, 0, 0, time.UTC) }

	_ = s.InTx(ctx, func(tx store.Tx) error {
		for _, d := range []time.Time{day(1), day(1).Add(time.Hour), day(2), day(5)} {
			if err := tx.RecordActivity(ctx, "guild", d); err != nil {
				t.Fatalf("record: %v", err)
			}
		}
		n, _ := tx.ActiveDays(ctx, "guild", day(2))
		if n != 2 {
			t.Fatalf("expected 2 active days since the 2nd, got %d", n)
		}

		ids, _ := tx.ListDecayCandidates(ctx, day(10), day(10), 0)
		if len(ids) != 1 || ids[0] != "guild" {
			t.Fatalf("expected only the scored guild as candidate, got %v", ids)
		}
		if err := tx.MarkDecayed(ctx, "guild", day(10)); err != nil {
			t.Fatalf("mark: %v", err)
		}
		ids, _ = tx.ListDecayCandidates(ctx, day(10), day(10), 0)
		if len(ids) != 0 {
			t.Fatalf("decayed account listed again: %v", ids)
		}
		return nil
	})
}

func TestGuildsOfUser(t *testing.T) {
	s := New()
	seed(t, s)
	ctx := context.Background()

	_ = s.InTx(ctx, func(tx store.Tx) error {
		gs, err := tx.GuildsOfUser(ctx, "client")
		if err != nil || len(gs) != 1 || gs[0].ID != "guild" {
			t.Fatalf("expected client to belong to guild, got %v %v", gs, err)
		}
		gs, _ = tx.GuildsOfUser(ctx, "stranger")
		if len(gs) != 0 {
			t.Fatalf("expected no guilds, got %v", gs)
		}
		return nil
	})
}
