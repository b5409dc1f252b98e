package pgstore_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"guildhall/bounty"
	"guildhall/dispute"
	"guildhall/engine"
	"guildhall/ledger"
	"guildhall/pgstore"
	"guildhall/store"
	"guildhall/test/infra"
	"guildhall/tribunal"
	"guildhall/trust"
)

func openStore(t *testing.T) (*pgstore.Store, context.Context) {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, true)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	t.Cleanup(func() {
		pool.Close()
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown: %v", err)
		}
	})
	return pgstore.New(pool, nil), ctx
}

func seedGuild(t *testing.T, ctx context.Context, eng *engine.Engine, st *pgstore.Store, id string) {
	t.Helper()
	master := "m-" + id
	if _, err := eng.OpenAccount(ctx, engine.OpenAccountParams{ID: master}); err != nil {
		t.Fatalf("open %s: %v", master, err)
	}
	if _, err := eng.CreateGuild(ctx, engine.CreateGuildParams{ID: id, ActorID: master, DisplayName: id}); err != nil {
		t.Fatalf("guild %s: %v", id, err)
	}
	if _, err := eng.Purchase(ctx, master, id, 1000); err != nil {
		t.Fatalf("fund %s: %v", id, err)
	}
	err := st.InTx(ctx, func(tx store.Tx) error {
		return tx.SetTrust(ctx, id, 700, trust.GuildLadder.Classify(700))
	})
	if err != nil {
		t.Fatalf("trust %s: %v", id, err)
	}
}

func TestTribunalSettlesOnceAgainstPostgres(t *testing.T) {
	st, ctx := openStore(t)
	eng := engine.New(st, nil).WithAutoRecompute(false)

	if _, err := eng.OpenAccount(ctx, engine.OpenAccountParams{ID: "client"}); err != nil {
		t.Fatalf("open client: %v", err)
	}
	if _, err := eng.Purchase(ctx, "client", "client", 2000); err != nil {
		t.Fatalf("fund client: %v", err)
	}
	seedGuild(t, ctx, eng, st, "guild")
	for i := 1; i <= 5; i++ {
		seedGuild(t, ctx, eng, st, fmt.Sprintf("juror-%d", i))
	}

	b, err := eng.PostBounty(ctx, bounty.PostParams{ClientID: "client", Title: "Migrate storage", RewardCredits: 500, ClientStake: 100, GuildStakeRequired: 400})
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if _, err := eng.AcceptBounty(ctx, "m-guild", b.ID, "guild"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := eng.StartBounty(ctx, "m-guild", b.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := eng.SubmitBounty(ctx, "m-guild", b.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}
	id, err := eng.RaiseDispute(ctx, dispute.RaiseParams{ActorID: "client", BountyID: b.ID, Text: "nothing was migrated"})
	if err != nil {
		t.Fatalf("raise: %v", err)
	}
	if _, err := eng.RequestAIAnalysis(ctx, "client", id); err != nil {
		t.Fatalf("analysis: %v", err)
	}
	jurors, err := eng.EscalateToTribunal(ctx, "client", id)
	if err != nil || len(jurors) != 5 {
		t.Fatalf("escalate: %v %v", jurors, err)
	}

	vote := func(guildID string) error {
		_, err := eng.CastTribunalVote(ctx, tribunal.VoteParams{ActorID: "m-" + guildID, DisputeID: id, GuildID: guildID, Vote: dispute.RulingClientWins, Stake: 50})
		return err
	}
	for _, j := range jurors[:4] {
		if err := vote(j); err != nil {
			t.Fatalf("vote %s: %v", j, err)
		}
	}

	var wg sync.WaitGroup
	settled := make(chan int, 4)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := vote(jurors[4]); err != nil {
			t.Errorf("final vote: %v", err)
		}
	}()
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := eng.SettlePending(ctx)
			if err != nil {
				t.Errorf("settle pending: %v", err)
			}
			settled <- n
		}()
	}
	wg.Wait()
	close(settled)
	total := 0
	for n := range settled {
		total += n
	}
	if total > 1 {
		t.Fatalf("expected at most one sweeper to settle, got %d", total)
	}
	if _, err := eng.SettlePending(ctx); err != nil {
		t.Fatalf("settle pending: %v", err)
	}

	snap, err := eng.GetDisputeState(ctx, id)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if snap.Dispute.Status != dispute.StatusResolved || snap.Dispute.FinalRuling != dispute.RulingClientWins {
		t.Fatalf("expected client_wins resolution, got %+v", snap.Dispute)
	}
	if snap.Bounty.Status != bounty.StatusFailed {
		t.Fatalf("expected bounty failed, got %s", snap.Bounty.Status)
	}

	client, err := eng.Statement(ctx, "client")
	if err != nil {
		t.Fatalf("client statement: %v", err)
	}
	if client.Account.Available != 2500 || client.Account.Staked != 0 {
		t.Fatalf("expected client to recover escrow plus the guild stake, got %+v", client.Account)
	}
	for _, j := range jurors {
		acct, err := eng.GetAccount(ctx, j)
		if err != nil {
			t.Fatalf("juror %s: %v", j, err)
		}
		if acct.Staked != 0 || acct.Available != 1000 {
			t.Fatalf("expected juror %s refunded, got %+v", j, acct)
		}
	}

	err = st.InTx(ctx, func(tx store.Tx) error {
		again, err := tx.ResolveDispute(ctx, id, dispute.RulingGuildWins, 0, 100, time.Now())
		if err != nil {
			return err
		}
		if again {
			t.Errorf("a resolved dispute must not resolve twice")
		}
		var sum ledger.Balance
		sum, err = tx.SumBalances(ctx)
		if err != nil {
			return err
		}
		// 7 welcome bonuses are minted for the client and the six masters;
		// guilds start empty.
		want := int64(2000 + 6*1000 + 7*100)
		if sum.Available+sum.Staked != want {
			t.Errorf("credits not conserved: have %d, want %d", sum.Available+sum.Staked, want)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
}
