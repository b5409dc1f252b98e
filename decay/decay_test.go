package decay_test

import (
	"context"
	"testing"
	"time"

	"guildhall/account"
	"guildhall/decay"
	"guildhall/memstore"
	"guildhall/store"
	"guildhall/trust"
)

func runInTx(st *memstore.Store) decay.RunInTx {
	return func(ctx context.Context, fn func(decay.Store) error) error {
		return st.InTx(ctx, func(tx store.Tx) error { return fn(tx) })
	}
}

func TestSweepDecaysInactiveAccountsOnce(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	err := st.InTx(ctx, func(tx store.Tx) error {
		for _, a := range []account.Account{
			{ID: "idle", Kind: account.KindUser, TrustScore: 405, Rank: trust.RankVeteran, LastActiveAt: now.AddDate(0, 0, -45)},
			{ID: "busy", Kind: account.KindUser, TrustScore: 500, Rank: trust.RankVeteran, LastActiveAt: now.AddDate(0, 0, -2)},
			{ID: "zero", Kind: account.KindUser, TrustScore: 0, Rank: trust.RankRookie, LastActiveAt: now.AddDate(0, -6, 0)},
			{ID: "nearly", Kind: account.KindUser, TrustScore: 4, Rank: trust.RankRookie, LastActiveAt: now.AddDate(0, -6, 0)},
		} {
			if err := tx.InsertAccount(ctx, a); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	s := decay.NewScheduler(decay.Config{Interval: 24 * time.Hour, Inactivity: 30 * 24 * time.Hour, Points: 10}, runInTx(st), nil).
		WithClock(func() time.Time { return now })

	n, err := s.Sweep(ctx)
	if err != nil || n != 2 {
		t.Fatalf("expected two accounts decayed, got %d %v", n, err)
	}

	_ = st.InTx(ctx, func(tx store.Tx) error {
		idle, _ := tx.GetAccount(ctx, "idle")
		if idle.TrustScore != 395 || idle.Rank != trust.RankRookie {
			t.Fatalf("expected idle demoted to 395 rookie, got %d %s", idle.TrustScore, idle.Rank)
		}
		nearly, _ := tx.GetAccount(ctx, "nearly")
		if nearly.TrustScore != 0 {
			t.Fatalf("expected score clamped at zero, got %d", nearly.TrustScore)
		}
		busy, _ := tx.GetAccount(ctx, "busy")
		if busy.TrustScore != 500 {
			t.Fatalf("active account decayed: %d", busy.TrustScore)
		}
		events, _ := tx.ListTrustEvents(ctx, "idle", 0)
		if len(events) != 2 || events[1].Type != account.EventDecay || events[0].Type != account.EventRankDown {
			t.Fatalf("expected decay then rank-down events, got %+v", events)
		}
		return nil
	})

	if n, err := s.Sweep(ctx); err != nil || n != 0 {
		t.Fatalf("expected no second decay in the same interval, got %d %v", n, err)
	}
	now = now.Add(24 * time.Hour)
	if n, err := s.Sweep(ctx); err != nil || n != 1 {
		t.Fatalf("expected idle decayed again a day later, got %d %v", n, err)
	}
}

func TestDecaySurvivesRecompute(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	newID := func() string { return "ev" }

	var baseline int
	err := st.InTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertAccount(ctx, account.Account{ID: "quiet", Kind: account.KindUser, LastActiveAt: now.AddDate(0, -2, 0)}); err != nil {
			return err
		}
		if err := tx.AddStats(ctx, "quiet", account.StatsDelta{Completed: 12, RatingSum: 54, RatingCount: 12, DisputesWon: 1}); err != nil {
			return err
		}
		change, err := account.Recompute(ctx, tx, "quiet", newID, now)
		baseline = change.ScoreAfter
		return err
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if baseline <= 10 {
		t.Fatalf("expected a baseline score above the decay step, got %d", baseline)
	}

	s := decay.NewScheduler(decay.Config{Interval: 24 * time.Hour, Inactivity: 30 * 24 * time.Hour, Points: 10}, runInTx(st), nil).
		WithClock(func() time.Time { return now })
	if n, err := s.Sweep(ctx); err != nil || n != 1 {
		t.Fatalf("expected one decay, got %d %v", n, err)
	}

	err = st.InTx(ctx, func(tx store.Tx) error {
		stats, err := tx.GetStats(ctx, "quiet")
		if err != nil {
			return err
		}
		if stats.PenaltyPoints != 10 {
			t.Fatalf("expected 10 penalty points recorded, got %d", stats.PenaltyPoints)
		}
		change, err := account.Recompute(ctx, tx, "quiet", newID, now)
		if err != nil {
			return err
		}
		if change.ScoreAfter != baseline-10 {
			t.Fatalf("expected recompute to keep the decay at %d, got %d", baseline-10, change.ScoreAfter)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
}

func TestDue(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	inactiveBefore := now.AddDate(0, 0, -30)
	decayedBefore := now.Add(-12 * time.Hour)
	recent := now.Add(-time.Hour)
	old := now.AddDate(0, 0, -2)

	cases := []struct {
		name string
		acct account.Account
		want bool
	}{
		{"inactive", account.Account{TrustScore: 10, LastActiveAt: now.AddDate(0, 0, -31)}, true},
		{"active", account.Account{TrustScore: 10, LastActiveAt: now.AddDate(0, 0, -29)}, false},
		{"zero score", account.Account{TrustScore: 0, LastActiveAt: now.AddDate(0, 0, -31)}, false},
		{"decayed this interval", account.Account{TrustScore: 10, LastActiveAt: now.AddDate(0, 0, -31), LastDecayAt: &recent}, false},
		{"decayed long ago", account.Account{TrustScore: 10, LastActiveAt: now.AddDate(0, 0, -31), LastDecayAt: &old}, true},
	}
	for _, tc := range cases {
		if got := decay.Due(tc.acct, inactiveBefore, decayedBefore); got != tc.want {
			t.Errorf("%s: Due = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestRunExecutesJobsUntilCancelled(t *testing.T) {
	st := memstore.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ran := make(chan struct{}, 1)
	s := decay.NewScheduler(decay.Config{Interval: 5 * time.Millisecond}, runInTx(st), nil).
		WithJob(decay.Job{Name: "heartbeat", Run: func(context.Context) error {
			select {
			case ran <- struct{}{}:
			default:
			}
			return nil
		}})

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatalf("job never ran")
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("scheduler did not stop")
	}
}
