// Package settlement turns a final ruling into balance movements. Planning
// is pure; Execute applies a plan through the ledger inside the caller's
// transaction so that a failure anywhere aborts all of it.
package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"guildhall/account"
	"guildhall/bounty"
	"guildhall/dispute"
	"guildhall/ledger"
)

// Store is what one settlement touches.
type Store interface {
	ledger.Store
	bounty.Store
	account.TrustStore
	account.StatsStore
}

// Result reports what Execute did.
type Result struct {
	Plan    Plan
	Bounty  bounty.Bounty
	Penalty *account.TrustChange
}

// Engine executes settlement plans.
type Engine struct {
	ledger *ledger.Ledger
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

func NewEngine(l *ledger.Ledger, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		ledger: l,
		logger: logger,
		now:    time.Now,
		newID:  func() string { return uuid.NewString() },
	}
}

func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

func (e *Engine) WithIDGenerator(gen func() string) *Engine {
	e.newID = gen
	return e
}

// Execute applies plan for d. It must run in the same transaction that
// moved the dispute to resolved, and only when that move succeeded.
func (e *Engine) Execute(ctx context.Context, s Store, d dispute.Dispute, plan Plan) (Result, error) {
	if plan.DisputeID != d.ID {
		return Result{}, fmt.Errorf("settlement: plan for %s applied to %s", plan.DisputeID, d.ID)
	}
	ids := []string{d.ClientID, d.GuildID}
	for _, j := range plan.Jurors {
		ids = append(ids, j.GuildID)
	}
	if err := e.ledger.LockAccounts(ctx, s, ids...); err != nil {
		return Result{}, err
	}

	for _, r := range plan.Releases {
		ref := ledger.Ref{Reference: d.ID, Description: "settlement release"}
		if _, err := e.ledger.ReleaseStake(ctx, s, r.AccountID, r.Amount, ref); err != nil {
			return Result{}, fmt.Errorf("settlement: release %s: %w", r.AccountID, err)
		}
	}
	for _, t := range plan.Transfers {
		if _, err := e.ledger.TransferStake(ctx, s, t); err != nil {
			return Result{}, fmt.Errorf("settlement: transfer %s -> %s: %w", t.From, t.To, err)
		}
	}

	now := e.now().UTC()
	b, err := dispute.CloseBounty(ctx, s, d, plan.BountyStatus, now)
	if err != nil {
		return Result{}, err
	}

	res := Result{Plan: plan, Bounty: b}
	guildStats := plan.GuildStats
	if plan.GuildPenalty > 0 {
		guild, err := s.LockAccount(ctx, d.GuildID)
		if err != nil {
			return Result{}, err
		}
		note := fmt.Sprintf("lost dispute %s", d.ID)
		change, err := account.ApplyTrust(ctx, s, d.GuildID, guild.TrustScore-plan.GuildPenalty, account.EventPenalty, note, e.newID, now)
		if err != nil {
			return Result{}, fmt.Errorf("settlement: penalty: %w", err)
		}
		guildStats.PenaltyPoints += change.ScoreBefore - change.ScoreAfter
		res.Penalty = &change
	}

	if err := s.AddStats(ctx, d.ClientID, plan.ClientStats); err != nil {
		return Result{}, fmt.Errorf("settlement: client stats: %w", err)
	}
	if err := s.AddStats(ctx, d.GuildID, guildStats); err != nil {
		return Result{}, fmt.Errorf("settlement: guild stats: %w", err)
	}
	for _, id := range []string{d.ClientID, d.GuildID} {
		if err := s.RecordActivity(ctx, id, now); err != nil {
			return Result{}, fmt.Errorf("settlement: record activity: %w", err)
		}
	}

	e.logger.Info("dispute settled",
		"disputeID", d.ID,
		"ruling", plan.Ruling,
		"releases", len(plan.Releases),
		"transfers", len(plan.Transfers),
		"bountyStatus", b.Status,
	)
	return res, nil
}
