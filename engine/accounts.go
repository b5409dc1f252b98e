package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"guildhall/account"
	"guildhall/bounty"
	"guildhall/fault"
	"guildhall/ledger"
	"guildhall/metrics"
	"guildhall/notify"
	"guildhall/store"
)

var (
	ErrForbidden     = fault.New(fault.ErrAuthorization, "engine: actor may not operate this account")
	ErrInvalidAmount = fault.New(fault.ErrValidation, "engine: amount must be positive")
)

// OpenAccountParams create a user account. An empty ID is generated.
type OpenAccountParams struct {
	ID          string
	DisplayName string
}

// CreateGuildParams create a guild with the actor as its master.
type CreateGuildParams struct {
	ID          string
	ActorID     string
	DisplayName string
	OfficerIDs  []string
	MemberIDs   []string
}

// Statement is an account with its ledger history and the balance that
// history reconstructs to.
type Statement struct {
	Account    account.Account
	Entries    []ledger.Entry
	Reconciled ledger.Balance
}

// OpenAccount creates a user, credits the welcome bonus and scores the
// empty history.
func (e *Engine) OpenAccount(ctx context.Context, p OpenAccountParams) (acct account.Account, err error) {
	ctx, end := e.span(ctx, "OpenAccount")
	defer func() { end(err) }()

	if p.ID == "" {
		p.ID = e.newID()
	}
	now := e.now().UTC()
	err = e.inTx(ctx, func(tx store.Tx) error {
		a := account.Account{
			ID:           p.ID,
			Kind:         account.KindUser,
			DisplayName:  strings.TrimSpace(p.DisplayName),
			Rank:         account.LadderFor(account.KindUser).Floor,
			LastActiveAt: now,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := tx.InsertAccount(ctx, a); err != nil {
			return fmt.Errorf("engine: insert account: %w", err)
		}
		if e.welcomeBonus > 0 {
			ref := ledger.Ref{Reference: a.ID, Description: "welcome bonus"}
			if _, err := e.ledger.Credit(ctx, tx, a.ID, e.welcomeBonus, ref); err != nil {
				return err
			}
		}
		if _, err := account.Recompute(ctx, tx, a.ID, e.newID, now); err != nil {
			return err
		}
		acct, err = tx.GetAccount(ctx, a.ID)
		return err
	})
	return acct, err
}

// CreateGuild creates a guild account owned by the actor.
func (e *Engine) CreateGuild(ctx context.Context, p CreateGuildParams) (acct account.Account, err error) {
	ctx, end := e.span(ctx, "CreateGuild", attribute.String("actor_id", p.ActorID))
	defer func() { end(err) }()

	if p.ID == "" {
		p.ID = e.newID()
	}
	g := account.Guild{ID: p.ID, MasterID: p.ActorID, OfficerIDs: p.OfficerIDs, MemberIDs: p.MemberIDs}
	if err := g.Validate(); err != nil {
		return account.Account{}, err
	}
	now := e.now().UTC()
	err = e.inTx(ctx, func(tx store.Tx) error {
		for _, id := range everyone(g) {
			u, err := tx.GetAccount(ctx, id)
			if err != nil {
				return err
			}
			if u.Kind != account.KindUser {
				return fault.New(fault.ErrValidation, "engine: guild member %s is not a user", id)
			}
		}
		a := account.Account{
			ID:           g.ID,
			Kind:         account.KindGuild,
			DisplayName:  strings.TrimSpace(p.DisplayName),
			Rank:         account.LadderFor(account.KindGuild).Floor,
			LastActiveAt: now,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := tx.InsertAccount(ctx, a); err != nil {
			return fmt.Errorf("engine: insert guild account: %w", err)
		}
		if err := tx.InsertGuild(ctx, g); err != nil {
			return fmt.Errorf("engine: insert guild: %w", err)
		}
		if _, err := account.Recompute(ctx, tx, a.ID, e.newID, now); err != nil {
			return err
		}
		acct, err = tx.GetAccount(ctx, a.ID)
		return err
	})
	if err == nil {
		// Membership feeds the user scores of everyone in the guild.
		e.scheduleRecompute(everyone(g)...)
	}
	return acct, err
}

// GetAccount loads an account.
func (e *Engine) GetAccount(ctx context.Context, id string) (acct account.Account, err error) {
	err = e.inTx(ctx, func(tx store.Tx) error {
		acct, err = tx.GetAccount(ctx, id)
		return err
	})
	return acct, err
}

// Purchase credits an account with externally bought credits. Users buy
// for themselves; a guild's master or officers buy for the guild.
func (e *Engine) Purchase(ctx context.Context, actorID, accountID string, amount int64) (entry ledger.Entry, err error) {
	ctx, end := e.span(ctx, "Purchase", attribute.String("account_id", accountID), attribute.Int64("amount", amount))
	defer func() { end(err) }()

	if amount <= 0 {
		return ledger.Entry{}, ErrInvalidAmount
	}
	err = e.inTx(ctx, func(tx store.Tx) error {
		if err := authorizeAccount(ctx, tx, actorID, accountID, false); err != nil {
			return err
		}
		entry, err = e.ledger.Credit(ctx, tx, accountID, amount, ledger.Ref{Reference: actorID, Description: "credit purchase"})
		return err
	})
	return entry, err
}

// Withdraw removes available credits from the system. Only a guild's master
// withdraws for the guild.
func (e *Engine) Withdraw(ctx context.Context, actorID, accountID string, amount int64) (entry ledger.Entry, err error) {
	ctx, end := e.span(ctx, "Withdraw", attribute.String("account_id", accountID), attribute.Int64("amount", amount))
	defer func() { end(err) }()

	if amount <= 0 {
		return ledger.Entry{}, ErrInvalidAmount
	}
	err = e.inTx(ctx, func(tx store.Tx) error {
		if err := authorizeAccount(ctx, tx, actorID, accountID, true); err != nil {
			return err
		}
		entry, err = e.ledger.Debit(ctx, tx, accountID, amount, ledger.Ref{Reference: actorID, Description: "withdrawal"})
		return err
	})
	return entry, err
}

// Statement returns the account's entries and checks they reconstruct the
// stored balance.
func (e *Engine) Statement(ctx context.Context, accountID string) (st Statement, err error) {
	ctx, end := e.span(ctx, "Statement", attribute.String("account_id", accountID))
	defer func() { end(err) }()

	err = e.inTx(ctx, func(tx store.Tx) error {
		acct, err := tx.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		entries, err := tx.ListEntries(ctx, accountID)
		if err != nil {
			return fmt.Errorf("engine: list entries: %w", err)
		}
		bal, err := ledger.Reconcile(entries)
		if err != nil {
			metrics.RecordInvariantViolation("ledger")
			e.logger.Error("ledger chain broken", "fatal", true, "accountID", accountID, "error", err)
			return err
		}
		if bal.Available != acct.Available || bal.Staked != acct.Staked {
			metrics.RecordInvariantViolation("ledger")
			e.logger.Error("balance differs from ledger", "fatal", true, "accountID", accountID,
				"available", acct.Available, "staked", acct.Staked, "ledgerAvailable", bal.Available, "ledgerStaked", bal.Staked)
			return fmt.Errorf("%w: account %s balance differs from its entries", ledger.ErrReconcile, accountID)
		}
		st = Statement{Account: acct, Entries: entries, Reconciled: bal}
		return nil
	})
	return st, err
}

// TrustHistory returns the account's most recent trust events.
func (e *Engine) TrustHistory(ctx context.Context, accountID string, limit int) (events []account.TrustEvent, err error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	err = e.inTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetAccount(ctx, accountID); err != nil {
			return err
		}
		events, err = tx.ListTrustEvents(ctx, accountID, limit)
		return err
	})
	return events, err
}

func (e *Engine) PostBounty(ctx context.Context, p bounty.PostParams) (b bounty.Bounty, err error) {
	ctx, end := e.span(ctx, "PostBounty", attribute.String("client_id", p.ClientID))
	defer func() { end(err) }()
	err = e.inTx(ctx, func(tx store.Tx) error {
		b, err = e.bounties.Post(ctx, tx, p)
		return err
	})
	return b, err
}

func (e *Engine) AcceptBounty(ctx context.Context, actorID, bountyID, guildID string) (b bounty.Bounty, err error) {
	ctx, end := e.span(ctx, "AcceptBounty", attribute.String("bounty_id", bountyID), attribute.String("guild_id", guildID))
	defer func() { end(err) }()
	err = e.inTx(ctx, func(tx store.Tx) error {
		b, err = e.bounties.Accept(ctx, tx, actorID, bountyID, guildID)
		return err
	})
	return b, err
}

func (e *Engine) StartBounty(ctx context.Context, actorID, bountyID string) (bounty.Bounty, error) {
	return e.bountyStep(ctx, "StartBounty", bountyID, func(tx store.Tx) (bounty.Bounty, error) {
		return e.bounties.Start(ctx, tx, actorID, bountyID)
	})
}

func (e *Engine) SubmitBounty(ctx context.Context, actorID, bountyID string) (bounty.Bounty, error) {
	return e.bountyStep(ctx, "SubmitBounty", bountyID, func(tx store.Tx) (bounty.Bounty, error) {
		return e.bounties.Submit(ctx, tx, actorID, bountyID)
	})
}

func (e *Engine) ReviewBounty(ctx context.Context, actorID, bountyID string) (bounty.Bounty, error) {
	return e.bountyStep(ctx, "ReviewBounty", bountyID, func(tx store.Tx) (bounty.Bounty, error) {
		return e.bounties.BeginReview(ctx, tx, actorID, bountyID)
	})
}

func (e *Engine) CancelBounty(ctx context.Context, actorID, bountyID string) (bounty.Bounty, error) {
	return e.bountyStep(ctx, "CancelBounty", bountyID, func(tx store.Tx) (bounty.Bounty, error) {
		return e.bounties.Cancel(ctx, tx, actorID, bountyID)
	})
}

// ApproveBounty completes a bounty and refreshes both parties' trust.
func (e *Engine) ApproveBounty(ctx context.Context, p bounty.ApproveParams) (bounty.Bounty, error) {
	b, err := e.bountyStep(ctx, "ApproveBounty", p.BountyID, func(tx store.Tx) (bounty.Bounty, error) {
		return e.bounties.Approve(ctx, tx, p)
	})
	if err == nil {
		e.scheduleRecompute(b.ClientID, b.AcceptedByGuildID)
	}
	return b, err
}

// GetBounty loads a bounty.
func (e *Engine) GetBounty(ctx context.Context, id string) (b bounty.Bounty, err error) {
	err = e.inTx(ctx, func(tx store.Tx) error {
		b, err = tx.GetBounty(ctx, id)
		return err
	})
	return b, err
}

func (e *Engine) bountyStep(ctx context.Context, op, bountyID string, fn func(tx store.Tx) (bounty.Bounty, error)) (b bounty.Bounty, err error) {
	ctx, end := e.span(ctx, op, attribute.String("bounty_id", bountyID))
	defer func() { end(err) }()
	err = e.inTx(ctx, func(tx store.Tx) error {
		b, err = fn(tx)
		return err
	})
	return b, err
}

func (e *Engine) ListNotifications(ctx context.Context, userID string, limit int) (out []notify.Notification, err error) {
	err = e.inTx(ctx, func(tx store.Tx) error {
		out, err = e.notes.List(ctx, tx, userID, limit)
		return err
	})
	return out, err
}

func (e *Engine) MarkNotificationRead(ctx context.Context, userID, id string) error {
	return e.inTx(ctx, func(tx store.Tx) error {
		return e.notes.MarkRead(ctx, tx, userID, id)
	})
}

// PurgeNotifications deletes expired notifications.
func (e *Engine) PurgeNotifications(ctx context.Context) (n int64, err error) {
	err = e.inTx(ctx, func(tx store.Tx) error {
		n, err = e.notes.Purge(ctx, tx)
		return err
	})
	return n, err
}

// SpeaksFor reports whether the actor may read a private view of the
// account: the account itself, or a guild's master or officer.
func (e *Engine) SpeaksFor(ctx context.Context, actorID, accountID string) bool {
	err := e.inTx(ctx, func(tx store.Tx) error {
		return authorizeAccount(ctx, tx, actorID, accountID, false)
	})
	return err == nil
}

// authorizeAccount allows a user to act on itself and a guild's master
// (and, unless masterOnly, its officers) to act on the guild.
func authorizeAccount(ctx context.Context, tx store.Tx, actorID, accountID string, masterOnly bool) error {
	if actorID == "" {
		return ErrForbidden
	}
	if actorID == accountID {
		return nil
	}
	g, err := tx.GetGuild(ctx, accountID)
	if err != nil {
		if errors.Is(err, account.ErrNotGuild) || account.IsNotFound(err) {
			return ErrForbidden
		}
		return err
	}
	if g.MasterID == actorID || (!masterOnly && g.CanSpeakFor(actorID)) {
		return nil
	}
	return ErrForbidden
}

func everyone(g account.Guild) []string {
	ids := make([]string, 0, g.Size())
	ids = append(ids, g.MasterID)
	ids = append(ids, g.OfficerIDs...)
	return append(ids, g.MemberIDs...)
}
