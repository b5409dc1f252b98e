// Package ledger is the escrow ledger: the only component allowed to change
// account balances. Every operation runs inside the caller's transaction,
// locks the touched account rows, and appends one audit entry per balance
// change before returning.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"guildhall/account"
	"guildhall/fault"
	"guildhall/metrics"
)

var (
	// ErrInsufficientFunds signals available credits do not cover the amount.
	ErrInsufficientFunds = fault.New(fault.ErrInsufficientFunds, "ledger: insufficient funds")
	// ErrInvalidAmount signals a negative amount.
	ErrInvalidAmount = fault.New(fault.ErrValidation, "ledger: amount must not be negative")
	// ErrStakeUnderflow signals an attempt to release or transfer more than
	// is staked. It is always a caller bug.
	ErrStakeUnderflow = fault.New(fault.ErrInvariantViolation, "ledger: stake underflow")
	// ErrSelfTransfer signals a transfer whose source and destination match.
	ErrSelfTransfer = fault.New(fault.ErrInvariantViolation, "ledger: transfer to self")
)

// Store is the persistence the ledger needs inside one transaction.
type Store interface {
	// LockAccount loads the account and holds its row lock until the
	// transaction ends.
	LockAccount(ctx context.Context, id string) (account.Account, error)
	SetBalances(ctx context.Context, id string, available, staked int64) error
	LastEntryHash(ctx context.Context, accountID string) ([]byte, error)
	AppendEntry(ctx context.Context, e Entry) error
}

// Ledger applies balance operations.
type Ledger struct {
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// New builds a ledger that logs invariant violations to logger.
func New(logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		logger: logger,
		now:    time.Now,
		newID:  func() string { return uuid.NewString() },
	}
}

func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

func (l *Ledger) WithIDGenerator(gen func() string) *Ledger {
	l.newID = gen
	return l
}

// Credit adds amount of external value to the account.
func (l *Ledger) Credit(ctx context.Context, s Store, accountID string, amount int64, ref Ref) (Entry, error) {
	return l.apply(ctx, s, accountID, EntryCredit, amount, ref, func(a *account.Account) error {
		if a.Available+a.Staked > math.MaxInt64-amount {
			return fault.New(fault.ErrValidation, "ledger: credit of %d overflows account %s", amount, accountID)
		}
		a.Available += amount
		return nil
	})
}

// Debit removes amount from available credits to an external party.
func (l *Ledger) Debit(ctx context.Context, s Store, accountID string, amount int64, ref Ref) (Entry, error) {
	return l.apply(ctx, s, accountID, EntryDebit, amount, ref, func(a *account.Account) error {
		if a.Available < amount {
			return ErrInsufficientFunds
		}
		a.Available -= amount
		return nil
	})
}

// LockStake moves amount from available to staked credits.
func (l *Ledger) LockStake(ctx context.Context, s Store, accountID string, amount int64, ref Ref) (Entry, error) {
	return l.apply(ctx, s, accountID, EntryStakeLock, amount, ref, func(a *account.Account) error {
		if a.Available < amount {
			return ErrInsufficientFunds
		}
		a.Available -= amount
		a.Staked += amount
		return nil
	})
}

// ReleaseStake moves amount from staked back to available credits.
func (l *Ledger) ReleaseStake(ctx context.Context, s Store, accountID string, amount int64, ref Ref) (Entry, error) {
	return l.apply(ctx, s, accountID, EntryStakeRelease, amount, ref, func(a *account.Account) error {
		if a.Staked < amount {
			return l.violation(ErrStakeUnderflow, "release", a.ID, amount, a.Staked)
		}
		a.Staked -= amount
		a.Available += amount
		return nil
	})
}

// TransferStake releases amount of from's stake and credits it to to's
// available credits. Both balance changes are logged.
func (l *Ledger) TransferStake(ctx context.Context, s Store, t Transfer) ([]Entry, error) {
	if t.Amount == 0 {
		return nil, nil
	}
	if t.From == t.To {
		return nil, l.violation(ErrSelfTransfer, "transfer", t.From, t.Amount, 0)
	}
	if err := l.LockAccounts(ctx, s, t.From, t.To); err != nil {
		return nil, err
	}

	outRef := Ref{Reference: t.Ref.Reference, Description: describe(t.Ref.Description, "to "+t.To)}
	out, err := l.apply(ctx, s, t.From, EntryStakeForfeit, t.Amount, outRef, func(a *account.Account) error {
		if a.Staked < t.Amount {
			return l.violation(ErrStakeUnderflow, "transfer", a.ID, t.Amount, a.Staked)
		}
		a.Staked -= t.Amount
		return nil
	})
	if err != nil {
		return nil, err
	}

	inRef := Ref{Reference: t.Ref.Reference, Description: describe(t.Ref.Description, "from "+t.From)}
	in, err := l.apply(ctx, s, t.To, EntryStakeAward, t.Amount, inRef, func(a *account.Account) error {
		a.Available += t.Amount
		return nil
	})
	if err != nil {
		return nil, err
	}
	return []Entry{out, in}, nil
}

// LockAccounts takes row locks on every id in ascending order so that
// concurrent multi-account operations cannot deadlock.
func (l *Ledger) LockAccounts(ctx context.Context, s Store, ids ...string) error {
	sorted := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)
	for _, id := range sorted {
		if _, err := s.LockAccount(ctx, id); err != nil {
			return fmt.Errorf("ledger: lock %s: %w", id, err)
		}
	}
	return nil
}

func (l *Ledger) apply(ctx context.Context, s Store, accountID string, typ EntryType, amount int64, ref Ref, mutate func(*account.Account) error) (Entry, error) {
	if amount < 0 {
		return Entry{}, ErrInvalidAmount
	}
	if amount == 0 {
		return Entry{}, nil
	}

	acct, err := s.LockAccount(ctx, accountID)
	if err != nil {
		return Entry{}, err
	}
	if err := mutate(&acct); err != nil {
		metrics.RecordLedgerOperation(string(typ), false)
		return Entry{}, err
	}
	if acct.Available < 0 || acct.Staked < 0 {
		return Entry{}, l.violation(fault.New(fault.ErrInvariantViolation, "ledger: negative balance"), string(typ), acct.ID, amount, acct.Staked)
	}

	if err := s.SetBalances(ctx, acct.ID, acct.Available, acct.Staked); err != nil {
		return Entry{}, fmt.Errorf("ledger: set balances: %w", err)
	}

	prev, err := s.LastEntryHash(ctx, acct.ID)
	if err != nil {
		return Entry{}, fmt.Errorf("ledger: last entry hash: %w", err)
	}
	entry := Entry{
		ID:          l.newID(),
		AccountID:   acct.ID,
		Type:        typ,
		Amount:      amount,
		Available:   acct.Available,
		Staked:      acct.Staked,
		Reference:   ref.Reference,
		Description: ref.Description,
		PrevHash:    prev,
		CreatedAt:   l.now().UTC().Truncate(time.Microsecond),
	}
	entry.Hash = HashEntry(entry)

	if err := s.AppendEntry(ctx, entry); err != nil {
		return Entry{}, fmt.Errorf("ledger: append entry: %w", err)
	}
	metrics.RecordLedgerOperation(string(typ), true)
	return entry, nil
}

func (l *Ledger) violation(err error, op, accountID string, amount, staked int64) error {
	l.logger.Error("ledger invariant violated",
		"fatal", true,
		"op", op,
		"accountID", accountID,
		"amount", amount,
		"staked", staked,
		"error", err,
	)
	metrics.RecordInvariantViolation("ledger")
	return err
}

func describe(base, suffix string) string {
	if base == "" {
		return suffix
	}
	return base + " (" + suffix + ")"
}
