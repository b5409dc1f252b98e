// Package store defines the transactional persistence contract shared by
// the Postgres and in-memory backends. Domain packages each declare the
// narrow slice of it they need; Tx is the union.
package store

import (
	"context"

	"guildhall/account"
	"guildhall/bounty"
	"guildhall/decay"
	"guildhall/dispute"
	"guildhall/fault"
	"guildhall/ledger"
	"guildhall/notify"
	"guildhall/settlement"
	"guildhall/tribunal"
)

// ErrConflict signals a uniqueness violation.
var ErrConflict = fault.New(fault.ErrConflict, "store: conflicting record")

// Tx is every operation available inside one transaction.
type Tx interface {
	account.Reader
	account.Writer
	account.StatsStore
	account.TrustStore
	ledger.Store
	bounty.Store
	dispute.Store
	tribunal.Store
	settlement.Store
	notify.Store
	decay.Store

	// ListEntries returns an account's ledger entries, oldest first.
	ListEntries(ctx context.Context, accountID string) ([]ledger.Entry, error)
	ListTrustEvents(ctx context.Context, accountID string, limit int) ([]account.TrustEvent, error)
	// SumBalances totals available and staked credits over all accounts.
	SumBalances(ctx context.Context) (ledger.Balance, error)
}

// Store runs transactions. fn's writes commit only when it returns nil.
type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
	Close()
}
