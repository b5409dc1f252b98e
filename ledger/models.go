package ledger

import "time"

// EntryType is the business reason for a balance change.
type EntryType string

const (
	// EntryCredit adds external value to available credits (welcome bonus, purchase).
	EntryCredit EntryType = "CREDIT"
	// EntryDebit removes value from available credits to an external party.
	EntryDebit EntryType = "DEBIT"
	// EntryStakeLock moves available credits into staked credits.
	EntryStakeLock EntryType = "STAKE_LOCK"
	// EntryStakeRelease moves staked credits back to available credits.
	EntryStakeRelease EntryType = "STAKE_RELEASE"
	// EntryStakeForfeit removes staked credits that are paid to another account.
	EntryStakeForfeit EntryType = "STAKE_FORFEIT"
	// EntryStakeAward adds forfeited stake from another account to available credits.
	EntryStakeAward EntryType = "STAKE_AWARD"
)

// External reports whether entries of this type change total system value.
func (t EntryType) External() bool {
	return t == EntryCredit || t == EntryDebit
}

// Entry is one immutable row of the credit_transactions log. Each balance
// change writes exactly one entry, carrying the balances that resulted.
type Entry struct {
	ID          string
	AccountID   string
	Type        EntryType
	Amount      int64
	Available   int64
	Staked      int64
	Reference   string
	Description string
	PrevHash    []byte
	Hash        []byte
	CreatedAt   time.Time
}

// Ref annotates an operation with the entity it belongs to.
type Ref struct {
	Reference   string
	Description string
}

// Transfer moves staked credits from one account to another account's
// available credits.
type Transfer struct {
	From   string
	To     string
	Amount int64
	Ref    Ref
}

// Balance is a reconstructed account balance.
type Balance struct {
	Available int64
	Staked    int64
}
