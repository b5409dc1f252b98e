package ledger

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/blake2b"

	"guildhall/fault"
)

// ErrReconcile signals the log does not reproduce the recorded balances.
var ErrReconcile = fault.New(fault.ErrInvariantViolation, "ledger: reconciliation failed")

// HashEntry chains an entry to its predecessor. The hash covers every
// field except Hash itself.
func HashEntry(e Entry) []byte {
	h, _ := blake2b.New256(nil)
	writeField := func(b []byte) {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(b)))
		h.Write(n[:])
		h.Write(b)
	}
	writeInt := func(v int64) {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(v))
		h.Write(n[:])
	}

	writeField(e.PrevHash)
	writeField([]byte(e.ID))
	writeField([]byte(e.AccountID))
	writeField([]byte(e.Type))
	writeInt(e.Amount)
	writeInt(e.Available)
	writeInt(e.Staked)
	writeField([]byte(e.Reference))
	writeField([]byte(e.Description))
	writeInt(e.CreatedAt.UTC().UnixNano())
	return h.Sum(nil)
}

// Effect returns how an entry changes available and staked credits.
func Effect(typ EntryType, amount int64) (available, staked int64, err error) {
	switch typ {
	case EntryCredit, EntryStakeAward:
		return amount, 0, nil
	case EntryDebit:
		return -amount, 0, nil
	case EntryStakeLock:
		return -amount, amount, nil
	case EntryStakeRelease:
		return amount, -amount, nil
	case EntryStakeForfeit:
		return 0, -amount, nil
	default:
		return 0, 0, fmt.Errorf("ledger: unknown entry type %q", typ)
	}
}

// Reconcile replays one account's entries, oldest first, starting from a
// zero balance. It verifies that each entry's recorded balances follow from
// its predecessors and that the hash chain is intact.
func Reconcile(entries []Entry) (Balance, error) {
	var (
		bal  Balance
		prev []byte
	)
	for i, e := range entries {
		da, ds, err := Effect(e.Type, e.Amount)
		if err != nil {
			return Balance{}, err
		}
		bal.Available += da
		bal.Staked += ds
		if bal.Available != e.Available || bal.Staked != e.Staked {
			return Balance{}, fmt.Errorf("%w: entry %d (%s) records %d/%d, replay gives %d/%d",
				ErrReconcile, i, e.ID, e.Available, e.Staked, bal.Available, bal.Staked)
		}
		if !bytes.Equal(e.PrevHash, prev) {
			return Balance{}, fmt.Errorf("%w: entry %d (%s) breaks the hash chain", ErrReconcile, i, e.ID)
		}
		if !bytes.Equal(HashEntry(e), e.Hash) {
			return Balance{}, fmt.Errorf("%w: entry %d (%s) hash mismatch", ErrReconcile, i, e.ID)
		}
		prev = e.Hash
	}
	return bal, nil
}

// NetExternal sums the value entering (positive) or leaving (negative) the
// system through entries. Internal entries contribute zero in aggregate.
func NetExternal(entries []Entry) int64 {
	var net int64
	for _, e := range entries {
		switch e.Type {
		case EntryCredit:
			net += e.Amount
		case EntryDebit:
			net -= e.Amount
		}
	}
	return net
}
