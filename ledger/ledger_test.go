package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"testing"
	"time"

	"guildhall/account"
	"guildhall/fault"
)

func TestLockStake_InsufficientFundsLeavesNoTrace(t *testing.T) {
	store := newFakeStore(map[string]int64{"guild-1": 400})
	l := newTestLedger()

	_, err := l.LockStake(context.Background(), store, "guild-1", 1000, Ref{Reference: "dispute-1"})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if !errors.Is(err, fault.ErrInsufficientFunds) {
		t.Fatalf("expected category ErrInsufficientFunds, got %v", err)
	}

	acct := store.accounts["guild-1"]
	if acct.Available != 400 || acct.Staked != 0 {
		t.Fatalf("expected balances untouched, got %d/%d", acct.Available, acct.Staked)
	}
	if len(store.entries["guild-1"]) != 0 {
		t.Fatalf("expected no ledger entry, got %d", len(store.entries["guild-1"]))
	}
}

func TestReleaseStake_UnderflowIsInvariantViolation(t *testing.T) {
	store := newFakeStore(map[string]int64{"user-1": 100})
	l := newTestLedger()
	ctx := context.Background()

	if _, err := l.LockStake(ctx, store, "user-1", 60, Ref{}); err != nil {
		t.Fatalf("lock: %v", err)
	}
	_, err := l.ReleaseStake(ctx, store, "user-1", 61, Ref{})
	if !errors.Is(err, fault.ErrInvariantViolation) {
		t.Fatalf("expected invariant violation, got %v", err)
	}
	if !fault.IsInternal(err) {
		t.Fatalf("expected error to be internal")
	}
	if acct := store.accounts["user-1"]; acct.Available != 40 || acct.Staked != 60 {
		t.Fatalf("expected 40/60, got %d/%d", acct.Available, acct.Staked)
	}
}

func TestApply_RejectsNegativeAmount(t *testing.T) {
	store := newFakeStore(map[string]int64{"user-1": 100})
	_, err := newTestLedger().Credit(context.Background(), store, "user-1", -5, Ref{})
	if !errors.Is(err, fault.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCredit_RejectsBalanceOverflow(t *testing.T) {
	store := newFakeStore(map[string]int64{"user-1": math.MaxInt64 - 10})
	_, err := newTestLedger().Credit(context.Background(), store, "user-1", 11, Ref{})
	if !errors.Is(err, fault.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if acct := store.accounts["user-1"]; acct.Available != math.MaxInt64-10 {
		t.Fatalf("expected balance untouched, got %d", acct.Available)
	}
}

func TestApply_ZeroAmountIsNoop(t *testing.T) {
	store := newFakeStore(map[string]int64{"user-1": 100})
	entry, err := newTestLedger().LockStake(context.Background(), store, "user-1", 0, Ref{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if entry.ID != "" || len(store.entries["user-1"]) != 0 {
		t.Fatalf("expected no entry for zero amount")
	}
}

func TestTransferStake_MovesValueBetweenAccounts(t *testing.T) {
	store := newFakeStore(map[string]int64{"a": 500, "b": 0})
	l := newTestLedger()
	ctx := context.Background()

	if _, err := l.LockStake(ctx, store, "a", 300, Ref{}); err != nil {
		t.Fatalf("lock: %v", err)
	}
	entries, err := l.TransferStake(ctx, store, Transfer{From: "a", To: "b", Amount: 200, Ref: Ref{Reference: "d-1"}})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if len(entries) != 2 || entries[0].Type != EntryStakeForfeit || entries[1].Type != EntryStakeAward {
		t.Fatalf("expected forfeit+award entries, got %+v", entries)
	}

	a, b := store.accounts["a"], store.accounts["b"]
	if a.Available != 200 || a.Staked != 100 {
		t.Fatalf("a: expected 200/100, got %d/%d", a.Available, a.Staked)
	}
	if b.Available != 200 || b.Staked != 0 {
		t.Fatalf("b: expected 200/0, got %d/%d", b.Available, b.Staked)
	}
}

func TestTransferStake_RejectsSelfTransfer(t *testing.T) {
	store := newFakeStore(map[string]int64{"a": 500})
	_, err := newTestLedger().TransferStake(context.Background(), store, Transfer{From: "a", To: "a", Amount: 1})
	if !errors.Is(err, ErrSelfTransfer) {
		t.Fatalf("expected ErrSelfTransfer, got %v", err)
	}
}

func TestLockAccounts_SortedOrder(t *testing.T) {
	store := newFakeStore(map[string]int64{"c": 0, "a": 0, "b": 0})
	if err := newTestLedger().LockAccounts(context.Background(), store, "c", "a", "b", "a"); err != nil {
		t.Fatalf("lock accounts: %v", err)
	}
	want := []string{"a", "b", "c"}
	if fmt.Sprint(store.lockOrder) != fmt.Sprint(want) {
		t.Fatalf("expected lock order %v, got %v", want, store.lockOrder)
	}
}

func TestConservation_RandomInternalOperations(t *testing.T) {
	ids := []string{"client", "guild", "j1", "j2", "j3"}
	seed := map[string]int64{}
	for _, id := range ids {
		seed[id] = 1000
	}
	store := newFakeStore(map[string]int64{})
	l := newTestLedger()
	ctx := context.Background()

	var external int64
	for _, id := range ids {
		store.accounts[id] = account.Account{ID: id}
		if _, err := l.Credit(ctx, store, id, seed[id], Ref{Description: "welcome bonus"}); err != nil {
			t.Fatalf("credit: %v", err)
		}
		external += seed[id]
	}

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 2000; i++ {
		from := ids[rng.Intn(len(ids))]
		to := ids[rng.Intn(len(ids))]
		amount := int64(rng.Intn(200))
		var err error
		switch rng.Intn(3) {
		case 0:
			_, err = l.LockStake(ctx, store, from, amount, Ref{})
		case 1:
			staked := store.accounts[from].Staked
			_, err = l.ReleaseStake(ctx, store, from, min(amount, staked), Ref{})
		case 2:
			if from == to {
				continue
			}
			staked := store.accounts[from].Staked
			_, err = l.TransferStake(ctx, store, Transfer{From: from, To: to, Amount: min(amount, staked)})
		}
		if err != nil && !errors.Is(err, ErrInsufficientFunds) {
			t.Fatalf("op %d: unexpected error %v", i, err)
		}
		if total := store.total(); total != external {
			t.Fatalf("op %d: total %d, expected %d", i, total, external)
		}
	}

	var all []Entry
	for _, id := range ids {
		bal, err := Reconcile(store.entries[id])
		if err != nil {
			t.Fatalf("reconcile %s: %v", id, err)
		}
		acct := store.accounts[id]
		if bal.Available != acct.Available || bal.Staked != acct.Staked {
			t.Fatalf("%s: replay %d/%d, stored %d/%d", id, bal.Available, bal.Staked, acct.Available, acct.Staked)
		}
		all = append(all, store.entries[id]...)
	}
	if net := NetExternal(all); net != external {
		t.Fatalf("expected net external %d, got %d", external, net)
	}
}

func TestReconcile_DetectsTampering(t *testing.T) {
	store := newFakeStore(map[string]int64{"user-1": 0})
	l := newTestLedger()
	ctx := context.Background()

	if _, err := l.Credit(ctx, store, "user-1", 500, Ref{}); err != nil {
		t.Fatalf("credit: %v", err)
	}
	if _, err := l.LockStake(ctx, store, "user-1", 200, Ref{}); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, err := Reconcile(store.entries["user-1"]); err != nil {
		t.Fatalf("expected clean log, got %v", err)
	}

	tampered := append([]Entry(nil), store.entries["user-1"]...)
	tampered[0].Description = "rewritten"
	if _, err := Reconcile(tampered); !errors.Is(err, ErrReconcile) {
		t.Fatalf("expected ErrReconcile for edited entry, got %v", err)
	}

	dropped := []Entry{store.entries["user-1"][1]}
	if _, err := Reconcile(dropped); !errors.Is(err, ErrReconcile) {
		t.Fatalf("expected ErrReconcile for missing entry, got %v", err)
	}
}

func newTestLedger() *Ledger {
	n := 0
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return New(nil).
		WithClock(func() time.Time { return base.Add(time.Duration(n) * time.Second) }).
		WithIDGenerator(func() string {
			n++
			return fmt.Sprintf("entry-%d", n)
		})
}

type fakeStore struct {
	accounts  map[string]account.Account
	entries   map[string][]Entry
	lockOrder []string
}

func newFakeStore(available map[string]int64) *fakeStore {
	s := &fakeStore{
		accounts: map[string]account.Account{},
		entries:  map[string][]Entry{},
	}
	for id, amt := range available {
		s.accounts[id] = account.Account{ID: id, Available: amt}
	}
	return s
}

func (f *fakeStore) LockAccount(ctx context.Context, id string) (account.Account, error) {
	acct, ok := f.accounts[id]
	if !ok {
		return account.Account{}, account.ErrNotFound
	}
	f.lockOrder = append(f.lockOrder, id)
	return acct, nil
}

func (f *fakeStore) SetBalances(ctx context.Context, id string, available, staked int64) error {
	acct := f.accounts[id]
	acct.Available = available
	acct.Staked = staked
	f.accounts[id] = acct
	return nil
}

func (f *fakeStore) LastEntryHash(ctx context.Context, accountID string) ([]byte, error) {
	entries := f.entries[accountID]
	if len(entries) == 0 {
		return nil, nil
	}
	return entries[len(entries)-1].Hash, nil
}

func (f *fakeStore) AppendEntry(ctx context.Context, e Entry) error {
	f.entries[e.AccountID] = append(f.entries[e.AccountID], e)
	return nil
}

func (f *fakeStore) total() int64 {
	var sum int64
	for _, a := range f.accounts {
		sum += a.Total()
	}
	return sum
}
