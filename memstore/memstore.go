// Package memstore is an in-process Store used by tests and local runs
// without Postgres. Transactions are serialized by one mutex and applied
// to a private copy that replaces the live state only on commit.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"guildhall/account"
	"guildhall/bounty"
	"guildhall/dispute"
	"guildhall/ledger"
	"guildhall/notify"
	"guildhall/store"
	"guildhall/trust"
)

type state struct {
	accounts      map[string]account.Account
	guilds        map[string]account.Guild
	stats         map[string]account.Stats
	activity      map[string]map[string]bool
	trustEvents   map[string][]account.TrustEvent
	entries       map[string][]ledger.Entry
	bounties      map[string]bounty.Bounty
	disputes      map[string]dispute.Dispute
	evidence      map[string][]dispute.Evidence
	votes         map[string][]dispute.Vote
	notifications map[string]notify.Notification
}

func newState() *state {
	return &state{
		accounts:      map[string]account.Account{},
		guilds:        map[string]account.Guild{},
		stats:         map[string]account.Stats{},
		activity:      map[string]map[string]bool{},
		trustEvents:   map[string][]account.TrustEvent{},
		entries:       map[string][]ledger.Entry{},
		bounties:      map[string]bounty.Bounty{},
		disputes:      map[string]dispute.Dispute{},
		evidence:      map[string][]dispute.Evidence{},
		votes:         map[string][]dispute.Vote{},
		notifications: map[string]notify.Notification{},
	}
}

func cloneSlices[K comparable, V any](m map[K][]V) map[K][]V {
	out := make(map[K][]V, len(m))
	for k, v := range m {
		out[k] = slices.Clone(v)
	}
	return out
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (s *state) clone() *state {
	activity := make(map[string]map[string]bool, len(s.activity))
	for id, days := range s.activity {
		activity[id] = cloneMap(days)
	}
	return &state{
		accounts:      cloneMap(s.accounts),
		guilds:        cloneMap(s.guilds),
		stats:         cloneMap(s.stats),
		activity:      activity,
		trustEvents:   cloneSlices(s.trustEvents),
		entries:       cloneSlices(s.entries),
		bounties:      cloneMap(s.bounties),
		disputes:      cloneMap(s.disputes),
		evidence:      cloneSlices(s.evidence),
		votes:         cloneSlices(s.votes),
		notifications: cloneMap(s.notifications),
	}
}

// Store keeps all state in memory.
type Store struct {
	mu    sync.Mutex
	state *state
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{state: newState()}
}

// InTx runs fn against a copy of the state and publishes the copy when fn
// succeeds.
func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.state.clone()
	if err := fn(&tx{s: work}); err != nil {
		return err
	}
	s.state = work
	return nil
}

func (s *Store) Close() {}

type tx struct {
	s *state
}

var _ store.Tx = (*tx)(nil)

// accounts

func (t *tx) InsertAccount(ctx context.Context, a account.Account) error {
	if _, ok := t.s.accounts[a.ID]; ok {
		return fmt.Errorf("%w: account %s", store.ErrConflict, a.ID)
	}
	t.s.accounts[a.ID] = a
	return nil
}

func (t *tx) InsertGuild(ctx context.Context, g account.Guild) error {
	if _, ok := t.s.guilds[g.ID]; ok {
		return fmt.Errorf("%w: guild %s", store.ErrConflict, g.ID)
	}
	if _, ok := t.s.accounts[g.ID]; !ok {
		return account.ErrNotFound
	}
	g.OfficerIDs = slices.Clone(g.OfficerIDs)
	g.MemberIDs = slices.Clone(g.MemberIDs)
	t.s.guilds[g.ID] = g
	return nil
}

func (t *tx) GetAccount(ctx context.Context, id string) (account.Account, error) {
	a, ok := t.s.accounts[id]
	if !ok {
		return account.Account{}, account.ErrNotFound
	}
	return a, nil
}

func (t *tx) LockAccount(ctx context.Context, id string) (account.Account, error) {
	return t.GetAccount(ctx, id)
}

func (t *tx) GetGuild(ctx context.Context, id string) (account.Guild, error) {
	g, ok := t.s.guilds[id]
	if !ok {
		return account.Guild{}, account.ErrGuildNotFound
	}
	return g, nil
}

func (t *tx) GuildsOfUser(ctx context.Context, userID string) ([]account.Guild, error) {
	var out []account.Guild
	for _, g := range t.s.guilds {
		if g.RoleOf(userID) != trust.RoleNone {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *tx) SetBalances(ctx context.Context, id string, available, staked int64) error {
	a, ok := t.s.accounts[id]
	if !ok {
		return account.ErrNotFound
	}
	a.Available, a.Staked = available, staked
	a.UpdatedAt = time.Now().UTC()
	t.s.accounts[id] = a
	return nil
}

func (t *tx) SetTrust(ctx context.Context, id string, score int, rank trust.Rank) error {
	a, ok := t.s.accounts[id]
	if !ok {
		return account.ErrNotFound
	}
	a.TrustScore, a.Rank = score, rank
	a.UpdatedAt = time.Now().UTC()
	t.s.accounts[id] = a
	return nil
}

func (t *tx) AppendTrustEvent(ctx context.Context, ev account.TrustEvent) error {
	t.s.trustEvents[ev.AccountID] = append(t.s.trustEvents[ev.AccountID], ev)
	return nil
}

func (t *tx) ListTrustEvents(ctx context.Context, accountID string, limit int) ([]account.TrustEvent, error) {
	events := t.s.trustEvents[accountID]
	out := make([]account.TrustEvent, 0, len(events))
	for i := len(events) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		out = append(out, events[i])
	}
	return out, nil
}

func (t *tx) GetStats(ctx context.Context, accountID string) (account.Stats, error) {
	st := t.s.stats[accountID]
	st.AccountID = accountID
	return st, nil
}

func (t *tx) AddStats(ctx context.Context, accountID string, d account.StatsDelta) error {
	if _, ok := t.s.accounts[accountID]; !ok {
		return account.ErrNotFound
	}
	st := t.s.stats[accountID].Apply(d)
	st.AccountID = accountID
	t.s.stats[accountID] = st
	return nil
}

func (t *tx) RecordActivity(ctx context.Context, accountID string, at time.Time) error {
	a, ok := t.s.accounts[accountID]
	if !ok {
		return account.ErrNotFound
	}
	at = at.UTC()
	days := t.s.activity[accountID]
	if days == nil {
		days = map[string]bool{}
		t.s.activity[accountID] = days
	}
	days[at.Format(time.DateOnly)] = true
	if at.After(a.LastActiveAt) {
		a.LastActiveAt = at
		t.s.accounts[accountID] = a
	}
	return nil
}

func (t *tx) ActiveDays(ctx context.Context, accountID string, since time.Time) (int, error) {
	from := since.UTC().Format(time.DateOnly)
	n := 0
	for day := range t.s.activity[accountID] {
		if day >= from {
			n++
		}
	}
	return n, nil
}

func (t *tx) ListGuildsByTrust(ctx context.Context, minScore int) ([]account.Account, error) {
	var out []account.Account
	for _, a := range t.s.accounts {
		if a.Kind == account.KindGuild && a.TrustScore >= minScore {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *tx) ListDecayCandidates(ctx context.Context, inactiveBefore, decayedBefore time.Time, limit int) ([]string, error) {
	var out []string
	for _, a := range t.s.accounts {
		if a.TrustScore <= 0 || !a.LastActiveAt.Before(inactiveBefore) {
			continue
		}
		if a.LastDecayAt != nil && !a.LastDecayAt.Before(decayedBefore) {
			continue
		}
		out = append(out, a.ID)
	}
	sort.Strings(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *tx) MarkDecayed(ctx context.Context, id string, at time.Time) error {
	a, ok := t.s.accounts[id]
	if !ok {
		return account.ErrNotFound
	}
	at = at.UTC()
	a.LastDecayAt = &at
	t.s.accounts[id] = a
	return nil
}

// ledger

func (t *tx) LastEntryHash(ctx context.Context, accountID string) ([]byte, error) {
	es := t.s.entries[accountID]
	if len(es) == 0 {
		return nil, nil
	}
	return es[len(es)-1].Hash, nil
}

func (t *tx) AppendEntry(ctx context.Context, e ledger.Entry) error {
	t.s.entries[e.AccountID] = append(t.s.entries[e.AccountID], e)
	return nil
}

func (t *tx) ListEntries(ctx context.Context, accountID string) ([]ledger.Entry, error) {
	return slices.Clone(t.s.entries[accountID]), nil
}

func (t *tx) SumBalances(ctx context.Context) (ledger.Balance, error) {
	var b ledger.Balance
	for _, a := range t.s.accounts {
		b.Available += a.Available
		b.Staked += a.Staked
	}
	return b, nil
}

// bounties

func (t *tx) InsertBounty(ctx context.Context, b bounty.Bounty) error {
	if _, ok := t.s.bounties[b.ID]; ok {
		return fmt.Errorf("%w: bounty %s", store.ErrConflict, b.ID)
	}
	t.s.bounties[b.ID] = b
	return nil
}

func (t *tx) GetBounty(ctx context.Context, id string) (bounty.Bounty, error) {
	b, ok := t.s.bounties[id]
	if !ok {
		return bounty.Bounty{}, bounty.ErrNotFound
	}
	return b, nil
}

func (t *tx) LockBounty(ctx context.Context, id string) (bounty.Bounty, error) {
	return t.GetBounty(ctx, id)
}

func (t *tx) UpdateBounty(ctx context.Context, b bounty.Bounty) error {
	if _, ok := t.s.bounties[b.ID]; !ok {
		return bounty.ErrNotFound
	}
	t.s.bounties[b.ID] = b
	return nil
}

// disputes

func (t *tx) InsertDispute(ctx context.Context, d dispute.Dispute) error {
	if _, ok := t.s.disputes[d.ID]; ok {
		return fmt.Errorf("%w: dispute %s", store.ErrConflict, d.ID)
	}
	for _, other := range t.s.disputes {
		if other.BountyID == d.BountyID {
			return fmt.Errorf("%w: bounty %s already disputed", store.ErrConflict, d.BountyID)
		}
	}
	d.Jurors = nil
	t.s.disputes[d.ID] = d
	return nil
}

func (t *tx) GetDispute(ctx context.Context, id string) (dispute.Dispute, error) {
	d, ok := t.s.disputes[id]
	if !ok {
		return dispute.Dispute{}, dispute.ErrNotFound
	}
	d.Jurors = slices.Clone(d.Jurors)
	if d.Advisory != nil {
		a := *d.Advisory
		d.Advisory = &a
	}
	return d, nil
}

func (t *tx) LockDispute(ctx context.Context, id string) (dispute.Dispute, error) {
	return t.GetDispute(ctx, id)
}

func (t *tx) UpdateDispute(ctx context.Context, d dispute.Dispute) error {
	cur, ok := t.s.disputes[d.ID]
	if !ok {
		return dispute.ErrNotFound
	}
	cur.Tier = d.Tier
	cur.Status = d.Status
	if d.Advisory != nil {
		a := *d.Advisory
		cur.Advisory = &a
	}
	cur.UpdatedAt = d.UpdatedAt
	t.s.disputes[d.ID] = cur
	return nil
}

func (t *tx) AssignJurors(ctx context.Context, disputeID string, jurors []string) error {
	d, ok := t.s.disputes[disputeID]
	if !ok {
		return dispute.ErrNotFound
	}
	if len(d.Jurors) > 0 {
		return fmt.Errorf("%w: jurors already assigned to %s", store.ErrConflict, disputeID)
	}
	d.Jurors = slices.Clone(jurors)
	t.s.disputes[disputeID] = d
	return nil
}

func (t *tx) AppendEvidence(ctx context.Context, e dispute.Evidence) error {
	if _, ok := t.s.disputes[e.DisputeID]; !ok {
		return dispute.ErrNotFound
	}
	t.s.evidence[e.DisputeID] = append(t.s.evidence[e.DisputeID], e)
	return nil
}

func (t *tx) ListEvidence(ctx context.Context, disputeID string) ([]dispute.Evidence, error) {
	return slices.Clone(t.s.evidence[disputeID]), nil
}

func (t *tx) AppendVote(ctx context.Context, v dispute.Vote) error {
	for _, existing := range t.s.votes[v.DisputeID] {
		if existing.GuildID == v.GuildID {
			return fmt.Errorf("%w: %s already voted on %s", store.ErrConflict, v.GuildID, v.DisputeID)
		}
	}
	t.s.votes[v.DisputeID] = append(t.s.votes[v.DisputeID], v)
	return nil
}

func (t *tx) ListVotes(ctx context.Context, disputeID string) ([]dispute.Vote, error) {
	return slices.Clone(t.s.votes[disputeID]), nil
}

func (t *tx) ResolveDispute(ctx context.Context, id string, ruling dispute.Ruling, clientPct, guildPct int, at time.Time) (bool, error) {
	d, ok := t.s.disputes[id]
	if !ok {
		return false, dispute.ErrNotFound
	}
	if d.Status != dispute.StatusInTribunal {
		return false, nil
	}
	at = at.UTC()
	d.Status = dispute.StatusResolved
	d.FinalRuling = ruling
	d.ClientPercentage, d.GuildPercentage = clientPct, guildPct
	d.ResolvedAt = &at
	d.UpdatedAt = at
	t.s.disputes[id] = d
	return true, nil
}

func (t *tx) ListSettleable(ctx context.Context) ([]string, error) {
	var out []string
	for id, d := range t.s.disputes {
		if d.Status == dispute.StatusInTribunal && len(d.Jurors) > 0 && len(t.s.votes[id]) == len(d.Jurors) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

// notifications

func (t *tx) InsertNotification(ctx context.Context, n notify.Notification) error {
	t.s.notifications[n.ID] = n
	return nil
}

func (t *tx) ListNotifications(ctx context.Context, userID string, now time.Time, limit int) ([]notify.Notification, error) {
	var out []notify.Notification
	for _, n := range t.s.notifications {
		if n.UserID == userID && n.ExpiresAt.After(now) {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *tx) MarkNotificationRead(ctx context.Context, userID, id string) (bool, error) {
	n, ok := t.s.notifications[id]
	if !ok || n.UserID != userID {
		return false, nil
	}
	n.Read = true
	t.s.notifications[id] = n
	return true, nil
}

func (t *tx) PurgeNotifications(ctx context.Context, before time.Time) (int64, error) {
	var n int64
	for id, note := range t.s.notifications {
		if !note.ExpiresAt.After(before) {
			delete(t.s.notifications, id)
			n++
		}
	}
	return n, nil
}
