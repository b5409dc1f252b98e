package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"guildhall/account"
	"guildhall/ledger"
	"guildhall/store"
	"guildhall/trust"
)

const accountColumns = `id, kind, display_name, available, staked, trust_score, rank,
       last_active_at, last_decay_at, created_at, updated_at`

func scanAccount(row pgx.Row) (account.Account, error) {
	var (
		a         account.Account
		kind      string
		rank      string
		lastDecay *time.Time
	)
	err := row.Scan(&a.ID, &kind, &a.DisplayName, &a.Available, &a.Staked, &a.TrustScore, &rank,
		&a.LastActiveAt, &lastDecay, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return account.Account{}, account.ErrNotFound
		}
		return account.Account{}, fmt.Errorf("pgstore: scan account: %w", err)
	}
	a.Kind = account.Kind(kind)
	a.Rank = trust.Rank(rank)
	a.LastActiveAt = utc(a.LastActiveAt)
	a.CreatedAt = utc(a.CreatedAt)
	a.UpdatedAt = utc(a.UpdatedAt)
	if lastDecay != nil {
		t := lastDecay.UTC()
		a.LastDecayAt = &t
	}
	return a, nil
}

func (t *tx) InsertAccount(ctx context.Context, a account.Account) error {
	const q = `
INSERT INTO accounts (id, kind, display_name, available, staked, trust_score, rank, last_active_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)`
	_, err := t.tx.Exec(ctx, q, a.ID, string(a.Kind), a.DisplayName, a.Available, a.Staked, a.TrustScore, string(a.Rank), a.LastActiveAt, a.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: account %s", store.ErrConflict, a.ID)
		}
		return fmt.Errorf("pgstore: insert account: %w", err)
	}
	return nil
}

func (t *tx) InsertGuild(ctx context.Context, g account.Guild) error {
	const q = `INSERT INTO guild_members (guild_id, user_id, role, position) VALUES ($1, $2, $3, $4)`
	batch := &pgx.Batch{}
	batch.Queue(q, g.ID, g.MasterID, string(trust.RoleMaster), 0)
	for i, id := range g.OfficerIDs {
		batch.Queue(q, g.ID, id, string(trust.RoleOfficer), i)
	}
	for i, id := range g.MemberIDs {
		batch.Queue(q, g.ID, id, string(trust.RoleMember), i)
	}
	results := t.tx.SendBatch(ctx, batch)
	defer results.Close()
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			switch {
			case isUniqueViolation(err):
				return fmt.Errorf("%w: guild %s membership", store.ErrConflict, g.ID)
			case isForeignKeyViolation(err):
				return account.ErrNotFound
			}
			return fmt.Errorf("pgstore: insert guild member: %w", err)
		}
	}
	return nil
}

func (t *tx) GetAccount(ctx context.Context, id string) (account.Account, error) {
	return scanAccount(t.tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
}

func (t *tx) LockAccount(ctx context.Context, id string) (account.Account, error) {
	return scanAccount(t.tx.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, id))
}

func (t *tx) GetGuild(ctx context.Context, id string) (account.Guild, error) {
	var kind string
	if err := t.tx.QueryRow(ctx, `SELECT kind FROM accounts WHERE id = $1`, id).Scan(&kind); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return account.Guild{}, account.ErrGuildNotFound
		}
		return account.Guild{}, fmt.Errorf("pgstore: load guild: %w", err)
	}
	if account.Kind(kind) != account.KindGuild {
		return account.Guild{}, account.ErrNotGuild
	}

	rows, err := t.tx.Query(ctx, `
SELECT user_id, role FROM guild_members
WHERE guild_id = $1
ORDER BY role, position, user_id`, id)
	if err != nil {
		return account.Guild{}, fmt.Errorf("pgstore: load guild members: %w", err)
	}
	defer rows.Close()

	g := account.Guild{ID: id}
	found := false
	for rows.Next() {
		var userID, role string
		if err := rows.Scan(&userID, &role); err != nil {
			return account.Guild{}, fmt.Errorf("pgstore: scan guild member: %w", err)
		}
		found = true
		switch trust.Role(role) {
		case trust.RoleMaster:
			g.MasterID = userID
		case trust.RoleOfficer:
			g.OfficerIDs = append(g.OfficerIDs, userID)
		default:
			g.MemberIDs = append(g.MemberIDs, userID)
		}
	}
	if err := rows.Err(); err != nil {
		return account.Guild{}, fmt.Errorf("pgstore: iterate guild members: %w", err)
	}
	if !found {
		return account.Guild{}, account.ErrGuildNotFound
	}
	return g, nil
}

func (t *tx) GuildsOfUser(ctx context.Context, userID string) ([]account.Guild, error) {
	rows, err := t.tx.Query(ctx, `SELECT guild_id FROM guild_members WHERE user_id = $1 ORDER BY guild_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("pgstore: guilds of user: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("pgstore: guilds of user: %w", err)
	}
	out := make([]account.Guild, 0, len(ids))
	for _, id := range ids {
		g, err := t.GetGuild(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, nil
}

func (t *tx) SetBalances(ctx context.Context, id string, available, staked int64) error {
	tag, err := t.tx.Exec(ctx, `UPDATE accounts SET available = $2, staked = $3, updated_at = now() WHERE id = $1`, id, available, staked)
	if err != nil {
		return fmt.Errorf("pgstore: set balances: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return account.ErrNotFound
	}
	return nil
}

func (t *tx) SetTrust(ctx context.Context, id string, score int, rank trust.Rank) error {
	tag, err := t.tx.Exec(ctx, `UPDATE accounts SET trust_score = $2, rank = $3, updated_at = now() WHERE id = $1`, id, score, string(rank))
	if err != nil {
		return fmt.Errorf("pgstore: set trust: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return account.ErrNotFound
	}
	return nil
}

func (t *tx) AppendTrustEvent(ctx context.Context, ev account.TrustEvent) error {
	const q = `
INSERT INTO trust_events (id, account_id, type, score_before, score_after, rank_before, rank_after, reason, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := t.tx.Exec(ctx, q, ev.ID, ev.AccountID, string(ev.Type), ev.ScoreBefore, ev.ScoreAfter,
		string(ev.RankBefore), string(ev.RankAfter), ev.Reason, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("pgstore: append trust event: %w", err)
	}
	return nil
}

func (t *tx) ListTrustEvents(ctx context.Context, accountID string, limit int) ([]account.TrustEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := t.tx.Query(ctx, `
SELECT id, account_id, type, score_before, score_after, rank_before, rank_after, reason, created_at
FROM trust_events
WHERE account_id = $1
ORDER BY seq DESC
LIMIT $2`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list trust events: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (account.TrustEvent, error) {
		var ev account.TrustEvent
		var typ, rankBefore, rankAfter string
		err := row.Scan(&ev.ID, &ev.AccountID, &typ, &ev.ScoreBefore, &ev.ScoreAfter, &rankBefore, &rankAfter, &ev.Reason, &ev.CreatedAt)
		ev.Type = account.TrustEventType(typ)
		ev.RankBefore, ev.RankAfter = trust.Rank(rankBefore), trust.Rank(rankAfter)
		ev.CreatedAt = utc(ev.CreatedAt)
		return ev, err
	})
}

func (t *tx) GetStats(ctx context.Context, accountID string) (account.Stats, error) {
	st := account.Stats{AccountID: accountID}
	err := t.tx.QueryRow(ctx, `
SELECT completed, failed, rating_sum, rating_count, disputes_won, disputes_lost, penalty_points
FROM account_stats WHERE account_id = $1`, accountID).
		Scan(&st.Completed, &st.Failed, &st.RatingSum, &st.RatingCount, &st.DisputesWon, &st.DisputesLost, &st.PenaltyPoints)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return account.Stats{}, fmt.Errorf("pgstore: get stats: %w", err)
	}
	return st, nil
}

func (t *tx) AddStats(ctx context.Context, accountID string, d account.StatsDelta) error {
	const q = `
INSERT INTO account_stats AS s (account_id, completed, failed, rating_sum, rating_count, disputes_won, disputes_lost, penalty_points)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (account_id) DO UPDATE SET
    completed      = s.completed + EXCLUDED.completed,
    failed         = s.failed + EXCLUDED.failed,
    rating_sum     = s.rating_sum + EXCLUDED.rating_sum,
    rating_count   = s.rating_count + EXCLUDED.rating_count,
    disputes_won   = s.disputes_won + EXCLUDED.disputes_won,
    disputes_lost  = s.disputes_lost + EXCLUDED.disputes_lost,
    penalty_points = s.penalty_points + EXCLUDED.penalty_points`
	_, err := t.tx.Exec(ctx, q, accountID, d.Completed, d.Failed, d.RatingSum, d.RatingCount, d.DisputesWon, d.DisputesLost, d.PenaltyPoints)
	if err != nil {
		if isForeignKeyViolation(err) {
			return account.ErrNotFound
		}
		return fmt.Errorf("pgstore: add stats: %w", err)
	}
	return nil
}

func (t *tx) RecordActivity(ctx context.Context, accountID string, at time.Time) error {
	at = at.UTC()
	tag, err := t.tx.Exec(ctx, `UPDATE accounts SET last_active_at = GREATEST(last_active_at, $2) WHERE id = $1`, accountID, at)
	if err != nil {
		return fmt.Errorf("pgstore: touch account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return account.ErrNotFound
	}
	_, err = t.tx.Exec(ctx, `INSERT INTO account_activity (account_id, day) VALUES ($1, $2::date) ON CONFLICT DO NOTHING`,
		accountID, at.Truncate(24*time.Hour))
	if err != nil {
		return fmt.Errorf("pgstore: record activity: %w", err)
	}
	return nil
}

func (t *tx) ActiveDays(ctx context.Context, accountID string, since time.Time) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx, `SELECT count(*) FROM account_activity WHERE account_id = $1 AND day >= $2::date`,
		accountID, since.UTC().Truncate(24*time.Hour)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("pgstore: active days: %w", err)
	}
	return n, nil
}

func (t *tx) ListGuildsByTrust(ctx context.Context, minScore int) ([]account.Account, error) {
	rows, err := t.tx.Query(ctx, `
SELECT `+accountColumns+`
FROM accounts
WHERE kind = 'guild' AND trust_score >= $1
ORDER BY id`, minScore)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list guilds by trust: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (account.Account, error) {
		return scanAccount(row)
	})
}

func (t *tx) ListDecayCandidates(ctx context.Context, inactiveBefore, decayedBefore time.Time, limit int) ([]string, error) {
	rows, err := t.tx.Query(ctx, `
SELECT id FROM accounts
WHERE trust_score > 0
  AND last_active_at < $1
  AND (last_decay_at IS NULL OR last_decay_at < $2)
ORDER BY id
LIMIT $3`, inactiveBefore, decayedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list decay candidates: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (t *tx) MarkDecayed(ctx context.Context, id string, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `UPDATE accounts SET last_decay_at = $2 WHERE id = $1`, id, at.UTC())
	if err != nil {
		return fmt.Errorf("pgstore: mark decayed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return account.ErrNotFound
	}
	return nil
}

func (t *tx) SumBalances(ctx context.Context) (ledger.Balance, error) {
	var b ledger.Balance
	if err := t.tx.QueryRow(ctx, `SELECT COALESCE(sum(available), 0)::bigint, COALESCE(sum(staked), 0)::bigint FROM accounts`).Scan(&b.Available, &b.Staked); err != nil {
		return b, fmt.Errorf("pgstore: sum balances: %w", err)
	}
	return b, nil
}
