package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_credit_conservation",
			SQL: `SELECT minted, held FROM
                      (SELECT COALESCE(SUM(CASE type WHEN 'CREDIT' THEN amount WHEN 'DEBIT' THEN -amount ELSE 0 END), 0) AS minted
                       FROM credit_transactions) m,
                      (SELECT COALESCE(SUM(available + staked), 0) AS held FROM accounts) h
                  WHERE minted <> held`,
		},
		{
			Name: "O2_balance_matches_ledger",
			SQL: `SELECT a.id, a.available, a.staked, t.available, t.staked
                  FROM accounts a
                  JOIN LATERAL (
                      SELECT available, staked FROM credit_transactions
                      WHERE account_id = a.id ORDER BY seq DESC LIMIT 1) t ON true
                  WHERE a.available <> t.available OR a.staked <> t.staked`,
		},
		{
			Name: "O3_settled_at_most_once",
			SQL: `WITH paid AS (
                      SELECT d.id, d.status,
                             d.client_stake_at_risk + d.guild_stake_at_risk AS at_risk,
                             COALESCE(SUM(t.amount) FILTER (WHERE t.type IN ('STAKE_RELEASE', 'STAKE_AWARD')), 0) AS returned
                      FROM disputes d
                      LEFT JOIN credit_transactions t
                        ON t.reference = d.id
                       AND t.account_id IN (d.client_id, d.guild_id)
                       AND t.description LIKE 'settlement%'
                      GROUP BY d.id)
                  SELECT * FROM paid
                  WHERE (status = 'resolved' AND returned <> at_risk)
                     OR (status <> 'resolved' AND returned <> 0)`,
		},
		{
			Name: "O4_resolved_bounty_closed",
			SQL: `SELECT d.id, b.status FROM disputes d
                  JOIN bounties b ON b.id = d.bounty_id
                  WHERE (d.status = 'resolved' AND b.status NOT IN ('completed', 'failed'))
                     OR (d.status <> 'resolved' AND b.status <> 'disputed')`,
		},
		{
			Name: "O5_votes_from_jurors",
			SQL: `SELECT v.dispute_id, v.guild_id FROM tribunal_votes v
                  LEFT JOIN dispute_jurors j ON j.dispute_id = v.dispute_id AND j.guild_id = v.guild_id
                  WHERE j.guild_id IS NULL`,
		},
		{
			Name: "O6_jurors_exclude_parties",
			SQL: `SELECT j.dispute_id, j.guild_id FROM dispute_jurors j
                  JOIN disputes d ON d.id = j.dispute_id
                  LEFT JOIN guild_members m ON m.guild_id = j.guild_id AND m.user_id = d.client_id
                  WHERE j.guild_id = d.guild_id OR m.user_id IS NOT NULL`,
		},
		{
			Name: "O7_rank_matches_score",
			SQL: `SELECT id, kind, trust_score, rank FROM accounts
                  WHERE rank <> CASE
                      WHEN kind = 'user' THEN CASE
                          WHEN trust_score >= 900 THEN 'legendary'
                          WHEN trust_score >= 750 THEN 'master'
                          WHEN trust_score >= 600 THEN 'elite'
                          WHEN trust_score >= 400 THEN 'veteran'
                          ELSE 'rookie' END
                      ELSE CASE
                          WHEN trust_score >= 900 THEN 'legendary'
                          WHEN trust_score >= 750 THEN 'elite'
                          WHEN trust_score >= 600 THEN 'veteran'
                          WHEN trust_score >= 400 THEN 'established'
                          ELSE 'developing' END
                      END`,
		},
		{
			Name: "O8_ledger_append_only",
			SQL: `SELECT 'missing_append_only_trigger' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = 'credit_transactions_no_update')`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
