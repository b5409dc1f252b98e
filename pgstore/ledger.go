package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"guildhall/ledger"
)

func (t *tx) LastEntryHash(ctx context.Context, accountID string) ([]byte, error) {
	var hash []byte
	err := t.tx.QueryRow(ctx, `
SELECT hash FROM credit_transactions
WHERE account_id = $1
ORDER BY seq DESC
LIMIT 1`, accountID).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: last entry hash: %w", err)
	}
	return hash, nil
}

func (t *tx) AppendEntry(ctx context.Context, e ledger.Entry) error {
	const q = `
INSERT INTO credit_transactions (id, account_id, type, amount, available, staked, reference, description, prev_hash, hash, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err := t.tx.Exec(ctx, q, e.ID, e.AccountID, string(e.Type), e.Amount, e.Available, e.Staked,
		e.Reference, e.Description, e.PrevHash, e.Hash, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("pgstore: append entry: %w", err)
	}
	return nil
}

func (t *tx) ListEntries(ctx context.Context, accountID string) ([]ledger.Entry, error) {
	rows, err := t.tx.Query(ctx, `
SELECT id, account_id, type, amount, available, staked, reference, description, prev_hash, hash, created_at
FROM credit_transactions
WHERE account_id = $1
ORDER BY seq`, accountID)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list entries: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (ledger.Entry, error) {
		var e ledger.Entry
		var typ string
		err := row.Scan(&e.ID, &e.AccountID, &typ, &e.Amount, &e.Available, &e.Staked,
			&e.Reference, &e.Description, &e.PrevHash, &e.Hash, &e.CreatedAt)
		e.Type = ledger.EntryType(typ)
		e.CreatedAt = utc(e.CreatedAt)
		return e, err
	})
}
