package pgstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"guildhall/notify"
)

func (t *tx) InsertNotification(ctx context.Context, n notify.Notification) error {
	const q = `
INSERT INTO notifications (id, user_id, kind, message, reference, read, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	if _, err := t.tx.Exec(ctx, q, n.ID, n.UserID, string(n.Kind), n.Message, n.Reference, n.Read, n.CreatedAt, n.ExpiresAt); err != nil {
		return fmt.Errorf("pgstore: insert notification: %w", err)
	}
	return nil
}

func (t *tx) ListNotifications(ctx context.Context, userID string, now time.Time, limit int) ([]notify.Notification, error) {
	rows, err := t.tx.Query(ctx, `
SELECT id, user_id, kind, message, reference, read, created_at, expires_at
FROM notifications
WHERE user_id = $1 AND expires_at > $2
ORDER BY created_at DESC, id DESC
LIMIT $3`, userID, now, limit)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list notifications: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (notify.Notification, error) {
		var n notify.Notification
		var kind string
		err := row.Scan(&n.ID, &n.UserID, &kind, &n.Message, &n.Reference, &n.Read, &n.CreatedAt, &n.ExpiresAt)
		n.Kind = notify.Kind(kind)
		n.CreatedAt, n.ExpiresAt = utc(n.CreatedAt), utc(n.ExpiresAt)
		return n, err
	})
}

func (t *tx) MarkNotificationRead(ctx context.Context, userID, id string) (bool, error) {
	tag, err := t.tx.Exec(ctx, `UPDATE notifications SET read = true WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return false, fmt.Errorf("pgstore: mark notification read: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (t *tx) PurgeNotifications(ctx context.Context, before time.Time) (int64, error) {
	tag, err := t.tx.Exec(ctx, `DELETE FROM notifications WHERE expires_at <= $1`, before)
	if err != nil {
		return 0, fmt.Errorf("pgstore: purge notifications: %w", err)
	}
	return tag.RowsAffected(), nil
}
