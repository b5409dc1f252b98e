package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"guildhall/bounty"
	"guildhall/store"
)

const bountyColumns = `id, client_id, title, description, reward_credits, client_stake, guild_stake_required,
       status, accepted_by_guild_id, guild_stake_locked, dispute_id, created_at, updated_at`

func scanBounty(row pgx.Row) (bounty.Bounty, error) {
	var (
		b               bounty.Bounty
		status          string
		guildID, dispID *string
	)
	err := row.Scan(&b.ID, &b.ClientID, &b.Title, &b.Description, &b.RewardCredits, &b.ClientStake, &b.GuildStakeRequired,
		&status, &guildID, &b.GuildStakeLocked, &dispID, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return bounty.Bounty{}, bounty.ErrNotFound
		}
		return bounty.Bounty{}, fmt.Errorf("pgstore: scan bounty: %w", err)
	}
	b.Status = bounty.Status(status)
	b.AcceptedByGuildID = deref(guildID)
	b.DisputeID = deref(dispID)
	b.CreatedAt = utc(b.CreatedAt)
	b.UpdatedAt = utc(b.UpdatedAt)
	return b, nil
}

func (t *tx) InsertBounty(ctx context.Context, b bounty.Bounty) error {
	const q = `
INSERT INTO bounties (id, client_id, title, description, reward_credits, client_stake, guild_stake_required,
                      status, accepted_by_guild_id, guild_stake_locked, dispute_id, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	_, err := t.tx.Exec(ctx, q, b.ID, b.ClientID, b.Title, b.Description, b.RewardCredits, b.ClientStake, b.GuildStakeRequired,
		string(b.Status), nullString(b.AcceptedByGuildID), b.GuildStakeLocked, nullString(b.DisputeID), b.CreatedAt, b.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: bounty %s", store.ErrConflict, b.ID)
		}
		return fmt.Errorf("pgstore: insert bounty: %w", err)
	}
	return nil
}

func (t *tx) GetBounty(ctx context.Context, id string) (bounty.Bounty, error) {
	return scanBounty(t.tx.QueryRow(ctx, `SELECT `+bountyColumns+` FROM bounties WHERE id = $1`, id))
}

func (t *tx) LockBounty(ctx context.Context, id string) (bounty.Bounty, error) {
	return scanBounty(t.tx.QueryRow(ctx, `SELECT `+bountyColumns+` FROM bounties WHERE id = $1 FOR UPDATE`, id))
}

func (t *tx) UpdateBounty(ctx context.Context, b bounty.Bounty) error {
	const q = `
UPDATE bounties
SET status = $2,
    accepted_by_guild_id = $3,
    guild_stake_locked = $4,
    dispute_id = $5,
    updated_at = $6
WHERE id = $1`
	tag, err := t.tx.Exec(ctx, q, b.ID, string(b.Status), nullString(b.AcceptedByGuildID), b.GuildStakeLocked, nullString(b.DisputeID), b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("pgstore: update bounty: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return bounty.ErrNotFound
	}
	return nil
}
