package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"guildhall/dispute"
	"guildhall/store"
)

const disputeColumns = `id, bounty_id, client_id, guild_id, tier, status,
       client_stake_at_risk, guild_stake_at_risk, reward_credits,
       advisory_ruling, advisory_client_pct, advisory_guild_pct, advisory_reasoning, advisory_model, advisory_at,
       final_ruling, client_percentage, guild_percentage, resolved_at, created_at, updated_at`

func (t *tx) loadDispute(ctx context.Context, query, id string) (dispute.Dispute, error) {
	var d dispute.Dispute
	var tier, status string
	var advRuling, advReason, advModel, finalRuling *string
	var advClient, advGuild *int
	var advAt, resolvedAt *time.Time
	err := t.tx.QueryRow(ctx, query, id).Scan(&d.ID, &d.BountyID, &d.ClientID, &d.GuildID, &tier, &status,
		&d.ClientStakeAtRisk, &d.GuildStakeAtRisk, &d.RewardCredits,
		&advRuling, &advClient, &advGuild, &advReason, &advModel, &advAt,
		&finalRuling, &d.ClientPercentage, &d.GuildPercentage, &resolvedAt, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return dispute.Dispute{}, dispute.ErrNotFound
		}
		return dispute.Dispute{}, fmt.Errorf("pgstore: scan dispute: %w", err)
	}
	d.Tier = dispute.Tier(tier)
	d.Status = dispute.Status(status)
	d.FinalRuling = dispute.Ruling(deref(finalRuling))
	d.CreatedAt, d.UpdatedAt = utc(d.CreatedAt), utc(d.UpdatedAt)
	if resolvedAt != nil {
		at := resolvedAt.UTC()
		d.ResolvedAt = &at
	}
	if advRuling != nil {
		a := dispute.Advisory{
			Ruling:    dispute.Ruling(*advRuling),
			Reasoning: deref(advReason),
			Model:     deref(advModel),
		}
		if advClient != nil {
			a.ClientPercentage = *advClient
		}
		if advGuild != nil {
			a.GuildPercentage = *advGuild
		}
		if advAt != nil {
			a.CreatedAt = advAt.UTC()
		}
		d.Advisory = &a
	}

	rows, err := t.tx.Query(ctx, `SELECT guild_id FROM dispute_jurors WHERE dispute_id = $1 ORDER BY position`, d.ID)
	if err != nil {
		return dispute.Dispute{}, fmt.Errorf("pgstore: load jurors: %w", err)
	}
	jurors, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return dispute.Dispute{}, fmt.Errorf("pgstore: load jurors: %w", err)
	}
	if len(jurors) > 0 {
		d.Jurors = jurors
	}
	return d, nil
}

func (t *tx) InsertDispute(ctx context.Context, d dispute.Dispute) error {
	const q = `
INSERT INTO disputes (id, bounty_id, client_id, guild_id, tier, status,
                      client_stake_at_risk, guild_stake_at_risk, reward_credits, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err := t.tx.Exec(ctx, q, d.ID, d.BountyID, d.ClientID, d.GuildID, string(d.Tier), string(d.Status),
		d.ClientStakeAtRisk, d.GuildStakeAtRisk, d.RewardCredits, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: bounty %s already disputed", store.ErrConflict, d.BountyID)
		}
		return fmt.Errorf("pgstore: insert dispute: %w", err)
	}
	return nil
}

func (t *tx) GetDispute(ctx context.Context, id string) (dispute.Dispute, error) {
	return t.loadDispute(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id)
}

func (t *tx) LockDispute(ctx context.Context, id string) (dispute.Dispute, error) {
	return t.loadDispute(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1 FOR UPDATE`, id)
}

func (t *tx) UpdateDispute(ctx context.Context, d dispute.Dispute) error {
	var (
		tag pgconn.CommandTag
		err error
	)
	if d.Advisory == nil {
		tag, err = t.tx.Exec(ctx, `UPDATE disputes SET tier = $2, status = $3, updated_at = $4 WHERE id = $1`,
			d.ID, string(d.Tier), string(d.Status), d.UpdatedAt)
	} else {
		a := d.Advisory
		tag, err = t.tx.Exec(ctx, `
UPDATE disputes
SET tier = $2,
    status = $3,
    advisory_ruling = $4,
    advisory_client_pct = $5,
    advisory_guild_pct = $6,
    advisory_reasoning = $7,
    advisory_model = $8,
    advisory_at = $9,
    updated_at = $10
WHERE id = $1`,
			d.ID, string(d.Tier), string(d.Status), string(a.Ruling), a.ClientPercentage, a.GuildPercentage,
			a.Reasoning, a.Model, a.CreatedAt, d.UpdatedAt)
	}
	if err != nil {
		return fmt.Errorf("pgstore: update dispute: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return dispute.ErrNotFound
	}
	return nil
}

func (t *tx) AssignJurors(ctx context.Context, disputeID string, jurors []string) error {
	batch := &pgx.Batch{}
	for i, id := range jurors {
		batch.Queue(`INSERT INTO dispute_jurors (dispute_id, guild_id, position) VALUES ($1, $2, $3)`, disputeID, id, i)
	}
	results := t.tx.SendBatch(ctx, batch)
	defer results.Close()
	for range jurors {
		if _, err := results.Exec(); err != nil {
			switch {
			case isUniqueViolation(err):
				return fmt.Errorf("%w: jurors already assigned to %s", store.ErrConflict, disputeID)
			case isForeignKeyViolation(err):
				return dispute.ErrNotFound
			}
			return fmt.Errorf("pgstore: assign jurors: %w", err)
		}
	}
	return nil
}

func (t *tx) AppendEvidence(ctx context.Context, e dispute.Evidence) error {
	images, links := e.Images, e.Links
	if images == nil {
		images = []string{}
	}
	if links == nil {
		links = []string{}
	}
	const q = `
INSERT INTO dispute_evidence (id, dispute_id, party, submitted_by, body, images, links, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := t.tx.Exec(ctx, q, e.ID, e.DisputeID, string(e.Party), e.SubmittedBy, e.Text, images, links, e.CreatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return dispute.ErrNotFound
		}
		return fmt.Errorf("pgstore: append evidence: %w", err)
	}
	return nil
}

func (t *tx) ListEvidence(ctx context.Context, disputeID string) ([]dispute.Evidence, error) {
	rows, err := t.tx.Query(ctx, `
SELECT id, dispute_id, party, submitted_by, body, images, links, created_at
FROM dispute_evidence
WHERE dispute_id = $1
ORDER BY created_at, id`, disputeID)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list evidence: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (dispute.Evidence, error) {
		var e dispute.Evidence
		var party string
		err := row.Scan(&e.ID, &e.DisputeID, &party, &e.SubmittedBy, &e.Text, &e.Images, &e.Links, &e.CreatedAt)
		e.Party = dispute.Party(party)
		e.CreatedAt = utc(e.CreatedAt)
		return e, err
	})
}

func (t *tx) AppendVote(ctx context.Context, v dispute.Vote) error {
	const q = `
INSERT INTO tribunal_votes (dispute_id, guild_id, vote, staked_amount, cast_by, cast_at)
VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := t.tx.Exec(ctx, q, v.DisputeID, v.GuildID, string(v.Vote), v.StakedAmount, v.CastBy, v.CastAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s already voted on %s", store.ErrConflict, v.GuildID, v.DisputeID)
		}
		return fmt.Errorf("pgstore: append vote: %w", err)
	}
	return nil
}

func (t *tx) ListVotes(ctx context.Context, disputeID string) ([]dispute.Vote, error) {
	rows, err := t.tx.Query(ctx, `
SELECT dispute_id, guild_id, vote, staked_amount, cast_by, cast_at
FROM tribunal_votes
WHERE dispute_id = $1
ORDER BY cast_at, guild_id`, disputeID)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list votes: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (dispute.Vote, error) {
		var v dispute.Vote
		var vote string
		err := row.Scan(&v.DisputeID, &v.GuildID, &vote, &v.StakedAmount, &v.CastBy, &v.CastAt)
		v.Vote = dispute.Ruling(vote)
		v.CastAt = utc(v.CastAt)
		return v, err
	})
}

// ResolveDispute is the compare-and-swap that makes settlement happen at
// most once: only one transaction can move the row out of in_tribunal.
func (t *tx) ResolveDispute(ctx context.Context, id string, ruling dispute.Ruling, clientPct, guildPct int, at time.Time) (bool, error) {
	const updateSQL = `
UPDATE disputes
SET status = 'resolved',
    final_ruling = $2,
    client_percentage = $3,
    guild_percentage = $4,
    resolved_at = $5,
    updated_at = $5
WHERE id = $1 AND status = 'in_tribunal'
RETURNING id`
	var resolvedID string
	err := t.tx.QueryRow(ctx, updateSQL, id, string(ruling), clientPct, guildPct, at.UTC()).Scan(&resolvedID)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("pgstore: resolve dispute: %w", err)
	}

	var exists bool
	if err := t.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM disputes WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("pgstore: resolve dispute check: %w", err)
	}
	if !exists {
		return false, dispute.ErrNotFound
	}
	return false, nil
}

func (t *tx) ListSettleable(ctx context.Context) ([]string, error) {
	rows, err := t.tx.Query(ctx, `
SELECT d.id
FROM disputes d
JOIN LATERAL (SELECT count(*) AS n FROM dispute_jurors j WHERE j.dispute_id = d.id) jurors ON true
JOIN LATERAL (SELECT count(*) AS n FROM tribunal_votes v WHERE v.dispute_id = d.id) votes ON true
WHERE d.status = 'in_tribunal'
  AND jurors.n > 0
  AND votes.n = jurors.n
ORDER BY d.id`)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list settleable: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}
