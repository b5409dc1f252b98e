// Package bounty implements the client-facing bounty lifecycle up to the
// point where a dispute takes over: posting with escrow, guild acceptance
// with a locked stake, delivery, and approval payout.
package bounty

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"guildhall/account"
	"guildhall/fault"
	"guildhall/ledger"
)

var (
	ErrNotFound          = fault.New(fault.ErrNotFound, "bounty: not found")
	ErrInvalidTransition = fault.New(fault.ErrInvalidStateTransition, "bounty: invalid status transition")
	ErrNotClient         = fault.New(fault.ErrAuthorization, "bounty: actor is not the bounty client")
	ErrNotGuildOfficer   = fault.New(fault.ErrAuthorization, "bounty: actor cannot act for the guild")
	ErrNotAcceptingGuild = fault.New(fault.ErrAuthorization, "bounty: actor is not with the accepting guild")
	ErrInvariant         = fault.New(fault.ErrInvariantViolation, "bounty: guild stake out of sync with status")
)

// Store persists bounties inside the caller's transaction.
type Store interface {
	InsertBounty(ctx context.Context, b Bounty) error
	GetBounty(ctx context.Context, id string) (Bounty, error)
	// LockBounty loads the bounty and holds its row lock until the
	// transaction ends.
	LockBounty(ctx context.Context, id string) (Bounty, error)
	UpdateBounty(ctx context.Context, b Bounty) error
}

// Tx is everything the service touches in one transaction.
type Tx interface {
	Store
	ledger.Store
	account.Reader
	account.StatsStore
}

// Service applies bounty lifecycle operations.
type Service struct {
	ledger *ledger.Ledger
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// NewService builds a service that moves escrow through l.
func NewService(l *ledger.Ledger, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		ledger: l,
		logger: logger,
		now:    time.Now,
		newID:  func() string { return uuid.NewString() },
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.newID = gen
	return s
}

// Post creates an open bounty and escrows reward plus client stake on the
// client account.
func (s *Service) Post(ctx context.Context, tx Tx, p PostParams) (Bounty, error) {
	if err := p.validate(); err != nil {
		return Bounty{}, err
	}
	client, err := tx.GetAccount(ctx, p.ClientID)
	if err != nil {
		return Bounty{}, fmt.Errorf("bounty: load client: %w", err)
	}
	if client.Kind != account.KindUser {
		return Bounty{}, fault.New(fault.ErrValidation, "bounty: only users post bounties")
	}

	now := s.now().UTC()
	b := Bounty{
		ID:                 s.newID(),
		ClientID:           p.ClientID,
		Title:              strings.TrimSpace(p.Title),
		Description:        p.Description,
		RewardCredits:      p.RewardCredits,
		ClientStake:        p.ClientStake,
		GuildStakeRequired: p.GuildStakeRequired,
		Status:             StatusOpen,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := tx.InsertBounty(ctx, b); err != nil {
		return Bounty{}, fmt.Errorf("bounty: insert: %w", err)
	}
	ref := ledger.Ref{Reference: b.ID, Description: "bounty escrow"}
	if _, err := s.ledger.LockStake(ctx, tx, b.ClientID, b.Escrowed(), ref); err != nil {
		return Bounty{}, err
	}
	if err := tx.RecordActivity(ctx, b.ClientID, now); err != nil {
		return Bounty{}, fmt.Errorf("bounty: record activity: %w", err)
	}
	return b, nil
}

// Accept assigns the bounty to a guild and locks the guild's stake.
// actorID must be the guild's master or an officer.
func (s *Service) Accept(ctx context.Context, tx Tx, actorID, bountyID, guildID string) (Bounty, error) {
	guild, err := tx.GetGuild(ctx, guildID)
	if err != nil {
		return Bounty{}, fmt.Errorf("bounty: load guild: %w", err)
	}
	if !guild.CanSpeakFor(actorID) {
		return Bounty{}, ErrNotGuildOfficer
	}

	b, err := tx.LockBounty(ctx, bountyID)
	if err != nil {
		return Bounty{}, err
	}
	if guild.RoleOf(b.ClientID) != "" {
		return Bounty{}, fault.New(fault.ErrValidation, "bounty: client %s belongs to guild %s", b.ClientID, guildID)
	}
	if err := advance(&b, StatusAccepted); err != nil {
		return Bounty{}, err
	}

	ref := ledger.Ref{Reference: b.ID, Description: "guild stake"}
	if _, err := s.ledger.LockStake(ctx, tx, guildID, b.GuildStakeRequired, ref); err != nil {
		return Bounty{}, err
	}
	b.AcceptedByGuildID = guildID
	b.GuildStakeLocked = b.GuildStakeRequired
	return s.save(ctx, tx, b, guildID)
}

// Start marks accepted work as in progress.
func (s *Service) Start(ctx context.Context, tx Tx, actorID, bountyID string) (Bounty, error) {
	return s.guildStep(ctx, tx, actorID, bountyID, StatusInProgress)
}

// Submit hands the work over to the client.
func (s *Service) Submit(ctx context.Context, tx Tx, actorID, bountyID string) (Bounty, error) {
	return s.guildStep(ctx, tx, actorID, bountyID, StatusSubmitted)
}

// BeginReview records that the client is reviewing the submission.
func (s *Service) BeginReview(ctx context.Context, tx Tx, actorID, bountyID string) (Bounty, error) {
	b, err := tx.LockBounty(ctx, bountyID)
	if err != nil {
		return Bounty{}, err
	}
	if b.ClientID != actorID {
		return Bounty{}, ErrNotClient
	}
	if err := advance(&b, StatusUnderReview); err != nil {
		return Bounty{}, err
	}
	return s.save(ctx, tx, b, actorID)
}

// Approve completes the bounty: the reward moves to the guild and both
// stakes are released.
func (s *Service) Approve(ctx context.Context, tx Tx, p ApproveParams) (Bounty, error) {
	if p.Rating < 0 || p.Rating > 5 {
		return Bounty{}, fault.New(fault.ErrValidation, "bounty: rating must be between 1 and 5")
	}
	b, err := tx.LockBounty(ctx, p.BountyID)
	if err != nil {
		return Bounty{}, err
	}
	if b.ClientID != p.ActorID {
		return Bounty{}, ErrNotClient
	}
	if err := advance(&b, StatusCompleted); err != nil {
		return Bounty{}, err
	}

	if err := s.ledger.LockAccounts(ctx, tx, b.ClientID, b.AcceptedByGuildID); err != nil {
		return Bounty{}, err
	}
	ref := ledger.Ref{Reference: b.ID, Description: "bounty reward"}
	if _, err := s.ledger.TransferStake(ctx, tx, ledger.Transfer{
		From:   b.ClientID,
		To:     b.AcceptedByGuildID,
		Amount: b.RewardCredits,
		Ref:    ref,
	}); err != nil {
		return Bounty{}, err
	}
	ref.Description = "stake returned"
	if _, err := s.ledger.ReleaseStake(ctx, tx, b.ClientID, b.ClientStake, ref); err != nil {
		return Bounty{}, err
	}
	if _, err := s.ledger.ReleaseStake(ctx, tx, b.AcceptedByGuildID, b.GuildStakeLocked, ref); err != nil {
		return Bounty{}, err
	}
	b.GuildStakeLocked = 0

	guildDelta := account.StatsDelta{Completed: 1}
	if p.Rating > 0 {
		guildDelta.RatingSum = p.Rating
		guildDelta.RatingCount = 1
	}
	if err := tx.AddStats(ctx, b.AcceptedByGuildID, guildDelta); err != nil {
		return Bounty{}, fmt.Errorf("bounty: guild stats: %w", err)
	}
	if err := tx.AddStats(ctx, b.ClientID, account.StatsDelta{Completed: 1}); err != nil {
		return Bounty{}, fmt.Errorf("bounty: client stats: %w", err)
	}
	if err := tx.RecordActivity(ctx, b.AcceptedByGuildID, s.now()); err != nil {
		return Bounty{}, fmt.Errorf("bounty: record activity: %w", err)
	}
	return s.save(ctx, tx, b, b.ClientID)
}

// Cancel withdraws an open bounty and refunds the escrow.
func (s *Service) Cancel(ctx context.Context, tx Tx, actorID, bountyID string) (Bounty, error) {
	b, err := tx.LockBounty(ctx, bountyID)
	if err != nil {
		return Bounty{}, err
	}
	if b.ClientID != actorID {
		return Bounty{}, ErrNotClient
	}
	if err := advance(&b, StatusCancelled); err != nil {
		return Bounty{}, err
	}
	ref := ledger.Ref{Reference: b.ID, Description: "bounty cancelled"}
	if _, err := s.ledger.ReleaseStake(ctx, tx, b.ClientID, b.Escrowed(), ref); err != nil {
		return Bounty{}, err
	}
	return s.save(ctx, tx, b, actorID)
}

func (s *Service) guildStep(ctx context.Context, tx Tx, actorID, bountyID string, to Status) (Bounty, error) {
	b, err := tx.LockBounty(ctx, bountyID)
	if err != nil {
		return Bounty{}, err
	}
	guild, err := tx.GetGuild(ctx, b.AcceptedByGuildID)
	if err != nil {
		return Bounty{}, fmt.Errorf("bounty: load guild: %w", err)
	}
	if guild.RoleOf(actorID) == "" {
		return Bounty{}, ErrNotAcceptingGuild
	}
	if err := advance(&b, to); err != nil {
		return Bounty{}, err
	}
	return s.save(ctx, tx, b, b.AcceptedByGuildID)
}

func (s *Service) save(ctx context.Context, tx Tx, b Bounty, activeID string) (Bounty, error) {
	b.UpdatedAt = s.now().UTC()
	if err := CheckInvariant(b); err != nil {
		s.logger.Error("bounty invariant violated", "fatal", true, "bountyID", b.ID, "status", b.Status, "guildStakeLocked", b.GuildStakeLocked)
		return Bounty{}, err
	}
	if err := tx.UpdateBounty(ctx, b); err != nil {
		return Bounty{}, fmt.Errorf("bounty: update: %w", err)
	}
	if activeID != "" {
		if err := tx.RecordActivity(ctx, activeID, b.UpdatedAt); err != nil {
			return Bounty{}, fmt.Errorf("bounty: record activity: %w", err)
		}
	}
	return b, nil
}

func advance(b *Bounty, to Status) error {
	if !CanTransition(b.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, b.Status, to)
	}
	b.Status = to
	return nil
}

// CheckInvariant verifies that a guild stake is held exactly while a guild
// is engaged on the bounty.
func CheckInvariant(b Bounty) error {
	engaged := b.Status.GuildEngaged() && b.AcceptedByGuildID != ""
	if engaged != (b.GuildStakeLocked != 0) {
		return fmt.Errorf("%w: status %s, guild %q, stake %d", ErrInvariant, b.Status, b.AcceptedByGuildID, b.GuildStakeLocked)
	}
	return nil
}

func (p PostParams) validate() error {
	switch {
	case p.ClientID == "":
		return fault.New(fault.ErrValidation, "bounty: client id is required")
	case strings.TrimSpace(p.Title) == "":
		return fault.New(fault.ErrValidation, "bounty: title is required")
	case p.RewardCredits <= 0:
		return fault.New(fault.ErrValidation, "bounty: reward must be positive")
	case p.ClientStake < 0:
		return fault.New(fault.ErrValidation, "bounty: client stake must not be negative")
	case p.GuildStakeRequired <= 0:
		return fault.New(fault.ErrValidation, "bounty: guild stake must be positive")
	}
	return nil
}
