// Package dispute is the dispute state machine. It owns every mutation of a
// Dispute and the dispute-side mutations of its Bounty, and checks the
// cross-entity consistency between the two on every read.
//
// Lifecycle:
//
//	open/negotiation --BeginAIAnalysis--> ai_analysis/ai_arbiter
//	ai_analysis/ai_arbiter --Escalate--> in_tribunal/tribunal
//	in_tribunal --last vote (CAS)--> resolved
//
// Resolved is terminal.
package dispute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"guildhall/account"
	"guildhall/bounty"
	"guildhall/fault"
	"guildhall/metrics"
)

var (
	ErrNotFound          = fault.New(fault.ErrNotFound, "dispute: not found")
	ErrAlreadyResolved   = fault.New(fault.ErrInvalidStateTransition, "dispute: already resolved")
	ErrInvalidTransition = fault.New(fault.ErrInvalidStateTransition, "dispute: invalid state transition")
	ErrNotParty          = fault.New(fault.ErrAuthorization, "dispute: actor is not a party to the dispute")
	ErrAlreadyDisputed   = fault.New(fault.ErrConflict, "dispute: bounty already has a dispute")
	ErrEvidenceRequired  = fault.New(fault.ErrValidation, "dispute: evidence is required")
	ErrInconsistent      = fault.New(fault.ErrInvariantViolation, "dispute: bounty and dispute out of sync")
)

// Store persists disputes inside the caller's transaction.
type Store interface {
	bounty.Store
	account.Reader

	// InsertDispute fails with a conflict when the bounty already has one.
	InsertDispute(ctx context.Context, d Dispute) error
	GetDispute(ctx context.Context, id string) (Dispute, error)
	// LockDispute loads the dispute and holds its row lock until the
	// transaction ends. Every mutation goes through it.
	LockDispute(ctx context.Context, id string) (Dispute, error)
	// UpdateDispute writes tier, status and advisory.
	UpdateDispute(ctx context.Context, d Dispute) error
	// AssignJurors stores the tribunal once; a second call conflicts.
	AssignJurors(ctx context.Context, disputeID string, jurors []string) error
	AppendEvidence(ctx context.Context, e Evidence) error
	ListEvidence(ctx context.Context, disputeID string) ([]Evidence, error)
	// AppendVote fails with a conflict when the guild already voted.
	AppendVote(ctx context.Context, v Vote) error
	ListVotes(ctx context.Context, disputeID string) ([]Vote, error)
	// ResolveDispute moves the dispute from in_tribunal to resolved and
	// reports whether this call performed the move.
	ResolveDispute(ctx context.Context, id string, ruling Ruling, clientPct, guildPct int, at time.Time) (bool, error)
}

// JurorPicker selects the tribunal for a dispute.
type JurorPicker func(ctx context.Context, d Dispute) ([]string, error)

// Machine applies dispute transitions.
type Machine struct {
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

func NewMachine(logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		logger: logger,
		now:    time.Now,
		newID:  func() string { return uuid.NewString() },
	}
}

func (m *Machine) WithClock(now func() time.Time) *Machine {
	m.now = now
	return m
}

func (m *Machine) WithIDGenerator(gen func() string) *Machine {
	m.newID = gen
	return m
}

// Raise opens a dispute in the negotiation tier against a submitted or
// under-review bounty. Only the bounty's client may raise it.
func (m *Machine) Raise(ctx context.Context, s Store, p RaiseParams) (Dispute, error) {
	if strings.TrimSpace(p.Text) == "" {
		return Dispute{}, ErrEvidenceRequired
	}
	b, err := s.LockBounty(ctx, p.BountyID)
	if err != nil {
		return Dispute{}, err
	}
	if b.ClientID != p.ActorID {
		return Dispute{}, ErrNotParty
	}
	if b.DisputeID != "" {
		return Dispute{}, ErrAlreadyDisputed
	}
	if !b.Status.Disputable() {
		return Dispute{}, fmt.Errorf("%w: bounty is %s", ErrInvalidTransition, b.Status)
	}

	now := m.now().UTC()
	d := Dispute{
		ID:                m.newID(),
		BountyID:          b.ID,
		ClientID:          b.ClientID,
		GuildID:           b.AcceptedByGuildID,
		Tier:              TierNegotiation,
		Status:            StatusOpen,
		ClientStakeAtRisk: b.Escrowed(),
		GuildStakeAtRisk:  b.GuildStakeLocked,
		RewardCredits:     b.RewardCredits,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.InsertDispute(ctx, d); err != nil {
		return Dispute{}, fmt.Errorf("dispute: insert: %w", err)
	}
	if _, err := m.appendEvidence(ctx, s, d.ID, PartyClient, p.ActorID, p.Text, p.Images, p.Links); err != nil {
		return Dispute{}, err
	}

	b.Status = bounty.StatusDisputed
	b.DisputeID = d.ID
	b.UpdatedAt = now
	if err := bounty.CheckInvariant(b); err != nil {
		return Dispute{}, err
	}
	if err := s.UpdateBounty(ctx, b); err != nil {
		return Dispute{}, fmt.Errorf("dispute: update bounty: %w", err)
	}

	metrics.RecordDisputeTransition(string(StatusOpen))
	m.logger.Info("dispute raised", "disputeID", d.ID, "bountyID", b.ID, "guildID", d.GuildID)
	return d, nil
}

// BeginAIAnalysis moves a negotiation-tier dispute to the AI arbiter.
// Calling it again while the advisory is still missing is allowed so a
// failed advisor call can be retried.
func (m *Machine) BeginAIAnalysis(ctx context.Context, s Store, actorID, disputeID string) (Dispute, error) {
	d, err := m.lockMutable(ctx, s, disputeID)
	if err != nil {
		return Dispute{}, err
	}
	if _, err := m.authorize(ctx, s, d, actorID); err != nil {
		return Dispute{}, err
	}

	switch {
	case d.Status == StatusOpen && d.Tier == TierNegotiation:
	case d.Status == StatusAIAnalysis && d.Tier == TierAIArbiter && d.Advisory == nil:
		return d, nil
	default:
		return Dispute{}, fmt.Errorf("%w: ai analysis from %s/%s", ErrInvalidTransition, d.Status, d.Tier)
	}

	d.Status = StatusAIAnalysis
	d.Tier = TierAIArbiter
	if err := m.update(ctx, s, &d); err != nil {
		return Dispute{}, err
	}
	metrics.RecordDisputeTransition(string(StatusAIAnalysis))
	return d, nil
}

// RecordAdvisory stores the AI recommendation. It never changes tier or
// status.
func (m *Machine) RecordAdvisory(ctx context.Context, s Store, disputeID string, a Advisory) (Dispute, error) {
	if !a.Ruling.Valid() {
		return Dispute{}, fault.New(fault.ErrValidation, "dispute: advisory ruling %q", a.Ruling)
	}
	if a.ClientPercentage < 0 || a.GuildPercentage < 0 || a.ClientPercentage+a.GuildPercentage != 100 {
		return Dispute{}, fault.New(fault.ErrValidation, "dispute: advisory split %d/%d", a.ClientPercentage, a.GuildPercentage)
	}
	d, err := m.lockMutable(ctx, s, disputeID)
	if err != nil {
		return Dispute{}, err
	}
	if d.Tier != TierAIArbiter {
		return Dispute{}, fmt.Errorf("%w: advisory in tier %s", ErrInvalidTransition, d.Tier)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = m.now().UTC()
	}
	d.Advisory = &a
	if err := m.update(ctx, s, &d); err != nil {
		return Dispute{}, err
	}
	return d, nil
}

// Escalate moves an AI-arbiter dispute into the tribunal with the jurors
// returned by pick. When pick fails nothing is written.
func (m *Machine) Escalate(ctx context.Context, s Store, actorID, disputeID string, pick JurorPicker) (Dispute, error) {
	d, err := m.lockMutable(ctx, s, disputeID)
	if err != nil {
		return Dispute{}, err
	}
	if _, err := m.authorize(ctx, s, d, actorID); err != nil {
		return Dispute{}, err
	}
	if d.Tier != TierAIArbiter || d.Status != StatusAIAnalysis {
		return Dispute{}, fmt.Errorf("%w: escalate from %s/%s", ErrInvalidTransition, d.Status, d.Tier)
	}

	jurors, err := pick(ctx, d)
	if err != nil {
		return Dispute{}, err
	}
	if len(jurors) != JurorCount {
		m.logger.Error("juror selection returned wrong size", "fatal", true, "disputeID", d.ID, "jurors", len(jurors))
		metrics.RecordInvariantViolation("dispute")
		return Dispute{}, fault.New(fault.ErrInvariantViolation, "dispute: %d jurors selected", len(jurors))
	}
	if err := s.AssignJurors(ctx, d.ID, jurors); err != nil {
		return Dispute{}, fmt.Errorf("dispute: assign jurors: %w", err)
	}

	d.Jurors = jurors
	d.Tier = TierTribunal
	d.Status = StatusInTribunal
	if err := m.update(ctx, s, &d); err != nil {
		return Dispute{}, err
	}
	metrics.RecordDisputeTransition(string(StatusInTribunal))
	m.logger.Info("dispute escalated", "disputeID", d.ID, "jurors", jurors)
	return d, nil
}

// AppendEvidence records evidence from the client or from the guild's
// master or an officer. Allowed in every non-terminal state.
func (m *Machine) AppendEvidence(ctx context.Context, s Store, p EvidenceParams) (Evidence, error) {
	if strings.TrimSpace(p.Text) == "" && len(p.Images) == 0 && len(p.Links) == 0 {
		return Evidence{}, ErrEvidenceRequired
	}
	d, err := m.lockMutable(ctx, s, p.DisputeID)
	if err != nil {
		return Evidence{}, err
	}
	party, err := m.authorize(ctx, s, d, p.ActorID)
	if err != nil {
		return Evidence{}, err
	}
	if p.Party != "" && p.Party != party {
		return Evidence{}, fmt.Errorf("%w: actor speaks for %s, not %s", ErrNotParty, party, p.Party)
	}
	return m.appendEvidence(ctx, s, d.ID, party, p.ActorID, p.Text, p.Images, p.Links)
}

// Snapshot assembles the dispute with its bounty, evidence and votes, and
// verifies the two records agree.
func (m *Machine) Snapshot(ctx context.Context, s Store, disputeID string) (Snapshot, error) {
	d, err := s.GetDispute(ctx, disputeID)
	if err != nil {
		return Snapshot{}, err
	}
	b, err := s.GetBounty(ctx, d.BountyID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("dispute: load bounty: %w", err)
	}
	if err := m.CheckConsistency(d, b); err != nil {
		return Snapshot{}, err
	}
	evidence, err := s.ListEvidence(ctx, d.ID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("dispute: list evidence: %w", err)
	}
	votes, err := s.ListVotes(ctx, d.ID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("dispute: list votes: %w", err)
	}
	return Snapshot{Dispute: d, Bounty: b, Evidence: evidence, Votes: votes}, nil
}

// CheckConsistency verifies that bounty and dispute point at each other and
// that their statuses agree.
func (m *Machine) CheckConsistency(d Dispute, b bounty.Bounty) error {
	var problem string
	switch {
	case b.DisputeID != d.ID || d.BountyID != b.ID:
		problem = "references differ"
	case d.Status == StatusResolved && b.Status != bounty.StatusCompleted && b.Status != bounty.StatusFailed:
		problem = "resolved dispute on unsettled bounty"
	case d.Status != StatusResolved && b.Status != bounty.StatusDisputed:
		problem = "live dispute on bounty that is not disputed"
	}
	if problem == "" {
		return nil
	}
	m.logger.Error("dispute consistency check failed", "fatal", true,
		"disputeID", d.ID, "bountyID", b.ID, "disputeStatus", d.Status, "bountyStatus", b.Status, "problem", problem)
	metrics.RecordInvariantViolation("dispute")
	return fmt.Errorf("%w: %s", ErrInconsistent, problem)
}

func (m *Machine) lockMutable(ctx context.Context, s Store, disputeID string) (Dispute, error) {
	d, err := s.LockDispute(ctx, disputeID)
	if err != nil {
		return Dispute{}, err
	}
	if d.Status == StatusResolved {
		return Dispute{}, ErrAlreadyResolved
	}
	return d, nil
}

func (m *Machine) authorize(ctx context.Context, s Store, d Dispute, actorID string) (Party, error) {
	if actorID != "" && actorID == d.ClientID {
		return PartyClient, nil
	}
	guild, err := s.GetGuild(ctx, d.GuildID)
	if err != nil {
		if errors.Is(err, fault.ErrNotFound) {
			return "", ErrNotParty
		}
		return "", fmt.Errorf("dispute: load guild: %w", err)
	}
	if guild.CanSpeakFor(actorID) {
		return PartyGuild, nil
	}
	return "", ErrNotParty
}

func (m *Machine) appendEvidence(ctx context.Context, s Store, disputeID string, party Party, actorID, text string, images, links []string) (Evidence, error) {
	e := Evidence{
		ID:          m.newID(),
		DisputeID:   disputeID,
		Party:       party,
		SubmittedBy: actorID,
		Text:        strings.TrimSpace(text),
		Images:      images,
		Links:       links,
		CreatedAt:   m.now().UTC(),
	}
	if err := s.AppendEvidence(ctx, e); err != nil {
		return Evidence{}, fmt.Errorf("dispute: append evidence: %w", err)
	}
	return e, nil
}

func (m *Machine) update(ctx context.Context, s Store, d *Dispute) error {
	d.UpdatedAt = m.now().UTC()
	if err := s.UpdateDispute(ctx, *d); err != nil {
		return fmt.Errorf("dispute: update: %w", err)
	}
	return nil
}

// CloseBounty moves the disputed bounty to its settled status and clears
// the guild stake, which settlement has already paid out.
func CloseBounty(ctx context.Context, s bounty.Store, d Dispute, status bounty.Status, at time.Time) (bounty.Bounty, error) {
	b, err := s.LockBounty(ctx, d.BountyID)
	if err != nil {
		return bounty.Bounty{}, err
	}
	if b.DisputeID != d.ID || b.Status != bounty.StatusDisputed {
		return bounty.Bounty{}, fmt.Errorf("%w: bounty %s is %s", ErrInconsistent, b.ID, b.Status)
	}
	if !bounty.CanTransition(b.Status, status) {
		return bounty.Bounty{}, fmt.Errorf("%w: bounty %s -> %s", ErrInvalidTransition, b.Status, status)
	}
	b.Status = status
	b.GuildStakeLocked = 0
	b.UpdatedAt = at
	if err := bounty.CheckInvariant(b); err != nil {
		return bounty.Bounty{}, err
	}
	if err := s.UpdateBounty(ctx, b); err != nil {
		return bounty.Bounty{}, fmt.Errorf("dispute: close bounty: %w", err)
	}
	return b, nil
}
