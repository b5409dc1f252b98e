package engine

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"guildhall/account"
	"guildhall/advisor"
	"guildhall/dispute"
	"guildhall/metrics"
	"guildhall/notify"
	"guildhall/store"
	"guildhall/tribunal"
	"guildhall/trust"
)

// VoteResult reports the tribunal after a vote and, when the vote was the
// last one, the outcome of settlement.
type VoteResult struct {
	DisputeID string
	Votes     int
	Jurors    int
	Complete  bool
	// Resolved is true when the dispute is resolved after this call,
	// whether or not this call did the settling.
	Resolved bool
	Ruling   dispute.Ruling
}

// TrustResult is a recomputed trust state.
type TrustResult struct {
	AccountID     string
	Score         int
	Rank          trust.Rank
	PreviousScore int
	PreviousRank  trust.Rank
	Transition    trust.Transition
}

// RaiseDispute opens a dispute on a delivered bounty and returns its id.
func (e *Engine) RaiseDispute(ctx context.Context, p dispute.RaiseParams) (id string, err error) {
	ctx, end := e.span(ctx, "RaiseDispute", attribute.String("bounty_id", p.BountyID))
	defer func() { end(err) }()

	err = e.inTx(ctx, func(tx store.Tx) error {
		d, err := e.machine.Raise(ctx, tx, p)
		if err != nil {
			return err
		}
		id = d.ID
		speakers, err := guildSpeakers(ctx, tx, d.GuildID)
		if err != nil {
			return err
		}
		return e.notes.Push(ctx, tx, messages(speakers, notify.KindDisputeRaised, d.ID,
			fmt.Sprintf("A dispute was raised on bounty %s", d.BountyID))...)
	})
	return id, err
}

// SubmitEvidence appends evidence from either party and tells the other
// side about it.
func (e *Engine) SubmitEvidence(ctx context.Context, p dispute.EvidenceParams) (err error) {
	ctx, end := e.span(ctx, "SubmitEvidence", attribute.String("dispute_id", p.DisputeID))
	defer func() { end(err) }()

	return e.inTx(ctx, func(tx store.Tx) error {
		ev, err := e.machine.AppendEvidence(ctx, tx, p)
		if err != nil {
			return err
		}
		d, err := tx.GetDispute(ctx, ev.DisputeID)
		if err != nil {
			return err
		}
		recipients := []string{d.ClientID}
		if ev.Party == dispute.PartyClient {
			if recipients, err = guildSpeakers(ctx, tx, d.GuildID); err != nil {
				return err
			}
		}
		return e.notes.Push(ctx, tx, messages(recipients, notify.KindDisputeEvidence, d.ID,
			fmt.Sprintf("New %s evidence on dispute %s", ev.Party, d.ID))...)
	})
}

// RequestAIAnalysis moves the dispute to the AI arbiter tier and returns
// the advisor's recommendation. The advisor is called outside any
// transaction; if it fails the dispute stays in ai_analysis and the call
// can be repeated. A recommendation already on record is returned as is.
func (e *Engine) RequestAIAnalysis(ctx context.Context, actorID, disputeID string) (advice advisor.Advice, err error) {
	ctx, end := e.span(ctx, "RequestAIAnalysis", attribute.String("dispute_id", disputeID))
	defer func() { end(err) }()

	var req advisor.Request
	var existing *dispute.Advisory
	err = e.inTx(ctx, func(tx store.Tx) error {
		d, err := tx.GetDispute(ctx, disputeID)
		if err != nil {
			return err
		}
		if d.Tier == dispute.TierAIArbiter && d.Advisory != nil {
			if err := checkParty(ctx, tx, d, actorID); err != nil {
				return err
			}
			existing = d.Advisory
			return nil
		}
		if _, err := e.machine.BeginAIAnalysis(ctx, tx, actorID, disputeID); err != nil {
			return err
		}
		snap, err := e.machine.Snapshot(ctx, tx, disputeID)
		if err != nil {
			return err
		}
		req = advisor.Request{
			DisputeID:   snap.Dispute.ID,
			Title:       snap.Bounty.Title,
			Reward:      snap.Dispute.RewardCredits,
			ClientStake: snap.Dispute.ClientStake(),
			GuildStake:  snap.Dispute.GuildStakeAtRisk,
			Evidence:    snap.Evidence,
		}
		return nil
	})
	if err != nil {
		return advisor.Advice{}, err
	}
	if existing != nil {
		return advisor.FromAdvisory(*existing), nil
	}

	advice, err = e.advisor.Advise(ctx, req)
	if err != nil {
		e.logger.Warn("ai advisor failed", "disputeID", disputeID, "error", err)
		return advisor.Advice{}, fmt.Errorf("engine: ai analysis: %w", err)
	}
	advice = advisor.Normalize(advice)

	err = e.inTx(ctx, func(tx store.Tx) error {
		d, err := tx.LockDispute(ctx, disputeID)
		if err != nil {
			return err
		}
		if d.Advisory != nil {
			// A concurrent request recorded first.
			advice = advisor.FromAdvisory(*d.Advisory)
			return nil
		}
		d, err = e.machine.RecordAdvisory(ctx, tx, disputeID, advice.Advisory(e.now().UTC()))
		if err != nil {
			return err
		}
		speakers, err := guildSpeakers(ctx, tx, d.GuildID)
		if err != nil {
			return err
		}
		return e.notes.Push(ctx, tx, messages(append(speakers, d.ClientID), notify.KindAIAdvisory, d.ID,
			fmt.Sprintf("AI arbiter recommends %s (%d/%d)", advice.Ruling, advice.ClientPercentage, advice.GuildPercentage))...)
	})
	if err != nil {
		return advisor.Advice{}, err
	}
	return advice, nil
}

// EscalateToTribunal selects the jurors and moves the dispute to the
// tribunal tier. With too few eligible guilds nothing changes.
func (e *Engine) EscalateToTribunal(ctx context.Context, actorID, disputeID string) (jurors []string, err error) {
	ctx, end := e.span(ctx, "EscalateToTribunal", attribute.String("dispute_id", disputeID))
	defer func() { end(err) }()

	err = e.inTx(ctx, func(tx store.Tx) error {
		pick := func(ctx context.Context, d dispute.Dispute) ([]string, error) {
			return e.tribunal.SelectJurors(ctx, tx, d)
		}
		d, err := e.machine.Escalate(ctx, tx, actorID, disputeID, pick)
		if err != nil {
			return err
		}
		jurors = d.Jurors

		var masters []string
		for _, id := range d.Jurors {
			g, err := tx.GetGuild(ctx, id)
			if err != nil {
				return fmt.Errorf("engine: load juror guild: %w", err)
			}
			masters = append(masters, g.MasterID)
		}
		return e.notes.Push(ctx, tx, messages(masters, notify.KindJurorSelected, d.ID,
			fmt.Sprintf("Your guild was selected as a juror for dispute %s", d.ID))...)
	})
	return jurors, err
}

// CastTribunalVote records a juror's vote. The last vote triggers
// settlement in a separate transaction; if that fails the vote stands and
// SettlePending retries later.
func (e *Engine) CastTribunalVote(ctx context.Context, p tribunal.VoteParams) (res VoteResult, err error) {
	ctx, end := e.span(ctx, "CastTribunalVote",
		attribute.String("dispute_id", p.DisputeID),
		attribute.String("guild_id", p.GuildID),
		attribute.String("vote", string(p.Vote)),
	)
	defer func() { end(err) }()

	var out tribunal.VoteOutcome
	err = e.inTx(ctx, func(tx store.Tx) error {
		var err error
		out, err = e.tribunal.CastVote(ctx, tx, p)
		return err
	})
	if err != nil {
		return VoteResult{}, err
	}
	res = VoteResult{
		DisputeID: p.DisputeID,
		Votes:     out.Votes,
		Jurors:    len(out.Dispute.Jurors),
		Complete:  out.Complete,
	}
	if !out.Complete {
		return res, nil
	}

	fin, ferr := e.finalize(ctx, p.DisputeID)
	if ferr != nil {
		e.logger.Error("settlement after final vote failed; left for retry", "disputeID", p.DisputeID, "error", ferr)
		return res, nil
	}
	res.Resolved = fin.Ruling != ""
	res.Ruling = fin.Ruling
	return res, nil
}

// GetDisputeState returns the dispute with its bounty, evidence and votes.
func (e *Engine) GetDisputeState(ctx context.Context, disputeID string) (snap dispute.Snapshot, err error) {
	ctx, end := e.span(ctx, "GetDisputeState", attribute.String("dispute_id", disputeID))
	defer func() { end(err) }()

	err = e.inTx(ctx, func(tx store.Tx) error {
		var err error
		snap, err = e.machine.Snapshot(ctx, tx, disputeID)
		return err
	})
	return snap, err
}

// RecomputeTrust derives an account's score and rank from its history.
func (e *Engine) RecomputeTrust(ctx context.Context, accountID string) (res TrustResult, err error) {
	ctx, end := e.span(ctx, "RecomputeTrust", attribute.String("account_id", accountID))
	defer func() { end(err) }()

	err = e.inTx(ctx, func(tx store.Tx) error {
		change, err := account.Recompute(ctx, tx, accountID, e.newID, e.now().UTC())
		if err != nil {
			return err
		}
		res = TrustResult{
			AccountID:     change.AccountID,
			Score:         change.ScoreAfter,
			Rank:          change.RankAfter,
			PreviousScore: change.ScoreBefore,
			PreviousRank:  change.RankBefore,
			Transition:    change.Transition,
		}
		if change.Transition == trust.Unchanged {
			return nil
		}
		owner, err := accountOwner(ctx, tx, accountID)
		if err != nil {
			return err
		}
		return e.notes.Push(ctx, tx, notify.Message{
			UserID:    owner,
			Kind:      notify.KindRankChanged,
			Text:      fmt.Sprintf("Rank changed from %s to %s", change.RankBefore, change.RankAfter),
			Reference: accountID,
		})
	})
	if err == nil {
		metrics.RecordTrustRecompute(string(res.Transition))
	}
	return res, err
}

// SettlePending settles every tribunal whose votes are all in but which is
// still unresolved, and returns how many this call settled.
func (e *Engine) SettlePending(ctx context.Context) (settled int, err error) {
	ctx, end := e.span(ctx, "SettlePending")
	defer func() { end(err) }()

	var ids []string
	err = e.inTx(ctx, func(tx store.Tx) error {
		var err error
		ids, err = tx.ListSettleable(ctx)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("engine: list settleable: %w", err)
	}

	var firstErr error
	for _, id := range ids {
		fin, err := e.finalize(ctx, id)
		if err != nil {
			e.logger.Error("pending settlement failed", "disputeID", id, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if fin.Won {
			settled++
		}
	}
	return settled, firstErr
}

// finalize resolves and settles disputeID if it is ready. Notifications
// go out in the settling transaction; trust refresh follows the commit.
func (e *Engine) finalize(ctx context.Context, disputeID string) (tribunal.Finalization, error) {
	var (
		fin      tribunal.Finalization
		affected []string
	)
	err := e.inTx(ctx, func(tx store.Tx) error {
		var err error
		fin, err = e.tribunal.Finalize(ctx, tx, disputeID)
		if err != nil || !fin.Won {
			return err
		}
		d, err := tx.GetDispute(ctx, disputeID)
		if err != nil {
			return err
		}
		if err := e.machine.CheckConsistency(d, fin.Settled.Bounty); err != nil {
			return err
		}
		affected = append([]string{d.ClientID, d.GuildID}, d.Jurors...)

		speakers, err := guildSpeakers(ctx, tx, d.GuildID)
		if err != nil {
			return err
		}
		recipients := append(speakers, d.ClientID)
		for _, id := range d.Jurors {
			g, err := tx.GetGuild(ctx, id)
			if err != nil {
				return fmt.Errorf("engine: load juror guild: %w", err)
			}
			recipients = append(recipients, g.MasterID)
		}
		return e.notes.Push(ctx, tx, messages(recipients, notify.KindDisputeResolved, d.ID,
			fmt.Sprintf("Dispute %s resolved: %s", d.ID, fin.Ruling))...)
	})
	if err != nil {
		return tribunal.Finalization{}, err
	}
	if fin.Won {
		e.logger.Info("dispute resolved", "disputeID", disputeID, "ruling", fin.Ruling)
		e.scheduleRecompute(affected...)
	}
	return fin, nil
}

// guildSpeakers returns the users who act for a guild: its master and
// officers.
func guildSpeakers(ctx context.Context, tx store.Tx, guildID string) ([]string, error) {
	g, err := tx.GetGuild(ctx, guildID)
	if err != nil {
		return nil, fmt.Errorf("engine: load guild %s: %w", guildID, err)
	}
	return append([]string{g.MasterID}, g.OfficerIDs...), nil
}

// accountOwner returns the user notified about an account: the user itself
// or a guild's master.
func accountOwner(ctx context.Context, tx store.Tx, accountID string) (string, error) {
	acct, err := tx.GetAccount(ctx, accountID)
	if err != nil {
		return "", err
	}
	if acct.Kind != account.KindGuild {
		return acct.ID, nil
	}
	g, err := tx.GetGuild(ctx, accountID)
	if err != nil {
		return "", fmt.Errorf("engine: load guild: %w", err)
	}
	return g.MasterID, nil
}

func messages(userIDs []string, kind notify.Kind, ref, text string) []notify.Message {
	out := make([]notify.Message, 0, len(userIDs))
	for _, id := range userIDs {
		out = append(out, notify.Message{UserID: id, Kind: kind, Text: text, Reference: ref})
	}
	return out
}

// checkParty rejects actors who neither are the client nor speak for the
// guild.
func checkParty(ctx context.Context, tx store.Tx, d dispute.Dispute, actorID string) error {
	if actorID != "" && actorID == d.ClientID {
		return nil
	}
	g, err := tx.GetGuild(ctx, d.GuildID)
	if err != nil {
		return fmt.Errorf("engine: load guild: %w", err)
	}
	if !g.CanSpeakFor(actorID) {
		return dispute.ErrNotParty
	}
	return nil
}
