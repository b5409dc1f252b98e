// Package tribunal runs the third dispute tier: it picks juror guilds,
// collects their staked votes and, once every juror has voted, resolves the
// dispute exactly once and hands the ruling to settlement.
package tribunal

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"guildhall/account"
	"guildhall/dispute"
	"guildhall/fault"
	"guildhall/ledger"
	"guildhall/metrics"
	"guildhall/settlement"
	"guildhall/trust"
)

// MinJurorScore is the trust score a guild needs to sit on a tribunal.
const MinJurorScore = 500

var jurorRanks = map[trust.Rank]bool{
	trust.RankVeteran:   true,
	trust.RankElite:     true,
	trust.RankLegendary: true,
}

var (
	ErrInsufficientJurors = fault.New(fault.ErrInsufficientJurors, "tribunal: not enough eligible juror guilds")
	ErrNotJuror           = fault.New(fault.ErrAuthorization, "tribunal: guild is not a juror on this dispute")
	ErrNotMaster          = fault.New(fault.ErrAuthorization, "tribunal: only the guild master may cast its vote")
	ErrAlreadyVoted       = fault.New(fault.ErrConflict, "tribunal: guild has already voted")
	ErrInvalidVote        = fault.New(fault.ErrValidation, "tribunal: vote must be client_wins, guild_wins or split")
	ErrInvalidStake       = fault.New(fault.ErrValidation, "tribunal: stake must be positive")
)

// Store is what the coordinator touches in one transaction.
type Store interface {
	dispute.Store
	settlement.Store
	// ListGuildsByTrust returns guild accounts scoring at least minScore.
	ListGuildsByTrust(ctx context.Context, minScore int) ([]account.Account, error)
	// ListSettleable returns in-tribunal disputes whose every juror voted.
	ListSettleable(ctx context.Context) ([]string, error)
}

// VoteParams is one juror ballot.
type VoteParams struct {
	ActorID   string
	DisputeID string
	GuildID   string
	Vote      dispute.Ruling
	Stake     int64
}

// VoteOutcome reports the tribunal after a vote.
type VoteOutcome struct {
	Dispute  dispute.Dispute
	Votes    int
	Complete bool
}

// Finalization is the result of an attempt to close the tribunal.
type Finalization struct {
	// Won is true only for the caller whose status swap succeeded.
	Won     bool
	Ruling  dispute.Ruling
	Settled settlement.Result
}

// Coordinator runs tribunals.
type Coordinator struct {
	ledger *ledger.Ledger
	settle *settlement.Engine
	logger *slog.Logger
	now    func() time.Time

	mu  sync.Mutex
	rng *rand.Rand
}

func NewCoordinator(l *ledger.Ledger, settle *settlement.Engine, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		ledger: l,
		settle: settle,
		logger: logger,
		now:    time.Now,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// WithRand replaces the juror shuffle source.
func (c *Coordinator) WithRand(r *rand.Rand) *Coordinator {
	c.rng = r
	return c
}

func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	c.now = now
	return c
}

// Eligible lists, in id order, every guild that may judge d.
func (c *Coordinator) Eligible(ctx context.Context, s Store, d dispute.Dispute) ([]string, error) {
	candidates, err := s.ListGuildsByTrust(ctx, MinJurorScore)
	if err != nil {
		return nil, fmt.Errorf("tribunal: list candidates: %w", err)
	}
	clientGuilds, err := s.GuildsOfUser(ctx, d.ClientID)
	if err != nil {
		return nil, fmt.Errorf("tribunal: client guilds: %w", err)
	}
	excluded := map[string]bool{d.GuildID: true, d.ClientID: true}
	for _, g := range clientGuilds {
		excluded[g.ID] = true
	}

	var out []string
	for _, a := range candidates {
		if a.Kind != account.KindGuild || excluded[a.ID] {
			continue
		}
		if a.TrustScore < MinJurorScore || !jurorRanks[a.Rank] {
			continue
		}
		out = append(out, a.ID)
	}
	sort.Strings(out)
	return out, nil
}

// SelectJurors draws dispute.JurorCount guilds at random from the eligible
// pool.
func (c *Coordinator) SelectJurors(ctx context.Context, s Store, d dispute.Dispute) ([]string, error) {
	pool, err := c.Eligible(ctx, s, d)
	if err != nil {
		return nil, err
	}
	if len(pool) < dispute.JurorCount {
		return nil, fmt.Errorf("%w: %d eligible, need %d", ErrInsufficientJurors, len(pool), dispute.JurorCount)
	}
	c.mu.Lock()
	c.rng.Shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	c.mu.Unlock()
	return pool[:dispute.JurorCount], nil
}

// CastVote records a juror's vote and locks its stake. If the stake cannot
// be locked nothing is recorded.
func (c *Coordinator) CastVote(ctx context.Context, s Store, p VoteParams) (VoteOutcome, error) {
	if !p.Vote.Valid() {
		return VoteOutcome{}, ErrInvalidVote
	}
	if p.Stake <= 0 {
		return VoteOutcome{}, ErrInvalidStake
	}

	d, err := s.LockDispute(ctx, p.DisputeID)
	if err != nil {
		return VoteOutcome{}, err
	}
	if d.Status == dispute.StatusResolved {
		return VoteOutcome{}, dispute.ErrAlreadyResolved
	}
	if d.Status != dispute.StatusInTribunal {
		return VoteOutcome{}, fmt.Errorf("%w: voting while %s", dispute.ErrInvalidTransition, d.Status)
	}
	if !d.IsJuror(p.GuildID) {
		return VoteOutcome{}, ErrNotJuror
	}
	guild, err := s.GetGuild(ctx, p.GuildID)
	if err != nil {
		return VoteOutcome{}, fmt.Errorf("tribunal: load guild: %w", err)
	}
	if guild.MasterID != p.ActorID {
		return VoteOutcome{}, ErrNotMaster
	}
	votes, err := s.ListVotes(ctx, d.ID)
	if err != nil {
		return VoteOutcome{}, fmt.Errorf("tribunal: list votes: %w", err)
	}
	for _, v := range votes {
		if v.GuildID == p.GuildID {
			return VoteOutcome{}, ErrAlreadyVoted
		}
	}

	ref := ledger.Ref{Reference: d.ID, Description: "juror stake"}
	if _, err := c.ledger.LockStake(ctx, s, p.GuildID, p.Stake, ref); err != nil {
		return VoteOutcome{}, err
	}
	vote := dispute.Vote{
		DisputeID:    d.ID,
		GuildID:      p.GuildID,
		Vote:         p.Vote,
		StakedAmount: p.Stake,
		CastBy:       p.ActorID,
		CastAt:       c.now().UTC(),
	}
	if err := s.AppendVote(ctx, vote); err != nil {
		return VoteOutcome{}, fmt.Errorf("tribunal: append vote: %w", err)
	}
	if err := s.RecordActivity(ctx, p.GuildID, vote.CastAt); err != nil {
		return VoteOutcome{}, fmt.Errorf("tribunal: record activity: %w", err)
	}
	metrics.RecordVote(string(p.Vote))

	n := len(votes) + 1
	c.logger.Info("tribunal vote cast", "disputeID", d.ID, "guildID", p.GuildID, "vote", p.Vote, "votes", n, "jurors", len(d.Jurors))
	return VoteOutcome{Dispute: d, Votes: n, Complete: n == len(d.Jurors)}, nil
}

// Tally returns the plurality ruling. Any tie for the top count yields a
// split.
func Tally(votes []dispute.Vote) dispute.Ruling {
	counts := map[dispute.Ruling]int{}
	for _, v := range votes {
		counts[v.Vote]++
	}
	best, top, tied := dispute.RulingSplit, 0, false
	for _, r := range []dispute.Ruling{dispute.RulingClientWins, dispute.RulingGuildWins, dispute.RulingSplit} {
		switch n := counts[r]; {
		case n > top:
			best, top, tied = r, n, false
		case n == top && n > 0:
			tied = true
		}
	}
	if tied || top == 0 {
		return dispute.RulingSplit
	}
	return best
}

// Finalize resolves a dispute whose every juror voted and settles it in the
// same transaction. Only the caller whose in_tribunal -> resolved swap
// succeeds settles; every other caller gets Won false and no side effects.
func (c *Coordinator) Finalize(ctx context.Context, s Store, disputeID string) (Finalization, error) {
	start := time.Now()
	d, err := s.GetDispute(ctx, disputeID)
	if err != nil {
		return Finalization{}, err
	}
	if d.Status != dispute.StatusInTribunal {
		return Finalization{Ruling: d.FinalRuling}, nil
	}
	votes, err := s.ListVotes(ctx, d.ID)
	if err != nil {
		return Finalization{}, fmt.Errorf("tribunal: list votes: %w", err)
	}
	if len(d.Jurors) == 0 || len(votes) != len(d.Jurors) {
		return Finalization{}, nil
	}

	ruling := Tally(votes)
	plan, err := settlement.NewPlan(d, votes, ruling, settlement.EvenSplit)
	if err != nil {
		return Finalization{}, err
	}

	won, err := s.ResolveDispute(ctx, d.ID, ruling, plan.ClientPercentage, plan.GuildPercentage, c.now().UTC())
	if err != nil {
		return Finalization{}, fmt.Errorf("tribunal: resolve: %w", err)
	}
	if !won {
		return Finalization{Ruling: ruling}, nil
	}

	res, err := c.settle.Execute(ctx, s, d, plan)
	metrics.RecordSettlement(string(ruling), err == nil, time.Since(start).Seconds())
	if err != nil {
		c.logger.Error("settlement failed", "disputeID", d.ID, "ruling", ruling, "error", err)
		return Finalization{}, err
	}
	metrics.RecordDisputeTransition(string(dispute.StatusResolved))
	return Finalization{Won: true, Ruling: ruling, Settled: res}, nil
}
