// Package actors drives the engine from concurrent goroutines during the
// stress run. Domain rejections (state races, insufficient funds, too few
// jurors) and dropped connections are expected under contention and
// chaos, so only an invariant violation stops an actor.
package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"guildhall/bounty"
	"guildhall/decay"
	"guildhall/dispute"
	"guildhall/engine"
	"guildhall/fault"
	"guildhall/notify"
	"guildhall/tribunal"
)

// Cast names the accounts the actors work with.
type Cast struct {
	Clients     []string
	Guild       string
	GuildMaster string
	Jurors      map[string]string // guild id -> master id
}

// Tolerable reports whether err is an expected outcome of contention.
func Tolerable(err error) bool {
	return err == nil || !errors.Is(err, fault.ErrInvariantViolation)
}

func stopped(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stop:
		return true
	default:
		return false
	}
}

func pause(rng *rand.Rand) {
	time.Sleep(time.Duration(5+rng.Intn(20)) * time.Millisecond)
}

// Client posts bounties, has the guild deliver them and then either
// approves the work or disputes it all the way to the tribunal.
func Client(ctx context.Context, eng *engine.Engine, cast Cast, clientID string, seed int64, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	for !stopped(ctx, stop) {
		if err := clientRound(ctx, eng, cast, clientID, rng); !Tolerable(err) {
			return fmt.Errorf("client %s: %w", clientID, err)
		}
		pause(rng)
	}
	return nil
}

func clientRound(ctx context.Context, eng *engine.Engine, cast Cast, clientID string, rng *rand.Rand) error {
	b, err := eng.PostBounty(ctx, bounty.PostParams{
		ClientID:           clientID,
		Title:              fmt.Sprintf("job %d", rng.Int63()),
		RewardCredits:      int64(50 + rng.Intn(200)),
		ClientStake:        int64(rng.Intn(50)),
		GuildStakeRequired: int64(20 + rng.Intn(100)),
	})
	if err != nil {
		return err
	}
	if rng.Intn(10) == 0 {
		_, err := eng.CancelBounty(ctx, clientID, b.ID)
		return err
	}
	if _, err := eng.AcceptBounty(ctx, cast.GuildMaster, b.ID, cast.Guild); err != nil {
		return err
	}
	if _, err := eng.StartBounty(ctx, cast.GuildMaster, b.ID); err != nil {
		return err
	}
	if _, err := eng.SubmitBounty(ctx, cast.GuildMaster, b.ID); err != nil {
		return err
	}
	if rng.Intn(3) == 0 {
		_, err := eng.ApproveBounty(ctx, bounty.ApproveParams{ActorID: clientID, BountyID: b.ID, Rating: 1 + rng.Intn(5)})
		return err
	}

	id, err := eng.RaiseDispute(ctx, dispute.RaiseParams{ActorID: clientID, BountyID: b.ID, Text: "work does not match the brief"})
	if err != nil {
		return err
	}
	if err := eng.SubmitEvidence(ctx, dispute.EvidenceParams{ActorID: cast.GuildMaster, DisputeID: id, Text: "delivered as agreed"}); err != nil {
		return err
	}
	if _, err := eng.RequestAIAnalysis(ctx, clientID, id); err != nil {
		return err
	}
	_, err = eng.EscalateToTribunal(ctx, clientID, id)
	return err
}

// Juror watches a juror guild master's notifications and votes on every
// tribunal the guild is drawn for.
func Juror(ctx context.Context, eng *engine.Engine, guildID, masterID string, seed int64, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	rulings := []dispute.Ruling{dispute.RulingClientWins, dispute.RulingGuildWins, dispute.RulingSplit}
	for !stopped(ctx, stop) {
		notes, err := eng.ListNotifications(ctx, masterID, 50)
		if !Tolerable(err) {
			return fmt.Errorf("juror %s: list: %w", guildID, err)
		}
		for _, n := range notes {
			if n.Kind != notify.KindJurorSelected || n.Read {
				continue
			}
			_, err := eng.CastTribunalVote(ctx, tribunal.VoteParams{
				ActorID:   masterID,
				DisputeID: n.Reference,
				GuildID:   guildID,
				Vote:      rulings[rng.Intn(len(rulings))],
				Stake:     int64(1 + rng.Intn(40)),
			})
			if !Tolerable(err) {
				return fmt.Errorf("juror %s: vote: %w", guildID, err)
			}
			if err := eng.MarkNotificationRead(ctx, masterID, n.ID); !Tolerable(err) {
				return fmt.Errorf("juror %s: mark read: %w", guildID, err)
			}
		}
		pause(rng)
	}
	return nil
}

// Settler competes with the vote path to settle complete tribunals.
func Settler(ctx context.Context, eng *engine.Engine, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		if _, err := eng.SettlePending(ctx); !Tolerable(err) {
			return fmt.Errorf("settler: %w", err)
		}
		time.Sleep(15 * time.Millisecond)
	}
	return nil
}

// Recomputer refreshes trust for random clients while settlements and
// decay write the same rows.
func Recomputer(ctx context.Context, eng *engine.Engine, ids []string, seed int64, stop <-chan struct{}) error {
	rng := rand.New(rand.NewSource(seed))
	for !stopped(ctx, stop) {
		id := ids[rng.Intn(len(ids))]
		if _, err := eng.RecomputeTrust(ctx, id); !Tolerable(err) {
			return fmt.Errorf("recompute %s: %w", id, err)
		}
		pause(rng)
	}
	return nil
}

// Decayer sweeps inactive accounts on a short cadence.
func Decayer(ctx context.Context, s *decay.Scheduler, every time.Duration, stop <-chan struct{}) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stop:
			return nil
		case <-ticker.C:
			if _, err := s.Sweep(ctx); !Tolerable(err) {
				return fmt.Errorf("decay sweep: %w", err)
			}
		}
	}
}
