// Package engine is the boundary of the trust and dispute system. Each
// operation runs in its own transaction against a store.Store, composes the
// domain packages, and is traced. Trust recomputation triggered by a
// settlement runs in the background after commit.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"guildhall/advisor"
	"guildhall/bounty"
	"guildhall/decay"
	"guildhall/dispute"
	"guildhall/ledger"
	"guildhall/notify"
	"guildhall/settlement"
	"guildhall/store"
	"guildhall/tribunal"
)

const tracerName = "guildhall/engine"

// Engine wires the domain components to a store.
type Engine struct {
	store    store.Store
	ledger   *ledger.Ledger
	bounties *bounty.Service
	machine  *dispute.Machine
	settle   *settlement.Engine
	tribunal *tribunal.Coordinator
	notes    *notify.Service
	advisor  advisor.Advisor
	logger   *slog.Logger

	now          func() time.Time
	newID        func() string
	welcomeBonus int64
	autoTrust    bool

	bgMu sync.Mutex
	bg   *errgroup.Group
}

// New builds an engine on st with defaults: a neutral advisor, a 100
// credit welcome bonus and background trust recomputation enabled.
func New(st store.Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	l := ledger.New(logger)
	settle := settlement.NewEngine(l, logger)
	return &Engine{
		store:        st,
		ledger:       l,
		bounties:     bounty.NewService(l, logger),
		machine:      dispute.NewMachine(logger),
		settle:       settle,
		tribunal:     tribunal.NewCoordinator(l, settle, logger),
		notes:        notify.NewService(notify.DefaultTTL, logger),
		advisor:      advisor.Neutral{},
		logger:       logger,
		now:          time.Now,
		newID:        func() string { return uuid.NewString() },
		welcomeBonus: 100,
		autoTrust:    true,
		bg:           &errgroup.Group{},
	}
}

// WithClock replaces the time source of every component.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	e.ledger.WithClock(now)
	e.bounties.WithClock(now)
	e.machine.WithClock(now)
	e.settle.WithClock(now)
	e.tribunal.WithClock(now)
	e.notes.WithClock(now)
	return e
}

// WithIDGenerator replaces the id source of every component.
func (e *Engine) WithIDGenerator(gen func() string) *Engine {
	e.newID = gen
	e.ledger.WithIDGenerator(gen)
	e.bounties.WithIDGenerator(gen)
	e.machine.WithIDGenerator(gen)
	e.settle.WithIDGenerator(gen)
	return e
}

func (e *Engine) WithAdvisor(a advisor.Advisor) *Engine {
	if a != nil {
		e.advisor = a
	}
	return e
}

// WithRand seeds juror selection.
func (e *Engine) WithRand(r *rand.Rand) *Engine {
	e.tribunal.WithRand(r)
	return e
}

func (e *Engine) WithWelcomeBonus(amount int64) *Engine {
	e.welcomeBonus = amount
	return e
}

func (e *Engine) WithNotificationTTL(ttl time.Duration) *Engine {
	e.notes = notify.NewService(ttl, e.logger).WithClock(e.now)
	return e
}

// WithAutoRecompute toggles the background trust recomputation that
// follows a settlement.
func (e *Engine) WithAutoRecompute(enabled bool) *Engine {
	e.autoTrust = enabled
	return e
}

// Scheduler returns a decay scheduler bound to the engine's store, with the
// notification purge attached as a periodic job.
func (e *Engine) Scheduler(cfg decay.Config) *decay.Scheduler {
	inTx := func(ctx context.Context, fn func(decay.Store) error) error {
		return e.store.InTx(ctx, func(tx store.Tx) error { return fn(tx) })
	}
	return decay.NewScheduler(cfg, inTx, e.logger).
		WithClock(e.now).
		WithJob(decay.Job{Name: "purge-notifications", Run: func(ctx context.Context) error {
			_, err := e.PurgeNotifications(ctx)
			return err
		}})
}

// Wait blocks until background work started so far has finished and
// returns the first error it produced.
func (e *Engine) Wait() error {
	e.bgMu.Lock()
	g := e.bg
	e.bg = &errgroup.Group{}
	e.bgMu.Unlock()
	return g.Wait()
}

func (e *Engine) goBackground(fn func() error) {
	e.bgMu.Lock()
	defer e.bgMu.Unlock()
	e.bg.Go(fn)
}

func (e *Engine) inTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return e.store.InTx(ctx, fn)
}

// span starts a trace span for op. end records err on the span.
func (e *Engine) span(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(err error)) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "engine."+op, trace.WithAttributes(attrs...))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, op+" failed")
		}
		span.End()
	}
}

// scheduleRecompute refreshes trust for ids after the current operation
// committed. Failures are logged; the next recompute catches up.
func (e *Engine) scheduleRecompute(ids ...string) {
	if !e.autoTrust {
		return
	}
	for _, id := range ids {
		if id == "" {
			continue
		}
		id := id
		e.goBackground(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if _, err := e.RecomputeTrust(ctx, id); err != nil && !errors.Is(err, context.Canceled) {
				e.logger.Warn("background trust recompute failed", "accountID", id, "error", err)
				return err
			}
			return nil
		})
	}
}
