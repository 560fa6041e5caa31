// internal/monitor/monitor.go

// Package monitor drives the recurring sweep over every open position:
// fetch a price, run the exit rules, and hand any decision to the trading
// service. A slower companion loop recomputes per-user aggregates.
package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/avelinsk/pumpsentry/internal/engine"
	"github.com/avelinsk/pumpsentry/internal/pricecache"
	"github.com/avelinsk/pumpsentry/internal/settings"
	"github.com/avelinsk/pumpsentry/internal/storage"
	"github.com/avelinsk/pumpsentry/internal/storage/models"
)

// maxActionsPerPosition bounds the evaluate/execute loop within one
// sweep: three brackets plus the moon bag is the longest possible ladder.
const maxActionsPerPosition = 4

// ActionApplier executes exit decisions. *trading.Service satisfies it.
type ActionApplier interface {
	ApplyAction(ctx context.Context, positionID string, act engine.Action, price float64) (*models.Position, error)
}

type Config struct {
	SweepInterval time.Duration
	StatsInterval time.Duration
	Workers       int64
}

type Monitor struct {
	store    storage.Storage
	settings *settings.Service
	trader   ActionApplier
	prices   pricecache.Source
	sem      *semaphore.Weighted
	cfg      Config
	logger   *zap.Logger
}

func New(store storage.Storage, cfgSvc *settings.Service, trader ActionApplier, prices pricecache.Source, cfg Config, logger *zap.Logger) *Monitor {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &Monitor{
		store:    store,
		settings: cfgSvc,
		trader:   trader,
		prices:   prices,
		sem:      semaphore.NewWeighted(cfg.Workers),
		cfg:      cfg,
		logger:   logger.Named("monitor"),
	}
}

// Run blocks until the context is cancelled, sweeping open positions on
// the fast ticker and recomputing aggregates on the slow one.
func (m *Monitor) Run(ctx context.Context) error {
	sweep := time.NewTicker(m.cfg.SweepInterval)
	defer sweep.Stop()
	stats := time.NewTicker(m.cfg.StatsInterval)
	defer stats.Stop()

	m.logger.Info("monitor started",
		zap.Duration("sweep_interval", m.cfg.SweepInterval),
		zap.Duration("stats_interval", m.cfg.StatsInterval),
		zap.Int64("workers", m.cfg.Workers),
	)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("monitor stopped")
			return nil
		case <-sweep.C:
			m.Sweep(ctx)
		case <-stats.C:
			m.logStats(ctx)
		}
	}
}

// Sweep runs one pass over every open position with bounded concurrency.
// A failure on one position never blocks the rest.
func (m *Monitor) Sweep(ctx context.Context) {
	positions, err := m.store.ListAllOpenPositions(ctx)
	if err != nil {
		m.logger.Error("list open positions", zap.Error(err))
		return
	}

	var wg sync.WaitGroup
	for _, pos := range positions {
		if err := m.sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(p *models.Position) {
			defer wg.Done()
			defer m.sem.Release(1)
			m.checkPosition(ctx, p)
		}(pos)
	}
	wg.Wait()
}

func (m *Monitor) checkPosition(ctx context.Context, pos *models.Position) {
	log := m.logger.With(
		zap.String("position_id", pos.PositionID),
		zap.String("token_mint", pos.TokenMint),
	)

	price, err := m.prices.TokenPrice(ctx, pos.TokenMint)
	if err != nil {
		// Skip this position for the sweep; state stays as is.
		log.Warn("price fetch failed", zap.Error(err))
		return
	}

	cfg, err := m.settings.Resolve(ctx, pos.UserID, pos.Mode)
	if err != nil {
		log.Error("resolve settings", zap.Error(err))
		return
	}

	acted := false
	current := pos
	for i := 0; i < maxActionsPerPosition; i++ {
		act := engine.Evaluate(current, cfg, price)
		if act.Kind == engine.ActionNone {
			break
		}
		updated, err := m.trader.ApplyAction(ctx, current.PositionID, act, price)
		if err != nil {
			// The sell did not change state; the next sweep retries.
			log.Warn("exit action failed",
				zap.String("action", string(act.Kind)),
				zap.Error(err),
			)
			return
		}
		if updated == nil {
			break
		}
		acted = true
		current = updated
		if current.Status == models.PositionStatusClosed {
			return
		}
	}

	if !acted {
		m.refreshMark(ctx, current, price, log)
	}
}

// refreshMark persists the latest price mark on a quiet position. Losing
// the optimistic write race just means someone else wrote fresher state.
func (m *Monitor) refreshMark(ctx context.Context, pos *models.Position, price float64, log *zap.Logger) {
	pos.CurrentPrice = price
	pos.PnLPercent = engine.PnLPercent(pos.EntryPrice, price)
	if err := m.store.UpdatePosition(ctx, pos); err != nil && !errors.Is(err, storage.ErrVersionConflict) {
		log.Warn("persist price mark", zap.Error(err))
	}
}

// UserStats is the slow-loop aggregate for one user across open
// positions.
type UserStats struct {
	OpenPositions int
	CostSol       decimal.Decimal
	ValueSol      decimal.Decimal
	UnrealizedSol decimal.Decimal
}

// RecomputeStats aggregates open exposure per user. Decimals keep the
// sums exact over many small positions.
func (m *Monitor) RecomputeStats(ctx context.Context) (map[string]UserStats, error) {
	positions, err := m.store.ListAllOpenPositions(ctx)
	if err != nil {
		return nil, err
	}

	out := make(map[string]UserStats)
	for _, p := range positions {
		stats := out[p.UserID]
		stats.OpenPositions++

		cost := decimal.NewFromFloat(p.EntryCostSol)
		if p.SizeBought > 0 {
			held := decimal.New(int64(p.SizeRemaining), 0)
			bought := decimal.New(int64(p.SizeBought), 0)
			cost = cost.Mul(held).Div(bought)
		}
		value := decimal.NewFromFloat(p.CurrentPrice).
			Mul(decimal.New(int64(p.SizeRemaining), 0))

		stats.CostSol = stats.CostSol.Add(cost)
		stats.ValueSol = stats.ValueSol.Add(value)
		stats.UnrealizedSol = stats.UnrealizedSol.Add(value.Sub(cost))
		out[p.UserID] = stats
	}
	return out, nil
}

func (m *Monitor) logStats(ctx context.Context) {
	stats, err := m.RecomputeStats(ctx)
	if err != nil {
		m.logger.Error("recompute stats", zap.Error(err))
		return
	}
	for userID, s := range stats {
		m.logger.Info("open exposure",
			zap.String("user_id", userID),
			zap.Int("open_positions", s.OpenPositions),
			zap.String("cost_sol", s.CostSol.StringFixed(9)),
			zap.String("value_sol", s.ValueSol.StringFixed(9)),
			zap.String("unrealized_sol", s.UnrealizedSol.StringFixed(9)),
		)
	}
}
