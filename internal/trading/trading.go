// internal/trading/trading.go

// Package trading coordinates the full life of a position: admission,
// buy execution, position bookkeeping, and every kind of sell (manual,
// stop-loss, bracket, moon bag). All sells for one position are
// serialized through a per-position lock so concurrent triggers cannot
// double-spend the held size.
package trading

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/avelinsk/pumpsentry/internal/broadcast"
	"github.com/avelinsk/pumpsentry/internal/engine"
	"github.com/avelinsk/pumpsentry/internal/pricecache"
	"github.com/avelinsk/pumpsentry/internal/quote"
	"github.com/avelinsk/pumpsentry/internal/settings"
	"github.com/avelinsk/pumpsentry/internal/storage"
	"github.com/avelinsk/pumpsentry/internal/storage/models"
)

var (
	ErrPositionNotFound = errors.New("position not found")
	ErrAutoBuyDisabled  = errors.New("auto-buy disabled for mode")
	ErrNothingToSell    = errors.New("position has nothing left to sell")
)

const lamportsPerSol = 1_000_000_000

// Broadcaster executes swaps against the chain. *broadcast.Client
// satisfies it.
type Broadcaster interface {
	ExecuteSwap(ctx context.Context, req broadcast.SwapRequest) (*broadcast.SwapResult, error)
}

type Service struct {
	store    storage.Storage
	settings *settings.Service
	chain    Broadcaster
	prices   pricecache.Source
	logger   *zap.Logger
	locks    keyedMutex
}

func NewService(store storage.Storage, cfg *settings.Service, chain Broadcaster, prices pricecache.Source, logger *zap.Logger) *Service {
	return &Service{
		store:    store,
		settings: cfg,
		chain:    chain,
		prices:   prices,
		logger:   logger.Named("trading"),
	}
}

// HandleSignal reacts to an external buy signal for a token. The
// admission gate runs before any other work: a user at their open
// position limit produces zero buy attempts.
func (s *Service) HandleSignal(ctx context.Context, userID, tokenMint string, mode models.Mode) (*models.Position, error) {
	cfg, err := s.settings.Resolve(ctx, userID, mode)
	if err != nil {
		return nil, err
	}
	if !cfg.AutoBuyEnabled {
		return nil, fmt.Errorf("%w: %s", ErrAutoBuyDisabled, mode)
	}
	if err := s.settings.AdmitBuy(ctx, userID, mode); err != nil {
		return nil, err
	}
	return s.openPosition(ctx, userID, tokenMint, mode, cfg, models.TriggerSignal)
}

// OpenPosition is the manual buy path. It honors the same admission gate
// as signals.
func (s *Service) OpenPosition(ctx context.Context, userID, tokenMint string, mode models.Mode) (*models.Position, error) {
	cfg, err := s.settings.Resolve(ctx, userID, mode)
	if err != nil {
		return nil, err
	}
	if err := s.settings.AdmitBuy(ctx, userID, mode); err != nil {
		return nil, err
	}
	return s.openPosition(ctx, userID, tokenMint, mode, cfg, models.TriggerManual)
}

func (s *Service) openPosition(ctx context.Context, userID, tokenMint string, mode models.Mode, cfg *models.StrategySettings, trigger string) (*models.Position, error) {
	lamports := uint64(cfg.BuyAmountSol * lamportsPerSol)

	res, err := s.chain.ExecuteSwap(ctx, broadcast.SwapRequest{
		UserID:          userID,
		TokenMint:       tokenMint,
		Side:            quote.SideBuy,
		Amount:          lamports,
		SlippagePercent: cfg.SlippagePercent,
		TipAmountSol:    cfg.TipAmountSol,
		PriorityFeeSol:  cfg.PriorityFeeSol,
	})
	if err != nil {
		return nil, err
	}

	entry := s.entryPrice(ctx, tokenMint, cfg.BuyAmountSol, res.TokensReceived)

	pos := &models.Position{
		PositionID:    uuid.NewString(),
		UserID:        userID,
		TokenMint:     tokenMint,
		Mode:          mode,
		EntryPrice:    entry,
		EntryCostSol:  cfg.BuyAmountSol,
		SizeBought:    res.TokensReceived,
		SizeRemaining: res.TokensReceived,
		CurrentPrice:  entry,
		Status:        models.PositionStatusOpen,
	}
	if err := s.store.CreatePosition(ctx, pos); err != nil {
		return nil, fmt.Errorf("create position: %w", err)
	}
	if err := s.store.AppendTrade(ctx, &models.TradeRecord{
		PositionID:  pos.PositionID,
		UserID:      userID,
		Side:        models.TradeSideBuy,
		Amount:      res.TokensReceived,
		UnitPrice:   entry,
		BroadcastID: res.Signature.String(),
		Trigger:     trigger,
	}); err != nil {
		return nil, fmt.Errorf("append trade: %w", err)
	}

	s.logger.Info("position opened",
		zap.String("user_id", userID),
		zap.String("token_mint", tokenMint),
		zap.String("position_id", pos.PositionID),
		zap.Uint64("size", res.TokensReceived),
		zap.Float64("entry_price", entry),
	)
	return pos, nil
}

// entryPrice prefers the live quote so the entry sits on the same scale
// the monitor will compare against, falling back to the effective fill
// price when the price source is down.
func (s *Service) entryPrice(ctx context.Context, tokenMint string, costSol float64, size uint64) float64 {
	if price, err := s.prices.TokenPrice(ctx, tokenMint); err == nil {
		return price
	}
	if size == 0 {
		return 0
	}
	return costSol / float64(size)
}

// SellFraction sells percent (0, 100] of the currently held size with a
// manual trigger.
func (s *Service) SellFraction(ctx context.Context, positionID string, percent float64) (*models.Position, error) {
	if percent <= 0 || percent > 100 {
		return nil, fmt.Errorf("sell percent %.2f out of range (0, 100]", percent)
	}
	return s.executeSell(ctx, positionID, percent/100, models.TriggerManual)
}

// ClosePosition force-sells everything the position still holds.
func (s *Service) ClosePosition(ctx context.Context, positionID string) (*models.Position, error) {
	return s.executeSell(ctx, positionID, 1, models.TriggerForceClose)
}

// ApplyAction executes an exit decision from the rule engine against a
// position. The position is re-read under the lock so a stale snapshot
// from the caller cannot refire an already-hit bracket.
func (s *Service) ApplyAction(ctx context.Context, positionID string, act engine.Action, price float64) (*models.Position, error) {
	if act.Kind == engine.ActionNone {
		return nil, nil
	}
	return s.executeSellLocked(ctx, positionID, act.SellFraction, act.Trigger, func(pos *models.Position) bool {
		if act.Kind == engine.ActionBracket && pos.BracketHit(act.Bracket) {
			return false
		}
		return true
	}, func(pos *models.Position) {
		if act.Kind == engine.ActionBracket {
			pos.SetBracketHit(act.Bracket)
		}
		pos.CurrentPrice = price
		pos.PnLPercent = engine.PnLPercent(pos.EntryPrice, price)
	})
}

func (s *Service) executeSell(ctx context.Context, positionID string, fraction float64, trigger string) (*models.Position, error) {
	return s.executeSellLocked(ctx, positionID, fraction, trigger, nil, nil)
}

// executeSellLocked runs one sell leg under the position lock: re-read,
// admission check, swap, then state update. The position row is only
// touched after the swap confirmed; a failed sell leaves state exactly as
// it was so the next sweep retries.
func (s *Service) executeSellLocked(
	ctx context.Context,
	positionID string,
	fraction float64,
	trigger string,
	stillApplies func(*models.Position) bool,
	mutate func(*models.Position),
) (*models.Position, error) {
	unlock := s.locks.lock(positionID)
	defer unlock()

	pos, err := s.store.GetPosition(ctx, positionID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, positionID)
	}
	if err != nil {
		return nil, fmt.Errorf("get position: %w", err)
	}
	if pos.SizeRemaining == 0 || pos.Status == models.PositionStatusClosed {
		return nil, ErrNothingToSell
	}
	if stillApplies != nil && !stillApplies(pos) {
		return pos, nil
	}

	amount := uint64(float64(pos.SizeRemaining) * fraction)
	if fraction >= 1 || amount > pos.SizeRemaining {
		amount = pos.SizeRemaining
	}
	if amount == 0 {
		return nil, ErrNothingToSell
	}

	cfg, err := s.settings.Resolve(ctx, pos.UserID, pos.Mode)
	if err != nil {
		return nil, err
	}

	res, err := s.chain.ExecuteSwap(ctx, broadcast.SwapRequest{
		UserID:          pos.UserID,
		TokenMint:       pos.TokenMint,
		Side:            quote.SideSell,
		Amount:          amount,
		SlippagePercent: cfg.SlippagePercent,
		TipAmountSol:    cfg.TipAmountSol,
		PriorityFeeSol:  cfg.PriorityFeeSol,
	})
	if err != nil {
		return nil, err
	}

	pos.SizeRemaining -= amount
	if mutate != nil {
		mutate(pos)
	}
	if pos.SizeRemaining == 0 {
		pos.Status = models.PositionStatusClosed
		now := time.Now().UTC()
		pos.ClosedAt = &now
	} else {
		pos.Status = models.PositionStatusPartial
	}
	if err := s.store.UpdatePosition(ctx, pos); err != nil {
		// The sell already landed on chain; surface the conflict rather
		// than retrying blind with stale size math.
		return nil, fmt.Errorf("update position after sell %s: %w", res.Signature, err)
	}

	if err := s.store.AppendTrade(ctx, &models.TradeRecord{
		PositionID:  pos.PositionID,
		UserID:      pos.UserID,
		Side:        models.TradeSideSell,
		Amount:      amount,
		UnitPrice:   pos.CurrentPrice,
		BroadcastID: res.Signature.String(),
		Trigger:     trigger,
	}); err != nil {
		return nil, fmt.Errorf("append trade: %w", err)
	}

	s.logger.Info("position sold",
		zap.String("position_id", pos.PositionID),
		zap.String("trigger", trigger),
		zap.Uint64("amount", amount),
		zap.Uint64("size_remaining", pos.SizeRemaining),
		zap.String("status", pos.Status),
		zap.String("signature", res.Signature.String()),
	)
	return pos, nil
}

// GetOpenPositions lists a user's open and partially exited positions.
func (s *Service) GetOpenPositions(ctx context.Context, userID string) ([]*models.Position, error) {
	return s.store.ListOpenPositions(ctx, userID)
}

// GetSettings and UpdateSettings expose strategy configuration through
// the same service the rest of the surface uses.
func (s *Service) GetSettings(ctx context.Context, userID string, mode models.Mode) (*models.StrategySettings, error) {
	return s.settings.Resolve(ctx, userID, mode)
}

func (s *Service) UpdateSettings(ctx context.Context, cfg *models.StrategySettings) error {
	return s.settings.Update(ctx, cfg)
}

// ListTrades returns the append-only trade log for one position.
func (s *Service) ListTrades(ctx context.Context, positionID string) ([]*models.TradeRecord, error) {
	return s.store.ListTrades(ctx, positionID)
}

// keyedMutex hands out one mutex per position id. Entries are dropped
// once no goroutine holds or waits on them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*lockEntry)
	}
	entry, ok := k.locks[key]
	if !ok {
		entry = &lockEntry{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
