// internal/settings/settings.go

// Package settings manages per-user, per-mode strategy configuration:
// defaults for users who never saved anything, validation on writes, and
// the open-position admission gate for buys.
package settings

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/avelinsk/pumpsentry/internal/storage"
	"github.com/avelinsk/pumpsentry/internal/storage/models"
)

// ErrNotAdmitted is returned by AdmitBuy when the user already holds the
// configured maximum of open positions for the mode.
var ErrNotAdmitted = errors.New("max open positions reached")

const maxBrackets = 3

// Default strategy values applied when a user has never saved settings
// for a mode. Conservative on purpose: auto-buy stays off until the user
// opts in.
var defaults = models.StrategySettings{
	BuyAmountSol:    0.01,
	SlippagePercent: 15,
	TipAmountSol:    0.0005,
	PriorityFeeSol:  0.0001,
	StopLossPercent: 50,
	TakeProfitBrackets: models.BracketList{
		{SellPercent: 50, Multiplier: 2},
		{SellPercent: 30, Multiplier: 5},
		{SellPercent: 20, Multiplier: 10},
	},
	MoonBagPercent:    0,
	MoonBagMultiplier: 0,
	AutoBuyEnabled:    false,
	MaxOpenPositions:  0,
}

type Service struct {
	store  storage.Storage
	logger *zap.Logger
}

func NewService(store storage.Storage, logger *zap.Logger) *Service {
	return &Service{store: store, logger: logger.Named("settings")}
}

// Resolve returns the stored settings for the user and mode, or a copy of
// the defaults when nothing was ever saved. Defaults are not persisted on
// read.
func (s *Service) Resolve(ctx context.Context, userID string, mode models.Mode) (*models.StrategySettings, error) {
	stored, err := s.store.GetSettings(ctx, userID, mode)
	if errors.Is(err, storage.ErrNotFound) {
		d := defaults
		d.UserID = userID
		d.Mode = mode
		d.TakeProfitBrackets = append(models.BracketList(nil), defaults.TakeProfitBrackets...)
		return &d, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get settings: %w", err)
	}
	return stored, nil
}

// Update validates and persists settings. Invalid settings are rejected
// whole; a partial write never happens.
func (s *Service) Update(ctx context.Context, cfg *models.StrategySettings) error {
	if err := Validate(cfg); err != nil {
		return err
	}
	if err := s.store.SaveSettings(ctx, cfg); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	s.logger.Info("settings updated",
		zap.String("user_id", cfg.UserID),
		zap.String("mode", string(cfg.Mode)),
	)
	return nil
}

// AdmitBuy enforces max_open_positions before any buy work starts. A
// limit of zero disables the gate entirely.
func (s *Service) AdmitBuy(ctx context.Context, userID string, mode models.Mode) error {
	cfg, err := s.Resolve(ctx, userID, mode)
	if err != nil {
		return err
	}
	if cfg.MaxOpenPositions == 0 {
		return nil
	}
	open, err := s.store.CountOpenPositions(ctx, userID, mode)
	if err != nil {
		return fmt.Errorf("count open positions: %w", err)
	}
	if open >= cfg.MaxOpenPositions {
		return fmt.Errorf("%w: %d open, limit %d", ErrNotAdmitted, open, cfg.MaxOpenPositions)
	}
	return nil
}

// Validate checks a settings record for internal consistency.
func Validate(cfg *models.StrategySettings) error {
	if cfg.UserID == "" {
		return errors.New("user id required")
	}
	if cfg.Mode != models.ModePrimary && cfg.Mode != models.ModeBundle {
		return fmt.Errorf("unknown mode %q", cfg.Mode)
	}
	if cfg.BuyAmountSol < 0 {
		return errors.New("buy amount cannot be negative")
	}
	if cfg.SlippagePercent < 0 || cfg.SlippagePercent > 100 {
		return fmt.Errorf("slippage %.2f%% out of range [0, 100]", cfg.SlippagePercent)
	}
	if cfg.TipAmountSol < 0 || cfg.PriorityFeeSol < 0 {
		return errors.New("tip and priority fee cannot be negative")
	}
	if cfg.StopLossPercent < 0 || cfg.StopLossPercent > 100 {
		return fmt.Errorf("stop loss %.2f%% out of range [0, 100]", cfg.StopLossPercent)
	}
	if cfg.MoonBagPercent < 0 || cfg.MoonBagPercent > 100 {
		return fmt.Errorf("moon bag %.2f%% out of range [0, 100]", cfg.MoonBagPercent)
	}
	if cfg.MoonBagMultiplier < 0 {
		return errors.New("moon bag multiplier cannot be negative")
	}
	if cfg.MaxOpenPositions < 0 {
		return errors.New("max open positions cannot be negative")
	}
	if len(cfg.TakeProfitBrackets) > maxBrackets {
		return fmt.Errorf("at most %d take-profit brackets", maxBrackets)
	}

	total := cfg.MoonBagPercent
	prevMult := 1.0
	for i, b := range cfg.TakeProfitBrackets {
		if b.SellPercent <= 0 || b.SellPercent > 100 {
			return fmt.Errorf("bracket %d sell percent %.2f out of range (0, 100]", i+1, b.SellPercent)
		}
		if b.Multiplier <= prevMult {
			return fmt.Errorf("bracket %d multiplier %.2f must exceed %.2f", i+1, b.Multiplier, prevMult)
		}
		prevMult = b.Multiplier
		total += b.SellPercent
	}
	if total > 100 {
		return fmt.Errorf("bracket percents plus moon bag total %.2f%%, must not exceed 100%%", total)
	}
	return nil
}
