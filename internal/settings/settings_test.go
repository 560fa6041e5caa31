// internal/settings/settings_test.go
package settings

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/avelinsk/pumpsentry/internal/storage/memory"
	"github.com/avelinsk/pumpsentry/internal/storage/models"
)

func validSettings(userID string, mode models.Mode) *models.StrategySettings {
	return &models.StrategySettings{
		UserID:          userID,
		Mode:            mode,
		BuyAmountSol:    0.05,
		SlippagePercent: 20,
		StopLossPercent: 40,
		TakeProfitBrackets: models.BracketList{
			{SellPercent: 60, Multiplier: 2},
			{SellPercent: 40, Multiplier: 4},
		},
	}
}

func TestResolveReturnsDefaultsWithoutPersisting(t *testing.T) {
	store := memory.NewStore()
	svc := NewService(store, zap.NewNop())
	ctx := context.Background()

	got, err := svc.Resolve(ctx, "u1", models.ModePrimary)
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, models.ModePrimary, got.Mode)
	assert.False(t, got.AutoBuyEnabled)
	assert.Len(t, got.TakeProfitBrackets, 3)

	// The read must not have written anything.
	_, err = store.GetSettings(ctx, "u1", models.ModePrimary)
	assert.Error(t, err)
}

func TestModesAreIndependent(t *testing.T) {
	store := memory.NewStore()
	svc := NewService(store, zap.NewNop())
	ctx := context.Background()

	primary := validSettings("u1", models.ModePrimary)
	primary.BuyAmountSol = 0.5
	require.NoError(t, svc.Update(ctx, primary))

	bundle, err := svc.Resolve(ctx, "u1", models.ModeBundle)
	require.NoError(t, err)
	assert.NotEqual(t, 0.5, bundle.BuyAmountSol)

	stored, err := svc.Resolve(ctx, "u1", models.ModePrimary)
	require.NoError(t, err)
	assert.Equal(t, 0.5, stored.BuyAmountSol)
}

func TestUpdateRejectsInvalid(t *testing.T) {
	store := memory.NewStore()
	svc := NewService(store, zap.NewNop())
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*models.StrategySettings)
	}{
		{"slippage above 100", func(s *models.StrategySettings) { s.SlippagePercent = 101 }},
		{"negative slippage", func(s *models.StrategySettings) { s.SlippagePercent = -1 }},
		{"stop loss above 100", func(s *models.StrategySettings) { s.StopLossPercent = 120 }},
		{"negative buy amount", func(s *models.StrategySettings) { s.BuyAmountSol = -0.1 }},
		{"negative max positions", func(s *models.StrategySettings) { s.MaxOpenPositions = -1 }},
		{"bad mode", func(s *models.StrategySettings) { s.Mode = "turbo" }},
		{"four brackets", func(s *models.StrategySettings) {
			s.TakeProfitBrackets = models.BracketList{
				{SellPercent: 10, Multiplier: 2}, {SellPercent: 10, Multiplier: 3},
				{SellPercent: 10, Multiplier: 4}, {SellPercent: 10, Multiplier: 5},
			}
		}},
		{"non-ascending multipliers", func(s *models.StrategySettings) {
			s.TakeProfitBrackets = models.BracketList{
				{SellPercent: 50, Multiplier: 5}, {SellPercent: 50, Multiplier: 2},
			}
		}},
		{"percents plus moon bag above 100", func(s *models.StrategySettings) {
			s.MoonBagPercent = 20
		}},
		{"zero sell percent", func(s *models.StrategySettings) {
			s.TakeProfitBrackets = models.BracketList{{SellPercent: 0, Multiplier: 2}}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validSettings("u1", models.ModePrimary)
			tc.mutate(cfg)
			err := svc.Update(ctx, cfg)
			require.Error(t, err)
			// Nothing may have reached storage.
			_, getErr := store.GetSettings(ctx, "u1", models.ModePrimary)
			assert.Error(t, getErr)
		})
	}
}

func TestUpdateThenResolveRoundTrip(t *testing.T) {
	store := memory.NewStore()
	svc := NewService(store, zap.NewNop())
	ctx := context.Background()

	cfg := validSettings("u1", models.ModeBundle)
	cfg.MoonBagPercent = 0
	cfg.MaxOpenPositions = 5
	require.NoError(t, svc.Update(ctx, cfg))

	got, err := svc.Resolve(ctx, "u1", models.ModeBundle)
	require.NoError(t, err)
	assert.Equal(t, 5, got.MaxOpenPositions)
	assert.Len(t, got.TakeProfitBrackets, 2)
}

func TestAdmitBuyGate(t *testing.T) {
	store := memory.NewStore()
	svc := NewService(store, zap.NewNop())
	ctx := context.Background()

	cfg := validSettings("u1", models.ModePrimary)
	cfg.MaxOpenPositions = 2
	require.NoError(t, svc.Update(ctx, cfg))

	openPosition := func(id string) {
		require.NoError(t, store.CreatePosition(ctx, &models.Position{
			PositionID:    id,
			UserID:        "u1",
			TokenMint:     "mint-" + id,
			Mode:          models.ModePrimary,
			EntryPrice:    1,
			SizeBought:    100,
			SizeRemaining: 100,
			Status:        models.PositionStatusOpen,
		}))
	}

	require.NoError(t, svc.AdmitBuy(ctx, "u1", models.ModePrimary))
	openPosition("p1")
	require.NoError(t, svc.AdmitBuy(ctx, "u1", models.ModePrimary))
	openPosition("p2")

	err := svc.AdmitBuy(ctx, "u1", models.ModePrimary)
	require.ErrorIs(t, err, ErrNotAdmitted)

	// Partially exited positions still count; closed ones do not.
	p, err := store.GetPosition(ctx, "p1")
	require.NoError(t, err)
	p.SizeRemaining = 50
	p.Status = models.PositionStatusPartial
	require.NoError(t, store.UpdatePosition(ctx, p))
	require.ErrorIs(t, svc.AdmitBuy(ctx, "u1", models.ModePrimary), ErrNotAdmitted)

	p, err = store.GetPosition(ctx, "p2")
	require.NoError(t, err)
	p.SizeRemaining = 0
	p.Status = models.PositionStatusClosed
	require.NoError(t, store.UpdatePosition(ctx, p))
	require.NoError(t, svc.AdmitBuy(ctx, "u1", models.ModePrimary))
}

func TestAdmitBuyZeroLimitUnlimited(t *testing.T) {
	store := memory.NewStore()
	svc := NewService(store, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, store.CreatePosition(ctx, &models.Position{
			PositionID:    string(rune('a' + i)),
			UserID:        "u1",
			TokenMint:     "m",
			Mode:          models.ModePrimary,
			EntryPrice:    1,
			SizeBought:    1,
			SizeRemaining: 1,
			Status:        models.PositionStatusOpen,
		}))
	}
	require.NoError(t, svc.AdmitBuy(ctx, "u1", models.ModePrimary))
}
