// internal/storage/storage.go
package storage

import (
	"context"
	"errors"

	"github.com/avelinsk/pumpsentry/internal/storage/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrVersionConflict is returned when an optimistic position update lost the
// race against a concurrent writer. Callers re-read and retry or give up.
var ErrVersionConflict = errors.New("position modified concurrently")

// Storage is the durable state the engine must hold across restarts:
// keypairs, per-mode strategy settings, positions and the trade log.
// Implementations must make individual record updates atomic; cross-record
// transactions are not required.
type Storage interface {
	// Keypairs
	SaveKeypair(ctx context.Context, rec *models.KeypairRecord) error
	GetKeypair(ctx context.Context, userID string) (*models.KeypairRecord, error)

	// Strategy settings
	SaveSettings(ctx context.Context, s *models.StrategySettings) error
	GetSettings(ctx context.Context, userID string, mode models.Mode) (*models.StrategySettings, error)

	// Positions
	CreatePosition(ctx context.Context, p *models.Position) error
	GetPosition(ctx context.Context, positionID string) (*models.Position, error)
	UpdatePosition(ctx context.Context, p *models.Position) error
	ListOpenPositions(ctx context.Context, userID string) ([]*models.Position, error)
	ListAllOpenPositions(ctx context.Context) ([]*models.Position, error)
	CountOpenPositions(ctx context.Context, userID string, mode models.Mode) (int, error)

	// Trade log (append-only)
	AppendTrade(ctx context.Context, t *models.TradeRecord) error
	ListTrades(ctx context.Context, positionID string) ([]*models.TradeRecord, error)
	ListUserTrades(ctx context.Context, userID string) ([]*models.TradeRecord, error)

	// Migrations
	RunMigrations() error
}
