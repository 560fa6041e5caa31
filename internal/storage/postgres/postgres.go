// internal/storage/postgres/postgres.go
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avelinsk/pumpsentry/internal/storage"
	"github.com/avelinsk/pumpsentry/internal/storage/models"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// gormLogger adapts zap to GORM's logger.Interface.
type gormLogger struct {
	zapLogger *zap.Logger
	logLevel  logger.LogLevel
}

func newGormLogger(zapLogger *zap.Logger) logger.Interface {
	return &gormLogger{
		zapLogger: zapLogger,
		logLevel:  logger.Warn,
	}
}

func (l *gormLogger) LogMode(level logger.LogLevel) logger.Interface {
	newLogger := *l
	newLogger.logLevel = level
	return &newLogger
}

func (l *gormLogger) Info(_ context.Context, msg string, data ...interface{}) {
	if l.logLevel >= logger.Info {
		l.zapLogger.Sugar().Infof(msg, data...)
	}
}

func (l *gormLogger) Warn(_ context.Context, msg string, data ...interface{}) {
	if l.logLevel >= logger.Warn {
		l.zapLogger.Sugar().Warnf(msg, data...)
	}
}

func (l *gormLogger) Error(_ context.Context, msg string, data ...interface{}) {
	if l.logLevel >= logger.Error {
		l.zapLogger.Sugar().Errorf(msg, data...)
	}
}

func (l *gormLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.logLevel <= logger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()

	fields := []zap.Field{
		zap.Duration("elapsed", elapsed),
		zap.String("sql", sql),
		zap.Int64("rows", rows),
	}

	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		l.zapLogger.Error("trace", append(fields, zap.Error(err))...)
		return
	}

	if l.logLevel >= logger.Info {
		l.zapLogger.Info("trace", fields...)
	}
}

type postgresStorage struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewStorage opens a GORM connection over the given DSN.
func NewStorage(dsn string, zapLogger *zap.Logger) (storage.Storage, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: newGormLogger(zapLogger.Named("gorm")),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
		DisableForeignKeyConstraintWhenMigrating: true,
		SkipDefaultTransaction:                   true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return &postgresStorage{
		db:     db,
		logger: zapLogger,
	}, nil
}

func (p *postgresStorage) RunMigrations() error {
	// Advisory lock so only one instance migrates at a time.
	var lockObtained bool
	err := p.db.Raw("SELECT pg_try_advisory_lock(214)").Scan(&lockObtained).Error
	if err != nil {
		return fmt.Errorf("failed to acquire migration lock: %w", err)
	}
	if !lockObtained {
		return fmt.Errorf("another migration is in progress")
	}
	defer p.db.Exec("SELECT pg_advisory_unlock(214)")

	err = p.db.AutoMigrate(
		&models.KeypairRecord{},
		&models.StrategySettings{},
		&models.Position{},
		&models.TradeRecord{},
	)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

func (p *postgresStorage) SaveKeypair(ctx context.Context, rec *models.KeypairRecord) error {
	// Import overwrites any existing record: destructive by contract.
	return p.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"public_key", "encrypted_secret", "nonce", "updated_at"}),
	}).Create(rec).Error
}

func (p *postgresStorage) GetKeypair(ctx context.Context, userID string) (*models.KeypairRecord, error) {
	var rec models.KeypairRecord
	err := p.db.WithContext(ctx).Where("user_id = ?", userID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (p *postgresStorage) SaveSettings(ctx context.Context, s *models.StrategySettings) error {
	return p.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "mode"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"buy_amount_sol", "slippage_percent", "tip_amount_sol", "priority_fee_sol",
			"stop_loss_percent", "take_profit_brackets", "moon_bag_percent",
			"moon_bag_multiplier", "auto_buy_enabled", "max_open_positions", "updated_at",
		}),
	}).Create(s).Error
}

func (p *postgresStorage) GetSettings(ctx context.Context, userID string, mode models.Mode) (*models.StrategySettings, error) {
	var s models.StrategySettings
	err := p.db.WithContext(ctx).Where("user_id = ? AND mode = ?", userID, mode).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (p *postgresStorage) CreatePosition(ctx context.Context, pos *models.Position) error {
	return p.db.WithContext(ctx).Create(pos).Error
}

func (p *postgresStorage) GetPosition(ctx context.Context, positionID string) (*models.Position, error) {
	var pos models.Position
	err := p.db.WithContext(ctx).Where("position_id = ?", positionID).First(&pos).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &pos, nil
}

// UpdatePosition performs an optimistic single-row update guarded by the
// version column. A zero-row result means a concurrent writer won.
func (p *postgresStorage) UpdatePosition(ctx context.Context, pos *models.Position) error {
	currentVersion := pos.Version
	pos.Version++

	result := p.db.WithContext(ctx).Model(&models.Position{}).
		Where("position_id = ? AND version = ?", pos.PositionID, currentVersion).
		Updates(map[string]interface{}{
			"size_remaining": pos.SizeRemaining,
			"current_price":  pos.CurrentPrice,
			"pn_l_percent":   pos.PnLPercent,
			"bracket1_hit":   pos.Bracket1Hit,
			"bracket2_hit":   pos.Bracket2Hit,
			"bracket3_hit":   pos.Bracket3Hit,
			"status":         pos.Status,
			"version":        pos.Version,
			"closed_at":      pos.ClosedAt,
		})
	if result.Error != nil {
		pos.Version = currentVersion
		return result.Error
	}
	if result.RowsAffected == 0 {
		pos.Version = currentVersion
		return storage.ErrVersionConflict
	}
	return nil
}

func (p *postgresStorage) ListOpenPositions(ctx context.Context, userID string) ([]*models.Position, error) {
	var positions []*models.Position
	err := p.db.WithContext(ctx).
		Where("user_id = ? AND status IN ?", userID, []string{models.PositionStatusOpen, models.PositionStatusPartial}).
		Order("created_at asc").
		Find(&positions).Error
	return positions, err
}

func (p *postgresStorage) ListAllOpenPositions(ctx context.Context) ([]*models.Position, error) {
	var positions []*models.Position
	err := p.db.WithContext(ctx).
		Where("status IN ?", []string{models.PositionStatusOpen, models.PositionStatusPartial}).
		Order("created_at asc").
		Find(&positions).Error
	return positions, err
}

func (p *postgresStorage) CountOpenPositions(ctx context.Context, userID string, mode models.Mode) (int, error) {
	var count int64
	err := p.db.WithContext(ctx).Model(&models.Position{}).
		Where("user_id = ? AND mode = ? AND status IN ?", userID, mode,
			[]string{models.PositionStatusOpen, models.PositionStatusPartial}).
		Count(&count).Error
	return int(count), err
}

func (p *postgresStorage) AppendTrade(ctx context.Context, t *models.TradeRecord) error {
	return p.db.WithContext(ctx).Create(t).Error
}

func (p *postgresStorage) ListTrades(ctx context.Context, positionID string) ([]*models.TradeRecord, error) {
	var trades []*models.TradeRecord
	err := p.db.WithContext(ctx).
		Where("position_id = ?", positionID).
		Order("created_at asc").
		Find(&trades).Error
	return trades, err
}

func (p *postgresStorage) ListUserTrades(ctx context.Context, userID string) ([]*models.TradeRecord, error) {
	var trades []*models.TradeRecord
	err := p.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at asc").
		Find(&trades).Error
	return trades, err
}
