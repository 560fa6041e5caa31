// internal/storage/models/settings.go
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Mode distinguishes the two independent signal-driven strategies.
type Mode string

const (
	ModePrimary Mode = "primary"
	ModeBundle  Mode = "bundle"
)

// Bracket is one take-profit exit step: sell SellPercent of the original
// position once price reaches Multiplier times entry.
type Bracket struct {
	SellPercent float64 `json:"sell_percent"`
	Multiplier  float64 `json:"multiplier"`
}

// BracketList is stored as a JSON column.
type BracketList []Bracket

func (b BracketList) Value() (driver.Value, error) {
	return json.Marshal(b)
}

func (b *BracketList) Scan(value interface{}) error {
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, b)
	case string:
		return json.Unmarshal([]byte(v), b)
	case nil:
		*b = nil
		return nil
	default:
		return fmt.Errorf("unsupported bracket list type %T", value)
	}
}

// StrategySettings is the per-user, per-mode trading configuration.
// MaxOpenPositions == 0 means the admission gate is disabled.
// StopLossPercent == 0 disables the stop-loss.
// MoonBagMultiplier == 0 means the moon bag is held indefinitely.
type StrategySettings struct {
	BaseModel
	UserID             string      `gorm:"uniqueIndex:idx_user_mode;not null;type:varchar(64)"`
	Mode               Mode        `gorm:"uniqueIndex:idx_user_mode;not null;type:varchar(16)"`
	BuyAmountSol       float64     `gorm:"type:decimal(20,9);not null"`
	SlippagePercent    float64     `gorm:"type:decimal(6,3);not null"`
	TipAmountSol       float64     `gorm:"type:decimal(20,9)"`
	PriorityFeeSol     float64     `gorm:"type:decimal(20,9)"`
	StopLossPercent    float64     `gorm:"type:decimal(6,3)"`
	TakeProfitBrackets BracketList `gorm:"type:jsonb"`
	MoonBagPercent     float64     `gorm:"type:decimal(6,3)"`
	MoonBagMultiplier  float64     `gorm:"type:decimal(12,4)"`
	AutoBuyEnabled     bool        `gorm:"default:false"`
	MaxOpenPositions   int         `gorm:"default:0"`
}
