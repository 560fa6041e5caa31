// internal/storage/models/trade.go
package models

// Trade sides and trigger reasons used in the append-only trade log.
const (
	TradeSideBuy  = "buy"
	TradeSideSell = "sell"

	TriggerSignal     = "signal"
	TriggerManual     = "manual"
	TriggerStopLoss   = "stop_loss"
	TriggerBracket1   = "bracket_1"
	TriggerBracket2   = "bracket_2"
	TriggerBracket3   = "bracket_3"
	TriggerMoonBag    = "moon_bag"
	TriggerForceClose = "force_close"
)

// TradeRecord is one executed leg. Rows are created once and never mutated.
type TradeRecord struct {
	BaseModel
	PositionID  string  `gorm:"index;not null;type:varchar(36)"`
	UserID      string  `gorm:"index;not null;type:varchar(64)"`
	Side        string  `gorm:"not null;type:varchar(8)"`
	Amount      uint64  `gorm:"not null"`
	UnitPrice   float64 `gorm:"type:decimal(24,12);not null"`
	BroadcastID string  `gorm:"type:varchar(88)"`
	Trigger     string  `gorm:"not null;type:varchar(24)"`
}
