// internal/storage/models/position.go
package models

import "time"

// Position status values. A position is closed exactly when SizeRemaining
// is zero or it was forcibly terminated.
const (
	PositionStatusOpen    = "open"
	PositionStatusPartial = "partial"
	PositionStatusClosed  = "closed"
)

// Position is one bought token holding under exit management.
//
// Invariants maintained by the monitor and trading service:
// SizeRemaining <= SizeBought and never negative; bracket-hit flags are
// monotonic; a row exists only after verified on-chain token receipt.
// Version backs the optimistic update guard on concurrent sells.
type Position struct {
	BaseModel
	PositionID    string     `gorm:"uniqueIndex;not null;type:varchar(36)"`
	UserID        string     `gorm:"index;not null;type:varchar(64)"`
	TokenMint     string     `gorm:"index;not null;type:varchar(44)"`
	Mode          Mode       `gorm:"not null;type:varchar(16)"`
	EntryPrice    float64    `gorm:"type:decimal(24,12);not null"`
	EntryCostSol  float64    `gorm:"type:decimal(20,9);not null"`
	SizeBought    uint64     `gorm:"not null"`
	SizeRemaining uint64     `gorm:"not null"`
	CurrentPrice  float64    `gorm:"type:decimal(24,12)"`
	PnLPercent    float64    `gorm:"type:decimal(10,3)"`
	Bracket1Hit   bool       `gorm:"default:false"`
	Bracket2Hit   bool       `gorm:"default:false"`
	Bracket3Hit   bool       `gorm:"default:false"`
	Status        string     `gorm:"index;not null;type:varchar(16)"`
	Version       uint64     `gorm:"default:0"`
	ClosedAt      *time.Time `gorm:"index"`
}

// BracketHit reports whether bracket n (1-based) is marked hit.
func (p *Position) BracketHit(n int) bool {
	switch n {
	case 1:
		return p.Bracket1Hit
	case 2:
		return p.Bracket2Hit
	case 3:
		return p.Bracket3Hit
	}
	return false
}

// SetBracketHit marks bracket n (1-based). Flags only ever go true.
func (p *Position) SetBracketHit(n int) {
	switch n {
	case 1:
		p.Bracket1Hit = true
	case 2:
		p.Bracket2Hit = true
	case 3:
		p.Bracket3Hit = true
	}
}

// HitCount returns how many brackets are marked hit.
func (p *Position) HitCount() int {
	count := 0
	for _, hit := range []bool{p.Bracket1Hit, p.Bracket2Hit, p.Bracket3Hit} {
		if hit {
			count++
		}
	}
	return count
}
