// internal/engine/rules.go

// Package engine holds the pure exit decision logic. It never touches the
// network or the database: callers feed it a position snapshot, the
// strategy settings, and a price, and get back at most one sell order.
package engine

import (
	"github.com/avelinsk/pumpsentry/internal/storage/models"
)

// ActionKind names the exit rule that fired.
type ActionKind string

const (
	ActionNone     ActionKind = "none"
	ActionStopLoss ActionKind = "stop_loss"
	ActionBracket  ActionKind = "bracket"
	ActionMoonBag  ActionKind = "moon_bag"
)

// Action is one sell decision. SellFraction is the share of the currently
// held size to sell, in (0, 1]. Bracket is 1-based and set only for
// ActionBracket.
type Action struct {
	Kind           ActionKind
	Bracket        int
	SellFraction   float64
	Trigger        string
	ClosesPosition bool
}

var none = Action{Kind: ActionNone}

// PnLPercent is the signed percentage gain of price over entry.
func PnLPercent(entry, price float64) float64 {
	if entry == 0 {
		return 0
	}
	return (price/entry - 1) * 100
}

// Evaluate applies the exit rules to a position at the given price and
// returns the single highest-priority action, or ActionNone.
//
// Priority: stop-loss supersedes everything; then the lowest unfired
// take-profit bracket whose multiple is reached; then the moon-bag exit
// once every bracket has fired. Only one action is returned per call, so
// a price that crosses several thresholds at once is worked through by
// re-evaluating after each executed sell.
func Evaluate(pos *models.Position, s *models.StrategySettings, price float64) Action {
	if pos.SizeRemaining == 0 || pos.Status == models.PositionStatusClosed {
		return none
	}

	if s.StopLossPercent > 0 && price <= pos.EntryPrice*(1-s.StopLossPercent/100) {
		return Action{
			Kind:           ActionStopLoss,
			SellFraction:   1,
			Trigger:        models.TriggerStopLoss,
			ClosesPosition: true,
		}
	}

	brackets := s.TakeProfitBrackets
	if len(brackets) > 3 {
		brackets = brackets[:3]
	}
	for i, b := range brackets {
		n := i + 1
		if pos.BracketHit(n) {
			continue
		}
		if price < pos.EntryPrice*b.Multiplier {
			// Multipliers are ascending, so nothing later fires either.
			return none
		}
		return bracketAction(pos, s, brackets, i)
	}

	if len(brackets) > 0 && pos.HitCount() >= len(brackets) &&
		s.MoonBagMultiplier > 0 && price >= pos.EntryPrice*s.MoonBagMultiplier {
		return Action{
			Kind:           ActionMoonBag,
			SellFraction:   1,
			Trigger:        models.TriggerMoonBag,
			ClosesPosition: true,
		}
	}

	return none
}

// bracketAction sizes bracket i (0-based). SellPercent is expressed
// against the original position, so it is rescaled to the share still
// held once earlier fired brackets are accounted for. The moon bag is
// whatever the schedule leaves after the last bracket, which the
// rescaling preserves untouched.
func bracketAction(pos *models.Position, s *models.StrategySettings, brackets models.BracketList, i int) Action {
	soldSoFar := 0.0
	for j := 0; j < i; j++ {
		if pos.BracketHit(j + 1) {
			soldSoFar += brackets[j].SellPercent
		}
	}
	remainingShare := 1 - soldSoFar/100

	fraction := 1.0
	if remainingShare > 0 {
		fraction = (brackets[i].SellPercent / 100) / remainingShare
	}

	lastBracket := i == len(brackets)-1
	if lastBracket && s.MoonBagPercent == 0 {
		// No moon bag reserved: the final bracket drains the position.
		fraction = 1
	}
	if fraction > 1 {
		fraction = 1
	}

	return Action{
		Kind:           ActionBracket,
		Bracket:        i + 1,
		SellFraction:   fraction,
		Trigger:        bracketTrigger(i + 1),
		ClosesPosition: fraction >= 1,
	}
}

func bracketTrigger(n int) string {
	switch n {
	case 1:
		return models.TriggerBracket1
	case 2:
		return models.TriggerBracket2
	default:
		return models.TriggerBracket3
	}
}
