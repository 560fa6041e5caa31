// internal/quote/quote.go
package quote

import (
	"context"

	"github.com/gagliardetto/solana-go"
)

// Side of a swap against the base currency.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Request describes one swap to quote.
type Request struct {
	WalletPubkey solana.PublicKey
	TokenMint    string
	Side         Side
	// Amount is lamports for buys and raw token units for sells.
	Amount          uint64
	SlippagePercent float64
	PriorityFeeSol  float64
}

// Quoter obtains a ready-to-sign swap transaction from the external quoting
// service. The returned bytes are treated as untrusted formatting only: the
// broadcast client re-verifies balances and simulates before sending.
type Quoter interface {
	GetSwapTransaction(ctx context.Context, req Request) ([]byte, error)
}
