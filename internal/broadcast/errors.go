// internal/broadcast/errors.go
package broadcast

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrBelowMinimum means the requested size is under the practical
	// network minimum for a swap to register.
	ErrBelowMinimum = errors.New("swap amount below network minimum")
	// ErrInsufficientBalance means the custodial balance does not cover
	// amount + tip + fee headroom. No network call was attempted.
	ErrInsufficientBalance = errors.New("insufficient custodial balance")
	// ErrQuoteUnavailable means the quoting collaborator failed after its
	// retry budget.
	ErrQuoteUnavailable = errors.New("quote unavailable")
	// ErrMalformedTransaction means the quoting collaborator returned bytes
	// that do not deserialize. Never retried: a contract violation.
	ErrMalformedTransaction = errors.New("malformed transaction from quoter")
	// ErrBroadcastFailed means both the tip path and the direct fallback
	// exhausted their attempts.
	ErrBroadcastFailed = errors.New("broadcast failed on all paths")
	// ErrConfirmationUncertain means the transaction was broadcast but its
	// outcome could not be established within the timeout plus one status
	// poll. The signature is attached for manual reconciliation.
	ErrConfirmationUncertain = errors.New("confirmation uncertain")
	// ErrNoTokensReceived means a buy landed (or at least broadcast) but the
	// custodial token balance stayed zero. The caller must not create a
	// position; the signature is attached for manual reconciliation.
	ErrNoTokensReceived = errors.New("no tokens received")
)

// FailureKind is the closed classification shared by simulation failures
// and on-chain program errors.
type FailureKind string

const (
	FailureSlippage          FailureKind = "slippage"
	FailureCurveClosed       FailureKind = "curve_closed"
	FailureInsufficientFunds FailureKind = "insufficient_funds"
	FailureUnknown           FailureKind = "unknown"
)

// SimulationError aborts a swap before anything reaches the network.
type SimulationError struct {
	Kind FailureKind
	Raw  string
	Logs []string
}

func (e *SimulationError) Error() string {
	return fmt.Sprintf("simulation failed (%s): %s", e.Kind, e.Raw)
}

// OnChainError is a program error observed after broadcast. Signature is
// always set so the caller can audit the transaction manually.
type OnChainError struct {
	Kind      FailureKind
	Signature string
	Raw       string
}

func (e *OnChainError) Error() string {
	return fmt.Sprintf("on-chain error (%s) in %s: %s", e.Kind, e.Signature, e.Raw)
}

// classifyFailure maps program logs and error text into the closed
// taxonomy. The anchor error codes are the pump.fun program's: 0x1775/6005
// is BondingCurveComplete, 0x1774/6004 is TooLittleSolReceived.
func classifyFailure(raw string, logs []string) FailureKind {
	haystack := strings.ToLower(raw + " " + strings.Join(logs, " "))

	switch {
	case strings.Contains(haystack, "slippage"),
		strings.Contains(haystack, "toolittlesolreceived"),
		strings.Contains(haystack, "toomuchsolrequired"),
		strings.Contains(haystack, "0x1774"),
		strings.Contains(haystack, "exceeds desired slippage limit"):
		return FailureSlippage
	case strings.Contains(haystack, "bondingcurvecomplete"),
		strings.Contains(haystack, "0x1775"),
		strings.Contains(haystack, "curve is complete"),
		strings.Contains(haystack, "account is frozen"),
		strings.Contains(haystack, "market is closed"):
		return FailureCurveClosed
	case strings.Contains(haystack, "insufficient lamports"),
		strings.Contains(haystack, "insufficient funds"),
		strings.Contains(haystack, "0x1"):
		return FailureInsufficientFunds
	default:
		return FailureUnknown
	}
}
