// internal/broadcast/client.go
package broadcast

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap"

	"github.com/avelinsk/pumpsentry/internal/quote"
)

const (
	lamportsPerSol = 1_000_000_000

	// minSwapLamports is the floor under which a swap does not register on
	// most venues (0.0005 SOL).
	minSwapLamports = 500_000

	// feeHeadroomLamports covers the base transaction fee plus a margin
	// (0.00005 SOL).
	feeHeadroomLamports = 50_000

	directSendAttempts = 3
)

// chainRPC is the subset of the RPC client the broadcast pipeline uses.
// *rpc.Client satisfies it.
type chainRPC interface {
	GetBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetBalanceResult, error)
	SimulateTransaction(ctx context.Context, tx *solana.Transaction) (*rpc.SimulateTransactionResponse, error)
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
	GetTokenAccountsByOwner(ctx context.Context, owner solana.PublicKey, conf *rpc.GetTokenAccountsConfig, opts *rpc.GetTokenAccountsOpts) (*rpc.GetTokenAccountsResult, error)
}

// signer produces signatures for the custodial wallet. *vault.Vault
// satisfies it.
type signer interface {
	Sign(ctx context.Context, userID string, tx *solana.Transaction) error
	PublicKey(ctx context.Context, userID string) (solana.PublicKey, error)
}

// SwapRequest describes one buy or sell to execute against the chain.
// Amount is lamports for buys and raw token units for sells.
type SwapRequest struct {
	UserID          string
	TokenMint       string
	Side            quote.Side
	Amount          uint64
	SlippagePercent float64
	TipAmountSol    float64
	PriorityFeeSol  float64
}

// SwapResult reports a confirmed swap. TokensReceived is populated for
// buys only.
type SwapResult struct {
	Signature      solana.Signature
	TokensReceived uint64
}

// Config holds the knobs for the broadcast pipeline.
type Config struct {
	SenderEndpoints []string
	TipAccounts     []string
	ConfirmTimeout  time.Duration
}

// Client owns the build-sign-simulate-broadcast-confirm pipeline. It never
// touches private key material directly; signing goes through the vault.
type Client struct {
	rpc         chainRPC
	signer      signer
	quoter      quote.Quoter
	http        *http.Client
	senders     []string
	tipAccounts []solana.PublicKey
	confirmWait time.Duration
	confirmPoll time.Duration
	settleDelay time.Duration
	sendDelay   time.Duration
	recheckWait time.Duration
	logger      *zap.Logger
	rng         *rand.Rand
}

func NewClient(rpcClient chainRPC, sg signer, quoter quote.Quoter, cfg Config, logger *zap.Logger) (*Client, error) {
	tips := make([]solana.PublicKey, 0, len(cfg.TipAccounts))
	for _, acc := range cfg.TipAccounts {
		pk, err := solana.PublicKeyFromBase58(acc)
		if err != nil {
			return nil, fmt.Errorf("tip account %q: %w", acc, err)
		}
		tips = append(tips, pk)
	}
	wait := cfg.ConfirmTimeout
	if wait <= 0 {
		wait = 30 * time.Second
	}
	return &Client{
		rpc:         rpcClient,
		signer:      sg,
		quoter:      quoter,
		http:        &http.Client{Timeout: 10 * time.Second},
		senders:     cfg.SenderEndpoints,
		tipAccounts: tips,
		confirmWait: wait,
		confirmPoll: 500 * time.Millisecond,
		settleDelay: 2 * time.Second,
		sendDelay:   400 * time.Millisecond,
		recheckWait: 5 * time.Second,
		logger:      logger.Named("broadcast"),
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// ExecuteSwap runs the full pipeline for one swap: validate, quote, sign,
// simulate, broadcast (tip path with direct fallback), confirm, and for
// buys verify token receipt. All failure modes map to the package's error
// taxonomy.
func (c *Client) ExecuteSwap(ctx context.Context, req SwapRequest) (*SwapResult, error) {
	log := c.logger.With(
		zap.String("user_id", req.UserID),
		zap.String("token_mint", req.TokenMint),
		zap.String("side", string(req.Side)),
		zap.Uint64("amount", req.Amount),
	)

	wallet, err := c.signer.PublicKey(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("resolve wallet: %w", err)
	}

	if req.Side == quote.SideBuy && req.Amount < minSwapLamports {
		return nil, fmt.Errorf("%w: %d lamports", ErrBelowMinimum, req.Amount)
	}

	if err := c.checkBalance(ctx, wallet, req); err != nil {
		return nil, err
	}

	raw, err := c.quoter.GetSwapTransaction(ctx, quote.Request{
		WalletPubkey:    wallet,
		TokenMint:       req.TokenMint,
		Side:            req.Side,
		Amount:          req.Amount,
		SlippagePercent: req.SlippagePercent,
		PriorityFeeSol:  req.PriorityFeeSol,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQuoteUnavailable, err)
	}

	tx, err := solana.TransactionFromBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTransaction, err)
	}

	if err := c.signer.Sign(ctx, req.UserID, tx); err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}

	if err := c.simulate(ctx, tx); err != nil {
		return nil, err
	}

	sig := tx.Signatures[0]
	log = log.With(zap.String("signature", sig.String()))

	if err := c.broadcast(ctx, tx, wallet, req, log); err != nil {
		return nil, err
	}

	if err := c.confirm(ctx, sig, log); err != nil {
		return nil, err
	}
	log.Info("transaction confirmed")

	result := &SwapResult{Signature: sig}
	if req.Side == quote.SideBuy {
		received, err := c.verifyTokensReceived(ctx, wallet, req.TokenMint)
		if err != nil {
			return nil, fmt.Errorf("%w (signature %s)", ErrNoTokensReceived, sig)
		}
		result.TokensReceived = received
		log.Info("tokens received", zap.Uint64("token_amount", received))
	}
	return result, nil
}

func (c *Client) checkBalance(ctx context.Context, wallet solana.PublicKey, req SwapRequest) error {
	bal, err := c.rpc.GetBalance(ctx, wallet, rpc.CommitmentConfirmed)
	if err != nil {
		return fmt.Errorf("get balance: %w", err)
	}
	tipLamports := uint64(req.TipAmountSol * lamportsPerSol)
	need := tipLamports + feeHeadroomLamports
	if req.Side == quote.SideBuy {
		need += req.Amount
	}
	if bal.Value < need {
		return fmt.Errorf("%w: have %d lamports, need %d", ErrInsufficientBalance, bal.Value, need)
	}
	return nil
}

func (c *Client) simulate(ctx context.Context, tx *solana.Transaction) error {
	sim, err := c.rpc.SimulateTransaction(ctx, tx)
	if err != nil {
		return fmt.Errorf("simulate: %w", err)
	}
	if sim.Value != nil && sim.Value.Err != nil {
		raw := fmt.Sprintf("%v", sim.Value.Err)
		return &SimulationError{
			Kind: classifyFailure(raw, sim.Value.Logs),
			Raw:  raw,
			Logs: sim.Value.Logs,
		}
	}
	return nil
}

// broadcast sends via the tip path when a tip is configured, falling back
// to direct RPC submission. The transaction is already fully signed.
func (c *Client) broadcast(ctx context.Context, tx *solana.Transaction, wallet solana.PublicKey, req SwapRequest, log *zap.Logger) error {
	if req.TipAmountSol > 0 && len(c.tipAccounts) > 0 && len(c.senders) > 0 {
		if err := c.sendBundle(ctx, tx, wallet, req, log); err == nil {
			return nil
		} else {
			log.Warn("tip path failed, falling back to direct send", zap.Error(err))
		}
	}
	return c.sendDirect(ctx, tx, log)
}

// sendBundle pairs the swap with a tip transfer and submits both as one
// atomic bundle to a randomly chosen sender endpoint. The tip account is
// also randomized so repeated submissions do not converge on one validator
// queue.
func (c *Client) sendBundle(ctx context.Context, swapTx *solana.Transaction, wallet solana.PublicKey, req SwapRequest, log *zap.Logger) error {
	tipTo := c.tipAccounts[c.rng.Intn(len(c.tipAccounts))]
	endpoint := c.senders[c.rng.Intn(len(c.senders))]
	tipLamports := uint64(req.TipAmountSol * lamportsPerSol)

	tipTx, err := solana.NewTransaction(
		[]solana.Instruction{
			system.NewTransferInstruction(tipLamports, wallet, tipTo).Build(),
		},
		swapTx.Message.RecentBlockhash,
		solana.TransactionPayer(wallet),
	)
	if err != nil {
		return fmt.Errorf("build tip transaction: %w", err)
	}
	if err := c.signer.Sign(ctx, req.UserID, tipTx); err != nil {
		return fmt.Errorf("sign tip transaction: %w", err)
	}

	swapB64, err := encodeTx(swapTx)
	if err != nil {
		return err
	}
	tipB64, err := encodeTx(tipTx)
	if err != nil {
		return err
	}

	body, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "sendBundle",
		"params": []interface{}{
			[]string{swapB64, tipB64},
			map[string]string{"encoding": "base64"},
		},
	})
	if err != nil {
		return fmt.Errorf("marshal bundle: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build bundle request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("send bundle: %w", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sender endpoint returned %d: %s", resp.StatusCode, respBody)
	}
	var rpcResp struct {
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBody, &rpcResp); err == nil && rpcResp.Error != nil {
		return fmt.Errorf("sender endpoint error: %s", rpcResp.Error.Message)
	}
	log.Info("bundle submitted",
		zap.String("sender_endpoint", endpoint),
		zap.String("tip_account", tipTo.String()),
		zap.Uint64("tip_lamports", tipLamports),
	)
	return nil
}

func encodeTx(tx *solana.Transaction) (string, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("marshal transaction: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// sendDirect submits over plain RPC with preflight skipped (the pipeline
// already simulated) and a small bounded retry loop.
func (c *Client) sendDirect(ctx context.Context, tx *solana.Transaction, log *zap.Logger) error {
	var lastErr error
	for attempt := 1; attempt <= directSendAttempts; attempt++ {
		_, err := c.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
			SkipPreflight:       true,
			PreflightCommitment: rpc.CommitmentConfirmed,
		})
		if err == nil {
			log.Info("transaction sent", zap.Int("attempt", attempt))
			return nil
		}
		lastErr = err
		log.Warn("direct send failed", zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.sendDelay):
		}
	}
	return fmt.Errorf("%w: %v", ErrBroadcastFailed, lastErr)
}

// confirm polls signature status until the transaction reaches confirmed
// or finalized commitment. On timeout it waits out a settle delay and does
// one last poll before declaring the outcome uncertain.
func (c *Client) confirm(ctx context.Context, sig solana.Signature, log *zap.Logger) error {
	deadline := time.NewTimer(c.confirmWait)
	defer deadline.Stop()
	ticker := time.NewTicker(c.confirmPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.settleDelay):
			}
			done, err := c.pollStatus(ctx, sig)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
			return fmt.Errorf("%w (signature %s)", ErrConfirmationUncertain, sig)
		case <-ticker.C:
			done, err := c.pollStatus(ctx, sig)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
	}
}

// pollStatus returns (true, nil) once the signature is confirmed, (false,
// nil) while it is still pending, and a classified error if the program
// failed on chain.
func (c *Client) pollStatus(ctx context.Context, sig solana.Signature) (bool, error) {
	statuses, err := c.rpc.GetSignatureStatuses(ctx, true, sig)
	if err != nil || statuses == nil || len(statuses.Value) == 0 || statuses.Value[0] == nil {
		return false, nil
	}
	st := statuses.Value[0]
	if st.Err != nil {
		raw := fmt.Sprintf("%v", st.Err)
		return false, &OnChainError{
			Kind:      classifyFailure(raw, nil),
			Signature: sig.String(),
			Raw:       raw,
		}
	}
	switch st.ConfirmationStatus {
	case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
		return true, nil
	}
	return false, nil
}

// verifyTokensReceived reads the custodial token balance for the mint,
// retrying once after a longer settle window. A zero balance on both reads
// means the buy produced nothing we can manage.
func (c *Client) verifyTokensReceived(ctx context.Context, wallet solana.PublicKey, tokenMint string) (uint64, error) {
	balance, err := c.tokenBalance(ctx, wallet, tokenMint)
	if err == nil && balance > 0 {
		return balance, nil
	}
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-time.After(c.recheckWait):
	}
	balance, err = c.tokenBalance(ctx, wallet, tokenMint)
	if err != nil {
		return 0, err
	}
	if balance == 0 {
		return 0, fmt.Errorf("token balance still zero for mint %s", tokenMint)
	}
	return balance, nil
}

// TokenBalance reads the raw token units held by the user's wallet for a
// mint. Used by sells to size "percent of held" orders.
func (c *Client) TokenBalance(ctx context.Context, userID, tokenMint string) (uint64, error) {
	wallet, err := c.signer.PublicKey(ctx, userID)
	if err != nil {
		return 0, err
	}
	return c.tokenBalance(ctx, wallet, tokenMint)
}

func (c *Client) tokenBalance(ctx context.Context, wallet solana.PublicKey, tokenMint string) (uint64, error) {
	mint, err := solana.PublicKeyFromBase58(tokenMint)
	if err != nil {
		return 0, fmt.Errorf("token mint %q: %w", tokenMint, err)
	}
	accounts, err := c.rpc.GetTokenAccountsByOwner(ctx, wallet,
		&rpc.GetTokenAccountsConfig{Mint: &mint},
		&rpc.GetTokenAccountsOpts{Encoding: solana.EncodingBase64},
	)
	if err != nil {
		return 0, fmt.Errorf("get token accounts: %w", err)
	}
	if len(accounts.Value) == 0 {
		return 0, nil
	}
	data := accounts.Value[0].Account.Data.GetBinary()
	if len(data) < 72 {
		return 0, fmt.Errorf("token account data too short: %d bytes", len(data))
	}
	return binary.LittleEndian.Uint64(data[64:72]), nil
}
