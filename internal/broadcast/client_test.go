// internal/broadcast/client_test.go
package broadcast

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/avelinsk/pumpsentry/internal/quote"
)

type fakeRPC struct {
	balance     uint64
	simErr      interface{}
	simLogs     []string
	sendErr     error
	sendCalls   int
	statusErr   interface{}
	statusStage rpc.ConfirmationStatusType
	statusCalls int
	tokenAmount uint64
	tokenAbsent bool
	tokenCalls  int
}

func (f *fakeRPC) GetBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetBalanceResult, error) {
	return &rpc.GetBalanceResult{Value: f.balance}, nil
}

func (f *fakeRPC) SimulateTransaction(ctx context.Context, tx *solana.Transaction) (*rpc.SimulateTransactionResponse, error) {
	return &rpc.SimulateTransactionResponse{
		Value: &rpc.SimulateTransactionResult{Err: f.simErr, Logs: f.simLogs},
	}, nil
}

func (f *fakeRPC) SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error) {
	f.sendCalls++
	if f.sendErr != nil {
		return solana.Signature{}, f.sendErr
	}
	return tx.Signatures[0], nil
}

func (f *fakeRPC) GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error) {
	f.statusCalls++
	if f.statusErr != nil {
		return &rpc.GetSignatureStatusesResult{
			Value: []*rpc.SignatureStatusesResult{{Err: f.statusErr}},
		}, nil
	}
	if f.statusStage == "" {
		return &rpc.GetSignatureStatusesResult{Value: []*rpc.SignatureStatusesResult{nil}}, nil
	}
	return &rpc.GetSignatureStatusesResult{
		Value: []*rpc.SignatureStatusesResult{{ConfirmationStatus: f.statusStage}},
	}, nil
}

func (f *fakeRPC) GetTokenAccountsByOwner(ctx context.Context, owner solana.PublicKey, conf *rpc.GetTokenAccountsConfig, opts *rpc.GetTokenAccountsOpts) (*rpc.GetTokenAccountsResult, error) {
	f.tokenCalls++
	if f.tokenAbsent {
		return &rpc.GetTokenAccountsResult{}, nil
	}
	data := make([]byte, 165)
	binary.LittleEndian.PutUint64(data[64:72], f.tokenAmount)
	return &rpc.GetTokenAccountsResult{
		Value: []*rpc.TokenAccount{
			{Account: rpc.Account{Data: rpc.DataBytesOrJSONFromBytes(data)}},
		},
	}, nil
}

type fakeSigner struct {
	wallet *solana.Wallet
}

func (s *fakeSigner) Sign(ctx context.Context, userID string, tx *solana.Transaction) error {
	_, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(s.wallet.PublicKey()) {
			return &s.wallet.PrivateKey
		}
		return nil
	})
	return err
}

func (s *fakeSigner) PublicKey(ctx context.Context, userID string) (solana.PublicKey, error) {
	return s.wallet.PublicKey(), nil
}

type fakeQuoter struct {
	raw   []byte
	err   error
	calls int
	last  quote.Request
}

func (q *fakeQuoter) GetSwapTransaction(ctx context.Context, req quote.Request) ([]byte, error) {
	q.calls++
	q.last = req
	return q.raw, q.err
}

func swapTxBytes(t *testing.T, wallet *solana.Wallet) []byte {
	t.Helper()
	tx, err := solana.NewTransaction(
		[]solana.Instruction{
			system.NewTransferInstruction(1, wallet.PublicKey(), wallet.PublicKey()).Build(),
		},
		solana.Hash{},
		solana.TransactionPayer(wallet.PublicKey()),
	)
	require.NoError(t, err)
	raw, err := tx.MarshalBinary()
	require.NoError(t, err)
	return raw
}

func newTestClient(t *testing.T, f *fakeRPC, wallet *solana.Wallet, q quote.Quoter, cfg Config) *Client {
	t.Helper()
	if cfg.ConfirmTimeout == 0 {
		cfg.ConfirmTimeout = 200 * time.Millisecond
	}
	c, err := NewClient(f, &fakeSigner{wallet: wallet}, q, cfg, zap.NewNop())
	require.NoError(t, err)
	c.confirmPoll = time.Millisecond
	c.settleDelay = time.Millisecond
	c.sendDelay = time.Millisecond
	c.recheckWait = time.Millisecond
	return c
}

func TestBuyBelowMinimumNeverQuotes(t *testing.T) {
	wallet := solana.NewWallet()
	f := &fakeRPC{balance: 10 * lamportsPerSol}
	q := &fakeQuoter{}
	c := newTestClient(t, f, wallet, q, Config{})

	_, err := c.ExecuteSwap(context.Background(), SwapRequest{
		UserID:    "u1",
		TokenMint: solana.NewWallet().PublicKey().String(),
		Side:      quote.SideBuy,
		Amount:    100,
	})
	require.ErrorIs(t, err, ErrBelowMinimum)
	assert.Zero(t, q.calls)
	assert.Zero(t, f.sendCalls)
}

func TestBuyInsufficientBalance(t *testing.T) {
	wallet := solana.NewWallet()
	f := &fakeRPC{balance: 1_000}
	q := &fakeQuoter{}
	c := newTestClient(t, f, wallet, q, Config{})

	_, err := c.ExecuteSwap(context.Background(), SwapRequest{
		UserID:    "u1",
		TokenMint: solana.NewWallet().PublicKey().String(),
		Side:      quote.SideBuy,
		Amount:    600_000,
	})
	require.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Zero(t, q.calls)
}

func TestMalformedQuoteResponse(t *testing.T) {
	wallet := solana.NewWallet()
	f := &fakeRPC{balance: 10 * lamportsPerSol}
	q := &fakeQuoter{raw: []byte("definitely not a transaction")}
	c := newTestClient(t, f, wallet, q, Config{})

	_, err := c.ExecuteSwap(context.Background(), SwapRequest{
		UserID:    "u1",
		TokenMint: solana.NewWallet().PublicKey().String(),
		Side:      quote.SideBuy,
		Amount:    600_000,
	})
	require.ErrorIs(t, err, ErrMalformedTransaction)
}

func TestSimulationFailureAbortsBeforeBroadcast(t *testing.T) {
	wallet := solana.NewWallet()
	f := &fakeRPC{
		balance: 10 * lamportsPerSol,
		simErr:  map[string]interface{}{"InstructionError": []interface{}{2, "Custom(6004)"}},
		simLogs: []string{"Program log: Error: TooLittleSolReceived"},
	}
	q := &fakeQuoter{raw: swapTxBytes(t, wallet)}
	c := newTestClient(t, f, wallet, q, Config{})

	_, err := c.ExecuteSwap(context.Background(), SwapRequest{
		UserID:    "u1",
		TokenMint: solana.NewWallet().PublicKey().String(),
		Side:      quote.SideBuy,
		Amount:    600_000,
	})
	var simErr *SimulationError
	require.ErrorAs(t, err, &simErr)
	assert.Equal(t, FailureSlippage, simErr.Kind)
	assert.Zero(t, f.sendCalls)
}

func TestBuyDirectPathHappy(t *testing.T) {
	wallet := solana.NewWallet()
	f := &fakeRPC{
		balance:     10 * lamportsPerSol,
		statusStage: rpc.ConfirmationStatusConfirmed,
		tokenAmount: 42_000_000,
	}
	q := &fakeQuoter{raw: swapTxBytes(t, wallet)}
	c := newTestClient(t, f, wallet, q, Config{})

	res, err := c.ExecuteSwap(context.Background(), SwapRequest{
		UserID:          "u1",
		TokenMint:       solana.NewWallet().PublicKey().String(),
		Side:            quote.SideBuy,
		Amount:          600_000,
		SlippagePercent: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(42_000_000), res.TokensReceived)
	assert.NotEqual(t, solana.Signature{}, res.Signature)
	assert.Equal(t, 1, f.sendCalls)
	assert.InDelta(t, 10.0, q.last.SlippagePercent, 1e-9)
}

func TestSellSkipsMinimumAndReceiptCheck(t *testing.T) {
	wallet := solana.NewWallet()
	f := &fakeRPC{
		balance:     lamportsPerSol,
		statusStage: rpc.ConfirmationStatusFinalized,
	}
	q := &fakeQuoter{raw: swapTxBytes(t, wallet)}
	c := newTestClient(t, f, wallet, q, Config{})

	res, err := c.ExecuteSwap(context.Background(), SwapRequest{
		UserID:    "u1",
		TokenMint: solana.NewWallet().PublicKey().String(),
		Side:      quote.SideSell,
		Amount:    10, // token units, not lamports
	})
	require.NoError(t, err)
	assert.Zero(t, res.TokensReceived)
	assert.Zero(t, f.tokenCalls)
}

func TestBroadcastFailedAfterRetries(t *testing.T) {
	wallet := solana.NewWallet()
	f := &fakeRPC{
		balance: 10 * lamportsPerSol,
		sendErr: errors.New("connection refused"),
	}
	q := &fakeQuoter{raw: swapTxBytes(t, wallet)}
	c := newTestClient(t, f, wallet, q, Config{})

	_, err := c.ExecuteSwap(context.Background(), SwapRequest{
		UserID:    "u1",
		TokenMint: solana.NewWallet().PublicKey().String(),
		Side:      quote.SideBuy,
		Amount:    600_000,
	})
	require.ErrorIs(t, err, ErrBroadcastFailed)
	assert.Equal(t, directSendAttempts, f.sendCalls)
}

func TestOnChainErrorCarriesSignature(t *testing.T) {
	wallet := solana.NewWallet()
	f := &fakeRPC{
		balance:   10 * lamportsPerSol,
		statusErr: "InstructionError(2, Custom(6005)): custom program error: 0x1775",
	}
	q := &fakeQuoter{raw: swapTxBytes(t, wallet)}
	c := newTestClient(t, f, wallet, q, Config{})

	_, err := c.ExecuteSwap(context.Background(), SwapRequest{
		UserID:    "u1",
		TokenMint: solana.NewWallet().PublicKey().String(),
		Side:      quote.SideSell,
		Amount:    1_000,
	})
	var chainErr *OnChainError
	require.ErrorAs(t, err, &chainErr)
	assert.Equal(t, FailureCurveClosed, chainErr.Kind)
	assert.NotEmpty(t, chainErr.Signature)
}

func TestConfirmationUncertainAfterTimeout(t *testing.T) {
	wallet := solana.NewWallet()
	f := &fakeRPC{balance: 10 * lamportsPerSol} // statuses stay pending
	q := &fakeQuoter{raw: swapTxBytes(t, wallet)}
	c := newTestClient(t, f, wallet, q, Config{ConfirmTimeout: 20 * time.Millisecond})

	_, err := c.ExecuteSwap(context.Background(), SwapRequest{
		UserID:    "u1",
		TokenMint: solana.NewWallet().PublicKey().String(),
		Side:      quote.SideSell,
		Amount:    1_000,
	})
	require.ErrorIs(t, err, ErrConfirmationUncertain)
	assert.Contains(t, err.Error(), "signature")
	assert.Positive(t, f.statusCalls)
}

func TestBuyNoTokensReceived(t *testing.T) {
	wallet := solana.NewWallet()
	f := &fakeRPC{
		balance:     10 * lamportsPerSol,
		statusStage: rpc.ConfirmationStatusConfirmed,
		tokenAbsent: true,
	}
	q := &fakeQuoter{raw: swapTxBytes(t, wallet)}
	c := newTestClient(t, f, wallet, q, Config{})

	_, err := c.ExecuteSwap(context.Background(), SwapRequest{
		UserID:    "u1",
		TokenMint: solana.NewWallet().PublicKey().String(),
		Side:      quote.SideBuy,
		Amount:    600_000,
	})
	require.ErrorIs(t, err, ErrNoTokensReceived)
	assert.Equal(t, 2, f.tokenCalls) // initial read plus one recheck
}

func TestTipPathSubmitsBundle(t *testing.T) {
	wallet := solana.NewWallet()
	var bundled struct {
		method string
		txs    int
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req struct {
			Method string          `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		require.NoError(t, json.Unmarshal(body, &req))
		bundled.method = req.Method
		var txs []string
		require.NoError(t, json.Unmarshal(req.Params[0], &txs))
		bundled.txs = len(txs)
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"bundle-id"}`))
	}))
	defer server.Close()

	f := &fakeRPC{
		balance:     10 * lamportsPerSol,
		statusStage: rpc.ConfirmationStatusConfirmed,
		tokenAmount: 7,
	}
	q := &fakeQuoter{raw: swapTxBytes(t, wallet)}
	c := newTestClient(t, f, wallet, q, Config{
		SenderEndpoints: []string{server.URL},
		TipAccounts:     []string{solana.NewWallet().PublicKey().String()},
	})

	_, err := c.ExecuteSwap(context.Background(), SwapRequest{
		UserID:       "u1",
		TokenMint:    solana.NewWallet().PublicKey().String(),
		Side:         quote.SideBuy,
		Amount:       600_000,
		TipAmountSol: 0.001,
	})
	require.NoError(t, err)
	assert.Equal(t, "sendBundle", bundled.method)
	assert.Equal(t, 2, bundled.txs)
	assert.Zero(t, f.sendCalls) // tip path succeeded, no fallback
}

func TestTipPathFallsBackToDirect(t *testing.T) {
	wallet := solana.NewWallet()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer server.Close()

	f := &fakeRPC{
		balance:     10 * lamportsPerSol,
		statusStage: rpc.ConfirmationStatusConfirmed,
		tokenAmount: 7,
	}
	q := &fakeQuoter{raw: swapTxBytes(t, wallet)}
	c := newTestClient(t, f, wallet, q, Config{
		SenderEndpoints: []string{server.URL},
		TipAccounts:     []string{solana.NewWallet().PublicKey().String()},
	})

	_, err := c.ExecuteSwap(context.Background(), SwapRequest{
		UserID:       "u1",
		TokenMint:    solana.NewWallet().PublicKey().String(),
		Side:         quote.SideBuy,
		Amount:       600_000,
		TipAmountSol: 0.001,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, f.sendCalls)
}

func TestClassifyFailure(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		logs []string
		want FailureKind
	}{
		{"slippage log", "", []string{"Program log: Error: TooLittleSolReceived"}, FailureSlippage},
		{"slippage code", "custom program error: 0x1774", nil, FailureSlippage},
		{"curve closed", "custom program error: 0x1775", nil, FailureCurveClosed},
		{"curve log", "", []string{"Program log: BondingCurveComplete"}, FailureCurveClosed},
		{"insufficient", "Transfer: insufficient lamports 100, need 200", nil, FailureInsufficientFunds},
		{"unknown", "some novel failure", nil, FailureUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, classifyFailure(tc.raw, tc.logs))
		})
	}
}

func TestInvalidTipAccountRejectedAtConstruction(t *testing.T) {
	_, err := NewClient(&fakeRPC{}, &fakeSigner{wallet: solana.NewWallet()}, &fakeQuoter{}, Config{
		TipAccounts: []string{"not-base58-0OIl"},
	}, zap.NewNop())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "tip account"))
}
