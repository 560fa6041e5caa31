// internal/quote/jupiter.go
package quote

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const solMint = "So11111111111111111111111111111111111111112"

const lamportsPerSol = 1_000_000_000

// HTTPQuoter talks to a Jupiter-style aggregator: a GET quote endpoint
// followed by a POST swap endpoint that returns a base64 serialized
// transaction for the requesting wallet to sign.
type HTTPQuoter struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
	maxRetries uint64
}

// NewHTTPQuoter creates a quoter against the given base URL.
func NewHTTPQuoter(baseURL string, maxRetries int, logger *zap.Logger) *HTTPQuoter {
	return &HTTPQuoter{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger:     logger.Named("quoter"),
		maxRetries: uint64(maxRetries),
	}
}

// GetSwapTransaction fetches a quote and exchanges it for an unsigned
// transaction. Transient HTTP failures are retried with backoff up to the
// configured budget; a definitive service error is returned as-is.
func (q *HTTPQuoter) GetSwapTransaction(ctx context.Context, req Request) ([]byte, error) {
	inputMint, outputMint := solMint, req.TokenMint
	if req.Side == SideSell {
		inputMint, outputMint = req.TokenMint, solMint
	}

	quoteURL := fmt.Sprintf("%s/quote?inputMint=%s&outputMint=%s&amount=%d&slippageBps=%d&swapMode=ExactIn",
		q.baseURL, inputMint, outputMint, req.Amount, int(req.SlippagePercent*100))

	var quoteResp map[string]interface{}
	operation := func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, quoteURL, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := q.httpClient.Do(httpReq)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("quote status %d", resp.StatusCode)
		}
		return json.NewDecoder(resp.Body).Decode(&quoteResp)
	}
	if err := backoff.Retry(operation, q.newBackOff(ctx)); err != nil {
		return nil, fmt.Errorf("quote request failed: %w", err)
	}
	if errMsg, ok := quoteResp["error"].(string); ok {
		return nil, fmt.Errorf("quote error: %s", errMsg)
	}

	swapBody := map[string]interface{}{
		"quoteResponse":             quoteResp,
		"userPublicKey":             req.WalletPubkey.String(),
		"wrapAndUnwrapSol":          true,
		"dynamicComputeUnitLimit":   true,
		"prioritizationFeeLamports": uint64(req.PriorityFeeSol * lamportsPerSol),
	}
	body, err := json.Marshal(swapBody)
	if err != nil {
		return nil, fmt.Errorf("marshal swap request: %w", err)
	}

	var swapResp struct {
		SwapTransaction string `json:"swapTransaction"`
		Error           string `json:"error"`
	}
	operation = func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, q.baseURL+"/swap", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		resp, err := q.httpClient.Do(httpReq)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("swap status %d", resp.StatusCode)
		}
		return json.NewDecoder(resp.Body).Decode(&swapResp)
	}
	if err := backoff.Retry(operation, q.newBackOff(ctx)); err != nil {
		return nil, fmt.Errorf("swap request failed: %w", err)
	}
	if swapResp.Error != "" {
		return nil, fmt.Errorf("swap error: %s", swapResp.Error)
	}
	if swapResp.SwapTransaction == "" {
		return nil, fmt.Errorf("no swapTransaction in response")
	}

	txBytes, err := base64.StdEncoding.DecodeString(swapResp.SwapTransaction)
	if err != nil {
		return nil, fmt.Errorf("decode swap transaction: %w", err)
	}

	q.logger.Debug("swap transaction obtained",
		zap.String("token", req.TokenMint),
		zap.String("side", string(req.Side)),
		zap.Uint64("amount", req.Amount))

	return txBytes, nil
}

func (q *HTTPQuoter) newBackOff(ctx context.Context) backoff.BackOffContext {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxElapsedTime = 5 * time.Second
	return backoff.WithContext(backoff.WithMaxRetries(bo, q.maxRetries), ctx)
}
