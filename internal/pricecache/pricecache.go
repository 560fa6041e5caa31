// internal/pricecache/pricecache.go

// Package pricecache supplies token prices to the monitor: an HTTP source
// against the aggregator price API, fronted by an optional Redis
// read-through cache so one sweep over many positions in the same token
// costs one upstream call.
package pricecache

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Source yields the current price of a token mint in SOL per token unit.
type Source interface {
	TokenPrice(ctx context.Context, mint string) (float64, error)
}

// HTTPSource reads prices from the aggregator price endpoint.
type HTTPSource struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

func NewHTTPSource(baseURL string, logger *zap.Logger) *HTTPSource {
	return &HTTPSource{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 5 * time.Second},
		logger:  logger.Named("price"),
	}
}

func (s *HTTPSource) TokenPrice(ctx context.Context, mint string) (float64, error) {
	url := fmt.Sprintf("%s?ids=%s", s.baseURL, mint)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("build price request: %w", err)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetch price: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("price endpoint returned %d", resp.StatusCode)
	}

	var payload struct {
		Data map[string]struct {
			Price string `json:"price"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, fmt.Errorf("decode price response: %w", err)
	}
	entry, ok := payload.Data[mint]
	if !ok || entry.Price == "" {
		return 0, fmt.Errorf("no price for mint %s", mint)
	}
	price, err := strconv.ParseFloat(entry.Price, 64)
	if err != nil {
		return 0, fmt.Errorf("parse price %q: %w", entry.Price, err)
	}
	if price <= 0 {
		return 0, fmt.Errorf("non-positive price %f for mint %s", price, mint)
	}
	return price, nil
}

// Cache is a read-through TTL cache over a Source. A nil Redis client
// turns it into a transparent pass-through, so the engine runs fine
// without Redis deployed.
type Cache struct {
	source Source
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewCache(source Source, rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *Cache {
	return &Cache{
		source: source,
		rdb:    rdb,
		ttl:    ttl,
		logger: logger.Named("pricecache"),
	}
}

func cacheKey(mint string) string {
	return "price:" + mint
}

func (c *Cache) TokenPrice(ctx context.Context, mint string) (float64, error) {
	if c.rdb != nil {
		cached, err := c.rdb.Get(ctx, cacheKey(mint)).Result()
		if err == nil {
			if price, perr := strconv.ParseFloat(cached, 64); perr == nil {
				return price, nil
			}
		} else if err != redis.Nil {
			c.logger.Warn("cache read failed", zap.String("token_mint", mint), zap.Error(err))
		}
	}

	price, err := c.source.TokenPrice(ctx, mint)
	if err != nil {
		return 0, err
	}

	if c.rdb != nil {
		val := strconv.FormatFloat(price, 'f', -1, 64)
		if err := c.rdb.Set(ctx, cacheKey(mint), val, c.ttl).Err(); err != nil {
			c.logger.Warn("cache write failed", zap.String("token_mint", mint), zap.Error(err))
		}
	}
	return price, nil
}
