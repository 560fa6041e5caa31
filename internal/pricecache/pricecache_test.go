// internal/pricecache/pricecache_test.go
package pricecache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSource struct {
	price float64
	err   error
	calls int
}

func (f *fakeSource) TokenPrice(ctx context.Context, mint string) (float64, error) {
	f.calls++
	return f.price, f.err
}

func TestHTTPSource(t *testing.T) {
	const mint = "So11111111111111111111111111111111111111112"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, mint, r.URL.Query().Get("ids"))
		fmt.Fprintf(w, `{"data":{"%s":{"price":"0.000031415"}}}`, mint)
	}))
	defer server.Close()

	src := NewHTTPSource(server.URL, zap.NewNop())
	price, err := src.TokenPrice(context.Background(), mint)
	require.NoError(t, err)
	assert.InDelta(t, 0.000031415, price, 1e-12)
}

func TestHTTPSourceMissingMint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":{}}`)
	}))
	defer server.Close()

	src := NewHTTPSource(server.URL, zap.NewNop())
	_, err := src.TokenPrice(context.Background(), "missing-mint")
	require.Error(t, err)
}

func TestHTTPSourceRejectsNonPositive(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":{"m":{"price":"0"}}}`)
	}))
	defer server.Close()

	src := NewHTTPSource(server.URL, zap.NewNop())
	_, err := src.TokenPrice(context.Background(), "m")
	require.Error(t, err)
}

func TestCacheWithoutRedisPassesThrough(t *testing.T) {
	src := &fakeSource{price: 1.5}
	cache := NewCache(src, nil, time.Minute, zap.NewNop())

	for i := 0; i < 3; i++ {
		price, err := cache.TokenPrice(context.Background(), "m")
		require.NoError(t, err)
		assert.Equal(t, 1.5, price)
	}
	assert.Equal(t, 3, src.calls)
}

func TestCachePropagatesSourceError(t *testing.T) {
	src := &fakeSource{err: errors.New("upstream down")}
	cache := NewCache(src, nil, time.Minute, zap.NewNop())

	_, err := cache.TokenPrice(context.Background(), "m")
	require.Error(t, err)
}
