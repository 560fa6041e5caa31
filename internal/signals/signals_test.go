// internal/signals/signals_test.go
package signals

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/avelinsk/pumpsentry/internal/storage/models"
)

func TestPublishDeliversToHandler(t *testing.T) {
	bus := NewBus(zap.NewNop(), 8)
	defer bus.Shutdown(context.Background())

	var mu sync.Mutex
	var got []BuySignal
	bus.SubscribeFunc(func(ctx context.Context, sig BuySignal) error {
		mu.Lock()
		got = append(got, sig)
		mu.Unlock()
		return nil
	})

	require.NoError(t, bus.Publish(BuySignal{
		UserID:    "u1",
		TokenMint: "mint-a",
		Mode:      models.ModePrimary,
		Source:    "webhook",
	}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "u1", got[0].UserID)
	assert.Equal(t, models.ModePrimary, got[0].Mode)
	assert.False(t, got[0].ReceivedAt.IsZero())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus(zap.NewNop(), 8)
	defer bus.Shutdown(context.Background())

	delivered := make(chan struct{}, 4)
	unsubscribe := bus.SubscribeFunc(func(ctx context.Context, sig BuySignal) error {
		delivered <- struct{}{}
		return nil
	})

	require.NoError(t, bus.Publish(BuySignal{UserID: "u1", TokenMint: "a"}))
	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("first signal not delivered")
	}

	unsubscribe()
	require.NoError(t, bus.Publish(BuySignal{UserID: "u1", TokenMint: "b"}))
	select {
	case <-delivered:
		t.Fatal("unsubscribed handler still called")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishAfterShutdownFails(t *testing.T) {
	bus := NewBus(zap.NewNop(), 8)
	require.NoError(t, bus.Shutdown(context.Background()))

	err := bus.Publish(BuySignal{UserID: "u1", TokenMint: "a"})
	require.Error(t, err)
}

func TestFullBufferDropsInsteadOfBlocking(t *testing.T) {
	bus := NewBus(zap.NewNop(), 1)
	defer bus.Shutdown(context.Background())

	block := make(chan struct{})
	bus.SubscribeFunc(func(ctx context.Context, sig BuySignal) error {
		<-block
		return nil
	})

	// Saturate the dispatcher and the one-slot buffer, then expect a drop.
	var sawError bool
	for i := 0; i < 10; i++ {
		if bus.Publish(BuySignal{UserID: "u1", TokenMint: "a"}) != nil {
			sawError = true
			break
		}
	}
	close(block)
	assert.True(t, sawError)
}

func TestHandlerErrorDoesNotStopOthers(t *testing.T) {
	bus := NewBus(zap.NewNop(), 8)
	defer bus.Shutdown(context.Background())

	delivered := make(chan string, 2)
	bus.SubscribeFunc(func(ctx context.Context, sig BuySignal) error {
		delivered <- "failing"
		return assert.AnError
	})
	bus.SubscribeFunc(func(ctx context.Context, sig BuySignal) error {
		delivered <- "healthy"
		return nil
	})

	require.NoError(t, bus.Publish(BuySignal{UserID: "u1", TokenMint: "a"}))

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case name := <-delivered:
			seen[name] = true
		case <-time.After(time.Second):
			t.Fatal("handlers not called")
		}
	}
	assert.True(t, seen["failing"])
	assert.True(t, seen["healthy"])
}
