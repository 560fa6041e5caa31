// internal/signals/signals.go

// Package signals is the in-process conduit between signal producers
// (webhooks, feed readers, manual commands) and the trading service.
// Producers publish buy signals onto a buffered bus; subscribed handlers
// run asynchronously so a slow buy never blocks ingestion.
package signals

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/avelinsk/pumpsentry/internal/storage/models"
)

// BuySignal asks for a position in a token on behalf of a user.
type BuySignal struct {
	UserID     string
	TokenMint  string
	Mode       models.Mode
	Source     string
	ReceivedAt time.Time
}

// Handler consumes buy signals.
type Handler interface {
	HandleBuySignal(ctx context.Context, sig BuySignal) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, sig BuySignal) error

func (f HandlerFunc) HandleBuySignal(ctx context.Context, sig BuySignal) error {
	return f(ctx, sig)
}

// Bus fans buy signals out to subscribed handlers. Publishing never
// blocks: when the buffer is full the signal is dropped with a warning,
// since a stale buy signal is worse than a missed one.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	ch       chan BuySignal
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	logger   *zap.Logger
}

func NewBus(logger *zap.Logger, bufferSize int) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		handlers: make(map[string]Handler),
		ch:       make(chan BuySignal, bufferSize),
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger.Named("signals"),
	}
	b.wg.Add(1)
	go b.dispatch()
	return b
}

// Subscribe registers a handler and returns a function that removes it.
func (b *Bus) Subscribe(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := uuid.NewString()
	b.handlers[id] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers, id)
	}
}

// SubscribeFunc registers a plain function as a handler.
func (b *Bus) SubscribeFunc(fn func(ctx context.Context, sig BuySignal) error) func() {
	return b.Subscribe(HandlerFunc(fn))
}

// Publish enqueues a signal for asynchronous delivery.
func (b *Bus) Publish(sig BuySignal) error {
	if sig.ReceivedAt.IsZero() {
		sig.ReceivedAt = time.Now().UTC()
	}
	select {
	case <-b.ctx.Done():
		return fmt.Errorf("signal bus is shut down")
	case b.ch <- sig:
		return nil
	default:
		b.logger.Warn("signal buffer full, dropping signal",
			zap.String("user_id", sig.UserID),
			zap.String("token_mint", sig.TokenMint),
		)
		return fmt.Errorf("signal buffer full")
	}
}

func (b *Bus) dispatch() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			for {
				select {
				case sig := <-b.ch:
					b.deliver(context.Background(), sig)
				default:
					return
				}
			}
		case sig := <-b.ch:
			b.wg.Add(1)
			go func(s BuySignal) {
				defer b.wg.Done()
				b.deliver(b.ctx, s)
			}(sig)
		}
	}
}

func (b *Bus) deliver(ctx context.Context, sig BuySignal) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		if err := h.HandleBuySignal(ctx, sig); err != nil {
			b.logger.Warn("signal handler failed",
				zap.String("user_id", sig.UserID),
				zap.String("token_mint", sig.TokenMint),
				zap.String("source", sig.Source),
				zap.Error(err),
			)
		}
	}
}

// Shutdown stops intake and waits for in-flight deliveries, up to the
// context deadline.
func (b *Bus) Shutdown(ctx context.Context) error {
	b.cancel()
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
