// internal/bot/runner.go
package bot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go/rpc"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/avelinsk/pumpsentry/internal/broadcast"
	"github.com/avelinsk/pumpsentry/internal/config"
	"github.com/avelinsk/pumpsentry/internal/export"
	"github.com/avelinsk/pumpsentry/internal/logger"
	"github.com/avelinsk/pumpsentry/internal/monitor"
	"github.com/avelinsk/pumpsentry/internal/pricecache"
	"github.com/avelinsk/pumpsentry/internal/quote"
	"github.com/avelinsk/pumpsentry/internal/settings"
	"github.com/avelinsk/pumpsentry/internal/signals"
	"github.com/avelinsk/pumpsentry/internal/storage"
	"github.com/avelinsk/pumpsentry/internal/storage/postgres"
	"github.com/avelinsk/pumpsentry/internal/trading"
	"github.com/avelinsk/pumpsentry/internal/vault"
)

// vaultSalt scopes the master key derivation to this deployment. Not a
// secret; the operator passphrase is.
const vaultSalt = "pumpsentry-vault-v1"

// Runner wires every component together and owns the process lifecycle.
type Runner struct {
	cfg        *config.Config
	log        *logger.Logger
	store      storage.Storage
	keys       *vault.Vault
	trader     *trading.Service
	monitor    *monitor.Monitor
	signals    *signals.Bus
	shutdownCh chan os.Signal
}

func NewRunner(cfg *config.Config, log *logger.Logger) (*Runner, error) {
	store, err := postgres.NewStorage(cfg.PostgresURL, log.Logger)
	if err != nil {
		return nil, fmt.Errorf("connect storage: %w", err)
	}
	if err := store.RunMigrations(); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	keys, err := vault.New(store, cfg.VaultPassphrase, []byte(vaultSalt), log.Logger)
	if err != nil {
		return nil, fmt.Errorf("open vault: %w", err)
	}

	rpcClient := rpc.New(cfg.RPCList[0])
	quoter := quote.NewHTTPQuoter(cfg.QuoteURL, cfg.Retries, log.Logger)

	chain, err := broadcast.NewClient(rpcClient, keys, quoter, broadcast.Config{
		SenderEndpoints: cfg.SenderList,
		TipAccounts:     cfg.TipAccounts,
		ConfirmTimeout:  time.Duration(cfg.ConfirmTimeoutS) * time.Second,
	}, log.Logger)
	if err != nil {
		return nil, fmt.Errorf("build broadcast client: %w", err)
	}

	cfgSvc := settings.NewService(store, log.Logger)
	prices := pricecache.NewCache(
		pricecache.NewHTTPSource(cfg.PriceURL, log.Logger),
		connectRedis(cfg.RedisURL, log.Logger),
		time.Duration(cfg.PriceCacheTTLMs)*time.Millisecond,
		log.Logger,
	)

	trader := trading.NewService(store, cfgSvc, chain, prices, log.Logger)
	mon := monitor.New(store, cfgSvc, trader, prices, monitor.Config{
		SweepInterval: time.Duration(cfg.MonitorDelayMs) * time.Millisecond,
		StatsInterval: time.Duration(cfg.StatsDelayMs) * time.Millisecond,
		Workers:       int64(cfg.Workers),
	}, log.Logger)

	bus := signals.NewBus(log.Logger, 64)
	bus.SubscribeFunc(func(ctx context.Context, sig signals.BuySignal) error {
		_, err := trader.HandleSignal(ctx, sig.UserID, sig.TokenMint, sig.Mode)
		if errors.Is(err, trading.ErrAutoBuyDisabled) || errors.Is(err, settings.ErrNotAdmitted) {
			log.Info("buy signal skipped",
				zap.String("user_id", sig.UserID),
				zap.String("token_mint", sig.TokenMint),
				zap.String("reason", err.Error()),
			)
			return nil
		}
		return err
	})

	return &Runner{
		cfg:        cfg,
		log:        log,
		store:      store,
		keys:       keys,
		trader:     trader,
		monitor:    mon,
		signals:    bus,
		shutdownCh: make(chan os.Signal, 1),
	}, nil
}

// connectRedis returns a verified client or nil; the price cache degrades
// to pass-through without one.
func connectRedis(redisURL string, log *zap.Logger) *redis.Client {
	if redisURL == "" {
		return nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		log.Warn("invalid redis url, price cache disabled", zap.Error(err))
		return nil
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn("redis unreachable, price cache disabled", zap.Error(err))
		return nil
	}
	return client
}

// Trader exposes the trading service to command surfaces built on top of
// the runner.
func (r *Runner) Trader() *trading.Service {
	return r.trader
}

// Keys exposes wallet custody operations.
func (r *Runner) Keys() *vault.Vault {
	return r.keys
}

// Signals exposes the ingestion bus so transports (webhooks, feed
// readers) can publish buy signals.
func (r *Runner) Signals() *signals.Bus {
	return r.signals
}

// ExportTrades dumps a user's trade history to a file and returns its
// path.
func (r *Runner) ExportTrades(ctx context.Context, userID string, opts export.Options) (string, error) {
	trades, err := r.store.ListUserTrades(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("list trades: %w", err)
	}
	return export.NewTradeExporter(r.log.WithUser(userID)).ExportTrades(trades, opts)
}

// Run blocks until SIGINT/SIGTERM or the parent context ends. Only the
// monitor runs as a background loop; everything else is request-driven.
func (r *Runner) Run(ctx context.Context) error {
	signal.Notify(r.shutdownCh, syscall.SIGINT, syscall.SIGTERM)
	shutdownCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case sig := <-r.shutdownCh:
			r.log.Info("signal received", zap.String("signal", sig.String()))
			cancel()
		case <-shutdownCtx.Done():
		}
	}()

	r.log.Info("engine started",
		zap.String("rpc", r.cfg.RPCList[0]),
		zap.Int("sender_endpoints", len(r.cfg.SenderList)),
		zap.Int("workers", r.cfg.Workers),
	)

	err := r.monitor.Run(shutdownCtx)
	r.Shutdown()
	return err
}

func (r *Runner) Shutdown() {
	r.log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.signals.Shutdown(ctx); err != nil {
		r.log.Warn("signal bus did not drain in time", zap.Error(err))
	}

	if err := r.log.Sync(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to sync logger during shutdown: %v\n", err)
	}
}
