package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/copybot/internal/account"
	"github.com/alanyoungcy/copybot/internal/broker/paper"
	"github.com/alanyoungcy/copybot/internal/config"
	"github.com/alanyoungcy/copybot/internal/domain"
	"github.com/alanyoungcy/copybot/internal/feed"
	"github.com/alanyoungcy/copybot/internal/server"
	"github.com/alanyoungcy/copybot/internal/server/handler"
)

const (
	// defaultPaperBalance funds each simulated account in paper mode.
	defaultPaperBalance = 100_000

	// paperPriceSyncInterval is how often cached marks are pushed into the
	// simulated brokers so their fills track the live feed.
	paperPriceSyncInterval = 2 * time.Second

	// apiRateLimit bounds ops API requests per client IP per minute.
	apiRateLimit = 120

	// archiveInterval is how often the retention sweep runs.
	archiveInterval = 24 * time.Hour
)

// TradeMode connects the configured accounts against their live venues and
// runs the full risk/execution loop. Only the paper venue ships an adapter;
// real venue kinds fail account bring-up with a clear error.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting trade mode")

	factory := func(acc config.AccountConfig) (domain.BrokerClient, error) {
		if domain.BrokerKind(acc.Broker) == domain.BrokerPaper {
			return paper.New(defaultPaperBalance, a.logger), nil
		}
		return nil, fmt.Errorf("app: no adapter for broker %q in this build", acc.Broker)
	}
	return a.runTrading(ctx, deps, factory, nil)
}

// PaperMode runs the same loop as trade mode but every account, whatever its
// configured venue, gets a freshly funded simulated broker. Cached marks are
// pushed into the simulators so fills track the feed.
func (a *App) PaperMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting paper mode",
		slog.Float64("starting_balance", defaultPaperBalance),
	)

	fleet := &paperFleet{}
	factory := func(acc config.AccountConfig) (domain.BrokerClient, error) {
		sim := paper.New(defaultPaperBalance, a.logger)
		fleet.add(sim)
		return sim, nil
	}
	return a.runTrading(ctx, deps, factory, func(ctx context.Context, g *errgroup.Group) {
		if deps.PriceCache == nil || len(a.cfg.Feed.Symbols) == 0 {
			return
		}
		g.Go(func() error {
			a.syncPaperPrices(ctx, deps.PriceCache, fleet)
			return nil
		})
	})
}

// MonitorMode serves the ops API and keeps the price cache warm without
// connecting any broker: nothing is submitted, positions and trades are read
// straight from the stores.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	g, ctx := errgroup.WithContext(ctx)

	// A manager that is never activated still serves an (empty) hierarchy
	// report and answers liquidation requests with not-found.
	mgr := account.NewManager(a.cfg, a.managerStores(deps), deps.PriceCache,
		deps.AccountLock, nil, nil, deps.Notifier, a.logger)

	a.startFeed(ctx, g, deps)
	a.startServer(ctx, g, deps, mgr)

	return g.Wait()
}

// runTrading is the shared trade/paper skeleton: account manager, ticker
// feed, ops server, and the archival sweep, all under one errgroup.
func (a *App) runTrading(
	ctx context.Context,
	deps *Dependencies,
	factory account.BrokerFactory,
	extra func(ctx context.Context, g *errgroup.Group),
) error {
	g, ctx := errgroup.WithContext(ctx)

	mgr := account.NewManager(a.cfg, a.managerStores(deps), deps.PriceCache,
		deps.AccountLock, factory, a.signals, deps.Notifier, a.logger)

	g.Go(func() error {
		return mgr.Run(ctx)
	})

	a.startFeed(ctx, g, deps)
	a.startServer(ctx, g, deps, mgr)
	a.startArchiver(ctx, g, deps)
	if extra != nil {
		extra(ctx, g)
	}

	return g.Wait()
}

func (a *App) managerStores(deps *Dependencies) account.Stores {
	return account.Stores{
		Positions: deps.PositionStore,
		Nonces:    deps.NonceStore,
		Trades:    deps.TradeStore,
		Orders:    deps.OrderStore,
		Audit:     deps.AuditStore,
	}
}

// startFeed adds the websocket ticker feed to the errgroup when enabled.
func (a *App) startFeed(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if !a.cfg.Feed.Enabled || deps.PriceCache == nil {
		return
	}
	f := feed.New(a.cfg.Feed.URL, a.cfg.Feed.Symbols, deps.PriceCache, a.logger)
	g.Go(func() error {
		defer f.Close()
		return f.Run(ctx)
	})
}

// startServer adds the ops HTTP server to the errgroup when enabled, plus a
// watcher that shuts it down gracefully on context cancellation.
func (a *App) startServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, mgr *account.Manager) {
	if !a.cfg.Server.Enabled {
		return
	}

	handlers := server.Handlers{
		Health:    handler.NewHealthHandler(deps.HealthChecks, a.logger),
		Status:    handler.NewStatusHandler(mgr),
		Positions: handler.NewPositionHandler(deps.PositionStore, deps.TradeStore, a.logger),
		Liquidate: handler.NewLiquidateHandler(mgr, a.logger),
	}
	srv := server.NewServer(server.Config{
		Port:       a.cfg.Server.Port,
		APIKey:     a.cfg.Server.APIKey,
		RateLimit:  apiRateLimit,
		RateWindow: time.Minute,
	}, handlers, deps.RateLimiter, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// startArchiver adds the daily retention sweep when S3 is wired.
func (a *App) startArchiver(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if deps.Archiver == nil || a.cfg.S3.RetentionDays <= 0 {
		return
	}
	retention := time.Duration(a.cfg.S3.RetentionDays) * 24 * time.Hour

	g.Go(func() error {
		ticker := time.NewTicker(archiveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				cutoff := time.Now().UTC().Add(-retention)
				if n, err := deps.Archiver.ArchiveTrades(ctx, cutoff); err != nil {
					a.logger.Error("trade archival failed", slog.String("error", err.Error()))
				} else if n > 0 {
					a.logger.Info("trade archival complete", slog.Int64("archived", n))
				}
				if n, err := deps.Archiver.ArchiveAudit(ctx, cutoff); err != nil {
					a.logger.Error("audit archival failed", slog.String("error", err.Error()))
				} else if n > 0 {
					a.logger.Info("audit archival complete", slog.Int64("archived", n))
				}
			}
		}
	})
}

// paperFleet tracks the simulated brokers created during activation. The
// factory appends while the price sync loop reads, so access is locked.
type paperFleet struct {
	mu   sync.Mutex
	sims []*paper.Broker
}

func (f *paperFleet) add(sim *paper.Broker) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sims = append(f.sims, sim)
}

func (f *paperFleet) all() []*paper.Broker {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*paper.Broker(nil), f.sims...)
}

// syncPaperPrices copies cached marks into the simulated brokers so paper
// fills happen at feed prices.
func (a *App) syncPaperPrices(ctx context.Context, cache domain.PriceCache, fleet *paperFleet) {
	ticker := time.NewTicker(paperPriceSyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prices, err := cache.GetPrices(ctx, a.cfg.Feed.Symbols)
			if err != nil {
				a.logger.Debug("paper price sync failed", slog.String("error", err.Error()))
				continue
			}
			for _, sim := range fleet.all() {
				for symbol, price := range prices {
					sim.SetPrice(symbol, price)
				}
			}
		}
	}
}
