// Command stockdata captures end-of-day options chain data for tracked
// tickers, keeps a deduplicated snapshot history, and serves it over HTTP.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/hgrandin/stockdata/internal/api"
	"github.com/hgrandin/stockdata/internal/chains"
	"github.com/hgrandin/stockdata/internal/config"
	"github.com/hgrandin/stockdata/internal/eod"
	"github.com/hgrandin/stockdata/internal/marketcal"
	"github.com/hgrandin/stockdata/internal/registry"
	"github.com/hgrandin/stockdata/internal/retry"
	"github.com/hgrandin/stockdata/internal/scrape"
	"github.com/hgrandin/stockdata/internal/storage"
)

// eodRunAfter is the exchange-local time of day after which the end-of-day
// capture may start; a buffer past the close lets the page settle.
const eodRunAfter = 16*time.Hour + 15*time.Minute

// App wires the services together and owns the scheduler loop.
type App struct {
	cfg      *config.Config
	logger   *logrus.Logger
	calendar *marketcal.Calendar
	job      *eod.Job
	ledger   *retry.Ledger
	server   *api.Server

	// lastResetDay tracks the exchange-local day the queue was last rebuilt.
	lastResetDay string
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// Optional .env for local runs; config expansion reads the environment.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.Environment.LogLevel)
	if err != nil {
		logrus.Fatalf("Failed to parse log level: %v", err)
	}
	logger.SetLevel(level)

	calendar, err := marketcal.NewCalendar()
	if err != nil {
		logger.Fatalf("Failed to load market calendar: %v", err)
	}

	store, err := storage.NewGormStore(cfg.Storage.Path)
	if err != nil {
		logger.Fatalf("Failed to open database at %s: %v", cfg.Storage.Path, err)
	}
	gateway := storage.NewService(store, logger, storage.CacheConfig{
		Size: cfg.Storage.Cache.Size,
		TTL:  cfg.CacheTTL(),
	})

	loader := scrape.NewBreakerLoaderWithSettings(
		scrape.NewHTTPPageLoader(logger),
		logger,
		scrape.BreakerSettings{
			MaxRequests:  cfg.Scraper.Breaker.MaxRequests,
			Interval:     cfg.BreakerInterval(),
			Timeout:      cfg.BreakerTimeout(),
			MinRequests:  cfg.Scraper.Breaker.MinRequests,
			FailureRatio: cfg.Scraper.Breaker.FailureRatio,
		},
	)
	scraper := scrape.NewScraper(loader, calendar, gateway, nil, logger, cfg.Scraper.BaseURL)

	ledger := retry.NewLedger(store, logger)
	chainSvc := chains.NewService(scraper, gateway, logger)
	reg := registry.NewRegistry(store, logger)
	job := eod.NewJob(scraper, gateway, store, ledger, calendar, logger, cfg.Schedule.Workers)

	// Scrape-level failures flow into the retry ledger through the job.
	scraper.SetEventSink(job.HandleParseFailure)

	app := &App{
		cfg:      cfg,
		logger:   logger,
		calendar: calendar,
		job:      job,
		ledger:   ledger,
		server: api.NewServer(
			api.Config{Port: cfg.Server.Port, AuthToken: cfg.Server.AuthToken},
			chainSvc, gateway, reg, ledger, job, logger,
		),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("shutdown signal received")
		cancel()
	}()

	go func() {
		if err := app.server.Start(); err != nil {
			logger.WithError(err).Error("query server stopped")
			cancel()
		}
	}()

	app.runScheduler(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := app.server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("query server shutdown failed")
	}
	logger.Info("stopped")
}

// runScheduler owns the daily cadence: a morning reset that sweeps the stale
// ledger and rebuilds the queue, an after-close tick that kicks off the
// capture run, and a periodic retry drain for whatever the run left behind.
func (a *App) runScheduler(ctx context.Context) {
	eodTick := time.NewTicker(a.cfg.EODCheckInterval())
	defer eodTick.Stop()
	drainTick := time.NewTicker(a.cfg.RetryDrainInterval())
	defer drainTick.Stop()

	a.logger.WithFields(logrus.Fields{
		"eodInterval":   a.cfg.EODCheckInterval(),
		"drainInterval": a.cfg.RetryDrainInterval(),
	}).Info("scheduler started")

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("scheduler stopping")
			return
		case <-eodTick.C:
			a.dailyReset()
			a.maybeRunEOD(ctx)
		case <-drainTick.C:
			if err := a.job.DrainRetries(ctx); err != nil && ctx.Err() == nil {
				a.logger.WithError(err).Warn("retry drain failed")
			}
		}
	}
}

// dailyReset runs once per exchange-local day: it sweeps ledger entries whose
// trade date has passed and returns a finished job to idle with a fresh queue.
func (a *App) dailyReset() {
	today := a.calendar.NowExchange().Format("2006-01-02")
	if a.lastResetDay == today {
		return
	}
	a.lastResetDay = today

	if _, err := a.ledger.SweepStale(); err != nil {
		a.logger.WithError(err).Warn("stale retry sweep failed")
	}
	if err := a.job.Reset(); err != nil {
		a.logger.WithError(err).Warn("daily job reset skipped")
	}
}

// maybeRunEOD starts the capture run once the market has closed on a trading
// day and the job is idle.
func (a *App) maybeRunEOD(ctx context.Context) {
	now := a.calendar.NowExchange()
	if !a.calendar.IsTradingDay(now) {
		return
	}
	elapsed := time.Duration(now.Hour())*time.Hour + time.Duration(now.Minute())*time.Minute
	if elapsed < eodRunAfter {
		return
	}
	if a.job.Status() != eod.StatusIdle {
		return
	}

	go func() {
		status, err := a.job.Run(ctx)
		if err != nil {
			a.logger.WithError(err).Warn("end-of-day run not started")
			return
		}
		if status == eod.StatusCompleteWithFailures {
			a.logger.Warn("end-of-day run completed with failures, retry drain will re-drive them")
		}
	}()
}
