package eod

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hgrandin/stockdata/internal/marketcal"
	"github.com/hgrandin/stockdata/internal/models"
	"github.com/hgrandin/stockdata/internal/retry"
	"github.com/hgrandin/stockdata/internal/scrape"
	"github.com/hgrandin/stockdata/internal/storage"
)

// defaultWorkers is the fixed size of the capture worker pool.
const defaultWorkers = 2

// ChainSource produces live chains, typically the scrape.Scraper.
type ChainSource interface {
	FullLiveChain(ctx context.Context, ticker string) ([]*models.OptionsChain, error)
	ChainForExpiration(ctx context.Context, ticker string, expiration time.Time) (*models.OptionsChain, error)
}

// Job is the end-of-day capture controller. A fixed pool of workers drains a
// shared FIFO queue of tickers; each worker fetches the ticker's full live
// chain and merges it into storage. The run reaches exactly one terminal
// status even with workers finishing concurrently.
type Job struct {
	source   ChainSource
	gateway  *storage.Service
	store    storage.Store
	ledger   *retry.Ledger
	calendar *marketcal.Calendar
	logger   *logrus.Logger
	workers  int

	mu          sync.Mutex
	status      Status
	queue       []string
	queued      map[string]bool
	sawFailures bool
}

// NewJob creates an end-of-day capture job. workers <= 0 selects the default
// pool size.
func NewJob(
	source ChainSource,
	gateway *storage.Service,
	store storage.Store,
	ledger *retry.Ledger,
	calendar *marketcal.Calendar,
	logger *logrus.Logger,
	workers int,
) *Job {
	if workers <= 0 {
		workers = defaultWorkers
	}
	return &Job{
		source:   source,
		gateway:  gateway,
		store:    store,
		ledger:   ledger,
		calendar: calendar,
		logger:   logger,
		workers:  workers,
		status:   StatusIdle,
		queued:   make(map[string]bool),
	}
}

// Status returns the current lifecycle state.
func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// QueueLen returns the number of tickers waiting in the queue.
func (j *Job) QueueLen() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.queue)
}

// transition moves from -> to atomically, failing when the current state is
// not `from` or the edge is not allowed.
func (j *Job) transition(from, to Status) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status != from || !canTransition(from, to) {
		return false
	}
	j.logger.WithFields(logrus.Fields{
		"from": from,
		"to":   to,
	}).Info("end-of-day job state change")
	j.status = to
	if to == StatusRunning {
		// The scraper event sink can report parse failures between runs,
		// while the job sits idle. Those belong to no run: the outcome flag
		// starts clean with every run.
		j.sawFailures = false
	}
	return true
}

// Enqueue adds a tracked ticker to the capture queue, for instance right
// after it is registered mid-day. A finished job is returned to idle so the
// next scheduler tick picks the ticker up.
func (j *Job) Enqueue(ticker string) error {
	ticker = strings.ToUpper(ticker)
	if _, err := j.store.GetTrackedStock(ticker); err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.queued[ticker] {
		j.queue = append(j.queue, ticker)
		j.queued[ticker] = true
	}
	if j.status.Terminal() {
		j.status = StatusIdle
	}
	j.logger.WithFields(logrus.Fields{
		"ticker": ticker,
		"queued": len(j.queue),
	}).Info("ticker enqueued for end-of-day capture")
	return nil
}

// Reset returns a finished job to idle and rebuilds the queue from the
// tracked-stock registry, skipping tickers whose watermark already covers the
// last trading day. Resetting a running job is rejected.
func (j *Job) Reset() error {
	j.mu.Lock()
	if j.status == StatusRunning {
		j.mu.Unlock()
		return ErrNotIdle
	}
	j.status = StatusIdle
	j.sawFailures = false
	j.queue = nil
	j.queued = make(map[string]bool)
	j.mu.Unlock()

	return j.populateQueue()
}

// populateQueue enqueues every active tracked stock still missing the last
// trading day's data.
func (j *Job) populateQueue() error {
	tradeDate := j.calendar.LastTradeDate()
	stocks, err := j.store.ListTrackedStocks(true)
	if err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	for _, stock := range stocks {
		if stock.UpdatedOn(tradeDate) || j.queued[stock.Ticker] {
			continue
		}
		j.queue = append(j.queue, stock.Ticker)
		j.queued[stock.Ticker] = true
	}
	j.logger.WithFields(logrus.Fields{
		"queued":    len(j.queue),
		"tradeDate": tradeDate.Format("2006-01-02"),
	}).Info("end-of-day queue populated")
	return nil
}

// Run drains the queue with the worker pool and lands on exactly one terminal
// status. It returns ErrNotIdle when a run is already in progress or a
// finished run has not been reset.
func (j *Job) Run(ctx context.Context) (Status, error) {
	if !j.transition(StatusIdle, StatusRunning) {
		return j.Status(), ErrNotIdle
	}
	if err := j.populateQueue(); err != nil {
		// Nothing captured; land on the failure terminal so the outcome is
		// visible rather than silently idling.
		j.transition(StatusRunning, StatusCompleteWithFailures)
		return j.Status(), err
	}

	tradeDate := j.calendar.LastTradeDate()
	weekStart := j.calendar.StartOfTradeWeek()
	if err := j.gateway.Window().Preload(weekStart, tradeDate); err != nil {
		j.logger.WithError(err).Warn("could not preload window cache, continuing uncached")
	}
	defer j.gateway.Window().Evict(weekStart, tradeDate)

	started := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < j.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			j.drainQueue(ctx, tradeDate)
		}()
	}
	wg.Wait()

	terminal := StatusComplete
	j.mu.Lock()
	if j.sawFailures {
		terminal = StatusCompleteWithFailures
	}
	j.mu.Unlock()
	j.transition(StatusRunning, terminal)

	status := j.Status()
	j.logger.WithFields(logrus.Fields{
		"status":    status,
		"tradeDate": tradeDate.Format("2006-01-02"),
		"took":      time.Since(started),
	}).Info("end-of-day run finished")
	return status, nil
}

func (j *Job) drainQueue(ctx context.Context, tradeDate time.Time) {
	for {
		if ctx.Err() != nil {
			return
		}
		ticker, ok := j.dequeue()
		if !ok {
			return
		}
		if err := j.capture(ctx, ticker, tradeDate); err != nil {
			j.markFailed()
			j.logger.WithField("ticker", ticker).WithError(err).Error("end-of-day capture failed")
		}
	}
}

func (j *Job) dequeue() (string, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.queue) == 0 {
		return "", false
	}
	ticker := j.queue[0]
	j.queue = j.queue[1:]
	delete(j.queued, ticker)
	return ticker, true
}

func (j *Job) markFailed() {
	j.mu.Lock()
	j.sawFailures = true
	j.mu.Unlock()
}

// capture fetches and persists one ticker's full chain for the trading day.
// On success the ticker's watermark advances and any ledger entries for the
// captured expirations are resolved.
func (j *Job) capture(ctx context.Context, ticker string, tradeDate time.Time) error {
	chains, err := j.source.FullLiveChain(ctx, ticker)
	if err != nil {
		j.bookStoredExpirationFailures(ticker, tradeDate)
		return err
	}
	if err := j.gateway.AddFullChain(chains); err != nil {
		for _, chain := range chains {
			j.bookFailure(ticker, chain.ExpirationDate, tradeDate)
		}
		return err
	}

	if err := j.store.SetLastOptionsDataUpdate(ticker, tradeDate); err != nil {
		return err
	}
	for _, chain := range chains {
		if err := j.ledger.Resolve(ticker, chain.ExpirationDate, tradeDate); err != nil {
			j.logger.WithField("ticker", ticker).WithError(err).Warn("could not resolve retry record")
		}
	}
	j.logger.WithFields(logrus.Fields{
		"ticker":    ticker,
		"chains":    len(chains),
		"tradeDate": tradeDate.Format("2006-01-02"),
	}).Info("end-of-day chain captured")
	return nil
}

// bookStoredExpirationFailures books one ledger entry per expiration the
// system already tracks for the current trade week. Used when the scrape
// fails wholesale and no per-expiration events were emitted. A ticker with
// nothing stored yet gets a single entry with an unset expiration.
func (j *Job) bookStoredExpirationFailures(ticker string, tradeDate time.Time) {
	expirations, err := j.gateway.ExpirationsOnOrAfter(ticker, j.calendar.StartOfTradeWeek())
	if err != nil {
		j.logger.WithField("ticker", ticker).WithError(err).Warn("could not load stored expirations for retry bookkeeping")
		return
	}
	if len(expirations) == 0 {
		j.bookFailure(ticker, time.Time{}, tradeDate)
		return
	}
	for _, expiration := range expirations {
		j.bookFailure(ticker, expiration, tradeDate)
	}
}

func (j *Job) bookFailure(ticker string, expiration, tradeDate time.Time) {
	if _, err := j.ledger.RecordFailure(ticker, expiration, tradeDate); err != nil {
		j.logger.WithField("ticker", ticker).WithError(err).Error("could not record capture failure")
	}
}

// HandleParseFailure is the scraper event sink: each per-expiration scrape
// failure lands in the retry ledger and flips the run outcome to
// complete-with-failures.
func (j *Job) HandleParseFailure(event scrape.ChainParseFailed) {
	j.markFailed()
	j.logger.WithFields(logrus.Fields{
		"eventID":    event.EventID,
		"ticker":     event.Ticker,
		"expiration": event.Expiration.Format("2006-01-02"),
	}).Warn("chain parse failure reported")
	j.bookFailure(event.Ticker, event.Expiration, event.TradeDate)
}

// DrainRetries re-drives the ledger entries booked for the last trading day,
// resolving the ones that now capture cleanly. Scrape-level failures during
// the re-drive are re-booked through the scraper's event sink, not here.
// Skipped while a run is in progress.
func (j *Job) DrainRetries(ctx context.Context) error {
	if j.Status() == StatusRunning {
		return nil
	}
	tradeDate := j.calendar.LastTradeDate()
	records, err := j.ledger.FindByTradeDate(tradeDate)
	if err != nil {
		return err
	}

	for _, record := range records {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if record.Expiration.IsZero() {
			// Wholesale-failure marker: re-drive the full chain.
			if err := j.capture(ctx, record.Ticker, tradeDate); err != nil {
				continue
			}
			if err := j.ledger.Resolve(record.Ticker, record.Expiration, record.TradeDate); err != nil {
				j.logger.WithError(err).Warn("could not resolve retry record")
			}
			continue
		}

		chain, err := j.source.ChainForExpiration(ctx, record.Ticker, record.Expiration)
		if err != nil {
			j.logger.WithFields(logrus.Fields{
				"ticker":     record.Ticker,
				"expiration": record.Expiration.Format("2006-01-02"),
			}).WithError(err).Warn("retry capture failed")
			continue
		}
		if err := j.gateway.AddChain(chain); err != nil {
			j.bookFailure(record.Ticker, record.Expiration, record.TradeDate)
			continue
		}
		if err := j.ledger.Resolve(record.Ticker, record.Expiration, record.TradeDate); err != nil {
			j.logger.WithError(err).Warn("could not resolve retry record")
		}
	}
	return nil
}
