package eod

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hgrandin/stockdata/internal/marketcal"
	"github.com/hgrandin/stockdata/internal/models"
	"github.com/hgrandin/stockdata/internal/retry"
	"github.com/hgrandin/stockdata/internal/scrape"
	"github.com/hgrandin/stockdata/internal/storage"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// stubSource serves canned chains per ticker and fails on demand.
type stubSource struct {
	mu     sync.Mutex
	chains map[string][]*models.OptionsChain
	fail   map[string]bool
	calls  []string
}

func (s *stubSource) FullLiveChain(_ context.Context, ticker string) ([]*models.OptionsChain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, ticker)
	if s.fail[ticker] {
		return nil, errors.New("scrape failed")
	}
	return s.chains[ticker], nil
}

func (s *stubSource) ChainForExpiration(_ context.Context, ticker string, expiration time.Time) (*models.OptionsChain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, ticker)
	if s.fail[ticker] {
		return nil, errors.New("scrape failed")
	}
	for _, c := range s.chains[ticker] {
		if models.SameDay(c.ExpirationDate, expiration) {
			return c, nil
		}
	}
	return nil, errors.New("expiration not configured")
}

type fixture struct {
	job      *Job
	source   *stubSource
	store    *storage.MockStore
	gateway  *storage.Service
	ledger   *retry.Ledger
	calendar *marketcal.Calendar
}

func liveChainFor(ticker string, expiration, tradeDate time.Time, strike float64) *models.OptionsChain {
	chain := models.NewOptionsChain(ticker, expiration)
	_ = chain.AddOption(&models.LiveOption{
		OptionIdentity: models.OptionIdentity{OptionType: models.Call, Strike: strike},
		PriceData: &models.OptionPriceData{
			Bid: 1.00, Ask: 1.20,
			TradeDate:        tradeDate,
			DataObtainedDate: time.Now().UTC(),
		},
	})
	return chain
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cal, err := marketcal.NewCalendar()
	require.NoError(t, err)
	store := storage.NewMockStore()
	gateway := storage.NewService(store, testLogger(), storage.DefaultCacheConfig)
	ledger := retry.NewLedger(store, testLogger())
	source := &stubSource{chains: make(map[string][]*models.OptionsChain), fail: make(map[string]bool)}
	job := NewJob(source, gateway, store, ledger, cal, testLogger(), 2)
	return &fixture{job: job, source: source, store: store, gateway: gateway, ledger: ledger, calendar: cal}
}

func (f *fixture) trackStock(t *testing.T, ticker string) {
	t.Helper()
	require.NoError(t, f.store.SaveTrackedStock(&models.TrackedStock{Ticker: ticker, Active: true}))
}

func TestRun_DrainsQueueAndLandsOnComplete(t *testing.T) {
	f := newFixture(t)
	tradeDate := f.calendar.LastTradeDate()
	expiration := tradeDate.AddDate(0, 0, 30)

	for _, ticker := range []string{"AAPL", "MSFT", "SPY"} {
		f.trackStock(t, ticker)
		f.source.chains[ticker] = []*models.OptionsChain{liveChainFor(ticker, expiration, tradeDate, 100)}
	}

	status, err := f.job.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, status)
	assert.Equal(t, 0, f.job.QueueLen())

	for _, ticker := range []string{"AAPL", "MSFT", "SPY"} {
		options, err := f.store.FindOptionsByTicker(ticker)
		require.NoError(t, err)
		assert.Len(t, options, 1, ticker)

		stock, err := f.store.GetTrackedStock(ticker)
		require.NoError(t, err)
		assert.True(t, stock.UpdatedOn(tradeDate), "%s watermark should cover the trade date", ticker)
	}
}

func TestRun_FailingTickerBooksRetriesAndFlipsTerminal(t *testing.T) {
	f := newFixture(t)
	tradeDate := f.calendar.LastTradeDate()
	weekExpiration := models.Day(f.calendar.StartOfTradeWeek().AddDate(0, 0, 4))
	farExpiration := tradeDate.AddDate(0, 0, 30)

	for _, ticker := range []string{"AAPL", "MSFT"} {
		f.trackStock(t, ticker)
		f.source.chains[ticker] = []*models.OptionsChain{liveChainFor(ticker, farExpiration, tradeDate, 100)}
	}
	f.trackStock(t, "BAD")
	f.source.fail["BAD"] = true
	// BAD already has an option stored for this week's expiration; the
	// wholesale failure books a ledger entry against it.
	seed := &models.HistoricalOption{OptionIdentity: models.OptionIdentity{
		Ticker: "BAD", OptionType: models.Call, Expiration: weekExpiration, Strike: 50,
	}}
	seed.SetSnapshots([]models.OptionPriceData{{
		Bid: 1, Ask: 2,
		TradeDate:        tradeDate.AddDate(0, 0, -1),
		DataObtainedDate: time.Now().UTC(),
	}})
	require.NoError(t, f.store.CreateOption(seed))

	status, err := f.job.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleteWithFailures, status)

	record, err := f.ledger.Find("BAD", weekExpiration, tradeDate)
	require.NoError(t, err)
	assert.Equal(t, 0, record.RetryCount)

	// The healthy tickers still landed.
	for _, ticker := range []string{"AAPL", "MSFT"} {
		stock, err := f.store.GetTrackedStock(ticker)
		require.NoError(t, err)
		assert.True(t, stock.UpdatedOn(tradeDate), ticker)
	}
	bad, err := f.store.GetTrackedStock("BAD")
	require.NoError(t, err)
	assert.False(t, bad.UpdatedOn(tradeDate), "failed ticker must not advance its watermark")
}

func TestRun_RejectsConcurrentOrUnresetRun(t *testing.T) {
	f := newFixture(t)
	f.trackStock(t, "AAPL")
	f.source.chains["AAPL"] = []*models.OptionsChain{
		liveChainFor("AAPL", f.calendar.LastTradeDate().AddDate(0, 0, 30), f.calendar.LastTradeDate(), 100),
	}

	_, err := f.job.Run(context.Background())
	require.NoError(t, err)

	_, err = f.job.Run(context.Background())
	assert.ErrorIs(t, err, ErrNotIdle)

	require.NoError(t, f.job.Reset())
	assert.Equal(t, StatusIdle, f.job.Status())
}

func TestRun_SkipsTickersAlreadyUpdated(t *testing.T) {
	f := newFixture(t)
	tradeDate := f.calendar.LastTradeDate()
	f.trackStock(t, "AAPL")
	require.NoError(t, f.store.SetLastOptionsDataUpdate("AAPL", tradeDate))

	status, err := f.job.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, status)
	assert.Empty(t, f.source.calls, "an up-to-date ticker is never fetched")
}

func TestRun_IdleParseFailureDoesNotPoisonNextRun(t *testing.T) {
	f := newFixture(t)
	tradeDate := f.calendar.LastTradeDate()
	expiration := tradeDate.AddDate(0, 0, 30)

	// The scraper sink can fire between runs, for a ticker this run never
	// touches. The booked ledger entry survives; the run outcome must not.
	f.job.HandleParseFailure(scrape.ChainParseFailed{
		Ticker:     "MSFT",
		Expiration: expiration,
		TradeDate:  tradeDate,
	})

	f.trackStock(t, "AAPL")
	f.source.chains["AAPL"] = []*models.OptionsChain{liveChainFor("AAPL", expiration, tradeDate, 100)}

	status, err := f.job.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, status)

	_, err = f.ledger.Find("MSFT", expiration, tradeDate)
	assert.NoError(t, err, "the idle-time failure still has its ledger entry")
}

func TestEnqueue_ValidatesAndReopensFinishedJob(t *testing.T) {
	f := newFixture(t)

	err := f.job.Enqueue("UNKNOWN")
	assert.ErrorIs(t, err, storage.ErrStockNotFound)

	f.trackStock(t, "AAPL")
	f.source.chains["AAPL"] = []*models.OptionsChain{
		liveChainFor("AAPL", f.calendar.LastTradeDate().AddDate(0, 0, 30), f.calendar.LastTradeDate(), 100),
	}
	_, err = f.job.Run(context.Background())
	require.NoError(t, err)
	require.True(t, f.job.Status().Terminal())

	// A mid-day registration reopens the finished job for the next tick.
	f.trackStock(t, "MSFT")
	require.NoError(t, f.job.Enqueue("msft"))
	assert.Equal(t, StatusIdle, f.job.Status())
	assert.Equal(t, 1, f.job.QueueLen())
}

func TestEnqueue_DeduplicatesTickers(t *testing.T) {
	f := newFixture(t)
	f.trackStock(t, "AAPL")
	require.NoError(t, f.job.Enqueue("AAPL"))
	require.NoError(t, f.job.Enqueue("AAPL"))
	assert.Equal(t, 1, f.job.QueueLen())
}

func TestDrainRetries_ResolvesRecapturedEntries(t *testing.T) {
	f := newFixture(t)
	tradeDate := f.calendar.LastTradeDate()
	expiration := tradeDate.AddDate(0, 0, 30)

	f.trackStock(t, "AAPL")
	f.source.chains["AAPL"] = []*models.OptionsChain{liveChainFor("AAPL", expiration, tradeDate, 100)}
	_, err := f.ledger.RecordFailure("AAPL", expiration, tradeDate)
	require.NoError(t, err)

	require.NoError(t, f.job.DrainRetries(context.Background()))

	_, err = f.ledger.Find("AAPL", expiration, tradeDate)
	assert.ErrorIs(t, err, storage.ErrRetryNotFound)
	options, err := f.store.FindOptionsByTicker("AAPL")
	require.NoError(t, err)
	assert.Len(t, options, 1)
}

func TestDrainRetries_WholesaleMarkerRedrivesFullChain(t *testing.T) {
	f := newFixture(t)
	tradeDate := f.calendar.LastTradeDate()
	expiration := tradeDate.AddDate(0, 0, 30)

	f.trackStock(t, "AAPL")
	f.source.chains["AAPL"] = []*models.OptionsChain{liveChainFor("AAPL", expiration, tradeDate, 100)}
	// Zero expiration marks a wholesale scrape failure.
	_, err := f.ledger.RecordFailure("AAPL", time.Time{}, tradeDate)
	require.NoError(t, err)

	require.NoError(t, f.job.DrainRetries(context.Background()))

	_, err = f.ledger.Find("AAPL", time.Time{}, tradeDate)
	assert.ErrorIs(t, err, storage.ErrRetryNotFound)
	stock, err := f.store.GetTrackedStock("AAPL")
	require.NoError(t, err)
	assert.True(t, stock.UpdatedOn(tradeDate))
}

func TestDrainRetries_LeavesUnrecoveredEntries(t *testing.T) {
	f := newFixture(t)
	tradeDate := f.calendar.LastTradeDate()
	expiration := tradeDate.AddDate(0, 0, 30)

	f.trackStock(t, "BAD")
	f.source.fail["BAD"] = true
	_, err := f.ledger.RecordFailure("BAD", expiration, tradeDate)
	require.NoError(t, err)

	require.NoError(t, f.job.DrainRetries(context.Background()))

	record, err := f.ledger.Find("BAD", expiration, tradeDate)
	require.NoError(t, err)
	assert.Equal(t, 0, record.RetryCount, "the drain itself does not bump the count")
}

func TestHandleParseFailure_BooksLedgerEntry(t *testing.T) {
	f := newFixture(t)
	tradeDate := f.calendar.LastTradeDate()
	expiration := tradeDate.AddDate(0, 0, 30)

	f.job.HandleParseFailure(scrape.ChainParseFailed{
		Ticker:     "SPY",
		Expiration: expiration,
		TradeDate:  tradeDate,
	})

	record, err := f.ledger.Find("SPY", expiration, tradeDate)
	require.NoError(t, err)
	assert.Equal(t, 0, record.RetryCount)
}

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to Status
		allowed  bool
	}{
		{StatusIdle, StatusRunning, true},
		{StatusRunning, StatusComplete, true},
		{StatusRunning, StatusCompleteWithFailures, true},
		{StatusComplete, StatusIdle, true},
		{StatusCompleteWithFailures, StatusIdle, true},
		{StatusIdle, StatusComplete, false},
		{StatusComplete, StatusRunning, false},
		{StatusRunning, StatusIdle, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.allowed, canTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}
