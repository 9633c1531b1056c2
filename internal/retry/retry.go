// Package retry keeps the durable ledger of failed option-chain captures so
// the end-of-day loader can re-drive them and report what stayed broken.
package retry

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hgrandin/stockdata/internal/models"
	"github.com/hgrandin/stockdata/internal/storage"
)

// Ledger records and serves capture failures keyed by
// (ticker, expiration, tradeDate).
type Ledger struct {
	store  storage.Store
	logger *logrus.Logger
	now    func() time.Time
}

// NewLedger creates a retry ledger over a store.
func NewLedger(store storage.Store, logger *logrus.Logger) *Ledger {
	return &Ledger{store: store, logger: logger, now: time.Now}
}

// RecordFailure upserts the ledger entry for one failed capture. The first
// failure creates the record at count zero; repeats for the same key bump the
// count and the last-failure timestamp.
func (l *Ledger) RecordFailure(ticker string, expiration, tradeDate time.Time) (*models.RetryRecord, error) {
	expiration = models.Day(expiration)
	tradeDate = models.Day(tradeDate)

	record, err := l.store.FindRetry(ticker, expiration, tradeDate)
	switch {
	case err == nil:
		record.RetryCount++
	case errors.Is(err, storage.ErrRetryNotFound):
		record = &models.RetryRecord{
			Ticker:     ticker,
			Expiration: expiration,
			TradeDate:  tradeDate,
		}
	default:
		return nil, fmt.Errorf("looking up retry record: %w", err)
	}

	if err := l.store.SaveRetry(record); err != nil {
		return nil, fmt.Errorf("saving retry record: %w", err)
	}
	l.logger.WithFields(logrus.Fields{
		"ticker":     record.Ticker,
		"expiration": record.Expiration.Format("2006-01-02"),
		"tradeDate":  record.TradeDate.Format("2006-01-02"),
		"retryCount": record.RetryCount,
	}).Info("recorded failed options chain capture")
	return record, nil
}

// Resolve removes the ledger entry for a key after a successful re-capture.
// Resolving a key that is not in the ledger is a no-op.
func (l *Ledger) Resolve(ticker string, expiration, tradeDate time.Time) error {
	record, err := l.store.FindRetry(ticker, models.Day(expiration), models.Day(tradeDate))
	if errors.Is(err, storage.ErrRetryNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("looking up retry record: %w", err)
	}
	return l.store.DeleteRetry(record.RetryID)
}

// Find returns the ledger entry for an exact key.
func (l *Ledger) Find(ticker string, expiration, tradeDate time.Time) (*models.RetryRecord, error) {
	return l.store.FindRetry(ticker, models.Day(expiration), models.Day(tradeDate))
}

// FindByTickerAndExpiration returns all entries for one contract series.
func (l *Ledger) FindByTickerAndExpiration(ticker string, expiration time.Time) ([]models.RetryRecord, error) {
	return l.store.FindRetriesByTickerAndExpiration(ticker, models.Day(expiration))
}

// FindByTradeDate returns all entries whose failed capture targeted one
// trading day.
func (l *Ledger) FindByTradeDate(tradeDate time.Time) ([]models.RetryRecord, error) {
	return l.store.FindRetriesByTradeDate(models.Day(tradeDate))
}

// SweepStale deletes entries whose trade date has passed: the page no longer
// serves that day's data, so re-driving them can never succeed.
func (l *Ledger) SweepStale() (int64, error) {
	today := models.Day(l.now())
	removed, err := l.store.DeleteRetriesBefore(today)
	if err != nil {
		return 0, fmt.Errorf("sweeping stale retry records: %w", err)
	}
	if removed > 0 {
		l.logger.WithFields(logrus.Fields{
			"removed": removed,
			"before":  today.Format("2006-01-02"),
		}).Info("swept stale retry records")
	}
	return removed, nil
}
