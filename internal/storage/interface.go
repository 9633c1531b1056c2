// Package storage persists option, retry, and tracked-stock records and
// layers the dedup/merge gateway and its caches on top of the raw store.
package storage

import (
	"errors"
	"time"

	"github.com/hgrandin/stockdata/internal/models"
)

// Sentinel errors returned by Store implementations.
var (
	// ErrOptionNotFound is returned when no option matches an identity key.
	ErrOptionNotFound = errors.New("option not found")
	// ErrRetryNotFound is returned when no retry record matches a key.
	ErrRetryNotFound = errors.New("retry record not found")
	// ErrStockNotFound is returned when a ticker is not tracked.
	ErrStockNotFound = errors.New("tracked stock not found")
	// ErrDuplicateKey is returned on a blind insert that violates a
	// uniqueness constraint (identity key, or optionID+tradeDate). Callers
	// are expected to check-then-merge rather than retry the insert.
	ErrDuplicateKey = errors.New("duplicate key")
)

// Store is the persistence boundary for option chains and their bookkeeping.
//
// Implementations must be safe for concurrent use: the end-of-day loader
// calls these methods from multiple workers at once.
type Store interface {
	// Option records.
	CreateOption(option *models.HistoricalOption) error
	AppendSnapshots(optionID uint, data []models.OptionPriceData) error
	FindOption(identity models.OptionIdentity) (*models.HistoricalOption, error)
	FindOptionsByTicker(ticker string) ([]*models.HistoricalOption, error)
	FindOptionsByTickerAndExpiration(ticker string, expiration time.Time) ([]*models.HistoricalOption, error)
	FindOptionsWithDataBetween(start, end time.Time) ([]*models.HistoricalOption, error)
	FindExpirations(ticker string, onOrAfter time.Time) ([]time.Time, error)
	DeleteOption(optionID uint) error
	CountSnapshotsOnTradeDate(tradeDate time.Time) (int64, error)

	// Retry ledger records.
	FindRetry(ticker string, expiration, tradeDate time.Time) (*models.RetryRecord, error)
	FindRetriesByTickerAndExpiration(ticker string, expiration time.Time) ([]models.RetryRecord, error)
	FindRetriesByTradeDate(tradeDate time.Time) ([]models.RetryRecord, error)
	SaveRetry(record *models.RetryRecord) error
	DeleteRetry(retryID uint) error
	DeleteRetriesBefore(tradeDate time.Time) (int64, error)

	// Tracked stocks.
	ListTrackedStocks(activeOnly bool) ([]models.TrackedStock, error)
	GetTrackedStock(ticker string) (*models.TrackedStock, error)
	SaveTrackedStock(stock *models.TrackedStock) error
	SetLastOptionsDataUpdate(ticker string, day time.Time) error

	// Transaction runs fn against a store bound to a single transaction,
	// committing when fn returns nil and rolling back otherwise.
	Transaction(fn func(Store) error) error
}
