// Package registry manages the set of tickers the system captures option
// data for.
package registry

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hgrandin/stockdata/internal/models"
	"github.com/hgrandin/stockdata/internal/storage"
)

// Registry is the tracked-stock boundary: registration, activation, and
// lookups. Watermark advancement stays with the end-of-day job.
type Registry struct {
	store  storage.Store
	logger *logrus.Logger
	now    func() time.Time
}

// NewRegistry creates a registry over a store.
func NewRegistry(store storage.Store, logger *logrus.Logger) *Registry {
	return &Registry{store: store, logger: logger, now: time.Now}
}

// Register adds a ticker to the registry, active, with its data start date
// anchored to now. Registering an existing ticker updates its name and
// reactivates it without touching the capture dates.
func (r *Registry) Register(ticker, name string) (*models.TrackedStock, error) {
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	if ticker == "" {
		return nil, fmt.Errorf("ticker is required")
	}

	stock, err := r.store.GetTrackedStock(ticker)
	if err == nil {
		stock.Name = name
		stock.Active = true
		if err := r.store.SaveTrackedStock(stock); err != nil {
			return nil, fmt.Errorf("updating tracked stock %s: %w", ticker, err)
		}
		r.logger.WithField("ticker", ticker).Info("tracked stock reactivated")
		return stock, nil
	}
	if !errors.Is(err, storage.ErrStockNotFound) {
		// A transient lookup failure must not overwrite an existing record.
		return nil, fmt.Errorf("looking up tracked stock %s: %w", ticker, err)
	}

	start := models.Day(r.now())
	stock = &models.TrackedStock{
		Ticker:               ticker,
		Name:                 name,
		OptionsDataStartDate: &start,
		Active:               true,
	}
	if err := r.store.SaveTrackedStock(stock); err != nil {
		return nil, fmt.Errorf("registering tracked stock %s: %w", ticker, err)
	}
	r.logger.WithField("ticker", ticker).Info("tracked stock registered")
	return stock, nil
}

// SetActive flips a ticker's capture flag.
func (r *Registry) SetActive(ticker string, active bool) error {
	stock, err := r.store.GetTrackedStock(ticker)
	if err != nil {
		return err
	}
	if stock.Active == active {
		return nil
	}
	stock.Active = active
	if err := r.store.SaveTrackedStock(stock); err != nil {
		return fmt.Errorf("updating tracked stock %s: %w", ticker, err)
	}
	r.logger.WithFields(logrus.Fields{
		"ticker": stock.Ticker,
		"active": active,
	}).Info("tracked stock activation changed")
	return nil
}

// Get returns one tracked stock.
func (r *Registry) Get(ticker string) (*models.TrackedStock, error) {
	return r.store.GetTrackedStock(ticker)
}

// List returns the registry, optionally active tickers only.
func (r *Registry) List(activeOnly bool) ([]models.TrackedStock, error) {
	return r.store.ListTrackedStocks(activeOnly)
}
