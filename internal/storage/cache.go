package storage

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hgrandin/stockdata/internal/models"
)

// WindowCache holds option snapshots for a date window, keyed by full
// identity. It exists to make repeated exact-key reads cheap during a bulk
// historical load: preload once per batch, evict when the batch moves on.
// Preload and Evict are linear full-scan operations by design.
type WindowCache struct {
	store  Store
	logger *logrus.Logger

	mu      sync.Mutex
	entries map[windowKey]*windowEntry
}

type windowKey struct {
	Ticker     string
	OptionType models.OptionType
	Expiration time.Time
	Strike     float64
}

type windowEntry struct {
	id        uint
	snapshots map[time.Time]models.OptionPriceData // keyed by trade date
}

// NewWindowCache creates an empty window cache over a store.
func NewWindowCache(store Store, logger *logrus.Logger) *WindowCache {
	return &WindowCache{
		store:   store,
		logger:  logger,
		entries: make(map[windowKey]*windowEntry),
	}
}

func keyFor(id models.OptionIdentity) windowKey {
	return windowKey{
		Ticker:     id.Ticker,
		OptionType: id.OptionType,
		Expiration: models.Day(id.Expiration),
		Strike:     id.Strike,
	}
}

// Preload loads every snapshot with a trade date inside [start, end] into
// the cache, merging into entries that already exist.
func (c *WindowCache) Preload(start, end time.Time) error {
	began := time.Now()
	options, err := c.store.FindOptionsWithDataBetween(start, end)
	if err != nil {
		return err
	}

	startDay, endDay := models.Day(start), models.Day(end)
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, option := range options {
		key := keyFor(option.Identity())
		entry, ok := c.entries[key]
		if !ok {
			entry = &windowEntry{id: option.ID, snapshots: make(map[time.Time]models.OptionPriceData)}
			c.entries[key] = entry
		}
		// The store hands back the full option; only the window's snapshots
		// belong in the cache, otherwise Evict would strand the rest.
		for _, d := range option.Snapshots() {
			day := models.Day(d.TradeDate)
			if day.Before(startDay) || day.After(endDay) {
				continue
			}
			entry.snapshots[day] = d
		}
	}
	c.logger.WithFields(logrus.Fields{
		"start":   start.Format("2006-01-02"),
		"end":     end.Format("2006-01-02"),
		"entries": len(c.entries),
		"took":    time.Since(began),
	}).Info("window cache preloaded")
	return nil
}

// Find returns the cached option for an exact identity key.
func (c *WindowCache) Find(identity models.OptionIdentity) (*models.HistoricalOption, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[keyFor(identity)]
	if !ok {
		return nil, false
	}
	option := &models.HistoricalOption{ID: entry.id, OptionIdentity: identity}
	data := make([]models.OptionPriceData, 0, len(entry.snapshots))
	for _, d := range entry.snapshots {
		data = append(data, d)
	}
	option.SetSnapshots(data)
	return option, true
}

// Evict removes every cached snapshot with a trade date inside [start, end],
// dropping entries left empty.
func (c *WindowCache) Evict(start, end time.Time) {
	startDay, endDay := models.Day(start), models.Day(end)
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, entry := range c.entries {
		for day := range entry.snapshots {
			if !day.Before(startDay) && !day.After(endDay) {
				delete(entry.snapshots, day)
			}
		}
		if len(entry.snapshots) == 0 {
			delete(c.entries, key)
		}
	}
	c.logger.WithFields(logrus.Fields{
		"start": start.Format("2006-01-02"),
		"end":   end.Format("2006-01-02"),
	}).Info("window cache evicted")
}

// Len returns the number of cached identities.
func (c *WindowCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
