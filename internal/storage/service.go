package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/hgrandin/stockdata/internal/models"
)

// chainWriters bounds the concurrent per-option writes inside AddChain.
const chainWriters = 3

// CacheConfig sizes the read-through ticker cache.
type CacheConfig struct {
	Size int
	TTL  time.Duration
}

// DefaultCacheConfig bounds the ticker cache to something small; chains for a
// single ticker can run to thousands of rows.
var DefaultCacheConfig = CacheConfig{Size: 64, TTL: 15 * time.Minute}

// Service is the persistence gateway: it dedups and merges option records
// into the store and serves reads through a bounded ticker cache. The cache
// is not write-invalidated; bounded staleness is an accepted tradeoff.
type Service struct {
	store       Store
	logger      *logrus.Logger
	tickerCache *expirable.LRU[string, []*models.HistoricalOption]
	window      *WindowCache
}

// NewService creates a persistence gateway over a store.
func NewService(store Store, logger *logrus.Logger, cache CacheConfig) *Service {
	if cache.Size <= 0 {
		cache = DefaultCacheConfig
	}
	return &Service{
		store:       store,
		logger:      logger,
		tickerCache: expirable.NewLRU[string, []*models.HistoricalOption](cache.Size, nil, cache.TTL),
		window:      NewWindowCache(store, logger),
	}
}

// Window returns the auxiliary date-window cache, preloaded and evicted per
// batch run rather than per request.
func (s *Service) Window() *WindowCache { return s.window }

// AddOption merges an option into storage. When the identity key is new, a
// historical option seeded from the incoming snapshots is persisted.
// Otherwise only snapshots whose trade date is not already present are
// appended; re-ingesting the same data is a no-op.
func (s *Service) AddOption(option models.Option) (*models.HistoricalOption, error) {
	return s.addOption(s.store, option)
}

func (s *Service) addOption(store Store, option models.Option) (*models.HistoricalOption, error) {
	identity := option.Identity()
	existing, err := store.FindOption(identity)
	if errors.Is(err, ErrOptionNotFound) {
		created := option.ToHistorical()
		if err := store.CreateOption(created); err != nil {
			return nil, fmt.Errorf("persisting new option %s: %w", identity, err)
		}
		return created, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up option %s: %w", identity, err)
	}

	fresh := dedupByTradeDate(option.Snapshots(), existing.Snapshots())
	if len(fresh) == 0 {
		s.logger.WithFields(logrus.Fields{
			"option": identity.String(),
		}).Debug("all snapshots already stored, skipping")
		return existing, nil
	}
	if err := store.AppendSnapshots(existing.ID, fresh); err != nil {
		return nil, fmt.Errorf("appending snapshots to option %s: %w", identity, err)
	}
	existing.SetSnapshots(append(existing.Snapshots(), fresh...))
	return existing, nil
}

// dedupByTradeDate drops incoming snapshots whose trade date already exists
// on the stored option, and collapses duplicate trade dates within the
// incoming batch itself.
func dedupByTradeDate(incoming, stored []models.OptionPriceData) []models.OptionPriceData {
	seen := make(map[time.Time]bool, len(stored))
	for _, d := range stored {
		seen[models.Day(d.TradeDate)] = true
	}
	var fresh []models.OptionPriceData
	for _, d := range incoming {
		day := models.Day(d.TradeDate)
		if seen[day] {
			continue
		}
		seen[day] = true
		fresh = append(fresh, d)
	}
	return fresh
}

// AddChain merges every option of one chain inside a single transaction,
// writing options concurrently with a small bounded group.
func (s *Service) AddChain(chain *models.OptionsChain) error {
	start := time.Now()
	err := s.store.Transaction(func(tx Store) error {
		var g errgroup.Group
		g.SetLimit(chainWriters)
		for _, option := range chain.AllOptions() {
			option := option
			g.Go(func() error {
				_, err := s.addOption(tx, option)
				return err
			})
		}
		return g.Wait()
	})
	if err != nil {
		return fmt.Errorf("adding chain %s exp %s: %w",
			chain.Ticker, chain.ExpirationDate.Format("2006-01-02"), err)
	}
	s.logger.WithFields(logrus.Fields{
		"ticker":     chain.Ticker,
		"expiration": chain.ExpirationDate.Format("2006-01-02"),
		"options":    chain.Len(),
		"took":       time.Since(start),
	}).Debug("chain persisted")
	return nil
}

// AddFullChain merges a full set of chains, one transactional boundary per
// chain so a failing expiration does not roll back its siblings.
func (s *Service) AddFullChain(chains []*models.OptionsChain) error {
	for _, chain := range chains {
		if err := s.AddChain(chain); err != nil {
			return err
		}
	}
	return nil
}

// FindOption returns the stored option for an exact identity key, consulting
// the window cache first when it has been preloaded for a batch run.
func (s *Service) FindOption(identity models.OptionIdentity) (*models.HistoricalOption, error) {
	if option, ok := s.window.Find(identity); ok {
		return option, nil
	}
	return s.store.FindOption(identity)
}

// FindOptions returns every stored option for a ticker through the
// read-through ticker cache. Callers get their own copies; the cached
// entries are never handed out directly.
func (s *Service) FindOptions(ticker string) ([]*models.HistoricalOption, error) {
	if cached, ok := s.tickerCache.Get(ticker); ok {
		return cloneOptions(cached), nil
	}
	options, err := s.store.FindOptionsByTicker(ticker)
	if err != nil {
		return nil, fmt.Errorf("finding options for %s: %w", ticker, err)
	}
	s.tickerCache.Add(ticker, options)
	return cloneOptions(options), nil
}

func cloneOptions(options []*models.HistoricalOption) []*models.HistoricalOption {
	out := make([]*models.HistoricalOption, len(options))
	for i, o := range options {
		out[i] = cloneOption(o)
	}
	return out
}

// FindOptionsByExpiration returns the stored options for one
// (ticker, expiration). Uncached: expiration reads are already narrow.
func (s *Service) FindOptionsByExpiration(ticker string, expiration time.Time) ([]*models.HistoricalOption, error) {
	return s.store.FindOptionsByTickerAndExpiration(ticker, expiration)
}

// FindOptionsInRange returns the stored options for a ticker (and optionally
// one expiration, when non-zero) whose snapshots fall inside [start, end] by
// trade date. Options left without snapshots are dropped.
func (s *Service) FindOptionsInRange(ticker string, expiration time.Time, start, end time.Time) ([]*models.HistoricalOption, error) {
	var (
		options []*models.HistoricalOption
		err     error
	)
	if expiration.IsZero() {
		options, err = s.FindOptions(ticker)
	} else {
		options, err = s.store.FindOptionsByTickerAndExpiration(ticker, expiration)
	}
	if err != nil {
		return nil, err
	}
	return FilterByTradeDate(options, start, end), nil
}

// FilterByTradeDate keeps only snapshots with trade dates inside
// [start, end] (inclusive day bounds) and drops options left empty. The
// input options are not modified; kept entries are trimmed copies.
func FilterByTradeDate(options []*models.HistoricalOption, start, end time.Time) []*models.HistoricalOption {
	startDay, endDay := models.Day(start), models.Day(end)
	var kept []*models.HistoricalOption
	for _, option := range options {
		var data []models.OptionPriceData
		for _, d := range option.Snapshots() {
			day := models.Day(d.TradeDate)
			if !day.Before(startDay) && !day.After(endDay) {
				data = append(data, d)
			}
		}
		if len(data) == 0 {
			continue
		}
		trimmed := &models.HistoricalOption{ID: option.ID, OptionIdentity: option.OptionIdentity}
		trimmed.SetSnapshots(data)
		kept = append(kept, trimmed)
	}
	return kept
}

// ExpirationsOnOrAfter returns the distinct stored expirations for a ticker
// on or after the given day. A zero day yields no results; storage-backed
// expiration checks are always anchored to a concrete week start.
func (s *Service) ExpirationsOnOrAfter(ticker string, day time.Time) ([]time.Time, error) {
	if day.IsZero() {
		return nil, nil
	}
	return s.store.FindExpirations(ticker, day)
}

// CountSnapshotsOnTradeDate counts the snapshots captured for a trading day.
func (s *Service) CountSnapshotsOnTradeDate(tradeDate time.Time) (int64, error) {
	return s.store.CountSnapshotsOnTradeDate(tradeDate)
}

// RemoveOption deletes an option and its snapshots. Administrative use only.
func (s *Service) RemoveOption(optionID uint) error {
	return s.store.DeleteOption(optionID)
}
