// Package chains composes freshly scraped option chains with persisted
// historical snapshots into complete or range-filtered chains.
package chains

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hgrandin/stockdata/internal/models"
)

// Source produces live chains and expiration-date lists, typically the
// scrape.Scraper.
type Source interface {
	ChainForClosestExpiration(ctx context.Context, ticker string) (*models.OptionsChain, error)
	ChainForExpiration(ctx context.Context, ticker string, expiration time.Time) (*models.OptionsChain, error)
	FullLiveChain(ctx context.Context, ticker string) ([]*models.OptionsChain, error)
	ExpirationDates(ctx context.Context, ticker string) ([]time.Time, error)
}

// HistoricReader serves persisted options, typically the storage gateway.
type HistoricReader interface {
	FindOptions(ticker string) ([]*models.HistoricalOption, error)
	FindOptionsByExpiration(ticker string, expiration time.Time) ([]*models.HistoricalOption, error)
}

// Service is the chain load orchestrator.
type Service struct {
	source  Source
	history HistoricReader
	logger  *logrus.Logger
	now     func() time.Time
}

// NewService creates an orchestrator over a chain source and a historic reader.
func NewService(source Source, history HistoricReader, logger *logrus.Logger) *Service {
	return &Service{source: source, history: history, logger: logger, now: time.Now}
}

// LoadClosestExpirationLive returns the live chain for the nearest listed
// expiration date.
func (s *Service) LoadClosestExpirationLive(ctx context.Context, ticker string) (*models.OptionsChain, error) {
	return s.source.ChainForClosestExpiration(ctx, ticker)
}

// LoadLiveChainForExpiration returns the live chain for one expiration date.
func (s *Service) LoadLiveChainForExpiration(ctx context.Context, ticker string, expiration time.Time) (*models.OptionsChain, error) {
	return s.source.ChainForExpiration(ctx, ticker, expiration)
}

// LoadFullLiveChain returns a live chain per listed expiration date; single
// expirations that fail to scrape are omitted rather than failing the call.
func (s *Service) LoadFullLiveChain(ctx context.Context, ticker string) ([]*models.OptionsChain, error) {
	return s.source.FullLiveChain(ctx, ticker)
}

// ExpirationDates returns the currently listed expiration dates.
func (s *Service) ExpirationDates(ctx context.Context, ticker string) ([]time.Time, error) {
	return s.source.ExpirationDates(ctx, ticker)
}

// LoadChainWithRange returns the chain for one (ticker, expiration) holding
// the persisted snapshots captured inside [start, end], unioned with the
// live chain when the range is open-ended. A zero start means "from the
// beginning"; a zero end (or an end at or beyond today) means "through now"
// and triggers the live fetch. Snapshot bounds apply to the capture time;
// options left with no snapshots are dropped.
func (s *Service) LoadChainWithRange(ctx context.Context, ticker string, expiration time.Time, start, end time.Time) (*models.OptionsChain, error) {
	today := models.Day(s.now())
	chain := models.NewOptionsChain(ticker, expiration)
	if end.IsZero() || !models.Day(end).Before(today) {
		live, err := s.source.ChainForExpiration(ctx, ticker, expiration)
		if err != nil {
			return nil, err
		}
		chain = live
		end = s.now()
	}

	historic, err := s.history.FindOptionsByExpiration(chain.Ticker, expiration)
	if err != nil {
		return nil, err
	}
	for _, option := range filterByObtainedDate(historic, start, end) {
		if err := chain.AddOption(option); err != nil {
			return nil, err
		}
	}
	return filterChain(chain, start, end), nil
}

// LoadFullChainWithRange is LoadChainWithRange across every listed
// expiration, reconciled against storage: an expiration that exists only in
// storage (no longer listed live) is synthesized as its own chain entry from
// persisted data alone.
func (s *Service) LoadFullChainWithRange(ctx context.Context, ticker string, start, end time.Time) ([]*models.OptionsChain, error) {
	today := models.Day(s.now())
	var full []*models.OptionsChain
	if end.IsZero() || !models.Day(end).Before(today) {
		live, err := s.source.FullLiveChain(ctx, ticker)
		if err != nil {
			return nil, err
		}
		full = live
		end = s.now()
	}

	stored, err := s.history.FindOptions(ticker)
	if err != nil {
		return nil, err
	}
	for _, option := range stored {
		chain := findChainForExpiration(full, option.Expiration)
		if chain == nil {
			s.logger.WithFields(logrus.Fields{
				"ticker":     option.Ticker,
				"expiration": option.Expiration.Format("2006-01-02"),
			}).Debug("expiration present only in storage, synthesizing chain")
			chain = models.NewOptionsChain(option.Ticker, option.Expiration)
			full = append(full, chain)
		}
		if err := chain.AddOption(option); err != nil {
			return nil, err
		}
	}

	filtered := make([]*models.OptionsChain, 0, len(full))
	for _, chain := range full {
		filtered = append(filtered, filterChain(chain, start, end))
	}
	return filtered, nil
}

func findChainForExpiration(chains []*models.OptionsChain, expiration time.Time) *models.OptionsChain {
	for _, c := range chains {
		if models.SameDay(c.ExpirationDate, expiration) {
			return c
		}
	}
	return nil
}

// filterChain rebuilds a chain keeping only snapshots captured inside
// [start, end] and dropping options left empty.
func filterChain(chain *models.OptionsChain, start, end time.Time) *models.OptionsChain {
	filtered := models.NewOptionsChain(chain.Ticker, chain.ExpirationDate)
	for _, option := range filterByObtainedDate(chain.AllOptions(), start, end) {
		// Identities were validated on the way into the source chain.
		_ = filtered.AddOption(option)
	}
	return filtered
}

// filterByObtainedDate trims each option's snapshots to those captured
// inside [start, end] and drops options left with none. A zero start means
// no lower bound. The end bound is inclusive of its whole calendar day when
// given as a day boundary. The input options are never modified: the storage
// gateway may be serving them to other readers, so kept entries are trimmed
// historical copies.
func filterByObtainedDate[O models.Option](options []O, start, end time.Time) []models.Option {
	cutoff := endCutoff(end)
	var kept []models.Option
	for _, option := range options {
		var data []models.OptionPriceData
		for _, d := range option.Snapshots() {
			if !start.IsZero() && d.DataObtainedDate.Before(models.Day(start)) {
				continue
			}
			if !d.DataObtainedDate.Before(cutoff) {
				continue
			}
			data = append(data, d)
		}
		if len(data) == 0 {
			continue
		}
		trimmed := &models.HistoricalOption{OptionIdentity: option.Identity()}
		if h, ok := models.Option(option).(*models.HistoricalOption); ok {
			trimmed.ID = h.ID
		}
		trimmed.SetSnapshots(data)
		kept = append(kept, trimmed)
	}
	return kept
}

// endCutoff widens a bare day boundary to the end of that day so an
// inclusive date range keeps the whole final trading day.
func endCutoff(end time.Time) time.Time {
	if end.Equal(models.Day(end)) {
		return models.Day(end).Add(24 * time.Hour)
	}
	return end
}
