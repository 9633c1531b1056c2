package scrape

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"

	"github.com/hgrandin/stockdata/internal/marketcal"
	"github.com/hgrandin/stockdata/internal/models"
)

// Selectors for the quote page's options document.
const (
	selectorMainContent = "div#Col1-1-OptionContracts-Proxy"
	selectorCallsTable  = "table.calls"
	selectorPutsTable   = "table.puts"
	selectorExpirations = "div.controls select option"
)

// noValueToken is the page's sentinel for "no value"; it maps to zero.
const noValueToken = "-"

// ExpirationReader exposes the stored expiration dates used by the
// consistency check against a fresh scrape.
type ExpirationReader interface {
	ExpirationsOnOrAfter(ticker string, day time.Time) ([]time.Time, error)
}

// Scraper loads the options quote page and parses it into chains and
// expiration-date lists.
type Scraper struct {
	loader      PageLoader
	calendar    *marketcal.Calendar
	expirations ExpirationReader
	events      EventSink
	logger      *logrus.Logger
	baseURL     string
	now         func() time.Time
}

// NewScraper creates a chain source over a page loader. The events sink
// receives non-fatal parse-failure events and may be nil.
func NewScraper(
	loader PageLoader,
	calendar *marketcal.Calendar,
	expirations ExpirationReader,
	events EventSink,
	logger *logrus.Logger,
	baseURL string,
) *Scraper {
	return &Scraper{
		loader:      loader,
		calendar:    calendar,
		expirations: expirations,
		events:      events,
		logger:      logger,
		baseURL:     strings.TrimRight(baseURL, "/"),
		now:         time.Now,
	}
}

// SetEventSink replaces the parse-failure event sink. The end-of-day job
// installs its retry-ledger sink here once constructed.
func (s *Scraper) SetEventSink(sink EventSink) { s.events = sink }

func (s *Scraper) chainURL(ticker string, expiration time.Time) string {
	upper := strings.ToUpper(ticker)
	url := fmt.Sprintf("%s/quote/%s/options?p=%s", s.baseURL, upper, upper)
	if !expiration.IsZero() {
		url += fmt.Sprintf("&date=%d", models.Day(expiration).Unix())
	}
	return url
}

// ChainForClosestExpiration returns the live chain for the nearest listed
// expiration date.
func (s *Scraper) ChainForClosestExpiration(ctx context.Context, ticker string) (*models.OptionsChain, error) {
	url := s.chainURL(ticker, time.Time{})
	doc, err := s.loader.Load(ctx, url)
	if err != nil {
		s.events.publish(ticker, time.Time{}, s.calendar.LastTradeDate())
		return nil, &ChainLoadError{Ticker: ticker, URL: url, Cause: err}
	}
	dates, err := s.parseExpirationDates(doc)
	if err == nil && len(dates) == 0 {
		err = fmt.Errorf("no expiration dates listed")
	}
	if err != nil {
		s.events.publish(ticker, time.Time{}, s.calendar.LastTradeDate())
		return nil, &ChainLoadError{Ticker: ticker, URL: url, Cause: err}
	}
	return s.buildChain(ticker, dates[0], doc), nil
}

// ChainForExpiration returns the live chain for one expiration date. A date
// absent from the page's listed dates is a typed failure.
func (s *Scraper) ChainForExpiration(ctx context.Context, ticker string, expiration time.Time) (*models.OptionsChain, error) {
	url := s.chainURL(ticker, expiration)
	doc, err := s.loader.Load(ctx, url)
	if err != nil {
		s.events.publish(ticker, expiration, s.calendar.LastTradeDate())
		return nil, &ChainLoadError{Ticker: ticker, URL: url, Cause: err}
	}
	dates, err := s.parseExpirationDates(doc)
	if err == nil && !containsDay(dates, expiration) {
		err = fmt.Errorf("%w: %s %s", ErrExpirationNotFound, ticker, expiration.Format("2006-01-02"))
	}
	if err != nil {
		s.events.publish(ticker, expiration, s.calendar.LastTradeDate())
		return nil, &ChainLoadError{Ticker: ticker, URL: url, Cause: err}
	}
	return s.buildChain(ticker, expiration, doc), nil
}

// FullLiveChain returns a chain per listed expiration date. A single
// expiration's scrape failure is logged and that expiration omitted; the
// call as a whole only fails when the date list itself cannot be read.
func (s *Scraper) FullLiveChain(ctx context.Context, ticker string) ([]*models.OptionsChain, error) {
	start := time.Now()
	s.logger.WithField("ticker", ticker).Info("starting full options chain load")

	url := s.chainURL(ticker, time.Time{})
	doc, err := s.loader.Load(ctx, url)
	if err != nil {
		return nil, &ChainLoadError{Ticker: ticker, URL: url, Cause: err}
	}
	dates, err := s.parseExpirationDates(doc)
	if err != nil {
		return nil, &ChainLoadError{Ticker: ticker, URL: url, Cause: err}
	}
	s.logger.WithFields(logrus.Fields{
		"ticker":      ticker,
		"expirations": len(dates),
	}).Info("found option expiration dates")

	s.reportMissingExpirations(ticker, dates)

	chains := make([]*models.OptionsChain, 0, len(dates))
	for _, expiration := range dates {
		chain, err := s.ChainForExpiration(ctx, ticker, expiration)
		if err != nil {
			s.logger.WithFields(logrus.Fields{
				"ticker":     ticker,
				"expiration": expiration.Format("2006-01-02"),
			}).WithError(err).Warn("could not load options chain for expiration, omitting from full chain")
			continue
		}
		chains = append(chains, chain)
	}

	s.logger.WithFields(logrus.Fields{
		"ticker": ticker,
		"took":   time.Since(start),
	}).Info("full options chain load complete")
	return chains, nil
}

// ExpirationDates returns the page's listed expiration dates as UTC day
// boundaries, nearest first.
func (s *Scraper) ExpirationDates(ctx context.Context, ticker string) ([]time.Time, error) {
	url := s.chainURL(ticker, time.Time{})
	doc, err := s.loader.Load(ctx, url)
	if err != nil {
		return nil, &ChainLoadError{Ticker: ticker, URL: url, Cause: err}
	}
	dates, err := s.parseExpirationDates(doc)
	if err != nil {
		return nil, &ChainLoadError{Ticker: ticker, URL: url, Cause: err}
	}
	return dates, nil
}

// reportMissingExpirations compares a freshly scraped expiration set against
// the expirations already stored for the current trade week. A stored date
// absent from the scrape points at a partial or truncated page; it is
// reported as an event rather than failing the load, so the remaining
// expirations still go through.
func (s *Scraper) reportMissingExpirations(ticker string, fresh []time.Time) {
	stored, err := s.expirations.ExpirationsOnOrAfter(ticker, s.calendar.StartOfTradeWeek())
	if err != nil {
		s.logger.WithField("ticker", ticker).WithError(err).Warn("could not load stored expiration dates for consistency check")
		return
	}
	lastTradeDate := s.calendar.LastTradeDate()
	for _, storedDate := range stored {
		if containsDay(fresh, storedDate) {
			continue
		}
		s.logger.WithFields(logrus.Fields{
			"ticker":     ticker,
			"expiration": storedDate.Format("2006-01-02"),
		}).Warn("stored expiration date missing from fresh scrape")
		s.events.publish(ticker, storedDate, lastTradeDate)
	}
}

func (s *Scraper) buildChain(ticker string, expiration time.Time, doc *goquery.Document) *models.OptionsChain {
	chain := models.NewOptionsChain(ticker, expiration)
	content := doc.Find(selectorMainContent).First()
	if content.Length() == 0 {
		return chain
	}

	tradeDate := s.calendar.LastTradeDate()
	obtained := s.now().UTC()
	content.Find(selectorCallsTable).First().Find("tbody tr").Each(func(_ int, row *goquery.Selection) {
		_ = chain.AddOption(s.parseRow(row, models.Call, tradeDate, obtained))
	})
	content.Find(selectorPutsTable).First().Find("tbody tr").Each(func(_ int, row *goquery.Selection) {
		_ = chain.AddOption(s.parseRow(row, models.Put, tradeDate, obtained))
	})
	return chain
}

// parseRow builds one live option from a table row. Parsing is defensive:
// the "-" sentinel maps to zero, any other unparsable field is logged and
// left unset, and the row is produced either way.
func (s *Scraper) parseRow(row *goquery.Selection, optionType models.OptionType, tradeDate, obtained time.Time) *models.LiveOption {
	option := &models.LiveOption{
		OptionIdentity: models.OptionIdentity{OptionType: optionType},
		PriceData: &models.OptionPriceData{
			TradeDate:        tradeDate,
			DataObtainedDate: obtained,
		},
	}

	if v, ok := s.parseNumber(row.Find("td.data-col2 a").First().Text(), "strike", 0); ok {
		option.Strike = v
	}
	if v, ok := s.parseNumber(row.Find("td.data-col3").First().Text(), "lastTradePrice", option.Strike); ok {
		option.PriceData.LastTradePrice = v
	}
	if v, ok := s.parseNumber(row.Find("td.data-col4").First().Text(), "bid", option.Strike); ok {
		option.PriceData.Bid = v
	}
	if v, ok := s.parseNumber(row.Find("td.data-col5").First().Text(), "ask", option.Strike); ok {
		option.PriceData.Ask = v
	}
	if v, ok := s.parseNumber(row.Find("td.data-col8").First().Text(), "volume", option.Strike); ok {
		option.PriceData.Volume = int(v)
	}
	if v, ok := s.parseNumber(row.Find("td.data-col9").First().Text(), "openInterest", option.Strike); ok {
		option.PriceData.OpenInterest = int(v)
	}
	if v, ok := s.parsePercent(row.Find("td.data-col10").First().Text()); ok {
		option.PriceData.ImpliedVolatility = v
	}
	return option
}

func (s *Scraper) parseNumber(raw, field string, strike float64) (float64, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == noValueToken {
		return 0, true
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(trimmed, ",", ""), 64)
	if err != nil {
		s.logger.WithFields(logrus.Fields{
			"field":  field,
			"strike": strike,
			"value":  trimmed,
		}).Warn("could not parse option field, leaving unset")
		return 0, false
	}
	return v, true
}

func (s *Scraper) parsePercent(raw string) (float64, bool) {
	trimmed := strings.TrimSpace(raw)
	idx := strings.IndexByte(trimmed, '%')
	if idx >= 0 {
		trimmed = trimmed[:idx]
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(trimmed, ",", ""), 64)
	if err != nil {
		s.logger.WithField("value", raw).Warn("could not parse implied volatility")
		return 0, false
	}
	return v, true
}

// parseExpirationDates reads the expiration selection control; values are
// epoch seconds interpreted as UTC day boundaries.
func (s *Scraper) parseExpirationDates(doc *goquery.Document) ([]time.Time, error) {
	content := doc.Find(selectorMainContent).First()
	if content.Length() == 0 {
		return nil, fmt.Errorf("options content not found in document")
	}
	var dates []time.Time
	var parseErr error
	content.Find(selectorExpirations).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		value, ok := sel.Attr("value")
		if !ok {
			parseErr = fmt.Errorf("expiration option without value attribute")
			return false
		}
		epoch, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil {
			parseErr = fmt.Errorf("bad expiration timestamp %q: %w", value, err)
			return false
		}
		dates = append(dates, models.Day(time.Unix(epoch, 0).UTC()))
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	return dates, nil
}

func containsDay(dates []time.Time, day time.Time) bool {
	for _, d := range dates {
		if models.SameDay(d, day) {
			return true
		}
	}
	return false
}
