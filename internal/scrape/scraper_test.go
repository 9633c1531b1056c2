package scrape

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hgrandin/stockdata/internal/marketcal"
	"github.com/hgrandin/stockdata/internal/models"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

// fixtureLoader serves the testdata document for every URL and records the
// URLs it was asked for.
type fixtureLoader struct {
	path string
	urls []string
	err  error
}

func (f *fixtureLoader) Load(_ context.Context, url string) (*goquery.Document, error) {
	f.urls = append(f.urls, url)
	if f.err != nil {
		return nil, f.err
	}
	file, err := os.Open(f.path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()
	return goquery.NewDocumentFromReader(file)
}

type storedExpirations struct {
	dates []time.Time
}

func (s storedExpirations) ExpirationsOnOrAfter(string, time.Time) ([]time.Time, error) {
	return s.dates, nil
}

func newTestScraper(t *testing.T, loader PageLoader, stored []time.Time, sink EventSink) (*Scraper, *marketcal.Calendar) {
	t.Helper()
	cal, err := marketcal.NewCalendar()
	require.NoError(t, err)
	return NewScraper(loader, cal, storedExpirations{dates: stored}, sink, testLogger(), "https://finance.example.com"), cal
}

func TestScraper_ChainForExpirationParsesRows(t *testing.T) {
	loader := &fixtureLoader{path: "testdata/options-page.html"}
	scraper, cal := newTestScraper(t, loader, nil, nil)

	chain, err := scraper.ChainForExpiration(context.Background(), "spy", day("2025-07-18"))
	require.NoError(t, err)

	assert.Equal(t, "SPY", chain.Ticker)
	require.Equal(t, 3, chain.Len())
	require.Len(t, loader.urls, 1)
	assert.Contains(t, loader.urls[0], "/quote/SPY/options?p=SPY&date=1752796800")

	call := chain.Option(500, models.Call)
	require.NotNil(t, call)
	snap := call.MostRecentSnapshot()
	require.NotNil(t, snap)
	assert.Equal(t, 12.00, snap.Bid)
	assert.Equal(t, 12.20, snap.Ask)
	assert.Equal(t, 12.10, snap.LastTradePrice)
	assert.Equal(t, 1205, snap.Volume)
	assert.Equal(t, 15330, snap.OpenInterest)
	assert.InDelta(t, 18.55, snap.ImpliedVolatility, 1e-9)
	assert.True(t, models.SameDay(cal.LastTradeDate(), snap.TradeDate))

	put := chain.Option(490, models.Put)
	require.NotNil(t, put)
	assert.Equal(t, 4.80, put.MostRecentSnapshot().Bid)
}

func TestScraper_DefensiveFieldParsing(t *testing.T) {
	loader := &fixtureLoader{path: "testdata/options-page.html"}
	scraper, _ := newTestScraper(t, loader, nil, nil)

	chain, err := scraper.ChainForExpiration(context.Background(), "SPY", day("2025-07-18"))
	require.NoError(t, err)

	// Row with "-" sentinels and an unparsable open interest still parses.
	call := chain.Option(510, models.Call)
	require.NotNil(t, call)
	snap := call.MostRecentSnapshot()
	assert.Equal(t, 0.0, snap.LastTradePrice) // "-" maps to zero
	assert.Equal(t, 0, snap.Volume)           // "-" maps to zero
	assert.Equal(t, 0, snap.OpenInterest)     // "n/a" logged, left unset
	assert.Equal(t, 6.40, snap.Bid)
}

func TestScraper_ChainForExpirationNotListed(t *testing.T) {
	var events []ChainParseFailed
	loader := &fixtureLoader{path: "testdata/options-page.html"}
	scraper, cal := newTestScraper(t, loader, nil, func(e ChainParseFailed) { events = append(events, e) })

	_, err := scraper.ChainForExpiration(context.Background(), "SPY", day("2025-09-19"))
	require.Error(t, err)

	var loadErr *ChainLoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, "SPY", loadErr.Ticker)
	assert.Contains(t, loadErr.URL, "/quote/SPY/options")
	assert.ErrorIs(t, err, ErrExpirationNotFound)

	require.Len(t, events, 1)
	assert.Equal(t, "SPY", events[0].Ticker)
	assert.True(t, models.SameDay(day("2025-09-19"), events[0].Expiration))
	assert.True(t, models.SameDay(cal.LastTradeDate(), events[0].TradeDate))
	assert.NotEqual(t, [16]byte{}, [16]byte(events[0].EventID))
}

func TestScraper_ChainForClosestExpiration(t *testing.T) {
	loader := &fixtureLoader{path: "testdata/options-page.html"}
	scraper, _ := newTestScraper(t, loader, nil, nil)

	chain, err := scraper.ChainForClosestExpiration(context.Background(), "SPY")
	require.NoError(t, err)
	assert.True(t, models.SameDay(day("2025-07-18"), chain.ExpirationDate))
}

func TestScraper_FullLiveChain(t *testing.T) {
	loader := &fixtureLoader{path: "testdata/options-page.html"}
	scraper, _ := newTestScraper(t, loader, nil, nil)

	chains, err := scraper.FullLiveChain(context.Background(), "SPY")
	require.NoError(t, err)
	require.Len(t, chains, 2)
	assert.True(t, models.SameDay(day("2025-07-18"), chains[0].ExpirationDate))
	assert.True(t, models.SameDay(day("2025-08-15"), chains[1].ExpirationDate))
	// One discovery fetch plus one per expiration.
	assert.Len(t, loader.urls, 3)
}

func TestScraper_FullLiveChainReportsMissingStoredExpiration(t *testing.T) {
	var events []ChainParseFailed
	loader := &fixtureLoader{path: "testdata/options-page.html"}
	// Stored set {Jul 18, Aug 15, Sep 19}; fresh scrape lists {Jul 18, Aug 15}.
	stored := []time.Time{day("2025-07-18"), day("2025-08-15"), day("2025-09-19")}
	scraper, _ := newTestScraper(t, loader, stored, func(e ChainParseFailed) { events = append(events, e) })

	chains, err := scraper.FullLiveChain(context.Background(), "SPY")
	require.NoError(t, err)
	assert.Len(t, chains, 2)

	require.Len(t, events, 1)
	assert.True(t, models.SameDay(day("2025-09-19"), events[0].Expiration))
}

func TestScraper_FullLiveChainFetchFailure(t *testing.T) {
	loader := &fixtureLoader{path: "testdata/options-page.html", err: errors.New("connection refused")}
	scraper, _ := newTestScraper(t, loader, nil, nil)

	_, err := scraper.FullLiveChain(context.Background(), "SPY")
	var loadErr *ChainLoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Equal(t, "SPY", loadErr.Ticker)
}

func TestScraper_ExpirationDates(t *testing.T) {
	loader := &fixtureLoader{path: "testdata/options-page.html"}
	scraper, _ := newTestScraper(t, loader, nil, nil)

	dates, err := scraper.ExpirationDates(context.Background(), "SPY")
	require.NoError(t, err)
	require.Len(t, dates, 2)
	assert.Equal(t, time.UTC, dates[0].Location())
	assert.True(t, models.SameDay(day("2025-07-18"), dates[0]))
}

func TestScraper_MissingContentFailsExpirationDiscovery(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/empty.html"
	require.NoError(t, os.WriteFile(path, []byte("<html><body></body></html>"), 0o600))
	loader := &fixtureLoader{path: path}
	scraper, _ := newTestScraper(t, loader, nil, nil)

	_, err := scraper.ChainForClosestExpiration(context.Background(), "SPY")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "options content not found")
}

func TestScraper_AbsentRowGroupsYieldEmptyChain(t *testing.T) {
	const page = `<html><body><div id="Col1-1-OptionContracts-Proxy">
		<div class="controls"><select><option value="1752796800">July 18, 2025</option></select></div>
	</div></body></html>`
	dir := t.TempDir()
	path := dir + "/no-tables.html"
	require.NoError(t, os.WriteFile(path, []byte(page), 0o600))
	loader := &fixtureLoader{path: path}
	scraper, _ := newTestScraper(t, loader, nil, nil)

	chain, err := scraper.ChainForExpiration(context.Background(), "SPY", day("2025-07-18"))
	require.NoError(t, err)
	assert.Equal(t, 0, chain.Len())
}

func TestHTTPPageLoader(t *testing.T) {
	var gotCookie, gotAgent string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("APID"); err == nil {
			gotCookie = c.Value
		}
		gotAgent = r.UserAgent()
		_, _ = io.WriteString(w, "<html><body><p>ok</p></body></html>")
	}))
	defer server.Close()

	loader := NewHTTPPageLoader(testLogger())
	doc, err := loader.Load(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Equal(t, "ok", strings.TrimSpace(doc.Find("p").Text()))
	assert.NotEmpty(t, gotCookie)
	assert.NotEmpty(t, gotAgent)
}

func TestHTTPPageLoader_Non200(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	loader := NewHTTPPageLoader(testLogger())
	_, err := loader.Load(context.Background(), server.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 429")
}

func TestBreakerLoader_OpensAfterFailures(t *testing.T) {
	failing := &fixtureLoader{path: "testdata/options-page.html", err: errors.New("boom")}
	breaker := NewBreakerLoaderWithSettings(failing, testLogger(), BreakerSettings{
		MaxRequests:  1,
		Interval:     time.Minute,
		Timeout:      time.Minute,
		MinRequests:  2,
		FailureRatio: 0.5,
	})

	for i := 0; i < 3; i++ {
		_, err := breaker.Load(context.Background(), "https://example.com")
		require.Error(t, err)
	}
	// The breaker is now open: the underlying loader is no longer reached.
	calls := len(failing.urls)
	_, err := breaker.Load(context.Background(), "https://example.com")
	require.Error(t, err)
	assert.Len(t, failing.urls, calls)
}
