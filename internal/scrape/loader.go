// Package scrape fetches and parses the quote-page options document into
// typed option records and expiration-date lists.
package scrape

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

const (
	defaultTimeout = 30 * time.Second
	userAgent      = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"
)

// PageLoader fetches a URL and returns its parsed document.
type PageLoader interface {
	Load(ctx context.Context, url string) (*goquery.Document, error)
}

// HTTPPageLoader fetches documents over HTTP with a fresh session cookie per
// call, which keeps the quote page from rate-limiting a reused session.
type HTTPPageLoader struct {
	client *http.Client
	logger *logrus.Logger
}

// Ensure HTTPPageLoader implements PageLoader at compile time.
var _ PageLoader = (*HTTPPageLoader)(nil)

// NewHTTPPageLoader creates a page loader with a default timeout.
func NewHTTPPageLoader(logger *logrus.Logger) *HTTPPageLoader {
	return &HTTPPageLoader{
		client: &http.Client{Timeout: defaultTimeout},
		logger: logger,
	}
}

// WithHTTPClient swaps the underlying HTTP client, mainly for tests.
func (l *HTTPPageLoader) WithHTTPClient(client *http.Client) *HTTPPageLoader {
	l.client = client
	return l
}

// Load fetches and parses one document.
func (l *HTTPPageLoader) Load(ctx context.Context, url string) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", url, err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.AddCookie(&http.Cookie{Name: "APID", Value: uuid.NewString()})

	resp, err := l.client.Do(req)
	if err != nil {
		l.logger.WithField("url", url).WithError(err).Error("could not connect to url")
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching %s: unexpected status %d", url, resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parsing document from %s: %w", url, err)
	}
	return doc, nil
}

// BreakerLoader wraps a PageLoader with a circuit breaker so a misbehaving
// remote fails fast instead of tying up end-of-day workers.
type BreakerLoader struct {
	loader  PageLoader
	breaker *gobreaker.CircuitBreaker
}

// Ensure BreakerLoader implements PageLoader at compile time.
var _ PageLoader = (*BreakerLoader)(nil)

// BreakerSettings configures the page-loader circuit breaker.
type BreakerSettings struct {
	MaxRequests  uint32        // max requests allowed when half-open
	Interval     time.Duration // closed-state count reset interval
	Timeout      time.Duration // open-state duration
	MinRequests  uint32        // minimum requests before tripping
	FailureRatio float64       // failure ratio threshold
}

// NewBreakerLoader wraps a loader with sensible defaults.
func NewBreakerLoader(loader PageLoader, logger *logrus.Logger) *BreakerLoader {
	return NewBreakerLoaderWithSettings(loader, logger, BreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	})
}

// NewBreakerLoaderWithSettings wraps a loader with custom breaker settings.
func NewBreakerLoaderWithSettings(loader PageLoader, logger *logrus.Logger, settings BreakerSettings) *BreakerLoader {
	gbSettings := gobreaker.Settings{
		Name:        "PageLoaderCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= settings.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("circuit breaker state changed")
		},
	}
	return &BreakerLoader{loader: loader, breaker: gobreaker.NewCircuitBreaker(gbSettings)}
}

// Load fetches a document through the breaker.
func (b *BreakerLoader) Load(ctx context.Context, url string) (*goquery.Document, error) {
	res, err := b.breaker.Execute(func() (interface{}, error) {
		return b.loader.Load(ctx, url)
	})
	if err != nil {
		return nil, err
	}
	doc, ok := res.(*goquery.Document)
	if !ok {
		return nil, errors.New("circuit breaker: type assertion failed")
	}
	return doc, nil
}
