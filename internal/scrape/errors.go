package scrape

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrExpirationNotFound is returned when a requested expiration date is
// absent from the page's listed dates.
var ErrExpirationNotFound = errors.New("expiration date not listed for ticker")

// ChainLoadError is a typed failure during a chain scrape, carrying the
// ticker, the source URL, and the root cause.
type ChainLoadError struct {
	Ticker string
	URL    string
	Cause  error
}

func (e *ChainLoadError) Error() string {
	return fmt.Sprintf("could not load options chain for ticker %s at url %s: %v", e.Ticker, e.URL, e.Cause)
}

func (e *ChainLoadError) Unwrap() error { return e.Cause }

// ChainParseFailed is the outbound event emitted when a chain scrape fails or
// a stored expiration goes missing from a fresh scrape. TradeDate is the last
// trading day the capture was meant to represent.
type ChainParseFailed struct {
	EventID    uuid.UUID
	Ticker     string
	Expiration time.Time
	TradeDate  time.Time
}

// EventSink consumes parse-failure events. A nil sink drops them.
type EventSink func(ChainParseFailed)

func (s EventSink) publish(ticker string, expiration, tradeDate time.Time) {
	if s == nil {
		return
	}
	s(ChainParseFailed{
		EventID:    uuid.New(),
		Ticker:     ticker,
		Expiration: expiration,
		TradeDate:  tradeDate,
	})
}
