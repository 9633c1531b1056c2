package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hgrandin/stockdata/internal/chains"
	"github.com/hgrandin/stockdata/internal/eod"
	"github.com/hgrandin/stockdata/internal/marketcal"
	"github.com/hgrandin/stockdata/internal/models"
	"github.com/hgrandin/stockdata/internal/registry"
	"github.com/hgrandin/stockdata/internal/retry"
	"github.com/hgrandin/stockdata/internal/storage"
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

// stubSource satisfies both the chains and eod source interfaces.
type stubSource struct {
	err error
}

func (s *stubSource) ChainForClosestExpiration(context.Context, string) (*models.OptionsChain, error) {
	return nil, errors.New("not configured")
}

func (s *stubSource) ChainForExpiration(_ context.Context, ticker string, expiration time.Time) (*models.OptionsChain, error) {
	if s.err != nil {
		return nil, s.err
	}
	return models.NewOptionsChain(ticker, expiration), nil
}

func (s *stubSource) FullLiveChain(_ context.Context, ticker string) ([]*models.OptionsChain, error) {
	if s.err != nil {
		return nil, s.err
	}
	return nil, nil
}

func (s *stubSource) ExpirationDates(context.Context, string) ([]time.Time, error) {
	if s.err != nil {
		return nil, s.err
	}
	return []time.Time{day("2025-07-18"), day("2025-08-15")}, nil
}

func newTestServer(t *testing.T, cfg Config) (*Server, *storage.MockStore) {
	t.Helper()
	cal, err := marketcal.NewCalendar()
	require.NoError(t, err)
	store := storage.NewMockStore()
	gateway := storage.NewService(store, testLogger(), storage.DefaultCacheConfig)
	ledger := retry.NewLedger(store, testLogger())
	reg := registry.NewRegistry(store, testLogger())
	source := &stubSource{}
	chainSvc := chains.NewService(source, gateway, testLogger())
	job := eod.NewJob(source, gateway, store, ledger, cal, testLogger(), 1)
	return NewServer(cfg, chainSvc, gateway, reg, ledger, job, testLogger()), store
}

func do(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, Config{Port: 0})
	rec := do(t, s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}

func TestAuthMiddleware(t *testing.T) {
	s, _ := newTestServer(t, Config{Port: 0, AuthToken: "secret"})

	rec := do(t, s, http.MethodGet, "/api/job", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/job", nil)
	req.Header.Set("X-Auth-Token", "secret")
	out := httptest.NewRecorder()
	s.Router().ServeHTTP(out, req)
	assert.Equal(t, http.StatusOK, out.Code)

	// Health stays reachable without a token.
	rec = do(t, s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRegisterAndGetStock(t *testing.T) {
	s, _ := newTestServer(t, Config{Port: 0})

	rec := do(t, s, http.MethodPost, "/api/stocks", `{"ticker":"spy","name":"SPDR"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ticker":"SPY"`)

	rec = do(t, s, http.MethodGet, "/api/stocks/SPY", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/stocks/UNKNOWN", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSetStockActive(t *testing.T) {
	s, _ := newTestServer(t, Config{Port: 0})

	rec := do(t, s, http.MethodPost, "/api/stocks", `{"ticker":"SPY"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, s, http.MethodPut, "/api/stocks/SPY/active", `{"active":false}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/stocks?active=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "SPY")

	rec = do(t, s, http.MethodPut, "/api/stocks/NOPE/active", `{"active":true}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetChain_ClosedRangeFromStorage(t *testing.T) {
	s, store := newTestServer(t, Config{Port: 0})

	option := &models.HistoricalOption{OptionIdentity: models.OptionIdentity{
		Ticker: "SPY", OptionType: models.Call, Expiration: day("2025-07-18"), Strike: 500,
	}}
	option.SetSnapshots([]models.OptionPriceData{{
		Bid: 12.0, Ask: 12.2,
		TradeDate:        day("2025-07-08"),
		DataObtainedDate: day("2025-07-08").Add(21 * time.Hour),
	}})
	require.NoError(t, store.CreateOption(option))

	rec := do(t, s, http.MethodGet,
		"/api/chains/SPY?expiration=2025-07-18&start=2025-07-01&end=2025-07-09", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ticker":"SPY"`)
	assert.Contains(t, rec.Body.String(), `"strike":500`)
}

func TestGetChain_BadDateIsRejected(t *testing.T) {
	s, _ := newTestServer(t, Config{Port: 0})
	rec := do(t, s, http.MethodGet, "/api/chains/SPY?start=07-01-2025", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetExpirations(t *testing.T) {
	s, _ := newTestServer(t, Config{Port: 0})
	rec := do(t, s, http.MethodGet, "/api/chains/SPY/expirations", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "2025-07-18")
}

func TestRetryEndpoints(t *testing.T) {
	s, store := newTestServer(t, Config{Port: 0})
	ledger := retry.NewLedger(store, testLogger())
	_, err := ledger.RecordFailure("SPY", day("2025-07-18"), day("2025-07-10"))
	require.NoError(t, err)

	rec := do(t, s, http.MethodGet, "/api/retries?tradeDate=2025-07-10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ticker":"SPY"`)

	rec = do(t, s, http.MethodGet, "/api/retries/SPY?expiration=2025-07-18", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"retryCount":0`)

	rec = do(t, s, http.MethodGet, "/api/retries", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSnapshotCount(t *testing.T) {
	s, store := newTestServer(t, Config{Port: 0})

	option := &models.HistoricalOption{OptionIdentity: models.OptionIdentity{
		Ticker: "SPY", OptionType: models.Put, Expiration: day("2025-07-18"), Strike: 490,
	}}
	option.SetSnapshots([]models.OptionPriceData{{
		TradeDate: day("2025-07-10"), DataObtainedDate: time.Now().UTC(),
	}})
	require.NoError(t, store.CreateOption(option))

	rec := do(t, s, http.MethodGet, "/api/snapshots/count?tradeDate=2025-07-10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":1`)

	rec = do(t, s, http.MethodGet, "/api/snapshots/count", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJobEndpoints(t *testing.T) {
	s, _ := newTestServer(t, Config{Port: 0})

	rec := do(t, s, http.MethodGet, "/api/job", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), string(eod.StatusIdle))

	rec = do(t, s, http.MethodPost, "/api/job/retries/drain", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/job/reset", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
