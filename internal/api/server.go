// Package api serves the read/query surface over HTTP: chains with optional
// date ranges, expirations, the retry ledger, the tracked-stock registry, and
// end-of-day job control.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/hgrandin/stockdata/internal/chains"
	"github.com/hgrandin/stockdata/internal/eod"
	"github.com/hgrandin/stockdata/internal/models"
	"github.com/hgrandin/stockdata/internal/registry"
	"github.com/hgrandin/stockdata/internal/retry"
	"github.com/hgrandin/stockdata/internal/scrape"
	"github.com/hgrandin/stockdata/internal/storage"
)

const dayFormat = "2006-01-02"

// Config holds the HTTP server settings.
type Config struct {
	Port      int
	AuthToken string
}

// Server is the HTTP query server.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	chains    *chains.Service
	gateway   *storage.Service
	registry  *registry.Registry
	ledger    *retry.Ledger
	job       *eod.Job
	logger    *logrus.Logger
	port      int
	authToken string
}

// NewServer wires the query server over the domain services.
func NewServer(
	cfg Config,
	chainSvc *chains.Service,
	gateway *storage.Service,
	reg *registry.Registry,
	ledger *retry.Ledger,
	job *eod.Job,
	logger *logrus.Logger,
) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		chains:    chainSvc,
		gateway:   gateway,
		registry:  reg,
		ledger:    ledger,
		job:       job,
		logger:    logger,
		port:      cfg.Port,
		authToken: cfg.AuthToken,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/health", s.handleHealth)

	s.router.Get("/api/chains/{ticker}", s.handleGetChain)
	s.router.Get("/api/chains/{ticker}/expirations", s.handleGetExpirations)

	s.router.Get("/api/retries", s.handleGetRetriesByTradeDate)
	s.router.Get("/api/retries/{ticker}", s.handleGetRetriesByTicker)

	s.router.Get("/api/snapshots/count", s.handleSnapshotCount)

	s.router.Get("/api/job", s.handleJobStatus)
	s.router.Post("/api/job/run", s.handleJobRun)
	s.router.Post("/api/job/reset", s.handleJobReset)
	s.router.Post("/api/job/retries/drain", s.handleJobDrainRetries)

	s.router.Get("/api/stocks", s.handleListStocks)
	s.router.Post("/api/stocks", s.handleRegisterStock)
	s.router.Get("/api/stocks/{ticker}", s.handleGetStock)
	s.router.Put("/api/stocks/{ticker}/active", s.handleSetStockActive)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if token != s.authToken {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start blocks serving HTTP until the listener fails or is shut down.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Infof("starting query server on port %d", s.port)
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler { return s.router }

// chainView is the wire shape of a chain; the chain's option map itself is
// not serializable.
type chainView struct {
	Ticker         string          `json:"ticker"`
	ExpirationDate string          `json:"expirationDate"`
	Options        []models.Option `json:"options"`
}

func viewOf(chain *models.OptionsChain) chainView {
	return chainView{
		Ticker:         chain.Ticker,
		ExpirationDate: chain.ExpirationDate.Format(dayFormat),
		Options:        chain.AllOptions(),
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}

// handleGetChain serves one ticker's chain. Query parameters: expiration
// (one expiration instead of all), start and end (trim snapshots to a
// capture-date range; omitted end means "through now" and includes a live
// fetch).
func (s *Server) handleGetChain(w http.ResponseWriter, r *http.Request) {
	ticker := chi.URLParam(r, "ticker")
	start, ok := s.queryDay(w, r, "start")
	if !ok {
		return
	}
	end, ok := s.queryDay(w, r, "end")
	if !ok {
		return
	}
	expiration, ok := s.queryDay(w, r, "expiration")
	if !ok {
		return
	}

	if !expiration.IsZero() {
		chain, err := s.chains.LoadChainWithRange(r.Context(), ticker, expiration, start, end)
		if err != nil {
			s.writeChainError(w, ticker, err)
			return
		}
		s.writeJSON(w, viewOf(chain))
		return
	}

	full, err := s.chains.LoadFullChainWithRange(r.Context(), ticker, start, end)
	if err != nil {
		s.writeChainError(w, ticker, err)
		return
	}
	views := make([]chainView, 0, len(full))
	for _, chain := range full {
		views = append(views, viewOf(chain))
	}
	s.writeJSON(w, views)
}

func (s *Server) handleGetExpirations(w http.ResponseWriter, r *http.Request) {
	ticker := chi.URLParam(r, "ticker")
	dates, err := s.chains.ExpirationDates(r.Context(), ticker)
	if err != nil {
		s.writeChainError(w, ticker, err)
		return
	}
	out := make([]string, 0, len(dates))
	for _, d := range dates {
		out = append(out, d.Format(dayFormat))
	}
	s.writeJSON(w, out)
}

func (s *Server) handleGetRetriesByTradeDate(w http.ResponseWriter, r *http.Request) {
	tradeDate, ok := s.queryDay(w, r, "tradeDate")
	if !ok {
		return
	}
	if tradeDate.IsZero() {
		http.Error(w, "tradeDate query parameter is required", http.StatusBadRequest)
		return
	}
	records, err := s.ledger.FindByTradeDate(tradeDate)
	if err != nil {
		s.writeInternalError(w, err, "listing retry records")
		return
	}
	s.writeJSON(w, records)
}

func (s *Server) handleGetRetriesByTicker(w http.ResponseWriter, r *http.Request) {
	ticker := chi.URLParam(r, "ticker")
	expiration, ok := s.queryDay(w, r, "expiration")
	if !ok {
		return
	}
	if expiration.IsZero() {
		http.Error(w, "expiration query parameter is required", http.StatusBadRequest)
		return
	}
	records, err := s.ledger.FindByTickerAndExpiration(ticker, expiration)
	if err != nil {
		s.writeInternalError(w, err, "listing retry records")
		return
	}
	s.writeJSON(w, records)
}

func (s *Server) handleSnapshotCount(w http.ResponseWriter, r *http.Request) {
	tradeDate, ok := s.queryDay(w, r, "tradeDate")
	if !ok {
		return
	}
	if tradeDate.IsZero() {
		http.Error(w, "tradeDate query parameter is required", http.StatusBadRequest)
		return
	}
	count, err := s.gateway.CountSnapshotsOnTradeDate(tradeDate)
	if err != nil {
		s.writeInternalError(w, err, "counting snapshots")
		return
	}
	s.writeJSON(w, map[string]any{
		"tradeDate": tradeDate.Format(dayFormat),
		"count":     count,
	})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]any{
		"status": s.job.Status(),
		"queued": s.job.QueueLen(),
	})
}

func (s *Server) handleJobRun(w http.ResponseWriter, _ *http.Request) {
	if s.job.Status() != eod.StatusIdle {
		http.Error(w, "job is not idle", http.StatusConflict)
		return
	}
	go func() {
		if _, err := s.job.Run(context.Background()); err != nil && !errors.Is(err, eod.ErrNotIdle) {
			s.logger.WithError(err).Error("manually triggered end-of-day run failed")
		}
	}()
	s.writeJSONStatus(w, http.StatusAccepted, map[string]any{"status": eod.StatusRunning})
}

func (s *Server) handleJobReset(w http.ResponseWriter, _ *http.Request) {
	if err := s.job.Reset(); err != nil {
		if errors.Is(err, eod.ErrNotIdle) {
			http.Error(w, "job is running", http.StatusConflict)
			return
		}
		s.writeInternalError(w, err, "resetting job")
		return
	}
	s.handleJobStatus(w, nil)
}

func (s *Server) handleJobDrainRetries(w http.ResponseWriter, r *http.Request) {
	if err := s.job.DrainRetries(r.Context()); err != nil {
		s.writeInternalError(w, err, "draining retries")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListStocks(w http.ResponseWriter, r *http.Request) {
	activeOnly, _ := strconv.ParseBool(r.URL.Query().Get("active"))
	stocks, err := s.registry.List(activeOnly)
	if err != nil {
		s.writeInternalError(w, err, "listing tracked stocks")
		return
	}
	s.writeJSON(w, stocks)
}

func (s *Server) handleRegisterStock(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Ticker string `json:"ticker"`
		Name   string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	stock, err := s.registry.Register(req.Ticker, req.Name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.job.Enqueue(stock.Ticker); err != nil {
		s.logger.WithField("ticker", stock.Ticker).WithError(err).Warn("could not enqueue new ticker")
	}
	s.writeJSONStatus(w, http.StatusCreated, stock)
}

func (s *Server) handleGetStock(w http.ResponseWriter, r *http.Request) {
	stock, err := s.registry.Get(chi.URLParam(r, "ticker"))
	if errors.Is(err, storage.ErrStockNotFound) {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.writeInternalError(w, err, "loading tracked stock")
		return
	}
	s.writeJSON(w, stock)
}

func (s *Server) handleSetStockActive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Active bool `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	ticker := chi.URLParam(r, "ticker")
	err := s.registry.SetActive(ticker, req.Active)
	if errors.Is(err, storage.ErrStockNotFound) {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.writeInternalError(w, err, "updating tracked stock")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// queryDay parses an optional yyyy-mm-dd query parameter. A missing
// parameter yields the zero time; a malformed one writes a 400 and returns
// ok=false.
func (s *Server) queryDay(w http.ResponseWriter, r *http.Request, name string) (time.Time, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, true
	}
	day, err := time.Parse(dayFormat, raw)
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid %s date %q, want yyyy-mm-dd", name, raw), http.StatusBadRequest)
		return time.Time{}, false
	}
	return day, true
}

func (s *Server) writeChainError(w http.ResponseWriter, ticker string, err error) {
	var loadErr *scrape.ChainLoadError
	if errors.As(err, &loadErr) {
		s.logger.WithField("ticker", ticker).WithError(err).Warn("chain load failed")
		http.Error(w, loadErr.Error(), http.StatusBadGateway)
		return
	}
	s.writeInternalError(w, err, "loading chain")
}

func (s *Server) writeInternalError(w http.ResponseWriter, err error, msg string) {
	s.logger.WithError(err).Error(msg)
	http.Error(w, "Internal Server Error", http.StatusInternalServerError)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("could not encode response")
	}
}

func (s *Server) writeJSONStatus(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("could not encode response")
	}
}
