package storage

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hgrandin/stockdata/internal/models"
)

// MockStore is an in-memory Store for tests. It enforces the same uniqueness
// constraints as the real schema and is safe for concurrent use.
type MockStore struct {
	mu      sync.Mutex
	nextID  uint
	options map[uint]*models.HistoricalOption
	retries map[uint]*models.RetryRecord
	stocks  map[string]*models.TrackedStock

	// Err, when set, is returned by every mutating call.
	Err error
}

// Ensure MockStore implements Store at compile time.
var _ Store = (*MockStore)(nil)

// NewMockStore creates an empty in-memory store.
func NewMockStore() *MockStore {
	return &MockStore{
		nextID:  1,
		options: make(map[uint]*models.HistoricalOption),
		retries: make(map[uint]*models.RetryRecord),
		stocks:  make(map[string]*models.TrackedStock),
	}
}

// CreateOption inserts a new option, rejecting duplicate identity keys.
func (m *MockStore) CreateOption(option *models.HistoricalOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	for _, existing := range m.options {
		if existing.Identity().Matches(option.Identity()) {
			return ErrDuplicateKey
		}
	}
	clone := cloneOption(option)
	clone.ID = m.nextID
	m.nextID++
	for i := range clone.PriceData {
		clone.PriceData[i].OptionID = clone.ID
	}
	m.options[clone.ID] = clone
	option.ID = clone.ID
	return nil
}

// AppendSnapshots adds snapshot rows, rejecting duplicate trade dates.
func (m *MockStore) AppendSnapshots(optionID uint, data []models.OptionPriceData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	option, ok := m.options[optionID]
	if !ok {
		return ErrOptionNotFound
	}
	for _, d := range data {
		for _, existing := range option.PriceData {
			if models.SameDay(existing.TradeDate, d.TradeDate) {
				return ErrDuplicateKey
			}
		}
	}
	for _, d := range data {
		d.OptionID = optionID
		d.TradeDate = models.Day(d.TradeDate)
		option.PriceData = append(option.PriceData, d)
	}
	sort.SliceStable(option.PriceData, func(i, j int) bool {
		return option.PriceData[i].TradeDate.After(option.PriceData[j].TradeDate)
	})
	return nil
}

// FindOption looks up one option by exact identity key.
func (m *MockStore) FindOption(identity models.OptionIdentity) (*models.HistoricalOption, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.options {
		if o.Identity().Matches(identity) {
			return cloneOption(o), nil
		}
	}
	return nil, ErrOptionNotFound
}

// FindOptionsByTicker returns every stored option for a ticker.
func (m *MockStore) FindOptionsByTicker(ticker string) ([]*models.HistoricalOption, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.HistoricalOption
	for _, o := range m.options {
		if strings.EqualFold(o.Ticker, ticker) {
			out = append(out, cloneOption(o))
		}
	}
	return out, nil
}

// FindOptionsByTickerAndExpiration filters by ticker and expiration day.
func (m *MockStore) FindOptionsByTickerAndExpiration(ticker string, expiration time.Time) ([]*models.HistoricalOption, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.HistoricalOption
	for _, o := range m.options {
		if strings.EqualFold(o.Ticker, ticker) && models.SameDay(o.Expiration, expiration) {
			out = append(out, cloneOption(o))
		}
	}
	return out, nil
}

// FindOptionsWithDataBetween returns options holding a snapshot inside the window.
func (m *MockStore) FindOptionsWithDataBetween(start, end time.Time) ([]*models.HistoricalOption, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.HistoricalOption
	for _, o := range m.options {
		for _, d := range o.PriceData {
			if !d.TradeDate.Before(models.Day(start)) && !d.TradeDate.After(models.Day(end)) {
				out = append(out, cloneOption(o))
				break
			}
		}
	}
	return out, nil
}

// FindExpirations returns the distinct stored expirations for a ticker on or
// after the given day, ascending.
func (m *MockStore) FindExpirations(ticker string, onOrAfter time.Time) ([]time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[time.Time]bool)
	for _, o := range m.options {
		if strings.EqualFold(o.Ticker, ticker) && !models.Day(o.Expiration).Before(models.Day(onOrAfter)) {
			seen[models.Day(o.Expiration)] = true
		}
	}
	out := make([]time.Time, 0, len(seen))
	for d := range seen {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

// DeleteOption removes an option and its snapshots.
func (m *MockStore) DeleteOption(optionID uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.options, optionID)
	return nil
}

// CountSnapshotsOnTradeDate counts snapshots stored for one trading day.
func (m *MockStore) CountSnapshotsOnTradeDate(tradeDate time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for _, o := range m.options {
		for _, d := range o.PriceData {
			if models.SameDay(d.TradeDate, tradeDate) {
				count++
			}
		}
	}
	return count, nil
}

// FindRetry looks up a retry record by exact key.
func (m *MockStore) FindRetry(ticker string, expiration, tradeDate time.Time) (*models.RetryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.retries {
		if strings.EqualFold(r.Ticker, ticker) &&
			models.SameDay(r.Expiration, expiration) &&
			models.SameDay(r.TradeDate, tradeDate) {
			clone := *r
			return &clone, nil
		}
	}
	return nil, ErrRetryNotFound
}

// FindRetriesByTickerAndExpiration filters retry records by ticker and expiration.
func (m *MockStore) FindRetriesByTickerAndExpiration(ticker string, expiration time.Time) ([]models.RetryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.RetryRecord
	for _, r := range m.retries {
		if strings.EqualFold(r.Ticker, ticker) && models.SameDay(r.Expiration, expiration) {
			out = append(out, *r)
		}
	}
	return out, nil
}

// FindRetriesByTradeDate returns every retry record for a trading day.
func (m *MockStore) FindRetriesByTradeDate(tradeDate time.Time) ([]models.RetryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.RetryRecord
	for _, r := range m.retries {
		if models.SameDay(r.TradeDate, tradeDate) {
			out = append(out, *r)
		}
	}
	return out, nil
}

// SaveRetry inserts or updates a retry record.
func (m *MockStore) SaveRetry(record *models.RetryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	record.Expiration = models.Day(record.Expiration)
	record.TradeDate = models.Day(record.TradeDate)
	if record.RetryID == 0 {
		record.RetryID = m.nextID
		m.nextID++
		record.FirstFailure = time.Now().UTC()
	}
	record.LastFailure = time.Now().UTC()
	clone := *record
	m.retries[record.RetryID] = &clone
	return nil
}

// DeleteRetry removes one retry record.
func (m *MockStore) DeleteRetry(retryID uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.retries, retryID)
	return nil
}

// DeleteRetriesBefore removes retry records older than the given trade date.
func (m *MockStore) DeleteRetriesBefore(tradeDate time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int64
	for id, r := range m.retries {
		if r.TradeDate.Before(models.Day(tradeDate)) {
			delete(m.retries, id)
			removed++
		}
	}
	return removed, nil
}

// ListTrackedStocks returns the registry, optionally active tickers only.
func (m *MockStore) ListTrackedStocks(activeOnly bool) ([]models.TrackedStock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.TrackedStock
	for _, s := range m.stocks {
		if !activeOnly || s.Active {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticker < out[j].Ticker })
	return out, nil
}

// GetTrackedStock returns one tracked stock by ticker.
func (m *MockStore) GetTrackedStock(ticker string) (*models.TrackedStock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stocks[strings.ToUpper(ticker)]
	if !ok {
		return nil, ErrStockNotFound
	}
	clone := *s
	return &clone, nil
}

// SaveTrackedStock inserts or updates a tracked stock.
func (m *MockStore) SaveTrackedStock(stock *models.TrackedStock) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	clone := *stock
	clone.Ticker = strings.ToUpper(clone.Ticker)
	m.stocks[clone.Ticker] = &clone
	return nil
}

// SetLastOptionsDataUpdate advances a ticker's end-of-day watermark.
func (m *MockStore) SetLastOptionsDataUpdate(ticker string, day time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.stocks[strings.ToUpper(ticker)]
	if !ok {
		return ErrStockNotFound
	}
	d := models.Day(day)
	s.LastOptionsDataUpdate = &d
	return nil
}

// Transaction runs fn directly against the mock.
func (m *MockStore) Transaction(fn func(Store) error) error {
	return fn(m)
}

func cloneOption(o *models.HistoricalOption) *models.HistoricalOption {
	clone := &models.HistoricalOption{ID: o.ID, OptionIdentity: o.OptionIdentity}
	clone.PriceData = make([]models.OptionPriceData, len(o.PriceData))
	copy(clone.PriceData, o.PriceData)
	return clone
}
