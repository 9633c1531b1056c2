package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/hgrandin/stockdata/internal/models"
)

// GormStore implements Store on a SQLite database through gorm. The schema
// carries the uniqueness constraints the gateway relies on: one option row
// per identity key and one snapshot row per (optionID, tradeDate).
type GormStore struct {
	db *gorm.DB
}

// Ensure GormStore implements Store at compile time.
var _ Store = (*GormStore)(nil)

// NewGormStore opens (creating if needed) the SQLite database at dbPath and
// migrates the schema.
func NewGormStore(dbPath string) (*GormStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.AutoMigrate(
		&models.HistoricalOption{},
		&models.OptionPriceData{},
		&models.RetryRecord{},
		&models.TrackedStock{},
	); err != nil {
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	return &GormStore{db: db}, nil
}

// CreateOption blindly inserts a new historical option with its snapshots.
// Inserting an identity key that already exists returns ErrDuplicateKey.
func (s *GormStore) CreateOption(option *models.HistoricalOption) error {
	normalizeOption(option)
	if err := s.db.Create(option).Error; err != nil {
		return translate(err)
	}
	return nil
}

// AppendSnapshots inserts snapshot rows for an existing option. A duplicate
// (optionID, tradeDate) pair returns ErrDuplicateKey.
func (s *GormStore) AppendSnapshots(optionID uint, data []models.OptionPriceData) error {
	if len(data) == 0 {
		return nil
	}
	rows := make([]models.OptionPriceData, len(data))
	copy(rows, data)
	for i := range rows {
		rows[i].ID = 0
		rows[i].OptionID = optionID
		rows[i].TradeDate = models.Day(rows[i].TradeDate)
	}
	if err := s.db.Create(&rows).Error; err != nil {
		return translate(err)
	}
	return nil
}

// FindOption looks up one option by its exact identity key, snapshots newest
// first.
func (s *GormStore) FindOption(identity models.OptionIdentity) (*models.HistoricalOption, error) {
	var option models.HistoricalOption
	err := s.preloaded().
		Where("ticker = ? AND option_type = ? AND expiration = ? AND strike = ?",
			identity.Ticker, identity.OptionType, models.Day(identity.Expiration), identity.Strike).
		First(&option).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOptionNotFound
		}
		return nil, err
	}
	return &option, nil
}

// FindOptionsByTicker returns every stored option for a ticker.
func (s *GormStore) FindOptionsByTicker(ticker string) ([]*models.HistoricalOption, error) {
	var options []*models.HistoricalOption
	if err := s.preloaded().Where("ticker = ?", ticker).Find(&options).Error; err != nil {
		return nil, err
	}
	return options, nil
}

// FindOptionsByTickerAndExpiration returns the stored options for one
// (ticker, expiration).
func (s *GormStore) FindOptionsByTickerAndExpiration(ticker string, expiration time.Time) ([]*models.HistoricalOption, error) {
	var options []*models.HistoricalOption
	err := s.preloaded().
		Where("ticker = ? AND expiration = ?", ticker, models.Day(expiration)).
		Find(&options).Error
	if err != nil {
		return nil, err
	}
	return options, nil
}

// FindOptionsWithDataBetween returns every option holding at least one
// snapshot with a trade date inside [start, end], used by the window cache
// preload.
func (s *GormStore) FindOptionsWithDataBetween(start, end time.Time) ([]*models.HistoricalOption, error) {
	var ids []uint
	err := s.db.Model(&models.OptionPriceData{}).
		Distinct("option_id").
		Where("trade_date >= ? AND trade_date <= ?", models.Day(start), models.Day(end)).
		Pluck("option_id", &ids).Error
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	var options []*models.HistoricalOption
	if err := s.preloaded().Where("option_id IN ?", ids).Find(&options).Error; err != nil {
		return nil, err
	}
	return options, nil
}

// FindExpirations returns the distinct expiration dates stored for a ticker
// on or after the given date.
func (s *GormStore) FindExpirations(ticker string, onOrAfter time.Time) ([]time.Time, error) {
	var expirations []time.Time
	err := s.db.Model(&models.HistoricalOption{}).
		Distinct("expiration").
		Where("ticker = ? AND expiration >= ?", ticker, models.Day(onOrAfter)).
		Order("expiration").
		Pluck("expiration", &expirations).Error
	if err != nil {
		return nil, err
	}
	return expirations, nil
}

// DeleteOption removes an option and, by cascade, its snapshots.
func (s *GormStore) DeleteOption(optionID uint) error {
	return s.db.Delete(&models.HistoricalOption{}, optionID).Error
}

// CountSnapshotsOnTradeDate counts the snapshots stored for one trading day.
func (s *GormStore) CountSnapshotsOnTradeDate(tradeDate time.Time) (int64, error) {
	var count int64
	err := s.db.Model(&models.OptionPriceData{}).
		Where("trade_date = ?", models.Day(tradeDate)).
		Count(&count).Error
	return count, err
}

// FindRetry looks up a retry record by its exact key.
func (s *GormStore) FindRetry(ticker string, expiration, tradeDate time.Time) (*models.RetryRecord, error) {
	var record models.RetryRecord
	err := s.db.
		Where("ticker = ? AND expiration = ? AND trade_date = ?",
			ticker, models.Day(expiration), models.Day(tradeDate)).
		First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRetryNotFound
		}
		return nil, err
	}
	return &record, nil
}

// FindRetriesByTickerAndExpiration returns the retry records for one
// (ticker, expiration) across trade dates.
func (s *GormStore) FindRetriesByTickerAndExpiration(ticker string, expiration time.Time) ([]models.RetryRecord, error) {
	var records []models.RetryRecord
	err := s.db.
		Where("ticker = ? AND expiration = ?", ticker, models.Day(expiration)).
		Find(&records).Error
	return records, err
}

// FindRetriesByTradeDate returns every retry record for one trading day.
func (s *GormStore) FindRetriesByTradeDate(tradeDate time.Time) ([]models.RetryRecord, error) {
	var records []models.RetryRecord
	err := s.db.Where("trade_date = ?", models.Day(tradeDate)).Find(&records).Error
	return records, err
}

// SaveRetry inserts or updates a retry record.
func (s *GormStore) SaveRetry(record *models.RetryRecord) error {
	record.Expiration = models.Day(record.Expiration)
	record.TradeDate = models.Day(record.TradeDate)
	if err := s.db.Save(record).Error; err != nil {
		return translate(err)
	}
	return nil
}

// DeleteRetry removes one retry record.
func (s *GormStore) DeleteRetry(retryID uint) error {
	return s.db.Delete(&models.RetryRecord{}, retryID).Error
}

// DeleteRetriesBefore removes every retry record with a trade date strictly
// before the given day, returning the number removed.
func (s *GormStore) DeleteRetriesBefore(tradeDate time.Time) (int64, error) {
	res := s.db.Where("trade_date < ?", models.Day(tradeDate)).Delete(&models.RetryRecord{})
	return res.RowsAffected, res.Error
}

// ListTrackedStocks returns the tracked-stock registry, optionally filtered
// to active tickers.
func (s *GormStore) ListTrackedStocks(activeOnly bool) ([]models.TrackedStock, error) {
	var stocks []models.TrackedStock
	q := s.db.Order("ticker")
	if activeOnly {
		q = q.Where("active = ?", true)
	}
	err := q.Find(&stocks).Error
	return stocks, err
}

// GetTrackedStock returns one tracked stock by ticker.
func (s *GormStore) GetTrackedStock(ticker string) (*models.TrackedStock, error) {
	var stock models.TrackedStock
	if err := s.db.First(&stock, "ticker = ?", ticker).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrStockNotFound
		}
		return nil, err
	}
	return &stock, nil
}

// SaveTrackedStock inserts or updates a tracked stock.
func (s *GormStore) SaveTrackedStock(stock *models.TrackedStock) error {
	if err := s.db.Save(stock).Error; err != nil {
		return translate(err)
	}
	return nil
}

// SetLastOptionsDataUpdate advances a ticker's end-of-day watermark.
func (s *GormStore) SetLastOptionsDataUpdate(ticker string, day time.Time) error {
	d := models.Day(day)
	res := s.db.Model(&models.TrackedStock{}).
		Where("ticker = ?", ticker).
		Update("last_options_data_update", &d)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStockNotFound
	}
	return nil
}

// Transaction runs fn against a transaction-bound store.
func (s *GormStore) Transaction(fn func(Store) error) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		return fn(&GormStore{db: tx})
	})
}

func (s *GormStore) preloaded() *gorm.DB {
	return s.db.Preload("PriceData", func(db *gorm.DB) *gorm.DB {
		return db.Order("trade_date DESC")
	})
}

func normalizeOption(option *models.HistoricalOption) {
	option.Expiration = models.Day(option.Expiration)
	for i := range option.PriceData {
		option.PriceData[i].TradeDate = models.Day(option.PriceData[i].TradeDate)
	}
}

func translate(err error) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicateKey
	}
	return err
}
