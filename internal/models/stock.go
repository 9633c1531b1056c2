package models

import "time"

// TrackedStock is a ticker the system actively captures option data for.
// The end-of-day loader advances LastOptionsDataUpdate after each successful
// full-chain capture; the registry flips Active.
type TrackedStock struct {
	Ticker                string     `gorm:"primaryKey" json:"ticker"`
	Name                  string     `json:"name"`
	OptionsDataStartDate  *time.Time `json:"optionsDataStartDate"`
	LastOptionsDataUpdate *time.Time `json:"lastOptionsDataUpdate"`
	Active                bool       `json:"active"`
}

// UpdatedOn reports whether the ticker's watermark already covers the given day.
func (s TrackedStock) UpdatedOn(day time.Time) bool {
	return s.LastOptionsDataUpdate != nil && SameDay(*s.LastOptionsDataUpdate, day)
}

// RetryRecord is durable bookkeeping for a failed capture of one
// (ticker, expiration, tradeDate) combination. Created at count zero on the
// first failure, incremented on repeats, deleted on success or once the trade
// date has passed.
type RetryRecord struct {
	RetryID      uint      `gorm:"primaryKey" json:"-"`
	Ticker       string    `gorm:"index:idx_ticker_exp_trade_date,unique" json:"ticker"`
	Expiration   time.Time `gorm:"index:idx_ticker_exp_trade_date,unique" json:"expiration"`
	TradeDate    time.Time `gorm:"index:idx_ticker_exp_trade_date,unique" json:"tradeDate"`
	RetryCount   int       `json:"retryCount"`
	FirstFailure time.Time `gorm:"autoCreateTime" json:"firstFailure"`
	LastFailure  time.Time `gorm:"autoUpdateTime" json:"lastFailure"`
}
