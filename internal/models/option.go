// Package models provides the option-chain data structures shared across the
// scraper, the load orchestrator, and the persistence layer.
package models

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// OptionType identifies the side of an option contract.
type OptionType string

const (
	// Call is a call option contract.
	Call OptionType = "CALL"
	// Put is a put option contract.
	Put OptionType = "PUT"
)

// Valid returns true if the OptionType is one of the defined constants.
func (t OptionType) Valid() bool {
	return t == Call || t == Put
}

// ChainKey positions an option inside a chain for a single expiration.
type ChainKey struct {
	Strike     float64
	OptionType OptionType
}

// OptionIdentity is the immutable identity of an option contract:
// (ticker, type, expiration, strike). Two snapshots belong to the same
// contract exactly when their identities are equal.
type OptionIdentity struct {
	Ticker     string     `gorm:"column:ticker;index:idx_strike_exp_ticker_type,unique" json:"ticker"`
	OptionType OptionType `gorm:"column:option_type;index:idx_strike_exp_ticker_type,unique" json:"optionType"`
	Expiration time.Time  `gorm:"column:expiration;index:idx_strike_exp_ticker_type,unique" json:"expiration"`
	Strike     float64    `gorm:"column:strike;index:idx_strike_exp_ticker_type,unique" json:"strike"`
}

// Key returns the chain key for this identity.
func (id OptionIdentity) Key() ChainKey {
	return ChainKey{Strike: id.Strike, OptionType: id.OptionType}
}

// Matches reports whether two identities refer to the same contract.
// Expiration is compared at day precision.
func (id OptionIdentity) Matches(other OptionIdentity) bool {
	return id.Ticker == other.Ticker &&
		id.OptionType == other.OptionType &&
		SameDay(id.Expiration, other.Expiration) &&
		id.Strike == other.Strike
}

func (id OptionIdentity) String() string {
	return fmt.Sprintf("%s %s %.2f exp %s", id.Ticker, id.OptionType, id.Strike, id.Expiration.Format("2006-01-02"))
}

// OptionPriceData is a single price snapshot for an option contract.
// TradeDate is the trading day the snapshot represents; DataObtainedDate is
// the wall-clock instant it was captured.
type OptionPriceData struct {
	ID                uint      `gorm:"primaryKey" json:"-"`
	OptionID          uint      `gorm:"index:idx_option_trade_date,unique" json:"-"`
	LastTradePrice    float64   `json:"lastTradePrice"`
	Bid               float64   `json:"bid"`
	Ask               float64   `json:"ask"`
	Volume            int       `json:"volume"`
	OpenInterest      int       `json:"openInterest"`
	ImpliedVolatility float64   `json:"impliedVolatility"`
	DataObtainedDate  time.Time `json:"dataObtainedDate"`
	TradeDate         time.Time `gorm:"index:idx_option_trade_date,unique" json:"tradeDate"`
}

// MarketPrice is the bid/ask midpoint rounded half-up to cents.
func (d OptionPriceData) MarketPrice() float64 {
	return math.Floor((d.Bid+d.Ask)/2*100+0.5) / 100
}

// SameDay reports whether two instants fall on the same UTC calendar day.
func SameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

// Day truncates an instant to its UTC calendar day.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Option is the shared capability surface of live and historical options.
// LiveOption and HistoricalOption are the only implementations.
type Option interface {
	// Identity returns the immutable contract identity.
	Identity() OptionIdentity
	// Snapshots returns the price snapshots, newest first.
	Snapshots() []OptionPriceData
	// MostRecentSnapshot returns the snapshot with the latest capture time,
	// or nil when the option holds no data.
	MostRecentSnapshot() *OptionPriceData
	// SetSnapshots replaces the snapshot collection.
	SetSnapshots([]OptionPriceData)
	// ToHistorical promotes the option to a HistoricalOption carrying the
	// same identity and snapshots.
	ToHistorical() *HistoricalOption

	// stamp fills in an unset ticker/expiration from the owning chain.
	stamp(ticker string, expiration time.Time)
}

// LiveOption holds at most one just-observed price snapshot. Instances are
// transient: they are produced per scrape and either merged into an existing
// HistoricalOption or become the seed of a new one.
type LiveOption struct {
	OptionIdentity
	PriceData *OptionPriceData
}

// Identity returns the contract identity.
func (o *LiveOption) Identity() OptionIdentity { return o.OptionIdentity }

// Snapshots returns the single live snapshot, or an empty slice.
func (o *LiveOption) Snapshots() []OptionPriceData {
	if o.PriceData == nil {
		return nil
	}
	return []OptionPriceData{*o.PriceData}
}

// MostRecentSnapshot returns the live snapshot, if any.
func (o *LiveOption) MostRecentSnapshot() *OptionPriceData {
	return o.PriceData
}

// SetSnapshots replaces the live snapshot. A live option can hold at most
// one snapshot; passing more than one panics, matching the identity
// invariant rather than silently dropping data.
func (o *LiveOption) SetSnapshots(data []OptionPriceData) {
	switch len(data) {
	case 0:
		o.PriceData = nil
	case 1:
		d := data[0]
		o.PriceData = &d
	default:
		panic("models: live option can only hold one price snapshot")
	}
}

// ToHistorical promotes the live snapshot into a one-element historical
// collection.
func (o *LiveOption) ToHistorical() *HistoricalOption {
	h := &HistoricalOption{OptionIdentity: o.OptionIdentity}
	h.SetSnapshots(o.Snapshots())
	return h
}

func (o *LiveOption) stamp(ticker string, expiration time.Time) {
	o.Ticker = ticker
	o.Expiration = expiration
}

// HistoricalOption is the persisted form of an option contract: a generated
// id plus an ordered snapshot collection, newest first, with at most one
// snapshot per distinct trade date.
type HistoricalOption struct {
	ID uint `gorm:"primaryKey;column:option_id" json:"-"`
	OptionIdentity
	PriceData []OptionPriceData `gorm:"foreignKey:OptionID;constraint:OnDelete:CASCADE" json:"priceData"`
}

// TableName keeps the historical option table stable across model renames.
func (HistoricalOption) TableName() string { return "historical_options" }

// Identity returns the contract identity.
func (o *HistoricalOption) Identity() OptionIdentity { return o.OptionIdentity }

// Snapshots returns the snapshot collection, newest first.
func (o *HistoricalOption) Snapshots() []OptionPriceData { return o.PriceData }

// MostRecentSnapshot returns the snapshot with the latest capture time.
func (o *HistoricalOption) MostRecentSnapshot() *OptionPriceData {
	if len(o.PriceData) == 0 {
		return nil
	}
	most := &o.PriceData[0]
	for i := range o.PriceData {
		if o.PriceData[i].DataObtainedDate.After(most.DataObtainedDate) {
			most = &o.PriceData[i]
		}
	}
	return most
}

// SetSnapshots replaces the snapshot collection, keeping newest-first order.
func (o *HistoricalOption) SetSnapshots(data []OptionPriceData) {
	sorted := make([]OptionPriceData, len(data))
	copy(sorted, data)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].TradeDate.After(sorted[j].TradeDate)
	})
	o.PriceData = sorted
}

// ToHistorical returns the option itself; a historical option is already in
// its persisted form.
func (o *HistoricalOption) ToHistorical() *HistoricalOption { return o }

func (o *HistoricalOption) stamp(ticker string, expiration time.Time) {
	o.Ticker = ticker
	o.Expiration = expiration
}

// Expired reports whether the contract's expiration has passed.
func Expired(o Option, now time.Time) bool {
	return Day(o.Identity().Expiration).Before(Day(now))
}

var (
	_ Option = (*LiveOption)(nil)
	_ Option = (*HistoricalOption)(nil)
)
