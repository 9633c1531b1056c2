package models

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// OptionsChain is the full set of option contracts for one ticker and one
// expiration date, keyed by (strike, type).
//
// Every contained option's ticker and expiration equal the chain's: an option
// with an unset identity is stamped with the chain's values on insert and a
// mismatched one is rejected. Inserting a key that already exists merges the
// incoming snapshots into the existing entry instead of replacing it.
type OptionsChain struct {
	Ticker         string
	ExpirationDate time.Time

	options map[ChainKey]Option
}

// NewOptionsChain creates an empty chain for a ticker and expiration date.
func NewOptionsChain(ticker string, expiration time.Time) *OptionsChain {
	return &OptionsChain{
		Ticker:         strings.ToUpper(ticker),
		ExpirationDate: Day(expiration),
		options:        make(map[ChainKey]Option),
	}
}

// AddOption inserts an option into the chain. When the key already exists the
// existing entry is promoted to historical (if live) and the incoming
// snapshots are unioned in.
func (c *OptionsChain) AddOption(option Option) error {
	id := option.Identity()
	if id.Ticker == "" && id.Expiration.IsZero() {
		option.stamp(c.Ticker, c.ExpirationDate)
		id = option.Identity()
	}
	if !SameDay(id.Expiration, c.ExpirationDate) || !strings.EqualFold(id.Ticker, c.Ticker) {
		return fmt.Errorf("option %s does not belong to chain %s exp %s",
			id, c.Ticker, c.ExpirationDate.Format("2006-01-02"))
	}

	key := id.Key()
	existing, ok := c.options[key]
	if !ok {
		c.options[key] = option
		return nil
	}

	// Key collision: keep one entry whose snapshots are the union of both.
	merged := existing.ToHistorical()
	merged.SetSnapshots(append(merged.Snapshots(), option.Snapshots()...))
	c.options[key] = merged
	return nil
}

// AddOptions inserts a collection of options into the chain.
func (c *OptionsChain) AddOptions(options []Option) error {
	for _, o := range options {
		if err := c.AddOption(o); err != nil {
			return err
		}
	}
	return nil
}

// Option returns the entry at a strike and type, or nil when absent.
func (c *OptionsChain) Option(strike float64, optionType OptionType) Option {
	return c.options[ChainKey{Strike: strike, OptionType: optionType}]
}

// AllOptions returns the chain entries ordered by strike, calls before puts
// at equal strikes.
func (c *OptionsChain) AllOptions() []Option {
	all := make([]Option, 0, len(c.options))
	for _, o := range c.options {
		all = append(all, o)
	}
	sort.Slice(all, func(i, j int) bool {
		a, b := all[i].Identity(), all[j].Identity()
		if a.Strike != b.Strike {
			return a.Strike < b.Strike
		}
		return a.OptionType < b.OptionType
	})
	return all
}

// Len returns the number of entries in the chain.
func (c *OptionsChain) Len() int { return len(c.options) }
