// Package marketcal answers trading-day questions: whether the market is open
// on a date, what the last completed trading day is, and where the current
// trade week starts. Holidays come from an embedded calendar file.
package marketcal

import (
	"bytes"
	_ "embed"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"time"
)

//go:embed market-holidays.csv
var holidaysCSV []byte

// marketOpen is the NYSE opening bell in exchange-local time.
var marketOpen = 9*time.Hour + 30*time.Minute

// Holiday is a calendar day the market is closed for trading.
type Holiday struct {
	Name string
	Date time.Time
}

// Calendar resolves trading days against a holiday list and an exchange
// timezone. The zero value is not usable; construct with NewCalendar.
type Calendar struct {
	location *time.Location
	holidays map[string]Holiday
	now      func() time.Time
}

// NewCalendar builds a calendar from the embedded holiday file, resolving
// times in America/New_York.
func NewCalendar() (*Calendar, error) {
	return newCalendar(holidaysCSV, time.Now)
}

func newCalendar(raw []byte, now func() time.Time) (*Calendar, error) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return nil, fmt.Errorf("loading exchange timezone: %w", err)
	}

	holidays, err := parseHolidays(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing holiday calendar: %w", err)
	}

	return &Calendar{location: loc, holidays: holidays, now: now}, nil
}

func parseHolidays(raw []byte) (map[string]Holiday, error) {
	reader := csv.NewReader(bytes.NewReader(raw))
	holidays := make(map[string]Holiday)
	header := true
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if header {
			header = false
			continue
		}
		if len(record) < 2 {
			continue
		}
		date, err := time.Parse("2006-01-02", strings.TrimSpace(record[1]))
		if err != nil {
			return nil, fmt.Errorf("holiday %q has bad date %q: %w", record[0], record[1], err)
		}
		holidays[record[1]] = Holiday{Name: strings.TrimSpace(record[0]), Date: date}
	}
	return holidays, nil
}

// NowExchange returns the current wall-clock time in the exchange timezone.
func (c *Calendar) NowExchange() time.Time {
	return c.now().In(c.location)
}

// IsHoliday reports whether the given date is a recognized market holiday.
func (c *Calendar) IsHoliday(date time.Time) bool {
	_, ok := c.holidays[date.In(c.location).Format("2006-01-02")]
	return ok
}

// HolidayOn returns the holiday falling on the given date, if any.
func (c *Calendar) HolidayOn(date time.Time) (Holiday, bool) {
	h, ok := c.holidays[date.In(c.location).Format("2006-01-02")]
	return h, ok
}

// IsTodayHoliday reports whether today (exchange time) is a market holiday.
func (c *Calendar) IsTodayHoliday() bool {
	return c.IsHoliday(c.NowExchange())
}

// IsTradingDay reports whether the market is open on the given date.
func (c *Calendar) IsTradingDay(date time.Time) bool {
	local := date.In(c.location)
	return isWeekday(local.Weekday()) && !c.IsHoliday(local)
}

// LastTradeDate returns the most recent trading day whose session has opened:
// today when the market is open and past the opening bell, otherwise stepping
// backward over weekends and holidays. The result is a UTC day boundary and
// stamps every freshly scraped snapshot's nominal trading day.
func (c *Calendar) LastTradeDate() time.Time {
	now := c.NowExchange()
	if isWeekday(now.Weekday()) && sinceMidnight(now) < marketOpen {
		now = now.AddDate(0, 0, -1)
	}
	if c.IsHoliday(now) {
		now = now.AddDate(0, 0, -1)
	}
	for !isWeekday(now.Weekday()) {
		now = now.AddDate(0, 0, -1)
	}
	return dayUTC(now)
}

// StartOfTradeWeek returns the Monday of the week containing the last trade
// date, as a UTC day boundary.
func (c *Calendar) StartOfTradeWeek() time.Time {
	day := c.LastTradeDate()
	for day.Weekday() != time.Monday {
		day = day.AddDate(0, 0, -1)
	}
	return day
}

func isWeekday(d time.Weekday) bool {
	return d != time.Saturday && d != time.Sunday
}

func sinceMidnight(t time.Time) time.Duration {
	return time.Duration(t.Hour())*time.Hour +
		time.Duration(t.Minute())*time.Minute +
		time.Duration(t.Second())*time.Second
}

func dayUTC(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
