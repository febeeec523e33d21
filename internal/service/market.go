package service

import (
	"sync"
	"time"
)

// All exchange schedule math happens in US Eastern time. cmd/momo embeds
// time/tzdata so the load succeeds on bare containers; the fixed-offset
// fallback ignores DST and only exists for stripped test binaries.
var exchangeZone = sync.OnceValue(func() *time.Location {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return time.FixedZone("ET", -5*60*60)
	}
	return loc
})

// ExchangeLocation is the US Eastern zone used for all schedule math.
func ExchangeLocation() *time.Location {
	return exchangeZone()
}

// ExchangeTime converts t to US Eastern time.
func ExchangeTime(t time.Time) time.Time {
	return t.In(exchangeZone())
}

// TradingDate is the exchange-local calendar date of t, the key under
// which a day's watchlist is filed.
func TradingDate(t time.Time) string {
	return ExchangeTime(t).Format("2006-01-02")
}

// SessionOpen is 09:30 ET on t's exchange-local date.
func SessionOpen(t time.Time) time.Time {
	et := ExchangeTime(t)
	return time.Date(et.Year(), et.Month(), et.Day(), 9, 30, 0, 0, exchangeZone())
}

// PreMarketStart is 04:00 ET on t's exchange-local date, the start of the
// extended-hours tape used for pre-market volume and highs.
func PreMarketStart(t time.Time) time.Time {
	et := ExchangeTime(t)
	return time.Date(et.Year(), et.Month(), et.Day(), 4, 0, 0, 0, exchangeZone())
}
