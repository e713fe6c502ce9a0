package models

import (
	"fmt"
	"time"
)

// Bar is one OHLCV record for a symbol at a point in time.
type Bar struct {
	Symbol string    `json:"symbol"`
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// Quote is a single top-of-book update used when the feed runs at tick
// granularity. The feed turns each quote into a flat bar from either the
// bid or the ask side.
type Quote struct {
	Symbol   string    `json:"symbol"`
	Time     time.Time `json:"time"`
	BidPrice float64   `json:"bid_price"`
	AskPrice float64   `json:"ask_price"`
}

// Granularity is the sampling window of a data feed.
type Granularity int

const (
	GranularityTick Granularity = iota
	GranularityMinute
	GranularityDay
)

func (g Granularity) String() string {
	switch g {
	case GranularityTick:
		return "tick"
	case GranularityMinute:
		return "minute"
	case GranularityDay:
		return "day"
	default:
		return fmt.Sprintf("granularity(%d)", int(g))
	}
}

// Timeframe returns the Alpaca bars API timeframe string for the granularity
// and compression pair. Only combinations the bars endpoint accepts natively
// are mapped; other compressions are resampled client side from the base
// window and use the base timeframe here.
func (g Granularity) Timeframe(compression int) (string, error) {
	switch g {
	case GranularityTick, GranularityMinute:
		switch compression {
		case 5:
			return "5Min", nil
		case 15:
			return "15Min", nil
		case 60:
			return "1H", nil
		default:
			return "1Min", nil
		}
	case GranularityDay:
		return "1D", nil
	default:
		return "", fmt.Errorf("unsupported granularity %s", g)
	}
}

// Window returns the duration of one sample at the base compression.
func (g Granularity) Window() time.Duration {
	if g == GranularityDay {
		return 24 * time.Hour
	}
	return time.Minute
}
