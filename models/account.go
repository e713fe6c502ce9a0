package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountSnapshot is the account state as reported by the trade API at one
// point in time. Values are never derived locally.
type AccountSnapshot struct {
	Cash      decimal.Decimal
	Equity    decimal.Decimal
	Currency  string
	FetchedAt time.Time
}

// Position is a per-symbol holding reported by the trade API.
type Position struct {
	Symbol       string
	Qty          decimal.Decimal
	AvgEntry     decimal.Decimal
	MarketValue  decimal.Decimal
	UnrealizedPL decimal.Decimal
	Side         OrderSide
}
