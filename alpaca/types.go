package alpaca

import (
	"time"

	"github.com/shopspring/decimal"

	"alpacabridge/models"
)

// Account is the wire form of GET /v2/account. Monetary amounts arrive as
// strings and are converted with shopspring/decimal to avoid float drift.
type Account struct {
	ID             string `json:"id"`
	AccountNumber  string `json:"account_number"`
	Status         string `json:"status"`
	Currency       string `json:"currency"`
	Cash           string `json:"cash"`
	PortfolioValue string `json:"portfolio_value"`
	Equity         string `json:"equity"`
	BuyingPower    string `json:"buying_power"`
}

// Snapshot converts the wire account into the model the broker hands to the
// host.
func (a Account) Snapshot() (models.AccountSnapshot, error) {
	cash, err := decimal.NewFromString(a.Cash)
	if err != nil {
		return models.AccountSnapshot{}, err
	}
	equity := a.Equity
	if equity == "" {
		equity = a.PortfolioValue
	}
	eq, err := decimal.NewFromString(equity)
	if err != nil {
		return models.AccountSnapshot{}, err
	}
	return models.AccountSnapshot{
		Cash:      cash,
		Equity:    eq,
		Currency:  a.Currency,
		FetchedAt: time.Now().UTC(),
	}, nil
}

// Asset is the wire form of GET /v2/assets/{symbol}.
type Asset struct {
	ID       string `json:"id"`
	Class    string `json:"class"`
	Exchange string `json:"exchange"`
	Symbol   string `json:"symbol"`
	Status   string `json:"status"`
	Tradable bool   `json:"tradable"`
}

// wireBar is one element of the bars endpoint payload.
type wireBar struct {
	Time   time.Time `json:"t"`
	Open   float64   `json:"o"`
	High   float64   `json:"h"`
	Low    float64   `json:"l"`
	Close  float64   `json:"c"`
	Volume float64   `json:"v"`
}

type barsResponse struct {
	Bars          []wireBar `json:"bars"`
	Symbol        string    `json:"symbol"`
	NextPageToken *string   `json:"next_page_token"`
}

// BarsRequest bounds one paginated historical bars call.
type BarsRequest struct {
	Symbol    string
	Timeframe string
	Start     time.Time
	End       time.Time
	Limit     int
	PageToken string
	Feed      string
}

// BarsPage is one page of historical bars in ascending timestamp order, as
// returned by the API.
type BarsPage struct {
	Bars          []models.Bar
	NextPageToken string
}

// OrderRequest is the body of POST /v2/orders.
type OrderRequest struct {
	Symbol        string `json:"symbol"`
	Qty           string `json:"qty"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	TimeInForce   string `json:"time_in_force"`
	LimitPrice    string `json:"limit_price,omitempty"`
	StopPrice     string `json:"stop_price,omitempty"`
	TrailPrice    string `json:"trail_price,omitempty"`
	TrailPercent  string `json:"trail_percent,omitempty"`
	ClientOrderID string `json:"client_order_id,omitempty"`
}

// Order is the wire form of an order as the trade API reports it.
type Order struct {
	ID             string    `json:"id"`
	ClientOrderID  string    `json:"client_order_id"`
	Symbol         string    `json:"symbol"`
	Status         string    `json:"status"`
	Side           string    `json:"side"`
	Type           string    `json:"type"`
	TimeInForce    string    `json:"time_in_force"`
	Qty            string    `json:"qty"`
	FilledQty      string    `json:"filled_qty"`
	FilledAvgPrice *string   `json:"filled_avg_price"`
	LimitPrice     *string   `json:"limit_price"`
	StopPrice      *string   `json:"stop_price"`
	CreatedAt      time.Time `json:"created_at"`
}

// wirePosition is one element of GET /v2/positions.
type wirePosition struct {
	Symbol       string `json:"symbol"`
	Qty          string `json:"qty"`
	AvgEntry     string `json:"avg_entry_price"`
	MarketValue  string `json:"market_value"`
	UnrealizedPL string `json:"unrealized_pl"`
	Side         string `json:"side"`
}

func (p wirePosition) toModel() (models.Position, error) {
	qty, err := decimal.NewFromString(p.Qty)
	if err != nil {
		return models.Position{}, err
	}
	avg, err := decimal.NewFromString(p.AvgEntry)
	if err != nil {
		return models.Position{}, err
	}
	pos := models.Position{
		Symbol:   p.Symbol,
		Qty:      qty,
		AvgEntry: avg,
		Side:     models.Buy,
	}
	if p.Side == "short" {
		pos.Side = models.Sell
	}
	if mv, err := decimal.NewFromString(p.MarketValue); err == nil {
		pos.MarketValue = mv
	}
	if pl, err := decimal.NewFromString(p.UnrealizedPL); err == nil {
		pos.UnrealizedPL = pl
	}
	return pos, nil
}

// TradeUpdate is one order lifecycle event from the trade update stream (or
// synthesized by the polling fallback). Event names follow the API:
// new, fill, partial_fill, canceled, expired, rejected, replaced...
type TradeUpdate struct {
	Event string `json:"event"`
	Order Order  `json:"order"`
}
