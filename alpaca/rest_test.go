package alpaca

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	appconfig "alpacabridge/config"
)

func testConfig(tradeURL, dataURL string) *appconfig.Config {
	cfg := appconfig.Default()
	cfg.Alpaca.KeyID = "PKTEST"
	cfg.Alpaca.SecretKey = "testsecret"
	cfg.Alpaca.Paper = true
	cfg.Alpaca.TradeURL = tradeURL
	cfg.Alpaca.DataURL = dataURL
	return cfg
}

func TestGetAccountSetsAuthHeaders(t *testing.T) {
	var gotKey, gotSecret string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("APCA-API-KEY-ID")
		gotSecret = r.Header.Get("APCA-API-SECRET-KEY")
		json.NewEncoder(w).Encode(Account{
			Currency:       "USD",
			Cash:           "100000.25",
			PortfolioValue: "100000.25",
			Equity:         "100000.25",
		})
	}))
	defer srv.Close()

	client := NewClient(testConfig(srv.URL, srv.URL))
	acct, err := client.GetAccount(context.Background())
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if gotKey != "PKTEST" || gotSecret != "testsecret" {
		t.Errorf("auth headers not set: %q %q", gotKey, gotSecret)
	}

	snap, err := acct.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Cash.String() != "100000.25" {
		t.Errorf("unexpected cash: %s", snap.Cash)
	}
}

func TestGetAssetResolvesSymbol(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/assets/AAPL" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(Asset{
			ID:       "904837e3-3b76-47ec-b432-046db621571b",
			Class:    "us_equity",
			Exchange: "NASDAQ",
			Symbol:   "AAPL",
			Status:   "active",
			Tradable: true,
		})
	}))
	defer srv.Close()

	client := NewClient(testConfig(srv.URL, srv.URL))
	asset, err := client.GetAsset(context.Background(), "AAPL")
	if err != nil {
		t.Fatalf("GetAsset: %v", err)
	}
	if asset.Exchange != "NASDAQ" || !asset.Tradable {
		t.Errorf("unexpected asset: %+v", asset)
	}
}

func TestGetBarsSinglePage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/stocks/AAPL/bars" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("timeframe") != "1D" {
			t.Errorf("unexpected timeframe: %s", q.Get("timeframe"))
		}
		if q.Get("feed") != "iex" {
			t.Errorf("unexpected feed: %s", q.Get("feed"))
		}
		w.Write([]byte(`{
			"bars": [
				{"t":"2015-01-02T05:00:00Z","o":111.39,"h":111.44,"l":107.35,"c":109.33,"v":53204626},
				{"t":"2015-01-05T05:00:00Z","o":108.29,"h":108.65,"l":105.41,"c":106.25,"v":64285491}
			],
			"symbol": "AAPL",
			"next_page_token": null
		}`))
	}))
	defer srv.Close()

	client := NewClient(testConfig(srv.URL, srv.URL))
	page, err := client.GetBars(context.Background(), BarsRequest{
		Symbol:    "AAPL",
		Timeframe: "1D",
		Start:     time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC),
		End:       time.Date(2015, 1, 10, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("GetBars: %v", err)
	}
	if len(page.Bars) != 2 {
		t.Fatalf("expected 2 bars, got %d", len(page.Bars))
	}
	if page.NextPageToken != "" {
		t.Errorf("expected empty page token, got %q", page.NextPageToken)
	}
	if page.Bars[0].Symbol != "AAPL" || page.Bars[0].Open != 111.39 {
		t.Errorf("unexpected first bar: %+v", page.Bars[0])
	}
	if !page.Bars[0].Time.Before(page.Bars[1].Time) {
		t.Error("bars must be ascending")
	}
}

func TestGetBarsPageToken(t *testing.T) {
	var tokens []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokens = append(tokens, r.URL.Query().Get("page_token"))
		if len(tokens) == 1 {
			w.Write([]byte(`{"bars":[{"t":"2015-01-02T05:00:00Z","o":1,"h":2,"l":1,"c":2,"v":10}],"symbol":"AAPL","next_page_token":"tok2"}`))
			return
		}
		w.Write([]byte(`{"bars":[{"t":"2015-01-05T05:00:00Z","o":2,"h":3,"l":2,"c":3,"v":20}],"symbol":"AAPL","next_page_token":null}`))
	}))
	defer srv.Close()

	client := NewClient(testConfig(srv.URL, srv.URL))

	first, err := client.GetBars(context.Background(), BarsRequest{Symbol: "AAPL", Timeframe: "1D"})
	if err != nil {
		t.Fatalf("first page: %v", err)
	}
	if first.NextPageToken != "tok2" {
		t.Fatalf("expected continuation token, got %q", first.NextPageToken)
	}

	second, err := client.GetBars(context.Background(), BarsRequest{Symbol: "AAPL", Timeframe: "1D", PageToken: first.NextPageToken})
	if err != nil {
		t.Fatalf("second page: %v", err)
	}
	if second.NextPageToken != "" {
		t.Errorf("expected final page, got token %q", second.NextPageToken)
	}
	if tokens[1] != "tok2" {
		t.Errorf("page token not forwarded: %v", tokens)
	}
}

func TestCreateOrderRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"code":40010001,"message":"invalid symbol"}`))
	}))
	defer srv.Close()

	client := NewClient(testConfig(srv.URL, srv.URL))
	_, err := client.CreateOrder(context.Background(), OrderRequest{
		Symbol: "NOSUCH", Qty: "10", Side: "buy", Type: "market", TimeInForce: "day",
	})
	if err == nil {
		t.Fatal("expected rejection")
	}
	if !IsRejection(err) {
		t.Errorf("422 must classify as rejection: %v", err)
	}
	if IsRetryable(err) {
		t.Errorf("rejection must not classify as retryable")
	}
}

func TestServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{"code":50010000,"message":"upstream down"}`))
	}))
	defer srv.Close()

	client := NewClient(testConfig(srv.URL, srv.URL))
	_, err := client.GetAccount(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsRetryable(err) {
		t.Errorf("5xx must classify as retryable: %v", err)
	}
	if IsRejection(err) {
		t.Errorf("5xx must not classify as rejection")
	}
}

func TestCancelOrder(t *testing.T) {
	var gotMethod, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := NewClient(testConfig(srv.URL, srv.URL))
	if err := client.CancelOrder(context.Background(), "oid-1"); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if gotMethod != http.MethodDelete || gotPath != "/v2/orders/oid-1" {
		t.Errorf("unexpected request: %s %s", gotMethod, gotPath)
	}
}

func TestListPositions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"symbol":"AAPL","qty":"10","avg_entry_price":"105.50","market_value":"1060.00","unrealized_pl":"4.50","side":"long"}]`))
	}))
	defer srv.Close()

	client := NewClient(testConfig(srv.URL, srv.URL))
	positions, err := client.ListPositions(context.Background())
	if err != nil {
		t.Fatalf("ListPositions: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("expected 1 position, got %d", len(positions))
	}
	if positions[0].Qty.String() != "10" || positions[0].Side != "buy" {
		t.Errorf("unexpected position: %+v", positions[0])
	}
}
