package alpaca

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	appconfig "alpacabridge/config"
	"alpacabridge/models"
)

var upgrader = websocket.Upgrader{}

// fakeDataServer implements enough of the market data stream protocol to
// drive the client: auth handshake, subscription acks and scripted bars.
type fakeDataServer struct {
	srv *httptest.Server

	mu    sync.Mutex
	conns []*websocket.Conn
	dials int
}

func newFakeDataServer(t *testing.T) *fakeDataServer {
	f := &fakeDataServer{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conns = append(f.conns, conn)
		f.dials++
		f.mu.Unlock()

		conn.WriteJSON([]streamMessage{{Type: "success", Msg: "connected"}})
		for {
			var req map[string]interface{}
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			switch req["action"] {
			case "auth":
				if req["key"] == "PKTEST" {
					conn.WriteJSON([]streamMessage{{Type: "success", Msg: "authenticated"}})
				} else {
					conn.WriteJSON([]streamMessage{{Type: "error", Code: 402, Msg: "auth failed"}})
				}
			case "subscribe":
				conn.WriteJSON([]streamMessage{{Type: "subscription"}})
			}
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeDataServer) wsURL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeDataServer) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

// sendBars pushes one frame of bars to the most recent connection.
func (f *fakeDataServer) sendBars(bars ...streamMessage) {
	f.mu.Lock()
	conn := f.conns[len(f.conns)-1]
	f.mu.Unlock()
	conn.WriteJSON(bars)
}

// dropConn closes the most recent connection without a close frame.
func (f *fakeDataServer) dropConn() {
	f.mu.Lock()
	conn := f.conns[len(f.conns)-1]
	f.mu.Unlock()
	conn.Close()
}

func streamConfig(url string) *appconfig.Config {
	cfg := appconfig.Default()
	cfg.Alpaca.KeyID = "PKTEST"
	cfg.Alpaca.SecretKey = "testsecret"
	cfg.Alpaca.ProxyWS = url
	cfg.Feed.Reconnections = 3
	cfg.Feed.ReconnTimeout = 50 * time.Millisecond
	return cfg
}

func waitBar(t *testing.T, ch <-chan models.Bar) models.Bar {
	t.Helper()
	select {
	case bar := <-ch:
		return bar
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for bar")
		return models.Bar{}
	}
}

func TestMarketStreamDispatchesBySymbol(t *testing.T) {
	server := newFakeDataServer(t)

	stream := NewMarketStream(streamConfig(server.wsURL()))
	aapl := make(chan models.Bar, 8)
	msft := make(chan models.Bar, 8)
	if err := stream.SubscribeBars("AAPL", func(b models.Bar) { aapl <- b }); err != nil {
		t.Fatalf("SubscribeBars: %v", err)
	}
	if err := stream.SubscribeBars("MSFT", func(b models.Bar) { msft <- b }); err != nil {
		t.Fatalf("SubscribeBars: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := stream.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer stream.Stop()

	when := time.Date(2026, 8, 25, 14, 30, 0, 0, time.UTC)
	server.sendBars(
		streamMessage{Type: "b", Symbol: "AAPL", Open: 230, High: 231, Low: 229.5, Close: 230.8, Volume: 1200, Time: when},
		streamMessage{Type: "b", Symbol: "MSFT", Open: 510, High: 511, Low: 509, Close: 510.5, Volume: 900, Time: when},
	)

	got := waitBar(t, aapl)
	if got.Symbol != "AAPL" || got.Close != 230.8 {
		t.Errorf("unexpected AAPL bar: %+v", got)
	}
	got = waitBar(t, msft)
	if got.Symbol != "MSFT" || got.Volume != 900 {
		t.Errorf("unexpected MSFT bar: %+v", got)
	}

	select {
	case b := <-aapl:
		t.Errorf("cross-talk: extra bar on AAPL sink: %+v", b)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMarketStreamReconnectsAndResubscribes(t *testing.T) {
	server := newFakeDataServer(t)

	stream := NewMarketStream(streamConfig(server.wsURL()))
	bars := make(chan models.Bar, 8)
	stream.SubscribeBars("AAPL", func(b models.Bar) { bars <- b })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := stream.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer stream.Stop()

	when := time.Date(2026, 8, 25, 14, 30, 0, 0, time.UTC)
	server.sendBars(streamMessage{Type: "b", Symbol: "AAPL", Close: 1, Time: when})
	waitBar(t, bars)

	server.dropConn()

	// The client should redial within the retry budget and keep delivering.
	deadline := time.Now().Add(5 * time.Second)
	for server.dialCount() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("client never reconnected")
		}
		time.Sleep(10 * time.Millisecond)
	}

	server.sendBars(streamMessage{Type: "b", Symbol: "AAPL", Close: 2, Time: when.Add(time.Minute)})
	got := waitBar(t, bars)
	if got.Close != 2 {
		t.Errorf("expected post-reconnect bar, got %+v", got)
	}
}

func TestMarketStreamStopDuringReconnect(t *testing.T) {
	server := newFakeDataServer(t)

	cfg := streamConfig(server.wsURL())
	cfg.Feed.Reconnections = -1 // retry forever
	cfg.Feed.ReconnTimeout = 20 * time.Millisecond
	stream := NewMarketStream(cfg)
	stream.SubscribeBars("AAPL", func(models.Bar) {})

	if err := stream.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Take the server away entirely so every redial fails and the
	// reconnect loop spins.
	server.srv.Close()
	deadline := time.Now().Add(5 * time.Second)
	for server.dialCount() < 1 {
		if time.Now().After(deadline) {
			t.Fatal("stream never dialed")
		}
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		stream.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop blocked while the reconnect loop was spinning")
	}
}

func TestMarketStreamAuthRejected(t *testing.T) {
	server := newFakeDataServer(t)

	cfg := streamConfig(server.wsURL())
	cfg.Alpaca.KeyID = "WRONG"
	stream := NewMarketStream(cfg)

	err := stream.Start(context.Background())
	if err == nil {
		stream.Stop()
		t.Fatal("expected auth failure")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 401 {
		t.Errorf("expected 401 APIError, got %v", err)
	}
}

func TestParseStreamFrames(t *testing.T) {
	frames := parseStreamFrames([]byte(`[{"T":"success","msg":"connected"},{"T":"b","S":"AAPL","c":1.5}]`))
	if len(frames) != 2 || frames[1].Symbol != "AAPL" {
		t.Errorf("array frame misparsed: %+v", frames)
	}
	frames = parseStreamFrames([]byte(`{"T":"error","code":406,"msg":"connection limit exceeded"}`))
	if len(frames) != 1 || frames[0].Code != 406 {
		t.Errorf("object frame misparsed: %+v", frames)
	}
	if frames := parseStreamFrames([]byte(`garbage`)); frames != nil {
		t.Errorf("garbage must parse to nil, got %+v", frames)
	}
}

// fakeTradeServer speaks the order event stream protocol: authenticate,
// listen, then scripted trade_updates frames.
type fakeTradeServer struct {
	srv *httptest.Server

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newFakeTradeServer(t *testing.T) *fakeTradeServer {
	f := &fakeTradeServer{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conns = append(f.conns, conn)
		f.mu.Unlock()

		for {
			var req map[string]json.RawMessage
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			var action string
			json.Unmarshal(req["action"], &action)
			switch action {
			case "authenticate":
				conn.WriteMessage(websocket.TextMessage,
					[]byte(`{"stream":"authorization","data":{"status":"authorized","action":"authenticate"}}`))
			case "listen":
				conn.WriteMessage(websocket.TextMessage,
					[]byte(`{"stream":"listening","data":{"streams":["trade_updates"]}}`))
			}
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeTradeServer) wsURL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeTradeServer) sendUpdate(event, orderID, status, filledQty string) {
	f.mu.Lock()
	conn := f.conns[len(f.conns)-1]
	f.mu.Unlock()
	payload := fmt.Sprintf(
		`{"stream":"trade_updates","data":{"event":%q,"order":{"id":%q,"symbol":"AAPL","status":%q,"qty":"10","filled_qty":%q}}}`,
		event, orderID, status, filledQty)
	conn.WriteMessage(websocket.TextMessage, []byte(payload))
}

func TestTradeStreamDeliversUpdates(t *testing.T) {
	server := newFakeTradeServer(t)

	cfg := streamConfig(server.wsURL())
	cfg.Alpaca.TradeStreamURL = server.wsURL()
	stream := NewTradeStream(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := stream.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer stream.Stop()

	server.sendUpdate("new", "oid-1", "new", "0")
	server.sendUpdate("fill", "oid-1", "filled", "10")

	select {
	case update := <-stream.Updates():
		if update.Event != "new" || update.Order.ID != "oid-1" {
			t.Errorf("unexpected first update: %+v", update)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for first update")
	}

	select {
	case update := <-stream.Updates():
		if update.Event != "fill" || update.Order.FilledQty != "10" {
			t.Errorf("unexpected second update: %+v", update)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for fill update")
	}
}
