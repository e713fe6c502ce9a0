package alpaca

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	appconfig "alpacabridge/config"
	"alpacabridge/logger"
	"alpacabridge/models"
)

const handshakeTimeout = 10 * time.Second

// streamMessage is one element of a market data stream frame. The v2
// protocol multiplexes control messages, bars and quotes over the same
// connection and tags each with T.
type streamMessage struct {
	Type   string    `json:"T"`
	Msg    string    `json:"msg,omitempty"`
	Code   int       `json:"code,omitempty"`
	Symbol string    `json:"S,omitempty"`
	Open   float64   `json:"o,omitempty"`
	High   float64   `json:"h,omitempty"`
	Low    float64   `json:"l,omitempty"`
	Close  float64   `json:"c,omitempty"`
	Volume float64   `json:"v,omitempty"`
	Bid    float64   `json:"bp,omitempty"`
	Ask    float64   `json:"ap,omitempty"`
	Time   time.Time `json:"t,omitempty"`
}

type subscribeRequest struct {
	Action string   `json:"action"`
	Bars   []string `json:"bars,omitempty"`
	Quotes []string `json:"quotes,omitempty"`
}

type authRequest struct {
	Action string `json:"action"`
	Key    string `json:"key"`
	Secret string `json:"secret"`
}

// MarketStream is the single streaming connection for market data. The API
// allows one concurrent stream per account, so every live feed created from
// one Store demultiplexes over this connection; a configured proxy address
// only changes where it dials.
type MarketStream struct {
	url           string
	keyID         string
	secretKey     string
	reconnections int
	reconnTimeout time.Duration

	dialer *websocket.Dialer
	log    *logger.Log

	mu          sync.Mutex
	conn        *websocket.Conn
	barSinks    map[string]func(models.Bar)
	quoteSinks  map[string]func(models.Quote)
	errSinks    []func(error)
	brokenSinks []func()
	resumeSinks []func()
	running     bool

	writeMu sync.Mutex
	ctx     context.Context
	wg      sync.WaitGroup
}

// NewMarketStream creates a stream client bound to the resolved stream
// address (direct or proxy).
func NewMarketStream(cfg *appconfig.Config) *MarketStream {
	return &MarketStream{
		url:           cfg.StreamURL(),
		keyID:         cfg.Alpaca.KeyID,
		secretKey:     cfg.Alpaca.SecretKey,
		reconnections: cfg.Feed.Reconnections,
		reconnTimeout: cfg.Feed.ReconnTimeout,
		dialer:        websocket.DefaultDialer,
		log:           logger.GetLogger(),
		barSinks:      make(map[string]func(models.Bar)),
		quoteSinks:    make(map[string]func(models.Quote)),
	}
}

// Start dials and authenticates, then runs the read loop in the background.
func (s *MarketStream) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("market stream already running")
	}
	s.running = true
	s.ctx = ctx
	s.mu.Unlock()

	conn, err := s.connect()
	if err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("failed to open market stream: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	if err := s.resubscribe(conn); err != nil {
		conn.Close()
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	}

	s.wg.Add(1)
	go s.readLoop(conn)

	s.log.WithComponent("market_stream").WithFields(logger.Fields{"url": s.url}).Info("market stream connected")
	return nil
}

// Stop closes the connection and waits for the read loop to finish.
func (s *MarketStream) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	s.wg.Wait()
	s.log.WithComponent("market_stream").Info("market stream stopped")
}

// SubscribeBars registers a per-symbol sink for minute bars and subscribes
// on the wire when connected. Sinks must not block; feeds hand bars to a
// bounded queue.
func (s *MarketStream) SubscribeBars(symbol string, sink func(models.Bar)) error {
	s.mu.Lock()
	s.barSinks[symbol] = sink
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	return s.writeJSON(conn, subscribeRequest{Action: "subscribe", Bars: []string{symbol}})
}

// SubscribeQuotes registers a per-symbol sink for top-of-book quotes.
func (s *MarketStream) SubscribeQuotes(symbol string, sink func(models.Quote)) error {
	s.mu.Lock()
	s.quoteSinks[symbol] = sink
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	return s.writeJSON(conn, subscribeRequest{Action: "subscribe", Quotes: []string{symbol}})
}

// OnDisconnect registers a callback fired once when the stream gives up
// reconnecting. Feeds surface it to the host as a terminal feed error.
func (s *MarketStream) OnDisconnect(f func(error)) {
	s.mu.Lock()
	s.errSinks = append(s.errSinks, f)
	s.mu.Unlock()
}

// OnConnBroken registers a callback fired when the connection drops and a
// reconnect cycle begins.
func (s *MarketStream) OnConnBroken(f func()) {
	s.mu.Lock()
	s.brokenSinks = append(s.brokenSinks, f)
	s.mu.Unlock()
}

// OnResume registers a callback fired after a successful reconnect, once
// subscriptions are re-established. Feeds use it to backfill the gap.
func (s *MarketStream) OnResume(f func()) {
	s.mu.Lock()
	s.resumeSinks = append(s.resumeSinks, f)
	s.mu.Unlock()
}

func (s *MarketStream) fanOutBroken() {
	s.mu.Lock()
	sinks := make([]func(), len(s.brokenSinks))
	copy(sinks, s.brokenSinks)
	s.mu.Unlock()
	for _, sink := range sinks {
		sink()
	}
}

func (s *MarketStream) fanOutResume() {
	s.mu.Lock()
	sinks := make([]func(), len(s.resumeSinks))
	copy(sinks, s.resumeSinks)
	s.mu.Unlock()
	for _, sink := range sinks {
		sink()
	}
}

func (s *MarketStream) connect() (*websocket.Conn, error) {
	conn, _, err := s.dialer.Dial(s.url, nil)
	if err != nil {
		return nil, err
	}

	if err := s.writeJSON(conn, authRequest{Action: "auth", Key: s.keyID, Secret: s.secretKey}); err != nil {
		conn.Close()
		return nil, err
	}

	// Read control frames until the server confirms authentication.
	deadline := time.Now().Add(handshakeTimeout)
	conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("handshake read failed: %w", err)
		}
		for _, msg := range parseStreamFrames(data) {
			switch msg.Type {
			case "success":
				if msg.Msg == "authenticated" {
					return conn, nil
				}
			case "error":
				conn.Close()
				return nil, &APIError{StatusCode: 401, Code: msg.Code, Message: msg.Msg}
			}
		}
	}
}

func (s *MarketStream) resubscribe(conn *websocket.Conn) error {
	s.mu.Lock()
	req := subscribeRequest{Action: "subscribe"}
	for sym := range s.barSinks {
		req.Bars = append(req.Bars, sym)
	}
	for sym := range s.quoteSinks {
		req.Quotes = append(req.Quotes, sym)
	}
	s.mu.Unlock()

	if len(req.Bars) == 0 && len(req.Quotes) == 0 {
		return nil
	}
	return s.writeJSON(conn, req)
}

func (s *MarketStream) readLoop(conn *websocket.Conn) {
	defer s.wg.Done()

	log := s.log.WithComponent("market_stream").WithFields(logger.Fields{"worker": "read_loop"})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() != nil || !s.isRunning() {
				return
			}
			log.WithError(err).Warn("market stream read failed")
			s.fanOutBroken()
			next, rerr := s.reconnect()
			if rerr != nil {
				if !s.isRunning() {
					return
				}
				log.WithError(rerr).Error("market stream reconnect exhausted")
				s.fanOutError(rerr)
				return
			}
			conn = next
			s.fanOutResume()
			continue
		}
		s.dispatch(parseStreamFrames(data))
	}
}

// reconnect re-dials and resubscribes. At least one attempt is always made;
// a negative attempt budget retries until the context ends or Stop runs.
func (s *MarketStream) reconnect() (*websocket.Conn, error) {
	attempts := s.reconnections
	for {
		if s.ctx.Err() != nil {
			return nil, s.ctx.Err()
		}
		if !s.isRunning() {
			return nil, fmt.Errorf("market stream stopped")
		}
		if attempts == 0 {
			return nil, fmt.Errorf("market stream disconnected: reconnect attempts exhausted")
		}
		if attempts > 0 {
			attempts--
		}

		select {
		case <-s.ctx.Done():
			return nil, s.ctx.Err()
		case <-time.After(s.reconnTimeout):
		}

		conn, err := s.connect()
		if err != nil {
			s.log.WithComponent("market_stream").WithError(err).Warn("reconnect attempt failed")
			continue
		}
		if err := s.resubscribe(conn); err != nil {
			conn.Close()
			s.log.WithComponent("market_stream").WithError(err).Warn("resubscribe failed")
			continue
		}

		s.mu.Lock()
		if !s.running {
			s.mu.Unlock()
			conn.Close()
			return nil, fmt.Errorf("market stream stopped")
		}
		s.conn = conn
		s.mu.Unlock()

		logger.IncrementStreamReconnect()
		s.log.WithComponent("market_stream").Info("market stream reconnected")
		return conn, nil
	}
}

func (s *MarketStream) dispatch(msgs []streamMessage) {
	for _, msg := range msgs {
		switch msg.Type {
		case "b":
			s.mu.Lock()
			sink := s.barSinks[msg.Symbol]
			s.mu.Unlock()
			if sink != nil {
				sink(models.Bar{
					Symbol: msg.Symbol,
					Time:   msg.Time,
					Open:   msg.Open,
					High:   msg.High,
					Low:    msg.Low,
					Close:  msg.Close,
					Volume: msg.Volume,
				})
				logger.IncrementBarStreamed(1)
			}
		case "q":
			s.mu.Lock()
			sink := s.quoteSinks[msg.Symbol]
			s.mu.Unlock()
			if sink != nil {
				sink(models.Quote{
					Symbol:   msg.Symbol,
					Time:     msg.Time,
					BidPrice: msg.Bid,
					AskPrice: msg.Ask,
				})
			}
		case "error":
			s.log.WithComponent("market_stream").WithFields(logger.Fields{
				"code": msg.Code,
				"msg":  msg.Msg,
			}).Warn("stream error message")
		case "success", "subscription":
			// control chatter
		}
	}
}

func (s *MarketStream) fanOutError(err error) {
	s.mu.Lock()
	sinks := make([]func(error), len(s.errSinks))
	copy(sinks, s.errSinks)
	s.running = false
	s.mu.Unlock()

	for _, sink := range sinks {
		sink(err)
	}
}

func (s *MarketStream) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *MarketStream) writeJSON(conn *websocket.Conn, v interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteJSON(v)
}

// parseStreamFrames decodes one websocket frame. Frames normally carry a
// JSON array of messages; single objects are accepted too.
func parseStreamFrames(data []byte) []streamMessage {
	var msgs []streamMessage
	if err := json.Unmarshal(data, &msgs); err == nil {
		return msgs
	}
	var single streamMessage
	if err := json.Unmarshal(data, &single); err == nil && single.Type != "" {
		return []streamMessage{single}
	}
	return nil
}
