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
)

// tradeStreamFrame is the envelope of the account event stream. Unlike the
// market data stream it wraps a single object per frame and routes by the
// stream field.
type tradeStreamFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type tradeAuthRequest struct {
	Action string `json:"action"`
	Data   struct {
		KeyID     string `json:"key_id"`
		SecretKey string `json:"secret_key"`
	} `json:"data"`
}

type tradeListenRequest struct {
	Action string `json:"action"`
	Data   struct {
		Streams []string `json:"streams"`
	} `json:"data"`
}

type authorizationData struct {
	Status string `json:"status"`
	Action string `json:"action"`
}

// TradeStream listens for order lifecycle events on the trade API host.
// Updates are delivered on a channel with blocking semantics: an order
// status transition is never dropped, the reader must keep up.
type TradeStream struct {
	url           string
	keyID         string
	secretKey     string
	reconnections int
	reconnTimeout time.Duration

	dialer  *websocket.Dialer
	log     *logger.Log
	updates chan TradeUpdate

	mu      sync.Mutex
	conn    *websocket.Conn
	running bool

	ctx context.Context
	wg  sync.WaitGroup
}

// NewTradeStream creates the order update stream client.
func NewTradeStream(cfg *appconfig.Config) *TradeStream {
	return &TradeStream{
		url:           cfg.TradeStreamURL(),
		keyID:         cfg.Alpaca.KeyID,
		secretKey:     cfg.Alpaca.SecretKey,
		reconnections: cfg.Feed.Reconnections,
		reconnTimeout: cfg.Feed.ReconnTimeout,
		dialer:        websocket.DefaultDialer,
		log:           logger.GetLogger(),
		updates:       make(chan TradeUpdate, cfg.Broker.NotifyBuffer),
	}
}

// Updates is the stream of observed order events.
func (s *TradeStream) Updates() <-chan TradeUpdate {
	return s.updates
}

// Start authenticates, subscribes to trade updates and runs the read loop.
func (s *TradeStream) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("trade stream already running")
	}
	s.running = true
	s.ctx = ctx
	s.mu.Unlock()

	conn, err := s.connect()
	if err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("failed to open trade stream: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	s.wg.Add(1)
	go s.readLoop(conn)

	s.log.WithComponent("trade_stream").WithFields(logger.Fields{"url": s.url}).Info("trade stream connected")
	return nil
}

// Stop closes the connection and waits for the read loop.
func (s *TradeStream) Stop() {
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
	s.log.WithComponent("trade_stream").Info("trade stream stopped")
}

func (s *TradeStream) connect() (*websocket.Conn, error) {
	conn, _, err := s.dialer.Dial(s.url, nil)
	if err != nil {
		return nil, err
	}

	auth := tradeAuthRequest{Action: "authenticate"}
	auth.Data.KeyID = s.keyID
	auth.Data.SecretKey = s.secretKey
	if err := conn.WriteJSON(auth); err != nil {
		conn.Close()
		return nil, err
	}

	deadline := time.Now().Add(handshakeTimeout)
	conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("handshake read failed: %w", err)
		}
		var frame tradeStreamFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		if frame.Stream != "authorization" {
			continue
		}
		var authData authorizationData
		if err := json.Unmarshal(frame.Data, &authData); err != nil {
			continue
		}
		if authData.Status != "authorized" {
			conn.Close()
			return nil, &APIError{StatusCode: 401, Message: "trade stream authorization refused"}
		}
		break
	}

	listen := tradeListenRequest{Action: "listen"}
	listen.Data.Streams = []string{"trade_updates"}
	if err := conn.WriteJSON(listen); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func (s *TradeStream) readLoop(conn *websocket.Conn) {
	defer s.wg.Done()

	log := s.log.WithComponent("trade_stream").WithFields(logger.Fields{"worker": "read_loop"})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() != nil || !s.isRunning() {
				return
			}
			log.WithError(err).Warn("trade stream read failed")
			next, rerr := s.reconnect()
			if rerr != nil {
				log.WithError(rerr).Error("trade stream reconnect exhausted")
				return
			}
			conn = next
			continue
		}

		var frame tradeStreamFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.WithError(err).Warn("failed to decode trade stream frame")
			continue
		}
		if frame.Stream != "trade_updates" {
			continue
		}

		var update TradeUpdate
		if err := json.Unmarshal(frame.Data, &update); err != nil {
			log.WithError(err).Warn("failed to decode trade update")
			continue
		}

		select {
		case s.updates <- update:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *TradeStream) reconnect() (*websocket.Conn, error) {
	attempts := s.reconnections
	for {
		if s.ctx.Err() != nil {
			return nil, s.ctx.Err()
		}
		if !s.isRunning() {
			return nil, fmt.Errorf("trade stream stopped")
		}
		if attempts == 0 {
			return nil, fmt.Errorf("trade stream disconnected: reconnect attempts exhausted")
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
			s.log.WithComponent("trade_stream").WithError(err).Warn("reconnect attempt failed")
			continue
		}

		s.mu.Lock()
		if !s.running {
			s.mu.Unlock()
			conn.Close()
			return nil, fmt.Errorf("trade stream stopped")
		}
		s.conn = conn
		s.mu.Unlock()

		logger.IncrementStreamReconnect()
		s.log.WithComponent("trade_stream").Info("trade stream reconnected")
		return conn, nil
	}
}

func (s *TradeStream) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
