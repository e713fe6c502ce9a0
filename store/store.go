package store

import (
	"context"
	"fmt"
	"sync"

	"alpacabridge/alpaca"
	"alpacabridge/broker"
	appconfig "alpacabridge/config"
	"alpacabridge/feed"
	"alpacabridge/logger"
)

// Store holds the shared credentials and remote clients behind every feed
// and the broker. One Store means one REST client, at most one market data
// stream and at most one trade update stream; the data API enforces a
// single streaming connection per account.
type Store struct {
	cfg    *appconfig.Config
	client *alpaca.Client
	log    *logger.Entry

	mu       sync.Mutex
	market   *alpaca.MarketStream
	trades   *alpaca.TradeStream
	brk      *broker.Broker
	marketUp bool
	tradesUp bool
	notices  chan error
	stopped  bool
}

// New builds a Store from validated configuration. Missing credentials fail
// here, before anything touches the network.
func New(cfg *appconfig.Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{
		cfg:     cfg,
		client:  alpaca.NewClient(cfg),
		log:     logger.GetLogger().WithComponent("store"),
		notices: make(chan error, 16),
	}, nil
}

// Client exposes the shared REST client.
func (s *Store) Client() *alpaca.Client {
	return s.client
}

// Notices delivers store-level failures the host should see, such as a
// stream that stayed down after its reconnect budget.
func (s *Store) Notices() <-chan error {
	return s.notices
}

// GetData builds a feed bound to this store. Live feeds share the single
// market data stream, which is dialed on first use.
func (s *Store) GetData(ctx context.Context, opts feed.Options) (*feed.Data, error) {
	if opts.Historical {
		return feed.New(opts, s.client, nil, s.cfg)
	}

	stream, err := s.marketStream(ctx)
	if err != nil {
		return nil, err
	}
	return feed.New(opts, s.client, stream, s.cfg)
}

// GetBroker returns the broker, starting it and its order event source on
// first call.
func (s *Store) GetBroker(ctx context.Context) (*broker.Broker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.brk != nil {
		return s.brk, nil
	}

	var updates broker.UpdateStream
	if s.cfg.Broker.UseStream {
		trades := alpaca.NewTradeStream(s.cfg)
		if err := trades.Start(ctx); err != nil {
			return nil, fmt.Errorf("store: trade stream: %w", err)
		}
		s.trades = trades
		s.tradesUp = true
		updates = trades
	}

	brk := broker.New(s.client, updates, s.cfg)
	if err := brk.Start(ctx); err != nil {
		if s.trades != nil {
			s.trades.Stop()
			s.tradesUp = false
		}
		return nil, err
	}
	s.brk = brk
	return brk, nil
}

// marketStream dials and starts the shared market data stream once.
func (s *Store) marketStream(ctx context.Context) (*alpaca.MarketStream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.market != nil {
		return s.market, nil
	}

	stream := alpaca.NewMarketStream(s.cfg)
	stream.OnDisconnect(func(err error) {
		s.notice(fmt.Errorf("market data stream lost: %w", err))
	})
	if err := stream.Start(ctx); err != nil {
		return nil, fmt.Errorf("store: market stream: %w", err)
	}
	s.market = stream
	s.marketUp = true
	s.log.WithFields(logger.Fields{"url": s.cfg.StreamURL()}).Info("market data stream online")
	return stream, nil
}

func (s *Store) notice(err error) {
	select {
	case s.notices <- err:
	default:
		s.log.WithError(err).Warn("store notice dropped, queue full")
	}
}

// Stop tears down the streams and the broker. Feeds created from this store
// stop producing once the streams are gone.
func (s *Store) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	market, marketUp := s.market, s.marketUp
	trades, tradesUp := s.trades, s.tradesUp
	brk := s.brk
	s.mu.Unlock()

	if brk != nil {
		brk.Stop()
	}
	if tradesUp {
		trades.Stop()
	}
	if marketUp {
		market.Stop()
	}
	s.log.Info("store stopped")
}
