package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"alpacabridge/alpaca"
	appconfig "alpacabridge/config"
	"alpacabridge/internal/queue"
	"alpacabridge/logger"
	"alpacabridge/models"
)

var (
	// ErrEnd reports the end of a historical replay. It is terminal; feeds
	// do not restart.
	ErrEnd = errors.New("feed: end of historical data")

	// ErrDisconnected reports a live stream that stayed down after the
	// reconnect budget was spent.
	ErrDisconnected = errors.New("feed: stream disconnected")
)

// Status is the connection state the host observes on a feed.
type Status int

const (
	// StatusDelayed: the feed is replaying historical or backfill data.
	StatusDelayed Status = iota
	// StatusLive: bars are flowing from the stream.
	StatusLive
	// StatusConnBroken: the stream dropped and is reconnecting.
	StatusConnBroken
	// StatusDisconnected: reconnects exhausted, the feed is dead.
	StatusDisconnected
)

func (s Status) String() string {
	switch s {
	case StatusDelayed:
		return "delayed"
	case StatusLive:
		return "live"
	case StatusConnBroken:
		return "conn_broken"
	case StatusDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// BarSource pages historical bars. *alpaca.Client implements it.
type BarSource interface {
	GetBars(ctx context.Context, req alpaca.BarsRequest) (alpaca.BarsPage, error)
}

// BarStream is the shared live stream a feed subscribes on.
// *alpaca.MarketStream implements it.
type BarStream interface {
	SubscribeBars(symbol string, sink func(models.Bar)) error
	SubscribeQuotes(symbol string, sink func(models.Quote)) error
	OnConnBroken(func())
	OnResume(func())
	OnDisconnect(func(error))
}

// Options selects what one feed produces. BackfillStart seeds a live feed
// with history from From before going live; Backfill refills the gap after
// a reconnect. They are independent switches.
type Options struct {
	Symbol        string
	Historical    bool
	From          time.Time
	To            time.Time
	Granularity   models.Granularity
	Compression   int
	Backfill      bool
	BackfillStart bool
	UseAsk        bool
	QCheck        time.Duration
}

// Data produces bars for one symbol, first from the REST history when
// replaying or backfilling, then from the shared stream. It is single
// consumer: Next must be called from one goroutine.
type Data struct {
	opts   Options
	source BarSource
	stream BarStream
	feed   string
	log    *logger.Entry

	timeframe string
	factor    int
	session   *sessionFilter
	resampler *resampler
	qcheck    time.Duration

	queue *queue.Bars

	// Historical paging state, consumer-goroutine only.
	pageToken string
	cursor    time.Time
	exhausted bool
	pending   []models.Bar
	lastRaw   time.Time
	replaying bool

	mu           sync.Mutex
	status       Status
	statusC      chan Status
	terminal     error
	needBackfill bool
	started      bool
}

// New builds a feed. The stream may be nil for a purely historical feed.
func New(opts Options, source BarSource, stream BarStream, cfg *appconfig.Config) (*Data, error) {
	if opts.Symbol == "" {
		return nil, fmt.Errorf("feed: symbol is required")
	}
	if opts.Compression <= 0 {
		opts.Compression = 1
	}
	if opts.QCheck <= 0 {
		opts.QCheck = cfg.Feed.QCheck
	}
	if opts.Historical {
		if opts.Granularity == models.GranularityTick {
			return nil, fmt.Errorf("feed: tick granularity has no historical source")
		}
		if opts.From.IsZero() {
			return nil, fmt.Errorf("feed: historical feed requires a start time")
		}
	} else if stream == nil {
		return nil, fmt.Errorf("feed: live feed requires a stream")
	}

	timeframe := ""
	factor := 1
	if opts.Granularity != models.GranularityTick {
		tf, err := opts.Granularity.Timeframe(opts.Compression)
		if err != nil {
			return nil, err
		}
		timeframe = tf
		factor = opts.Compression / nativeCompression(tf)
		if factor < 1 {
			factor = 1
		}
	}

	session, err := newSessionFilter(opts.Granularity == models.GranularityMinute)
	if err != nil {
		return nil, err
	}

	policy := queue.DropOldest
	if cfg.Feed.QueuePolicy == "block" {
		policy = queue.Block
	}

	d := &Data{
		opts:      opts,
		source:    source,
		stream:    stream,
		feed:      cfg.Feed.Feed,
		log:       logger.GetLogger().WithComponent("feed"),
		timeframe: timeframe,
		factor:    factor,
		session:   session,
		resampler: newResampler(factor, session),
		qcheck:    opts.QCheck,
		queue:     queue.NewBars(cfg.Feed.RawBuffer, policy),
		status:    StatusDelayed,
		statusC:   make(chan Status, 8),
		cursor:    opts.From,
	}
	return d, nil
}

// Status returns the last observed connection state.
func (d *Data) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// StatusC delivers state transitions. Slow readers miss intermediate
// states, never the latest: sends are non-blocking into a small buffer.
func (d *Data) StatusC() <-chan Status {
	return d.statusC
}

// Err returns the terminal feed error, if any.
func (d *Data) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.terminal
}

// QueueStats exposes the live queue counters.
func (d *Data) QueueStats() queue.Stats {
	return d.queue.GetStats()
}

// Start wires the feed up. For a live feed it subscribes on the shared
// stream; bars flow into the bounded queue from there. Start does not
// block on data.
func (d *Data) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("feed: already started")
	}
	d.started = true
	d.mu.Unlock()

	if d.opts.Historical {
		d.replaying = true
		d.setStatus(StatusDelayed)
		return nil
	}

	d.stream.OnConnBroken(func() {
		d.setStatus(StatusConnBroken)
	})
	d.stream.OnResume(func() {
		if d.opts.Backfill {
			d.mu.Lock()
			d.needBackfill = true
			d.mu.Unlock()
		} else {
			d.setStatus(StatusLive)
		}
	})
	d.stream.OnDisconnect(func(err error) {
		d.mu.Lock()
		d.terminal = fmt.Errorf("%w: %v", ErrDisconnected, err)
		d.mu.Unlock()
		d.setStatus(StatusDisconnected)
		d.queue.Close()
	})

	var err error
	if d.opts.Granularity == models.GranularityTick {
		err = d.stream.SubscribeQuotes(d.opts.Symbol, d.onQuote)
	} else {
		err = d.stream.SubscribeBars(d.opts.Symbol, d.onBar)
	}
	if err != nil {
		return fmt.Errorf("feed: subscribe %s: %w", d.opts.Symbol, err)
	}

	if d.opts.BackfillStart && !d.opts.From.IsZero() {
		d.replaying = true
		d.setStatus(StatusDelayed)
	} else {
		d.setStatus(StatusLive)
	}

	d.log.WithFields(logger.Fields{
		"symbol":      d.opts.Symbol,
		"granularity": d.opts.Granularity.String(),
		"compression": d.opts.Compression,
	}).Info("feed started")
	return nil
}

// Next returns the next bar in strictly ascending timestamp order. At the
// end of a historical replay it returns ErrEnd; a dead live feed returns
// the terminal error.
func (d *Data) Next(ctx context.Context) (models.Bar, error) {
	for {
		if len(d.pending) > 0 {
			bar := d.pending[0]
			d.pending = d.pending[1:]
			return bar, nil
		}

		if d.replaying {
			if err := d.fetchPage(ctx); err != nil {
				return models.Bar{}, err
			}
			continue
		}

		if d.opts.Historical {
			return models.Bar{}, ErrEnd
		}

		if err := d.Err(); err != nil && d.queue.Len() == 0 {
			return models.Bar{}, err
		}

		if d.takeBackfillFlag() {
			d.backfillGap(ctx)
			continue
		}

		popCtx, cancel := context.WithTimeout(ctx, d.qcheck)
		raw, ok := d.queue.Pop(popCtx)
		cancel()
		if !ok {
			if ctx.Err() != nil {
				return models.Bar{}, ctx.Err()
			}
			if err := d.Err(); err != nil && d.queue.Len() == 0 {
				return models.Bar{}, err
			}
			continue
		}
		d.pending = append(d.pending, d.process(raw)...)
	}
}

// fetchPage advances one page of the historical replay. Page exhaustion
// flushes the resample bucket and ends the replay.
func (d *Data) fetchPage(ctx context.Context) error {
	req := alpaca.BarsRequest{
		Symbol:    d.opts.Symbol,
		Timeframe: d.timeframe,
		Start:     d.cursor,
		End:       d.opts.To,
		PageToken: d.pageToken,
		Feed:      d.feed,
	}
	if !d.opts.Historical && req.End.IsZero() {
		req.End = time.Now().UTC()
	}

	page, err := d.source.GetBars(ctx, req)
	if err != nil {
		return fmt.Errorf("feed: historical page for %s: %w", d.opts.Symbol, err)
	}

	for _, bar := range page.Bars {
		d.pending = append(d.pending, d.process(bar)...)
	}

	d.pageToken = page.NextPageToken
	if d.pageToken == "" {
		d.replaying = false
		if bar, ok := d.resampler.Flush(); ok {
			d.pending = append(d.pending, bar)
		}
		if !d.opts.Historical {
			d.setStatus(StatusLive)
		}
	}
	return nil
}

// backfillGap replays the window between the last seen bar and now after a
// reconnect, ahead of whatever queued up on the fresh subscription.
func (d *Data) backfillGap(ctx context.Context) {
	start := d.lastRaw
	if start.IsZero() {
		start = d.opts.From
	}
	if start.IsZero() {
		d.setStatus(StatusLive)
		return
	}

	token := ""
	for {
		page, err := d.source.GetBars(ctx, alpaca.BarsRequest{
			Symbol:    d.opts.Symbol,
			Timeframe: d.timeframe,
			Start:     start,
			End:       time.Now().UTC(),
			PageToken: token,
			Feed:      d.feed,
		})
		if err != nil {
			d.log.WithError(err).WithFields(logger.Fields{"symbol": d.opts.Symbol}).Warn("gap backfill failed")
			break
		}
		for _, bar := range page.Bars {
			d.pending = append(d.pending, d.process(bar)...)
		}
		token = page.NextPageToken
		if token == "" {
			break
		}
	}
	d.setStatus(StatusLive)
}

// process applies the ascending guard, the session clip and resampling to
// one raw bar.
func (d *Data) process(bar models.Bar) []models.Bar {
	if !bar.Time.After(d.lastRaw) {
		return nil
	}
	if !d.opts.From.IsZero() && bar.Time.Before(d.opts.From) {
		return nil
	}
	if !d.opts.To.IsZero() && bar.Time.After(d.opts.To) {
		return nil
	}
	if !d.session.Keep(bar.Time) {
		return nil
	}
	d.lastRaw = bar.Time
	return d.resampler.Add(bar)
}

func (d *Data) onBar(bar models.Bar) {
	d.queue.Push(context.Background(), bar)
}

// onQuote flattens a top-of-book update into a bar priced from one side.
func (d *Data) onQuote(q models.Quote) {
	price := q.BidPrice
	if d.opts.UseAsk {
		price = q.AskPrice
	}
	d.queue.Push(context.Background(), models.Bar{
		Symbol: q.Symbol,
		Time:   q.Time,
		Open:   price,
		High:   price,
		Low:    price,
		Close:  price,
	})
}

func (d *Data) setStatus(s Status) {
	d.mu.Lock()
	if d.status == s {
		d.mu.Unlock()
		return
	}
	d.status = s
	d.mu.Unlock()

	select {
	case d.statusC <- s:
	default:
	}
	d.log.WithFields(logger.Fields{"symbol": d.opts.Symbol, "status": s.String()}).Info("feed status change")
}

func (d *Data) takeBackfillFlag() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	v := d.needBackfill
	d.needBackfill = false
	return v
}
