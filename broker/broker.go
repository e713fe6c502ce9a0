package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"alpacabridge/alpaca"
	appconfig "alpacabridge/config"
	"alpacabridge/logger"
	"alpacabridge/models"
)

// ErrNotTradable reports a symbol the API knows but will not trade.
var ErrNotTradable = errors.New("broker: asset is not tradable")

// TradeAPI is the slice of the remote client the broker needs.
// *alpaca.Client implements it.
type TradeAPI interface {
	GetAccount(ctx context.Context) (alpaca.Account, error)
	GetAsset(ctx context.Context, symbol string) (alpaca.Asset, error)
	CreateOrder(ctx context.Context, req alpaca.OrderRequest) (alpaca.Order, error)
	GetOrder(ctx context.Context, id string) (alpaca.Order, error)
	CancelOrder(ctx context.Context, id string) error
	ListPositions(ctx context.Context) ([]models.Position, error)
}

// UpdateStream delivers order lifecycle events. *alpaca.TradeStream
// implements it; a nil stream switches the broker to REST polling.
type UpdateStream interface {
	Updates() <-chan alpaca.TradeUpdate
}

// Updates for IDs this session never submitted (another client on the same
// account, stale replays) must not pile up forever.
const (
	parkedMaxIDs = 256
	parkedMaxAge = 5 * time.Minute
)

// parkedEntry holds updates that arrived before Submit registered the
// remote ID.
type parkedEntry struct {
	since   time.Time
	updates []alpaca.TradeUpdate
}

// orderState tracks one working order between submission and its terminal
// transition.
type orderState struct {
	ref        int
	side       models.OrderSide
	lastStatus models.OrderStatus
	filledQty  decimal.Decimal
}

// Broker routes orders to the trade API and reports every observed status
// transition exactly once on Notifications.
type Broker struct {
	api     TradeAPI
	updates UpdateStream
	cfg     *appconfig.Config
	log     *logger.Entry

	notifications chan models.Notification

	mu      sync.Mutex
	nextRef int
	byID    map[string]*orderState
	refToID map[int]string
	parked  map[string]*parkedEntry
	assets  map[string]bool
	account models.AccountSnapshot

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New builds a broker. Pass a nil update stream to poll order state over
// REST instead.
func New(api TradeAPI, updates UpdateStream, cfg *appconfig.Config) *Broker {
	b := &Broker{
		api:           api,
		updates:       updates,
		cfg:           cfg,
		log:           logger.GetLogger().WithComponent("broker"),
		notifications: make(chan models.Notification, cfg.Broker.NotifyBuffer),
		byID:          make(map[string]*orderState),
		refToID:       make(map[int]string),
		parked:        make(map[string]*parkedEntry),
		assets:        make(map[string]bool),
	}
	// Submit may be called before Start; notify needs a live context.
	b.ctx, b.cancel = context.WithCancel(context.Background())
	return b
}

// Start fetches the first account snapshot and launches the background
// loops. The first refresh is awaited so GetCash is meaningful immediately;
// a failure is logged and retried by the poller.
func (b *Broker) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return fmt.Errorf("broker: already started")
	}
	b.started = true
	b.mu.Unlock()

	b.cancel()
	b.ctx, b.cancel = context.WithCancel(ctx)

	refreshCtx, cancel := context.WithTimeout(b.ctx, 10*time.Second)
	if err := b.refreshAccount(refreshCtx); err != nil {
		b.log.WithError(err).Warn("initial account refresh failed")
	}
	cancel()

	b.wg.Add(1)
	go b.accountLoop()

	if b.updates != nil {
		b.wg.Add(1)
		go b.updateLoop()
	} else {
		b.wg.Add(1)
		go b.pollLoop()
	}

	b.log.Info("broker started")
	return nil
}

// Stop ends the background loops and waits for them.
func (b *Broker) Stop() {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return
	}
	b.started = false
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
	b.log.Info("broker stopped")
}

// Notifications delivers one entry per observed order status transition.
func (b *Broker) Notifications() <-chan models.Notification {
	return b.notifications
}

// GetCash returns the cash balance from the last account snapshot.
func (b *Broker) GetCash() decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.account.Cash
}

// GetValue returns the equity from the last account snapshot.
func (b *Broker) GetValue() decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.account.Equity
}

// Account returns the last full snapshot.
func (b *Broker) Account() models.AccountSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.account
}

// Positions fetches current holdings from the trade API.
func (b *Broker) Positions(ctx context.Context) ([]models.Position, error) {
	return b.api.ListPositions(ctx)
}

// Submit validates the order, posts it and registers the ref to remote ID
// mapping. A rejection emits exactly one Rejected notification and returns
// the API error; nothing else will ever be reported for that ref.
func (b *Broker) Submit(ctx context.Context, order *models.Order) error {
	if err := validate(order); err != nil {
		return err
	}

	b.mu.Lock()
	if order.Ref == 0 {
		b.nextRef++
		order.Ref = b.nextRef
	}
	b.mu.Unlock()

	if err := b.ensureTradable(ctx, order.Symbol); err != nil {
		order.Status = models.StatusRejected
		b.notify(models.Notification{
			Ref:    order.Ref,
			Status: models.StatusRejected,
			At:     time.Now().UTC(),
			Err:    err,
		})
		return fmt.Errorf("broker: submit %s: %w", order.Symbol, err)
	}

	order.ClientOrderID = uuid.NewString()
	if order.TimeInForce == "" {
		order.TimeInForce = models.Day
	}

	req := alpaca.OrderRequest{
		Symbol:        order.Symbol,
		Qty:           order.Qty.String(),
		Side:          string(order.Side),
		Type:          string(order.Type),
		TimeInForce:   string(order.TimeInForce),
		ClientOrderID: order.ClientOrderID,
	}
	if order.LimitPrice != nil {
		req.LimitPrice = order.LimitPrice.String()
	}
	if order.StopPrice != nil {
		req.StopPrice = order.StopPrice.String()
	}
	if order.TrailPrice != nil {
		req.TrailPrice = order.TrailPrice.String()
	}
	if order.TrailPercent != nil {
		req.TrailPercent = order.TrailPercent.String()
	}

	remote, err := b.api.CreateOrder(ctx, req)
	if err != nil {
		if alpaca.IsRejection(err) {
			order.Status = models.StatusRejected
			b.notify(models.Notification{
				Ref:    order.Ref,
				Status: models.StatusRejected,
				At:     time.Now().UTC(),
				Err:    err,
			})
		}
		return fmt.Errorf("broker: submit %s %s %s: %w", order.Side, order.Qty, order.Symbol, err)
	}

	order.ID = remote.ID
	order.Status = models.StatusSubmitted
	order.CreatedAt = remote.CreatedAt

	b.mu.Lock()
	b.byID[remote.ID] = &orderState{ref: order.Ref, side: order.Side, lastStatus: models.StatusSubmitted}
	b.refToID[order.Ref] = remote.ID
	var replay []alpaca.TradeUpdate
	if entry := b.parked[remote.ID]; entry != nil {
		replay = entry.updates
		delete(b.parked, remote.ID)
	}
	b.mu.Unlock()

	b.log.WithFields(logger.Fields{
		"ref":    order.Ref,
		"id":     remote.ID,
		"symbol": order.Symbol,
		"side":   order.Side,
		"qty":    order.Qty.String(),
	}).Info("order submitted")

	// Events that raced the create response were parked by remote ID;
	// apply them now that the mapping exists.
	for _, update := range replay {
		b.apply(update)
	}
	return nil
}

// Cancel asks the API to cancel the working order behind a ref. The
// Canceled notification follows from the observed event, not from here.
func (b *Broker) Cancel(ctx context.Context, ref int) error {
	b.mu.Lock()
	id, ok := b.refToID[ref]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("broker: no working order for ref %d", ref)
	}
	return b.api.CancelOrder(ctx, id)
}

// ensureTradable resolves the symbol against the asset endpoint once per
// symbol. Unknown or non-tradable symbols are rejections; a transient
// lookup failure is logged and left for CreateOrder to decide.
func (b *Broker) ensureTradable(ctx context.Context, symbol string) error {
	b.mu.Lock()
	tradable, seen := b.assets[symbol]
	b.mu.Unlock()
	if seen {
		if !tradable {
			return fmt.Errorf("%s: %w", symbol, ErrNotTradable)
		}
		return nil
	}

	asset, err := b.api.GetAsset(ctx, symbol)
	if err != nil {
		if alpaca.IsRejection(err) {
			b.mu.Lock()
			b.assets[symbol] = false
			b.mu.Unlock()
			return err
		}
		b.log.WithError(err).WithFields(logger.Fields{"symbol": symbol}).Warn("asset lookup failed")
		return nil
	}

	b.mu.Lock()
	b.assets[symbol] = asset.Tradable
	b.mu.Unlock()
	if !asset.Tradable {
		return fmt.Errorf("%s: %w", symbol, ErrNotTradable)
	}
	return nil
}

func validate(order *models.Order) error {
	if order.Symbol == "" {
		return fmt.Errorf("broker: order symbol is required")
	}
	if order.Side != models.Buy && order.Side != models.Sell {
		return fmt.Errorf("broker: invalid order side %q", order.Side)
	}
	if !order.Qty.IsPositive() {
		return fmt.Errorf("broker: order quantity must be positive")
	}
	switch order.Type {
	case models.Market:
	case models.Limit:
		if order.LimitPrice == nil {
			return fmt.Errorf("broker: limit order requires a limit price")
		}
	case models.Stop:
		if order.StopPrice == nil {
			return fmt.Errorf("broker: stop order requires a stop price")
		}
	case models.StopLimit:
		if order.LimitPrice == nil || order.StopPrice == nil {
			return fmt.Errorf("broker: stop limit order requires both prices")
		}
	case models.TrailingStop:
		if (order.TrailPrice == nil) == (order.TrailPercent == nil) {
			return fmt.Errorf("broker: trailing stop requires exactly one of trail price or trail percent")
		}
	default:
		return fmt.Errorf("broker: invalid order type %q", order.Type)
	}
	return nil
}

func (b *Broker) updateLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case update, ok := <-b.updates.Updates():
			if !ok {
				return
			}
			b.apply(update)
		}
	}
}

// apply turns one trade update into at most one notification. Updates for
// unknown IDs are parked until Submit registers the mapping.
func (b *Broker) apply(update alpaca.TradeUpdate) {
	b.mu.Lock()
	state, ok := b.byID[update.Order.ID]
	if !ok {
		b.park(update)
		b.mu.Unlock()
		return
	}

	status, known := statusFromEvent(update.Event)
	if !known {
		b.mu.Unlock()
		return
	}
	filled, _ := decimal.NewFromString(update.Order.FilledQty)
	note, emit := transition(state, status, filled, update.Order.FilledAvgPrice)
	if state.lastStatus.Terminal() {
		delete(b.byID, update.Order.ID)
		delete(b.refToID, state.ref)
	}
	b.mu.Unlock()

	if emit {
		b.notify(note)
		if status == models.StatusFilled || status == models.StatusPartiallyFilled {
			b.refreshSoon()
		}
	}
}

// park stores an update for a remote ID without a registered mapping.
// Expired entries are dropped and the map is capped, evicting the oldest
// ID first. Caller holds the lock.
func (b *Broker) park(update alpaca.TradeUpdate) {
	now := time.Now()
	for id, entry := range b.parked {
		if now.Sub(entry.since) > parkedMaxAge {
			delete(b.parked, id)
		}
	}

	entry := b.parked[update.Order.ID]
	if entry == nil {
		if len(b.parked) >= parkedMaxIDs {
			oldestID := ""
			var oldest time.Time
			for id, e := range b.parked {
				if oldestID == "" || e.since.Before(oldest) {
					oldestID, oldest = id, e.since
				}
			}
			delete(b.parked, oldestID)
		}
		entry = &parkedEntry{since: now}
		b.parked[update.Order.ID] = entry
	}
	entry.updates = append(entry.updates, update)
}

// transition mutates the order state and builds the notification for one
// observed status. Repeated statuses emit nothing except partial fills
// whose filled quantity advanced. Caller holds the lock.
func transition(state *orderState, status models.OrderStatus, filled decimal.Decimal, avgPrice *string) (models.Notification, bool) {
	if status == state.lastStatus && !(status == models.StatusPartiallyFilled && filled.GreaterThan(state.filledQty)) {
		return models.Notification{}, false
	}

	note := models.Notification{
		Ref:    state.ref,
		Status: status,
		At:     time.Now().UTC(),
	}
	if status == models.StatusFilled || status == models.StatusPartiallyFilled {
		size := filled.Sub(state.filledQty)
		if state.side == models.Sell {
			size = size.Neg()
		}
		note.FilledQty = size
		if avgPrice != nil {
			if px, err := decimal.NewFromString(*avgPrice); err == nil {
				note.FillPrice = px
			}
		}
		state.filledQty = filled
	}
	state.lastStatus = status
	return note, true
}

// statusFromEvent maps a trade stream event (or a polled order status) to
// the local lifecycle. pending_cancel and calculated are transient: the
// order stays open until the confirmed terminal event arrives, so they emit
// nothing. Unrecognized events count as rejections so the host never waits
// forever on an order the API gave up on.
func statusFromEvent(event string) (models.OrderStatus, bool) {
	switch event {
	case "new", "pending_new", "accepted", "accepted_for_bidding":
		return models.StatusAccepted, true
	case "partial_fill", "partially_filled":
		return models.StatusPartiallyFilled, true
	case "fill", "filled":
		return models.StatusFilled, true
	case "canceled", "done_for_day":
		return models.StatusCanceled, true
	case "expired":
		return models.StatusExpired, true
	case "pending_cancel", "calculated":
		return 0, false
	default:
		return models.StatusRejected, true
	}
}

func (b *Broker) notify(note models.Notification) {
	logger.IncrementOrderEvent()
	select {
	case b.notifications <- note:
	case <-b.ctx.Done():
	}
}

// pollLoop synthesizes transitions from GetOrder when no trade stream is
// available.
func (b *Broker) pollLoop() {
	defer b.wg.Done()

	interval := b.cfg.Broker.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			b.pollOnce()
		}
	}
}

func (b *Broker) pollOnce() {
	b.mu.Lock()
	ids := make([]string, 0, len(b.byID))
	for id := range b.byID {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	for _, id := range ids {
		remote, err := b.api.GetOrder(b.ctx, id)
		if err != nil {
			b.log.WithError(err).WithFields(logger.Fields{"id": id}).Warn("order poll failed")
			continue
		}
		b.apply(alpaca.TradeUpdate{Event: remote.Status, Order: remote})
	}
}

func (b *Broker) accountLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.cfg.Broker.AccountRefresh)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			if err := b.refreshAccount(b.ctx); err != nil {
				b.log.WithError(err).Warn("account refresh failed")
			}
		}
	}
}

func (b *Broker) refreshAccount(ctx context.Context) error {
	acct, err := b.api.GetAccount(ctx)
	if err != nil {
		return fmt.Errorf("broker: account refresh: %w", err)
	}
	snap, err := acct.Snapshot()
	if err != nil {
		return fmt.Errorf("broker: account snapshot: %w", err)
	}
	b.mu.Lock()
	b.account = snap
	b.mu.Unlock()
	return nil
}

// refreshSoon refreshes the account off the caller's goroutine so fills are
// reflected in GetCash ahead of the next ticker cycle.
func (b *Broker) refreshSoon() {
	go func() {
		ctx, cancel := context.WithTimeout(b.ctx, 10*time.Second)
		defer cancel()
		if err := b.refreshAccount(ctx); err != nil {
			b.log.WithError(err).Warn("post-fill account refresh failed")
		}
	}()
}
