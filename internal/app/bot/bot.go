// Package bot runs the stablecoin quoting strategy: one resting buy and one
// resting sell on a single pair, repriced from best bid/ask updates.
package bot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/stablebot/errs"
	"github.com/coachpo/stablebot/internal/domain/schema"
	"github.com/coachpo/stablebot/internal/infra/adapters/binance"
	"github.com/coachpo/stablebot/internal/infra/wsconn"
	"github.com/coachpo/stablebot/internal/numeric"
)

// ErrAlreadyStarted is returned by a second Start.
var ErrAlreadyStarted = errors.New("bot: already started")

// ErrNotRunning is returned by Snapshot before Start or after Stop.
var ErrNotRunning = errors.New("bot: not running")

const (
	defaultInboxSize      = 256
	defaultPricePrecision = 4
	timeInForceGTC        = "GTC"
	responseTypeFull      = "FULL"
)

// Exchange is the REST surface the bot consumes.
type Exchange interface {
	ExchangeInfo(ctx context.Context, symbol string) (schema.SymbolInfo, error)
	Balances(ctx context.Context) ([]schema.AssetBalance, error)
	OpenOrders(ctx context.Context, symbol string) ([]schema.Order, error)
	NewOrder(ctx context.Context, req schema.OrderRequest) (schema.Order, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) (schema.Order, error)
	CancelAllOpenOrders(ctx context.Context, symbol string) ([]schema.Order, error)
}

// MarketFeed delivers raw book ticker payloads for subscribed topics.
type MarketFeed interface {
	Subscribe(ctx context.Context, topic string) error
	Unsubscribe(ctx context.Context, topic string) error
	Messages() <-chan json.RawMessage
	Notices() <-chan wsconn.Event
}

// UserFeed delivers raw account event payloads.
type UserFeed interface {
	Subscribe(ctx context.Context) error
	Unsubscribe(ctx context.Context) error
	Messages() <-chan json.RawMessage
	Notices() <-chan wsconn.Event
}

// Journal records order activity. It is write-only; the bot never reads it back.
type Journal interface {
	RecordOrder(ctx context.Context, event string, order schema.Order) error
	RecordExecution(ctx context.Context, report schema.ExecutionReport) error
}

// Config holds the strategy parameters.
type Config struct {
	BaseAsset             string
	QuoteAsset            string
	BuyPriceLimit         decimal.Decimal
	SellUsingLastBuyPrice bool
	MinBaseQuantity       decimal.Decimal
	MinQuoteQuantity      decimal.Decimal
	PriceStep             decimal.Decimal
	PricePrecision        int32
	// CancelOnStop cancels every resting order on the symbol during Stop.
	CancelOnStop bool
	InboxSize    int
}

func (c Config) withDefaults() Config {
	c.BaseAsset = strings.ToUpper(strings.TrimSpace(c.BaseAsset))
	c.QuoteAsset = strings.ToUpper(strings.TrimSpace(c.QuoteAsset))
	if c.MinBaseQuantity.IsZero() {
		c.MinBaseQuantity = decimal.NewFromInt(11)
	}
	if c.MinQuoteQuantity.IsZero() {
		c.MinQuoteQuantity = decimal.NewFromInt(10)
	}
	if c.PriceStep.IsZero() {
		c.PriceStep = decimal.New(1, -4)
	}
	if c.PricePrecision <= 0 {
		c.PricePrecision = defaultPricePrecision
	}
	if c.InboxSize <= 0 {
		c.InboxSize = defaultInboxSize
	}
	return c
}

// Options wires the bot's collaborators.
type Options struct {
	Config   Config
	Exchange Exchange
	Market   MarketFeed
	User     UserFeed
	Journal  Journal
	Logger   *log.Logger
	// Registerer receives the bot's Prometheus gauges when set.
	Registerer prometheus.Registerer
}

// Bot owns State and mutates it from a single goroutine fed by one inbox.
type Bot struct {
	cfg      Config
	exchange Exchange
	market   MarketFeed
	user     UserFeed
	journal  Journal
	logger   *log.Logger
	metrics  *botMetrics
	topic    string

	inbox chan event

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool
	ctx         context.Context
	cancel      context.CancelFunc
	loop        conc.WaitGroup
	feeds       conc.WaitGroup

	state State
}

type eventKind int

const (
	eventTick eventKind = iota
	eventUser
	eventNotice
	eventSnapshot
)

type event struct {
	kind   eventKind
	raw    json.RawMessage
	stream string
	notice wsconn.Event
	reply  chan State
}

// New builds an idle bot.
func New(opts Options) (*Bot, error) {
	cfg := opts.Config.withDefaults()
	if cfg.BaseAsset == "" || cfg.QuoteAsset == "" {
		return nil, errs.New("", errs.CodeConfig, errs.WithMessage("base and quote assets are required"))
	}
	if !cfg.BuyPriceLimit.IsPositive() {
		return nil, errs.New("", errs.CodeConfig, errs.WithMessage("buy price limit must be positive"))
	}
	if opts.Exchange == nil || opts.Market == nil || opts.User == nil {
		return nil, fmt.Errorf("bot: exchange, market and user feeds are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	symbol := cfg.BaseAsset + cfg.QuoteAsset
	return &Bot{
		cfg:      cfg,
		exchange: opts.Exchange,
		market:   opts.Market,
		user:     opts.User,
		journal:  opts.Journal,
		logger:   logger,
		metrics:  newBotMetrics(symbol, opts.Registerer),
		topic:    binance.BookTickerTopic(symbol),
		inbox:    make(chan event, cfg.InboxSize),
		state: State{
			Symbol:                symbol,
			BaseAsset:             cfg.BaseAsset,
			QuoteAsset:            cfg.QuoteAsset,
			BuyPriceLimit:         cfg.BuyPriceLimit,
			SellUsingLastBuyPrice: cfg.SellUsingLastBuyPrice,
		},
	}, nil
}

// Symbol returns the traded pair, e.g. USDCUSDT.
func (b *Bot) Symbol() string { return b.state.Symbol }

// Start runs the initialization sequence and then subscribes both streams.
// Any initialization failure is returned before a stream is touched.
func (b *Bot) Start(ctx context.Context) error {
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()
	if b.started {
		return ErrAlreadyStarted
	}
	b.logger.Printf("bot: starting symbol=%s", b.state.Symbol)
	if err := b.initialize(ctx); err != nil {
		return err
	}

	b.started = true
	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.loop.Go(b.run)
	b.forward(b.market.Messages(), b.market.Notices(), eventTick, "market")
	b.forward(b.user.Messages(), b.user.Notices(), eventUser, "user")

	b.logger.Printf("bot: subscribing market stream topic=%s", b.topic)
	if err := b.market.Subscribe(ctx, b.topic); err != nil {
		return fmt.Errorf("bot: subscribe market stream: %w", err)
	}
	if err := b.user.Subscribe(ctx); err != nil {
		return fmt.Errorf("bot: subscribe user stream: %w", err)
	}
	b.logger.Printf("bot: started")
	return nil
}

// Stop unsubscribes both streams, optionally cancels resting orders, and
// waits for the event loop to drain. It is safe to call more than once.
func (b *Bot) Stop(ctx context.Context) error {
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()
	if !b.started || b.stopped {
		return nil
	}
	b.stopped = true

	var errList []error
	if err := b.market.Unsubscribe(ctx, b.topic); err != nil {
		errList = append(errList, fmt.Errorf("unsubscribe market stream: %w", err))
	}
	if err := b.user.Unsubscribe(ctx); err != nil {
		errList = append(errList, fmt.Errorf("unsubscribe user stream: %w", err))
	}
	b.cancel()
	b.feeds.Wait()
	b.loop.Wait()

	if b.cfg.CancelOnStop {
		canceled, err := b.exchange.CancelAllOpenOrders(ctx, b.state.Symbol)
		if err != nil && !errs.IsCanonical(err, errs.CanonicalOrderNotFound) {
			errList = append(errList, fmt.Errorf("cancel open orders: %w", err))
		}
		for _, order := range canceled {
			b.record(ctx, "cancel", order)
		}
		b.logger.Printf("bot: canceled open orders count=%d", len(canceled))
	}
	b.logger.Printf("bot: stopped")
	if len(errList) > 0 {
		return fmt.Errorf("bot: stop: %w", errors.Join(errList...))
	}
	return nil
}

// Snapshot returns a copy of State taken on the event loop.
func (b *Bot) Snapshot(ctx context.Context) (State, error) {
	b.lifecycleMu.Lock()
	running := b.started && !b.stopped
	loopCtx := b.ctx
	b.lifecycleMu.Unlock()
	if !running {
		return State{}, ErrNotRunning
	}
	reply := make(chan State, 1)
	select {
	case b.inbox <- event{kind: eventSnapshot, reply: reply}:
	case <-loopCtx.Done():
		return State{}, ErrNotRunning
	case <-ctx.Done():
		return State{}, ctx.Err()
	}
	select {
	case s := <-reply:
		return s, nil
	case <-loopCtx.Done():
		return State{}, ErrNotRunning
	case <-ctx.Done():
		return State{}, ctx.Err()
	}
}

func (b *Bot) initialize(ctx context.Context) error {
	info, err := b.exchange.ExchangeInfo(ctx, b.state.Symbol)
	if err != nil {
		return fmt.Errorf("bot: symbol %s: %w", b.state.Symbol, err)
	}
	b.state.BasePrecision = info.BaseAssetPrecision
	b.state.QuotePrecision = info.QuotePrecision
	b.state.IsQuoteOrderQtyMarketAllowed = info.IsQuoteOrderQtyMarketAllowed

	balances, err := b.exchange.Balances(ctx)
	if err != nil {
		return fmt.Errorf("bot: balances: %w", err)
	}
	for _, bal := range balances {
		switch bal.Asset {
		case b.state.BaseAsset:
			b.state.BaseAssetQuantity = bal.Free
		case b.state.QuoteAsset:
			b.state.QuoteAssetQuantity = bal.Free
		}
	}
	if b.state.QuoteAssetQuantity.LessThan(b.cfg.MinQuoteQuantity) && b.state.BaseAssetQuantity.LessThan(b.cfg.MinBaseQuantity) {
		return errs.New("", errs.CodeConfig,
			errs.WithMessage("insufficient funds"),
			errs.WithField(b.state.BaseAsset, b.state.BaseAssetQuantity.String()),
			errs.WithField(b.state.QuoteAsset, b.state.QuoteAssetQuantity.String()),
			errs.WithCanonicalCode(errs.CanonicalInsufficientBalance))
	}

	open, err := b.exchange.OpenOrders(ctx, b.state.Symbol)
	if err != nil {
		return fmt.Errorf("bot: open orders: %w", err)
	}
	for i := range open {
		order := open[i]
		switch order.Side {
		case schema.TradeSideBuy, schema.TradeSideSell:
			*b.state.tracked(order.Side) = &order
		}
	}
	b.metrics.observeState(&b.state)
	b.logger.Printf("bot: initialized base=%s quote=%s base_precision=%d quote_precision=%d open_orders=%d",
		b.state.BaseAssetQuantity, b.state.QuoteAssetQuantity, b.state.BasePrecision, b.state.QuotePrecision, len(open))
	return nil
}

// forward moves one stream's messages and notices into the inbox, preserving
// per-stream order.
func (b *Bot) forward(messages <-chan json.RawMessage, notices <-chan wsconn.Event, kind eventKind, stream string) {
	b.feeds.Go(func() {
		for {
			select {
			case <-b.ctx.Done():
				return
			case raw := <-messages:
				b.enqueue(event{kind: kind, raw: raw, stream: stream})
			case evt := <-notices:
				b.enqueue(event{kind: eventNotice, notice: evt, stream: stream})
			}
		}
	})
}

func (b *Bot) enqueue(evt event) {
	select {
	case b.inbox <- evt:
	case <-b.ctx.Done():
	}
}

func (b *Bot) run() {
	for {
		select {
		case <-b.ctx.Done():
			return
		case evt := <-b.inbox:
			b.handle(evt)
		}
	}
}

func (b *Bot) handle(evt event) {
	ctx := b.ctx
	switch evt.kind {
	case eventTick:
		tick, err := binance.DecodeBookTicker(evt.raw)
		if err != nil {
			b.metrics.recordTick(ctx, "malformed")
			b.logger.Printf("bot: ignoring market message: %v", err)
			return
		}
		b.onTick(ctx, tick)
	case eventUser:
		ue, err := binance.DecodeUserEvent(evt.raw)
		if err != nil {
			b.metrics.recordUserEvent(ctx, "unknown")
			b.logger.Printf("bot: ignoring user message: %v", err)
			return
		}
		b.onUserEvent(ctx, ue)
	case eventNotice:
		b.onNotice(evt.stream, evt.notice)
	case eventSnapshot:
		evt.reply <- b.state.clone()
	}
}

func (b *Bot) onTick(ctx context.Context, tick schema.BookTicker) {
	if tick.Symbol != b.state.Symbol {
		b.metrics.recordTick(ctx, "other_symbol")
		b.logger.Printf("bot: ignoring tick symbol=%s", tick.Symbol)
		return
	}
	b.metrics.recordTick(ctx, "accepted")
	b.state.LastTick = &tick
	quote := Quote{BidPrice: tick.BidPrice, BidQty: tick.BidQty, AskPrice: tick.AskPrice, AskQty: tick.AskQty}

	if b.state.QuoteAssetQuantity.GreaterThan(b.cfg.MinQuoteQuantity) {
		price := numeric.Truncate(BuyPrice(quote, b.cfg.PriceStep, b.state.BuyPriceLimit), b.cfg.PricePrecision)
		b.reprice(ctx, schema.TradeSideBuy, price)
	}
	if b.state.BaseAssetQuantity.GreaterThan(b.cfg.MinBaseQuantity) {
		price := SellPrice(quote, b.cfg.PriceStep, b.state.LastBuyPrice, b.state.SellUsingLastBuyPrice)
		b.reprice(ctx, schema.TradeSideSell, numeric.Truncate(price, b.cfg.PricePrecision))
	}
	b.metrics.observeState(&b.state)
}

// reprice leaves an order at price unchanged, otherwise cancels it and waits
// for the cancel before placing the replacement.
func (b *Bot) reprice(ctx context.Context, side schema.TradeSide, price decimal.Decimal) {
	slot := b.state.tracked(side)
	if current := *slot; current != nil {
		if current.Price.Equal(price) {
			return
		}
		b.logger.Printf("bot: cancel side=%s order_id=%d price=%s new_price=%s", side, current.OrderID, current.Price, price)
		canceled, err := b.exchange.CancelOrder(ctx, b.state.Symbol, current.OrderID)
		if err != nil {
			b.metrics.recordOrder(ctx, side, "cancel", "error")
			b.logger.Printf("bot: cancel side=%s order_id=%d failed: %v", side, current.OrderID, err)
			return
		}
		b.metrics.recordOrder(ctx, side, "cancel", "ok")
		b.record(ctx, "cancel", canceled)
		*slot = nil
	}

	req := b.orderRequest(side, price)
	b.logger.Printf("bot: place side=%s price=%s quantity=%s quote_qty=%s", side, req.Price, req.Quantity, req.QuoteOrderQty)
	order, err := b.exchange.NewOrder(ctx, req)
	if err != nil {
		b.metrics.recordOrder(ctx, side, "place", "error")
		b.logger.Printf("bot: place side=%s price=%s failed: %v", side, req.Price, err)
		return
	}
	b.metrics.recordOrder(ctx, side, "place", "ok")
	b.record(ctx, "place", order)
	if order.Status.Terminal() {
		b.logger.Printf("bot: placed order already %s side=%s order_id=%d", order.Status, side, order.OrderID)
		return
	}
	*slot = &order
	b.logger.Printf("bot: placed side=%s order_id=%d price=%s", side, order.OrderID, order.Price)
}

func (b *Bot) orderRequest(side schema.TradeSide, price decimal.Decimal) schema.OrderRequest {
	req := schema.OrderRequest{
		Symbol:           b.state.Symbol,
		Side:             side,
		Type:             schema.OrderTypeLimit,
		TimeInForce:      timeInForceGTC,
		Price:            numeric.Format(price, b.cfg.PricePrecision),
		NewClientOrderID: uuid.NewString(),
		ResponseType:     responseTypeFull,
	}
	if side == schema.TradeSideBuy {
		req.QuoteOrderQty = numeric.Format(b.state.QuoteAssetQuantity, b.state.QuotePrecision)
	} else {
		req.Quantity = numeric.Format(b.state.BaseAssetQuantity, b.state.BasePrecision)
	}
	return req
}

func (b *Bot) onUserEvent(ctx context.Context, ue schema.UserEvent) {
	b.metrics.recordUserEvent(ctx, string(ue.Kind))
	switch ue.Kind {
	case schema.UserEventExecutionReport:
		b.onExecutionReport(ctx, *ue.ExecutionReport)
	case schema.UserEventBalanceUpdate:
		bu := ue.BalanceUpdate
		b.logger.Printf("bot: balance update asset=%s delta=%s (not applied)", bu.Asset, bu.Delta)
	case schema.UserEventAccountPosition:
		b.logger.Printf("bot: account position assets=%d (not applied)", len(ue.AccountPosition.Balances))
	}
}

func (b *Bot) onExecutionReport(ctx context.Context, report schema.ExecutionReport) {
	if report.Symbol != b.state.Symbol {
		return
	}
	if b.journal != nil {
		if err := b.journal.RecordExecution(ctx, report); err != nil {
			b.logger.Printf("bot: journal execution order_id=%d: %v", report.OrderID, err)
		}
	}
	if !report.Status.Terminal() {
		return
	}
	switch report.Side {
	case schema.TradeSideBuy, schema.TradeSideSell:
		slot := b.state.tracked(report.Side)
		if *slot != nil && (*slot).OrderID == report.OrderID {
			*slot = nil
			b.logger.Printf("bot: order closed side=%s order_id=%d status=%s", report.Side, report.OrderID, report.Status)
			b.metrics.observeState(&b.state)
		}
	}
}

func (b *Bot) onNotice(stream string, evt wsconn.Event) {
	switch evt.Type {
	case wsconn.EventExhausted:
		b.logger.Printf("bot: %s stream gave up reconnecting: %v", stream, evt.Err)
	case wsconn.EventClose:
		b.logger.Printf("bot: %s stream closed code=%d reason=%q", stream, evt.Code, evt.Reason)
	case wsconn.EventError:
		b.logger.Printf("bot: %s stream error: %v", stream, evt.Err)
	}
}

func (b *Bot) record(ctx context.Context, what string, order schema.Order) {
	if b.journal == nil {
		return
	}
	if err := b.journal.RecordOrder(ctx, what, order); err != nil {
		b.logger.Printf("bot: journal %s order_id=%d: %v", what, order.OrderID, err)
	}
}
