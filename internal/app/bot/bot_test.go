package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/coachpo/stablebot/errs"
	"github.com/coachpo/stablebot/internal/domain/schema"
	"github.com/coachpo/stablebot/internal/infra/wsconn"
)

const waitFor = 2 * time.Second

type call struct {
	op      string
	side    schema.TradeSide
	orderID int64
	req     schema.OrderRequest
	at      time.Time
}

type fakeExchange struct {
	mu sync.Mutex

	info        schema.SymbolInfo
	infoErr     error
	balances    []schema.AssetBalance
	open        []schema.Order
	cancelDelay time.Duration
	cancelErr   error
	placeErr    error
	placeStatus schema.OrderStatus

	nextID int64
	calls  []call
	// cancelDone is when the latest cancel returned.
	cancelDone time.Time
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		info: schema.SymbolInfo{Symbol: "USDCUSDT", BaseAsset: "USDC", QuoteAsset: "USDT", BaseAssetPrecision: 8, QuotePrecision: 8},
		balances: []schema.AssetBalance{
			{Asset: "USDC", Free: d("50")},
			{Asset: "USDT", Free: d("100")},
			{Asset: "BNB", Free: d("1")},
		},
		nextID: 100,
	}
}

func (f *fakeExchange) record(c call) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c.at = time.Now()
	f.calls = append(f.calls, c)
}

func (f *fakeExchange) ExchangeInfo(_ context.Context, symbol string) (schema.SymbolInfo, error) {
	f.record(call{op: "exchangeInfo"})
	if f.infoErr != nil {
		return schema.SymbolInfo{}, f.infoErr
	}
	if symbol != f.info.Symbol {
		return schema.SymbolInfo{}, errs.New("binance", errs.CodeNotFound, errs.WithCanonicalCode(errs.CanonicalInvalidSymbol))
	}
	return f.info, nil
}

func (f *fakeExchange) Balances(context.Context) ([]schema.AssetBalance, error) {
	f.record(call{op: "balances"})
	return f.balances, nil
}

func (f *fakeExchange) OpenOrders(context.Context, string) ([]schema.Order, error) {
	f.record(call{op: "openOrders"})
	return f.open, nil
}

func (f *fakeExchange) NewOrder(_ context.Context, req schema.OrderRequest) (schema.Order, error) {
	f.record(call{op: "place", side: req.Side, req: req})
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil {
		return schema.Order{}, f.placeErr
	}
	f.nextID++
	status := f.placeStatus
	if status == "" {
		status = schema.OrderStatusNew
	}
	return schema.Order{
		OrderID:       f.nextID,
		ClientOrderID: req.NewClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Status:        status,
		Price:         d(req.Price),
	}, nil
}

func (f *fakeExchange) CancelOrder(_ context.Context, symbol string, orderID int64) (schema.Order, error) {
	f.record(call{op: "cancel", orderID: orderID})
	if f.cancelDelay > 0 {
		time.Sleep(f.cancelDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelDone = time.Now()
	if f.cancelErr != nil {
		return schema.Order{}, f.cancelErr
	}
	return schema.Order{OrderID: orderID, Symbol: symbol, Status: schema.OrderStatusCanceled}, nil
}

func (f *fakeExchange) CancelAllOpenOrders(_ context.Context, symbol string) ([]schema.Order, error) {
	f.record(call{op: "cancelAll"})
	return []schema.Order{{OrderID: 1, Symbol: symbol, Status: schema.OrderStatusCanceled}}, nil
}

func (f *fakeExchange) ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		switch c.op {
		case "place":
			out = append(out, fmt.Sprintf("place:%s@%s", c.side, c.req.Price))
		case "cancel":
			out = append(out, fmt.Sprintf("cancel:%d", c.orderID))
		default:
			out = append(out, c.op)
		}
	}
	return out
}

func (f *fakeExchange) tradingOps() []string {
	var out []string
	for _, op := range f.ops() {
		if strings.HasPrefix(op, "place") || strings.HasPrefix(op, "cancel") {
			out = append(out, op)
		}
	}
	return out
}

func (f *fakeExchange) lastPlace(t *testing.T) call {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.calls) - 1; i >= 0; i-- {
		if f.calls[i].op == "place" {
			return f.calls[i]
		}
	}
	t.Fatalf("no placement recorded")
	return call{}
}

// fakeFeed serves both MarketFeed and UserFeed. Messages is unbuffered so a
// completed push means the previous message has been handed to the bot.
type fakeFeed struct {
	mu           sync.Mutex
	subscribed   []string
	unsubscribed []string
	subErr       error

	messages chan json.RawMessage
	notices  chan wsconn.Event
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{messages: make(chan json.RawMessage), notices: make(chan wsconn.Event, 4)}
}

type fakeMarket struct{ *fakeFeed }

func (f fakeMarket) Subscribe(_ context.Context, topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, topic)
	return f.subErr
}

func (f fakeMarket) Unsubscribe(_ context.Context, topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, topic)
	return nil
}

type fakeUser struct{ *fakeFeed }

func (f fakeUser) Subscribe(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, "user")
	return f.subErr
}

func (f fakeUser) Unsubscribe(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, "user")
	return nil
}

func (f *fakeFeed) Messages() <-chan json.RawMessage { return f.messages }
func (f *fakeFeed) Notices() <-chan wsconn.Event     { return f.notices }

func (f *fakeFeed) push(t *testing.T, payload string) {
	t.Helper()
	select {
	case f.messages <- json.RawMessage(payload):
	case <-time.After(waitFor):
		t.Fatalf("bot did not consume %s", payload)
	}
}

func (f *fakeFeed) subscriptions() ([]string, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.subscribed...), append([]string(nil), f.unsubscribed...)
}

type fakeJournal struct {
	mu         sync.Mutex
	orders     []string
	executions []int64
}

func (j *fakeJournal) RecordOrder(_ context.Context, event string, order schema.Order) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.orders = append(j.orders, fmt.Sprintf("%s:%d", event, order.OrderID))
	return nil
}

func (j *fakeJournal) RecordExecution(_ context.Context, report schema.ExecutionReport) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.executions = append(j.executions, report.OrderID)
	return nil
}

type harness struct {
	bot      *Bot
	exchange *fakeExchange
	market   fakeMarket
	user     fakeUser
	journal  *fakeJournal
}

func newHarness(t *testing.T, exchange *fakeExchange, mutate ...func(*Options)) *harness {
	t.Helper()
	h := &harness{
		exchange: exchange,
		market:   fakeMarket{newFakeFeed()},
		user:     fakeUser{newFakeFeed()},
		journal:  &fakeJournal{},
	}
	opts := Options{
		Config: Config{
			BaseAsset:     "usdc",
			QuoteAsset:    "usdt",
			BuyPriceLimit: d("101"),
		},
		Exchange: exchange,
		Market:   h.market,
		User:     h.user,
		Journal:  h.journal,
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	b, err := New(opts)
	if err != nil {
		t.Fatalf("new bot: %v", err)
	}
	h.bot = b
	t.Cleanup(func() { _ = b.Stop(context.Background()) })
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.bot.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
}

// tick pushes a book ticker and then an ignored frame, so the tick is queued
// ahead of any later Snapshot.
func (h *harness) tick(t *testing.T, bid, bidQty, ask, askQty string) {
	t.Helper()
	h.market.push(t, fmt.Sprintf(`{"u":1,"s":"USDCUSDT","b":%q,"B":%q,"a":%q,"A":%q}`, bid, bidQty, ask, askQty))
	h.market.push(t, `{"u":2,"s":"OTHERPAIR","b":"1","B":"1","a":"1","A":"1"}`)
}

func (h *harness) report(t *testing.T, symbol string, side schema.TradeSide, status schema.OrderStatus, orderID int64) {
	t.Helper()
	h.user.push(t, fmt.Sprintf(`{"e":"executionReport","E":1,"s":%q,"S":%q,"x":"TRADE","X":%q,"i":%d}`, symbol, side, status, orderID))
	h.user.push(t, `{"e":"balanceUpdate","E":1,"a":"BNB","d":"0","T":1}`)
}

func (h *harness) snapshot(t *testing.T) State {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	s, err := h.bot.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	return s
}

func TestStartRunsInitializationBeforeSubscribing(t *testing.T) {
	ex := newFakeExchange()
	ex.open = []schema.Order{
		{OrderID: 1, Side: schema.TradeSideBuy, Price: d("0.9990"), Status: schema.OrderStatusNew},
		{OrderID: 2, Side: schema.TradeSideSell, Price: d("1.0010"), Status: schema.OrderStatusNew},
		{OrderID: 3, Side: schema.TradeSideBuy, Price: d("0.9991"), Status: schema.OrderStatusNew},
	}
	h := newHarness(t, ex)
	h.start(t)

	if got := strings.Join(ex.ops(), ","); got != "exchangeInfo,balances,openOrders" {
		t.Fatalf("unexpected init sequence %s", got)
	}
	if subs, _ := h.market.subscriptions(); len(subs) != 1 || subs[0] != "usdcusdt@bookTicker" {
		t.Fatalf("unexpected market subscriptions %v", subs)
	}
	if subs, _ := h.user.subscriptions(); len(subs) != 1 {
		t.Fatalf("user stream not subscribed: %v", subs)
	}

	s := h.snapshot(t)
	if s.Symbol != "USDCUSDT" || s.BasePrecision != 8 || s.QuotePrecision != 8 {
		t.Fatalf("unexpected metadata %+v", s)
	}
	if !s.BaseAssetQuantity.Equal(d("50")) || !s.QuoteAssetQuantity.Equal(d("100")) {
		t.Fatalf("unexpected balances base=%s quote=%s", s.BaseAssetQuantity, s.QuoteAssetQuantity)
	}
	// last one wins per side
	if s.BuyOrder == nil || s.BuyOrder.OrderID != 3 || s.SellOrder == nil || s.SellOrder.OrderID != 2 {
		t.Fatalf("unexpected adopted orders buy=%+v sell=%+v", s.BuyOrder, s.SellOrder)
	}

	if err := h.bot.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestStartFailsForUnknownSymbolBeforeSubscribing(t *testing.T) {
	ex := newFakeExchange()
	h := newHarness(t, ex, func(o *Options) { o.Config.BaseAsset = "FOO" })

	err := h.bot.Start(context.Background())
	if !errs.IsCanonical(err, errs.CanonicalInvalidSymbol) {
		t.Fatalf("expected invalid symbol, got %v", err)
	}
	if subs, _ := h.market.subscriptions(); len(subs) != 0 {
		t.Fatalf("market stream must not be subscribed, got %v", subs)
	}
	if subs, _ := h.user.subscriptions(); len(subs) != 0 {
		t.Fatalf("user stream must not be subscribed, got %v", subs)
	}
	if got := strings.Join(ex.ops(), ","); got != "exchangeInfo" {
		t.Fatalf("init should stop at metadata, ran %s", got)
	}
}

func TestStartFailsWhenBothBalancesAreBelowMinimum(t *testing.T) {
	ex := newFakeExchange()
	ex.balances = []schema.AssetBalance{{Asset: "USDC", Free: d("10.99")}, {Asset: "USDT", Free: d("9.99")}}
	h := newHarness(t, ex)

	err := h.bot.Start(context.Background())
	if !errs.IsCanonical(err, errs.CanonicalInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	if subs, _ := h.market.subscriptions(); len(subs) != 0 {
		t.Fatalf("market stream must not be subscribed")
	}
}

func TestStartAllowsOneFundedSide(t *testing.T) {
	ex := newFakeExchange()
	ex.balances = []schema.AssetBalance{{Asset: "USDC", Free: d("0")}, {Asset: "USDT", Free: d("10")}}
	h := newHarness(t, ex)
	h.start(t)

	// Quote balance equals the minimum: startup passes, but quoting needs strictly more.
	h.tick(t, "1.0000", "10", "1.0001", "10")
	h.snapshot(t)
	if ops := ex.tradingOps(); len(ops) != 0 {
		t.Fatalf("no side is above its minimum, got %v", ops)
	}
}

func TestTickPlacesBothSides(t *testing.T) {
	ex := newFakeExchange()
	h := newHarness(t, ex)
	h.start(t)

	h.tick(t, "100.00", "10", "100.02", "30")
	s := h.snapshot(t)

	ops := ex.tradingOps()
	// ratio 3: buy one step under bid; sell side sees ratio >= 1.25 and quotes the bid
	want := []string{"place:BUY@99.9999", "place:SELL@100.0000"}
	if strings.Join(ops, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected operations %v", ops)
	}
	if s.BuyOrder == nil || !s.BuyOrder.Price.Equal(d("99.9999")) {
		t.Fatalf("buy order not tracked: %+v", s.BuyOrder)
	}
	if s.SellOrder == nil || !s.SellOrder.Price.Equal(d("100")) {
		t.Fatalf("sell order not tracked: %+v", s.SellOrder)
	}
	if s.LastTick == nil || s.LastTick.Symbol != "USDCUSDT" {
		t.Fatalf("last tick not recorded: %+v", s.LastTick)
	}
}

func TestOrderRequestShape(t *testing.T) {
	ex := newFakeExchange()
	ex.balances = []schema.AssetBalance{{Asset: "USDC", Free: d("0")}, {Asset: "USDT", Free: d("123.456789123")}}
	h := newHarness(t, ex)
	h.start(t)

	h.tick(t, "1.00005", "10", "1.0001", "1")
	h.snapshot(t)

	req := ex.lastPlace(t).req
	if req.Symbol != "USDCUSDT" || req.Side != schema.TradeSideBuy || req.Type != schema.OrderTypeLimit {
		t.Fatalf("unexpected order header %+v", req)
	}
	if req.Price != "1.0000" {
		t.Fatalf("price must be truncated to 4 decimals, got %s", req.Price)
	}
	if req.QuoteOrderQty != "123.45678912" || req.Quantity != "" {
		t.Fatalf("buy must use the full quote balance, got qty=%q quoteQty=%q", req.Quantity, req.QuoteOrderQty)
	}
	if req.ResponseType != "FULL" || req.TimeInForce != "GTC" || req.NewClientOrderID == "" {
		t.Fatalf("unexpected order options %+v", req)
	}
}

func TestSellUsesBaseBalance(t *testing.T) {
	ex := newFakeExchange()
	ex.balances = []schema.AssetBalance{{Asset: "USDC", Free: d("42.5")}, {Asset: "USDT", Free: d("1")}}
	h := newHarness(t, ex)
	h.start(t)

	h.tick(t, "100.00", "10", "100.02", "4")
	h.snapshot(t)

	req := ex.lastPlace(t).req
	if req.Side != schema.TradeSideSell || req.Price != "100.0201" {
		t.Fatalf("unexpected sell %+v", req)
	}
	if req.Quantity != "42.50000000" || req.QuoteOrderQty != "" {
		t.Fatalf("sell must use the full base balance, got qty=%q quoteQty=%q", req.Quantity, req.QuoteOrderQty)
	}
}

func TestUnchangedQuoteIsNoop(t *testing.T) {
	ex := newFakeExchange()
	h := newHarness(t, ex)
	h.start(t)

	h.tick(t, "1.0000", "10", "1.0001", "6")
	h.snapshot(t)
	before := len(ex.tradingOps())

	h.tick(t, "1.0000", "10", "1.0001", "6")
	h.tick(t, "1.0000", "11", "1.0001", "6.5")
	h.snapshot(t)
	if after := ex.tradingOps(); len(after) != before {
		t.Fatalf("same prices must not cancel or place, got %v", after[before:])
	}
}

func TestRepriceCancelsBeforePlacing(t *testing.T) {
	ex := newFakeExchange()
	ex.balances = []schema.AssetBalance{{Asset: "USDT", Free: d("100")}}
	ex.open = []schema.Order{{OrderID: 7, Side: schema.TradeSideBuy, Price: d("0.9990"), Status: schema.OrderStatusNew}}
	ex.cancelDelay = 30 * time.Millisecond
	h := newHarness(t, ex)
	h.start(t)

	h.tick(t, "1.0000", "10", "1.0001", "1")
	s := h.snapshot(t)

	if got := strings.Join(ex.tradingOps(), ","); got != "cancel:7,place:BUY@1.0000" {
		t.Fatalf("unexpected operations %s", got)
	}
	place := ex.lastPlace(t)
	ex.mu.Lock()
	cancelDone := ex.cancelDone
	ex.mu.Unlock()
	if place.at.Before(cancelDone) {
		t.Fatalf("placement started before the cancel returned")
	}
	if s.BuyOrder == nil || s.BuyOrder.OrderID == 7 {
		t.Fatalf("replacement not tracked: %+v", s.BuyOrder)
	}
	h.journal.mu.Lock()
	defer h.journal.mu.Unlock()
	if len(h.journal.orders) != 2 || h.journal.orders[0] != "cancel:7" || !strings.HasPrefix(h.journal.orders[1], "place:") {
		t.Fatalf("unexpected journal %v", h.journal.orders)
	}
}

func TestCancelFailureKeepsTrackedOrder(t *testing.T) {
	ex := newFakeExchange()
	ex.balances = []schema.AssetBalance{{Asset: "USDT", Free: d("100")}}
	ex.open = []schema.Order{{OrderID: 7, Side: schema.TradeSideBuy, Price: d("0.9990"), Status: schema.OrderStatusNew}}
	ex.cancelErr = errs.New("binance", errs.CodeUnavailable)
	h := newHarness(t, ex)
	h.start(t)

	h.tick(t, "1.0000", "10", "1.0001", "1")
	s := h.snapshot(t)
	if got := strings.Join(ex.tradingOps(), ","); got != "cancel:7" {
		t.Fatalf("a failed cancel must not be followed by a placement, got %s", got)
	}
	if s.BuyOrder == nil || s.BuyOrder.OrderID != 7 {
		t.Fatalf("order should remain tracked after failed cancel: %+v", s.BuyOrder)
	}
}

func TestPlacementFailureLeavesSideEmpty(t *testing.T) {
	ex := newFakeExchange()
	ex.balances = []schema.AssetBalance{{Asset: "USDT", Free: d("100")}}
	ex.placeErr = errs.New("binance", errs.CodeInvalid, errs.WithCanonicalCode(errs.CanonicalInsufficientBalance))
	h := newHarness(t, ex)
	h.start(t)

	h.tick(t, "1.0000", "10", "1.0001", "1")
	if s := h.snapshot(t); s.BuyOrder != nil {
		t.Fatalf("failed placement must not be tracked")
	}
	// the next tick retries
	ex.mu.Lock()
	ex.placeErr = nil
	ex.mu.Unlock()
	h.tick(t, "1.0000", "10", "1.0001", "1")
	if s := h.snapshot(t); s.BuyOrder == nil {
		t.Fatalf("retry on next tick should place")
	}
}

func TestTerminalPlacementIsNotTracked(t *testing.T) {
	ex := newFakeExchange()
	ex.balances = []schema.AssetBalance{{Asset: "USDT", Free: d("100")}}
	ex.placeStatus = schema.OrderStatusExpired
	h := newHarness(t, ex)
	h.start(t)

	h.tick(t, "1.0000", "10", "1.0001", "1")
	if s := h.snapshot(t); s.BuyOrder != nil {
		t.Fatalf("an order that is already terminal must not be tracked: %+v", s.BuyOrder)
	}
}

func TestTicksForOtherSymbolsAreIgnored(t *testing.T) {
	ex := newFakeExchange()
	h := newHarness(t, ex)
	h.start(t)

	h.market.push(t, `{"u":1,"s":"BTCUSDT","b":"1","B":"10","a":"2","A":"30"}`)
	h.market.push(t, `{"not":"a tick"}`)
	h.market.push(t, `{"u":1,"s":"ETHUSDT","b":"1","B":"10","a":"2","A":"30"}`)
	s := h.snapshot(t)
	if ops := ex.tradingOps(); len(ops) != 0 {
		t.Fatalf("foreign ticks must not trade, got %v", ops)
	}
	if s.LastTick != nil {
		t.Fatalf("foreign tick recorded as last tick")
	}
}

func TestExecutionReportsClearOnlyMatchingTerminalOrders(t *testing.T) {
	ex := newFakeExchange()
	ex.open = []schema.Order{
		{OrderID: 10, Side: schema.TradeSideBuy, Price: d("0.9999"), Status: schema.OrderStatusNew},
		{OrderID: 20, Side: schema.TradeSideSell, Price: d("1.0001"), Status: schema.OrderStatusNew},
	}
	h := newHarness(t, ex)
	h.start(t)

	h.report(t, "USDCUSDT", schema.TradeSideBuy, schema.OrderStatusPartiallyFilled, 10)
	h.report(t, "BTCUSDT", schema.TradeSideBuy, schema.OrderStatusFilled, 10)
	h.report(t, "USDCUSDT", schema.TradeSideBuy, schema.OrderStatusFilled, 11)
	h.report(t, "USDCUSDT", schema.TradeSideSell, schema.OrderStatusFilled, 10)
	s := h.snapshot(t)
	if s.BuyOrder == nil || s.BuyOrder.OrderID != 10 || s.SellOrder == nil || s.SellOrder.OrderID != 20 {
		t.Fatalf("non-matching reports mutated state: buy=%+v sell=%+v", s.BuyOrder, s.SellOrder)
	}
	if !s.BuyOrder.Price.Equal(d("0.9999")) {
		t.Fatalf("partial fill must not reprice the tracked order")
	}

	for _, tc := range []struct {
		side   schema.TradeSide
		status schema.OrderStatus
		id     int64
	}{
		{schema.TradeSideBuy, schema.OrderStatusFilled, 10},
		{schema.TradeSideSell, schema.OrderStatusCanceled, 20},
	} {
		h.report(t, "USDCUSDT", tc.side, tc.status, tc.id)
	}
	s = h.snapshot(t)
	if s.BuyOrder != nil || s.SellOrder != nil {
		t.Fatalf("terminal reports should clear both sides: buy=%+v sell=%+v", s.BuyOrder, s.SellOrder)
	}
	if ops := ex.tradingOps(); len(ops) != 0 {
		t.Fatalf("execution reports must not trigger REST calls, got %v", ops)
	}
}

func TestEveryTerminalStatusClearsTheSide(t *testing.T) {
	for _, status := range []schema.OrderStatus{
		schema.OrderStatusCanceled, schema.OrderStatusFilled, schema.OrderStatusRejected, schema.OrderStatusExpired,
	} {
		t.Run(string(status), func(t *testing.T) {
			ex := newFakeExchange()
			ex.open = []schema.Order{{OrderID: 5, Side: schema.TradeSideSell, Price: d("1.0001"), Status: schema.OrderStatusNew}}
			h := newHarness(t, ex)
			h.start(t)

			h.report(t, "USDCUSDT", schema.TradeSideSell, status, 5)
			if s := h.snapshot(t); s.SellOrder != nil {
				t.Fatalf("%s should clear the sell side", status)
			}
		})
	}
}

// lastBuyPrice is read by the sell rule but nothing records it when a buy
// fills, so the margin floor stays dormant. This pins the current behavior.
func TestLastBuyPriceIsNotRecordedOnBuyFill(t *testing.T) {
	ex := newFakeExchange()
	h := newHarness(t, ex)
	h.start(t)

	h.tick(t, "1.0000", "10", "1.0001", "30")
	s := h.snapshot(t)
	if s.BuyOrder == nil {
		t.Fatalf("expected a buy order")
	}
	h.report(t, "USDCUSDT", schema.TradeSideBuy, schema.OrderStatusFilled, s.BuyOrder.OrderID)
	s = h.snapshot(t)
	if s.LastBuyPrice != nil {
		t.Fatalf("known gap: lastBuyPrice is not tracked on fill, got %s", s.LastBuyPrice)
	}
	// With no floor the sell keeps quoting the bid under heavy ask pressure.
	h.tick(t, "0.9990", "10", "0.9991", "30")
	h.snapshot(t)
	if req := ex.lastPlace(t).req; req.Side != schema.TradeSideSell || req.Price != "0.9990" {
		t.Fatalf("unexpected sell %+v", req)
	}
}

func TestBalanceEventsDoNotMutateBalances(t *testing.T) {
	ex := newFakeExchange()
	h := newHarness(t, ex)
	h.start(t)

	h.user.push(t, `{"e":"balanceUpdate","E":1,"a":"USDT","d":"-90","T":1}`)
	h.user.push(t, `{"e":"outboundAccountPosition","E":1,"u":1,"B":[{"a":"USDC","f":"0","l":"0"}]}`)
	h.user.push(t, `{"e":"listStatus","E":1}`)
	s := h.snapshot(t)
	if !s.QuoteAssetQuantity.Equal(d("100")) || !s.BaseAssetQuantity.Equal(d("50")) {
		t.Fatalf("balances drifted base=%s quote=%s", s.BaseAssetQuantity, s.QuoteAssetQuantity)
	}
}

func TestStopUnsubscribesAndOptionallyCancels(t *testing.T) {
	ex := newFakeExchange()
	h := newHarness(t, ex, func(o *Options) { o.Config.CancelOnStop = true })
	h.start(t)

	if err := h.bot.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, unsubs := h.market.subscriptions(); len(unsubs) != 1 || unsubs[0] != "usdcusdt@bookTicker" {
		t.Fatalf("market stream not unsubscribed: %v", unsubs)
	}
	if _, unsubs := h.user.subscriptions(); len(unsubs) != 1 {
		t.Fatalf("user stream not unsubscribed: %v", unsubs)
	}
	ops := ex.ops()
	if ops[len(ops)-1] != "cancelAll" {
		t.Fatalf("expected cancel-all on stop, got %v", ops)
	}
	if err := h.bot.Stop(context.Background()); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if _, err := h.bot.Snapshot(context.Background()); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning after stop, got %v", err)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	ex := newFakeExchange()
	ex.open = []schema.Order{{OrderID: 10, Side: schema.TradeSideBuy, Price: d("0.9999"), Status: schema.OrderStatusNew}}
	h := newHarness(t, ex)
	h.start(t)

	s := h.snapshot(t)
	s.BuyOrder.Price = d("5")
	if again := h.snapshot(t); !again.BuyOrder.Price.Equal(d("0.9999")) {
		t.Fatalf("snapshot aliases bot state")
	}
}

func TestPrometheusGaugesTrackQuotes(t *testing.T) {
	ex := newFakeExchange()
	reg := prometheus.NewRegistry()
	h := newHarness(t, ex, func(o *Options) { o.Registerer = reg })
	h.start(t)

	h.tick(t, "100.00", "10", "100.02", "30")
	h.snapshot(t)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	prices := map[string]float64{}
	for _, mf := range families {
		if mf.GetName() != "stablebot_quote_price" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "side" {
					prices[lp.GetValue()] = m.GetGauge().GetValue()
				}
			}
		}
	}
	if prices["BUY"] != 99.9999 || prices["SELL"] != 100 {
		t.Fatalf("unexpected quote gauges %v", prices)
	}
}

func TestNewValidatesConfig(t *testing.T) {
	feed := fakeMarket{newFakeFeed()}
	user := fakeUser{newFakeFeed()}
	for name, cfg := range map[string]Config{
		"missing quote": {BaseAsset: "USDC", BuyPriceLimit: decimal.NewFromInt(1)},
		"zero limit":    {BaseAsset: "USDC", QuoteAsset: "USDT"},
	} {
		if _, err := New(Options{Config: cfg, Exchange: newFakeExchange(), Market: feed, User: user}); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
