package binance

import (
	"context"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/stablebot/internal/infra/wsconn"
)

const (
	methodSubscribe         = "SUBSCRIBE"
	methodUnsubscribe       = "UNSUBSCRIBE"
	methodListSubscriptions = "LIST_SUBSCRIPTIONS"

	defaultStreamBuffer = 256
)

// BookTickerTopic names the best bid/ask stream for symbol, e.g. "usdcusdt@bookTicker".
func BookTickerTopic(symbol string) string {
	return strings.ToLower(strings.TrimSpace(symbol)) + "@bookTicker"
}

// StreamConfig configures either stream.
type StreamConfig struct {
	// BaseURL is the raw stream endpoint, e.g. wss://stream.binance.com:9443/ws.
	BaseURL       string
	Session       wsconn.Config
	Logger        *log.Logger
	MessageBuffer int
}

func (c StreamConfig) withDefaults(name string) StreamConfig {
	if c.Logger == nil {
		c.Logger = log.New(io.Discard, "", 0)
	}
	if c.MessageBuffer <= 0 {
		c.MessageBuffer = defaultStreamBuffer
	}
	if c.Session.Name == "" {
		c.Session.Name = name
	}
	if c.Session.Logger == nil {
		c.Session.Logger = c.Logger
	}
	return c
}

type pendingRequest struct {
	method string
	topics []string
}

// MarketStream keeps a set of market topics subscribed on one connection.
// Topics enter the set when the venue acks the SUBSCRIBE and survive reconnects,
// as do topics whose SUBSCRIBE was still unacked when the connection dropped.
type MarketStream struct {
	url      string
	session  *wsconn.Session
	logger   *log.Logger
	metrics  *streamMetrics
	messages chan json.RawMessage
	notices  chan wsconn.Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup

	mu         sync.Mutex
	nextID     uint64
	subscribed map[string]struct{}
	unacked    map[string]struct{}
	pending    map[uint64]pendingRequest
}

// NewMarketStream builds an idle stream; the connection opens on the first Subscribe.
func NewMarketStream(cfg StreamConfig) *MarketStream {
	cfg = cfg.withDefaults("market")
	ctx, cancel := context.WithCancel(context.Background())
	m := &MarketStream{
		url:        cfg.BaseURL,
		session:    wsconn.New(cfg.Session),
		logger:     cfg.Logger,
		metrics:    newStreamMetrics(cfg.Session.Name),
		messages:   make(chan json.RawMessage, cfg.MessageBuffer),
		notices:    make(chan wsconn.Event, 16),
		ctx:        ctx,
		cancel:     cancel,
		subscribed: make(map[string]struct{}),
		unacked:    make(map[string]struct{}),
		pending:    make(map[uint64]pendingRequest),
	}
	m.wg.Go(m.run)
	return m
}

// Messages delivers every frame that is not a control response, unparsed.
func (m *MarketStream) Messages() <-chan json.RawMessage { return m.messages }

// Notices delivers connection closes, errors and reconnect exhaustion. Full
// buffers drop closes and errors; exhaustion always waits for a reader.
func (m *MarketStream) Notices() <-chan wsconn.Event { return m.notices }

// Subscribe requests topic. It is a no-op when topic is already subscribed or
// its SUBSCRIBE is still awaiting an ack.
func (m *MarketStream) Subscribe(ctx context.Context, topic string) error {
	m.mu.Lock()
	if _, ok := m.subscribed[topic]; ok {
		m.mu.Unlock()
		return nil
	}
	for _, req := range m.pending {
		if req.method == methodSubscribe && contains(req.topics, topic) {
			m.mu.Unlock()
			return nil
		}
	}
	if _, ok := m.unacked[topic]; ok {
		if m.session.Active() {
			m.mu.Unlock()
			return nil
		}
		delete(m.unacked, topic)
	}
	if !m.session.Active() {
		m.session.Connect(m.url)
	}
	id := m.track(methodSubscribe, topic)
	m.mu.Unlock()

	return m.send(ctx, subscribeRequest{Method: methodSubscribe, Params: []string{topic}, ID: id})
}

// Unsubscribe drops topic. It is a no-op when disconnected or topic is not
// subscribed. Removing the last topic closes the connection.
func (m *MarketStream) Unsubscribe(ctx context.Context, topic string) error {
	m.mu.Lock()
	if !m.session.Active() {
		m.mu.Unlock()
		return nil
	}
	if _, ok := m.subscribed[topic]; !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.subscribed, topic)
	id := m.track(methodUnsubscribe, topic)
	drained := len(m.subscribed) == 0
	m.mu.Unlock()

	err := m.send(ctx, subscribeRequest{Method: methodUnsubscribe, Params: []string{topic}, ID: id})
	if drained {
		m.session.Close("no subscriptions")
	}
	return err
}

// ListSubscriptions asks the venue for its view of the subscription set. The
// reply replaces the local set.
func (m *MarketStream) ListSubscriptions(ctx context.Context) error {
	m.mu.Lock()
	if !m.session.Active() {
		m.mu.Unlock()
		return wsconn.ErrNotConnected
	}
	id := m.track(methodListSubscriptions)
	m.mu.Unlock()
	return m.send(ctx, subscribeRequest{Method: methodListSubscriptions, ID: id})
}

// Subscriptions returns the acked topics, sorted.
func (m *MarketStream) Subscriptions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.subscribed))
	for topic := range m.subscribed {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}

// PendingRequests reports how many control requests await an ack.
func (m *MarketStream) PendingRequests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Shutdown closes the connection and stops background work.
func (m *MarketStream) Shutdown() {
	m.session.Shutdown()
	m.cancel()
	m.wg.Wait()
}

// track records a pending request and returns its id. Callers hold m.mu.
func (m *MarketStream) track(method string, topics ...string) uint64 {
	m.nextID++
	m.pending[m.nextID] = pendingRequest{method: method, topics: topics}
	return m.nextID
}

func (m *MarketStream) send(ctx context.Context, req subscribeRequest) error {
	if err := m.session.Send(ctx, req); err != nil {
		return fmt.Errorf("binance market stream: %s id=%d: %w", req.Method, req.ID, err)
	}
	m.metrics.recordControl(ctx, req.Method)
	m.logger.Printf("market stream: sent %s id=%d params=%v", req.Method, req.ID, req.Params)
	return nil
}

func (m *MarketStream) run() {
	for {
		select {
		case <-m.ctx.Done():
			return
		case evt := <-m.session.Events():
			switch evt.Type {
			case wsconn.EventOpen:
				m.resubscribe()
			case wsconn.EventMessage:
				m.handleMessage(evt.Payload)
			case wsconn.EventClose:
				// A newer connection may already be in flight; its state stays.
				if evt.Code == wsconn.StatusAppClose && !m.session.Active() {
					m.mu.Lock()
					m.subscribed = make(map[string]struct{})
					m.unacked = make(map[string]struct{})
					m.pending = make(map[uint64]pendingRequest)
					m.mu.Unlock()
				} else if evt.Code != wsconn.StatusAppClose {
					m.requeuePending()
				}
				m.notify(evt)
			default:
				m.notify(evt)
			}
		}
	}
}

// requeuePending forgets requests sent on a dropped connection. Their acks
// can no longer arrive; unacked SUBSCRIBE topics are resent on the next open.
func (m *MarketStream) requeuePending() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, req := range m.pending {
		if req.method == methodSubscribe {
			for _, t := range req.topics {
				m.unacked[t] = struct{}{}
			}
		}
		delete(m.pending, id)
	}
}

// resubscribe re-sends one SUBSCRIBE per topic believed subscribed or left unacked.
func (m *MarketStream) resubscribe() {
	m.mu.Lock()
	topics := make([]string, 0, len(m.subscribed)+len(m.unacked))
	for topic := range m.subscribed {
		topics = append(topics, topic)
	}
	for topic := range m.unacked {
		if _, ok := m.subscribed[topic]; !ok {
			topics = append(topics, topic)
		}
	}
	m.unacked = make(map[string]struct{})
	sort.Strings(topics)
	reqs := make([]subscribeRequest, 0, len(topics))
	for _, topic := range topics {
		reqs = append(reqs, subscribeRequest{Method: methodSubscribe, Params: []string{topic}, ID: m.track(methodSubscribe, topic)})
	}
	m.mu.Unlock()
	if len(reqs) == 0 {
		return
	}
	m.wg.Go(func() {
		for _, req := range reqs {
			if err := m.send(m.ctx, req); err != nil {
				m.logger.Printf("market stream: resubscribe %v: %v", req.Params, err)
				m.notify(wsconn.Event{Type: wsconn.EventError, Err: err})
			}
		}
	})
}

func (m *MarketStream) handleMessage(payload json.RawMessage) {
	var resp controlResponse
	if err := json.Unmarshal(payload, &resp); err == nil && resp.ID != nil {
		m.handleControl(*resp.ID, resp)
		return
	}
	select {
	case m.messages <- payload:
	case <-m.ctx.Done():
	}
}

func (m *MarketStream) handleControl(id uint64, resp controlResponse) {
	m.mu.Lock()
	req, ok := m.pending[id]
	if !ok {
		m.mu.Unlock()
		m.metrics.recordAck(m.ctx, "unknown_id")
		m.logger.Printf("market stream: ignoring response for unknown id=%d", id)
		return
	}
	delete(m.pending, id)

	if resp.Error != nil {
		m.mu.Unlock()
		m.metrics.recordAck(m.ctx, "error")
		err := fmt.Errorf("binance market stream: %s id=%d rejected: code=%d msg=%s", req.method, id, resp.Error.Code, resp.Error.Msg)
		m.logger.Print(err)
		m.notify(wsconn.Event{Type: wsconn.EventError, Err: err})
		return
	}

	switch req.method {
	case methodSubscribe:
		if resp.Result == nil {
			for _, t := range req.topics {
				m.subscribed[t] = struct{}{}
			}
		}
	case methodUnsubscribe:
		if resp.Result == nil {
			for _, t := range req.topics {
				delete(m.subscribed, t)
			}
		}
	case methodListSubscriptions:
		var topics []string
		if resp.Result != nil {
			if err := json.Unmarshal(*resp.Result, &topics); err != nil {
				m.mu.Unlock()
				m.metrics.recordIgnored(m.ctx, "bad_list_result")
				m.logger.Printf("market stream: ignoring malformed list result id=%d: %v", id, err)
				return
			}
		}
		m.subscribed = make(map[string]struct{}, len(topics))
		for _, t := range topics {
			m.subscribed[t] = struct{}{}
		}
	}
	m.mu.Unlock()
	m.metrics.recordAck(m.ctx, "matched")
}

func (m *MarketStream) notify(evt wsconn.Event) {
	deliverNotice(m.ctx, m.notices, evt)
}

// deliverNotice queues evt for the owner. Exhaustion ends the connection for
// good, so it blocks until read or ctx ends; anything else is dropped when full.
func deliverNotice(ctx context.Context, notices chan<- wsconn.Event, evt wsconn.Event) {
	if evt.Type == wsconn.EventExhausted {
		select {
		case notices <- evt:
		case <-ctx.Done():
		}
		return
	}
	select {
	case notices <- evt:
	default:
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
