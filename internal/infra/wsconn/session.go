// Package wsconn owns a single websocket connection with flat, bounded reconnect.
//
// A Session never interprets payloads beyond checking that each frame is JSON.
// Owners consume Events and decide what an open, close or message means for them.
package wsconn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/sourcegraph/conc"
)

// StatusAppClose is the close code sent when the local process ends a connection.
// A close carrying it never triggers a reconnect.
const StatusAppClose websocket.StatusCode = 4000

const (
	defaultMaxReconnectAttempts = 3
	defaultReconnectInterval    = 500 * time.Millisecond
	defaultSendRetryInterval    = 100 * time.Millisecond
	defaultDialTimeout          = 10 * time.Second
	defaultWriteTimeout         = 5 * time.Second
	defaultReadLimit            = 2 * 1024 * 1024
	defaultEventBuffer          = 256
)

var (
	// ErrReconnectExhausted is returned by Send once the session gave up reconnecting.
	ErrReconnectExhausted = errors.New("wsconn: reconnect attempts exhausted")
	// ErrNotConnected is returned by Send when no connection was ever requested or it was closed.
	ErrNotConnected = errors.New("wsconn: not connected")
)

// EventType enumerates lifecycle notifications.
type EventType int

const (
	EventOpen EventType = iota + 1
	EventMessage
	EventClose
	EventError
	EventExhausted
)

func (t EventType) String() string {
	switch t {
	case EventOpen:
		return "open"
	case EventMessage:
		return "message"
	case EventClose:
		return "close"
	case EventError:
		return "error"
	case EventExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Event is one lifecycle notification. Payload is set for EventMessage, Code and
// Reason for EventClose, Err for EventError and EventExhausted.
type Event struct {
	Type    EventType
	Payload json.RawMessage
	Code    websocket.StatusCode
	Reason  string
	Err     error
}

// Config tunes a Session. Zero values take the defaults.
type Config struct {
	Name                 string
	MaxReconnectAttempts int
	ReconnectInterval    time.Duration
	SendRetryInterval    time.Duration
	DialTimeout          time.Duration
	ReadLimit            int64
	EventBuffer          int
	Logger               *log.Logger
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Name) == "" {
		c.Name = "stream"
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = defaultReconnectInterval
	}
	if c.SendRetryInterval <= 0 {
		c.SendRetryInterval = defaultSendRetryInterval
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = defaultReadLimit
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = defaultEventBuffer
	}
	if c.Logger == nil {
		c.Logger = log.New(io.Discard, "", 0)
	}
	return c
}

// link is one logical connection requested by Connect. It survives reconnects
// and ends on app close or exhaustion.
type link struct {
	url       string
	conn      *websocket.Conn
	closing   chan struct{}
	appClosed bool
	reason    string
	finished  bool
	exhausted bool
}

// Session is safe for concurrent use.
type Session struct {
	cfg     Config
	logger  *log.Logger
	metrics *sessionMetrics
	events  chan Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup

	mu       sync.Mutex
	cur      *link
	last     *link
	attempts int
}

// New returns an idle Session. Call Connect to dial and Shutdown to release it.
func New(cfg Config) *Session {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		cfg:     cfg,
		logger:  cfg.Logger,
		metrics: newSessionMetrics(cfg.Name),
		events:  make(chan Event, cfg.EventBuffer),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Events delivers lifecycle notifications in the order they occurred per connection.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Connect dials url in the background. It is a no-op while a connection is open or being established.
func (s *Session) Connect(url string) {
	s.mu.Lock()
	if s.cur != nil && !s.cur.finished {
		s.mu.Unlock()
		return
	}
	l := &link{url: url, closing: make(chan struct{})}
	s.cur = l
	s.attempts = 0
	s.mu.Unlock()

	s.wg.Go(func() { s.run(l) })
}

// Close ends the current connection with StatusAppClose. Owners observe an
// EventClose carrying that code once the socket is torn down.
func (s *Session) Close(reason string) {
	s.mu.Lock()
	l := s.cur
	if l == nil || l.finished || l.appClosed {
		s.mu.Unlock()
		return
	}
	l.appClosed = true
	l.reason = reason
	close(l.closing)
	conn := l.conn
	l.conn = nil
	s.cur = nil
	s.last = l
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close(StatusAppClose, reason)
	}
}

// Connected reports whether a socket is currently open.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur != nil && s.cur.conn != nil
}

// Active reports whether a connection is open or being (re)established.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur != nil && !s.cur.finished
}

// Send marshals v and writes it once the socket is open, polling every
// SendRetryInterval until then. Concurrent early sends may be delivered in any order.
func (s *Session) Send(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("wsconn %s: marshal: %w", s.cfg.Name, err)
	}
	var ticker *time.Ticker
	for {
		s.mu.Lock()
		l := s.cur
		var conn *websocket.Conn
		if l != nil {
			conn = l.conn
		}
		exhausted := s.last != nil && s.last.exhausted && l == nil
		s.mu.Unlock()

		if l == nil {
			if exhausted {
				return ErrReconnectExhausted
			}
			return ErrNotConnected
		}
		if conn != nil {
			writeCtx, cancel := context.WithTimeout(ctx, defaultWriteTimeout)
			err := conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err == nil {
				s.metrics.recordSend(s.ctx, "success")
				return nil
			}
			s.metrics.recordSend(s.ctx, "error")
			return fmt.Errorf("wsconn %s: write: %w", s.cfg.Name, err)
		}

		if ticker == nil {
			ticker = time.NewTicker(s.cfg.SendRetryInterval)
			defer ticker.Stop()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.ctx.Done():
			return ErrNotConnected
		case <-ticker.C:
		}
	}
}

// Shutdown closes any connection and waits for background goroutines.
func (s *Session) Shutdown() {
	s.Close("shutdown")
	s.cancel()
	s.wg.Wait()
}

func (s *Session) run(l *link) {
	retry := backoff.NewConstantBackOff(s.cfg.ReconnectInterval)
	for {
		code, reason := s.cycle(l)

		s.mu.Lock()
		appClosed := l.appClosed
		if appClosed {
			code = StatusAppClose
			if reason == "" {
				reason = l.reason
			}
		}
		if code == StatusAppClose {
			l.finished = true
			if s.cur == l {
				s.cur = nil
				s.last = l
			}
			s.mu.Unlock()
			s.logger.Printf("%s: closed code=%d reason=%q", s.cfg.Name, code, reason)
			s.emit(Event{Type: EventClose, Code: code, Reason: reason})
			return
		}
		if s.attempts >= s.cfg.MaxReconnectAttempts {
			l.finished = true
			l.exhausted = true
			if s.cur == l {
				s.cur = nil
				s.last = l
			}
			attempts := s.attempts
			s.mu.Unlock()
			s.metrics.recordReconnect(s.ctx, "exhausted")
			s.logger.Printf("%s: reconnect exhausted after %d attempts", s.cfg.Name, attempts)
			s.emit(Event{Type: EventClose, Code: code, Reason: reason})
			s.emit(Event{Type: EventExhausted, Err: fmt.Errorf("%w: %d attempts", ErrReconnectExhausted, attempts)})
			return
		}
		s.attempts++
		attempt := s.attempts
		s.mu.Unlock()

		s.metrics.recordReconnect(s.ctx, "scheduled")
		s.logger.Printf("%s: closed code=%d reason=%q; reconnect attempt=%d", s.cfg.Name, code, reason, attempt)
		s.emit(Event{Type: EventClose, Code: code, Reason: reason})

		timer := time.NewTimer(retry.NextBackOff())
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return
		case <-l.closing:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// cycle dials once and reads until the socket ends, returning the close code and reason.
func (s *Session) cycle(l *link) (websocket.StatusCode, string) {
	select {
	case <-l.closing:
		return StatusAppClose, ""
	default:
	}

	dialCtx, cancel := context.WithTimeout(s.ctx, s.cfg.DialTimeout)
	conn, _, err := websocket.Dial(dialCtx, l.url, nil)
	cancel()
	if err != nil {
		s.metrics.recordConnect(s.ctx, "error")
		s.emit(Event{Type: EventError, Err: fmt.Errorf("wsconn %s: dial %s: %w", s.cfg.Name, l.url, err)})
		return websocket.StatusAbnormalClosure, err.Error()
	}
	conn.SetReadLimit(s.cfg.ReadLimit)

	s.mu.Lock()
	if l.appClosed {
		s.mu.Unlock()
		_ = conn.Close(StatusAppClose, l.reason)
		return StatusAppClose, l.reason
	}
	l.conn = conn
	s.attempts = 0
	s.mu.Unlock()

	s.metrics.recordConnect(s.ctx, "success")
	s.logger.Printf("%s: open url=%s", s.cfg.Name, l.url)
	s.emit(Event{Type: EventOpen})

	code, reason := s.readLoop(conn)

	s.mu.Lock()
	if l.conn == conn {
		l.conn = nil
	}
	s.mu.Unlock()
	_ = conn.CloseNow()
	return code, reason
}

func (s *Session) readLoop(conn *websocket.Conn) (websocket.StatusCode, string) {
	for {
		_, data, err := conn.Read(s.ctx)
		if err != nil {
			var ce websocket.CloseError
			if errors.As(err, &ce) {
				return ce.Code, ce.Reason
			}
			return websocket.StatusAbnormalClosure, err.Error()
		}
		if !json.Valid(data) {
			s.emit(Event{Type: EventError, Err: fmt.Errorf("wsconn %s: frame is not valid json (%d bytes)", s.cfg.Name, len(data))})
			continue
		}
		s.metrics.recordMessage(s.ctx, len(data))
		s.emit(Event{Type: EventMessage, Payload: json.RawMessage(data)})
	}
}

func (s *Session) emit(evt Event) {
	select {
	case s.events <- evt:
	case <-s.ctx.Done():
	}
}
