package binance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/stablebot/internal/infra/wsconn"
)

const defaultListenKeyRenewInterval = 30 * time.Minute

// ErrNoListenKey is returned when the user stream is used before Subscribe.
var ErrNoListenKey = errors.New("binance: user stream has no listen key")

// ListenKeyClient manages the REST side of a user data stream.
type ListenKeyClient interface {
	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context, key string) (string, error)
	CloseListenKey(ctx context.Context, key string) error
}

// UserStreamConfig configures a UserStream.
type UserStreamConfig struct {
	StreamConfig
	RenewInterval time.Duration
	// CloseListenKeyOnUnsubscribe also invalidates the key server-side when unsubscribing.
	CloseListenKeyOnUnsubscribe bool
}

// UserStream delivers account events over a connection addressed by a listen
// key. The key is kept alive on a timer and the connection is re-established
// with whatever key the keep-alive returns.
type UserStream struct {
	client   ListenKeyClient
	cfg      UserStreamConfig
	session  *wsconn.Session
	metrics  *streamMetrics
	messages chan json.RawMessage
	notices  chan wsconn.Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup

	mu        sync.Mutex
	listenKey string
	stopRenew chan struct{}
}

// NewUserStream builds an idle user stream.
func NewUserStream(client ListenKeyClient, cfg UserStreamConfig) *UserStream {
	cfg.StreamConfig = cfg.StreamConfig.withDefaults("user")
	if cfg.RenewInterval <= 0 {
		cfg.RenewInterval = defaultListenKeyRenewInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	u := &UserStream{
		client:   client,
		cfg:      cfg,
		session:  wsconn.New(cfg.Session),
		metrics:  newStreamMetrics(cfg.Session.Name),
		messages: make(chan json.RawMessage, cfg.MessageBuffer),
		notices:  make(chan wsconn.Event, 16),
		ctx:      ctx,
		cancel:   cancel,
	}
	u.wg.Go(u.run)
	return u
}

// Messages delivers raw account event payloads.
func (u *UserStream) Messages() <-chan json.RawMessage { return u.messages }

// Notices delivers connection closes, errors and reconnect exhaustion. Full
// buffers drop closes and errors; exhaustion always waits for a reader.
func (u *UserStream) Notices() <-chan wsconn.Event { return u.notices }

// ListenKey returns the key currently in use, or "" when unsubscribed.
func (u *UserStream) ListenKey() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.listenKey
}

// Subscribe obtains a listen key, connects to it and starts the renewal timer.
// Calling it again replaces the key and restarts the timer.
func (u *UserStream) Subscribe(ctx context.Context) error {
	key, err := u.client.CreateListenKey(ctx)
	if err != nil {
		return fmt.Errorf("binance user stream: create listen key: %w", err)
	}

	u.mu.Lock()
	u.listenKey = key
	u.restartRenewalLocked()
	u.mu.Unlock()

	if u.session.Active() {
		u.session.Close("listen key replaced")
	}
	u.session.Connect(u.streamURL(key))
	u.cfg.Logger.Printf("user stream: subscribed renew_every=%s", u.cfg.RenewInterval)
	return nil
}

// Unsubscribe stops renewal and closes the connection. The key is left to
// expire unless CloseListenKeyOnUnsubscribe is set.
func (u *UserStream) Unsubscribe(ctx context.Context) error {
	u.mu.Lock()
	key := u.listenKey
	u.listenKey = ""
	if u.stopRenew != nil {
		close(u.stopRenew)
		u.stopRenew = nil
	}
	u.mu.Unlock()

	if u.session.Active() {
		u.session.Close("unsubscribe")
	}
	if key != "" && u.cfg.CloseListenKeyOnUnsubscribe {
		if err := u.client.CloseListenKey(ctx, key); err != nil {
			return fmt.Errorf("binance user stream: close listen key: %w", err)
		}
	}
	return nil
}

// Shutdown stops renewal, closes the connection and waits for background work.
func (u *UserStream) Shutdown() {
	u.mu.Lock()
	if u.stopRenew != nil {
		close(u.stopRenew)
		u.stopRenew = nil
	}
	u.mu.Unlock()
	u.session.Shutdown()
	u.cancel()
	u.wg.Wait()
}

// Renew runs one keep-alive cycle immediately.
func (u *UserStream) Renew(ctx context.Context) error {
	current := u.ListenKey()
	if current == "" {
		return ErrNoListenKey
	}
	next, err := u.client.KeepAliveListenKey(ctx, current)
	if err != nil {
		u.metrics.recordRenewal(ctx, "error")
		return fmt.Errorf("binance user stream: keep alive: %w", err)
	}
	if next == "" {
		next = current
	}

	u.mu.Lock()
	if u.listenKey == "" {
		u.mu.Unlock()
		return nil
	}
	u.listenKey = next
	u.mu.Unlock()

	u.session.Close("listen key renewed")
	u.session.Connect(u.streamURL(next))
	u.metrics.recordRenewal(ctx, "ok")
	return nil
}

func (u *UserStream) streamURL(key string) string {
	return u.cfg.BaseURL + "/" + key
}

// restartRenewalLocked replaces the renewal loop. Callers hold u.mu.
func (u *UserStream) restartRenewalLocked() {
	if u.stopRenew != nil {
		close(u.stopRenew)
	}
	stop := make(chan struct{})
	u.stopRenew = stop
	interval := u.cfg.RenewInterval
	u.wg.Go(func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-u.ctx.Done():
				return
			case <-ticker.C:
				if err := u.Renew(u.ctx); err != nil && !errors.Is(err, ErrNoListenKey) {
					u.cfg.Logger.Printf("user stream: %v", err)
					u.notify(wsconn.Event{Type: wsconn.EventError, Err: err})
				}
			}
		}
	})
}

func (u *UserStream) run() {
	for {
		select {
		case <-u.ctx.Done():
			return
		case evt := <-u.session.Events():
			switch evt.Type {
			case wsconn.EventMessage:
				select {
				case u.messages <- evt.Payload:
				case <-u.ctx.Done():
					return
				}
			case wsconn.EventOpen:
				u.cfg.Logger.Printf("user stream: connected")
			default:
				u.notify(evt)
			}
		}
	}
}

func (u *UserStream) notify(evt wsconn.Event) {
	deliverNotice(u.ctx, u.notices, evt)
}
