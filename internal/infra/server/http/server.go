// Package httpserver exposes the bot's read-only status surface.
package httpserver

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coachpo/stablebot/internal/app/bot"
	"github.com/coachpo/stablebot/internal/infra/config"
	"github.com/coachpo/stablebot/internal/infra/persistence/postgres"
)

const (
	healthPath           = "/healthz"
	statusPath           = "/status"
	metricsPath          = "/metrics"
	journalOrdersPath    = "/journal/orders"
	journalExecutionPath = "/journal/executions"

	snapshotTimeout = 2 * time.Second
)

// StatusSource yields the bot's current State.
type StatusSource interface {
	Symbol() string
	Snapshot(ctx context.Context) (bot.State, error)
}

// JournalReader reads recent journal rows back.
type JournalReader interface {
	RecentOrders(ctx context.Context, symbol string, limit int) ([]postgres.OrderEvent, error)
	RecentExecutions(ctx context.Context, symbol string, limit int) ([]postgres.Execution, error)
}

// Options wires the handler's collaborators. Journal and Gatherer are optional.
type Options struct {
	Environment config.Environment
	Bot         StatusSource
	Journal     JournalReader
	Gatherer    prometheus.Gatherer
}

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	environment config.Environment
	bot         StatusSource
	journal     JournalReader
}

// NewHandler creates the status HTTP handler.
func NewHandler(opts Options) http.Handler {
	server := &httpServer{environment: opts.Environment, bot: opts.Bot, journal: opts.Journal}
	mux := http.NewServeMux()

	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.health,
	}))
	mux.Handle(statusPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.status,
	}))
	mux.Handle(journalOrdersPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.journalOrders,
	}))
	mux.Handle(journalExecutionPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.journalExecutions,
	}))
	if opts.Gatherer != nil {
		mux.Handle(metricsPath, promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func (s *httpServer) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "environment": string(s.environment)})
}

func (s *httpServer) status(w http.ResponseWriter, r *http.Request) {
	if s.bot == nil {
		writeError(w, http.StatusServiceUnavailable, "bot not configured")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), snapshotTimeout)
	defer cancel()
	state, err := s.bot.Snapshot(ctx)
	if err != nil {
		if errors.Is(err, bot.ErrNotRunning) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeError(w, http.StatusGatewayTimeout, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *httpServer) journalOrders(w http.ResponseWriter, r *http.Request) {
	symbol, limit, ok := s.journalQuery(w, r)
	if !ok {
		return
	}
	events, err := s.journal.RecentOrders(r.Context(), symbol, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if events == nil {
		events = []postgres.OrderEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"symbol": symbol, "orders": events})
}

func (s *httpServer) journalExecutions(w http.ResponseWriter, r *http.Request) {
	symbol, limit, ok := s.journalQuery(w, r)
	if !ok {
		return
	}
	execs, err := s.journal.RecentExecutions(r.Context(), symbol, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if execs == nil {
		execs = []postgres.Execution{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"symbol": symbol, "executions": execs})
}

func (s *httpServer) journalQuery(w http.ResponseWriter, r *http.Request) (string, int, bool) {
	if s.journal == nil {
		writeError(w, http.StatusNotFound, "order journal disabled")
		return "", 0, false
	}
	symbol := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("symbol")))
	if symbol == "" && s.bot != nil {
		symbol = s.bot.Symbol()
	}
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol required")
		return "", 0, false
	}
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return "", 0, false
		}
		limit = n
	}
	return symbol, limit, true
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}
