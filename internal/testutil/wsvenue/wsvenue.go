// Package wsvenue runs an in-process websocket endpoint for stream tests.
package wsvenue

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
)

// Frame is one client-to-server message and the request path it arrived on.
type Frame struct {
	Path string
	Data []byte
}

// Server accepts websocket upgrades on any path.
type Server struct {
	srv *httptest.Server

	dials  atomic.Int32
	reject atomic.Bool

	mu    sync.Mutex
	conns []*websocket.Conn
	paths []string

	frames  chan Frame
	opened  chan string
	onFrame func(conn *websocket.Conn, data []byte)
}

// New starts a Server and registers cleanup on t.
func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		frames: make(chan Frame, 256),
		opened: make(chan string, 64),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(func() {
		s.mu.Lock()
		for _, c := range s.conns {
			_ = c.CloseNow()
		}
		s.mu.Unlock()
		s.srv.Close()
	})
	return s
}

// URL returns the ws:// base of the server.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

// OnFrame installs a hook invoked for every received frame, e.g. to ack requests.
func (s *Server) OnFrame(fn func(conn *websocket.Conn, data []byte)) {
	s.mu.Lock()
	s.onFrame = fn
	s.mu.Unlock()
}

// Reject makes subsequent upgrade attempts fail with 503.
func (s *Server) Reject(v bool) { s.reject.Store(v) }

// Dials counts upgrade attempts, including rejected ones.
func (s *Server) Dials() int { return int(s.dials.Load()) }

// Paths lists the request paths of accepted connections in order.
func (s *Server) Paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.paths...)
}

// Push writes data to the most recent connection.
func (s *Server) Push(t testing.TB, data string) {
	t.Helper()
	conn := s.latest()
	if conn == nil {
		t.Fatalf("wsvenue: no connection to push to")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(data)); err != nil {
		t.Fatalf("wsvenue: push: %v", err)
	}
}

// Drop closes the most recent connection with code.
func (s *Server) Drop(code websocket.StatusCode, reason string) {
	if conn := s.latest(); conn != nil {
		_ = conn.Close(code, reason)
	}
}

// WaitOpen blocks until a connection is accepted and returns its path.
func (s *Server) WaitOpen(t testing.TB, timeout time.Duration) string {
	t.Helper()
	select {
	case p := <-s.opened:
		return p
	case <-time.After(timeout):
		t.Fatalf("wsvenue: no connection within %v", timeout)
		return ""
	}
}

// NextFrame blocks for the next client frame.
func (s *Server) NextFrame(t testing.TB, timeout time.Duration) Frame {
	t.Helper()
	select {
	case f := <-s.frames:
		return f
	case <-time.After(timeout):
		t.Fatalf("wsvenue: no frame within %v", timeout)
		return Frame{}
	}
}

// NoFrame fails if a client frame arrives within wait.
func (s *Server) NoFrame(t testing.TB, wait time.Duration) {
	t.Helper()
	select {
	case f := <-s.frames:
		t.Fatalf("wsvenue: unexpected frame %s", f.Data)
	case <-time.After(wait):
	}
}

func (s *Server) latest() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) == 0 {
		return nil
	}
	return s.conns[len(s.conns)-1]
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.dials.Add(1)
	if s.reject.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.paths = append(s.paths, r.URL.Path)
	s.mu.Unlock()
	s.opened <- r.URL.Path

	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			return
		}
		s.frames <- Frame{Path: r.URL.Path, Data: data}
		s.mu.Lock()
		hook := s.onFrame
		s.mu.Unlock()
		if hook != nil {
			hook(conn, data)
		}
	}
}
