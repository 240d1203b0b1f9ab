// Package bridge exposes a pipeline frontend to a local host process over a
// WebSocket: the host sends start/stop requests and receives every onChange
// outcome as it happens.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"murmur/journal"
	"murmur/log"
	"murmur/pipeline"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 50 * time.Second
	sendBuffer = 32
	maxMessage = 4096
)

type History interface {
	History(ctx context.Context, limit int) ([]journal.Entry, error)
}

type Request struct {
	ID     string `json:"id"`
	Method string `json:"method"`
	Limit  int    `json:"limit,omitempty"`
}

type Response struct {
	ID     string `json:"id"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
	Result any    `json:"result,omitempty"`
}

type Server struct {
	frontend pipeline.Frontend
	history  History
	metrics  http.Handler
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]bool
	sub     *pipeline.Subscription
}

type Option func(*Server)

func WithHistory(h History) Option { return func(s *Server) { s.history = h } }

func WithMetrics(h http.Handler) Option { return func(s *Server) { s.metrics = h } }

func New(f pipeline.Frontend, opts ...Option) *Server {
	s := &Server{
		frontend: f,
		clients:  make(map[*client]bool),
	}
	for _, o := range opts {
		o(s)
	}
	s.sub = f.Events().AddListener(pipeline.EventName, s.broadcast)
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintln(w, "ok")
	})
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	return mux
}

// ListenAndServe serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bridge listen: %w", err)
	}
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	log.Infof("bridge listening on %s", ln.Addr())

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close stops event delivery and disconnects every client.
func (s *Server) Close() {
	s.sub.Remove()
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		c.close()
		delete(s.clients, c)
	}
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("bridge upgrade: %v", err)
		return
	}
	c := &client{srv: s, conn: conn, send: make(chan []byte, sendBuffer), done: make(chan struct{})}
	s.mu.Lock()
	s.clients[c] = true
	n := len(s.clients)
	s.mu.Unlock()
	log.Infof("bridge client connected: %s (%d online)", conn.RemoteAddr(), n)

	go c.writePump()
	c.readPump()
}

func (s *Server) remove(c *client) {
	s.mu.Lock()
	if s.clients[c] {
		delete(s.clients, c)
		c.close()
	}
	n := len(s.clients)
	s.mu.Unlock()
	log.Infof("bridge client left (%d online)", n)
}

// broadcast runs on the frontend's loop and must not block: a client whose
// buffer is full is dropped.
func (s *Server) broadcast(o pipeline.Outcome) {
	data, err := json.Marshal(o)
	if err != nil {
		log.Errorf("bridge encode: %v", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		if !c.queue(data) {
			log.Warnf("bridge client %s too slow, dropping", c.conn.RemoteAddr())
			delete(s.clients, c)
			c.close()
		}
	}
}

func (s *Server) handle(ctx context.Context, req Request) Response {
	resp := Response{ID: req.ID, OK: true}
	switch req.Method {
	case "startRecording":
		s.frontend.StartRecording()
	case "stopRecording":
		s.frontend.StopRecording()
	case "canStop":
		resp.Result = s.frontend.CanStop()
	case "status":
		resp.Result = string(s.frontend.Status())
	case "history":
		if s.history == nil {
			return Response{ID: req.ID, Error: "history is disabled"}
		}
		entries, err := s.history.History(ctx, req.Limit)
		if err != nil {
			return Response{ID: req.ID, Error: err.Error()}
		}
		if entries == nil {
			entries = []journal.Entry{}
		}
		resp.Result = entries
	default:
		return Response{ID: req.ID, Error: fmt.Sprintf("unknown method %q", req.Method)}
	}
	return resp
}
