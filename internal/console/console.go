// Package console is the optional admin listener: a websocket stream of
// live job output, a JSON status endpoint, and prometheus metrics.
package console

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nostrpub/mediabotd/internal/journal"
	"github.com/nostrpub/mediabotd/internal/metrics"
	"github.com/nostrpub/mediabotd/internal/sanitize"
)

// StatusSource reports what is currently running, for /v1/status.
type StatusSource interface {
	RunningJobs() []RunningJob
}

type RunningJob struct {
	JobID     string    `json:"job_id"`
	Pid       int       `json:"pid"`
	Command   string    `json:"command"`
	StartedAt time.Time `json:"started_at"`
}

type Options struct {
	Listen  string
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Journal *journal.Journal
	Status  StatusSource
}

type Server struct {
	listen  string
	log     *zap.Logger
	m       *metrics.Metrics
	journal *journal.Journal
	status  StatusSource

	upgrader websocket.Upgrader
	srv      *http.Server
	addr     string
	started  time.Time

	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Server{
		listen:  opts.Listen,
		log:     opts.Logger,
		m:       opts.Metrics,
		journal: opts.Journal,
		status:  opts.Status,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		clients: make(map[*client]struct{}),
	}
}

func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/console", s.handleConsole)
	mux.HandleFunc("/v1/status", s.handleStatus)
	if s.m != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.m.Registry, promhttp.HandlerOpts{}))
	}

	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.listen, err)
	}

	s.srv = &http.Server{Handler: mux}
	s.addr = ln.Addr().String()
	s.started = time.Now()
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("admin listener failed", zap.Error(err))
		}
	}()

	s.log.Info("admin listener started", zap.String("addr", s.addr))
	return nil
}

// Addr returns the bound listen address, useful when listening on port 0.
func (s *Server) Addr() string { return s.addr }

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	for c := range s.clients {
		close(c.send)
		delete(s.clients, c)
	}
	s.mu.Unlock()

	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// JobOutput broadcasts one captured chunk to every connected console. It
// is the supervisor's output sink and must not block job capture; a slow
// consumer just misses chunks.
func (s *Server) JobOutput(jobID, stream string, data []byte) {
	s.mu.Lock()
	if len(s.clients) == 0 {
		s.mu.Unlock()
		return
	}
	envelope, err := json.Marshal(map[string]any{
		"type":   "job.output",
		"ts":     time.Now().UTC().Format(time.RFC3339Nano),
		"job_id": jobID,
		"stream": stream,
		"data":   sanitize.Output(string(data)),
	})
	if err != nil {
		s.mu.Unlock()
		return
	}
	for c := range s.clients {
		select {
		case c.send <- envelope:
		default:
		}
	}
	s.mu.Unlock()
}

func (s *Server) handleConsole(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("console upgrade failed", zap.Error(err))
		return
	}

	c := &client{conn: conn, send: make(chan []byte, 64)}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	s.log.Info("console client connected", zap.String("remote", r.RemoteAddr))

	go s.writer(c)
	s.reader(c)
}

func (s *Server) reader(c *client) {
	defer s.drop(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
		// Inbound messages are ignored; the console is read-only.
	}
}

func (s *Server) writer(c *client) {
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			s.drop(c)
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
	c.conn.Close()
}

func (s *Server) drop(c *client) {
	s.mu.Lock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.send)
	}
	s.mu.Unlock()
	c.conn.Close()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	type statusResponse struct {
		UptimeSec  int64           `json:"uptime_sec"`
		Running    []RunningJob    `json:"running"`
		RecentJobs []journal.Entry `json:"recent_jobs"`
	}

	resp := statusResponse{
		UptimeSec: int64(time.Since(s.started) / time.Second),
		Running:   []RunningJob{},
	}
	if s.status != nil {
		resp.Running = s.status.RunningJobs()
	}
	if s.journal != nil {
		resp.RecentJobs = s.journal.Recent(20)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.Warn("failed to write status response", zap.Error(err))
	}
}
