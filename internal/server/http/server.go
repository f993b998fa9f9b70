package httpserver

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/arccode/instalog/internal/core"
	"github.com/arccode/instalog/internal/plugin"
	"github.com/arccode/instalog/pkg/log"
)

// Node is the orchestrator surface the admin API serves. *core.Instalog
// satisfies it.
type Node interface {
	IsUp() bool
	Stop(sync bool)
	GetStatus() core.Status
	Inspect(pluginID, path string) (string, error)
	Flush(pluginID string, timeout time.Duration) (core.FlushResult, error)
	FlushAll(timeout time.Duration) (map[string]core.FlushResult, error)
	GetAllProgress() (map[string]plugin.Progress, error)
}

// defaultFlushTimeout applies when a flush request names none.
const defaultFlushTimeout = 30 * time.Second

type Server struct {
	node   Node
	logger log.Logger
	srv    *http.Server
	lis    net.Listener
}

func New(node Node, logger log.Logger) *Server {
	mux := http.NewServeMux()
	s := &Server{node: node, logger: logger.WithComponent("httpserver"), srv: &http.Server{Handler: mux}}
	mux.HandleFunc("/v1/healthz", s.handleHealth)
	mux.HandleFunc("/v1/status", s.handleStatus)
	mux.HandleFunc("/v1/stop", s.handleStop)
	mux.HandleFunc("/v1/inspect", s.handleInspect)
	mux.HandleFunc("/v1/flush", s.handleFlush)
	mux.HandleFunc("/v1/progress", s.handleProgress)
	return s
}

func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.lis = l
	s.logger.Info("admin API listening", log.Str("addr", l.Addr().String()))
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(l) }()
	select {
	case <-ctx.Done():
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(cctx)
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) Close() {
	if s.lis != nil {
		_ = s.lis.Close()
	}
}

// writeError writes an error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeJSON writes a JSON response with the given data.
func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.node.IsUp() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "not_serving"})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "use GET")
		return
	}
	writeJSON(w, s.node.GetStatus())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "use POST")
		return
	}
	var req struct {
		Sync bool `json:"sync"`
	}
	if r.Body != nil {
		// An empty body means an async stop.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.Sync {
		s.node.Stop(true)
		writeJSON(w, map[string]bool{"stopped": true})
		return
	}
	s.node.Stop(false)
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]bool{"stopping": true})
}

func (s *Server) handleInspect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "use GET")
		return
	}
	pluginID := r.URL.Query().Get("plugin")
	if pluginID == "" {
		writeError(w, http.StatusBadRequest, "missing plugin parameter")
		return
	}
	raw, err := s.node.Inspect(pluginID, r.URL.Query().Get("path"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(raw + "\n"))
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "use POST")
		return
	}
	var req struct {
		Plugin     string  `json:"plugin"`
		TimeoutSec float64 `json:"timeout_sec"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	timeout := defaultFlushTimeout
	if req.TimeoutSec > 0 {
		timeout = time.Duration(req.TimeoutSec * float64(time.Second))
	}
	if req.Plugin == "" {
		results, err := s.node.FlushAll(timeout)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, results)
		return
	}
	res, err := s.node.Flush(req.Plugin, timeout)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, res)
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "use GET")
		return
	}
	progress, err := s.node.GetAllProgress()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, progress)
}
