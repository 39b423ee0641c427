// Package httpjson carries the agency's wire surface over HTTP with JSON
// bodies: the privileged peer endpoints under /_api/agency_priv and the
// client surface under /_api/agency.
package httpjson

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/quorumdb/agency/pkg/observability/tracing"
	"github.com/quorumdb/agency/pkg/transport"
)

// Server exposes the agency over HTTP. Peer RPC parameters travel as URL
// query parameters with JSON bodies, matching the privileged endpoint
// contract; client calls are plain JSON POSTs.
type Server struct {
	bind   string
	addr   string
	srv    *http.Server
	logger *zap.Logger
	tlsCfg *tls.Config
}

// NewServer binds to the given TCP address (e.g., ":8531").
func NewServer(bind string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{bind: bind, logger: logger.Named("httpjson")}
}

// UseTLS enables TLS using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

// Start launches the HTTP server backed by the provided handlers. The
// server shuts down when the context is canceled.
func (s *Server) Start(ctx context.Context, h transport.Handlers) error {
	r := chi.NewRouter()

	r.Route("/_api/agency_priv", func(r chi.Router) {
		r.Post("/requestVote", s.handleRequestVote(h.Vote))
		r.Post("/appendEntries", s.handleAppendEntries(h.AppendEntries))
	})
	r.Route("/_api/agency", func(r chi.Router) {
		r.Post("/write", s.handleWrite(h.Write))
		r.Post("/read", s.handleRead(h.Read))
		r.Get("/status", s.handleBlob(h.Status))
		r.Get("/config", s.handleBlob(h.Config))
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	s.srv = &http.Server{Addr: s.bind, Handler: r}

	ln, err := net.Listen("tcp", s.bind)
	if err != nil {
		return err
	}
	s.addr = ln.Addr().String()
	if s.tlsCfg != nil {
		ln = tls.NewListener(ln, s.tlsCfg)
	}

	go func() {
		<-ctx.Done()
		_ = s.Stop(context.Background())
	}()
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("server error", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the actual listen address once started, the configured
// bind address before that.
func (s *Server) Addr() string {
	if s.addr != "" {
		return s.addr
	}
	return s.bind
}

// Stop attempts a graceful shutdown with a short timeout.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	c, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	err := s.srv.Shutdown(c)
	s.srv = nil
	return err
}

func (s *Server) handleRequestVote(vote transport.VoteFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, end := tracing.StartSpan(r.Context(), "http.requestVote")
		defer end()

		q := r.URL.Query()
		req := transport.VoteRequest{
			Term:         parseUint(q.Get("term")),
			CandidateID:  parseUint(q.Get("candidateId")),
			LastLogIndex: parseUint(q.Get("lastLogIndex")),
			LastLogTerm:  parseUint(q.Get("lastLogTerm")),
		}
		// optional endpoint gossip in the body
		var body struct {
			Endpoints []string `json:"endpoints"`
		}
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&body)
		}
		req.Endpoints = body.Endpoints

		writeJSON(w, http.StatusOK, vote(ctx, req))
	}
}

func (s *Server) handleAppendEntries(ingest transport.AppendEntriesFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, end := tracing.StartSpan(r.Context(), "http.appendEntries")
		defer end()

		q := r.URL.Query()
		req := transport.AppendEntriesRequest{
			Term:         parseUint(q.Get("term")),
			LeaderID:     parseUint(q.Get("leaderId")),
			PrevLogIndex: parseUint(q.Get("prevLogIndex")),
			PrevLogTerm:  parseUint(q.Get("prevLogTerm")),
			LeaderCommit: parseUint(q.Get("leaderCommit")),
		}
		if err := json.NewDecoder(r.Body).Decode(&req.Entries); err != nil {
			s.logger.Warn("malformed entries, discarding", zap.Error(err))
			http.Error(w, "malformed entries", http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, ingest(ctx, req))
	}
}

func (s *Server) handleWrite(write transport.WriteFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, end := tracing.StartSpan(r.Context(), "http.write")
		defer end()

		var payloads []json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&payloads); err != nil {
			http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
			return
		}
		resp, err := write(ctx, payloads)
		if err != nil && resp.Error == "" && !resp.Accepted {
			resp.Error = err.Error()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) handleRead(read transport.ReadFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, end := tracing.StartSpan(r.Context(), "http.read")
		defer end()

		var paths []string
		if err := json.NewDecoder(r.Body).Decode(&paths); err != nil {
			http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
			return
		}
		resp, err := read(ctx, paths)
		if err != nil && resp.Error == "" && !resp.Accepted {
			resp.Error = err.Error()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) handleBlob(fn func(ctx context.Context) ([]byte, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if fn == nil {
			http.Error(w, "not supported", http.StatusNotImplemented)
			return
		}
		data, err := fn(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(data)
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func parseUint(s string) uint64 {
	v, _ := strconv.ParseUint(s, 10, 64)
	return v
}

var _ transport.RPCServer = (*Server)(nil)
