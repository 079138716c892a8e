// Package api exposes the holder statistics over HTTP and websocket.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/tokenfcs/internal/engine"
	"github.com/nexus-trading/tokenfcs/internal/graph"
	"github.com/nexus-trading/tokenfcs/internal/observability"
	"github.com/nexus-trading/tokenfcs/internal/service"
)

// MaxCompareTokens caps the tokens accepted by one comparison.
const MaxCompareTokens = 20

// Options configures a Server.
type Options struct {
	// Health backs /healthz. Nil omits the route.
	Health *observability.HealthMonitor
	// MetricsPath serves the Prometheus exporter when non-empty.
	MetricsPath string
	// StreamRefresh pushes fresh stats to stream clients at this interval
	// even without an invalidation. Zero disables it.
	StreamRefresh time.Duration
}

// Server is the HTTP front of a service.Service.
type Server struct {
	svc      *service.Service
	opts     Options
	upgrader websocket.Upgrader
}

// NewServer creates a server over svc.
func NewServer(svc *service.Service, opts Options) *Server {
	return &Server{
		svc:  svc,
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Handler returns a mux with every route registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// RegisterRoutes registers all routes on the given ServeMux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/tokens/{address}/weighted-holders", s.handleWeightedHolders)
	mux.HandleFunc("GET /v1/tokens/{address}/distribution", s.handleDistribution)
	mux.HandleFunc("GET /v1/tokens/{address}/leaderboard", s.handleLeaderboard)
	mux.HandleFunc("GET /v1/tokens/{address}/stream", s.handleStream)
	mux.HandleFunc("GET /v1/compare", s.handleCompare)

	if s.opts.Health != nil {
		mux.Handle("GET /healthz", s.opts.Health)
	}
	if s.opts.MetricsPath != "" {
		mux.Handle("GET "+s.opts.MetricsPath, observability.NewPrometheusExporter(s.svc.Metrics().Registry))
	}
}

func (s *Server) handleWeightedHolders(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.WeightedHolderStats(r.Context(), r.PathValue("address"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleDistribution(w http.ResponseWriter, r *http.Request) {
	extra, err := parsePercentiles(r.URL.Query()["percentile"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid percentile")
		return
	}
	dist, err := s.svc.ReputationDistribution(r.Context(), r.PathValue("address"), extra...)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dist)
}

// parsePercentiles reads repeated or comma separated percentile values.
func parsePercentiles(raw []string) ([]float64, error) {
	var out []float64
	for _, v := range raw {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part == "" {
				continue
			}
			p, err := strconv.ParseFloat(part, 64)
			if err != nil {
				return nil, err
			}
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	page, err := s.svc.Leaderboard(r.Context(), r.PathValue("address"), limit, q.Get("cursor"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	tokens := r.URL.Query()["token"]
	switch {
	case len(tokens) == 0:
		writeError(w, http.StatusBadRequest, "at least one token must be provided")
		return
	case len(tokens) > MaxCompareTokens:
		writeError(w, http.StatusBadRequest, "too many tokens")
		return
	}

	stats, err := s.svc.CompareTokens(r.Context(), tokens)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// statusOf maps service errors to HTTP statuses.
func statusOf(err error) int {
	switch {
	case errors.Is(err, graph.ErrInvalidToken):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrInvalidCursor), errors.Is(err, engine.ErrInvalidPercentile):
		return http.StatusBadRequest
	case errors.Is(err, graph.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	msg := err.Error()
	switch status {
	case http.StatusInternalServerError:
		log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		msg = "internal error"
	case http.StatusServiceUnavailable:
		log.Warn().Err(err).Str("path", r.URL.Path).Msg("graph unavailable")
		msg = "data source unavailable"
	}
	writeError(w, status, msg)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
