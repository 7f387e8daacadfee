// Package api serves the read-only JSON view of the emulator: topology
// summary, current links, the event log, probe time series and per-node
// detail.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/signalsfoundry/constellation-emulator/core"
	"github.com/signalsfoundry/constellation-emulator/internal/logging"
	"github.com/signalsfoundry/constellation-emulator/internal/telemetry"
	"github.com/signalsfoundry/constellation-emulator/kb"
	"github.com/signalsfoundry/constellation-emulator/model"
	"github.com/signalsfoundry/constellation-emulator/timectrl"
)

// NodeDetail is the response of /api/v1/nodes/{id}.
type NodeDetail struct {
	Node    model.Node       `json:"node"`
	Group   model.Group      `json:"group"`
	Links   []core.Link      `json:"links"`
	Applied []kb.AppliedLink `json:"applied"`
	LinksUp int              `json:"links_up"`
}

// NodeApplied is one entry of /api/v1/applied.
type NodeApplied struct {
	Node    model.NodeID     `json:"node"`
	Links   []kb.AppliedLink `json:"links"`
	LinksUp int              `json:"links_up"`
}

// Health is the response of /healthz. SimTime is set when a clock is
// configured.
type Health struct {
	Status  string     `json:"status"`
	SimTime *time.Time `json:"sim_time,omitempty"`
}

// Option configures a Server.
type Option func(*Server)

func WithLogger(l logging.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option { return func(s *Server) { s.metrics = h } }

// WithKnowledgeBase adds the applied link state to node detail.
func WithKnowledgeBase(k *kb.LinkStateBase) Option { return func(s *Server) { s.kb = k } }

// WithClock reports the scheduler's simulated time on /healthz.
func WithClock(c timectrl.SimClock) Option { return func(s *Server) { s.clock = c } }

// Server renders aggregator state as JSON.
type Server struct {
	agg           *telemetry.Aggregator
	constellation *core.Constellation
	kb            *kb.LinkStateBase
	clock         timectrl.SimClock
	metrics       http.Handler
	log           logging.Logger
}

// New builds the API over agg and the node set of c.
func New(agg *telemetry.Aggregator, c *core.Constellation, opts ...Option) (*Server, error) {
	if agg == nil || c == nil {
		return nil, errors.New("api: aggregator and constellation are required")
	}
	s := &Server{agg: agg, constellation: c, log: logging.Noop()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Handler returns the routed handler. Method-qualified patterns make the mux
// answer 405 for anything but GET and HEAD.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/topology", s.handleTopology)
	mux.HandleFunc("GET /api/v1/links", s.handleLinks)
	mux.HandleFunc("GET /api/v1/events", s.handleEvents)
	mux.HandleFunc("GET /api/v1/timeseries", s.handleTimeSeries)
	mux.HandleFunc("GET /api/v1/probes", s.handleProbes)
	mux.HandleFunc("GET /api/v1/nodes/{id}", s.handleNode)
	mux.HandleFunc("GET /api/v1/applied", s.handleApplied)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	return s.withRequestLog(mux)
}

func (s *Server) handleTopology(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.agg.Summary())
}

func (s *Server) handleLinks(w http.ResponseWriter, _ *http.Request) {
	links := s.agg.Links()
	if links == nil {
		links = []core.Link{}
	}
	writeJSON(w, http.StatusOK, links)
}

func (s *Server) handleEvents(w http.ResponseWriter, _ *http.Request) {
	events := s.agg.Events()
	if events == nil {
		events = []telemetry.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleTimeSeries(w http.ResponseWriter, r *http.Request) {
	groups := model.Groups
	if g := r.URL.Query().Get("group"); g != "" {
		if model.Group(g) != model.GroupStable && model.Group(g) != model.GroupDynamic {
			writeError(w, http.StatusBadRequest, "unknown group "+g)
			return
		}
		groups = []model.Group{model.Group(g)}
	}
	out := make(map[model.Group][]telemetry.Period, len(groups))
	for _, g := range groups {
		series := s.agg.TimeSeries(g)
		if series == nil {
			series = []telemetry.Period{}
		}
		out[g] = series
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleProbes(w http.ResponseWriter, _ *http.Request) {
	probes := s.agg.LatestProbes()
	if probes == nil {
		probes = []telemetry.NodeStatus{}
	}
	writeJSON(w, http.StatusOK, probes)
}

func (s *Server) handleNode(w http.ResponseWriter, r *http.Request) {
	id := model.NodeID(r.PathValue("id"))
	node, ok := s.constellation.Node(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown node "+string(id))
		return
	}
	detail := NodeDetail{Node: node, Group: node.Group(), Links: []core.Link{}, Applied: []kb.AppliedLink{}}
	for _, l := range s.agg.Links() {
		if l.Pair.A == id || l.Pair.B == id {
			detail.Links = append(detail.Links, l)
		}
	}
	if s.kb != nil {
		if applied := s.kb.Applied(id); applied != nil {
			detail.Applied = applied
		}
		detail.LinksUp = s.kb.UpCount(id)
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleApplied(w http.ResponseWriter, _ *http.Request) {
	out := []NodeApplied{}
	if s.kb != nil {
		for _, id := range s.kb.Nodes() {
			out = append(out, NodeApplied{Node: id, Links: s.kb.Applied(id), LinksUp: s.kb.UpCount(id)})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h := Health{Status: "ok"}
	if s.clock != nil {
		now := s.clock.Now().UTC()
		h.SimTime = &now
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, log := logging.WithRequestLogger(r.Context(), s.log)
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(logging.ContextWithLogger(ctx, log)))
		log.Debug(ctx, "http request",
			logging.String("method", r.Method),
			logging.String("path", r.URL.Path),
			logging.Int("status", rec.status),
			logging.Duration("took", time.Since(start)),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
