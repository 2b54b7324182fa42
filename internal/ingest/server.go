// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package ingest is the controller's report-intake HTTP endpoint: /log,
// /log_batch, /health.
package ingest

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"grimm.is/devicewall/internal/clock"
	"grimm.is/devicewall/internal/logging"
	"grimm.is/devicewall/internal/model"
	"grimm.is/devicewall/internal/protocol"
)

// Indexer is the connection-index write path the endpoint depends on.
type Indexer interface {
	Upsert(e model.ConnectionEvent) error
}

// Evaluator is invoked per touched subscriber after ingest, one
// evaluation task per subscriber even when a batch reports several
// events for the same one.
type Evaluator interface {
	EvaluateSubscriber(subscriberID string)
}

// HealthSource answers the unauthenticated /health endpoint.
type HealthSource interface {
	ConnectionCount() int
	UserCount() int
}

// Metrics are the Prometheus series this endpoint maintains.
type Metrics struct {
	EventsIngested prometheus.Counter
	EventsRejected prometheus.Counter
	BatchSize      prometheus.Histogram
}

// NewMetrics registers this endpoint's series against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devicewall_ingest_events_total",
			Help: "Connection events accepted by the ingest endpoint.",
		}),
		EventsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devicewall_ingest_events_rejected_total",
			Help: "Connection events rejected (invalid IP, empty subscriber, index write failure).",
		}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "devicewall_ingest_batch_size",
			Help:    "Size of accepted /log_batch requests.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
	}
	reg.MustRegister(m.EventsIngested, m.EventsRejected, m.BatchSize)
	return m
}

// Server is the ingest HTTP endpoint.
type Server struct {
	router    *mux.Router
	index     Indexer
	evaluator Evaluator
	health    HealthSource
	secret    string
	logger    *logging.Logger
	metrics   *Metrics

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter
	perNodeRPS rate.Limit
}

// New builds the ingest server. perNodeRPS bounds how fast a single node
// (by its claimed name) may post events, throttling a misbehaving or
// compromised agent without affecting the rest of the fleet.
func New(index Indexer, evaluator Evaluator, health HealthSource, secret string, logger *logging.Logger, metrics *Metrics, perNodeRPS float64) *Server {
	if logger == nil {
		logger = logging.Default().WithComponent("ingest")
	}
	if perNodeRPS <= 0 {
		perNodeRPS = 500
	}
	s := &Server{
		index:      index,
		evaluator:  evaluator,
		health:     health,
		secret:     secret,
		logger:     logger,
		metrics:    metrics,
		limiters:   make(map[string]*rate.Limiter),
		perNodeRPS: rate.Limit(perNodeRPS),
	}
	s.router = mux.NewRouter()
	s.router.HandleFunc("/log", s.handleLog).Methods(http.MethodPost)
	s.router.HandleFunc("/log_batch", s.handleLogBatch).Methods(http.MethodPost)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) limiterFor(node string) *rate.Limiter {
	s.limitersMu.Lock()
	defer s.limitersMu.Unlock()
	l, ok := s.limiters[node]
	if !ok {
		l = rate.NewLimiter(s.perNodeRPS, int(s.perNodeRPS))
		s.limiters[node] = l
	}
	return l
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	var req protocol.LogRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if req.Secret != s.secret {
		s.reject(w)
		return
	}
	if !s.limiterFor(req.Node).Allow() {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	entry := protocol.LogEntry{Subscriber: req.Subscriber, IP: req.IP}
	if !s.acceptEntry(entry, req.Node) {
		s.countRejected()
		s.writeJSON(w, http.StatusOK, protocol.OKReply{OK: true})
		return
	}
	s.countAccepted(1)
	s.evaluator.EvaluateSubscriber(protocol.NormalizeSubscriberID(entry.Subscriber))
	s.writeJSON(w, http.StatusOK, protocol.OKReply{OK: true})
}

func (s *Server) handleLogBatch(w http.ResponseWriter, r *http.Request) {
	var req protocol.LogBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if req.Secret != s.secret {
		s.reject(w)
		return
	}
	if !s.limiterFor(req.Node).AllowN(clock.Now(), max(1, len(req.Entries)+len(req.Lines))) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	entries := req.Entries
	for _, line := range req.Lines {
		parsed, ok := protocol.ParseAccessLogLine(line)
		if !ok {
			continue
		}
		entries = append(entries, parsed)
	}

	touched := make(map[string]struct{})
	processed := 0
	for _, e := range entries {
		if !s.acceptEntry(e, req.Node) {
			s.countRejected()
			continue
		}
		processed++
		touched[protocol.NormalizeSubscriberID(e.Subscriber)] = struct{}{}
	}
	s.countAccepted(processed)
	if s.metrics != nil {
		s.metrics.BatchSize.Observe(float64(len(entries)))
	}

	for subscriberID := range touched {
		s.evaluator.EvaluateSubscriber(subscriberID)
	}

	s.writeJSON(w, http.StatusOK, protocol.OKReply{OK: true, Processed: processed})
}

// acceptEntry normalizes and validates one entry, then upserts it into
// the connection index.
func (s *Server) acceptEntry(e protocol.LogEntry, node string) bool {
	if err := protocol.ValidateIPv4(e.IP); err != nil {
		s.logger.Debug("rejected invalid ip", "ip", e.IP, "error", err)
		return false
	}
	subscriberID := protocol.NormalizeSubscriberID(e.Subscriber)
	if subscriberID == "" {
		return false
	}
	err := s.index.Upsert(model.ConnectionEvent{
		SubscriberID: subscriberID,
		IP:           e.IP,
		SourcePort:   e.Port,
		Node:         node,
		ObservedAt:   clock.Now(),
	})
	if err != nil {
		s.logger.Warn("index upsert failed", "error", err)
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, protocol.IngestHealthReply{
		Status:      "ok",
		Connections: s.health.ConnectionCount(),
		Users:       s.health.UserCount(),
	})
}

func (s *Server) reject(w http.ResponseWriter) {
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) countAccepted(n int) {
	if s.metrics != nil {
		s.metrics.EventsIngested.Add(float64(n))
	}
}

func (s *Server) countRejected() {
	if s.metrics != nil {
		s.metrics.EventsRejected.Inc()
	}
}
