// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package admin is the controller's operator surface: a JSON API for
// status, violator and blocked-subscriber views, manual enforcement and
// un-ban, a one-shot scan trigger, node CRUD, the recent-events ring,
// activity analytics, and a websocket status stream. Authentication is a
// single shared credential checked against a bcrypt hash, with opaque
// random session tokens.
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"grimm.is/devicewall/internal/analytics"
	"grimm.is/devicewall/internal/auth"
	"grimm.is/devicewall/internal/clock"
	"grimm.is/devicewall/internal/config"
	"grimm.is/devicewall/internal/events"
	"grimm.is/devicewall/internal/logging"
	"grimm.is/devicewall/internal/metrics"
	"grimm.is/devicewall/internal/model"
	"grimm.is/devicewall/internal/monitor"
)

// Index is the read view of the connection index the facade serves.
type Index interface {
	ActiveSubscribers(window time.Duration, now time.Time) ([]string, error)
	IPsOf(subscriberID string, window time.Duration, now time.Time) ([]model.ConnectionEntry, error)
	Counts(window time.Duration, now time.Time) (connections, subscribers int, err error)
	AllBlocked() ([]model.BlockedSubscriber, error)
	IsBlocked(subscriberID string) (bool, time.Time, error)
}

// Enforcer is the manual-action subset of the enforcement coordinator.
type Enforcer interface {
	ForceEnforce(ctx context.Context, subscriberID string, ips map[string]struct{}, limit uint32, reason string) error
	ForceUnDisable(ctx context.Context, subscriberID string) error
}

// Scanner is the manual-trigger subset of the scheduler.
type Scanner interface {
	TriggerScan()
	ForceEvaluate(ctx context.Context, subscriberID string) (bool, error)
}

// LimitSource answers per-subscriber device limits for the violator view.
type LimitSource interface {
	GetLimit(ctx context.Context, subscriberID string) (limit uint32, ok bool)
}

// NodeHealth is the monitor's latest per-node view.
type NodeHealth interface {
	Results() []monitor.Result
}

// Config bundles the facade's tunables and wiring.
type Config struct {
	CredentialHash string
	SessionTTL     time.Duration
	IPWindow       time.Duration

	// Nodes seeds the editable node set; OnNodesChanged is invoked with
	// the full new set after every CRUD change so the fan-out registry,
	// enforcement coordinator, and monitor can follow.
	Nodes          []config.Node
	OnNodesChanged func([]config.Node)
}

// Server is the admin facade.
type Server struct {
	router   *mux.Router
	index    Index
	enforcer Enforcer
	scanner  Scanner
	limits   LimitSource
	health   NodeHealth
	events   *events.Log
	activity *analytics.Store
	sessions *auth.SessionManager
	logger   *logging.Logger
	cfg      Config

	nodesMu sync.RWMutex
	nodes   []config.Node

	ws *wsManager
}

// New builds the admin facade. activity and promReg may be nil, which
// disables the corresponding endpoints.
func New(index Index, enforcer Enforcer, scanner Scanner, limits LimitSource, health NodeHealth, eventLog *events.Log, activity *analytics.Store, promReg *prometheus.Registry, logger *logging.Logger, cfg Config) *Server {
	if logger == nil {
		logger = logging.Default().WithComponent("admin")
	}
	s := &Server{
		index:    index,
		enforcer: enforcer,
		scanner:  scanner,
		limits:   limits,
		health:   health,
		events:   eventLog,
		activity: activity,
		sessions: auth.NewSessionManager(cfg.SessionTTL),
		logger:   logger,
		cfg:      cfg,
		nodes:    append([]config.Node(nil), cfg.Nodes...),
	}
	s.ws = newWSManager(s)

	r := mux.NewRouter()
	r.HandleFunc("/api/auth/login", s.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/api/auth/logout", s.requireSession(s.handleLogout)).Methods(http.MethodPost)

	r.HandleFunc("/api/status", s.requireSession(s.handleStatus)).Methods(http.MethodGet)
	r.HandleFunc("/api/violators", s.requireSession(s.handleViolators)).Methods(http.MethodGet)
	r.HandleFunc("/api/blocked", s.requireSession(s.handleBlocked)).Methods(http.MethodGet)
	r.HandleFunc("/api/events", s.requireSession(s.handleEvents)).Methods(http.MethodGet)

	r.HandleFunc("/api/subscribers/{id}", s.requireSession(s.handleSubscriber)).Methods(http.MethodGet)
	r.HandleFunc("/api/subscribers/{id}/enforce", s.requireSession(s.handleEnforce)).Methods(http.MethodPost)
	r.HandleFunc("/api/subscribers/{id}/unban", s.requireSession(s.handleUnban)).Methods(http.MethodPost)
	r.HandleFunc("/api/scan", s.requireSession(s.handleScan)).Methods(http.MethodPost)

	r.HandleFunc("/api/nodes", s.requireSession(s.handleNodesList)).Methods(http.MethodGet)
	r.HandleFunc("/api/nodes", s.requireSession(s.handleNodeAdd)).Methods(http.MethodPost)
	r.HandleFunc("/api/nodes/{name}", s.requireSession(s.handleNodeDelete)).Methods(http.MethodDelete)

	r.HandleFunc("/api/analytics/top", s.requireSession(s.handleAnalyticsTop)).Methods(http.MethodGet)
	r.HandleFunc("/api/analytics/activity", s.requireSession(s.handleAnalyticsActivity)).Methods(http.MethodGet)

	r.HandleFunc("/api/ws/status", s.requireSession(s.ws.handleStatusWS)).Methods(http.MethodGet)

	if promReg != nil {
		r.Handle("/metrics", metrics.Handler(promReg)).Methods(http.MethodGet)
	}
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// requireSession rejects requests lacking a live session token. The
// token travels in the X-Session-Token header.
func (s *Server) requireSession(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("X-Session-Token")
		if token == "" || !s.sessions.Validate(token) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

type loginRequest struct {
	Credential string `json:"credential"`
}

type loginReply struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if s.cfg.CredentialHash == "" || !auth.VerifyCredential(s.cfg.CredentialHash, req.Credential) {
		s.logger.Warn("admin login rejected")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	session, err := s.sessions.Create()
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, loginReply{Token: session.Token, ExpiresAt: session.ExpiresAt})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.sessions.Revoke(r.Header.Get("X-Session-Token"))
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// StatusReply is the aggregate the status endpoint and the websocket
// stream both serve.
type StatusReply struct {
	Connections       int              `json:"connections"`
	ActiveSubscribers int              `json:"active_subscribers"`
	BlockedCount      int              `json:"blocked_count"`
	Nodes             []monitor.Result `json:"nodes"`
	Time              time.Time        `json:"time"`
}

func (s *Server) currentStatus() (StatusReply, error) {
	now := clock.Now()
	connections, subscribers, err := s.index.Counts(s.cfg.IPWindow, now)
	if err != nil {
		return StatusReply{}, err
	}
	blocked, err := s.index.AllBlocked()
	if err != nil {
		return StatusReply{}, err
	}
	nodes := s.health.Results()
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Node < nodes[j].Node })
	return StatusReply{
		Connections:       connections,
		ActiveSubscribers: subscribers,
		BlockedCount:      len(blocked),
		Nodes:             nodes,
		Time:              now,
	}, nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.currentStatus()
	if err != nil {
		s.logger.Warn("status query failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

// Violator is one subscriber currently over its device limit.
type Violator struct {
	SubscriberID string   `json:"subscriber_id"`
	Limit        uint32   `json:"limit"`
	IPs          []string `json:"ips"`
	Nodes        []string `json:"nodes"`
}

func (s *Server) handleViolators(w http.ResponseWriter, r *http.Request) {
	now := clock.Now()
	ids, err := s.index.ActiveSubscribers(s.cfg.IPWindow, now)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	var out []Violator
	for _, id := range ids {
		limit, ok := s.limits.GetLimit(r.Context(), id)
		if !ok || limit == 0 {
			continue
		}
		entries, err := s.index.IPsOf(id, s.cfg.IPWindow, now)
		if err != nil {
			continue
		}
		if uint32(len(entries)) <= limit {
			continue
		}
		v := Violator{SubscriberID: id, Limit: limit}
		nodeSet := make(map[string]struct{})
		for _, e := range entries {
			v.IPs = append(v.IPs, e.IP)
			nodeSet[e.NodeLastSeenOn] = struct{}{}
		}
		for n := range nodeSet {
			v.Nodes = append(v.Nodes, n)
		}
		sort.Strings(v.IPs)
		sort.Strings(v.Nodes)
		out = append(out, v)
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleBlocked(w http.ResponseWriter, r *http.Request) {
	blocked, err := s.index.AllBlocked()
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	sort.Slice(blocked, func(i, j int) bool { return blocked[i].SubscriberID < blocked[j].SubscriberID })
	s.writeJSON(w, http.StatusOK, blocked)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if _, err := jsonNumber(raw, &limit); err != nil {
			http.Error(w, "bad limit", http.StatusBadRequest)
			return
		}
	}
	s.writeJSON(w, http.StatusOK, s.events.Recent(limit))
}

// SubscriberDetail is the per-subscriber drill-down view.
type SubscriberDetail struct {
	SubscriberID string                  `json:"subscriber_id"`
	Entries      []model.ConnectionEntry `json:"entries"`
	Blocked      bool                    `json:"blocked"`
	BlockedUntil *time.Time              `json:"blocked_until,omitempty"`
}

func (s *Server) handleSubscriber(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	now := clock.Now()
	entries, err := s.index.IPsOf(id, s.cfg.IPWindow, now)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	detail := SubscriberDetail{SubscriberID: id, Entries: entries}
	if blocked, until, err := s.index.IsBlocked(id); err == nil && blocked {
		detail.Blocked = true
		detail.BlockedUntil = &until
	}
	s.writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleEnforce(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	now := clock.Now()
	entries, err := s.index.IPsOf(id, s.cfg.IPWindow, now)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	ips := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		ips[e.IP] = struct{}{}
	}
	limit, _ := s.limits.GetLimit(r.Context(), id)
	if err := s.enforcer.ForceEnforce(r.Context(), id, ips, limit, "manual enforcement"); err != nil {
		s.logger.Warn("manual enforcement failed", "subscriber", id, "error", err)
		http.Error(w, "enforcement failed", http.StatusBadGateway)
		return
	}
	s.events.Add("admin", "manual enforcement for subscriber "+id, map[string]string{"subscriber": id})
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleUnban(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.enforcer.ForceUnDisable(r.Context(), id); err != nil {
		s.logger.Warn("manual un-ban failed", "subscriber", id, "error", err)
		http.Error(w, "un-ban failed", http.StatusBadGateway)
		return
	}
	s.events.Add("admin", "manual un-ban for subscriber "+id, map[string]string{"subscriber": id})
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	s.scanner.TriggerScan()
	s.events.Add("admin", "one-shot scan triggered", nil)
	s.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleNodesList(w http.ResponseWriter, r *http.Request) {
	s.nodesMu.RLock()
	nodes := append([]config.Node(nil), s.nodes...)
	s.nodesMu.RUnlock()
	s.writeJSON(w, http.StatusOK, nodes)
}

func (s *Server) handleNodeAdd(w http.ResponseWriter, r *http.Request) {
	var n config.Node
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil || n.Name == "" || n.ControlAddress == "" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	s.nodesMu.Lock()
	replaced := false
	for i := range s.nodes {
		if s.nodes[i].Name == n.Name {
			s.nodes[i] = n
			replaced = true
			break
		}
	}
	if !replaced {
		s.nodes = append(s.nodes, n)
	}
	nodes := append([]config.Node(nil), s.nodes...)
	s.nodesMu.Unlock()

	s.notifyNodesChanged(nodes)
	s.events.Add("admin", "node set updated: "+n.Name, map[string]string{"node": n.Name, "control_address": n.ControlAddress})
	s.writeJSON(w, http.StatusOK, nodes)
}

func (s *Server) handleNodeDelete(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	s.nodesMu.Lock()
	kept := s.nodes[:0]
	found := false
	for _, n := range s.nodes {
		if n.Name == name {
			found = true
			continue
		}
		kept = append(kept, n)
	}
	s.nodes = kept
	nodes := append([]config.Node(nil), s.nodes...)
	s.nodesMu.Unlock()

	if !found {
		http.Error(w, "unknown node", http.StatusNotFound)
		return
	}
	s.notifyNodesChanged(nodes)
	s.events.Add("admin", "node removed: "+name, map[string]string{"node": name})
	s.writeJSON(w, http.StatusOK, nodes)
}

func (s *Server) notifyNodesChanged(nodes []config.Node) {
	if s.cfg.OnNodesChanged != nil {
		s.cfg.OnNodesChanged(nodes)
	}
}

func (s *Server) handleAnalyticsTop(w http.ResponseWriter, r *http.Request) {
	if s.activity == nil {
		http.Error(w, "analytics disabled", http.StatusNotFound)
		return
	}
	hours, limit := 24, 20
	if raw := r.URL.Query().Get("hours"); raw != "" {
		if _, err := jsonNumber(raw, &hours); err != nil {
			http.Error(w, "bad hours", http.StatusBadRequest)
			return
		}
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if _, err := jsonNumber(raw, &limit); err != nil {
			http.Error(w, "bad limit", http.StatusBadRequest)
			return
		}
	}
	now := clock.Now()
	top, err := s.activity.GetTopSubscribers(now.Add(-time.Duration(hours)*time.Hour), now, limit)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, top)
}

func (s *Server) handleAnalyticsActivity(w http.ResponseWriter, r *http.Request) {
	if s.activity == nil {
		http.Error(w, "analytics disabled", http.StatusNotFound)
		return
	}
	hours := 24
	if raw := r.URL.Query().Get("hours"); raw != "" {
		if _, err := jsonNumber(raw, &hours); err != nil {
			http.Error(w, "bad hours", http.StatusBadRequest)
			return
		}
	}
	now := clock.Now()
	series, err := s.activity.GetActivitySeries(r.URL.Query().Get("node"), now.Add(-time.Duration(hours)*time.Hour), now)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, series)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// jsonNumber parses a decimal query parameter into dst.
func jsonNumber(raw string, dst *int) (int, error) {
	var n int
	if err := json.Unmarshal([]byte(raw), &n); err != nil {
		return 0, err
	}
	*dst = n
	return n, nil
}
