// Package relay is the HTTP side of peerchat: the signal mailbox, the
// offline message queue, presence, and the contact bookkeeping around them.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/petervdpas/peerchat/internal/presence"
	"github.com/petervdpas/peerchat/internal/proto"
	"github.com/petervdpas/peerchat/internal/storage"
	"github.com/petervdpas/peerchat/internal/util"
)

const (
	DefaultSignalTTL      = 5 * time.Minute
	DefaultMessageTTL     = 24 * time.Hour
	DefaultStreamInterval = 250 * time.Millisecond
	DefaultRateLimit      = 600

	cleanupInterval = time.Minute
	maxLogs         = 500
	maxBodyBytes    = 1 << 20
)

type Options struct {
	Addr            string
	Store           storage.Store
	Clock           clock.Clock
	SignalTTL       time.Duration
	MessageTTL      time.Duration
	OnlineThreshold time.Duration
	StreamInterval  time.Duration
	AdminPassword   string
	// RateLimit is the number of writes per minute allowed from one IP.
	// Zero disables the limiter.
	RateLimit       int
}

type Server struct {
	addr           string
	store          storage.Store
	social         storage.Social // nil when the backend keeps no contacts
	presence       *presence.Tracker
	clock          clock.Clock
	signalTTL      time.Duration
	messageTTL     time.Duration
	streamInterval time.Duration
	handler        http.Handler
	metrics        *metrics

	srv *http.Server
	ln  net.Listener

	cfgMu         sync.RWMutex
	adminPassword string
	rateLimit     int

	// log buffer for /logs.json
	logs *util.RingBuffer[string]

	rateMu     sync.Mutex
	rateWindow map[string]*rateBucket
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16384,
	// Peers connect from anywhere; identity is the userId they poll for.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func New(o Options) *Server {
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.SignalTTL <= 0 {
		o.SignalTTL = DefaultSignalTTL
	}
	if o.MessageTTL <= 0 {
		o.MessageTTL = DefaultMessageTTL
	}
	if o.StreamInterval <= 0 {
		o.StreamInterval = DefaultStreamInterval
	}
	s := &Server{
		addr:           o.Addr,
		store:          o.Store,
		presence:       presence.New(o.Store, o.Clock, o.OnlineThreshold),
		clock:          o.Clock,
		signalTTL:      o.SignalTTL,
		messageTTL:     o.MessageTTL,
		streamInterval: o.StreamInterval,
		metrics:        newMetrics(),
		adminPassword:  o.AdminPassword,
		rateLimit:      o.RateLimit,
		logs:           util.NewRingBuffer[string](maxLogs),
		rateWindow:     make(map[string]*rateBucket),
	}
	if social, ok := o.Store.(storage.Social); ok {
		s.social = social
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", s.metrics.handler())
	mux.HandleFunc("/logs.json", s.handleLogsJSON)

	mux.HandleFunc("/signal", s.handleSignal)
	mux.HandleFunc("/signal/ws", s.handleSignalStream)
	mux.HandleFunc("/messages", s.handleMessages)
	mux.HandleFunc("/peers", s.handlePeers)

	mux.HandleFunc("/contacts", s.handleContacts)
	mux.HandleFunc("/contact-requests", s.handleContactRequests)
	mux.HandleFunc("/notifications", s.handleNotifications)

	s.handler = s.limitWrites(mux)
	return s
}

// Handler exposes the routes without a listener.
func (s *Server) Handler() http.Handler { return s.handler }

// SetAdminPassword replaces the /logs.json password. Empty disables it.
func (s *Server) SetAdminPassword(pw string) {
	s.cfgMu.Lock()
	s.adminPassword = pw
	s.cfgMu.Unlock()
}

// SetRateLimit replaces the per-IP write limit.
func (s *Server) SetRateLimit(perMinute int) {
	s.cfgMu.Lock()
	s.rateLimit = perMinute
	s.cfgMu.Unlock()
}

// Start listens on the configured address and serves until ctx ends.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go s.cleanupLoop(ctx)

	// Stop server when ctx ends
	go func() {
		<-ctx.Done()
		shctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
		defer cancel()
		_ = s.srv.Shutdown(shctx)
	}()

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("RELAY: server error: %v", err)
		}
	}()

	s.addLog(fmt.Sprintf("Relay listening on %s", ln.Addr()))
	return nil
}

// URL returns the base URL of the running server.
func (s *Server) URL() string {
	if s.ln != nil {
		return "http://" + s.ln.Addr().String()
	}
	return "http://" + s.addr
}

// ── signals ─────────────────────────────────────────────────────────────────

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var body struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
			From string          `json:"from"`
			To   string          `json:"to"`
		}
		if !decodeJSON(w, r, &body) {
			return
		}
		from, errFrom := util.ValidateUserID(body.From)
		to, errTo := util.ValidateUserID(body.To)
		if errFrom != nil || errTo != nil || len(body.Data) == 0 {
			http.Error(w, "missing required fields: type, data, from, to", http.StatusBadRequest)
			return
		}
		if !proto.ValidSignalType(body.Type) {
			http.Error(w, "invalid signal type", http.StatusBadRequest)
			return
		}

		now := s.clock.Now()
		sig, err := s.store.EnqueueSignal(r.Context(), proto.Signal{
			ID:        uuid.NewString(),
			Type:      body.Type,
			Data:      body.Data,
			From:      from,
			To:        to,
			Timestamp: now.UnixMilli(),
		})
		if err != nil {
			s.storeError(w, "enqueue signal", err)
			return
		}
		s.touch(r.Context(), from)
		if n, err := s.store.PruneSignals(r.Context(), now.Add(-s.signalTTL).UnixMilli()); err != nil {
			log.Printf("RELAY: prune signals: %v", err)
		} else if n > 0 {
			s.metrics.pruned.WithLabelValues("signal").Add(float64(n))
		}
		s.metrics.signals.WithLabelValues(sig.Type).Inc()
		s.addLog(fmt.Sprintf("Signal %s %s → %s", sig.Type, sig.From, sig.To))
		writeJSON(w, map[string]any{"success": true})

	case http.MethodGet:
		userID, ok := userParam(w, r, "userId")
		if !ok {
			return
		}
		sigs, err := s.takeSignals(r.Context(), userID)
		if err != nil {
			s.storeError(w, "take signals", err)
			return
		}
		writeJSON(w, map[string]any{"signals": sigs})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// takeSignals drains userID's mailbox and marks the user as seen.
func (s *Server) takeSignals(ctx context.Context, userID string) ([]proto.Signal, error) {
	sigs, err := s.store.TakeSignals(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.touch(ctx, userID)
	if sigs == nil {
		sigs = []proto.Signal{}
	}
	s.metrics.delivered.Add(float64(len(sigs)))
	return sigs, nil
}

// handleSignalStream pushes the mailbox over a WebSocket instead of having
// the peer poll for it.
func (s *Server) handleSignalStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	userID, ok := userParam(w, r, "userId")
	if !ok {
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("RELAY [%s]: WebSocket upgrade error: %v", userID, err)
		return
	}
	defer conn.Close()

	s.metrics.streams.Inc()
	defer s.metrics.streams.Dec()
	s.addLog(fmt.Sprintf("Signal stream opened for %s", userID))

	// Drain incoming frames (close, ping) so the connection notices a hangup.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := s.clock.Ticker(s.streamInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-gone:
			s.addLog(fmt.Sprintf("Signal stream closed for %s", userID))
			return
		case <-ticker.C:
			sigs, err := s.takeSignals(r.Context(), userID)
			if err != nil {
				log.Printf("RELAY [%s]: stream drain: %v", userID, err)
				continue
			}
			for _, sig := range sigs {
				if err := conn.WriteJSON(sig); err != nil {
					return
				}
			}
		}
	}
}

// ── offline messages ────────────────────────────────────────────────────────

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var body struct {
			ID        string `json:"id"`
			Text      string `json:"text"`
			From      string `json:"from"`
			To        string `json:"to"`
			Timestamp int64  `json:"timestamp"`
		}
		if !decodeJSON(w, r, &body) {
			return
		}
		from, errFrom := util.ValidateUserID(body.From)
		to, errTo := util.ValidateUserID(body.To)
		if errFrom != nil || errTo != nil || body.Text == "" {
			http.Error(w, "missing required fields: text, from, to", http.StatusBadRequest)
			return
		}
		if body.ID == "" {
			body.ID = uuid.NewString()
		}
		now := s.clock.Now().UnixMilli()
		if body.Timestamp == 0 {
			body.Timestamp = now
		}
		m, err := s.store.InsertMessage(r.Context(), proto.QueuedMessage{
			ID:        body.ID,
			Text:      body.Text,
			From:      from,
			To:        to,
			Timestamp: body.Timestamp,
			StoredAt:  now,
		})
		if err != nil {
			s.storeError(w, "store message", err)
			return
		}
		s.metrics.stored.Inc()
		s.addLog(fmt.Sprintf("Stored message %s %s → %s", m.ID, m.From, m.To))
		writeJSON(w, map[string]any{"stored": true, "messageId": m.ID})

	case http.MethodGet:
		userID, ok := userParam(w, r, "userId")
		if !ok {
			return
		}
		msgs, err := s.store.ListMessages(r.Context(), userID)
		if err != nil {
			s.storeError(w, "list messages", err)
			return
		}
		if msgs == nil {
			msgs = []proto.QueuedMessage{}
		}
		writeJSON(w, map[string]any{"messages": msgs})

	case http.MethodDelete:
		userID, ok := userParam(w, r, "userId")
		if !ok {
			return
		}
		var ids []string
		if raw := r.URL.Query().Get("ids"); raw != "" {
			for _, id := range strings.Split(raw, ",") {
				if id = strings.TrimSpace(id); id != "" {
					ids = append(ids, id)
				}
			}
			if len(ids) == 0 {
				http.Error(w, "empty ids", http.StatusBadRequest)
				return
			}
		}
		n, err := s.store.DeleteMessages(r.Context(), userID, ids)
		if err != nil {
			s.storeError(w, "delete messages", err)
			return
		}
		s.metrics.deleted.Add(float64(n))
		writeJSON(w, map[string]any{"success": true, "deleted": n})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// ── presence ────────────────────────────────────────────────────────────────

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	peerID, ok := userParam(w, r, "peerId")
	if !ok {
		return
	}
	st, err := s.presence.Status(r.Context(), peerID)
	if err != nil {
		s.storeError(w, "presence", err)
		return
	}
	writeJSON(w, st)
}

func (s *Server) touch(ctx context.Context, userID string) {
	if err := s.presence.Touch(ctx, userID); err != nil {
		log.Printf("RELAY [%s]: touch: %v", userID, err)
	}
}

// ── maintenance ─────────────────────────────────────────────────────────────

// cleanupLoop prunes expired signals, queued messages and notifications and
// trims the rate limiter.
func (s *Server) cleanupLoop(ctx context.Context) {
	ticker := s.clock.Ticker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cleanup(ctx)
		}
	}
}

func (s *Server) cleanup(ctx context.Context) {
	now := s.clock.Now()
	if n, err := s.store.PruneSignals(ctx, now.Add(-s.signalTTL).UnixMilli()); err != nil {
		log.Printf("RELAY: prune signals: %v", err)
	} else if n > 0 {
		s.metrics.pruned.WithLabelValues("signal").Add(float64(n))
		s.addLog(fmt.Sprintf("Pruned %d stale signal(s)", n))
	}
	if n, err := s.store.PruneMessages(ctx, now.Add(-s.messageTTL).UnixMilli()); err != nil {
		log.Printf("RELAY: prune messages: %v", err)
	} else if n > 0 {
		s.metrics.pruned.WithLabelValues("message").Add(float64(n))
		s.addLog(fmt.Sprintf("Pruned %d expired message(s)", n))
	}
	if s.social != nil {
		if n, err := s.social.PruneNotifications(ctx, now.Add(-s.messageTTL).UnixMilli()); err != nil {
			log.Printf("RELAY: prune notifications: %v", err)
		} else if n > 0 {
			s.metrics.pruned.WithLabelValues("notification").Add(float64(n))
		}
	}
	s.cleanupRateLimiter()
}

// ── admin ───────────────────────────────────────────────────────────────────

func (s *Server) handleLogsJSON(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.requireAdmin(w, r) {
		return
	}
	writeJSON(w, s.logs.Snapshot())
}

func (s *Server) addLog(msg string) {
	timestamp := s.clock.Now().Format("15:04:05")
	s.logs.Push(fmt.Sprintf("[%s] %s", timestamp, msg))

	// Also log to console
	log.Println("RELAY: " + msg)
}

// requireAdmin checks HTTP Basic Auth. Returns true if authorized.
func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	s.cfgMu.RLock()
	password := s.adminPassword
	s.cfgMu.RUnlock()
	if password == "" {
		http.Error(w, "admin disabled", http.StatusForbidden)
		return false
	}
	user, pass, ok := r.BasicAuth()
	if !ok || user != "admin" || pass != password {
		w.Header().Set("WWW-Authenticate", `Basic realm="peerchat relay"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return false
	}
	return true
}

// ── helpers ─────────────────────────────────────────────────────────────────

func (s *Server) storeError(w http.ResponseWriter, op string, err error) {
	log.Printf("RELAY: %s: %v", op, err)
	http.Error(w, "internal server error", http.StatusInternalServerError)
}

func userParam(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	id, err := util.ValidateUserID(r.URL.Query().Get(name))
	if err != nil {
		http.Error(w, name+" parameter required", http.StatusBadRequest)
		return "", false
	}
	return id, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("content-type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(v)
}

// extractIP returns the IP portion of a host:port address.
func extractIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
