package relayserver

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/umbra-net/umbra/internal/platform/ratelimiter"
)

// Config is the relay server's tunable surface, matching the CLI flags
// one-for-one.
type Config struct {
	Port                  int
	MaxOfflineMessages    int
	OfflineTTLDays        int
	SessionTTLSecs        int
	CleanupIntervalSecs   int
	Region                string
	Location              string
	PublicURL             string
	Peers                 []string
	RelayID               string
	PresenceHeartbeatSecs int
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server is the relay server: HTTP surface plus the underlying relay
// and federation state.
type Server struct {
	cfg        Config
	state      *State
	federation *FederationManager
	limiter    *ratelimiter.MapLimiter
	logger     *slog.Logger

	metrics metricsSet
}

type metricsSet struct {
	registry       *prometheus.Registry
	localOnline    prometheus.Gauge
	meshOnline     prometheus.Gauge
	offlineQueued  prometheus.Gauge
	activeSessions prometheus.Gauge
	connectedPeers prometheus.Gauge
}

func newMetrics() metricsSet {
	reg := prometheus.NewRegistry()
	m := metricsSet{
		registry:       reg,
		localOnline:    prometheus.NewGauge(prometheus.GaugeOpts{Name: "umbra_relay_local_online", Help: "Locally registered DIDs."}),
		meshOnline:     prometheus.NewGauge(prometheus.GaugeOpts{Name: "umbra_relay_mesh_online", Help: "Mesh-wide online DIDs."}),
		offlineQueued:  prometheus.NewGauge(prometheus.GaugeOpts{Name: "umbra_relay_offline_queue_size", Help: "Total queued offline messages."}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{Name: "umbra_relay_active_sessions", Help: "Live signaling sessions."}),
		connectedPeers: prometheus.NewGauge(prometheus.GaugeOpts{Name: "umbra_relay_connected_peers", Help: "Connected federation peers."}),
	}
	reg.MustRegister(m.localOnline, m.meshOnline, m.offlineQueued, m.activeSessions, m.connectedPeers)
	return m
}

// NewServer builds a Server from cfg. logger defaults to slog.Default()
// if nil.
func NewServer(cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RelayID == "" {
		cfg.RelayID = newRelayID()
	}
	state := NewState(cfg.MaxOfflineMessages, time.Duration(cfg.OfflineTTLDays)*24*time.Hour, time.Duration(cfg.SessionTTLSecs)*time.Second)
	federation := NewFederationManager(cfg.RelayID, cfg.PublicURL, cfg.Region, cfg.Location, time.Duration(cfg.PresenceHeartbeatSecs)*time.Second, state, logger)
	return &Server{
		cfg:        cfg,
		state:      state,
		federation: federation,
		limiter:    ratelimiter.New(20, 40, 10*time.Minute),
		logger:     logger,
		metrics:    newMetrics(),
	}
}

// Handler returns the relay's full HTTP surface: health, stats, info,
// the client and federation WebSocket upgrades, and the Prometheus
// registry.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/info", s.handleInfo)
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/federation", s.handleFederationWS)
	mux.Handle("/metrics", promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{}))
	return mux
}

// Run starts the federation reconnect loop, the cleanup sweep, and
// serves the HTTP surface until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.federation.ConnectPeers(ctx, s.cfg.Peers)
	go s.cleanupLoop(ctx)

	srv := &http.Server{
		Addr:    portAddr(s.cfg.Port),
		Handler: s.Handler(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("relay listening", "addr", srv.Addr, "relay_id", s.cfg.RelayID)
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func portAddr(port int) string {
	if port <= 0 {
		port = 8787
	}
	return ":" + strconv.Itoa(port)
}

func (s *Server) cleanupLoop(ctx context.Context) {
	interval := time.Duration(s.cfg.CleanupIntervalSecs) * time.Second
	if interval <= 0 {
		interval = defaultCleanupInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.state.CleanupExpired(time.Now())
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"relay_id":   s.cfg.RelayID,
		"region":     s.cfg.Region,
		"location":   s.cfg.Location,
		"public_url": s.cfg.PublicURL,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	local := s.state.LocalOnlineCount()
	mesh := s.state.MeshOnlineCount()
	queued := s.state.OfflineQueueSize()
	sessions := s.state.SessionCount()
	peers := s.federation.ConnectedPeerCount()

	s.metrics.localOnline.Set(float64(local))
	s.metrics.meshOnline.Set(float64(mesh))
	s.metrics.offlineQueued.Set(float64(queued))
	s.metrics.activeSessions.Set(float64(sessions))
	s.metrics.connectedPeers.Set(float64(peers))

	writeJSON(w, map[string]interface{}{
		"local_online":    local,
		"mesh_online":     mesh,
		"offline_queued":  queued,
		"active_sessions": sessions,
		"connected_peers": peers,
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.handleClient(conn)
}

func (s *Server) handleFederationWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.federation.AcceptPeer(r.Context(), conn)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func newSessionID() string {
	var buf [16]byte
	rand.Read(buf[:])
	return "sess1_" + hex.EncodeToString(buf[:])
}

func newRelayID() string {
	var buf [8]byte
	rand.Read(buf[:])
	return "relay1_" + hex.EncodeToString(buf[:])
}
