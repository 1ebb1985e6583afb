// Command umbra-relay runs the relay server and federation mesh: the
// WebSocket signaling/offline-queue relay, its HTTP surface, and the
// relay-to-relay presence mesh.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/umbra-net/umbra/internal/config"
	"github.com/umbra-net/umbra/internal/platform/privacylog"
	"github.com/umbra-net/umbra/internal/relayserver"
)

func main() {
	def := config.ApplyEnv(config.DefaultRelayConfig())

	port := flag.Int("port", def.Port, "WebSocket listen port")
	maxOffline := flag.Int("max-offline-messages", def.MaxOfflineMessages, "per-DID offline queue cap")
	offlineTTLDays := flag.Int("offline-ttl-days", def.OfflineTTLDays, "offline message TTL in days")
	sessionTTLSecs := flag.Int("session-ttl-secs", def.SessionTTLSecs, "signaling session TTL in seconds")
	cleanupIntervalSecs := flag.Int("cleanup-interval-secs", def.CleanupIntervalSecs, "TTL sweep interval in seconds")
	region := flag.String("region", def.Region, "relay region label")
	location := flag.String("location", def.Location, "relay location label")
	publicURL := flag.String("public-url", def.PublicURL, "public URL this relay advertises to the mesh")
	peers := flag.String("peers", strings.Join(def.Peers, ","), "comma-separated federation peer WebSocket URLs")
	relayID := flag.String("relay-id", def.RelayID, "stable id this relay announces to the mesh")
	heartbeatSecs := flag.Int("presence-heartbeat-secs", def.PresenceHeartbeatSecs, "federation presence sync interval in seconds")
	flag.Parse()

	cfg := config.RelayConfig{
		Port:                  *port,
		MaxOfflineMessages:    *maxOffline,
		OfflineTTLDays:        *offlineTTLDays,
		SessionTTLSecs:        *sessionTTLSecs,
		CleanupIntervalSecs:   *cleanupIntervalSecs,
		Region:                *region,
		Location:              *location,
		PublicURL:             *publicURL,
		Peers:                 splitPeers(*peers),
		RelayID:               *relayID,
		PresenceHeartbeatSecs: *heartbeatSecs,
	}

	for _, peer := range cfg.Peers {
		u, err := url.Parse(peer)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			fmt.Fprintf(os.Stderr, "umbra-relay: invalid federation peer URL %q\n", peer)
			os.Exit(1)
		}
	}

	logger := slog.New(privacylog.WrapHandler(slog.NewTextHandler(os.Stderr, nil)))

	srv := relayserver.NewServer(relayserver.Config{
		Port:                  cfg.Port,
		MaxOfflineMessages:    cfg.MaxOfflineMessages,
		OfflineTTLDays:        cfg.OfflineTTLDays,
		SessionTTLSecs:        cfg.SessionTTLSecs,
		CleanupIntervalSecs:   cfg.CleanupIntervalSecs,
		Region:                cfg.Region,
		Location:              cfg.Location,
		PublicURL:             cfg.PublicURL,
		Peers:                 cfg.Peers,
		RelayID:               cfg.RelayID,
		PresenceHeartbeatSecs: cfg.PresenceHeartbeatSecs,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "umbra-relay failed: %v\n", err)
		os.Exit(1)
	}
}

func splitPeers(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
