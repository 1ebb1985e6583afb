// Command umbra-node is the native node entrypoint: it creates a local
// identity, starts the peer service, announces presence, and connects
// to a relay for signaling.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/umbra-net/umbra/internal/config"
	"github.com/umbra-net/umbra/pkg/umbra/connection"
	"github.com/umbra-net/umbra/pkg/umbra/discovery"
	"github.com/umbra-net/umbra/pkg/umbra/identity"
	"github.com/umbra-net/umbra/pkg/umbra/peer"
	"github.com/umbra-net/umbra/pkg/umbra/recovery"
	"github.com/umbra-net/umbra/pkg/umbra/relay"
)

func main() {
	configPath := flag.String("config", "", "path to node config.yaml (optional)")
	displayName := flag.String("display-name", "", "display name for a freshly generated identity")
	showRecovery := flag.Bool("print-recovery-phrase", false, "print the generated recovery phrase and exit (first run only)")
	flag.Parse()

	cfg, err := config.LoadNodeConfig(*configPath)
	if err != nil {
		log.Fatalf("umbra-node: config load failed: %v", err)
	}
	if *displayName != "" {
		cfg.DisplayName = *displayName
	}

	phrase, err := recovery.Generate()
	if err != nil {
		log.Fatalf("umbra-node: recovery phrase generation failed: %v", err)
	}
	if *showRecovery {
		fmt.Println(phrase)
	}

	id, err := identity.FromRecoveryPhrase(phrase, "", cfg.DisplayName, time.Now())
	if err != nil {
		log.Fatalf("umbra-node: identity derivation failed: %v", err)
	}
	log.Printf("umbra-node starting, did=%s", id.DID)

	var backend peer.Backend
	if cfg.Transport == "libp2p" {
		backend = peer.NewLibp2pBackend(cfg.ListenAddrs, id.Keys.SigningPrivate)
	} else {
		backend = peer.NewMockBackend(id.DID)
	}
	svc := peer.New(backend)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(ctx); err != nil {
		log.Fatalf("umbra-node: peer service failed to start: %v", err)
	}

	cache := discovery.New(svc, svc, svc)

	for _, addr := range cfg.BootstrapPeers {
		if err := svc.Connect(addr); err != nil {
			log.Printf("umbra-node: bootstrap connect to %s failed: %v", addr, err)
			continue
		}
		cache.Record(id.DID, addr, []string{addr}, cfg.DisplayName, discovery.SourceBootstrap)
	}
	if len(cfg.BootstrapPeers) > 0 {
		if err := svc.Bootstrap(); err != nil {
			log.Printf("umbra-node: dht bootstrap failed: %v", err)
		}
	}

	selfInfo := connection.New(id.DID, peer.PeerIDFromDID(id.Keys.SigningPublic), svc.ListenAddresses(), cfg.DisplayName, time.Now())
	if err := cache.AnnouncePresence(selfInfo); err != nil {
		log.Printf("umbra-node: presence announce failed: %v", err)
	}

	if cfg.RelayURL != "" {
		relayCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		relayClient, err := relay.Dial(relayCtx, cfg.RelayURL, id.DID)
		cancel()
		if err != nil {
			log.Printf("umbra-node: relay connect failed: %v", err)
		} else {
			defer relayClient.Close()
		}
	}

	log.Printf("umbra-node listening on %v", svc.ListenAddresses())

	<-ctx.Done()
	log.Println("umbra-node stopping")
	if err := svc.Stop(); err != nil {
		log.Printf("umbra-node: stop error: %v", err)
	}
	id.Zero()
	os.Exit(0)
}
