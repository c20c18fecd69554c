// Package main provides the swapd daemon: a P2P node that runs and resumes
// atomic swaps.
package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/klingon-exchange/swapd/internal/chain"
	"github.com/klingon-exchange/swapd/internal/coins"
	"github.com/klingon-exchange/swapd/internal/config"
	"github.com/klingon-exchange/swapd/internal/node"
	"github.com/klingon-exchange/swapd/internal/storage"
	"github.com/klingon-exchange/swapd/internal/swap"
	"github.com/klingon-exchange/swapd/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

// passwordEnv holds the wallet password.
const passwordEnv = "SWAPD_WALLET_PASSWORD"

func main() {
	var (
		dataDir        = flag.String("data-dir", "~/.swapd", "Data directory")
		configFile     = flag.String("config", "", "Config file path (default: <data-dir>/config.yaml)")
		listenAddr     = flag.String("listen", "", "Listen address (multiaddr), overrides config")
		network        = flag.String("network", "", "Network: mainnet, testnet or simnet, overrides config")
		enableMDNS     = flag.Bool("mdns", true, "Enable mDNS discovery")
		enableDHT      = flag.Bool("dht", true, "Enable DHT discovery")
		localOnly      = flag.Bool("local", false, "Use the in-process message hub instead of libp2p")
		bootstrapPeers = flag.String("bootstrap", "", "Bootstrap peers (comma-separated multiaddrs)")
		logLevel       = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		showVersion    = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{
		Level:      "info",
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("swapd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	configDir := *dataDir
	if *configFile != "" {
		configDir = filepath.Dir(*configFile)
	}
	cfg, err := node.LoadConfig(configDir)
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}

	// CLI flags take precedence over the config file.
	if *listenAddr != "" {
		cfg.Network.ListenAddrs = []string{*listenAddr}
	}
	if *network != "" {
		cfg.NetworkType = chain.Network(*network)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *bootstrapPeers != "" {
		cfg.Network.BootstrapPeers = parseBootstrapPeers(*bootstrapPeers)
	}
	cfg.Network.EnableMDNS = *enableMDNS
	cfg.Network.EnableDHT = *enableDHT
	if cfg.NetworkType != chain.Mainnet && cfg.Storage.DataDir == *dataDir {
		cfg.Storage.DataDir = filepath.Join(*dataDir, string(cfg.NetworkType))
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid configuration", "error", err)
	}

	log, logCloser, err := setupLogging(cfg)
	if err != nil {
		log.Fatal("Failed to set up logging", "error", err)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}
	log.Info("Config loaded", "path", node.ConfigPath(configDir), "network", cfg.NetworkType)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *localOnly, log); err != nil {
		log.Fatal("swapd stopped", "error", err)
	}
	log.Info("Goodbye!")
}

func setupLogging(cfg *node.Config) (*logging.Logger, io.Closer, error) {
	logCfg := &logging.Config{
		Level:      cfg.Logging.Level,
		TimeFormat: time.TimeOnly,
	}
	if cfg.Logging.File == "" {
		log := logging.New(logCfg)
		logging.SetDefault(log)
		return log, nil, nil
	}

	log, closer, err := logging.NewFile(logCfg, expandPath(cfg.Logging.File))
	if err != nil {
		return logging.GetDefault(), nil, err
	}
	logging.SetDefault(log)
	return log, closer, nil
}

func run(ctx context.Context, cfg *node.Config, localOnly bool, log *logging.Logger) error {
	dataPath := expandPath(cfg.Storage.DataDir)
	store, err := storage.New(&storage.Config{DataDir: dataPath})
	if err != nil {
		return err
	}
	defer store.Close()
	log.Info("Storage initialized", "path", dataPath)

	w, err := openWallet(dataPath, cfg.NetworkType, os.Getenv(passwordEnv), log)
	if err != nil {
		return err
	}

	registry := coins.NewRegistry()
	if err := activateCoins(ctx, registry, cfg, w, log); err != nil {
		return err
	}

	var (
		transport swap.Transport
		n         *node.Node
	)
	if localOnly {
		transport = node.NewLocalHub().Endpoint()
		log.Info("Using in-process message hub")
	} else {
		if n, err = startNode(ctx, cfg, store, log); err != nil {
			return err
		}
		transport = n
	}

	manager, err := swap.NewManager(&swap.Config{
		Store:     store,
		Coins:     registry,
		Transport: transport,
		Wallet:    w,
		Swap:      cfg.Swap.SwapConfig(),
		DexFee:    config.DefaultDexFeeConfig(),
	})
	if err != nil {
		return err
	}

	swapLog := log.Component("swap")
	manager.OnEvent(func(ev swap.SwapEvent) {
		swapLog.Info("Swap event", "uuid", ev.UUID, "role", ev.Role, "event", ev.Event.Type())
	})

	if n != nil {
		printBanner(log, n, cfg)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		resumed, err := manager.Kickstart(gctx)
		if err != nil {
			return err
		}
		log.Info("Unfinished swaps scheduled", "count", len(resumed))
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				status := []interface{}{"active_swaps", len(manager.ActiveSwaps())}
				if n != nil {
					status = append(status, "peers", n.PeerCount(), "uptime", n.Uptime().Round(time.Second))
				}
				log.Info("Status", status...)
			}
		}
	})

	<-gctx.Done()
	log.Info("Shutting down...")

	if err := manager.Close(); err != nil {
		log.Error("Error stopping swaps", "error", err)
	}
	if n != nil {
		if err := n.Stop(); err != nil {
			log.Error("Error stopping node", "error", err)
		}
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func startNode(ctx context.Context, cfg *node.Config, store *storage.Storage, log *logging.Logger) (*node.Node, error) {
	log.Info("Starting P2P node...")
	n, err := node.New(ctx, cfg)
	if err != nil {
		return nil, err
	}

	n.SetPeerStore(store)
	if err := n.Start(); err != nil {
		n.Stop()
		return nil, err
	}
	return n, nil
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

func printBanner(log *logging.Logger, n *node.Node, cfg *node.Config) {
	log.Info("")
	log.Info("=================================================")
	log.Infof("  swapd (%s)", cfg.NetworkType)
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	log.Infof("  Peer ID: %s", n.ID().String())
	log.Info("")
	log.Info("  Listening on:")
	for _, addr := range n.Addrs() {
		log.Infof("    %s/p2p/%s", addr.String(), n.ID().String())
	}
	log.Info("")
	log.Infof("  mDNS: %v | DHT: %v", cfg.Network.EnableMDNS, cfg.Network.EnableDHT)
	log.Infof("  Data dir: %s", expandPath(cfg.Storage.DataDir))
	log.Info("=================================================")
}

func parseBootstrapPeers(s string) []string {
	if s == "" {
		return nil
	}
	var peers []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			peers = append(peers, p)
		}
	}
	return peers
}
