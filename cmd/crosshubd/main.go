// Package main provides the crosshubd daemon: a hub-mediated cross-chain
// swap node, optionally running the hub order book itself.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/crosshub-exchange/crosshub/internal/config"
	"github.com/crosshub-exchange/crosshub/internal/exchange"
	"github.com/crosshub-exchange/crosshub/internal/protocol"
	"github.com/crosshub-exchange/crosshub/internal/registry"
	"github.com/crosshub-exchange/crosshub/internal/rpc"
	"github.com/crosshub-exchange/crosshub/internal/storage"
	"github.com/crosshub-exchange/crosshub/internal/transport"
	"github.com/crosshub-exchange/crosshub/internal/wallet"
	"github.com/crosshub-exchange/crosshub/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

// sender defers packet delivery to the transport, which is constructed
// after the registry. Registry and transport reference each other.
type sender struct {
	t *transport.Transport
}

func (s *sender) SendTo(addr protocol.Address, pkt *protocol.Packet) error {
	return s.t.SendTo(addr, pkt)
}

func (s *sender) Broadcast(pkt *protocol.Packet) error {
	return s.t.Broadcast(pkt)
}

func main() {
	var (
		configPath  = flag.String("config", "~/.crosshub/config.yaml", "Config file path")
		dataDir     = flag.String("data-dir", "", "Data directory, overrides config")
		apiAddr     = flag.String("api", "", "JSON-RPC API address, overrides config")
		hubMode     = flag.Bool("hub", false, "Run the hub order book, overrides config")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error)")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{
		Level:      "info",
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("crosshubd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}

	// CLI flags take precedence over the config file.
	if *dataDir != "" {
		cfg.Node.DataDir = *dataDir
	}
	if *apiAddr != "" {
		cfg.RPC.Enabled = true
		cfg.RPC.ListenAddr = *apiAddr
	}
	if *hubMode {
		cfg.Hub.Enabled = true
	}
	if *logLevel != "" {
		cfg.Node.LogLevel = *logLevel
	}

	log = logging.New(&logging.Config{
		Level:      cfg.Node.LogLevel,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	dataPath := config.ExpandPath(cfg.Node.DataDir)
	if err := os.MkdirAll(dataPath, 0700); err != nil {
		log.Fatal("Failed to create data directory", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage
	store, err := storage.New(&storage.Config{DataDir: dataPath})
	if err != nil {
		log.Fatal("Failed to initialize storage", "error", err)
	}
	defer store.Close()
	log.Info("Storage initialized", "path", filepath.Join(dataPath, "crosshub.db"))

	// Node identity
	identity, err := config.LoadIdentity(cfg)
	if err != nil {
		log.Fatal("Failed to load identity", "error", err)
	}
	log.Info("Identity loaded", "address", identity.Address)

	// Hub order book, only when enabled
	var exch *exchange.Exchange
	if cfg.Hub.Enabled {
		exch = exchange.New(nil)
		for _, cur := range cfg.Currencies {
			exch.AddWallet(exchange.WalletParam{
				Symbol:        cur.Symbol,
				DustThreshold: cur.DustThreshold,
			})
		}
		log.Info("Hub order book enabled", "currencies", exch.Wallets())
	}

	// Registry and transport reference each other; the sender indirection
	// breaks the construction cycle.
	send := &sender{}
	reg := registry.New(cfg, identity, send, exch, store, log)

	trans, err := transport.New(ctx, &cfg.Transport, dataPath, reg, log)
	if err != nil {
		log.Fatal("Failed to create transport", "error", err)
	}
	send.t = trans

	// Wallet connectors
	for _, cur := range cfg.Currencies {
		if cur.RPCURL == "" {
			log.Warn("Currency has no wallet endpoint, skipping connector", "currency", cur.Symbol)
			continue
		}
		reg.AddConnector(wallet.NewCoreRPCConnector(wallet.CoreRPCConfig{
			Currency:      cur.Symbol,
			RPCURL:        cur.RPCURL,
			RPCUser:       cur.RPCUser,
			RPCPassword:   cur.RPCPassword,
			Params:        wallet.ParamsForNetwork(cur.Network),
			Dust:          cur.DustThreshold,
			FeePerByte:    cur.FeePerByte,
			MakerLockTime: cur.MakerLockTime,
			TakerLockTime: cur.TakerLockTime,
		}))
		log.Info("Wallet connector registered", "currency", cur.Symbol, "network", cur.Network)
	}

	reg.Start(ctx)
	trans.Start()

	// RPC server
	var rpcServer *rpc.Server
	if cfg.RPC.Enabled {
		rpcServer = rpc.NewServer(reg, trans, store)
		if err := rpcServer.Start(cfg.RPC.ListenAddr); err != nil {
			log.Fatal("Failed to start RPC server", "error", err)
		}
	}

	log.Info("crosshubd started",
		"version", version,
		"peer_id", trans.ID(),
		"address", identity.Address,
		"hub", cfg.Hub.Enabled,
	)

	// Status ticker
	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				log.Info("Status",
					"peers", trans.PeerCount(),
					"local_orders", len(reg.LocalOrders()),
					"remote_book", len(reg.RemoteOrders()),
				)
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	log.Info("Shutting down...")

	cancel()

	if rpcServer != nil {
		if err := rpcServer.Stop(); err != nil {
			log.Error("Error stopping RPC server", "error", err)
		}
	}
	reg.Stop()
	if err := trans.Stop(); err != nil {
		log.Error("Error stopping transport", "error", err)
	}

	log.Info("Shutdown complete")
}
