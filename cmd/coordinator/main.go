// Command coordinator runs the delivery marketplace coordinator.
//
// The coordinator sequences delivery, escrow, and reputation workflows over
// encrypted values it cannot read. Participants verify the /attestation
// quote, encrypt their fields against the coordinator's binding context, and
// drive the workflows through the signed HTTP entry points.
//
// # Usage
//
//	go run ./cmd/coordinator --config=config.yaml
//	go run ./cmd/coordinator --addr=:8080 --coordinator-id=coordinator-1
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/HertaTremblay/Anonymous-Delivery-Network/api/httpserver"
	"github.com/HertaTremblay/Anonymous-Delivery-Network/cmd/common"
	"github.com/HertaTremblay/Anonymous-Delivery-Network/confidential"
	"github.com/HertaTremblay/Anonymous-Delivery-Network/coordinator"
	"github.com/HertaTremblay/Anonymous-Delivery-Network/services"
)

func main() {
	var (
		configPath    = flag.String("config", "", "YAML config file path")
		addr          = flag.String("addr", "", "HTTP listen address (overrides config)")
		metricsAddr   = flag.String("metrics-addr", "", "Metrics listen address (overrides config)")
		coordinatorID = flag.String("coordinator-id", "", "Binding context identifier (overrides config)")
		signingKeyHex = flag.String("signing-key", "", "Ed25519 signing key (hex, generates if empty)")
		useTDX        = flag.Bool("tdx", false, "Use real TDX attestation")
		remoteTDXURL  = flag.String("tdx-url", "", "Remote TDX attestation service URL")
		enablePprof   = flag.Bool("pprof", false, "Enable pprof debugging API")
	)
	flag.Parse()

	cfg, err := loadConfiguration(*configPath)
	if err != nil {
		fmt.Printf("Config error: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.ListenAddr = *addr
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}
	if *coordinatorID != "" {
		cfg.Coordinator.CoordinatorID = *coordinatorID
	}

	log := common.NewLogger(cfg.LogJSON, cfg.LogDebug)

	signingKey, err := common.LoadOrGenerateSigningKey(*signingKeyHex)
	if err != nil {
		fmt.Printf("Signing key error: %v\n", err)
		os.Exit(1)
	}
	identity, err := signingKey.PublicKey()
	if err != nil {
		fmt.Printf("Signing key error: %v\n", err)
		os.Exit(1)
	}
	log.Info("coordinator identity", "publicKey", identity.String())

	engine, err := confidential.NewStubEngine()
	if err != nil {
		fmt.Printf("Engine error: %v\n", err)
		os.Exit(1)
	}

	store, err := openStore(cfg)
	if err != nil {
		fmt.Printf("Store error: %v\n", err)
		os.Exit(1)
	}

	events := services.NewEventHub(log)
	coord := coordinator.New(cfg.Coordinator, identity, engine, store, events, log)
	engine.SetAuthorizer(coord.Registry())

	attestor := common.NewAttestationProvider(*useTDX, *remoteTDXURL)
	handler := services.NewHandler(coord, attestor, events)

	srv, err := httpserver.New(&httpserver.HTTPServerConfig{
		ListenAddr:               cfg.ListenAddr,
		MetricsAddr:              cfg.MetricsAddr,
		EnablePprof:              *enablePprof,
		Log:                      log,
		DrainDuration:            5 * time.Second,
		GracefulShutdownDuration: 10 * time.Second,
		ReadTimeout:              15 * time.Second,
		WriteTimeout:             30 * time.Second,
	}, handler)
	if err != nil {
		fmt.Printf("Server error: %v\n", err)
		os.Exit(1)
	}

	srv.RunInBackground()
	log.Info("coordinator running",
		"listenAddr", cfg.ListenAddr,
		"coordinatorID", cfg.Coordinator.CoordinatorID,
		"attestation", attestor.AttestationType())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("shutting down")
	srv.Shutdown()
}

func loadConfiguration(configPath string) (*services.Config, error) {
	if configPath != "" {
		return services.LoadConfig(configPath)
	}
	return services.DefaultConfig(), nil
}

func openStore(cfg *services.Config) (coordinator.Store, error) {
	if cfg.Postgres != nil {
		return services.NewPostgresStore(cfg.Postgres)
	}
	return services.NewInMemoryStore(), nil
}
