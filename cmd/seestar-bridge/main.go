// seestar-bridge wires one Device Session per configured device and
// exposes nothing itself — external protocol adapters (HTTP, ASCOM
// Alpaca, INDI) are out of scope here and would call into
// pkg/session.ControlSurface directly.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/cgobat/seestar-bridge/pkg/config"
	"github.com/cgobat/seestar-bridge/pkg/notify"
	"github.com/cgobat/seestar-bridge/pkg/session"
	"github.com/cgobat/seestar-bridge/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configPath := flag.String("config",
		getEnv("BRIDGE_CONFIG", "./config/bridge.yaml"),
		"Path to the bridge YAML configuration file")
	flag.Parse()

	envPath := filepath.Join(filepath.Dir(*configPath), ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Printf("warning: could not load %s: %v", envPath, err)
		log.Printf("continuing with existing environment variables")
	} else {
		log.Printf("loaded environment from %s", envPath)
	}

	log.Printf("starting %s", version.Full())

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	cues := notify.NewLogging()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var wg sync.WaitGroup
	for name, dev := range cfg.Devices {
		sess := session.New(name, dev, cfg.Site, cues)
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			defer sess.Stop()
			slog.Info("starting device session", "device", name)
			if err := sess.Start(ctx); err != nil {
				slog.Error("device session exited", "device", name, "error", err)
			}
		}(name)
	}

	if len(cfg.Devices) == 0 {
		log.Fatalf("no devices configured in %s", *configPath)
	}

	<-ctx.Done()
	slog.Info("shutdown signal received, stopping sessions")
	wg.Wait()
}
