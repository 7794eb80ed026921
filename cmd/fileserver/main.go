// Command fileserver is the process bootstrap: load configuration, load
// per-user key material, wire the storage registry, ACL table, dispatcher
// and wire bridge together, then run the datagram framing server until
// interrupted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/sergz72/smarthome-filestore/internal/bridge"
	"github.com/sergz72/smarthome-filestore/internal/command"
	"github.com/sergz72/smarthome-filestore/internal/config"
	"github.com/sergz72/smarthome-filestore/internal/framing"
	"github.com/sergz72/smarthome-filestore/internal/keys"
	"github.com/sergz72/smarthome-filestore/internal/registry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fileserver: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	args := os.Args[1:]
	if len(args) != 1 {
		return fmt.Errorf("usage: fileserver <config-path>")
	}
	configPath := args[0]

	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()
	log := logger.Sugar()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	users, err := keys.LoadUsers(cfg)
	if err != nil {
		return fmt.Errorf("load user keys: %w", err)
	}

	reg, err := registry.OpenExisting(cfg.BaseFolder, cfg.HashDivider)
	if err != nil {
		return fmt.Errorf("open existing databases: %w", err)
	}

	dispatcher := command.New(reg)
	wireBridge := bridge.New(users, dispatcher)

	addr := fmt.Sprintf(":%d", cfg.Port)
	server, err := framing.NewServer(addr, wireBridge, log)
	if err != nil {
		return fmt.Errorf("start listener: %w", err)
	}

	log.Infow("fileserver starting", "addr", addr, "base_folder", cfg.BaseFolder, "users", len(cfg.Users))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := server.Run(ctx); err != nil {
		return fmt.Errorf("server stopped: %w", err)
	}
	log.Infow("fileserver stopped")
	return nil
}
