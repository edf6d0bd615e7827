// Package main provides the entry point for the Happy relay server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/happy-coder/happy/internal/logging"
	"github.com/happy-coder/happy/internal/relay"
	"github.com/happy-coder/happy/internal/store"
)

var (
	port      = flag.Int("port", 3005, "Server port")
	dbPath    = flag.String("db", "happy.db", "SQLite database path")
	retention = flag.Int64("retention", 10000, "Updates retained per account (0 = unlimited)")
	logLevel  = flag.String("log-level", "INFO", "Log level (DEBUG|INFO|WARN|ERROR)")
	version   = flag.Bool("version", false, "Print version and exit")
)

const Version = "0.1.0"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("happy-relay %s\n", Version)
		os.Exit(0)
	}

	cfg := logging.DefaultConfig()
	cfg.Level = logging.ParseLevel(*logLevel)
	logging.Init(cfg)

	db, err := store.NewDB(*dbPath)
	if err != nil {
		logging.Fatal().Err(err).Str("path", *dbPath).Msg("open database")
	}
	defer db.Close()

	relayCfg := relay.DefaultConfig()
	relayCfg.Port = *port
	srv := relay.New(relayCfg, store.New(db, *retention))

	go func() {
		logging.Info().Int("port", *port).Msg("relay listening")
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			logging.Fatal().Err(err).Msg("relay failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logging.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("shutdown error")
	}
}
