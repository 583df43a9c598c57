package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aminofox/zenplay/pkg/config"
	"github.com/aminofox/zenplay/pkg/logger"
	"github.com/aminofox/zenplay/pkg/metrics"
	"github.com/aminofox/zenplay/pkg/worker"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configFile := flag.String("config", "", "Path to config file")
	codecs := flag.String("codecs", "", "Comma separated codec prefixes the simulated pipeline accepts (all when empty)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("zenplay worker %s (commit: %s, built: %s)\n", version, commit, date)
		return
	}

	var (
		cfg *config.Config
		err error
	)
	if *configFile != "" {
		cfg, err = config.Load(*configFile)
	} else {
		cfg, err = config.FromEnv()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Logging.Backend, logger.ParseLevel(cfg.Logging.Level), cfg.Logging.Format)

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	var supported []string
	if *codecs != "" {
		supported = strings.Split(*codecs, ",")
	}

	w := worker.New(worker.Options{
		SupportedCodecs: supported,
		Logger:          log,
		Metrics:         m,
	})
	srv := &http.Server{Addr: cfg.Transport.ListenAddress, Handler: w}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Worker server error", logger.Err(err))
			os.Exit(1)
		}
	}()
	log.Info("Worker started", logger.String("addr", cfg.Transport.ListenAddress))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("Shutdown signal received, draining connections")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("Shutdown error", logger.Err(err))
		os.Exit(1)
	}
	log.Info("Worker stopped")
}
