// Command remexecd boots the remote-build execution backend: it builds the
// configured store pipelines, starts the action scheduler, and runs the
// periodic maintenance loops until terminated. The transport layer mounts
// the streaming endpoints on top of these components.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/gurre/remexec/config"
	"github.com/gurre/remexec/metrics"
	"github.com/gurre/remexec/scheduler"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	fs := flag.NewFlagSet("remexecd", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to the JSON configuration file")
	devLogging := fs.Bool("dev-logging", false, "Use human-readable development logging")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return fmt.Errorf("failed to parse flags: %w", err)
	}
	if *configPath == "" {
		return fmt.Errorf("-config is required")
	}

	logger, err := newLogger(*devLogging)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	clock := clockwork.NewRealClock()
	m := metrics.New()

	stores, err := buildStores(ctx, cfg, clock, logger)
	if err != nil {
		return err
	}

	sched := scheduler.New(scheduler.Config{
		WorkerTimeoutSeconds:        cfg.Scheduler.WorkerTimeoutS,
		RetainCompletedForSeconds:   cfg.Scheduler.RetainCompletedForS,
		MaxJobRetries:               cfg.Scheduler.MaxJobRetries,
		AllocationStrategy:          allocationStrategy(cfg.Scheduler.AllocationStrategy),
		SupportedPlatformProperties: platformProperties(cfg.Scheduler.SupportedPlatformProperties),
	}, clock, logger.Named("scheduler"), m)
	defer sched.Stop()

	// The transport layer registers bytestream.NewServer over
	// cfg.Bytestream.CasStores and these stores when it mounts the gRPC
	// services; this binary only owns the components behind it.
	logger.Info("remexecd started",
		zap.Int("stores", len(stores)),
		zap.Int("instances", len(cfg.Bytestream.CasStores)))

	// Maintenance loops: evict silent workers and expire retained results.
	evictTicker := clock.NewTicker(time.Second)
	defer evictTicker.Stop()
	cleanTicker := clock.NewTicker(30 * time.Second)
	defer cleanTicker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			fmt.Println(m.GenerateReport())
			return nil
		case <-evictTicker.Chan():
			if err := sched.RemoveTimedoutWorkers(clock.Now().Unix()); err != nil {
				logger.Error("failed to remove timed out workers", zap.Error(err))
			}
		case <-cleanTicker.Chan():
			sched.CleanRecentlyCompletedActions()
		}
	}
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func allocationStrategy(s string) scheduler.AllocationStrategy {
	if s == "most_recently_used" {
		return scheduler.MostRecentlyUsed
	}
	return scheduler.LeastRecentlyUsed
}

func platformProperties(raw map[string]string) map[string]scheduler.PropertyKind {
	out := make(map[string]scheduler.PropertyKind, len(raw))
	for name, kind := range raw {
		if kind == "minimum" {
			out[name] = scheduler.PropertyMinimum
		} else {
			out[name] = scheduler.PropertyExact
		}
	}
	return out
}
