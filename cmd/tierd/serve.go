package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/loykin/tierd"
)

// runServe supervises the configured services until the first signal or an API
// stop request, then shuts down. A second signal cancels the remaining grace
// periods so every child still alive is killed.
func runServe(f ServeFlags, args []string, sigs <-chan os.Signal) error {
	path, err := configPath(f.ConfigPath, args)
	if err != nil {
		return err
	}
	cfg, err := tierd.LoadConfig(path)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	sup, err := tierd.New(cfg)
	if err != nil {
		return err
	}
	log := sup.Logger()
	log.Info("starting tierd", "config", path, "services", len(cfg.Registry.IDs()), "tiers", len(cfg.Tiers), "run_id", sup.RunID())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- sup.Run(ctx) }()

	var runErr error
	select {
	case sig := <-sigs:
		log.Info("signal received, shutting down", "signal", sig.String())
		cancel()
		runErr = <-runDone
	case runErr = <-runDone:
		if runErr == nil {
			log.Info("stop requested, shutting down")
		}
	}

	shutdownCtx, stop := context.WithCancel(context.Background())
	if f.ShutdownTimeout > 0 {
		shutdownCtx, stop = context.WithTimeout(context.Background(), f.ShutdownTimeout)
	}
	defer stop()
	go func() {
		select {
		case sig := <-sigs:
			log.Warn("second signal, killing remaining services", "signal", sig.String())
			stop()
		case <-shutdownCtx.Done():
		}
	}()
	return errors.Join(runErr, sup.Shutdown(shutdownCtx))
}
