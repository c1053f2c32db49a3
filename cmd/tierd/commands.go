package main

import (
	"context"
	"fmt"
	"io"

	"github.com/loykin/tierd"
	"github.com/loykin/tierd/pkg/client"
)

// runValidate loads the configuration and prints the start-up plan without
// spawning anything.
func runValidate(w io.Writer, path string) error {
	cfg, err := tierd.LoadConfig(path)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(w, "%s: %d services in %d tiers\n", path, len(cfg.Registry.IDs()), len(cfg.Tiers))
	for i, t := range cfg.Tiers {
		_, _ = fmt.Fprintf(w, "  tier %d: %v\n", i, t)
	}
	return nil
}

// runTiers prints the plan from a config file, or from the daemon when no file is given.
func runTiers(ctx context.Context, w io.Writer, f APIFlags, path string) error {
	if path != "" {
		cfg, err := tierd.LoadConfig(path)
		if err != nil {
			return err
		}
		out := make([]client.Tier, len(cfg.Tiers))
		for i, t := range cfg.Tiers {
			out[i] = client.Tier{Index: i, Services: t}
		}
		printJSON(w, out)
		return nil
	}
	tiers, err := newClient(f, "").Tiers(ctx)
	if err != nil {
		return err
	}
	printJSON(w, tiers)
	return nil
}

func runStatus(ctx context.Context, w io.Writer, f StatusFlags, cfgPath string) error {
	c := newClient(f.APIFlags, cfgPath)
	if f.ID != "" {
		st, err := c.StatusOf(ctx, f.ID)
		if err != nil {
			return err
		}
		printJSON(w, st)
		return nil
	}
	rows, err := c.Status(ctx)
	if err != nil {
		return err
	}
	printJSON(w, rows)
	return nil
}

func runResync(ctx context.Context, w io.Writer, f ResyncFlags, cfgPath string) error {
	if err := newClient(f.APIFlags, cfgPath).Resync(ctx, f.Wait); err != nil {
		return err
	}
	if f.Wait {
		_, _ = fmt.Fprintln(w, "resync complete")
	} else {
		_, _ = fmt.Fprintln(w, "resync requested")
	}
	return nil
}

func runStop(ctx context.Context, w io.Writer, f APIFlags, cfgPath string) error {
	if err := newClient(f, cfgPath).Stop(ctx); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(w, "shutdown requested")
	return nil
}
