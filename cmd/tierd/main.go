package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags),
		createValidateCommand(globalFlags),
		createTiersCommand(globalFlags),
		createStatusCommand(globalFlags),
		createResyncCommand(globalFlags),
		createStopCommand(globalFlags),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "tierd",
		Short: "Dependency-tiered service supervisor",
		Long: `tierd starts a fleet of local services in dependency tiers, gates each tier on
health checks, restarts crashed services within a budget and shuts everything
down in reverse start order.

Examples:
  tierd validate tierd.toml         # check config and print the tiers
  tierd serve tierd.toml            # supervise in the foreground
  tierd status --id api             # ask the running daemon`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to config file (TOML, YAML or JSON)")
	return root
}

func addAPIFlags(cmd *cobra.Command, f *APIFlags) {
	cmd.Flags().StringVar(&f.APIUrl, "api-url", "", "daemon API URL (e.g. http://127.0.0.1:7420/api); defaults to [server] in --config")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", 10*time.Second, "request timeout")
}

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	f := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config]",
		Short: "Supervise the configured services",
		Long: `Start every configured service tier by tier and supervise them until
SIGINT/SIGTERM or an API stop request. A second signal skips the remaining
grace periods.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.ConfigPath = globalFlags.ConfigPath
			sigs := make(chan os.Signal, 2)
			signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigs)
			return runServe(*f, args, sigs)
		},
	}
	cmd.Flags().DurationVar(&f.ShutdownTimeout, "shutdown-timeout", 0, "upper bound for the whole shutdown (0 = wait for every grace period)")
	return cmd
}

func createValidateCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [config]",
		Short: "Load the config and print the start-up tiers without spawning",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := configPath(globalFlags.ConfigPath, args)
			if err != nil {
				return err
			}
			return runValidate(cmd.OutOrStdout(), path)
		},
	}
}

func createTiersCommand(globalFlags *GlobalFlags) *cobra.Command {
	f := &APIFlags{}
	cmd := &cobra.Command{
		Use:   "tiers [config]",
		Short: "Print the start-up tiers as JSON (from a config file or the daemon)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := globalFlags.ConfigPath
			if len(args) > 0 {
				path = args[0]
			}
			return runTiers(cmd.Context(), cmd.OutOrStdout(), *f, path)
		},
	}
	addAPIFlags(cmd, f)
	return cmd
}

func createStatusCommand(globalFlags *GlobalFlags) *cobra.Command {
	f := &StatusFlags{}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show service status from the running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), cmd.OutOrStdout(), *f, globalFlags.ConfigPath)
		},
	}
	cmd.Flags().StringVar(&f.ID, "id", "", "only this service")
	addAPIFlags(cmd, &f.APIFlags)
	return cmd
}

func createResyncCommand(globalFlags *GlobalFlags) *cobra.Command {
	f := &ResyncFlags{}
	cmd := &cobra.Command{
		Use:   "resync",
		Short: "Reset failed services and re-run the tiered start-up",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResync(cmd.Context(), cmd.OutOrStdout(), *f, globalFlags.ConfigPath)
		},
	}
	cmd.Flags().BoolVar(&f.Wait, "wait", false, "block until start-up settles")
	addAPIFlags(cmd, &f.APIFlags)
	return cmd
}

func createStopCommand(globalFlags *GlobalFlags) *cobra.Command {
	f := &APIFlags{}
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Ask the running daemon to shut down",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStop(cmd.Context(), cmd.OutOrStdout(), *f, globalFlags.ConfigPath)
		},
	}
	addAPIFlags(cmd, f)
	return cmd
}
