// Command livesync runs the CAMS dashboard live refresh daemon.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kashkumarsingh/camsservicesnewp1-sub010/internal/config"
	"github.com/kashkumarsingh/camsservicesnewp1-sub010/internal/engine"
	"github.com/kashkumarsingh/camsservicesnewp1-sub010/internal/livecontext"
	"github.com/kashkumarsingh/camsservicesnewp1-sub010/internal/logging"
	"github.com/kashkumarsingh/camsservicesnewp1-sub010/pkg/client"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// Set at build time with -ldflags "-X main.version=..."
var version = "dev"

var (
	configFile string
	serverAddr string
	logLevel   string
	dataDir    string
	apiURL     string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:           "livesync",
	Short:         "CAMS dashboard live refresh daemon",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// runCmd starts the daemon
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run live refresh for one dashboard",
	Long: `Connect to the push server as the configured user, refetch dashboard
resources when their contexts are invalidated, and relay invalidations to
local views on /stream. Falls back to polling when live updates are
unavailable.`,
	RunE: runDaemon,
}

// contextsCmd lists the known contexts
var contextsCmd = &cobra.Command{
	Use:   "contexts",
	Short: "List the live refresh contexts",
	Run: func(cmd *cobra.Command, args []string) {
		for _, name := range livecontext.All() {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
	},
}

// versionCmd prints the build version
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "livesync", version)
	},
}

// statusCmd prints the status of a running daemon
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the dashboard status of a running daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := client.New(apiURL).Status(cmd.Context())
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	},
}

// invalidateCmd injects an invalidation into a running daemon
var invalidateCmd = &cobra.Command{
	Use:   "invalidate CONTEXT...",
	Short: "Invalidate contexts on a running daemon",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		accepted, err := client.New(apiURL).Invalidate(cmd.Context(), args...)
		if err != nil {
			return err
		}
		if len(accepted) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No known contexts")
			return nil
		}
		for _, name := range accepted {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
		return nil
	},
}

// watchCmd prints invalidations relayed by a running daemon
var watchCmd = &cobra.Command{
	Use:   "watch [CONTEXT...]",
	Short: "Print invalidations as a running daemon relays them",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		sub, err := client.New(apiURL).Subscribe(ctx, args...)
		if err != nil {
			return err
		}
		defer sub.Close()

		for {
			select {
			case <-ctx.Done():
				return nil
			case ev, ok := <-sub.Events:
				if !ok {
					return fmt.Errorf("stream closed")
				}
				fmt.Fprintln(cmd.OutOrStdout(), ev.Timestamp.Format(time.RFC3339), ev.Contexts)
			}
		}
	},
}

func init() {
	runCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to the YAML configuration file")
	runCmd.Flags().StringVar(&serverAddr, "addr", "", "Local API address (overrides config)")
	runCmd.Flags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	runCmd.Flags().StringVar(&dataDir, "data-dir", "", "Snapshot directory for badger storage")

	for _, cmd := range []*cobra.Command{statusCmd, invalidateCmd, watchCmd} {
		cmd.Flags().StringVar(&apiURL, "api", "http://127.0.0.1:8090", "Base URL of the running daemon")
	}

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(contextsCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(invalidateCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configFile, dataDir, serverAddr, logLevel)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := logging.Setup(cfg.ToLoggingConfig()); err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}

	eng, err := engine.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErr := eng.Start(ctx)
	if ctx.Err() != nil {
		log.Info().Msg("Caught signal, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := eng.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Shutdown failed")
		if runErr == nil {
			runErr = err
		}
	}
	return runErr
}
