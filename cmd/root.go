package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/smartlock/internal/config"
	"github.com/andresmejia3/smartlock/internal/eventlog"
	"github.com/andresmejia3/smartlock/internal/eventlog/logdb"
	"github.com/andresmejia3/smartlock/internal/store"
	"github.com/spf13/cobra"
)

// needsDB marks commands that open the access log in PersistentPreRunE.
const needsDB = "needs-db"

var (
	// Cfg is the loaded configuration shared by subcommands
	Cfg *config.Config
	// Events is the access log, opened for commands annotated with needsDB
	Events *eventlog.Core

	cfgPath string
	dbURL   string
	debug   bool
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:           "smartlock",
	Short:         "Face recognition door lock controller",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadOrDefault(cfgPath)
		if err != nil {
			return err
		}
		cfg.OverrideDSN(dbURL)
		Cfg = cfg

		setupLogging(cfg.Logging, cmd.Name() == "serve")

		if cmd.Annotations[needsDB] != "" {
			// Use the command's context (which will be cancellable) for the connection
			Events, err = openEventLog(cmd.Context(), cfg.Database)
			if err != nil {
				return fmt.Errorf("failed to open access log: %w", err)
			}
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if Events != nil {
			if err := Events.Close(); err != nil {
				slog.Warn("failed to close access log", "error", err)
			}
		}
	},
}

// setupLogging installs the default slog logger. Interactive commands always log as text.
func setupLogging(cfg config.LoggingConfig, server bool) {
	level := cfg.SlogLevel()
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if server && cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// openEventLog picks the storer for the configured driver.
func openEventLog(ctx context.Context, db config.DatabaseConfig) (*eventlog.Core, error) {
	var storer eventlog.Storer
	switch db.Driver {
	case "pgx":
		s, err := store.New(ctx, db.DSN)
		if err != nil {
			return nil, err
		}
		storer = s
	default:
		s, err := logdb.Open(db.Driver, db.DSN)
		if err != nil {
			return nil, err
		}
		storer = s
	}
	slog.Debug("access log opened", "driver", db.Driver)
	return eventlog.NewCore(storer, nil), nil
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "Path to the YAML config (default: ./smartlock.yaml if present)")
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "Access log DSN override (postgres url, mysql dsn or sqlite path)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
}
