package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/andresmejia3/anomalywatch/internal/config"
	"github.com/andresmejia3/anomalywatch/internal/logging"
	"github.com/andresmejia3/anomalywatch/internal/store"
	"github.com/spf13/cobra"
)

var (
	// Cfg is the merged configuration (defaults, file, environment, root flags).
	Cfg *config.Config
	// DB is the database connection, opened only by commands that call openDB.
	DB *store.Store

	dbURL      string
	configPath string
	logLevel   string
	logFormat  string
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "anomalywatch",
	Short:   "Reconstruction-error anomaly detection for surveillance video",
	Version: Version, // This enables the --version flag
	// Execute prints errors.
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if cmd.Root().PersistentFlags().Changed("db") {
			cfg.Database.URL = dbURL
		}
		if cmd.Root().PersistentFlags().Changed("log-level") {
			cfg.Logging.Level = logLevel
		}
		if cmd.Root().PersistentFlags().Changed("log-format") {
			cfg.Logging.Format = logFormat
		}
		logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
		Cfg = cfg
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			// Use Background here because the main context might be cancelled already (due to Ctrl+C)
			// and we still need to send the "Close" command to the DB.
			DB.Close(context.Background())
			DB = nil
		}
	},
}

// openDB connects to PostgreSQL using the configured URL.
func openDB(ctx context.Context) error {
	if DB != nil {
		return nil
	}
	url := Cfg.DatabaseURL()
	db, err := store.New(ctx, url)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	logging.Debug().Msg("database connected")
	DB = db
	return nil
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string (default: postgres://localhost:5432/anomalywatch)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file (default: $ANOMALYWATCH_CONFIG or ./anomalywatch.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Diagnostic log level: trace, debug, info, warn, error, disabled")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "Diagnostic log format: console or json")
}
