package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/BTreeMap/GarageDesk/internal/config"
	"github.com/spf13/cobra"
)

// cfg is loaded once by the root command before any subcommand runs.
var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:               "GarageDesk",
	Short:             "Auto-shop WhatsApp desk: chat bot, attendance queue and operator API",
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
	RunE:              runServe,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.String("state-dir", "", "state directory (overrides GARAGEDESK_STATE_DIR)")
	pf.String("db-dsn", "", "Postgres DSN, SQLite path or \"memory\" (overrides DATABASE_URL)")
	pf.String("log-level", "", "debug, info, warn or error (overrides LOG_LEVEL)")
	addServeFlags(rootCmd)

	rootCmd.AddCommand(serveCmd, sweepCmd, statsCmd, watchCmd)
}

func loadConfig(cmd *cobra.Command, _ []string) error {
	loaded, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	applyFlags(cmd, loaded)
	initializeLogger(loaded.SlogLevel())
	if err := loaded.Validate(); err != nil {
		return err
	}
	cfg = loaded
	slog.Debug("Configuration loaded", "state_dir", cfg.StateDir, "transport", cfg.Transport, "api_addr", cfg.APIAddr)
	return nil
}

// applyFlags copies explicitly set flags over the environment configuration.
func applyFlags(cmd *cobra.Command, c *config.Config) {
	changed := func(name string) (string, bool) {
		f := cmd.Flags().Lookup(name)
		if f == nil || !f.Changed {
			return "", false
		}
		return f.Value.String(), true
	}
	for name, dst := range map[string]*string{
		"state-dir": &c.StateDir,
		"db-dsn":    &c.DatabaseURL,
		"log-level": &c.LogLevel,
		"api-addr":  &c.APIAddr,
		"transport": &c.Transport,
		"qr-output": &c.WhatsAppQROutput,
	} {
		if v, ok := changed(name); ok {
			*dst = v
		}
	}
	if v, ok := changed("numeric"); ok {
		c.WhatsAppNumericCode = v == "true"
	}
	if _, ok := changed("state-dir"); ok {
		// paths under the state dir follow it unless set explicitly
		if _, dsnSet := changed("db-dsn"); !dsnSet && os.Getenv("DATABASE_URL") == "" {
			c.DatabaseURL = ""
		}
		if os.Getenv("WHATSAPP_DB_DSN") == "" {
			c.WhatsAppDSN = ""
		}
		c.ApplyDefaults()
	}
}

// initializeLogger installs the process-wide slog text handler.
func initializeLogger(level slog.Level) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}
