package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"botgate/gate-service/internal/config"
	"botgate/gate-service/internal/settings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	rootCmd = &cobra.Command{
		Use:   "botgate",
		Short: "Challenge unverified visitors before they reach the application",
		Long: `botgate sits in front of a web application as a reverse proxy. Visitors
without a valid challenge cookie are redirected to a short interstitial page
that sets the cookie after a delay; APIs, admin pages, account flows and
allow-listed paths or addresses pass straight through.`,
		SilenceUsage: true,
	}

	cfgFile string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file (overrides BOTGATE_CONFIG, default ./config.yaml)")
	rootCmd.AddCommand(serveCmd, installCmd, uninstallCmd, saltCmd, adminTokenCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// loadConfig resolves the config path (flag > env > ./config.yaml), loads
// and validates it, and configures the global logger.
func loadConfig() (*config.Config, string, error) {
	path := cfgFile
	if path == "" {
		path = os.Getenv("BOTGATE_CONFIG")
	}
	if path == "" {
		path = "./config.yaml"
		if _, err := os.Stat(path); os.IsNotExist(err) {
			path = "./config.example.yaml"
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, path, err
	}
	setupLogging(cfg.Logging.Level)
	return cfg, path, nil
}

func setupLogging(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		log.Logger = log.Logger.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

func openStore(ctx context.Context, cfg *config.Config) (*settings.Store, error) {
	backend, err := settings.OpenSQLite(ctx, cfg.Settings.DSN)
	if err != nil {
		return nil, err
	}
	return settings.NewStore(backend), nil
}
