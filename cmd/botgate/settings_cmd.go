package main

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	installCmd = &cobra.Command{
		Use:   "install",
		Short: "Seed the settings store with defaults and a fresh salt",
		Long: `Write every bot challenge setting with its default value (5 second delay,
90 day cookie, headless detection on, /api and /api-local exempt) and a newly
generated 64 character salt. Existing values are overwritten.`,
		RunE: installMain,
	}

	uninstallCmd = &cobra.Command{
		Use:   "uninstall",
		Short: "Remove every bot challenge setting from the store",
		RunE:  uninstallMain,
	}

	saltCmd = &cobra.Command{
		Use:   "salt",
		Short: "Manage the challenge token salt",
	}

	saltRegenerateCmd = &cobra.Command{
		Use:   "regenerate",
		Short: "Replace the salt; every cookie already issued stops verifying",
		RunE:  saltRegenerateMain,
	}
)

func init() {
	saltCmd.AddCommand(saltRegenerateCmd)
}

func installMain(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	snap, err := store.Install(cmd.Context())
	if err != nil {
		return err
	}
	log.Info().Str("dsn", cfg.Settings.DSN).Int("delay", snap.DelaySeconds).
		Int("cookie_lifetime_days", snap.CookieLifetimeDays).Msg("bot challenge settings installed")
	return nil
}

func uninstallMain(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Uninstall(cmd.Context()); err != nil {
		return err
	}
	log.Info().Str("dsn", cfg.Settings.DSN).Msg("bot challenge settings removed")
	return nil
}

func saltRegenerateMain(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if _, err := store.RegenerateSalt(cmd.Context()); err != nil {
		return fmt.Errorf("regenerate salt: %w", err)
	}
	log.Info().Msg("salt regenerated; visitors will be challenged again")
	return nil
}
