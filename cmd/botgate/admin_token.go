package main

import (
	"errors"
	"fmt"
	"time"

	"botgate/gate-service/internal/config"
	"botgate/gate-service/internal/token"

	"github.com/spf13/cobra"
)

var (
	adminTokenCmd = &cobra.Command{
		Use:   "admin-token",
		Short: "Mint a bearer token for the settings API and /admin/stats",
		Long: `Sign an admin token with the current key from the admin section of the
config file and print it to stdout. Use it as "Authorization: Bearer <token>".`,
		RunE: adminTokenMain,
	}

	adminSubject string
	adminTTL     time.Duration
)

func init() {
	adminTokenCmd.Flags().StringVar(&adminSubject, "subject", "admin", "subject recorded in the token and in audit logs")
	adminTokenCmd.Flags().DurationVar(&adminTTL, "ttl", time.Hour, "token lifetime (capped at 30 days)")
}

func adminTokenMain(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	kr, err := newKeyring(cfg)
	if err != nil {
		return err
	}
	if kr == nil {
		return errors.New("admin.keys is empty; add a signing key to the config first")
	}
	tok, err := kr.Sign(adminSubject, adminTTL)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), tok)
	return nil
}

// newKeyring returns nil when no admin keys are configured.
func newKeyring(cfg *config.Config) (*token.Keyring, error) {
	if len(cfg.Admin.Keys) == 0 {
		return nil, nil
	}
	return token.NewKeyring(cfg.Admin.Alg, cfg.Admin.Keys, cfg.Admin.CurrentKID, cfg.Admin.Issuer, cfg.Admin.SkewSec)
}
