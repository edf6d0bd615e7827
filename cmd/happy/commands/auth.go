package commands

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/happy-coder/happy/internal/config"
	"github.com/happy-coder/happy/internal/crypto"
	"github.com/happy-coder/happy/internal/sync"
	"github.com/happy-coder/happy/pkg/types"
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Show or establish this device's account identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		paths := config.GetPaths()
		if err := paths.EnsurePaths(); err != nil {
			return err
		}
		cfg, err := config.Load(paths)
		if err != nil {
			return err
		}

		creds, _, token, err := loadIdentity(paths, cfg)
		if err != nil {
			return err
		}

		api := sync.NewAPI(cfg.ServerURL, token)
		accountID, err := api.Auth(cmd.Context())
		if err != nil {
			if errors.Is(err, types.ErrAuth) {
				return &ExitError{Code: exitAuth, Err: err}
			}
			return &ExitError{Code: exitUnreachable, Err: err}
		}

		if creds.AccountID == "" {
			creds.AccountID = accountID
			creds.Token = token
			if err := crypto.SaveCredentials(paths.Credentials, creds); err != nil {
				return err
			}
			fmt.Printf("registered account %s\n", accountID)
			return nil
		}
		fmt.Printf("account %s\n", creds.AccountID)
		return nil
	},
}
