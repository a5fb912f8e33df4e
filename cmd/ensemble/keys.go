package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ensemble-run/ensemble/internal/config"
	"github.com/ensemble-run/ensemble/internal/security"
)

func keyManager() (*security.APIKeyManager, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return security.NewAPIKeyManager(cfg.Security.KeysFile, nil)
}

func newKeysCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage service accounts and API keys",
	}
	cmd.AddCommand(newKeysCreateCommand())
	cmd.AddCommand(newKeysListCommand())
	cmd.AddCommand(newKeysRevokeCommand())
	cmd.AddCommand(newKeysRotateCommand())
	cmd.AddCommand(newAccountCreateCommand())
	return cmd
}

func newAccountCreateCommand() *cobra.Command {
	var roles, permissions []string
	var owner string

	cmd := &cobra.Command{
		Use:   "create-account <name>",
		Short: "Create a service account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := keyManager()
			if err != nil {
				return err
			}
			acc, err := m.CreateServiceAccount(args[0], owner, roles, permissions)
			if err != nil {
				return err
			}
			fmt.Printf("account %s created (id: %s)\n", acc.Name, acc.ID)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&roles, "role", []string{"user"}, "roles for the account")
	cmd.Flags().StringSliceVar(&permissions, "permission", nil, "direct permissions for the account")
	cmd.Flags().StringVar(&owner, "owner", "", "owning user id")
	return cmd
}

func newKeysCreateCommand() *cobra.Command {
	var account string
	var permissions []string
	var expiresInDays int

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := keyManager()
			if err != nil {
				return err
			}
			key, plaintext, err := m.CreateAPIKey(account, permissions, expiresInDays)
			if err != nil {
				return err
			}
			fmt.Printf("key created (prefix: %s)\n", key.Prefix)
			fmt.Println("store this now, it will not be shown again:")
			fmt.Println(plaintext)
			return nil
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "service account id (required)")
	cmd.Flags().StringSliceVar(&permissions, "permission", nil, "key permissions (default: the account's)")
	cmd.Flags().IntVar(&expiresInDays, "expires-in-days", -1, "expiry in days, -1 for none")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}

func newKeysListCommand() *cobra.Command {
	var account string
	var includeExpired bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := keyManager()
			if err != nil {
				return err
			}
			keys := m.ListAPIKeys(account, includeExpired)
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PREFIX\tACCOUNT\tSTATUS\tEXPIRES\tPERMISSIONS")
			for _, key := range keys {
				expires := "never"
				if !key.ExpiresAt.IsZero() {
					expires = key.ExpiresAt.Format("2006-01-02")
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					key.Prefix, key.ServiceAccountID, key.Status, expires,
					strings.Join(key.Permissions, ","))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "filter by service account id")
	cmd.Flags().BoolVar(&includeExpired, "include-expired", false, "include expired and revoked keys")
	return cmd
}

func newKeysRevokeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <prefix>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := keyManager()
			if err != nil {
				return err
			}
			if err := m.RevokeAPIKey(args[0]); err != nil {
				return err
			}
			fmt.Printf("key %s revoked\n", args[0])
			return nil
		},
	}
}

func newKeysRotateCommand() *cobra.Command {
	var expiresInDays int

	cmd := &cobra.Command{
		Use:   "rotate <prefix>",
		Short: "Rotate an API key, inheriting its permissions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := keyManager()
			if err != nil {
				return err
			}
			key, plaintext, err := m.RotateAPIKey(args[0], expiresInDays)
			if err != nil {
				return err
			}
			fmt.Printf("key rotated (new prefix: %s)\n", key.Prefix)
			fmt.Println("store this now, it will not be shown again:")
			fmt.Println(plaintext)
			return nil
		},
	}
	cmd.Flags().IntVar(&expiresInDays, "expires-in-days", -1, "expiry in days, -1 for none")
	return cmd
}
