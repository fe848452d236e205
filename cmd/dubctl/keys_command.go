package main

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/dubhub/internal/apikey"
	"github.com/kiranshivaraju/dubhub/internal/config"
	"github.com/kiranshivaraju/dubhub/internal/store"
	"github.com/kiranshivaraju/dubhub/pkg/models"
	"github.com/spf13/cobra"
)

func newKeysCommand(opts *options) *cobra.Command {
	keysCmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage API keys",
	}

	keysCmd.AddCommand(newKeysCreateCommand(opts))
	keysCmd.AddCommand(newKeysListCommand(opts))
	keysCmd.AddCommand(newKeysRevokeCommand(opts))

	return keysCmd
}

func newKeysCreateCommand(opts *options) *cobra.Command {
	var (
		databaseURL string
		userFlag    string
		name        string
		scopes      []string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key directly in the database",
		Long: "Writes a key straight to the database so the first admin key can be " +
			"issued before any key exists. Without --user a new user id is generated. " +
			"The raw key is printed once and cannot be recovered.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(databaseURL) == "" {
				return errors.New("no database: pass --database-url or set DATABASE_URL")
			}
			userID := uuid.New()
			if userFlag != "" {
				id, err := uuid.Parse(userFlag)
				if err != nil {
					return fmt.Errorf("invalid --user %q", userFlag)
				}
				userID = id
			}

			key, raw, err := apikey.New(userID, name, scopes)
			if err != nil {
				return err
			}

			pool, err := store.Connect(cmd.Context(), config.DatabaseConfig{
				URL:             databaseURL,
				MaxOpenConns:    1,
				ConnMaxLifetime: time.Minute,
			})
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := store.NewPostgresStore(pool).CreateAPIKey(cmd.Context(), key); err != nil {
				return fmt.Errorf("storing key: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Created key %s for user %s (scopes: %s)\n", key.ID, key.UserID, strings.Join(key.Scopes, ", "))
			fmt.Fprintf(out, "Key: %s\n", raw)
			return nil
		},
	}

	cmd.Flags().StringVar(&databaseURL, "database-url", os.Getenv("DATABASE_URL"), "Postgres URL (defaults to $DATABASE_URL)")
	cmd.Flags().StringVar(&userFlag, "user", "", "Owner user id")
	cmd.Flags().StringVar(&name, "name", "dubctl", "Key name")
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "Scopes: read, write, admin (default read,write)")

	return cmd
}

func newKeysListCommand(opts *options) *cobra.Command {
	var userFlag string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys (admin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(opts)
			if err != nil {
				return err
			}
			path := "/api/v1/admin/keys"
			if userFlag != "" {
				path += "?" + url.Values{"user_id": {userFlag}}.Encode()
			}
			var keys []models.APIKey
			raw, err := c.do(cmd.Context(), http.MethodGet, path, nil, &keys)
			if err != nil {
				return err
			}
			if opts.json {
				return writeJSON(cmd, raw)
			}
			if len(keys) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No keys")
				return nil
			}
			rows := make([][]string, 0, len(keys))
			for _, k := range keys {
				lastUsed := "never"
				if k.LastUsedAt != nil {
					lastUsed = k.LastUsedAt.Local().Format(time.DateTime)
				}
				rows = append(rows, []string{k.ID.String(), k.Name, k.KeyPrefix, strings.Join(k.Scopes, ","), lastUsed})
			}
			fmt.Fprint(cmd.OutOrStdout(), renderTable([]string{"ID", "Name", "Prefix", "Scopes", "Last Used"}, rows, nil))
			return nil
		},
	}

	cmd.Flags().StringVar(&userFlag, "user", "", "List another user's keys")

	return cmd
}

func newKeysRevokeCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke one of your API keys (admin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keyID, err := uuid.Parse(strings.TrimSpace(args[0]))
			if err != nil {
				return fmt.Errorf("invalid key id %q", args[0])
			}
			c, err := newClient(opts)
			if err != nil {
				return err
			}
			if _, err := c.do(cmd.Context(), http.MethodDelete, "/api/v1/admin/keys/"+keyID.String(), nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Revoked key %s\n", keyID)
			return nil
		},
	}
}
