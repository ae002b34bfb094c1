package main

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"rentshield/api/internal/auth"
	"rentshield/api/internal/rbac"
	"rentshield/api/internal/search"
	"rentshield/api/internal/store"
)

// tokenCommand mints a bearer token for local development. Production tokens
// come from the identity provider.
func tokenCommand() *cobra.Command {
	var (
		subject string
		name    string
		role    string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a development bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(subject) == "" {
				return fmt.Errorf("--sub is required")
			}
			if !rbac.Valid(role) || rbac.Role(role) == rbac.RoleSystem {
				return fmt.Errorf("unknown role %q", role)
			}
			if name == "" {
				name = subject
			}
			token, err := auth.IssueToken([]byte(cfg.TokenSecret), auth.NewClaims(subject, name, rbac.Role(role), ttl))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "sub", "", "actor id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&role, "role", string(rbac.RoleTenant), "tenant, landlord, juror or admin")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func actorCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "actor",
		Short: "Manage actor directory entries",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "weight <actor-id> <weight>",
		Short: "Set a juror's vote weight",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			weight, err := strconv.ParseFloat(args[1], 64)
			if err != nil || weight <= 0 {
				return fmt.Errorf("weight must be a positive number, got %q", args[1])
			}
			return withDB(cmd.Context(), func(ctx context.Context, db *sql.DB) error {
				if err := store.NewPostgresStore(db).SetVoteWeight(ctx, args[0], weight); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s vote weight set to %g\n", args[0], weight)
				return nil
			})
		},
	})
	return cmd
}

func reindexCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the Meilisearch issue index from PostgreSQL",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(cfg.Search.MeiliURL) == "" {
				return fmt.Errorf("search.meiliUrl is not configured")
			}
			return withDB(cmd.Context(), func(ctx context.Context, db *sql.DB) error {
				meiliClient := search.NewMeili(cfg.Search.MeiliURL, cfg.Search.MeiliMasterKey)
				service := search.NewService(meiliClient, search.NewPgFTS(db))
				defer service.Close()
				if !meiliClient.Healthy() {
					return fmt.Errorf("meilisearch at %s is unavailable", cfg.Search.MeiliURL)
				}
				service.ReindexAllFromPG(ctx)
				return nil
			})
		},
	}
}
