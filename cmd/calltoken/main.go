package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/spec-kit/call-session-service/internal/auth"
	"github.com/spec-kit/call-session-service/internal/config"
	"github.com/spec-kit/call-session-service/internal/identity"
	"github.com/spec-kit/call-session-service/internal/persistence"
	"github.com/spec-kit/call-session-service/internal/repository"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "calltoken",
		Short:        "Operator tools for the call session service",
		SilenceUsage: true,
	}
	root.AddCommand(newIssueCmd())
	return root
}

func newIssueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "issue <member-id>",
		Short: "Issue a viewer token for a directory member",
		Long: `Issue a signed viewer token for an existing directory member.

The member is loaded from Postgres using the service configuration, so the
token carries the same identity the API would resolve. Use this to bootstrap
the first admin, who can then issue tokens through POST /v1/auth/tokens.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON, _ := cmd.Flags().GetBool("json")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			return issue(cmd, args[0], ttl, asJSON)
		},
	}
	cmd.Flags().Bool("json", false, "print token and expiry as JSON")
	cmd.Flags().Duration("ttl", 0, "token lifetime (defaults to AUTH_ACCESS_TOKEN_TTL_MINUTES)")
	return cmd
}

func issue(cmd *cobra.Command, memberID string, ttl time.Duration, asJSON bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = cfg.Auth.AccessTokenTTL()
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	pg, err := persistence.NewPostgres(ctx, cfg.Postgres, zap.NewNop())
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pg.Close()

	member, err := repository.NewTeamMemberRepository(pg.PoolHandle()).GetByID(ctx, memberID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("member %s not found", memberID)
		}
		return err
	}

	token, exp, err := auth.NewTokenManager(cfg.Auth.JWTSecret, ttl).GenerateToken(identity.NewViewer(*member))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if asJSON {
		return json.NewEncoder(out).Encode(map[string]any{
			"member_id":  member.ID,
			"token":      token,
			"expires_at": exp,
		})
	}
	fmt.Fprintln(out, token)
	return nil
}
