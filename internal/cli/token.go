package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/seantiz/forge/internal/auth"
)

func (a *app) tokenCmd() *cobra.Command {
	var (
		secret  string
		subject string
		role    string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign an API token with the coordinator's agent secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if role != auth.RoleClient && role != auth.RoleAgent {
				return fmt.Errorf("unknown role %q", role)
			}
			tok, err := auth.GenerateToken(secret, subject, role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "signing secret (FORGE_AGENT_SECRET of the coordinator)")
	cmd.Flags().StringVar(&subject, "subject", "forgectl", "token subject")
	cmd.Flags().StringVar(&role, "role", auth.RoleClient, "token role: client or agent")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime, 0 for no expiry")
	_ = cmd.MarkFlagRequired("secret")
	return cmd
}
