package cli

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/aidenerard/fluxspace-site/internal/platform/envutil"
	"github.com/aidenerard/fluxspace-site/internal/platform/logger"
	"github.com/aidenerard/fluxspace-site/internal/services"
)

var tokenTTL time.Duration

var tokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Mint an API token signed with JWT_SECRET_KEY",
	Long: `Mint an HS256 bearer token for a user id. Meant for local development and operators;
production tokens come from the identity provider.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid user id: %w", err)
		}
		auth := services.NewAuthService(logger.Nop(), envutil.String("JWT_SECRET_KEY", ""))
		token, err := auth.IssueToken(userID, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
}
