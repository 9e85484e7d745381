// Package cli provides the fluxctl command-line interface.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aidenerard/fluxspace-site/internal/client"
	"github.com/aidenerard/fluxspace-site/internal/platform/envutil"
	"github.com/aidenerard/fluxspace-site/internal/platform/logger"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	apiURL   string
	apiToken string
	verbose  bool

	apiClient *client.Client
)

var rootCmd = &cobra.Command{
	Use:   "fluxctl",
	Short: "Submit and track FluxSpace magnetometer processing jobs",
	Long: `fluxctl talks to the FluxSpace API to submit magnetometer surveys and poll their jobs.

Operator commands (reap, token, events) work directly against the database,
the workspace root, the JWT secret or Redis, using the same environment as the server.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		apiClient = client.New(apiURL, apiToken)
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", "", "API base URL (default $FLUXSPACE_API_URL or "+client.DefaultBaseURL+")")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", "", "bearer token (default $FLUXSPACE_TOKEN)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(waitCmd)
	rootCmd.AddCommand(jobsCmd)
	rootCmd.AddCommand(projectCmd)
	rootCmd.AddCommand(usageCmd)
	rootCmd.AddCommand(reapCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(eventsCmd)
}

// operatorLogger is used by commands that build server-side components directly.
func operatorLogger() (*logger.Logger, error) {
	mode := envutil.String("LOG_MODE", "production")
	if !verbose && mode != "development" {
		mode = "test"
	}
	log, err := logger.New(mode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return log, nil
}

func stderrf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format, args...)
}
