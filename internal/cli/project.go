package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage projects",
}

var projectCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a project to submit surveys into",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := apiClient.CreateProject(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("create project: %w", err)
		}
		fmt.Printf("Project %s: %s\n", p.ID, p.Name)
		return nil
	},
}

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show this month's job quota",
	RunE: func(cmd *cobra.Command, args []string) error {
		u, err := apiClient.Usage(context.Background())
		if err != nil {
			return fmt.Errorf("get usage: %w", err)
		}
		fmt.Printf("Month: %s\n", u.Month)
		fmt.Printf("  Jobs: %d / %d\n", u.JobsUsed, u.JobsLimit)
		fmt.Printf("  Storage: %d bytes\n", u.StorageUsedBytes)
		return nil
	},
}

func init() {
	projectCmd.AddCommand(projectCreateCmd)
}
