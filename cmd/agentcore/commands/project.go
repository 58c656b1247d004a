package commands

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/agentcore/substrate/internal/health"
	"github.com/agentcore/substrate/internal/paths"
)

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage projects and their repo specs",
}

var projectAddCmd = &cobra.Command{
	Use:   "add <path>",
	Short: "Register a new project; the argument is its name and its root is <workspace_root>/projects/<id>",
	Args:  cobra.ExactArgs(1),
	RunE:  runProjectAdd,
}

var projectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered projects",
	Args:  cobra.NoArgs,
	RunE:  runProjectList,
}

var projectID string

func init() {
	rootCmd.AddCommand(projectCmd)
	projectCmd.AddCommand(projectAddCmd)
	projectCmd.AddCommand(projectListCmd)
	projectCmd.AddCommand(projectMigrateCmd)
	projectCmd.AddCommand(projectTraceCmd)

	projectAddCmd.Flags().StringVar(&projectID, "id", "", "explicit project ID (default: generated UUID)")
}

func runProjectAdd(cmd *cobra.Command, args []string) error {
	h, err := openHandle()
	if err != nil {
		return err
	}

	name := args[0]
	p, err := h.project.AddProject(cmd.Context(), projectID, name)
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen).SprintFunc()
	fmt.Fprintf(cmd.OutOrStdout(), "%s project %s (%s)\n", green("added"), p.ProjectID, p.Name)
	return nil
}

func runProjectList(cmd *cobra.Command, args []string) error {
	h, err := openHandle()
	if err != nil {
		return err
	}

	projects, err := h.project.ListProjects(cmd.Context())
	if err != nil {
		return err
	}

	if len(projects) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no projects registered")
		return nil
	}
	for _, p := range projects {
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", p.ProjectID, p.Name, p.Status)
	}
	return nil
}

// runHealthPreflight runs the startup health checks against the agentos
// database (used by "migrate check") and returns an error whenever the
// report is not OK under the configured health mode.
func runHealthPreflight(ctx context.Context, h *handle) error {
	registry, err := paths.NewRegistry(h.cfg.Home)
	if err != nil {
		return err
	}
	dbPath, err := registry.DBPath(paths.ComponentAgentOS)
	if err != nil {
		return err
	}
	report := health.RunAll(ctx, dbPath, h.db(), health.Mode(h.cfg.HealthMode))
	if !report.OK() {
		return fmt.Errorf("health check failed: %v", report.Failures())
	}
	return nil
}
