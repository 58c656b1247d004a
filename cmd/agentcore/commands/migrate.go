package commands

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/agentcore/substrate/internal/model"
)

var projectMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Schema and repo-topology migration operations",
}

var migrateCheckAll bool
var migrateDryRun bool
var migrateWorkspaceRoot string

var migrateCheckCmd = &cobra.Command{
	Use:   "check [id]",
	Short: "Run the startup health check against one or all projects' shared database",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runMigrateCheck,
}

var migrateToMultiRepoCmd = &cobra.Command{
	Use:   "to-multi-repo <id>",
	Short: "Convert a single-repo project into an explicit multi-repo layout",
	Args:  cobra.ExactArgs(1),
	RunE:  runMigrateToMultiRepo,
}

var migrateListReposCmd = &cobra.Command{
	Use:   "list-repos <id>",
	Short: "List the repo specs registered under a project",
	Args:  cobra.ExactArgs(1),
	RunE:  runMigrateListRepos,
}

func init() {
	projectMigrateCmd.AddCommand(migrateCheckCmd)
	projectMigrateCmd.AddCommand(migrateToMultiRepoCmd)
	projectMigrateCmd.AddCommand(migrateListReposCmd)

	migrateCheckCmd.Flags().BoolVar(&migrateCheckAll, "all", false, "check every registered project")
	migrateToMultiRepoCmd.Flags().BoolVar(&migrateDryRun, "dry-run", false, "report the change without writing it")
	migrateToMultiRepoCmd.Flags().StringVar(&migrateWorkspaceRoot, "workspace-root", "", "override the configured workspace root")
}

func runMigrateCheck(cmd *cobra.Command, args []string) error {
	if !migrateCheckAll && len(args) == 0 {
		return fmt.Errorf("migrate check requires an <id> or --all")
	}

	h, err := openHandle()
	if err != nil {
		return err
	}
	if err := runHealthPreflight(cmd.Context(), h); err != nil {
		red := color.New(color.FgRed).SprintFunc()
		fmt.Fprintf(cmd.OutOrStdout(), "%s %v\n", red("unhealthy:"), err)
		return err
	}
	green := color.New(color.FgGreen).SprintFunc()
	fmt.Fprintf(cmd.OutOrStdout(), "%s schema and store health check passed\n", green("ok:"))
	return nil
}

// runMigrateToMultiRepo converts a project with a single implicit repo
// (workspace_relpath == ".") into an explicit repo spec the task-repo-scope
// mechanism can reference, per spec.md §12's supplemented single-repo
// back-compat path.
func runMigrateToMultiRepo(cmd *cobra.Command, args []string) error {
	h, err := openHandle()
	if err != nil {
		return err
	}
	projectID := args[0]

	existing, err := h.project.GetRepoScopes(cmd.Context(), projectID)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "project %s already has %d repo(s) registered, nothing to do\n", projectID, len(existing))
		return nil
	}

	if migrateDryRun {
		fmt.Fprintf(cmd.OutOrStdout(), "would register repo %q at workspace_relpath \".\" for project %s\n", "main", projectID)
		return nil
	}

	err = h.project.AddRepoScope(cmd.Context(), model.RepoSpec{
		ProjectID:        projectID,
		Name:             "main",
		DefaultBranch:    "main",
		WorkspaceRelpath: ".",
		Role:             model.RoleCode,
		IsWritable:       true,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "converted project %s to explicit multi-repo layout\n", projectID)
	return nil
}

func runMigrateListRepos(cmd *cobra.Command, args []string) error {
	h, err := openHandle()
	if err != nil {
		return err
	}
	specs, err := h.project.GetRepoScopes(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if len(specs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no repos registered")
		return nil
	}
	for _, s := range specs {
		writable := "ro"
		if s.IsWritable {
			writable = "rw"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\t%s\n", s.RepoID, s.Name, s.WorkspaceRelpath, s.Role, writable)
	}
	return nil
}
