package commands

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/agentcore/substrate/internal/audit"
	"github.com/agentcore/substrate/internal/replay"
)

var traceFormat string
var traceLimit int

var projectTraceCmd = &cobra.Command{
	Use:   "trace <project_id>",
	Short: "Reconstruct a project's task timeline from its audit trail",
	Args:  cobra.ExactArgs(1),
	RunE:  runProjectTrace,
}

func init() {
	projectTraceCmd.Flags().StringVar(&traceFormat, "format", "table", "output format: table|json|tree")
	projectTraceCmd.Flags().IntVar(&traceLimit, "limit", 0, "limit the number of entries shown (0 = unlimited)")
}

// runProjectTrace replays every task under a project and prints the
// merged timeline. Unlike C10's per-task Timeline, the CLI surface
// works at project granularity: it looks up the project's tasks and
// concatenates their individual timelines in task creation order
// (tasks.created_at).
func runProjectTrace(cmd *cobra.Command, args []string) error {
	h, err := openHandle()
	if err != nil {
		return err
	}
	projectID := args[0]
	log := audit.NewLog(h.writer)

	taskIDs, err := tasksForProject(cmd, h, projectID)
	if err != nil {
		return err
	}
	if len(taskIDs) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "no tasks found for project %s\n", projectID)
		return nil
	}

	var all []replay.Entry
	for _, taskID := range taskIDs {
		entries, err := replay.Timeline(cmd.Context(), log, taskID)
		if err != nil {
			return fmt.Errorf("replay task %s: %w", taskID, err)
		}
		all = append(all, entries...)
	}
	if traceLimit > 0 && len(all) > traceLimit {
		all = all[:traceLimit]
	}

	switch traceFormat {
	case "json":
		return printTraceJSON(cmd, all)
	case "tree":
		return printTraceTree(cmd, all)
	default:
		return printTraceTable(cmd, all)
	}
}

func tasksForProject(cmd *cobra.Command, h *handle, projectID string) ([]string, error) {
	rows, err := h.db().QueryContext(cmd.Context(), `SELECT task_id FROM tasks WHERE project_id = ? ORDER BY created_at ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func printTraceTable(cmd *cobra.Command, entries []replay.Entry) error {
	bold := color.New(color.Bold).SprintFunc()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s\n", bold("TIME\tKIND\tTASK\tDETAIL"))
	for _, e := range entries {
		when, taskID, detail := entrySummary(e)
		fmt.Fprintf(out, "%s\t%s\t%s\t%s\n", humanize.Time(when), e.Kind, taskID, detail)
	}
	return nil
}

func printTraceTree(cmd *cobra.Command, entries []replay.Entry) error {
	out := cmd.OutOrStdout()
	lastTask := ""
	for _, e := range entries {
		_, taskID, detail := entrySummary(e)
		if taskID != lastTask {
			fmt.Fprintf(out, "%s\n", taskID)
			lastTask = taskID
		}
		fmt.Fprintf(out, "  └─ %s: %s\n", e.Kind, detail)
	}
	return nil
}

func printTraceJSON(cmd *cobra.Command, entries []replay.Entry) error {
	type jsonEntry struct {
		Kind   string    `json:"kind"`
		TaskID string    `json:"task_id"`
		Detail string    `json:"detail"`
		Time   time.Time `json:"time"`
	}
	out := make([]jsonEntry, 0, len(entries))
	for _, e := range entries {
		when, taskID, detail := entrySummary(e)
		out = append(out, jsonEntry{Kind: string(e.Kind), TaskID: taskID, Detail: detail, Time: when})
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func entrySummary(e replay.Entry) (when time.Time, taskID, detail string) {
	switch e.Kind {
	case replay.EntryTransition:
		t := e.Transition
		return t.CreatedAt, t.TaskID, fmt.Sprintf("%s -> %s (%s)", t.FromStatus, t.ToStatus, t.Actor)
	case replay.EntryEvent:
		ev := e.Event
		return ev.CreatedAt, ev.TaskID, fmt.Sprintf("%s #%d", ev.EventType, ev.EventSeq)
	default:
		a := e.Audit
		return a.CreatedAt, a.TaskID, fmt.Sprintf("[%s] %s", a.Level, a.EventType)
	}
}
