package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/wayfarerhq/wayfarer/pkg/task"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history [task-id]",
	Short: "Show recorded task runs",
	Long: `List recent task runs from the history database, or show the step
results of one run when a task id is given.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum number of runs to list")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	if rt.cfg.Task.HistoryPath == "" {
		return fmt.Errorf("no task history path configured")
	}
	store, err := task.NewStore(rt.cfg.Task.HistoryPath, rt.log.Component("history"))
	if err != nil {
		return err
	}
	defer store.Close()

	out := cmd.OutOrStdout()
	if len(args) == 1 {
		steps, err := store.StepsForRun(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if len(steps) == 0 {
			fmt.Fprintf(out, "no run found with id %s\n", args[0])
			return nil
		}
		for _, step := range steps {
			line := fmt.Sprintf("%-10s %-20s %s/%s (%d attempt(s), %s)",
				step.Status, step.Step, step.Server, step.Tool,
				step.Attempts, step.Duration.Round(time.Millisecond))
			if step.Error != "" {
				line += ": " + step.Error
			}
			fmt.Fprintln(out, line)
		}
		return nil
	}

	runs, err := store.RecentRuns(cmd.Context(), historyLimit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(out, "no recorded runs")
		return nil
	}
	for _, run := range runs {
		outcome := "ok"
		if !run.Succeeded {
			outcome = "FAILED"
		}
		fmt.Fprintf(out, "%s  %-20s %-10s %-7s %d steps  %s\n",
			run.StartedAt.Format(time.RFC3339), run.Name, run.Mode,
			outcome, run.Steps, run.TaskID)
	}
	return nil
}
