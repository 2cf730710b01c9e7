package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/wayfarerhq/wayfarer/pkg/task"
)

var runNoHistory bool

var runCmd = &cobra.Command{
	Use:   "run <task-file>",
	Short: "Run a multi-step task from a JSON definition",
	Long: `Load a task definition and execute its steps, sequentially or in
parallel depending on the task's mode. Finished runs are recorded in
the task history database unless --no-history is set.`,
	Args: cobra.ExactArgs(1),
	RunE: runTask,
}

func init() {
	runCmd.Flags().BoolVar(&runNoHistory, "no-history", false, "skip recording this run in the history database")
	rootCmd.AddCommand(runCmd)
}

func runTask(cmd *cobra.Command, args []string) error {
	t, err := task.LoadFile(args[0])
	if err != nil {
		return err
	}

	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	opts := task.Options{
		MaxParallel: rt.cfg.Task.MaxParallel,
		StepRetries: rt.cfg.Task.StepRetries,
		StepTimeout: rt.cfg.Timeouts.Call(),
		Logger:      rt.log.Component("task"),
	}
	if !runNoHistory && rt.cfg.Task.HistoryPath != "" {
		store, err := task.NewStore(rt.cfg.Task.HistoryPath, rt.log.Component("history"))
		if err != nil {
			return err
		}
		defer store.Close()
		opts.Store = store
	}

	manager := task.NewManager(rt.client, opts)
	result, err := manager.Run(cmd.Context(), t)
	if err != nil {
		return err
	}

	printResult(cmd, result)
	if !result.Succeeded {
		return fmt.Errorf("task %q failed: %s", result.Name, result.FirstError())
	}
	return nil
}

func printResult(cmd *cobra.Command, result *task.Result) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Task: %s (%s, %s)\n", result.Name, result.Mode,
		result.FinishedAt.Sub(result.StartedAt).Round(time.Millisecond))
	for _, step := range result.Steps {
		switch step.Status {
		case task.StatusSucceeded:
			fmt.Fprintf(out, "  ok   %-20s %s/%s (%d attempt(s))\n",
				step.Step, step.Server, step.Tool, step.Attempts)
		case task.StatusFailed:
			fmt.Fprintf(out, "  FAIL %-20s %s/%s: %s\n",
				step.Step, step.Server, step.Tool, step.Error)
		case task.StatusSkipped:
			fmt.Fprintf(out, "  skip %-20s %s/%s\n",
				step.Step, step.Server, step.Tool)
		}
	}
}
