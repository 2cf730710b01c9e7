package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusProbe bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configured servers and their session state",
	Long: `List every configured tool server. By default the listing reflects
the client's view without opening connections; --probe connects to
each server and reports its live state.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusProbe, "probe", false, "connect to every server before reporting")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	if statusProbe {
		for _, name := range rt.client.ServerNames() {
			if _, err := rt.client.Discover(cmd.Context(), name); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s: %v\n", name, err)
			}
		}
	}

	out := cmd.OutOrStdout()
	statuses := rt.client.Status()
	if len(statuses) == 0 {
		fmt.Fprintln(out, "no servers configured")
		return nil
	}
	for _, status := range statuses {
		if status.State == "ready" || status.State == "degraded" {
			fmt.Fprintf(out, "%-20s %-12s %d capabilities\n",
				status.Name, status.State, status.Capabilities)
		} else {
			fmt.Fprintf(out, "%-20s %s\n", status.Name, status.State)
		}
	}
	return nil
}
