package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var toolsCmd = &cobra.Command{
	Use:   "tools <server>",
	Short: "List the capabilities a server advertises",
	Long:  `Connect to one configured tool server and print the capabilities it advertises.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runTools,
}

func init() {
	rootCmd.AddCommand(toolsCmd)
}

func runTools(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	caps, err := rt.client.Discover(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(caps) == 0 {
		fmt.Fprintf(out, "%s advertises no capabilities\n", args[0])
		return nil
	}
	fmt.Fprintf(out, "%s (%d capabilities)\n", args[0], len(caps))
	for _, capability := range caps {
		if capability.Description != "" {
			fmt.Fprintf(out, "  %-30s %s\n", capability.Name, capability.Description)
		} else {
			fmt.Fprintf(out, "  %s\n", capability.Name)
		}
	}
	return nil
}
