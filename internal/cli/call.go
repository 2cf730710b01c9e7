package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	callArgs    string
	callTimeout time.Duration
)

var callCmd = &cobra.Command{
	Use:   "call <server> <tool>",
	Short: "Invoke one capability on one server",
	Long: `Invoke a single capability and print the result as JSON.
Arguments are passed as a JSON object via --args.`,
	Args: cobra.ExactArgs(2),
	RunE: runCall,
}

func init() {
	callCmd.Flags().StringVar(&callArgs, "args", "{}", "tool arguments as a JSON object")
	callCmd.Flags().DurationVar(&callTimeout, "timeout", 0, "per-call timeout (default from config)")
	rootCmd.AddCommand(callCmd)
}

func runCall(cmd *cobra.Command, args []string) error {
	toolArgs, err := parseToolArgs(callArgs)
	if err != nil {
		return err
	}

	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	timeout := callTimeout
	if timeout <= 0 {
		timeout = rt.cfg.Timeouts.Call()
	}

	result, err := rt.client.Invoke(cmd.Context(), args[0], args[1], toolArgs, timeout)
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), formatJSON(result))
	return nil
}

// parseToolArgs decodes the --args flag into a map.
func parseToolArgs(raw string) (map[string]interface{}, error) {
	if raw == "" {
		return nil, nil
	}
	var parsed map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("--args must be a JSON object: %w", err)
	}
	return parsed, nil
}

// formatJSON pretty-prints a raw JSON payload, falling back to the
// original bytes when they are not valid JSON.
func formatJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}
