package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wayfarerhq/wayfarer/internal/config"
	"github.com/wayfarerhq/wayfarer/pkg/keepalive"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Keep sessions alive and follow configuration changes",
	Long: `Connect to every configured server and stay running. Capability
sets are refreshed on the configured keepalive schedule, and edits to
the configuration file are picked up without a restart. Stop with
Ctrl-C.`,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
}

func runMonitor(cmd *cobra.Command, args []string) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	for _, name := range rt.client.ServerNames() {
		if _, err := rt.client.Discover(cmd.Context(), name); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s: %v\n", name, err)
		}
	}

	if rt.cfg.Keepalive.Enabled {
		svc, err := keepalive.NewService(rt.client, rt.cfg.Keepalive.Schedule, rt.log.Component("keepalive"))
		if err != nil {
			return err
		}
		svc.Start()
		defer svc.Stop()
	}

	if path, err := rt.loader.Path(); err == nil {
		watcher, err := config.NewWatcher(path, func(cfg *config.Config) {
			rt.client.ApplyConfig(cfg)
		}, rt.log.Component("config"))
		if err == nil {
			err = watcher.Start()
		}
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: configuration watching disabled: %v\n", err)
		} else {
			defer watcher.Stop()
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "monitoring %d server(s), press Ctrl-C to stop\n",
		len(rt.client.ServerNames()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		fmt.Fprintf(cmd.OutOrStdout(), "received %s, shutting down\n", sig)
	case <-cmd.Context().Done():
	}
	return nil
}
