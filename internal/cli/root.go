// Package cli wires the command-line surface: capability discovery,
// single invocations, task runs, and the long-running monitor mode.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wayfarerhq/wayfarer/internal/config"
	"github.com/wayfarerhq/wayfarer/internal/logger"
	"github.com/wayfarerhq/wayfarer/pkg/client"
)

const version = "0.1.0"

var (
	cfgFile  string
	logLevel string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "wayfarer",
	Short: "Wayfarer - tool server client runtime",
	Long: `Wayfarer connects to a fleet of tool servers over stdio, TCP, or
websocket transports, discovers the capabilities they advertise, and
invokes them one at a time or as multi-step tasks.`,
	Version: version,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.wayfarer/wayfarer.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	// Version template
	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

// runtime bundles the pieces every command needs.
type runtime struct {
	cfg    *config.Config
	loader *config.Loader
	log    *logger.Logger
	client *client.Client
}

// newRuntime loads configuration, builds the logger, and constructs a
// client over the configured servers. No sessions are started yet.
func newRuntime() (*runtime, error) {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logCfg := cfg.Logging
	if logLevel != "" {
		logCfg.Level = logLevel
	}
	log, err := logger.New(logCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to set up logging: %w", err)
	}

	return &runtime{
		cfg:    cfg,
		loader: loader,
		log:    log,
		client: client.New(cfg, log.Zerolog()),
	}, nil
}

// Close shuts the client down and releases the log file.
func (r *runtime) Close() {
	r.client.Shutdown()
	_ = r.log.Close()
}

// GetRootCmd returns the root command for testing
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// GetVersion returns the current version
func GetVersion() string {
	return version
}
