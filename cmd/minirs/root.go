package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mini-rsocket/config"
	"mini-rsocket/observability"
)

// GlobalFlags are shared by every command.
type GlobalFlags struct {
	ConfigFile string
	LogLevel   string
	Addr       string // overrides the configured endpoints / listen address
}

var (
	globalFlags GlobalFlags
	cfg         *config.Config
	logger      *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:           "minirs",
	Short:         "Reactive request/stream messaging over one multiplexed connection",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(globalFlags.ConfigFile)
		if err != nil {
			return err
		}
		if globalFlags.LogLevel != "" {
			cfg.Log.Level = globalFlags.LogLevel
		}
		if globalFlags.Addr != "" {
			cfg.Listen = globalFlags.Addr
			cfg.Endpoints = []config.EndpointConfig{{Addr: globalFlags.Addr, Weight: 1}}
		}
		logger, err = observability.SetupLogger(cfg.Log)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&globalFlags.ConfigFile, "config", "c", "", "config file (default: ./minirs.yaml, $MINIRS_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&globalFlags.LogLevel, "log-level", "", "debug|info|warn|error")
	rootCmd.PersistentFlags().StringVarP(&globalFlags.Addr, "addr", "a", "", "listen address for serve, responder address otherwise")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(requestResponseCmd)
	rootCmd.AddCommand(fireAndForgetCmd)
	rootCmd.AddCommand(streamCmd)
	rootCmd.AddCommand(channelCmd)
}
