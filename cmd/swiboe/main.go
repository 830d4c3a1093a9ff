// Command swiboe runs a broker and talks to it from the shell.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/igxactly-forks/swiboe/config"
	"github.com/igxactly-forks/swiboe/registry"
)

var (
	// Global flags
	configPath string
	socketPath string
	codecName  string
	verbose    bool

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "swiboe",
	Short: "swiboe broker and RPC client",
	Long: `swiboe routes named RPCs between the clients connected to a broker.

Handlers register under a name with a priority; a call tries them in
priority order until one of them handles it.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if configPath != "" {
			cfg, err = config.Load(configPath)
		} else {
			cfg, err = config.FromEnv()
		}
		if err != nil {
			return err
		}

		if cmd.Flags().Changed("socket") {
			cfg.Socket = socketPath
		}
		if cmd.Flags().Changed("codec") {
			cfg.Codec = codecName
		}
		if verbose {
			cfg.Logging.Level = "debug"
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		logger, err = cfg.Logger()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// etcdRegistry connects to the configured etcd endpoints.
func etcdRegistry() (*registry.EtcdRegistry, error) {
	if len(cfg.Registry.Endpoints) == 0 {
		return nil, fmt.Errorf("no etcd endpoints configured (set %s)", config.EnvEtcdEndpoints)
	}
	return registry.NewEtcdRegistry(cfg.Registry.Endpoints, logger)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: $"+config.EnvConfig+")")
	rootCmd.PersistentFlags().StringVarP(&socketPath, "socket", "s", "", "Broker socket path (or set "+config.EnvSocket+")")
	rootCmd.PersistentFlags().StringVar(&codecName, "codec", "", "Frame codec: json, binary, msgpack")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(brokerCmd)
	rootCmd.AddCommand(callCmd)
	rootCmd.AddCommand(brokersCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
