package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/igxactly-forks/swiboe/broker"
)

var brokerName string

var brokerCmd = &cobra.Command{
	Use:   "broker",
	Short: "Run a broker on the configured socket",
	Long: `Run a broker until SIGINT or SIGTERM.

With --name and etcd endpoints configured, the broker advertises its socket
so that clients can find it by name.`,
	Args: cobra.NoArgs,
	RunE: runBroker,
}

func init() {
	brokerCmd.Flags().StringVar(&brokerName, "name", "", "Advertise the broker under this name in etcd")
}

func runBroker(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return serveBroker(ctx)
}

// serveBroker runs until ctx is done.
func serveBroker(ctx context.Context) error {
	opts := []broker.Option{broker.WithLogger(logger.Named("broker"))}

	name := brokerName
	if name == "" {
		name = cfg.Broker.Name
	}
	if name != "" {
		reg, err := etcdRegistry()
		if err != nil {
			return err
		}
		defer reg.Close()
		opts = append(opts,
			broker.WithRegistry(reg, name, cfg.Broker.TTL),
			broker.WithWeight(cfg.Broker.Weight))
	}

	b := broker.New(opts...)
	if err := b.Listen("unix", cfg.Socket); err != nil {
		return err
	}

	served := make(chan error, 1)
	go func() { served <- b.Accept() }()

	select {
	case err := <-served:
		shutdownErr := b.Shutdown(cfg.ShutdownTimeout())
		if err != nil {
			return err
		}
		return shutdownErr
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	}

	err := b.Shutdown(cfg.ShutdownTimeout())
	if serveErr := <-served; serveErr != nil {
		logger.Warn("Accept loop failed", zap.Error(serveErr))
	}
	return err
}
