package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/igxactly-forks/swiboe/registry"
)

var brokersWatch bool

var brokersCmd = &cobra.Command{
	Use:   "brokers <name>",
	Short: "List the brokers advertised under a name",
	Args:  cobra.ExactArgs(1),
	RunE:  runBrokers,
}

func init() {
	brokersCmd.Flags().BoolVarP(&brokersWatch, "watch", "w", false, "Keep printing the list whenever it changes")
}

func runBrokers(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg, err := etcdRegistry()
	if err != nil {
		return err
	}
	defer reg.Close()

	return listBrokers(ctx, reg, args[0], brokersWatch, cmd.OutOrStdout())
}

func listBrokers(ctx context.Context, reg registry.Registry, name string, watch bool, out io.Writer) error {
	instances, err := reg.Discover(ctx, name)
	if err != nil {
		return err
	}
	if err := printBrokers(out, instances); err != nil {
		return err
	}
	if !watch {
		return nil
	}

	for instances := range reg.Watch(ctx, name) {
		fmt.Fprintln(out)
		if err := printBrokers(out, instances); err != nil {
			return err
		}
	}
	return nil
}

func printBrokers(out io.Writer, instances []registry.BrokerInstance) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SOCKET\tWEIGHT\tVERSION")
	for _, inst := range instances {
		fmt.Fprintf(w, "%s\t%d\t%s\n", inst.Addr, inst.Weight, inst.Version)
	}
	return w.Flush()
}
