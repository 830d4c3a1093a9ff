package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/igxactly-forks/swiboe/client"
)

var (
	callTimeout  time.Duration
	callDiscover string
)

var callCmd = &cobra.Command{
	Use:   "call <function> [json-args]",
	Short: "Call an RPC and print its result",
	Example: `  swiboe call buffer.open '{"uri":"file:///tmp/a.txt"}'
  swiboe call --discover editor list_rpcs`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runCall,
}

func init() {
	callCmd.Flags().DurationVar(&callTimeout, "timeout", 30*time.Second, "Give up waiting for the result after this long")
	callCmd.Flags().StringVar(&callDiscover, "discover", "", "Find the broker by name in etcd instead of using the socket")
}

func runCall(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), callTimeout)
	defer cancel()
	return call(ctx, cmd.OutOrStdout(), args)
}

// call connects, calls args[0] with the JSON text args[1] and writes the
// result as JSON to out.
func call(ctx context.Context, out io.Writer, args []string) error {
	payload := json.RawMessage("null")
	if len(args) > 1 {
		if !json.Valid([]byte(args[1])) {
			return fmt.Errorf("arguments are not valid JSON: %s", args[1])
		}
		payload = json.RawMessage(args[1])
	}

	opts, err := cfg.ClientOptions(logger.Named("client"))
	if err != nil {
		return err
	}

	var c *client.Client
	if callDiscover != "" {
		reg, err := etcdRegistry()
		if err != nil {
			return err
		}
		defer reg.Close()
		c, err = client.Discover(ctx, reg, callDiscover, cfg.Balancer(), opts...)
		if err != nil {
			return err
		}
	} else {
		c, err = client.Connect(cfg.Socket, opts...)
		if err != nil {
			return err
		}
	}
	defer c.Close()

	result, err := c.Call(ctx, args[0], payload)
	if err != nil {
		return err
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(encoded))
	return err
}
