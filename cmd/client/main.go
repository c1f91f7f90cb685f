// cmd/client is the command line client for the cache.
//
// Usage:
//
//	dcache tcp://localhost:11000 somekey                 # get
//	dcache tcp://localhost:11000 somekey --set somevalue # set
//	dcache tcp://localhost:11000 somekey --set ""        # delete
//	dcache tcp://localhost:11000 status                  # node status
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/merry-bits/DCache/internal/client"
)

// statusKey is the reserved key that triggers the diagnostic op instead of
// a get.
const statusKey = "status"

var (
	setValue string
	timeout  time.Duration
)

func main() {
	root := &cobra.Command{
		Use:   "dcache <api-endpoint> <key>",
		Short: "Client for the distributed cache",
		Long: "Client for the distributed cache. Without --set the key is " +
			"fetched, with --set it is stored; an empty value deletes it. " +
			"The key \"status\" shows the node's cluster and cache state.",
		Args: cobra.ExactArgs(2),
		RunE: run,
	}
	root.Flags().StringVar(&setValue, "set", "",
		"store this value under the key instead of fetching it")
	root.Flags().DurationVar(&timeout, "timeout", 10*time.Second,
		"request timeout")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error: %v", err))
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	conn, err := client.Dial(args[0], timeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	key := args[1]
	switch {
	case cmd.Flags().Changed("set"):
		if err = conn.Set(key, setValue); err != nil {
			return err
		}
		fmt.Println(color.GreenString("ok"))
	case key == statusKey:
		status, err := conn.Status()
		if err != nil {
			return err
		}
		printStatus(status)
	default:
		value, err := conn.Get(key)
		if err != nil {
			return err
		}
		fmt.Println(value)
	}
	return nil
}

func printStatus(status client.Status) {
	label := color.New(color.Bold).SprintFunc()
	fmt.Printf("%s %s\n", label("node:"), status.NodeID)
	fmt.Printf("%s %s\n", label("peers:"), status.Peers)
	fmt.Printf("%s %s\n", label("rings:"), status.Rings)
	fmt.Printf("%s %s\n", label("entries:"), status.Entries)
	fmt.Printf("%s %s\n", label("usage:"), status.Usage)
}
