// cmd/server runs one cache node.
//
// Usage:
//
//	dcache-server tcp://*:11001 tcp://*:11002 tcp://*:11000
//	dcache-server tcp://*:12001 tcp://*:12002 tcp://*:12000 \
//	    --node tcp://localhost:11001 --http :8080
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/merry-bits/DCache/internal/config"
	"github.com/merry-bits/DCache/internal/gateway"
	"github.com/merry-bits/DCache/internal/logging"
	"github.com/merry-bits/DCache/internal/server"
)

var (
	nodeAddress string
	httpAddress string
	configPath  string
	logLevel    string
)

func main() {
	root := &cobra.Command{
		Use:   "dcache-server <request-address> <publish-address> <api-address>",
		Short: "Run one node of the distributed cache",
		Long: "Run one node of the distributed cache. The three addresses are " +
			"the zmq endpoints the node binds: peer requests, membership " +
			"publications and the client API.",
		Args: cobra.ExactArgs(3),
		RunE: run,
	}
	root.Flags().StringVar(&nodeAddress, "node", "",
		"request address of a running node to join")
	root.Flags().StringVar(&httpAddress, "http", "",
		"listen address for the optional HTTP gateway")
	root.Flags().StringVar(&configPath, "config", "",
		"path to a YAML configuration file")
	root.Flags().StringVar(&logLevel, "log-level", "info",
		"log level: debug, info, warn or error")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	level, err := logging.ParseLevel(logLevel)
	if err != nil {
		return err
	}
	log := logging.New(os.Stderr, level)

	cfg := config.Default()
	if configPath != "" {
		if cfg, err = config.Load(configPath); err != nil {
			return err
		}
	}

	node, err := server.New(cfg, args[0], args[1], args[2], log)
	if err != nil {
		return err
	}
	defer node.Close()
	if nodeAddress != "" {
		if err = node.Bootstrap(nodeAddress); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(
		cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return node.Run(ctx)
	})
	if httpAddress != "" {
		gw := gateway.New(httpAddress, args[2], cfg.IOTimeout, log)
		group.Go(func() error {
			return gw.Run(ctx)
		})
	}
	return group.Wait()
}
