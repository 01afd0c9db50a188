// Command row-server implements a row server that listens for
// connections and serves the requests with a set of demo endpoints.
// It is mostly useful as a testing and debugging tool, typical
// applications will use the row package as a library in their own
// main command.
//
// The token subcommand manages the tokens of the redis auth mode, the
// publish subcommand publishes an event through redis to the servers
// that relay events, and the load subcommand runs a load generator
// against a server.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	allowEmptyProtoFlag bool
	authModeFlag        string
	configFlag          string
	debugFlag           bool
	noLogFlag           bool
	portFlag            int
	redisAddrFlag       string
	redisClusterFlag    bool
	redisMaxIdleFlag    int
	redisRelayFlag      bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "row-server",
		Short: "REST-over-WebSocket message routing server",
		Long: `row-server serves row connections over websocket.

Clients invoke endpoints and subscribe to topics, events published
to a topic are pushed to its subscribers.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configFlag, "config", "", "Path of the configuration `file`.")
	pf.BoolVar(&debugFlag, "debug", false, "Enable debug logging.")
	pf.BoolVarP(&noLogFlag, "no-log", "L", false, "Disable logging.")
	pf.StringVar(&redisAddrFlag, "redis", "", "Redis `address`.")
	pf.BoolVar(&redisClusterFlag, "redis-cluster", false, "Use redis cluster.")
	pf.IntVar(&redisMaxIdleFlag, "redis-max-idle", 0, "Maximum idle `connections`.")

	rootCmd.AddCommand(
		serveCmd(),
		tokenCmd(),
		publishCmd(),
		loadCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
}

// loadConfig loads and validates the configuration file.
func loadConfig() (*Config, error) {
	conf, err := getConfigFromFile(configFlag)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration file: %w", err)
	}
	if err := checkConfig(conf); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return conf, nil
}

// newLogger returns the zap logger of the command.
func newLogger() (*zap.Logger, error) {
	switch {
	case noLogFlag:
		return zap.NewNop(), nil
	case debugFlag:
		return zap.NewDevelopment()
	default:
		return zap.NewProduction()
	}
}
