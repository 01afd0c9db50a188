package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/psychogen-labs/row/broker/redisbroker"
	"github.com/spf13/cobra"
)

func publishCmd() *cobra.Command {
	var (
		event      string
		identities []string
		prefix     string
	)

	cmd := &cobra.Command{
		Use:   "publish TOPIC [PAYLOAD]",
		Short: "Publish an event through redis",
		Long: `publish publishes an event to the subscribers of TOPIC on all servers
that relay the events published on redis. PAYLOAD must be valid JSON.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ev := &redisbroker.Event{Event: event, Identities: identities}
			if len(args) > 1 {
				if !json.Valid([]byte(args[1])) {
					return errors.New("payload must be valid JSON")
				}
				ev.Payload = json.RawMessage(args[1])
			}

			conf, err := getConfigFromFile(configFlag)
			if err != nil {
				return fmt.Errorf("failed to load configuration file: %w", err)
			}
			if conf.Redis.Addr == "" {
				return errors.New("redis address must be set with --redis or redis.addr")
			}
			if prefix != "" {
				conf.Redis.ChannelPrefix = prefix
			}

			b, err := newRedisBroker(conf.Redis, redisbroker.DiscardLog, nil)
			if err != nil {
				return err
			}
			defer b.Pool.Close()

			n, err := b.Publish(args[0], ev)
			if err != nil {
				return fmt.Errorf("failed to publish: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "received by %d server(s)\n", n)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&event, "event", "", "Event `name`.")
	f.StringSliceVar(&identities, "to", nil, "Deliver only to these `identities`.")
	f.StringVar(&prefix, "prefix", "", "Channel `prefix`, overrides redis.channel_prefix.")
	return cmd
}
