package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/pborman/uuid"
	"github.com/psychogen-labs/row/auth/redisauth"
	"github.com/spf13/cobra"
)

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage the tokens of the redis auth mode",
	}

	var ttl time.Duration
	issue := &cobra.Command{
		Use:   "issue IDENTITY [TOKEN]",
		Short: "Issue a token for an identity",
		Long: `issue stores a token for IDENTITY in redis and prints it. A random
token is generated if TOKEN is not provided.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newTokenStore()
			if err != nil {
				return err
			}
			tok := uuid.NewRandom().String()
			if len(args) > 1 {
				tok = args[1]
			}
			if err := a.Issue(cmd.Context(), tok, args[0], ttl); err != nil {
				return fmt.Errorf("failed to issue token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	issue.Flags().DurationVar(&ttl, "ttl", 0, "Token time-to-live, 0 for no expiration.")

	revoke := &cobra.Command{
		Use:   "revoke TOKEN",
		Short: "Revoke a token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newTokenStore()
			if err != nil {
				return err
			}
			if err := a.Revoke(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("failed to revoke token: %w", err)
			}
			return nil
		},
	}

	cmd.AddCommand(issue, revoke)
	return cmd
}

func newTokenStore() (*redisauth.Authenticator, error) {
	conf, err := getConfigFromFile(configFlag)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration file: %w", err)
	}
	if conf.Redis == nil || conf.Redis.Addr == "" {
		return nil, errors.New("redis address must be set with --redis or redis.addr")
	}
	pool, err := newRedisPool(conf.Redis)
	if err != nil {
		return nil, err
	}
	return &redisauth.Authenticator{Pool: pool}, nil
}
