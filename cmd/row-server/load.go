package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/psychogen-labs/row/client"
	"github.com/psychogen-labs/row/message"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type loadOptions struct {
	addr     string
	conns    int
	duration time.Duration
	nPaths   int
	payload  string
	proto    string
	rate     time.Duration
	timeout  time.Duration
	path     string
	varsPath string
}

func loadCmd() *cobra.Command {
	var opts loadOptions

	cmd := &cobra.Command{
		Use:   "load",
		Short: "Run a load generator against a row server",
		Long: `load runs a number of client connections to a server and, for
a given duration, invokes an endpoint at a fixed rate on each of them.
It prints the client latencies and the server statistics collected
before and after the run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoad(cmd.Context(), &opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.addr, "addr", "ws://localhost:9000/ws", "Server `address`.")
	f.IntVarP(&opts.conns, "conns", "c", 100, "Number of `connections`.")
	f.DurationVarP(&opts.duration, "duration", "d", 10*time.Second, "Run `duration`.")
	f.IntVarP(&opts.nPaths, "paths", "n", 0, "Spread requests over this `number` of paths (added as a suffix to the path).")
	f.StringVarP(&opts.payload, "payload", "p", "100", "Request `payload`.")
	f.StringVar(&opts.proto, "proto", client.Subprotocols[0], "Websocket `subprotocol`.")
	f.DurationVarP(&opts.rate, "rate", "r", 100*time.Millisecond, "Request `rate` per connection.")
	f.DurationVarP(&opts.timeout, "timeout", "t", time.Second, "Request `timeout`.")
	f.StringVarP(&opts.path, "path", "u", "/echo", "Invoked `path`.")
	f.StringVar(&opts.varsPath, "vars", "/debug/vars", "Server expvar `path`.")
	return cmd
}

func runLoad(ctx context.Context, opts *loadOptions) error {
	if opts.conns <= 0 {
		return errors.New("invalid --conns value, must be greater than 0")
	}

	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Sugar()

	stats := &runStats{
		Addr:     opts.addr,
		Protocol: opts.proto,
		Path:     opts.path,
		NPaths:   opts.nPaths,
		Payload:  opts.payload,
		Conns:    opts.conns,
		Rate:     opts.rate,
		Timeout:  opts.timeout,
		Duration: opts.duration,
	}

	varsURL, err := url.Parse(opts.addr)
	if err != nil {
		return fmt.Errorf("failed to parse --addr: %w", err)
	}
	if varsURL.Scheme == "wss" {
		varsURL.Scheme = "https"
	} else {
		varsURL.Scheme = "http"
	}
	varsURL.Path = opts.varsPath

	before, err := getExpVars(varsURL)
	if err != nil {
		return err
	}

	var mu sync.Mutex
	var latencies []time.Duration

	ctx, cancel := context.WithTimeout(ctx, opts.duration)
	defer cancel()

	log.Infof("%d connections started...", opts.conns)
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < opts.conns; i++ {
		// start clients with some jitter, up to 10ms
		time.Sleep(time.Duration(rand.Int63n(int64(10 * time.Millisecond))))
		g.Go(func() error {
			durs, err := runClient(gctx, stats)
			mu.Lock()
			latencies = append(latencies, durs...)
			mu.Unlock()
			return err
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	stats.ActualDuration = time.Since(start)
	log.Infof("stopped.")

	after, err := getExpVars(varsURL)
	if err != nil {
		return err
	}

	ts := templateStats{Run: stats, Before: before, After: after, Latencies: latencies}
	return statsTpl.Execute(os.Stdout, ts)
}

func getPath(stats *runStats) string {
	p := stats.Path
	if stats.NPaths > 0 {
		p += "." + strconv.Itoa(rand.Intn(stats.NPaths))
	}
	return p
}

// runClient invokes the path of stats at the configured rate until
// ctx is done, and returns the latencies of the successful requests.
func runClient(ctx context.Context, stats *runStats) ([]time.Duration, error) {
	cli, err := client.Dial(&websocket.Dialer{Subprotocols: []string{stats.Protocol}}, stats.Addr, nil)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}
	defer cli.Close()

	var latencies []time.Duration
	t := time.NewTicker(stats.Rate)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return latencies, nil
		case <-t.C:
		}

		atomic.AddInt64(&stats.Requests, 1)
		rctx, cancel := context.WithTimeout(context.Background(), stats.Timeout)
		start := time.Now()
		res, err := cli.Invoke(rctx, getPath(stats), stats.Payload)
		cancel()

		switch {
		case errors.Is(err, context.DeadlineExceeded):
			atomic.AddInt64(&stats.Expired, 1)
		case err != nil:
			return latencies, fmt.Errorf("invoke failed: %w", err)
		case res.Status != message.OK:
			atomic.AddInt64(&stats.Failed, 1)
		default:
			atomic.AddInt64(&stats.OK, 1)
			latencies = append(latencies, time.Since(start))
		}
	}
}
