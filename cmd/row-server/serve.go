package main

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/psychogen-labs/row"
	"github.com/psychogen-labs/row/auth"
	"github.com/psychogen-labs/row/auth/redisauth"
	"github.com/psychogen-labs/row/broker/redisbroker"
	"github.com/psychogen-labs/row/dispatch"
	"github.com/psychogen-labs/row/endpoint"
	"github.com/psychogen-labs/row/internal/srvfilter"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve row connections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}

	f := cmd.Flags()
	f.BoolVar(&allowEmptyProtoFlag, "allow-empty-subprotocol", false, "Allow empty subprotocol during handshake.")
	f.StringVar(&authModeFlag, "auth", "none", "Authentication `mode` (none, static or redis).")
	f.IntVar(&portFlag, "port", 9000, "Server `port`.")
	f.BoolVar(&redisRelayFlag, "relay", false, "Relay the events published on redis.")
	return cmd
}

func runServe(ctx context.Context) error {
	conf, err := loadConfig()
	if err != nil {
		return err
	}

	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()
	return serve(ctx, conf, logger.Sugar().Infof)
}

// serve runs the server configured by conf until ctx is done or a
// signal is received. Everything that may fail is built before the
// server starts listening.
func serve(ctx context.Context, conf *Config, logFn func(string, ...interface{})) error {
	var broker *redisbroker.Broker
	if conf.Redis != nil && conf.Redis.Relay {
		bvars := new(expvar.Map).Init()
		b, err := newRedisBroker(conf.Redis, logFn, bvars)
		if err != nil {
			return fmt.Errorf("failed to create redis broker: %w", err)
		}
		expvar.Publish("redisbroker", bvars)
		broker = b
	}

	// metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := srvfilter.NewMetrics(reg, "row")
	if err != nil {
		return err
	}
	vars := expvar.NewMap("row")

	extractor, authn, err := newAuth(conf, logFn)
	if err != nil {
		return err
	}

	// server and endpoints
	eps := endpoint.NewRegistry()
	var srv *row.Server
	if err := registerDemo(eps, func() *row.Publisher { return srv.Publisher() }, conf.Server); err != nil {
		return err
	}
	srv, err = newServer(conf, eps, extractor, authn, row.MultiListener(srvfilter.LogConn(logFn), metrics), reg, vars, logFn)
	if err != nil {
		return err
	}

	// HTTP routes
	upg := newUpgrader(conf.Server)
	upgh := row.Upgrade(upg, srv)
	r := chi.NewRouter()
	r.Use(middleware.RealIP, middleware.Recoverer)
	for _, p := range conf.Server.Paths {
		r.Handle(p, upgh)
	}
	r.Handle(conf.Server.MetricsPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Handle(conf.Server.VarsPath, expvar.Handler())
	r.Post(conf.Server.PublishPath+"/*", publishHandler(srv.Publisher()))

	httpSrv := newHTTPServer(conf.Server, r)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logFn("listening for connections on %s", conf.Server.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if maxIdle := conf.Server.MaxIdle; maxIdle > 0 {
		g.Go(func() error {
			sweepIdle(gctx, srv, maxIdle, conf.Server.IdleSweep, logFn)
			return nil
		})
	}

	if broker != nil {
		g.Go(func() error {
			return broker.Relay(gctx, srv.Publisher())
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logFn("shutting down")

		sctx, cancel := context.WithTimeout(context.Background(), conf.Server.ShutdownTimeout)
		defer cancel()
		err := httpSrv.Shutdown(sctx)
		if serr := srv.Shutdown(sctx); err == nil {
			err = serr
		}
		return err
	})

	return g.Wait()
}

// sweepIdle closes the idle connections of srv every interval until
// ctx is done.
func sweepIdle(ctx context.Context, srv *row.Server, maxIdle, interval time.Duration, logFn func(string, ...interface{})) {
	if interval <= 0 {
		interval = maxIdle
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := srv.CloseIdle(maxIdle); n > 0 {
				logFn("closed %d idle connections", n)
			}
		}
	}
}

func newAuth(conf *Config, logFn func(string, ...interface{})) (auth.TokenExtractor, auth.Authenticator, error) {
	switch conf.Auth.Mode {
	case "static":
		return auth.Bearer(conf.Auth.QueryParam), auth.Tokens(conf.Auth.Tokens), nil
	case "redis":
		pool, err := newRedisPool(conf.Redis)
		if err != nil {
			return nil, nil, err
		}
		logFn("redis token store configured on %s", conf.Redis.Addr)
		return auth.Bearer(conf.Auth.QueryParam), &redisauth.Authenticator{
			Pool:    pool,
			TTL:     conf.Auth.TokenTTL,
			LogFunc: logFn,
		}, nil
	}
	return auth.NoToken, auth.AcceptAll, nil
}

func newServer(conf *Config, eps *endpoint.Registry, extractor auth.TokenExtractor, authn auth.Authenticator,
	l row.Listener, reg prometheus.Registerer, vars *expvar.Map, logFn func(string, ...interface{})) (*row.Server, error) {

	var filters []row.Filter
	if !noLogFlag {
		filters = append(filters, srvfilter.LogRequest(logFn))
	}
	filters = append(filters, srvfilter.CountOps(vars))

	return row.NewServer(row.Config{
		Endpoints:      eps,
		SingleSession:  conf.Server.SingleSession,
		NoHeartbeats:   conf.Server.NoHeartbeats,
		Filters:        filters,
		TokenExtractor: extractor,
		Authenticator:  authn,
		Listener:       l,
		Dispatch: dispatch.Config{
			CoreWorkers: conf.Dispatch.CoreWorkers,
			MaxWorkers:  conf.Dispatch.MaxWorkers,
			QueueSize:   conf.Dispatch.QueueSize,
			KeepAlive:   conf.Dispatch.KeepAlive,
		},
		DispatchOptions:         []dispatch.Option{dispatch.WithMetrics(reg, "row_dispatch")},
		AllowEmptySubprotocol:   conf.Server.AllowEmptySubprotocol,
		ShutdownTimeout:         conf.Server.ShutdownTimeout,
		ReadLimit:               conf.Server.ReadLimit,
		ReadTimeout:             conf.Server.ReadTimeout,
		WriteLimit:              conf.Server.WriteLimit,
		WriteTimeout:            conf.Server.WriteTimeout,
		AcquireWriteLockTimeout: conf.Server.AcquireWriteLockTimeout,
		SlowRequestThreshold:    conf.Server.SlowRequestThreshold,
		LogFunc:                 logFn,
		Vars:                    vars,
	})
}

func isIn(list []string, v string) bool {
	for _, vv := range list {
		if v == vv {
			return true
		}
	}
	return false
}

func newUpgrader(conf *Server) *websocket.Upgrader {
	upg := &websocket.Upgrader{
		HandshakeTimeout: conf.HandshakeTimeout,
		ReadBufferSize:   conf.ReadBufferSize,
		WriteBufferSize:  conf.WriteBufferSize,
	}

	if len(conf.WhitelistedOrigins) > 0 {
		oris := conf.WhitelistedOrigins
		upg.CheckOrigin = func(r *http.Request) bool {
			o := r.Header.Get("Origin")
			return isIn(oris, o)
		}
	}
	return upg
}

func newHTTPServer(conf *Server, h http.Handler) *http.Server {
	return &http.Server{
		Addr:           conf.Addr,
		Handler:        h,
		ReadTimeout:    conf.ReadTimeout,
		WriteTimeout:   conf.WriteTimeout,
		MaxHeaderBytes: conf.MaxHeaderBytes,
	}
}
