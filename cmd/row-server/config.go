package main

import (
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// Redis defines the redis-specific configuration options, used to store
// authentication tokens and to relay events published by other
// processes.
type Redis struct {
	Addr          string        `yaml:"addr"`
	Cluster       bool          `yaml:"cluster"`
	MaxActive     int           `yaml:"max_active"`
	MaxIdle       int           `yaml:"max_idle"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	Relay         bool          `yaml:"relay"`
	ChannelPrefix string        `yaml:"channel_prefix"`
}

// Auth defines how connections are authenticated.
type Auth struct {
	// Mode is one of "none" (anonymous identities), "static" (Tokens)
	// or "redis" (tokens stored in redis).
	Mode       string            `yaml:"mode"`
	QueryParam string            `yaml:"query_param"`
	Tokens     map[string]string `yaml:"tokens"`
	TokenTTL   time.Duration     `yaml:"token_ttl"`
}

// Dispatch defines the configuration options of the delivery pool.
type Dispatch struct {
	CoreWorkers int           `yaml:"core_workers"`
	MaxWorkers  int           `yaml:"max_workers"`
	QueueSize   int           `yaml:"queue_size"`
	KeepAlive   time.Duration `yaml:"keep_alive"`
}

// Server defines the row server configuration options.
type Server struct {
	// HTTP server configuration for the websocket handshake/upgrade
	Addr               string        `yaml:"addr"`
	Paths              []string      `yaml:"paths"`
	MaxHeaderBytes     int           `yaml:"max_header_bytes"`
	ReadBufferSize     int           `yaml:"read_buffer_size"`
	WriteBufferSize    int           `yaml:"write_buffer_size"`
	HandshakeTimeout   time.Duration `yaml:"handshake_timeout"`
	WhitelistedOrigins []string      `yaml:"whitelisted_origins"`
	MetricsPath        string        `yaml:"metrics_path"`
	VarsPath           string        `yaml:"vars_path"`
	PublishPath        string        `yaml:"publish_path"`

	// websocket/row configuration
	ReadLimit               int64         `yaml:"read_limit"`
	ReadTimeout             time.Duration `yaml:"read_timeout"`
	WriteLimit              int64         `yaml:"write_limit"`
	WriteTimeout            time.Duration `yaml:"write_timeout"`
	AcquireWriteLockTimeout time.Duration `yaml:"acquire_write_lock_timeout"`
	AllowEmptySubprotocol   bool          `yaml:"allow_empty_subprotocol"`
	SingleSession           bool          `yaml:"single_session"`
	NoHeartbeats            bool          `yaml:"no_heartbeats"`
	SlowRequestThreshold    time.Duration `yaml:"slow_request_threshold"`
	ShutdownTimeout         time.Duration `yaml:"shutdown_timeout"`

	// idle connections sweeper, disabled if MaxIdle is 0
	MaxIdle   time.Duration `yaml:"max_idle"`
	IdleSweep time.Duration `yaml:"idle_sweep"`

	// demo endpoints options
	ClosePath string `yaml:"close_path"`
	PanicPath string `yaml:"panic_path"`
}

// Config defines the configuration options of the server.
type Config struct {
	Redis    *Redis    `yaml:"redis"`
	Auth     *Auth     `yaml:"auth"`
	Dispatch *Dispatch `yaml:"dispatch"`
	Server   *Server   `yaml:"server"`
}

func getDefaultConfig() *Config {
	return &Config{
		Redis: &Redis{
			Addr:        redisAddrFlag,
			Cluster:     redisClusterFlag,
			MaxActive:   0,
			MaxIdle:     redisMaxIdleFlag,
			IdleTimeout: 0,
			Relay:       redisRelayFlag,
		},
		Auth: &Auth{
			Mode:       authModeFlag,
			QueryParam: "token",
		},
		Dispatch: &Dispatch{
			CoreWorkers: 10,
			MaxWorkers:  20,
			QueueSize:   1000,
			KeepAlive:   time.Minute,
		},
		Server: &Server{
			Addr:                    ":" + strconv.Itoa(portFlag),
			Paths:                   []string{"/ws"},
			MetricsPath:             "/metrics",
			VarsPath:                "/debug/vars",
			PublishPath:             "/publish",
			ReadLimit:               0,
			ReadTimeout:             0,
			WriteLimit:              0,
			WriteTimeout:            0,
			AcquireWriteLockTimeout: 0,
			AllowEmptySubprotocol:   allowEmptyProtoFlag,
			ShutdownTimeout:         30 * time.Second,
			IdleSweep:               time.Minute,
			ClosePath:               "",
		},
	}
}

func getConfigFromReader(r io.Reader) (*Config, error) {
	conf := getDefaultConfig()

	// set default values
	if r != nil {
		b, err := ioutil.ReadAll(r)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, conf); err != nil {
			return nil, err
		}
	}
	return conf, nil
}

func getConfigFromFile(file string) (*Config, error) {
	var r io.Reader
	if file != "" {
		f, err := os.Open(file)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		r = f
	}
	return getConfigFromReader(r)
}

// checkConfig validates the combination of options that cannot be
// checked individually.
func checkConfig(conf *Config) error {
	if conf.Server == nil || len(conf.Server.Paths) == 0 {
		return errors.New("at least one server.paths entry must be configured")
	}

	switch conf.Auth.Mode {
	case "", "none":
	case "static":
		if len(conf.Auth.Tokens) == 0 {
			return errors.New("auth.tokens must be configured with the static auth mode")
		}
	case "redis":
		if conf.Redis == nil || conf.Redis.Addr == "" {
			return errors.New("redis.addr must be configured with the redis auth mode")
		}
	default:
		return fmt.Errorf("invalid auth.mode %q", conf.Auth.Mode)
	}

	if conf.Redis != nil && conf.Redis.Relay && conf.Redis.Addr == "" {
		return errors.New("redis.addr must be configured to relay events")
	}

	if d := conf.Dispatch; d.CoreWorkers <= 0 || d.MaxWorkers < d.CoreWorkers || d.QueueSize <= 0 {
		return errors.New("dispatch requires core_workers > 0, max_workers >= core_workers and queue_size > 0")
	}
	if conf.Server.MaxIdle > 0 && conf.Server.NoHeartbeats {
		return errors.New("server.max_idle cannot be used with server.no_heartbeats")
	}
	return nil
}
