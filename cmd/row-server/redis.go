package main

import (
	"expvar"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/mna/redisc"
	"github.com/psychogen-labs/row/auth/redisauth"
	"github.com/psychogen-labs/row/broker/redisbroker"
)

// newRedisPool returns the redis pool, or the redis cluster if
// configured, used to store authentication tokens.
func newRedisPool(conf *Redis) (redisauth.Pool, error) {
	createPoolFn := redisPoolCreateFunc(conf)
	if conf.Cluster {
		return newRedisCluster(conf.Addr, createPoolFn)
	}
	return createPoolFn(conf.Addr)
}

func newRedisCluster(addr string, createPool func(string, ...redis.DialOption) (*redis.Pool, error)) (*redisc.Cluster, error) {
	c := &redisc.Cluster{
		StartupNodes: []string{addr},
		CreatePool:   createPool,
	}
	err := c.Refresh()
	return c, err
}

func redisPoolCreateFunc(conf *Redis) func(string, ...redis.DialOption) (*redis.Pool, error) {
	return func(addr string, opts ...redis.DialOption) (*redis.Pool, error) {
		p := &redis.Pool{
			MaxIdle:     conf.MaxIdle,
			MaxActive:   conf.MaxActive,
			IdleTimeout: conf.IdleTimeout,
			Dial: func() (redis.Conn, error) {
				return redis.Dial("tcp", addr, opts...)
			},
			TestOnBorrow: func(c redis.Conn, t time.Time) error {
				_, err := c.Do("PING")
				return err
			},
		}

		// test the connection so that it fails fast if redis is not available
		c := p.Get()
		defer c.Close()

		if _, err := c.Do("PING"); err != nil {
			return nil, err
		}
		return p, nil
	}
}

// newRedisBroker returns the broker that publishes and relays events
// on the redis channels.
func newRedisBroker(conf *Redis, logFn func(string, ...interface{}), vars *expvar.Map) (*redisbroker.Broker, error) {
	pool, err := newRedisPool(conf)
	if err != nil {
		return nil, err
	}

	b := &redisbroker.Broker{
		Pool:    pool,
		Prefix:  conf.ChannelPrefix,
		LogFunc: logFn,
		Vars:    vars,
	}
	switch p := pool.(type) {
	case *redisc.Cluster:
		b.Dial = p.Dial
	case *redis.Pool:
		b.Dial = p.Dial
	}
	return b, nil
}
