// Package redisauth implements an auth.Authenticator that resolves
// tokens to identities stored in redis. A token is valid if the key
// "row:tokens:{<token>}" exists, and its value is the identity.
//
// Tokens are issued with Issue, which stores the key with an optional
// expiration. If Authenticator.TTL is set, the expiration is renewed
// on every successful handshake, so that tokens of active clients
// slide forward.
//
// The key is hashed on the token only, so that a redis cluster (via
// github.com/mna/redisc) can be used as Pool.
package redisauth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/mna/redisc"
	"github.com/psychogen-labs/row/auth"
)

var _ auth.Authenticator = (*Authenticator)(nil)

// KeyFormat is the format of the redis key holding a token's identity.
const KeyFormat = "row:tokens:{%s}"

// Pool defines the methods required for a redis pool that provides
// a method to get a connection and to release the pool's resources.
type Pool interface {
	// Get returns a redis connection.
	Get() redis.Conn

	// Close releases the resources used by the pool.
	Close() error
}

// Authenticator resolves handshake tokens to identities using redis.
type Authenticator struct {
	// prevent unkeyed literals
	_ struct{}

	// Pool is the redis pool or redisc cluster to use.
	Pool Pool

	// TTL, if > 0, is the expiration set on the token key after each
	// successful authentication.
	TTL time.Duration

	// LogFunc is the logging function to use. If nil, log.Printf
	// is used.
	LogFunc func(string, ...interface{})
}

// Authenticate implements auth.Authenticator. Missing or unknown
// tokens fail with auth.ErrUnauthorized, redis failures with a
// different error, so that they can be told apart.
func (a *Authenticator) Authenticate(ctx context.Context, hc *auth.HandshakeContext) (string, error) {
	if !hc.HasToken || hc.Token == "" {
		return "", auth.ErrUnauthorized
	}

	key := fmt.Sprintf(KeyFormat, hc.Token)
	rc, err := a.conn(ctx, key)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	id, err := redis.String(rc.Do("GET", key))
	if err != nil {
		if errors.Is(err, redis.ErrNil) {
			return "", auth.ErrUnauthorized
		}
		logf(a.LogFunc, "redisauth: GET failed: %v", err)
		return "", fmt.Errorf("redisauth: %w", err)
	}

	if a.TTL > 0 {
		if _, err := rc.Do("PEXPIRE", key, int64(a.TTL/time.Millisecond)); err != nil {
			// the token is valid, failing to extend it is not fatal
			logf(a.LogFunc, "redisauth: PEXPIRE failed: %v", err)
		}
	}
	return id, nil
}

// Issue stores token as a valid token for identity. If ttl > 0, the
// token expires after that duration.
func (a *Authenticator) Issue(ctx context.Context, token, identity string, ttl time.Duration) error {
	if token == "" || identity == "" {
		return errors.New("redisauth: token and identity must not be empty")
	}

	key := fmt.Sprintf(KeyFormat, token)
	rc, err := a.conn(ctx, key)
	if err != nil {
		return err
	}
	defer rc.Close()

	args := redis.Args{key, identity}
	if ttl > 0 {
		args = args.Add("PX", int64(ttl/time.Millisecond))
	}
	_, err = rc.Do("SET", args...)
	return err
}

// Revoke deletes token. Revoking an unknown token is not an error.
func (a *Authenticator) Revoke(ctx context.Context, token string) error {
	key := fmt.Sprintf(KeyFormat, token)
	rc, err := a.conn(ctx, key)
	if err != nil {
		return err
	}
	defer rc.Close()

	_, err = rc.Do("DEL", key)
	return err
}

func (a *Authenticator) conn(ctx context.Context, key string) (redis.Conn, error) {
	var rc redis.Conn
	if cp, ok := a.Pool.(interface {
		GetContext(context.Context) (redis.Conn, error)
	}); ok {
		c, err := cp.GetContext(ctx)
		if err != nil {
			return nil, fmt.Errorf("redisauth: %w", err)
		}
		rc = c
	} else {
		rc = a.Pool.Get()
	}
	return clusterifyConn(rc, key), nil
}

const (
	clusterConnMaxAttempts   = 4
	clusterConnTryAgainDelay = 100 * time.Millisecond
)

type binder interface {
	Bind(...string) error
}

func clusterifyConn(rc redis.Conn, keys ...string) redis.Conn {
	// if it implements Bind, call it and make it a RetryConn so
	// that it follows redirections in a cluster.
	if bc, ok := rc.(binder); ok {
		if err := bc.Bind(keys...); err == nil {
			retry, err := redisc.RetryConn(rc, clusterConnMaxAttempts, clusterConnTryAgainDelay)
			if err == nil {
				rc = retry
			}
		}
	}
	return rc
}

func logf(fn func(string, ...interface{}), f string, args ...interface{}) {
	if fn != nil {
		fn(f, args...)
	} else {
		log.Printf(f, args...)
	}
}
