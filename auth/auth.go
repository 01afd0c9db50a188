// Package auth defines how a connection's identity is resolved at
// handshake time. A TokenExtractor gets the credentials from the
// upgrade request, and an Authenticator turns them into an identity.
//
// The defaults, NoToken and AcceptAll, are meant for deployments that
// authenticate at another layer: every connection is accepted with a
// new anonymous identity.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/pborman/uuid"
)

// ErrUnauthorized is returned (wrapped) by an Authenticator that
// rejects the handshake.
var ErrUnauthorized = errors.New("row: unauthorized")

// HandshakeContext holds the information available to authenticate a
// connection.
type HandshakeContext struct {
	Request  *http.Request
	Token    string
	HasToken bool
}

// TokenExtractor extracts the authentication token from the upgrade
// request.
type TokenExtractor interface {
	Extract(r *http.Request) (token string, ok bool)
}

// ExtractorFunc is a function that implements TokenExtractor.
type ExtractorFunc func(*http.Request) (string, bool)

// Extract implements TokenExtractor by calling fn.
func (fn ExtractorFunc) Extract(r *http.Request) (string, bool) {
	return fn(r)
}

// Authenticator resolves the identity of a connection.
type Authenticator interface {
	Authenticate(ctx context.Context, hc *HandshakeContext) (identity string, err error)
}

// AuthenticatorFunc is a function that implements Authenticator.
type AuthenticatorFunc func(context.Context, *HandshakeContext) (string, error)

// Authenticate implements Authenticator by calling fn.
func (fn AuthenticatorFunc) Authenticate(ctx context.Context, hc *HandshakeContext) (string, error) {
	return fn(ctx, hc)
}

// NoToken is a TokenExtractor that never finds a token.
var NoToken TokenExtractor = ExtractorFunc(func(*http.Request) (string, bool) { return "", false })

// AcceptAll is an Authenticator that accepts every handshake and
// assigns a new random identity to the connection.
var AcceptAll Authenticator = AuthenticatorFunc(func(context.Context, *HandshakeContext) (string, error) {
	return uuid.NewRandom().String(), nil
})

// Bearer returns a TokenExtractor that reads the token from the
// Authorization header ("Bearer <token>"), or, if queryParam is not
// empty and the header is absent, from that query string parameter.
// Browsers cannot set headers on websocket handshakes, hence the
// query string fallback.
func Bearer(queryParam string) TokenExtractor {
	return ExtractorFunc(func(r *http.Request) (string, bool) {
		if h := r.Header.Get("Authorization"); h != "" {
			const prefix = "bearer "
			if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
				tok := strings.TrimSpace(h[len(prefix):])
				return tok, tok != ""
			}
			return "", false
		}
		if queryParam != "" {
			tok := r.URL.Query().Get(queryParam)
			return tok, tok != ""
		}
		return "", false
	})
}

// Tokens returns an Authenticator that accepts the tokens in m, which
// maps tokens to identities. Handshakes with a missing or unknown token
// fail with ErrUnauthorized.
func Tokens(m map[string]string) Authenticator {
	return AuthenticatorFunc(func(_ context.Context, hc *HandshakeContext) (string, error) {
		if !hc.HasToken {
			return "", ErrUnauthorized
		}
		id, ok := m[hc.Token]
		if !ok {
			return "", ErrUnauthorized
		}
		return id, nil
	})
}
