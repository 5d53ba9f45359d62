// ABOUTME: Pluggable admin authenticators: static key, stored tokens, and JWT
// ABOUTME: A Chain tries each in order and returns the first accepted identity

package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/2389/kilo-gateway/internal/store"
)

// ErrUnauthenticated is returned when no authenticator accepts a credential.
var ErrUnauthenticated = errors.New("unauthenticated")

// Authenticator checks one presented credential.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (*AuthContext, error)
}

// StaticKey accepts a single configured key.
type StaticKey struct {
	key []byte
}

// NewStaticKey returns nil when key is empty so callers can skip it.
func NewStaticKey(key string) *StaticKey {
	if key == "" {
		return nil
	}
	return &StaticKey{key: []byte(key)}
}

// Authenticate compares in constant time.
func (s *StaticKey) Authenticate(_ context.Context, credential string) (*AuthContext, error) {
	if subtle.ConstantTimeCompare(s.key, []byte(credential)) != 1 {
		return nil, ErrUnauthenticated
	}
	return &AuthContext{Subject: "bootstrap", Method: MethodStatic}, nil
}

// TokenValidator is the store subset used by StoredTokens.
type TokenValidator interface {
	ValidateAdminToken(ctx context.Context, token string) (*store.AdminToken, error)
}

// StoredTokens accepts tokens issued through the admin API.
type StoredTokens struct {
	tokens TokenValidator
}

// NewStoredTokens wraps a token store.
func NewStoredTokens(tokens TokenValidator) *StoredTokens {
	return &StoredTokens{tokens: tokens}
}

// Authenticate looks the credential up among active tokens.
func (s *StoredTokens) Authenticate(ctx context.Context, credential string) (*AuthContext, error) {
	tok, err := s.tokens.ValidateAdminToken(ctx, credential)
	if err != nil {
		if errors.Is(err, store.ErrInvalidToken) {
			return nil, ErrUnauthenticated
		}
		return nil, fmt.Errorf("validating stored token: %w", err)
	}
	return &AuthContext{Subject: tok.ID, Method: MethodToken}, nil
}

// JWT accepts signed tokens.
type JWT struct {
	verifier TokenVerifier
}

// NewJWT wraps a verifier.
func NewJWT(verifier TokenVerifier) *JWT {
	return &JWT{verifier: verifier}
}

// Authenticate verifies the signature and expiry.
func (j *JWT) Authenticate(_ context.Context, credential string) (*AuthContext, error) {
	sub, err := j.verifier.Verify(credential)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	return &AuthContext{Subject: sub, Method: MethodJWT}, nil
}

// Chain tries authenticators in order.
type Chain []Authenticator

// NewChain drops nil entries.
func NewChain(auths ...Authenticator) Chain {
	var c Chain
	for _, a := range auths {
		if a == nil {
			continue
		}
		if sk, ok := a.(*StaticKey); ok && sk == nil {
			continue
		}
		c = append(c, a)
	}
	return c
}

// Authenticate returns the first accepted identity. Infrastructure errors
// (a failing store) are returned even if a later authenticator would reject.
func (c Chain) Authenticate(ctx context.Context, credential string) (*AuthContext, error) {
	if credential == "" {
		return nil, ErrUnauthenticated
	}
	var firstErr error
	for _, a := range c {
		ac, err := a.Authenticate(ctx, credential)
		if err == nil {
			return ac, nil
		}
		if !errors.Is(err, ErrUnauthenticated) && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return nil, ErrUnauthenticated
}
