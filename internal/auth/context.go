// ABOUTME: Authentication context for tracking identity through request handlers
// ABOUTME: Provides WithAuth/FromContext for propagating auth info via context

package auth

import (
	"context"
)

// Method names the authenticator that accepted a credential.
type Method string

const (
	MethodStatic Method = "static"
	MethodToken  Method = "token"
	MethodJWT    Method = "jwt"
)

// AuthContext holds the authenticated identity extracted from a request.
type AuthContext struct {
	Subject string // token id, JWT subject, or "bootstrap" for the static key
	Method  Method
}

// Actor returns the identity recorded in the audit log.
func (a *AuthContext) Actor() string {
	if a == nil {
		return "anonymous"
	}
	return string(a.Method) + ":" + a.Subject
}

// authContextKey is the key type for storing AuthContext in context.Context.
type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	val := ctx.Value(authContextKey{})
	if val == nil {
		return nil
	}
	auth, ok := val.(*AuthContext)
	if !ok {
		return nil
	}
	return auth
}
