// ABOUTME: Package documentation for admin credential checking
// ABOUTME: Describes the pluggable authenticators and the HTTP middleware

// Package auth authenticates operators of the gateway's admin surface.
//
// # Credentials
//
// A credential is read from the X-Admin-Token header or from
// "Authorization: Bearer <token>". It is checked against a chain of
// authenticators, first match wins:
//
//   - StaticKey: a single configured bootstrap key, compared in constant time
//   - StoredTokens: bcrypt-hashed tokens issued through the admin API
//   - JWT: HS256 tokens signed with auth.jwt_secret; "exp" is required
//     and "sub" becomes the audit actor
//
// # Middleware
//
//	HTTPAuthMiddleware(authn, logger)     // rejects with 401 problem JSON
//	OptionalAuthMiddleware(authn)         // attaches identity when present
//
// Handlers read the identity with FromContext.
package auth
