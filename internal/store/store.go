// ABOUTME: Store interface and data types for gateway persistence
// ABOUTME: Declares admin token and audit log operations shared by the admin surface and fleet corrector

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrInvalidToken is returned when a presented token matches no active token
var ErrInvalidToken = errors.New("invalid admin token")

// ErrTokensExist is returned when bootstrap token creation is attempted after
// at least one token was issued
var ErrTokensExist = errors.New("admin tokens already exist")

// AdminToken is an issued operator credential. The plaintext is returned once
// at creation and never stored.
type AdminToken struct {
	ID        string
	Label     string
	TokenHash string
	Revoked   bool
	CreatedAt time.Time
}

// Store defines the persistence operations used by the gateway
type Store interface {
	// Admin tokens
	CreateAdminToken(ctx context.Context, label string) (*AdminToken, string, error)
	CreateFirstAdminToken(ctx context.Context, label string) (*AdminToken, string, error)
	ListAdminTokens(ctx context.Context) ([]AdminToken, error)
	RevokeAdminToken(ctx context.Context, id string) error
	ValidateAdminToken(ctx context.Context, token string) (*AdminToken, error)
	CountAdminTokens(ctx context.Context) (int, error)

	// Audit log
	AppendAuditLog(ctx context.Context, e *AuditEntry) error
	ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error)

	// Close releases any resources held by the store
	Close() error
}
