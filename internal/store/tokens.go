// ABOUTME: Admin token persistence with bcrypt-hashed secrets
// ABOUTME: Supports bootstrap issuance, listing, revocation, and validation

package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const tokenBytes = 32

// generateToken returns a URL-safe random secret and its bcrypt hash.
func generateToken() (plain, hash string, err error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generating token: %w", err)
	}
	plain = base64.RawURLEncoding.EncodeToString(buf)
	h, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("hashing token: %w", err)
	}
	return plain, string(h), nil
}

// CreateAdminToken issues a new token. The plaintext is returned once.
func (s *SQLiteStore) CreateAdminToken(ctx context.Context, label string) (*AdminToken, string, error) {
	return s.insertToken(ctx, label, false)
}

// CreateFirstAdminToken issues a token only if none has ever been issued.
// The check and insert are a single statement so concurrent bootstraps cannot
// both succeed.
func (s *SQLiteStore) CreateFirstAdminToken(ctx context.Context, label string) (*AdminToken, string, error) {
	return s.insertToken(ctx, label, true)
}

func (s *SQLiteStore) insertToken(ctx context.Context, label string, onlyIfEmpty bool) (*AdminToken, string, error) {
	if label == "" {
		label = "generated"
	}
	plain, hash, err := generateToken()
	if err != nil {
		return nil, "", err
	}

	tok := &AdminToken{
		ID:        uuid.New().String(),
		Label:     label,
		TokenHash: hash,
		CreatedAt: time.Now().UTC(),
	}

	query := `INSERT INTO admin_tokens (id, label, token_hash, revoked, created_at) VALUES (?, ?, ?, 0, ?)`
	if onlyIfEmpty {
		query = `
			INSERT INTO admin_tokens (id, label, token_hash, revoked, created_at)
			SELECT ?, ?, ?, 0, ?
			WHERE NOT EXISTS (SELECT 1 FROM admin_tokens)
		`
	}

	res, err := s.db.ExecContext(ctx, query, tok.ID, tok.Label, tok.TokenHash, tok.CreatedAt.Format(tsLayout))
	if err != nil {
		return nil, "", fmt.Errorf("inserting admin token: %w", err)
	}
	if onlyIfEmpty {
		n, err := res.RowsAffected()
		if err != nil {
			return nil, "", fmt.Errorf("checking bootstrap insert: %w", err)
		}
		if n == 0 {
			return nil, "", ErrTokensExist
		}
	}

	s.logger.Info("created admin token", "id", tok.ID, "label", tok.Label, "bootstrap", onlyIfEmpty)
	return tok, plain, nil
}

// ListAdminTokens returns every token, newest first.
func (s *SQLiteStore) ListAdminTokens(ctx context.Context) ([]AdminToken, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, label, token_hash, revoked, created_at
		FROM admin_tokens
		ORDER BY created_at DESC, rowid DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("querying admin tokens: %w", err)
	}
	defer func() { _ = rows.Close() }()

	tokens := []AdminToken{}
	for rows.Next() {
		t, err := scanAdminToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating admin tokens: %w", err)
	}
	return tokens, nil
}

// RevokeAdminToken marks a token revoked. Revoking an already revoked token succeeds.
func (s *SQLiteStore) RevokeAdminToken(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE admin_tokens SET revoked = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("revoking admin token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking revoke: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	s.logger.Info("revoked admin token", "id", id)
	return nil
}

// ValidateAdminToken finds the active token matching plain.
func (s *SQLiteStore) ValidateAdminToken(ctx context.Context, plain string) (*AdminToken, error) {
	if plain == "" {
		return nil, ErrInvalidToken
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, label, token_hash, revoked, created_at
		FROM admin_tokens
		WHERE revoked = 0
	`)
	if err != nil {
		return nil, fmt.Errorf("querying admin tokens: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var candidates []AdminToken
	for rows.Next() {
		t, err := scanAdminToken(rows)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating admin tokens: %w", err)
	}

	for i := range candidates {
		if bcrypt.CompareHashAndPassword([]byte(candidates[i].TokenHash), []byte(plain)) == nil {
			return &candidates[i], nil
		}
	}
	return nil, ErrInvalidToken
}

// CountAdminTokens returns the number of tokens ever issued, revoked included.
func (s *SQLiteStore) CountAdminTokens(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM admin_tokens`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting admin tokens: %w", err)
	}
	return n, nil
}

// GetAdminToken returns a token by id.
func (s *SQLiteStore) GetAdminToken(ctx context.Context, id string) (*AdminToken, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, label, token_hash, revoked, created_at
		FROM admin_tokens
		WHERE id = ?
	`, id)
	t, err := scanAdminToken(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func scanAdminToken(scanner interface{ Scan(dest ...any) error }) (AdminToken, error) {
	var t AdminToken
	var revoked int
	var createdStr string
	if err := scanner.Scan(&t.ID, &t.Label, &t.TokenHash, &revoked, &createdStr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return t, err
		}
		return t, fmt.Errorf("scanning admin token: %w", err)
	}
	t.Revoked = revoked != 0
	created, err := time.Parse(tsLayout, createdStr)
	if err != nil {
		return t, fmt.Errorf("parsing created_at: %w", err)
	}
	t.CreatedAt = created
	return t, nil
}
