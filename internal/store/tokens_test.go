// ABOUTME: Tests for admin token issuance, validation, and revocation
// ABOUTME: Includes the concurrent first-token bootstrap case

package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdminToken_CreateAndValidate(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tok, plain, err := store.CreateAdminToken(ctx, "ops-laptop")
	require.NoError(t, err)
	assert.NotEmpty(t, tok.ID)
	assert.NotEmpty(t, plain)
	assert.NotEqual(t, plain, tok.TokenHash, "plaintext is never stored")

	found, err := store.ValidateAdminToken(ctx, plain)
	require.NoError(t, err)
	assert.Equal(t, tok.ID, found.ID)
	assert.Equal(t, "ops-laptop", found.Label)

	_, err = store.ValidateAdminToken(ctx, plain+"x")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = store.ValidateAdminToken(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestAdminToken_DefaultLabel(t *testing.T) {
	store := setupTestStore(t)
	tok, _, err := store.CreateAdminToken(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "generated", tok.Label)
}

func TestAdminToken_Revoke(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	tok, plain, err := store.CreateAdminToken(ctx, "temp")
	require.NoError(t, err)

	require.NoError(t, store.RevokeAdminToken(ctx, tok.ID))
	require.NoError(t, store.RevokeAdminToken(ctx, tok.ID), "revoke is idempotent")

	_, err = store.ValidateAdminToken(ctx, plain)
	assert.ErrorIs(t, err, ErrInvalidToken)

	got, err := store.GetAdminToken(ctx, tok.ID)
	require.NoError(t, err)
	assert.True(t, got.Revoked)

	assert.ErrorIs(t, store.RevokeAdminToken(ctx, "missing"), ErrNotFound)
}

func TestAdminToken_ListNewestFirst(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, label := range []string{"a", "b", "c"} {
		_, _, err := store.CreateAdminToken(ctx, label)
		require.NoError(t, err)
	}

	tokens, err := store.ListAdminTokens(ctx)
	require.NoError(t, err)
	require.Len(t, tokens, 3)
	assert.Equal(t, "c", tokens[0].Label)
	assert.Equal(t, "a", tokens[2].Label)

	n, err := store.CountAdminTokens(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestAdminToken_GetNotFound(t *testing.T) {
	store := setupTestStore(t)
	_, err := store.GetAdminToken(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAdminToken_FirstTokenOnlyOnce(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	_, _, err := store.CreateFirstAdminToken(ctx, "bootstrap")
	require.NoError(t, err)

	_, _, err = store.CreateFirstAdminToken(ctx, "again")
	assert.ErrorIs(t, err, ErrTokensExist)
}

func TestAdminToken_ConcurrentBootstrapSingleWinner(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := store.CreateFirstAdminToken(ctx, "race"); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	n, err := store.CountAdminTokens(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
