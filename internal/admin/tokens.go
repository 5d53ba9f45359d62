// ABOUTME: Admin token lifecycle handlers: issue, list, revoke, validate
// ABOUTME: The first token may be issued anonymously while the store holds none

package admin

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/2389/kilo-gateway/internal/auth"
	"github.com/2389/kilo-gateway/internal/problem"
	"github.com/2389/kilo-gateway/internal/store"
)

const maxLabelLength = 128

// TokenInfo is the public view of an admin token.
type TokenInfo struct {
	ID        string    `json:"id"`
	Label     string    `json:"label"`
	Revoked   bool      `json:"revoked"`
	CreatedAt time.Time `json:"created_at"`
}

// ListTokensResponse is the body of GET /admin/tokens.
type ListTokensResponse struct {
	Tokens []TokenInfo `json:"tokens"`
}

// CreateTokenRequest is the body of POST /admin/tokens.
type CreateTokenRequest struct {
	Label string `json:"label"`
}

// CreateTokenResponse carries the plaintext token. It is never shown again.
type CreateTokenResponse struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Token string `json:"token"`
}

// ValidateRequest is the optional body of POST /admin/validate.
type ValidateRequest struct {
	Token string `json:"token"`
}

// ValidateResponse is returned for an accepted credential.
type ValidateResponse struct {
	Valid   bool   `json:"valid"`
	Subject string `json:"subject"`
	Method  string `json:"method"`
}

// StatusResponse acknowledges a write with no other payload.
type StatusResponse struct {
	Status string `json:"status"`
}

func (h *Handler) handleListTokens(w http.ResponseWriter, r *http.Request) {
	tokens, err := h.opts.Store.ListAdminTokens(r.Context())
	if err != nil {
		h.internalError(w, "listing admin tokens", err)
		return
	}

	out := make([]TokenInfo, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, TokenInfo{ID: t.ID, Label: t.Label, Revoked: t.Revoked, CreatedAt: t.CreatedAt})
	}
	writeJSON(w, http.StatusOK, ListTokensResponse{Tokens: out})
}

func (h *Handler) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	var req CreateTokenRequest
	if err := decodeBody(w, r, &req); err != nil {
		problem.Write(w, problem.TypeBadRequest, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.Label = strings.TrimSpace(req.Label)
	if len(req.Label) > maxLabelLength {
		problem.WriteWithParams(w, http.StatusBadRequest, "label too long",
			[]problem.InvalidParam{{Name: "label", Reason: "at most 128 characters"}})
		return
	}

	var (
		tok   *store.AdminToken
		plain string
		err   error
	)
	authCtx := auth.FromContext(r.Context())
	if authCtx != nil {
		tok, plain, err = h.opts.Store.CreateAdminToken(r.Context(), req.Label)
	} else {
		tok, plain, err = h.opts.Store.CreateFirstAdminToken(r.Context(), req.Label)
	}
	if errors.Is(err, store.ErrTokensExist) {
		problem.Write(w, problem.TypeUnauthorized, http.StatusUnauthorized, "admin credential required")
		return
	}
	if err != nil {
		h.internalError(w, "creating admin token", err)
		return
	}

	h.audit(r.Context(), actor(r), store.AuditCreateToken, tok.ID, map[string]any{"label": tok.Label})
	h.logger.Info("admin token created", "id", tok.ID, "actor", actor(r), "bootstrap", authCtx == nil)

	writeJSON(w, http.StatusCreated, CreateTokenResponse{ID: tok.ID, Label: tok.Label, Token: plain})
}

func (h *Handler) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := h.opts.Store.RevokeAdminToken(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		problem.Write(w, problem.TypeNotFound, http.StatusNotFound, "token not found")
		return
	}
	if err != nil {
		h.internalError(w, "revoking admin token", err)
		return
	}

	h.audit(r.Context(), actor(r), store.AuditRevokeToken, id, nil)
	writeJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
}

// handleValidate checks the credential in the request headers or, failing
// that, the "token" field of the body.
func (h *Handler) handleValidate(w http.ResponseWriter, r *http.Request) {
	cred, _ := auth.ExtractCredential(r)
	if cred == "" {
		var req ValidateRequest
		if err := decodeBody(w, r, &req); err != nil {
			problem.Write(w, problem.TypeBadRequest, http.StatusBadRequest, "invalid JSON body")
			return
		}
		cred = strings.TrimSpace(req.Token)
	}
	if cred == "" {
		problem.Write(w, problem.TypeUnauthorized, http.StatusUnauthorized, "missing credential")
		return
	}

	authCtx, err := h.opts.Authn.Authenticate(r.Context(), cred)
	if err != nil {
		if !errors.Is(err, auth.ErrUnauthenticated) {
			h.internalError(w, "credential check failed", err)
			return
		}
		problem.Write(w, problem.TypeUnauthorized, http.StatusUnauthorized, "invalid credential")
		return
	}
	writeJSON(w, http.StatusOK, ValidateResponse{Valid: true, Subject: authCtx.Subject, Method: string(authCtx.Method)})
}

func (h *Handler) audit(ctx context.Context, actor string, action store.AuditAction, target string, detail map[string]any) {
	err := h.opts.Store.AppendAuditLog(context.WithoutCancel(ctx), &store.AuditEntry{
		Actor:      actor,
		Action:     action,
		TargetType: "admin_token",
		TargetID:   target,
		Detail:     detail,
	})
	if err != nil {
		h.logger.Error("writing audit entry", "action", action, "target", target, "error", err)
	}
}
