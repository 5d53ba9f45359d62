// ABOUTME: RFC 7807 problem responses shared by the dispatcher and admin surface
// ABOUTME: Problem types distinguish routing, availability, and upstream failures

package problem

import (
	"encoding/json"
	"net/http"
)

// Problem type identifiers.
const (
	TypeServiceUnknown      = "/problems/service-unknown"
	TypeServiceUnavailable  = "/problems/service-unavailable"
	TypeUpstreamUnreachable = "/problems/upstream-unreachable"
	TypeUpstreamTimeout     = "/problems/upstream-timeout"
	TypeMalformedPath       = "/problems/malformed-path"
	TypeNotFound            = "/problems/not-found"
	TypeUnauthorized        = "/problems/unauthorized"
	TypeRateLimited         = "/problems/rate-limited"
	TypeBadRequest          = "/problems/bad-request"
	TypeOrchestrator        = "/problems/orchestrator-unavailable"
	TypeInternal            = "about:blank"
)

// Detail represents an RFC 7807 Problem Details response.
type Detail struct {
	Type          string         `json:"type"`
	Title         string         `json:"title"`
	Status        int            `json:"status"`
	Detail        string         `json:"detail,omitempty"`
	Instance      string         `json:"instance,omitempty"`
	Service       string         `json:"service,omitempty"`
	InvalidParams []InvalidParam `json:"invalid_params,omitempty"`
}

// InvalidParam describes a single invalid request parameter.
type InvalidParam struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// New creates a Detail with the given type, status, and detail message.
func New(typ string, status int, detail string) Detail {
	if typ == "" {
		typ = TypeInternal
	}
	return Detail{
		Type:   typ,
		Title:  http.StatusText(status),
		Status: status,
		Detail: detail,
	}
}

// Write writes an RFC 7807 error response.
func Write(w http.ResponseWriter, typ string, status int, detail string) {
	WriteDetail(w, New(typ, status, detail))
}

// WriteDetail writes a fully populated problem.
func WriteDetail(w http.ResponseWriter, p Detail) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteWithParams writes an RFC 7807 error with invalid parameter details.
func WriteWithParams(w http.ResponseWriter, status int, detail string, params []InvalidParam) {
	p := New(TypeBadRequest, status, detail)
	p.InvalidParams = params
	WriteDetail(w, p)
}
