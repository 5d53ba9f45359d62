// ABOUTME: HTTP client for the gateway admin API
// ABOUTME: Sends X-Admin-Token and turns problem responses into errors

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/2389/kilo-gateway/internal/auth"
	"github.com/2389/kilo-gateway/internal/problem"
)

var errUnauthorized = errors.New("admin credential rejected (set KILO_ADMIN_TOKEN or run kilo-gateway bootstrap)")

type adminClient struct {
	base  *url.URL
	token string
	http  *http.Client
}

func newAdminClient(baseURL, token string) (*adminClient, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing gateway URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("gateway URL must be http(s): %s", baseURL)
	}
	return &adminClient{
		base:  u,
		token: token,
		http:  &http.Client{Timeout: 15 * time.Second},
	}, nil
}

// do sends a request to path under /admin and decodes a 2xx body into out.
func (c *adminClient) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	u := c.base.JoinPath("admin", path)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set(auth.AdminTokenHeader, c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("contacting gateway: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return errUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return problemError(resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func problemError(status int, data []byte) error {
	var p problem.Detail
	if err := json.Unmarshal(data, &p); err != nil || p.Title == "" {
		return fmt.Errorf("gateway returned %d: %s", status, strings.TrimSpace(string(data)))
	}
	msg := fmt.Sprintf("%s (%d)", p.Title, status)
	if p.Detail != "" {
		msg += ": " + p.Detail
	}
	for _, ip := range p.InvalidParams {
		msg += fmt.Sprintf("; %s %s", ip.Name, ip.Reason)
	}
	return errors.New(msg)
}
