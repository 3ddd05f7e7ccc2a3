package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Control is what the tools act on. AdminClient implements it against the server's admin routes.
type Control interface {
	State(ctx context.Context) (json.RawMessage, error)
	RecentEvents(ctx context.Context, name string, limit int) (json.RawMessage, error)
	SetTargetRate(ctx context.Context, rate int) (json.RawMessage, error)
	Pause(ctx context.Context) (json.RawMessage, error)
	Resume(ctx context.Context) (json.RawMessage, error)
}

type AdminClient struct {
	base string
	http *http.Client
}

func NewAdminClient(baseURL string, hc *http.Client) (*AdminClient, error) {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid admin url %q", baseURL)
	}
	if hc == nil {
		hc = &http.Client{Timeout: 5 * time.Second}
	}
	return &AdminClient{base: base, http: hc}, nil
}

func (c *AdminClient) State(ctx context.Context) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, "/admin/v1/state", nil)
}

func (c *AdminClient) RecentEvents(ctx context.Context, name string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if name != "" {
		q.Set("name", name)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	p := "/admin/v1/events"
	if len(q) > 0 {
		p += "?" + q.Encode()
	}
	return c.do(ctx, http.MethodGet, p, nil)
}

func (c *AdminClient) SetTargetRate(ctx context.Context, rate int) (json.RawMessage, error) {
	body, _ := json.Marshal(map[string]int{"target_rate": rate})
	return c.do(ctx, http.MethodPost, "/admin/v1/target_rate", body)
}

func (c *AdminClient) Pause(ctx context.Context) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, "/admin/v1/pause", nil)
}

func (c *AdminClient) Resume(ctx context.Context) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, "/admin/v1/resume", nil)
}

func (c *AdminClient) do(ctx context.Context, method, path string, body []byte) (json.RawMessage, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("admin %s %s: status=%d body=%s", method, path, resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if !json.Valid(b) {
		return nil, fmt.Errorf("admin %s %s: non-json response", method, path)
	}
	return json.RawMessage(b), nil
}
