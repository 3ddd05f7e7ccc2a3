package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"
)

type stubControl struct {
	mu     sync.Mutex
	rate   *int
	paused bool
	fail   error
}

func (c *stubControl) State(context.Context) (json.RawMessage, error) {
	return json.RawMessage(`{"instance":"inst-1"}`), c.fail
}

func (c *stubControl) RecentEvents(_ context.Context, name string, limit int) (json.RawMessage, error) {
	b, _ := json.Marshal(map[string]any{"name": name, "limit": limit})
	return b, c.fail
}

func (c *stubControl) SetTargetRate(_ context.Context, rate int) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rate = &rate
	return json.RawMessage(`{"ok":true}`), c.fail
}

func (c *stubControl) Pause(context.Context) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
	return json.RawMessage(`{"ok":true}`), c.fail
}

func (c *stubControl) Resume(context.Context) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = false
	return json.RawMessage(`{"ok":true}`), c.fail
}

func rpcPost(t *testing.T, base string, payload any, headers map[string]string) (int, rpcResponse) {
	t.Helper()
	b, _ := json.Marshal(payload)
	req, _ := http.NewRequest("POST", base+"/mcp", bytes.NewReader(b))
	req.Header.Set("content-type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer res.Body.Close()
	var out rpcResponse
	if res.StatusCode == http.StatusOK {
		if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	return res.StatusCode, out
}

func call(name string, args any) map[string]any {
	return map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params":  map[string]any{"name": name, "arguments": args},
	}
}

func newTestServer(t *testing.T, cfg Config) *httptest.Server {
	t.Helper()
	s, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func TestMCP_InitializeAndListTools(t *testing.T) {
	ts := newTestServer(t, Config{Control: &stubControl{}})

	_, initResp := rpcPost(t, ts.URL, map[string]any{"jsonrpc": "2.0", "id": 1, "method": "initialize"}, nil)
	if initResp.Error != nil {
		t.Fatalf("initialize error: %+v", initResp.Error)
	}
	rm, _ := initResp.Result.(map[string]any)
	if rm["protocolVersion"] != mcpProtocolVersion {
		t.Fatalf("protocolVersion: %v", rm["protocolVersion"])
	}

	for _, method := range []string{"tools/list", "list_tools"} {
		_, lt := rpcPost(t, ts.URL, map[string]any{"jsonrpc": "2.0", "id": 2, "method": method}, nil)
		rm2, ok := lt.Result.(map[string]any)
		if !ok {
			t.Fatalf("%s: unexpected result type %T", method, lt.Result)
		}
		tools, _ := rm2["tools"].([]any)
		if len(tools) != 5 {
			t.Fatalf("%s: expected 5 tools, got %d", method, len(tools))
		}
	}
}

func TestMCP_CallTools(t *testing.T) {
	ctl := &stubControl{}
	ts := newTestServer(t, Config{Control: ctl})

	if _, r := rpcPost(t, ts.URL, call(ToolSetTargetRate, map[string]any{"target_rate": 40}), nil); r.Error != nil {
		t.Fatalf("set_target_rate: %+v", r.Error)
	}
	if ctl.rate == nil || *ctl.rate != 40 {
		t.Fatalf("rate not forwarded: %v", ctl.rate)
	}
	if _, r := rpcPost(t, ts.URL, call(ToolPause, map[string]any{}), nil); r.Error != nil || !ctl.paused {
		t.Fatalf("pause: %+v paused=%v", r.Error, ctl.paused)
	}
	if _, r := rpcPost(t, ts.URL, call(ToolResume, nil), nil); r.Error != nil || ctl.paused {
		t.Fatalf("resume: %+v paused=%v", r.Error, ctl.paused)
	}

	_, r := rpcPost(t, ts.URL, call(ToolRecentEvents, map[string]any{"name": "announcer", "limit": 3}), nil)
	res, _ := r.Result.(map[string]any)
	content, _ := res["content"].([]any)
	if len(content) != 1 {
		t.Fatalf("recent_events result: %+v", r.Result)
	}
	text, _ := content[0].(map[string]any)["text"].(string)
	if text != `{"limit":3,"name":"announcer"}` {
		t.Fatalf("recent_events text: %q", text)
	}
}

func TestMCP_CallToolErrors(t *testing.T) {
	ctl := &stubControl{}
	ts := newTestServer(t, Config{Control: ctl})

	cases := []struct {
		payload any
		code    int
	}{
		{call("nope", map[string]any{}), codeMethodNotFound},
		{call(ToolSetTargetRate, map[string]any{}), codeToolFailed},
		{call(ToolSetTargetRate, map[string]any{"target_rate": -1}), codeToolFailed},
		{map[string]any{"jsonrpc": "2.0", "id": 1, "method": "tools/call"}, codeInvalidParams},
		{map[string]any{"jsonrpc": "2.0", "id": 1, "method": "shutdown"}, codeMethodNotFound},
		{map[string]any{"jsonrpc": "1.0", "id": 1, "method": "initialize"}, codeParseError},
	}
	for i, tc := range cases {
		_, r := rpcPost(t, ts.URL, tc.payload, nil)
		if r.Error == nil || r.Error.Code != tc.code {
			t.Fatalf("case %d: expected code %d, got %+v", i, tc.code, r.Error)
		}
	}
	if ctl.rate != nil {
		t.Fatalf("invalid requests must not reach control")
	}

	ctl.fail = errors.New("status=503")
	if _, r := rpcPost(t, ts.URL, call(ToolGetState, nil), nil); r.Error == nil || r.Error.Message != "status=503" {
		t.Fatalf("control failure: %+v", r.Error)
	}
}

func TestMCP_HMACRequiredWhenConfigured(t *testing.T) {
	secret := "topsecret"
	ts := newTestServer(t, Config{Control: &stubControl{}, HMACSecret: secret})

	payload := map[string]any{"jsonrpc": "2.0", "id": 1, "method": "initialize"}
	if code, _ := rpcPost(t, ts.URL, payload, nil); code != http.StatusUnauthorized {
		t.Fatalf("unsigned request: got %d want 401", code)
	}

	body, _ := json.Marshal(payload)
	tsMS := strconv.FormatInt(time.Now().UnixMilli(), 10)
	headers := map[string]string{
		headerClientID:  "ops",
		headerTS:        tsMS,
		headerNonce:     "n-1",
		headerSignature: signHMAC([]byte(secret), canonicalStringV2(tsMS, "POST", "/mcp", "ops", "n-1", body)),
	}
	code, r := rpcPost(t, ts.URL, payload, headers)
	if code != http.StatusOK || r.Error != nil {
		t.Fatalf("signed request: code=%d err=%+v", code, r.Error)
	}
	if code, _ := rpcPost(t, ts.URL, payload, headers); code != http.StatusUnauthorized {
		t.Fatalf("replayed request: got %d want 401", code)
	}
}

func TestNewServer_RequiresControl(t *testing.T) {
	if _, err := NewServer(Config{}); err == nil {
		t.Fatalf("expected error for nil control")
	}
}
