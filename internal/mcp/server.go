// Package mcp exposes the simulation's control surface as MCP tools over JSON-RPC.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// Tool names.
const (
	ToolGetState      = "simcal.get_state"
	ToolRecentEvents  = "simcal.recent_events"
	ToolSetTargetRate = "simcal.set_target_rate"
	ToolPause         = "simcal.pause"
	ToolResume        = "simcal.resume"
)

const mcpProtocolVersion = "2024-11-05"

type Config struct {
	Control    Control
	HMACSecret string
	// AllowLegacyHMAC accepts signatures without x-nonce.
	AllowLegacyHMAC bool
	Logger          *log.Logger
}

type Server struct {
	control     Control
	hmacSecret  []byte
	allowLegacy bool
	replay      *replayGuard
	log         *log.Logger
	now         func() time.Time
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Control == nil {
		return nil, fmt.Errorf("nil control")
	}
	s := &Server{
		control:     cfg.Control,
		allowLegacy: cfg.AllowLegacyHMAC,
		log:         cfg.Logger,
		now:         time.Now,
	}
	if strings.TrimSpace(cfg.HMACSecret) != "" {
		s.hmacSecret = []byte(cfg.HMACSecret)
		s.replay = newReplayGuard(0)
	}
	return s, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/mcp", s.handleMCP)
	return mux
}

func (s *Server) handleMCP(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(rw, "bad body", http.StatusBadRequest)
		return
	}
	_ = r.Body.Close()

	clientID := strings.TrimSpace(r.Header.Get(headerClientID))
	if len(s.hmacSecret) > 0 {
		vr := verifyHMAC(r, body, s.hmacSecret, s.allowLegacy, s.now())
		if vr.HTTPStatus != 0 {
			http.Error(rw, vr.Message, vr.HTTPStatus)
			return
		}
		if !s.replay.allow(vr.ClientID, vr.Signature, s.now()) {
			http.Error(rw, "replayed request", http.StatusUnauthorized)
			return
		}
		clientID = vr.ClientID
	} else if !isLoopbackRemote(r.RemoteAddr) {
		http.Error(rw, "forbidden: non-loopback client", http.StatusForbidden)
		return
	}
	if clientID == "" {
		clientID = "anonymous"
	}

	var resp rpcResponse
	req, err := parseRPCRequest(body)
	if err != nil {
		resp = rpcErr(nil, codeParseError, "bad jsonrpc request", err.Error())
	} else {
		resp = s.dispatch(r.Context(), clientID, req)
	}
	rw.Header().Set("content-type", "application/json")
	_ = json.NewEncoder(rw).Encode(resp)
}

func (s *Server) dispatch(ctx context.Context, clientID string, req rpcRequest) rpcResponse {
	switch req.Method {
	case "initialize":
		return rpcOK(req.ID, map[string]any{
			"protocolVersion": mcpProtocolVersion,
			"serverInfo":      map[string]any{"name": "simcal-mcp"},
			"capabilities": map[string]any{
				"tools": map[string]any{"listChanged": false},
			},
		})

	case "tools/list", "list_tools":
		return rpcOK(req.ID, map[string]any{"tools": toolsList()})

	case "tools/call", "call_tool":
		var p struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if len(req.Params) == 0 {
			return rpcErr(req.ID, codeInvalidParams, "missing params", nil)
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return rpcErr(req.ID, codeInvalidParams, "bad params", err.Error())
		}
		if p.Name == "" {
			return rpcErr(req.ID, codeInvalidParams, "missing tool name", nil)
		}
		if !isKnownTool(p.Name) {
			return rpcErr(req.ID, codeMethodNotFound, "tool not found", map[string]any{"name": p.Name})
		}
		out, err := s.callTool(ctx, p.Name, p.Arguments)
		if err != nil {
			if s.log != nil {
				s.log.Printf("tool %s client=%s: %v", p.Name, clientID, err)
			}
			return rpcErr(req.ID, codeToolFailed, err.Error(), nil)
		}
		if s.log != nil && p.Name != ToolGetState && p.Name != ToolRecentEvents {
			s.log.Printf("tool %s client=%s ok", p.Name, clientID)
		}
		return rpcOK(req.ID, toolResult(out))

	default:
		return rpcErr(req.ID, codeMethodNotFound, "method not found", nil)
	}
}

// toolResult wraps the admin response as MCP text content.
func toolResult(raw json.RawMessage) map[string]any {
	return map[string]any{
		"content": []map[string]any{{"type": "text", "text": string(raw)}},
		"data":    raw,
	}
}

func emptyObjectSchema() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}, "additionalProperties": false}
}

func toolsList() []map[string]any {
	return []map[string]any{
		{
			"name":        ToolGetState,
			"description": "Current calendar state, step counters and rates.",
			"inputSchema": emptyObjectSchema(),
		},
		{
			"name":        ToolRecentEvents,
			"description": "Most recent indexed notifications, newest first.",
			"inputSchema": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name":  map[string]any{"type": "string", "enum": []string{"announcer", "tick_debug", "state_debug"}},
					"limit": map[string]any{"type": "integer", "minimum": 1, "maximum": 1000},
				},
				"additionalProperties": false,
			},
		},
		{
			"name":        ToolSetTargetRate,
			"description": "Change the number of calendar steps per second. 0 falls back to the default rate.",
			"inputSchema": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"target_rate": map[string]any{"type": "integer", "minimum": 0},
				},
				"required":             []string{"target_rate"},
				"additionalProperties": false,
			},
		},
		{
			"name":        ToolPause,
			"description": "Stop stepping. Wall time spent paused is not replayed.",
			"inputSchema": emptyObjectSchema(),
		},
		{
			"name":        ToolResume,
			"description": "Resume stepping after a pause.",
			"inputSchema": emptyObjectSchema(),
		},
	}
}

func (s *Server) callTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	switch name {
	case ToolGetState:
		return s.control.State(ctx)

	case ToolRecentEvents:
		var p struct {
			Name  string `json:"name"`
			Limit int    `json:"limit"`
		}
		if len(args) > 0 {
			if err := json.Unmarshal(args, &p); err != nil {
				return nil, fmt.Errorf("bad arguments: %w", err)
			}
		}
		if p.Limit < 0 {
			return nil, fmt.Errorf("limit must be >= 0")
		}
		return s.control.RecentEvents(ctx, strings.TrimSpace(p.Name), p.Limit)

	case ToolSetTargetRate:
		var p struct {
			TargetRate *int `json:"target_rate"`
		}
		if err := json.Unmarshal(args, &p); err != nil {
			return nil, fmt.Errorf("bad arguments: %w", err)
		}
		if p.TargetRate == nil {
			return nil, fmt.Errorf("missing target_rate")
		}
		if *p.TargetRate < 0 {
			return nil, fmt.Errorf("target_rate must be >= 0")
		}
		return s.control.SetTargetRate(ctx, *p.TargetRate)

	case ToolPause:
		return s.control.Pause(ctx)

	case ToolResume:
		return s.control.Resume(ctx)

	default:
		return nil, fmt.Errorf("unknown tool: %s", name)
	}
}

func isKnownTool(name string) bool {
	switch name {
	case ToolGetState, ToolRecentEvents, ToolSetTargetRate, ToolPause, ToolResume:
		return true
	default:
		return false
	}
}
