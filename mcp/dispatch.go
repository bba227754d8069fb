package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/zhubert/agent-browser/authz"
	"github.com/zhubert/agent-browser/logger"
)

const (
	ProtocolVersion = "2024-11-05"
	ServerName      = "agent-browser"
	ServerVersion   = "0.1.0"
)

// Broker forwards a command to the external agent and returns its result.
type Broker interface {
	Call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error)
}

// Guard answers the session tools.
type Guard interface {
	Authorize(hours float64) (time.Duration, error)
	Status() authz.Status
}

// methodHandler answers one built-in JSON-RPC method.
type methodHandler func(d *Dispatcher, ctx context.Context, req *Request) *Response

// methodRoutes is the closed set of built-in methods. Anything else is
// forwarded to the external agent unchanged.
var methodRoutes = map[string]methodHandler{
	"ping":       (*Dispatcher).handlePing,
	"initialize": (*Dispatcher).handleInitialize,
	"tools/list": (*Dispatcher).handleToolsList,
	"tools/call": (*Dispatcher).handleToolsCall,
}

// toolKind tags how a tools/call name is resolved.
type toolKind int

const (
	// toolSensitive is answered by the Guard and never leaves the gateway.
	toolSensitive toolKind = iota
	// toolTranslate is forwarded to the external agent under an internal name.
	toolTranslate
)

// toolRoute is one entry in the tools/call table.
type toolRoute struct {
	kind   toolKind
	target string // internal method, or the canonical session tool name
	// renameValue moves argument "value" to "text" before forwarding.
	renameValue bool
}

var toolRoutes = map[string]toolRoute{
	ToolSessionAuthorize:       {kind: toolSensitive, target: ToolSessionAuthorize},
	ToolSessionStatus:          {kind: toolSensitive, target: ToolSessionStatus},
	legacyToolSessionAuthorize: {kind: toolSensitive, target: ToolSessionAuthorize},
	legacyToolSessionStatus:    {kind: toolSensitive, target: ToolSessionStatus},

	"playwright_navigate":      {kind: toolTranslate, target: "navigate"},
	"playwright_click":         {kind: toolTranslate, target: "click"},
	"playwright_fill":          {kind: toolTranslate, target: "type", renameValue: true},
	"playwright_screenshot":    {kind: toolTranslate, target: "screenshot"},
	"playwright_detect_modal":  {kind: toolTranslate, target: "detect_modal"},
	"playwright_dismiss_modal": {kind: toolTranslate, target: "dismiss_modal"},
	"passkey_enable":           {kind: toolTranslate, target: "passkey_enable"},
	"passkey_status":           {kind: toolTranslate, target: "passkey_status"},
	"passkey_list":             {kind: toolTranslate, target: "passkey_list"},
	"passkey_clear":            {kind: toolTranslate, target: "passkey_clear"},
}

// Dispatcher turns a parsed request into exactly one response.
type Dispatcher struct {
	broker Broker
	guard  Guard
	log    *slog.Logger
}

// NewDispatcher creates a dispatcher over the given broker and guard.
func NewDispatcher(b Broker, g Guard) *Dispatcher {
	return &Dispatcher{
		broker: b,
		guard:  g,
		log:    logger.WithComponent("dispatch"),
	}
}

// Dispatch answers req. It blocks while a forwarded call is in flight.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) *Response {
	d.log.Info("request", "method", req.Method)

	if handle, ok := methodRoutes[req.Method]; ok {
		return handle(d, ctx, req)
	}
	return d.forward(ctx, req)
}

func (d *Dispatcher) handlePing(_ context.Context, req *Request) *Response {
	return NewResult(req.ID, map[string]bool{"ok": true})
}

func (d *Dispatcher) handleInitialize(_ context.Context, req *Request) *Response {
	return NewResult(req.ID, InitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    Capability{Tools: &ToolCapability{}},
		ServerInfo:      ServerInfo{Name: ServerName, Version: ServerVersion},
	})
}

func (d *Dispatcher) handleToolsList(_ context.Context, req *Request) *Response {
	return NewResult(req.ID, ToolsListResult{Tools: Catalog()})
}

func (d *Dispatcher) handleToolsCall(ctx context.Context, req *Request) *Response {
	name, args, ok := parseToolCall(req.Params)
	if !ok {
		return NewError(req.ID, CodeInvalidParams, "Missing tool name")
	}

	route, known := toolRoutes[name]
	if !known {
		d.log.Warn("unknown tool", "tool", name)
		return NewError(req.ID, CodeMethodNotFound, "Unknown tool: "+name)
	}

	switch route.kind {
	case toolSensitive:
		return d.handleSessionTool(route.target, req.ID, args)
	case toolTranslate:
		if route.renameValue {
			args = renameValueToText(args)
		}
		result, err := d.broker.Call(ctx, route.target, args)
		if err != nil {
			d.log.Warn("tool call failed", "tool", name, "method", route.target, "error", err)
			return NewError(req.ID, CodeToolError, err.Error())
		}
		return NewResult(req.ID, TextResult(result))
	default:
		return NewError(req.ID, CodeMethodNotFound, "Unknown tool: "+name)
	}
}

func (d *Dispatcher) handleSessionTool(tool string, id, args json.RawMessage) *Response {
	switch tool {
	case ToolSessionAuthorize:
		hours := durationHours(args)
		if _, err := d.guard.Authorize(hours); err != nil {
			return NewError(id, CodeToolError, err.Error())
		}
		return NewResult(id, SessionAuthorizeResult{
			Authorized:    true,
			DurationHours: hours,
			Message:       fmt.Sprintf("Authorized for %s hours", strconv.FormatFloat(hours, 'f', -1, 64)),
		})
	case ToolSessionStatus:
		return NewResult(id, d.guard.Status())
	default:
		return NewError(id, CodeMethodNotFound, "Unknown tool: "+tool)
	}
}

// forward sends an unrecognized method to the external agent verbatim.
func (d *Dispatcher) forward(ctx context.Context, req *Request) *Response {
	result, err := d.broker.Call(ctx, req.Method, req.Params)
	if err != nil {
		d.log.Warn("forward failed", "method", req.Method, "error", err)
		return NewError(req.ID, CodeToolError, err.Error())
	}
	return NewResult(req.ID, result)
}

// parseToolCall extracts the tool name and arguments from tools/call params.
// ok is false when name is absent or not a string. Missing or null
// arguments become an empty object.
func parseToolCall(params json.RawMessage) (name string, args json.RawMessage, ok bool) {
	var p struct {
		Name      json.RawMessage `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return "", nil, false
	}
	if err := json.Unmarshal(p.Name, &name); err != nil || isNull(p.Name) {
		return "", nil, false
	}

	args = p.Arguments
	if isNull(args) {
		args = json.RawMessage(`{}`)
	}
	return name, args, true
}

// renameValueToText moves "value" to "text". Non-object arguments become an
// empty object.
func renameValueToText(args json.RawMessage) json.RawMessage {
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(args, &fields); err != nil || fields == nil {
		fields = map[string]json.RawMessage{}
	}
	if v, ok := fields["value"]; ok {
		delete(fields, "value")
		fields["text"] = v
	}

	out, err := json.Marshal(fields)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return out
}

// durationHours reads duration_hours from session-authorize arguments,
// defaulting when it is missing or not a number.
func durationHours(args json.RawMessage) float64 {
	var a struct {
		DurationHours json.RawMessage `json:"duration_hours"`
	}
	if err := json.Unmarshal(args, &a); err != nil || isNull(a.DurationHours) {
		return authz.DefaultDurationHours
	}
	var hours float64
	if err := json.Unmarshal(a.DurationHours, &hours); err != nil {
		return authz.DefaultDurationHours
	}
	return hours
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
