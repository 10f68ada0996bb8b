// Package engine dispatches parsed JSON-RPC messages to the MCP method
// handlers. The engine is transport-agnostic: transports resolve a session,
// call Dispatch from a per-request goroutine, and deliver the returned
// reply. Server-initiated notifications flow through the session manager.
//
// The dispatch boundary is the single place handler errors become JSON-RPC
// error objects. Tool execution failures never cross it; they are reported
// inside CallToolResult by the runtime.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"

	"github.com/google/uuid"

	"opendiscovery/internal/protocol"
	"opendiscovery/internal/registry"
	"opendiscovery/internal/runtime"
	"opendiscovery/internal/session"
	"opendiscovery/pkg/logging"
)

// ServerName and ServerVersion identify this server during initialize.
const (
	ServerName    = "opendiscovery"
	ServerVersion = "2.0.0"
)

// Engine routes MCP methods to the registry, runtime and session manager.
type Engine struct {
	reg      *registry.Registry
	rt       *runtime.Runtime
	sessions *session.Manager

	changeCh chan registry.ChangeKind
	stopCh   chan struct{}
}

// New creates an engine and subscribes it to registry change events so
// every catalog mutation fans out as a listChanged notification to all
// Ready sessions.
func New(reg *registry.Registry, rt *runtime.Runtime, sessions *session.Manager) *Engine {
	e := &Engine{
		reg:      reg,
		rt:       rt,
		sessions: sessions,
		changeCh: make(chan registry.ChangeKind, 16),
		stopCh:   make(chan struct{}),
	}
	reg.OnChange(func(kind registry.ChangeKind) {
		select {
		case e.changeCh <- kind:
		default:
			// A burst of mutations collapses into the queued events;
			// listChanged is advisory, clients re-list anyway.
		}
	})
	go e.notifyLoop()
	return e
}

// Stop halts the notification pump.
func (e *Engine) Stop() {
	close(e.stopCh)
}

// Sessions exposes the session manager to transports.
func (e *Engine) Sessions() *session.Manager {
	return e.sessions
}

func (e *Engine) notifyLoop() {
	for {
		select {
		case kind := <-e.changeCh:
			method := protocol.NotificationToolsChanged
			switch kind {
			case registry.ResourcesChanged:
				method = protocol.NotificationResourcesChanged
			case registry.PromptsChanged:
				method = protocol.NotificationPromptsChanged
			}
			msg, err := protocol.NewNotification(method, nil)
			if err != nil {
				continue
			}
			e.sessions.Broadcast(msg)
		case <-e.stopCh:
			return
		}
	}
}

// Dispatch handles one inbound message for a session. The returned message
// is the reply to send, or nil when the input was a notification. Dispatch
// blocks for the duration of the call, so transports must invoke it from a
// per-request goroutine; the per-tool deadline and the session's
// cancellation handle bound how long that can be.
func (e *Engine) Dispatch(ctx context.Context, sess *session.Session, msg *protocol.Message) (reply *protocol.Message) {
	defer func() {
		if r := recover(); r != nil {
			correlation := uuid.NewString()
			logging.Error("Engine", fmt.Errorf("%v", r), "Handler panic (correlation=%s):\n%s", correlation, debug.Stack())
			if msg.IsRequest() {
				reply = protocol.NewErrorResponse(msg.ID, protocol.CodeInternalError,
					"internal error (correlation "+correlation+")")
			}
		}
	}()

	if msg.IsNotification() {
		e.handleNotification(sess, msg)
		return nil
	}
	if !msg.IsRequest() {
		// A response addressed to the server; nothing awaits it.
		logging.Debug("Engine", "Dropping unexpected response message")
		return nil
	}

	sess.Touch()

	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	requestKey := msg.ID.String()
	sess.RegisterRequest(requestKey, cancel)
	defer sess.FinishRequest(requestKey)

	switch msg.Method {
	case protocol.MethodInitialize:
		return e.handleInitialize(sess, msg)
	case protocol.MethodPing:
		return e.respond(msg.ID, struct{}{})
	case protocol.MethodToolsList:
		return e.handleToolsList(msg)
	case protocol.MethodToolsCall:
		return e.handleToolsCall(reqCtx, sess, msg)
	case protocol.MethodResourcesList:
		return e.handleResourcesList(msg)
	case protocol.MethodResourcesRead:
		return e.handleResourcesRead(reqCtx, msg)
	case protocol.MethodPromptsList:
		return e.handlePromptsList(msg)
	case protocol.MethodPromptsGet:
		return e.handlePromptsGet(reqCtx, msg)
	case protocol.MethodLogout:
		if err := e.sessions.Delete(sess.ID); err != nil {
			return protocol.NewErrorResponse(msg.ID, protocol.CodeServerError, err.Error())
		}
		return e.respond(msg.ID, struct{}{})
	default:
		return protocol.NewErrorResponse(msg.ID, protocol.CodeMethodNotFound,
			fmt.Sprintf("method %q not found", msg.Method))
	}
}

func (e *Engine) handleNotification(sess *session.Session, msg *protocol.Message) {
	switch msg.Method {
	case protocol.NotificationInitialized:
		sess.MarkReady()
		logging.Debug("Engine", "Session %s ready", logging.TruncateSessionID(sess.ID))
	case protocol.NotificationCancelled:
		var params protocol.CancelledParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			logging.Debug("Engine", "Malformed cancellation notification: %v", err)
			return
		}
		if sess.CancelRequest(params.RequestID.String()) {
			logging.Debug("Engine", "Cancelled request %s (%s)", params.RequestID.String(), params.Reason)
		}
	default:
		// Unknown notifications are ignored per JSON-RPC.
		logging.Debug("Engine", "Ignoring notification %s", msg.Method)
	}
}

func (e *Engine) handleInitialize(sess *session.Session, msg *protocol.Message) *protocol.Message {
	var params protocol.InitializeParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return protocol.NewErrorResponse(msg.ID, protocol.CodeInvalidRequest, "malformed initialize params: "+err.Error())
	}
	if params.ProtocolVersion == "" {
		return protocol.NewErrorResponse(msg.ID, protocol.CodeInvalidRequest, "protocolVersion is required")
	}

	version := protocol.NegotiateProtocolVersion(params.ProtocolVersion)
	sess.SetNegotiated(version, params.ClientInfo)

	result := protocol.InitializeResult{
		ProtocolVersion: version,
		Capabilities: protocol.ServerCapabilities{
			Tools:     &protocol.ListChangedCapability{ListChanged: true},
			Resources: &protocol.ListChangedCapability{ListChanged: true},
			Prompts:   &protocol.ListChangedCapability{ListChanged: true},
		},
		ServerInfo: protocol.ServerInfo{Name: ServerName, Version: ServerVersion},
	}
	logging.Info("Engine", "Initialized session %s for %s %s (protocol %s)",
		logging.TruncateSessionID(sess.ID), params.ClientInfo.Name, params.ClientInfo.Version, version)
	return e.respond(msg.ID, result)
}

func (e *Engine) handleToolsList(msg *protocol.Message) *protocol.Message {
	tools := e.reg.ListTools("")
	out := make([]protocol.Tool, 0, len(tools))
	for _, tool := range tools {
		out = append(out, protocol.Tool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.Validator().WireSchema(),
		})
	}
	return e.respond(msg.ID, protocol.ListToolsResult{Tools: out})
}

func (e *Engine) handleToolsCall(ctx context.Context, sess *session.Session, msg *protocol.Message) *protocol.Message {
	var params protocol.CallToolParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return protocol.NewErrorResponse(msg.ID, protocol.CodeInvalidParams, "malformed tools/call params: "+err.Error())
	}
	if params.Name == "" {
		return protocol.NewErrorResponse(msg.ID, protocol.CodeInvalidParams, "tool name is required")
	}

	result := e.rt.Invoke(ctx, params.Name, params.Arguments)
	return e.respond(msg.ID, result)
}

func (e *Engine) handleResourcesList(msg *protocol.Message) *protocol.Message {
	entries := e.reg.ListResources()
	out := make([]protocol.Resource, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entry.Resource)
	}
	return e.respond(msg.ID, protocol.ListResourcesResult{Resources: out})
}

func (e *Engine) handleResourcesRead(ctx context.Context, msg *protocol.Message) *protocol.Message {
	var params protocol.ReadResourceParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return protocol.NewErrorResponse(msg.ID, protocol.CodeInvalidParams, "malformed resources/read params: "+err.Error())
	}
	entry, ok := e.reg.LookupResource(params.URI)
	if !ok {
		return protocol.NewErrorResponse(msg.ID, protocol.CodeInvalidParams,
			fmt.Sprintf("resource %q not found", params.URI))
	}
	contents, err := entry.Reader(ctx)
	if err != nil {
		return protocol.NewErrorResponse(msg.ID, protocol.CodeServerError,
			fmt.Sprintf("read %s: %v", params.URI, err))
	}
	return e.respond(msg.ID, protocol.ReadResourceResult{Contents: contents})
}

func (e *Engine) handlePromptsList(msg *protocol.Message) *protocol.Message {
	entries := e.reg.ListPrompts()
	out := make([]protocol.Prompt, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entry.Prompt)
	}
	return e.respond(msg.ID, protocol.ListPromptsResult{Prompts: out})
}

func (e *Engine) handlePromptsGet(ctx context.Context, msg *protocol.Message) *protocol.Message {
	var params protocol.GetPromptParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return protocol.NewErrorResponse(msg.ID, protocol.CodeInvalidParams, "malformed prompts/get params: "+err.Error())
	}
	entry, ok := e.reg.LookupPrompt(params.Name)
	if !ok {
		return protocol.NewErrorResponse(msg.ID, protocol.CodeInvalidParams,
			fmt.Sprintf("prompt %q not found", params.Name))
	}

	args, err := entry.Validator().ValidateArguments(params.Arguments)
	if err != nil {
		return protocol.NewErrorResponse(msg.ID, protocol.CodeInvalidParams, err.Error())
	}
	result, err := entry.Handler(ctx, args)
	if err != nil {
		return protocol.NewErrorResponse(msg.ID, protocol.CodeServerError,
			fmt.Sprintf("prompt %s: %v", params.Name, err))
	}
	return e.respond(msg.ID, result)
}

func (e *Engine) respond(id protocol.RequestID, result any) *protocol.Message {
	reply, err := protocol.NewResponse(id, result)
	if err != nil {
		correlation := uuid.NewString()
		logging.Error("Engine", err, "Failed to encode response (correlation=%s)", correlation)
		return protocol.NewErrorResponse(id, protocol.CodeInternalError,
			"internal error (correlation "+correlation+")")
	}
	return reply
}
