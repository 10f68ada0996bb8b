package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opendiscovery/internal/engine"
	"opendiscovery/internal/protocol"
	"opendiscovery/internal/registry"
	"opendiscovery/internal/runtime"
	"opendiscovery/internal/schema"
	"opendiscovery/internal/session"
)

type httpFixture struct {
	transport *HTTP
	registry  *registry.Registry
	base      string
	client    *http.Client
}

func newHTTPFixture(t *testing.T, cfg HTTPConfig) *httpFixture {
	t.Helper()
	reg := registry.New()
	rt := runtime.New(reg, runtime.Options{})
	sessions := session.NewManager(time.Minute, nil)
	eng := engine.New(reg, rt, sessions)

	require.NoError(t, reg.RegisterTool(&registry.Tool{
		Name:        "echo",
		Description: "echo text",
		Descriptor: &schema.Descriptor{Properties: map[string]*schema.Property{
			"text": {Type: "string", Required: true},
		}},
		Handler: func(ctx context.Context, args map[string]any) (*protocol.CallToolResult, error) {
			return protocol.TextResult(args["text"].(string)), nil
		},
	}))

	cfg.Host = "127.0.0.1"
	ht := NewHTTP(eng, cfg, func() (int, map[string]string) { return reg.ToolCount(), nil })
	require.NoError(t, ht.Start(context.Background()))
	t.Cleanup(func() {
		ht.Close()
		eng.Stop()
		sessions.Stop()
	})

	return &httpFixture{
		transport: ht,
		registry:  reg,
		base:      "http://" + ht.Addr(),
		client:    &http.Client{},
	}
}

func (f *httpFixture) post(t *testing.T, sessionID string, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, f.base+"/mcp", bytes.NewBufferString(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if sessionID != "" {
		req.Header.Set(SessionIDHeader, sessionID)
	}
	resp, err := f.client.Do(req)
	require.NoError(t, err)
	return resp
}

func (f *httpFixture) initialize(t *testing.T) string {
	t.Helper()
	resp := f.post(t, "", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","clientInfo":{"name":"t","version":"1"}}}`)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sessionID := resp.Header.Get(SessionIDHeader)
	require.NotEmpty(t, sessionID, "initialize must return Mcp-Session-Id")
	return sessionID
}

func decodeMessage(t *testing.T, resp *http.Response) *protocol.Message {
	t.Helper()
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var msg protocol.Message
	require.NoError(t, json.Unmarshal(raw, &msg))
	return &msg
}

func TestInitializeFlow(t *testing.T) {
	f := newHTTPFixture(t, HTTPConfig{})
	sessionID := f.initialize(t)

	resp := f.post(t, sessionID, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	msg := decodeMessage(t, resp)
	require.Nil(t, msg.Error)

	var result protocol.ListToolsResult
	require.NoError(t, json.Unmarshal(msg.Result, &result))
	require.Len(t, result.Tools, 1)
	assert.Equal(t, "echo", result.Tools[0].Name)
	assert.Equal(t, false, result.Tools[0].InputSchema["additionalProperties"])
}

func TestToolsCallOverHTTP(t *testing.T) {
	f := newHTTPFixture(t, HTTPConfig{})
	sessionID := f.initialize(t)

	resp := f.post(t, sessionID, `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"echo","arguments":{"text":"over http"}}}`)
	msg := decodeMessage(t, resp)
	require.Nil(t, msg.Error)

	var result protocol.CallToolResult
	require.NoError(t, json.Unmarshal(msg.Result, &result))
	assert.False(t, result.IsError)
	assert.Equal(t, "over http", result.Content[0].Text)
}

func TestMissingSessionIs404(t *testing.T) {
	f := newHTTPFixture(t, HTTPConfig{})

	tests := []struct {
		name      string
		sessionID string
	}{
		{"no header", ""},
		{"unknown id", "never-created"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.post(t, tt.sessionID, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		})
	}
}

func TestOriginValidation(t *testing.T) {
	f := newHTTPFixture(t, HTTPConfig{AllowedOrigins: []string{"https://allowed.example"}})
	sessionID := f.initialize(t)

	req, err := http.NewRequest(http.MethodPost, f.base+"/mcp", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	require.NoError(t, err)
	req.Header.Set(SessionIDHeader, sessionID)
	req.Header.Set("Origin", "https://evil.example")
	resp, err := f.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	req, err = http.NewRequest(http.MethodPost, f.base+"/mcp", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	require.NoError(t, err)
	req.Header.Set(SessionIDHeader, sessionID)
	req.Header.Set("Origin", "https://allowed.example")
	resp, err = f.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDeleteTerminatesSession(t *testing.T) {
	f := newHTTPFixture(t, HTTPConfig{})
	sessionID := f.initialize(t)

	req, err := http.NewRequest(http.MethodDelete, f.base+"/mcp", nil)
	require.NoError(t, err)
	req.Header.Set(SessionIDHeader, sessionID)
	resp, err := f.client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	// The session is gone: both POST and a second DELETE see 404.
	postResp := f.post(t, sessionID, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	postResp.Body.Close()
	assert.Equal(t, http.StatusNotFound, postResp.StatusCode)

	resp, err = f.client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthEndpoint(t *testing.T) {
	f := newHTTPFixture(t, HTTPConfig{})
	f.initialize(t)

	resp, err := f.client.Get(f.base + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health Health
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, 1, health.Tools)
	assert.Equal(t, 1, health.Sessions)
}

func TestNotificationAccepted(t *testing.T) {
	f := newHTTPFixture(t, HTTPConfig{})
	sessionID := f.initialize(t)

	resp := f.post(t, sessionID, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestMalformedBody(t *testing.T) {
	f := newHTTPFixture(t, HTTPConfig{})
	resp := f.post(t, "", `{"jsonrpc":`)
	msg := decodeMessage(t, resp)
	require.NotNil(t, msg.Error)
	assert.Equal(t, protocol.CodeParseError, msg.Error.Code)
}

// sseEvent is one parsed server-sent event.
type sseEvent struct {
	id   string
	data string
}

// readSSE consumes events from an open SSE stream until count events have
// arrived or the timeout fires.
func readSSE(t *testing.T, body io.Reader, count int, timeout time.Duration) []sseEvent {
	t.Helper()
	events := make(chan sseEvent, count)
	go func() {
		scanner := bufio.NewScanner(body)
		var current sseEvent
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "id: "):
				current.id = strings.TrimPrefix(line, "id: ")
			case strings.HasPrefix(line, "data: "):
				current.data = strings.TrimPrefix(line, "data: ")
			case line == "" && current.data != "":
				events <- current
				current = sseEvent{}
			}
		}
	}()

	var out []sseEvent
	deadline := time.After(timeout)
	for len(out) < count {
		select {
		case e := <-events:
			out = append(out, e)
		case <-deadline:
			t.Fatalf("got %d of %d SSE events before timeout", len(out), count)
		}
	}
	return out
}

func (f *httpFixture) openStream(t *testing.T, sessionID, lastEventID string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, f.base+"/mcp", nil)
	require.NoError(t, err)
	req.Header.Set(SessionIDHeader, sessionID)
	req.Header.Set("Accept", "text/event-stream")
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	resp, err := f.client.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return resp
}

func TestSSEDeliveryAndResume(t *testing.T) {
	f := newHTTPFixture(t, HTTPConfig{})
	sessionID := f.initialize(t)
	f.post(t, sessionID, `{"jsonrpc":"2.0","method":"notifications/initialized"}`).Body.Close()

	stream := f.openStream(t, sessionID, "")

	// A registry mutation produces a listChanged notification on the stream.
	addTool(t, f.registry, "extra_one")
	first := readSSE(t, stream.Body, 1, 5*time.Second)
	assert.Equal(t, "1", first[0].id)
	assert.Contains(t, first[0].data, "list_changed")
	stream.Body.Close()

	// Events emitted while disconnected are retained for replay.
	addTool(t, f.registry, "extra_two")
	addTool(t, f.registry, "extra_three")
	time.Sleep(100 * time.Millisecond)

	resumed := f.openStream(t, sessionID, first[0].id)
	defer resumed.Body.Close()
	replay := readSSE(t, resumed.Body, 2, 5*time.Second)
	assert.Equal(t, "2", replay[0].id, "replay starts after Last-Event-ID")
	assert.Equal(t, "3", replay[1].id)
}

func TestSSEOnDeletedSessionIs404(t *testing.T) {
	f := newHTTPFixture(t, HTTPConfig{})
	sessionID := f.initialize(t)

	req, err := http.NewRequest(http.MethodDelete, f.base+"/mcp", nil)
	require.NoError(t, err)
	req.Header.Set(SessionIDHeader, sessionID)
	resp, err := f.client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	streamReq, err := http.NewRequest(http.MethodGet, f.base+"/mcp", nil)
	require.NoError(t, err)
	streamReq.Header.Set(SessionIDHeader, sessionID)
	streamResp, err := f.client.Do(streamReq)
	require.NoError(t, err)
	defer streamResp.Body.Close()
	assert.Equal(t, http.StatusNotFound, streamResp.StatusCode)
}

func addTool(t *testing.T, reg *registry.Registry, name string) {
	t.Helper()
	require.NoError(t, reg.RegisterTool(&registry.Tool{
		Name:       name,
		Descriptor: &schema.Descriptor{},
		Handler: func(ctx context.Context, args map[string]any) (*protocol.CallToolResult, error) {
			return protocol.TextResult(fmt.Sprintf("%s ok", name)), nil
		},
	}))
}
