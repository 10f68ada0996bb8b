package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantCode int
	}{
		{
			name: "valid request",
			raw:  `{"jsonrpc":"2.0","id":1,"method":"ping"}`,
		},
		{
			name: "valid notification",
			raw:  `{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		},
		{
			name:     "invalid JSON",
			raw:      `{"jsonrpc":`,
			wantCode: CodeParseError,
		},
		{
			name:     "wrong version",
			raw:      `{"jsonrpc":"1.0","id":1,"method":"ping"}`,
			wantCode: CodeInvalidRequest,
		},
		{
			name:     "result and error together",
			raw:      `{"jsonrpc":"2.0","id":1,"result":{},"error":{"code":-32600,"message":"x"}}`,
			wantCode: CodeInvalidRequest,
		},
		{
			name:     "neither request nor response",
			raw:      `{"jsonrpc":"2.0","id":1}`,
			wantCode: CodeInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, perr := Parse([]byte(tt.raw))
			if tt.wantCode != 0 {
				require.NotNil(t, perr)
				assert.Equal(t, tt.wantCode, perr.Code)
				return
			}
			require.Nil(t, perr)
			require.NotNil(t, msg)
		})
	}
}

func TestMessageKinds(t *testing.T) {
	request, perr := Parse([]byte(`{"jsonrpc":"2.0","id":"a1","method":"tools/list"}`))
	require.Nil(t, perr)
	assert.True(t, request.IsRequest())
	assert.False(t, request.IsNotification())

	notification, perr := Parse([]byte(`{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":42}}`))
	require.Nil(t, perr)
	assert.True(t, notification.IsNotification())
	assert.False(t, notification.IsRequest())

	response, perr := Parse([]byte(`{"jsonrpc":"2.0","id":1,"result":{}}`))
	require.Nil(t, perr)
	assert.True(t, response.IsResponse())
}

func TestRequestIDRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"string id", `{"jsonrpc":"2.0","id":"abc-123","method":"ping"}`},
		{"integer id", `{"jsonrpc":"2.0","id":42,"method":"ping"}`},
		{"float id", `{"jsonrpc":"2.0","id":1.5,"method":"ping"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, perr := Parse([]byte(tt.raw))
			require.Nil(t, perr)

			reply, err := NewResponse(msg.ID, map[string]any{})
			require.NoError(t, err)
			out, err := json.Marshal(reply)
			require.NoError(t, err)

			var echoed struct {
				ID json.RawMessage `json:"id"`
			}
			var original struct {
				ID json.RawMessage `json:"id"`
			}
			require.NoError(t, json.Unmarshal(out, &echoed))
			require.NoError(t, json.Unmarshal([]byte(tt.raw), &original))
			assert.JSONEq(t, string(original.ID), string(echoed.ID), "response id must match request id byte-for-byte")
		})
	}
}

func TestNotificationHasNoID(t *testing.T) {
	msg, err := NewNotification(NotificationToolsChanged, nil)
	require.NoError(t, err)
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), `"id"`)
}

func TestResponseNeverCarriesBoth(t *testing.T) {
	errResp := NewErrorResponse(NewRequestID("x"), CodeInternalError, "boom")
	raw, err := json.Marshal(errResp)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"error"`)
	assert.NotContains(t, string(raw), `"result"`)
}

func TestNegotiateProtocolVersion(t *testing.T) {
	assert.Equal(t, "2025-03-26", NegotiateProtocolVersion("2025-03-26"))
	assert.Equal(t, "2024-11-05", NegotiateProtocolVersion("2024-11-05"))
	assert.Equal(t, LatestProtocolVersion, NegotiateProtocolVersion("1999-01-01"))
}
