package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/mcpchat/pkg/provision"
)

// fakeMCPServer answers initialize, tools/list and tools/call over JSON-RPC.
func fakeMCPServer(t *testing.T, sse bool) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req jsonRPCRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		var result interface{}
		switch req.Method {
		case "initialize":
			result = map[string]interface{}{"protocolVersion": mcpProtocolVersion}
		case "tools/list":
			result = map[string]interface{}{
				"tools": []interface{}{
					map[string]interface{}{
						"name":        "get_weather",
						"description": "Fetch the weather",
						"inputSchema": map[string]interface{}{"type": "object"},
					},
				},
			}
		case "tools/call":
			params := req.Params.(map[string]interface{})
			args := params["arguments"].(map[string]interface{})
			if args["city"] == "Atlantis" {
				result = map[string]interface{}{
					"isError": true,
					"content": []interface{}{
						map[string]interface{}{"type": "text", "text": "unknown city"},
					},
				}
			} else {
				result = map[string]interface{}{
					"content": []interface{}{
						map[string]interface{}{"type": "text", "text": "sunny"},
						map[string]interface{}{"type": "text", "text": "21C"},
					},
				}
			}
		default:
			t.Fatalf("unexpected method %q", req.Method)
		}

		payload, err := json.Marshal(jsonRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: result})
		require.NoError(t, err)

		if sse {
			w.Header().Set("Content-Type", "text/event-stream")
			_, _ = fmt.Fprintf(w, "data: %s\n\n", payload)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(payload)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestConnectRemote(t *testing.T) {
	for _, sse := range []bool{false, true} {
		name := "json"
		if sse {
			name = "sse"
		}
		t.Run(name, func(t *testing.T) {
			server := fakeMCPServer(t, sse)

			ts, err := Connect(context.Background(), provision.ConnectionDescriptor{
				Name:      "weather",
				Transport: provision.TransportRemote,
				URL:       server.URL,
			})
			require.NoError(t, err)
			defer ts.Close()

			assert.Equal(t, "weather", ts.GetName())
			require.Len(t, ts.GetTools(), 1)

			tool := ts.GetTools()[0]
			assert.Equal(t, "get_weather", tool.GetName())
			assert.Equal(t, "Fetch the weather", tool.GetDescription())
			assert.Equal(t, "object", tool.GetParameters()["type"])

			out, err := tool.Call(context.Background(), map[string]interface{}{"city": "Paris"})
			require.NoError(t, err)
			assert.Equal(t, "sunny\n21C", out)
		})
	}
}

func TestRemoteToolCallError(t *testing.T) {
	server := fakeMCPServer(t, false)

	ts, err := Connect(context.Background(), provision.ConnectionDescriptor{
		Name:      "weather",
		Transport: provision.TransportRemote,
		URL:       server.URL,
	})
	require.NoError(t, err)
	defer ts.Close()

	_, err = ts.GetTools()[0].Call(context.Background(), map[string]interface{}{"city": "Atlantis"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown city")
}

func TestConnectRemoteServerDown(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer server.Close()

	_, err := Connect(context.Background(), provision.ConnectionDescriptor{
		Name:      "weather",
		Transport: provision.TransportRemote,
		URL:       server.URL,
	})
	require.Error(t, err)
}

func TestConnectUnsupportedTransport(t *testing.T) {
	_, err := Connect(context.Background(), provision.ConnectionDescriptor{
		Name:      "weather",
		Transport: provision.Transport("carrier-pigeon"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported transport")
}

func TestToolsetCloseIdempotent(t *testing.T) {
	server := fakeMCPServer(t, false)

	ts, err := Connect(context.Background(), provision.ConnectionDescriptor{
		Name:      "weather",
		Transport: provision.TransportRemote,
		URL:       server.URL,
	})
	require.NoError(t, err)

	assert.NoError(t, ts.Close())
	assert.NoError(t, ts.Close())
}

func TestReadSSEResponse(t *testing.T) {
	body := strings.NewReader(": keepalive\n\ndata: {\"jsonrpc\":\"2.0\",\"id\":1,\"result\":{\"ok\":true}}\n\n")

	resp, err := readSSEResponse(body)
	require.NoError(t, err)
	assert.Equal(t, int64(1), resp.ID)
	result := resp.Result.(map[string]interface{})
	assert.Equal(t, true, result["ok"])
}

func TestReadSSEResponseIncomplete(t *testing.T) {
	_, err := readSSEResponse(strings.NewReader(": nothing here\n"))
	require.Error(t, err)
}
