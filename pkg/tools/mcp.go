package tools

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kadirpekel/mcpchat/pkg/httpclient"
	"github.com/kadirpekel/mcpchat/pkg/logger"
	"github.com/kadirpekel/mcpchat/pkg/provision"
)

const mcpProtocolVersion = "2024-11-05"

// ----------------------------------------------------------------------------
// stdio transport
// ----------------------------------------------------------------------------

// stdioToolset owns a subprocess MCP server spoken to over standard streams.
type stdioToolset struct {
	name      string
	client    *client.Client
	tools     []Tool
	closeOnce sync.Once
	closeErr  error
}

func connectStdio(ctx context.Context, descriptor provision.ConnectionDescriptor) (Toolset, error) {
	mcpClient, err := client.NewStdioMCPClient(
		descriptor.Command,
		envList(descriptor.Env),
		descriptor.Args...,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create MCP client for %q: %w", descriptor.Name, err)
	}

	if err := mcpClient.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start MCP client for %q: %w", descriptor.Name, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "mcpchat",
		Version: "1.0.0",
	}
	initReq.Params.ProtocolVersion = mcpProtocolVersion

	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		_ = mcpClient.Close()
		return nil, fmt.Errorf("failed to initialize MCP server %q: %w", descriptor.Name, err)
	}

	listResp, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		_ = mcpClient.Close()
		return nil, fmt.Errorf("failed to list tools for %q: %w", descriptor.Name, err)
	}

	ts := &stdioToolset{
		name:   descriptor.Name,
		client: mcpClient,
	}
	for _, mcpTool := range listResp.Tools {
		ts.tools = append(ts.tools, &stdioTool{
			toolset:     ts,
			name:        mcpTool.Name,
			description: mcpTool.Description,
			schema:      convertSchema(mcpTool.InputSchema),
		})
	}

	logger.GetLogger().Info("Connected to MCP server",
		"toolset", descriptor.Name,
		"transport", "stdio",
		"tools", len(ts.tools))

	return ts, nil
}

func (t *stdioToolset) GetName() string {
	return t.name
}

func (t *stdioToolset) GetTools() []Tool {
	return t.tools
}

func (t *stdioToolset) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.client.Close()
	})
	return t.closeErr
}

type stdioTool struct {
	toolset     *stdioToolset
	name        string
	description string
	schema      map[string]interface{}
}

func (t *stdioTool) GetName() string {
	return t.name
}

func (t *stdioTool) GetDescription() string {
	return t.description
}

func (t *stdioTool) GetParameters() map[string]interface{} {
	return t.schema
}

func (t *stdioTool) Call(ctx context.Context, args map[string]interface{}) (string, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = t.name
	req.Params.Arguments = args

	resp, err := t.toolset.client.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("MCP call to %q failed: %w", t.name, err)
	}

	return parseCallResult(resp)
}

// parseCallResult flattens an MCP tool result into text, mapping isError
// results to Go errors.
func parseCallResult(resp *mcp.CallToolResult) (string, error) {
	var texts []string
	for _, content := range resp.Content {
		if textContent, ok := content.(mcp.TextContent); ok {
			texts = append(texts, textContent.Text)
		}
	}
	joined := strings.Join(texts, "\n")

	if resp.IsError {
		if joined == "" {
			joined = "unknown error"
		}
		return "", fmt.Errorf("tool error: %s", joined)
	}
	return joined, nil
}

// ----------------------------------------------------------------------------
// remote transport
// ----------------------------------------------------------------------------

// remoteToolset speaks JSON-RPC 2.0 to a remote MCP endpoint. Servers may
// answer either with plain JSON or with an SSE frame wrapping the response.
type remoteToolset struct {
	name       string
	url        string
	httpClient *httpclient.Client
	sessionID  atomic.Value
	nextID     atomic.Int64
	tools      []Tool
	closeOnce  sync.Once
}

func connectRemote(ctx context.Context, descriptor provision.ConnectionDescriptor) (Toolset, error) {
	ts := &remoteToolset{
		name: descriptor.Name,
		url:  descriptor.URL,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
			httpclient.WithMaxRetries(3),
			httpclient.WithBaseDelay(2*time.Second),
		),
	}

	initResp, err := ts.call(ctx, "initialize", map[string]interface{}{
		"protocolVersion": mcpProtocolVersion,
		"clientInfo": map[string]interface{}{
			"name":    "mcpchat",
			"version": "1.0.0",
		},
		"capabilities": map[string]interface{}{},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize MCP server %q: %w", descriptor.Name, err)
	}
	if initResp.Error != nil {
		return nil, fmt.Errorf("MCP init error for %q: %s", descriptor.Name, initResp.Error.Message)
	}

	listResp, err := ts.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list tools for %q: %w", descriptor.Name, err)
	}
	if listResp.Error != nil {
		return nil, fmt.Errorf("MCP list error for %q: %s", descriptor.Name, listResp.Error.Message)
	}

	resultMap, ok := listResp.Result.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected tools/list result from %q", descriptor.Name)
	}
	toolsList, ok := resultMap["tools"].([]interface{})
	if !ok {
		return nil, fmt.Errorf("missing tools in tools/list response from %q", descriptor.Name)
	}

	for _, raw := range toolsList {
		toolMap, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		name, _ := toolMap["name"].(string)
		desc, _ := toolMap["description"].(string)
		schema, _ := toolMap["inputSchema"].(map[string]interface{})

		ts.tools = append(ts.tools, &remoteTool{
			toolset:     ts,
			name:        name,
			description: desc,
			schema:      schema,
		})
	}

	logger.GetLogger().Info("Connected to MCP server",
		"toolset", descriptor.Name,
		"transport", "remote",
		"url", descriptor.URL,
		"tools", len(ts.tools))

	return ts, nil
}

func (t *remoteToolset) GetName() string {
	return t.name
}

func (t *remoteToolset) GetTools() []Tool {
	return t.tools
}

func (t *remoteToolset) Close() error {
	t.closeOnce.Do(func() {
		t.tools = nil
	})
	return nil
}

type jsonRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Result  interface{}   `json:"result,omitempty"`
	Error   *jsonRPCError `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (t *remoteToolset) call(ctx context.Context, method string, params interface{}) (*jsonRPCResponse, error) {
	body, err := json.Marshal(jsonRPCRequest{
		JSONRPC: "2.0",
		ID:      t.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", t.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if sessionID, ok := t.sessionID.Load().(string); ok && sessionID != "" {
		req.Header.Set("mcp-session-id", sessionID)
	}

	resp, err := t.httpClient.Do(req)
	if resp == nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if newSessionID := resp.Header.Get("mcp-session-id"); newSessionID != "" {
		t.sessionID.Store(newSessionID)
	}

	if resp.StatusCode != http.StatusOK {
		responseBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("HTTP error %d: %s", resp.StatusCode, string(responseBody))
	}

	if strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		return readSSEResponse(resp.Body)
	}

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var rpcResp jsonRPCResponse
	if err := json.Unmarshal(responseBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &rpcResp, nil
}

// readSSEResponse extracts the first complete JSON-RPC message from an SSE body.
func readSSEResponse(body io.Reader) (*jsonRPCResponse, error) {
	reader := bufio.NewReader(body)
	var currentData strings.Builder

	tryParse := func() *jsonRPCResponse {
		if currentData.Len() == 0 {
			return nil
		}
		var resp jsonRPCResponse
		if err := json.Unmarshal([]byte(currentData.String()), &resp); err == nil {
			return &resp
		}
		currentData.Reset()
		return nil
	}

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("failed to read SSE response: %w", err)
		}

		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			if resp := tryParse(); resp != nil {
				return resp, nil
			}
			continue
		}
		if strings.HasPrefix(trimmed, "data:") {
			currentData.WriteString(strings.TrimSpace(strings.TrimPrefix(trimmed, "data:")))
		}
	}

	if resp := tryParse(); resp != nil {
		return resp, nil
	}
	return nil, fmt.Errorf("SSE stream ended without complete message")
}

type remoteTool struct {
	toolset     *remoteToolset
	name        string
	description string
	schema      map[string]interface{}
}

func (t *remoteTool) GetName() string {
	return t.name
}

func (t *remoteTool) GetDescription() string {
	return t.description
}

func (t *remoteTool) GetParameters() map[string]interface{} {
	return t.schema
}

func (t *remoteTool) Call(ctx context.Context, args map[string]interface{}) (string, error) {
	resp, err := t.toolset.call(ctx, "tools/call", map[string]interface{}{
		"name":      t.name,
		"arguments": args,
	})
	if err != nil {
		return "", fmt.Errorf("MCP call to %q failed: %w", t.name, err)
	}
	if resp.Error != nil {
		return "", fmt.Errorf("tool error: %s", resp.Error.Message)
	}

	resultMap, ok := resp.Result.(map[string]interface{})
	if !ok {
		return fmt.Sprintf("%v", resp.Result), nil
	}

	var texts []string
	if content, ok := resultMap["content"].([]interface{}); ok {
		for _, c := range content {
			if cm, ok := c.(map[string]interface{}); ok {
				if cm["type"] == "text" {
					if text, ok := cm["text"].(string); ok {
						texts = append(texts, text)
					}
				}
			}
		}
	}
	joined := strings.Join(texts, "\n")

	if isError, _ := resultMap["isError"].(bool); isError {
		if joined == "" {
			joined = "unknown error"
		}
		return "", fmt.Errorf("tool error: %s", joined)
	}
	return joined, nil
}

// envList converts an env map to "KEY=VALUE" form for subprocess launch.
func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	result := make([]string, 0, len(env))
	for k, v := range env {
		result = append(result, fmt.Sprintf("%s=%s", k, v))
	}
	return result
}

// convertSchema round-trips an MCP schema into a plain map.
func convertSchema(schema mcp.ToolInputSchema) map[string]interface{} {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}

var (
	_ Toolset = (*stdioToolset)(nil)
	_ Toolset = (*remoteToolset)(nil)
	_ Tool    = (*stdioTool)(nil)
	_ Tool    = (*remoteTool)(nil)
)
