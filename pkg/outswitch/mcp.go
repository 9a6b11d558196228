package outswitch

import (
	"encoding/json"
)

const (
	jsonRPCVersion     = "2.0"
	mcpProtocolVersion = "2024-11-05"

	jsonRPCParseError     = -32700
	jsonRPCInvalidRequest = -32600
	jsonRPCMethodNotFound = -32601
	jsonRPCInvalidParams  = -32602
)

// JSONRPCRequest represents an incoming JSON-RPC 2.0 request.
// a request without an id is a notification and gets no response
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request carries no id
func (r JSONRPCRequest) IsNotification() bool {
	return len(r.ID) == 0
}

// JSONRPCResponse represents an outgoing JSON-RPC 2.0 response
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCError represents a JSON-RPC 2.0 error
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// MCPTool describes a tool in a tools/list result
type MCPTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// MCPToolsListResult represents the result of a tools/list request
type MCPToolsListResult struct {
	Tools []MCPTool `json:"tools"`
}

// MCPToolCallParams represents the params of a tools/call request
type MCPToolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// MCPContentBlock represents a single content block in an MCP tool result
type MCPContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// MCPToolResult represents the result of an MCP tool call
type MCPToolResult struct {
	Content           []MCPContentBlock `json:"content"`
	StructuredContent any               `json:"structuredContent,omitempty"`
	IsError           bool              `json:"isError"`
}

// MCPInitializeResult represents the result of an MCP initialize request
type MCPInitializeResult struct {
	ProtocolVersion string          `json:"protocolVersion"`
	ServerInfo      MCPServerInfo   `json:"serverInfo"`
	Capabilities    MCPCapabilities `json:"capabilities"`
}

// MCPServerInfo identifies the MCP server
type MCPServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// MCPCapabilities declares the server's MCP capabilities
type MCPCapabilities struct {
	Tools MCPToolsCapability `json:"tools"`
}

// MCPToolsCapability declares tool support
type MCPToolsCapability struct{}

// ToolRequest is the argument object of change_audio_device. Option is a logical device
// alias, never a raw endpoint id; Tool is reserved for future dispatch
type ToolRequest struct {
	Tool   string `json:"tool"`
	Option string `json:"option"`
}

// ToolOutcome is the structured payload of a tool result
type ToolOutcome struct {
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// toolResult wraps an outcome into an MCP tool result, mirrored as compact JSON text
func toolResult(outcome ToolOutcome) MCPToolResult {
	text, err := json.Marshal(outcome)
	if err != nil {
		text = []byte(`{"error":"internal error: failed to marshal result"}`)
	}

	return MCPToolResult{
		Content:           []MCPContentBlock{{Type: "text", Text: string(text)}},
		StructuredContent: outcome,
		IsError:           outcome.Error != "",
	}
}

func rpcResult(id json.RawMessage, result any) *JSONRPCResponse {
	return &JSONRPCResponse{JSONRPC: jsonRPCVersion, ID: normalizeID(id), Result: result}
}

func rpcError(id json.RawMessage, code int, message string) *JSONRPCResponse {
	return &JSONRPCResponse{
		JSONRPC: jsonRPCVersion,
		ID:      normalizeID(id),
		Error:   &JSONRPCError{Code: code, Message: message},
	}
}

// responses must carry an id member even when the request's couldn't be read
func normalizeID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}

	return id
}
