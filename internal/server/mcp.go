package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
)

const (
	jsonRPCVersion = "2.0"
	mcpVersion     = "2024-11-05"

	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602

	maxRequestBytes = 4 * 1024 * 1024
)

// Session represents an MCP session.
type Session struct {
	ID        string
	CreatedAt time.Time
}

// JSONRPCRequest represents a JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      interface{}   `json:"id,omitempty"`
	Result  interface{}   `json:"result,omitempty"`
	Error   *JSONRPCError `json:"error,omitempty"`
}

// JSONRPCError represents a JSON-RPC 2.0 error.
type JSONRPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ToolHandler handles a tool call.
type ToolHandler func(ctx context.Context, params json.RawMessage) (interface{}, error)

func rpcResult(id, result interface{}) *JSONRPCResponse {
	return &JSONRPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
}

func rpcError(id interface{}, code int, message string, data interface{}) *JSONRPCResponse {
	return &JSONRPCResponse{
		JSONRPC: jsonRPCVersion,
		ID:      id,
		Error:   &JSONRPCError{Code: code, Message: message, Data: data},
	}
}

// textContent wraps text as an MCP tool result.
func textContent(text string, isError bool) map[string]interface{} {
	result := map[string]interface{}{
		"content": []map[string]interface{}{{"type": "text", "text": text}},
	}
	if isError {
		result["isError"] = true
	}
	return result
}

// serve decodes one JSON-RPC message and dispatches it. Both transports go
// through here.
func (s *Server) serve(ctx context.Context, session *Session, data []byte) *JSONRPCResponse {
	var req JSONRPCRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return rpcError(nil, codeParseError, "Parse error", err.Error())
	}

	switch req.Method {
	case "initialize":
		return rpcResult(req.ID, s.initializeResult())
	case "initialized", "notifications/initialized", "ping":
		return rpcResult(req.ID, map[string]interface{}{})
	case "tools/list":
		return rpcResult(req.ID, map[string]interface{}{"tools": s.getToolDefinitions()})
	case "tools/call":
		return s.callTool(ctx, &req)
	default:
		return rpcError(req.ID, codeMethodNotFound, "Method not found", nil)
	}
}

func (s *Server) initializeResult() map[string]interface{} {
	version := s.version
	if version == "" {
		version = "dev"
	}
	return map[string]interface{}{
		"protocolVersion": mcpVersion,
		"serverInfo":      map[string]string{"name": "fixpool", "version": version},
		"capabilities":    map[string]interface{}{"tools": map[string]interface{}{}},
	}
}

// callTool runs a tool. Tool errors are reported in the result with
// isError set, not as JSON-RPC errors.
func (s *Server) callTool(ctx context.Context, req *JSONRPCRequest) *JSONRPCResponse {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return rpcError(req.ID, codeInvalidParams, "Invalid params", err.Error())
	}

	handler, ok := s.tools[params.Name]
	if !ok {
		return rpcError(req.ID, codeInvalidParams, fmt.Sprintf("Unknown tool: %s", params.Name), nil)
	}
	if len(params.Arguments) == 0 {
		params.Arguments = json.RawMessage(`{}`)
	}

	result, err := handler(ctx, params.Arguments)
	if err != nil {
		return rpcResult(req.ID, textContent("Error: "+err.Error(), true))
	}
	text, _ := json.MarshalIndent(result, "", "  ")
	return rpcResult(req.ID, textContent(string(text), false))
}

func (s *Server) session(id string) *Session {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		sess = &Session{ID: id, CreatedAt: time.Now()}
		s.sessions[id] = sess
	}
	return sess
}

func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.Header.Get("Mcp-Session-Id")
	if id == "" {
		id = uuid.New().String()
	}
	session := s.session(id)

	w.Header().Set("Mcp-Session-Id", id)
	w.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err != nil {
		json.NewEncoder(w).Encode(rpcError(nil, codeParseError, "Parse error", err.Error()))
		return
	}
	json.NewEncoder(w).Encode(s.serve(r.Context(), session, body))
}

// runStdio serves newline-delimited JSON-RPC on stdin/stdout.
func (s *Server) runStdio() error {
	scanner := bufio.NewScanner(s.stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	encoder := json.NewEncoder(s.stdout)
	session := &Session{ID: "stdio", CreatedAt: time.Now()}

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := encoder.Encode(s.serve(context.Background(), session, line)); err != nil {
			log.Printf("Error encoding response: %v", err)
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading from stdin: %w", err)
	}
	return nil
}
