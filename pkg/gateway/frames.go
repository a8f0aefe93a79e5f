package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// JSON-RPC error codes emitted by the gateway.
const (
	codeParseError     = -32700
	codeInvalidParams  = -32602
	codeMethodNotFound = -32601

	// codeInternal doubles as "no valid session" and generic internal
	// failure; the message distinguishes the two.
	codeInternal             = -32000
	codeReauthorization      = -32001
	codeTransportUnavailable = -32002
	codeTimeout              = -32003
)

// rpcError is the error member of a JSON-RPC error frame.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// errorFrame is a complete JSON-RPC error response.
type errorFrame struct {
	JSONRPC string   `json:"jsonrpc"`
	ID      any      `json:"id"`
	Error   rpcError `json:"error"`
}

// writeError emits a JSON-RPC error frame with the given HTTP status.
func writeError(w http.ResponseWriter, status int, id any, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorFrame{
		JSONRPC: "2.0",
		ID:      id,
		Error:   rpcError{Code: code, Message: message},
	})
}

// writeResult emits a successful JSON-RPC response frame.
func writeResult(w http.ResponseWriter, id jsonrpc.ID, result any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	data, err := jsonrpc.EncodeMessage(&jsonrpc.Response{ID: id, Result: raw})
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	_, err = w.Write(data)
	return err
}
