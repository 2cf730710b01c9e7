package protocol

import (
	"encoding/json"
	"fmt"
)

// Version is the JSON-RPC version carried by every frame.
const Version = "2.0"

// ProtocolVersion identifies the tool-server protocol revision negotiated
// during the handshake.
const ProtocolVersion = "2024-11-05"

// Well-known methods.
const (
	MethodInitialize  = "initialize"
	MethodInitialized = "notifications/initialized"
	MethodListTools   = "tools/list"
	MethodCallTool    = "tools/call"
	MethodCancelled   = "notifications/cancelled"
	MethodPing        = "ping"

	// NotifyToolsChanged is sent by a server when its capability set
	// changed and cached discovery results should be invalidated.
	NotifyToolsChanged = "notifications/tools/list_changed"
)

// Request is an outbound call carrying a correlation id.
type Request struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// Response is an inbound message answering a request by correlation id.
// Exactly one of Result or Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RemoteError    `json:"error,omitempty"`
}

// Notification is a peer-initiated message with no correlation id.
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// RemoteError is the error object a tool server returns inside a response.
type RemoteError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
}

// NewRequest builds a request frame for the given correlation id.
func NewRequest(id int64, method string, params interface{}) *Request {
	return &Request{
		JSONRPC: Version,
		ID:      id,
		Method:  method,
		Params:  params,
	}
}

// EncodeRequest serializes a request into a single frame.
func EncodeRequest(req *Request) ([]byte, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return data, nil
}

// EncodeNotification serializes an outbound notification frame.
func EncodeNotification(method string, params interface{}) ([]byte, error) {
	data, err := json.Marshal(map[string]interface{}{
		"jsonrpc": Version,
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return nil, fmt.Errorf("encode notification: %w", err)
	}
	return data, nil
}

// DecodeMessage classifies one inbound frame as a response or a
// notification. A frame carrying an id is a response; a frame carrying a
// method but no id is a notification. Anything else is malformed.
func DecodeMessage(frame []byte) (*Response, *Notification, error) {
	var probe struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      *int64          `json:"id"`
		Method  string          `json:"method"`
		Result  json.RawMessage `json:"result"`
		Error   *RemoteError    `json:"error"`
		Params  json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(frame, &probe); err != nil {
		return nil, nil, fmt.Errorf("decode frame: %w", err)
	}

	if probe.ID != nil {
		return &Response{
			JSONRPC: probe.JSONRPC,
			ID:      *probe.ID,
			Result:  probe.Result,
			Error:   probe.Error,
		}, nil, nil
	}

	if probe.Method == "" {
		return nil, nil, fmt.Errorf("frame has neither id nor method")
	}
	return nil, &Notification{
		JSONRPC: probe.JSONRPC,
		Method:  probe.Method,
		Params:  probe.Params,
	}, nil
}

// Capability is one discoverable, callable operation exposed by a tool
// server. The input schema is kept raw so it can be fed to a JSON Schema
// validator at invocation time.
type Capability struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ServerInfo identifies the peer as reported during the handshake.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Advertisement is what the peer reports in answer to initialize.
type Advertisement struct {
	ProtocolVersion string          `json:"protocolVersion"`
	ServerInfo      ServerInfo      `json:"serverInfo"`
	Capabilities    json.RawMessage `json:"capabilities,omitempty"`
}

// InitializeParams is the client half of the handshake.
type InitializeParams struct {
	ProtocolVersion string                 `json:"protocolVersion"`
	Capabilities    map[string]interface{} `json:"capabilities"`
	ClientInfo      ClientInfo             `json:"clientInfo"`
}

// ClientInfo identifies this runtime to the peer.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ListToolsResult is the payload of a tools/list response.
type ListToolsResult struct {
	Tools []Capability `json:"tools"`
}

// CallToolParams is the payload of a tools/call request.
type CallToolParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// CancelledParams is the payload of a notifications/cancelled frame.
type CancelledParams struct {
	RequestID int64  `json:"requestId"`
	Reason    string `json:"reason,omitempty"`
}
