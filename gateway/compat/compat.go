package compat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Dispatcher rewrites legacy contract-style JSON-RPC calls into the current
// meme_* method surface and forwards them to the node. The caller's
// Authorization header travels with the rewritten request so the node still
// enforces mutation auth.
type Dispatcher struct {
	target   *url.URL
	client   *http.Client
	mappings map[string]Mapping
	notice   DeprecationNotice
}

func NewDispatcher(target *url.URL, client *http.Client, mappings map[string]Mapping) *Dispatcher {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if mappings == nil {
		mappings = DefaultMappings
	}
	return &Dispatcher{
		target:   target,
		client:   client,
		mappings: mappings,
		notice:   DefaultNotice(),
	}
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      any             `json:"id"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      any             `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (d *Dispatcher) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d.notice.apply(w.Header())
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			writeError(w, nil, -32700, fmt.Sprintf("read body: %v", err))
			return
		}
		payload := bytes.TrimSpace(body)
		if len(payload) == 0 {
			writeError(w, nil, -32600, "empty request body")
			return
		}
		auth := strings.TrimSpace(r.Header.Get("Authorization"))
		if bytes.HasPrefix(payload, []byte("[")) {
			var requests []rpcRequest
			if err := json.Unmarshal(payload, &requests); err != nil {
				writeError(w, nil, -32700, fmt.Sprintf("decode batch: %v", err))
				return
			}
			responses := make([]rpcResponse, 0, len(requests))
			for _, req := range requests {
				responses = append(responses, d.handleSingle(r.Context(), req, auth))
			}
			writeJSON(w, responses)
			return
		}
		var request rpcRequest
		if err := json.Unmarshal(payload, &request); err != nil {
			writeError(w, nil, -32700, fmt.Sprintf("decode request: %v", err))
			return
		}
		resp := d.handleSingle(r.Context(), request, auth)
		writeJSON(w, resp)
	})
}

func (d *Dispatcher) handleSingle(ctx context.Context, req rpcRequest, auth string) rpcResponse {
	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
	mapping, ok := d.mappings[req.Method]
	if !ok {
		resp.Error = &rpcError{Code: -32601, Message: fmt.Sprintf("legacy method %q not recognized", req.Method)}
		return resp
	}
	params, err := mapping.rewriteParams(req.Params)
	if err != nil {
		resp.Error = &rpcError{Code: -32602, Message: err.Error()}
		return resp
	}
	forwarded := struct {
		JSONRPC string        `json:"jsonrpc"`
		Method  string        `json:"method"`
		Params  []interface{} `json:"params"`
		ID      any           `json:"id"`
	}{JSONRPC: "2.0", Method: mapping.Method, Params: params, ID: req.ID}
	payload, err := json.Marshal(forwarded)
	if err != nil {
		resp.Error = &rpcError{Code: -32603, Message: fmt.Sprintf("encode request: %v", err)}
		return resp
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.target.String(), bytes.NewReader(payload))
	if err != nil {
		resp.Error = &rpcError{Code: -32603, Message: fmt.Sprintf("build request: %v", err)}
		return resp
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if auth != "" {
		httpReq.Header.Set("Authorization", auth)
	}
	httpResp, err := d.client.Do(httpReq)
	if err != nil {
		resp.Error = &rpcError{Code: -32002, Message: fmt.Sprintf("upstream error: %v", err)}
		return resp
	}
	defer httpResp.Body.Close()
	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		resp.Error = &rpcError{Code: -32003, Message: fmt.Sprintf("read response: %v", err)}
		return resp
	}
	var nodeResp rpcResponse
	if err := json.Unmarshal(body, &nodeResp); err != nil {
		resp.Error = &rpcError{Code: -32000, Message: "upstream error", Data: string(body)}
		return resp
	}
	resp.Result = nodeResp.Result
	resp.Error = nodeResp.Error
	return resp
}

// rewriteParams converts legacy named arguments into the positional
// single-object convention the node expects. The legacy surface accepted
// either a bare object or a one-element array.
func (m Mapping) rewriteParams(raw json.RawMessage) ([]interface{}, error) {
	if m.NoParams {
		return []interface{}{}, nil
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return []interface{}{}, nil
	}
	var args map[string]interface{}
	if bytes.HasPrefix(trimmed, []byte("[")) {
		var list []map[string]interface{}
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, fmt.Errorf("legacy params must be an object or a single-element array")
		}
		switch len(list) {
		case 0:
			return []interface{}{}, nil
		case 1:
			args = list[0]
		default:
			return nil, fmt.Errorf("legacy params accept at most one object")
		}
	} else {
		if err := json.Unmarshal(trimmed, &args); err != nil {
			return nil, fmt.Errorf("legacy params must be an object")
		}
	}
	rewritten := make(map[string]interface{}, len(args))
	for key, value := range args {
		if mapped, ok := m.ParamKeys[key]; ok {
			key = mapped
		}
		rewritten[key] = value
	}
	return []interface{}{rewritten}, nil
}

func writeError(w http.ResponseWriter, id any, code int, msg string) {
	writeJSON(w, rpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &rpcError{Code: code, Message: msg},
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	_ = enc.Encode(v)
}
