package auth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
)

type serviceKeyContextKey struct{}

// ServiceKeyFromContext returns the verified service key for the request,
// if any.
func ServiceKeyFromContext(ctx context.Context) (*ServiceKey, bool) {
	key, ok := ctx.Value(serviceKeyContextKey{}).(*ServiceKey)
	if !ok || key == nil {
		return nil, false
	}
	return key, true
}

var errBodyTooLarge = errors.New("request body too large")

// RPCGate authenticates signed requests on the legacy JSON-RPC bridge.
// Verified callers are forwarded with the gateway's node credential, so
// automation holds a revocable service key instead of the node token.
// Requests without signing headers pass through untouched and the node
// enforces its own mutation auth on whatever credential they carry.
type RPCGate struct {
	verifier  *Verifier
	nodeToken string
	logger    *log.Logger
}

// NewRPCGate wires a verifier and the node credential attached after a
// successful verification.
func NewRPCGate(verifier *Verifier, nodeToken string, logger *log.Logger) *RPCGate {
	if logger == nil {
		logger = log.Default()
	}
	return &RPCGate{verifier: verifier, nodeToken: strings.TrimSpace(nodeToken), logger: logger}
}

// Middleware verifies signed requests before handing them to next.
func (g *RPCGate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g == nil || g.verifier == nil {
			next.ServeHTTP(w, r)
			return
		}
		body, err := readSignedBody(r)
		if err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, errBodyTooLarge) {
				status = http.StatusRequestEntityTooLarge
			}
			writeGateError(w, status, err.Error())
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		if strings.TrimSpace(r.Header.Get(HeaderAPIKey)) == "" {
			next.ServeHTTP(w, r)
			return
		}
		key, err := g.verifier.Verify(r, body)
		if err != nil {
			g.logger.Printf("rpc gate: rejected signed request: %v", err)
			writeGateError(w, http.StatusUnauthorized, "invalid request signature")
			return
		}
		if g.nodeToken != "" {
			r.Header.Set("Authorization", "Bearer "+g.nodeToken)
		}
		ctx := context.WithValue(r.Context(), serviceKeyContextKey{}, key)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func readSignedBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	data, err := io.ReadAll(io.LimitReader(r.Body, int64(MaxBodyForSignature)+1))
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	if len(data) > MaxBodyForSignature {
		return nil, errBodyTooLarge
	}
	return data, nil
}

// writeGateError shapes auth failures as JSON-RPC errors so legacy
// clients surface them the same way as node rejections.
func writeGateError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"jsonrpc":"2.0","id":null,"error":{"code":-32001,"message":%q}}`, message)
}
