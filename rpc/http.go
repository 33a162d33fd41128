package rpc

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"memefi/core"
	"memefi/observability"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	jsonRPCVersion  = "2.0"
	maxRequestBytes = 1 << 20 // 1 MiB
	rateLimitWindow = time.Minute
	// maxMutationsPerWindow bounds how many ledger mutations a single source
	// may submit per window before the server throttles it.
	maxMutationsPerWindow = 30
	rateLimiterStaleAfter = 10 * time.Minute
	rateLimiterMaxEntries = 1024
	maxForwardedForAddrs  = 16
)

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeUnauthorized   = -32001
	codeServerError    = -32000
	codeRateLimited    = -32020
)

// rpcMethods enumerates the dispatchable method names so that metrics never
// record arbitrary client-supplied labels.
var rpcMethods = map[string]struct{}{
	"meme_mint":         {},
	"meme_like":         {},
	"meme_unlike":       {},
	"meme_comment":      {},
	"meme_get":          {},
	"meme_list":         {},
	"meme_listByOwner":  {},
	"meme_count":        {},
	"meme_getLikes":     {},
	"meme_getComments":  {},
	"meme_getUserStats": {},
}

type rateLimiter struct {
	count       int
	windowStart time.Time
	lastSeen    time.Time
}

// ServerConfig carries the transport hardening knobs for the JSON-RPC
// listener. The zero value requires TLS and trusts no proxy headers.
type ServerConfig struct {
	// AllowInsecure permits serving plaintext HTTP, restricted to loopback
	// listeners so a misconfigured daemon never exposes an unencrypted
	// mutation surface.
	AllowInsecure bool
	// TrustProxyHeaders accepts X-Forwarded-For from any peer. Prefer
	// TrustedProxies, which limits the trust to named proxy addresses.
	TrustProxyHeaders bool
	TrustedProxies    []string
	TLSCertFile       string
	TLSKeyFile        string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
}

type Server struct {
	node *core.Node
	cfg  ServerConfig

	trustedProxies map[string]struct{}

	mu           sync.Mutex
	rateLimiters map[string]*rateLimiter
	authToken    string

	serverMu   sync.Mutex
	httpServer *http.Server
}

// NewServer wires a JSON-RPC front end around the node. The mutation auth
// token is read from MEMEFI_RPC_TOKEN at construction time.
func NewServer(node *core.Node, cfg ServerConfig) *Server {
	token := strings.TrimSpace(os.Getenv("MEMEFI_RPC_TOKEN"))
	trusted := make(map[string]struct{}, len(cfg.TrustedProxies))
	for _, proxy := range cfg.TrustedProxies {
		candidate := strings.TrimSpace(proxy)
		if candidate == "" {
			continue
		}
		trusted[candidate] = struct{}{}
	}
	return &Server{
		node:           node,
		cfg:            cfg,
		trustedProxies: trusted,
		rateLimiters:   make(map[string]*rateLimiter),
		authToken:      token,
	}
}

// Handler exposes the full HTTP surface: JSON-RPC on the root, liveness on
// /healthz, Prometheus metrics on /metrics and the activity stream on
// /ws/activity.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handle)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws/activity", s.handleActivityWS)
	return mux
}

func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	fmt.Printf("Starting JSON-RPC server on %s\n", listener.Addr())
	return s.Serve(listener)
}

// Serve runs the HTTP server on the supplied listener. Plaintext serving is
// refused unless AllowInsecure is set, and even then only on loopback
// addresses.
func (s *Server) Serve(listener net.Listener) error {
	useTLS := s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != ""
	if !useTLS {
		if !s.cfg.AllowInsecure {
			return fmt.Errorf("rpc: TLS is required; configure a certificate pair or enable allow-insecure for local use")
		}
		if !loopbackListener(listener) {
			return fmt.Errorf("rpc: plaintext serving is restricted to loopback listeners")
		}
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
	}
	s.serverMu.Lock()
	s.httpServer = srv
	s.serverMu.Unlock()
	if useTLS {
		return srv.ServeTLS(listener, s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
	}
	return srv.Serve(listener)
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.serverMu.Lock()
	srv := s.httpServer
	s.serverMu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func loopbackListener(listener net.Listener) bool {
	if listener == nil {
		return false
	}
	tcpAddr, ok := listener.Addr().(*net.TCPAddr)
	if !ok {
		return false
	}
	return tcpAddr.IP.IsLoopback()
}

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      int               `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// handle is the main request handler that routes to specific handlers.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	method := "unknown"
	defer func() {
		observability.ModuleMetrics().Observe("meme", method, recorder.status, time.Since(started))
	}()

	reader := http.MaxBytesReader(recorder, r.Body, maxRequestBytes)
	defer func() {
		_ = reader.Close()
	}()

	recorder.Header().Set("Content-Type", "application/json")

	body, err := io.ReadAll(reader)
	if err != nil {
		status := http.StatusBadRequest
		message := "failed to read request body"
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			status = http.StatusRequestEntityTooLarge
			message = fmt.Sprintf("request body exceeds %d bytes", maxRequestBytes)
		}
		writeError(recorder, status, nil, codeInvalidRequest, message, err.Error())
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeError(recorder, http.StatusBadRequest, nil, codeInvalidRequest, "request body required", nil)
		return
	}

	req := &RPCRequest{}
	if err := json.Unmarshal(body, req); err != nil {
		writeError(recorder, http.StatusBadRequest, nil, codeParseError, "invalid JSON payload", err.Error())
		return
	}
	if req.JSONRPC != "" && req.JSONRPC != jsonRPCVersion {
		writeError(recorder, http.StatusBadRequest, req.ID, codeInvalidRequest, "unsupported jsonrpc version", req.JSONRPC)
		return
	}
	if req.Method == "" {
		writeError(recorder, http.StatusBadRequest, req.ID, codeInvalidRequest, "method required", nil)
		return
	}
	if _, ok := rpcMethods[req.Method]; ok {
		method = req.Method
	}

	switch req.Method {
	case "meme_mint":
		if authErr := s.requireAuth(r); authErr != nil {
			writeError(recorder, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return
		}
		s.handleMemeMint(recorder, r, req)
	case "meme_like":
		if authErr := s.requireAuth(r); authErr != nil {
			writeError(recorder, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return
		}
		s.handleMemeLike(recorder, r, req)
	case "meme_unlike":
		if authErr := s.requireAuth(r); authErr != nil {
			writeError(recorder, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return
		}
		s.handleMemeUnlike(recorder, r, req)
	case "meme_comment":
		if authErr := s.requireAuth(r); authErr != nil {
			writeError(recorder, http.StatusUnauthorized, req.ID, authErr.Code, authErr.Message, authErr.Data)
			return
		}
		s.handleMemeComment(recorder, r, req)
	case "meme_get":
		s.handleMemeGet(recorder, r, req)
	case "meme_list":
		s.handleMemeList(recorder, r, req)
	case "meme_listByOwner":
		s.handleMemeListByOwner(recorder, r, req)
	case "meme_count":
		s.handleMemeCount(recorder, r, req)
	case "meme_getLikes":
		s.handleMemeGetLikes(recorder, r, req)
	case "meme_getComments":
		s.handleMemeGetComments(recorder, r, req)
	case "meme_getUserStats":
		s.handleMemeGetUserStats(recorder, r, req)
	default:
		writeError(recorder, http.StatusNotFound, req.ID, codeMethodNotFound, fmt.Sprintf("method %q not found", req.Method), nil)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s == nil || s.node == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "unavailable"})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) requireAuth(r *http.Request) *RPCError {
	if s.authToken == "" {
		return &RPCError{Code: codeUnauthorized, Message: "RPC authentication token not configured"}
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing Authorization header"}
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return &RPCError{Code: codeUnauthorized, Message: "Authorization header must use Bearer scheme"}
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return &RPCError{Code: codeUnauthorized, Message: "missing bearer token"}
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
		return &RPCError{Code: codeUnauthorized, Message: "invalid RPC credentials"}
	}
	return nil
}

func (s *Server) allowSource(source string, now time.Time) bool {
	source = strings.TrimSpace(source)
	if source == "" {
		source = "unknown"
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, limiter := range s.rateLimiters {
		if now.Sub(limiter.lastSeen) > rateLimiterStaleAfter {
			delete(s.rateLimiters, key)
		}
	}

	limiter, ok := s.rateLimiters[source]
	if !ok {
		if len(s.rateLimiters) >= rateLimiterMaxEntries {
			s.evictOldestLimiter()
		}
		limiter = &rateLimiter{windowStart: now}
		s.rateLimiters[source] = limiter
	}
	limiter.lastSeen = now
	if now.Sub(limiter.windowStart) >= rateLimitWindow {
		limiter.windowStart = now
		limiter.count = 0
	}
	if limiter.count >= maxMutationsPerWindow {
		return false
	}
	limiter.count++
	return true
}

// evictOldestLimiter drops the least recently seen limiter entry. Callers
// must hold s.mu.
func (s *Server) evictOldestLimiter() {
	var oldestKey string
	var oldestSeen time.Time
	for key, limiter := range s.rateLimiters {
		if oldestKey == "" || limiter.lastSeen.Before(oldestSeen) {
			oldestKey = key
			oldestSeen = limiter.lastSeen
		}
	}
	if oldestKey != "" {
		delete(s.rateLimiters, oldestKey)
	}
}

// clientSource identifies the calling client for rate limiting. Forwarded
// headers are only honored when the direct peer is a configured proxy,
// otherwise any client could rotate spoofed addresses to dodge the limiter.
func (s *Server) clientSource(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = strings.TrimSpace(r.RemoteAddr)
	}
	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded == "" || !s.trustsProxy(host) {
		return host
	}
	parts := strings.Split(forwarded, ",")
	if len(parts) > maxForwardedForAddrs {
		return host
	}
	for _, part := range parts {
		candidate := strings.TrimSpace(part)
		if candidate == "" {
			continue
		}
		if h, _, splitErr := net.SplitHostPort(candidate); splitErr == nil {
			candidate = h
		}
		return candidate
	}
	return host
}

func (s *Server) trustsProxy(host string) bool {
	if s.cfg.TrustProxyHeaders {
		return true
	}
	_, ok := s.trustedProxies[host]
	return ok
}
