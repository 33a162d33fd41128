package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"memefi/gateway/middleware"
)

// memeRoutes bridges the REST surface onto the node's meme_* JSON-RPC
// methods. Mutations authenticate to the node with the gateway's own
// bearer token; the end-user identity comes from the verified JWT subject.
type memeRoutes struct {
	target    *url.URL
	client    *http.Client
	timeout   time.Duration
	nodeToken string
	nextID    atomic.Int64
}

type memeRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int64       `json:"id"`
}

type memeRPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type memeRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *memeRPCError   `json:"error"`
	status  int
}

type mintMemeRequest struct {
	Caller      string `json:"caller,omitempty"`
	ID          string `json:"id"`
	MediaURL    string `json:"mediaUrl"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Royalty     *uint8 `json:"royalty"`
}

type engageMemeRequest struct {
	Caller string `json:"caller,omitempty"`
}

type commentMemeRequest struct {
	Caller string `json:"caller,omitempty"`
	Text   string `json:"text"`
}

const (
	memeDefaultTimeout = 10 * time.Second
	maxRequestBody     = 1 << 20

	memeCodeInvalidParams = -32061
	memeCodeNotFound      = -32062
	memeCodeConflict      = -32063
	memeCodeUnauthorized  = -32001
	memeCodeRateLimited   = -32020
	memeCodeStdInvalid    = -32602
)

func newMemeRoutes(target *url.URL, nodeToken string, timeout time.Duration) (*memeRoutes, error) {
	if target == nil {
		return nil, fmt.Errorf("nil node target")
	}
	cloned := *target
	if strings.TrimSpace(cloned.Scheme) == "" {
		return nil, fmt.Errorf("node target scheme required")
	}
	if strings.TrimSpace(cloned.Host) == "" {
		return nil, fmt.Errorf("node target host required")
	}
	if strings.TrimSpace(cloned.Path) == "" {
		cloned.Path = "/"
	}
	if timeout <= 0 {
		timeout = memeDefaultTimeout
	}
	return &memeRoutes{
		target: &cloned,
		client: &http.Client{
			Timeout:   timeout + 5*time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		timeout:   timeout,
		nodeToken: strings.TrimSpace(nodeToken),
	}, nil
}

func (mr *memeRoutes) mount(r chi.Router, auth *middleware.Authenticator, writeScopes []string) {
	if mr == nil {
		return
	}
	r.Get("/memes", mr.listMemes)
	r.Get("/memes/count", mr.memeCount)
	r.Get("/memes/{memeID}", mr.getMeme)
	r.Get("/memes/{memeID}/likes", mr.getLikes)
	r.Get("/memes/{memeID}/comments", mr.getComments)
	r.Get("/owners/{address}/memes", mr.listByOwner)
	r.Get("/users/{address}/stats", mr.userStats)

	r.Group(func(sr chi.Router) {
		if auth != nil {
			sr.Use(auth.Middleware(writeScopes...))
		}
		sr.Post("/memes", mr.mintMeme)
		sr.Post("/memes/{memeID}/likes", mr.likeMeme)
		sr.Delete("/memes/{memeID}/likes", mr.unlikeMeme)
		sr.Post("/memes/{memeID}/comments", mr.commentMeme)
	})
}

func (mr *memeRoutes) mintMeme(w http.ResponseWriter, r *http.Request) {
	var body mintMemeRequest
	if err := decodeJSONBody(r, &body); err != nil {
		writeBadRequest(w, err)
		return
	}
	caller := callerIdentity(r, body.Caller)
	if caller == "" {
		writeJSONError(w, http.StatusUnauthorized, errors.New("caller identity required"))
		return
	}
	if strings.TrimSpace(body.ID) == "" {
		writeBadRequest(w, errors.New("id is required"))
		return
	}
	if strings.TrimSpace(body.MediaURL) == "" {
		writeBadRequest(w, errors.New("mediaUrl is required"))
		return
	}
	params := map[string]interface{}{
		"caller":      caller,
		"id":          body.ID,
		"mediaUrl":    body.MediaURL,
		"title":       body.Title,
		"description": body.Description,
	}
	if body.Royalty != nil {
		params["royalty"] = *body.Royalty
	}
	mr.mutate(w, r, "meme_mint", params, http.StatusCreated)
}

func (mr *memeRoutes) likeMeme(w http.ResponseWriter, r *http.Request) {
	memeID, caller, ok := mr.engagement(w, r)
	if !ok {
		return
	}
	mr.mutate(w, r, "meme_like", map[string]interface{}{"caller": caller, "id": memeID}, http.StatusOK)
}

func (mr *memeRoutes) unlikeMeme(w http.ResponseWriter, r *http.Request) {
	memeID, caller, ok := mr.engagement(w, r)
	if !ok {
		return
	}
	mr.mutate(w, r, "meme_unlike", map[string]interface{}{"caller": caller, "id": memeID}, http.StatusOK)
}

func (mr *memeRoutes) commentMeme(w http.ResponseWriter, r *http.Request) {
	memeID := strings.TrimSpace(chi.URLParam(r, "memeID"))
	if memeID == "" {
		writeBadRequest(w, errors.New("memeID is required"))
		return
	}
	var body commentMemeRequest
	if err := decodeJSONBody(r, &body); err != nil {
		writeBadRequest(w, err)
		return
	}
	caller := callerIdentity(r, body.Caller)
	if caller == "" {
		writeJSONError(w, http.StatusUnauthorized, errors.New("caller identity required"))
		return
	}
	if strings.TrimSpace(body.Text) == "" {
		writeBadRequest(w, errors.New("text is required"))
		return
	}
	// The node trims stored text and enforces the length cap on the raw
	// value, so the body text passes through unmodified.
	params := map[string]interface{}{"caller": caller, "id": memeID, "text": body.Text}
	mr.mutate(w, r, "meme_comment", params, http.StatusCreated)
}

func (mr *memeRoutes) getMeme(w http.ResponseWriter, r *http.Request) {
	memeID := strings.TrimSpace(chi.URLParam(r, "memeID"))
	if memeID == "" {
		writeBadRequest(w, errors.New("memeID is required"))
		return
	}
	ctx, cancel := mr.context(r.Context())
	defer cancel()
	resp, err := mr.callRPC(ctx, "meme_get", []interface{}{map[string]string{"id": memeID}}, r, false)
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, fmt.Errorf("meme_get failed: %w", err))
		return
	}
	if resp.Error != nil {
		writeNodeError(w, "meme_get", resp)
		return
	}
	result := bytes.TrimSpace(resp.Result)
	if len(result) == 0 || bytes.Equal(result, []byte("null")) {
		writeJSONError(w, http.StatusNotFound, errors.New("meme not found"))
		return
	}
	writeRawJSON(w, http.StatusOK, result)
}

func (mr *memeRoutes) listMemes(w http.ResponseWriter, r *http.Request) {
	page := map[string]interface{}{}
	if raw := strings.TrimSpace(r.URL.Query().Get("from")); raw != "" {
		from, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeBadRequest(w, fmt.Errorf("invalid from parameter: %w", err))
			return
		}
		page["fromIndex"] = from
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		limit, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeBadRequest(w, fmt.Errorf("invalid limit parameter: %w", err))
			return
		}
		page["limit"] = limit
	}
	params := []interface{}{}
	if len(page) > 0 {
		params = append(params, page)
	}
	mr.query(w, r, "meme_list", params)
}

func (mr *memeRoutes) listByOwner(w http.ResponseWriter, r *http.Request) {
	address := strings.TrimSpace(chi.URLParam(r, "address"))
	if address == "" {
		writeBadRequest(w, errors.New("address is required"))
		return
	}
	mr.query(w, r, "meme_listByOwner", []interface{}{map[string]string{"owner": address}})
}

func (mr *memeRoutes) memeCount(w http.ResponseWriter, r *http.Request) {
	mr.query(w, r, "meme_count", []interface{}{})
}

func (mr *memeRoutes) getLikes(w http.ResponseWriter, r *http.Request) {
	memeID := strings.TrimSpace(chi.URLParam(r, "memeID"))
	if memeID == "" {
		writeBadRequest(w, errors.New("memeID is required"))
		return
	}
	mr.query(w, r, "meme_getLikes", []interface{}{map[string]string{"id": memeID}})
}

func (mr *memeRoutes) getComments(w http.ResponseWriter, r *http.Request) {
	memeID := strings.TrimSpace(chi.URLParam(r, "memeID"))
	if memeID == "" {
		writeBadRequest(w, errors.New("memeID is required"))
		return
	}
	mr.query(w, r, "meme_getComments", []interface{}{map[string]string{"id": memeID}})
}

func (mr *memeRoutes) userStats(w http.ResponseWriter, r *http.Request) {
	address := strings.TrimSpace(chi.URLParam(r, "address"))
	if address == "" {
		writeBadRequest(w, errors.New("address is required"))
		return
	}
	mr.query(w, r, "meme_getUserStats", []interface{}{map[string]string{"address": address}})
}

// engagement extracts the meme ID and caller identity shared by the
// like and unlike handlers. The request body is optional.
func (mr *memeRoutes) engagement(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	memeID := strings.TrimSpace(chi.URLParam(r, "memeID"))
	if memeID == "" {
		writeBadRequest(w, errors.New("memeID is required"))
		return "", "", false
	}
	var body engageMemeRequest
	if err := decodeJSONBody(r, &body); err != nil {
		writeBadRequest(w, err)
		return "", "", false
	}
	caller := callerIdentity(r, body.Caller)
	if caller == "" {
		writeJSONError(w, http.StatusUnauthorized, errors.New("caller identity required"))
		return "", "", false
	}
	return memeID, caller, true
}

func (mr *memeRoutes) mutate(w http.ResponseWriter, r *http.Request, method string, params map[string]interface{}, okStatus int) {
	if mr.nodeToken == "" {
		writeJSONError(w, http.StatusServiceUnavailable, errors.New("node credentials not configured"))
		return
	}
	ctx, cancel := mr.context(r.Context())
	defer cancel()
	resp, err := mr.callRPC(ctx, method, []interface{}{params}, r, true)
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, fmt.Errorf("%s failed: %w", method, err))
		return
	}
	if resp.Error != nil {
		writeNodeError(w, method, resp)
		return
	}
	writeRawJSON(w, okStatus, resp.Result)
}

func (mr *memeRoutes) query(w http.ResponseWriter, r *http.Request, method string, params []interface{}) {
	ctx, cancel := mr.context(r.Context())
	defer cancel()
	resp, err := mr.callRPC(ctx, method, params, r, false)
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, fmt.Errorf("%s failed: %w", method, err))
		return
	}
	if resp.Error != nil {
		writeNodeError(w, method, resp)
		return
	}
	writeRawJSON(w, http.StatusOK, resp.Result)
}

func (mr *memeRoutes) callRPC(ctx context.Context, method string, params interface{}, r *http.Request, privileged bool) (*memeRPCResponse, error) {
	id := mr.nextID.Add(1)
	payload, err := json.Marshal(memeRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      id,
	})
	if err != nil {
		return nil, fmt.Errorf("encode rpc request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, mr.target.String(), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if privileged {
		req.Header.Set("Authorization", "Bearer "+mr.nodeToken)
	}
	// The node throttles mutations per source address, so it must see the
	// origin client rather than the gateway.
	if forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); forwarded != "" {
		req.Header.Set("X-Forwarded-For", forwarded)
	} else if host, _, splitErr := net.SplitHostPort(r.RemoteAddr); splitErr == nil && host != "" {
		req.Header.Set("X-Forwarded-For", host)
	}

	resp, err := mr.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("perform rpc request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read rpc response: %w", err)
	}
	var rpcResp memeRPCResponse
	if err := json.Unmarshal(data, &rpcResp); err != nil {
		return nil, fmt.Errorf("decode rpc response: %w", err)
	}
	rpcResp.status = resp.StatusCode
	return &rpcResp, nil
}

func (mr *memeRoutes) context(parent context.Context) (context.Context, context.CancelFunc) {
	timeout := mr.timeout
	if timeout <= 0 {
		timeout = memeDefaultTimeout
	}
	return context.WithTimeout(parent, timeout)
}

// callerIdentity resolves the account a mutation acts for. The verified
// JWT subject always wins over a caller supplied in the body, so a token
// cannot act on behalf of another account. The body fallback only applies
// when authentication is disabled.
func callerIdentity(r *http.Request, fallback string) string {
	if caller, ok := middleware.CallerFromContext(r.Context()); ok {
		if trimmed := strings.TrimSpace(caller); trimmed != "" {
			return trimmed
		}
	}
	return strings.TrimSpace(fallback)
}

// decodeJSONBody tolerates an empty body; handlers validate required
// fields themselves so the errors can name the missing field.
func decodeJSONBody(r *http.Request, dst interface{}) error {
	defer r.Body.Close()
	data, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return fmt.Errorf("read request body: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func nodeErrorMessage(rpcErr *memeRPCError) string {
	if detail, ok := rpcErr.Data.(string); ok && strings.TrimSpace(detail) != "" {
		return strings.TrimSpace(detail)
	}
	return rpcErr.Message
}

func writeNodeError(w http.ResponseWriter, method string, resp *memeRPCResponse) {
	err := errors.New(nodeErrorMessage(resp.Error))
	switch {
	case resp.Error.Code == memeCodeNotFound || resp.status == http.StatusNotFound:
		writeJSONError(w, http.StatusNotFound, err)
	case resp.Error.Code == memeCodeInvalidParams || resp.Error.Code == memeCodeStdInvalid:
		writeBadRequest(w, err)
	case resp.Error.Code == memeCodeConflict:
		writeJSONError(w, http.StatusConflict, err)
	case resp.Error.Code == memeCodeRateLimited:
		writeJSONError(w, http.StatusTooManyRequests, err)
	case resp.Error.Code == memeCodeUnauthorized:
		writeJSONError(w, http.StatusBadGateway, errors.New("node rejected gateway credentials"))
	default:
		writeJSONError(w, http.StatusBadGateway, fmt.Errorf("%s error: %s", method, resp.Error.Message))
	}
}

func writeRawJSON(w http.ResponseWriter, status int, payload json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	_, _ = w.Write(payload)
}

func writeBadRequest(w http.ResponseWriter, err error) {
	writeJSONError(w, http.StatusBadRequest, err)
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	message := strings.TrimSpace(err.Error())
	if message == "" {
		message = http.StatusText(status)
	}
	payload, marshalErr := json.Marshal(map[string]string{"error": message})
	if marshalErr != nil {
		replacer := strings.NewReplacer(
			"\\", "\\\\",
			"\"", "\\\"",
			"\n", "\\n",
			"\r", "\\r",
			"\t", "\\t",
		)
		fallback := fmt.Sprintf("{\"error\":\"%s\"}", replacer.Replace(message))
		payload = []byte(fallback)
	}
	_, _ = w.Write(payload)
}
