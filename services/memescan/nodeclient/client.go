package nodeclient

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	gatewayauth "memefi/gateway/auth"
)

// Client provides a thin JSON-RPC wrapper over the node's read surface. When
// configured with a service key it signs every request so the gateway's rpc
// gate accepts it.
type Client struct {
	url        string
	apiKey     string
	apiSecret  string
	httpClient *http.Client
	nextID     atomic.Int64
	now        func() time.Time
	nonce      func() (string, error)
}

// Config represents the client configuration. APIKey and APISecret are
// optional; leave them empty when talking to the node directly.
type Config struct {
	URL       string
	APIKey    string
	APISecret string
	Timeout   time.Duration
	Now       func() time.Time
	Nonce     func() (string, error)
}

// New constructs a JSON-RPC client targeting the supplied URL.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	nonceFn := cfg.Nonce
	if nonceFn == nil {
		nonceFn = randomNonce
	}
	return &Client{
		url:       strings.TrimSpace(cfg.URL),
		apiKey:    strings.TrimSpace(cfg.APIKey),
		apiSecret: strings.TrimSpace(cfg.APISecret),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		now:   nowFn,
		nonce: nonceFn,
	}
}

// MemeRecord mirrors the node's meme payload.
type MemeRecord struct {
	ID                string `json:"id"`
	Owner             string `json:"owner"`
	Creator           string `json:"creator"`
	MediaURL          string `json:"mediaUrl"`
	Title             string `json:"title"`
	Description       string `json:"description"`
	Royalty           uint8  `json:"royalty"`
	LikesCount        uint32 `json:"likesCount"`
	CommentsCount     uint32 `json:"commentsCount"`
	LastLikeTimestamp uint64 `json:"lastLikeTimestamp"`
}

// MemeGet fetches one meme by identifier. A nil record without error means
// the node does not know the meme.
func (c *Client) MemeGet(ctx context.Context, id string) (*MemeRecord, error) {
	if c == nil {
		return nil, fmt.Errorf("nodeclient: client not configured")
	}
	params := []interface{}{map[string]interface{}{"id": id}}
	raw, err := c.call(ctx, "meme_get", params)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var record MemeRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("nodeclient: decode meme: %w", err)
	}
	return &record, nil
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

func (c *Client) call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	if c == nil || c.httpClient == nil {
		return nil, fmt.Errorf("nodeclient: client not configured")
	}
	id := c.nextID.Add(1)
	reqBody := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	buf, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" && c.apiSecret != "" {
		if err := c.sign(req, buf); err != nil {
			return nil, err
		}
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("nodeclient: decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("nodeclient: error %d %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("nodeclient: unexpected status %d", resp.StatusCode)
	}
	return rpcResp.Result, nil
}

func (c *Client) sign(req *http.Request, body []byte) error {
	timestamp := strconv.FormatInt(c.now().Unix(), 10)
	nonce, err := c.nonce()
	if err != nil {
		return fmt.Errorf("nodeclient: generate nonce: %w", err)
	}
	signature := gatewayauth.ComputeSignature(c.apiSecret, timestamp, nonce, http.MethodPost, gatewayauth.CanonicalRequestPath(req), body)
	req.Header.Set(gatewayauth.HeaderAPIKey, c.apiKey)
	req.Header.Set(gatewayauth.HeaderTimestamp, timestamp)
	req.Header.Set(gatewayauth.HeaderNonce, nonce)
	req.Header.Set(gatewayauth.HeaderSignature, hex.EncodeToString(signature))
	return nil
}

func randomNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
