package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"memefi/core"
	"memefi/crypto"
	"memefi/native/meme"
	"memefi/storage"

	"nhooyr.io/websocket"
)

const testRPCToken = "memefi-test-token"

func testAddress(t *testing.T, last byte) ([20]byte, string) {
	t.Helper()
	var raw [20]byte
	raw[19] = last
	return raw, crypto.MustNewAddress(crypto.MemePrefix, raw[:]).String()
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	t.Setenv("MEMEFI_RPC_TOKEN", testRPCToken)
	node, err := core.NewNode(storage.NewMemDB(), true, false)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	t.Cleanup(node.Close)
	return NewServer(node, ServerConfig{AllowInsecure: true})
}

func invoke(t *testing.T, server *Server, method string, token string, params ...interface{}) (*httptest.ResponseRecorder, RPCResponse) {
	t.Helper()
	raw := make([]json.RawMessage, 0, len(params))
	for _, param := range params {
		encoded, err := json.Marshal(param)
		if err != nil {
			t.Fatalf("marshal param: %v", err)
		}
		raw = append(raw, encoded)
	}
	body, err := json.Marshal(RPCRequest{JSONRPC: jsonRPCVersion, Method: method, Params: raw, ID: 1})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	req.RemoteAddr = "127.0.0.1:9000"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	server.handle(recorder, req)

	var resp RPCResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return recorder, resp
}

func decodeResult(t *testing.T, resp RPCResponse, target interface{}) {
	t.Helper()
	encoded, err := json.Marshal(resp.Result)
	if err != nil {
		t.Fatalf("marshal result: %v", err)
	}
	if err := json.Unmarshal(encoded, target); err != nil {
		t.Fatalf("decode result: %v", err)
	}
}

func mustMint(t *testing.T, server *Server, caller string, id string) {
	t.Helper()
	recorder, resp := invoke(t, server, "meme_mint", testRPCToken, map[string]interface{}{
		"caller":   caller,
		"id":       id,
		"mediaUrl": "ipfs://" + id,
		"title":    id,
	})
	if recorder.Code != http.StatusOK || resp.Error != nil {
		t.Fatalf("mint %s failed: status %d error %+v", id, recorder.Code, resp.Error)
	}
}

func TestMemeMintAndGetRoundTrip(t *testing.T) {
	server := newTestServer(t)
	_, owner := testAddress(t, 0x01)

	recorder, resp := invoke(t, server, "meme_mint", testRPCToken, map[string]interface{}{
		"caller":      owner,
		"id":          "doge-classic",
		"mediaUrl":    "ipfs://doge",
		"title":       "Doge",
		"description": "the original",
		"royalty":     5,
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", recorder.Code)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	var minted memeJSON
	decodeResult(t, resp, &minted)
	if minted.ID != "doge-classic" || minted.Owner != owner || minted.Creator != owner {
		t.Fatalf("unexpected mint result: %+v", minted)
	}
	if minted.Royalty != 5 || minted.LikesCount != 0 || minted.CommentsCount != 0 || minted.LastLikeTimestamp != 0 {
		t.Fatalf("unexpected counters on fresh meme: %+v", minted)
	}

	recorder, resp = invoke(t, server, "meme_get", "", map[string]interface{}{"id": "doge-classic"})
	if recorder.Code != http.StatusOK || resp.Error != nil {
		t.Fatalf("get failed: status %d error %+v", recorder.Code, resp.Error)
	}
	var fetched memeJSON
	decodeResult(t, resp, &fetched)
	if fetched != minted {
		t.Fatalf("get mismatch: %+v vs %+v", fetched, minted)
	}

	recorder, resp = invoke(t, server, "meme_get", "", map[string]interface{}{"id": "unknown"})
	if recorder.Code != http.StatusOK || resp.Error != nil {
		t.Fatalf("missing meme should not error: status %d error %+v", recorder.Code, resp.Error)
	}
	if !strings.Contains(recorder.Body.String(), `"result":null`) {
		t.Fatalf("expected null result for missing meme, got %s", recorder.Body.String())
	}
}

func TestMemeMintValidation(t *testing.T) {
	server := newTestServer(t)
	_, owner := testAddress(t, 0x02)

	recorder, resp := invoke(t, server, "meme_mint", testRPCToken)
	if recorder.Code != http.StatusBadRequest || resp.Error == nil || resp.Error.Code != codeMemeInvalidParams {
		t.Fatalf("expected invalid params for missing payload, got status %d error %+v", recorder.Code, resp.Error)
	}

	recorder, resp = invoke(t, server, "meme_mint", testRPCToken, map[string]interface{}{
		"caller": "not-an-address",
		"id":     "m1",
	})
	if recorder.Code != http.StatusBadRequest || resp.Error == nil || resp.Error.Code != codeMemeInvalidParams {
		t.Fatalf("expected invalid params for bad caller, got status %d error %+v", recorder.Code, resp.Error)
	}

	recorder, resp = invoke(t, server, "meme_mint", testRPCToken, map[string]interface{}{
		"caller":  owner,
		"id":      "m1",
		"royalty": 101,
	})
	if recorder.Code != http.StatusBadRequest || resp.Error == nil || resp.Error.Code != codeMemeInvalidParams {
		t.Fatalf("expected invalid params for royalty above cap, got status %d error %+v", recorder.Code, resp.Error)
	}

	mustMint(t, server, owner, "m1")
	recorder, resp = invoke(t, server, "meme_mint", testRPCToken, map[string]interface{}{
		"caller": owner,
		"id":     "m1",
	})
	if recorder.Code != http.StatusConflict || resp.Error == nil || resp.Error.Code != codeMemeConflict {
		t.Fatalf("expected conflict for duplicate id, got status %d error %+v", recorder.Code, resp.Error)
	}

	recorder, resp = invoke(t, server, "meme_mint", testRPCToken, map[string]interface{}{
		"caller": owner,
		"id":     "m2",
	})
	if recorder.Code != http.StatusOK || resp.Error != nil {
		t.Fatalf("mint without royalty should succeed: status %d error %+v", recorder.Code, resp.Error)
	}
	var minted memeJSON
	decodeResult(t, resp, &minted)
	if minted.Royalty != 0 {
		t.Fatalf("expected royalty to default to zero, got %d", minted.Royalty)
	}
}

func TestMemeLikeUnlikeFlow(t *testing.T) {
	server := newTestServer(t)
	_, owner := testAddress(t, 0x03)
	_, fan := testAddress(t, 0x04)
	mustMint(t, server, owner, "m1")
	mustMint(t, server, owner, "m2")

	recorder, resp := invoke(t, server, "meme_like", testRPCToken, map[string]interface{}{"caller": fan, "id": "m1"})
	if recorder.Code != http.StatusOK || resp.Error != nil {
		t.Fatalf("like failed: status %d error %+v", recorder.Code, resp.Error)
	}
	var liked memeJSON
	decodeResult(t, resp, &liked)
	if liked.LikesCount != 1 || liked.LastLikeTimestamp == 0 {
		t.Fatalf("unexpected like result: %+v", liked)
	}

	recorder, resp = invoke(t, server, "meme_like", testRPCToken, map[string]interface{}{"caller": fan, "id": "m1"})
	if recorder.Code != http.StatusConflict || resp.Error == nil || resp.Error.Code != codeMemeConflict {
		t.Fatalf("expected conflict for double like, got status %d error %+v", recorder.Code, resp.Error)
	}

	recorder, resp = invoke(t, server, "meme_getLikes", "", map[string]interface{}{"id": "m1"})
	if recorder.Code != http.StatusOK || resp.Error != nil {
		t.Fatalf("getLikes failed: status %d error %+v", recorder.Code, resp.Error)
	}
	var likes memeLikesResult
	decodeResult(t, resp, &likes)
	if likes.Count != 1 {
		t.Fatalf("expected one like, got %d", likes.Count)
	}

	recorder, resp = invoke(t, server, "meme_unlike", testRPCToken, map[string]interface{}{"caller": fan, "id": "m1"})
	if recorder.Code != http.StatusOK || resp.Error != nil {
		t.Fatalf("unlike failed: status %d error %+v", recorder.Code, resp.Error)
	}
	var unliked memeJSON
	decodeResult(t, resp, &unliked)
	if unliked.LikesCount != 0 {
		t.Fatalf("expected zero likes after unlike, got %d", unliked.LikesCount)
	}
	if unliked.LastLikeTimestamp == 0 {
		t.Fatalf("unlike must not roll back the last like timestamp")
	}

	recorder, resp = invoke(t, server, "meme_unlike", testRPCToken, map[string]interface{}{"caller": fan, "id": "m1"})
	if recorder.Code != http.StatusConflict || resp.Error == nil || resp.Error.Code != codeMemeConflict {
		t.Fatalf("expected conflict for repeated unlike, got status %d error %+v", recorder.Code, resp.Error)
	}

	recorder, resp = invoke(t, server, "meme_unlike", testRPCToken, map[string]interface{}{"caller": fan, "id": "m2"})
	if recorder.Code != http.StatusConflict || resp.Error == nil || resp.Error.Code != codeMemeConflict {
		t.Fatalf("expected conflict for unliking a meme with no like history, got status %d error %+v", recorder.Code, resp.Error)
	}

	recorder, resp = invoke(t, server, "meme_unlike", testRPCToken, map[string]interface{}{"caller": fan, "id": "missing"})
	if recorder.Code != http.StatusNotFound || resp.Error == nil || resp.Error.Code != codeMemeNotFound {
		t.Fatalf("expected not found for unknown meme, got status %d error %+v", recorder.Code, resp.Error)
	}
}

func TestMemeCommentFlow(t *testing.T) {
	server := newTestServer(t)
	_, owner := testAddress(t, 0x05)
	_, fan := testAddress(t, 0x06)

	recorder, resp := invoke(t, server, "meme_comment", testRPCToken, map[string]interface{}{
		"caller": fan, "id": "missing", "text": "first",
	})
	if recorder.Code != http.StatusNotFound || resp.Error == nil || resp.Error.Code != codeMemeNotFound {
		t.Fatalf("expected not found before text validation, got status %d error %+v", recorder.Code, resp.Error)
	}

	mustMint(t, server, owner, "m1")

	recorder, resp = invoke(t, server, "meme_comment", testRPCToken, map[string]interface{}{
		"caller": fan, "id": "m1", "text": "   ",
	})
	if recorder.Code != http.StatusBadRequest || resp.Error == nil || resp.Error.Code != codeMemeInvalidParams {
		t.Fatalf("expected invalid params for blank comment, got status %d error %+v", recorder.Code, resp.Error)
	}

	recorder, resp = invoke(t, server, "meme_comment", testRPCToken, map[string]interface{}{
		"caller": fan, "id": "m1", "text": strings.Repeat("a", 501),
	})
	if recorder.Code != http.StatusBadRequest || resp.Error == nil || resp.Error.Code != codeMemeInvalidParams {
		t.Fatalf("expected invalid params for oversized comment, got status %d error %+v", recorder.Code, resp.Error)
	}

	recorder, resp = invoke(t, server, "meme_comment", testRPCToken, map[string]interface{}{
		"caller": fan, "id": "m1", "text": "  gm  ",
	})
	if recorder.Code != http.StatusOK || resp.Error != nil {
		t.Fatalf("comment failed: status %d error %+v", recorder.Code, resp.Error)
	}
	var comment memeCommentJSON
	decodeResult(t, resp, &comment)
	if comment.Text != "gm" || comment.User != fan || comment.Timestamp == 0 {
		t.Fatalf("unexpected comment result: %+v", comment)
	}

	recorder, resp = invoke(t, server, "meme_getComments", "", map[string]interface{}{"id": "m1"})
	if recorder.Code != http.StatusOK || resp.Error != nil {
		t.Fatalf("getComments failed: status %d error %+v", recorder.Code, resp.Error)
	}
	var comments []memeCommentJSON
	decodeResult(t, resp, &comments)
	if len(comments) != 1 || comments[0] != comment {
		t.Fatalf("unexpected comment log: %+v", comments)
	}

	recorder, resp = invoke(t, server, "meme_get", "", map[string]interface{}{"id": "m1"})
	if recorder.Code != http.StatusOK || resp.Error != nil {
		t.Fatalf("get failed: status %d error %+v", recorder.Code, resp.Error)
	}
	var record memeJSON
	decodeResult(t, resp, &record)
	if record.CommentsCount != 1 {
		t.Fatalf("expected comment counter to advance, got %d", record.CommentsCount)
	}
}

func TestMemeListPagination(t *testing.T) {
	server := newTestServer(t)
	_, owner := testAddress(t, 0x07)
	for _, id := range []string{"a", "b", "c"} {
		mustMint(t, server, owner, id)
	}

	recorder, resp := invoke(t, server, "meme_list", "")
	if recorder.Code != http.StatusOK || resp.Error != nil {
		t.Fatalf("list failed: status %d error %+v", recorder.Code, resp.Error)
	}
	var page []memeJSON
	decodeResult(t, resp, &page)
	if len(page) != 3 || page[0].ID != "a" || page[2].ID != "c" {
		t.Fatalf("expected insertion-ordered full page, got %+v", page)
	}

	recorder, resp = invoke(t, server, "meme_list", "", map[string]interface{}{"fromIndex": 2})
	if recorder.Code != http.StatusOK || resp.Error != nil {
		t.Fatalf("offset list failed: status %d error %+v", recorder.Code, resp.Error)
	}
	decodeResult(t, resp, &page)
	if len(page) != 1 || page[0].ID != "c" {
		t.Fatalf("expected single trailing meme, got %+v", page)
	}

	recorder, resp = invoke(t, server, "meme_list", "", map[string]interface{}{"limit": 1})
	if recorder.Code != http.StatusOK || resp.Error != nil {
		t.Fatalf("limited list failed: status %d error %+v", recorder.Code, resp.Error)
	}
	decodeResult(t, resp, &page)
	if len(page) != 1 || page[0].ID != "a" {
		t.Fatalf("expected first meme only, got %+v", page)
	}

	recorder, resp = invoke(t, server, "meme_list", "", map[string]interface{}{"fromIndex": 5})
	if recorder.Code != http.StatusOK || resp.Error != nil {
		t.Fatalf("out-of-range list failed: status %d error %+v", recorder.Code, resp.Error)
	}
	if !strings.Contains(recorder.Body.String(), `"result":[]`) {
		t.Fatalf("expected empty array for out-of-range offset, got %s", recorder.Body.String())
	}

	recorder, resp = invoke(t, server, "meme_list", "", map[string]interface{}{"limit": 0})
	if recorder.Code != http.StatusOK || resp.Error != nil {
		t.Fatalf("zero-limit list failed: status %d error %+v", recorder.Code, resp.Error)
	}
	if !strings.Contains(recorder.Body.String(), `"result":[]`) {
		t.Fatalf("expected empty array for explicit zero limit, got %s", recorder.Body.String())
	}
}

func TestMemeListByOwner(t *testing.T) {
	server := newTestServer(t)
	_, alice := testAddress(t, 0x08)
	_, bob := testAddress(t, 0x09)
	_, carol := testAddress(t, 0x0A)
	mustMint(t, server, alice, "a1")
	mustMint(t, server, alice, "a2")
	mustMint(t, server, bob, "b1")

	recorder, resp := invoke(t, server, "meme_listByOwner", "", map[string]interface{}{"owner": alice})
	if recorder.Code != http.StatusOK || resp.Error != nil {
		t.Fatalf("listByOwner failed: status %d error %+v", recorder.Code, resp.Error)
	}
	var page []memeJSON
	decodeResult(t, resp, &page)
	if len(page) != 2 || page[0].ID != "a1" || page[1].ID != "a2" {
		t.Fatalf("unexpected owner page: %+v", page)
	}

	recorder, resp = invoke(t, server, "meme_listByOwner", "", map[string]interface{}{"owner": carol})
	if recorder.Code != http.StatusOK || resp.Error != nil {
		t.Fatalf("empty owner list failed: status %d error %+v", recorder.Code, resp.Error)
	}
	if !strings.Contains(recorder.Body.String(), `"result":[]`) {
		t.Fatalf("expected empty array for ownerless address, got %s", recorder.Body.String())
	}
}

func TestMemeCount(t *testing.T) {
	server := newTestServer(t)
	_, owner := testAddress(t, 0x0B)

	recorder, resp := invoke(t, server, "meme_count", "")
	if recorder.Code != http.StatusOK || resp.Error != nil {
		t.Fatalf("count failed: status %d error %+v", recorder.Code, resp.Error)
	}
	var count memeCountResult
	decodeResult(t, resp, &count)
	if count.Count != 0 {
		t.Fatalf("expected empty ledger, got %d", count.Count)
	}

	mustMint(t, server, owner, "m1")
	recorder, resp = invoke(t, server, "meme_count", "")
	if recorder.Code != http.StatusOK || resp.Error != nil {
		t.Fatalf("count failed: status %d error %+v", recorder.Code, resp.Error)
	}
	decodeResult(t, resp, &count)
	if count.Count != 1 {
		t.Fatalf("expected one meme, got %d", count.Count)
	}

	recorder, resp = invoke(t, server, "meme_count", "", map[string]interface{}{})
	if recorder.Code != http.StatusBadRequest || resp.Error == nil || resp.Error.Code != codeMemeInvalidParams {
		t.Fatalf("expected invalid params for unexpected payload, got status %d error %+v", recorder.Code, resp.Error)
	}
}

func TestMemeUserStats(t *testing.T) {
	server := newTestServer(t)
	_, owner := testAddress(t, 0x0C)
	_, fan := testAddress(t, 0x0D)
	mustMint(t, server, owner, "m1")

	if _, resp := invoke(t, server, "meme_like", testRPCToken, map[string]interface{}{"caller": fan, "id": "m1"}); resp.Error != nil {
		t.Fatalf("like failed: %+v", resp.Error)
	}
	if _, resp := invoke(t, server, "meme_comment", testRPCToken, map[string]interface{}{"caller": fan, "id": "m1", "text": "lol"}); resp.Error != nil {
		t.Fatalf("comment failed: %+v", resp.Error)
	}

	recorder, resp := invoke(t, server, "meme_getUserStats", "", map[string]interface{}{"address": owner})
	if recorder.Code != http.StatusOK || resp.Error != nil {
		t.Fatalf("stats failed: status %d error %+v", recorder.Code, resp.Error)
	}
	var stats memeStatsJSON
	decodeResult(t, resp, &stats)
	if stats.Address != owner || stats.TotalLikes != 1 || stats.TotalComments != 1 || stats.TotalEarnings != "0" {
		t.Fatalf("unexpected owner stats: %+v", stats)
	}

	if _, resp := invoke(t, server, "meme_unlike", testRPCToken, map[string]interface{}{"caller": fan, "id": "m1"}); resp.Error != nil {
		t.Fatalf("unlike failed: %+v", resp.Error)
	}
	recorder, resp = invoke(t, server, "meme_getUserStats", "", map[string]interface{}{"address": owner})
	if recorder.Code != http.StatusOK || resp.Error != nil {
		t.Fatalf("stats failed: status %d error %+v", recorder.Code, resp.Error)
	}
	decodeResult(t, resp, &stats)
	if stats.TotalLikes != 0 || stats.TotalComments != 1 {
		t.Fatalf("unexpected stats after unlike: %+v", stats)
	}

	recorder, resp = invoke(t, server, "meme_getUserStats", "", map[string]interface{}{"address": fan})
	if recorder.Code != http.StatusOK || resp.Error != nil {
		t.Fatalf("stats failed: status %d error %+v", recorder.Code, resp.Error)
	}
	decodeResult(t, resp, &stats)
	if stats.TotalLikes != 0 || stats.TotalComments != 0 || stats.TotalEarnings != "0" {
		t.Fatalf("expected zeroed stats for address without memes: %+v", stats)
	}
}

func TestMemeMutationsRequireAuth(t *testing.T) {
	server := newTestServer(t)
	_, fan := testAddress(t, 0x0E)

	recorder, resp := invoke(t, server, "meme_like", "", map[string]interface{}{"caller": fan, "id": "m1"})
	if recorder.Code != http.StatusUnauthorized || resp.Error == nil || resp.Error.Code != codeUnauthorized {
		t.Fatalf("expected unauthorized without token, got status %d error %+v", recorder.Code, resp.Error)
	}

	recorder, resp = invoke(t, server, "meme_like", "wrong-token", map[string]interface{}{"caller": fan, "id": "m1"})
	if recorder.Code != http.StatusUnauthorized || resp.Error == nil || resp.Error.Code != codeUnauthorized {
		t.Fatalf("expected unauthorized with bad token, got status %d error %+v", recorder.Code, resp.Error)
	}

	recorder, resp = invoke(t, server, "meme_count", "")
	if recorder.Code != http.StatusOK || resp.Error != nil {
		t.Fatalf("reads must not require auth: status %d error %+v", recorder.Code, resp.Error)
	}
}

func TestMemeMutationsRejectedWithoutConfiguredToken(t *testing.T) {
	t.Setenv("MEMEFI_RPC_TOKEN", "")
	server := NewServer(nil, ServerConfig{})
	_, fan := testAddress(t, 0x0F)

	recorder, resp := invoke(t, server, "meme_mint", "anything", map[string]interface{}{"caller": fan, "id": "m1"})
	if recorder.Code != http.StatusUnauthorized || resp.Error == nil || resp.Error.Code != codeUnauthorized {
		t.Fatalf("expected unauthorized when no token configured, got status %d error %+v", recorder.Code, resp.Error)
	}
}

func TestMemeMethodNotFound(t *testing.T) {
	server := newTestServer(t)
	recorder, resp := invoke(t, server, "meme_destroy", "")
	if recorder.Code != http.StatusNotFound || resp.Error == nil || resp.Error.Code != codeMethodNotFound {
		t.Fatalf("expected method not found, got status %d error %+v", recorder.Code, resp.Error)
	}
}

func TestMutationRateLimitEnforced(t *testing.T) {
	server := newTestServer(t)
	_, fan := testAddress(t, 0x10)

	for i := 0; i < maxMutationsPerWindow; i++ {
		recorder, resp := invoke(t, server, "meme_like", testRPCToken, map[string]interface{}{"caller": fan, "id": "missing"})
		if recorder.Code == http.StatusTooManyRequests {
			t.Fatalf("request %d throttled too early", i)
		}
		if resp.Error == nil || resp.Error.Code != codeMemeNotFound {
			t.Fatalf("expected not found for request %d, got %+v", i, resp.Error)
		}
	}

	recorder, resp := invoke(t, server, "meme_like", testRPCToken, map[string]interface{}{"caller": fan, "id": "missing"})
	if recorder.Code != http.StatusTooManyRequests || resp.Error == nil || resp.Error.Code != codeRateLimited {
		t.Fatalf("expected rate limit rejection, got status %d error %+v", recorder.Code, resp.Error)
	}
}

func TestActivityWSStreamsLedgerActivity(t *testing.T) {
	server := newTestServer(t)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	owner, _ := testAddress(t, 0x11)
	fan, _ := testAddress(t, 0x12)
	if _, err := server.node.MintMeme(owner, "m1", "ipfs://m1", "m1", "", 0); err != nil {
		t.Fatalf("mint: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/activity?cursor=0"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read backlog: %v", err)
	}
	var update core.ActivityUpdate
	if err := json.Unmarshal(data, &update); err != nil {
		t.Fatalf("decode backlog update: %v", err)
	}
	if update.Event == nil || update.Event.Type != meme.EventTypeMinted || update.Cursor != "1" {
		t.Fatalf("unexpected backlog update: %+v", update)
	}

	if _, err := server.node.LikeMeme(fan, "m1"); err != nil {
		t.Fatalf("like: %v", err)
	}
	_, data, err = conn.Read(ctx)
	if err != nil {
		t.Fatalf("read live update: %v", err)
	}
	if err := json.Unmarshal(data, &update); err != nil {
		t.Fatalf("decode live update: %v", err)
	}
	if update.Event == nil || update.Event.Type != meme.EventTypeLiked || update.Sequence != 2 {
		t.Fatalf("unexpected live update: %+v", update)
	}
}
