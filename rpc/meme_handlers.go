package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"memefi/crypto"
	"memefi/native/meme"
	"memefi/observability"
)

const (
	codeMemeInvalidParams = -32061
	codeMemeNotFound      = -32062
	codeMemeConflict      = -32063
	codeMemeInternal      = -32064
)

type memeMintParams struct {
	Caller      string `json:"caller"`
	ID          string `json:"id"`
	MediaURL    string `json:"mediaUrl"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Royalty     *uint8 `json:"royalty"`
}

type memeIDParams struct {
	ID string `json:"id"`
}

type memeEngageParams struct {
	Caller string `json:"caller"`
	ID     string `json:"id"`
}

type memeCommentParams struct {
	Caller string `json:"caller"`
	ID     string `json:"id"`
	Text   string `json:"text"`
}

type memeListParams struct {
	FromIndex *uint64 `json:"fromIndex"`
	Limit     *uint64 `json:"limit"`
}

type memeOwnerParams struct {
	Owner string `json:"owner"`
}

type memeAddressParams struct {
	Address string `json:"address"`
}

type memeJSON struct {
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

type memeCommentJSON struct {
	User      string `json:"user"`
	Text      string `json:"text"`
	Timestamp uint64 `json:"timestamp"`
}

type memeStatsJSON struct {
	Address       string `json:"address"`
	TotalLikes    uint32 `json:"totalLikes"`
	TotalComments uint32 `json:"totalComments"`
	TotalEarnings string `json:"totalEarnings"`
}

type memeCountResult struct {
	Count uint64 `json:"count"`
}

type memeLikesResult struct {
	ID    string `json:"id"`
	Count uint32 `json:"count"`
}

func parseBech32Address(value string) ([20]byte, error) {
	var out [20]byte
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return out, fmt.Errorf("address required")
	}
	decoded, err := crypto.DecodeAddress(trimmed)
	if err != nil {
		return out, err
	}
	copy(out[:], decoded.Bytes())
	return out, nil
}

func formatMemeAddress(addr [20]byte) string {
	return crypto.MustNewAddress(crypto.MemePrefix, addr[:]).String()
}

func formatMemeJSON(record *meme.MemeRecord) memeJSON {
	return memeJSON{
		ID:                record.ID,
		Owner:             formatMemeAddress(record.Owner),
		Creator:           formatMemeAddress(record.Creator),
		MediaURL:          record.MediaURL,
		Title:             record.Title,
		Description:       record.Description,
		Royalty:           record.Royalty,
		LikesCount:        record.LikesCount,
		CommentsCount:     record.CommentsCount,
		LastLikeTimestamp: record.LastLikeTimestamp,
	}
}

func formatMemeList(records []*meme.MemeRecord) []memeJSON {
	out := make([]memeJSON, 0, len(records))
	for _, record := range records {
		if record == nil {
			continue
		}
		out = append(out, formatMemeJSON(record))
	}
	return out
}

func formatMemeComments(comments []meme.Comment) []memeCommentJSON {
	out := make([]memeCommentJSON, 0, len(comments))
	for _, comment := range comments {
		out = append(out, memeCommentJSON{
			User:      formatMemeAddress(comment.User),
			Text:      comment.Text,
			Timestamp: comment.Timestamp,
		})
	}
	return out
}

func formatMemeStats(stats *meme.UserStats) memeStatsJSON {
	earnings := "0"
	if stats.TotalEarnings != nil {
		earnings = stats.TotalEarnings.String()
	}
	return memeStatsJSON{
		Address:       formatMemeAddress(stats.Address),
		TotalLikes:    stats.TotalLikes,
		TotalComments: stats.TotalComments,
		TotalEarnings: earnings,
	}
}

func writeMemeError(w http.ResponseWriter, id interface{}, err error) {
	if err == nil {
		return
	}
	status := http.StatusInternalServerError
	code := codeMemeInternal
	message := "internal_error"
	data := err.Error()
	switch {
	case errors.Is(err, meme.ErrNotFound):
		status = http.StatusNotFound
		code = codeMemeNotFound
		message = "not_found"
	case errors.Is(err, meme.ErrInvalidRoyalty) || errors.Is(err, meme.ErrEmptyComment) ||
		errors.Is(err, meme.ErrCommentTooLong):
		status = http.StatusBadRequest
		code = codeMemeInvalidParams
		message = "invalid_params"
	case errors.Is(err, meme.ErrDuplicateID) || errors.Is(err, meme.ErrAlreadyLiked) ||
		errors.Is(err, meme.ErrNotLiked) || errors.Is(err, meme.ErrNoLikeHistory):
		status = http.StatusConflict
		code = codeMemeConflict
		message = "conflict"
	}
	writeError(w, status, id, code, message, data)
}

// throttleMutation applies the per-source mutation rate limit. It writes the
// rejection response itself and reports whether the caller may proceed.
func (s *Server) throttleMutation(w http.ResponseWriter, r *http.Request, req *RPCRequest) bool {
	if s.allowSource(s.clientSource(r), time.Now()) {
		return true
	}
	observability.ModuleMetrics().RecordThrottle("meme", "rate_limit")
	writeError(w, http.StatusTooManyRequests, req.ID, codeRateLimited, "mutation rate limit exceeded", nil)
	return false
}

func (s *Server) handleMemeMint(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if !s.throttleMutation(w, r, req) {
		return
	}
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeMemeInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params memeMintParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMemeInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMemeInvalidParams, "invalid_params", err.Error())
		return
	}
	royalty := uint8(0)
	if params.Royalty != nil {
		royalty = *params.Royalty
	}
	record, err := s.node.MintMeme(caller, params.ID, params.MediaURL, params.Title, params.Description, royalty)
	if err != nil {
		writeMemeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatMemeJSON(record))
}

func (s *Server) handleMemeLike(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if !s.throttleMutation(w, r, req) {
		return
	}
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeMemeInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params memeEngageParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMemeInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMemeInvalidParams, "invalid_params", err.Error())
		return
	}
	record, err := s.node.LikeMeme(caller, params.ID)
	if err != nil {
		writeMemeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatMemeJSON(record))
}

func (s *Server) handleMemeUnlike(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if !s.throttleMutation(w, r, req) {
		return
	}
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeMemeInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params memeEngageParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMemeInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMemeInvalidParams, "invalid_params", err.Error())
		return
	}
	record, err := s.node.UnlikeMeme(caller, params.ID)
	if err != nil {
		writeMemeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatMemeJSON(record))
}

func (s *Server) handleMemeComment(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if !s.throttleMutation(w, r, req) {
		return
	}
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeMemeInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params memeCommentParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMemeInvalidParams, "invalid_params", err.Error())
		return
	}
	caller, err := parseBech32Address(params.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMemeInvalidParams, "invalid_params", err.Error())
		return
	}
	comment, err := s.node.CommentMeme(caller, params.ID, params.Text)
	if err != nil {
		writeMemeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, memeCommentJSON{
		User:      formatMemeAddress(comment.User),
		Text:      comment.Text,
		Timestamp: comment.Timestamp,
	})
}

func (s *Server) handleMemeGet(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeMemeInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params memeIDParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMemeInvalidParams, "invalid_params", err.Error())
		return
	}
	record, ok, err := s.node.GetMeme(params.ID)
	if err != nil {
		writeMemeError(w, req.ID, err)
		return
	}
	if !ok {
		writeResult(w, req.ID, json.RawMessage("null"))
		return
	}
	writeResult(w, req.ID, formatMemeJSON(record))
}

func (s *Server) handleMemeList(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if len(req.Params) > 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeMemeInvalidParams, "invalid_params", "at most one parameter object expected")
		return
	}
	var params memeListParams
	if len(req.Params) == 1 {
		if err := json.Unmarshal(req.Params[0], &params); err != nil {
			writeError(w, http.StatusBadRequest, req.ID, codeMemeInvalidParams, "invalid_params", err.Error())
			return
		}
	}
	records, err := s.node.ListMemes(params.FromIndex, params.Limit)
	if err != nil {
		writeMemeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatMemeList(records))
}

func (s *Server) handleMemeListByOwner(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeMemeInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params memeOwnerParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMemeInvalidParams, "invalid_params", err.Error())
		return
	}
	owner, err := parseBech32Address(params.Owner)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMemeInvalidParams, "invalid_params", err.Error())
		return
	}
	records, err := s.node.ListMemesByOwner(owner)
	if err != nil {
		writeMemeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatMemeList(records))
}

func (s *Server) handleMemeCount(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if len(req.Params) != 0 {
		writeError(w, http.StatusBadRequest, req.ID, codeMemeInvalidParams, "invalid_params", "no parameters expected")
		return
	}
	count, err := s.node.MemeCount()
	if err != nil {
		writeMemeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, memeCountResult{Count: count})
}

func (s *Server) handleMemeGetLikes(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeMemeInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params memeIDParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMemeInvalidParams, "invalid_params", err.Error())
		return
	}
	count, err := s.node.MemeLikes(params.ID)
	if err != nil {
		writeMemeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, memeLikesResult{ID: params.ID, Count: count})
}

func (s *Server) handleMemeGetComments(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeMemeInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params memeIDParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMemeInvalidParams, "invalid_params", err.Error())
		return
	}
	comments, err := s.node.MemeComments(params.ID)
	if err != nil {
		writeMemeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatMemeComments(comments))
}

func (s *Server) handleMemeGetUserStats(w http.ResponseWriter, r *http.Request, req *RPCRequest) {
	if len(req.Params) != 1 {
		writeError(w, http.StatusBadRequest, req.ID, codeMemeInvalidParams, "invalid_params", "exactly one parameter object expected")
		return
	}
	var params memeAddressParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMemeInvalidParams, "invalid_params", err.Error())
		return
	}
	addr, err := parseBech32Address(params.Address)
	if err != nil {
		writeError(w, http.StatusBadRequest, req.ID, codeMemeInvalidParams, "invalid_params", err.Error())
		return
	}
	stats, err := s.node.MemeUserStats(addr)
	if err != nil {
		writeMemeError(w, req.ID, err)
		return
	}
	writeResult(w, req.ID, formatMemeStats(stats))
}
