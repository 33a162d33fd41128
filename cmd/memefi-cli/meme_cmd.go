package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strings"
)

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

var (
	memeRPCCall       = callMemeRPC
	memeCallerAddress = resolveCallerAddress
)

func runMemeCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, memeUsage())
		return 1
	}

	switch args[0] {
	case "mint":
		return runMemeMint(args[1:], stdout, stderr)
	case "like":
		return runMemeLike(args[1:], stdout, stderr)
	case "unlike":
		return runMemeUnlike(args[1:], stdout, stderr)
	case "comment":
		return runMemeComment(args[1:], stdout, stderr)
	case "get":
		return runMemeGet(args[1:], stdout, stderr)
	case "list":
		return runMemeList(args[1:], stdout, stderr)
	case "list-owner":
		return runMemeListOwner(args[1:], stdout, stderr)
	case "count":
		return runMemeCount(args[1:], stdout, stderr)
	case "likes":
		return runMemeLikes(args[1:], stdout, stderr)
	case "comments":
		return runMemeComments(args[1:], stdout, stderr)
	case "stats":
		return runMemeStats(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown meme command: %s\n", args[0])
		fmt.Fprintln(stderr, memeUsage())
		return 1
	}
}

func newMemeFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func runMemeMint(args []string, stdout, stderr io.Writer) int {
	fs := newMemeFlagSet("mint", stderr)
	var (
		id      string
		media   string
		title   string
		desc    string
		royalty uint
		keyFile string
	)
	fs.StringVar(&id, "id", "", "unique meme identifier")
	fs.StringVar(&media, "media", "", "media URL for the meme")
	fs.StringVar(&title, "title", "", "meme title")
	fs.StringVar(&desc, "desc", "", "meme description")
	fs.UintVar(&royalty, "royalty", 0, "creator royalty percentage (0-100)")
	fs.StringVar(&keyFile, "key", keyFileName, "path to the keystore file")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		return printMemeError(stderr, "unexpected positional arguments")
	}
	trimmedID := strings.TrimSpace(id)
	if trimmedID == "" {
		return printMemeError(stderr, "--id is required")
	}
	trimmedMedia := strings.TrimSpace(media)
	if trimmedMedia == "" {
		return printMemeError(stderr, "--media is required")
	}
	if royalty > 100 {
		return printMemeError(stderr, "--royalty must be between 0 and 100")
	}
	caller, err := memeCallerAddress(keyFile)
	if err != nil {
		return printMemeError(stderr, err.Error())
	}
	params := []interface{}{map[string]interface{}{
		"caller":      caller,
		"id":          trimmedID,
		"mediaUrl":    trimmedMedia,
		"title":       title,
		"description": desc,
		"royalty":     royalty,
	}}
	result, rpcErr, err := memeRPCCall("meme_mint", params, true)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runMemeLike(args []string, stdout, stderr io.Writer) int {
	return runMemeEngage("like", "meme_like", args, stdout, stderr)
}

func runMemeUnlike(args []string, stdout, stderr io.Writer) int {
	return runMemeEngage("unlike", "meme_unlike", args, stdout, stderr)
}

func runMemeEngage(name, method string, args []string, stdout, stderr io.Writer) int {
	fs := newMemeFlagSet(name, stderr)
	var (
		id      string
		keyFile string
	)
	fs.StringVar(&id, "id", "", "meme identifier")
	fs.StringVar(&keyFile, "key", keyFileName, "path to the keystore file")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		return printMemeError(stderr, "unexpected positional arguments")
	}
	trimmedID := strings.TrimSpace(id)
	if trimmedID == "" {
		return printMemeError(stderr, "--id is required")
	}
	caller, err := memeCallerAddress(keyFile)
	if err != nil {
		return printMemeError(stderr, err.Error())
	}
	params := []interface{}{map[string]interface{}{
		"caller": caller,
		"id":     trimmedID,
	}}
	result, rpcErr, err := memeRPCCall(method, params, true)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runMemeComment(args []string, stdout, stderr io.Writer) int {
	fs := newMemeFlagSet("comment", stderr)
	var (
		id      string
		text    string
		keyFile string
	)
	fs.StringVar(&id, "id", "", "meme identifier")
	fs.StringVar(&text, "text", "", "comment text")
	fs.StringVar(&keyFile, "key", keyFileName, "path to the keystore file")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		return printMemeError(stderr, "unexpected positional arguments")
	}
	trimmedID := strings.TrimSpace(id)
	if trimmedID == "" {
		return printMemeError(stderr, "--id is required")
	}
	if strings.TrimSpace(text) == "" {
		return printMemeError(stderr, "--text is required")
	}
	caller, err := memeCallerAddress(keyFile)
	if err != nil {
		return printMemeError(stderr, err.Error())
	}
	// The node trims stored text and enforces the length cap on the raw
	// value, so the flag value passes through unmodified.
	params := []interface{}{map[string]interface{}{
		"caller": caller,
		"id":     trimmedID,
		"text":   text,
	}}
	result, rpcErr, err := memeRPCCall("meme_comment", params, true)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runMemeGet(args []string, stdout, stderr io.Writer) int {
	return runMemeIDQuery("get", "meme_get", args, stdout, stderr)
}

func runMemeLikes(args []string, stdout, stderr io.Writer) int {
	return runMemeIDQuery("likes", "meme_getLikes", args, stdout, stderr)
}

func runMemeComments(args []string, stdout, stderr io.Writer) int {
	return runMemeIDQuery("comments", "meme_getComments", args, stdout, stderr)
}

func runMemeIDQuery(name, method string, args []string, stdout, stderr io.Writer) int {
	fs := newMemeFlagSet(name, stderr)
	var id string
	fs.StringVar(&id, "id", "", "meme identifier")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		return printMemeError(stderr, "unexpected positional arguments")
	}
	trimmedID := strings.TrimSpace(id)
	if trimmedID == "" {
		return printMemeError(stderr, "--id is required")
	}
	params := []interface{}{map[string]interface{}{"id": trimmedID}}
	result, rpcErr, err := memeRPCCall(method, params, false)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runMemeList(args []string, stdout, stderr io.Writer) int {
	fs := newMemeFlagSet("list", stderr)
	var (
		from  uint64
		limit uint64
	)
	fs.Uint64Var(&from, "from", 0, "index of the first meme to return")
	fs.Uint64Var(&limit, "limit", 0, "maximum number of memes to return")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		return printMemeError(stderr, "unexpected positional arguments")
	}
	page := map[string]interface{}{}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "from":
			page["fromIndex"] = from
		case "limit":
			page["limit"] = limit
		}
	})
	params := []interface{}{}
	if len(page) > 0 {
		params = append(params, page)
	}
	result, rpcErr, err := memeRPCCall("meme_list", params, false)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runMemeListOwner(args []string, stdout, stderr io.Writer) int {
	fs := newMemeFlagSet("list-owner", stderr)
	var owner string
	fs.StringVar(&owner, "owner", "", "bech32 address owning the memes")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		return printMemeError(stderr, "unexpected positional arguments")
	}
	trimmed := strings.TrimSpace(owner)
	if trimmed == "" {
		return printMemeError(stderr, "--owner is required")
	}
	params := []interface{}{map[string]interface{}{"owner": trimmed}}
	result, rpcErr, err := memeRPCCall("meme_listByOwner", params, false)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runMemeCount(args []string, stdout, stderr io.Writer) int {
	fs := newMemeFlagSet("count", stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		return printMemeError(stderr, "unexpected positional arguments")
	}
	result, rpcErr, err := memeRPCCall("meme_count", []interface{}{}, false)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runMemeStats(args []string, stdout, stderr io.Writer) int {
	fs := newMemeFlagSet("stats", stderr)
	var addr string
	fs.StringVar(&addr, "addr", "", "bech32 address to inspect")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		return printMemeError(stderr, "unexpected positional arguments")
	}
	trimmed := strings.TrimSpace(addr)
	if trimmed == "" {
		return printMemeError(stderr, "--addr is required")
	}
	params := []interface{}{map[string]interface{}{"address": trimmed}}
	result, rpcErr, err := memeRPCCall("meme_getUserStats", params, false)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func printMemeError(w io.Writer, msg string) int {
	fmt.Fprintf(w, "Error: %s\n", msg)
	return 1
}

func handleRPCError(w io.Writer, err *rpcError) int {
	if err == nil {
		return 0
	}
	fmt.Fprintf(w, "RPC error %d: %s\n", err.Code, err.Message)
	return 1
}

func handleRPCCallError(w io.Writer, err error) int {
	if err == nil {
		return 0
	}
	fmt.Fprintf(w, "RPC call failed: %v\n", err)
	return 1
}

func writeRPCResult(w io.Writer, result json.RawMessage) {
	if len(result) == 0 {
		fmt.Fprintln(w, "null")
		return
	}
	if _, err := w.Write(result); err == nil {
		if len(result) == 0 || result[len(result)-1] != '\n' {
			fmt.Fprintln(w)
		}
	}
}

func memeUsage() string {
	return strings.TrimSpace(`Usage:
  memefi-cli <command> [flags]

Commands:
  mint        Mint a new meme owned by your key
  like        Like a meme
  unlike      Remove your like from a meme
  comment     Comment on a meme
  get         Fetch a single meme
  list        List memes in mint order
  list-owner  List memes owned by an address
  count       Print the total number of memes
  likes       Print the like count for a meme
  comments    Print the comments on a meme
  stats       Print aggregate stats for a user
`)
}

func callMemeRPC(method string, params []interface{}, requireAuth bool) (json.RawMessage, *rpcError, error) {
	payload := map[string]interface{}{"id": 1, "method": method, "params": params}
	body, _ := json.Marshal(payload)
	resp, err := doRPCRequest(body, requireAuth)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, nil, fmt.Errorf("failed to decode response from node")
	}
	return rpcResp.Result, rpcResp.Error, nil
}
