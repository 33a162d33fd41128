package main

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
)

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func TestDoRPCRequestDialErrorIncludesEndpointAndCause(t *testing.T) {
	originalEndpoint := rpcEndpoint
	rpcEndpoint = "http://test.invalid"
	defer func() { rpcEndpoint = originalEndpoint }()

	originalClient := http.DefaultClient
	http.DefaultClient = &http.Client{Transport: roundTripperFunc(func(*http.Request) (*http.Response, error) {
		return nil, errors.New("dial tcp 127.0.0.1:8080: connect: connection refused (test stub)")
	})}
	defer func() { http.DefaultClient = originalClient }()

	_, err := doRPCRequest([]byte(`{}`), false)
	if err == nil {
		t.Fatal("expected an error")
	}
	if !strings.Contains(err.Error(), "POST http://test.invalid") {
		t.Fatalf("expected error to include endpoint, got %q", err.Error())
	}
	if !strings.Contains(err.Error(), "connection refused (test stub)") {
		t.Fatalf("expected error to include underlying cause, got %q", err.Error())
	}
}

func TestDoRPCRequestRequiresTokenForPrivilegedCalls(t *testing.T) {
	originalToken := rpcAuthToken
	rpcAuthToken = ""
	defer func() { rpcAuthToken = originalToken }()

	_, err := doRPCRequest([]byte(`{}`), true)
	if err == nil {
		t.Fatal("expected an error")
	}
	if !strings.Contains(err.Error(), "MEMEFI_RPC_TOKEN") {
		t.Fatalf("expected error to name the token variable, got %q", err.Error())
	}
}

func TestDoRPCRequestAttachesBearerToken(t *testing.T) {
	originalToken := rpcAuthToken
	rpcAuthToken = "cli-secret"
	defer func() { rpcAuthToken = originalToken }()

	var gotAuth string
	originalClient := http.DefaultClient
	http.DefaultClient = &http.Client{Transport: roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		gotAuth = req.Header.Get("Authorization")
		return &http.Response{
			StatusCode: http.StatusOK,
			Body:       io.NopCloser(strings.NewReader(`{"result":null}`)),
			Header:     make(http.Header),
		}, nil
	})}
	defer func() { http.DefaultClient = originalClient }()

	resp, err := doRPCRequest([]byte(`{}`), true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()
	if gotAuth != "Bearer cli-secret" {
		t.Fatalf("unexpected Authorization header %q", gotAuth)
	}
}

func TestDefaultRPCEndpoint(t *testing.T) {
	t.Setenv("RPC_URL", "")
	if got := defaultRPCEndpoint(); got != "http://localhost:8080" {
		t.Fatalf("unexpected default endpoint %q", got)
	}

	t.Setenv("RPC_URL", " http://node.internal:9090 ")
	if got := defaultRPCEndpoint(); got != "http://node.internal:9090" {
		t.Fatalf("expected env override, got %q", got)
	}
}

func TestApplyGlobalFlags(t *testing.T) {
	originalEndpoint := rpcEndpoint
	defer func() { rpcEndpoint = originalEndpoint }()

	rpcEndpoint = "http://localhost:8080"
	rest, err := applyGlobalFlags([]string{"--rpc", "http://override:1234", "count"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rpcEndpoint != "http://override:1234" {
		t.Fatalf("unexpected endpoint %q", rpcEndpoint)
	}
	if len(rest) != 1 || rest[0] != "count" {
		t.Fatalf("unexpected remaining args %v", rest)
	}

	rpcEndpoint = "http://localhost:8080"
	rest, err = applyGlobalFlags([]string{"--rpc=http://inline:4321", "list"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rpcEndpoint != "http://inline:4321" {
		t.Fatalf("unexpected endpoint %q", rpcEndpoint)
	}
	if len(rest) != 1 || rest[0] != "list" {
		t.Fatalf("unexpected remaining args %v", rest)
	}

	if _, err := applyGlobalFlags([]string{"--rpc"}); err == nil {
		t.Fatal("expected error for missing --rpc value")
	}
}
