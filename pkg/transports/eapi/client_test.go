package eapi

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeSwitch answers runCmds requests with a handler per test.
type fakeSwitch struct {
	server  *httptest.Server
	respond func(req request) (any, int)

	mu       sync.Mutex
	requests []request
}

func (fs *fakeSwitch) received() []request {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]request(nil), fs.requests...)
}

func newFakeSwitch(t *testing.T, respond func(req request) (any, int)) *fakeSwitch {
	t.Helper()

	fs := &fakeSwitch{respond: respond}
	fs.server = httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "admin" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Path != "/command-api" {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		fs.mu.Lock()
		fs.requests = append(fs.requests, req)
		fs.mu.Unlock()

		body, status := fs.respond(req)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(fs.server.Close)

	return fs
}

func (fs *fakeSwitch) config(t *testing.T) *Config {
	t.Helper()

	u, err := url.Parse(fs.server.URL)
	if err != nil {
		t.Fatalf("failed to parse server url: %v", err)
	}
	host, portStr, _ := net.SplitHostPort(u.Host)
	port, _ := strconv.Atoi(portStr)

	config := DefaultConfig(host, "admin", "secret")
	config.Port = port
	config.Timeout = 5 * time.Second
	return config
}

func okResponse(req request, outputs ...string) (any, int) {
	results := make([]Result, len(outputs))
	for i, o := range outputs {
		results[i] = Result{Output: o}
	}
	return response{JSONRPC: "2.0", ID: req.ID, Result: results}, http.StatusOK
}

func TestRunCmds(t *testing.T) {
	fs := newFakeSwitch(t, func(req request) (any, int) {
		return okResponse(req, "", "hostname sw1\n")
	})

	client, err := NewClient(fs.config(t))
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	defer client.Close()

	results, err := client.RunCmds(context.Background(), []Command{
		{Cmd: "enable"},
		{Cmd: "copy terminal: session-config", Input: "hostname sw1\n"},
	}, FormatText)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[1].Output != "hostname sw1\n" {
		t.Errorf("unexpected output %q", results[1].Output)
	}

	requests := fs.received()
	if len(requests) != 1 {
		t.Fatalf("expected one request, got %d", len(requests))
	}
	req := requests[0]
	if req.Method != "runCmds" || req.JSONRPC != "2.0" {
		t.Errorf("unexpected envelope: %+v", req)
	}
	if req.Params.Version != 1 || req.Params.Format != FormatText {
		t.Errorf("unexpected params: %+v", req.Params)
	}
	if req.ID == "" {
		t.Error("expected a request id")
	}
	if req.Params.Cmds[1].Input != "hostname sw1\n" {
		t.Errorf("expected input to be sent, got %+v", req.Params.Cmds[1])
	}
}

func TestCommandMarshalJSON(t *testing.T) {
	data, err := json.Marshal(Cmds("enable", "configure session"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != `["enable","configure session"]` {
		t.Errorf("unexpected encoding: %s", data)
	}

	data, err = json.Marshal(Command{Cmd: "copy terminal: session-config", Input: "x"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != `{"cmd":"copy terminal: session-config","input":"x"}` {
		t.Errorf("unexpected encoding: %s", data)
	}
}

func TestRunCmdsRPCError(t *testing.T) {
	fs := newFakeSwitch(t, func(req request) (any, int) {
		return response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error: &RPCError{
				Code:    1002,
				Message: "CLI command 2 of 2 'commit' failed: invalid command",
				Data: []json.RawMessage{
					json.RawMessage(`{}`),
					json.RawMessage(`{"errors":["Commit failed"]}`),
				},
			},
		}, http.StatusOK
	})

	client, err := NewClient(fs.config(t))
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	_, err = client.RunCmds(context.Background(), Cmds("enable", "commit"), FormatText)

	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected *RPCError, got %T: %v", err, err)
	}
	if rpcErr.Code != 1002 {
		t.Errorf("expected code 1002, got %d", rpcErr.Code)
	}
	if details := rpcErr.Details(); len(details) != 1 || details[0] != "Commit failed" {
		t.Errorf("unexpected details: %v", details)
	}
	if !strings.Contains(err.Error(), "Commit failed") {
		t.Errorf("expected details in message, got %q", err.Error())
	}
}

func TestRunCmdsTransportFaults(t *testing.T) {
	tests := []struct {
		name     string
		respond  func(req request) (any, int)
		password string
		auth     bool
	}{
		{
			name: "server error",
			respond: func(req request) (any, int) {
				return map[string]string{}, http.StatusInternalServerError
			},
		},
		{
			name: "bad credentials",
			respond: func(req request) (any, int) {
				return okResponse(req, "")
			},
			password: "wrong",
			auth:     true,
		},
		{
			name: "mismatched id",
			respond: func(req request) (any, int) {
				return response{JSONRPC: "2.0", ID: "other", Result: []Result{{}}}, http.StatusOK
			},
		},
		{
			name: "short result",
			respond: func(req request) (any, int) {
				return okResponse(req)
			},
		},
		{
			name: "malformed body",
			respond: func(req request) (any, int) {
				return "not an object", http.StatusOK
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := newFakeSwitch(t, tt.respond)
			config := fs.config(t)
			if tt.password != "" {
				config.Password = tt.password
			}

			client, err := NewClient(config)
			if err != nil {
				t.Fatalf("failed to create client: %v", err)
			}

			_, err = client.RunCmds(context.Background(), Cmds("enable"), FormatText)

			var te *TransportError
			if !errors.As(err, &te) {
				t.Fatalf("expected *TransportError, got %T: %v", err, err)
			}
			if te.IsAuthError != tt.auth {
				t.Errorf("expected auth error %v, got %v", tt.auth, te.IsAuthError)
			}
		})
	}
}

func TestRunCmdsUnreachable(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	_, portStr, _ := net.SplitHostPort(listener.Addr().String())
	port, _ := strconv.Atoi(portStr)
	listener.Close()

	config := DefaultConfig("127.0.0.1", "admin", "secret")
	config.Port = port
	config.Timeout = 2 * time.Second

	client, err := NewClient(config)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	_, err = client.RunCmds(context.Background(), Cmds("enable"), FormatText)

	var te *TransportError
	if !errors.As(err, &te) || !te.Temporary() {
		t.Fatalf("expected temporary *TransportError, got %v", err)
	}
}

func TestVerifyTLSRejectsSelfSigned(t *testing.T) {
	fs := newFakeSwitch(t, func(req request) (any, int) {
		return okResponse(req, "")
	})

	config := fs.config(t)
	config.VerifyTLS = true

	client, err := NewClient(config)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	if _, err := client.RunCmds(context.Background(), Cmds("enable"), FormatText); err == nil {
		t.Fatal("expected certificate verification failure, got nil")
	}
	if len(fs.received()) != 0 {
		t.Error("expected no request to reach the device")
	}
}

func TestBuildTLSConfig(t *testing.T) {
	config := DefaultConfig("sw1", "admin", "secret")

	tlsConfig, err := config.BuildTLSConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if tlsConfig.MinVersion != tls.VersionTLS12 {
		t.Errorf("expected TLS 1.2 minimum, got %x", tlsConfig.MinVersion)
	}
	if !tlsConfig.InsecureSkipVerify {
		t.Error("expected verification disabled by default")
	}
	if len(tlsConfig.CipherSuites) != 2 || tlsConfig.CipherSuites[0] != tls.TLS_RSA_WITH_AES_256_CBC_SHA {
		t.Errorf("unexpected cipher suites: %v", tlsConfig.CipherSuites)
	}

	config.VerifyTLS = true
	tlsConfig, err = config.BuildTLSConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tlsConfig.InsecureSkipVerify {
		t.Error("expected verification enabled")
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name       string
		modifyFunc func(*Config)
		errorMsg   string
	}{
		{name: "valid", modifyFunc: func(c *Config) {}},
		{name: "missing host", modifyFunc: func(c *Config) { c.Host = "" }, errorMsg: "host is required"},
		{name: "invalid port", modifyFunc: func(c *Config) { c.Port = 70000 }, errorMsg: "invalid port"},
		{name: "missing username", modifyFunc: func(c *Config) { c.Username = "" }, errorMsg: "username is required"},
		{name: "zero timeout", modifyFunc: func(c *Config) { c.Timeout = 0 }, errorMsg: "timeout must be positive"},
		{name: "ca without verify", modifyFunc: func(c *Config) { c.CAFile = "/etc/ca.pem" }, errorMsg: "requires tls verification"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig("sw1", "admin", "secret")
			tt.modifyFunc(config)

			err := config.Validate()
			if tt.errorMsg == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("expected error containing %q, got %v", tt.errorMsg, err)
			}
		})
	}
}

func TestEndpoint(t *testing.T) {
	config := DefaultConfig("sw1.example.net", "admin", "secret")
	if got := config.Endpoint(); got != "https://sw1.example.net:443/command-api" {
		t.Errorf("unexpected endpoint %s", got)
	}
}
