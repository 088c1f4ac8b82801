// Package eapi implements a minimal client for the EOS command API: a JSON-RPC
// runCmds endpoint served over HTTPS with basic authentication.
package eapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Output formats accepted by runCmds.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// maxResponseSize bounds the body read from a device.
const maxResponseSize = 32 << 20

// Command is one CLI command in a runCmds batch. Input is fed to commands that
// read from the terminal, such as "copy terminal: session-config".
type Command struct {
	Cmd   string `json:"cmd"`
	Input string `json:"input,omitempty"`
}

// MarshalJSON encodes commands without input as plain strings.
func (c Command) MarshalJSON() ([]byte, error) {
	if c.Input == "" {
		return json.Marshal(c.Cmd)
	}
	type command Command
	return json.Marshal(command(c))
}

// UnmarshalJSON accepts both the string and the object form.
func (c *Command) UnmarshalJSON(data []byte) error {
	var cmd string
	if err := json.Unmarshal(data, &cmd); err == nil {
		*c = Command{Cmd: cmd}
		return nil
	}
	type command Command
	var obj command
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*c = Command(obj)
	return nil
}

// Cmds converts plain command strings into a batch.
func Cmds(cmds ...string) []Command {
	out := make([]Command, len(cmds))
	for i, c := range cmds {
		out[i] = Command{Cmd: c}
	}
	return out
}

// Result is the output of one command in text format.
type Result struct {
	Output string `json:"output"`
}

// RPCError is an error object returned by the device. The batch stops at the
// first failing command; Data holds one entry per command that ran.
type RPCError struct {
	Code    int               `json:"code"`
	Message string            `json:"message"`
	Data    []json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	msg := fmt.Sprintf("eapi error %d: %s", e.Code, e.Message)
	if details := e.Details(); len(details) > 0 {
		msg += ": " + strings.Join(details, "; ")
	}
	return msg
}

// Details returns the per-command error messages carried in Data.
func (e *RPCError) Details() []string {
	var details []string
	for _, raw := range e.Data {
		var entry struct {
			Errors []string `json:"errors"`
		}
		if err := json.Unmarshal(raw, &entry); err != nil {
			continue
		}
		details = append(details, entry.Errors...)
	}
	return details
}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  params `json:"params"`
	ID      string `json:"id"`
}

type params struct {
	Version int       `json:"version"`
	Cmds    []Command `json:"cmds"`
	Format  string    `json:"format"`
}

type response struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      string    `json:"id"`
	Result  []Result  `json:"result"`
	Error   *RPCError `json:"error"`
}

// TransportError represents a failure to reach the command API or to read a
// well-formed response from it.
type TransportError struct {
	// Op is the operation that failed (e.g., "request", "decode")
	Op string

	// Err is the underlying error
	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates the device rejected the credentials
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return "eapi " + e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

// Client issues runCmds batches against one device.
type Client struct {
	config     *Config
	endpoint   string
	httpClient *http.Client
}

// NewClient creates a client with the TLS settings of config.
func NewClient(config *Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	tlsConfig, err := config.BuildTLSConfig()
	if err != nil {
		return nil, err
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tlsConfig

	return &Client{
		config:   config,
		endpoint: config.Endpoint(),
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   config.Timeout,
		},
	}, nil
}

// Close releases idle connections.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

// RunCmds executes cmds as a single batch. A non-nil error is either a
// *TransportError or an *RPCError; partial results are never returned.
func (c *Client) RunCmds(ctx context.Context, cmds []Command, format string) ([]Result, error) {
	startTime := time.Now()

	if format == "" {
		format = FormatText
	}

	reqBody := request{
		JSONRPC: "2.0",
		Method:  "runCmds",
		Params: params{
			Version: 1,
			Cmds:    cmds,
			Format:  format,
		},
		ID: uuid.New().String(),
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, &TransportError{Op: "encode", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, &TransportError{Op: "request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.config.Username, c.config.Password)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{
			Op:          "request",
			Err:         err,
			IsTemporary: true,
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, &TransportError{
			Op:          "read",
			Err:         err,
			IsTemporary: true,
		}
	}

	log.Debug().
		Str("host", c.config.Host).
		Int("commands", len(cmds)).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(startTime)).
		Msg("eapi request completed")

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &TransportError{
			Op:          "request",
			Err:         fmt.Errorf("authentication failed: %s", resp.Status),
			IsAuthError: true,
		}
	case resp.StatusCode != http.StatusOK:
		return nil, &TransportError{
			Op:          "request",
			Err:         fmt.Errorf("unexpected HTTP status: %s", resp.Status),
			IsTemporary: resp.StatusCode >= http.StatusInternalServerError,
		}
	}

	var rpcResp response
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return nil, &TransportError{
			Op:  "decode",
			Err: fmt.Errorf("invalid JSON-RPC response: %w", err),
		}
	}

	if rpcResp.ID != reqBody.ID {
		return nil, &TransportError{
			Op:  "decode",
			Err: fmt.Errorf("response id %q does not match request id %q", rpcResp.ID, reqBody.ID),
		}
	}

	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}

	if len(rpcResp.Result) != len(cmds) {
		return nil, &TransportError{
			Op:  "decode",
			Err: fmt.Errorf("expected %d results, got %d", len(cmds), len(rpcResp.Result)),
		}
	}

	return rpcResp.Result, nil
}
