package drivers

import (
	"context"
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

	"github.com/openfroyo/netsync/pkg/engine"
	"github.com/openfroyo/netsync/pkg/transports/eapi"
)

const eosDiff = `--- system:/running-config
+++ session:/netsync-session-config
@@ -1,3 +1,3 @@
-hostname sw1
+hostname sw2
`

// fakeRunner records batches and answers them in order.
type fakeRunner struct {
	mu      sync.Mutex
	batches [][]eapi.Command
	replies []func(cmds []eapi.Command) ([]eapi.Result, error)
	closed  bool
}

func (f *fakeRunner) RunCmds(_ context.Context, cmds []eapi.Command, format string) ([]eapi.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.batches = append(f.batches, cmds)
	i := len(f.batches) - 1
	if i < len(f.replies) {
		return f.replies[i](cmds)
	}
	return make([]eapi.Result, len(cmds)), nil
}

func (f *fakeRunner) Close() {
	f.closed = true
}

func diffReply(diff string) func(cmds []eapi.Command) ([]eapi.Result, error) {
	return func(cmds []eapi.Command) ([]eapi.Result, error) {
		results := make([]eapi.Result, len(cmds))
		results[diffIndex].Output = diff
		return results, nil
	}
}

func errReply(err error) func(cmds []eapi.Command) ([]eapi.Result, error) {
	return func([]eapi.Command) ([]eapi.Result, error) {
		return nil, err
	}
}

func runnerDialer(r CommandRunner) EAPIDialer {
	return EAPIDialerFunc(func(engine.DeviceIdentity) (CommandRunner, error) {
		return r, nil
	})
}

func switchDevice() engine.DeviceIdentity {
	return engine.DeviceIdentity{
		Name:   "sw1",
		Family: engine.FamilySessionCommit,
		Connection: &engine.Connection{
			Host:        "192.0.2.10",
			Credentials: engine.Credentials{Username: "admin", Password: "secret"},
		},
	}
}

const eosCandidate = "hostname sw2\n!\nend\n"

func TestSessionCommitEmptyDiffIsUnchanged(t *testing.T) {
	runner := &fakeRunner{replies: []func([]eapi.Command) ([]eapi.Result, error){diffReply("")}}
	driver := NewSessionCommitDriver(runnerDialer(runner))

	session, err := driver.Deploy(context.Background(), switchDevice(), eosCandidate)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if session.Status != engine.DeployStatusSuccess {
		t.Errorf("expected status %s, got %s", engine.DeployStatusSuccess, session.Status)
	}
	if session.DiffText != "" {
		t.Errorf("expected no diff, got %q", session.DiffText)
	}
	if !session.Issued("commit") {
		t.Error("expected commit to be issued")
	}
	if got := session.LastState(); got != StateCommitted {
		t.Errorf("expected last state %s, got %s", StateCommitted, got)
	}
	if !runner.closed {
		t.Error("expected the runner to be closed")
	}
}

func TestSessionCommitDiffIsChanged(t *testing.T) {
	runner := &fakeRunner{replies: []func([]eapi.Command) ([]eapi.Result, error){diffReply(eosDiff)}}
	driver := NewSessionCommitDriver(runnerDialer(runner))

	session, err := driver.Deploy(context.Background(), switchDevice(), eosCandidate)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if session.Status != engine.DeployStatusChanged {
		t.Errorf("expected status %s, got %s", engine.DeployStatusChanged, session.Status)
	}
	if session.DiffText != eosDiff {
		t.Errorf("expected diff verbatim, got %q", session.DiffText)
	}
}

func TestSessionCommitBatch(t *testing.T) {
	runner := &fakeRunner{}
	driver := NewSessionCommitDriver(runnerDialer(runner))

	if _, err := driver.Deploy(context.Background(), switchDevice(), eosCandidate); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(runner.batches) != 1 {
		t.Fatalf("expected a single batch, got %d", len(runner.batches))
	}
	batch := runner.batches[0]
	if len(batch) != 6 {
		t.Fatalf("expected 6 commands, got %d", len(batch))
	}

	expected := []string{
		"enable",
		"",
		"rollback clean-config",
		"copy terminal: session-config",
		"show session-config diffs",
		"commit",
	}
	for i, want := range expected {
		if i == 1 {
			if !strings.HasPrefix(batch[i].Cmd, "configure session netsync-") {
				t.Errorf("command 1: expected a netsync session, got %q", batch[i].Cmd)
			}
			continue
		}
		if batch[i].Cmd != want {
			t.Errorf("command %d: expected %q, got %q", i, want, batch[i].Cmd)
		}
	}
	if batch[3].Input != eosCandidate {
		t.Errorf("expected the candidate as input, got %q", batch[3].Input)
	}
}

func TestSessionCommitSessionNamesAreUnique(t *testing.T) {
	runner := &fakeRunner{}
	driver := NewSessionCommitDriver(runnerDialer(runner))

	for i := 0; i < 2; i++ {
		if _, err := driver.Deploy(context.Background(), switchDevice(), eosCandidate); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if runner.batches[0][1].Cmd == runner.batches[1][1].Cmd {
		t.Errorf("expected distinct session names, got %q twice", runner.batches[0][1].Cmd)
	}
}

func TestSessionCommitTransportFault(t *testing.T) {
	fault := &eapi.TransportError{Op: "request", Err: errors.New("connection reset by peer"), IsTemporary: true}
	runner := &fakeRunner{replies: []func([]eapi.Command) ([]eapi.Result, error){errReply(fault)}}
	driver := NewSessionCommitDriver(runnerDialer(runner))

	session, err := driver.Deploy(context.Background(), switchDevice(), eosCandidate)
	if err == nil {
		t.Fatal("expected error, got nil")
	}

	if !engine.IsTransport(err) {
		t.Errorf("expected transport error, got %v", err)
	}
	if session.Status != engine.DeployStatusFailed {
		t.Errorf("expected failed status, got %s", session.Status)
	}
	if session.DiffText != "" {
		t.Errorf("expected no diff, got %q", session.DiffText)
	}
	if len(runner.batches) != 1 {
		t.Errorf("no abort is attempted on an unreachable device, got %d batches", len(runner.batches))
	}
}

func TestSessionCommitRejectedCommitAborts(t *testing.T) {
	rejection := &eapi.RPCError{
		Code:    1002,
		Message: "CLI command 6 of 6 'commit' failed: could not run command",
		Data:    []json.RawMessage{json.RawMessage(`{"errors":["Commit failed"]}`)},
	}
	runner := &fakeRunner{replies: []func([]eapi.Command) ([]eapi.Result, error){errReply(rejection)}}
	driver := NewSessionCommitDriver(runnerDialer(runner))

	session, err := driver.Deploy(context.Background(), switchDevice(), eosCandidate)
	if err == nil {
		t.Fatal("expected error, got nil")
	}

	if !engine.IsDeviceRejection(err) {
		t.Errorf("expected device rejection, got %v", err)
	}
	if session.Status != engine.DeployStatusFailed {
		t.Errorf("expected failed status, got %s", session.Status)
	}
	if !strings.Contains(err.Error(), "Commit failed") {
		t.Errorf("expected device message in error, got %v", err)
	}

	if len(runner.batches) != 2 {
		t.Fatalf("expected an abort batch, got %d batches", len(runner.batches))
	}
	if want, got := runner.batches[0][1].Cmd+" abort", runner.batches[1][1].Cmd; got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
	if got := session.LastState(); got != StateAborted {
		t.Errorf("expected last state %s, got %s", StateAborted, got)
	}
}

func TestSessionCommitDialFailure(t *testing.T) {
	dialer := EAPIDialerFunc(func(engine.DeviceIdentity) (CommandRunner, error) {
		return nil, errors.New("invalid config: host is required")
	})
	driver := NewSessionCommitDriver(dialer)

	session, err := driver.Deploy(context.Background(), switchDevice(), eosCandidate)
	if err == nil {
		t.Fatal("expected error, got nil")
	}

	if !engine.IsTransport(err) {
		t.Errorf("expected transport error, got %v", err)
	}
	if session.Status != engine.DeployStatusFailed {
		t.Errorf("expected failed status, got %s", session.Status)
	}
}

// eapiSwitch is a TLS command API endpoint applying runCmds batches to an
// in-memory running configuration.
type eapiSwitch struct {
	mu      sync.Mutex
	running string
	server  *httptest.Server
}

func newEAPISwitch(t *testing.T, running string) *eapiSwitch {
	t.Helper()

	sw := &eapiSwitch{running: running}
	sw.server = httptest.NewTLSServer(http.HandlerFunc(sw.handle))
	t.Cleanup(sw.server.Close)
	return sw
}

func (sw *eapiSwitch) handle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     string `json:"id"`
		Params struct {
			Cmds []eapi.Command `json:"cmds"`
		} `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	sw.mu.Lock()
	defer sw.mu.Unlock()

	var candidate string
	results := make([]eapi.Result, len(req.Params.Cmds))
	for i, c := range req.Params.Cmds {
		switch c.Cmd {
		case "copy terminal: session-config":
			candidate = c.Input
		case "show session-config diffs":
			if candidate != sw.running {
				results[i].Output = "-" + sw.running + "+" + candidate
			}
		case "commit":
			sw.running = candidate
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"jsonrpc": "2.0",
		"id":      req.ID,
		"result":  results,
	})
}

func (sw *eapiSwitch) device(t *testing.T) engine.DeviceIdentity {
	t.Helper()

	u, err := url.Parse(sw.server.URL)
	if err != nil {
		t.Fatalf("failed to parse server URL: %v", err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatalf("failed to split host: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("failed to parse port: %v", err)
	}

	device := switchDevice()
	device.Connection.Host = host
	device.Connection.Port = port
	return device
}

func TestSessionCommitOverEAPI(t *testing.T) {
	sw := newEAPISwitch(t, "hostname sw1\n")

	opts := DefaultOptions()
	opts.Timeout = 5 * time.Second
	driver := NewRegistry(opts).DriverFor(engine.FamilySessionCommit)

	session, err := driver.Deploy(context.Background(), sw.device(t), eosCandidate)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if session.Status != engine.DeployStatusChanged || session.DiffText == "" {
		t.Errorf("expected a changed deploy with a diff, got %s %q", session.Status, session.DiffText)
	}

	// second deploy of the same candidate finds the device in sync
	session, err = driver.Deploy(context.Background(), sw.device(t), eosCandidate)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if session.Status != engine.DeployStatusSuccess || session.DiffText != "" {
		t.Errorf("expected an in-sync deploy, got %s %q", session.Status, session.DiffText)
	}
}

func TestSessionCommitMissingConnection(t *testing.T) {
	driver := NewRegistry(DefaultOptions()).DriverFor(engine.FamilySessionCommit)

	device := switchDevice()
	device.Connection = nil

	session, err := driver.Deploy(context.Background(), device, eosCandidate)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !engine.IsTransport(err) {
		t.Errorf("expected transport error, got %v", err)
	}
	if session.Status != engine.DeployStatusFailed {
		t.Errorf("expected failed status, got %s", session.Status)
	}
}
