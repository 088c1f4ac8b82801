package engine

import (
	"context"
	"errors"
	"sync"
)

// Mock config store for testing
type mockStore struct {
	mu      sync.Mutex
	records map[string]string
	saves   []string
	loadErr error
	saveErr error
}

func newMockStore() *mockStore {
	return &mockStore{records: make(map[string]string)}
}

func (m *mockStore) Load(ctx context.Context, device string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return "", m.loadErr
	}
	return m.records[device], nil
}

func (m *mockStore) Save(ctx context.Context, device, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.records[device] = text
	m.saves = append(m.saves, device)
	return nil
}

func (m *mockStore) get(device string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[device]
}

// Mock driver for testing
type mockDriver struct {
	mu         sync.Mutex
	candidates []string
	status     DeployStatus
	diffText   string
	err        error
	panicMsg   string
}

func (d *mockDriver) Deploy(ctx context.Context, device DeviceIdentity, candidate string) (*DeploySession, error) {
	if d.panicMsg != "" {
		panic(d.panicMsg)
	}

	d.mu.Lock()
	d.candidates = append(d.candidates, candidate)
	d.mu.Unlock()

	session := NewDeploySession(device)
	session.Record("Committed", "commit", "")
	if d.err != nil {
		return session.Fail(), d.err
	}
	if d.status == DeployStatusSuccess {
		return session.Finish(""), nil
	}
	return session.Finish(d.diffText), nil
}

func (d *mockDriver) calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.candidates)
}

// Mock driver selector: every family maps to the same driver, except FamilyNone.
type mockSelector struct {
	driver Driver
}

func (s mockSelector) DriverFor(family DeviceFamily) Driver {
	if family == FamilyNone {
		return unsupportedDriver{}
	}
	return s.driver
}

type unsupportedDriver struct{}

func (unsupportedDriver) Deploy(ctx context.Context, device DeviceIdentity, candidate string) (*DeploySession, error) {
	return NewDeploySession(device).Fail(), NewUnsupportedFamilyError(device.Family).WithDevice(device.Name)
}

// Mock compiler for testing
type mockCompiler struct {
	rendered    map[string]string
	validateErr error
	renderErr   map[string]error
	panicOn     string
}

func (c *mockCompiler) Validate(ctx context.Context) error {
	return c.validateErr
}

func (c *mockCompiler) Render(ctx context.Context, device DeviceIdentity) (string, error) {
	if device.Name == c.panicOn {
		panic("template exploded")
	}
	if err := c.renderErr[device.Name]; err != nil {
		return "", err
	}
	text, ok := c.rendered[device.Name]
	if !ok {
		return "", errors.New("no template")
	}
	return text, nil
}

// Mock guard for testing
type mockGuard struct {
	err   error
	calls int
}

func (g *mockGuard) Allow(ctx context.Context, device DeviceIdentity, rendered string) error {
	g.calls++
	return g.err
}

func eosDevice(name string) DeviceIdentity {
	return DeviceIdentity{
		Name:   name,
		Family: FamilySessionCommit,
		Connection: &Connection{
			Host:        name + ".lab",
			Credentials: Credentials{Username: "admin", Password: "admin"},
		},
	}
}
