package engine

import (
	"time"
)

// Credentials authenticate against a device management plane.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"-"`
}

// Connection holds the attributes needed to reach a device.
type Connection struct {
	// Host is the management address of the device.
	Host string `json:"host"`

	// Port overrides the family's default management port when non-zero.
	Port int `json:"port,omitempty"`

	Credentials Credentials `json:"credentials"`
}

// DeviceIdentity identifies one device for the duration of a run.
// It is immutable once the run has started.
type DeviceIdentity struct {
	// Name is the unique device name; it also addresses the stored record.
	Name string `json:"name"`

	// Family selects the deployment driver.
	Family DeviceFamily `json:"family"`

	// Connection is nil for local-only runs.
	Connection *Connection `json:"connection,omitempty"`
}

// DiffResult is the comparison of a stored and a designed configuration.
type DiffResult struct {
	Changed  bool   `json:"changed"`
	DiffText string `json:"diff_text"`
}

// DeployStep records one protocol step issued during a deploy session.
type DeployStep struct {
	// State is the protocol state entered by issuing this step.
	State string `json:"state"`

	// Command is the command issued. Candidate text is never recorded here.
	Command string `json:"command"`

	// Response is the raw device response to the command.
	Response string `json:"response,omitempty"`

	// Error is set when the step itself failed.
	Error string `json:"error,omitempty"`

	At time.Time `json:"at"`
}

// DeploySession is the ephemeral state of one deploy attempt. It is created by a
// driver for a single Deploy call and never reused.
type DeploySession struct {
	Device   string       `json:"device"`
	Family   DeviceFamily `json:"family"`
	Steps    []DeployStep `json:"steps"`
	Status   DeployStatus `json:"status"`
	DiffText string       `json:"diff_text,omitempty"`
}

// NewDeploySession starts a session for device.
func NewDeploySession(device DeviceIdentity) *DeploySession {
	return &DeploySession{
		Device: device.Name,
		Family: device.Family,
		Steps:  make([]DeployStep, 0, 8),
	}
}

// Record appends a protocol step and its response.
func (s *DeploySession) Record(state, command, response string) {
	s.Steps = append(s.Steps, DeployStep{
		State:    state,
		Command:  command,
		Response: response,
		At:       time.Now(),
	})
}

// RecordError appends a step that failed with err.
func (s *DeploySession) RecordError(state, command string, err error) {
	step := DeployStep{State: state, Command: command, At: time.Now()}
	if err != nil {
		step.Error = err.Error()
	}
	s.Steps = append(s.Steps, step)
}

// LastState returns the state of the most recent step, or "" if none.
func (s *DeploySession) LastState() string {
	if len(s.Steps) == 0 {
		return ""
	}
	return s.Steps[len(s.Steps)-1].State
}

// Issued reports whether a step with the given command was issued.
func (s *DeploySession) Issued(command string) bool {
	for _, step := range s.Steps {
		if step.Command == command {
			return true
		}
	}
	return false
}

// Finish sets the terminal status from the captured diff.
func (s *DeploySession) Finish(diffText string) *DeploySession {
	s.DiffText = diffText
	if diffText == "" {
		s.Status = DeployStatusSuccess
	} else {
		s.Status = DeployStatusChanged
	}
	return s
}

// Fail marks the session as failed and drops any diff payload.
func (s *DeploySession) Fail() *DeploySession {
	s.Status = DeployStatusFailed
	s.DiffText = ""
	return s
}

// Result is the per-device record handed back to the fleet runner.
type Result struct {
	Device string       `json:"device"`
	Family DeviceFamily `json:"family"`
	Scope  Scope        `json:"scope"`

	// Changed is true when the stored record was updated (local-only) or the
	// device configuration changed (deploy).
	Changed bool `json:"changed"`

	// Failed is true when the device flow did not complete.
	Failed bool `json:"failed"`

	// DiffText is the human-readable diff payload.
	DiffText string `json:"diff_text,omitempty"`

	// Message summarizes the outcome for the aggregate report.
	Message string `json:"message,omitempty"`

	// ErrorKind classifies the failure when Failed is true.
	ErrorKind ErrorKind `json:"error_kind,omitempty"`

	// Persisted is true when the stored record was overwritten in this run.
	Persisted bool `json:"persisted"`

	// Session is the deploy session when a driver was invoked.
	Session *DeploySession `json:"session,omitempty"`

	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`

	Err error `json:"-"`
}

// fail records err on the result.
func (r *Result) fail(err error) *Result {
	r.Failed = true
	r.Changed = false
	r.Err = err
	r.ErrorKind = KindOf(err)
	r.Message = err.Error()
	return r
}

// RunSummary counts device outcomes in a run.
type RunSummary struct {
	Total     int `json:"total"`
	Changed   int `json:"changed"`
	Unchanged int `json:"unchanged"`
	Failed    int `json:"failed"`
}

// Report aggregates the per-device results of one fleet run.
type Report struct {
	RunID       string        `json:"run_id"`
	Scope       Scope         `json:"scope"`
	Status      RunStatus     `json:"status"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`
	Summary     RunSummary    `json:"summary"`

	// Results are in inventory order.
	Results []*Result `json:"results"`
}

// Failed returns true if any device failed.
func (r *Report) Failed() bool {
	return r.Summary.Failed > 0
}
