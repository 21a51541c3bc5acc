package manager

import (
	"sort"
	"time"

	"boxguard/internal/sandbox/engine"
	"boxguard/internal/sandbox/profile"
)

// State is a sandbox lifecycle state. Deleted sandboxes have no state; they
// are simply gone from the registry.
type State string

const (
	StateCreated State = "created"
	StateRunning State = "running"
	StatePaused  State = "paused"
	StateStopped State = "stopped"
)

// SecurityEvent is one append-only entry in a sandbox's security log.
type SecurityEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	Score     int       `json:"score,omitempty"`
}

// Observation carries behavior attributed to a sandboxed process between
// ticks. Producers call Manager.Observe; the monitor loop drains and scores.
type Observation struct {
	FileOps     []string
	NetworkOps  []string
	RegistryOps []string

	// ProcessNames is a snapshot of processes visible alongside the
	// sandboxed program, scanned for analysis tooling.
	ProcessNames []string

	// Window, when set, is scored against the popup heuristics.
	Window *Signal
}

// Signal mirrors heuristics.Signal without forcing callers to import the
// heuristics package.
type Signal struct {
	Title       string
	ClassName   string
	ProcessName string
	Width       int
	Height      int
}

// record is the registry's internal per-sandbox state. All access goes
// through the manager lock.
type record struct {
	id      string
	command []string
	workDir string
	profile profile.SecurityProfile
	state   State

	// group is non-nil exactly while state is running or paused
	group engine.Group

	createdAt time.Time
	startedAt time.Time
	stoppedAt time.Time
	runtime   time.Duration

	latestUsage *engine.Usage
	sampleTime  time.Time
	oomReported bool

	pending         []Observation
	securityEvents  []SecurityEvent
	findings        map[string]struct{}
	fileOpCount     int
	networkOpCount  int
	registryOpCount int
}

// Info is a point-in-time snapshot of one sandbox, safe to hand out.
type Info struct {
	ID        string        `json:"id"`
	State     State         `json:"state"`
	Profile   string        `json:"profile"`
	Command   []string      `json:"command"`
	WorkDir   string        `json:"work_dir,omitempty"`
	Pid       int           `json:"pid,omitempty"`
	Isolation string        `json:"isolation,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	StartedAt time.Time     `json:"started_at,omitempty"`
	StoppedAt time.Time     `json:"stopped_at,omitempty"`
	Runtime   time.Duration `json:"runtime"`

	LatestUsage *engine.Usage `json:"latest_usage,omitempty"`
	SampleTime  time.Time     `json:"sample_time,omitempty"`

	FileOpCount     int             `json:"file_op_count"`
	NetworkOpCount  int             `json:"network_op_count"`
	RegistryOpCount int             `json:"registry_op_count"`
	Findings        []string        `json:"findings,omitempty"`
	SecurityEvents  []SecurityEvent `json:"security_events,omitempty"`
}

// snapshot copies the record into an Info. Caller holds the manager lock.
func (r *record) snapshot() Info {
	info := Info{
		ID:              r.id,
		State:           r.state,
		Profile:         r.profile.Name,
		Command:         append([]string(nil), r.command...),
		WorkDir:         r.workDir,
		CreatedAt:       r.createdAt,
		StartedAt:       r.startedAt,
		StoppedAt:       r.stoppedAt,
		Runtime:         r.currentRuntime(),
		SampleTime:      r.sampleTime,
		FileOpCount:     r.fileOpCount,
		NetworkOpCount:  r.networkOpCount,
		RegistryOpCount: r.registryOpCount,
	}
	if r.group != nil {
		info.Pid = r.group.Pid()
		info.Isolation = string(r.group.Isolation())
	}
	if r.latestUsage != nil {
		u := *r.latestUsage
		info.LatestUsage = &u
	}
	for f := range r.findings {
		info.Findings = append(info.Findings, f)
	}
	sort.Strings(info.Findings)
	info.SecurityEvents = append([]SecurityEvent(nil), r.securityEvents...)
	return info
}

func (r *record) currentRuntime() time.Duration {
	switch r.state {
	case StateRunning, StatePaused:
		return time.Since(r.startedAt)
	default:
		return r.runtime
	}
}

func (r *record) addSecurityEvent(kind, message string, score int) {
	r.securityEvents = append(r.securityEvents, SecurityEvent{
		Timestamp: time.Now(),
		Kind:      kind,
		Message:   message,
		Score:     score,
	})
}
