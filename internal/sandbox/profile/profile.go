// Package profile defines security profiles: named bundles of resource and
// capability limits applied to a sandbox.
package profile

import (
	"sync"

	appErr "boxguard/pkg/errors"
)

// PriorityClass maps to the OS scheduling class of the sandboxed process.
type PriorityClass int

const (
	PriorityIdle PriorityClass = iota
	PriorityBelowNormal
	PriorityNormal
)

func (p PriorityClass) String() string {
	switch p {
	case PriorityIdle:
		return "idle"
	case PriorityBelowNormal:
		return "below_normal"
	default:
		return "normal"
	}
}

// Capabilities are the access rights a sandboxed process keeps.
type Capabilities struct {
	NetworkAccess  bool
	FileAccess     bool
	RegistryAccess bool
}

// MonitoringToggles select which behavior monitors run for the sandbox.
type MonitoringToggles struct {
	File          bool
	Network       bool
	Registry      bool
	AntiDetection bool
}

// SecurityProfile is immutable once registered. Records receive copies, not
// references, so later profile changes never affect a running sandbox.
type SecurityProfile struct {
	Name                string
	MaxMemoryBytes      int64
	MaxProcessCount     int
	Priority            PriorityClass
	Capabilities        Capabilities
	Monitoring          MonitoringToggles
	AllowedPaths        []string
	BlockedProcessNames []string

	// RequireElevated gates start on the caller holding admin privilege.
	RequireElevated bool
}

// Clone returns an independent copy of the profile.
func (p SecurityProfile) Clone() SecurityProfile {
	out := p
	out.AllowedPaths = append([]string(nil), p.AllowedPaths...)
	out.BlockedProcessNames = append([]string(nil), p.BlockedProcessNames...)
	return out
}

// DefaultName is the profile used when an unknown name is requested.
const DefaultName = "medium"

func builtins() map[string]SecurityProfile {
	return map[string]SecurityProfile{
		"strict": {
			Name:            "strict",
			MaxMemoryBytes:  256 * 1024 * 1024,
			MaxProcessCount: 5,
			Priority:        PriorityIdle,
			Capabilities:    Capabilities{},
			Monitoring: MonitoringToggles{
				File:          true,
				Network:       true,
				Registry:      true,
				AntiDetection: true,
			},
			BlockedProcessNames: []string{"cmd.exe", "powershell.exe"},
			RequireElevated:     true,
		},
		"medium": {
			Name:            "medium",
			MaxMemoryBytes:  512 * 1024 * 1024,
			MaxProcessCount: 10,
			Priority:        PriorityBelowNormal,
			Capabilities: Capabilities{
				NetworkAccess:  true,
				FileAccess:     true,
				RegistryAccess: true,
			},
			Monitoring: MonitoringToggles{
				File:          true,
				Network:       true,
				Registry:      true,
				AntiDetection: true,
			},
			AllowedPaths: []string{"/tmp", "/var/tmp"},
		},
		"relaxed": {
			Name:            "relaxed",
			MaxMemoryBytes:  1024 * 1024 * 1024,
			MaxProcessCount: 20,
			Priority:        PriorityNormal,
			Capabilities: Capabilities{
				NetworkAccess:  true,
				FileAccess:     true,
				RegistryAccess: true,
			},
		},
	}
}

// Store holds the registered profiles. Built-ins are always present; custom
// profiles may be added at runtime but never replaced or mutated.
type Store struct {
	mu       sync.RWMutex
	profiles map[string]SecurityProfile
}

// NewStore creates a profile store seeded with the built-in profiles.
func NewStore() *Store {
	return &Store{profiles: builtins()}
}

// Resolve returns a copy of the named profile. ok is false when the name is
// unknown; the caller decides whether to fall back to DefaultName.
func (s *Store) Resolve(name string) (SecurityProfile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[name]
	if !ok {
		return SecurityProfile{}, false
	}
	return p.Clone(), true
}

// Names returns the registered profile names.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.profiles))
	for name := range s.profiles {
		names = append(names, name)
	}
	return names
}

// Register validates and adds a custom profile. Registering an existing name
// fails: profiles are immutable once registered.
func (s *Store) Register(p SecurityProfile) error {
	if err := validate(p); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.profiles[p.Name]; exists {
		return appErr.Newf(appErr.ProfileExists, "profile %q already exists", p.Name)
	}
	s.profiles[p.Name] = p.Clone()
	return nil
}

func validate(p SecurityProfile) error {
	if p.Name == "" {
		return appErr.New(appErr.ProfileInvalid).WithDetail("field", "name").WithMessage("profile name is required")
	}
	if p.MaxMemoryBytes <= 0 {
		return appErr.New(appErr.ProfileInvalid).WithDetail("field", "max_memory_bytes").WithMessage("max_memory_bytes must be positive")
	}
	if p.MaxProcessCount <= 0 {
		return appErr.New(appErr.ProfileInvalid).WithDetail("field", "max_process_count").WithMessage("max_process_count must be positive")
	}
	return nil
}
