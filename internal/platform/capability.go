// Package platform describes what the host runtime can do.
//
// Capabilities are probed once (the host announces them when it connects)
// and injected into the components that need them, so nothing else in the
// application sniffs for host features on its own.
package platform

import (
	"fmt"
	"sync"
)

// Capability is a tri-state feature flag.
type Capability int

const (
	// Unknown means the host has not reported the feature yet.
	Unknown Capability = iota
	Available
	Unavailable
)

// String returns the wire form of the capability.
func (c Capability) String() string {
	switch c {
	case Available:
		return "available"
	case Unavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (c Capability) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Capability) UnmarshalText(b []byte) error {
	switch string(b) {
	case "available", "true":
		*c = Available
	case "unavailable", "false":
		*c = Unavailable
	case "unknown", "":
		*c = Unknown
	default:
		return fmt.Errorf("platform: invalid capability %q", string(b))
	}
	return nil
}

// FromBool converts a present/absent flag reported by the host.
func FromBool(present bool) Capability {
	if present {
		return Available
	}
	return Unavailable
}

// Capabilities is the typed feature set of the host.
type Capabilities struct {
	MediaCapture      Capability `json:"mediaCapture"`
	PermissionQuery   Capability `json:"permissionQuery"`
	SpeechSynthesis   Capability `json:"speechSynthesis"`
	SpeechRecognition Capability `json:"speechRecognition"`
	// Mobile is the host's self-identification as a phone or tablet.
	Mobile bool `json:"mobile"`
}

// Prober returns the current capability set.
type Prober interface {
	Capabilities() Capabilities
}

// Static is a Prober with a fixed, replaceable capability set.
type Static struct {
	mu   sync.RWMutex
	caps Capabilities
}

// NewStatic creates a Static prober.
func NewStatic(caps Capabilities) *Static {
	return &Static{caps: caps}
}

// Capabilities implements Prober.
func (s *Static) Capabilities() Capabilities {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.caps
}

// Set replaces the capability set.
func (s *Static) Set(caps Capabilities) {
	s.mu.Lock()
	s.caps = caps
	s.mu.Unlock()
}

// AllAvailable is a desktop host with every feature present.
func AllAvailable() Capabilities {
	return Capabilities{
		MediaCapture:      Available,
		PermissionQuery:   Available,
		SpeechSynthesis:   Available,
		SpeechRecognition: Available,
	}
}
