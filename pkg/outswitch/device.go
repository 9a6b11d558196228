package outswitch

import (
	"fmt"
	"strings"
)

// AudioDevice is a snapshot of a single active render endpoint, taken during one enumeration
type AudioDevice struct {
	ID   string `json:"id"`   // persistent endpoint identifier, never empty
	Name string `json:"name"` // friendly name, may be empty if it couldn't be read
}

func (d AudioDevice) String() string {
	if d.Name == "" {
		return fmt.Sprintf("<device: %s>", d.ID)
	}

	return fmt.Sprintf("<device: %s (%s)>", d.Name, d.ID)
}

// Enumerator lists the host's active audio output endpoints.
// implementations must query the OS on every call and never cache results
type Enumerator interface {
	List() []AudioDevice
	DefaultID() (string, error)
}

// MatchMode determines how a MatchCriterion compares against a device
type MatchMode int

const (
	// MatchExactID compares the device ID for equality
	MatchExactID MatchMode = iota

	// MatchSubstring looks for a case-insensitive substring in either the device name or ID
	MatchSubstring
)

// MatchCriterion selects a single device out of an enumeration result
type MatchCriterion struct {
	Mode  MatchMode
	Value string
}

// ExactID builds a criterion matching a concrete endpoint ID
func ExactID(id string) MatchCriterion {
	return MatchCriterion{Mode: MatchExactID, Value: id}
}

// NameContains builds a criterion matching a case-insensitive substring of a device's name or ID
func NameContains(substring string) MatchCriterion {
	return MatchCriterion{Mode: MatchSubstring, Value: substring}
}

// Valid reports whether the criterion can match anything at all
func (c MatchCriterion) Valid() bool {
	return strings.TrimSpace(c.Value) != ""
}

// Matches reports whether the given device satisfies the criterion
func (c MatchCriterion) Matches(device AudioDevice) bool {
	if !c.Valid() {
		return false
	}

	switch c.Mode {
	case MatchExactID:
		return device.ID == c.Value
	case MatchSubstring:
		needle := strings.ToLower(c.Value)
		return strings.Contains(strings.ToLower(device.Name), needle) ||
			strings.Contains(strings.ToLower(device.ID), needle)
	}

	return false
}

// First returns the first device in enumeration order that satisfies the criterion
func (c MatchCriterion) First(devices []AudioDevice) (AudioDevice, bool) {
	for _, device := range devices {
		if c.Matches(device) {
			return device, true
		}
	}

	return AudioDevice{}, false
}

func (c MatchCriterion) String() string {
	if c.Mode == MatchExactID {
		return fmt.Sprintf("id == %q", c.Value)
	}

	return fmt.Sprintf("name or id contains %q", c.Value)
}
