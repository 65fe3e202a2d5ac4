package models

import "time"

// Availability is an expert's advertised readiness to receive elicitations.
type Availability string

const (
	AvailabilityAvailable Availability = "available"
	AvailabilityBusy      Availability = "busy"
	AvailabilityOffline   Availability = "offline"
)

// Valid reports whether the availability is one of the three known values.
func (a Availability) Valid() bool {
	switch a {
	case AvailabilityAvailable, AvailabilityBusy, AvailabilityOffline:
		return true
	}
	return false
}

// ExpertEntry advertises an agent's capabilities. Registration replaces any
// prior advertisement by the same agent.
type ExpertEntry struct {
	AgentID      string       `json:"agent_id"`
	Capabilities []string     `json:"capabilities"`
	Availability Availability `json:"availability"`
	RegisteredAt time.Time    `json:"registered_at"`
}

// HasCapability reports whether the entry advertises the given capability.
func (e *ExpertEntry) HasCapability(capability string) bool {
	for _, c := range e.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}
