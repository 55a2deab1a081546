package models

import "time"

// CommandResolution is the terminal outcome of an optimistic write.
type CommandResolution string

const (
	// ResolutionPending means the command is still waiting on the device.
	ResolutionPending CommandResolution = "pending"

	// ResolutionConfirmed means the device echoed the desired patch back.
	ResolutionConfirmed CommandResolution = "confirmed"

	// ResolutionTimedOut means no matching delta arrived in the window.
	// Canonical state keeps the last reported values; there is no
	// client-side rollback.
	ResolutionTimedOut CommandResolution = "timed_out"

	// ResolutionSuperseded means a newer command for the same device
	// replaced this one before it settled.
	ResolutionSuperseded CommandResolution = "superseded"
)

// Terminal reports whether the resolution settles the command.
func (r CommandResolution) Terminal() bool { return r != ResolutionPending }

// DesiredStateCommand is one optimistic configuration write: the patch is
// sent, the affected UI surface locks, and a confirmation timeout arms.
type DesiredStateCommand struct {
	CommandID string `json:"command_id"`
	DeviceID  string `json:"device_id"`

	// DesiredPatch is the subset of fields the write changes. Confirmation
	// is a deep structural match restricted to these keys.
	DesiredPatch Fields `json:"desired_patch"`

	// ExpectedResultName optionally labels the expected outcome (a profile
	// name) for message classification. Never used for correctness.
	ExpectedResultName string `json:"expected_result_name,omitempty"`

	IssuedAt   time.Time         `json:"issued_at"`
	TimeoutAt  time.Time         `json:"timeout_at"`
	Resolution CommandResolution `json:"resolution"`
}
