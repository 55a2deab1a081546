package command

import "github.com/trailside/yetilink/pkg/models"

// Bus topics published by the command module.
const (
	TopicCommandSettled = "command.settled"
	TopicExternalChange = "command.external_change"
)

// SettledEvent is the payload for TopicCommandSettled.
type SettledEvent struct {
	Command models.DesiredStateCommand `json:"command"`

	// Message classifies the outcome for display, derived from the
	// command's expected result name. Informational only.
	Message string `json:"message,omitempty"`
}

// ExternalChangeEvent is the payload for TopicExternalChange: a
// configuration change arrived that no command in this session initiated.
type ExternalChangeEvent struct {
	DeviceID string               `json:"device_id"`
	Profile  models.ChargeProfile `json:"profile"`

	// ProfileName is the preset the new profile matches, or custom.
	ProfileName string `json:"profile_name"`
}
