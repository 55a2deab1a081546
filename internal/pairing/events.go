package pairing

import "github.com/trailside/yetilink/pkg/models"

// Bus topics published by the pairing module.
const (
	TopicSessionUpdated = "pairing.session.updated"
	TopicDevicePaired   = "pairing.device.paired"
)

// SessionEvent is the payload for TopicSessionUpdated, emitted on every
// state transition.
type SessionEvent struct {
	Session models.ConnectionSession `json:"session"`
}

// PairedEvent is the payload for TopicDevicePaired.
type PairedEvent struct {
	DeviceID      string               `json:"device_id"`
	TransportMode models.TransportMode `json:"transport_mode"`
}
