package reconcile

import "github.com/trailside/yetilink/pkg/models"

// Event topics published by the reconcile module.
const (
	TopicDeviceUpdated = "reconcile.device.updated"
	TopicDeviceOnline  = "reconcile.device.online"
	TopicDeviceOffline = "reconcile.device.offline"
	TopicDeviceRemoved = "reconcile.device.removed"
)

// DeviceEvent is the payload for device topics. Device is a snapshot; the
// canonical record stays owned by the reconciler.
type DeviceEvent struct {
	Device *models.Device
}

// RemovedEvent is the payload for TopicDeviceRemoved.
type RemovedEvent struct {
	DeviceID string
}
