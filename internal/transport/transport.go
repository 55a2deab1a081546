// Package transport defines the capability set both device links implement:
// send a command, read a state snapshot, and subscribe to pushed updates.
// The reconciler and orchestrators depend only on these interfaces; transport
// mechanics stay inside the cloud and local subpackages.
package transport

import (
	"context"
	"errors"

	"github.com/trailside/yetilink/pkg/models"
)

// Sentinel errors shared by both transports.
var (
	// ErrNotConnected means the transport-level link is not established.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrRequestTimeout means the device did not answer in time.
	ErrRequestTimeout = errors.New("transport: request timeout")

	// ErrDeviceError wraps an explicit error code reported by the device.
	ErrDeviceError = errors.New("transport: device reported error")
)

// DeltaHandler consumes pushed state updates.
type DeltaHandler func(delta models.ShadowDelta)

// Transport is the capability set shared by the local and cloud links.
type Transport interface {
	// Mode identifies which transport this is.
	Mode() models.TransportMode

	// SendCommand delivers a desired-state patch to the device. Delivery is
	// at-least-once; the caller is responsible for confirmation matching.
	SendCommand(ctx context.Context, deviceID string, patch models.Fields) error

	// ReadState requests a fresh full snapshot. The result arrives through
	// the subscription as a normal delta.
	ReadState(ctx context.Context, deviceID string) error

	// Subscribe registers for state updates of a device. The returned
	// function removes the subscription.
	Subscribe(ctx context.Context, deviceID string, handler DeltaHandler) (func(), error)
}

// PresenceAsserter is implemented by transports that let the app declare its
// own presence to the backend (cloud only).
type PresenceAsserter interface {
	AssertPresence(ctx context.Context, deviceID string) error
}

// CredentialPusher is implemented by transports that can deliver network
// and cloud credentials during pairing (local only).
type CredentialPusher interface {
	PushCredentials(ctx context.Context, deviceID string, creds Credentials) error
}

// ErrorPoller is implemented by transports that expose the device's explicit
// pairing error code (local only).
type ErrorPoller interface {
	// PollError returns the device's current pairing error code; zero means
	// no error has been reported.
	PollError(ctx context.Context, deviceID string) (int, error)
}

// Credentials is the payload pushed to a device during pairing. Repeated
// delivery of the same credentials is safe.
type Credentials struct {
	SSID       string `json:"ssid"`
	Passphrase string `json:"pass"`
	ThingName  string `json:"thingName"`
	Endpoint   string `json:"endpoint"`
	ClaimToken string `json:"claimToken,omitempty"`
}

// Device-reported pairing error codes surfaced through ErrorPoller.
const (
	DeviceErrNone        = 0
	DeviceErrBadPassword = 1
	DeviceErrNetworkJoin = 2
)
