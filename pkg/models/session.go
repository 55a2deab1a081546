package models

import "time"

// ConnectionType selects which transport family a pairing session targets.
type ConnectionType string

const (
	ConnectionDirect ConnectionType = "direct"
	ConnectionCloud  ConnectionType = "cloud"
)

// TransferKind is the physical link used for credential exchange.
type TransferKind string

const (
	TransferBluetooth TransferKind = "bluetooth"
	TransferWifi      TransferKind = "wifi"
)

// SessionState is a pairing session's position in its state machine.
type SessionState string

const (
	SessionIdle                 SessionState = "idle"
	SessionScanning             SessionState = "scanning"
	SessionTransportConnecting  SessionState = "transport_connecting"
	SessionCredentialExchange   SessionState = "credential_exchange"
	SessionAwaitingDeviceAck    SessionState = "awaiting_device_ack"
	SessionAwaitingRegistration SessionState = "awaiting_cloud_registration"
	SessionConfirmed            SessionState = "confirmed"
	SessionFailed               SessionState = "failed"
	SessionCancelled            SessionState = "cancelled"
)

// Terminal reports whether the state ends the session.
func (s SessionState) Terminal() bool {
	switch s {
	case SessionConfirmed, SessionFailed, SessionCancelled:
		return true
	}
	return false
}

// FailureReason classifies a terminal pairing failure.
type FailureReason string

const (
	FailureNone          FailureReason = ""
	FailureTimeout       FailureReason = "timeout"
	FailureBadCredential FailureReason = "bad_credential"
	FailureNetworkJoin   FailureReason = "network_join"
	FailureTransport     FailureReason = "transport"
	FailureRegistration  FailureReason = "registration"
	FailureDeviceError   FailureReason = "device_error"
)

// ConnectionSession is one attempt to bring a device from discovered to
// paired and connected. At most one active session exists per device.
type ConnectionSession struct {
	SessionID      string         `json:"session_id"`
	DeviceID       string         `json:"device_id"`
	ConnectionType ConnectionType `json:"connection_type"`
	TransferKind   TransferKind   `json:"transfer_kind"`
	State          SessionState   `json:"state"`
	StartedAt      time.Time      `json:"started_at"`
	AttemptCount   int            `json:"attempt_count"`
	LastError      string         `json:"last_error,omitempty"`
	Reason         FailureReason  `json:"reason,omitempty"`
}
