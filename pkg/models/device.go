// Package models holds the canonical domain types shared across YetiLink
// modules: devices, shadow deltas, pairing sessions, and desired-state
// commands.
package models

import "time"

// TransportMode indicates which transport is currently authoritative for
// writes to a device.
type TransportMode string

const (
	// TransportLocal is a direct Bluetooth or Wi-Fi Direct link to the
	// device, independent of internet connectivity.
	TransportLocal TransportMode = "local"

	// TransportCloud reaches the device through the IoT broker's shadow
	// documents.
	TransportCloud TransportMode = "cloud"
)

// Fields is the open, semi-structured attribute document of a device.
// Hardware generations disagree on shape, so the core merges it
// structurally and never interprets individual keys.
type Fields map[string]any

// Device is the canonical per-identity record. The reconciler owns the only
// write path; every other module reads snapshots.
type Device struct {
	// ID is the stable hardware identity (thing name). Immutable.
	ID string `json:"id"`

	// Name is the user-visible label, if the device reported one.
	Name string `json:"name,omitempty"`

	// TransportMode selects the authoritative write transport.
	TransportMode TransportMode `json:"transport_mode"`

	// Fields holds the merged reported state.
	Fields Fields `json:"fields"`

	// LastSyncAt is the time of the most recent liveness-bearing delta.
	LastSyncAt time.Time `json:"last_sync_at"`

	// Online is derived from LastSyncAt freshness and the startup grace
	// window; recomputed on every delta and staleness tick.
	Online bool `json:"online"`

	// Generation disambiguates re-pairings of the same hardware identity
	// under a new transport. Local only, never sent to the device.
	Generation int `json:"generation"`

	// PairedAt is when this device was first confirmed paired.
	PairedAt time.Time `json:"paired_at"`
}

// Clone returns a deep copy of the device so callers can hold snapshots
// without racing the reconciler.
func (d *Device) Clone() *Device {
	out := *d
	out.Fields = CloneFields(d.Fields)
	return &out
}

// CloneFields deep-copies a fields document. Nested objects come back as
// map[string]any regardless of how they were built, matching what JSON
// decoding produces; slices are copied shallowly since merges replace them
// wholesale anyway.
func CloneFields(f Fields) Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		switch val := v.(type) {
		case map[string]any:
			out[k] = map[string]any(CloneFields(val))
		case Fields:
			out[k] = map[string]any(CloneFields(val))
		case []any:
			cp := make([]any, len(val))
			copy(cp, val)
			out[k] = cp
		default:
			out[k] = v
		}
	}
	return out
}

// ShadowName identifies which logical cloud sub-document a delta came from.
// Newer hardware generations split their shadow into named documents; legacy
// devices publish a single unnamed one.
type ShadowName string

const (
	ShadowLegacy   ShadowName = ""
	ShadowStatus   ShadowName = "status"
	ShadowConfig   ShadowName = "config"
	ShadowDevice   ShadowName = "device"
	ShadowOTA      ShadowName = "ota"
	ShadowLifetime ShadowName = "lifetime"
)

// LivenessBearing reports whether deltas from this sub-document are trusted
// as evidence the device was reachable. Only the status document (or the
// legacy single document) carries liveness; config-only documents can be
// republished by the broker long after the device dropped off.
func (n ShadowName) LivenessBearing() bool {
	return n == ShadowStatus || n == ShadowLegacy
}

// ShadowDelta is one unit of incoming state from either transport. It is an
// input event, consumed by the reconciler and never stored.
type ShadowDelta struct {
	// DeviceID is the target device's hardware identity.
	DeviceID string `json:"device_id"`

	// Shadow names the cloud sub-document the delta came from. Local
	// transport deltas use ShadowStatus since a direct read proves
	// reachability.
	Shadow ShadowName `json:"shadow"`

	// Reported is the partial reported-side state to merge.
	Reported Fields `json:"reported"`

	// Desired is the desired-side echo, if present. Never trusted for
	// liveness and never merged into canonical state.
	Desired Fields `json:"desired,omitempty"`

	// SourceTimestamp is the device-side clock of the update, when the
	// transport supplied one. Zero for non-authoritative sub-documents.
	SourceTimestamp time.Time `json:"source_timestamp,omitempty"`

	// Transport records which link delivered the delta.
	Transport TransportMode `json:"transport"`
}

// HasReported reports whether the delta carries any reported-side content.
// A desired-only echo must not influence liveness.
func (d *ShadowDelta) HasReported() bool {
	return len(d.Reported) > 0
}
