package cloud

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/trailside/yetilink/pkg/models"
)

// ShadowDocument is the broker's per-sub-document envelope:
// {state: {reported, desired}, metadata: {reported: {<field>: {timestamp}}}}.
// Timestamps are Unix seconds.
type ShadowDocument struct {
	State    ShadowState    `json:"state"`
	Metadata ShadowMetadata `json:"metadata"`
	// Timestamp is the broker-side receive time of the whole document.
	Timestamp int64 `json:"timestamp,omitempty"`
}

// ShadowState carries the reported and desired halves of a sub-document.
type ShadowState struct {
	Reported models.Fields `json:"reported,omitempty"`
	Desired  models.Fields `json:"desired,omitempty"`
}

// ShadowMetadata mirrors State with per-field timestamps.
type ShadowMetadata struct {
	Reported map[string]json.RawMessage `json:"reported,omitempty"`
}

// fieldTimestamp is the broker's per-field metadata leaf.
type fieldTimestamp struct {
	Timestamp int64 `json:"timestamp"`
}

// ParseShadowDocument decodes a shadow document payload into a delta for
// the reconciler. The liveness clock comes from reported-side metadata:
// the newest per-field timestamp, or for legacy single-document devices the
// thingName field's timestamp when present.
func ParseShadowDocument(deviceID string, shadow models.ShadowName, payload []byte) (models.ShadowDelta, error) {
	var doc ShadowDocument
	if err := json.Unmarshal(payload, &doc); err != nil {
		return models.ShadowDelta{}, fmt.Errorf("decode shadow document: %w", err)
	}

	delta := models.ShadowDelta{
		DeviceID:  deviceID,
		Shadow:    shadow,
		Reported:  doc.State.Reported,
		Desired:   doc.State.Desired,
		Transport: models.TransportCloud,
	}

	if ts := livenessClock(shadow, doc.Metadata); ts > 0 {
		delta.SourceTimestamp = time.Unix(ts, 0).UTC()
	} else if doc.Timestamp > 0 && shadow.LivenessBearing() {
		delta.SourceTimestamp = time.Unix(doc.Timestamp, 0).UTC()
	}

	return delta, nil
}

// livenessClock extracts the Unix-seconds liveness timestamp from reported
// metadata. Legacy devices stamp a top-level thingName entry; newer
// generations are judged by their freshest reported field.
func livenessClock(shadow models.ShadowName, meta ShadowMetadata) int64 {
	if len(meta.Reported) == 0 {
		return 0
	}

	if shadow == models.ShadowLegacy {
		if raw, ok := meta.Reported["thingName"]; ok {
			var ft fieldTimestamp
			if err := json.Unmarshal(raw, &ft); err == nil && ft.Timestamp > 0 {
				return ft.Timestamp
			}
		}
	}

	var newest int64
	for _, raw := range meta.Reported {
		if ts := maxTimestamp(raw); ts > newest {
			newest = ts
		}
	}
	return newest
}

// maxTimestamp walks a metadata subtree and returns the newest timestamp
// found. Nested objects and arrays mirror the shape of the reported state.
func maxTimestamp(raw json.RawMessage) int64 {
	var ft fieldTimestamp
	if err := json.Unmarshal(raw, &ft); err == nil && ft.Timestamp > 0 {
		return ft.Timestamp
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err == nil {
		var newest int64
		for _, child := range obj {
			if ts := maxTimestamp(child); ts > newest {
				newest = ts
			}
		}
		return newest
	}

	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err == nil {
		var newest int64
		for _, child := range arr {
			if ts := maxTimestamp(child); ts > newest {
				newest = ts
			}
		}
		return newest
	}

	return 0
}

// desiredUpdate renders a desired-state patch as a shadow update payload.
func desiredUpdate(patch models.Fields) ([]byte, error) {
	doc := map[string]any{
		"state": map[string]any{
			"desired": patch,
		},
	}
	return json.Marshal(doc)
}
