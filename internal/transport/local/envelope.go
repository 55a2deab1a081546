package local

import (
	"encoding/json"
	"fmt"

	"github.com/trailside/yetilink/internal/transport"
)

// Envelope is the device's request/response frame on the direct link:
// {id, status_code, status_msg, body}. A status_code of zero is success.
type Envelope struct {
	ID         uint64          `json:"id"`
	StatusCode int             `json:"status_code"`
	StatusMsg  string          `json:"status_msg,omitempty"`
	Body       json.RawMessage `json:"body,omitempty"`
}

// Err converts a non-zero status into a wrapped transport.ErrDeviceError.
func (e *Envelope) Err() error {
	if e.StatusCode == 0 {
		return nil
	}
	return fmt.Errorf("%w: code %d (%s)", transport.ErrDeviceError, e.StatusCode, e.StatusMsg)
}

// DecodeBody unmarshals the envelope body into out after checking status.
func (e *Envelope) DecodeBody(out any) error {
	if err := e.Err(); err != nil {
		return err
	}
	if len(e.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Body, out); err != nil {
		return fmt.Errorf("decode envelope body: %w", err)
	}
	return nil
}
