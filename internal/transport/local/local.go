// Package local implements the direct device link: HTTP request/response to
// the device's own access point (Bluetooth tethering or Wi-Fi Direct both
// surface as an IP endpoint), with state pushes over a websocket. Peers are
// discovered via mDNS.
package local

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/trailside/yetilink/internal/transport"
	"github.com/trailside/yetilink/pkg/models"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Compile-time interface guards.
var (
	_ transport.Transport        = (*Transport)(nil)
	_ transport.CredentialPusher = (*Transport)(nil)
	_ transport.ErrorPoller      = (*Transport)(nil)
)

const requestTimeout = 8 * time.Second

// peer is a known device endpoint on the local link.
type peer struct {
	baseURL string
	// mu serializes requests: the device firmware handles exactly one
	// outstanding request at a time.
	mu sync.Mutex
	// limiter protects the device's small embedded HTTP server from
	// bursts.
	limiter *rate.Limiter

	handlersMu sync.Mutex
	handlers   []transport.DeltaHandler
	cancelWS   context.CancelFunc
}

// Transport is the direct-link transport.
type Transport struct {
	logger *zap.Logger
	client *http.Client
	nextID atomic.Uint64

	mu    sync.Mutex
	peers map[string]*peer
}

// New creates a local transport with no known peers. Peers are registered
// as pairing discovers them.
func New(logger *zap.Logger) *Transport {
	return &Transport{
		logger: logger,
		client: &http.Client{Timeout: requestTimeout},
		peers:  make(map[string]*peer),
	}
}

// Mode identifies this transport.
func (t *Transport) Mode() models.TransportMode { return models.TransportLocal }

// RegisterPeer associates a device identity with its local endpoint, e.g.
// "http://192.168.4.1". Re-registering replaces the endpoint.
func (t *Transport) RegisterPeer(deviceID, baseURL string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.peers[deviceID]; ok && existing.cancelWS != nil {
		existing.cancelWS()
	}
	t.peers[deviceID] = &peer{
		baseURL: baseURL,
		limiter: rate.NewLimiter(rate.Every(200*time.Millisecond), 3),
	}
}

// ForgetPeer removes a device endpoint and stops its websocket, if any.
func (t *Transport) ForgetPeer(deviceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[deviceID]; ok {
		if p.cancelWS != nil {
			p.cancelWS()
		}
		delete(t.peers, deviceID)
	}
}

func (t *Transport) peerFor(deviceID string) (*peer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.peers[deviceID]
	if !ok {
		return nil, transport.ErrNotConnected
	}
	return p, nil
}

// SendCommand posts a desired-state patch to the device.
func (t *Transport) SendCommand(ctx context.Context, deviceID string, patch models.Fields) error {
	_, err := t.request(ctx, deviceID, http.MethodPost, "/api/state", patch)
	return err
}

// ReadState fetches a full snapshot and dispatches it to subscribers as a
// liveness-bearing delta: answering a direct request proves reachability.
func (t *Transport) ReadState(ctx context.Context, deviceID string) error {
	env, err := t.request(ctx, deviceID, http.MethodGet, "/api/state", nil)
	if err != nil {
		return err
	}

	var reported models.Fields
	if err := env.DecodeBody(&reported); err != nil {
		return err
	}

	t.dispatch(deviceID, models.ShadowDelta{
		DeviceID:        deviceID,
		Shadow:          models.ShadowStatus,
		Reported:        reported,
		SourceTimestamp: time.Now().UTC(),
		Transport:       models.TransportLocal,
	})
	return nil
}

// Subscribe opens the device's state stream websocket and fans pushed
// envelopes out to the handler.
func (t *Transport) Subscribe(ctx context.Context, deviceID string, handler transport.DeltaHandler) (func(), error) {
	p, err := t.peerFor(deviceID)
	if err != nil {
		return nil, err
	}

	p.handlersMu.Lock()
	first := len(p.handlers) == 0
	p.handlers = append(p.handlers, handler)
	idx := len(p.handlers) - 1
	p.handlersMu.Unlock()

	if first {
		wsCtx, cancel := context.WithCancel(context.Background())
		p.handlersMu.Lock()
		p.cancelWS = cancel
		p.handlersMu.Unlock()
		go t.streamLoop(wsCtx, deviceID, p)
	}

	return func() {
		p.handlersMu.Lock()
		defer p.handlersMu.Unlock()
		if idx < len(p.handlers) {
			p.handlers = append(p.handlers[:idx:idx], p.handlers[idx+1:]...)
		}
		if len(p.handlers) == 0 && p.cancelWS != nil {
			p.cancelWS()
			p.cancelWS = nil
		}
	}, nil
}

// PushCredentials delivers Wi-Fi and cloud credentials during pairing.
// The payload is idempotent; pairing re-sends it on a fixed interval.
func (t *Transport) PushCredentials(ctx context.Context, deviceID string, creds transport.Credentials) error {
	_, err := t.request(ctx, deviceID, http.MethodPost, "/api/join", creds)
	return err
}

// PollError reads the device's current pairing error code.
func (t *Transport) PollError(ctx context.Context, deviceID string) (int, error) {
	env, err := t.request(ctx, deviceID, http.MethodGet, "/api/join/error", nil)
	if err != nil {
		return 0, err
	}

	var body struct {
		Code int `json:"code"`
	}
	if err := env.DecodeBody(&body); err != nil {
		return 0, err
	}
	return body.Code, nil
}

// request performs one envelope round trip. Requests to the same device are
// serialized and rate limited.
func (t *Transport) request(ctx context.Context, deviceID, method, path string, body any) (*Envelope, error) {
	p, err := t.peerFor(deviceID)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var payload []byte
	if body != nil {
		b, err := json.Marshal(Envelope{ID: t.nextID.Add(1), Body: mustRaw(body)})
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		payload = b
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", transport.ErrRequestTimeout, err)
	}
	defer resp.Body.Close()

	var env Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if err := env.Err(); err != nil {
		return nil, err
	}
	return &env, nil
}

// streamLoop reads pushed state envelopes until the context is cancelled.
// The websocket is reopened with a short delay on read failure.
func (t *Transport) streamLoop(ctx context.Context, deviceID string, p *peer) {
	for ctx.Err() == nil {
		if err := t.readStream(ctx, deviceID, p); err != nil && ctx.Err() == nil {
			t.logger.Debug("state stream interrupted",
				zap.String("device", deviceID),
				zap.Error(err),
			)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}
	}
}

func (t *Transport) readStream(ctx context.Context, deviceID string, p *peer) error {
	conn, _, err := websocket.Dial(ctx, wsURL(p.baseURL)+"/api/stream", nil)
	if err != nil {
		return fmt.Errorf("dial state stream: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.logger.Debug("malformed stream frame dropped",
				zap.String("device", deviceID),
				zap.Error(err),
			)
			continue
		}

		var reported models.Fields
		if err := env.DecodeBody(&reported); err != nil {
			t.logger.Debug("stream frame rejected",
				zap.String("device", deviceID),
				zap.Error(err),
			)
			continue
		}

		t.dispatch(deviceID, models.ShadowDelta{
			DeviceID:        deviceID,
			Shadow:          models.ShadowStatus,
			Reported:        reported,
			SourceTimestamp: time.Now().UTC(),
			Transport:       models.TransportLocal,
		})
	}
}

func (t *Transport) dispatch(deviceID string, delta models.ShadowDelta) {
	p, err := t.peerFor(deviceID)
	if err != nil {
		return
	}
	p.handlersMu.Lock()
	handlers := append([]transport.DeltaHandler(nil), p.handlers...)
	p.handlersMu.Unlock()
	for _, h := range handlers {
		h(delta)
	}
}

func mustRaw(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return json.RawMessage(b)
}

func wsURL(base string) string {
	switch {
	case len(base) > 8 && base[:8] == "https://":
		return "wss://" + base[8:]
	case len(base) > 7 && base[:7] == "http://":
		return "ws://" + base[7:]
	}
	return base
}
