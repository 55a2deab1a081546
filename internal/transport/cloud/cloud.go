// Package cloud implements the shadow-document transport: device state is
// mirrored in per-device shadow sub-documents on an MQTT broker, and the app
// reads, patches, and subscribes to them.
package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/trailside/yetilink/internal/transport"
	"github.com/trailside/yetilink/pkg/models"
	"go.uber.org/zap"
)

// Compile-time interface guards.
var (
	_ transport.Transport        = (*Transport)(nil)
	_ transport.PresenceAsserter = (*Transport)(nil)
)

const (
	qosAtLeastOnce = 1
	publishTimeout = 10 * time.Second
)

// namedShadows are the sub-documents newer hardware generations publish.
var namedShadows = []models.ShadowName{
	models.ShadowStatus,
	models.ShadowConfig,
	models.ShadowDevice,
	models.ShadowOTA,
	models.ShadowLifetime,
}

// Config holds broker connection settings.
type Config struct {
	BrokerURL    string
	ClientPrefix string
	Credentials  BrokerCredentials
}

// Transport is the cloud shadow transport.
type Transport struct {
	logger *zap.Logger
	cfg    Config
	client mqtt.Client
	clock  func() time.Time

	mu       sync.Mutex
	handlers map[string][]transport.DeltaHandler
	// named tracks devices seen publishing named sub-documents; their
	// desired patches go to the config shadow instead of the legacy one.
	named map[string]bool
}

// New creates a cloud transport. Connect must be called before use.
func New(cfg Config, logger *zap.Logger) *Transport {
	return &Transport{
		logger:   logger,
		cfg:      cfg,
		clock:    time.Now,
		handlers: make(map[string][]transport.DeltaHandler),
		named:    make(map[string]bool),
	}
}

// Connect establishes the broker session. The broker password is a
// backend-issued token; a token already past its expiry fails fast instead
// of producing an opaque broker rejection.
func (t *Transport) Connect(ctx context.Context) error {
	if err := t.cfg.Credentials.Valid(t.clock()); err != nil {
		return fmt.Errorf("broker credentials: %w", err)
	}

	opts := mqtt.NewClientOptions().
		AddBroker(t.cfg.BrokerURL).
		SetClientID(fmt.Sprintf("%s-%d", t.cfg.ClientPrefix, t.clock().UnixNano())).
		SetUsername(t.cfg.Credentials.Username).
		SetPassword(t.cfg.Credentials.Token).
		SetAutoReconnect(true).
		SetCleanSession(true).
		SetConnectTimeout(15 * time.Second).
		SetOnConnectHandler(func(c mqtt.Client) {
			t.logger.Info("broker connected", zap.String("broker", t.cfg.BrokerURL))
			t.resubscribe()
		}).
		SetConnectionLostHandler(func(c mqtt.Client, err error) {
			t.logger.Warn("broker connection lost", zap.Error(err))
		})

	t.client = mqtt.NewClient(opts)
	token := t.client.Connect()
	if !token.WaitTimeout(20 * time.Second) {
		return transport.ErrRequestTimeout
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}
	return nil
}

// Close tears down the broker session.
func (t *Transport) Close() {
	if t.client != nil && t.client.IsConnected() {
		t.client.Disconnect(250)
	}
}

// Mode identifies this transport.
func (t *Transport) Mode() models.TransportMode { return models.TransportCloud }

// SendCommand publishes a desired-state patch to the device's shadow.
// Devices publishing named sub-documents receive it on the config shadow;
// legacy devices on the single unnamed document.
func (t *Transport) SendCommand(ctx context.Context, deviceID string, patch models.Fields) error {
	payload, err := desiredUpdate(patch)
	if err != nil {
		return fmt.Errorf("encode desired patch: %w", err)
	}

	shadow := models.ShadowLegacy
	t.mu.Lock()
	if t.named[deviceID] {
		shadow = models.ShadowConfig
	}
	t.mu.Unlock()

	return t.publish(ctx, updateTopic(deviceID, shadow), payload)
}

// ReadState requests fresh snapshots of every sub-document. Responses arrive
// through the subscription as normal deltas.
func (t *Transport) ReadState(ctx context.Context, deviceID string) error {
	if err := t.publish(ctx, getTopic(deviceID, models.ShadowLegacy), []byte{}); err != nil {
		return err
	}
	for _, name := range namedShadows {
		if err := t.publish(ctx, getTopic(deviceID, name), []byte{}); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe registers for shadow updates of a device across all
// sub-documents.
func (t *Transport) Subscribe(ctx context.Context, deviceID string, handler transport.DeltaHandler) (func(), error) {
	if t.client == nil || !t.client.IsConnected() {
		return nil, transport.ErrNotConnected
	}

	t.mu.Lock()
	first := len(t.handlers[deviceID]) == 0
	t.handlers[deviceID] = append(t.handlers[deviceID], handler)
	idx := len(t.handlers[deviceID]) - 1
	t.mu.Unlock()

	if first {
		if err := t.subscribeDevice(deviceID); err != nil {
			return nil, err
		}
	}

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		handlers := t.handlers[deviceID]
		if idx < len(handlers) {
			t.handlers[deviceID] = append(handlers[:idx:idx], handlers[idx+1:]...)
		}
	}, nil
}

// AssertPresence declares the app online for the device so the backend keeps
// routing its shadow updates.
func (t *Transport) AssertPresence(ctx context.Context, deviceID string) error {
	payload, _ := json.Marshal(map[string]any{
		"appConnected": true,
		"timestamp":    t.clock().Unix(),
	})
	return t.publish(ctx, "app/presence/"+deviceID, payload)
}

func (t *Transport) subscribeDevice(deviceID string) error {
	topics := []string{
		shadowTopic(deviceID, models.ShadowLegacy, "update/accepted"),
		shadowTopic(deviceID, models.ShadowLegacy, "get/accepted"),
	}
	for _, name := range namedShadows {
		topics = append(topics,
			shadowTopic(deviceID, name, "update/accepted"),
			shadowTopic(deviceID, name, "get/accepted"),
		)
	}

	for _, topic := range topics {
		token := t.client.Subscribe(topic, qosAtLeastOnce, t.onMessage)
		if !token.WaitTimeout(publishTimeout) {
			return transport.ErrRequestTimeout
		}
		if err := token.Error(); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}
	return nil
}

// resubscribe restores device subscriptions after a broker reconnect.
func (t *Transport) resubscribe() {
	t.mu.Lock()
	devices := make([]string, 0, len(t.handlers))
	for id, hs := range t.handlers {
		if len(hs) > 0 {
			devices = append(devices, id)
		}
	}
	t.mu.Unlock()

	for _, id := range devices {
		if err := t.subscribeDevice(id); err != nil {
			t.logger.Warn("resubscribe failed", zap.String("device", id), zap.Error(err))
		}
	}
}

func (t *Transport) onMessage(_ mqtt.Client, msg mqtt.Message) {
	deviceID, shadow, ok := parseShadowTopic(msg.Topic())
	if !ok {
		t.logger.Debug("unrecognized shadow topic", zap.String("topic", msg.Topic()))
		return
	}

	delta, err := ParseShadowDocument(deviceID, shadow, msg.Payload())
	if err != nil {
		t.logger.Warn("malformed shadow document dropped",
			zap.String("device", deviceID),
			zap.String("shadow", string(shadow)),
			zap.Error(err),
		)
		return
	}

	if shadow != models.ShadowLegacy {
		t.mu.Lock()
		t.named[deviceID] = true
		t.mu.Unlock()
	}

	t.mu.Lock()
	handlers := append([]transport.DeltaHandler(nil), t.handlers[deviceID]...)
	t.mu.Unlock()
	for _, h := range handlers {
		h(delta)
	}
}

func (t *Transport) publish(ctx context.Context, topic string, payload []byte) error {
	if t.client == nil || !t.client.IsConnected() {
		return transport.ErrNotConnected
	}

	token := t.client.Publish(topic, qosAtLeastOnce, false, payload)
	done := make(chan struct{})
	go func() {
		token.Wait()
		close(done)
	}()

	select {
	case <-done:
		if err := token.Error(); err != nil {
			return fmt.Errorf("publish %s: %w", topic, err)
		}
		return nil
	case <-time.After(publishTimeout):
		return transport.ErrRequestTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// shadowTopic builds a broker topic for a device's sub-document operation.
func shadowTopic(deviceID string, shadow models.ShadowName, op string) string {
	if shadow == models.ShadowLegacy {
		return fmt.Sprintf("things/%s/shadow/%s", deviceID, op)
	}
	return fmt.Sprintf("things/%s/shadow/name/%s/%s", deviceID, shadow, op)
}

func updateTopic(deviceID string, shadow models.ShadowName) string {
	return shadowTopic(deviceID, shadow, "update")
}

func getTopic(deviceID string, shadow models.ShadowName) string {
	return shadowTopic(deviceID, shadow, "get")
}

// parseShadowTopic recovers the device ID and sub-document name from an
// inbound topic.
func parseShadowTopic(topic string) (deviceID string, shadow models.ShadowName, ok bool) {
	parts := strings.Split(topic, "/")
	// things/<id>/shadow/<op>/accepted
	// things/<id>/shadow/name/<shadow>/<op>/accepted
	if len(parts) < 5 || parts[0] != "things" || parts[2] != "shadow" {
		return "", "", false
	}
	if parts[3] == "name" {
		if len(parts) < 7 {
			return "", "", false
		}
		return parts[1], models.ShadowName(parts[4]), true
	}
	return parts[1], models.ShadowLegacy, true
}
