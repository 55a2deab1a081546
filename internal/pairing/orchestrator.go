// Package pairing drives a device from discovered to paired and connected.
// Each attempt is one session walking a fixed state machine; credential
// delivery is retried on a fixed interval, registration with fixed backoff,
// and a single per-transfer-kind timeout guards the whole session.
package pairing

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/trailside/yetilink/internal/transport"
	"github.com/trailside/yetilink/pkg/models"
	"github.com/trailside/yetilink/pkg/plugin"
	"go.uber.org/zap"
)

var (
	// ErrSessionActive means the device already has a non-terminal session.
	ErrSessionActive = errors.New("pairing: session already active for device")

	// ErrUnknownSession means no session exists under the given ID.
	ErrUnknownSession = errors.New("pairing: unknown session")
)

// Config tunes retry budgets and timeouts.
type Config struct {
	// CredentialInterval is the fixed delay between credential re-sends.
	CredentialInterval time.Duration

	// CredentialAttempts bounds how many times credentials are sent before
	// the session fails.
	CredentialAttempts int

	// ErrorPollInterval is how often the device is asked for an explicit
	// pairing error code during credential exchange.
	ErrorPollInterval time.Duration

	// SessionTimeoutBluetooth and SessionTimeoutWifi bound the whole
	// session. Bluetooth gets the longer window.
	SessionTimeoutBluetooth time.Duration
	SessionTimeoutWifi      time.Duration
}

// DefaultConfig returns the production retry budgets.
func DefaultConfig() Config {
	return Config{
		CredentialInterval:      5 * time.Second,
		CredentialAttempts:      6,
		ErrorPollInterval:       3 * time.Second,
		SessionTimeoutBluetooth: 120 * time.Second,
		SessionTimeoutWifi:      60 * time.Second,
	}
}

// DeviceRegistry is the slice of the reconciler the orchestrator needs:
// snapshot reads plus the pairing-owned create and remove entry points.
type DeviceRegistry interface {
	Device(id string) (*models.Device, bool)
	RegisterDevice(ctx context.Context, id string, mode models.TransportMode) *models.Device
	RemoveDevice(ctx context.Context, id string)
}

// Subscriber attaches or detaches a paired device's transport feed.
type Subscriber interface {
	EnsureSubscribed(ctx context.Context, deviceID string) error
	Unsubscribe(deviceID string)
}

// peerForgetter is implemented by the local transport; dropping the peer
// entry on unpair frees its stream and throttle state.
type peerForgetter interface {
	ForgetPeer(deviceID string)
}

// StartParams describes one pairing attempt.
type StartParams struct {
	DeviceID       string
	ConnectionType models.ConnectionType
	TransferKind   models.TransferKind
	Credentials    transport.Credentials
	Registration   RegistrationRequest
}

// Orchestrator runs pairing sessions, at most one active per device.
type Orchestrator struct {
	logger     *zap.Logger
	bus        plugin.EventBus
	clock      plugin.Clock
	cfg        Config
	registry   DeviceRegistry
	subscriber Subscriber
	link       transport.Transport // credential-capable local link
	registrar  Registrar

	mu       sync.Mutex
	byDevice map[string]*session
	byID     map[string]*session
	wg       sync.WaitGroup
}

type session struct {
	mu sync.Mutex
	models.ConnectionSession

	cancel    context.CancelFunc
	cancelled bool
	notify    chan struct{}
	done      chan struct{}
}

// snapshot returns a copy safe to hand out.
func (s *session) snapshot() models.ConnectionSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ConnectionSession
}

func (s *session) markCancelled() {
	s.mu.Lock()
	s.cancelled = true
	s.mu.Unlock()
}

func (s *session) wasCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// NewOrchestrator creates the orchestrator. link is the credential-capable
// local transport; registrar handles backend registration for cloud pairing.
func NewOrchestrator(cfg Config, registry DeviceRegistry, sub Subscriber, link transport.Transport, registrar Registrar, bus plugin.EventBus, clock plugin.Clock, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		logger:     logger,
		bus:        bus,
		clock:      clock,
		cfg:        cfg,
		registry:   registry,
		subscriber: sub,
		link:       link,
		registrar:  registrar,
		byDevice:   make(map[string]*session),
		byID:       make(map[string]*session),
	}
}

// Start begins a pairing session and returns its initial snapshot. Fails if
// the device already has an active session.
func (o *Orchestrator) Start(params StartParams) (models.ConnectionSession, error) {
	if params.DeviceID == "" {
		return models.ConnectionSession{}, errors.New("pairing: device id required")
	}

	timeout := o.cfg.SessionTimeoutWifi
	if params.TransferKind == models.TransferBluetooth {
		timeout = o.cfg.SessionTimeoutBluetooth
	}

	o.mu.Lock()
	if existing, ok := o.byDevice[params.DeviceID]; ok && !existing.snapshot().State.Terminal() {
		o.mu.Unlock()
		return models.ConnectionSession{}, ErrSessionActive
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	s := &session{
		ConnectionSession: models.ConnectionSession{
			SessionID:      uuid.NewString(),
			DeviceID:       params.DeviceID,
			ConnectionType: params.ConnectionType,
			TransferKind:   params.TransferKind,
			State:          models.SessionIdle,
			StartedAt:      o.clock.Now(),
		},
		cancel: cancel,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	o.byDevice[params.DeviceID] = s
	o.byID[s.SessionID] = s
	o.wg.Add(1)
	o.mu.Unlock()

	go o.run(ctx, s, params)
	return s.snapshot(), nil
}

// Cancel aborts a session. If the device never reported identity, the
// partial device entry is cleaned up so nothing orphaned remains.
func (o *Orchestrator) Cancel(sessionID string) error {
	o.mu.Lock()
	s, ok := o.byID[sessionID]
	o.mu.Unlock()
	if !ok {
		return ErrUnknownSession
	}
	if s.snapshot().State.Terminal() {
		return nil
	}
	s.markCancelled()
	s.cancel()
	return nil
}

// Session returns a snapshot of the session with the given ID.
func (o *Orchestrator) Session(sessionID string) (models.ConnectionSession, bool) {
	o.mu.Lock()
	s, ok := o.byID[sessionID]
	o.mu.Unlock()
	if !ok {
		return models.ConnectionSession{}, false
	}
	return s.snapshot(), true
}

// NotifyDeviceUpdated wakes the session waiting on the given device so it
// can re-check ack freshness without waiting out the retry interval.
func (o *Orchestrator) NotifyDeviceUpdated(deviceID string) {
	o.mu.Lock()
	s, ok := o.byDevice[deviceID]
	o.mu.Unlock()
	if !ok {
		return
	}
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Unpair removes a device: cancels any active session, detaches the
// transport feed, and deletes the canonical entry.
func (o *Orchestrator) Unpair(ctx context.Context, deviceID string) {
	o.mu.Lock()
	s, ok := o.byDevice[deviceID]
	o.mu.Unlock()
	if ok && !s.snapshot().State.Terminal() {
		s.markCancelled()
		s.cancel()
		<-s.done
	}

	o.subscriber.Unsubscribe(deviceID)
	if f, ok := o.link.(peerForgetter); ok {
		f.ForgetPeer(deviceID)
	}
	o.registry.RemoveDevice(ctx, deviceID)
}

// Shutdown cancels every active session and waits for their runners.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	for _, s := range o.byID {
		s.markCancelled()
		s.cancel()
	}
	o.mu.Unlock()
	o.wg.Wait()
}

// run walks one session through the state machine.
func (o *Orchestrator) run(ctx context.Context, s *session, params StartParams) {
	defer o.wg.Done()
	defer close(s.done)
	defer s.cancel()

	o.transition(ctx, s, models.SessionScanning)
	o.transition(ctx, s, models.SessionTransportConnecting)

	pusher, ok := o.link.(transport.CredentialPusher)
	if !ok {
		o.fail(ctx, s, models.FailureTransport, "local link cannot deliver credentials")
		return
	}

	// The error poll stops the instant the session leaves credential
	// exchange; a stale error read after success must not surface.
	pollCtx, stopPolling := context.WithCancel(ctx)
	defer stopPolling()
	errCh := make(chan models.FailureReason, 1)
	go o.pollErrors(pollCtx, params.DeviceID, errCh)

	o.transition(ctx, s, models.SessionCredentialExchange)

	firstSentAt, reason, msg := o.exchangeCredentials(ctx, s, pusher, params, errCh)
	if reason != models.FailureNone {
		stopPolling()
		if reason == models.FailureTimeout && s.wasCancelled() {
			o.finishCancelled(ctx, s, params.DeviceID)
			return
		}
		o.fail(context.Background(), s, reason, msg)
		return
	}
	stopPolling()

	o.logger.Debug("device acknowledged credentials",
		zap.String("device", params.DeviceID),
		zap.Duration("after", o.clock.Now().Sub(firstSentAt)),
	)

	mode := models.TransportLocal
	if params.ConnectionType == models.ConnectionCloud {
		mode = models.TransportCloud

		o.transition(ctx, s, models.SessionAwaitingRegistration)
		req := params.Registration
		if req.ThingName == "" {
			req.ThingName = params.DeviceID
		}
		if err := o.registrar.Register(ctx, req); err != nil {
			// The device has reported valid identity, so it stays
			// paired; only the session fails and the user can retry
			// registration later.
			bg := context.Background()
			o.registry.RegisterDevice(bg, params.DeviceID, mode)
			o.ensureSubscribed(bg, params.DeviceID)
			if s.wasCancelled() {
				o.finishCancelled(bg, s, params.DeviceID)
				return
			}
			if errors.Is(err, context.DeadlineExceeded) {
				o.fail(bg, s, models.FailureTimeout, "session timed out during registration")
				return
			}
			o.fail(bg, s, models.FailureRegistration, err.Error())
			return
		}
	}

	o.registry.RegisterDevice(ctx, params.DeviceID, mode)
	o.ensureSubscribed(ctx, params.DeviceID)
	o.transition(ctx, s, models.SessionConfirmed)

	o.bus.Publish(ctx, plugin.Event{
		Topic:     TopicDevicePaired,
		Source:    "pairing",
		Timestamp: o.clock.Now(),
		Payload:   &PairedEvent{DeviceID: params.DeviceID, TransportMode: mode},
	})
}

// exchangeCredentials re-sends the full credential payload on a fixed
// interval until the device's sync timestamp moves past the first send time,
// the attempt budget runs out, or the device reports an explicit error.
func (o *Orchestrator) exchangeCredentials(ctx context.Context, s *session, pusher transport.CredentialPusher, params StartParams, errCh <-chan models.FailureReason) (time.Time, models.FailureReason, string) {
	var firstSentAt time.Time

	for attempt := 1; attempt <= o.cfg.CredentialAttempts; attempt++ {
		s.mu.Lock()
		s.AttemptCount = attempt
		s.mu.Unlock()

		if err := pusher.PushCredentials(ctx, params.DeviceID, params.Credentials); err != nil {
			if ctx.Err() != nil {
				return firstSentAt, models.FailureTimeout, "session timed out"
			}
			s.mu.Lock()
			s.LastError = err.Error()
			s.mu.Unlock()
			o.logger.Debug("credential push failed",
				zap.String("device", params.DeviceID),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		} else if firstSentAt.IsZero() {
			firstSentAt = o.clock.Now()
			o.transition(ctx, s, models.SessionAwaitingDeviceAck)
		}

		interval := time.After(o.cfg.CredentialInterval)
	wait:
		for {
			if !firstSentAt.IsZero() && o.deviceAcked(params.DeviceID, firstSentAt) {
				return firstSentAt, models.FailureNone, ""
			}
			select {
			case <-ctx.Done():
				return firstSentAt, models.FailureTimeout, "session timed out"
			case reason := <-errCh:
				return firstSentAt, reason, "device reported a pairing error"
			case <-s.notify:
				// Reported state changed; re-check freshness.
			case <-interval:
				break wait
			}
		}
	}

	return firstSentAt, models.FailureTimeout, "device never acknowledged credentials"
}

// deviceAcked reports whether the device has synced since credentials were
// first sent, which proves it joined with them.
func (o *Orchestrator) deviceAcked(deviceID string, firstSentAt time.Time) bool {
	d, ok := o.registry.Device(deviceID)
	return ok && d.LastSyncAt.After(firstSentAt)
}

// pollErrors asks the device for an explicit pairing error code until the
// context is cancelled. A known-bad credential fails fast instead of
// exhausting the retry budget.
func (o *Orchestrator) pollErrors(ctx context.Context, deviceID string, errCh chan<- models.FailureReason) {
	poller, ok := o.link.(transport.ErrorPoller)
	if !ok {
		return
	}

	ticker := time.NewTicker(o.cfg.ErrorPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		code, err := poller.PollError(ctx, deviceID)
		if err != nil || code == transport.DeviceErrNone {
			continue
		}
		select {
		case errCh <- mapDeviceError(code):
		default:
		}
		return
	}
}

func mapDeviceError(code int) models.FailureReason {
	switch code {
	case transport.DeviceErrBadPassword:
		return models.FailureBadCredential
	case transport.DeviceErrNetworkJoin:
		return models.FailureNetworkJoin
	}
	return models.FailureDeviceError
}

// finishCancelled ends a session on user cancel. A device that never
// reported identity is cleaned up so no orphaned entry remains.
// finishCancelled runs after the session context is already dead, so the
// cleanup gets a fresh one.
func (o *Orchestrator) finishCancelled(_ context.Context, s *session, deviceID string) {
	ctx := context.Background()

	d, known := o.registry.Device(deviceID)
	if !known || d.LastSyncAt.IsZero() {
		o.subscriber.Unsubscribe(deviceID)
		if f, ok := o.link.(peerForgetter); ok {
			f.ForgetPeer(deviceID)
		}
		o.registry.RemoveDevice(ctx, deviceID)
	}

	o.transition(ctx, s, models.SessionCancelled)
}

func (o *Orchestrator) fail(ctx context.Context, s *session, reason models.FailureReason, msg string) {
	s.mu.Lock()
	if s.State.Terminal() {
		s.mu.Unlock()
		return
	}
	s.State = models.SessionFailed
	s.Reason = reason
	s.LastError = msg
	snapshot := s.ConnectionSession
	s.mu.Unlock()

	o.logger.Warn("pairing failed",
		zap.String("device", snapshot.DeviceID),
		zap.String("reason", string(reason)),
		zap.String("detail", msg),
	)
	o.publishSession(ctx, snapshot)
}

// transition moves the session forward and publishes the new snapshot.
// Terminal states are sticky.
func (o *Orchestrator) transition(ctx context.Context, s *session, next models.SessionState) {
	s.mu.Lock()
	if s.State.Terminal() || s.State == next {
		s.mu.Unlock()
		return
	}
	s.State = next
	snapshot := s.ConnectionSession
	s.mu.Unlock()

	o.logger.Debug("pairing session state",
		zap.String("session", snapshot.SessionID),
		zap.String("device", snapshot.DeviceID),
		zap.String("state", string(next)),
	)
	o.publishSession(ctx, snapshot)
}

func (o *Orchestrator) publishSession(ctx context.Context, snapshot models.ConnectionSession) {
	o.bus.Publish(ctx, plugin.Event{
		Topic:     TopicSessionUpdated,
		Source:    "pairing",
		Timestamp: o.clock.Now(),
		Payload:   &SessionEvent{Session: snapshot},
	})
}

func (o *Orchestrator) ensureSubscribed(ctx context.Context, deviceID string) {
	if err := o.subscriber.EnsureSubscribed(ctx, deviceID); err != nil {
		o.logger.Warn("attach transport feed",
			zap.String("device", deviceID),
			zap.Error(err),
		)
	}
}
