package local

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/trailside/yetilink/internal/transport"
	"github.com/trailside/yetilink/pkg/models"
	"go.uber.org/zap"
)

func writeEnvelope(w http.ResponseWriter, env Envelope) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(env)
}

func TestReadStateDispatchesDelta(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/state":
			writeEnvelope(w, Envelope{
				ID:   1,
				Body: json.RawMessage(`{"socPercent": 77, "thingName": "yeti-007"}`),
			})
		case "/api/stream":
			// Subscribing dials the push stream too. This server does not
			// speak websocket; refusing makes the stream loop back off.
			http.Error(w, "no stream", http.StatusNotFound)
		default:
			t.Errorf("unexpected path %q", r.URL.Path)
		}
	}))
	defer srv.Close()

	tr := New(zap.NewNop())
	tr.RegisterPeer("yeti-007", srv.URL)

	var got models.ShadowDelta
	unsub, err := tr.Subscribe(context.Background(), "yeti-007", func(d models.ShadowDelta) {
		got = d
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer unsub()

	if err := tr.ReadState(context.Background(), "yeti-007"); err != nil {
		t.Fatalf("ReadState() error = %v", err)
	}

	if got.DeviceID != "yeti-007" {
		t.Errorf("delta.DeviceID = %q, want %q", got.DeviceID, "yeti-007")
	}
	if got.Shadow != models.ShadowStatus {
		t.Errorf("delta.Shadow = %q, want status", got.Shadow)
	}
	if got.Reported["socPercent"] != float64(77) {
		t.Errorf("reported socPercent = %v, want 77", got.Reported["socPercent"])
	}
	if got.SourceTimestamp.IsZero() {
		t.Error("SourceTimestamp is zero; a direct read should bear liveness")
	}
}

func TestStreamPushDispatchesDelta(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/stream" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		frame, _ := json.Marshal(Envelope{ID: 9, Body: json.RawMessage(`{"socPercent": 42}`)})
		if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
			return
		}
		// Hold the socket open until the subscriber goes away, so the
		// client does not treat a server close as a failure and redial.
		conn.Read(ctx)
	}))
	defer srv.Close()

	tr := New(zap.NewNop())
	tr.RegisterPeer("yeti-012", srv.URL)

	var mu sync.Mutex
	var got *models.ShadowDelta
	unsub, err := tr.Subscribe(context.Background(), "yeti-012", func(d models.ShadowDelta) {
		mu.Lock()
		defer mu.Unlock()
		if got == nil {
			got = &d
		}
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer unsub()

	deadline := time.Now().Add(3 * time.Second)
	for {
		mu.Lock()
		d := got
		mu.Unlock()
		if d != nil {
			if d.Reported["socPercent"] != float64(42) {
				t.Errorf("reported socPercent = %v, want 42", d.Reported["socPercent"])
			}
			if d.Shadow != models.ShadowStatus {
				t.Errorf("delta.Shadow = %q, want status", d.Shadow)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("no delta dispatched from the state stream")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDeviceErrorStatusCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, Envelope{ID: 2, StatusCode: 5, StatusMsg: "busy"})
	}))
	defer srv.Close()

	tr := New(zap.NewNop())
	tr.RegisterPeer("yeti-008", srv.URL)

	err := tr.ReadState(context.Background(), "yeti-008")
	if !errors.Is(err, transport.ErrDeviceError) {
		t.Errorf("ReadState() error = %v, want ErrDeviceError", err)
	}
}

func TestPollError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/join/error" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		writeEnvelope(w, Envelope{ID: 3, Body: json.RawMessage(`{"code": 1}`)})
	}))
	defer srv.Close()

	tr := New(zap.NewNop())
	tr.RegisterPeer("yeti-009", srv.URL)

	code, err := tr.PollError(context.Background(), "yeti-009")
	if err != nil {
		t.Fatalf("PollError() error = %v", err)
	}
	if code != transport.DeviceErrBadPassword {
		t.Errorf("PollError() = %d, want %d", code, transport.DeviceErrBadPassword)
	}
}

func TestPushCredentials(t *testing.T) {
	var got transport.Credentials
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/join" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		var env Envelope
		if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
			t.Errorf("decode request envelope: %v", err)
		}
		if err := json.Unmarshal(env.Body, &got); err != nil {
			t.Errorf("decode credentials: %v", err)
		}
		writeEnvelope(w, Envelope{ID: env.ID})
	}))
	defer srv.Close()

	tr := New(zap.NewNop())
	tr.RegisterPeer("yeti-010", srv.URL)

	creds := transport.Credentials{
		SSID:       "basecamp",
		Passphrase: "hunter2hunter2",
		ThingName:  "yeti-010",
		Endpoint:   "iot.example.com",
	}
	if err := tr.PushCredentials(context.Background(), "yeti-010", creds); err != nil {
		t.Fatalf("PushCredentials() error = %v", err)
	}
	if got.SSID != creds.SSID || got.ThingName != creds.ThingName {
		t.Errorf("device received %+v, want %+v", got, creds)
	}
}

func TestUnknownPeer(t *testing.T) {
	tr := New(zap.NewNop())

	err := tr.ReadState(context.Background(), "ghost")
	if !errors.Is(err, transport.ErrNotConnected) {
		t.Errorf("ReadState() error = %v, want ErrNotConnected", err)
	}
}

func TestForgetPeer(t *testing.T) {
	tr := New(zap.NewNop())
	tr.RegisterPeer("yeti-011", "http://192.168.4.1")
	tr.ForgetPeer("yeti-011")

	err := tr.SendCommand(context.Background(), "yeti-011", models.Fields{"x": 1})
	if !errors.Is(err, transport.ErrNotConnected) {
		t.Errorf("SendCommand() after ForgetPeer error = %v, want ErrNotConnected", err)
	}
}
