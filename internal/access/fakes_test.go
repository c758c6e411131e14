package access

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/accessms/doorlink/internal/ble"
	"github.com/accessms/doorlink/internal/store"
)

const (
	testKey       = "0123456789abcdef"
	testPairingIV = "fedcba9876543210"
)

// fakeSender records what a driver sends over one connection.
type fakeSender struct {
	mu          sync.Mutex
	peripheral  ble.Peripheral
	sent        []string
	chunked     []bool
	events      []ble.Event
	disconnects int
	sendErr     error
	disconnect  chan struct{}
}

func newFakeSender() *fakeSender {
	return &fakeSender{
		peripheral: ble.Peripheral{ID: "AA:BB:CC:DD:EE:FF", Name: "DOOR-LOBBY", RSSI: -48, ServiceUUID: ble.ServiceUUID},
		disconnect: make(chan struct{}, 8),
	}
}

func (s *fakeSender) Peripheral() ble.Peripheral { return s.peripheral }

func (s *fakeSender) Send(ctx context.Context, text string) error {
	return s.record(ctx, text, false)
}

func (s *fakeSender) SendChunked(ctx context.Context, text string) error {
	return s.record(ctx, text, true)
}

func (s *fakeSender) record(ctx context.Context, text string, chunked bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, text)
	s.chunked = append(s.chunked, chunked)
	return nil
}

func (s *fakeSender) Disconnect() {
	s.mu.Lock()
	s.disconnects++
	s.mu.Unlock()
	s.disconnect <- struct{}{}
}

func (s *fakeSender) Publish(ev ble.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *fakeSender) Sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

func (s *fakeSender) Disconnects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnects
}

func (s *fakeSender) hasEvent(kind ble.EventKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.events {
		if ev.Kind == kind {
			return true
		}
	}
	return false
}

func (s *fakeSender) hasStatus(text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.events {
		if ev.Kind == ble.EventStatus && strings.Contains(ev.Text, text) {
			return true
		}
	}
	return false
}

func (s *fakeSender) countdownValues() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int
	for _, ev := range s.events {
		if ev.Kind == ble.EventCountdown {
			out = append(out, ev.Remaining)
		}
	}
	return out
}

// waitDisconnect reports whether Disconnect was called within d.
func (s *fakeSender) waitDisconnect(d time.Duration) bool {
	select {
	case <-s.disconnect:
		return true
	case <-time.After(d):
		return false
	}
}

// memStore is an in-memory PairingStore.
type memStore struct {
	mu      sync.Mutex
	cred    *store.Credential
	device  *store.PairedDevice
	saveErr error
}

func (m *memStore) Credential(context.Context) (store.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cred == nil {
		return store.Credential{}, store.ErrNotFound
	}
	return *m.cred, nil
}

func (m *memStore) SavePairedDevice(_ context.Context, d store.PairedDevice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.device = &d
	return nil
}

func (m *memStore) Device() *store.PairedDevice {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.device
}

// recordingHost records grant requests and bounds them like ForegroundHost.
type recordingHost struct {
	mu       sync.Mutex
	requests []time.Duration
	released int
}

func (h *recordingHost) RequestExecution(ctx context.Context, d time.Duration) (context.Context, func()) {
	h.mu.Lock()
	h.requests = append(h.requests, d)
	h.mu.Unlock()
	gctx, cancel := ForegroundHost{}.RequestExecution(ctx, d)
	return gctx, func() {
		cancel()
		h.mu.Lock()
		h.released++
		h.mu.Unlock()
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
