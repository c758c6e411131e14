// Package access implements the door controller command flows that run on
// top of a ble.Link: binding a new controller and authenticating against a
// bound one.
package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/accessms/doorlink/internal/ble"
	"github.com/accessms/doorlink/internal/ble/crypto"
	"github.com/accessms/doorlink/internal/ble/protocol"
	"github.com/accessms/doorlink/internal/store"
)

// ErrNoPendingIV is reported when IV_UPDATED arrives without a live IV from
// this connection.
var ErrNoPendingIV = errors.New("access: IV_UPDATED without a pending IV")

// ErrNoProfile is reported when no credential has been saved yet.
var ErrNoProfile = errors.New("access: no profile saved")

// CredentialSource supplies the user's credential.
type CredentialSource interface {
	Credential(ctx context.Context) (store.Credential, error)
}

// SessionOptions configures the Authenticator.
type SessionOptions struct {
	Key          string        // static 16-byte AES key
	RefusalGrace time.Duration // wait after REFUSAL before disconnecting
	Countdown    CountdownOptions
}

// DefaultSessionOptions returns the timings used by the controller family.
// Key must still be set.
func DefaultSessionOptions() SessionOptions {
	return SessionOptions{
		RefusalGrace: 5 * time.Second,
		Countdown:    DefaultCountdownOptions(),
	}
}

// Authenticator is the repeating session flow run against a bound
// controller: IV negotiation, AUTH, then APPROVE or REFUSAL.
type Authenticator struct {
	creds     CredentialSource
	opts      SessionOptions
	log       *slog.Logger
	countdown *Countdown
	newIV     func() (string, error)

	// pendingIV is only touched from the link actor.
	pendingIV string

	mu            sync.Mutex
	refusalCancel context.CancelFunc
}

// NewAuthenticator validates opts and returns a ready driver.
func NewAuthenticator(creds CredentialSource, opts SessionOptions, host Host, logger *slog.Logger) (*Authenticator, error) {
	if creds == nil {
		return nil, errors.New("access: nil credential source")
	}
	if len(opts.Key) != crypto.KeySize {
		return nil, fmt.Errorf("access: session key: %w", crypto.ErrInvalidKeyLength)
	}
	if opts.RefusalGrace < 0 {
		opts.RefusalGrace = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{
		creds:     creds,
		opts:      opts,
		log:       logger,
		countdown: NewCountdown(opts.Countdown, host, logger),
		newIV:     crypto.GenerateIV,
	}, nil
}

// Countdown exposes the post-approval timer.
func (a *Authenticator) Countdown() *Countdown { return a.countdown }

// FinishNow shortens the running countdown after a local completion.
func (a *Authenticator) FinishNow() error { return a.countdown.FinishNow() }

func (a *Authenticator) Ready(_ context.Context, s ble.Sender) {
	a.pendingIV = ""
	a.cancelRefusal()
	a.countdown.Reset()
	a.log.Info("[ACCESS] session ready", "id", s.Peripheral().ID)
	s.Publish(ble.Event{Kind: ble.EventStatus, Text: "connected, waiting for controller"})
}

func (a *Authenticator) Handle(ctx context.Context, s ble.Sender, cmd protocol.Command) {
	switch cmd.Kind {
	case protocol.KindRequestIV:
		a.handleRequestIV(ctx, s)
	case protocol.KindIVUpdated:
		a.handleIVUpdated(ctx, s)
	case protocol.KindApprove:
		a.log.Info("[ACCESS] access approved")
		s.Publish(ble.Event{Kind: ble.EventApproved})
		a.countdown.Start(ctx, s)
	case protocol.KindRefusal:
		a.handleRefusal(ctx, s)
	default:
		a.log.Debug("[ACCESS] ignored message", "kind", cmd.Kind, "raw", cmd.Raw)
	}
}

func (a *Authenticator) Dropped() {
	a.pendingIV = ""
	a.cancelRefusal()
	a.countdown.Stop()
}

func (a *Authenticator) handleRequestIV(ctx context.Context, s ble.Sender) {
	iv, err := a.newIV()
	if err != nil {
		a.pendingIV = ""
		a.report(s, "could not generate IV", err)
		return
	}
	a.pendingIV = iv
	if err := s.Send(ctx, protocol.IVMessage(iv)); err != nil {
		a.pendingIV = ""
		a.report(s, "send IV failed", err)
		return
	}
	a.log.Debug("[ACCESS] IV sent")
}

func (a *Authenticator) handleIVUpdated(ctx context.Context, s ble.Sender) {
	iv := a.pendingIV
	// Consumed exactly once, whatever happens next.
	a.pendingIV = ""
	if iv == "" {
		a.report(s, "controller confirmed an IV that was never sent", ErrNoPendingIV)
		return
	}

	cred, err := a.creds.Credential(ctx)
	if errors.Is(err, store.ErrNotFound) {
		a.report(s, "no profile", ErrNoProfile)
		return
	}
	if err != nil {
		a.report(s, "could not load profile", err)
		return
	}

	ct, err := crypto.Encrypt(cred.CardID, a.opts.Key, iv)
	if err != nil {
		a.report(s, "could not encrypt credential", err)
		return
	}
	if err := s.SendChunked(ctx, protocol.AuthMessage(ct)); err != nil {
		a.report(s, "send AUTH failed", err)
		return
	}
	a.log.Info("[ACCESS] credential sent")
	s.Publish(ble.Event{Kind: ble.EventStatus, Text: "credential sent"})
}

func (a *Authenticator) handleRefusal(ctx context.Context, s ble.Sender) {
	a.log.Warn("[ACCESS] access refused")
	a.countdown.Stop()
	s.Publish(ble.Event{Kind: ble.EventRefused})

	waitCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	if a.refusalCancel != nil {
		a.refusalCancel()
	}
	a.refusalCancel = cancel
	a.mu.Unlock()

	grace := a.opts.RefusalGrace
	go func() {
		defer cancel()
		t := time.NewTimer(grace)
		defer t.Stop()
		select {
		case <-t.C:
			s.Disconnect()
		case <-waitCtx.Done():
		}
	}()
}

func (a *Authenticator) cancelRefusal() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.refusalCancel != nil {
		a.refusalCancel()
		a.refusalCancel = nil
	}
}

// report logs a failed round and surfaces it on the event stream. The link
// stays up so the controller can retry.
func (a *Authenticator) report(s ble.Sender, status string, err error) {
	a.log.Warn("[ACCESS] "+status, "error", err)
	s.Publish(ble.Event{Kind: ble.EventStatus, Text: status})
	s.Publish(ble.Event{Kind: ble.EventError, Err: err})
}
