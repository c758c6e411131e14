package access

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/accessms/doorlink/internal/ble"
	"github.com/accessms/doorlink/internal/ble/crypto"
	"github.com/accessms/doorlink/internal/ble/protocol"
	"github.com/accessms/doorlink/internal/store"
)

// ErrPairingInterrupted is the result when the link ends before COMPLETE.
var ErrPairingInterrupted = errors.New("access: link closed before pairing completed")

// PairingStore reads the credential and binds the controller.
type PairingStore interface {
	CredentialSource
	SavePairedDevice(ctx context.Context, d store.PairedDevice) error
}

// PairingOptions configures the Pairer.
type PairingOptions struct {
	Key string // static 16-byte AES key
	IV  string // static 16-byte pairing IV
}

type pairStage int

const (
	stageConnecting pairStage = iota
	stageAwaitData
	stageAwaitComplete
	stageDone
)

// Pairer binds a new controller: REGISTER, USER:<card>, COMPLETE. It runs
// once; use a new Pairer for each attempt.
type Pairer struct {
	store PairingStore
	opts  PairingOptions
	log   *slog.Logger

	stage pairStage // actor-owned

	once   sync.Once
	result chan error
}

// NewPairer validates opts and returns a driver for one pairing attempt.
func NewPairer(st PairingStore, opts PairingOptions, logger *slog.Logger) (*Pairer, error) {
	if st == nil {
		return nil, errors.New("access: nil pairing store")
	}
	if len(opts.Key) != crypto.KeySize {
		return nil, fmt.Errorf("access: pairing key: %w", crypto.ErrInvalidKeyLength)
	}
	if len(opts.IV) != crypto.IVLength {
		return nil, fmt.Errorf("access: pairing IV: %w", crypto.ErrInvalidIVLength)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pairer{store: st, opts: opts, log: logger, result: make(chan error, 1)}, nil
}

// Wait blocks until pairing succeeds, fails, or ctx ends.
func (p *Pairer) Wait(ctx context.Context) error {
	select {
	case err := <-p.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pairer) Ready(ctx context.Context, s ble.Sender) {
	if p.stage == stageDone {
		return
	}
	p.log.Info("[ACCESS] registering with controller", "id", s.Peripheral().ID)
	if err := s.Send(ctx, protocol.CmdRegister); err != nil {
		p.abandon(s, "send REGISTER failed", err)
		return
	}
	p.stage = stageAwaitData
	s.Publish(ble.Event{Kind: ble.EventStatus, Text: "registering"})
}

func (p *Pairer) Handle(ctx context.Context, s ble.Sender, cmd protocol.Command) {
	if p.stage == stageDone {
		return
	}
	switch {
	case cmd.Kind == protocol.KindReadyForData:
		p.sendUser(ctx, s)
	case cmd.Kind == protocol.KindComplete, cmd.Kind == protocol.KindOK:
		if p.stage != stageAwaitComplete {
			// Nothing was sent yet, so there is nothing to bind.
			p.log.Warn("[ACCESS] completion before credential was sent, ignored", "kind", cmd.Kind)
			return
		}
		p.complete(ctx, s)
	default:
		p.log.Debug("[ACCESS] ignored message during pairing", "kind", cmd.Kind, "raw", cmd.Raw)
	}
}

func (p *Pairer) Dropped() {
	if p.stage != stageDone {
		p.stage = stageDone
		p.finish(ErrPairingInterrupted)
	}
}

func (p *Pairer) sendUser(ctx context.Context, s ble.Sender) {
	cred, err := p.store.Credential(ctx)
	if errors.Is(err, store.ErrNotFound) {
		// The controller may ask again once a profile exists.
		p.log.Warn("[ACCESS] no profile for pairing")
		s.Publish(ble.Event{Kind: ble.EventStatus, Text: "no profile"})
		s.Publish(ble.Event{Kind: ble.EventError, Err: ErrNoProfile})
		return
	}
	if err != nil {
		p.abandon(s, "could not load profile", err)
		return
	}

	ct, err := crypto.Encrypt(cred.CardID, p.opts.Key, p.opts.IV)
	if err != nil {
		p.abandon(s, "could not encrypt credential", err)
		return
	}
	if err := s.SendChunked(ctx, protocol.UserMessage(ct)); err != nil {
		p.abandon(s, "send USER failed", err)
		return
	}
	p.stage = stageAwaitComplete
	p.log.Info("[ACCESS] credential sent for pairing")
	s.Publish(ble.Event{Kind: ble.EventStatus, Text: "credential sent"})
}

func (p *Pairer) complete(ctx context.Context, s ble.Sender) {
	periph := s.Peripheral()
	dev := store.PairedDevice{
		ID:          periph.ID,
		Name:        periph.Name,
		ServiceUUID: periph.ServiceUUID,
	}
	if dev.ServiceUUID == "" {
		dev.ServiceUUID = ble.ServiceUUID
	}
	if periph.RSSI != ble.InvalidRSSI {
		rssi := periph.RSSI
		dev.LastRSSI = &rssi
	}
	if err := p.store.SavePairedDevice(ctx, dev); err != nil {
		p.abandon(s, "could not save paired device", err)
		return
	}

	p.stage = stageDone
	p.log.Info("[ACCESS] pairing complete", "id", dev.ID, "name", dev.Name)
	s.Publish(ble.Event{Kind: ble.EventPaired, Peripheral: &periph})
	p.finish(nil)
	s.Disconnect()
}

// abandon ends the attempt with err and drops the link.
func (p *Pairer) abandon(s ble.Sender, status string, err error) {
	p.log.Warn("[ACCESS] pairing failed: "+status, "error", err)
	s.Publish(ble.Event{Kind: ble.EventStatus, Text: status})
	s.Publish(ble.Event{Kind: ble.EventError, Err: err})
	p.stage = stageDone
	p.finish(fmt.Errorf("access: %s: %w", status, err))
	s.Disconnect()
}

func (p *Pairer) finish(err error) {
	p.once.Do(func() { p.result <- err })
}
