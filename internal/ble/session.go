package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/accessms/doorlink/internal/ble/protocol"
)

// LinkState is the cursor of the link state machine.
type LinkState int

const (
	StateIdle LinkState = iota
	StateScanning
	StateConnecting
	StateServiceDiscovery
	StateCharacteristicDiscovery
	StateReady
	StateDisconnecting
)

func (s LinkState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StateConnecting:
		return "connecting"
	case StateServiceDiscovery:
		return "service-discovery"
	case StateCharacteristicDiscovery:
		return "characteristic-discovery"
	case StateReady:
		return "ready"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return fmt.Sprintf("LinkState(%d)", int(s))
	}
}

// ErrNotReady is returned when sending without a ready characteristic.
var ErrNotReady = errors.New("ble: link not ready")

// Sender is the handle a Driver uses to talk to the connected peripheral.
// It is bound to one physical connection; once that connection ends every
// call becomes a no-op or fails with a cancelled context.
type Sender interface {
	Peripheral() Peripheral
	Send(ctx context.Context, text string) error
	SendChunked(ctx context.Context, text string) error
	Disconnect()
	Publish(ev Event)
}

// Driver is a command flow layered on the link. All methods are called from
// the link's actor goroutine, one at a time and in arrival order. ctx is
// cancelled when the connection ends.
type Driver interface {
	// Ready is called once notifications are enabled on the characteristic.
	Ready(ctx context.Context, s Sender)
	// Handle is called for every inbound message.
	Handle(ctx context.Context, s Sender, cmd protocol.Command)
	// Dropped is called when the connection ends for any reason.
	Dropped()
}

// BindingFunc returns the ID of the bound controller, or "" when none is
// bound. It is consulted before every auto-mode scan.
type BindingFunc func(ctx context.Context) (string, error)

// LinkOptions configures the link.
type LinkOptions struct {
	ServiceUUID        string
	CharacteristicUUID string
	Policy             Policy
	Transport          Transport
	RescanDelay        time.Duration // pause before rescanning after a drop in auto mode
	QueueSize          int           // event queue depth
}

// DefaultLinkOptions returns the settings used with HM-10 controllers.
func DefaultLinkOptions() LinkOptions {
	return LinkOptions{
		ServiceUUID:        ServiceUUID,
		CharacteristicUUID: CharacteristicUUID,
		Policy:             DefaultPolicy(),
		Transport:          DefaultTransport(),
		RescanDelay:        time.Second,
		QueueSize:          64,
	}
}

// Link owns one central-side relationship with a door controller. All
// state transitions happen on the goroutine running Run; the exported
// methods only enqueue requests and are safe for concurrent use.
type Link struct {
	adapter Adapter
	opts    LinkOptions
	log     *slog.Logger
	bus     *bus

	events chan event
	done   chan struct{}

	stateMu sync.Mutex
	state   LinkState
	seen    map[string]Peripheral // surfaced advertisements, latest wins

	// connMu guards connCancel so Disconnect can preempt waits on the
	// current connection from any goroutine.
	connMu     sync.Mutex
	connGen    uint64
	connCancel context.CancelFunc

	// Owned by the actor goroutine.
	runCtx      context.Context
	mode        Mode
	target      string
	binding     BindingFunc
	driver      Driver
	scanGen     uint64
	scanCancel  context.CancelFunc
	rescan      *time.Timer
	gen         uint64
	peripheral  Peripheral
	conn        Connection
	char        Characteristic
	connCtx     context.Context
	userDropped bool
}

// NewLink creates a link over adapter. A nil logger uses slog.Default().
func NewLink(adapter Adapter, opts LinkOptions, logger *slog.Logger) *Link {
	def := DefaultLinkOptions()
	if opts.ServiceUUID == "" {
		opts.ServiceUUID = def.ServiceUUID
	}
	if opts.CharacteristicUUID == "" {
		opts.CharacteristicUUID = def.CharacteristicUUID
	}
	if opts.Policy == (Policy{}) {
		opts.Policy = def.Policy
	}
	if opts.Transport.ChunkSize <= 0 {
		opts.Transport.ChunkSize = def.Transport.ChunkSize
	}
	if opts.RescanDelay < 0 {
		opts.RescanDelay = 0
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Link{
		adapter: adapter,
		opts:    opts,
		log:     logger,
		bus:     newBus(),
		events:  make(chan event, opts.QueueSize),
		done:    make(chan struct{}),
		seen:    make(map[string]Peripheral),
	}
}

// Subscribe returns a stream of link events. Call the returned function to
// unsubscribe. The channel is closed when Run returns.
func (l *Link) Subscribe(size int) (<-chan Event, func()) {
	return l.bus.subscribe(size)
}

// Publish sends ev to all subscribers.
func (l *Link) Publish(ev Event) {
	l.bus.publish(ev)
}

// State returns the current link state.
func (l *Link) State() LinkState {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	return l.state
}

// Peripherals returns the advertisements surfaced by the current or most
// recent scan, strongest signal first.
func (l *Link) Peripherals() []Peripheral {
	l.stateMu.Lock()
	out := make([]Peripheral, 0, len(l.seen))
	for _, p := range l.seen {
		out = append(out, p)
	}
	l.stateMu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].RSSI > out[j].RSSI })
	return out
}

// SetMode changes the session intent. target is the bound device ID used
// by ModeAuto.
func (l *Link) SetMode(mode Mode, target string) {
	l.post(reqMode{mode: mode, target: target})
}

// SetBinding installs fn as the source of the auto-mode target. Each
// auto-mode scan re-reads it, so a device bound or removed elsewhere takes
// effect on the next attempt.
func (l *Link) SetBinding(fn BindingFunc) {
	l.post(reqBinding{fn: fn})
}

// SetDriver installs the command flow that handles the next connection.
func (l *Link) SetDriver(d Driver) {
	l.post(reqDriver{driver: d})
}

// StartScan begins scanning if the link is idle.
func (l *Link) StartScan() {
	l.post(reqScan{start: true})
}

// StopScan ends scanning if the link is scanning.
func (l *Link) StopScan() {
	l.post(reqScan{start: false})
}

// Connect stops scanning and connects to p.
func (l *Link) Connect(p Peripheral) {
	l.post(reqConnect{peripheral: p})
}

// Disconnect tears down the current connection. Waits bound to that
// connection (chunk pacing, countdowns) are cancelled immediately.
func (l *Link) Disconnect() {
	l.disconnect(0)
}

// Done is closed when Run has returned.
func (l *Link) Done() <-chan struct{} {
	return l.done
}

// Run enables the adapter and processes events until ctx is cancelled.
func (l *Link) Run(ctx context.Context) error {
	defer close(l.done)
	defer l.bus.close()

	if err := l.adapter.Enable(); err != nil {
		l.publishStatus("bluetooth unavailable")
		l.bus.publish(Event{Kind: EventError, Err: err})
		return fmt.Errorf("ble: enable adapter: %w", err)
	}
	l.runCtx = ctx
	l.log.Info("[BLE] adapter enabled")
	l.publishStatus("bluetooth powered on")

	for {
		select {
		case <-ctx.Done():
			l.shutdown()
			return ctx.Err()
		case ev := <-l.events:
			l.handle(ev)
		}
	}
}

// post enqueues ev, giving up once Run has returned.
func (l *Link) post(ev event) {
	select {
	case l.events <- ev:
	case <-l.done:
	}
}

// postAsync enqueues ev without ever blocking the caller, which may be
// the actor itself.
func (l *Link) postAsync(ev event) {
	select {
	case l.events <- ev:
	default:
		go l.post(ev)
	}
}

func (l *Link) disconnect(gen uint64) {
	l.connMu.Lock()
	if l.connCancel != nil && (gen == 0 || gen == l.connGen) {
		l.connCancel()
	}
	l.connMu.Unlock()
	l.postAsync(reqDisconnect{gen: gen})
}

type event interface{}

type (
	reqMode struct {
		mode   Mode
		target string
	}
	reqDriver     struct{ driver Driver }
	reqBinding    struct{ fn BindingFunc }
	reqScan       struct{ start bool }
	reqConnect    struct{ peripheral Peripheral }
	reqDisconnect struct{ gen uint64 }

	evAdvert struct {
		scanGen    uint64
		peripheral Peripheral
	}
	evScanEnded struct {
		scanGen uint64
		err     error
	}
	evConnected struct {
		gen  uint64
		conn Connection
		err  error
	}
	evServices struct {
		gen      uint64
		services []Service
		err      error
	}
	evCharacteristic struct {
		gen  uint64
		char Characteristic
		err  error
	}
	evNotify struct {
		gen  uint64
		data []byte
	}
	evDropped struct{ gen uint64 }
)

func (l *Link) handle(ev event) {
	switch e := ev.(type) {
	case reqMode:
		l.mode, l.target = e.mode, e.target
		if e.mode != ModeAuto {
			l.cancelRescan()
		}
		l.log.Debug("[BLE] mode", "mode", e.mode, "target", e.target)
	case reqDriver:
		l.driver = e.driver
	case reqBinding:
		l.binding = e.fn
	case reqScan:
		if e.start {
			l.startScan()
		} else if l.State() == StateScanning {
			l.stopScan()
			l.setState(StateIdle)
			l.publishStatus("scan stopped")
		}
	case reqConnect:
		l.connect(e.peripheral)
	case reqDisconnect:
		l.handleDisconnect(e.gen)
	case evAdvert:
		l.handleAdvert(e)
	case evScanEnded:
		l.handleScanEnded(e)
	case evConnected:
		l.handleConnected(e)
	case evServices:
		l.handleServices(e)
	case evCharacteristic:
		l.handleCharacteristic(e)
	case evNotify:
		l.handleNotify(e)
	case evDropped:
		if e.gen == l.gen && l.connecting() {
			l.log.Warn("[BLE] peripheral disconnected", "id", l.peripheral.ID)
			l.endConnection("disconnected", true)
		}
	}
}

func (l *Link) startScan() {
	l.cancelRescan()
	if st := l.State(); st != StateIdle {
		l.log.Debug("[BLE] scan request ignored", "state", st)
		return
	}
	if l.mode == ModeAuto && l.binding != nil && !l.refreshTarget() {
		return
	}
	l.scanGen++
	gen := l.scanGen
	ctx, cancel := context.WithCancel(l.runCtx)
	l.scanCancel = cancel
	l.stateMu.Lock()
	clear(l.seen)
	l.stateMu.Unlock()
	l.setState(StateScanning)
	l.publishStatus("scanning")

	go func() {
		err := l.adapter.Scan(ctx, func(p Peripheral) {
			// Advertisements are lossy by nature; never stall the radio.
			select {
			case l.events <- evAdvert{scanGen: gen, peripheral: p}:
			default:
			}
		})
		l.post(evScanEnded{scanGen: gen, err: err})
	}()
}

// refreshTarget re-reads the bound ID. With no bound device it stays idle
// and checks again after RescanDelay.
func (l *Link) refreshTarget() bool {
	id, err := l.binding(l.runCtx)
	if err != nil {
		l.log.Warn("[BLE] reading bound device failed, keeping previous", "error", err, "target", l.target)
		return true
	}
	changed := id != l.target
	if changed {
		l.log.Info("[BLE] bound device changed", "from", l.target, "to", id)
		l.target = id
	}
	if id != "" {
		return true
	}
	if changed {
		l.publishStatus("no bound device")
	}
	l.scheduleRescan()
	return false
}

func (l *Link) stopScan() {
	if l.scanCancel == nil {
		return
	}
	l.scanCancel()
	l.scanCancel = nil
	l.scanGen++
	if err := l.adapter.StopScan(); err != nil {
		l.log.Debug("[BLE] stop scan", "error", err)
	}
}

func (l *Link) handleAdvert(e evAdvert) {
	if e.scanGen != l.scanGen || l.State() != StateScanning {
		return
	}
	p := e.peripheral
	if !l.opts.Policy.Surface(l.mode, p, l.target) {
		return
	}
	l.stateMu.Lock()
	prev, known := l.seen[p.ID]
	l.seen[p.ID] = p
	l.stateMu.Unlock()
	// Repeated advertisements only reach subscribers when they change.
	if !known || prev != p {
		l.bus.publish(Event{Kind: EventDiscovered, Peripheral: &p})
	}

	if l.opts.Policy.ShouldAutoConnect(l.mode, p, l.target) {
		l.log.Info("[BLE] bound device in range", "id", p.ID, "rssi", p.RSSI)
		l.connect(p)
	}
}

func (l *Link) handleScanEnded(e evScanEnded) {
	if e.scanGen != l.scanGen || l.State() != StateScanning {
		return
	}
	l.scanCancel = nil
	if e.err != nil && l.runCtx.Err() == nil {
		l.log.Error("[BLE] scan failed", "error", e.err)
		l.fail(fmt.Errorf("ble: scan: %w", e.err))
		return
	}
	l.setState(StateIdle)
	l.publishStatus("scan ended")
}

func (l *Link) connect(p Peripheral) {
	switch l.State() {
	case StateIdle, StateScanning:
	default:
		l.log.Warn("[BLE] connect ignored, link busy", "state", l.State(), "id", p.ID)
		return
	}
	l.cancelRescan()
	l.stopScan()

	l.gen++
	gen := l.gen
	ctx, cancel := context.WithCancel(l.runCtx)
	l.connCtx = ctx
	l.connMu.Lock()
	l.connGen = gen
	l.connCancel = cancel
	l.connMu.Unlock()

	l.peripheral = p
	l.userDropped = false
	l.setState(StateConnecting)
	l.publishStatus("connecting to " + displayName(p))

	go func() {
		conn, err := l.adapter.Connect(ctx, p.ID)
		l.post(evConnected{gen: gen, conn: conn, err: err})
	}()
}

func (l *Link) handleConnected(e evConnected) {
	if e.gen != l.gen || l.State() != StateConnecting {
		if e.conn != nil {
			_ = e.conn.Disconnect()
		}
		return
	}
	if e.err != nil {
		l.log.Warn("[BLE] connect failed", "id", l.peripheral.ID, "error", e.err)
		l.bus.publish(Event{Kind: EventError, Err: e.err})
		l.endConnection("connect failed", true)
		return
	}

	gen := e.gen
	l.conn = e.conn
	l.conn.OnDisconnect(func() { l.post(evDropped{gen: gen}) })
	l.log.Info("[BLE] connected", "id", l.peripheral.ID, "name", l.peripheral.Name)
	l.publishStatus("connected: " + displayName(l.peripheral))
	l.setState(StateServiceDiscovery)

	conn, svcUUID := l.conn, l.opts.ServiceUUID
	go func() {
		svcs, err := conn.DiscoverServices(svcUUID)
		l.post(evServices{gen: gen, services: svcs, err: err})
	}()
}

func (l *Link) handleServices(e evServices) {
	if e.gen != l.gen || l.State() != StateServiceDiscovery {
		return
	}
	if e.err == nil && len(e.services) == 0 {
		e.err = fmt.Errorf("ble: service %s not found", l.opts.ServiceUUID)
	}
	if e.err != nil {
		l.abortAttempt(e.err)
		return
	}
	l.setState(StateCharacteristicDiscovery)

	gen, charUUID := e.gen, l.opts.CharacteristicUUID
	go func() {
		var lastErr error
		for _, svc := range e.services {
			c, err := svc.DiscoverCharacteristic(charUUID)
			if err == nil && c != nil {
				l.post(evCharacteristic{gen: gen, char: c})
				return
			}
			lastErr = err
		}
		if lastErr == nil {
			lastErr = fmt.Errorf("ble: characteristic %s not found", charUUID)
		}
		l.post(evCharacteristic{gen: gen, err: lastErr})
	}()
}

func (l *Link) handleCharacteristic(e evCharacteristic) {
	if e.gen != l.gen || l.State() != StateCharacteristicDiscovery {
		return
	}
	if e.err != nil {
		l.abortAttempt(e.err)
		return
	}

	gen := e.gen
	err := e.char.Subscribe(func(data []byte) {
		buf := make([]byte, len(data))
		copy(buf, data)
		l.post(evNotify{gen: gen, data: buf})
	})
	if err != nil {
		l.abortAttempt(fmt.Errorf("ble: enable notifications: %w", err))
		return
	}
	l.char = e.char
	l.setState(StateReady)
	l.log.Info("[BLE] link ready", "id", l.peripheral.ID)
	l.publishStatus("ready")

	if l.driver != nil {
		l.driver.Ready(l.connCtx, l.sender())
	}
}

func (l *Link) handleNotify(e evNotify) {
	if e.gen != l.gen || l.State() != StateReady {
		return
	}
	text := strings.TrimSpace(string(e.data))
	l.log.Debug("[BLE] received", "text", text)
	l.bus.publish(Event{Kind: EventMessage, Text: text})
	if l.driver != nil {
		l.driver.Handle(l.connCtx, l.sender(), protocol.Parse(text))
	}
}

func (l *Link) handleDisconnect(gen uint64) {
	if gen != 0 && gen != l.gen {
		return
	}
	if !l.connecting() {
		return
	}
	l.userDropped = true
	l.setState(StateDisconnecting)
	if l.conn != nil {
		if err := l.conn.Disconnect(); err != nil {
			l.log.Warn("[BLE] disconnect", "error", err)
		}
	}
	l.endConnection("disconnected", true)
}

// abortAttempt ends a connection attempt whose discovery failed. There is
// no retry here; auto mode comes back through the normal rescan.
func (l *Link) abortAttempt(err error) {
	l.log.Warn("[BLE] connection attempt failed", "id", l.peripheral.ID, "error", err)
	l.bus.publish(Event{Kind: EventError, Err: err})
	l.setState(StateDisconnecting)
	if l.conn != nil {
		_ = l.conn.Disconnect()
	}
	l.endConnection("connection attempt failed", true)
}

// endConnection clears all per-connection state and returns to idle. In
// auto mode a rescan is scheduled when rescan is set.
func (l *Link) endConnection(reason string, rescan bool) {
	l.connMu.Lock()
	if l.connCancel != nil {
		l.connCancel()
		l.connCancel = nil
	}
	l.connMu.Unlock()

	l.gen++
	l.conn = nil
	l.char = nil
	l.connCtx = nil
	l.setState(StateIdle)
	l.publishStatus(reason)

	if l.driver != nil {
		l.driver.Dropped()
	}

	switch l.mode {
	case ModeAuto:
		if !rescan || l.runCtx.Err() != nil {
			return
		}
		l.publishStatus("waiting to reconnect")
		l.scheduleRescan()
	case ModeManual:
		l.log.Info("[BLE] manual session ended", "reason", reason, "user", l.userDropped)
	}
}

// fail handles a hard adapter error from any state.
func (l *Link) fail(err error) {
	l.bus.publish(Event{Kind: EventError, Err: err})
	l.cancelRescan()
	l.stopScan()
	if l.connecting() {
		if l.conn != nil {
			_ = l.conn.Disconnect()
		}
		l.endConnection("bluetooth error", false)
		return
	}
	l.setState(StateIdle)
	l.publishStatus("bluetooth error")
}

func (l *Link) shutdown() {
	l.cancelRescan()
	l.stopScan()
	if l.connecting() {
		if l.conn != nil {
			_ = l.conn.Disconnect()
		}
		l.endConnection("shutdown", false)
	}
	l.setState(StateIdle)
}

func (l *Link) scheduleRescan() {
	l.cancelRescan()
	l.rescan = time.AfterFunc(l.opts.RescanDelay, func() {
		l.post(reqScan{start: true})
	})
}

func (l *Link) cancelRescan() {
	if l.rescan != nil {
		l.rescan.Stop()
		l.rescan = nil
	}
}

// connecting reports whether a physical connection attempt is live.
func (l *Link) connecting() bool {
	switch l.State() {
	case StateConnecting, StateServiceDiscovery, StateCharacteristicDiscovery,
		StateReady, StateDisconnecting:
		return true
	}
	return false
}

func (l *Link) setState(s LinkState) {
	l.stateMu.Lock()
	prev := l.state
	l.state = s
	l.stateMu.Unlock()
	if prev != s {
		l.log.Debug("[BLE] state", "from", prev, "to", s)
		l.bus.publish(Event{Kind: EventStateChanged, State: s})
	}
}

func (l *Link) publishStatus(text string) {
	l.bus.publish(Event{Kind: EventStatus, Text: text})
}

func (l *Link) sender() Sender {
	return &linkSender{
		link:       l,
		gen:        l.gen,
		char:       l.char,
		peripheral: l.peripheral,
		transport:  l.opts.Transport,
	}
}

// linkSender is a Sender bound to one connection generation.
type linkSender struct {
	link       *Link
	gen        uint64
	char       Characteristic
	peripheral Peripheral
	transport  Transport
}

func (s *linkSender) Peripheral() Peripheral { return s.peripheral }

func (s *linkSender) Send(ctx context.Context, text string) error {
	if s.char == nil {
		return ErrNotReady
	}
	s.link.log.Debug("[BLE] send", "text", text)
	return s.transport.Send(ctx, s.char, text)
}

func (s *linkSender) SendChunked(ctx context.Context, text string) error {
	if s.char == nil {
		return ErrNotReady
	}
	s.link.log.Debug("[BLE] send chunked", "bytes", len(text))
	return s.transport.SendChunked(ctx, s.char, text)
}

func (s *linkSender) Disconnect() { s.link.disconnect(s.gen) }

func (s *linkSender) Publish(ev Event) { s.link.bus.publish(ev) }

func displayName(p Peripheral) string {
	if p.Name != "" {
		return p.Name
	}
	return p.ID
}
