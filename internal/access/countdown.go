package access

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/accessms/doorlink/internal/ble"
)

// ErrNotCounting is returned by FinishNow when no approved session is open.
var ErrNotCounting = errors.New("access: no countdown running")

// CountdownOptions configures the post-approval disconnect timer.
type CountdownOptions struct {
	Total        int           // ticks from APPROVE to disconnect
	Tick         time.Duration // length of one tick
	MinRemaining int           // ticks always left after a local finish
	// BackgroundGrace bounds the extended-execution window requested for a
	// shortened wait.
	BackgroundGrace time.Duration
}

// DefaultCountdownOptions returns 30 one-second ticks with a 20 tick floor.
func DefaultCountdownOptions() CountdownOptions {
	return CountdownOptions{
		Total:           30,
		Tick:            time.Second,
		MinRemaining:    20,
		BackgroundGrace: 30 * time.Second,
	}
}

// Countdown disconnects an approved session after a fixed number of ticks.
// At most one countdown runs at a time; starting it again restarts it.
type Countdown struct {
	opts CountdownOptions
	host Host
	log  *slog.Logger

	mu        sync.Mutex
	remaining int
	running   bool
	sender    ble.Sender
	connCtx   context.Context
	cancel    context.CancelFunc
}

// NewCountdown returns a stopped countdown. A nil host means ForegroundHost.
func NewCountdown(opts CountdownOptions, host Host, logger *slog.Logger) *Countdown {
	def := DefaultCountdownOptions()
	if opts.Total <= 0 {
		opts.Total = def.Total
	}
	if opts.Tick <= 0 {
		opts.Tick = def.Tick
	}
	if opts.MinRemaining < 0 {
		opts.MinRemaining = 0
	}
	if host == nil {
		host = ForegroundHost{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Countdown{opts: opts, host: host, log: logger, remaining: opts.Total}
}

// Remaining returns the ticks left before disconnect.
func (c *Countdown) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remaining
}

// Running reports whether the tick loop is active.
func (c *Countdown) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Reset stops any wait and restores the full duration.
func (c *Countdown) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
	c.sender, c.connCtx = nil, nil
	c.remaining = c.opts.Total
}

// Stop cancels the tick loop or a pending finish wait.
func (c *Countdown) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
	c.sender, c.connCtx = nil, nil
}

// Start resets to the full duration and begins ticking. ctx is the
// connection context; when it ends the countdown ends with it.
func (c *Countdown) Start(ctx context.Context, s ble.Sender) {
	c.mu.Lock()
	c.stopLocked()
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running = true
	c.remaining = c.opts.Total
	c.sender, c.connCtx = s, ctx
	total := c.remaining
	c.mu.Unlock()

	c.log.Info("[ACCESS] countdown started", "ticks", total)
	s.Publish(ble.Event{Kind: ble.EventCountdown, Remaining: total})
	go c.tick(runCtx, s)
}

func (c *Countdown) tick(ctx context.Context, s ble.Sender) {
	t := time.NewTicker(c.opts.Tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		c.mu.Lock()
		if ctx.Err() != nil {
			c.mu.Unlock()
			return
		}
		c.remaining--
		left := c.remaining
		if left <= 0 {
			c.running = false
		}
		c.mu.Unlock()

		s.Publish(ble.Event{Kind: ble.EventCountdown, Remaining: left})
		if left <= 0 {
			c.log.Info("[ACCESS] countdown elapsed, disconnecting")
			s.Disconnect()
			return
		}
	}
}

// FinishNow shortens the countdown after a local completion such as a
// recorded check-in. With more than MinRemaining ticks left it waits the
// difference inside a host execution grant, otherwise it disconnects at
// once. It does not block.
func (c *Countdown) FinishNow() error {
	c.mu.Lock()
	if c.sender == nil || c.connCtx == nil || c.connCtx.Err() != nil {
		c.mu.Unlock()
		return ErrNotCounting
	}
	c.stopLocked()
	s, connCtx := c.sender, c.connCtx
	left := c.remaining

	if left <= c.opts.MinRemaining {
		c.sender, c.connCtx = nil, nil
		c.mu.Unlock()
		c.log.Info("[ACCESS] finish now, disconnecting", "remaining", left)
		s.Disconnect()
		return nil
	}

	waitCtx, cancel := context.WithCancel(connCtx)
	c.cancel = cancel
	c.mu.Unlock()

	wait := time.Duration(left-c.opts.MinRemaining) * c.opts.Tick
	c.log.Info("[ACCESS] finish now, shortened wait", "remaining", left, "wait", wait)
	grant, release := c.host.RequestExecution(waitCtx, c.opts.BackgroundGrace)

	go func() {
		defer release()
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-grant.Done():
			if waitCtx.Err() != nil {
				// Stopped or the link went away on its own.
				return
			}
			c.log.Warn("[ACCESS] execution grant ended before wait, disconnecting")
		}
		s.Disconnect()
	}()
	return nil
}

func (c *Countdown) stopLocked() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.running = false
}
