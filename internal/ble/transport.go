package ble

import (
	"context"
	"fmt"
	"time"

	"github.com/accessms/doorlink/internal/ble/protocol"
)

// Transport frames outbound text for the UART characteristic.
//
// There is no application-level acknowledgement. Where WritesAcknowledged
// is set, delivery relies on the link-layer write-with-response; elsewhere
// the inter-chunk pause is the only flow control.
type Transport struct {
	ChunkSize       int           // bytes per write (default protocol.MTU)
	InterChunkDelay time.Duration // pause after each data chunk (default 50ms)
}

// DefaultTransport returns the pacing the HM-10 receive buffer tolerates.
func DefaultTransport() Transport {
	return Transport{
		ChunkSize:       protocol.MTU,
		InterChunkDelay: 50 * time.Millisecond,
	}
}

// Send writes text plus the terminator as a single write when it fits one
// chunk, otherwise falls back to SendChunked.
func (t Transport) Send(ctx context.Context, ch Characteristic, text string) error {
	msg := text + protocol.Terminator
	if len(msg) > t.chunkSize() {
		return t.SendChunked(ctx, ch, text)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ch.Write([]byte(msg)); err != nil {
		return fmt.Errorf("ble: write: %w", err)
	}
	return nil
}

// SendChunked splits text into fixed-size chunks, writes them one at a time
// with a pause after each, then writes a standalone terminator. Chunk k+1
// is never issued before chunk k's Write has returned. Cancelling ctx
// between chunks abandons the rest of the message.
func (t Transport) SendChunked(ctx context.Context, ch Characteristic, text string) error {
	for i, chunk := range protocol.Chunk([]byte(text), t.chunkSize()) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := ch.Write(chunk); err != nil {
			return fmt.Errorf("ble: write chunk %d: %w", i, err)
		}
		if err := sleepCtx(ctx, t.InterChunkDelay); err != nil {
			return err
		}
	}
	if err := ch.Write([]byte(protocol.Terminator)); err != nil {
		return fmt.Errorf("ble: write terminator: %w", err)
	}
	return nil
}

func (t Transport) chunkSize() int {
	if t.ChunkSize <= 0 {
		return protocol.MTU
	}
	return t.ChunkSize
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
