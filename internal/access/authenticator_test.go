package access

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/accessms/doorlink/internal/ble"
	"github.com/accessms/doorlink/internal/ble/crypto"
	"github.com/accessms/doorlink/internal/ble/protocol"
	"github.com/accessms/doorlink/internal/store"
)

func fastSessionOptions() SessionOptions {
	return SessionOptions{
		Key:          testKey,
		RefusalGrace: 20 * time.Millisecond,
		Countdown: CountdownOptions{
			Total:           30,
			Tick:            5 * time.Millisecond,
			MinRemaining:    20,
			BackgroundGrace: time.Second,
		},
	}
}

func newTestAuthenticator(t *testing.T, creds CredentialSource, opts SessionOptions) *Authenticator {
	t.Helper()
	a, err := NewAuthenticator(creds, opts, nil, quietLogger())
	require.NoError(t, err)
	return a
}

// negotiate runs REQUEST_IV and IV_UPDATED and returns the IV and AUTH payload.
func negotiate(t *testing.T, a *Authenticator, s *fakeSender, ctx context.Context) (iv, auth string) {
	t.Helper()
	a.Handle(ctx, s, protocol.Parse("REQUEST_IV"))
	sent := s.Sent()
	require.NotEmpty(t, sent)
	ivMsg := sent[len(sent)-1]
	require.True(t, strings.HasPrefix(ivMsg, protocol.PrefixIV), "got %q", ivMsg)
	iv = strings.TrimPrefix(ivMsg, protocol.PrefixIV)
	require.Len(t, iv, crypto.IVLength)

	a.Handle(ctx, s, protocol.Parse("IV_UPDATED"))
	sent = s.Sent()
	authMsg := sent[len(sent)-1]
	require.True(t, strings.HasPrefix(authMsg, protocol.PrefixAuth), "got %q", authMsg)
	return iv, strings.TrimPrefix(authMsg, protocol.PrefixAuth)
}

func TestSessionApproveThenFinishNow(t *testing.T) {
	const cardID = "CARD-20251023-101500"
	a := newTestAuthenticator(t, &memStore{cred: &store.Credential{CardID: cardID}}, fastSessionOptions())
	s := newFakeSender()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a.Ready(ctx, s)
	iv, auth := negotiate(t, a, s, ctx)
	assert.True(t, s.chunked[len(s.chunked)-1], "AUTH must be sent chunked")
	assert.False(t, s.chunked[0], "IV fits one write")

	plain, err := crypto.DecryptBase64(auth, testKey, iv)
	require.NoError(t, err)
	assert.Equal(t, cardID, plain)
	assert.Empty(t, a.pendingIV, "IV is consumed by AUTH")

	a.Handle(ctx, s, protocol.Parse("APPROVE"))
	assert.True(t, s.hasEvent(ble.EventApproved))
	require.True(t, a.Countdown().Running())

	// Once ten ticks have passed the floor is reached: finish-now is immediate.
	require.Eventually(t, func() bool { return a.Countdown().Remaining() <= 20 }, time.Second, time.Millisecond)
	require.NoError(t, a.FinishNow())
	assert.True(t, s.waitDisconnect(10*time.Millisecond))
	assert.False(t, a.Countdown().Running())
}

func TestSessionIVUpdatedWithoutRequestSendsNoAuth(t *testing.T) {
	a := newTestAuthenticator(t, &memStore{cred: &store.Credential{CardID: "CARD-1"}}, fastSessionOptions())
	s := newFakeSender()
	ctx := context.Background()

	a.Ready(ctx, s)
	a.Handle(ctx, s, protocol.Parse("IV_UPDATED"))
	assert.Empty(t, s.Sent())
	assert.True(t, s.hasEvent(ble.EventError))
	assert.Equal(t, 0, s.Disconnects(), "link is kept for a retry")
}

func TestSessionIVIsSingleUse(t *testing.T) {
	a := newTestAuthenticator(t, &memStore{cred: &store.Credential{CardID: "CARD-1"}}, fastSessionOptions())
	s := newFakeSender()
	ctx := context.Background()

	a.Ready(ctx, s)
	negotiate(t, a, s, ctx)
	a.Handle(ctx, s, protocol.Parse("IV_UPDATED"))
	assert.Len(t, s.Sent(), 2, "a second IV_UPDATED must not reuse the IV")
}

func TestSessionPendingIVDiscardedOnDrop(t *testing.T) {
	a := newTestAuthenticator(t, &memStore{cred: &store.Credential{CardID: "CARD-1"}}, fastSessionOptions())
	old := newFakeSender()
	ctx := context.Background()

	a.Ready(ctx, old)
	a.Handle(ctx, old, protocol.Parse("REQUEST_IV"))
	a.Dropped()

	fresh := newFakeSender()
	a.Ready(ctx, fresh)
	a.Handle(ctx, fresh, protocol.Parse("IV_UPDATED"))
	assert.Empty(t, fresh.Sent(), "previous connection's IV must not be used")
}

func TestSessionFreshIVPerRound(t *testing.T) {
	a := newTestAuthenticator(t, &memStore{cred: &store.Credential{CardID: "CARD-1"}}, fastSessionOptions())
	s := newFakeSender()
	ctx := context.Background()
	a.Ready(ctx, s)
	iv1, _ := negotiate(t, a, s, ctx)
	iv2, _ := negotiate(t, a, s, ctx)
	assert.NotEqual(t, iv1, iv2)
}

func TestSessionRefusalDisconnectsAfterGrace(t *testing.T) {
	a := newTestAuthenticator(t, &memStore{cred: &store.Credential{CardID: "CARD-1"}}, fastSessionOptions())
	s := newFakeSender()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a.Ready(ctx, s)
	negotiate(t, a, s, ctx)
	start := time.Now()
	a.Handle(ctx, s, protocol.Parse("REFUSAL"))

	assert.True(t, s.hasEvent(ble.EventRefused))
	assert.False(t, a.Countdown().Running(), "no countdown on refusal")
	require.True(t, s.waitDisconnect(time.Second))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Empty(t, s.countdownValues())
}

func TestSessionRefusalWaitCancelledByDrop(t *testing.T) {
	opts := fastSessionOptions()
	opts.RefusalGrace = 50 * time.Millisecond
	a := newTestAuthenticator(t, &memStore{cred: &store.Credential{CardID: "CARD-1"}}, opts)
	s := newFakeSender()
	ctx, cancel := context.WithCancel(context.Background())

	a.Ready(ctx, s)
	a.Handle(ctx, s, protocol.Parse("REFUSAL"))
	cancel()
	a.Dropped()
	assert.False(t, s.waitDisconnect(100*time.Millisecond))
}

func TestSessionMissingProfileKeepsLink(t *testing.T) {
	a := newTestAuthenticator(t, &memStore{}, fastSessionOptions())
	s := newFakeSender()
	ctx := context.Background()

	a.Ready(ctx, s)
	a.Handle(ctx, s, protocol.Parse("REQUEST_IV"))
	a.Handle(ctx, s, protocol.Parse("IV_UPDATED"))
	assert.Len(t, s.Sent(), 1, "only the IV went out")
	assert.True(t, s.hasStatus("no profile"))
	assert.Equal(t, 0, s.Disconnects())
}

func TestSessionIVGenerationFailure(t *testing.T) {
	a := newTestAuthenticator(t, &memStore{cred: &store.Credential{CardID: "CARD-1"}}, fastSessionOptions())
	a.newIV = func() (string, error) { return "", errors.New("entropy exhausted") }
	s := newFakeSender()
	ctx := context.Background()

	a.Ready(ctx, s)
	a.Handle(ctx, s, protocol.Parse("REQUEST_IV"))
	a.Handle(ctx, s, protocol.Parse("IV_UPDATED"))
	assert.Empty(t, s.Sent())
}

func TestSessionReadyResetsCountdown(t *testing.T) {
	a := newTestAuthenticator(t, &memStore{cred: &store.Credential{CardID: "CARD-1"}}, fastSessionOptions())
	s := newFakeSender()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a.Ready(ctx, s)
	a.Handle(ctx, s, protocol.Parse("APPROVE"))
	require.Eventually(t, func() bool { return a.Countdown().Remaining() < 30 }, time.Second, time.Millisecond)

	cancel()
	a.Dropped()
	a.Ready(context.Background(), newFakeSender())
	assert.Equal(t, 30, a.Countdown().Remaining())
	assert.False(t, a.Countdown().Running())
}

func TestSessionIgnoresUnknownCommands(t *testing.T) {
	a := newTestAuthenticator(t, &memStore{cred: &store.Credential{CardID: "CARD-1"}}, fastSessionOptions())
	s := newFakeSender()
	a.Ready(context.Background(), s)
	a.Handle(context.Background(), s, protocol.Parse("BANANA"))
	a.Handle(context.Background(), s, protocol.Parse("READY_FOR_DATA"))
	assert.Empty(t, s.Sent())
	assert.Equal(t, 0, s.Disconnects())
}

func TestNewAuthenticatorRejectsBadKey(t *testing.T) {
	_, err := NewAuthenticator(&memStore{}, SessionOptions{Key: "too short"}, nil, nil)
	assert.ErrorIs(t, err, crypto.ErrInvalidKeyLength)
	_, err = NewAuthenticator(nil, SessionOptions{Key: testKey}, nil, nil)
	assert.Error(t, err)
}
