package keyexchange

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hybrid-chat/common"
	"hybrid-chat/keystore"
	"hybrid-chat/protocol/hybrid"
	"hybrid-chat/storage"
)

type fakeTransport struct {
	mu    sync.Mutex
	open  bool
	ready chan struct{}
	sent  chan common.Envelope
}

func newFakeTransport(open bool) *fakeTransport {
	t := &fakeTransport{ready: make(chan struct{}), sent: make(chan common.Envelope, 16)}
	if open {
		t.setOpen()
	}
	return t
}

func (t *fakeTransport) setOpen() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.open {
		t.open = true
		close(t.ready)
	}
}

func (t *fakeTransport) Ready() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ready
}

func (t *fakeTransport) Send(e common.Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.open {
		return common.ErrTransportUnavailable
	}
	t.sent <- e
	return nil
}

func (t *fakeTransport) next(tb testing.TB) *common.KeyExchange {
	tb.Helper()
	select {
	case e := <-t.sent:
		kx, ok := e.(*common.KeyExchange)
		require.True(tb, ok, "unexpected frame %T", e)
		return kx
	case <-time.After(2 * time.Second):
		tb.Fatal("no key envelope sent")
		return nil
	}
}

func (t *fakeTransport) assertIdle(tb testing.TB) {
	tb.Helper()
	select {
	case e := <-t.sent:
		tb.Fatalf("unexpected frame %#v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

// flakyDirectory fails every lookup while down is set.
type flakyDirectory struct {
	*storage.MemoryStore
	mu   sync.Mutex
	down bool
}

func (d *flakyDirectory) setDown(down bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.down = down
}

func (d *flakyDirectory) LookupKey(ctx context.Context, id common.IdentityID) (common.PublicKeyEntry, error) {
	d.mu.Lock()
	down := d.down
	d.mu.Unlock()
	if down {
		return common.PublicKeyEntry{}, errors.New("directory unavailable")
	}
	return d.MemoryStore.LookupKey(ctx, id)
}

type endpoint struct {
	id        *hybrid.Identity
	store     *keystore.MemoryStore
	transport *fakeTransport
	manager   *Manager
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newEndpoint(t *testing.T, dir *storage.MemoryStore, uid common.IdentityID, open bool) *endpoint {
	t.Helper()
	id, err := hybrid.NewIdentity(uid)
	require.NoError(t, err)
	entry, err := id.PublicEntry()
	require.NoError(t, err)
	require.NoError(t, dir.PublishKey(context.Background(), entry))

	e := &endpoint{id: id, store: keystore.NewMemoryStore(), transport: newFakeTransport(open)}
	e.manager = NewManager(id, e.store, dir, e.transport, quietLogger(), WithRetryInterval(10*time.Millisecond))
	t.Cleanup(e.manager.Wait)
	return e
}

func (e *endpoint) key(t *testing.T, peer common.IdentityID) []byte {
	t.Helper()
	rec, ok, err := e.store.Get(keystore.PairKey{Owner: e.id.ID, Peer: peer})
	require.NoError(t, err)
	require.True(t, ok)
	return rec.Key
}

func TestInitiateAndReceive(t *testing.T) {
	ctx := context.Background()
	dir := storage.NewMemoryStore()
	alice := newEndpoint(t, dir, 1, true)
	bob := newEndpoint(t, dir, 2, true)

	_, _, err := alice.manager.Seal(2, []byte("hi"))
	assert.ErrorIs(t, err, common.ErrKeyNotReady)

	require.NoError(t, alice.manager.Initiate(ctx, 2))
	env := alice.transport.next(t)
	assert.Equal(t, common.IdentityID(1), env.From)
	assert.Equal(t, common.IdentityID(2), env.To)
	assert.NotEmpty(t, env.Signature)

	require.NoError(t, alice.manager.WaitEstablished(ctx, 2))
	assert.Equal(t, StateEstablished, alice.manager.State(2))

	require.NoError(t, bob.manager.HandleEnvelope(ctx, env))
	assert.Equal(t, StateEstablished, bob.manager.State(1))
	assert.Equal(t, alice.key(t, 2), bob.key(t, 1))

	ct, nonce, err := alice.manager.Seal(2, []byte("hello bob"))
	require.NoError(t, err)
	pt, err := bob.manager.Open(1, ct, nonce)
	require.NoError(t, err)
	assert.Equal(t, "hello bob", string(pt))

	ct, nonce, err = bob.manager.Seal(1, []byte("hello alice"))
	require.NoError(t, err)
	pt, err = alice.manager.Open(2, ct, nonce)
	require.NoError(t, err)
	assert.Equal(t, "hello alice", string(pt))
}

func TestInitiateReusesStoredKey(t *testing.T) {
	ctx := context.Background()
	dir := storage.NewMemoryStore()
	alice := newEndpoint(t, dir, 1, true)
	newEndpoint(t, dir, 2, true)

	require.NoError(t, alice.manager.Initiate(ctx, 2))
	alice.transport.next(t)
	require.NoError(t, alice.manager.WaitEstablished(ctx, 2))
	first := alice.key(t, 2)

	alice.manager.Confirm(2)
	require.NoError(t, alice.manager.Initiate(ctx, 2))
	alice.transport.assertIdle(t)
	assert.Equal(t, first, alice.key(t, 2))

	// A fresh manager over the same store picks the key up without a new exchange.
	restarted := NewManager(alice.id, alice.store, dir, alice.transport, quietLogger())
	assert.Equal(t, StateEstablished, restarted.State(2))
	require.NoError(t, restarted.Initiate(ctx, 2))
	alice.transport.assertIdle(t)
	_, _, err := restarted.Seal(2, []byte("x"))
	assert.NoError(t, err)
}

func TestUnconfirmedKeyIsResent(t *testing.T) {
	ctx := context.Background()
	dir := storage.NewMemoryStore()
	alice := newEndpoint(t, dir, 1, true)
	newEndpoint(t, dir, 2, true)

	require.NoError(t, alice.manager.Initiate(ctx, 2))
	first := alice.transport.next(t)
	require.NoError(t, alice.manager.WaitEstablished(ctx, 2))
	alice.manager.Wait()

	alice.manager.Resend(ctx)
	again := alice.transport.next(t)
	assert.Equal(t, first.From, again.From)
	alice.manager.Wait()

	alice.manager.Confirm(2)
	alice.manager.Resend(ctx)
	alice.transport.assertIdle(t)
}

func TestDeliveryWaitsForTransport(t *testing.T) {
	ctx := context.Background()
	dir := storage.NewMemoryStore()
	alice := newEndpoint(t, dir, 1, false)
	bob := newEndpoint(t, dir, 2, true)

	require.NoError(t, alice.manager.Initiate(ctx, 2))
	assert.Equal(t, StateAwaitingTransport, alice.manager.State(2))
	_, _, err := alice.manager.Seal(2, []byte("early"))
	assert.ErrorIs(t, err, common.ErrKeyNotReady)

	rec, ok, err := alice.store.Get(keystore.PairKey{Owner: 1, Peer: 2})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, keystore.OriginLocal, rec.Origin)
	assert.False(t, rec.Delivered)

	time.Sleep(30 * time.Millisecond)
	alice.transport.setOpen()
	env := alice.transport.next(t)
	require.NoError(t, alice.manager.WaitEstablished(ctx, 2))

	require.NoError(t, bob.manager.HandleEnvelope(ctx, env))
	assert.Equal(t, alice.key(t, 2), bob.key(t, 1))

	assert.Eventually(t, func() bool {
		rec, _, _ := alice.store.Get(keystore.PairKey{Owner: 1, Peer: 2})
		return rec.Delivered
	}, time.Second, 10*time.Millisecond)
}

func TestCancelledDeliveryResumesWithSameKey(t *testing.T) {
	dir := storage.NewMemoryStore()
	alice := newEndpoint(t, dir, 1, false)
	newEndpoint(t, dir, 2, true)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, alice.manager.Initiate(ctx, 2))
	stored := alice.key(t, 2)
	cancel()
	alice.manager.Wait()
	assert.Equal(t, StateAwaitingTransport, alice.manager.State(2))

	alice.transport.setOpen()
	require.NoError(t, alice.manager.Initiate(context.Background(), 2))
	alice.transport.next(t)
	require.NoError(t, alice.manager.WaitEstablished(context.Background(), 2))
	assert.Equal(t, stored, alice.key(t, 2))
}

func TestSimultaneousInitiation(t *testing.T) {
	ctx := context.Background()
	dir := storage.NewMemoryStore()
	alice := newEndpoint(t, dir, 1, true)
	bob := newEndpoint(t, dir, 2, true)

	require.NoError(t, alice.manager.Initiate(ctx, 2))
	require.NoError(t, bob.manager.Initiate(ctx, 1))
	fromAlice := alice.transport.next(t)
	fromBob := bob.transport.next(t)
	alice.manager.Wait()
	bob.manager.Wait()
	aliceKey := alice.key(t, 2)
	require.NotEqual(t, aliceKey, bob.key(t, 1))

	// Lower id keeps its key and sends it again.
	require.NoError(t, alice.manager.HandleEnvelope(ctx, fromBob))
	assert.Equal(t, aliceKey, alice.key(t, 2))
	resent := alice.transport.next(t)

	require.NoError(t, bob.manager.HandleEnvelope(ctx, fromAlice))
	require.NoError(t, bob.manager.HandleEnvelope(ctx, resent))
	assert.Equal(t, aliceKey, bob.key(t, 1))

	ct, nonce, err := bob.manager.Seal(1, []byte("agreed"))
	require.NoError(t, err)
	pt, err := alice.manager.Open(2, ct, nonce)
	require.NoError(t, err)
	assert.Equal(t, "agreed", string(pt))
}

func TestHandleEnvelopeFailures(t *testing.T) {
	ctx := context.Background()
	dir := storage.NewMemoryStore()
	alice := newEndpoint(t, dir, 1, true)
	bob := newEndpoint(t, dir, 2, true)
	carol := newEndpoint(t, dir, 3, true)

	require.NoError(t, alice.manager.Initiate(ctx, 2))
	valid := alice.transport.next(t)

	require.NoError(t, carol.manager.Initiate(ctx, 2))
	fromCarol := carol.transport.next(t)

	tests := []struct {
		name    string
		env     *common.KeyExchange
		wantErr error
	}{
		{
			name: "payload swapped under a valid signature",
			env: &common.KeyExchange{
				From:         3,
				EncryptedKey: base64.StdEncoding.EncodeToString([]byte("not a wrapped key")),
				Signature:    fromCarol.Signature,
			},
			wantErr: ErrBadSignature,
		},
		{
			name:    "missing signature",
			env:     &common.KeyExchange{From: 1, EncryptedKey: valid.EncryptedKey},
			wantErr: ErrBadSignature,
		},
		{
			name:    "signature from someone else",
			env:     &common.KeyExchange{From: 1, EncryptedKey: valid.EncryptedKey, Signature: fromCarol.Signature},
			wantErr: ErrBadSignature,
		},
		{
			name:    "self as sender",
			env:     &common.KeyExchange{From: 2, EncryptedKey: valid.EncryptedKey},
			wantErr: ErrInvalidPeer,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := bob.manager.HandleEnvelope(ctx, tt.env)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, StateNoKey, bob.manager.State(tt.env.From))
		})
	}

	t.Run("unwrap failure is a crypto error", func(t *testing.T) {
		tampered := *fromCarol
		raw, err := base64.StdEncoding.DecodeString(tampered.EncryptedKey)
		require.NoError(t, err)
		raw[0] ^= 0xff
		tampered.EncryptedKey = base64.StdEncoding.EncodeToString(raw)
		tampered.Signature = ""

		unsigned := carol.id.Signing
		carol.id.Signing = nil
		entry, err := carol.id.PublicEntry()
		require.NoError(t, err)
		require.NoError(t, dir.PublishKey(ctx, entry))
		t.Cleanup(func() { carol.id.Signing = unsigned })

		err = bob.manager.HandleEnvelope(ctx, &tampered)
		assert.True(t, hybrid.IsCryptoError(err))
		assert.Equal(t, StateNoKey, bob.manager.State(3))
	})

	require.NoError(t, bob.manager.HandleEnvelope(ctx, valid))
	assert.Equal(t, StateEstablished, bob.manager.State(1))
}

func TestInvalidPeer(t *testing.T) {
	dir := storage.NewMemoryStore()
	alice := newEndpoint(t, dir, 1, true)

	for _, peer := range []common.IdentityID{0, -4, 1} {
		assert.ErrorIs(t, alice.manager.Initiate(context.Background(), peer), ErrInvalidPeer)
	}
}

func TestWaitEstablishedHonoursContext(t *testing.T) {
	dir := storage.NewMemoryStore()
	alice := newEndpoint(t, dir, 1, false)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, alice.manager.WaitEstablished(ctx, 2), context.DeadlineExceeded)
}

func TestUnverifiableEnvelopeIsRejected(t *testing.T) {
	ctx := context.Background()
	dir := storage.NewMemoryStore()
	alice := newEndpoint(t, dir, 1, true)
	bob := newEndpoint(t, dir, 2, true)

	require.NoError(t, alice.manager.Initiate(ctx, 2))
	valid := alice.transport.next(t)

	flaky := &flakyDirectory{MemoryStore: dir, down: true}
	receiver := NewManager(bob.id, bob.store, flaky, bob.transport, quietLogger())

	tests := []struct {
		name string
		env  *common.KeyExchange
	}{
		{name: "unsigned", env: &common.KeyExchange{From: 1, EncryptedKey: valid.EncryptedKey}},
		{name: "signed", env: valid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := receiver.HandleEnvelope(ctx, tt.env)
			assert.ErrorIs(t, err, ErrBadSignature)
			assert.Equal(t, StateNoKey, receiver.State(1))
			_, ok, err := bob.store.Get(keystore.PairKey{Owner: 2, Peer: 1})
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}

	flaky.setDown(false)
	require.NoError(t, receiver.HandleEnvelope(ctx, valid))
	assert.Equal(t, StateEstablished, receiver.State(1))
	assert.Equal(t, alice.key(t, 2), bob.key(t, 1))
}

func TestResendAfterRestart(t *testing.T) {
	ctx := context.Background()
	dir := storage.NewMemoryStore()
	alice := newEndpoint(t, dir, 1, true)
	bob := newEndpoint(t, dir, 2, true)
	carol := newEndpoint(t, dir, 3, true)
	newEndpoint(t, dir, 4, true)

	put := func(peer common.IdentityID, rec keystore.SessionRecord) []byte {
		key, err := hybrid.GenerateSessionKey()
		require.NoError(t, err)
		rec.Key = key[:]
		rec.CreatedAt = time.Now().UTC()
		require.NoError(t, alice.store.Put(keystore.PairKey{Owner: 1, Peer: peer}, rec))
		return rec.Key
	}
	delivered := put(2, keystore.SessionRecord{Origin: keystore.OriginLocal, Delivered: true})
	pending := put(3, keystore.SessionRecord{Origin: keystore.OriginLocal})
	put(4, keystore.SessionRecord{Origin: keystore.OriginLocal, Delivered: true, Confirmed: true})
	put(5, keystore.SessionRecord{Origin: keystore.OriginRemote, Delivered: true})

	restarted := NewManager(alice.id, alice.store, dir, alice.transport, quietLogger(), WithRetryInterval(10*time.Millisecond))
	restarted.Resend(ctx)

	got := map[common.IdentityID]*common.KeyExchange{}
	for i := 0; i < 2; i++ {
		env := alice.transport.next(t)
		got[env.To] = env
	}
	alice.transport.assertIdle(t)
	restarted.Wait()
	require.Contains(t, got, common.IdentityID(2))
	require.Contains(t, got, common.IdentityID(3))

	for _, tt := range []struct {
		to   *endpoint
		want []byte
	}{{to: bob, want: delivered}, {to: carol, want: pending}} {
		wrapped, err := base64.StdEncoding.DecodeString(got[tt.to.id.ID].EncryptedKey)
		require.NoError(t, err)
		key, err := hybrid.UnwrapSessionKey(wrapped, tt.to.id.Private)
		require.NoError(t, err)
		assert.Equal(t, tt.want, key[:])
		assert.Equal(t, StateEstablished, restarted.State(tt.to.id.ID))
	}
}

func TestCorruptEnvelopeKeepsEstablishedKey(t *testing.T) {
	ctx := context.Background()
	dir := storage.NewMemoryStore()
	alice := newEndpoint(t, dir, 1, true)
	bob := newEndpoint(t, dir, 2, true)
	carol := newEndpoint(t, dir, 3, true)

	require.NoError(t, alice.manager.Initiate(ctx, 2))
	require.NoError(t, bob.manager.HandleEnvelope(ctx, alice.transport.next(t)))
	require.NoError(t, alice.manager.WaitEstablished(ctx, 2))
	established := bob.key(t, 1)

	corrupt := base64.StdEncoding.EncodeToString([]byte("not a wrapped key"))
	sig, err := alice.id.Signing.Sign(signedPayload(1, 2, corrupt))
	require.NoError(t, err)

	require.NoError(t, carol.manager.Initiate(ctx, 2))
	fromCarol := carol.transport.next(t)

	tests := []struct {
		name  string
		env   *common.KeyExchange
		check func(t *testing.T, err error)
	}{
		{
			name: "signed but unwrappable",
			env:  &common.KeyExchange{From: 1, EncryptedKey: corrupt, Signature: base64.StdEncoding.EncodeToString(sig)},
			check: func(t *testing.T, err error) {
				assert.True(t, hybrid.IsCryptoError(err))
			},
		},
		{
			name: "another sender's key claiming alice",
			env:  &common.KeyExchange{From: 1, EncryptedKey: fromCarol.EncryptedKey, Signature: fromCarol.Signature},
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrBadSignature)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, bob.manager.HandleEnvelope(ctx, tt.env))
			assert.Equal(t, StateEstablished, bob.manager.State(1))
			assert.Equal(t, established, bob.key(t, 1))

			ct, nonce, err := alice.manager.Seal(2, []byte("still here"))
			require.NoError(t, err)
			pt, err := bob.manager.Open(1, ct, nonce)
			require.NoError(t, err)
			assert.Equal(t, "still here", string(pt))
		})
	}
}
