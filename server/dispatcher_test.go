package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hybrid-chat/common"
	"hybrid-chat/storage"
)

type failingLog struct{}

func (failingLog) Append(context.Context, storage.MessageRecord) error {
	return errors.New("disk full")
}

func (failingLog) History(context.Context, common.IdentityID, common.IdentityID) ([]storage.MessageRecord, error) {
	return nil, nil
}

func newTestDispatcher(requireToken bool) (*Dispatcher, *storage.MemoryStore) {
	store := storage.NewMemoryStore()
	return NewDispatcher(NewRegistry(quietLogger()), store, store, requireToken, quietLogger()), store
}

func auth(t *testing.T, d *Dispatcher, p *fakePeer, id common.IdentityID) {
	t.Helper()
	d.Dispatch(context.Background(), p, &common.Auth{UserID: id})
	got, ok := d.Identity(p)
	require.True(t, ok)
	require.Equal(t, id, got)
}

func TestDispatchAuth(t *testing.T) {
	d, _ := newTestDispatcher(false)
	alice := newFakePeer("a")
	bob := newFakePeer("b")

	auth(t, d, alice, 1)
	frames := alice.received()
	require.Len(t, frames, 2)
	assert.Equal(t, &common.AuthSuccess{UserID: 1}, frames[0])
	assert.Equal(t, []common.IdentityID{1}, frames[1].(*common.OnlineUsers).UserIDs)

	auth(t, d, bob, 2)
	assert.Equal(t, []common.IdentityID{1, 2}, alice.lastPresence(t))
	assert.Equal(t, []common.IdentityID{1, 2}, bob.lastPresence(t))

	d.handleClose(bob)
	assert.Equal(t, []common.IdentityID{1}, alice.lastPresence(t))
	assert.False(t, d.registry.IsOnline(2))
}

func TestDispatchAuthToken(t *testing.T) {
	d, store := newTestDispatcher(true)
	store.AddSession("good", 1)

	tests := []struct {
		name  string
		auth  *common.Auth
		admit bool
	}{
		{name: "missing token", auth: &common.Auth{UserID: 1}},
		{name: "unknown token", auth: &common.Auth{UserID: 1, Token: "bad"}},
		{name: "token for someone else", auth: &common.Auth{UserID: 2, Token: "good"}},
		{name: "valid", auth: &common.Auth{UserID: 1, Token: "good"}, admit: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newFakePeer(tt.name)
			d.Dispatch(context.Background(), p, tt.auth)
			frames := p.received()
			require.NotEmpty(t, frames)
			if tt.admit {
				assert.Equal(t, common.TypeAuthSuccess, frames[0].Kind())
				assert.True(t, d.registry.IsOnline(tt.auth.UserID))
				return
			}
			require.Len(t, frames, 1)
			assert.Equal(t, common.TypeAuthError, frames[0].Kind())
			_, ok := d.Identity(p)
			assert.False(t, ok)
		})
	}
}

func TestDispatchSupersededConnection(t *testing.T) {
	d, _ := newTestDispatcher(false)
	first := newFakePeer("first")
	second := newFakePeer("second")
	bob := newFakePeer("bob")

	auth(t, d, first, 1)
	auth(t, d, second, 1)
	auth(t, d, bob, 2)

	d.handleClose(first)
	assert.True(t, d.registry.IsOnline(1))

	d.Dispatch(context.Background(), bob, &common.KeyExchange{To: 1, EncryptedKey: "k"})
	assert.Len(t, second.ofKind(common.TypeKeyExchange), 1)
	assert.Empty(t, first.ofKind(common.TypeKeyExchange))
}

func TestDispatchKeyExchange(t *testing.T) {
	d, _ := newTestDispatcher(false)
	alice := newFakePeer("a")
	bob := newFakePeer("b")
	auth(t, d, alice, 1)
	auth(t, d, bob, 2)

	// The claimed sender is replaced by the connection's identity.
	d.Dispatch(context.Background(), alice, &common.KeyExchange{From: 7, To: 2, EncryptedKey: "wrapped", Signature: "sig"})
	got := bob.ofKind(common.TypeKeyExchange)
	require.Len(t, got, 1)
	assert.Equal(t, &common.KeyExchange{From: 1, EncryptedKey: "wrapped", Signature: "sig"}, got[0])

	// Offline recipient: dropped, nothing persisted, nothing echoed.
	d.Dispatch(context.Background(), alice, &common.KeyExchange{To: 3, EncryptedKey: "wrapped"})
	assert.Empty(t, alice.ofKind(common.TypeKeyExchange))
}

func TestDispatchUnauthenticated(t *testing.T) {
	d, store := newTestDispatcher(false)
	bob := newFakePeer("b")
	auth(t, d, bob, 2)
	stranger := newFakePeer("s")

	d.Dispatch(context.Background(), stranger, &common.KeyExchange{From: 1, To: 2, EncryptedKey: "k"})
	d.Dispatch(context.Background(), stranger, &common.Message{From: 1, To: 2, Content: "c", IV: "iv"})
	d.WaitPersisted()

	assert.Empty(t, bob.ofKind(common.TypeKeyExchange))
	assert.Empty(t, bob.ofKind(common.TypeMessage))
	hist, err := store.History(context.Background(), 1, 2)
	require.NoError(t, err)
	assert.Empty(t, hist)
}

func TestDispatchMessage(t *testing.T) {
	d, store := newTestDispatcher(false)
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return t0 }

	alice := newFakePeer("a")
	bob := newFakePeer("b")
	carol := newFakePeer("c")
	auth(t, d, alice, 1)
	auth(t, d, bob, 2)
	auth(t, d, carol, 3)

	d.Dispatch(context.Background(), alice, &common.Message{To: 2, Content: "ct", IV: "iv"})
	d.WaitPersisted()

	got := bob.ofKind(common.TypeMessage)
	require.Len(t, got, 1)
	assert.Equal(t, &common.Message{From: 1, Content: "ct", IV: "iv", Timestamp: "2024-05-01T12:00:00.000Z"}, got[0])
	assert.Empty(t, carol.ofKind(common.TypeMessage))
	assert.Empty(t, alice.ofKind(common.TypeMessage))

	hist, err := store.History(context.Background(), 2, 1)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.NotEmpty(t, hist[0].ID)
	assert.Equal(t, common.IdentityID(1), hist[0].From)
	assert.Equal(t, common.IdentityID(2), hist[0].To)
	assert.Equal(t, "ct", hist[0].Content)
	assert.Equal(t, t0, hist[0].CreatedAt)

	t.Run("offline recipient is persisted only", func(t *testing.T) {
		d.handleClose(bob)
		d.Dispatch(context.Background(), alice, &common.Message{To: 2, Content: "second", IV: "iv2"})
		d.WaitPersisted()

		assert.Len(t, bob.ofKind(common.TypeMessage), 1)
		assert.Empty(t, alice.ofKind(common.TypeAuthError))
		hist, err := store.History(context.Background(), 1, 2)
		require.NoError(t, err)
		require.Len(t, hist, 2)
		assert.Equal(t, "second", hist[1].Content)
	})
}

func TestDispatchPersistenceFailureStillForwards(t *testing.T) {
	store := storage.NewMemoryStore()
	d := NewDispatcher(NewRegistry(quietLogger()), failingLog{}, store, false, quietLogger())
	alice := newFakePeer("a")
	bob := newFakePeer("b")
	auth(t, d, alice, 1)
	auth(t, d, bob, 2)

	d.Dispatch(context.Background(), alice, &common.Message{To: 2, Content: "ct", IV: "iv"})
	d.WaitPersisted()
	assert.Len(t, bob.ofKind(common.TypeMessage), 1)
}

func TestDispatcherRun(t *testing.T) {
	d, _ := newTestDispatcher(false)
	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)

	alice := newFakePeer("a")
	bob := newFakePeer("b")
	require.True(t, d.Submit(alice, &common.Auth{UserID: 1}))
	require.True(t, d.Submit(bob, &common.Auth{UserID: 2}))
	require.True(t, d.Submit(alice, &common.KeyExchange{To: 2, EncryptedKey: "k"}))

	assert.Eventually(t, func() bool {
		return len(bob.ofKind(common.TypeKeyExchange)) == 1
	}, time.Second, 10*time.Millisecond)

	d.Disconnected(bob)
	assert.Eventually(t, func() bool {
		ids := alice.lastPresence(t)
		return len(ids) == 1 && ids[0] == 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-d.Stopped()
	assert.False(t, d.Submit(alice, &common.Auth{UserID: 1}))
}
