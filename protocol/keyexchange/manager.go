// Package keyexchange drives the per-pair session key lifecycle: generate a
// key on first contact, wrap it for the peer, hand it to the transport until
// it goes out, and install keys that peers send in.
//
// There is at most one session key per unordered pair. When both sides
// generate one before hearing from each other, the key of the lower identity
// wins and the other side adopts it.
package keyexchange

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"hybrid-chat/common"
	"hybrid-chat/configs"
	"hybrid-chat/crypto/rsaoaep"
	"hybrid-chat/crypto/signing"
	"hybrid-chat/keystore"
	"hybrid-chat/protocol/hybrid"
)

type Option func(*Manager)

// WithRetryInterval overrides how long delivery waits between attempts while
// the transport is unavailable.
func WithRetryInterval(d time.Duration) Option {
	return func(m *Manager) { m.retryInterval = d }
}

type Manager struct {
	identity      *hybrid.Identity
	store         keystore.Store
	directory     Directory
	transport     Transport
	retryInterval time.Duration
	logger        *logrus.Logger

	mu      sync.Mutex
	states  map[common.IdentityID]State
	sending map[common.IdentityID]bool
	waiters map[common.IdentityID][]chan struct{}
	wg      sync.WaitGroup
}

func NewManager(identity *hybrid.Identity, store keystore.Store, directory Directory, transport Transport, logger *logrus.Logger, opts ...Option) *Manager {
	m := &Manager{
		identity:      identity,
		store:         store,
		directory:     directory,
		transport:     transport,
		retryInterval: configs.KeyExchangeRetryInterval,
		logger:        logger,
		states:        make(map[common.IdentityID]State),
		sending:       make(map[common.IdentityID]bool),
		waiters:       make(map[common.IdentityID][]chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) pairKey(peer common.IdentityID) keystore.PairKey {
	return keystore.PairKey{Owner: m.identity.ID, Peer: peer}
}

func (m *Manager) checkPeer(peer common.IdentityID) error {
	if peer <= 0 || peer == m.identity.ID {
		return fmt.Errorf("%w: %d", ErrInvalidPeer, peer)
	}
	return nil
}

// State returns the current state for peer, consulting the store when the
// pair has not been touched in this session.
func (m *Manager) State(peer common.IdentityID) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked(peer)
}

func (m *Manager) stateLocked(peer common.IdentityID) State {
	if st, ok := m.states[peer]; ok && st != StateNoKey {
		return st
	}
	rec, ok, err := m.store.Get(m.pairKey(peer))
	if err != nil {
		m.logger.Errorf("Failed to load session key for %d: %v", peer, err)
		return StateNoKey
	}
	if !ok {
		return StateNoKey
	}
	st := stateFor(rec)
	if st == StateEstablished {
		m.setEstablished(peer)
	}
	// An undelivered local key has no delivery running yet, so it is reported
	// but not cached; the next Initiate resumes it.
	return st
}

// setEstablished must be called with m.mu held.
func (m *Manager) setEstablished(peer common.IdentityID) {
	m.states[peer] = StateEstablished
	for _, ch := range m.waiters[peer] {
		close(ch)
	}
	delete(m.waiters, peer)
}

// Initiate makes sure a session key exists for peer. A stored key is always
// reused; a missing one is generated, persisted and delivered in the
// background. Initiate returns before delivery completes.
func (m *Manager) Initiate(ctx context.Context, peer common.IdentityID) error {
	if err := m.checkPeer(peer); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.states[peer].inProgress() {
		return nil
	}

	pk := m.pairKey(peer)
	rec, ok, err := m.store.Get(pk)
	if err != nil {
		return fmt.Errorf("load session key for %d: %w", peer, err)
	}
	if ok {
		if stateFor(rec) == StateEstablished {
			m.setEstablished(peer)
		} else {
			m.states[peer] = StateAwaitingTransport
		}
		if rec.Origin == keystore.OriginLocal && !rec.Confirmed {
			m.startDelivery(ctx, peer, rec)
		}
		return nil
	}

	m.states[peer] = StateGeneratingKey
	key, err := hybrid.GenerateSessionKey()
	if err != nil {
		m.states[peer] = StateNoKey
		return err
	}
	rec = keystore.SessionRecord{
		Key:       key[:],
		Origin:    keystore.OriginLocal,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.Put(pk, rec); err != nil {
		m.states[peer] = StateNoKey
		return fmt.Errorf("store session key for %d: %w", peer, err)
	}
	m.logger.WithFields(logrus.Fields{"peer": peer}).Info("Generated session key")

	m.states[peer] = StateAwaitingTransport
	m.startDelivery(ctx, peer, rec)
	return nil
}

// startDelivery must be called with m.mu held.
func (m *Manager) startDelivery(ctx context.Context, peer common.IdentityID, rec keystore.SessionRecord) {
	if m.sending[peer] {
		return
	}
	key, err := rec.SessionKey()
	if err != nil {
		m.logger.Errorf("Stored session key for %d is unusable: %v", peer, err)
		return
	}
	m.sending[peer] = true
	m.wg.Add(1)
	go m.deliver(ctx, peer, key)
}

func (m *Manager) deliver(ctx context.Context, peer common.IdentityID, key hybrid.SessionKey) {
	defer m.wg.Done()

	frame, err := m.sealEnvelope(ctx, peer, key)
	if err != nil {
		m.logger.Errorf("Failed to prepare key envelope for %d: %v", peer, err)
		m.finishDelivery(peer, key, false)
		return
	}

	for {
		if !m.isCurrent(peer, key) {
			m.logger.Debugf("Session key for %d was replaced, dropping pending envelope", peer)
			m.finishDelivery(peer, key, false)
			return
		}

		err := m.transport.Send(frame)
		if err == nil {
			m.logger.WithFields(logrus.Fields{"peer": peer}).Info("Sent key envelope")
			m.finishDelivery(peer, key, true)
			return
		}
		if !errors.Is(err, common.ErrTransportUnavailable) {
			m.logger.Errorf("Failed to send key envelope to %d: %v", peer, err)
			m.finishDelivery(peer, key, false)
			return
		}

		m.logger.Debugf("Transport not ready, retrying key envelope for %d in %s", peer, m.retryInterval)
		timer := time.NewTimer(m.retryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			m.finishDelivery(peer, key, false)
			return
		case <-m.transport.Ready():
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (m *Manager) isCurrent(peer common.IdentityID, key hybrid.SessionKey) bool {
	rec, ok, err := m.store.Get(m.pairKey(peer))
	return err == nil && ok && bytes.Equal(rec.Key, key[:])
}

func (m *Manager) finishDelivery(peer common.IdentityID, key hybrid.SessionKey, sent bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sending, peer)

	pk := m.pairKey(peer)
	rec, ok, err := m.store.Get(pk)
	current := err == nil && ok && bytes.Equal(rec.Key, key[:])

	if sent && current {
		if !rec.Delivered {
			rec.Delivered = true
			if err := m.store.Put(pk, rec); err != nil {
				m.logger.Errorf("Failed to mark session key for %d delivered: %v", peer, err)
			}
		}
		m.states[peer] = StateSent
		m.setEstablished(peer)
		return
	}
	if m.states[peer] == StateAwaitingTransport {
		m.states[peer] = StateNoKey
	}
}

func signedPayload(from, to common.IdentityID, encryptedKey string) []byte {
	return []byte(fmt.Sprintf("%s|%d|%d|%s", common.TypeKeyExchange, from, to, encryptedKey))
}

func (m *Manager) sealEnvelope(ctx context.Context, peer common.IdentityID, key hybrid.SessionKey) (*common.KeyExchange, error) {
	entry, err := m.directory.LookupKey(ctx, peer)
	if err != nil {
		return nil, fmt.Errorf("lookup public key: %w", err)
	}
	pub, err := rsaoaep.DecodePublicKeyPEM(entry.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	wrapped, err := hybrid.WrapSessionKey(key, pub)
	if err != nil {
		return nil, err
	}

	frame := &common.KeyExchange{
		From:         m.identity.ID,
		To:           peer,
		EncryptedKey: base64.StdEncoding.EncodeToString(wrapped),
	}
	if len(m.identity.Signing) > 0 {
		sig, err := m.identity.Signing.Sign(signedPayload(frame.From, frame.To, frame.EncryptedKey))
		if err != nil {
			return nil, fmt.Errorf("sign key envelope: %w", err)
		}
		frame.Signature = base64.StdEncoding.EncodeToString(sig)
	}
	return frame, nil
}

// verifySignature checks the envelope against the sender's published signing
// key. Senders that published none are accepted unsigned; a sender whose
// entry cannot be fetched is rejected, and its next re-send is checked again.
func (m *Manager) verifySignature(ctx context.Context, env *common.KeyExchange) error {
	entry, err := m.directory.LookupKey(ctx, env.From)
	if err != nil {
		return fmt.Errorf("%w: cannot look up keys of %d: %v", ErrBadSignature, env.From, err)
	}
	if entry.SigningKey == "" {
		return nil
	}
	pub, err := signing.ParsePublicKeyHex(entry.SigningKey)
	if err != nil {
		return fmt.Errorf("%w: published signing key unusable: %v", ErrBadSignature, err)
	}
	if env.Signature == "" {
		return fmt.Errorf("%w: missing", ErrBadSignature)
	}
	sig, err := base64.StdEncoding.DecodeString(env.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if err := pub.Verify(signedPayload(env.From, m.identity.ID, env.EncryptedKey), sig); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return nil
}

// HandleEnvelope installs a session key received from env.From. A failed
// unwrap leaves the pair as it was; the caller only logs the error.
func (m *Manager) HandleEnvelope(ctx context.Context, env *common.KeyExchange) error {
	peer := env.From
	if err := m.checkPeer(peer); err != nil {
		return err
	}
	if err := m.verifySignature(ctx, env); err != nil {
		return err
	}
	wrapped, err := base64.StdEncoding.DecodeString(env.EncryptedKey)
	if err != nil {
		return &hybrid.CryptoError{Op: "unwrap", Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	prev, tracked := m.states[peer]
	restore := func() {
		if tracked {
			m.states[peer] = prev
		} else {
			delete(m.states, peer)
		}
	}

	m.states[peer] = StateEnvelopeReceived
	key, err := hybrid.UnwrapSessionKey(wrapped, m.identity.Private)
	if err != nil {
		restore()
		return err
	}
	m.states[peer] = StateUnwrapped

	pk := m.pairKey(peer)
	rec, ok, err := m.store.Get(pk)
	if err != nil {
		restore()
		return fmt.Errorf("load session key for %d: %w", peer, err)
	}
	if ok && bytes.Equal(rec.Key, key[:]) {
		m.setEstablished(peer)
		return nil
	}
	if ok && rec.Origin == keystore.OriginLocal && m.identity.ID < peer {
		m.logger.WithFields(logrus.Fields{"peer": peer}).Info("Both sides generated a session key, keeping ours")
		if st := stateFor(rec); st == StateEstablished {
			m.setEstablished(peer)
		} else {
			m.states[peer] = st
		}
		m.startDelivery(ctx, peer, rec)
		return nil
	}

	if ok {
		m.logger.WithFields(logrus.Fields{"peer": peer}).Info("Replacing session key with the one sent by peer")
	}
	err = m.store.Put(pk, keystore.SessionRecord{
		Key:       key[:],
		Origin:    keystore.OriginRemote,
		Delivered: true,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		restore()
		return fmt.Errorf("store session key for %d: %w", peer, err)
	}
	m.setEstablished(peer)
	m.logger.WithFields(logrus.Fields{"peer": peer}).Info("Installed session key")
	return nil
}

func (m *Manager) sessionKey(peer common.IdentityID) (hybrid.SessionKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stateLocked(peer) != StateEstablished {
		return hybrid.SessionKey{}, fmt.Errorf("%w: peer %d", common.ErrKeyNotReady, peer)
	}
	rec, ok, err := m.store.Get(m.pairKey(peer))
	if err != nil {
		return hybrid.SessionKey{}, fmt.Errorf("load session key for %d: %w", peer, err)
	}
	if !ok {
		return hybrid.SessionKey{}, fmt.Errorf("%w: peer %d", common.ErrKeyNotReady, peer)
	}
	return rec.SessionKey()
}

// Seal encrypts plaintext for peer. It fails with common.ErrKeyNotReady until
// the pair is established.
func (m *Manager) Seal(peer common.IdentityID, plaintext []byte) (ciphertext, nonce []byte, err error) {
	key, err := m.sessionKey(peer)
	if err != nil {
		return nil, nil, err
	}
	return hybrid.EncryptMessage(key, plaintext)
}

// Open decrypts a payload from peer with the pair's session key.
func (m *Manager) Open(peer common.IdentityID, ciphertext, nonce []byte) ([]byte, error) {
	key, err := m.sessionKey(peer)
	if err != nil {
		return nil, err
	}
	return hybrid.DecryptMessage(key, ciphertext, nonce)
}

// Confirm records that traffic from peer decrypted under the local key, so it
// is no longer re-sent.
func (m *Manager) Confirm(peer common.IdentityID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pk := m.pairKey(peer)
	rec, ok, err := m.store.Get(pk)
	if err != nil || !ok || rec.Confirmed {
		return
	}
	rec.Confirmed = true
	if err := m.store.Put(pk, rec); err != nil {
		m.logger.Errorf("Failed to mark session key for %d confirmed: %v", peer, err)
	}
}

// Resend re-delivers every local key the peer has not yet been seen using.
// It runs after each successful (re)authentication and walks the store, so
// keys generated before a restart go out again too.
func (m *Manager) Resend(ctx context.Context) {
	peers, err := m.store.Peers(m.identity.ID)
	if err != nil {
		m.logger.Errorf("Failed to list session keys for resend: %v", err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, peer := range peers {
		rec, ok, err := m.store.Get(m.pairKey(peer))
		if err != nil || !ok {
			continue
		}
		if rec.Origin != keystore.OriginLocal || rec.Confirmed {
			continue
		}
		if rec.Delivered {
			m.setEstablished(peer)
		} else {
			m.states[peer] = StateAwaitingTransport
		}
		m.startDelivery(ctx, peer, rec)
	}
}

// WaitEstablished blocks until peer is established or ctx ends.
func (m *Manager) WaitEstablished(ctx context.Context, peer common.IdentityID) error {
	m.mu.Lock()
	if m.stateLocked(peer) == StateEstablished {
		m.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	m.waiters[peer] = append(m.waiters[peer], ch)
	m.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until all background deliveries have returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}
