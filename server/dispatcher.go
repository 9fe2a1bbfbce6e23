package server

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"hybrid-chat/common"
	"hybrid-chat/configs"
	"hybrid-chat/storage"
)

type inbound struct {
	peer   Peer
	env    common.Envelope
	closed bool
}

// Dispatcher routes frames from every connection. Connections push onto one
// channel and a single goroutine consumes it, so per-connection arrival order
// is kept and the connection-to-identity table needs no lock.
type Dispatcher struct {
	registry     *Registry
	messages     storage.MessageLog
	verifier     storage.SessionVerifier
	requireToken bool
	logger       *logrus.Logger
	now          func() time.Time

	inbox      chan inbound
	stopped    chan struct{}
	identities map[string]common.IdentityID
	persistWG  sync.WaitGroup
}

func NewDispatcher(registry *Registry, messages storage.MessageLog, verifier storage.SessionVerifier, requireToken bool, logger *logrus.Logger) *Dispatcher {
	return &Dispatcher{
		registry:     registry,
		messages:     messages,
		verifier:     verifier,
		requireToken: requireToken,
		logger:       logger,
		now:          time.Now,
		inbox:        make(chan inbound, configs.InboundQueueSize),
		stopped:      make(chan struct{}),
		identities:   make(map[string]common.IdentityID),
	}
}

// Submit hands a decoded frame to the dispatcher. It returns false once the
// dispatcher has stopped.
func (d *Dispatcher) Submit(p Peer, env common.Envelope) bool {
	select {
	case <-d.stopped:
		return false
	default:
	}
	select {
	case d.inbox <- inbound{peer: p, env: env}:
		return true
	case <-d.stopped:
		return false
	}
}

// Disconnected reports that p's transport closed.
func (d *Dispatcher) Disconnected(p Peer) {
	select {
	case d.inbox <- inbound{peer: p, closed: true}:
	case <-d.stopped:
	}
}

// Run consumes the inbox until ctx ends, then waits for pending persistence
// writes.
func (d *Dispatcher) Run(ctx context.Context) {
	defer func() {
		close(d.stopped)
		d.persistWG.Wait()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case in := <-d.inbox:
			if in.closed {
				d.handleClose(in.peer)
				continue
			}
			d.Dispatch(ctx, in.peer, in.env)
		}
	}
}

// Stopped is closed once Run has returned.
func (d *Dispatcher) Stopped() <-chan struct{} {
	return d.stopped
}

// Dispatch handles one frame from p. Callers other than Run must not call it
// concurrently.
func (d *Dispatcher) Dispatch(ctx context.Context, p Peer, env common.Envelope) {
	switch f := env.(type) {
	case *common.Auth:
		d.handleAuth(ctx, p, f)
	case *common.KeyExchange:
		d.handleKeyExchange(p, f)
	case *common.Message:
		d.handleMessage(p, f)
	default:
		d.logger.Warnf("Ignoring %s frame from connection %s", env.Kind(), p.ID())
	}
}

// Identity returns the identity announced on p, if any.
func (d *Dispatcher) Identity(p Peer) (common.IdentityID, bool) {
	id, ok := d.identities[p.ID()]
	return id, ok
}

func (d *Dispatcher) handleAuth(ctx context.Context, p Peer, f *common.Auth) {
	if d.requireToken {
		vctx, cancel := context.WithTimeout(ctx, configs.PersistTimeout)
		id, err := d.verifier.Verify(vctx, f.Token)
		cancel()
		if err != nil || id != f.UserID {
			d.logger.Warnf("Rejected auth for user %d on connection %s: %v", f.UserID, p.ID(), err)
			p.Send(&common.AuthError{Error: "invalid session"})
			return
		}
	}

	if prev, ok := d.identities[p.ID()]; ok && prev != f.UserID {
		d.registry.Unregister(prev, p)
	}
	d.identities[p.ID()] = f.UserID
	d.registry.Register(f.UserID, p)
	d.logger.Infof("User %d authenticated on connection %s", f.UserID, p.ID())

	p.Send(&common.AuthSuccess{UserID: f.UserID})
	d.registry.Broadcast()
}

// sender returns the identity bound to p. Frames from connections that never
// announced are dropped.
func (d *Dispatcher) sender(p Peer, kind common.FrameType) (common.IdentityID, bool) {
	from, ok := d.identities[p.ID()]
	if !ok {
		d.logger.Warnf("Dropping %s from unauthenticated connection %s", kind, p.ID())
	}
	return from, ok
}

func (d *Dispatcher) handleKeyExchange(p Peer, f *common.KeyExchange) {
	from, ok := d.sender(p, f.Kind())
	if !ok {
		return
	}
	if f.To <= 0 {
		d.logger.Warnf("Dropping keyExchange from %d without recipient", from)
		return
	}

	target, online := d.registry.Lookup(f.To)
	if !online {
		d.logger.Infof("Recipient %d offline, dropping key envelope from %d", f.To, from)
		return
	}
	if !target.Send(&common.KeyExchange{From: from, EncryptedKey: f.EncryptedKey, Signature: f.Signature}) {
		d.logger.Warnf("Failed to forward key envelope from %d to %d", from, f.To)
		return
	}
	d.logger.WithFields(logrus.Fields{"from": from, "to": f.To}).Info("Forwarded key envelope")
}

func (d *Dispatcher) handleMessage(p Peer, f *common.Message) {
	from, ok := d.sender(p, f.Kind())
	if !ok {
		return
	}
	if f.To <= 0 {
		d.logger.Warnf("Dropping message from %d without recipient", from)
		return
	}

	ts := d.now().UTC()
	d.persist(storage.MessageRecord{
		ID:        uuid.NewString(),
		From:      from,
		To:        f.To,
		Content:   f.Content,
		IV:        f.IV,
		CreatedAt: ts,
	})

	target, online := d.registry.Lookup(f.To)
	if !online {
		d.logger.Infof("Recipient %d offline, message from %d kept for history only", f.To, from)
		return
	}
	out := &common.Message{
		From:      from,
		Content:   f.Content,
		IV:        f.IV,
		Timestamp: common.FormatTimestamp(ts),
	}
	if !target.Send(out) {
		d.logger.Warnf("Failed to forward message from %d to %d", from, f.To)
	}
}

// persist appends rec in the background. Failures are logged and never reach
// the sender.
func (d *Dispatcher) persist(rec storage.MessageRecord) {
	d.persistWG.Add(1)
	go func() {
		defer d.persistWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), configs.PersistTimeout)
		defer cancel()
		if err := d.messages.Append(ctx, rec); err != nil {
			d.logger.Errorf("Error persisting message %s from %d to %d: %v", rec.ID, rec.From, rec.To, err)
		}
	}()
}

func (d *Dispatcher) handleClose(p Peer) {
	id, ok := d.identities[p.ID()]
	delete(d.identities, p.ID())
	if !ok {
		return
	}
	if d.registry.Unregister(id, p) {
		d.logger.Infof("User %d disconnected", id)
		d.registry.Broadcast()
	}
}

// WaitPersisted blocks until every persistence write started so far is done.
func (d *Dispatcher) WaitPersisted() {
	d.persistWG.Wait()
}
