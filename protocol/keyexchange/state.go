package keyexchange

import (
	"context"
	"errors"

	"hybrid-chat/common"
	"hybrid-chat/keystore"
)

// State is where one (local, remote) pair stands in the exchange.
//
// Initiator: NoKey -> GeneratingKey -> AwaitingTransport -> Sent -> Established.
// Receiver:  NoKey -> EnvelopeReceived -> Unwrapped -> Established.
type State int

const (
	StateNoKey State = iota
	StateGeneratingKey
	StateAwaitingTransport
	StateSent
	StateEnvelopeReceived
	StateUnwrapped
	StateEstablished
)

func (s State) String() string {
	switch s {
	case StateNoKey:
		return "NoKey"
	case StateGeneratingKey:
		return "GeneratingKey"
	case StateAwaitingTransport:
		return "AwaitingTransport"
	case StateSent:
		return "Sent"
	case StateEnvelopeReceived:
		return "EnvelopeReceived"
	case StateUnwrapped:
		return "Unwrapped"
	case StateEstablished:
		return "Established"
	default:
		return "Unknown"
	}
}

// inProgress reports states owned by a running operation.
func (s State) inProgress() bool {
	switch s {
	case StateGeneratingKey, StateAwaitingTransport, StateSent, StateEnvelopeReceived, StateUnwrapped:
		return true
	}
	return false
}

// stateFor derives the steady state of a stored record.
func stateFor(rec keystore.SessionRecord) State {
	if rec.Origin == keystore.OriginLocal && !rec.Delivered {
		return StateAwaitingTransport
	}
	return StateEstablished
}

var (
	ErrInvalidPeer  = errors.New("invalid peer")
	ErrBadSignature = errors.New("key envelope signature invalid")
)

// Directory resolves a peer's published keys.
type Directory interface {
	LookupKey(ctx context.Context, id common.IdentityID) (common.PublicKeyEntry, error)
}

// Transport hands frames to the relay connection. Send fails with
// common.ErrTransportUnavailable while the connection is not open; Ready is
// closed once it is.
type Transport interface {
	Send(e common.Envelope) error
	Ready() <-chan struct{}
}
