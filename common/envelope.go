package common

import (
	"encoding/json"
	"fmt"
)

// FrameType is the "type" discriminator of every JSON frame on the websocket.
type FrameType string

const (
	TypeAuth        FrameType = "auth"
	TypeAuthSuccess FrameType = "auth_success"
	TypeAuthError   FrameType = "auth_error"
	TypeOnlineUsers FrameType = "onlineUsers"
	TypeKeyExchange FrameType = "keyExchange"
	TypeMessage     FrameType = "message"
)

// Envelope is a typed frame. Decode returns one of the pointer types below.
type Envelope interface {
	Kind() FrameType
	Validate() error
	stamp(FrameType)
}

// Header carries the discriminator and is embedded in every frame.
type Header struct {
	Type FrameType `json:"type"`
}

func (h *Header) stamp(t FrameType) { h.Type = t }

// Auth announces the identity behind a connection.
type Auth struct {
	Header
	UserID IdentityID `json:"userId"`
	Token  string     `json:"token,omitempty"`
}

// AuthSuccess acknowledges an Auth.
type AuthSuccess struct {
	Header
	UserID IdentityID `json:"userId"`
}

// AuthError rejects an Auth whose token did not verify.
type AuthError struct {
	Header
	Error string `json:"error"`
}

// OnlineUsers is the presence broadcast.
type OnlineUsers struct {
	Header
	UserIDs []IdentityID `json:"userIds"`
}

// KeyExchange carries a wrapped session key. To is omitted on the relayed copy.
type KeyExchange struct {
	Header
	From         IdentityID `json:"from"`
	To           IdentityID `json:"to,omitempty"`
	EncryptedKey string     `json:"encryptedKey"`
	Signature    string     `json:"signature,omitempty"`
}

// Message carries an encrypted content record. Content and IV are base64 and
// opaque to the relay. To is omitted on the relayed copy; Timestamp is set by
// the relay.
type Message struct {
	Header
	From      IdentityID `json:"from"`
	To        IdentityID `json:"to,omitempty"`
	Content   string     `json:"content"`
	IV        string     `json:"iv"`
	Timestamp string     `json:"timestamp,omitempty"`
}

func (*Auth) Kind() FrameType        { return TypeAuth }
func (*AuthSuccess) Kind() FrameType { return TypeAuthSuccess }
func (*AuthError) Kind() FrameType   { return TypeAuthError }
func (*OnlineUsers) Kind() FrameType { return TypeOnlineUsers }
func (*KeyExchange) Kind() FrameType { return TypeKeyExchange }
func (*Message) Kind() FrameType     { return TypeMessage }

func (f *Auth) Validate() error {
	if f.UserID <= 0 {
		return fmt.Errorf("%w: auth without userId", ErrMalformedFrame)
	}
	return nil
}

func (f *AuthSuccess) Validate() error {
	if f.UserID <= 0 {
		return fmt.Errorf("%w: auth_success without userId", ErrMalformedFrame)
	}
	return nil
}

func (f *AuthError) Validate() error { return nil }

func (f *OnlineUsers) Validate() error { return nil }

func (f *KeyExchange) Validate() error {
	if f.EncryptedKey == "" {
		return fmt.Errorf("%w: keyExchange without encryptedKey", ErrMalformedFrame)
	}
	return nil
}

func (f *Message) Validate() error {
	if f.Content == "" || f.IV == "" {
		return fmt.Errorf("%w: message without content or iv", ErrMalformedFrame)
	}
	return nil
}

// Encode stamps the frame type and serializes e.
func Encode(e Envelope) ([]byte, error) {
	e.stamp(e.Kind())
	if ou, ok := e.(*OnlineUsers); ok && ou.UserIDs == nil {
		ou.UserIDs = []IdentityID{}
	}
	return json.Marshal(e)
}

// Decode parses a frame and validates its required fields.
func Decode(data []byte) (Envelope, error) {
	var h Header
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	var e Envelope
	switch h.Type {
	case TypeAuth:
		e = &Auth{}
	case TypeAuthSuccess:
		e = &AuthSuccess{}
	case TypeAuthError:
		e = &AuthError{}
	case TypeOnlineUsers:
		e = &OnlineUsers{}
	case TypeKeyExchange:
		e = &KeyExchange{}
	case TypeMessage:
		e = &Message{}
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedFrame, h.Type)
	}

	if err := json.Unmarshal(data, e); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedFrame, h.Type, err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}
