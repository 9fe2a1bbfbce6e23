package client

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"hybrid-chat/common"
	"hybrid-chat/configs"
	"hybrid-chat/crypto/rsaoaep"
	"hybrid-chat/keystore"
	"hybrid-chat/protocol/fingerprint"
	"hybrid-chat/protocol/hybrid"
	"hybrid-chat/protocol/keyexchange"
)

var (
	ErrEmptyMessage   = errors.New("empty message")
	ErrMessageTooLong = errors.New("message too long")
	ErrInvalidFile    = errors.New("invalid file")
)

type EventKind int

const (
	EventConnection EventKind = iota
	EventAuthenticated
	EventAuthFailed
	EventPresence
	EventKeyEstablished
	EventKeyFailed
	EventMessage
)

// Event is what the chat app reports to its front end.
type Event struct {
	Kind    EventKind
	State   ConnState
	Online  []common.IdentityID
	Peer    common.IdentityID
	Message ChatMessage
	Err     error
}

// ChatMessage is one decrypted (or undecryptable) message of a conversation.
type ChatMessage struct {
	ID        string
	From      common.IdentityID
	To        common.IdentityID
	Content   common.Content
	Decrypted bool
	SentAt    time.Time
}

// Text renders the content for display.
func (m ChatMessage) Text() string {
	if m.Content.Type == common.ContentFile && m.Content.File != nil {
		f := m.Content.File
		return fmt.Sprintf("[%s] %s (%d bytes) %s", f.Category, f.Name, f.Size, f.URL)
	}
	return m.Content.Text
}

type ChatApp struct {
	identity *hybrid.Identity
	api      *API
	conn     *Connection
	keys     *keyexchange.Manager
	logger   *logrus.Logger
	events   chan Event

	// published is only touched by the Run goroutine.
	published bool

	mu     sync.Mutex
	online []common.IdentityID
}

// NewChatApp wires the relay connection and the key exchange manager for
// identity. store must already hold identity's session records, if any.
func NewChatApp(identity *hybrid.Identity, store keystore.Store, api *API, logger *logrus.Logger, opts ...keyexchange.Option) *ChatApp {
	conn := NewConnection(api.WebSocketURL(), identity.ID, api.Token, logger)
	return &ChatApp{
		identity: identity,
		api:      api,
		conn:     conn,
		keys:     keyexchange.NewManager(identity, store, api, conn, logger, opts...),
		logger:   logger,
		events:   make(chan Event, 256),
	}
}

func (app *ChatApp) ID() common.IdentityID { return app.identity.ID }

func (app *ChatApp) Connection() *Connection { return app.conn }

func (app *ChatApp) Events() <-chan Event { return app.events }

// Online returns the last presence set received from the relay.
func (app *ChatApp) Online() []common.IdentityID {
	app.mu.Lock()
	defer app.mu.Unlock()
	return append([]common.IdentityID(nil), app.online...)
}

func (app *ChatApp) KeyState(peer common.IdentityID) keyexchange.State {
	return app.keys.State(peer)
}

func (app *ChatApp) emit(ctx context.Context, ev Event) {
	select {
	case app.events <- ev:
	case <-ctx.Done():
	}
}

// Run keeps the relay connection up and handles inbound frames until ctx ends
// or the connection is lost for good. The identity's keys are published once
// the relay has accepted the session.
func (app *ChatApp) Run(ctx context.Context) error {
	connErr := make(chan error, 1)
	go func() { connErr <- app.conn.Run(ctx) }()

	for {
		select {
		case s := <-app.conn.States():
			app.emit(ctx, Event{Kind: EventConnection, State: s})
		case env, ok := <-app.conn.Inbound():
			if !ok {
				app.drainStates(ctx)
				return <-connErr
			}
			app.handle(ctx, env)
		}
	}
}

func (app *ChatApp) drainStates(ctx context.Context) {
	for {
		select {
		case s := <-app.conn.States():
			app.emit(ctx, Event{Kind: EventConnection, State: s})
		default:
			return
		}
	}
}

func (app *ChatApp) handle(ctx context.Context, env common.Envelope) {
	switch f := env.(type) {
	case *common.AuthSuccess:
		app.logger.Infof("Authenticated with relay as %d", f.UserID)
		app.publishKeys(ctx)
		app.keys.Resend(ctx)
		app.emit(ctx, Event{Kind: EventAuthenticated})
	case *common.AuthError:
		app.logger.Errorf("Relay rejected session: %s", f.Error)
		app.emit(ctx, Event{Kind: EventAuthFailed, Err: errors.New(f.Error)})
	case *common.OnlineUsers:
		app.mu.Lock()
		app.online = append([]common.IdentityID(nil), f.UserIDs...)
		app.mu.Unlock()
		app.emit(ctx, Event{Kind: EventPresence, Online: f.UserIDs})
	case *common.KeyExchange:
		if err := app.keys.HandleEnvelope(ctx, f); err != nil {
			app.logger.Errorf("Key exchange from %d failed: %v", f.From, err)
			app.emit(ctx, Event{Kind: EventKeyFailed, Peer: f.From, Err: err})
			return
		}
		app.emit(ctx, Event{Kind: EventKeyEstablished, Peer: f.From})
	case *common.Message:
		msg := app.open(f.From, f.From, app.identity.ID, f.Content, f.IV)
		if ts, err := common.ParseTimestamp(f.Timestamp); err == nil {
			msg.SentAt = ts
		} else {
			msg.SentAt = time.Now().UTC()
		}
		app.emit(ctx, Event{Kind: EventMessage, Peer: f.From, Message: msg})
	default:
		app.logger.Debugf("Ignoring %s frame", env.Kind())
	}
}

// publishKeys uploads the public entry on the first authenticated session. A
// failure is retried on the next one.
func (app *ChatApp) publishKeys(ctx context.Context) {
	if app.published {
		return
	}
	entry, err := app.identity.PublicEntry()
	if err != nil {
		app.logger.Errorf("Failed to encode public keys: %v", err)
		return
	}
	if err := app.api.PublishKey(ctx, entry); err != nil {
		app.logger.Errorf("Failed to publish keys, retrying after the next reconnect: %v", err)
		return
	}
	app.published = true
	app.logger.Infof("Published public keys for %d", app.identity.ID)
}

// open decrypts one stored or relayed envelope of the conversation with peer.
// Failures yield the placeholder text, never an error.
func (app *ChatApp) open(peer, from, to common.IdentityID, content, iv string) ChatMessage {
	msg := ChatMessage{From: from, To: to}
	ct, err := base64.StdEncoding.DecodeString(content)
	if err == nil {
		var nonce []byte
		nonce, err = base64.StdEncoding.DecodeString(iv)
		if err == nil {
			var pt []byte
			pt, err = app.keys.Open(peer, ct, nonce)
			if err == nil {
				if from == peer {
					app.keys.Confirm(peer)
				}
				msg.Content = common.UnmarshalContent(pt)
				msg.Decrypted = true
				return msg
			}
		}
	}
	app.logger.Warnf("Could not decrypt message from %d: %v", from, err)
	msg.Content = common.TextContent(configs.DecryptPlaceholder)
	return msg
}

// OpenChat starts (or resumes) the key exchange with peer.
func (app *ChatApp) OpenChat(ctx context.Context, peer common.IdentityID) error {
	return app.keys.Initiate(ctx, peer)
}

// WaitReady blocks until the session key with peer is established.
func (app *ChatApp) WaitReady(ctx context.Context, peer common.IdentityID) error {
	return app.keys.WaitEstablished(ctx, peer)
}

// ValidateText enforces the text message limits.
func ValidateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	if n := utf8.RuneCountInString(text); n > configs.MaxTextLength {
		return fmt.Errorf("%w: %d characters, limit is %d", ErrMessageTooLong, n, configs.MaxTextLength)
	}
	return nil
}

// FileCategory classifies a MIME type.
func FileCategory(mimeType string) common.FileCategory {
	if strings.HasPrefix(mimeType, "image/") {
		return common.CategoryImage
	}
	return common.CategoryDocument
}

// ValidateFile checks an upload descriptor and fills in its category.
func ValidateFile(fd *common.FileDescriptor) error {
	if fd.URL == "" || fd.Name == "" {
		return fmt.Errorf("%w: url and name are required", ErrInvalidFile)
	}
	if !configs.AllowedMimeTypes[fd.MimeType] {
		return fmt.Errorf("%w: type %q not allowed", ErrInvalidFile, fd.MimeType)
	}
	if fd.Size <= 0 || fd.Size > configs.MaxFileSize {
		return fmt.Errorf("%w: size %d outside 1..%d", ErrInvalidFile, fd.Size, configs.MaxFileSize)
	}
	fd.Category = FileCategory(fd.MimeType)
	return nil
}

func (app *ChatApp) SendText(ctx context.Context, peer common.IdentityID, text string) (ChatMessage, error) {
	if err := ValidateText(text); err != nil {
		return ChatMessage{}, err
	}
	return app.send(ctx, peer, common.TextContent(text))
}

func (app *ChatApp) SendFile(ctx context.Context, peer common.IdentityID, fd common.FileDescriptor) (ChatMessage, error) {
	if err := ValidateFile(&fd); err != nil {
		return ChatMessage{}, err
	}
	return app.send(ctx, peer, common.FileContent(fd))
}

// send encrypts c for peer and hands it to the connection. Nothing is queued:
// a missing key or a closed connection is reported to the caller.
func (app *ChatApp) send(ctx context.Context, peer common.IdentityID, c common.Content) (ChatMessage, error) {
	pt, err := common.MarshalContent(c)
	if err != nil {
		return ChatMessage{}, err
	}
	ct, nonce, err := app.keys.Seal(peer, pt)
	if errors.Is(err, common.ErrKeyNotReady) {
		if ierr := app.keys.Initiate(ctx, peer); ierr != nil {
			app.logger.Errorf("Failed to start key exchange with %d: %v", peer, ierr)
		}
		return ChatMessage{}, err
	}
	if err != nil {
		return ChatMessage{}, err
	}

	frame := &common.Message{
		From:    app.identity.ID,
		To:      peer,
		Content: base64.StdEncoding.EncodeToString(ct),
		IV:      base64.StdEncoding.EncodeToString(nonce),
	}
	if err := app.conn.Send(frame); err != nil {
		return ChatMessage{}, err
	}
	return ChatMessage{
		From:      app.identity.ID,
		To:        peer,
		Content:   c,
		Decrypted: true,
		SentAt:    time.Now().UTC(),
	}, nil
}

// History fetches the stored conversation with peer and decrypts it with the
// cached session key.
func (app *ChatApp) History(ctx context.Context, peer common.IdentityID) ([]ChatMessage, error) {
	records, err := app.api.History(ctx, peer)
	if err != nil {
		return nil, err
	}
	out := make([]ChatMessage, 0, len(records))
	for _, rec := range records {
		msg := app.open(peer, rec.From, rec.To, rec.Content, rec.IV)
		msg.ID = rec.ID
		msg.SentAt = rec.CreatedAt
		out = append(out, msg)
	}
	return out, nil
}

// SafetyNumber derives the number both sides can compare out of band.
func (app *ChatApp) SafetyNumber(ctx context.Context, peer common.IdentityID) (string, error) {
	entry, err := app.api.LookupKey(ctx, peer)
	if err != nil {
		return "", err
	}
	theirs, err := rsaoaep.DecodePublicKeyPEM(entry.PublicKey)
	if err != nil {
		return "", fmt.Errorf("decode public key of %d: %w", peer, err)
	}
	return fingerprint.SafetyNumber(&app.identity.Private.PublicKey, app.identity.ID, theirs, peer)
}
