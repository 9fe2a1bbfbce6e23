package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"hybrid-chat/common"
	"hybrid-chat/configs"
	"hybrid-chat/crypto/rsaoaep"
	"hybrid-chat/crypto/signing"
	"hybrid-chat/storage"
)

// Store is everything the relay persists.
type Store interface {
	storage.MessageLog
	storage.Directory
	storage.SessionVerifier
}

type Server struct {
	ctx       context.Context
	cancelCtx context.CancelFunc

	store        Store
	requireToken bool
	registry     *Registry
	dispatcher   *Dispatcher

	conns  map[string]*conn
	mutex  *sync.Mutex
	logger *logrus.Logger

	// WebSocket upgrader settings
	upgrader *websocket.Upgrader
}

// NewServer starts the dispatcher. With requireToken set, auth frames must
// present a session token issued for the claimed identity. Key publication
// always requires one.
func NewServer(ctx context.Context, store Store, requireToken bool, logger *logrus.Logger) *Server {
	ctx, cancelCtx := context.WithCancel(ctx)
	registry := NewRegistry(logger)
	s := &Server{
		ctx:          ctx,
		cancelCtx:    cancelCtx,
		store:        store,
		requireToken: requireToken,
		registry:     registry,
		dispatcher:   NewDispatcher(registry, store, store, requireToken, logger),
		conns:        make(map[string]*conn),
		mutex:        &sync.Mutex{},
		logger:       logger,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	go s.dispatcher.Run(ctx)
	return s
}

// Router wires every endpoint of the relay.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc(configs.WebSocketPath, s.HandleConnections)
	r.HandleFunc(configs.PublishKeysPath+"/{userID}", s.HandlePostKeys).Methods(http.MethodPost)
	r.HandleFunc(configs.PublishKeysPath+"/{userID}", s.HandleGetKeys).Methods(http.MethodGet)
	r.HandleFunc(configs.MessagesPath+"/{peerID}", s.HandleHistory).Methods(http.MethodGet)
	return r
}

func (s *Server) Registry() *Registry { return s.registry }

// Handle incoming WebSocket connections
func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorf("Error upgrading to WebSocket: %v", err)
		return
	}

	c := newConn(ws, s.logger)
	s.mutex.Lock()
	s.conns[c.id] = c
	s.mutex.Unlock()
	s.logger.Infof("Connection %s opened from %s", c.id, r.RemoteAddr)

	// A userId in the query string counts as an auth frame.
	if q := r.URL.Query().Get("userId"); q != "" {
		if id, err := common.ParseIdentityID(q); err == nil {
			s.dispatcher.Submit(c, &common.Auth{UserID: id, Token: r.URL.Query().Get("token")})
		} else {
			s.logger.Warnf("Ignoring userId %q on connection %s: %v", q, c.id, err)
		}
	}

	go c.writePump()
	c.readPump(s.dispatcher)

	s.mutex.Lock()
	delete(s.conns, c.id)
	s.mutex.Unlock()
	s.logger.Infof("Connection %s closed", c.id)
}

// Close stops the dispatcher, waits for pending persistence and drops every
// connection.
func (s *Server) Close() {
	s.cancelCtx()
	<-s.dispatcher.Stopped()
	s.dispatcher.WaitPersisted()

	s.mutex.Lock()
	for _, c := range s.conns {
		c.Close()
	}
	s.mutex.Unlock()
}

func bearerToken(r *http.Request) string {
	return strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

func (s *Server) HandlePostKeys(w http.ResponseWriter, r *http.Request) {
	userID, err := common.ParseIdentityID(mux.Vars(r)["userID"])
	if err != nil {
		s.logger.Errorf("Invalid userID in key upload: %v", err)
		http.Error(w, "invalid userID", http.StatusBadRequest)
		return
	}

	// Key publication is always authenticated, whatever requireToken says.
	id, err := s.store.Verify(r.Context(), bearerToken(r))
	if err != nil || id != userID {
		if err != nil && !errors.Is(err, storage.ErrUnauthorized) {
			s.logger.Errorf("Error verifying session for key upload: %v", err)
		}
		s.logger.Warnf("Rejected key upload for user %d", userID)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var entry common.PublicKeyEntry
	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
		s.logger.Errorf("Error decoding keys for user %d: %v", userID, err)
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if entry.UserID != 0 && entry.UserID != userID {
		http.Error(w, "userId mismatch", http.StatusBadRequest)
		return
	}
	entry.UserID = userID
	if _, err := rsaoaep.DecodePublicKeyPEM(entry.PublicKey); err != nil {
		s.logger.Errorf("Rejected public key for user %d: %v", userID, err)
		http.Error(w, "invalid public key", http.StatusBadRequest)
		return
	}
	if entry.SigningKey != "" {
		if _, err := signing.ParsePublicKeyHex(entry.SigningKey); err != nil {
			s.logger.Errorf("Rejected signing key for user %d: %v", userID, err)
			http.Error(w, "invalid signing key", http.StatusBadRequest)
			return
		}
	}

	if err := s.store.PublishKey(r.Context(), entry); err != nil {
		s.logger.Errorf("Error publishing keys for user %d: %v", userID, err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	s.logger.Infof("Public key published for user %d", userID)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) HandleGetKeys(w http.ResponseWriter, r *http.Request) {
	userID, err := common.ParseIdentityID(mux.Vars(r)["userID"])
	if err != nil {
		http.Error(w, "invalid userID", http.StatusBadRequest)
		return
	}

	entry, err := s.store.LookupKey(r.Context(), userID)
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "no keys published", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Errorf("Error retrieving keys for user %d: %v", userID, err)
		http.Error(w, "Error retrieving keys", http.StatusInternalServerError)
		return
	}

	if err := writeJSON(w, http.StatusOK, entry); err != nil {
		s.logger.Errorf("Error encoding keys for user %d: %v", userID, err)
		return
	}
	s.logger.Debugf("Public key retrieved for user %d", userID)
}

// HistoryResponse is the body of GET /messages/{peerID}.
type HistoryResponse struct {
	Success  bool                    `json:"success"`
	Messages []storage.MessageRecord `json:"messages"`
}

// HandleHistory returns the caller's conversation with peerID, oldest first.
// The caller is identified by the session token in Authorization.
func (s *Server) HandleHistory(w http.ResponseWriter, r *http.Request) {
	self, err := s.store.Verify(r.Context(), bearerToken(r))
	if err != nil {
		if !errors.Is(err, storage.ErrUnauthorized) {
			s.logger.Errorf("Error verifying session for history: %v", err)
		}
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	peer, err := common.ParseIdentityID(mux.Vars(r)["peerID"])
	if err != nil {
		http.Error(w, "invalid peerID", http.StatusBadRequest)
		return
	}

	records, err := s.store.History(r.Context(), self, peer)
	if err != nil {
		s.logger.Errorf("Error loading history %d/%d: %v", self, peer, err)
		http.Error(w, "Error loading history", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []storage.MessageRecord{}
	}
	if err := writeJSON(w, http.StatusOK, HistoryResponse{Success: true, Messages: records}); err != nil {
		s.logger.Errorf("Error encoding history %d/%d: %v", self, peer, err)
	}
}
