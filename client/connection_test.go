package client

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hybrid-chat/common"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 0, want: time.Second},
		{attempt: 1, want: time.Second},
		{attempt: 2, want: 2 * time.Second},
		{attempt: 3, want: 4 * time.Second},
		{attempt: 4, want: 5 * time.Second},
		{attempt: 5, want: 5 * time.Second},
		{attempt: 40, want: 5 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Backoff(tt.attempt, time.Second, 5*time.Second), "attempt %d", tt.attempt)
	}
}

func TestSendWhileDisconnected(t *testing.T) {
	c := NewConnection("ws://127.0.0.1:1/ws", 1, "", quietLogger())
	assert.ErrorIs(t, c.Send(&common.Message{To: 2, Content: "c", IV: "i"}), common.ErrTransportUnavailable)
	select {
	case <-c.Ready():
		t.Fatal("ready before connecting")
	default:
	}
}

func TestConnectionReannouncesAfterDrop(t *testing.T) {
	var (
		mu    sync.Mutex
		auths []common.Auth
		count int32
	)
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		n := atomic.AddInt32(&count, 1)

		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		env, err := common.Decode(data)
		if err != nil {
			return
		}
		if a, ok := env.(*common.Auth); ok {
			mu.Lock()
			auths = append(auths, *a)
			mu.Unlock()
			ack, _ := common.Encode(&common.AuthSuccess{UserID: a.UserID})
			ws.WriteMessage(websocket.TextMessage, ack)
		}
		if n == 1 {
			return
		}
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer ts.Close()

	c := NewConnection(wsURL(ts), 7, "tok", quietLogger())
	c.SetBackoff(5*time.Millisecond, 20*time.Millisecond, 3)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	for i := 0; i < 2; i++ {
		select {
		case env := <-c.Inbound():
			assert.Equal(t, common.TypeAuthSuccess, env.Kind())
		case <-time.After(2 * time.Second):
			t.Fatal("no auth_success")
		}
	}

	mu.Lock()
	require.Len(t, auths, 2)
	for _, a := range auths {
		assert.Equal(t, common.IdentityID(7), a.UserID)
		assert.Equal(t, "tok", a.Token)
	}
	mu.Unlock()

	assert.Equal(t, StateOpen, c.State())
	select {
	case <-c.Ready():
	default:
		t.Fatal("not ready while open")
	}
	require.NoError(t, c.Send(&common.Message{To: 1, Content: "c", IV: "i"}))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, StateClosed, c.State())
	_, ok := <-c.Inbound()
	assert.False(t, ok)
}

func TestConnectionGivesUp(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(ts)
	ts.Close()

	c := NewConnection(url, 7, "", quietLogger())
	c.SetBackoff(time.Millisecond, 2*time.Millisecond, 3)

	err := c.Run(context.Background())
	assert.ErrorIs(t, err, common.ErrConnectionLost)
	assert.Equal(t, StateLost, c.State())
	assert.ErrorIs(t, c.Send(&common.Auth{UserID: 7}), common.ErrTransportUnavailable)

	var seen []ConnState
	for len(c.States()) > 0 {
		seen = append(seen, <-c.States())
	}
	assert.Equal(t, []ConnState{StateConnecting, StateReconnecting, StateReconnecting, StateReconnecting, StateLost}, seen)
}
