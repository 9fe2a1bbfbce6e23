package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"hybrid-chat/common"
	"hybrid-chat/configs"
	"hybrid-chat/storage"
)

var ErrNotFound = errors.New("not found on relay")

// API talks to the relay's HTTP endpoints: the public-key directory and the
// message history.
type API struct {
	Base  string
	Token string
	HTTP  *http.Client
}

func NewAPI(base, token string) *API {
	return &API{Base: strings.TrimRight(base, "/"), Token: token, HTTP: http.DefaultClient}
}

// WebSocketURL derives the relay's websocket endpoint from Base.
func (c *API) WebSocketURL() string {
	u := c.Base
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + configs.WebSocketPath
}

func (c *API) PublishKey(ctx context.Context, entry common.PublicKeyEntry) error {
	return c.post(ctx, fmt.Sprintf("%s/%d", configs.PublishKeysPath, entry.UserID), entry, nil)
}

func (c *API) LookupKey(ctx context.Context, id common.IdentityID) (common.PublicKeyEntry, error) {
	var out common.PublicKeyEntry
	if err := c.getJSON(ctx, fmt.Sprintf("%s/%d", configs.PublishKeysPath, id), &out); err != nil {
		return common.PublicKeyEntry{}, err
	}
	return out, nil
}

type historyResponse struct {
	Success  bool                    `json:"success"`
	Messages []storage.MessageRecord `json:"messages"`
}

// History fetches the stored envelopes between the session's identity and
// peer, oldest first.
func (c *API) History(ctx context.Context, peer common.IdentityID) ([]storage.MessageRecord, error) {
	var out historyResponse
	if err := c.getJSON(ctx, fmt.Sprintf("%s/%d", configs.MessagesPath, peer), &out); err != nil {
		return nil, err
	}
	if !out.Success {
		return nil, fmt.Errorf("relay history %d: unsuccessful", peer)
	}
	return out.Messages, nil
}

func (c *API) authorize(req *http.Request) {
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
}

func (c *API) post(ctx context.Context, path string, in any, out any) error {
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(in); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Base+path, buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("relay post %s: %s", path, resp.Status)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *API) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.Base+path, nil)
	if err != nil {
		return err
	}
	c.authorize(req)
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("relay get %s: %w", path, ErrNotFound)
	}
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("relay get %s: %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
