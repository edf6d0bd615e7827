package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/happy-coder/happy/pkg/types"
)

// API is the relay's short-lived HTTP surface: credential handshake,
// session creation, and the snapshot endpoints used on resync.
type API struct {
	base  string
	token string
	http  *http.Client
}

// NewAPI creates an API client for the relay at serverURL.
func NewAPI(serverURL, token string) *API {
	return &API{
		base:  serverURL,
		token: token,
		http:  &http.Client{Timeout: 30 * time.Second},
	}
}

// SessionSnapshot is a session's cleartext envelope plus its current
// encrypted entity state.
type SessionSnapshot struct {
	ID        string `json:"id"`
	Tag       string `json:"tag"`
	Version   int64  `json:"version"`
	Body      []byte `json:"body,omitempty"`
	CreatedAt int64  `json:"createdAt"`
}

// MachineSnapshot is a machine's cleartext row plus encrypted state.
type MachineSnapshot struct {
	ID         string             `json:"id"`
	State      types.MachineState `json:"state"`
	LastSeenAt int64              `json:"lastSeenAt"`
	Version    int64              `json:"version"`
	Body       []byte             `json:"body,omitempty"`
}

// MessagesPage is one page of a session's message log.
type MessagesPage struct {
	Messages []types.SessionMessage `json:"messages"`
	NextSeq  int64                  `json:"nextSeq"`
}

// UpdatesPage is one page of the retained account update log.
type UpdatesPage struct {
	Updates []types.Update `json:"updates"`
	MinSeq  int64          `json:"minSeq"`
	LastSeq int64          `json:"lastSeq"`
}

func (a *API) do(ctx context.Context, method, path string, in, out any) error {
	var body *bytes.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.base+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return types.ErrAuth
	case resp.StatusCode >= 400:
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// Auth registers (or resolves) the account behind the bearer token.
func (a *API) Auth(ctx context.Context) (string, error) {
	var out struct {
		AccountID string `json:"accountId"`
	}
	err := a.do(ctx, http.MethodPost, "/v1/auth", map[string]string{"token": a.token}, &out)
	if err != nil {
		return "", err
	}
	return out.AccountID, nil
}

// CreateSession creates (idempotently, keyed by tag) a session.
func (a *API) CreateSession(ctx context.Context, tag string) (*SessionSnapshot, error) {
	var out SessionSnapshot
	err := a.do(ctx, http.MethodPost, "/v1/sessions", map[string]string{"tag": tag}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetSession fetches a session snapshot.
func (a *API) GetSession(ctx context.Context, id string) (*SessionSnapshot, error) {
	var out SessionSnapshot
	if err := a.do(ctx, http.MethodGet, "/v1/sessions/"+id, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetMachine fetches a machine snapshot.
func (a *API) GetMachine(ctx context.Context, id string) (*MachineSnapshot, error) {
	var out MachineSnapshot
	if err := a.do(ctx, http.MethodGet, "/v1/machines/"+id, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Messages fetches one page of a session's message log.
func (a *API) Messages(ctx context.Context, sessionID string, since int64, limit int) (*MessagesPage, error) {
	var out MessagesPage
	path := "/v1/sessions/" + sessionID + "/messages?since=" + strconv.FormatInt(since, 10) +
		"&limit=" + strconv.Itoa(limit)
	if err := a.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Updates fetches one page of the retained account update log.
func (a *API) Updates(ctx context.Context, since int64, limit int) (*UpdatesPage, error) {
	var out UpdatesPage
	path := "/v1/account/updates?since=" + strconv.FormatInt(since, 10) +
		"&limit=" + strconv.Itoa(limit)
	if err := a.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
