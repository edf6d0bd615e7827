package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/happy-coder/happy/internal/logging"
	"github.com/happy-coder/happy/internal/store"
	"github.com/happy-coder/happy/pkg/types"
)

// AuthRequest registers (or re-resolves) an account by its bearer token.
// Tokens are derived client-side from the master secret, so the same
// secret lands on the same account from any machine.
type AuthRequest struct {
	Token string `json:"token"`
}

// AuthResponse carries the resolved account.
type AuthResponse struct {
	AccountID string `json:"accountId"`
}

func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	var req AuthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "token is required")
		return
	}

	accountID, err := s.store.AccountIDByToken(r.Context(), req.Token)
	if errors.Is(err, store.ErrNotFound) {
		accountID = store.NewID("acc")
		if err := s.store.CreateAccount(r.Context(), accountID, req.Token); err != nil {
			writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "account creation failed")
			return
		}
		logging.Info().Str("account", accountID).Msg("account registered")
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "token lookup failed")
		return
	}

	writeJSON(w, http.StatusOK, AuthResponse{AccountID: accountID})
}

// handleConnect upgrades to the socket protocol. Frame-level auth happens
// inside the hub; the HTTP layer only performs the upgrade.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Debug().Err(err).Msg("upgrade failed")
		return
	}
	// The socket outlives this handler; the request context dies with it.
	go s.hub.HandleSocket(context.Background(), ws)
}

// CreateSessionRequest creates a session keyed by a client-random tag.
type CreateSessionRequest struct {
	Tag string `json:"tag"`
}

// SessionResponse is the cleartext session envelope plus the entity's
// current encrypted state.
type SessionResponse struct {
	ID        string `json:"id"`
	Tag       string `json:"tag"`
	Version   int64  `json:"version"`
	Body      []byte `json:"body,omitempty"`
	CreatedAt int64  `json:"createdAt"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Tag == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "tag is required")
		return
	}

	ses, created, err := s.store.CreateSession(r.Context(), accountFrom(r.Context()), req.Tag)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "session creation failed")
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, SessionResponse{
		ID:        ses.ID,
		Tag:       ses.Tag,
		Version:   ses.Version,
		CreatedAt: ses.CreatedAt,
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	ses, version, body, err := s.store.GetSession(r.Context(), accountFrom(r.Context()), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "session not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "session load failed")
		return
	}

	writeJSON(w, http.StatusOK, SessionResponse{
		ID:        ses.ID,
		Tag:       ses.Tag,
		Version:   version,
		Body:      body,
		CreatedAt: ses.CreatedAt,
	})
}

// MachineResponse is the cleartext machine row plus the entity's current
// encrypted state.
type MachineResponse struct {
	ID         string             `json:"id"`
	State      types.MachineState `json:"state"`
	LastSeenAt int64              `json:"lastSeenAt"`
	Version    int64              `json:"version"`
	Body       []byte             `json:"body,omitempty"`
}

func (s *Server) handleGetMachine(w http.ResponseWriter, r *http.Request) {
	m, version, body, err := s.store.GetMachine(r.Context(), accountFrom(r.Context()), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "machine not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "machine load failed")
		return
	}

	writeJSON(w, http.StatusOK, MachineResponse{
		ID:         m.ID,
		State:      m.State,
		LastSeenAt: m.LastSeenAt,
		Version:    version,
		Body:       body,
	})
}

// MessagesResponse is one snapshot page of a session's message log.
type MessagesResponse struct {
	Messages []types.SessionMessage `json:"messages"`
	// NextSeq is the cursor for the next page, or 0 when this is the tail.
	NextSeq int64 `json:"nextSeq"`
}

func (s *Server) handleSessionMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	owner, err := s.store.SessionAccount(r.Context(), sessionID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && owner != accountFrom(r.Context())) {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "session not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "session lookup failed")
		return
	}

	since := queryInt(r, "since")
	limit := int(queryInt(r, "limit"))

	msgs, err := s.store.MessagesSince(r.Context(), sessionID, since, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "message load failed")
		return
	}

	resp := MessagesResponse{Messages: msgs}
	if limit > 0 && len(msgs) == limit {
		resp.NextSeq = msgs[len(msgs)-1].Seq
	}
	writeJSON(w, http.StatusOK, resp)
}

// UpdatesResponse is one page of the retained update log, used by clients
// recovering state after a resync.
type UpdatesResponse struct {
	Updates []types.Update `json:"updates"`
	MinSeq  int64          `json:"minSeq"`
	LastSeq int64          `json:"lastSeq"`
}

func (s *Server) handleAccountUpdates(w http.ResponseWriter, r *http.Request) {
	accountID := accountFrom(r.Context())

	minSeq, lastSeq, err := s.store.LogBounds(r.Context(), accountID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "log bounds failed")
		return
	}

	updates, err := s.store.UpdatesSince(r.Context(), accountID, queryInt(r, "since"), int(queryInt(r, "limit")))
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, "update load failed")
		return
	}

	writeJSON(w, http.StatusOK, UpdatesResponse{
		Updates: updates,
		MinSeq:  minSeq,
		LastSeq: lastSeq,
	})
}

func queryInt(r *http.Request, key string) int64 {
	v, _ := strconv.ParseInt(r.URL.Query().Get(key), 10, 64)
	return v
}
