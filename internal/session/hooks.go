package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/happy-coder/happy/internal/logging"
)

// HookEvent is one lifecycle notification from the assistant child. The
// child posts these from hook commands configured in the generated
// settings file.
type HookEvent struct {
	// Kind is the hook name, e.g. "session-start" or "compact".
	Kind string `json:"kind"`
	// SessionRef is the assistant's internal conversation id. It rotates
	// on /clear; tracking it keeps --resume working after a child restart.
	SessionRef string `json:"sessionRef,omitempty"`
}

// HookServer receives lifecycle hooks from the child on loopback.
type HookServer struct {
	events chan HookEvent
}

func NewHookServer() *HookServer {
	return &HookServer{events: make(chan HookEvent, 16)}
}

// Events streams received hooks.
func (h *HookServer) Events() <-chan HookEvent { return h.events }

// Serve binds a loopback listener. Returns the base URL for the settings
// file and a shutdown func.
func (h *HookServer) Serve(ctx context.Context) (string, func(), error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", nil, fmt.Errorf("hook server listen: %w", err)
	}

	r := chi.NewRouter()
	r.Post("/v1/hook", h.handleHook)

	httpSrv := &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logging.Error().Err(err).Msg("hook server stopped")
		}
	}()

	url := fmt.Sprintf("http://%s", ln.Addr().String())
	shutdown := func() {
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpSrv.Shutdown(shCtx)
	}
	return url, shutdown, nil
}

func (h *HookServer) handleHook(w http.ResponseWriter, r *http.Request) {
	var ev HookEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, "invalid hook payload", http.StatusBadRequest)
		return
	}
	select {
	case h.events <- ev:
	default:
		logging.Warn().Str("kind", ev.Kind).Msg("hook event dropped, queue full")
	}
	w.WriteHeader(http.StatusNoContent)
}

// hookSettings mirrors the child's settings file schema, reduced to the
// hooks block we generate.
type hookSettings struct {
	Hooks map[string][]hookMatcher `json:"hooks"`
}

type hookMatcher struct {
	Hooks []hookCommand `json:"hooks"`
}

type hookCommand struct {
	Type    string `json:"type"`
	Command string `json:"command"`
}

// WriteHookSettings generates the settings file that makes the child post
// lifecycle hooks back to hookURL.
func WriteHookSettings(path, hookURL string) error {
	post := func(kind string) string {
		return fmt.Sprintf(
			`curl -s -X POST %s/v1/hook -H 'Content-Type: application/json' -d "{\"kind\":\"%s\",\"sessionRef\":\"$CLAUDE_SESSION_ID\"}"`,
			hookURL, kind,
		)
	}
	settings := hookSettings{
		Hooks: map[string][]hookMatcher{
			"SessionStart": {{Hooks: []hookCommand{{Type: "command", Command: post("session-start")}}}},
			"PreCompact":   {{Hooks: []hookCommand{{Type: "command", Command: post("compact")}}}},
		},
	}
	raw, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o600)
}

// WriteMCPConfig generates the MCP config pointing the child at the local
// tool-extension server.
func WriteMCPConfig(path, toolServerURL string) error {
	cfg := map[string]any{
		"mcpServers": map[string]any{
			"happy": map[string]any{
				"type": "http",
				"url":  toolServerURL,
			},
		},
	}
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o600)
}
