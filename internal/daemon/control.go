package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/happy-coder/happy/internal/logging"
)

// controlServer is the loopback HTTP surface short-lived CLI invocations
// use: same operations as the machine-scope RPCs, plus log tailing.
type controlServer struct {
	daemon *Daemon
	token  string
	router *chi.Mux
}

func newControlServer(d *Daemon, token string) *controlServer {
	s := &controlServer{daemon: d, token: token}
	s.router = chi.NewRouter()
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.requireToken)

	s.router.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/sessions", s.handleListSessions)
		r.Post("/sessions", s.handleSpawnSession)
		r.Delete("/sessions/{tag}", s.handleStopSession)
		r.Post("/shutdown", s.handleShutdown)
		r.Get("/logs", s.handleLogs)
	})
	return s
}

// serve binds a random loopback port. Returns the port number.
func (s *controlServer) serve(ctx context.Context) (int, func(), error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, nil, fmt.Errorf("control listen: %w", err)
	}

	httpSrv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logging.Error().Err(err).Msg("control server stopped")
		}
	}()

	stop := func() {
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpSrv.Shutdown(shCtx)
	}
	return ln.Addr().(*net.TCPAddr).Port, stop, nil
}

func (s *controlServer) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if auth != "Bearer "+s.token {
			writeControlError(w, http.StatusUnauthorized, "invalid control token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeControlJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeControlError(w http.ResponseWriter, status int, message string) {
	writeControlJSON(w, status, map[string]string{"error": message})
}

func (s *controlServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeControlJSON(w, http.StatusOK, s.daemon.Status())
}

func (s *controlServer) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeControlJSON(w, http.StatusOK, s.daemon.ListSessions())
}

func (s *controlServer) handleSpawnSession(w http.ResponseWriter, r *http.Request) {
	var req SpawnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeControlError(w, http.StatusBadRequest, "invalid spawn request")
		return
	}
	proc, err := s.daemon.SpawnSession(r.Context(), req)
	if err != nil {
		writeControlError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeControlJSON(w, http.StatusCreated, proc)
}

func (s *controlServer) handleStopSession(w http.ResponseWriter, r *http.Request) {
	tag := chi.URLParam(r, "tag")
	if err := s.daemon.StopSession(tag); err != nil {
		writeControlError(w, http.StatusNotFound, err.Error())
		return
	}
	writeControlJSON(w, http.StatusOK, map[string]bool{"stopped": true})
}

func (s *controlServer) handleShutdown(w http.ResponseWriter, r *http.Request) {
	writeControlJSON(w, http.StatusOK, map[string]bool{"shuttingDown": true})
	go s.daemon.Shutdown()
}

// handleLogs streams the tail of the newest log file.
func (s *controlServer) handleLogs(w http.ResponseWriter, r *http.Request) {
	path, err := newestLog(s.daemon.cfg.Paths.Logs)
	if err != nil {
		writeControlError(w, http.StatusNotFound, "no log files")
		return
	}
	f, err := os.Open(path)
	if err != nil {
		writeControlError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer f.Close()

	// Last 64 KiB is enough for a tail.
	const tail = 64 * 1024
	if info, err := f.Stat(); err == nil && info.Size() > tail {
		f.Seek(info.Size()-tail, io.SeekStart)
	}
	w.Header().Set("Content-Type", "text/plain")
	io.Copy(w, f)
}

func newestLog(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	var logs []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".log") {
			logs = append(logs, e.Name())
		}
	}
	if len(logs) == 0 {
		return "", os.ErrNotExist
	}
	sort.Strings(logs)
	return filepath.Join(dir, logs[len(logs)-1]), nil
}

// ControlClient talks to a running daemon's control API.
type ControlClient struct {
	base  string
	token string
	http  *http.Client
}

// Attach connects to the daemon recorded in the state file.
func Attach(statePath string) (*ControlClient, *State, error) {
	st, err := ReadState(statePath)
	if err != nil {
		return nil, nil, err
	}
	return &ControlClient{
		base:  fmt.Sprintf("http://127.0.0.1:%d", st.Port),
		token: st.Token,
		http:  &http.Client{Timeout: 10 * time.Second},
	}, st, nil
}

func (c *ControlClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = strings.NewReader(string(raw))
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error != "" {
			return fmt.Errorf("daemon: %s", e.Error)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Status fetches the daemon's self-report.
func (c *ControlClient) Status(ctx context.Context) (*Status, error) {
	var st Status
	if err := c.do(ctx, http.MethodGet, "/v1/status", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// ListSessions fetches the launched session processes.
func (c *ControlClient) ListSessions(ctx context.Context) ([]SessionProc, error) {
	var out []SessionProc
	if err := c.do(ctx, http.MethodGet, "/v1/sessions", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SpawnSession asks the daemon to start a session.
func (c *ControlClient) SpawnSession(ctx context.Context, req SpawnRequest) (*SessionProc, error) {
	var out SessionProc
	if err := c.do(ctx, http.MethodPost, "/v1/sessions", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StopSession terminates a spawned session by tag.
func (c *ControlClient) StopSession(ctx context.Context, tag string) error {
	return c.do(ctx, http.MethodDelete, "/v1/sessions/"+tag, nil, nil)
}

// Shutdown stops the daemon.
func (c *ControlClient) Shutdown(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/shutdown", nil, nil)
}

// Logs fetches the daemon's recent log output.
func (c *ControlClient) Logs(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/v1/logs", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("logs: status %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	return string(raw), err
}
