package daemon

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	gosync "sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/happy-coder/happy/internal/config"
	"github.com/happy-coder/happy/internal/crypto"
	"github.com/happy-coder/happy/internal/logging"
	"github.com/happy-coder/happy/internal/sync"
	"github.com/happy-coder/happy/pkg/types"
)

// DefaultHeartbeat is the machine presence interval. The relay marks the
// machine offline after 30s of silence, so this leaves plenty of slack.
const DefaultHeartbeat = 5 * time.Second

// ErrRestartRequested reports that the installed binary changed under a
// running daemon and it shut down to be relaunched.
var ErrRestartRequested = errors.New("daemon restart requested")

// MachineID derives the stable machine identity. One machine per
// (hostname, home directory) pair per account.
func MachineID(hostname, homeDir string) string {
	sum := sha256.Sum256([]byte(hostname + "\x00" + homeDir))
	return "mac_" + hex.EncodeToString(sum[:])[:20]
}

// machineBody is the encrypted entity state of a Machine.
type machineBody struct {
	Hostname       string   `json:"hostname"`
	HomeDir        string   `json:"homeDir"`
	OS             string   `json:"os"`
	DaemonVersion  string   `json:"daemonVersion,omitempty"`
	ActiveSessions []string `json:"activeSessions,omitempty"`
}

// Config configures the daemon.
type Config struct {
	Paths     *config.Paths
	ServerURL string
	Token     string
	Cipher    *crypto.Cipher
	Version   string

	// Heartbeat interval; zero means DefaultHeartbeat.
	Heartbeat time.Duration
	// SessionCommand overrides the CLI binary used to spawn sessions,
	// used by tests. Empty means self-discovery.
	SessionCommand []string
	// WatchSelf enables the binary change watcher.
	WatchSelf bool
}

// SpawnRequest asks the daemon to start a new session on this machine.
type SpawnRequest struct {
	Directory      string `json:"directory"`
	Flavor         string `json:"flavor"`
	Model          string `json:"model,omitempty"`
	PermissionMode string `json:"permissionMode,omitempty"`
}

// SessionProc is one CLI session process this daemon launched.
type SessionProc struct {
	Tag       string `json:"tag"`
	PID       int    `json:"pid"`
	Directory string `json:"directory"`
	Flavor    string `json:"flavor"`
	StartedAt int64  `json:"startedAt"`
}

// Status is the daemon's self-report.
type Status struct {
	PID       int    `json:"pid"`
	MachineID string `json:"machineID"`
	Version   string `json:"version"`
	StartedAt int64  `json:"startedAt"`
	Sessions  int    `json:"sessions"`
}

// Daemon is the per-user background process: one machine-scoped sync
// connection, a loopback control API, and the session process registry.
type Daemon struct {
	cfg       Config
	machineID string
	hostname  string
	homeDir   string
	startedAt int64

	api    *sync.API
	engine *sync.Engine
	client *sync.Client

	mu       gosync.Mutex
	sessions map[string]*SessionProc
	procs    map[string]*os.Process

	cancel  context.CancelFunc
	restart bool
}

// New prepares a Daemon. Run starts it.
func New(cfg Config) (*Daemon, error) {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultHeartbeat
	}
	hostname, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("resolve hostname: %w", err)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home dir: %w", err)
	}
	return &Daemon{
		cfg:       cfg,
		machineID: MachineID(hostname, homeDir),
		hostname:  hostname,
		homeDir:   homeDir,
		startedAt: time.Now().UnixMilli(),
		api:       sync.NewAPI(cfg.ServerURL, cfg.Token),
		sessions:  make(map[string]*SessionProc),
		procs:     make(map[string]*os.Process),
	}, nil
}

// MachineRef returns this daemon's machine entity ref.
func (d *Daemon) MachineRef() types.EntityRef {
	return types.EntityRef{Kind: types.EntityMachine, ID: d.machineID}
}

// Run drives the daemon until ctx ends, the control API receives a
// shutdown, or a self-update forces a restart.
func (d *Daemon) Run(ctx context.Context) error {
	lock, err := AcquireLock(d.cfg.Paths.DaemonLock)
	if err != nil {
		return err
	}
	defer lock.Release()

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	defer cancel()

	ref := d.MachineRef()
	d.client = sync.NewClient(sync.Config{
		ServerURL: d.cfg.ServerURL,
		Token:     d.cfg.Token,
		Kind:      types.ConnectionMachine,
		ScopeRef:  &ref,
	})
	cursorPath := filepath.Join(d.cfg.Paths.Home, "machine-cursor.json")
	d.engine = sync.NewEngine(d.client, d.cfg.Cipher, d.api, cursorPath)
	d.registerRPC(ref)
	d.engine.SubscribeScope(ref)
	go d.client.Run(ctx)

	token := uuid.NewString()
	ctl := newControlServer(d, token)
	port, stopCtl, err := ctl.serve(ctx)
	if err != nil {
		return err
	}
	defer stopCtl()

	if err := WriteState(d.cfg.Paths.DaemonState, &State{
		PID:       os.Getpid(),
		Port:      port,
		Token:     token,
		Version:   d.cfg.Version,
		StartedAt: d.startedAt,
	}); err != nil {
		return err
	}
	defer RemoveState(d.cfg.Paths.DaemonState)

	go d.publishMachineState(ctx)

	watcherEvents, stopWatcher := d.watchSelf()
	defer stopWatcher()

	logging.Info().Str("machine", d.machineID).Int("port", port).Msg("daemon running")

	ticker := time.NewTicker(d.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := d.client.Heartbeat(); err != nil && !errors.Is(err, sync.ErrDisconnected) {
				logging.Debug().Err(err).Msg("heartbeat failed")
			}
		case <-watcherEvents:
			logging.Info().Msg("installed binary changed, restarting")
			d.mu.Lock()
			d.restart = true
			d.mu.Unlock()
			cancel()
		case <-ctx.Done():
			d.shutdown()
			d.mu.Lock()
			restart := d.restart
			d.mu.Unlock()
			if restart {
				return ErrRestartRequested
			}
			return nil
		}
	}
}

// publishMachineState waits for the first connect, then publishes the
// machine's encrypted metadata. Retries with backoff; the daemon is
// useful offline and converges when the relay appears.
func (d *Daemon) publishMachineState(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	_ = backoff.Retry(func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		err := d.mutateMachine(ctx)
		if err != nil {
			logging.Debug().Err(err).Msg("machine state publish retry")
		}
		return err
	}, backoff.WithContext(bo, ctx))
}

func (d *Daemon) mutateMachine(ctx context.Context) error {
	d.mu.Lock()
	active := make([]string, 0, len(d.sessions))
	for tag := range d.sessions {
		active = append(active, tag)
	}
	d.mu.Unlock()

	body := machineBody{
		Hostname:       d.hostname,
		HomeDir:        d.homeDir,
		OS:             runtime.GOOS,
		DaemonVersion:  d.cfg.Version,
		ActiveSessions: active,
	}
	return d.engine.Mutate(ctx, d.MachineRef(), func(json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(body)
	})
}

// shutdown publishes the graceful state and stops spawned sessions.
func (d *Daemon) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Machine-scoped connections may write their own presence channel;
	// the relay's sweeper covers the crash case.
	if err := d.engine.PublishRaw(ctx, types.UpdatePayload{
		Entity:       d.MachineRef(),
		Channel:      types.ChannelPresence,
		MachineState: types.MachineShutdown,
		CreatedAt:    time.Now().UnixMilli(),
	}); err != nil {
		logging.Debug().Err(err).Msg("shutdown presence publish failed")
	}

	d.mu.Lock()
	procs := make([]*os.Process, 0, len(d.procs))
	for _, p := range d.procs {
		procs = append(procs, p)
	}
	d.mu.Unlock()
	for _, p := range procs {
		p.Signal(syscall.SIGTERM)
	}
}

// registerRPC installs the remote control surface on the machine scope.
func (d *Daemon) registerRPC(ref types.EntityRef) {
	d.engine.RegisterRPC(ref, "spawn-session", func(ctx context.Context, request json.RawMessage) (any, error) {
		var req SpawnRequest
		if err := json.Unmarshal(request, &req); err != nil {
			return nil, fmt.Errorf("bad spawn request: %w", err)
		}
		return d.SpawnSession(ctx, req)
	})
	d.engine.RegisterRPC(ref, "list-sessions", func(ctx context.Context, request json.RawMessage) (any, error) {
		return d.ListSessions(), nil
	})
	d.engine.RegisterRPC(ref, "stop-session", func(ctx context.Context, request json.RawMessage) (any, error) {
		var req struct {
			Tag string `json:"tag"`
		}
		if err := json.Unmarshal(request, &req); err != nil {
			return nil, fmt.Errorf("bad stop request: %w", err)
		}
		if err := d.StopSession(req.Tag); err != nil {
			return nil, err
		}
		return map[string]bool{"stopped": true}, nil
	})
	d.engine.RegisterRPC(ref, "status", func(ctx context.Context, request json.RawMessage) (any, error) {
		return d.Status(), nil
	})
	d.engine.RegisterRPC(ref, "shutdown", func(ctx context.Context, request json.RawMessage) (any, error) {
		go d.Shutdown()
		return map[string]bool{"shuttingDown": true}, nil
	})
}

// Status reports the daemon's state.
func (d *Daemon) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Status{
		PID:       os.Getpid(),
		MachineID: d.machineID,
		Version:   d.cfg.Version,
		StartedAt: d.startedAt,
		Sessions:  len(d.sessions),
	}
}

// ListSessions snapshots the launched session processes.
func (d *Daemon) ListSessions() []SessionProc {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]SessionProc, 0, len(d.sessions))
	for _, s := range d.sessions {
		out = append(out, *s)
	}
	return out
}

// SpawnSession launches a detached CLI session process.
func (d *Daemon) SpawnSession(ctx context.Context, req SpawnRequest) (*SessionProc, error) {
	if req.Directory == "" {
		return nil, errors.New("spawn: directory is required")
	}
	flavor := req.Flavor
	if flavor == "" {
		flavor = string(types.FlavorClaude)
	}

	tag := "ses_" + ulid.Make().String()
	argv, err := d.sessionArgv(flavor, tag, req)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = req.Directory
	cmd.Env = os.Environ()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn session: %w", err)
	}

	proc := &SessionProc{
		Tag:       tag,
		PID:       cmd.Process.Pid,
		Directory: req.Directory,
		Flavor:    flavor,
		StartedAt: time.Now().UnixMilli(),
	}
	d.mu.Lock()
	d.sessions[tag] = proc
	d.procs[tag] = cmd.Process
	d.mu.Unlock()

	go func() {
		cmd.Wait()
		d.mu.Lock()
		delete(d.sessions, tag)
		delete(d.procs, tag)
		d.mu.Unlock()
		bg, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.mutateMachine(bg); err != nil {
			logging.Debug().Err(err).Msg("active sessions update failed")
		}
	}()

	bg, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.mutateMachine(bg); err != nil {
		logging.Debug().Err(err).Msg("active sessions update failed")
	}

	logging.Info().Str("tag", tag).Int("pid", proc.PID).Str("flavor", flavor).Msg("session spawned")
	return proc, nil
}

// sessionArgv builds the CLI invocation for a spawned session.
func (d *Daemon) sessionArgv(flavor, tag string, req SpawnRequest) ([]string, error) {
	argv := d.cfg.SessionCommand
	if len(argv) == 0 {
		bin, err := cliBinary()
		if err != nil {
			return nil, err
		}
		argv = []string{bin}
		if flavor != string(types.FlavorClaude) {
			argv = append(argv, flavor)
		}
	}
	argv = append(argv, "--directory", req.Directory, "--tag", tag)
	if req.Model != "" {
		argv = append(argv, "--model", req.Model)
	}
	if req.PermissionMode != "" {
		argv = append(argv, "--permission-mode", req.PermissionMode)
	}
	return argv, nil
}

// cliBinary finds the happy CLI: sibling of this executable, else PATH.
func cliBinary() (string, error) {
	if self, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(self), "happy")
		if info, err := os.Stat(sibling); err == nil && !info.IsDir() {
			return sibling, nil
		}
	}
	path, err := exec.LookPath("happy")
	if err != nil {
		return "", fmt.Errorf("happy binary not found: %w", err)
	}
	return path, nil
}

// StopSession terminates a launched session process by tag.
func (d *Daemon) StopSession(tag string) error {
	d.mu.Lock()
	proc, ok := d.procs[tag]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("no session with tag %s", tag)
	}
	return proc.Signal(syscall.SIGTERM)
}

// Shutdown asks the daemon to stop.
func (d *Daemon) Shutdown() {
	if d.cancel != nil {
		d.cancel()
	}
}

// watchSelf watches the installed binary for replacement.
func (d *Daemon) watchSelf() (<-chan struct{}, func()) {
	events := make(chan struct{}, 1)
	if !d.cfg.WatchSelf {
		return events, func() {}
	}

	self, err := os.Executable()
	if err != nil {
		logging.Debug().Err(err).Msg("self path unresolved, update watch disabled")
		return events, func() {}
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logging.Debug().Err(err).Msg("update watch disabled")
		return events, func() {}
	}
	// Watch the directory: installers replace the binary by rename, which
	// a file-level watch loses.
	if err := watcher.Add(filepath.Dir(self)); err != nil {
		watcher.Close()
		logging.Debug().Err(err).Msg("update watch disabled")
		return events, func() {}
	}

	go func() {
		for ev := range watcher.Events {
			if ev.Name != self {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				select {
				case events <- struct{}{}:
				default:
				}
			}
		}
	}()
	return events, func() { watcher.Close() }
}
