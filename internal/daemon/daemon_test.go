package daemon

import (
	"context"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/happy-coder/happy/internal/config"
	"github.com/happy-coder/happy/internal/crypto"
	"github.com/happy-coder/happy/internal/relay"
	"github.com/happy-coder/happy/internal/store"
	"github.com/happy-coder/happy/internal/sync"
)

func TestMachineIDStable(t *testing.T) {
	a := MachineID("host-1", "/home/alice")
	b := MachineID("host-1", "/home/alice")
	c := MachineID("host-2", "/home/alice")
	d := MachineID("host-1", "/home/bob")

	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
	require.NotEqual(t, a, d)
	require.True(t, len(a) > 4 && a[:4] == "mac_")
}

func TestStateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.json")

	st := &State{PID: os.Getpid(), Port: 4242, Token: "tok", Version: "1.0.0", StartedAt: 123}
	require.NoError(t, WriteState(path, st))

	got, err := ReadState(path)
	require.NoError(t, err)
	require.Equal(t, st, got)
}

func TestStateDeadPIDReadsAsNotRunning(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.json")
	// PID 1 is alive but unsignalable for a normal user in most setups;
	// use an id far beyond pid_max instead.
	require.NoError(t, WriteState(path, &State{PID: 1 << 30, Port: 1}))

	_, err := ReadState(path)
	require.ErrorIs(t, err, ErrNotRunning)
}

func TestStateMissingFile(t *testing.T) {
	_, err := ReadState(filepath.Join(t.TempDir(), "nope.json"))
	require.ErrorIs(t, err, ErrNotRunning)
}

func TestLockSingleInstance(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.lock")

	lock, err := AcquireLock(path)
	require.NoError(t, err)

	_, err = AcquireLock(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "another daemon is running")

	lock.Release()
	lock2, err := AcquireLock(path)
	require.NoError(t, err)
	lock2.Release()
}

func TestLockBreaksStaleOwner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.lock")
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf("%d\n", 1<<30)), 0o600))

	lock, err := AcquireLock(path)
	require.NoError(t, err)
	lock.Release()
}

func newTestRelay(t *testing.T) *httptest.Server {
	t.Helper()
	db, err := store.NewDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	srv := relay.New(relay.DefaultConfig(), store.New(db, 0))
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func testCipher(t *testing.T) *crypto.Cipher {
	t.Helper()
	key, err := crypto.DeriveKey([]byte("test master secret"), "update")
	require.NoError(t, err)
	c, err := crypto.NewCipher(key)
	require.NoError(t, err)
	return c
}

// fakeSession ignores the flags the daemon appends and just lingers.
func fakeSessionScript(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-session.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nsleep 60\n"), 0o755))
	return path
}

func startDaemon(t *testing.T, ts *httptest.Server) (*Daemon, *ControlClient, chan error) {
	t.Helper()

	t.Setenv("HAPPY_HOME_DIR", t.TempDir())
	paths := config.GetPaths()
	require.NoError(t, paths.EnsurePaths())

	api := sync.NewAPI(ts.URL, "tok")
	_, err := api.Auth(context.Background())
	require.NoError(t, err)

	d, err := New(Config{
		Paths:          paths,
		ServerURL:      ts.URL,
		Token:          "tok",
		Cipher:         testCipher(t),
		Version:        "test",
		Heartbeat:      50 * time.Millisecond,
		SessionCommand: []string{fakeSessionScript(t)},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	var ctl *ControlClient
	require.Eventually(t, func() bool {
		c, _, err := Attach(paths.DaemonState)
		if err != nil {
			return false
		}
		ctl = c
		return true
	}, 5*time.Second, 20*time.Millisecond)
	return d, ctl, done
}

func TestDaemonControlSurface(t *testing.T) {
	ts := newTestRelay(t)
	d, ctl, _ := startDaemon(t, ts)

	status, err := ctl.Status(context.Background())
	require.NoError(t, err)
	require.Equal(t, d.machineID, status.MachineID)
	require.Equal(t, "test", status.Version)
	require.Zero(t, status.Sessions)

	proc, err := ctl.SpawnSession(context.Background(), SpawnRequest{
		Directory: t.TempDir(),
		Flavor:    "claude",
	})
	require.NoError(t, err)
	require.NotZero(t, proc.PID)
	require.NotEmpty(t, proc.Tag)

	sessions, err := ctl.ListSessions(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Equal(t, proc.Tag, sessions[0].Tag)

	require.NoError(t, ctl.StopSession(context.Background(), proc.Tag))
	require.Eventually(t, func() bool {
		sessions, err := ctl.ListSessions(context.Background())
		return err == nil && len(sessions) == 0
	}, 5*time.Second, 20*time.Millisecond)

	require.Error(t, ctl.StopSession(context.Background(), "ses_unknown"))
}

func TestDaemonRejectsBadControlToken(t *testing.T) {
	ts := newTestRelay(t)
	_, ctl, _ := startDaemon(t, ts)

	bad := &ControlClient{base: ctl.base, token: "wrong", http: ctl.http}
	_, err := bad.Status(context.Background())
	require.Error(t, err)
}

func TestDaemonSecondInstanceRefused(t *testing.T) {
	ts := newTestRelay(t)
	d, _, _ := startDaemon(t, ts)

	second, err := New(Config{
		Paths:     config.GetPaths(),
		ServerURL: ts.URL,
		Token:     "tok",
		Cipher:    testCipher(t),
	})
	require.NoError(t, err)
	err = second.Run(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "another daemon is running")
	_ = d
}

func TestDaemonShutdownCleansState(t *testing.T) {
	ts := newTestRelay(t)
	d, _, done := startDaemon(t, ts)

	statePath := d.cfg.Paths.DaemonState
	_, err := ReadState(statePath)
	require.NoError(t, err)

	d.Shutdown()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon never stopped")
	}

	_, err = ReadState(statePath)
	require.ErrorIs(t, err, ErrNotRunning)
}
