package session

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	goruntime "runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/happy-coder/happy/internal/config"
	"github.com/happy-coder/happy/internal/crypto"
	"github.com/happy-coder/happy/internal/permission"
	"github.com/happy-coder/happy/internal/relay"
	"github.com/happy-coder/happy/internal/store"
	"github.com/happy-coder/happy/internal/sync"
	"github.com/happy-coder/happy/pkg/types"
)

// fakeAssistant is a stand-in child: it announces itself, then answers
// every stdin line with one text block and a turn result.
const fakeAssistant = `#!/bin/sh
echo '{"type":"system","subtype":"init","session_id":"ref-1","model":"fake-model"}'
while IFS= read -r line; do
  echo '{"type":"assistant","message":{"content":[{"type":"text","text":"reply"}]}}'
  echo '{"type":"result","session_id":"ref-1","usage":{"input_tokens":3,"output_tokens":4}}'
done
`

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

func writeFakeAssistant(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "assistant.sh")
	require.NoError(t, os.WriteFile(path, []byte(fakeAssistant), 0o755))
	return path
}

func startRuntime(t *testing.T, ts *httptest.Server, token string) *Runtime {
	t.Helper()
	return startRuntimeWith(t, ts, token, writeFakeAssistant(t))
}

func startRuntimeWith(t *testing.T, ts *httptest.Server, token, binary string) *Runtime {
	t.Helper()

	home := t.TempDir()
	t.Setenv("HAPPY_HOME_DIR", home)
	paths := config.GetPaths()
	require.NoError(t, paths.EnsurePaths())

	api := sync.NewAPI(ts.URL, token)
	_, err := api.Auth(context.Background())
	require.NoError(t, err)

	r := NewRuntime(RuntimeConfig{
		Paths:             paths,
		ServerURL:         ts.URL,
		Token:             token,
		Cipher:            testCipher(t),
		MachineID:         "mac-1",
		Flavor:            types.FlavorClaude,
		WorkDir:           t.TempDir(),
		Mode:              permission.ModeDefault,
		PermissionTimeout: time.Minute,
		Binary:            binary,
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go r.Run(ctx)

	require.Eventually(t, func() bool { return r.SessionID() != "" },
		5*time.Second, 10*time.Millisecond)
	return r
}

// remoteUser is a second device on the account: a user-scoped engine
// watching the account scope.
func remoteUser(t *testing.T, ts *httptest.Server, token string) (*sync.Engine, <-chan types.MessageContent) {
	t.Helper()

	api := sync.NewAPI(ts.URL, token)
	accountID, err := api.Auth(context.Background())
	require.NoError(t, err)

	client := sync.NewClient(sync.Config{
		ServerURL: ts.URL,
		Token:     token,
		Kind:      types.ConnectionUser,
	})
	e := sync.NewEngine(client, testCipher(t), api, "")

	messages := make(chan types.MessageContent, 32)
	e.Observe(func(ev sync.Event) {
		if ev.Channel != types.ChannelMessage {
			return
		}
		var content types.MessageContent
		if json.Unmarshal(ev.Value, &content) == nil {
			messages <- content
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go client.Run(ctx)
	require.Eventually(t, func() bool { return client.Status() == sync.StatusConnected },
		5*time.Second, 10*time.Millisecond)

	e.SubscribeScope(types.EntityRef{Kind: types.EntityAccount, ID: accountID})
	return e, messages
}

func waitMessage(t *testing.T, messages <-chan types.MessageContent, match func(types.MessageContent) bool) types.MessageContent {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case m := <-messages:
			if match(m) {
				return m
			}
		case <-deadline:
			t.Fatal("expected message never arrived")
		}
	}
}

func TestRuntimeAnswersRemoteMessage(t *testing.T) {
	ts := newTestRelay(t)
	r := startRuntime(t, ts, "tok")
	remote, messages := remoteUser(t, ts, "tok")

	err := remote.SendMessage(context.Background(), r.SessionID(), &types.MessageContent{
		Kind: types.MessageUserText,
		Text: "hello there",
	})
	require.NoError(t, err)

	reply := waitMessage(t, messages, func(m types.MessageContent) bool {
		return m.Kind == types.MessageAgentText && m.Text == "reply"
	})
	require.Equal(t, "reply", reply.Text)

	ready := waitMessage(t, messages, func(m types.MessageContent) bool {
		return m.Kind == types.MessageAgentEvent && m.Event != nil &&
			m.Event.Type == types.AgentEventReady
	})
	require.NotNil(t, ready.Event.Usage)
	require.Equal(t, int64(3), ready.Event.Usage.InputTokens)
}

func TestRuntimeShellShortCircuit(t *testing.T) {
	ts := newTestRelay(t)
	r := startRuntime(t, ts, "tok")
	remote, messages := remoteUser(t, ts, "tok")

	err := remote.SendMessage(context.Background(), r.SessionID(), &types.MessageContent{
		Kind: types.MessageUserText,
		Text: "$ echo hi",
	})
	require.NoError(t, err)

	out := waitMessage(t, messages, func(m types.MessageContent) bool {
		return m.Kind == types.MessageAgentText && strings.HasPrefix(m.Text, "```bash")
	})
	require.Equal(t, "```bash\n$ echo hi\nhi\n```", out.Text)
	require.NotContains(t, out.Text, "Exit code")
}

func TestRuntimePublishesMetadata(t *testing.T) {
	ts := newTestRelay(t)
	r := startRuntime(t, ts, "tok")
	remote, _ := remoteUser(t, ts, "tok")

	api := sync.NewAPI(ts.URL, "tok")
	require.Eventually(t, func() bool {
		snap, err := api.GetSession(context.Background(), r.SessionID())
		return err == nil && snap.Version >= 1
	}, 5*time.Second, 20*time.Millisecond)

	snap, err := api.GetSession(context.Background(), r.SessionID())
	require.NoError(t, err)
	ref := types.EntityRef{Kind: types.EntitySession, ID: r.SessionID()}
	require.NoError(t, remote.SeedEncrypted(ref, snap.Version, snap.Body))

	_, value := remote.Entity(ref)
	var body struct {
		Metadata *types.SessionMetadata `json:"metadata"`
	}
	require.NoError(t, json.Unmarshal(value, &body))
	require.NotNil(t, body.Metadata)
	require.Equal(t, "mac-1", body.Metadata.MachineID)
	require.Equal(t, types.FlavorClaude, body.Metadata.Flavor)
	require.Equal(t, types.SessionRunning, body.Metadata.Lifecycle)
}

func TestRuntimeSwitchModeRPC(t *testing.T) {
	ts := newTestRelay(t)
	r := startRuntime(t, ts, "tok")
	remote, messages := remoteUser(t, ts, "tok")

	ref := types.EntityRef{Kind: types.EntitySession, ID: r.SessionID()}

	// The runtime registers its RPC surface after the session handshake;
	// retry until it is reachable.
	require.Eventually(t, func() bool {
		_, err := remote.InvokeRPC(context.Background(), ref, "switch-mode",
			map[string]string{"mode": "accept-edits"}, 2*time.Second)
		return err == nil
	}, 5*time.Second, 50*time.Millisecond)

	waitMessage(t, messages, func(m types.MessageContent) bool {
		return m.Kind == types.MessageAgentEvent && m.Event != nil &&
			m.Event.Type == types.AgentEventSwitchMode && m.Event.Mode == "accept-edits"
	})
	require.Equal(t, permission.ModeAcceptEdits, r.currentPolicy().Mode)
}

// crashingAssistant dies mid-turn: it answers the first message with a
// text block and exits without a result line.
const crashingAssistant = `#!/bin/sh
echo '{"type":"system","subtype":"init","session_id":"ref-1","model":"fake-model"}'
IFS= read -r line
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"partial"}]}}'
exit 5
`

func TestRuntimeCrashEmitsReadyThenDeath(t *testing.T) {
	ts := newTestRelay(t)

	script := filepath.Join(t.TempDir(), "assistant.sh")
	require.NoError(t, os.WriteFile(script, []byte(crashingAssistant), 0o755))
	r := startRuntimeWith(t, ts, "tok", script)
	remote, messages := remoteUser(t, ts, "tok")

	err := remote.SendMessage(context.Background(), r.SessionID(), &types.MessageContent{
		Kind: types.MessageUserText,
		Text: "go",
	})
	require.NoError(t, err)

	var events []types.MessageContent
collect:
	for {
		select {
		case m := <-messages:
			if m.Kind != types.MessageAgentEvent || m.Event == nil {
				continue
			}
			events = append(events, m)
			if m.Event.Type == types.AgentEventSessionDeath {
				break collect
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("session death never observed, saw %d events", len(events))
		}
	}

	require.GreaterOrEqual(t, len(events), 2)
	death := events[len(events)-1]
	require.NotNil(t, death.Event.ExitCode)
	require.Equal(t, 5, *death.Event.ExitCode)

	ready := events[len(events)-2]
	require.Equal(t, types.AgentEventReady, ready.Event.Type)
	require.NotNil(t, ready.Event.Usage)
}

func TestAttachForwarderStopsWithRuntime(t *testing.T) {
	t.Setenv("HAPPY_HOME_DIR", t.TempDir())
	r := NewRuntime(RuntimeConfig{Paths: config.GetPaths()})

	// Fill the fan-in channel so the exit report cannot be delivered.
	for i := 0; i < cap(r.events); i++ {
		r.events <- ChildEvent{Type: ChildText}
	}

	closed := make(chan struct{})
	close(closed)
	ch := make(chan ChildEvent)
	close(ch)

	before := goruntime.NumGoroutine()
	r.attach(&Child{events: ch, done: closed})
	close(r.done)

	require.Eventually(t, func() bool {
		return goruntime.NumGoroutine() <= before
	}, 2*time.Second, 20*time.Millisecond)
}

func TestRuntimePermissionRoundTrip(t *testing.T) {
	ts := newTestRelay(t)
	r := startRuntime(t, ts, "tok")
	remote, messages := remoteUser(t, ts, "tok")

	ref := types.EntityRef{Kind: types.EntitySession, ID: r.SessionID()}

	verdict := make(chan bool, 1)
	go func() {
		verdict <- r.askPermission(context.Background(), "perm-1", "Bash", []byte(`{"command":"ls"}`))
	}()

	req := waitMessage(t, messages, func(m types.MessageContent) bool {
		return m.Kind == types.MessageAgentEvent && m.Event != nil &&
			m.Event.Type == types.AgentEventPermission
	})
	require.Equal(t, "perm-1", req.Event.RequestID)
	require.Equal(t, "Bash", req.Event.ToolName)

	raw, err := remote.InvokeRPC(context.Background(), ref, "permission-response",
		map[string]any{"requestID": "perm-1", "allowed": true}, 2*time.Second)
	require.NoError(t, err)
	var resp map[string]bool
	require.NoError(t, json.Unmarshal(raw, &resp))
	require.True(t, resp["resolved"])

	select {
	case allowed := <-verdict:
		require.True(t, allowed)
	case <-time.After(2 * time.Second):
		t.Fatal("permission never resolved")
	}
}
