package session

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"

	"github.com/happy-coder/happy/internal/permission"
	"github.com/happy-coder/happy/pkg/types"
)

func TestParseShellCommand(t *testing.T) {
	tests := []struct {
		in   string
		cmd  string
		ok   bool
	}{
		{"$ echo hi", "echo hi", true},
		{"! ls -la", "ls -la", true},
		{"$echo hi", "echo hi", true},
		{"  $ echo hi  ", "echo hi", true},
		{"$", "", false},
		{"$ ", "", false},
		{"hello", "", false},
		{"what is $HOME", "", false},
	}
	for _, tt := range tests {
		cmd, ok := ParseShellCommand(tt.in)
		require.Equal(t, tt.ok, ok, "input %q", tt.in)
		if ok {
			require.Equal(t, tt.cmd, cmd)
		}
	}
}

func TestRunShellSuccessHasNoFooter(t *testing.T) {
	out := RunShell(context.Background(), t.TempDir(), "echo hi")
	require.Equal(t, "```bash\n$ echo hi\nhi\n```", out)
	require.NotContains(t, out, "Exit code")
}

func TestRunShellFailureCarriesExitCode(t *testing.T) {
	out := RunShell(context.Background(), t.TempDir(), "exit 3")
	require.True(t, strings.HasSuffix(out, "*Exit code: 3*"), "got %q", out)
}

func TestRunShellRunsInDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "probe.txt"), []byte("x"), 0o644))
	out := RunShell(context.Background(), dir, "ls")
	require.Contains(t, out, "probe.txt")
}

func fp(mode permission.Mode, model string) Fingerprint {
	return Fingerprint{PermissionMode: mode, Model: model}
}

func TestPumpCoalescesSameFingerprint(t *testing.T) {
	p := NewPump()
	p.Push("one", fp(permission.ModeDefault, "m1"))
	p.Push("two", fp(permission.ModeDefault, "m1"))
	p.Push("three", fp(permission.ModeDefault, "m1"))

	batch, err := p.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"one", "two", "three"}, batch.Messages)
	require.False(t, batch.Isolated)
	require.Zero(t, p.Len())
}

func TestPumpFingerprintChangeSplitsBatch(t *testing.T) {
	p := NewPump()
	p.Push("one", fp(permission.ModeDefault, "m1"))
	p.Push("two", fp(permission.ModePlan, "m1"))
	p.Push("three", fp(permission.ModePlan, "m1"))

	first, err := p.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"one"}, first.Messages)
	require.Equal(t, permission.ModeDefault, first.Fingerprint.PermissionMode)

	second, err := p.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"two", "three"}, second.Messages)
	require.Equal(t, permission.ModePlan, second.Fingerprint.PermissionMode)
}

func TestPumpClearDiscardsQueued(t *testing.T) {
	p := NewPump()
	p.Push("one", fp(permission.ModeDefault, "m1"))
	p.Push("two", fp(permission.ModeDefault, "m1"))
	p.Push("three", fp(permission.ModeDefault, "m1"))

	dropped := p.Push("/clear", fp(permission.ModeDefault, "m1"))
	require.Equal(t, 3, dropped)

	batch, err := p.Next(context.Background())
	require.NoError(t, err)
	require.True(t, batch.Isolated)
	require.Equal(t, []string{"/clear"}, batch.Messages)
	require.Zero(t, p.Len())
}

func TestPumpCompactFlushesAlone(t *testing.T) {
	p := NewPump()
	p.Push("/compact", fp(permission.ModeDefault, "m1"))
	p.Push("after", fp(permission.ModeDefault, "m1"))

	first, err := p.Next(context.Background())
	require.NoError(t, err)
	require.True(t, first.Isolated)
	require.Equal(t, []string{"/compact"}, first.Messages)

	second, err := p.Next(context.Background())
	require.NoError(t, err)
	require.False(t, second.Isolated)
	require.Equal(t, []string{"after"}, second.Messages)
}

func TestPumpNextBlocksUntilPush(t *testing.T) {
	p := NewPump()
	got := make(chan *Batch, 1)
	go func() {
		b, err := p.Next(context.Background())
		if err == nil {
			got <- b
		}
	}()

	time.Sleep(20 * time.Millisecond)
	p.Push("late", fp(permission.ModeDefault, "m1"))

	select {
	case b := <-got:
		require.Equal(t, []string{"late"}, b.Messages)
	case <-time.After(2 * time.Second):
		t.Fatal("Next never woke up")
	}
}

func TestDiffSummary(t *testing.T) {
	require.Equal(t, "a.txt unchanged", DiffSummary("a.txt", "same\n", "same\n"))
	require.Equal(t, "Created a.txt (+2 lines)", DiffSummary("a.txt", "", "one\ntwo\n"))

	out := DiffSummary("a.txt", "one\ntwo\n", "one\nthree\n")
	require.Equal(t, "Updated a.txt (+1 -1 lines)", out)
}

func TestSpoolReplayInOrder(t *testing.T) {
	s := NewSpool(filepath.Join(t.TempDir(), "spool.json"))
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Append(types.UpdatePayload{LocalID: id, Channel: types.ChannelMessage}))
	}
	require.Equal(t, 3, s.Len())

	var seen []string
	n, err := s.Replay(func(p types.UpdatePayload) error {
		seen = append(seen, p.LocalID)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.Equal(t, []string{"a", "b", "c"}, seen)
	require.Zero(t, s.Len())
}

func TestSpoolReplayFailureKeepsTail(t *testing.T) {
	s := NewSpool(filepath.Join(t.TempDir(), "spool.json"))
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Append(types.UpdatePayload{LocalID: id}))
	}

	n, err := s.Replay(func(p types.UpdatePayload) error {
		if p.LocalID == "b" {
			return context.DeadlineExceeded
		}
		return nil
	})
	require.Error(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 2, s.Len())

	var seen []string
	_, err = s.Replay(func(p types.UpdatePayload) error {
		seen = append(seen, p.LocalID)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"b", "c"}, seen)
}

func parseStreamLine(t *testing.T, raw string) []ChildEvent {
	t.Helper()
	var sl streamLine
	require.NoError(t, json.Unmarshal([]byte(raw), &sl))
	return parseLine(sl)
}

func TestParseLineInit(t *testing.T) {
	evs := parseStreamLine(t, `{"type":"system","subtype":"init","session_id":"ref-1","model":"m"}`)
	require.Len(t, evs, 1)
	require.Equal(t, ChildInit, evs[0].Type)
	require.Equal(t, "ref-1", evs[0].SessionRef)
	require.Equal(t, "m", evs[0].Model)
}

func TestParseLineAssistantBlocks(t *testing.T) {
	evs := parseStreamLine(t, `{"type":"assistant","message":{"content":[
		{"type":"text","text":"thinking about it"},
		{"type":"tool_use","id":"tu-1","name":"Bash","input":{"command":"ls"}}
	]}}`)
	require.Len(t, evs, 2)
	require.Equal(t, ChildText, evs[0].Type)
	require.Equal(t, "thinking about it", evs[0].Text)
	require.Equal(t, ChildToolUse, evs[1].Type)
	require.Equal(t, "tu-1", evs[1].ToolID)
	require.Equal(t, "Bash", evs[1].ToolName)
}

func TestParseLineToolResult(t *testing.T) {
	evs := parseStreamLine(t, `{"type":"user","message":{"content":[
		{"type":"tool_result","tool_use_id":"tu-1","content":[{"type":"text","text":"done"}],"is_error":false}
	]}}`)
	require.Len(t, evs, 1)
	require.Equal(t, ChildToolResult, evs[0].Type)
	require.Equal(t, "tu-1", evs[0].ToolID)
	require.Equal(t, "done", evs[0].Text)
	require.False(t, evs[0].ToolError)
}

func TestParseLineResultUsage(t *testing.T) {
	evs := parseStreamLine(t, `{"type":"result","session_id":"ref-1",
		"usage":{"input_tokens":10,"output_tokens":20,"cache_read_input_tokens":5},
		"total_cost_usd":0.42}`)
	require.Len(t, evs, 1)
	require.Equal(t, ChildTurnDone, evs[0].Type)
	require.NotNil(t, evs[0].Usage)
	require.Equal(t, int64(10), evs[0].Usage.InputTokens)
	require.Equal(t, int64(20), evs[0].Usage.OutputTokens)
	require.Equal(t, int64(5), evs[0].Usage.CacheTokens)
	require.Equal(t, int64(42), evs[0].Usage.CostCents)
}

func TestBuildArgsClaude(t *testing.T) {
	args := buildArgs(SpawnConfig{
		Flavor:          types.FlavorClaude,
		Model:           "opus",
		Mode:            permission.ModePlan,
		ResumeRef:       "ref-9",
		AllowedTools:    []string{"Read", "LS"},
		DisallowedTools: []string{"Bash"},
		SettingsPath:    "/tmp/s.json",
		MCPConfigPath:   "/tmp/m.json",
	})
	joined := strings.Join(args, " ")
	require.Contains(t, joined, "--output-format stream-json")
	require.Contains(t, joined, "--model opus")
	require.Contains(t, joined, "--resume ref-9")
	require.Contains(t, joined, "--permission-mode plan")
	require.Contains(t, joined, "--allowed-tools Read,LS")
	require.Contains(t, joined, "--disallowed-tools Bash")
	require.Contains(t, joined, "--settings /tmp/s.json")
	require.Contains(t, joined, "--mcp-config /tmp/m.json")
}

func callRequest(name string, args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return text.Text
}

func TestToolServerReadWrite(t *testing.T) {
	dir := t.TempDir()
	ts := NewToolServer(dir, func() permission.Policy {
		return permission.Policy{Mode: permission.ModeBypass}
	}, nil)

	res, err := ts.handleWrite(context.Background(), callRequest("write_file", map[string]any{
		"path":    "notes.txt",
		"content": "first\nsecond\n",
	}))
	require.NoError(t, err)
	require.Equal(t, "Created notes.txt (+2 lines)", resultText(t, res))

	res, err = ts.handleRead(context.Background(), callRequest("read_file", map[string]any{
		"path": "notes.txt",
	}))
	require.NoError(t, err)
	require.Equal(t, "first\nsecond\n", resultText(t, res))
}

func TestToolServerRejectsEscape(t *testing.T) {
	ts := NewToolServer(t.TempDir(), func() permission.Policy {
		return permission.Policy{Mode: permission.ModeBypass}
	}, nil)

	res, err := ts.handleRead(context.Background(), callRequest("read_file", map[string]any{
		"path": "../outside.txt",
	}))
	require.NoError(t, err)
	require.True(t, res.IsError)
}

func TestToolServerGateDenies(t *testing.T) {
	ts := NewToolServer(t.TempDir(), func() permission.Policy {
		return permission.Policy{Mode: permission.ModePlan}
	}, nil)

	handler := ts.gate("Bash", ts.handleBash)
	res, err := handler(context.Background(), callRequest("bash", map[string]any{
		"command": "echo hi",
	}))
	require.NoError(t, err)
	require.True(t, res.IsError)
}

func TestToolServerGateAsks(t *testing.T) {
	asked := make(chan string, 1)
	ts := NewToolServer(t.TempDir(), func() permission.Policy {
		return permission.Policy{Mode: permission.ModeDefault}
	}, func(ctx context.Context, id, tool string, arguments []byte) bool {
		asked <- tool
		return true
	})

	handler := ts.gate("Bash", ts.handleBash)
	res, err := handler(context.Background(), callRequest("bash", map[string]any{
		"command": "echo hi",
	}))
	require.NoError(t, err)
	require.False(t, res.IsError)
	require.Equal(t, "Bash", <-asked)
	require.Contains(t, resultText(t, res), "hi")
}

func httpPost(url string, body io.Reader) (int, error) {
	resp, err := http.Post(url, "application/json", body)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}

func TestHookServerDeliversEvents(t *testing.T) {
	h := NewHookServer()
	url, stop, err := h.Serve(context.Background())
	require.NoError(t, err)
	defer stop()

	body := strings.NewReader(`{"kind":"session-start","sessionRef":"ref-2"}`)
	resp, err := httpPost(url+"/v1/hook", body)
	require.NoError(t, err)
	require.Equal(t, 204, resp)

	select {
	case ev := <-h.Events():
		require.Equal(t, "session-start", ev.Kind)
		require.Equal(t, "ref-2", ev.SessionRef)
	case <-time.After(2 * time.Second):
		t.Fatal("hook never arrived")
	}
}

func TestWriteHookSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, WriteHookSettings(path, "http://127.0.0.1:1234"))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var settings map[string]any
	require.NoError(t, json.Unmarshal(raw, &settings))
	require.Contains(t, string(raw), "SessionStart")
	require.Contains(t, string(raw), "http://127.0.0.1:1234/v1/hook")
}
