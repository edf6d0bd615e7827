package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/happy-coder/happy/internal/logging"
	"github.com/happy-coder/happy/internal/permission"
)

// maxToolFileSize bounds what the read/write tools will touch.
const maxToolFileSize = 10 << 20

// PolicyFunc returns the session's current permission policy. The policy
// can change mid-session through a switch-mode, so tools resolve it per
// call.
type PolicyFunc func() permission.Policy

// AskFunc surfaces a tool call to the user and blocks for the verdict.
type AskFunc func(ctx context.Context, id, tool string, arguments []byte) bool

// ToolServer exposes local file and shell tools to the assistant child
// over MCP, gated by the session's permission policy.
type ToolServer struct {
	workDir string
	policy  PolicyFunc
	ask     AskFunc
	mcp     *server.MCPServer
}

// NewToolServer builds the MCP server and registers the tool set.
func NewToolServer(workDir string, policy PolicyFunc, ask AskFunc) *ToolServer {
	ts := &ToolServer{
		workDir: workDir,
		policy:  policy,
		ask:     ask,
		mcp: server.NewMCPServer(
			"happy-tools",
			"1.0.0",
			server.WithToolCapabilities(true),
		),
	}

	readTool := mcp.NewTool("read_file",
		mcp.WithDescription("Read a file relative to the session working directory"),
		mcp.WithString("path",
			mcp.Required(),
			mcp.Description("File path to read"),
		),
	)
	ts.mcp.AddTool(readTool, ts.gate("Read", ts.handleRead))

	writeTool := mcp.NewTool("write_file",
		mcp.WithDescription("Write a file relative to the session working directory"),
		mcp.WithString("path",
			mcp.Required(),
			mcp.Description("File path to write"),
		),
		mcp.WithString("content",
			mcp.Required(),
			mcp.Description("Full new file content"),
		),
	)
	ts.mcp.AddTool(writeTool, ts.gate("Write", ts.handleWrite))

	bashTool := mcp.NewTool("bash",
		mcp.WithDescription("Run a shell command in the session working directory"),
		mcp.WithString("command",
			mcp.Required(),
			mcp.Description("Command to run"),
		),
	)
	ts.mcp.AddTool(bashTool, ts.gate("Bash", ts.handleBash))

	listTool := mcp.NewTool("list_files",
		mcp.WithDescription("List directory entries relative to the session working directory"),
		mcp.WithString("path",
			mcp.Description("Directory to list, defaults to the working directory"),
		),
	)
	ts.mcp.AddTool(listTool, ts.gate("LS", ts.handleList))

	return ts
}

// Serve binds a loopback listener and serves the MCP streamable HTTP
// transport on it. Returns the base URL the child should connect to.
func (ts *ToolServer) Serve(ctx context.Context) (string, func(), error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", nil, fmt.Errorf("tool server listen: %w", err)
	}

	httpSrv := &http.Server{
		Handler:           server.NewStreamableHTTPServer(ts.mcp),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logging.Error().Err(err).Msg("tool server stopped")
		}
	}()

	url := fmt.Sprintf("http://%s", ln.Addr().String())
	shutdown := func() {
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpSrv.Shutdown(shCtx)
	}
	logging.Debug().Str("url", url).Msg("tool server listening")
	return url, shutdown, nil
}

// gate wraps a handler with the permission policy. Ask decisions block on
// the user; deny and timeout both fail the tool call.
func (ts *ToolServer) gate(tool string, handler server.ToolHandlerFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		switch ts.policy().Evaluate(tool) {
		case permission.Allow:
		case permission.Deny:
			return mcp.NewToolResultError(fmt.Sprintf("%s is not permitted in the current mode", tool)), nil
		case permission.Ask:
			if ts.ask == nil {
				return mcp.NewToolResultError(fmt.Sprintf("%s requires approval but no approver is attached", tool)), nil
			}
			args, _ := json.Marshal(request.GetArguments())
			if !ts.ask(ctx, uuid.NewString(), tool, args) {
				return mcp.NewToolResultError(fmt.Sprintf("%s was denied", tool)), nil
			}
		}
		return handler(ctx, request)
	}
}

// resolvePath confines tool paths to the working directory.
func (ts *ToolServer) resolvePath(raw string) (string, error) {
	p := raw
	if !filepath.IsAbs(p) {
		p = filepath.Join(ts.workDir, p)
	}
	p = filepath.Clean(p)
	rel, err := filepath.Rel(ts.workDir, p)
	if err != nil || rel == ".." || len(rel) > 2 && rel[:3] == ".."+string(filepath.Separator) {
		return "", fmt.Errorf("path %q escapes the working directory", raw)
	}
	return p, nil
}

func (ts *ToolServer) handleRead(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := request.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	full, err := ts.resolvePath(path)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	info, err := os.Stat(full)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if info.Size() > maxToolFileSize {
		return mcp.NewToolResultError(fmt.Sprintf("%s is too large (%d bytes)", path, info.Size())), nil
	}
	raw, err := os.ReadFile(full)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(raw)), nil
}

func (ts *ToolServer) handleWrite(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := request.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	content, err := request.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	full, err := ts.resolvePath(path)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var old string
	if raw, rerr := os.ReadFile(full); rerr == nil {
		old = string(raw)
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(DiffSummary(path, old, content)), nil
}

func (ts *ToolServer) handleBash(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	command, err := request.RequireString("command")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(RunShell(ctx, ts.workDir, command)), nil
}

func (ts *ToolServer) handleList(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path := request.GetString("path", ".")
	full, err := ts.resolvePath(path)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	out := ""
	for _, n := range names {
		out += n + "\n"
	}
	return mcp.NewToolResultText(out), nil
}

// DiffSummary reports a write as added/removed line counts, so the
// remote view can show the change without the full content.
func DiffSummary(path, old, updated string) string {
	if old == updated {
		return fmt.Sprintf("%s unchanged", path)
	}
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(old, updated)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	added, removed := 0, 0
	for _, d := range diffs {
		n := countLines(d.Text)
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			added += n
		case diffmatchpatch.DiffDelete:
			removed += n
		}
	}
	if old == "" {
		return fmt.Sprintf("Created %s (+%d lines)", path, added)
	}
	return fmt.Sprintf("Updated %s (+%d -%d lines)", path, added, removed)
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	n := 0
	for _, r := range s {
		if r == '\n' {
			n++
		}
	}
	if s[len(s)-1] != '\n' {
		n++
	}
	return n
}
