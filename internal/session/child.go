package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/happy-coder/happy/internal/logging"
	"github.com/happy-coder/happy/internal/permission"
	"github.com/happy-coder/happy/pkg/types"
)

// ChildEventType discriminates parsed child output.
type ChildEventType string

const (
	// ChildInit carries the assistant's internal session ref and model.
	ChildInit ChildEventType = "init"
	// ChildText is one assistant text block.
	ChildText ChildEventType = "text"
	// ChildToolUse is a tool invocation start.
	ChildToolUse ChildEventType = "tool-use"
	// ChildToolResult completes a prior tool invocation.
	ChildToolResult ChildEventType = "tool-result"
	// ChildTurnDone ends a turn and carries cumulative usage.
	ChildTurnDone ChildEventType = "turn-done"
	// ChildLimit reports a rate or context limit from the assistant.
	ChildLimit ChildEventType = "limit"

	// childExit is synthesized when a child process ends; never parsed
	// from output.
	childExit ChildEventType = "exit"
)

// ChildEvent is one parsed line of the child's stream-json output.
type ChildEvent struct {
	Type       ChildEventType
	Text       string
	ToolID     string
	ToolName   string
	Arguments  json.RawMessage
	ToolError  bool
	SessionRef string
	Model      string
	Usage      *types.UsageStats
	// ExitCode accompanies childExit.
	ExitCode int
}

// SpawnConfig describes one child launch.
type SpawnConfig struct {
	Flavor  types.Flavor
	WorkDir string
	Model   string
	Mode    permission.Mode
	// ResumeRef resumes the assistant's internal conversation after a
	// child restart.
	ResumeRef       string
	AllowedTools    []string
	DisallowedTools []string
	// SettingsPath points the child at the generated hook settings file.
	SettingsPath string
	// MCPConfigPath points the child at the generated MCP config for the
	// local tool-extension server.
	MCPConfigPath string
	// ToolServerURL is exported so the child's MCP config can reach the
	// local tool-extension server.
	ToolServerURL string
	Env           map[string]string
	// Binary overrides executable discovery, used by tests.
	Binary string
}

// Child is one running assistant process.
type Child struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	events chan ChildEvent

	done     chan struct{}
	exitOnce sync.Once
	exitCode int
	exitErr  error
}

// binaryFor resolves the executable for a flavor, preferring local
// installs over PATH.
func binaryFor(flavor types.Flavor) (string, error) {
	name := string(flavor)
	home, _ := os.UserHomeDir()
	known := []string{
		filepath.Join(home, ".claude", "local", name),
		filepath.Join(home, ".local", "bin", name),
	}
	for _, p := range known {
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p, nil
		}
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%s not found in PATH or known locations: %w", name, err)
	}
	return path, nil
}

// buildArgs assembles the non-interactive streaming invocation per flavor.
func buildArgs(cfg SpawnConfig) []string {
	switch cfg.Flavor {
	case types.FlavorClaude:
		args := []string{
			"--print",
			"--input-format", "stream-json",
			"--output-format", "stream-json",
			"--verbose",
		}
		if cfg.Model != "" {
			args = append(args, "--model", cfg.Model)
		}
		if cfg.ResumeRef != "" {
			args = append(args, "--resume", cfg.ResumeRef)
		}
		if cfg.Mode != "" {
			args = append(args, "--permission-mode", string(cfg.Mode))
		}
		if len(cfg.AllowedTools) > 0 {
			args = append(args, "--allowed-tools", strings.Join(cfg.AllowedTools, ","))
		}
		if len(cfg.DisallowedTools) > 0 {
			args = append(args, "--disallowed-tools", strings.Join(cfg.DisallowedTools, ","))
		}
		if cfg.SettingsPath != "" {
			args = append(args, "--settings", cfg.SettingsPath)
		}
		if cfg.MCPConfigPath != "" {
			args = append(args, "--mcp-config", cfg.MCPConfigPath)
		}
		return args
	case types.FlavorCodex:
		args := []string{"exec", "--json"}
		if cfg.Model != "" {
			args = append(args, "--model", cfg.Model)
		}
		if cfg.WorkDir != "" {
			args = append(args, "--cd", cfg.WorkDir)
		}
		return args
	case types.FlavorGemini:
		args := []string{"--output-format", "stream-json"}
		if cfg.Model != "" {
			args = append(args, "--model", cfg.Model)
		}
		return args
	}
	return nil
}

// Spawn starts the assistant child with its stdio wired for streaming.
// The child inherits the parent environment plus cfg.Env.
func Spawn(ctx context.Context, cfg SpawnConfig) (*Child, error) {
	binary := cfg.Binary
	if binary == "" {
		found, err := binaryFor(cfg.Flavor)
		if err != nil {
			return nil, err
		}
		binary = found
	}

	cmd := exec.CommandContext(ctx, binary, buildArgs(cfg)...)
	cmd.Dir = cfg.WorkDir
	cmd.Env = os.Environ()
	if cfg.ToolServerURL != "" {
		cmd.Env = append(cmd.Env, "HAPPY_TOOL_SERVER_URL="+cfg.ToolServerURL)
	}
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		return nil, fmt.Errorf("start %s: %w", binary, err)
	}
	logging.Info().Str("flavor", string(cfg.Flavor)).Int("pid", cmd.Process.Pid).Msg("assistant child started")

	c := &Child{
		cmd:    cmd,
		stdin:  stdin,
		events: make(chan ChildEvent, 64),
		done:   make(chan struct{}),
	}

	go c.readStdout(stdout)
	go drainStderr(stderr)
	go func() {
		err := cmd.Wait()
		c.exitOnce.Do(func() {
			c.exitErr = err
			if exit, ok := err.(*exec.ExitError); ok {
				c.exitCode = exit.ExitCode()
			} else if err != nil {
				c.exitCode = -1
			}
			close(c.done)
		})
	}()
	return c, nil
}

// Events streams parsed child output. Closed when stdout ends.
func (c *Child) Events() <-chan ChildEvent { return c.events }

// Done is closed when the process exits.
func (c *Child) Done() <-chan struct{} { return c.done }

// ExitCode is valid after Done is closed. -1 means the process died
// without a normal exit status.
func (c *Child) ExitCode() int {
	<-c.done
	return c.exitCode
}

// PID returns the child process id.
func (c *Child) PID() int { return c.cmd.Process.Pid }

// Send writes one user message to the child's stdin in stream-json form.
func (c *Child) Send(text string) error {
	msg := map[string]any{
		"type": "user",
		"message": map[string]any{
			"role": "user",
			"content": []map[string]any{
				{"type": "text", "text": text},
			},
		},
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if _, err := c.stdin.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("write to child: %w", err)
	}
	return nil
}

// Stop closes stdin and waits up to grace before killing the process.
func (c *Child) Stop(grace time.Duration) int {
	c.stdin.Close()
	select {
	case <-c.done:
	case <-time.After(grace):
		c.cmd.Process.Kill()
		<-c.done
	}
	return c.exitCode
}

// streamLine is the superset of line shapes the child emits.
type streamLine struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	SessionID string `json:"session_id,omitempty"`
	Model     string `json:"model,omitempty"`

	Message *struct {
		Model   string `json:"model,omitempty"`
		Content []struct {
			Type      string          `json:"type"`
			Text      string          `json:"text,omitempty"`
			ID        string          `json:"id,omitempty"`
			Name      string          `json:"name,omitempty"`
			Input     json.RawMessage `json:"input,omitempty"`
			ToolUseID string          `json:"tool_use_id,omitempty"`
			Content   json.RawMessage `json:"content,omitempty"`
			IsError   bool            `json:"is_error,omitempty"`
		} `json:"content"`
	} `json:"message,omitempty"`

	Usage *struct {
		InputTokens         int64 `json:"input_tokens"`
		OutputTokens        int64 `json:"output_tokens"`
		CacheReadTokens     int64 `json:"cache_read_input_tokens"`
		CacheCreationTokens int64 `json:"cache_creation_input_tokens"`
	} `json:"usage,omitempty"`
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
}

// readStdout parses stream-json lines into ChildEvents. Unparseable lines
// are logged and skipped.
func (c *Child) readStdout(r io.Reader) {
	defer close(c.events)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] != '{' {
			continue
		}
		var sl streamLine
		if err := json.Unmarshal([]byte(line), &sl); err != nil {
			logging.Debug().Err(err).Msg("unparseable child line")
			continue
		}
		for _, ev := range parseLine(sl) {
			c.events <- ev
		}
	}
}

func parseLine(sl streamLine) []ChildEvent {
	switch sl.Type {
	case "system":
		switch sl.Subtype {
		case "init":
			return []ChildEvent{{Type: ChildInit, SessionRef: sl.SessionID, Model: sl.Model}}
		case "limit_reached":
			return []ChildEvent{{Type: ChildLimit}}
		}
	case "assistant":
		if sl.Message == nil {
			return nil
		}
		var out []ChildEvent
		for _, block := range sl.Message.Content {
			switch block.Type {
			case "text":
				if block.Text != "" {
					out = append(out, ChildEvent{Type: ChildText, Text: block.Text, Model: sl.Message.Model})
				}
			case "tool_use":
				out = append(out, ChildEvent{
					Type:      ChildToolUse,
					ToolID:    block.ID,
					ToolName:  block.Name,
					Arguments: block.Input,
				})
			}
		}
		return out
	case "user":
		if sl.Message == nil {
			return nil
		}
		var out []ChildEvent
		for _, block := range sl.Message.Content {
			if block.Type == "tool_result" {
				out = append(out, ChildEvent{
					Type:      ChildToolResult,
					ToolID:    block.ToolUseID,
					Text:      toolResultText(block.Content),
					ToolError: block.IsError,
				})
			}
		}
		return out
	case "result":
		ev := ChildEvent{Type: ChildTurnDone, SessionRef: sl.SessionID}
		if sl.Usage != nil {
			ev.Usage = &types.UsageStats{
				InputTokens:  sl.Usage.InputTokens,
				OutputTokens: sl.Usage.OutputTokens,
				CacheTokens:  sl.Usage.CacheReadTokens + sl.Usage.CacheCreationTokens,
				CostCents:    int64(sl.TotalCostUSD * 100),
			}
		}
		return []ChildEvent{ev}
	}
	return nil
}

// toolResultText flattens a tool result which may be a plain string or a
// list of content blocks.
func toolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if json.Unmarshal(raw, &blocks) == nil {
		var parts []string
		for _, b := range blocks {
			if b.Type == "text" && b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return string(raw)
}

func drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			logging.Debug().Str("stream", "stderr").Msg(line)
		}
	}
}
