// Package session implements the CLI session runtime: the message pump
// feeding the assistant child, the shell short-circuit, the child process
// supervisor, the tool-extension and hook servers, and the bridge that
// turns child output into encrypted protocol messages.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"
)

// shellTimeout bounds one short-circuited shell command.
const shellTimeout = 30 * time.Second

// ParseShellCommand recognizes the `$ ...` / `! ...` prefixes that run
// locally instead of reaching the assistant.
func ParseShellCommand(text string) (string, bool) {
	t := strings.TrimSpace(text)
	if len(t) < 2 {
		return "", false
	}
	if t[0] != '$' && t[0] != '!' {
		return "", false
	}
	cmd := strings.TrimSpace(t[1:])
	return cmd, cmd != ""
}

// RunShell executes a short-circuited command in dir with a bounded
// timeout and returns the message body: output fenced as bash, with an
// exit-code footer only when the command failed.
func RunShell(ctx context.Context, dir, command string) string {
	ctx, cancel := context.WithTimeout(ctx, shellTimeout)
	defer cancel()

	var buf bytes.Buffer
	exit := 0

	file, err := syntax.NewParser().Parse(strings.NewReader(command), "")
	if err != nil {
		fmt.Fprintf(&buf, "parse error: %v\n", err)
		exit = 2
	} else {
		runner, rerr := interp.New(
			interp.Dir(dir),
			interp.StdIO(nil, &buf, &buf),
		)
		if rerr != nil {
			fmt.Fprintf(&buf, "shell init failed: %v\n", rerr)
			exit = 1
		} else if rerr := runner.Run(ctx, file); rerr != nil {
			if status, ok := interp.IsExitStatus(rerr); ok {
				exit = int(status)
			} else if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				fmt.Fprintf(&buf, "command timed out after %s\n", shellTimeout)
				exit = 124
			} else {
				fmt.Fprintf(&buf, "%v\n", rerr)
				exit = 1
			}
		}
	}

	return FormatShellResult(command, buf.String(), exit)
}

// FormatShellResult renders a shell run as the agent-text message body.
func FormatShellResult(command, output string, exit int) string {
	var b strings.Builder
	b.WriteString("```bash\n$ ")
	b.WriteString(command)
	b.WriteString("\n")
	b.WriteString(output)
	if output != "" && !strings.HasSuffix(output, "\n") {
		b.WriteString("\n")
	}
	b.WriteString("```")
	if exit != 0 {
		fmt.Fprintf(&b, "\n\n*Exit code: %d*", exit)
	}
	return b.String()
}
