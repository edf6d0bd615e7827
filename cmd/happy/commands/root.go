// Package commands provides the CLI commands for Happy.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/happy-coder/happy/pkg/types"
)

var (
	// Version information set at build time.
	Version   = "0.1.0"
	BuildTime = "dev"
)

// Session flags shared by the flavor commands.
var (
	flagModel           string
	flagPermissionMode  string
	flagDirectory       string
	flagTag             string
	flagAllowedTools    []string
	flagDisallowedTools []string
	flagAutoApprovePlan bool
	flagLogLevel        string
)

// ExitError carries a process exit code through cobra.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }
func (e *ExitError) Unwrap() error { return e.Err }

// Exit codes: 1 generic, 2 authentication, 3 relay unreachable.
const (
	exitGeneric     = 1
	exitAuth        = 2
	exitUnreachable = 3
)

var rootCmd = &cobra.Command{
	Use:   "happy",
	Short: "Happy - remote-controlled coding assistant sessions",
	Long: `Happy wraps a coding assistant (Claude by default) in a session that
mirrors to your other devices through an end-to-end encrypted relay.
Messages typed on a phone reach the assistant here; everything the
assistant does streams back.

Run 'happy' in a project directory to start a Claude session, or use the
codex/gemini subcommands for the other assistants.`,
	Version:      Version,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSession(cmd, types.FlavorClaude)
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagModel, "model", "", "Model override for the assistant")
	pf.StringVar(&flagPermissionMode, "permission-mode", "", "Permission mode (default|accept-edits|plan|bypass)")
	pf.StringVar(&flagDirectory, "directory", "", "Working directory (defaults to cwd)")
	pf.StringVar(&flagTag, "tag", "", "Session tag (generated when empty)")
	pf.StringSliceVar(&flagAllowedTools, "allowed-tools", nil, "Tool patterns approved without asking")
	pf.StringSliceVar(&flagDisallowedTools, "disallowed-tools", nil, "Tool patterns always denied")
	pf.BoolVar(&flagAutoApprovePlan, "auto-approve-plan", false, "Approve plan-mode exits locally")
	pf.StringVar(&flagLogLevel, "log-level", "", "Log level (DEBUG|INFO|WARN|ERROR)")

	rootCmd.SetVersionTemplate(fmt.Sprintf("happy %s (%s)\n", Version, BuildTime))

	rootCmd.AddCommand(codexCmd)
	rootCmd.AddCommand(geminiCmd)
	rootCmd.AddCommand(authCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
