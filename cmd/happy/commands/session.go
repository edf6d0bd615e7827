package commands

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/happy-coder/happy/internal/config"
	"github.com/happy-coder/happy/internal/crypto"
	"github.com/happy-coder/happy/internal/daemon"
	"github.com/happy-coder/happy/internal/logging"
	"github.com/happy-coder/happy/internal/permission"
	"github.com/happy-coder/happy/internal/session"
	"github.com/happy-coder/happy/internal/sync"
	"github.com/happy-coder/happy/pkg/types"
)

var codexCmd = &cobra.Command{
	Use:   "codex",
	Short: "Start a Codex session",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSession(cmd, types.FlavorCodex)
	},
}

var geminiCmd = &cobra.Command{
	Use:   "gemini",
	Short: "Start a Gemini session",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSession(cmd, types.FlavorGemini)
	},
}

// loadIdentity resolves credentials, creating them on first run. The
// bearer token and the message key both derive from the master secret,
// so the same secret lands on the same account from any device.
func loadIdentity(paths *config.Paths, cfg *config.Config) (*crypto.Credentials, *crypto.Cipher, string, error) {
	creds, err := crypto.LoadCredentials(paths.Credentials)
	if errors.Is(err, crypto.ErrNoCredentials) {
		var master []byte
		if cfg.MasterSecret != "" {
			master = []byte(cfg.MasterSecret)
		} else {
			master, err = crypto.NewMasterKey()
			if err != nil {
				return nil, nil, "", err
			}
		}
		creds = &crypto.Credentials{MasterKey: master}
	} else if err != nil {
		return nil, nil, "", err
	}

	tokenKey, err := crypto.DeriveKey(creds.MasterKey, "auth")
	if err != nil {
		return nil, nil, "", err
	}
	token := hex.EncodeToString(tokenKey)

	msgKey, err := crypto.DeriveKey(creds.MasterKey, "update")
	if err != nil {
		return nil, nil, "", err
	}
	cipher, err := crypto.NewCipher(msgKey)
	if err != nil {
		return nil, nil, "", err
	}
	return creds, cipher, token, nil
}

func runSession(cmd *cobra.Command, flavor types.Flavor) error {
	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return err
	}
	cfg, err := config.Load(paths)
	if err != nil {
		return err
	}

	level := cfg.LogLevel
	if flagLogLevel != "" {
		level = flagLogLevel
	}
	logFile, err := logging.InitFile(paths.Logs, logging.ParseLevel(level))
	if err != nil {
		return err
	}
	defer logFile.Close()

	creds, cipher, token, err := loadIdentity(paths, cfg)
	if err != nil {
		return err
	}

	api := sync.NewAPI(cfg.ServerURL, token)
	accountID, err := api.Auth(cmd.Context())
	if err != nil {
		if errors.Is(err, types.ErrAuth) {
			return &ExitError{Code: exitAuth, Err: fmt.Errorf("authentication failed: %w", err)}
		}
		return &ExitError{Code: exitUnreachable, Err: fmt.Errorf("relay unreachable at %s: %w", cfg.ServerURL, err)}
	}
	if creds.AccountID == "" {
		creds.AccountID = accountID
		creds.Token = token
		if err := crypto.SaveCredentials(paths.Credentials, creds); err != nil {
			return err
		}
	}

	workDir := flagDirectory
	if workDir == "" {
		if workDir, err = os.Getwd(); err != nil {
			return err
		}
	}

	mode := permission.Mode(cfg.PermissionMode)
	if flagPermissionMode != "" {
		mode = permission.Mode(flagPermissionMode)
	}
	if !mode.Valid() {
		return fmt.Errorf("unknown permission mode %q", mode)
	}
	model := cfg.ModelFor(flavor)
	if flagModel != "" {
		model = flagModel
	}

	hostname, err := os.Hostname()
	if err != nil {
		return err
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return err
	}

	rt := session.NewRuntime(session.RuntimeConfig{
		Paths:             paths,
		ServerURL:         cfg.ServerURL,
		Token:             token,
		Cipher:            cipher,
		MachineID:         daemon.MachineID(hostname, homeDir),
		Flavor:            flavor,
		WorkDir:           workDir,
		Model:             model,
		Mode:              mode,
		AllowedTools:      flagAllowedTools,
		DisallowedTools:   flagDisallowedTools,
		AutoApprovePlan:   flagAutoApprovePlan || cfg.AutoApprovePlan,
		PermissionTimeout: cfg.PermissionTimeout,
		Tag:               flagTag,
	})

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	go handleSignals(cancel)
	go localInput(ctx, rt)

	fmt.Fprintf(os.Stderr, "happy: session %s in %s\n", rt.Tag(), workDir)
	if err := rt.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func handleSignals(cancel context.CancelFunc) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	cancel()
}

// localInput feeds terminal lines into the session. The first keypress
// claims control: remote viewers see controlledByUser flip before the
// line is even submitted.
func localInput(ctx context.Context, rt *session.Runtime) {
	fd := int(os.Stdin.Fd())
	var prefix []byte
	claimed := false
	if term.IsTerminal(fd) {
		b, ok := readFirstKey(fd)
		if !ok {
			return
		}
		rt.SetControlledByUser(ctx, true)
		claimed = true
		if b != '\r' && b != '\n' {
			prefix = []byte{b}
			os.Stdout.Write(prefix)
		}
	}
	feedLines(ctx, os.Stdin, prefix, claimed,
		func() { rt.SetControlledByUser(ctx, true) },
		rt.SendLocalText)
}

// readFirstKey reads one byte with the terminal in raw mode, so the
// control flip happens on the keypress rather than on Enter. Cooked mode
// is restored for line entry.
func readFirstKey(fd int) (byte, bool) {
	state, err := term.MakeRaw(fd)
	if err != nil {
		return 0, false
	}
	defer term.Restore(fd, state)

	buf := make([]byte, 1)
	n, err := os.Stdin.Read(buf)
	if err != nil || n == 0 {
		return 0, false
	}
	if buf[0] == 0x03 {
		// Raw mode swallows ^C; re-deliver it as the interrupt it was.
		syscall.Kill(os.Getpid(), syscall.SIGINT)
		return 0, false
	}
	return buf[0], true
}

// feedLines pumps newline-terminated input into the session. prefix holds
// a byte already consumed by the raw-mode read and opens the first line;
// claim runs once, before the first submitted line, when control is still
// remote.
func feedLines(ctx context.Context, r io.Reader, prefix []byte, claimed bool, claim func(), send func(string)) {
	scanner := bufio.NewScanner(r)
	first := true
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Text()
		if first {
			line = string(prefix) + line
			first = false
		}
		if line == "" {
			continue
		}
		if !claimed {
			claimed = true
			claim()
		}
		send(line)
	}
}
