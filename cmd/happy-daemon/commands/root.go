// Package commands provides the CLI commands for the Happy daemon.
package commands

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/happy-coder/happy/internal/config"
	"github.com/happy-coder/happy/internal/crypto"
	"github.com/happy-coder/happy/internal/daemon"
	"github.com/happy-coder/happy/internal/logging"
)

// Version information set at build time.
var (
	Version   = "0.1.0"
	BuildTime = "dev"
)

var rootCmd = &cobra.Command{
	Use:     "happy-daemon",
	Short:   "Happy background daemon",
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("happy-daemon %s (%s)\n", Version, BuildTime))
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(logsCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the daemon in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		paths := config.GetPaths()
		if err := paths.EnsurePaths(); err != nil {
			return err
		}
		cfg, err := config.Load(paths)
		if err != nil {
			return err
		}

		logFile, err := logging.InitFile(paths.Logs, logging.ParseLevel(cfg.LogLevel))
		if err != nil {
			return err
		}
		defer logFile.Close()

		creds, err := crypto.LoadCredentials(paths.Credentials)
		if err != nil {
			return fmt.Errorf("no account on this machine, run 'happy auth' first: %w", err)
		}
		tokenKey, err := crypto.DeriveKey(creds.MasterKey, "auth")
		if err != nil {
			return err
		}
		msgKey, err := crypto.DeriveKey(creds.MasterKey, "update")
		if err != nil {
			return err
		}
		cipher, err := crypto.NewCipher(msgKey)
		if err != nil {
			return err
		}

		d, err := daemon.New(daemon.Config{
			Paths:     paths,
			ServerURL: cfg.ServerURL,
			Token:     hex.EncodeToString(tokenKey),
			Cipher:    cipher,
			Version:   Version,
			WatchSelf: true,
		})
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		go func() {
			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			<-quit
			cancel()
		}()

		err = d.Run(ctx)
		if errors.Is(err, daemon.ErrRestartRequested) {
			fmt.Fprintln(os.Stderr, "happy-daemon: binary updated, please restart")
			return nil
		}
		return err
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctl, st, err := daemon.Attach(config.GetPaths().DaemonState)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		if err := ctl.Shutdown(ctx); err != nil {
			return err
		}
		fmt.Printf("stopped daemon (pid %d)\n", st.PID)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctl, _, err := daemon.Attach(config.GetPaths().DaemonState)
		if errors.Is(err, daemon.ErrNotRunning) {
			fmt.Println("daemon not running")
			return nil
		}
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		status, err := ctl.Status(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("pid:       %d\n", status.PID)
		fmt.Printf("machine:   %s\n", status.MachineID)
		fmt.Printf("version:   %s\n", status.Version)
		fmt.Printf("started:   %s\n", time.UnixMilli(status.StartedAt).Format(time.RFC3339))
		fmt.Printf("sessions:  %d\n", status.Sessions)
		return nil
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Print the daemon's recent log output",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctl, _, err := daemon.Attach(config.GetPaths().DaemonState)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		out, err := ctl.Logs(ctx)
		if err != nil {
			return err
		}
		fmt.Print(out)
		return nil
	},
}
