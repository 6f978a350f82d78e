package main

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"github.com/veskel/taskpulse/internal/client"
	"github.com/veskel/taskpulse/internal/tui"
)

var demoMode bool

var watchCmd = &cobra.Command{
	Use:   "watch [task-id]",
	Short: "Launch the TUI, optionally straight into a task's stream",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runWatch,
}

func init() {
	watchCmd.Flags().BoolVar(&demoMode, "demo", false, "Start a local replay server if the API is unreachable")
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Engine logs would tear up the alt screen, so the TUI runs silent.
	logger := newLogger(io.Discard)
	cl := newAPIClient(cfg, logger)

	if err := cl.Ping(cmd.Context()); err != nil {
		if !demoMode {
			return fmt.Errorf("server unreachable at %s (try --demo to start a local replay server): %w", cfg.Server, err)
		}
		fmt.Println("⚡ Server unreachable. Starting background replay server...")
		if err := startReplayServer(cfg.Server); err != nil {
			return fmt.Errorf("failed to start replay server: %w", err)
		}
	}

	app := tui.New(cl, streamConfig(cfg), logger)
	if len(args) == 1 {
		app.WatchOnStart(args[0])
	}
	if err := app.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}

// startReplayServer launches "taskpulse replay" detached so it survives
// the TUI's exit, then waits until its API answers.
func startReplayServer(serverURL string) error {
	u, err := url.Parse(serverURL)
	if err != nil {
		return err
	}
	exe, err := os.Executable()
	if err != nil {
		return err
	}

	proc := exec.Command(exe, "replay", "--addr", u.Host)
	configureReplayProc(proc)
	proc.Stdin = nil
	proc.Stdout = nil
	proc.Stderr = nil
	if err := proc.Start(); err != nil {
		return err
	}

	probe := client.New(serverURL, time.Second, newLogger(io.Discard))
	fmt.Print("   Waiting for replay server...")
	for i := 0; i < 20; i++ {
		if probe.Ping(context.Background()) == nil {
			fmt.Println(" ready.")
			return nil
		}
		time.Sleep(250 * time.Millisecond)
		fmt.Print(".")
	}
	fmt.Println(" timeout")
	return fmt.Errorf("replay server not reachable at %s", serverURL)
}
