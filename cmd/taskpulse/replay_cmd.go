package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/veskel/taskpulse/internal/replay"
	"github.com/veskel/taskpulse/internal/store"
)

var (
	replayAddr   string
	replayDB     string
	replayScript string
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Run the scripted replay server",
	Long: `Runs a local task server that replays YAML playbooks over the same
HTTP+SSE contract as the real agent server. Useful for demos and for
developing against deterministic streams.`,
	Args: cobra.NoArgs,
	RunE: runReplay,
}

func init() {
	home, _ := os.UserHomeDir()
	defaultDB := filepath.Join(home, ".taskpulse", "replay.db")

	replayCmd.Flags().StringVar(&replayAddr, "addr", "127.0.0.1:5172", "Listen address")
	replayCmd.Flags().StringVar(&replayDB, "db", defaultDB, "Path to SQLite database")
	replayCmd.Flags().StringVar(&replayScript, "script", "", "Playbook file or directory (default: built-in demo)")
}

func runReplay(cmd *cobra.Command, args []string) error {
	logger := newLogger(os.Stderr)

	st, err := store.New(replayDB)
	if err != nil {
		return err
	}

	var books []replay.Playbook
	if replayScript != "" {
		books, err = loadPlaybooks(replayScript)
		if err != nil {
			st.Close()
			return err
		}
		logger.Info("loaded playbooks", "count", len(books), "from", replayScript)
	}

	runner := replay.NewRunner(st, books, logger)
	server := replay.NewServer(st, runner, replayAddr, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serverErr := make(chan error, 1)
	go func() {
		err := server.Start()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()
	logger.Info("replay server listening", "addr", replayAddr, "db", replayDB)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serverErr:
		if err != nil {
			st.Close()
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "error", err)
	}
	if err := st.Close(); err != nil {
		logger.Error("store close", "error", err)
	}
	return nil
}

func loadPlaybooks(path string) ([]replay.Playbook, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return replay.LoadDir(path)
	}
	book, err := replay.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return []replay.Playbook{book}, nil
}
