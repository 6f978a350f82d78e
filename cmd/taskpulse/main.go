package main

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/veskel/taskpulse/internal/client"
	"github.com/veskel/taskpulse/internal/config"
	"github.com/veskel/taskpulse/internal/stream"
)

var rootCmd = &cobra.Command{
	Use:   "taskpulse",
	Short: "taskpulse - live terminal client for long-running agent tasks",
	Long: `taskpulse submits prompts to an agent task server and watches them run:
a streaming narrative of agent steps, reconnection when the stream drops,
and interactive answers when the agent asks a question.

Run without arguments to open the interactive TUI.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

var (
	apiAddr    string
	configPath string
	logLevel   string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "", "API server address (overrides config)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	rootCmd.Flags().BoolVar(&demoMode, "demo", false, "Start a local replay server if the API is unreachable")

	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(respondCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig resolves the effective configuration: defaults, then the
// config file, then the --api flag on top.
func loadConfig() (config.Config, error) {
	path := configPath
	if path == "" {
		var err error
		path, err = config.DefaultPath()
		if err != nil {
			return config.Config{}, err
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	if apiAddr != "" {
		cfg.Server = apiAddr
		if err := cfg.Validate(); err != nil {
			return config.Config{}, err
		}
	}
	return cfg, nil
}

func newLogger(w io.Writer) *log.Logger {
	level := logLevel
	if level == "warn" {
		if env := os.Getenv("TASKPULSE_LOG"); env != "" {
			level = env
		}
	}
	lvl, err := log.ParseLevel(level)
	if err != nil {
		lvl = log.WarnLevel
	}
	return log.NewWithOptions(w, log.Options{
		Level:           lvl,
		ReportTimestamp: true,
		TimeFormat:      "15:04:05",
	})
}

func newAPIClient(cfg config.Config, logger *log.Logger) *client.Client {
	return client.New(cfg.Server, cfg.Timeout.Std(), logger)
}

func streamConfig(cfg config.Config) stream.Config {
	return stream.Config{
		MaxRetries: cfg.Stream.MaxRetries,
		RetryDelay: cfg.Stream.RetryDelay.Std(),
		Heartbeat:  cfg.Stream.Heartbeat.Std(),
	}
}
