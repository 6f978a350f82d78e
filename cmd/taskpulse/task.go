package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/veskel/taskpulse/internal/api"
	"github.com/veskel/taskpulse/internal/client"
	"github.com/veskel/taskpulse/internal/config"
	"github.com/veskel/taskpulse/internal/stream"
)

var followFlag bool

var submitCmd = &cobra.Command{
	Use:   "submit <prompt...>",
	Short: "Submit a task",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSubmit,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

var showCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Show a task snapshot with its steps",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a running task",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

var respondCmd = &cobra.Command{
	Use:   "respond <task-id> <request-id> <answer...>",
	Short: "Answer a pending agent question",
	Args:  cobra.MinimumNArgs(3),
	RunE:  runRespond,
}

func init() {
	submitCmd.Flags().BoolVar(&followFlag, "follow", false, "Stream the task narrative to stdout")
}

func runSubmit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(os.Stderr)
	cl := newAPIClient(cfg, logger)

	prompt := strings.Join(args, " ")
	id, err := cl.SubmitTask(cmd.Context(), prompt)
	if err != nil {
		return err
	}
	fmt.Printf("Task started: %s\n", id)

	if !followFlag {
		return nil
	}
	return followStream(cl, cfg, logger, id)
}

// followStream drives the engine with a plain-text sink until the task
// concludes or the stream is lost. Ctrl+C detaches without cancelling.
func followStream(cl *client.Client, cfg config.Config, logger *log.Logger, taskID string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	type outcome struct {
		status  api.TaskStatus
		message string
		result  string
		err     error
	}

	done := make(chan outcome, 1)
	var result string
	sink := stream.SinkFunc(func(_ context.Context, u stream.Update) {
		switch u := u.(type) {
		case stream.StepUpdate:
			printStepLine(u)
		case stream.StatusUpdate:
			if u.Task.Result != "" {
				result = u.Task.Result
			}
		case stream.PromptUpdate:
			fmt.Printf("[ask_human] %s\n", u.Ask.Question)
			fmt.Printf("    answer with: taskpulse respond %s %s <answer>\n", taskID, u.Ask.RequestID)
		case stream.ConnectionUpdate:
			switch u.State {
			case stream.StateRetrying:
				fmt.Printf("... connection lost, reconnecting (attempt %d)\n", u.Attempt)
			case stream.StateOpen:
				if u.Attempt > 0 {
					fmt.Println("... reconnected, replaying from the start")
				}
			case stream.StateGivenUp:
				done <- outcome{err: fmt.Errorf("stream lost after %d attempts", u.Attempt)}
			}
		case stream.TerminalUpdate:
			done <- outcome{status: u.Status, message: u.Message, result: result}
		}
	})

	ctrl := stream.NewController(cl, sink, streamConfig(cfg), logger)
	defer ctrl.Close()
	ctrl.Start(taskID)

	select {
	case <-ctx.Done():
		fmt.Println("\nDetached. The task keeps running; re-attach with: taskpulse watch " + taskID)
		return nil
	case out := <-done:
		if out.err != nil {
			return out.err
		}
		switch out.status {
		case api.StatusCompleted:
			fmt.Println("✓ Task completed")
			if out.result != "" {
				fmt.Println(out.result)
			}
		case api.StatusFailed:
			msg := out.message
			if msg == "" {
				msg = "no reason given"
			}
			return fmt.Errorf("task failed: %s", msg)
		case api.StatusCancelled:
			fmt.Println("⊘ Task cancelled")
		}
		return nil
	}
}

func printStepLine(u stream.StepUpdate) {
	if u.Hint.Progress != nil {
		fmt.Printf("--- step %d/%d ---\n", u.Hint.Progress.Current, u.Hint.Progress.Total)
		return
	}
	fmt.Printf("[%s] %s\n", u.Step.Type, u.Step.Body())
	if u.Hint.File != nil {
		fmt.Printf("    saved %s: %s\n", u.Hint.File.Kind, u.Hint.File.Path)
	}
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cl := newAPIClient(cfg, newLogger(os.Stderr))

	tasks, err := cl.ListTasks(cmd.Context())
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("No tasks found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tAGE\tPROMPT")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", truncateID(t.ID), t.Status, taskAge(t), truncate(t.Prompt, 60))
	}
	return w.Flush()
}

func runShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cl := newAPIClient(cfg, newLogger(os.Stderr))

	task, err := cl.GetTask(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	fmt.Printf("ID:      %s\n", task.ID)
	fmt.Printf("Prompt:  %s\n", task.Prompt)
	fmt.Printf("Status:  %s\n", task.Status)
	if !task.CreatedAt.IsZero() {
		fmt.Printf("Created: %s\n", task.CreatedAt.Format(time.RFC3339))
	}
	if len(task.Steps) > 0 {
		fmt.Println("\nSteps:")
		for _, step := range task.Steps {
			fmt.Printf("  %2d. [%s] %s\n", step.Seq, step.Type, truncate(step.Body(), 100))
		}
	}
	if task.Result != "" {
		fmt.Println("\nResult:")
		fmt.Println(task.Result)
	}
	if task.Error != "" {
		fmt.Printf("\nError: %s\n", task.Error)
	}
	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cl := newAPIClient(cfg, newLogger(os.Stderr))

	if err := cl.Cancel(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Printf("Cancel requested for %s\n", args[0])
	return nil
}

func runRespond(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cl := newAPIClient(cfg, newLogger(os.Stderr))

	answer := strings.Join(args[2:], " ")
	if err := cl.Respond(cmd.Context(), args[0], args[1], answer); err != nil {
		return err
	}
	fmt.Println("Answer delivered")
	return nil
}

// --- Helpers ---

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func truncateID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func taskAge(t api.Task) string {
	if t.CreatedAt.IsZero() {
		return "-"
	}
	d := time.Since(t.CreatedAt.Time)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh", int(d.Hours()))
	}
}
