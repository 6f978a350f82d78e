// Package tui provides the interactive terminal UI: a task list, the live
// watch surface with its question modal, and the detail view for finished
// tasks.
package tui

import (
	"context"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"

	"github.com/veskel/taskpulse/internal/api"
	"github.com/veskel/taskpulse/internal/client"
	"github.com/veskel/taskpulse/internal/stream"
)

var (
	// Colors
	primaryColor = lipgloss.Color("#7C3AED")
	successColor = lipgloss.Color("#10B981")
	warningColor = lipgloss.Color("#F59E0B")
	errorColor   = lipgloss.Color("#EF4444")
	mutedColor   = lipgloss.Color("#6B7280")
	fgColor      = lipgloss.Color("#F9FAFB")
	cyanColor    = lipgloss.Color("#06B6D4")

	// Styles
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#374151")).
			Foreground(fgColor).
			Padding(0, 1)

	inputBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(0, 1)

	selectedStyle = lipgloss.NewStyle().
			Background(primaryColor).
			Foreground(fgColor).
			Bold(true).
			Padding(0, 1)

	taskItemStyle = lipgloss.NewStyle().
			Padding(0, 1)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true)

	mutedStyle   = lipgloss.NewStyle().Foreground(mutedColor)
	dividerStyle = lipgloss.NewStyle().Foreground(cyanColor)
	noteStyle    = lipgloss.NewStyle().Foreground(mutedColor).Italic(true)

	stepLabelStyle = lipgloss.NewStyle().Foreground(mutedColor)
	errorTextStyle = lipgloss.NewStyle().Foreground(errorColor)

	pendingStyle  = lipgloss.NewStyle().Foreground(warningColor).Italic(true)
	answeredStyle = lipgloss.NewStyle().Foreground(successColor)
	skippedStyle  = lipgloss.NewStyle().Foreground(mutedColor).Italic(true)

	fileBlockStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(cyanColor).
			Padding(0, 1).
			MarginLeft(4)

	askBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(warningColor).
			Padding(0, 1)

	onlineStyle  = lipgloss.NewStyle().Foreground(successColor).Bold(true)
	offlineStyle = lipgloss.NewStyle().Foreground(errorColor)
)

// App is the main TUI application model.
type App struct {
	client     *client.Client
	ctrl       *stream.Controller
	updates    chan stream.Update
	hb         time.Duration
	maxRetries int

	width  int
	height int
	mode   string // "home", "watch", "detail"

	// home
	tasks       []api.Task
	selectedIdx int
	input       textinput.Model
	serverUp    bool
	loading     bool
	message     string

	// watch
	watchID  string
	entries  []entry
	snapshot *api.Task
	conn     stream.SessionState
	attempt  int
	quiet    time.Duration
	terminal *stream.TerminalUpdate
	lastFile *stream.FileRef
	viewport viewport.Model
	follow   bool
	spinner  spinner.Model

	// ask modal
	ask        *api.AskHumanPayload
	askInput   textinput.Model
	askBusy    bool
	askConfirm bool

	cancelConfirm bool

	// detail
	detail *api.Task

	renderer *glamour.TermRenderer

	// set before Run to jump straight into a stream
	startWatch string
}

// New creates the TUI over an API client and engine config.
func New(cl *client.Client, cfg stream.Config, logger *log.Logger) *App {
	ti := textinput.New()
	ti.Placeholder = "Describe a task and press enter to start it"
	ti.Focus()
	ti.CharLimit = 512
	ti.Width = 80

	ai := textinput.New()
	ai.Placeholder = "Type your answer"
	ai.CharLimit = 512
	ai.Width = 60

	sp := spinner.New(
		spinner.WithSpinner(spinner.MiniDot),
		spinner.WithStyle(lipgloss.NewStyle().Foreground(primaryColor)),
	)

	updates := make(chan stream.Update, 256)
	return &App{
		client:     cl,
		ctrl:       stream.NewController(cl, stream.ChanSink(updates), cfg, logger),
		updates:    updates,
		hb:         cfg.Heartbeat,
		maxRetries: cfg.MaxRetries,
		mode:       "home",
		input:      ti,
		askInput:   ai,
		spinner:    sp,
		viewport:   viewport.New(80, 20),
		follow:     true,
	}
}

// WatchOnStart makes the app open directly on a task's stream.
func (a *App) WatchOnStart(taskID string) {
	a.startWatch = taskID
}

// Run starts the TUI application and blocks until it exits.
func (a *App) Run() error {
	defer a.ctrl.Close()
	p := tea.NewProgram(a, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// Init implements tea.Model
func (a *App) Init() tea.Cmd {
	cmds := []tea.Cmd{
		textinput.Blink,
		a.spinner.Tick,
		a.fetchTasks(),
		a.pingServer(),
		a.waitForUpdate(),
	}
	if a.startWatch != "" {
		a.startWatching(a.startWatch)
	}
	return tea.Batch(cmds...)
}

// Update implements tea.Model
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.input.Width = msg.Width - 6
		a.askInput.Width = msg.Width - 10
		a.viewport.Width = msg.Width
		a.viewport.Height = max(5, msg.Height-7)
		a.renderer = nil
		a.refreshViewport()

	case streamUpdateMsg:
		cmds = append(cmds, a.waitForUpdate())
		a.applyUpdate(msg.update)

	case tasksLoadedMsg:
		a.loading = false
		a.tasks = msg.tasks
		if a.selectedIdx >= len(a.tasks) {
			a.selectedIdx = max(0, len(a.tasks)-1)
		}
		if a.mode == "home" {
			// Schedule the next refresh only after the current fetch
			// has landed.
			cmds = append(cmds, a.tickCmd())
		}

	case tickMsg:
		if a.mode == "home" {
			return a, tea.Batch(a.fetchTasks(), a.pingServer())
		}

	case detailLoadedMsg:
		a.detail = msg.task
		a.mode = "detail"
		a.lastFile = lastFileIn(entriesFromSteps(msg.task.Steps))
		a.refreshViewport()

	case serverStatusMsg:
		a.serverUp = msg.online

	case submittedMsg:
		a.message = "✓ Task started: " + shortID(msg.taskID)
		a.startWatching(msg.taskID)

	case respondDoneMsg:
		a.askBusy = false
		if msg.err != nil {
			// The prompt stays actionable; nothing is retried for the user.
			a.message = "Error: " + msg.err.Error()
		}

	case cancelDoneMsg:
		if msg.err != nil {
			a.message = "Error: " + msg.err.Error()
		} else {
			a.message = "✓ Cancel requested"
		}

	case openedMsg:
		if msg.err != nil {
			a.message = "Error: " + msg.err.Error()
		} else {
			a.message = "✓ Opened " + msg.path
		}

	case errMsg:
		a.loading = false
		a.message = "Error: " + msg.err.Error()

	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		cmds = append(cmds, cmd)
	}

	if a.mode == "home" {
		var cmd tea.Cmd
		a.input, cmd = a.input.Update(msg)
		cmds = append(cmds, cmd)
	}
	if a.ask != nil && !a.askBusy {
		var cmd tea.Cmd
		a.askInput, cmd = a.askInput.Update(msg)
		cmds = append(cmds, cmd)
	}

	return a, tea.Batch(cmds...)
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() == "ctrl+c" {
		// The remote task keeps running; only the viewer exits.
		return a, tea.Quit
	}

	switch a.mode {
	case "watch":
		return a.handleWatchKey(msg)
	case "detail":
		return a.handleDetailKey(msg)
	}
	return a.handleHomeKey(msg)
}

func (a *App) handleHomeKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	typing := a.input.Value() != ""

	switch msg.String() {
	case "esc":
		a.input.Reset()
		a.message = ""
		return a, nil

	case "up":
		if a.selectedIdx > 0 {
			a.selectedIdx--
		}
		return a, nil

	case "down":
		if a.selectedIdx < len(a.tasks)-1 {
			a.selectedIdx++
		}
		return a, nil

	case "enter":
		prompt := strings.TrimSpace(a.input.Value())
		if prompt != "" {
			a.input.Reset()
			a.message = "Submitting..."
			return a, a.submitPrompt(prompt)
		}
		if len(a.tasks) > 0 {
			task := a.tasks[a.selectedIdx]
			if task.Status.Terminal() {
				return a, a.fetchDetail(task.ID)
			}
			a.startWatching(task.ID)
			return a, nil
		}
		return a, nil

	case "r":
		if !typing {
			a.loading = true
			return a, tea.Batch(a.fetchTasks(), a.pingServer())
		}

	case "q":
		if !typing {
			return a, tea.Quit
		}
	}

	var cmd tea.Cmd
	a.input, cmd = a.input.Update(msg)
	return a, cmd
}

func (a *App) handleWatchKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if a.ask != nil {
		return a.handleAskKey(msg)
	}

	confirm := a.cancelConfirm
	a.cancelConfirm = false

	switch msg.String() {
	case "esc":
		// Leaving the watch view stops the local session. The task keeps
		// running server-side and can be re-watched from the list.
		a.ctrl.Stop(a.watchID)
		a.mode = "home"
		a.message = ""
		return a, a.fetchTasks()

	case "c":
		if a.terminal == nil {
			if !confirm {
				a.cancelConfirm = true
				a.message = "Press c again to cancel the task"
				return a, nil
			}
			a.message = "Cancelling..."
			return a, a.cancelTask(a.watchID)
		}

	case "r":
		if a.conn == stream.StateGivenUp {
			a.startWatching(a.watchID)
			return a, nil
		}

	case "o":
		if a.lastFile != nil {
			return a, a.openFile(a.lastFile.Path)
		}

	case "q":
		return a, tea.Quit

	case "up", "down", "pgup", "pgdown", "home", "end":
		var cmd tea.Cmd
		a.viewport, cmd = a.viewport.Update(msg)
		a.follow = a.viewport.AtBottom()
		return a, cmd
	}
	return a, nil
}

func (a *App) handleAskKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if a.askBusy {
		return a, nil
	}

	switch msg.String() {
	case "enter":
		answer := strings.TrimSpace(a.askInput.Value())
		if answer == "" {
			return a, nil
		}
		a.askBusy = true
		a.askConfirm = false
		return a, a.respond(a.watchID, a.ask.RequestID, answer)

	case "ctrl+s":
		a.askBusy = true
		a.askConfirm = false
		return a, a.skip(a.watchID, a.ask.RequestID)

	case "esc":
		if a.askConfirm {
			a.askBusy = true
			a.askConfirm = false
			return a, a.skip(a.watchID, a.ask.RequestID)
		}
		a.askConfirm = true
		return a, nil
	}

	a.askConfirm = false
	var cmd tea.Cmd
	a.askInput, cmd = a.askInput.Update(msg)
	return a, cmd
}

func (a *App) handleDetailKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		a.mode = "home"
		a.detail = nil
		a.message = ""
		return a, a.fetchTasks()

	case "w":
		if a.detail != nil {
			id := a.detail.ID
			a.detail = nil
			a.startWatching(id)
			return a, nil
		}

	case "o":
		if a.lastFile != nil {
			return a, a.openFile(a.lastFile.Path)
		}

	case "up", "down", "pgup", "pgdown", "home", "end":
		var cmd tea.Cmd
		a.viewport, cmd = a.viewport.Update(msg)
		return a, cmd
	}
	return a, nil
}

// startWatching resets the watch surface and opens (or reopens) the
// task's stream.
func (a *App) startWatching(taskID string) {
	a.mode = "watch"
	a.watchID = taskID
	a.entries = nil
	a.snapshot = nil
	a.terminal = nil
	a.lastFile = nil
	a.conn = stream.StateConnecting
	a.attempt = 0
	a.quiet = 0
	a.ask = nil
	a.askBusy = false
	a.askConfirm = false
	a.cancelConfirm = false
	a.follow = true
	a.message = ""
	a.refreshViewport()
	a.ctrl.Start(taskID)
}

// applyUpdate folds one engine update into the model. Updates for tasks
// other than the watched one are dropped; their sessions were superseded.
func (a *App) applyUpdate(u stream.Update) {
	if u.TaskID() != a.watchID {
		return
	}

	switch u := u.(type) {
	case stream.StepUpdate:
		a.quiet = 0
		added := entriesForStep(u.Step, u.Hint)
		a.entries = append(a.entries, added...)
		if u.Hint.File != nil {
			a.lastFile = u.Hint.File
		}

	case stream.StatusUpdate:
		task := u.Task
		a.snapshot = &task

	case stream.TerminalUpdate:
		term := u
		a.terminal = &term
		a.ask = nil
		a.askBusy = false

	case stream.PromptUpdate:
		ask := u.Ask
		if a.ask == nil || a.ask.RequestID != ask.RequestID {
			a.askInput.Reset()
		}
		a.ask = &ask
		a.askBusy = false
		a.askConfirm = false
		a.askInput.Focus()

	case stream.PromptResolvedUpdate:
		answered := u.Answer
		if u.Skipped {
			answered = ""
		}
		resolveAsk(a.entries, u.RequestID, answered)
		if a.ask != nil && a.ask.RequestID == u.RequestID {
			a.ask = nil
			a.askBusy = false
			a.askConfirm = false
		}

	case stream.HeartbeatUpdate:
		a.quiet = u.Quiet

	case stream.ConnectionUpdate:
		prev := a.conn
		a.conn = u.State
		a.attempt = u.Attempt
		switch u.State {
		case stream.StateOpen:
			// The server replays the full history on every connect, so
			// the narrative starts over rather than doubling up.
			a.entries = nil
			a.lastFile = nil
			if u.Attempt > 0 && prev == stream.StateConnecting {
				a.entries = append(a.entries, entry{kind: entryNote, text: "reconnected, replaying"})
			}
		case stream.StateRetrying:
			a.entries = append(a.entries, entry{kind: entryNote, text: connectionNote(u)})
		case stream.StateGivenUp:
			a.entries = append(a.entries, entry{kind: entryNote, text: "stream lost, press r to retry"})
		}
	}

	a.refreshViewport()
}

func (a *App) refreshViewport() {
	if a.mode == "detail" && a.detail != nil {
		a.viewport.SetContent(a.renderDetailContent())
		return
	}
	a.viewport.SetContent(a.renderWatchContent())
	if a.follow {
		a.viewport.GotoBottom()
	}
}

func lastFileIn(entries []entry) *stream.FileRef {
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].kind == entryFile {
			return entries[i].file
		}
	}
	return nil
}

// --- Commands ---

func (a *App) waitForUpdate() tea.Cmd {
	return func() tea.Msg {
		u, ok := <-a.updates
		if !ok {
			return nil
		}
		return streamUpdateMsg{update: u}
	}
}

func (a *App) fetchTasks() tea.Cmd {
	return func() tea.Msg {
		tasks, err := a.client.ListTasks(context.Background())
		if err != nil {
			return errMsg{err}
		}
		return tasksLoadedMsg{tasks}
	}
}

func (a *App) pingServer() tea.Cmd {
	return func() tea.Msg {
		err := a.client.Ping(context.Background())
		return serverStatusMsg{online: err == nil}
	}
}

func (a *App) fetchDetail(taskID string) tea.Cmd {
	return func() tea.Msg {
		task, err := a.client.GetTask(context.Background(), taskID)
		if err != nil {
			return errMsg{err}
		}
		return detailLoadedMsg{task}
	}
}

func (a *App) submitPrompt(prompt string) tea.Cmd {
	return func() tea.Msg {
		id, err := a.client.SubmitTask(context.Background(), prompt)
		if err != nil {
			return errMsg{err}
		}
		return submittedMsg{taskID: id}
	}
}

func (a *App) cancelTask(taskID string) tea.Cmd {
	return func() tea.Msg {
		return cancelDoneMsg{err: a.ctrl.Cancel(context.Background(), taskID)}
	}
}

func (a *App) respond(taskID, requestID, answer string) tea.Cmd {
	return func() tea.Msg {
		return respondDoneMsg{err: a.ctrl.Respond(context.Background(), taskID, requestID, answer)}
	}
}

func (a *App) skip(taskID, requestID string) tea.Cmd {
	return func() tea.Msg {
		return respondDoneMsg{err: a.ctrl.Skip(context.Background(), taskID, requestID)}
	}
}

func (a *App) openFile(path string) tea.Cmd {
	return func() tea.Msg {
		return openedMsg{path: path, err: openPath(path)}
	}
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(3*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

type tickMsg time.Time

type streamUpdateMsg struct {
	update stream.Update
}

type tasksLoadedMsg struct {
	tasks []api.Task
}

type detailLoadedMsg struct {
	task *api.Task
}

type serverStatusMsg struct {
	online bool
}

type submittedMsg struct {
	taskID string
}

type respondDoneMsg struct {
	err error
}

type cancelDoneMsg struct {
	err error
}

type openedMsg struct {
	path string
	err  error
}

type errMsg struct {
	err error
}
