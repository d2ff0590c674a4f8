// Package tui provides the interactive terminal UI for fleet.
package tui

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/fentz26/fleet/internal/controlplane"
	"github.com/fentz26/fleet/internal/models"
	"github.com/fentz26/fleet/internal/subagent"
)

// refreshInterval is how often the visible view is reloaded.
const refreshInterval = 2 * time.Second

// requestTimeout bounds every API call made from the UI.
const requestTimeout = 5 * time.Second

// API is the part of the control plane client the UI talks to.
type API interface {
	Health(ctx context.Context) (*controlplane.HealthResponse, error)
	ListTasks(ctx context.Context, status, project string) ([]models.Task, error)
	GetTask(ctx context.Context, id string) (*models.Task, error)
	TaskAudit(ctx context.Context, id string) ([]models.PDREntry, error)
	CreateTask(ctx context.Context, req controlplane.CreateTaskRequest) (*models.Task, error)
	CancelTask(ctx context.Context, id string) (*models.Task, error)
	Reply(ctx context.Context, id, text string) (*models.PendingInput, error)
	ListMachines(ctx context.Context) ([]models.Machine, error)
	ListRuns(ctx context.Context, status string) ([]models.SubagentRun, error)
	SpawnRun(ctx context.Context, req subagent.SpawnRequest) (*models.SubagentRun, error)
	CancelRun(ctx context.Context, id string, cascade bool) ([]string, error)
}

var (
	primaryColor   = lipgloss.Color("#7C3AED")
	secondaryColor = lipgloss.Color("#6366F1")
	successColor   = lipgloss.Color("#10B981")
	warningColor   = lipgloss.Color("#F59E0B")
	errorColor     = lipgloss.Color("#EF4444")
	mutedColor     = lipgloss.Color("#6B7280")
	fgColor        = lipgloss.Color("#F9FAFB")
	cyanColor      = lipgloss.Color("#06B6D4")

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

	itemStyle = lipgloss.NewStyle().
			Padding(0, 2)

	selectedStyle = lipgloss.NewStyle().
			Background(primaryColor).
			Foreground(fgColor).
			Bold(true).
			Padding(0, 2)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true)

	onlineStyle = lipgloss.NewStyle().
			Foreground(successColor).
			Bold(true)

	offlineStyle = lipgloss.NewStyle().
			Foreground(errorColor)
)

type mode string

const (
	modeTasks    mode = "tasks"
	modeDetail   mode = "detail"
	modeMachines mode = "machines"
	modeRuns     mode = "runs"
)

var filters = []string{"", "queued", "assigned", "running", "completed", "failed", "cancelled"}
var filterNames = []string{"ALL", "QUEUED", "ASSIGNED", "RUNNING", "DONE", "FAILED", "CANCELLED"}

// App is the main TUI application model.
type App struct {
	api          API
	input        textinput.Model
	viewport     viewport.Model
	suggestions  *Suggestions
	width        int
	height       int
	mode         mode
	filterIdx    int
	tasks        []models.Task
	machines     []models.Machine
	runs         []models.SubagentRun
	selectedIdx  int
	currentTask  *models.Task
	audit        []models.PDREntry
	message      string
	loading      bool
	daemonOnline bool
	version      string
}

// New creates a TUI bound to the given API.
func New(api API) *App {
	ti := textinput.New()
	ti.Placeholder = "Type / for commands: add <project> <command> | reply <text> | spawn <profile> <task>"
	ti.Focus()
	ti.CharLimit = 512
	ti.Width = 80

	return &App{
		api:         api,
		input:       ti,
		viewport:    viewport.New(80, 20),
		suggestions: NewSuggestions(),
		mode:        modeTasks,
		loading:     true,
	}
}

// Run starts the TUI application.
func (a *App) Run() error {
	p := tea.NewProgram(a, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// Init implements tea.Model
func (a *App) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		a.refresh(),
		a.checkDaemon(),
		a.tickCmd(),
	)
}

// Update implements tea.Model
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if cmd, handled := a.handleKey(msg); handled {
			return a, cmd
		}

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.input.Width = msg.Width - 4
		a.viewport.Width = msg.Width
		a.viewport.Height = max(5, msg.Height-10)

	case tasksLoadedMsg:
		a.loading = false
		a.tasks = msg.tasks
		a.clampSelection(len(a.tasks))

	case machinesLoadedMsg:
		a.loading = false
		a.machines = msg.machines
		a.clampSelection(len(a.machines))

	case runsLoadedMsg:
		a.loading = false
		a.runs = msg.runs
		a.clampSelection(len(a.runs))

	case taskDetailLoadedMsg:
		a.currentTask = msg.task
		a.audit = msg.audit
		a.viewport.SetContent(a.renderTaskDetail())

	case daemonStatusMsg:
		a.daemonOnline = msg.online
		a.version = msg.version

	case tickMsg:
		return a, tea.Batch(a.refresh(), a.checkDaemon(), a.tickCmd())

	case commandResultMsg:
		a.message = msg.message
		return a, a.refresh()

	case errMsg:
		a.loading = false
		a.message = "Error: " + msg.err.Error()
	}

	var cmd tea.Cmd
	a.input, cmd = a.input.Update(msg)
	cmds = append(cmds, cmd)
	if a.mode == modeDetail {
		a.viewport, cmd = a.viewport.Update(msg)
		cmds = append(cmds, cmd)
	}

	a.suggestions.Update(a.input.Value())
	if strings.HasPrefix(a.input.Value(), "@") {
		a.suggestions.SetReferences(a.references())
	}

	return a, tea.Batch(cmds...)
}

// handleKey processes navigation keys. Letter shortcuts only apply while
// the command bar is empty so they never steal typed input.
func (a *App) handleKey(msg tea.KeyMsg) (tea.Cmd, bool) {
	empty := a.input.Value() == ""

	switch msg.String() {
	case "ctrl+c":
		return tea.Quit, true

	case "esc":
		if a.suggestions.IsVisible() {
			a.input.SetValue("")
			a.suggestions.Update("")
			return nil, true
		}
		if a.mode != modeTasks {
			a.mode = modeTasks
			a.currentTask = nil
			a.selectedIdx = 0
			return a.refresh(), true
		}

	case "up", "k":
		if a.suggestions.IsVisible() {
			a.suggestions.Prev()
			return nil, true
		}
		if (msg.String() == "up" || empty) && a.mode != modeDetail && a.selectedIdx > 0 {
			a.selectedIdx--
			return nil, true
		}

	case "down", "j":
		if a.suggestions.IsVisible() {
			a.suggestions.Next()
			return nil, true
		}
		if (msg.String() == "down" || empty) && a.mode != modeDetail && a.selectedIdx < a.listLen()-1 {
			a.selectedIdx++
			return nil, true
		}

	case "tab":
		if a.suggestions.IsVisible() {
			return a.acceptSuggestion(), true
		}
		a.cycleMode()
		return a.refresh(), true

	case "enter":
		if a.suggestions.IsVisible() {
			return a.acceptSuggestion(), true
		}
		if line := strings.TrimSpace(a.input.Value()); line != "" {
			a.input.SetValue("")
			return a.executeCommand(line), true
		}
		if a.mode == modeTasks && len(a.tasks) > 0 {
			a.mode = modeDetail
			return a.fetchTaskDetail(a.tasks[a.selectedIdx].ID), true
		}

	case "f":
		if empty && a.mode == modeTasks {
			a.filterIdx = (a.filterIdx + 1) % len(filters)
			a.selectedIdx = 0
			return a.refresh(), true
		}

	case "r":
		if empty {
			return a.refresh(), true
		}
	}
	return nil, false
}

// acceptSuggestion fills in a command, or jumps to the referenced task or
// machine.
func (a *App) acceptSuggestion() tea.Cmd {
	selected := a.suggestions.Selected()
	if selected == nil {
		return nil
	}
	prefix := a.suggestions.prefix
	a.input.SetValue("")
	a.suggestions.Update("")

	if prefix == "/" {
		a.input.SetValue(strings.TrimPrefix(selected.Text, "/") + " ")
		a.input.CursorEnd()
		return nil
	}
	switch selected.Type {
	case "task":
		a.mode = modeDetail
		return a.fetchTaskDetail(selected.Text)
	case "machine":
		a.mode = modeMachines
		for i, m := range a.machines {
			if m.ID == selected.Text {
				a.selectedIdx = i
			}
		}
		return a.refresh()
	}
	return nil
}

func (a *App) cycleMode() {
	switch a.mode {
	case modeTasks, modeDetail:
		a.mode = modeMachines
	case modeMachines:
		a.mode = modeRuns
	default:
		a.mode = modeTasks
	}
	a.selectedIdx = 0
	a.currentTask = nil
}

func (a *App) listLen() int {
	switch a.mode {
	case modeMachines:
		return len(a.machines)
	case modeRuns:
		return len(a.runs)
	default:
		return len(a.tasks)
	}
}

func (a *App) clampSelection(n int) {
	if a.selectedIdx >= n {
		a.selectedIdx = max(0, n-1)
	}
}

// references lists task and machine IDs for @ completion.
func (a *App) references() []SuggestionItem {
	var refs []SuggestionItem
	for _, t := range a.tasks {
		refs = append(refs, SuggestionItem{Text: t.ID, Description: t.Project + ": " + truncate(t.Description, 40), Type: "task"})
	}
	for _, m := range a.machines {
		refs = append(refs, SuggestionItem{Text: m.ID, Description: string(m.Status), Type: "machine"})
	}
	return refs
}

// selectedTaskID returns the task the next command applies to.
func (a *App) selectedTaskID() string {
	if a.mode == modeDetail && a.currentTask != nil {
		return a.currentTask.ID
	}
	if a.mode == modeTasks && a.selectedIdx < len(a.tasks) {
		return a.tasks[a.selectedIdx].ID
	}
	return ""
}

func (a *App) selectedRunID() string {
	if a.mode == modeRuns && a.selectedIdx < len(a.runs) {
		return a.runs[a.selectedIdx].ID
	}
	return ""
}

// View implements tea.Model
func (a *App) View() string {
	var b strings.Builder

	daemon := onlineStyle.Render("● DAEMON")
	if !a.daemonOnline {
		daemon = offlineStyle.Render("○ DAEMON")
	}
	header := titleStyle.Render("fleet control plane") + "  " + daemon
	if a.version != "" {
		header += "  " + helpStyle.Render(a.version)
	}
	header += "  " + lipgloss.NewStyle().Foreground(cyanColor).Render(fmt.Sprintf("[%d machines]", len(a.machines)))
	b.WriteString(header + "\n")
	b.WriteString(strings.Repeat("─", a.width) + "\n")

	contentHeight := max(5, a.height-8)

	switch a.mode {
	case modeTasks:
		b.WriteString(helpStyle.Render(fmt.Sprintf(" Filter: [%s]", filterNames[a.filterIdx])) + "\n")
		b.WriteString(a.renderTaskList(contentHeight - 1))
	case modeDetail:
		b.WriteString(a.viewport.View())
	case modeMachines:
		b.WriteString(a.renderMachines(contentHeight))
	case modeRuns:
		b.WriteString(a.renderRuns(contentHeight))
	}

	if a.message != "" {
		msgStyle := lipgloss.NewStyle().Foreground(successColor)
		if strings.HasPrefix(a.message, "Error") {
			msgStyle = lipgloss.NewStyle().Foreground(errorColor)
		}
		b.WriteString("\n" + msgStyle.Render(a.message))
	} else {
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(inputBoxStyle.Render(a.input.View()))
	if a.suggestions.IsVisible() {
		b.WriteString("\n")
		b.WriteString(a.suggestions.Render(a.width))
	}
	b.WriteString("\n")

	var status string
	switch a.mode {
	case modeTasks:
		status = fmt.Sprintf(" Tasks: %d | ↑↓:nav | Enter:detail | Tab:machines | f:filter | r:refresh | Ctrl+C:quit", len(a.tasks))
	case modeMachines:
		status = fmt.Sprintf(" Machines: %d | Tab:runs | Esc:back", len(a.machines))
	case modeRuns:
		status = fmt.Sprintf(" Runs: %d | ↑↓:nav | stop:cancel run | Tab:tasks | Esc:back", len(a.runs))
	default:
		status = " ↑↓:scroll | reply <text> | cancel | Esc:back"
	}
	b.WriteString(statusBarStyle.Width(a.width).Render(status))

	return b.String()
}

func (a *App) refresh() tea.Cmd {
	switch a.mode {
	case modeMachines:
		return a.fetchMachines()
	case modeRuns:
		return a.fetchRuns()
	case modeDetail:
		if a.currentTask != nil {
			return a.fetchTaskDetail(a.currentTask.ID)
		}
		return nil
	default:
		return a.fetchTasks()
	}
}

func (a *App) fetchTasks() tea.Cmd {
	status := filters[a.filterIdx]
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		tasks, err := a.api.ListTasks(ctx, status, "")
		if err != nil {
			return errMsg{err}
		}
		return tasksLoadedMsg{tasks}
	}
}

func (a *App) fetchMachines() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		machines, err := a.api.ListMachines(ctx)
		if err != nil {
			return errMsg{err}
		}
		return machinesLoadedMsg{machines}
	}
}

func (a *App) fetchRuns() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		runs, err := a.api.ListRuns(ctx, "")
		if err != nil {
			return errMsg{err}
		}
		return runsLoadedMsg{runs}
	}
}

func (a *App) fetchTaskDetail(id string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		task, err := a.api.GetTask(ctx, id)
		if err != nil {
			return errMsg{err}
		}
		audit, _ := a.api.TaskAudit(ctx, id)
		return taskDetailLoadedMsg{task, audit}
	}
}

func (a *App) checkDaemon() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		health, err := a.api.Health(ctx)
		if err != nil {
			return daemonStatusMsg{}
		}
		return daemonStatusMsg{online: health.OK, version: health.Version}
	}
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// executeCommand runs one command-bar line. Selection is captured before
// the command goes off the UI goroutine.
func (a *App) executeCommand(line string) tea.Cmd {
	parts := strings.Fields(strings.TrimPrefix(line, "/"))
	if len(parts) == 0 {
		return nil
	}
	name, args := parts[0], parts[1:]
	taskID, runID := a.selectedTaskID(), a.selectedRunID()

	if name == "q" || name == "quit" || name == "exit" {
		return tea.Quit
	}

	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		switch name {
		case "add":
			if len(args) < 2 {
				return commandResultMsg{"Usage: add <project> <command...>"}
			}
			req := controlplane.CreateTaskRequest{Project: args[0], Description: strings.Join(args[1:], " "), Budget: 1}
			if last := args[len(args)-1]; len(args) > 2 && strings.HasPrefix(last, "$") {
				budget, err := strconv.ParseFloat(last[1:], 64)
				if err != nil {
					return commandResultMsg{"Error: invalid budget " + last}
				}
				req.Budget = budget
				req.Description = strings.Join(args[1:len(args)-1], " ")
			}
			task, err := a.api.CreateTask(ctx, req)
			if err != nil {
				return errMsg{err}
			}
			return commandResultMsg{fmt.Sprintf("✓ Created task %s", shortID(task.ID))}

		case "cancel":
			id := taskID
			if len(args) > 0 {
				id = args[0]
			}
			if id == "" {
				return commandResultMsg{"No task selected"}
			}
			task, err := a.api.CancelTask(ctx, id)
			if err != nil {
				return errMsg{err}
			}
			return commandResultMsg{fmt.Sprintf("✓ Task %s is %s", shortID(task.ID), task.Status)}

		case "reply":
			if taskID == "" {
				return commandResultMsg{"No task selected"}
			}
			if len(args) == 0 {
				return commandResultMsg{"Usage: reply <text>"}
			}
			if _, err := a.api.Reply(ctx, taskID, strings.Join(args, " ")); err != nil {
				return errMsg{err}
			}
			return commandResultMsg{"✓ Reply queued for " + shortID(taskID)}

		case "spawn":
			if len(args) < 2 {
				return commandResultMsg{"Usage: spawn <profile> <task...>"}
			}
			run, err := a.api.SpawnRun(ctx, subagent.SpawnRequest{ProfileID: args[0], Task: strings.Join(args[1:], " ")})
			if err != nil {
				return errMsg{err}
			}
			return commandResultMsg{fmt.Sprintf("✓ Spawned run %s (%s)", shortID(run.ID), run.Mode)}

		case "stop":
			id := runID
			if len(args) > 0 {
				id = args[0]
			}
			if id == "" {
				return commandResultMsg{"No run selected"}
			}
			ids, err := a.api.CancelRun(ctx, id, true)
			if err != nil {
				return errMsg{err}
			}
			return commandResultMsg{fmt.Sprintf("✓ Cancelled %d run(s)", len(ids))}

		default:
			return commandResultMsg{fmt.Sprintf("Unknown: %s (try: add, cancel, reply, spawn, stop)", name)}
		}
	}
}

type commandResultMsg struct {
	message string
}

type errMsg struct {
	err error
}

type tasksLoadedMsg struct {
	tasks []models.Task
}

type machinesLoadedMsg struct {
	machines []models.Machine
}

type runsLoadedMsg struct {
	runs []models.SubagentRun
}

type taskDetailLoadedMsg struct {
	task  *models.Task
	audit []models.PDREntry
}

type daemonStatusMsg struct {
	online  bool
	version string
}

type tickMsg time.Time
