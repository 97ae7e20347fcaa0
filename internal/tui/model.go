package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kugutsu/pipeline/internal/depgraph"
	"github.com/kugutsu/pipeline/internal/events"
)

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneTasks PaneID = iota
	PaneDAG
)

const statusPollInterval = 500 * time.Millisecond

// Model is the root Bubble Tea model for the pipeline progress TUI.
type Model struct {
	taskPane    TaskPaneModel
	dagPane     DAGPaneModel
	focusedPane PaneID
	eventSub    <-chan events.Event
	statusFn    func() depgraph.StatusSummary
	width       int
	height      int
	quitting    bool
}

// New creates a TUI model that renders the bus traffic and dependency-graph
// snapshots of a running pipeline.Coordinator. eventSub should be fed by a
// non-blocking SubscribeAll handler so a slow TUI frame never stalls the
// bus; statusFn is typically Coordinator.StatusSummary.
func New(eventSub <-chan events.Event, statusFn func() depgraph.StatusSummary) Model {
	return Model{
		taskPane:    NewTaskPaneModel(),
		dagPane:     NewDAGPaneModel(),
		focusedPane: PaneTasks,
		eventSub:    eventSub,
		statusFn:    statusFn,
	}
}

// Init kicks off the event-wait loop and the status-poll ticker.
func (m Model) Init() tea.Cmd {
	return tea.Batch(waitForEvent(m.eventSub), pollStatus(m.statusFn))
}

func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-sub
		if !ok {
			return nil
		}
		return ev
	}
}

func pollStatus(fn func() depgraph.StatusSummary) tea.Cmd {
	return tea.Tick(statusPollInterval, func(time.Time) tea.Msg {
		return statusTickMsg{summary: fn()}
	})
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch v := msg.(type) {
	case tea.KeyMsg:
		switch v.String() {
		case KeyQuit, KeyCtrlC:
			m.quitting = true
			return m, tea.Quit

		case KeyTab:
			m.focusedPane = (m.focusedPane + 1) % 2
			m.updateFocusStates()

		case KeyShiftTab:
			m.focusedPane = (m.focusedPane + 1) % 2
			m.updateFocusStates()

		case KeyPane1:
			m.focusedPane = PaneTasks
			m.updateFocusStates()

		case KeyPane2:
			m.focusedPane = PaneDAG
			m.updateFocusStates()

		default:
			if m.focusedPane == PaneTasks {
				var cmd tea.Cmd
				m.taskPane, cmd = m.taskPane.Update(v)
				cmds = append(cmds, cmd)
			}
		}

	case tea.WindowSizeMsg:
		m.width = v.Width
		m.height = v.Height
		m.computeLayout()

	case events.Event:
		var cmd tea.Cmd
		m.taskPane, cmd = m.taskPane.Update(v)
		cmds = append(cmds, cmd, waitForEvent(m.eventSub))

	case statusTickMsg:
		var cmd tea.Cmd
		m.dagPane, cmd = m.dagPane.Update(v)
		cmds = append(cmds, cmd, pollStatus(m.statusFn))
	}

	return m, tea.Batch(cmds...)
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	leftWidth := (m.width * 65) / 100
	rightWidth := m.width - leftWidth
	availableHeight := m.height - 1

	left := lipgloss.NewStyle().Width(leftWidth).Height(availableHeight).Render(m.taskPane.View())
	right := lipgloss.NewStyle().Width(rightWidth).Height(availableHeight).Render(m.dagPane.View())

	mainContent := lipgloss.JoinHorizontal(lipgloss.Top, left, right)
	return lipgloss.JoinVertical(lipgloss.Left, mainContent, HelpView())
}

func (m *Model) computeLayout() {
	leftWidth := (m.width * 65) / 100
	rightWidth := m.width - leftWidth
	availableHeight := m.height - 1

	m.taskPane.SetSize(leftWidth, availableHeight)
	m.dagPane.SetSize(rightWidth, availableHeight)
	m.updateFocusStates()
}

func (m *Model) updateFocusStates() {
	m.taskPane.SetFocused(m.focusedPane == PaneTasks)
	m.dagPane.SetFocused(m.focusedPane == PaneDAG)
}
