package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kugutsu/pipeline/internal/events"
	"github.com/kugutsu/pipeline/internal/task"
)

// taskEntry is one task's running log, keyed by task ID.
type taskEntry struct {
	title string
	state task.State
	log   []string
}

// TaskPaneModel is the task list and per-task event-log viewport pane.
type TaskPaneModel struct {
	tasks       map[string]*taskEntry
	order       []string // insertion order for display
	selectedIdx int
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
	updateTag   int // debounces viewport refresh the way a busy bus would otherwise flood it
}

// NewTaskPaneModel creates an empty task pane.
func NewTaskPaneModel() TaskPaneModel {
	return TaskPaneModel{
		tasks:    make(map[string]*taskEntry),
		viewport: viewport.New(0, 0),
	}
}

type tickMsg struct{ tag int }

// Update handles bubbletea messages and pipeline events for the task pane.
func (m TaskPaneModel) Update(msg tea.Msg) (TaskPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch v := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = v.Width
		m.height = v.Height
		m.resizeViewport()

	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch v.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < len(m.order)-1 {
				m.selectedIdx++
				m.updateViewportContent()
			}
		case KeyK, KeyUp:
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.updateViewportContent()
			}
		default:
			m.viewport, cmd = m.viewport.Update(v)
		}

	case events.Event:
		m.applyEvent(v)
		if m.selectedTaskID() == v.TaskID() {
			m.updateTag++
			tag := m.updateTag
			return m, tea.Tick(50*time.Millisecond, func(time.Time) tea.Msg {
				return tickMsg{tag: tag}
			})
		}

	case tickMsg:
		if v.tag == m.updateTag {
			m.updateViewportContent()
		}
	}

	return m, cmd
}

func (m *TaskPaneModel) ensure(id string) *taskEntry {
	e, ok := m.tasks[id]
	if !ok {
		e = &taskEntry{title: id, state: task.Waiting}
		m.tasks[id] = e
		m.order = append(m.order, id)
		if len(m.order) == 1 {
			m.selectedIdx = 0
		}
	}
	return e
}

// applyEvent appends a formatted line to the affected task's log and, for
// events carrying a lifecycle transition, updates its displayed state.
func (m *TaskPaneModel) applyEvent(ev events.Event) {
	e := m.ensure(ev.TaskID())

	switch v := ev.(type) {
	case events.DevelopmentCompleted:
		e.state = task.Developed
		e.log = append(e.log, fmt.Sprintf("[development] %s", v.Output))
	case events.ReviewCompleted:
		if v.NeedsRevision {
			e.log = append(e.log, fmt.Sprintf("[review] needs revision: %s", strings.Join(v.Comments, "; ")))
		} else {
			e.log = append(e.log, "[review] approved")
		}
	case events.MergeReady:
		e.state = task.Merging
		e.log = append(e.log, "[merge] queued")
	case events.MergeConflictDetected:
		e.log = append(e.log, fmt.Sprintf("[merge] conflict in %v, resolving", v.ConflictFiles))
	case events.MergeCompleted:
		if v.Success {
			e.state = task.Merged
			e.log = append(e.log, "[merge] merged")
		} else {
			e.log = append(e.log, fmt.Sprintf("[merge] failed: %v", v.Err))
		}
	case events.TaskFailed:
		e.state = task.Failed
		e.log = append(e.log, fmt.Sprintf("[failed] %s: %s", v.Phase, v.Reason))
	default:
		e.log = append(e.log, fmt.Sprintf("[%s]", ev.Kind()))
	}
}

// SetTaskTitle lets the caller attach a human title once known (the task's
// original title, stripped of revision/conflict-resolution wrapping).
func (m *TaskPaneModel) SetTaskTitle(id, title string) {
	m.ensure(id).title = title
}

// View renders the task pane.
func (m TaskPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	listWidth := 28
	viewportWidth := m.width - listWidth - 4

	listContent := m.renderTaskList(listWidth)
	viewportContent := m.viewport.View()

	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		listContent,
		lipgloss.NewStyle().Width(viewportWidth).Height(m.height-2).Render(viewportContent),
	)

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.Width(m.width - 2).Height(m.height - 2).Render(content)
}

func (m TaskPaneModel) renderTaskList(width int) string {
	var b strings.Builder

	title := StyleTitle.Render("Tasks")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(width, lipgloss.Width(title))))
	b.WriteString("\n\n")

	if len(m.order) == 0 {
		b.WriteString(StyleStateWaiting.Render("Waiting for tasks..."))
	} else {
		for i, id := range m.order {
			e := m.tasks[id]
			name := e.title
			if len(name) > width-6 {
				name = name[:width-9] + "..."
			}
			line := fmt.Sprintf("%s %s", stateIcon(e.state), name)
			if i == m.selectedIdx {
				line = lipgloss.NewStyle().
					Background(lipgloss.Color("62")).
					Foreground(lipgloss.Color("0")).
					Render(line)
			}
			b.WriteString(line)
			b.WriteString("\n")
		}
	}

	return lipgloss.NewStyle().Width(width).Height(m.height - 2).Render(b.String())
}

func stateIcon(s task.State) string {
	switch s {
	case task.Running, task.Developed:
		return StyleStateRunning.Render("●")
	case task.Merging:
		return StyleStateMerging.Render("◐")
	case task.Merged:
		return StyleStateMerged.Render("✓")
	case task.Failed:
		return StyleStateFailed.Render("✗")
	case task.Ready:
		return StyleStateReady.Render("○")
	default:
		return StyleStateWaiting.Render("·")
	}
}

func (m TaskPaneModel) selectedTaskID() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.order) {
		return m.order[m.selectedIdx]
	}
	return ""
}

func (m *TaskPaneModel) updateViewportContent() {
	id := m.selectedTaskID()
	e, ok := m.tasks[id]
	if !ok {
		m.viewport.SetContent("Waiting for tasks...")
		return
	}
	m.viewport.SetContent(strings.Join(e.log, "\n"))
	m.viewport.GotoBottom()
}

func (m *TaskPaneModel) resizeViewport() {
	listWidth := 28
	viewportWidth := m.width - listWidth - 4
	viewportHeight := m.height - 4
	if viewportWidth < 10 {
		viewportWidth = 10
	}
	if viewportHeight < 5 {
		viewportHeight = 5
	}
	m.viewport.Width = viewportWidth
	m.viewport.Height = viewportHeight
}

// SetSize updates the pane dimensions.
func (m *TaskPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
}

// SetFocused updates the focus state.
func (m *TaskPaneModel) SetFocused(focused bool) { m.focused = focused }

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
