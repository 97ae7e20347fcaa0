package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kugutsu/pipeline/internal/depgraph"
)

// statusTickMsg carries a fresh dependency-graph snapshot, polled rather
// than event-driven since no single bus event carries the full count.
type statusTickMsg struct {
	summary depgraph.StatusSummary
}

// DAGPaneModel renders the dependency graph's per-state task counts.
type DAGPaneModel struct {
	summary depgraph.StatusSummary
	width   int
	height  int
	focused bool
}

// NewDAGPaneModel creates an empty DAG pane.
func NewDAGPaneModel() DAGPaneModel {
	return DAGPaneModel{}
}

// Update handles messages for the DAG pane.
func (m DAGPaneModel) Update(msg tea.Msg) (DAGPaneModel, tea.Cmd) {
	switch v := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = v.Width
		m.height = v.Height
	case statusTickMsg:
		m.summary = v.summary
	}
	return m, nil
}

// View renders the DAG pane.
func (m DAGPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	s := m.summary
	total := s.Waiting + s.Ready + s.Running + s.Developed + s.Merging + s.Merged + s.Failed
	inFlight := s.Running + s.Developed + s.Merging

	var b strings.Builder
	title := StyleTitle.Render("Pipeline Progress")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	b.WriteString(fmt.Sprintf("Total:      %d\n", total))
	b.WriteString(fmt.Sprintf("In flight:  %s\n", StyleStateRunning.Render(fmt.Sprintf("%d", inFlight))))
	b.WriteString(fmt.Sprintf("Merged:     %s\n", StyleStateMerged.Render(fmt.Sprintf("%d", s.Merged))))
	b.WriteString(fmt.Sprintf("Failed:     %s\n", StyleStateFailed.Render(fmt.Sprintf("%d", s.Failed))))
	b.WriteString(fmt.Sprintf("Waiting:    %s\n", StyleStateWaiting.Render(fmt.Sprintf("%d", s.Waiting+s.Ready))))

	b.WriteString("\n")
	if total > 0 {
		barWidth := min(m.width-4, 40)
		mergedWidth := (s.Merged * barWidth) / total
		failedWidth := (s.Failed * barWidth) / total
		flightWidth := (inFlight * barWidth) / total
		pendingWidth := barWidth - mergedWidth - failedWidth - flightWidth

		bar := StyleStateMerged.Render(strings.Repeat("=", max0(mergedWidth)))
		bar += StyleStateFailed.Render(strings.Repeat("!", max0(failedWidth)))
		bar += StyleStateRunning.Render(strings.Repeat("-", max0(flightWidth)))
		bar += StyleStateWaiting.Render(strings.Repeat(".", max0(pendingWidth)))

		b.WriteString(fmt.Sprintf("[%s]  %d/%d\n", bar, s.Merged, total))
	}

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.Width(m.width - 2).Height(m.height - 2).Render(b.String())
}

func max0(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

// SetSize updates the pane dimensions.
func (m *DAGPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *DAGPaneModel) SetFocused(focused bool) { m.focused = focused }
