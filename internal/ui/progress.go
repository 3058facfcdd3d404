// Package ui renders build progress in the terminal.
package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"kiln/internal/buildpipeline"
)

// share of the bar each stage fills once it is done; codegen is split
// evenly across the units it announces
var stageWeight = map[buildpipeline.Stage]float64{
	buildpipeline.StageLoad:    0.1,
	buildpipeline.StageCodegen: 0.7,
	buildpipeline.StageLink:    0.2,
}

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("7"))
	activeStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	doneStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	failedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	pendingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("7"))
	faintStyle   = lipgloss.NewStyle().Faint(true)
)

const statusWidth = 10

type progressModel struct {
	title  string
	events <-chan buildpipeline.Event

	spinner spinner.Model
	bar     progress.Model

	items []unitItem
	index map[string]int
	// stages that reported done or error
	finished   map[buildpipeline.Stage]bool
	stageLabel string
	width      int
	done       bool
}

type unitItem struct {
	name    string
	status  string
	elapsed time.Duration
	err     error
	codegen bool
}

type eventMsg buildpipeline.Event
type doneMsg struct{}

// NewProgressModel renders the events of one crate build. Rows start with
// units; codegen work items are added as their events arrive, since the
// count is only known after planning.
func NewProgressModel(title string, units []string, events <-chan buildpipeline.Event) tea.Model {
	sp := spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(activeStyle))
	bar := progress.New(progress.WithDefaultGradient(), progress.WithWidth(76))

	m := &progressModel{
		title:    title,
		events:   events,
		spinner:  sp,
		bar:      bar,
		index:    make(map[string]int, len(units)),
		finished: make(map[buildpipeline.Stage]bool),
		width:    80,
	}
	for _, u := range units {
		m.row(u)
	}
	return m
}

func (m *progressModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.next())
}

func (m *progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case eventMsg:
		return m, tea.Batch(m.applyEvent(buildpipeline.Event(msg)), m.next())
	case doneMsg:
		m.done = true
		return m, tea.Quit
	case tea.KeyMsg:
		// the build carries on without a display
		if msg.String() == "ctrl+c" || msg.String() == "q" {
			return m, tea.Quit
		}
	case spinner.TickMsg:
		if m.done {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case tea.WindowSizeMsg:
		if msg.Width > 0 {
			m.width = msg.Width
			m.bar.Width = max(msg.Width-4, 10)
		}
	case progress.FrameMsg:
		bar, cmd := m.bar.Update(msg)
		m.bar = bar.(progress.Model)
		return m, cmd
	}
	return m, nil
}

func (m *progressModel) next() tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-m.events
		if !ok {
			return doneMsg{}
		}
		return eventMsg(ev)
	}
}

// row returns the index of the row for unit, adding it when new.
func (m *progressModel) row(unit string) int {
	if i, ok := m.index[unit]; ok {
		return i
	}
	m.items = append(m.items, unitItem{name: unit, status: "queued"})
	m.index[unit] = len(m.items) - 1
	return len(m.items) - 1
}

func (m *progressModel) applyEvent(ev buildpipeline.Event) tea.Cmd {
	label := statusLabel(ev.Stage, ev.Status)
	if ev.Unit == "" {
		if label != "" && ev.Status == buildpipeline.StatusWorking {
			m.stageLabel = label
		}
		if ev.Status == buildpipeline.StatusDone || ev.Status == buildpipeline.StatusError {
			m.finished[ev.Stage] = true
		}
		return m.bar.SetPercent(m.fraction())
	}

	it := &m.items[m.row(ev.Unit)]
	if label != "" {
		it.status = label
	}
	if ev.Stage == buildpipeline.StageCodegen {
		it.codegen = true
	}
	if ev.Elapsed > 0 {
		it.elapsed = ev.Elapsed
	}
	if ev.Err != nil {
		it.err = ev.Err
	}
	return m.bar.SetPercent(m.fraction())
}

// fraction is the share of the build that is complete.
func (m *progressModel) fraction() float64 {
	var total float64
	for stage, done := range m.finished {
		if done {
			total += stageWeight[stage]
		}
	}
	if m.finished[buildpipeline.StageCodegen] {
		return min(total, 1)
	}
	var units, complete int
	for _, it := range m.items {
		if !it.codegen {
			continue
		}
		units++
		if it.status == "done" || it.status == "error" {
			complete++
		}
	}
	if units > 0 {
		total += stageWeight[buildpipeline.StageCodegen] * float64(complete) / float64(units)
	}
	return min(total, 1)
}

func (m *progressModel) View() string {
	if len(m.items) == 0 {
		return ""
	}
	header := m.title
	if m.stageLabel != "" {
		header += " (" + m.stageLabel + ")"
	}
	if m.done {
		header = "done: " + header
	} else {
		header = m.spinner.View() + " " + header
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render(header))
	b.WriteString("\n\n")

	nameWidth := max(m.width-statusWidth-14, 20)
	failed := 0
	for _, it := range m.items {
		status := styleStatus(it.status).Render(fmt.Sprintf("%*s", statusWidth, it.status))
		fmt.Fprintf(&b, "  %s %s", status, truncate(it.name, nameWidth))
		if it.elapsed > 0 {
			b.WriteString(faintStyle.Render(" " + it.elapsed.Round(time.Millisecond).String()))
		}
		b.WriteString("\n")
		if it.err != nil {
			failed++
			fmt.Fprintf(&b, "  %*s %s\n", statusWidth, "", failedStyle.Render(truncate(it.err.Error(), nameWidth)))
		}
	}

	b.WriteString("\n")
	if m.done {
		b.WriteString(m.bar.ViewAs(1))
	} else {
		b.WriteString(m.bar.View())
	}
	if failed > 0 {
		fmt.Fprintf(&b, "\n%s", failedStyle.Render(fmt.Sprintf("%d failed", failed)))
	}
	b.WriteString("\n")
	return b.String()
}

func statusLabel(stage buildpipeline.Stage, status buildpipeline.Status) string {
	switch status {
	case buildpipeline.StatusQueued:
		return "queued"
	case buildpipeline.StatusDone:
		return "done"
	case buildpipeline.StatusError:
		return "error"
	case buildpipeline.StatusWorking:
		switch stage {
		case buildpipeline.StageLoad:
			return "loading"
		case buildpipeline.StageCodegen:
			return "compiling"
		case buildpipeline.StageLink:
			return "linking"
		}
	}
	return ""
}

func styleStatus(status string) lipgloss.Style {
	switch status {
	case "done":
		return doneStyle
	case "error":
		return failedStyle
	case "queued":
		return pendingStyle
	}
	return activeStyle
}

func truncate(value string, width int) string {
	if width <= 0 || runewidth.StringWidth(value) <= width {
		return value
	}
	if width <= 3 {
		return runewidth.Truncate(value, width, "")
	}
	return runewidth.Truncate(value, width-3, "...")
}
