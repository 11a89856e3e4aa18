package progress

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	progressbar "github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

type tickMsg struct{}
type stopMsg struct{}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	nameStyle   = lipgloss.NewStyle().Bold(true)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	noteStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
)

const maxNotes = 8

type teaModel struct {
	viewFn      func() View
	onInterrupt func()
	bar         progressbar.Model
	view        View
}

func newTeaModel(view func() View, onInterrupt func()) teaModel {
	return teaModel{
		viewFn:      view,
		onInterrupt: onInterrupt,
		bar:         progressbar.New(progressbar.WithDefaultGradient(), progressbar.WithWidth(30), progressbar.WithoutPercentage()),
		view:        view(),
	}
}

func (m teaModel) Init() tea.Cmd {
	return nil
}

func (m teaModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC {
			if m.onInterrupt == nil {
				os.Exit(130)
			}
			m.onInterrupt()
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		w := msg.Width / 3
		if w < 10 {
			w = 10
		}
		m.bar.Width = w
	case tickMsg:
		m.view = m.viewFn()
	case stopMsg:
		m.view = m.viewFn()
		return m, tea.Quit
	}
	return m, nil
}

func (m teaModel) View() string {
	return renderTTY(m.view, m.bar)
}

func renderTTY(v View, bar progressbar.Model) string {
	var b strings.Builder
	if v.Header != "" {
		fmt.Fprintln(&b, headerStyle.Render(v.Header))
	}
	notes := v.Notes
	if len(notes) > maxNotes {
		notes = notes[len(notes)-maxNotes:]
	}
	for _, n := range notes {
		fmt.Fprintln(&b, noteStyle.Render(n))
	}
	for _, r := range sortedRows(v.Rows) {
		fmt.Fprintf(&b, "%s %s\n", dimStyle.Render(r.Direction), nameStyle.Render(r.Name))
		fmt.Fprintf(&b, "  %s %5.1f%%  %s / %s  %s  ETA %s\n",
			bar.ViewAs(r.Percent/100),
			r.Percent,
			FormatSize(r.Bytes),
			FormatSize(r.Size),
			FormatRate(r.Rate),
			FormatETA(r.ETA),
		)
	}
	if len(v.Rows) == 0 {
		fmt.Fprintln(&b, dimStyle.Render("waiting for transfers"))
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func renderTea(ctx context.Context, w io.Writer, view func() View, onInterrupt func()) func() {
	program := tea.NewProgram(newTeaModel(view, onInterrupt), tea.WithOutput(w))
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		_, _ = program.Run()
	}()
	ticker := time.NewTicker(250 * time.Millisecond)
	stop := make(chan struct{})
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				program.Send(stopMsg{})
				return
			case <-stop:
				return
			case <-ticker.C:
				program.Send(tickMsg{})
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			program.Send(stopMsg{})
			<-finished
		})
	}
}
