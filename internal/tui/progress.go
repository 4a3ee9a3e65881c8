// Package tui renders a download's progress in a terminal using bubbletea.
package tui

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mkdlm/rangedl/internal/dlm"
)

var (
	helpStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	infoStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
	doneStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(200*time.Millisecond, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// model is the bubbletea model for a single download's progress view.
type model struct {
	progress progress.Model
	spinner  spinner.Model
	d        *dlm.Download
	meter    *dlm.DownloadMeter
	speed    float64
	started  time.Time
	err      error
}

// NewModel builds a progress model for d, sampling its instantaneous speed
// from meter (the caller owns starting/stopping the meter's Run loop).
func NewModel(d *dlm.Download, meter *dlm.DownloadMeter) tea.Model {
	p := progress.New(progress.WithDefaultGradient(), progress.WithWidth(50))
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	return model{progress: p, spinner: s, d: d, meter: meter, started: time.Now()}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, tickCmd())
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.d.Pause()
			return m, tea.Quit
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case progress.FrameMsg:
		pm, cmd := m.progress.Update(msg)
		m.progress = pm.(progress.Model)
		return m, cmd

	case tickMsg:
		state := m.d.State()
		if state == dlm.StateFinished || state == dlm.StateFailed || state == dlm.StateCancelled {
			return m, tea.Quit
		}

		var cmds []tea.Cmd
		cmds = append(cmds, tickCmd())

		if total := m.d.Filesize(); total > 0 {
			cmds = append(cmds, m.progress.SetPercent(float64(m.d.GetBytesLoaded())/float64(total)))
		}
		return m, tea.Batch(cmds...)
	}
	return m, nil
}

func (m model) View() string {
	state := m.d.State()
	loaded := m.d.GetBytesLoaded()
	total := m.d.Filesize()

	switch state {
	case dlm.StateFailed:
		return fmt.Sprintf("\n  %s download failed after %d retries\n\n", errStyle.Render("✗"), m.d.GetRetries())
	case dlm.StateCancelled:
		return fmt.Sprintf("\n  %s download cancelled\n\n", errStyle.Render("✗"))
	case dlm.StateFinished:
		elapsed := time.Since(m.started)
		avg := float64(loaded) / elapsed.Seconds()
		path := filepath.Join(m.d.TargetFolder(), m.d.Filename())
		return fmt.Sprintf("\n  %s done\n  saved: %s (%s)\n  elapsed: %s  |  avg speed: %s/s\n\n",
			doneStyle.Render("✓"), path, formatBytes(loaded), formatDuration(elapsed), formatBytes(int64(avg)))
	}

	var s string
	s += "\n"
	s += fmt.Sprintf("  %s downloading: %s\n\n", m.spinner.View(), infoStyle.Render(m.d.Filename()))
	s += fmt.Sprintf("  %s\n\n", m.progress.View())

	speed := currentSpeed(m.meter, m.d.ID())
	if total > 0 {
		percent := float64(loaded) / float64(total) * 100
		eta := calculateETA(total-loaded, speed)
		s += fmt.Sprintf("  %.1f%%  |  %s/%s  |  %s/s  |  eta %s\n", percent, formatBytes(loaded), formatBytes(total), formatBytes(int64(speed)), eta)
	} else {
		s += fmt.Sprintf("  %s  |  %s/s\n", formatBytes(loaded), formatBytes(int64(speed)))
	}

	s += "\n"
	s += helpStyle.Render("  press q to pause and quit")
	s += "\n"
	return s
}

func currentSpeed(meter *dlm.DownloadMeter, id string) float64 {
	if meter == nil {
		return 0
	}
	return meter.LastSpeed(id)
}

func calculateETA(remaining int64, speed float64) string {
	if speed <= 0 {
		return "??:??"
	}
	return formatDuration(time.Duration(float64(remaining)/speed) * time.Second)
}

func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}

func formatDuration(d time.Duration) string {
	if d < 0 {
		return "??:??"
	}
	d = d.Round(time.Second)
	m := d / time.Minute
	s := (d % time.Minute) / time.Second
	if m > 60 {
		h := m / 60
		m = m % 60
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

// Run starts d, runs meter in the background, and blocks showing a progress
// view until the download reaches a terminal state or the user quits.
func Run(d *dlm.Download, meter *dlm.DownloadMeter) error {
	go meter.Run()
	defer meter.Stop()

	d.Ready()
	d.Start()

	p := tea.NewProgram(NewModel(d, meter))
	_, err := p.Run()
	return err
}
