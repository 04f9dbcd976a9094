package progress

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

var (
	titleStyle       = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	infoStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	progressBarStyle = lipgloss.NewStyle().Padding(0, 1)
	statusStyle      = map[Status]lipgloss.Style{
		StatusLoading: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		StatusLoaded:  lipgloss.NewStyle().Foreground(lipgloss.Color("46")),
		StatusSkipped: lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		StatusFailed:  lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
)

type stateMsg State

type model struct {
	state    State
	spinner  spinner.Model
	bar      progress.Model
	width    int
	quitting bool
}

func newModel() model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	return model{spinner: s, bar: progress.New(progress.WithDefaultGradient())}
}

func (m model) Init() tea.Cmd { return m.spinner.Tick }

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.bar.Width = max(10, msg.Width-20)
	case stateMsg:
		m.state = State(msg)
		return m, m.bar.SetPercent(m.state.Percent())
	case quitMsg:
		m.quitting = true
		return m, tea.Quit
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case progress.FrameMsg:
		bar, cmd := m.bar.Update(msg)
		if b, ok := bar.(progress.Model); ok {
			m.bar = b
		}
		return m, cmd
	}
	return m, nil
}

func (m model) View() string {
	if m.quitting {
		return ""
	}
	var b strings.Builder
	b.WriteString(titleStyle.Render("jpksj-to-sql"))
	b.WriteString("\n")

	current := m.state.Current
	if current == "" {
		current = "waiting for work"
	}
	fmt.Fprintf(&b, "%s %s", m.spinner.View(), current)
	if st, ok := statusStyle[m.state.Last]; ok {
		b.WriteString(" ")
		b.WriteString(st.Render(string(m.state.Last)))
	}
	b.WriteString("\n")
	b.WriteString(progressBarStyle.Render(m.bar.ViewAs(m.state.Percent())))
	fmt.Fprintf(&b, " (%d/%d)\n", m.state.Done, m.state.Total)
	b.WriteString(infoStyle.Render(fmt.Sprintf("outstanding %d  skipped %d  failed %d",
		m.state.Outstanding(), m.state.Skipped, m.state.Failed)))
	b.WriteString("\n")
	return b.String()
}

type quitMsg struct{}

// TerminalView draws a live indicator. It is also an io.Writer: lines written to
// it are printed above the indicator, so it can back a slog handler.
type TerminalView struct {
	program *tea.Program
	done    chan struct{}

	mu       sync.Mutex
	closed   bool
	fallback io.Writer
	err      error
}

// NewTerminalView starts the indicator on out. Once closed, writes go straight to out.
func NewTerminalView(out io.Writer) *TerminalView {
	v := &TerminalView{
		program:  tea.NewProgram(newModel(), tea.WithOutput(out), tea.WithInput(nil), tea.WithoutSignalHandler()),
		done:     make(chan struct{}),
		fallback: out,
	}
	go func() {
		defer close(v.done)
		if _, err := v.program.Run(); err != nil {
			v.mu.Lock()
			v.err = err
			v.closed = true
			v.mu.Unlock()
		}
	}()
	return v
}

func (v *TerminalView) Update(s State) {
	v.mu.Lock()
	closed := v.closed
	v.mu.Unlock()
	if !closed {
		v.program.Send(stateMsg(s))
	}
}

func (v *TerminalView) Write(p []byte) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return v.fallback.Write(p)
	}
	v.program.Println(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

// Close stops the indicator and waits for the final frame.
func (v *TerminalView) Close() error {
	v.mu.Lock()
	already := v.closed
	v.closed = true
	v.mu.Unlock()
	if !already {
		v.program.Send(quitMsg{})
	}
	<-v.done
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.err
}

// LogView reports progress as log lines, one per finished item.
type LogView struct {
	logger *slog.Logger
	last   State
}

func NewLogView(logger *slog.Logger) *LogView {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogView{logger: logger.With(slog.String("component", "progress"))}
}

func (v *LogView) Update(s State) {
	if s.Done != v.last.Done {
		v.logger.Info("Progress.",
			slog.Int("done", s.Done),
			slog.Int("total", s.Total),
			slog.Int("outstanding", s.Outstanding()),
			slog.String("current", s.Current))
	}
	v.last = s
}

func (v *LogView) Close() error {
	v.logger.Info("Progress finished.",
		slog.Int("done", v.last.Done),
		slog.Int("skipped", v.last.Skipped),
		slog.Int("failed", v.last.Failed))
	return nil
}

// IsTerminal reports whether the file descriptor is attached to a terminal.
func IsTerminal(fd uintptr) bool {
	return term.IsTerminal(int(fd))
}
