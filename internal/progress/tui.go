package progress

import (
	"io"
	"strings"
	"sync"
	"time"

	bubbles "github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

type stateMsg struct {
	state   State
	elapsed time.Duration
}

type finishMsg struct{}

type tuiModel struct {
	title   string
	state   State
	elapsed time.Duration
	bar     bubbles.Model
	done    bool
}

var (
	tuiTitleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	tuiInfoStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

func (m tuiModel) Init() tea.Cmd { return nil }

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case stateMsg:
		m.state, m.elapsed = msg.state, msg.elapsed
	case finishMsg:
		m.done = true
		return m, tea.Quit
	case tea.WindowSizeMsg:
		m.bar.Width = max(10, min(60, msg.Width-40))
	}
	return m, nil
}

func (m tuiModel) View() string {
	var b strings.Builder
	if m.title != "" {
		b.WriteString(tuiTitleStyle.Render(m.title))
		b.WriteByte('\n')
	}
	p := m.state.Percent()
	if p < 0 {
		p = 0
	}
	b.WriteString(label(m.state))
	b.WriteByte(' ')
	b.WriteString(m.bar.ViewAs(p))
	b.WriteString(tuiInfoStyle.Render(suffix(m.state, m.elapsed)))
	b.WriteByte('\n')
	return b.String()
}

// TUI renders progress through a bubbletea program.
type TUI struct {
	mu       sync.Mutex
	program  *tea.Program
	done     chan struct{}
	state    State
	start    time.Time
	last     time.Time
	finished bool
}

// NewTUI starts a bubbletea program writing to w. The program takes no
// input and installs no signal handler; cancellation stays with the caller.
func NewTUI(w io.Writer, title string, total int64, parts int) *TUI {
	if total == 0 {
		total = -1
	}
	model := tuiModel{
		title: title,
		state: State{Total: total, Parts: parts},
		bar:   bubbles.New(bubbles.WithWidth(40), bubbles.WithoutPercentage(), bubbles.WithDefaultGradient()),
	}
	t := &TUI{
		program: tea.NewProgram(model, tea.WithOutput(w), tea.WithInput(nil), tea.WithoutSignalHandler()),
		done:    make(chan struct{}),
		state:   model.state,
		start:   time.Now(),
	}
	go func() {
		defer close(t.done)
		_, _ = t.program.Run()
	}()
	return t
}

func (t *TUI) Report(delta int64) {
	t.update(func(s *State) { s.apply(delta) }, false)
}

func (t *TUI) Retract(n int64) {
	t.update(func(s *State) { s.apply(-n) }, false)
}

func (t *TUI) SetPart(i int) {
	t.update(func(s *State) { s.startPart(i) }, true)
}

func (t *TUI) update(fn func(*State), force bool) {
	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		return
	}
	fn(&t.state)
	now := time.Now()
	if !force && now.Sub(t.last) < defaultInterval {
		t.mu.Unlock()
		return
	}
	t.last = now
	msg := stateMsg{state: t.state, elapsed: now.Sub(t.start)}
	t.mu.Unlock()
	t.program.Send(msg)
}

func (t *TUI) Finish() {
	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		return
	}
	t.finished = true
	msg := stateMsg{state: t.state, elapsed: time.Since(t.start)}
	t.mu.Unlock()

	t.program.Send(msg)
	t.program.Send(finishMsg{})
	select {
	case <-t.done:
	case <-time.After(2 * time.Second):
		t.program.Kill()
		<-t.done
	}
}
