package model

import (
	"context"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/modoterra/diaglog/pkg/aggregator"
	"github.com/modoterra/diaglog/pkg/core"
	"github.com/modoterra/diaglog/pkg/transport/uds"
)

// tailSize is how many of the newest lines the tail pane fetches.
const tailSize = 500

// Pane identifies which TUI pane is focused.
type Pane int

const (
	PaneSources Pane = iota
	PaneTail
)

// Mode identifies the current interaction mode.
type Mode int

const (
	ModeNormal Mode = iota
	ModeSearch
	ModeConfirmClear
)

// App is the root Bubble Tea model.
type App struct {
	// Connection
	client     *uds.Client
	events     chan uds.Message
	socketPath string
	outDir     string
	connected  bool

	// State
	stats       aggregator.Stats
	sources     []core.Source
	selectedIdx int
	tail        []aggregator.Entry
	tailPaused  bool
	exporting   bool

	// UI
	activePane Pane
	mode       Mode
	keys       keyMap
	help       help.Model
	gauge      progress.Model
	spinner    spinner.Model
	search     textinput.Model
	width      int
	height     int

	statusMsg string
}

// New creates a new TUI app model. Exports are written to outDir.
func New(socketPath, outDir string) App {
	si := textinput.New()
	si.Placeholder = "filter..."
	si.CharLimit = 64

	sp := spinner.New(spinner.WithSpinner(spinner.Dot))

	return App{
		socketPath: socketPath,
		outDir:     outDir,
		keys:       defaultKeys(),
		help:       help.New(),
		gauge:      progress.New(progress.WithDefaultGradient(), progress.WithoutPercentage()),
		spinner:    sp,
		search:     si,
		activePane: PaneTail,
		mode:       ModeNormal,
	}
}

// Init connects to the daemon.
func (a App) Init() tea.Cmd {
	return tea.Batch(
		connectCmd(a.socketPath),
		tea.SetWindowTitle("diaglog"),
	)
}

// tickMsg triggers periodic refresh.
type tickMsg time.Time

// connectedMsg indicates successful daemon connection.
type connectedMsg struct {
	client *uds.Client
	events chan uds.Message
}

// statsMsg carries stats from a Stats response.
type statsMsg uds.StatsResponse

// statsEventMsg carries stats pushed by a stats.changed event.
type statsEventMsg uds.StatsResponse

// tailMsg carries the newest retained lines.
type tailMsg []aggregator.Entry

// exportedMsg reports a written artifact.
type exportedMsg struct {
	path    string
	entries int
	size    int
}

// clearedMsg reports a completed Clear.
type clearedMsg uds.StatsResponse

// errorMsg carries an error to display.
type errorMsg struct{ err error }

func connectCmd(socketPath string) tea.Cmd {
	return func() tea.Msg {
		client, err := uds.Dial(socketPath)
		if err != nil {
			return errorMsg{err}
		}
		events := make(chan uds.Message, 16)
		client.OnEvent(func(m uds.Message) {
			select {
			case events <- m:
			default:
			}
		})
		return connectedMsg{client: client, events: events}
	}
}

// listenCmd waits for the next stats.changed event.
func listenCmd(events <-chan uds.Message) tea.Cmd {
	return func() tea.Msg {
		for m := range events {
			if m.Method != uds.EventStatsChanged {
				continue
			}
			var sr uds.StatsResponse
			if err := m.UnmarshalData(&sr); err != nil {
				return errorMsg{err}
			}
			return statsEventMsg(sr)
		}
		return nil
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func fetchStatsCmd(client *uds.Client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		sr, err := client.Stats(ctx)
		if err != nil {
			return errorMsg{err}
		}
		return statsMsg(sr)
	}
}

func fetchTailCmd(client *uds.Client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		tr, err := client.Tail(ctx, tailSize)
		if err != nil {
			return errorMsg{err}
		}
		return tailMsg(tr.Lines)
	}
}

func exportCmd(client *uds.Client, outDir string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		var path string
		resp, err := client.ExportTo(ctx, func(art *aggregator.Artifact) error {
			var err error
			path, err = art.WriteFile(outDir)
			return err
		})
		if err != nil {
			return errorMsg{err}
		}
		return exportedMsg{path: path, entries: resp.Artifact.Entries, size: len(resp.Artifact.Data)}
	}
}

func clearCmd(client *uds.Client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		sr, err := client.Clear(ctx)
		if err != nil {
			return errorMsg{err}
		}
		return clearedMsg(sr)
	}
}

// Update handles messages.
func (a App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.gauge.Width = max(msg.Width-30, 10)
		a.help.Width = msg.Width
		return a, nil

	case connectedMsg:
		a.client = msg.client
		a.events = msg.events
		a.connected = true
		a.statusMsg = "connected"
		return a, tea.Batch(tickCmd(), listenCmd(a.events), fetchStatsCmd(a.client), fetchTailCmd(a.client))

	case tickMsg:
		if a.client == nil {
			return a, tickCmd()
		}
		return a, tea.Batch(tickCmd(), fetchStatsCmd(a.client), a.refreshTail())

	case statsMsg:
		a.applyStats(uds.StatsResponse(msg))
		return a, nil

	case statsEventMsg:
		a.applyStats(uds.StatsResponse(msg))
		return a, tea.Batch(listenCmd(a.events), a.refreshTail())

	case tailMsg:
		if !a.tailPaused {
			a.tail = msg
		}
		return a, nil

	case exportedMsg:
		a.exporting = false
		a.statusMsg = "exported " + plural(msg.entries, "line") + " to " + msg.path
		return a, a.refreshAll()

	case clearedMsg:
		a.applyStats(uds.StatsResponse(msg))
		a.tail = nil
		a.statusMsg = "buffer cleared"
		return a, nil

	case spinner.TickMsg:
		if !a.exporting {
			return a, nil
		}
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd

	case errorMsg:
		a.exporting = false
		a.statusMsg = "error: " + msg.err.Error()
		return a, nil

	case tea.KeyMsg:
		return a.handleKey(msg)
	}

	return a, nil
}

func (a *App) applyStats(sr uds.StatsResponse) {
	a.stats = sr.Stats
	a.sources = sr.Sources
	if a.selectedIdx >= len(a.sources) {
		a.selectedIdx = max(0, len(a.sources)-1)
	}
}

func (a App) refreshTail() tea.Cmd {
	if a.client == nil || a.tailPaused {
		return nil
	}
	return fetchTailCmd(a.client)
}

func (a App) refreshAll() tea.Cmd {
	if a.client == nil {
		return nil
	}
	return tea.Batch(fetchStatsCmd(a.client), fetchTailCmd(a.client))
}

func (a App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if a.mode == ModeSearch {
		switch msg.String() {
		case "esc":
			a.mode = ModeNormal
			a.search.SetValue("")
			a.search.Blur()
			return a, nil
		case "enter":
			a.mode = ModeNormal
			a.search.Blur()
			return a, nil
		default:
			var cmd tea.Cmd
			a.search, cmd = a.search.Update(msg)
			return a, cmd
		}
	}

	if a.mode == ModeConfirmClear {
		a.mode = ModeNormal
		switch msg.String() {
		case "y", "Y":
			if a.client == nil {
				a.statusMsg = "not connected"
				return a, nil
			}
			a.statusMsg = "clearing..."
			return a, clearCmd(a.client)
		default:
			a.statusMsg = "clear cancelled"
			return a, nil
		}
	}

	switch {
	case key.Matches(msg, a.keys.Quit):
		if a.client != nil {
			a.client.Close()
		}
		return a, tea.Quit

	case key.Matches(msg, a.keys.Down):
		if a.activePane == PaneSources && len(a.sources) > 0 {
			a.selectedIdx = min(a.selectedIdx+1, len(a.sources)-1)
		}
	case key.Matches(msg, a.keys.Up):
		if a.activePane == PaneSources && a.selectedIdx > 0 {
			a.selectedIdx--
		}

	case key.Matches(msg, a.keys.Pane):
		a.activePane = (a.activePane + 1) % 2

	case key.Matches(msg, a.keys.Search):
		a.mode = ModeSearch
		a.search.Focus()
		return a, textinput.Blink

	case key.Matches(msg, a.keys.Pause):
		a.tailPaused = !a.tailPaused
		if !a.tailPaused {
			return a, a.refreshTail()
		}

	case key.Matches(msg, a.keys.Export):
		if a.client == nil {
			a.statusMsg = "not connected"
			return a, nil
		}
		if a.exporting {
			return a, nil
		}
		a.exporting = true
		a.statusMsg = "exporting..."
		return a, tea.Batch(a.spinner.Tick, exportCmd(a.client, a.outDir))

	case key.Matches(msg, a.keys.Clear):
		a.mode = ModeConfirmClear
		a.statusMsg = "Clear " + plural(a.stats.Entries, "line") + "? (y/n)"

	case key.Matches(msg, a.keys.Help):
		a.help.ShowAll = !a.help.ShowAll
	}

	return a, nil
}

// filteredTail returns the tail lines matching the filter.
func (a App) filteredTail() []aggregator.Entry {
	q := strings.ToLower(a.search.Value())
	if q == "" {
		return a.tail
	}
	var filtered []aggregator.Entry
	for _, e := range a.tail {
		if strings.Contains(strings.ToLower(e.Text), q) {
			filtered = append(filtered, e)
		}
	}
	return filtered
}

func (a App) selectedSource() *core.Source {
	if a.selectedIdx < len(a.sources) {
		return &a.sources[a.selectedIdx]
	}
	return nil
}
