package model

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/modoterra/diaglog/pkg/core"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	selectedStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))

	statusRunning = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	statusStopped = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	statusFailed  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusRestart = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))

	levelStyles = map[core.Level]lipgloss.Style{
		core.LevelDebug: lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		core.LevelWarn:  lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		core.LevelError: lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}

	paneStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			Padding(0, 1)

	activePaneStyle = paneStyle.
			BorderForeground(lipgloss.Color("205"))

	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	helpStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// View renders the TUI.
func (a App) View() string {
	if a.width == 0 || a.height == 0 {
		return "loading..."
	}

	header := a.renderHeader()
	footer := a.renderStatusBar()
	headerH := lipgloss.Height(header)
	footerH := lipgloss.Height(footer)

	bodyH := max(a.height-headerH-footerH-4, 3)
	sourcesW := max(a.width/3-2, 20)
	tailW := max(a.width-sourcesW-8, 20)

	sourcesPane := a.paneBox(PaneSources, " Sources ", a.renderSources(sourcesW, bodyH), sourcesW, bodyH)
	tailPane := a.paneBox(PaneTail, a.tailTitle(), a.renderTail(tailW, bodyH), tailW, bodyH)
	body := lipgloss.JoinHorizontal(lipgloss.Top, sourcesPane, tailPane)

	return lipgloss.JoinVertical(lipgloss.Left, header, body, footer)
}

func (a App) paneBox(pane Pane, title, content string, w, h int) string {
	style := paneStyle
	if a.activePane == pane {
		style = activePaneStyle
	}
	return style.Width(w).Height(h).Render(
		titleStyle.Render(title) + "\n" + content,
	)
}

// renderHeader shows the budget gauge and counters.
func (a App) renderHeader() string {
	if !a.connected {
		return titleStyle.Render(" diaglog ") + dimStyle.Render("connecting to "+a.socketPath+"...")
	}
	s := a.stats
	pct := 0.0
	if s.Budget > 0 {
		pct = min(float64(s.Bytes)/float64(s.Budget), 1)
	}
	usage := fmt.Sprintf(" %s / %s", humanize.IBytes(uint64(s.Bytes)), humanize.IBytes(uint64(s.Budget)))
	gauge := titleStyle.Render(" diaglog ") + a.gauge.ViewAs(pct) + usage

	counters := fmt.Sprintf(" %s retained · %s evicted (%s) · %s · encoding %s",
		humanize.Comma(int64(s.Entries)),
		humanize.Comma(int64(s.EvictedEntries)),
		humanize.IBytes(s.EvictedBytes),
		plural(int(s.Exports), "export"),
		s.Encoding,
	)
	if s.ExportFailures > 0 || s.FormatFailures > 0 || s.AppendFailures > 0 {
		counters += statusFailed.Render(fmt.Sprintf(" · failures export=%d format=%d append=%d",
			s.ExportFailures, s.FormatFailures, s.AppendFailures))
	}
	return gauge + "\n" + dimStyle.Render(counters)
}

func (a App) renderSources(w, h int) string {
	if len(a.sources) == 0 {
		return dimStyle.Render("no sources")
	}

	var b strings.Builder
	maxVisible := max(h-8, 1)
	start := 0
	if a.selectedIdx >= maxVisible {
		start = a.selectedIdx - maxVisible + 1
	}
	for i := start; i < len(a.sources) && i-start < maxVisible; i++ {
		src := a.sources[i]
		name := truncate(src.Name, w-6)
		line := fmt.Sprintf(" %s %-*s", statusIndicator(string(src.Status)), w-6, name)
		if i == a.selectedIdx && a.activePane == PaneSources {
			line = selectedStyle.Width(w).Render(line)
		}
		b.WriteString(line + "\n")
	}

	if src := a.selectedSource(); src != nil {
		b.WriteString("\n")
		fmt.Fprintf(&b, "Kind:    %s\n", src.Kind)
		fmt.Fprintf(&b, "Status:  %s\n", colorStatus(string(src.Status)))
		fmt.Fprintf(&b, "Lines:   %s\n", humanize.Comma(int64(src.Lines)))
		if src.PID > 0 {
			fmt.Fprintf(&b, "PID:     %d\n", src.PID)
		}
		if src.Restarts > 0 {
			fmt.Fprintf(&b, "Restart: %d\n", src.Restarts)
		}
		if src.UptimeSec > 0 {
			fmt.Fprintf(&b, "Uptime:  %s\n", formatDuration(src.UptimeSec))
		}
		if src.Target != "" {
			fmt.Fprintf(&b, "Target:  %s\n", dimStyle.Render(truncate(src.Target, w-9)))
		}
	}
	return b.String()
}

func (a App) renderTail(w, h int) string {
	lines := a.filteredTail()

	var b strings.Builder
	if a.mode == ModeSearch || a.search.Value() != "" {
		b.WriteString(a.search.View() + "\n")
		h--
	}
	if len(lines) == 0 {
		b.WriteString(dimStyle.Render("no log output"))
		return b.String()
	}

	start := 0
	if len(lines) > h-1 {
		start = len(lines) - h + 1
	}
	for _, e := range lines[start:] {
		text := truncate(strings.TrimSuffix(e.Text, "\n"), w)
		if style, ok := levelStyles[e.Level]; ok {
			text = style.Render(text)
		}
		b.WriteString(text + "\n")
	}
	return b.String()
}

func (a App) tailTitle() string {
	title := " Tail "
	if a.tailPaused {
		title += dimStyle.Render("[PAUSED]") + " "
	}
	return title
}

func (a App) renderStatusBar() string {
	left := a.statusMsg
	if a.exporting {
		left = a.spinner.View() + " " + left
	}
	if a.mode == ModeSearch {
		return helpStyle.Render(left + "  enter:apply esc:cancel")
	}
	return helpStyle.Render(left) + "\n" + a.help.View(a.keys)
}

func plural(n int, word string) string {
	if n == 1 {
		return "1 " + word
	}
	return strconv.Itoa(n) + " " + word + "s"
}

func statusIndicator(status string) string {
	switch status {
	case "running":
		return statusRunning.Render("●")
	case "stopped":
		return statusStopped.Render("○")
	case "failed":
		return statusFailed.Render("✖")
	case "restarting":
		return statusRestart.Render("↻")
	default:
		return dimStyle.Render("?")
	}
}

func colorStatus(status string) string {
	switch status {
	case "running":
		return statusRunning.Render(status)
	case "stopped":
		return statusStopped.Render(status)
	case "failed":
		return statusFailed.Render(status)
	case "restarting":
		return statusRestart.Render(status)
	default:
		return dimStyle.Render(status)
	}
}

func truncate(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

func formatDuration(sec uint64) string {
	if sec < 60 {
		return fmt.Sprintf("%ds", sec)
	}
	if sec < 3600 {
		return fmt.Sprintf("%dm%ds", sec/60, sec%60)
	}
	return fmt.Sprintf("%dh%dm", sec/3600, (sec%3600)/60)
}
