package dashboard

import (
	"fmt"
	"strings"
	"time"

	"github.com/NimbleMarkets/ntcharts/sparkline"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fyrsmithlabs/prgate/internal/events"
	"github.com/fyrsmithlabs/prgate/internal/pipeline"
)

const (
	sparklineWidth  = 30
	sparklineHeight = 3
	historySize     = 30
	recentSize      = 8
	alertSize       = 5
)

// EventMsg delivers a run event to the model.
type EventMsg events.Event

// doneMsg tells the model the event stream has ended.
type doneMsg struct{}

// stageRow is the dashboard's view of one stage.
type stageRow struct {
	status   pipeline.StageStatus
	duration time.Duration
	message  string
}

// tally counts outcomes for steps, suites or gates.
type tally struct {
	passed  int
	failed  int
	skipped int
}

func (t tally) total() int { return t.passed + t.failed + t.skipped }

// Model is the live run dashboard.
type Model struct {
	runID      string
	repository string
	branch     string
	started    time.Time
	lastEvent  time.Time

	stages map[pipeline.Stage]stageRow
	steps  tally
	suites tally
	gates  tally
	recent []string
	alerts []string

	memoryHistory []float64
	diskHistory   []float64
	memoryBytes   uint64
	diskBytes     int64

	finished       bool
	success        bool
	score          *float64
	elapsed        time.Duration
	failedRequired string

	quitting    bool
	interrupted bool

	spinner       spinner.Model
	stageProgress progress.Model
}

// Lipgloss styles (k9s-inspired color scheme)
var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true).
			MarginTop(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	healthyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	containerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(1, 2)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			MarginTop(1)

	footerKeyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	sparklineStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51"))
)

// NewModel creates an empty dashboard waiting for run events.
func NewModel() Model {
	return Model{
		stages: make(map[pipeline.Stage]stageRow),
		spinner: spinner.New(
			spinner.WithSpinner(spinner.Dot),
			spinner.WithStyle(warningStyle),
		),
		stageProgress: progress.New(
			progress.WithGradient("#00ffff", "#00ff00"),
			progress.WithWidth(40),
		),
		memoryHistory: make([]float64, 0, historySize),
		diskHistory:   make([]float64, 0, historySize),
	}
}

// Interrupted reports whether the user quit before the run finished.
func (m Model) Interrupted() bool {
	return m.interrupted
}

// Finished reports whether a run.finished event has been seen.
func (m Model) Finished() bool {
	return m.finished
}

// appendToHistory appends a value to history, maintaining max size
func appendToHistory(history []float64, value float64) []float64 {
	history = append(history, value)
	if len(history) > historySize {
		history = history[1:]
	}
	return history
}

func appendBounded(list []string, value string, limit int) []string {
	list = append(list, value)
	if len(list) > limit {
		list = list[len(list)-limit:]
	}
	return list
}

// createSparkline creates a sparkline chart from historical data
func createSparkline(data []float64) string {
	if len(data) == 0 {
		return dimStyle.Render(fmt.Sprintf("%*s", sparklineWidth, "no data"))
	}

	spark := sparkline.New(sparklineWidth, sparklineHeight)
	for _, v := range data {
		spark.Push(v)
	}
	spark.Draw()

	return sparklineStyle.Render(spark.View())
}

// Init starts the spinner.
func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			m.interrupted = !m.finished
			return m, tea.Quit
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case EventMsg:
		m.apply(events.Event(msg))
		return m, nil

	case doneMsg:
		m.quitting = true
		return m, tea.Quit
	}

	return m, nil
}

func (m *Model) apply(ev events.Event) {
	if !ev.Time.IsZero() {
		if m.started.IsZero() {
			m.started = ev.Time
		}
		m.lastEvent = ev.Time
	}
	if m.runID == "" {
		m.runID = ev.RunID
	}

	switch ev.Type {
	case events.RunStarted:
		m.runID = ev.RunID
		m.repository = ev.Name
		m.branch = ev.Message

	case events.StageStarted:
		m.stages[ev.Stage] = stageRow{status: pipeline.StatusInProgress}

	case events.StageFinished:
		m.stages[ev.Stage] = stageRow{
			status:   pipeline.StageStatus(ev.Status),
			duration: seconds(ev.Values["duration_seconds"]),
			message:  ev.Message,
		}

	case events.StepFinished:
		m.steps.count(ev.Status)
		m.recent = appendBounded(m.recent, resultLine("step", ev), recentSize)

	case events.SuiteFinished:
		m.suites.count(ev.Status)
		m.recent = appendBounded(m.recent, resultLine("suite", ev), recentSize)

	case events.GateEvaluated:
		m.gates.count(ev.Status)
		m.recent = appendBounded(m.recent, resultLine("gate", ev), recentSize)

	case events.MonitorSnapshot:
		m.memoryBytes = uint64(ev.Values["memory_bytes"])
		m.diskBytes = int64(ev.Values["disk_bytes"])
		m.memoryHistory = appendToHistory(m.memoryHistory, ev.Values["memory_bytes"]/(1<<20))
		m.diskHistory = appendToHistory(m.diskHistory, ev.Values["disk_bytes"]/(1<<20))

	case events.MonitorAlert:
		m.alerts = appendBounded(m.alerts, ev.Message, alertSize)

	case events.RunFinished:
		m.finished = true
		m.success = ev.Success
		m.failedRequired = ev.Message
		m.elapsed = seconds(ev.Values["elapsed_seconds"])
		if score, ok := ev.Values["combined_score"]; ok {
			m.score = &score
		}
	}
}

func (t *tally) count(status string) {
	switch status {
	case "passed", "cached":
		t.passed++
	case "failed":
		t.failed++
	default:
		t.skipped++
	}
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

func resultLine(kind string, ev events.Event) string {
	line := fmt.Sprintf("%s %s %s", badge(ev.Status), kind, ev.Name)
	if ev.Type == events.GateEvaluated {
		line += dimStyle.Render(fmt.Sprintf(" (%.1f vs %.1f)", ev.Values["measured"], ev.Values["threshold"]))
	}
	if ev.Message != "" {
		line += dimStyle.Render(": " + ev.Message)
	}
	return line
}

// badge returns a colored status badge for an outcome.
func badge(status string) string {
	switch status {
	case "passed", "cached", string(pipeline.StatusCompleted):
		return healthyStyle.Render("[✓]")
	case "failed":
		return errorStyle.Render("[✗]")
	case "skipped":
		return dimStyle.Render("[-]")
	default:
		return dimStyle.Render("[·]")
	}
}

// View renders the dashboard
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder

	header := headerStyle.Render(" prgate ")
	target := "waiting for run"
	if m.repository != "" {
		target = m.repository + "@" + m.branch
	}
	elapsed := m.elapsed
	if !m.finished && !m.lastEvent.IsZero() {
		elapsed = m.lastEvent.Sub(m.started)
	}
	b.WriteString(header + "  " + valueStyle.Render(target) + "\n")
	b.WriteString(m.statusBadge() + "   " +
		dimStyle.Render("Run:") + " " + valueStyle.Render(m.runID) + "   " +
		dimStyle.Render("Elapsed:") + " " + valueStyle.Render(FormatElapsed(elapsed)) + "\n")

	m.renderStages(&b)
	m.renderResults(&b)
	m.renderResources(&b)

	if m.finished {
		b.WriteString("\n" + sectionStyle.Render("┃ Verdict") + "\n")
		b.WriteString(labelStyle.Render("  Score: ") + valueStyle.Render(FormatScore(m.score)) + "\n")
		if m.failedRequired != "" {
			b.WriteString(labelStyle.Render("  Failed required: ") + errorStyle.Render(m.failedRequired) + "\n")
		}
	}

	footer := footerKeyStyle.Render("[q]") + footerStyle.Render(" quit")
	b.WriteString("\n" + footer)

	return containerStyle.Render(b.String())
}

func (m Model) statusBadge() string {
	switch {
	case !m.finished:
		return warningStyle.Render("● RUNNING")
	case m.success:
		return healthyStyle.Render("✓ PASSED")
	default:
		return errorStyle.Render("✗ FAILED")
	}
}

func (m Model) renderStages(b *strings.Builder) {
	b.WriteString("\n" + sectionStyle.Render("┃ Stages") + "\n")

	all := pipeline.AllStages()
	done := 0
	for _, stage := range all {
		row, ok := m.stages[stage]
		if !ok {
			row.status = pipeline.StatusPending
		}

		var mark string
		switch row.status {
		case pipeline.StatusInProgress:
			mark = "[" + m.spinner.View() + "]"
		case pipeline.StatusCompleted:
			mark = badge("passed")
		case pipeline.StatusFailed:
			mark = badge("failed")
		case pipeline.StatusSkipped:
			mark = badge("skipped")
		default:
			mark = badge("")
		}
		if row.status.Terminal() {
			done++
		}

		line := fmt.Sprintf("  %s %s", mark, labelStyle.Render(fmt.Sprintf("%-10s", stage)))
		if row.status.Terminal() && row.status != pipeline.StatusSkipped {
			line += " " + dimStyle.Render(FormatElapsed(row.duration))
		}
		if row.message != "" {
			line += " " + dimStyle.Render(row.message)
		}
		b.WriteString(line + "\n")
	}

	ratio := float64(done) / float64(len(all))
	b.WriteString(labelStyle.Render("  Progress: ") +
		m.stageProgress.ViewAs(ratio) +
		" " + dimStyle.Render(fmt.Sprintf("%d/%d", done, len(all))) + "\n")
}

func (m Model) renderResults(b *strings.Builder) {
	b.WriteString("\n" + sectionStyle.Render("┃ Results") + "\n")
	for _, row := range []struct {
		label string
		t     tally
	}{
		{"Steps", m.steps},
		{"Suites", m.suites},
		{"Gates", m.gates},
	} {
		b.WriteString(labelStyle.Render(fmt.Sprintf("  %-7s ", row.label+":")) +
			healthyStyle.Render(fmt.Sprintf("%d passed", row.t.passed)) + dimStyle.Render("  ") +
			errorStyle.Render(fmt.Sprintf("%d failed", row.t.failed)) + dimStyle.Render("  ") +
			dimStyle.Render(fmt.Sprintf("%d skipped", row.t.skipped)) + "\n")
	}
	for _, line := range m.recent {
		b.WriteString("    " + line + "\n")
	}
}

func (m Model) renderResources(b *strings.Builder) {
	b.WriteString("\n" + sectionStyle.Render("┃ Environment") + "\n")
	b.WriteString(labelStyle.Render("  Memory: ") +
		valueStyle.Render(fmt.Sprintf("%-10s", FormatBytes(m.memoryBytes))) +
		"   " + createSparkline(m.memoryHistory) + "\n")
	disk := uint64(0)
	if m.diskBytes > 0 {
		disk = uint64(m.diskBytes)
	}
	b.WriteString(labelStyle.Render("  Disk:   ") +
		valueStyle.Render(fmt.Sprintf("%-10s", FormatBytes(disk))) +
		"   " + createSparkline(m.diskHistory) + "\n")
	for _, alert := range m.alerts {
		b.WriteString("  " + warningStyle.Render("⚠ "+alert) + "\n")
	}
}
