package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/NimbleMarkets/ntcharts/sparkline"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

const (
	sparklineWidth  = 24
	sparklineHeight = 2
	historySize     = 40
	recentEventMax  = 8
)

var watchInterval time.Duration

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 2*time.Second, "Status poll interval")
}

var watchCmd = &cobra.Command{
	Use:   "watch <job-id>",
	Short: "Follow a research job live",
	Long: `Follow a research job in a terminal dashboard.

The dashboard streams the job's events from the server and polls its
status, showing phase progress, completion flags, finding counters and
the most recent events. It stays open after the job finishes so the
final state can be read; press q to leave.

Examples:
  # Watch a running job
  resd watch 7d9e1c2a-5b7f-4f3e-9c1d-8a2b3c4d5e6f

  # Poll less aggressively
  resd watch 7d9e1c2a-5b7f-4f3e-9c1d-8a2b3c4d5e6f --interval 5s`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

// JobEvent matches internal/events Event
type JobEvent struct {
	JobID     string         `json:"job_id"`
	Type      string         `json:"type"`
	Step      string         `json:"step,omitempty"`
	Status    string         `json:"status,omitempty"`
	Iteration int            `json:"iteration,omitempty"`
	Phase     int            `json:"phase,omitempty"`
	Message   string         `json:"message,omitempty"`
	Metrics   map[string]int `json:"metrics,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Lipgloss styles (k9s-inspired color scheme)
var (
	// Header style - bright cyan background, bold black text
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	// Section title style - bold bright cyan
	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true).
			MarginTop(1)

	// Label style - dim cyan
	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	// Value style - bright white
	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Bold(true)

	// Dim style - for units and secondary info
	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	// Status styles with unicode symbols
	healthyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	// Container style - rounded border with dim gray
	containerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(1, 2)

	// Footer style - bright keys on dim background
	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			MarginTop(1)

	footerKeyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	// Sparkline container
	sparklineStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51"))
)

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The stream goroutine outlives individual polls; cancelling the
	// context on exit unblocks any pending channel send.
	events := make(chan tea.Msg, 32)
	go streamJobEvents(ctx, serverURL, args[0], events)

	p := tea.NewProgram(
		newWatchModel(serverURL, args[0], watchInterval, events),
		tea.WithAltScreen(),
	)
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("failed to run watch dashboard: %w", err)
	}

	return nil
}

// watchModel is the BubbleTea model behind resd watch.
type watchModel struct {
	serverURL string
	jobID     string
	interval  time.Duration
	events    <-chan tea.Msg

	view       JobView
	haveView   bool
	recent     []JobEvent
	factsHist  []float64
	searchHist []float64

	phaseProgress progress.Model
	lastUpdate    time.Time
	err           error
	streamDone    bool
	quitting      bool
}

func newWatchModel(server, jobID string, interval time.Duration, events <-chan tea.Msg) watchModel {
	phaseProg := progress.New(
		progress.WithGradient("#00ffff", "#00ff00"),
		progress.WithWidth(40),
	)

	return watchModel{
		serverURL:     server,
		jobID:         jobID,
		interval:      interval,
		events:        events,
		phaseProgress: phaseProg,
		factsHist:     make([]float64, 0, historySize),
		searchHist:    make([]float64, 0, historySize),
	}
}

// Message types. Poll results and streamed snapshots carry the same
// payload but stay distinct: only channel-sourced messages may re-arm
// the channel read.
type tickMsg time.Time
type statusMsg JobView
type snapshotMsg JobView
type eventMsg JobEvent
type errMsg error
type streamClosedMsg struct{}

// Init starts the poll loop and the event stream reader.
func (m watchModel) Init() tea.Cmd {
	return tea.Batch(
		tick(m.interval),
		pollStatus(m.serverURL, m.jobID),
		waitForEvent(m.events),
	)
}

// tick creates a tick command for auto-refresh
func tick(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// pollStatus fetches the job view once
func pollStatus(server, jobID string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		view, err := fetchView(ctx, server, jobID)
		if err != nil {
			return errMsg(err)
		}
		return statusMsg(*view)
	}
}

// waitForEvent hands the next streamed event to the update loop.
func waitForEvent(events <-chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-events
		if !ok {
			return streamClosedMsg{}
		}
		return msg
	}
}

// Update handles messages
func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, pollStatus(m.serverURL, m.jobID)
		}

	case tickMsg:
		// The final state stays on screen once the job settles.
		if m.haveView && terminalStatus(m.view.Status) {
			return m, nil
		}
		return m, tea.Batch(
			tick(m.interval),
			pollStatus(m.serverURL, m.jobID),
		)

	case statusMsg:
		m = m.applyView(JobView(msg))
		return m, nil

	case snapshotMsg:
		m = m.applyView(JobView(msg))
		return m, waitForEvent(m.events)

	case eventMsg:
		m = m.applyEvent(JobEvent(msg))
		return m, waitForEvent(m.events)

	case streamClosedMsg:
		m.streamDone = true
		return m, nil

	case errMsg:
		m.err = error(msg)
		return m, nil
	}

	return m, nil
}

// applyView replaces the displayed state with a fresh job view.
func (m watchModel) applyView(view JobView) watchModel {
	m.factsHist = appendToHistory(m.factsHist, float64(view.Facts))
	m.searchHist = appendToHistory(m.searchHist, float64(view.Searches))
	m.view = view
	m.haveView = true
	m.lastUpdate = time.Now()
	m.err = nil
	return m
}

// applyEvent folds a streamed event into the displayed state. Counters
// ride on the event's metrics snapshot so the dashboard moves between
// polls.
func (m watchModel) applyEvent(ev JobEvent) watchModel {
	m.recent = append(m.recent, ev)
	if len(m.recent) > recentEventMax {
		m.recent = m.recent[1:]
	}

	if ev.Phase > m.view.Phase {
		m.view.Phase = ev.Phase
	}
	if ev.Iteration > m.view.Iterations {
		m.view.Iterations = ev.Iteration
	}
	if ev.Status != "" {
		m.view.Status = ev.Status
	}
	if n, ok := ev.Metrics["facts"]; ok {
		m.view.Facts = n
	}
	if n, ok := ev.Metrics["entities"]; ok {
		m.view.Entities = n
	}
	if n, ok := ev.Metrics["verified"]; ok {
		m.view.VerifiedFacts = n
	}
	if n, ok := ev.Metrics["risk_flags"]; ok {
		m.view.RiskFlags = n
	}
	if n, ok := ev.Metrics["pending"]; ok {
		m.view.PendingQueries = n
	}
	if n, ok := ev.Metrics["searches"]; ok {
		m.view.Searches = n
	}
	if n, ok := ev.Metrics["graph_nodes"]; ok {
		m.view.GraphNodes = n
	}

	switch ev.Type {
	case "completed":
		m.view.Complete = true
		m.view.HasReport = true
	case "failed":
		if ev.Message != "" {
			m.view.Error = ev.Message
		}
	}

	m.lastUpdate = time.Now()
	return m
}

// View renders the dashboard
func (m watchModel) View() string {
	if m.quitting {
		return ""
	}

	if m.err != nil {
		return m.renderError()
	}

	if !m.haveView {
		return m.renderWaiting()
	}

	return m.renderDashboard()
}

// renderError renders the error view
func (m watchModel) renderError() string {
	header := headerStyle.Render(" resd watch ")

	var content string
	content += "\n"
	content += errorStyle.Render("⚠ Cannot reach researchd") + "\n"
	content += "\n"
	content += dimStyle.Render("URL: ") + valueStyle.Render(m.serverURL) + "\n"
	content += dimStyle.Render("Job: ") + valueStyle.Render(m.jobID) + "\n"
	content += dimStyle.Render("Error: ") + errorStyle.Render(m.err.Error()) + "\n"
	content += "\n"
	content += dimStyle.Render("Please ensure:") + "\n"
	content += dimStyle.Render("  1. researchd is running") + "\n"
	content += dimStyle.Render("  2. --server points at its listen address") + "\n"
	content += "\n"
	content += footerStyle.Render("[q] quit  [r] retry") + "\n"

	return containerStyle.Render(header + "\n" + content)
}

func (m watchModel) renderWaiting() string {
	header := headerStyle.Render(" resd watch ")

	var content string
	content += "\n"
	content += dimStyle.Render("Job: ") + valueStyle.Render(m.jobID) + "\n"
	content += dimStyle.Render("Waiting for first status...") + "\n"
	content += "\n"
	content += footerStyle.Render("[q] quit") + "\n"

	return containerStyle.Render(header + "\n" + content)
}

// renderDashboard renders the live job view
func (m watchModel) renderDashboard() string {
	var content string

	lastUpdateStr := "Never"
	if !m.lastUpdate.IsZero() {
		lastUpdateStr = m.lastUpdate.Format("3:04:05 PM")
	}

	header := headerStyle.Render(" resd watch ")
	headerLine := fmt.Sprintf("%s   %s   %s   %s",
		statusBadge(m.view.Status),
		valueStyle.Render(m.view.Target.Name),
		dimStyle.Render(truncate(m.jobID, 12)),
		dimStyle.Render(lastUpdateStr))

	content += header + "\n"
	content += headerLine + "\n"

	if m.view.Error != "" {
		content += errorStyle.Render("  "+truncate(m.view.Error, 70)) + "\n"
	}

	// Phase section with progress bar and completion flags
	content += "\n" + sectionStyle.Render("┃ Phase") + "\n"

	phaseRatio := 0.0
	if m.view.MaxPhases > 0 {
		phaseRatio = float64(m.view.Phase) / float64(m.view.MaxPhases)
	}
	if m.view.Complete || m.view.Status == "completed" {
		phaseRatio = 1.0
	}
	if phaseRatio > 1.0 {
		phaseRatio = 1.0
	}
	content += labelStyle.Render("  Progress: ") +
		m.phaseProgress.ViewAs(phaseRatio) +
		" " + dimStyle.Render(fmt.Sprintf("phase %d/%d", m.view.Phase, m.view.MaxPhases)) + "\n"

	content += labelStyle.Render("  Iterations: ") +
		valueStyle.Render(fmt.Sprintf("%d", m.view.Iterations)) + "\n"

	content += labelStyle.Render("  Flags: ") +
		flagBadge(m.view.Searched, "searched") + "  " +
		flagBadge(m.view.Verified, "verified") + "  " +
		flagBadge(m.view.RiskAssessed, "risk") + "  " +
		flagBadge(m.view.HasReport, "report") + "\n"

	// Findings section with sparkline
	content += "\n" + sectionStyle.Render("┃ Findings") + "\n"

	factsSparkline := createSparkline(m.factsHist)
	content += labelStyle.Render("  Facts: ") +
		valueStyle.Render(fmt.Sprintf("%d", m.view.Facts)) +
		"   " + factsSparkline + "\n"

	content += labelStyle.Render("  Verified: ") +
		valueStyle.Render(fmt.Sprintf("%d", m.view.VerifiedFacts)) +
		"  " + labelStyle.Render("Contradictions: ") +
		contradictionValue(m.view.Contradictions) + "\n"

	content += labelStyle.Render("  Entities: ") +
		valueStyle.Render(fmt.Sprintf("%d", m.view.Entities)) +
		"  " + labelStyle.Render("Graph Nodes: ") +
		valueStyle.Render(fmt.Sprintf("%d", m.view.GraphNodes)) + "\n"

	content += labelStyle.Render("  Risk Flags: ") +
		riskValue(m.view.RiskFlags) + "\n"

	// Search section with sparkline
	content += "\n" + sectionStyle.Render("┃ Search") + "\n"

	searchSparkline := createSparkline(m.searchHist)
	content += labelStyle.Render("  Searches: ") +
		valueStyle.Render(fmt.Sprintf("%d", m.view.Searches)) +
		"   " + searchSparkline + "\n"

	content += labelStyle.Render("  Pending Queries: ") +
		valueStyle.Render(fmt.Sprintf("%d", m.view.PendingQueries)) + "\n"

	// Recent events
	content += "\n" + sectionStyle.Render("┃ Recent Events") + "\n"
	if len(m.recent) == 0 {
		content += dimStyle.Render("  none yet") + "\n"
	}
	for _, ev := range m.recent {
		content += "  " + renderEventRow(ev) + "\n"
	}

	if m.streamDone && !terminalStatus(m.view.Status) {
		content += "\n" + dimStyle.Render("  event stream closed; polling only") + "\n"
	}

	// Footer with keyboard shortcuts
	footer := footerKeyStyle.Render("[q]") + footerStyle.Render(" quit  ") +
		footerKeyStyle.Render("[r]") + footerStyle.Render(" refresh  ") +
		footerStyle.Render(fmt.Sprintf("Poll: %v", m.interval))

	if terminalStatus(m.view.Status) && m.view.HasReport {
		content += "\n" + healthyStyle.Render("  Report ready: ") +
			valueStyle.Render(fmt.Sprintf("resd report %s", m.jobID)) + "\n"
	}

	content += "\n" + footer

	return containerStyle.Render(content)
}

// statusBadge returns a colored badge for a job status
func statusBadge(status string) string {
	switch status {
	case "completed":
		return healthyStyle.Render("✓ COMPLETED")
	case "running":
		return warningStyle.Render("● RUNNING")
	case "pending":
		return dimStyle.Render("○ PENDING")
	case "paused":
		return dimStyle.Render("◌ PAUSED")
	case "failed", "error":
		return errorStyle.Render("✗ FAILED")
	case "cancelled":
		return dimStyle.Render("⊘ CANCELLED")
	}
	return dimStyle.Render(status)
}

// flagBadge renders one completion flag
func flagBadge(on bool, label string) string {
	if on {
		return healthyStyle.Render("[✓]") + " " + valueStyle.Render(label)
	}
	return dimStyle.Render("[ ] " + label)
}

func contradictionValue(n int) string {
	if n > 0 {
		return warningStyle.Render(fmt.Sprintf("%d", n))
	}
	return valueStyle.Render("0")
}

func riskValue(n int) string {
	if n > 0 {
		return errorStyle.Render(fmt.Sprintf("%d", n))
	}
	return valueStyle.Render("0")
}

// renderEventRow renders one streamed event line
func renderEventRow(ev JobEvent) string {
	row := dimStyle.Render(ev.Timestamp.Local().Format("15:04:05")) +
		" " + eventLabelStyle(ev.Type).Render(ev.Type)
	if ev.Step != "" {
		row += " " + valueStyle.Render(ev.Step)
	}
	if ev.Message != "" {
		row += " " + dimStyle.Render(truncate(ev.Message, 48))
	}
	return row
}

func eventLabelStyle(eventType string) lipgloss.Style {
	switch eventType {
	case "step_failed", "failed":
		return errorStyle
	case "completed":
		return healthyStyle
	case "cancelled":
		return warningStyle
	}
	return labelStyle
}

// appendToHistory appends a value to history, maintaining max size
func appendToHistory(history []float64, value float64) []float64 {
	history = append(history, value)
	if len(history) > historySize {
		history = history[1:]
	}
	return history
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

	return sparklineStyle.Render(spark.View())
}

// streamJobEvents reads the server's SSE feed and forwards decoded
// events to the dashboard. The channel is closed when the stream ends,
// whatever the reason.
func streamJobEvents(ctx context.Context, server, jobID string, out chan<- tea.Msg) {
	defer close(out)

	url := fmt.Sprintf("%s/api/v1/research/%s/events", server, jobID)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		send(ctx, out, errMsg(fmt.Errorf("failed to create request: %w", err)))
		return
	}

	// No client timeout: the stream stays open for the job's lifetime.
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			send(ctx, out, errMsg(fmt.Errorf("event stream unavailable: %w", err)))
		}
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		send(ctx, out, errMsg(statusError(resp)))
		return
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var event string
	var data []byte
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if event != "" && len(data) > 0 {
				if msg := decodeStreamEvent(event, data); msg != nil {
					if !send(ctx, out, msg) {
						return
					}
				}
			}
			event = ""
			data = nil
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = append(data, strings.TrimPrefix(line, "data: ")...)
		}
		// Comment lines (heartbeats) need no handling.
	}
}

// decodeStreamEvent maps one SSE frame to a dashboard message.
func decodeStreamEvent(event string, data []byte) tea.Msg {
	if event == "snapshot" {
		var view JobView
		if err := json.Unmarshal(data, &view); err != nil {
			return nil
		}
		return snapshotMsg(view)
	}

	var ev JobEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil
	}
	if ev.Type == "" {
		ev.Type = event
	}
	return eventMsg(ev)
}

func send(ctx context.Context, out chan<- tea.Msg, msg tea.Msg) bool {
	select {
	case out <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}
