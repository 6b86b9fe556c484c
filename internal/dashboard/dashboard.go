// Package dashboard is a read-only bubbletea status view over the
// engine: portfolio value, open positions, emergency level, health.
// Trimmed down from internal/tui/model.go's interactive trading TUI
// (signal feed, config modal, sell-all hotkey, theme cycling) to the
// operator's observability surface this engine actually needs — no
// trading action originates from here, since every mutating command
// already has its own path through internal/api.
package dashboard

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"treasury-engine/internal/domain"
	"treasury-engine/internal/health"
)

var (
	colorBg      = lipgloss.Color("#1a1b26")
	colorBorder  = lipgloss.Color("#7aa2f7")
	colorText    = lipgloss.Color("#c0caf5")
	colorProfit  = lipgloss.Color("#9ece6a")
	colorLoss    = lipgloss.Color("#f7768e")
	colorWarn    = lipgloss.Color("#e0af68")

	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(colorText).Background(colorBg).Padding(0, 1)
	borderStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(colorBorder).Padding(0, 1)
	footerStyle = lipgloss.NewStyle().Foreground(colorText).Faint(true)
)

// DataSource is everything the dashboard reads each tick. All methods
// must be safe to call from the bubbletea update goroutine, i.e. they
// must not block on the engine's own locks for long.
type DataSource interface {
	OpenPositions() []*domain.Position
	PortfolioValue(ctx context.Context) (solBalance, usdValue float64, err error)
	EmergencyState() domain.EmergencyStopState
	HealthStatuses() []health.Status
}

const tickInterval = 2 * time.Second

// Model is the bubbletea model.
type Model struct {
	source DataSource

	positions   []*domain.Position
	solBalance  float64
	usdValue    float64
	emergency   domain.EmergencyStopState
	healthRows  []health.Status
	lastErr     error
	width       int
	height      int
}

// New constructs a dashboard Model reading from source.
func New(source DataSource) Model {
	return Model{source: source}
}

type tickMsg time.Time

type refreshMsg struct {
	positions  []*domain.Position
	solBalance float64
	usdValue   float64
	emergency  domain.EmergencyStopState
	health     []health.Status
	err        error
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.refresh(), tickCmd())
}

func tickCmd() tea.Cmd {
	return tea.Tick(tickInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) refresh() tea.Cmd {
	return func() tea.Msg {
		sol, usd, err := m.source.PortfolioValue(context.Background())
		return refreshMsg{
			positions:  m.source.OpenPositions(),
			solBalance: sol,
			usdValue:   usd,
			emergency:  m.source.EmergencyState(),
			health:     m.source.HealthStatuses(),
			err:        err,
		}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		return m, nil
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			return m, m.refresh()
		}
		return m, nil
	case tickMsg:
		return m, tea.Batch(m.refresh(), tickCmd())
	case refreshMsg:
		m.positions = msg.positions
		m.solBalance = msg.solBalance
		m.usdValue = msg.usdValue
		m.emergency = msg.emergency
		m.healthRows = msg.health
		m.lastErr = msg.err
		return m, nil
	}
	return m, nil
}

func (m Model) View() string {
	var b strings.Builder

	header := fmt.Sprintf(" treasury-engine  ·  %s  ·  emergency=%s ", time.Now().Format("15:04:05"), m.emergency.Level)
	b.WriteString(headerStyle.Width(max(m.width-2, 40)).Render(header))
	b.WriteString("\n\n")

	b.WriteString(borderStyle.Width(max(m.width-4, 38)).Render(m.renderPortfolio()))
	b.WriteString("\n")
	b.WriteString(borderStyle.Width(max(m.width-4, 38)).Render(m.renderPositions()))
	b.WriteString("\n")
	b.WriteString(borderStyle.Width(max(m.width-4, 38)).Render(m.renderHealth()))
	b.WriteString("\n")
	b.WriteString(footerStyle.Render(" q quit · r refresh "))

	return b.String()
}

func (m Model) renderPortfolio() string {
	var b strings.Builder
	fmt.Fprintf(&b, "SOL balance: %.4f\n", m.solBalance)
	fmt.Fprintf(&b, "Portfolio:   $%.2f\n", m.usdValue)
	if m.emergency.Level != domain.LevelNone {
		warn := lipgloss.NewStyle().Foreground(colorWarn).Bold(true)
		fmt.Fprintf(&b, "%s\n", warn.Render(fmt.Sprintf("%s: %s", m.emergency.Level, m.emergency.Reason)))
	}
	if m.lastErr != nil {
		b.WriteString(lipgloss.NewStyle().Foreground(colorLoss).Render("error: " + m.lastErr.Error()))
	}
	return b.String()
}

func (m Model) renderPositions() string {
	if len(m.positions) == 0 {
		return "no open positions"
	}
	var b strings.Builder
	b.WriteString("Mint       Entry      Current    PnL%\n")
	for _, p := range m.positions {
		style := lipgloss.NewStyle().Foreground(colorProfit)
		if p.PnLPct < 0 {
			style = lipgloss.NewStyle().Foreground(colorLoss)
		}
		fmt.Fprintf(&b, "%-10s %-10.6f %-10.6f %s\n",
			truncate(p.Mint, 10), p.EntryPrice, p.CurrentPrice, style.Render(fmt.Sprintf("%.2f%%", p.PnLPct)))
	}
	return b.String()
}

func (m Model) renderHealth() string {
	if len(m.healthRows) == 0 {
		return "health: no checks configured"
	}
	var parts []string
	for _, s := range m.healthRows {
		style := lipgloss.NewStyle().Foreground(colorProfit)
		mark := "ok"
		if !s.Healthy {
			style = lipgloss.NewStyle().Foreground(colorLoss)
			mark = "down"
		}
		parts = append(parts, fmt.Sprintf("%s=%s", s.Name, style.Render(mark)))
	}
	return strings.Join(parts, "  ")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
