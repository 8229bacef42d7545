// Package ui renders a job snapshot in the terminal
package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const maxTableRows = 15

var columnTitles = []string{"Kind", "Key", "Commit", "Last Seen", "Labels", "Author"}

// extra space each column gets when the terminal is wider than the data
var extraDistribution = map[string]float64{
	"Kind":      0.05,
	"Key":       0.30,
	"Commit":    0.05,
	"Last Seen": 0.05,
	"Labels":    0.40,
	"Author":    0.15,
}

// formatDuration formats a duration into a human-readable string
func formatDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

func shortSHA(sha string) string {
	if len(sha) > 10 {
		return sha[:10]
	}
	return sha
}

// Model is the TUI model of the snapshot inspector
type Model struct {
	table      table.Model
	inspection Inspection
	now        func() time.Time
	width      int
	height     int
}

// NewModel creates the inspector for an inspection
func NewModel(inspection Inspection) Model {
	columns := make([]table.Column, 0, len(columnTitles))
	for _, title := range columnTitles {
		columns = append(columns, table.Column{Title: title, Width: len(title) + 2})
	}

	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(1),
	)

	m := Model{table: t, inspection: inspection, now: time.Now}
	m.updateTable()
	m.updateSelectionStyle()
	return m
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.updateTableSize()
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
	}

	m.table, cmd = m.table.Update(msg)
	m.updateSelectionStyle()
	return m, cmd
}

func (m Model) View() string {
	var s strings.Builder

	headerStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")).MarginBottom(1)
	s.WriteString(headerStyle.Render(fmt.Sprintf("Job: %s (%s)", m.inspection.Job, m.inspection.Repo)))
	s.WriteString("\n")

	infoStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	if m.inspection.SavedAt.IsZero() {
		s.WriteString(infoStyle.Render("Snapshot was never saved"))
	} else {
		s.WriteString(infoStyle.Render(fmt.Sprintf("Snapshot saved: %s (%s ago)",
			m.inspection.SavedAt.Format("2006-01-02 15:04:05"),
			formatDuration(m.now().Sub(m.inspection.SavedAt)))))
	}
	s.WriteString("\n")

	if m.inspection.Live {
		summaryStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("33")).MarginTop(1).MarginBottom(1)
		s.WriteString(summaryStyle.Render(fmt.Sprintf("Pending: %d new, %d changed, %d removed",
			m.inspection.Count(StatusNew),
			m.inspection.Count(StatusChanged),
			m.inspection.Count(StatusRemoved))))
		s.WriteString("\n")
	}

	s.WriteString(m.table.View())
	s.WriteString("\n")

	if len(m.inspection.Items) > maxTableRows {
		scrollStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Italic(true)
		s.WriteString(scrollStyle.Render(fmt.Sprintf("Showing %d of %d items - use arrow keys to scroll", maxTableRows, len(m.inspection.Items))))
		s.WriteString("\n")
	}

	if item, ok := m.selected(); ok {
		if item.Title != "" {
			titleStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("250")).MarginTop(1)
			s.WriteString(titleStyle.Render(fmt.Sprintf("Title: %s", item.Title)))
			s.WriteString("\n")
		}
		s.WriteString(m.renderItemStatus(item))
	}

	helpStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("240")).MarginTop(1)
	s.WriteString(helpStyle.Render("Press 'q' to quit, arrow keys to navigate"))

	return s.String()
}

func (m *Model) selected() (Item, bool) {
	cursor := m.table.Cursor()
	if cursor < 0 || cursor >= len(m.inspection.Items) {
		return Item{}, false
	}
	return m.inspection.Items[cursor], true
}

func (m *Model) updateTable() {
	rows := make([]table.Row, 0, len(m.inspection.Items))
	for _, item := range m.inspection.Items {
		rows = append(rows, itemToRow(item))
	}
	m.updateColumnWidths()
	m.table.SetRows(rows)
	m.updateTableSize()
}

func itemToRow(item Item) table.Row {
	lastSeen := ""
	if !item.LastSeenAt.IsZero() {
		lastSeen = item.LastSeenAt.Format("2006-01-02")
	}
	return table.Row{
		string(item.Kind),
		item.Key,
		shortSHA(item.CommitSHA),
		lastSeen,
		strings.Join(item.Labels, ", "),
		item.Author,
	}
}

func (m *Model) updateTableSize() {
	height := min(len(m.inspection.Items), maxTableRows) + 1
	if height < 2 {
		height = 2
	}
	m.table.SetHeight(height)
	m.updateColumnWidths()
}

// updateColumnWidths fits the columns to the data and spreads the rest of
// the terminal width over them
func (m *Model) updateColumnWidths() {
	widths := m.calculateDataWidths()

	total := 0
	for title := range widths {
		widths[title] += 2
		total += widths[title]
	}

	extra := 0
	if available := m.width - 10; available > total {
		extra = available - total
	}

	columns := make([]table.Column, 0, len(columnTitles))
	for _, title := range columnTitles {
		columns = append(columns, table.Column{Title: title, Width: widths[title] + int(float64(extra)*extraDistribution[title])})
	}
	m.table.SetColumns(columns)
}

func (m *Model) calculateDataWidths() map[string]int {
	widths := map[string]int{}
	for _, title := range columnTitles {
		widths[title] = len(title)
	}
	for _, item := range m.inspection.Items {
		for i, cell := range itemToRow(item) {
			if len(cell) > widths[columnTitles[i]] {
				widths[columnTitles[i]] = len(cell)
			}
		}
	}
	return widths
}

func (m *Model) renderItemStatus(item Item) string {
	var s strings.Builder
	switch item.Status {
	case StatusNew:
		s.WriteString(lipgloss.NewStyle().Foreground(lipgloss.Color("46")).Bold(true).Render("NEW: the next cycle evaluates it"))
		s.WriteString("\n")
	case StatusChanged:
		s.WriteString(lipgloss.NewStyle().Foreground(lipgloss.Color("226")).Bold(true).Render("CHANGED: the next cycle evaluates it"))
		s.WriteString("\n")
		for _, change := range item.Changes {
			s.WriteString(fmt.Sprintf("  • %s changed from '%s' to '%s'\n", change.Field, change.OldValue, change.NewValue))
		}
	case StatusRemoved:
		s.WriteString(lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Strikethrough(true).Render("REMOVED: gone from GitHub"))
		s.WriteString("\n")
	default:
		s.WriteString(lipgloss.NewStyle().Foreground(lipgloss.Color("250")).Render("UNCHANGED"))
		s.WriteString("\n")
	}
	return s.String()
}

// updateSelectionStyle colors the selection by the status of the selected item
func (m *Model) updateSelectionStyle() {
	item, ok := m.selected()
	if !ok {
		return
	}

	var background lipgloss.Color
	switch item.Status {
	case StatusNew:
		background = lipgloss.Color("22")
	case StatusChanged:
		background = lipgloss.Color("130")
	case StatusRemoved:
		background = lipgloss.Color("52")
	default:
		background = lipgloss.Color("240")
	}

	styles := table.DefaultStyles()
	styles.Selected = styles.Selected.Foreground(lipgloss.Color("230")).Background(background).Bold(true)
	styles.Cell = styles.Cell.MaxWidth(0)
	styles.Header = styles.Header.MaxWidth(0)
	m.table.SetStyles(styles)
}
