package main

// tui.go — interactive evidence-pack browser for 'basalt inspect'.
//
// One screen: the pack's verification findings and per-file status, with
// a textinput filter at the top. Purely read-only; all verification work
// happened before the program starts.

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"basalt/internal/evidence"
)

// inspectRow is one rendered line: a verified file or a finding.
type inspectRow struct {
	status string // "ok" | "FAIL"
	name   string
	detail string
}

// inspectModel is a bubbletea model over the verification result.
type inspectModel struct {
	rows   []inspectRow
	filter textinput.Model
	cursor int
	pass   bool
	total  int
	quit   bool
}

func newInspectModel(res *evidence.Result) inspectModel {
	ti := textinput.New()
	ti.Placeholder = "type to filter"
	ti.CharLimit = 128
	ti.Focus()

	return inspectModel{
		rows:   buildRows(res),
		filter: ti,
		pass:   res.Pass,
		total:  res.Checked,
	}
}

// buildRows flattens the result: failures first, then verified files.
func buildRows(res *evidence.Result) []inspectRow {
	var rows []inspectRow
	failed := make(map[string]bool)
	for _, f := range res.Findings {
		failed[f.File] = true
		rows = append(rows, inspectRow{status: "FAIL", name: f.File, detail: f.String()})
	}
	for _, name := range res.Verified {
		if !failed[name] {
			rows = append(rows, inspectRow{status: "ok", name: name, detail: "checksum verified"})
		}
	}
	return rows
}

func (m inspectModel) visible() []inspectRow {
	q := strings.ToLower(m.filter.Value())
	if q == "" {
		return m.rows
	}
	var out []inspectRow
	for _, r := range m.rows {
		if strings.Contains(strings.ToLower(r.name), q) || strings.Contains(strings.ToLower(r.detail), q) {
			out = append(out, r)
		}
	}
	return out
}

func (m inspectModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m inspectModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.quit = true
			return m, tea.Quit
		case tea.KeyUp:
			if m.cursor > 0 {
				m.cursor--
			}
			return m, nil
		case tea.KeyDown:
			if m.cursor < len(m.visible())-1 {
				m.cursor++
			}
			return m, nil
		}
	}
	var cmd tea.Cmd
	m.filter, cmd = m.filter.Update(msg)
	if m.cursor >= len(m.visible()) {
		m.cursor = 0
	}
	return m, cmd
}

func (m inspectModel) View() string {
	if m.quit {
		return ""
	}
	var b strings.Builder

	verdict := "PASS"
	if !m.pass {
		verdict = "FAIL"
	}
	fmt.Fprintf(&b, "evidence pack: %s — %d file(s) checked\n", verdict, m.total)
	fmt.Fprintf(&b, "filter: %s\n\n", m.filter.View())

	rows := m.visible()
	if len(rows) == 0 {
		b.WriteString("  (no matching entries)\n")
	}
	for i, r := range rows {
		marker := "  "
		if i == m.cursor {
			marker = "> "
		}
		fmt.Fprintf(&b, "%s[%-4s] %s\n", marker, r.status, r.name)
		if i == m.cursor && r.detail != "" {
			fmt.Fprintf(&b, "         %s\n", r.detail)
		}
	}

	b.WriteString("\n↑/↓ navigate · esc quit\n")
	return b.String()
}

// runInspectTUI runs the browser until the user quits.
func runInspectTUI(res *evidence.Result) error {
	p := tea.NewProgram(newInspectModel(res))
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("inspect: %w", err)
	}
	return nil
}
