package console

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/loamlab/loam/internal/client"
	"github.com/loamlab/loam/internal/stage"
)

const statusPanelHeight = 13

func (m Model) leftWidth() int {
	w := m.width * 2 / 5
	if w < 34 {
		w = 34
	}
	if w > m.width-20 {
		w = m.width - 20
	}
	return w
}

func (m Model) rightWidth() int {
	return m.width - m.leftWidth()
}

func (m Model) bodyHeight() int {
	h := m.height - 2
	if h < 6 {
		h = 6
	}
	return h
}

func (m Model) telemetryHeight() int {
	h := m.bodyHeight() - statusPanelHeight - 3
	if h < 3 {
		h = 3
	}
	return h
}

func (m Model) View() string {
	if !m.ready {
		return "starting loam console..."
	}
	if m.screen == screenSearch {
		return lipgloss.JoinVertical(lipgloss.Left,
			m.viewHeader(),
			m.viewSearch(),
			m.viewFooter(),
		)
	}

	left := m.viewLeftColumn()
	right := lipgloss.JoinVertical(lipgloss.Left,
		m.viewStatusPanel(),
		m.viewTelemetryPanel(),
	)
	body := lipgloss.JoinHorizontal(lipgloss.Top, left, right)

	return lipgloss.JoinVertical(lipgloss.Left,
		m.viewHeader(),
		body,
		m.viewFooter(),
	)
}

func (m Model) viewHeader() string {
	sep := mutedStyle.Render(" | ")

	health := errStyle.Render("○ offline")
	if m.online {
		health = okStyle.Render("● online")
	}

	kb := mutedStyle.Render("kb: none")
	if m.selectedKB != "" {
		kb = labelStyle.Render("kb: ") + accentStyle.Render(m.selectedKB)
	}

	model := mutedStyle.Render("model: default")
	if m.embedModel != "" {
		model = labelStyle.Render("model: ") + labelStyle.Render(m.embedModel)
	}

	job := mutedStyle.Render("idle")
	if m.status.IsRunning {
		frame := spinnerFrames[m.tickCount%len(spinnerFrames)]
		job = accentStyle.Render(frame + " ingesting")
	}

	return titleStyle.Render("loam") + sep + health + sep + kb + sep + model + sep + job
}

func (m Model) viewLeftColumn() string {
	switch m.mode {
	case modeKBPick:
		return m.viewKBPicker()
	case modeKBCreate:
		return m.viewKBCreate()
	case modeModelPick:
		return m.viewModelPicker()
	}
	return m.viewTree()
}

func (m Model) viewTree() string {
	w := m.leftWidth() - 2
	h := m.bodyHeight() - 2

	var b strings.Builder
	b.WriteString(titleStyle.Render("Staging") + "\n")
	b.WriteString(m.pathInput.View() + "\n")

	if m.scanErr != "" {
		b.WriteString(errStyle.Render(truncate("scan failed: "+m.scanErr, w)) + "\n")
	}

	listH := h - 4
	if listH < 1 {
		listH = 1
	}

	if m.root == nil {
		b.WriteString(mutedStyle.Render("no directory scanned yet, press p to enter a path"))
	} else {
		b.WriteString(m.renderTreeRows(w, listH))
		total, selected := stage.CountFiles(m.root)
		b.WriteString("\n" + labelStyle.Render(fmt.Sprintf("%d/%d files selected", selected, total)))
	}

	style := panelStyle
	if m.mode == modeBrowse && m.screen == screenStage {
		style = focusedPanelStyle
	}
	return style.Width(w).Height(h).Render(b.String())
}

func (m Model) renderTreeRows(width, height int) string {
	if len(m.rows) == 0 {
		return mutedStyle.Render("(empty)")
	}

	offset := 0
	if len(m.rows) > height {
		offset = m.cursor - height/2
		if offset < 0 {
			offset = 0
		}
		if offset > len(m.rows)-height {
			offset = len(m.rows) - height
		}
	}

	lines := make([]string, 0, height)
	for i := offset; i < len(m.rows) && i < offset+height; i++ {
		lines = append(lines, m.renderTreeRow(m.rows[i], i == m.cursor, width))
	}
	return strings.Join(lines, "\n")
}

func (m Model) renderTreeRow(row treeRow, selected bool, width int) string {
	indent := strings.Repeat("  ", row.depth)

	var marker, name string
	switch row.node.Kind {
	case stage.KindFolder:
		glyph := "▸"
		if m.expanded[row.node.RelPath] {
			glyph = "▾"
		}
		marker = checkboxGlyph(stage.State(row.node))
		name = glyph + " " + row.node.Name + "/"
	case stage.KindBinary:
		marker = mutedStyle.Render("[-]")
		name = row.node.Name
	default:
		marker = checkboxGlyph(stage.State(row.node))
		name = row.node.Name
	}

	text := truncate(name, width-len(indent)-6)
	if row.node.Kind == stage.KindBinary {
		text = mutedStyle.Render(text)
	}
	line := indent + marker + " " + text
	if selected {
		return cursorRowStyle.Render("» ") + line
	}
	return "  " + line
}

func (m Model) viewKBPicker() string {
	w := m.leftWidth() - 2
	h := m.bodyHeight() - 2

	var b strings.Builder
	b.WriteString(titleStyle.Render("Knowledge bases") + "\n\n")
	if len(m.kbs) == 0 {
		b.WriteString(mutedStyle.Render("none yet, press n to create one"))
	}
	for i, name := range m.kbs {
		line := "  " + name
		if name == m.selectedKB {
			line += okStyle.Render(" (current)")
		}
		if i == m.kbCursor {
			line = cursorRowStyle.Render("» " + name)
			if name == m.selectedKB {
				line += okStyle.Render(" (current)")
			}
		}
		b.WriteString(line + "\n")
	}
	return focusedPanelStyle.Width(w).Height(h).Render(b.String())
}

func (m Model) viewKBCreate() string {
	w := m.leftWidth() - 2
	h := m.bodyHeight() - 2

	var b strings.Builder
	b.WriteString(titleStyle.Render("New knowledge base") + "\n\n")
	b.WriteString(m.kbInput.View() + "\n\n")
	b.WriteString(mutedStyle.Render("lowercase letters, digits, - and _"))
	return focusedPanelStyle.Width(w).Height(h).Render(b.String())
}

func (m Model) viewModelPicker() string {
	w := m.leftWidth() - 2
	h := m.bodyHeight() - 2

	var b strings.Builder
	b.WriteString(titleStyle.Render("Embedding model") + "\n\n")
	if len(m.models) == 0 {
		b.WriteString(mutedStyle.Render("no models reported, is ollama running?"))
	}
	for i, name := range m.models {
		line := "  " + name
		if i == m.modelCursor {
			line = cursorRowStyle.Render("» " + name)
		}
		b.WriteString(line + "\n")
	}
	return focusedPanelStyle.Width(w).Height(h).Render(b.String())
}

func (m Model) viewStatusPanel() string {
	w := m.rightWidth() - 2

	var b strings.Builder
	b.WriteString(titleStyle.Render("Ingestion") + "\n")

	if m.status.IsRunning {
		frame := spinnerFrames[m.tickCount%len(spinnerFrames)]
		b.WriteString(accentStyle.Render(frame) + " " + truncate(m.status.CurrentFile, w-4) + "\n")
		b.WriteString(renderBar(m.status.ProgressPercent, w-12))
		b.WriteString(fmt.Sprintf(" %5.1f%%", m.status.ProgressPercent) + "\n")
		b.WriteString(labelStyle.Render(fmt.Sprintf("%d/%d files", m.status.ProcessedFiles, m.status.TotalFiles)) + "\n")
	} else {
		b.WriteString(mutedStyle.Render("no job running") + "\n\n\n")
	}

	telemetry := mutedStyle.Render("telemetry off")
	if m.orch.TelemetryActive() {
		telemetry = okStyle.Render("telemetry live")
	}
	b.WriteString(telemetry + "\n")

	b.WriteString(labelStyle.Render("Log") + "\n")
	logTail := m.status.Log
	const tailLines = 5
	if len(logTail) > tailLines {
		logTail = logTail[len(logTail)-tailLines:]
	}
	if len(logTail) == 0 {
		b.WriteString(mutedStyle.Render("(empty)"))
	}
	for _, line := range logTail {
		b.WriteString(truncate(line, w) + "\n")
	}

	return panelStyle.Width(w).Height(statusPanelHeight - 2).Render(b.String())
}

func (m Model) viewTelemetryPanel() string {
	w := m.rightWidth() - 2

	title := titleStyle.Render("Chunk feed")
	if n := m.frameCount; n > 0 {
		title += mutedStyle.Render(fmt.Sprintf(" (%d buffered)", n))
	}
	content := title + "\n" + m.telemetryVP.View()
	return panelStyle.Width(w).Height(m.telemetryHeight() + 1).Render(content)
}

// renderFrames formats telemetry frames one per line, oldest first.
func renderFrames(frames []client.Frame, width int) string {
	if len(frames) == 0 {
		return mutedStyle.Render("no chunk activity, frames appear while a job runs")
	}
	lines := make([]string, 0, len(frames))
	for _, f := range frames {
		swatch := lipgloss.NewStyle().Foreground(lipgloss.Color(f.ConceptColor)).Render("■")
		id := mutedStyle.Render(f.ID)
		preview := strings.ReplaceAll(f.Content, "\n", " ")
		rest := width - lipgloss.Width(f.ID) - 4
		lines = append(lines, swatch+" "+id+" "+truncate(preview, rest))
	}
	return strings.Join(lines, "\n")
}

func (m Model) viewSearch() string {
	w := m.width - 2
	h := m.bodyHeight() - 2

	var b strings.Builder
	b.WriteString(titleStyle.Render("Search") + "  ")
	if m.selectedKB != "" {
		b.WriteString(labelStyle.Render("kb: ") + accentStyle.Render(m.selectedKB))
	} else {
		b.WriteString(errStyle.Render("no knowledge base selected (b on the stage screen)"))
	}
	b.WriteString("\n" + m.searchInput.View() + "\n\n")

	switch {
	case m.searching:
		frame := spinnerFrames[m.tickCount%len(spinnerFrames)]
		b.WriteString(accentStyle.Render(frame+" searching..."))
	case m.searchErr != "":
		b.WriteString(errStyle.Render(truncate(m.searchErr, w)))
	case len(m.searchHits) == 0 && m.searched:
		b.WriteString(mutedStyle.Render("no results"))
	default:
		for i, hit := range m.searchHits {
			loc := fmt.Sprintf("%s#%d", hit.RelPath, hit.ChunkIndex)
			badges := strings.Join(hit.Matched, "+")
			head := fmt.Sprintf("%2d. ", i+1) +
				accentStyle.Render(loc) +
				mutedStyle.Render(fmt.Sprintf("  score %.4f  %s", hit.Score, badges))
			snippet := "    " + truncate(strings.ReplaceAll(hit.Snippet, "\n", " "), w-6)
			b.WriteString(head + "\n" + labelStyle.Render(snippet) + "\n")
		}
	}

	return focusedPanelStyle.Width(w).Height(h).Render(b.String())
}

func (m Model) viewFooter() string {
	if m.notice != "" {
		style := okStyle
		if m.noticeErr {
			style = errStyle
		}
		return style.Render(truncate(m.notice, m.width-1))
	}

	var help string
	switch {
	case m.screen == screenSearch:
		help = "enter search · esc/tab back · ctrl+c quit"
	case m.mode == modePath:
		help = "enter scan · esc cancel"
	case m.mode == modeKBPick:
		help = "↑/↓ move · enter select · n new · esc back"
	case m.mode == modeKBCreate:
		help = "enter create · esc back"
	case m.mode == modeModelPick:
		help = "↑/↓ move · enter select · esc back"
	default:
		help = "↑/↓ move · space select · →/← fold · p path · b kb · m model · i ingest · / search · q quit"
	}
	return mutedStyle.Render(truncate(help, m.width-1))
}
