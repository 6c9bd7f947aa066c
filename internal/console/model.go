package console

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/loamlab/loam/internal/client"
	"github.com/loamlab/loam/internal/stage"
)

const (
	uiTickInterval = 250 * time.Millisecond
	// One ping per pingEvery UI ticks keeps the health dot honest
	// without hammering the server.
	pingEvery = 20

	requestTimeout = 10 * time.Second
)

type screen int

const (
	screenStage screen = iota
	screenSearch
)

type stageMode int

const (
	modeBrowse stageMode = iota
	modePath
	modeKBPick
	modeKBCreate
	modeModelPick
)

type treeRow struct {
	node  *stage.Node
	depth int
}

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// uiTickMsg drives the periodic refresh that reads poller snapshots.
type uiTickMsg time.Time

// readyTimeoutMsg unblocks the UI when the terminal never reports a size.
type readyTimeoutMsg struct{}

type pingMsg struct{ err error }

type scanDoneMsg struct {
	path string
	tree *stage.Node
	err  error
}

type kbListMsg struct {
	kbs []string
	err error
}

type kbCreatedMsg struct {
	name string
	err  error
}

type modelListMsg struct {
	models []string
	err    error
}

type jobStartedMsg struct{ err error }

type searchDoneMsg struct {
	hits []client.SearchHit
	err  error
}

func uiTickCmd() tea.Cmd {
	return tea.Tick(uiTickInterval, func(t time.Time) tea.Msg {
		return uiTickMsg(t)
	})
}

func readyTimeoutCmd() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(time.Time) tea.Msg {
		return readyTimeoutMsg{}
	})
}

func pingCmd(o *Orchestrator) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return pingMsg{err: o.Ping(ctx)}
	}
}

func scanCmd(o *Orchestrator, path string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		tree, err := o.Scan(ctx, path)
		return scanDoneMsg{path: path, tree: tree, err: err}
	}
}

func kbListCmd(o *Orchestrator) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		kbs, err := o.ListKBs(ctx)
		return kbListMsg{kbs: kbs, err: err}
	}
}

func kbCreateCmd(o *Orchestrator, name string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		return kbCreatedMsg{name: name, err: o.CreateKB(ctx, name)}
	}
}

func modelListCmd(o *Orchestrator) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		models, err := o.ListModels(ctx)
		return modelListMsg{models: models, err: err}
	}
}

func startJobCmd(o *Orchestrator, job Job) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		return jobStartedMsg{err: o.StartJob(ctx, job)}
	}
}

func searchCmd(o *Orchestrator, kb, query string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		hits, err := o.Search(ctx, kb, query, 10)
		return searchDoneMsg{hits: hits, err: err}
	}
}

// Model is the bubbletea model for the loam console.
type Model struct {
	orch *Orchestrator

	width  int
	height int
	ready  bool

	screen screen
	mode   stageMode

	online    bool
	tickCount int

	// Staging area.
	pathInput textinput.Model
	rootPath  string
	root      *stage.Node
	expanded  map[string]bool
	rows      []treeRow
	cursor    int
	scanErr   string

	// Knowledge bases.
	kbs        []string
	kbCursor   int
	selectedKB string
	kbInput    textinput.Model

	// Embedding models.
	models      []string
	modelCursor int
	embedModel  string

	// Job state mirrored from the orchestrator on every UI tick.
	status     client.JobStatus
	frameCount int
	notice     string
	noticeErr  bool
	noticeTick int

	telemetryVP viewport.Model

	// Search.
	searchInput textinput.Model
	searchHits  []client.SearchHit
	searchErr   string
	searching   bool
	searched    bool
}

// NewModel builds the initial console model around a started orchestrator.
func NewModel(o *Orchestrator, initialPath string) Model {
	pi := textinput.New()
	pi.Placeholder = "directory to scan"
	pi.Prompt = "path> "
	pi.CharLimit = 512
	if initialPath != "" {
		pi.SetValue(initialPath)
	}

	ki := textinput.New()
	ki.Placeholder = "new knowledge base name"
	ki.Prompt = "name> "
	ki.CharLimit = 64

	si := textinput.New()
	si.Placeholder = "search the knowledge base"
	si.Prompt = "query> "
	si.CharLimit = 256

	return Model{
		orch:        o,
		expanded:    map[string]bool{"": true},
		pathInput:   pi,
		kbInput:     ki,
		searchInput: si,
	}
}

func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{
		uiTickCmd(),
		readyTimeoutCmd(),
		pingCmd(m.orch),
		kbListCmd(m.orch),
		modelListCmd(m.orch),
	}
	if m.pathInput.Value() != "" {
		cmds = append(cmds, scanCmd(m.orch, m.pathInput.Value()))
	}
	return tea.Batch(cmds...)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()
		m.ready = true
		return m, nil

	case readyTimeoutMsg:
		if !m.ready {
			m.width, m.height = 80, 24
			m.resize()
			m.ready = true
		}
		return m, nil

	case uiTickMsg:
		m.tickCount++
		m.status = m.orch.Status()
		m.refreshTelemetry()
		if m.notice != "" && m.tickCount-m.noticeTick > 24 {
			m.notice = ""
		}
		cmds := []tea.Cmd{uiTickCmd()}
		if m.tickCount%pingEvery == 0 {
			cmds = append(cmds, pingCmd(m.orch))
		}
		return m, tea.Batch(cmds...)

	case pingMsg:
		m.online = msg.err == nil
		return m, nil

	case scanDoneMsg:
		if msg.err != nil {
			m.scanErr = msg.err.Error()
			return m, nil
		}
		m.scanErr = ""
		m.rootPath = msg.path
		m.root = msg.tree
		m.expanded = map[string]bool{"": true}
		m.cursor = 0
		m.rebuildRows()
		return m, nil

	case kbListMsg:
		if msg.err != nil {
			m.setNotice(msg.err.Error(), true)
			return m, nil
		}
		m.kbs = msg.kbs
		if m.selectedKB == "" && len(m.kbs) == 1 {
			m.selectedKB = m.kbs[0]
		}
		return m, nil

	case kbCreatedMsg:
		if msg.err != nil {
			m.setNotice(msg.err.Error(), true)
			return m, nil
		}
		m.selectedKB = msg.name
		m.setNotice(fmt.Sprintf("knowledge base %q created", msg.name), false)
		return m, kbListCmd(m.orch)

	case modelListMsg:
		if msg.err == nil {
			m.models = msg.models
		}
		return m, nil

	case jobStartedMsg:
		if msg.err != nil {
			m.setNotice(msg.err.Error(), true)
			return m, nil
		}
		m.setNotice("ingestion started", false)
		return m, nil

	case searchDoneMsg:
		m.searching = false
		m.searched = true
		if msg.err != nil {
			m.searchErr = msg.err.Error()
			m.searchHits = nil
			return m, nil
		}
		m.searchErr = ""
		m.searchHits = msg.hits
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m *Model) resize() {
	if m.width <= 0 || m.height <= 0 {
		return
	}
	m.pathInput.Width = m.leftWidth() - 10
	m.kbInput.Width = m.leftWidth() - 10
	m.searchInput.Width = m.width - 12
	m.telemetryVP = viewport.New(m.rightWidth()-2, m.telemetryHeight())
	m.refreshTelemetry()
}

func (m *Model) refreshTelemetry() {
	frames := m.orch.Frames()
	m.telemetryVP.SetContent(renderFrames(frames, m.telemetryVP.Width))
	if len(frames) != m.frameCount {
		m.frameCount = len(frames)
		m.telemetryVP.GotoBottom()
	}
}

func (m *Model) setNotice(text string, isErr bool) {
	m.notice = text
	m.noticeErr = isErr
	m.noticeTick = m.tickCount
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	// Text entry modes capture everything except escape and enter.
	switch m.mode {
	case modePath:
		switch msg.String() {
		case "esc":
			m.mode = modeBrowse
			m.pathInput.Blur()
			return m, nil
		case "enter":
			m.mode = modeBrowse
			m.pathInput.Blur()
			path := m.pathInput.Value()
			if path == "" {
				return m, nil
			}
			return m, scanCmd(m.orch, path)
		}
		var cmd tea.Cmd
		m.pathInput, cmd = m.pathInput.Update(msg)
		return m, cmd

	case modeKBCreate:
		switch msg.String() {
		case "esc":
			m.mode = modeKBPick
			m.kbInput.Blur()
			return m, nil
		case "enter":
			name := m.kbInput.Value()
			m.mode = modeBrowse
			m.kbInput.Blur()
			m.kbInput.SetValue("")
			if name == "" {
				return m, nil
			}
			return m, kbCreateCmd(m.orch, name)
		}
		var cmd tea.Cmd
		m.kbInput, cmd = m.kbInput.Update(msg)
		return m, cmd

	case modeKBPick:
		return m.handleKBPickKey(msg)

	case modeModelPick:
		return m.handleModelPickKey(msg)
	}

	if m.screen == screenSearch {
		return m.handleSearchKey(msg)
	}
	return m.handleBrowseKey(msg)
}

func (m Model) handleBrowseKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		return m, tea.Quit
	case "tab", "/":
		m.screen = screenSearch
		m.searchInput.Focus()
		return m, textinput.Blink
	case "p":
		m.mode = modePath
		m.pathInput.Focus()
		return m, textinput.Blink
	case "b":
		m.mode = modeKBPick
		m.kbCursor = 0
		return m, kbListCmd(m.orch)
	case "m":
		m.mode = modeModelPick
		m.modelCursor = 0
		return m, modelListCmd(m.orch)
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
		return m, nil
	case "down", "j":
		if m.cursor < len(m.rows)-1 {
			m.cursor++
		}
		return m, nil
	case "right", "l", "enter":
		if row, ok := m.currentRow(); ok && row.node.Kind == stage.KindFolder {
			m.expanded[row.node.RelPath] = !m.expanded[row.node.RelPath]
			m.rebuildRows()
		}
		return m, nil
	case "left", "h":
		if row, ok := m.currentRow(); ok && row.node.Kind == stage.KindFolder && m.expanded[row.node.RelPath] {
			m.expanded[row.node.RelPath] = false
			m.rebuildRows()
		}
		return m, nil
	case " ", "space":
		row, ok := m.currentRow()
		if !ok || row.node.Kind == stage.KindBinary {
			return m, nil
		}
		target := stage.State(row.node) != stage.StateChecked
		m.root = stage.Toggle(m.root, row.node.RelPath, target)
		m.rebuildRows()
		return m, nil
	case "pgup":
		m.telemetryVP.HalfViewUp()
		return m, nil
	case "pgdown":
		m.telemetryVP.HalfViewDown()
		return m, nil
	case "i":
		if m.root == nil {
			m.setNotice("scan a directory first (p)", true)
			return m, nil
		}
		job := Job{
			KB:        m.selectedKB,
			Root:      m.rootPath,
			Selection: stage.SelectedFiles(m.root),
			Model:     m.embedModel,
		}
		return m, startJobCmd(m.orch, job)
	}
	return m, nil
}

func (m Model) handleKBPickKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		m.mode = modeBrowse
		return m, nil
	case "up", "k":
		if m.kbCursor > 0 {
			m.kbCursor--
		}
	case "down", "j":
		if m.kbCursor < len(m.kbs)-1 {
			m.kbCursor++
		}
	case "enter":
		if m.kbCursor < len(m.kbs) {
			m.selectedKB = m.kbs[m.kbCursor]
		}
		m.mode = modeBrowse
	case "n":
		m.mode = modeKBCreate
		m.kbInput.Focus()
		return m, textinput.Blink
	case "ctrl+c", "q":
		return m, tea.Quit
	}
	return m, nil
}

func (m Model) handleModelPickKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		m.mode = modeBrowse
		return m, nil
	case "up", "k":
		if m.modelCursor > 0 {
			m.modelCursor--
		}
	case "down", "j":
		if m.modelCursor < len(m.models)-1 {
			m.modelCursor++
		}
	case "enter":
		if m.modelCursor < len(m.models) {
			m.embedModel = m.models[m.modelCursor]
		}
		m.mode = modeBrowse
	case "ctrl+c", "q":
		return m, tea.Quit
	}
	return m, nil
}

func (m Model) handleSearchKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		return m, tea.Quit
	case "esc", "tab":
		m.screen = screenStage
		m.searchInput.Blur()
		return m, nil
	case "enter":
		query := m.searchInput.Value()
		if query == "" {
			return m, nil
		}
		if m.selectedKB == "" {
			m.searchErr = ErrNoKB.Error()
			return m, nil
		}
		m.searching = true
		m.searchErr = ""
		return m, searchCmd(m.orch, m.selectedKB, query)
	}
	var cmd tea.Cmd
	m.searchInput, cmd = m.searchInput.Update(msg)
	return m, cmd
}

func (m Model) currentRow() (treeRow, bool) {
	if m.cursor < 0 || m.cursor >= len(m.rows) {
		return treeRow{}, false
	}
	return m.rows[m.cursor], true
}

func (m *Model) rebuildRows() {
	m.rows = m.rows[:0]
	if m.root != nil {
		m.appendRows(m.root, 0)
	}
	if m.cursor >= len(m.rows) {
		m.cursor = len(m.rows) - 1
	}
	if m.cursor < 0 {
		m.cursor = 0
	}
}

func (m *Model) appendRows(n *stage.Node, depth int) {
	m.rows = append(m.rows, treeRow{node: n, depth: depth})
	if n.Kind != stage.KindFolder || !m.expanded[n.RelPath] {
		return
	}
	for _, child := range n.Children {
		m.appendRows(child, depth+1)
	}
}
