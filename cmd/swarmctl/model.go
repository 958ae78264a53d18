package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

const pollInterval = 2 * time.Second

type panel int

const (
	panelStatus panel = iota
	panelHosts
	panelSchedules
	panelTypes
)

func (p panel) String() string {
	switch p {
	case panelStatus:
		return "status"
	case panelHosts:
		return "hosts"
	case panelSchedules:
		return "schedules"
	case panelTypes:
		return "types"
	default:
		return "?"
	}
}

type keyMap struct {
	Tab      key.Binding
	Filter   key.Binding
	Locate   key.Binding
	Refresh  key.Binding
	Help     key.Binding
	Quit     key.Binding
	Escape   key.Binding
	Confirm  key.Binding
}

func defaultKeyMap() keyMap {
	return keyMap{
		Tab:     key.NewBinding(key.WithKeys("tab"), key.WithHelp("tab", "switch panel")),
		Filter:  key.NewBinding(key.WithKeys("/"), key.WithHelp("/", "fuzzy filter")),
		Locate:  key.NewBinding(key.WithKeys("l"), key.WithHelp("l", "locate service")),
		Refresh: key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "refresh")),
		Help:    key.NewBinding(key.WithKeys("?"), key.WithHelp("?", "help")),
		Quit:    key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
		Escape:  key.NewBinding(key.WithKeys("esc")),
		Confirm: key.NewBinding(key.WithKeys("enter")),
	}
}

type pollMsg struct {
	status    statusResponse
	hosts     hostsResponse
	schedules schedulesResponse
	types     typesResponse
	err       error
}

type locateMsg struct {
	resp locateResponse
	err  error
}

type mode int

const (
	modeNormal mode = iota
	modeFilter
	modeLocate
	modeHelp
)

// model is swarmctl's bubbletea state: the active panel, the last poll
// results, and whatever overlay (filter input, locate prompt, help) is
// active.
type model struct {
	client *client
	addr   string
	keys   keyMap

	active panel
	mode   mode

	width, height int

	status    statusResponse
	hosts     hostsResponse
	schedules schedulesResponse
	types     typesResponse
	lastErr   error

	filterInput string
	locateInput string
	locateResp  *locateResponse

	styleTitle    lipgloss.Style
	styleBorder   lipgloss.Style
	styleFaint    lipgloss.Style
	styleSelected lipgloss.Style
	styleError    lipgloss.Style
}

func newModel(addr string) model {
	renderer := lipgloss.NewRenderer(os.Stderr, termenv.WithProfile(termenv.ANSI256))
	renderer.SetColorProfile(termenv.ANSI256)
	return model{
		client:        newClient(addr),
		addr:          addr,
		keys:          defaultKeyMap(),
		active:        panelStatus,
		styleTitle:    renderer.NewStyle().Bold(true).Foreground(lipgloss.Color("39")),
		styleBorder:   renderer.NewStyle().Foreground(lipgloss.Color("240")),
		styleFaint:    renderer.NewStyle().Foreground(lipgloss.Color("245")),
		styleSelected: renderer.NewStyle().Reverse(true),
		styleError:    renderer.NewStyle().Foreground(lipgloss.Color("196")),
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(pollOnce(m.client), tickEvery())
}

func tickEvery() tea.Cmd {
	return tea.Tick(pollInterval, func(time.Time) tea.Msg { return tickMsg{} })
}

type tickMsg struct{}

func pollOnce(c *client) tea.Cmd {
	return func() tea.Msg {
		var msg pollMsg
		var err error
		if msg.status, err = c.status(); err != nil {
			msg.err = err
			return msg
		}
		if msg.hosts, err = c.hosts(); err != nil {
			msg.err = err
			return msg
		}
		if msg.schedules, err = c.schedules(); err != nil {
			msg.err = err
			return msg
		}
		if msg.types, err = c.types(); err != nil {
			msg.err = err
			return msg
		}
		return msg
	}
}

func doLocate(c *client, name string) tea.Cmd {
	return func() tea.Msg {
		resp, err := c.locate(name)
		return locateMsg{resp: resp, err: err}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		return m, nil

	case tickMsg:
		return m, tea.Batch(pollOnce(m.client), tickEvery())

	case pollMsg:
		if msg.err != nil {
			m.lastErr = msg.err
			return m, nil
		}
		m.lastErr = nil
		m.status, m.hosts, m.schedules, m.types = msg.status, msg.hosts, msg.schedules, msg.types
		_ = saveHistory(append(mustHistory(), m.status))
		return m, nil

	case locateMsg:
		m.lastErr = msg.err
		if msg.err == nil {
			m.locateResp = &msg.resp
		}
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func mustHistory() []statusResponse {
	h, err := loadHistory()
	if err != nil {
		return nil
	}
	return h
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch m.mode {
	case modeFilter:
		return m.handleFilterKey(msg)
	case modeLocate:
		return m.handleLocateKey(msg)
	case modeHelp:
		if key.Matches(msg, m.keys.Escape) || key.Matches(msg, m.keys.Help) {
			m.mode = modeNormal
		}
		return m, nil
	}

	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit
	case key.Matches(msg, m.keys.Tab):
		m.active = (m.active + 1) % 4
	case key.Matches(msg, m.keys.Filter):
		m.mode = modeFilter
		m.filterInput = ""
	case key.Matches(msg, m.keys.Locate):
		m.mode = modeLocate
		m.locateInput = ""
		m.locateResp = nil
	case key.Matches(msg, m.keys.Refresh):
		return m, pollOnce(m.client)
	case key.Matches(msg, m.keys.Help):
		m.mode = modeHelp
	}
	return m, nil
}

func (m model) handleFilterKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Escape):
		m.mode = modeNormal
		m.filterInput = ""
	case key.Matches(msg, m.keys.Confirm):
		m.mode = modeNormal
	case msg.Type == tea.KeyBackspace:
		if len(m.filterInput) > 0 {
			m.filterInput = m.filterInput[:len(m.filterInput)-1]
		}
	case msg.Type == tea.KeyRunes:
		m.filterInput += string(msg.Runes)
	}
	return m, nil
}

func (m model) handleLocateKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Escape):
		m.mode = modeNormal
		m.locateInput = ""
	case key.Matches(msg, m.keys.Confirm):
		m.mode = modeNormal
		if m.locateInput != "" {
			return m, doLocate(m.client, m.locateInput)
		}
	case msg.Type == tea.KeyBackspace:
		if len(m.locateInput) > 0 {
			m.locateInput = m.locateInput[:len(m.locateInput)-1]
		}
	case msg.Type == tea.KeyRunes:
		m.locateInput += string(msg.Runes)
	}
	return m, nil
}

func (m model) View() string {
	if m.mode == modeHelp {
		return renderHelp()
	}

	var body strings.Builder
	body.WriteString(m.styleTitle.Render(fmt.Sprintf("swarmctl — %s [%s]", m.addr, m.active)))
	body.WriteString("\n\n")

	if m.lastErr != nil {
		body.WriteString(m.styleError.Render("error: "+m.lastErr.Error()) + "\n\n")
	}

	switch m.active {
	case panelStatus:
		body.WriteString(highlightJSON(m.status))
	case panelHosts:
		names := make([]string, len(m.hosts.Hosts))
		byName := map[string]hostEntry{}
		for i, h := range m.hosts.Hosts {
			names[i] = h.HostID
			byName[h.HostID] = h
		}
		for _, name := range m.filtered(names) {
			h := byName[name]
			body.WriteString(fmt.Sprintf("%-20s %-22s epoch=%d lease=%s\n", h.HostID, h.Address, h.Epoch, h.LeaseExpiry))
		}
	case panelSchedules:
		names := make([]string, len(m.schedules.Schedules))
		byName := map[string]scheduleEntry{}
		for i, s := range m.schedules.Schedules {
			names[i] = s.Target
			byName[s.Target] = s
		}
		for _, name := range m.filtered(names) {
			s := byName[name]
			body.WriteString(fmt.Sprintf("#%-6d %-20s %-8s next=%s\n", s.ID, s.Target, s.Kind, s.NextFire))
		}
	case panelTypes:
		for _, t := range m.filtered(m.types.Types) {
			body.WriteString(t + "\n")
		}
	}

	body.WriteString("\n")
	if m.mode == modeFilter {
		body.WriteString(m.styleFaint.Render("filter: ") + m.filterInput)
	} else if m.mode == modeLocate {
		body.WriteString(m.styleFaint.Render("locate: ") + m.locateInput)
		if m.locateResp != nil {
			body.WriteString(fmt.Sprintf("  -> found=%v host=%s", m.locateResp.Found, m.locateResp.OwnerHost))
		}
	} else {
		body.WriteString(m.styleFaint.Render("tab switch · / filter · l locate · r refresh · ? help · q quit"))
	}

	return m.styleBorder.Render(strings.Repeat("─", max(20, m.width))) + "\n" + body.String()
}

// filtered applies the active fuzzy filter (if any) over names,
// preserving the empty-pattern short-circuit of fuzzyFilter.
func (m model) filtered(names []string) []string {
	if m.filterInput == "" {
		return names
	}
	return fuzzyFilter(names, m.filterInput)
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
