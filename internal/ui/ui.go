// Package ui is the terminal dashboard. It drives a running server through
// the same API the CLI uses.
package ui

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/treykane/remote-viewer/internal/api"
	"github.com/treykane/remote-viewer/internal/appconfig"
	"github.com/treykane/remote-viewer/internal/faults"
	"github.com/treykane/remote-viewer/internal/history"
	"github.com/treykane/remote-viewer/internal/model"
	"github.com/treykane/remote-viewer/internal/profiles"
	"github.com/treykane/remote-viewer/internal/security"
	"github.com/treykane/remote-viewer/internal/util"
)

// Backend is the part of the API the dashboard needs. *api.Client
// satisfies it.
type Backend interface {
	ViewerSessions(ctx context.Context) ([]model.ViewerSession, error)
	Sessions(ctx context.Context) ([]model.ConnectionInfo, error)
	SavedConnections(ctx context.Context) ([]profiles.Profile, error)
	SaveConnection(ctx context.Context, p profiles.Profile) error
	StartViewer(ctx context.Context, req api.StartViewerRequest) (model.ViewerSession, error)
	StopViewer(ctx context.Context, sessionID string) error
	AcceptHostKey(ctx context.Context, rec model.HostKeyRecord) error
}

var _ Backend = (*api.Client)(nil)

type pane int

const (
	paneProfiles pane = iota
	paneSessions
)

const requestTimeout = 15 * time.Second

type tickMsg time.Time

type acceptedMsg struct {
	problem model.HostKeyProblem
	req     api.StartViewerRequest
}

type refreshMsg struct {
	saved    []profiles.Profile
	sessions []model.ViewerSession
	conns    []model.ConnectionInfo
	err      error
}

type startedMsg struct {
	req     api.StartViewerRequest
	session model.ViewerSession
	err     error
}

type stoppedMsg struct {
	id  string
	err error
}

type dashboardModel struct {
	ctx     context.Context
	backend Backend
	cfg     appconfig.Config

	saved       []profiles.Profile
	filtered    []profiles.Profile
	sessions    []model.ViewerSession
	conns       []model.ConnectionInfo
	sel         int
	sessSel     int
	focus       pane
	filter      string
	filterMode  bool
	recentFirst bool
	showHelp    bool
	status      string
	lastErr     string
	width       int
	height      int

	form *startForm
	// A launch that failed on an untrusted host key waits here for y/n.
	pendingKey *model.HostKeyProblem
	pendingReq api.StartViewerRequest
}

func newDashboard(ctx context.Context, b Backend, cfg appconfig.Config) dashboardModel {
	return dashboardModel{
		ctx:         ctx,
		backend:     b,
		cfg:         cfg,
		recentFirst: true,
		status:      "Ready. Enter starts a viewer for the selected profile, n opens a new launch form.",
	}
}

func (m *dashboardModel) applyFilter() {
	var out []profiles.Profile
	f := strings.ToLower(strings.TrimSpace(m.filter))
	for _, p := range m.saved {
		if f == "" || strings.Contains(strings.ToLower(p.Name), f) || strings.Contains(strings.ToLower(p.Identity().Key()), f) {
			out = append(out, p)
		}
	}
	if m.recentFirst {
		if lastUsed, err := history.LastUsed(); err == nil {
			out = history.SortRecent(out, func(p profiles.Profile) string { return p.Identity().Key() }, lastUsed)
		}
	} else {
		sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	}
	m.filtered = out
	m.sel = clamp(m.sel, len(m.filtered))
}

func clamp(i, n int) int {
	if i >= n {
		i = n - 1
	}
	if i < 0 {
		i = 0
	}
	return i
}

func tickCmd(seconds int) tea.Cmd {
	return tea.Tick(time.Duration(clampRefresh(seconds))*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m dashboardModel) refreshCmd() tea.Cmd {
	ctx, b := m.ctx, m.backend
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(ctx, requestTimeout)
		defer cancel()
		var msg refreshMsg
		if msg.saved, msg.err = b.SavedConnections(ctx); msg.err != nil {
			return msg
		}
		if msg.sessions, msg.err = b.ViewerSessions(ctx); msg.err != nil {
			return msg
		}
		msg.conns, msg.err = b.Sessions(ctx)
		return msg
	}
}

func (m dashboardModel) startCmd(req api.StartViewerRequest, save *profiles.Profile) tea.Cmd {
	ctx, b := m.ctx, m.backend
	t := m.cfg.Timeouts
	timeout := t.Connect() + t.Probe() + t.Spawn() + t.Tunnel() + requestTimeout
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if save != nil {
			if err := b.SaveConnection(ctx, *save); err != nil {
				return startedMsg{req: req, err: err}
			}
		}
		s, err := b.StartViewer(ctx, req)
		return startedMsg{req: req, session: s, err: err}
	}
}

func (m dashboardModel) stopCmd(id string) tea.Cmd {
	ctx, b := m.ctx, m.backend
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(ctx, requestTimeout)
		defer cancel()
		return stoppedMsg{id: id, err: b.StopViewer(ctx, id)}
	}
}

func (m dashboardModel) acceptCmd(p model.HostKeyProblem, req api.StartViewerRequest) tea.Cmd {
	ctx, b := m.ctx, m.backend
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(ctx, requestTimeout)
		defer cancel()
		if err := b.AcceptHostKey(ctx, p.Record()); err != nil {
			return startedMsg{req: req, err: err}
		}
		return acceptedMsg{problem: p, req: req}
	}
}

func (m dashboardModel) Init() tea.Cmd {
	return tea.Batch(m.refreshCmd(), tickCmd(m.cfg.UI.RefreshSeconds))
}

func (m dashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tickMsg:
		return m, tea.Batch(m.refreshCmd(), tickCmd(m.cfg.UI.RefreshSeconds))
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil
	case refreshMsg:
		if msg.err != nil {
			m.lastErr = m.describe(msg.err)
			return m, nil
		}
		m.lastErr = ""
		m.saved, m.sessions, m.conns = msg.saved, msg.sessions, msg.conns
		sort.SliceStable(m.sessions, func(i, j int) bool { return m.sessions[i].StartedAtMS > m.sessions[j].StartedAtMS })
		m.sessSel = clamp(m.sessSel, len(m.sessions))
		m.applyFilter()
		return m, nil
	case startedMsg:
		if p, ok := faults.HostKeyProblemOf(msg.err); ok {
			m.pendingKey, m.pendingReq = &p, msg.req
			m.status = hostKeyPrompt(p)
			return m, nil
		}
		if msg.err != nil {
			m.status = "Start failed: " + m.describe(msg.err)
			return m, m.refreshCmd()
		}
		m.status = fmt.Sprintf("Viewer running at %s (session %s)", msg.session.URL, msg.session.ID)
		return m, m.refreshCmd()
	case stoppedMsg:
		if msg.err != nil {
			m.status = "Stop failed: " + m.describe(msg.err)
		} else {
			m.status = "Stopped " + msg.id
		}
		return m, m.refreshCmd()
	case acceptedMsg:
		m.pendingReq = api.StartViewerRequest{}
		m.status = fmt.Sprintf("Trusted %s for %s, starting again...", msg.problem.FingerprintSHA256, msg.problem.KnownHostsHost)
		return m, m.startCmd(msg.req, nil)
	case tea.KeyMsg:
		return m.updateKey(msg)
	}
	return m, nil
}

func (m dashboardModel) updateKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.pendingKey != nil {
		p := *m.pendingKey
		m.pendingKey = nil
		switch msg.String() {
		case "y", "Y":
			m.status = "Trusting host key..."
			return m, m.acceptCmd(p, m.pendingReq)
		default:
			m.pendingReq = api.StartViewerRequest{}
			m.status = "Host key not trusted; launch canceled."
			return m, nil
		}
	}
	if m.form != nil {
		switch msg.String() {
		case "esc":
			m.form = nil
			m.status = "Launch canceled."
			return m, nil
		case "ctrl+c":
			return m, tea.Quit
		}
		res, cmd := m.form.update(msg)
		if res == nil {
			return m, cmd
		}
		m.form = nil
		m.status = fmt.Sprintf("Starting viewer on %s@%s...", res.req.Username, res.req.Host)
		return m, m.startCmd(res.req, res.save)
	}
	if m.filterMode {
		switch msg.String() {
		case "enter", "esc":
			m.filterMode = false
		case "backspace":
			if len(m.filter) > 0 {
				m.filter = m.filter[:len(m.filter)-1]
			}
		default:
			if len(msg.String()) == 1 {
				m.filter += msg.String()
			}
		}
		m.applyFilter()
		return m, nil
	}

	switch msg.String() {
	case "q", "ctrl+c":
		// Viewers belong to the server and keep running.
		return m, tea.Quit
	case "tab":
		if m.focus == paneProfiles {
			m.focus = paneSessions
		} else {
			m.focus = paneProfiles
		}
	case "j", "down":
		if m.focus == paneProfiles && m.sel < len(m.filtered)-1 {
			m.sel++
		}
		if m.focus == paneSessions && m.sessSel < len(m.sessions)-1 {
			m.sessSel++
		}
	case "k", "up":
		if m.focus == paneProfiles && m.sel > 0 {
			m.sel--
		}
		if m.focus == paneSessions && m.sessSel > 0 {
			m.sessSel--
		}
	case "/":
		m.filterMode = true
		m.focus = paneProfiles
		m.status = "Filter mode: type and press Enter"
	case "o":
		m.recentFirst = !m.recentFirst
		m.applyFilter()
	case "?":
		m.showHelp = !m.showHelp
	case "r":
		m.status = "Refreshing..."
		return m, m.refreshCmd()
	case "n":
		m.form = newForm(nil)
		return m, m.form.init()
	case "e":
		if len(m.filtered) == 0 {
			break
		}
		p := m.filtered[m.sel]
		m.form = newForm(&p)
		return m, m.form.init()
	case "enter":
		if m.focus != paneProfiles || len(m.filtered) == 0 {
			break
		}
		p := m.filtered[m.sel]
		if strings.TrimSpace(p.RemoteRoot) == "" {
			m.form = newForm(&p)
			m.status = "Profile " + p.Name + " has no remote root; fill it in to start."
			return m, m.form.init()
		}
		req := requestFromProfile(p)
		m.status = fmt.Sprintf("Starting viewer for %s...", p.Name)
		return m, m.startCmd(req, nil)
	case "s", "x":
		if len(m.sessions) == 0 {
			m.status = "No viewer session selected."
			break
		}
		s := m.sessions[m.sessSel]
		if s.Status.Terminal() {
			m.status = "Session " + s.ID + " is already " + string(s.Status)
			break
		}
		m.status = "Stopping " + s.ID + "..."
		return m, m.stopCmd(s.ID)
	}
	return m, nil
}

func requestFromProfile(p profiles.Profile) api.StartViewerRequest {
	auth := p.Auth()
	if auth.PrivateKeyPath == "" {
		auth.UseAgent = true
	}
	return api.StartViewerRequest{
		Host:        p.Host,
		Port:        p.Port,
		Username:    p.Username,
		RemoteRoot:  p.RemoteRoot,
		Environment: p.Environment,
		LocalPort:   p.LocalPort,
		Credentials: api.CredentialsFrom(auth),
	}
}

func (m dashboardModel) describe(err error) string {
	return security.UserMessage(err, m.cfg.Security.RedactErrors)
}

func hostKeyPrompt(p model.HostKeyProblem) string {
	if p.Reason == model.HostKeyReasonChanged {
		return fmt.Sprintf("WARNING: host key for %s CHANGED (trusted %s, presented %s %s). Trust the new key? [y/N]",
			p.KnownHostsHost, p.ExpectedFingerprintSHA256, p.KeyType, p.FingerprintSHA256)
	}
	return fmt.Sprintf("Unknown host %s presents %s key %s. Trust it? [y/N]", p.KnownHostsHost, p.KeyType, p.FingerprintSHA256)
}

func (m dashboardModel) View() string {
	head := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")).Render("Remote Viewer Dashboard")
	running := 0
	for _, s := range m.sessions {
		if s.Status == model.SessionRunning {
			running++
		}
	}
	subhead := fmt.Sprintf("profiles=%d shown=%d viewers=%d running=%d connections=%d refresh=%ds",
		len(m.saved), len(m.filtered), len(m.sessions), running, len(m.conns), clampRefresh(m.cfg.UI.RefreshSeconds))

	left := strings.Builder{}
	order := "name"
	if m.recentFirst {
		order = "recent"
	}
	left.WriteString(fmt.Sprintf("j/k to navigate; order: %s; [V] means running viewer.\n", order))
	for i, p := range m.filtered {
		cursor := " "
		if i == m.sel && m.focus == paneProfiles {
			cursor = ">"
		}
		mark := " "
		if m.hasRunningViewer(p.Identity()) {
			mark = "V"
		}
		left.WriteString(fmt.Sprintf("%s[%s] %-18s %-26s\n", cursor, mark, util.Truncate(p.Name, 18), util.Truncate(p.Identity().Key(), 26)))
	}
	if len(m.filtered) == 0 {
		left.WriteString("  (no saved profiles; press n to start one)\n")
	}

	detail := strings.Builder{}
	if len(m.filtered) > 0 {
		p := m.filtered[m.sel]
		auth := "ssh-agent"
		if p.PrivateKeyPath != "" {
			auth = p.PrivateKeyPath
		}
		detail.WriteString(fmt.Sprintf("Profile: %s\nConnection: %s\nAuth: %s\nRoot: %s\nEnvironment: %s\n",
			p.Name, p.Identity().Key(), auth, util.EmptyDash(p.RemoteRoot), util.EmptyDash(p.Environment)))
		if p.LocalPort > 0 {
			detail.WriteString(fmt.Sprintf("Local port: %d\n", p.LocalPort))
		}
		detail.WriteString("\nNext steps:\n")
		detail.WriteString(m.guidanceForProfile(p))
	} else {
		detail.WriteString("Pick a profile to view its launch options.\n")
	}

	tbl := strings.Builder{}
	tbl.WriteString(fmt.Sprintf("  %-10s %-24s %-26s %-9s %-8s %s\n", "SESSION", "CONNECTION", "URL", "STATUS", "UPTIME", "ROOT"))
	for i, s := range m.sessions {
		cursor := " "
		if i == m.sessSel && m.focus == paneSessions {
			cursor = ">"
		}
		conn := fmt.Sprintf("%s@%s:%d", s.Username, s.Host, s.SSHPort)
		uptime := (time.Duration(s.UptimeSeconds) * time.Second).String()
		tbl.WriteString(fmt.Sprintf("%s %-10s %-24s %-26s %-9s %-8s %s\n", cursor, util.Truncate(s.ID, 10), util.Truncate(conn, 24), util.EmptyDash(s.URL), s.Status, uptime, s.RemoteRoot))
		if s.LastError != "" && i == m.sessSel {
			tbl.WriteString("    last error: " + s.LastError + "\n")
		}
	}
	if len(m.sessions) == 0 {
		tbl.WriteString("(none)\n")
	}

	filterLine := fmt.Sprintf("Filter: %s", m.filter)
	if m.filterMode {
		filterLine += " (typing...)"
	}
	quickHelp := "Keys: Enter start | n new | e edit+start | s stop | Tab switch pane | / filter | o order | r refresh | ? help | q quit"

	width := m.effectiveWidth()
	var body string
	if m.form != nil {
		body = m.form.view(m.renderPanel, width)
	} else {
		body = m.renderMainPanels(left.String(), detail.String())
	}
	viewers := m.renderPanel("Viewer Sessions", tbl.String(), width, lipgloss.Color("63"))
	status := m.renderPanel("Status", m.status, width, lipgloss.Color("205"))
	help := ""
	if m.showHelp {
		help = m.renderPanel("Help", m.helpBlock(), width, lipgloss.Color("244"))
	}
	warn := ""
	if m.lastErr != "" {
		warn = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Render("Server: "+m.lastErr) + "\n"
	}
	return lipgloss.JoinVertical(
		lipgloss.Left,
		head,
		subhead,
		filterLine,
		quickHelp,
		body,
		viewers,
		help,
		warn,
		status,
	)
}

// Run opens the dashboard against b until the user quits or ctx ends.
func Run(ctx context.Context, b Backend, cfg appconfig.Config) error {
	p := tea.NewProgram(newDashboard(ctx, b, cfg), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

func clampRefresh(seconds int) int {
	if seconds <= 0 {
		return 3
	}
	return seconds
}

func (m dashboardModel) hasRunningViewer(id model.ConnectionIdentity) bool {
	key := id.Key()
	for _, s := range m.sessions {
		sid := model.ConnectionIdentity{Host: s.Host, Port: s.SSHPort, Username: s.Username}
		if s.Status == model.SessionRunning && sid.Key() == key {
			return true
		}
	}
	return false
}

func (m dashboardModel) guidanceForProfile(p profiles.Profile) string {
	var lines []string
	if strings.TrimSpace(p.RemoteRoot) == "" {
		lines = append(lines, "  - No remote root saved. Press Enter or e to fill one in and start.")
	} else {
		lines = append(lines, "  - Press Enter to launch a viewer on "+p.RemoteRoot+".")
		lines = append(lines, "  - Press e to change the root or environment for this launch.")
	}
	if m.hasRunningViewer(p.Identity()) {
		lines = append(lines, "  - A viewer is already running here; Tab to sessions and press s to stop it.")
	}
	for _, c := range m.conns {
		if c.Key == p.Identity().Key() && c.Connected {
			lines = append(lines, fmt.Sprintf("  - Connected via %s (%s), %d viewer(s).", util.EmptyDash(c.Backend), util.EmptyDash(string(c.AuthMethod)), c.Sessions))
		}
	}
	return strings.Join(lines, "\n") + "\n"
}

func (m dashboardModel) renderMainPanels(profilesPanel, detailsPanel string) string {
	width := m.effectiveWidth()
	if width < 96 {
		return lipgloss.JoinVertical(
			lipgloss.Left,
			m.renderPanel("Profiles", profilesPanel, width, lipgloss.Color("39")),
			m.renderPanel("Details", detailsPanel, width, lipgloss.Color("69")),
		)
	}
	leftWidth := width / 2
	rightWidth := width - leftWidth
	return lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderPanel("Profiles", profilesPanel, leftWidth, lipgloss.Color("39")),
		m.renderPanel("Details", detailsPanel, rightWidth, lipgloss.Color("69")),
	)
}

func (m dashboardModel) helpBlock() string {
	return strings.Join([]string{
		"  Navigation: j/k or arrow keys move selection; Tab switches between profiles and sessions.",
		"  Filtering: press /, type name or user@host text, then Enter. o toggles recent/name order.",
		"  Start: Enter launches the selected profile; n opens an empty form; e edits before launching.",
		"  Host keys: an unknown or changed key pauses the launch until you answer y or n.",
		"  Stop: select a session and press s.",
		"  Quit: press q (or Ctrl+C). Viewers keep running on the server.",
	}, "\n")
}

func (m dashboardModel) effectiveWidth() int {
	if m.width <= 0 {
		return 100
	}
	return m.width
}

func (m dashboardModel) renderPanel(title, body string, width int, accent lipgloss.Color) string {
	if width < 24 {
		width = 24
	}
	header := lipgloss.NewStyle().Bold(true).Foreground(accent).Render(title)
	content := strings.TrimSuffix(body, "\n")
	panel := strings.TrimSpace(header + "\n" + content)
	return lipgloss.NewStyle().
		Width(width).
		Border(lipgloss.RoundedBorder()).
		BorderForeground(accent).
		Padding(0, 1).
		Render(panel)
}
