package ui

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/treykane/remote-viewer/internal/api"
	"github.com/treykane/remote-viewer/internal/model"
	"github.com/treykane/remote-viewer/internal/profiles"
	"github.com/treykane/remote-viewer/internal/util"
)

// Field indices for the start-viewer form.
const (
	fieldDestination = iota
	fieldRoot
	fieldEnv
	fieldLocalPort
	fieldIdentityFile
	fieldName
	fieldCount
)

// formResult is returned when the user submits the form.
type formResult struct {
	req api.StartViewerRequest
	// save is set when the connection should also be stored as a profile.
	save *profiles.Profile
}

// startForm holds all state for the "start viewer" screen.
type startForm struct {
	fields   []textinput.Model
	focusIdx int

	saveProfile bool

	errMsg string
}

// newForm creates a form, prefilled from p when it is not nil.
func newForm(p *profiles.Profile) *startForm {
	f := &startForm{}
	placeholders := []string{
		"user@hostname:port (required)",
		"/data/experiments (required)",
		"conda env name or /path/to/python (default: probed)",
		"8080 (default: free port)",
		"~/.ssh/id_ed25519 (default: ssh-agent)",
		"profile name (only when saving)",
	}
	limits := []int{256, 1024, 256, 5, 256, 64}

	f.fields = make([]textinput.Model, fieldCount)
	for i := range f.fields {
		ti := textinput.New()
		ti.Placeholder = placeholders[i]
		ti.CharLimit = limits[i]
		ti.Width = 44
		f.fields[i] = ti
	}
	if p != nil {
		f.fields[fieldDestination].SetValue(p.Identity().Key())
		f.fields[fieldRoot].SetValue(p.RemoteRoot)
		f.fields[fieldEnv].SetValue(p.Environment)
		if p.LocalPort > 0 {
			f.fields[fieldLocalPort].SetValue(strconv.Itoa(p.LocalPort))
		}
		f.fields[fieldIdentityFile].SetValue(p.PrivateKeyPath)
		f.fields[fieldName].SetValue(p.Name)
		if p.RemoteRoot == "" {
			f.focusIdx = fieldRoot
		}
	}
	f.fields[f.focusIdx].Focus()
	return f
}

func (f *startForm) init() tea.Cmd {
	return f.fields[f.focusIdx].Cursor.BlinkCmd()
}

// update processes a key message and returns a formResult once submitted.
func (f *startForm) update(msg tea.KeyMsg) (*formResult, tea.Cmd) {
	switch msg.String() {
	case "tab", "shift+tab", "down", "up":
		f.fields[f.focusIdx].Blur()
		if msg.String() == "tab" || msg.String() == "down" {
			f.focusIdx = (f.focusIdx + 1) % fieldCount
		} else {
			f.focusIdx = (f.focusIdx - 1 + fieldCount) % fieldCount
		}
		f.fields[f.focusIdx].Focus()
		return nil, f.fields[f.focusIdx].Cursor.BlinkCmd()
	case "ctrl+s":
		f.saveProfile = !f.saveProfile
		return nil, nil
	case "enter":
		res, err := f.build()
		if err != nil {
			f.errMsg = err.Error()
			return nil, nil
		}
		return res, nil
	default:
		var cmd tea.Cmd
		f.fields[f.focusIdx], cmd = f.fields[f.focusIdx].Update(msg)
		f.errMsg = ""
		return nil, cmd
	}
}

func (f *startForm) value(i int) string {
	return strings.TrimSpace(f.fields[i].Value())
}

func (f *startForm) build() (*formResult, error) {
	id, err := parseQuickConnect(f.value(fieldDestination))
	if err != nil {
		return nil, err
	}
	if id.Username == "" {
		return nil, fmt.Errorf("username is required (user@hostname)")
	}
	root := f.value(fieldRoot)
	if root == "" {
		return nil, fmt.Errorf("remote root is required")
	}
	localPort := 0
	if s := f.value(fieldLocalPort); s != "" {
		p, err := strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("local port must be a number")
		}
		if err := util.ValidateOptionalPort(p); err != nil {
			return nil, err
		}
		localPort = p
	}
	auth := model.Auth{PrivateKeyPath: f.value(fieldIdentityFile)}
	if auth.PrivateKeyPath == "" {
		auth.UseAgent = true
	}

	res := &formResult{req: api.StartViewerRequest{
		Host:        id.Host,
		Port:        id.Port,
		Username:    id.Username,
		RemoteRoot:  root,
		Environment: f.value(fieldEnv),
		LocalPort:   localPort,
		Credentials: api.CredentialsFrom(auth),
	}}
	if f.saveProfile {
		name := f.value(fieldName)
		if name == "" {
			return nil, fmt.Errorf("profile name is required when saving")
		}
		res.save = &profiles.Profile{
			Name:           name,
			Host:           id.Host,
			Port:           id.Port,
			Username:       id.Username,
			PrivateKeyPath: auth.PrivateKeyPath,
			UseAgent:       auth.UseAgent,
			RemoteRoot:     root,
			Environment:    res.req.Environment,
			LocalPort:      localPort,
		}
	}
	return res, nil
}

// view renders the form panel.
func (f *startForm) view(renderPanel func(string, string, int, lipgloss.Color) string, width int) string {
	labels := []string{"Destination:", "Remote root:", "Environment:", "Local port:", "Identity:", "Profile:"}

	var b strings.Builder
	for i, label := range labels {
		cursor := "  "
		if i == f.focusIdx {
			cursor = "> "
		}
		b.WriteString(fmt.Sprintf("%s%-13s %s\n", cursor, label, f.fields[i].View()))
	}

	b.WriteString("\n")
	saveMarker := " "
	onceMarker := "x"
	if f.saveProfile {
		saveMarker = "x"
		onceMarker = " "
	}
	b.WriteString(fmt.Sprintf("  Save: (%s) This launch only  (%s) Save as profile\n", onceMarker, saveMarker))

	if f.errMsg != "" {
		errStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
		b.WriteString("\n" + errStyle.Render("Error: "+f.errMsg) + "\n")
	}

	b.WriteString("\nTab/Shift-Tab navigate | Ctrl+S toggle save | Enter start | Esc cancel")
	return renderPanel("Start Viewer", b.String(), width, lipgloss.Color("214"))
}

// parseQuickConnect parses a destination string.
// Supported formats: hostname, user@hostname, hostname:port, user@hostname:port
func parseQuickConnect(input string) (model.ConnectionIdentity, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return model.ConnectionIdentity{}, fmt.Errorf("destination cannot be empty")
	}

	id := model.ConnectionIdentity{Port: model.DefaultSSHPort}

	if atIdx := strings.LastIndex(input, "@"); atIdx > 0 {
		id.Username = input[:atIdx]
		input = input[atIdx+1:]
	}

	if colonIdx := strings.LastIndex(input, ":"); colonIdx > 0 {
		portStr := input[colonIdx+1:]
		if port, err := strconv.Atoi(portStr); err == nil && port > 0 && port <= 65535 {
			id.Port = port
			input = input[:colonIdx]
		}
	}

	id.Host = input
	if id.Host == "" {
		return model.ConnectionIdentity{}, fmt.Errorf("hostname cannot be empty")
	}
	return id, nil
}
