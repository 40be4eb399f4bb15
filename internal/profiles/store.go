// Package profiles stores named connection targets with their viewer
// defaults in profiles.yaml. Secrets are never written.
package profiles

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/treykane/remote-viewer/internal/appconfig"
	"github.com/treykane/remote-viewer/internal/faults"
	"github.com/treykane/remote-viewer/internal/model"
	"github.com/treykane/remote-viewer/internal/util"
)

// Profile is one saved target.
type Profile struct {
	Name           string `yaml:"name" json:"name"`
	Host           string `yaml:"host" json:"host"`
	Port           int    `yaml:"port" json:"port"`
	Username       string `yaml:"username" json:"username"`
	PrivateKeyPath string `yaml:"private_key_path,omitempty" json:"private_key_path,omitempty"`
	UseAgent       bool   `yaml:"use_agent,omitempty" json:"use_agent,omitempty"`
	RemoteRoot     string `yaml:"remote_root,omitempty" json:"remote_root,omitempty"`
	Environment    string `yaml:"environment,omitempty" json:"environment,omitempty"`
	LocalPort      int    `yaml:"local_port,omitempty" json:"local_port,omitempty"`
}

// Identity returns the connection identity of the profile.
func (p Profile) Identity() model.ConnectionIdentity {
	return model.ConnectionIdentity{Host: p.Host, Port: p.Port, Username: p.Username}.Normalize()
}

// Auth returns the non-secret auth settings of the profile.
func (p Profile) Auth() model.Auth {
	return model.Auth{PrivateKeyPath: p.PrivateKeyPath, UseAgent: p.UseAgent}
}

type fileModel struct {
	Profiles map[string]Profile `yaml:"profiles"`
}

func filePath() (string, error) {
	dir, err := appconfig.ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "profiles.yaml"), nil
}

// LoadAll returns all profiles sorted by name.
func LoadAll() ([]Profile, error) {
	fm, err := loadFile()
	if err != nil {
		return nil, err
	}
	out := make([]Profile, 0, len(fm.Profiles))
	for _, p := range fm.Profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Get fetches one profile by name.
func Get(name string) (Profile, error) {
	fm, err := loadFile()
	if err != nil {
		return Profile{}, err
	}
	p, ok := fm.Profiles[name]
	if !ok {
		return Profile{}, faults.New(faults.NotFound, "get profile", "profile not found: %s", name)
	}
	return p, nil
}

// Save adds or replaces a profile.
func Save(p Profile) error {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return faults.New(faults.InvalidArgument, "save profile", "profile name cannot be empty")
	}
	id := p.Identity()
	if err := id.Validate(); err != nil {
		return faults.Wrap(faults.InvalidArgument, "save profile", err)
	}
	p.Host, p.Port, p.Username = id.Host, id.Port, id.Username
	p.RemoteRoot = strings.TrimSpace(p.RemoteRoot)
	p.Environment = strings.TrimSpace(p.Environment)
	if err := util.ValidateOptionalPort(p.LocalPort); err != nil {
		return faults.Wrap(faults.InvalidArgument, "save profile", fmt.Errorf("invalid local port: %w", err))
	}

	fm, err := loadFile()
	if err != nil {
		return err
	}
	fm.Profiles[p.Name] = p
	return saveFile(fm)
}

// Delete removes a profile by name.
func Delete(name string) error {
	fm, err := loadFile()
	if err != nil {
		return err
	}
	if _, ok := fm.Profiles[name]; !ok {
		return faults.New(faults.NotFound, "delete profile", "profile not found: %s", name)
	}
	delete(fm.Profiles, name)
	return saveFile(fm)
}

func loadFile() (fileModel, error) {
	path, err := filePath()
	if err != nil {
		return fileModel{}, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fileModel{Profiles: map[string]Profile{}}, nil
		}
		return fileModel{}, err
	}
	var fm fileModel
	if err := yaml.Unmarshal(b, &fm); err != nil {
		return fileModel{}, fmt.Errorf("parse profiles: %w", err)
	}
	if fm.Profiles == nil {
		fm.Profiles = map[string]Profile{}
	}
	for name, p := range fm.Profiles {
		p.Name = name
		fm.Profiles[name] = p
	}
	return fm, nil
}

func saveFile(fm fileModel) error {
	path, err := filePath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	b, err := yaml.Marshal(fm)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}
