// Package envprobe discovers Python interpreters on a remote host: conda
// environments, virtualenvs and the system interpreter.
//
// Probing is best effort. A command that fails only leaves its piece of
// information out; Probe returns an error only when the context ends or the
// connection could not execute anything at all.
package envprobe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"regexp"
	"strings"

	"github.com/treykane/remote-viewer/internal/faults"
	"github.com/treykane/remote-viewer/internal/model"
	"github.com/treykane/remote-viewer/internal/transport"
	"github.com/treykane/remote-viewer/internal/util"
)

// Execer runs one remote command. transport.Handle satisfies it.
type Execer interface {
	Exec(ctx context.Context, command string) (transport.ExecResult, error)
}

// condaCandidates are checked when conda is not on the login PATH.
var condaCandidates = []string{
	"$HOME/anaconda3/bin/conda",
	"$HOME/miniconda3/bin/conda",
	"$HOME/miniforge3/bin/conda",
	"$HOME/anaconda/bin/conda",
	"$HOME/miniconda/bin/conda",
	"/opt/anaconda3/bin/conda",
	"/opt/miniconda3/bin/conda",
	"/opt/conda/bin/conda",
	"/usr/local/anaconda3/bin/conda",
	"/usr/local/miniconda3/bin/conda",
}

var shellInitFiles = []string{"$HOME/.bashrc", "$HOME/.bash_profile", "$HOME/.zshrc", "$HOME/.profile"}

var (
	initSetupRe  = regexp.MustCompile(`__conda_setup="\$\('([^']+)/bin/conda'`)
	initPathRe   = regexp.MustCompile(`export PATH="([^"]*conda[^"]*)/bin`)
	initSourceRe = regexp.MustCompile(`(?:source|\.) ("?)(/[^\s"]+)/etc/profile\.d/conda\.sh`)
	versionRe    = regexp.MustCompile(`(\d+\.\d+(?:\.\d+)?)`)
	packageRe    = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)
)

// runner counts outcomes so Probe can tell a quiet host from a dead link.
type runner struct {
	exec    Execer
	ran     int
	lastErr error
}

func (r *runner) run(ctx context.Context, cmd string) (transport.ExecResult, bool) {
	res, err := r.exec.Exec(ctx, cmd)
	if err != nil {
		r.lastErr = err
		slog.Debug("probe command failed", "cmd", cmd, "error", err)
		return res, false
	}
	r.ran++
	return res, res.OK()
}

// Probe lists the interpreters found on the host. pkg is the Python package
// whose version is recorded per environment; an empty pkg skips that check.
// Exactly one returned environment has IsDefault set unless none were found.
func Probe(ctx context.Context, ex Execer, pkg string) ([]model.RemoteEnvironment, error) {
	if pkg != "" && !packageRe.MatchString(pkg) {
		return nil, faults.New(faults.InvalidArgument, "probe", "invalid package name %q", pkg)
	}
	r := &runner{exec: ex}

	var envs []model.RemoteEnvironment
	if conda := findConda(ctx, r); conda != "" {
		envs = append(envs, condaEnvs(ctx, r, conda)...)
	}
	envs = append(envs, venvs(ctx, r)...)
	if sys, ok := systemPython(ctx, r); ok && !hasInterpreter(envs, sys.InterpreterPath) {
		envs = append(envs, sys)
	}

	if err := ctx.Err(); err != nil {
		return nil, ctxFault(err)
	}
	if r.ran == 0 && r.lastErr != nil {
		return nil, faults.Wrap(faults.Unreachable, "probe environments", r.lastErr)
	}

	for i := range envs {
		envs[i].PythonVersion = pythonVersion(ctx, r, envs[i].InterpreterPath)
		if pkg != "" {
			envs[i].PackageVersion = packageVersion(ctx, r, envs[i].InterpreterPath, pkg)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, ctxFault(err)
	}

	if def, ok := Default(envs); ok {
		for i := range envs {
			envs[i].IsDefault = envs[i].InterpreterPath == def.InterpreterPath
		}
	}
	slog.Info("remote environments probed", "count", len(envs))
	return envs, nil
}

// Default picks the environment to launch when the caller names none: the
// default conda environment with the package, then any environment with the
// package, then the system interpreter, then the first one.
func Default(envs []model.RemoteEnvironment) (model.RemoteEnvironment, bool) {
	if len(envs) == 0 {
		return model.RemoteEnvironment{}, false
	}
	for _, e := range envs {
		if e.Kind == model.EnvConda && e.IsDefault && e.HasPackage() {
			return e, true
		}
	}
	for _, e := range envs {
		if e.HasPackage() {
			return e, true
		}
	}
	for _, e := range envs {
		if e.Kind == model.EnvSystem {
			return e, true
		}
	}
	return envs[0], true
}

// Find returns the environment whose name or interpreter path is name.
func Find(envs []model.RemoteEnvironment, name string) (model.RemoteEnvironment, error) {
	for _, e := range envs {
		if e.Name == name || e.InterpreterPath == name {
			return e, nil
		}
	}
	return model.RemoteEnvironment{}, faults.New(faults.NotFound, "find environment", "environment %q not found on remote host", name)
}

func findConda(ctx context.Context, r *runner) string {
	if res, ok := r.run(ctx, "command -v conda"); ok {
		if p := firstLine(res.Stdout); p != "" {
			return p
		}
	}
	var b strings.Builder
	b.WriteString("for p in")
	for _, c := range condaCandidates {
		b.WriteString(` "` + c + `"`)
	}
	b.WriteString(`; do if [ -x "$p" ]; then echo "$p"; break; fi; done`)
	if res, ok := r.run(ctx, b.String()); ok {
		if p := firstLine(res.Stdout); p != "" {
			return p
		}
	}
	res, ok := r.run(ctx, "cat "+strings.Join(shellInitFiles, " ")+" 2>/dev/null")
	if !ok && res.Stdout == "" {
		return ""
	}
	return CondaFromShellInit(res.Stdout)
}

// CondaFromShellInit extracts the conda executable from shell init scripts
// written by `conda init` or by hand.
func CondaFromShellInit(content string) string {
	if m := initSetupRe.FindStringSubmatch(content); m != nil {
		return m[1] + "/bin/conda"
	}
	if m := initPathRe.FindStringSubmatch(content); m != nil {
		return m[1] + "/bin/conda"
	}
	if m := initSourceRe.FindStringSubmatch(content); m != nil {
		return m[2] + "/bin/conda"
	}
	return ""
}

func condaEnvs(ctx context.Context, r *runner, conda string) []model.RemoteEnvironment {
	q := util.ShellQuote(conda)
	if res, ok := r.run(ctx, q+" env list --json"); ok {
		if envs, err := ParseCondaJSON([]byte(res.Stdout)); err == nil {
			return envs
		}
	}
	if res, ok := r.run(ctx, q+" info --envs"); ok {
		return ParseCondaText(res.Stdout)
	}
	return nil
}

// ParseCondaJSON reads `conda env list --json`. The first prefix is the base
// installation.
func ParseCondaJSON(data []byte) ([]model.RemoteEnvironment, error) {
	var out struct {
		Envs []string `json:"envs"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse conda env list: %w", err)
	}
	if len(out.Envs) == 0 {
		return nil, errors.New("conda reported no environments")
	}
	envs := make([]model.RemoteEnvironment, 0, len(out.Envs))
	for i, prefix := range out.Envs {
		name := path.Base(prefix)
		if i == 0 {
			name = "base"
		}
		envs = append(envs, model.RemoteEnvironment{
			Name:            name,
			Kind:            model.EnvConda,
			InterpreterPath: prefix + "/bin/python",
			IsDefault:       i == 0,
		})
	}
	return envs, nil
}

// ParseCondaText reads `conda info --envs`, where the active environment is
// marked with '*'. Unnamed prefixes use their directory name.
func ParseCondaText(out string) []model.RemoteEnvironment {
	var envs []model.RemoteEnvironment
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		prefix := fields[len(fields)-1]
		if !strings.HasPrefix(prefix, "/") {
			continue
		}
		name := path.Base(prefix)
		if len(fields) > 1 && fields[0] != "*" {
			name = fields[0]
		}
		active := false
		for _, f := range fields[:len(fields)-1] {
			if f == "*" {
				active = true
			}
		}
		envs = append(envs, model.RemoteEnvironment{
			Name:            name,
			Kind:            model.EnvConda,
			InterpreterPath: prefix + "/bin/python",
			IsDefault:       active,
		})
	}
	return envs
}

func venvs(ctx context.Context, r *runner) []model.RemoteEnvironment {
	cmd := `for d in "$HOME"/.virtualenvs/* "$HOME"/venvs/* "$HOME"/.venv; do if [ -x "$d/bin/python" ]; then echo "$d"; fi; done`
	res, ok := r.run(ctx, cmd)
	if !ok {
		return nil
	}
	var envs []model.RemoteEnvironment
	for _, dir := range strings.Split(res.Stdout, "\n") {
		dir = strings.TrimSpace(dir)
		if dir == "" {
			continue
		}
		envs = append(envs, model.RemoteEnvironment{
			Name:            path.Base(dir),
			Kind:            model.EnvVenv,
			InterpreterPath: dir + "/bin/python",
		})
	}
	return envs
}

func systemPython(ctx context.Context, r *runner) (model.RemoteEnvironment, bool) {
	res, ok := r.run(ctx, "command -v python3 || command -v python")
	if !ok {
		return model.RemoteEnvironment{}, false
	}
	p := firstLine(res.Stdout)
	if p == "" {
		return model.RemoteEnvironment{}, false
	}
	return model.RemoteEnvironment{Name: "system", Kind: model.EnvSystem, InterpreterPath: p}, true
}

func pythonVersion(ctx context.Context, r *runner, interpreter string) string {
	res, ok := r.run(ctx, util.ShellQuote(interpreter)+" --version 2>&1")
	if !ok {
		return ""
	}
	if m := versionRe.FindString(res.Stdout + res.Stderr); m != "" {
		return m
	}
	return ""
}

func packageVersion(ctx context.Context, r *runner, interpreter, pkg string) string {
	script := fmt.Sprintf("import %s as m; print(getattr(m, '__version__', 'unknown'))", pkg)
	res, ok := r.run(ctx, util.ShellQuote(interpreter)+" -c "+util.ShellQuote(script))
	if !ok {
		return ""
	}
	return firstLine(res.Stdout)
}

func ctxFault(err error) error {
	if errors.Is(err, context.Canceled) {
		return faults.Wrap(faults.Canceled, "probe environments", err)
	}
	return faults.Wrap(faults.ConnectionTimeout, "probe environments", err)
}

func hasInterpreter(envs []model.RemoteEnvironment, p string) bool {
	for _, e := range envs {
		if e.InterpreterPath == p {
			return true
		}
	}
	return false
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
