// Package browse lists remote directories so a client can pick the storage
// root of a viewer. Connections that expose SFTP are read through it; any
// other handle falls back to shell commands.
package browse

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/sftp"

	"github.com/treykane/remote-viewer/internal/faults"
	"github.com/treykane/remote-viewer/internal/transport"
	"github.com/treykane/remote-viewer/internal/util"
)

// SFTPProvider is implemented by handles that can open an SFTP session.
type SFTPProvider interface {
	SFTP() (*sftp.Client, error)
}

// Entry is one directory child.
type Entry struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	IsDir   bool      `json:"is_dir"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mtime"`
}

// Listing is the result of List.
type Listing struct {
	Path    string  `json:"path"`
	Entries []Entry `json:"entries"`
}

// Options tune List.
type Options struct {
	IncludeHidden bool
}

// List returns the children of dir, directories first. "~" and "~/..."
// resolve against the remote home; an empty dir means the home itself.
func List(ctx context.Context, h transport.Handle, dir string, opts Options) (Listing, error) {
	if sp, ok := h.(SFTPProvider); ok {
		if c, err := sp.SFTP(); err == nil {
			return listSFTP(c, dir, opts)
		}
	}
	return listExec(ctx, h, dir, opts)
}

// Stat reports whether p exists and whether it is a directory.
func Stat(ctx context.Context, h transport.Handle, p string) (exists, isDir bool, err error) {
	if sp, ok := h.(SFTPProvider); ok {
		if c, serr := sp.SFTP(); serr == nil {
			p, err = resolveSFTP(c, p)
			if err != nil {
				return false, false, err
			}
			fi, err := c.Stat(p)
			if errors.Is(err, fs.ErrNotExist) || errors.Is(err, os.ErrNotExist) {
				return false, false, nil
			}
			if err != nil {
				return false, false, faults.Wrap(faults.Unreachable, "stat "+p, err)
			}
			return true, fi.IsDir(), nil
		}
	}
	p, err = resolveExec(ctx, h, p)
	if err != nil {
		return false, false, err
	}
	q := util.ShellQuote(p)
	res, err := h.Exec(ctx, fmt.Sprintf("if [ -d %s ]; then echo dir; elif [ -e %s ]; then echo file; else echo missing; fi", q, q))
	if err != nil {
		return false, false, faults.Wrap(faults.Unreachable, "stat "+p, err)
	}
	switch strings.TrimSpace(res.Stdout) {
	case "dir":
		return true, true, nil
	case "file":
		return true, false, nil
	default:
		return false, false, nil
	}
}

func listSFTP(c *sftp.Client, dir string, opts Options) (Listing, error) {
	dir, err := resolveSFTP(c, dir)
	if err != nil {
		return Listing{}, err
	}
	infos, err := c.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, os.ErrNotExist) {
			return Listing{}, faults.New(faults.NotFound, "list "+dir, "no such directory")
		}
		return Listing{}, faults.Wrap(faults.Unreachable, "list "+dir, err)
	}
	out := Listing{Path: dir, Entries: make([]Entry, 0, len(infos))}
	for _, fi := range infos {
		if !opts.IncludeHidden && strings.HasPrefix(fi.Name(), ".") {
			continue
		}
		out.Entries = append(out.Entries, Entry{
			Name:    fi.Name(),
			Path:    path.Join(dir, fi.Name()),
			IsDir:   fi.IsDir(),
			Size:    fi.Size(),
			ModTime: fi.ModTime(),
		})
	}
	sortEntries(out.Entries)
	return out, nil
}

func resolveSFTP(c *sftp.Client, p string) (string, error) {
	if p != "" && !strings.HasPrefix(p, "~") {
		return path.Clean(p), nil
	}
	home, err := c.Getwd()
	if err != nil {
		return "", faults.Wrap(faults.Unreachable, "resolve home", err)
	}
	return joinHome(home, p), nil
}

// The fallback listing relies on GNU find; one line per child:
// type, size, mtime, name.
const findFormat = `%y\t%s\t%T@\t%f\n`

func listExec(ctx context.Context, h transport.Handle, dir string, opts Options) (Listing, error) {
	dir, err := resolveExec(ctx, h, dir)
	if err != nil {
		return Listing{}, err
	}
	q := util.ShellQuote(dir)
	cmd := fmt.Sprintf("if [ ! -d %s ]; then exit 44; fi; find %s -mindepth 1 -maxdepth 1 -printf %s", q, q, util.ShellQuote(findFormat))
	res, err := h.Exec(ctx, cmd)
	if err != nil {
		return Listing{}, faults.Wrap(faults.Unreachable, "list "+dir, err)
	}
	if res.ExitCode == 44 {
		return Listing{}, faults.New(faults.NotFound, "list "+dir, "no such directory")
	}
	if !res.OK() {
		return Listing{}, faults.New(faults.Internal, "list "+dir, "find exited with %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return Listing{Path: dir, Entries: ParseFind(dir, res.Stdout, opts)}, nil
}

// ParseFind reads the output of the fallback find command.
func ParseFind(dir, out string, opts Options) []Entry {
	entries := []Entry{}
	for _, line := range strings.Split(out, "\n") {
		parts := strings.SplitN(line, "\t", 4)
		if len(parts) != 4 || parts[3] == "" {
			continue
		}
		name := parts[3]
		if !opts.IncludeHidden && strings.HasPrefix(name, ".") {
			continue
		}
		e := Entry{Name: name, Path: path.Join(dir, name), IsDir: parts[0] == "d"}
		e.Size, _ = strconv.ParseInt(parts[1], 10, 64)
		e.ModTime = parseEpoch(parts[2])
		entries = append(entries, e)
	}
	sortEntries(entries)
	return entries
}

// parseEpoch reads find's "%T@" seconds with a fractional part.
func parseEpoch(s string) time.Time {
	secStr, fracStr, _ := strings.Cut(s, ".")
	sec, err := strconv.ParseInt(secStr, 10, 64)
	if err != nil {
		return time.Time{}
	}
	var nsec int64
	if fracStr != "" {
		if len(fracStr) > 9 {
			fracStr = fracStr[:9]
		}
		fracStr += strings.Repeat("0", 9-len(fracStr))
		nsec, _ = strconv.ParseInt(fracStr, 10, 64)
	}
	return time.Unix(sec, nsec).UTC()
}

func resolveExec(ctx context.Context, h transport.Handle, p string) (string, error) {
	if p != "" && !strings.HasPrefix(p, "~") {
		return path.Clean(p), nil
	}
	res, err := h.Exec(ctx, `printf '%s' "$HOME"`)
	if err != nil {
		return "", faults.Wrap(faults.Unreachable, "resolve home", err)
	}
	home := strings.TrimSpace(res.Stdout)
	if !res.OK() || home == "" {
		return "", faults.New(faults.Internal, "resolve home", "remote $HOME is not set")
	}
	return joinHome(home, p), nil
}

// joinHome expands "", "~" and "~/rest". "~user" is not looked up and reads
// as "~/user".
func joinHome(home, p string) string {
	rest := strings.TrimPrefix(strings.TrimPrefix(p, "~"), "/")
	if rest == "" {
		return home
	}
	return path.Join(home, rest)
}

func sortEntries(es []Entry) {
	sort.SliceStable(es, func(i, j int) bool {
		if es[i].IsDir != es[j].IsDir {
			return es[i].IsDir
		}
		return es[i].Name < es[j].Name
	})
}
