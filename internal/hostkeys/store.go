// Package hostkeys persists trusted SSH server keys and enforces
// trust-on-first-use with explicit confirmation.
//
// The trust file uses the OpenSSH known_hosts format so the same file can be
// handed to the system ssh binary as UserKnownHostsFile. Only Accept and
// Remove mutate it; verification never trusts a key on its own.
package hostkeys

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/treykane/remote-viewer/internal/faults"
	"github.com/treykane/remote-viewer/internal/model"
)

const (
	lockTimeout   = 5 * time.Second
	lockRetryWait = 25 * time.Millisecond
)

// preferredKeyTypes orders key algorithms when a server offers several.
var preferredKeyTypes = []string{
	ssh.KeyAlgoED25519,
	ssh.KeyAlgoECDSA256,
	ssh.KeyAlgoECDSA384,
	ssh.KeyAlgoECDSA521,
	ssh.KeyAlgoRSA,
}

// Store is the trust file for one process. Concurrent use is safe, and the
// file lock keeps other processes from interleaving writes.
type Store struct {
	path string
	mu   sync.Mutex
	lock *flock.Flock
}

type entry struct {
	host string
	port int
	key  ssh.PublicKey
}

// New returns a store backed by path. The file is created on first Accept.
func New(path string) *Store {
	return &Store{path: path, lock: flock.New(path + ".lock")}
}

func (s *Store) Path() string { return s.path }

// Verify checks the key presented by host:port against the trust file.
func (s *Store) Verify(host string, port int, key ssh.PublicKey) error {
	_, err := s.VerifyAny(host, port, []ssh.PublicKey{key})
	return err
}

// VerifyAny accepts when any presented key matches the stored record and
// returns that key. Otherwise the error carries the key the caller should ask
// the user to confirm.
func (s *Store) VerifyAny(host string, port int, keys []ssh.PublicKey) (ssh.PublicKey, error) {
	if len(keys) == 0 {
		return nil, faults.New(faults.Internal, "verify host key", "no host key presented by %s", hostField(host, port))
	}
	entries, err := s.read()
	if err != nil {
		return nil, err
	}
	known := matching(entries, host, port)
	for _, k := range keys {
		for _, e := range known {
			if keysEqual(k, e.key) {
				return k, nil
			}
		}
	}
	if len(known) == 0 {
		return nil, faults.HostKeyError(problem(host, port, pick(keys, ""), model.HostKeyReasonUnknown, nil))
	}
	expected := known[0].key
	return nil, faults.HostKeyError(problem(host, port, pick(keys, expected.Type()), model.HostKeyReasonChanged, expected))
}

// HostKeyCallback adapts Verify for golang.org/x/crypto/ssh.
func (s *Store) HostKeyCallback(host string, port int) ssh.HostKeyCallback {
	return func(_ string, _ net.Addr, key ssh.PublicKey) error {
		return s.Verify(host, port, key)
	}
}

// Get returns the record for host:port, if any.
func (s *Store) Get(host string, port int) (model.HostKeyRecord, bool, error) {
	entries, err := s.read()
	if err != nil {
		return model.HostKeyRecord{}, false, err
	}
	known := matching(entries, host, port)
	if len(known) == 0 {
		return model.HostKeyRecord{}, false, nil
	}
	return toRecord(known[0]), true, nil
}

// List returns every stored record sorted by host and port.
func (s *Store) List() ([]model.HostKeyRecord, error) {
	entries, err := s.read()
	if err != nil {
		return nil, err
	}
	out := make([]model.HostKeyRecord, 0, len(entries))
	for _, e := range entries {
		out = append(out, toRecord(e))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Host != out[j].Host {
			return out[i].Host < out[j].Host
		}
		return out[i].Port < out[j].Port
	})
	return out, nil
}

// Accept stores rec as the single trusted key for its host and port,
// replacing any previous record. The fingerprint, when given, must match the
// public key.
func (s *Store) Accept(rec model.HostKeyRecord) error {
	rec.Host = strings.TrimSpace(rec.Host)
	if rec.Port == 0 {
		rec.Port = model.DefaultSSHPort
	}
	if rec.Host == "" {
		return faults.New(faults.InvalidArgument, "accept host key", "host is required")
	}
	key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(strings.TrimSpace(rec.PublicKey)))
	if err != nil {
		return faults.Wrap(faults.InvalidArgument, "accept host key", fmt.Errorf("parse public key: %w", err))
	}
	if rec.KeyType != "" && rec.KeyType != key.Type() {
		return faults.New(faults.InvalidArgument, "accept host key", "key type %s does not match public key %s", rec.KeyType, key.Type())
	}
	if fp := ssh.FingerprintSHA256(key); rec.FingerprintSHA256 != "" && rec.FingerprintSHA256 != fp {
		return faults.New(faults.InvalidArgument, "accept host key", "fingerprint %s does not match public key %s", rec.FingerprintSHA256, fp)
	}
	return s.mutate(func(lines []line) []line {
		out := lines[:0]
		for _, l := range lines {
			if l.entry == nil || !sameHost(*l.entry, rec.Host, rec.Port) {
				out = append(out, l)
			}
		}
		e := entry{host: rec.Host, port: rec.Port, key: key}
		return append(out, line{text: knownhosts.Line([]string{hostField(rec.Host, rec.Port)}, key), entry: &e})
	})
}

// Remove deletes the record for host:port and reports whether one existed.
func (s *Store) Remove(host string, port int) (bool, error) {
	if port == 0 {
		port = model.DefaultSSHPort
	}
	removed := false
	err := s.mutate(func(lines []line) []line {
		out := lines[:0]
		for _, l := range lines {
			if l.entry != nil && sameHost(*l.entry, host, port) {
				removed = true
				continue
			}
			out = append(out, l)
		}
		return out
	})
	return removed, err
}

// line keeps the original text so comments and entries this store does not
// understand (hashed hosts, markers) survive a rewrite.
type line struct {
	text  string
	entry *entry
}

func (s *Store) read() ([]entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return nil, err
	}
	ok, err := s.lock.TryRLockContext(ctx, lockRetryWait)
	if err != nil || !ok {
		return nil, faults.Wrap(faults.Internal, "read trust file", fmt.Errorf("lock %s: %w", s.path, lockErr(err)))
	}
	defer s.lock.Unlock()

	lines, err := s.load()
	if err != nil {
		return nil, err
	}
	var out []entry
	for _, l := range lines {
		if l.entry != nil {
			out = append(out, *l.entry)
		}
	}
	return out, nil
}

func (s *Store) mutate(fn func([]line) []line) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	ok, err := s.lock.TryLockContext(ctx, lockRetryWait)
	if err != nil || !ok {
		return faults.Wrap(faults.Internal, "write trust file", fmt.Errorf("lock %s: %w", s.path, lockErr(err)))
	}
	defer s.lock.Unlock()

	lines, err := s.load()
	if err != nil {
		return err
	}
	return s.writeAtomic(fn(lines))
}

func lockErr(err error) error {
	if err != nil {
		return err
	}
	return errors.New("timed out waiting for lock")
}

func (s *Store) load() ([]line, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}
	var out []line
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		text := sc.Text()
		trimmed := strings.TrimSpace(text)
		if trimmed == "" {
			continue
		}
		out = append(out, parseLine(text)...)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", s.path, err)
	}
	return out, nil
}

// parseLine expands one known_hosts line into one entry per listed host.
func parseLine(text string) []line {
	marker, hosts, key, _, _, err := ssh.ParseKnownHosts([]byte(text))
	if err != nil || marker != "" || key == nil {
		return []line{{text: text}}
	}
	var out []line
	for i, h := range hosts {
		host, port, ok := splitHostField(h)
		if !ok {
			continue
		}
		e := entry{host: host, port: port, key: key}
		l := line{entry: &e}
		if i == 0 {
			l.text = text
		}
		out = append(out, l)
	}
	if len(out) == 0 {
		return []line{{text: text}}
	}
	// A multi-host line is split so Remove can drop one host of it.
	if len(out) > 1 {
		for i := range out {
			out[i].text = knownhosts.Line([]string{hostField(out[i].entry.host, out[i].entry.port)}, key)
		}
	}
	return out
}

func (s *Store) writeAtomic(lines []line) error {
	var buf bytes.Buffer
	for _, l := range lines {
		buf.WriteString(l.text)
		buf.WriteByte('\n')
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".known_hosts-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, s.path)
}

// hostField renders the known_hosts host column: "host" for port 22 and
// "[host]:port" otherwise.
func hostField(host string, port int) string {
	if port == 0 {
		port = model.DefaultSSHPort
	}
	return knownhosts.Normalize(net.JoinHostPort(host, strconv.Itoa(port)))
}

// KnownHostsHost is the exported form of the host column for display.
func KnownHostsHost(host string, port int) string { return hostField(host, port) }

func splitHostField(h string) (string, int, bool) {
	if strings.HasPrefix(h, "|") || strings.ContainsAny(h, "*?!") {
		return "", 0, false
	}
	if strings.HasPrefix(h, "[") {
		host, portStr, err := net.SplitHostPort(h)
		if err != nil {
			return "", 0, false
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, false
		}
		return strings.Trim(host, "[]"), port, true
	}
	return h, model.DefaultSSHPort, true
}

func matching(entries []entry, host string, port int) []entry {
	if port == 0 {
		port = model.DefaultSSHPort
	}
	var out []entry
	for _, e := range entries {
		if sameHost(e, host, port) {
			out = append(out, e)
		}
	}
	return out
}

func sameHost(e entry, host string, port int) bool {
	return e.port == port && strings.EqualFold(e.host, host)
}

func keysEqual(a, b ssh.PublicKey) bool {
	return bytes.Equal(a.Marshal(), b.Marshal())
}

// pick chooses the key to present for confirmation, preferring wantType.
func pick(keys []ssh.PublicKey, wantType string) ssh.PublicKey {
	if wantType != "" {
		for _, k := range keys {
			if k.Type() == wantType {
				return k
			}
		}
	}
	for _, t := range preferredKeyTypes {
		for _, k := range keys {
			if k.Type() == t {
				return k
			}
		}
	}
	return keys[0]
}

// AuthorizedKey renders key as "<type> <base64>".
func AuthorizedKey(key ssh.PublicKey) string {
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(key)))
}

func problem(host string, port int, key ssh.PublicKey, reason model.HostKeyReason, expected ssh.PublicKey) model.HostKeyProblem {
	if port == 0 {
		port = model.DefaultSSHPort
	}
	p := model.HostKeyProblem{
		Host:              host,
		Port:              port,
		KnownHostsHost:    hostField(host, port),
		KeyType:           key.Type(),
		FingerprintSHA256: ssh.FingerprintSHA256(key),
		PublicKey:         AuthorizedKey(key),
		Reason:            reason,
	}
	if expected != nil {
		p.ExpectedFingerprintSHA256 = ssh.FingerprintSHA256(expected)
		p.ExpectedPublicKey = AuthorizedKey(expected)
	}
	return p
}

func toRecord(e entry) model.HostKeyRecord {
	return model.HostKeyRecord{
		Host:              e.host,
		Port:              e.port,
		KeyType:           e.key.Type(),
		PublicKey:         AuthorizedKey(e.key),
		FingerprintSHA256: ssh.FingerprintSHA256(e.key),
	}
}
