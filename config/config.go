// Package config parses the supervisor's declaration file and drop-in
// directory into a validated configuration snapshot. The grammar is
// line-oriented: each non-comment line is a known keyword followed by
// free-form arguments, matched by prefix the way the original finit.conf
// parser dispatches directives, or ignored with a warning.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/az143/finit/log"
)

const (
	defaultHost          = "localhost"
	defaultUser          = "root"
	defaultRunlevel      = 2
	serviceDisablePrefix = "DISABLE_"
	maxFileSize    int64 = 1024 * 1024 * 4

	defaultPath  = "/sbin:/usr/sbin:/bin:/usr/bin"
	defaultShell = "/bin/sh"
)

// Snapshot is the fully parsed, validated configuration: the primary
// declaration file merged with every drop-in, in lexical order, with
// later same-identity declarations overriding earlier ones.
type Snapshot struct {
	Hostname string
	User     string
	Network  string
	RunParts string
	Runlevel int
	Shutdown string
	Console  string
	TTYs     []TTYSpec
	Checks   []string

	// Modules and DeviceNodes are recorded, not executed, during parsing
	// so that parse remains side-effect free; the bootstrap sequencer
	// runs them during its config-load phase.
	Modules     []string
	DeviceNodes []string

	Services []ServiceSpec
}

// Identities indexes Services by their (name, id) identity.
func (s Snapshot) Identities() map[Identity]ServiceSpec {
	m := make(map[Identity]ServiceSpec, len(s.Services))
	for _, sv := range s.Services {
		m[sv.Identity()] = sv
	}
	return m
}

type snapshotBuilder struct {
	snap        Snapshot
	svcIndex    map[Identity]int
	currentUser string
}

func newBuilder() *snapshotBuilder {
	return &snapshotBuilder{
		snap: Snapshot{
			Hostname: defaultHost,
			User:     defaultUser,
			Runlevel: defaultRunlevel,
		},
		svcIndex:    make(map[Identity]int),
		currentUser: defaultUser,
	}
}

func (b *snapshotBuilder) addService(s ServiceSpec) {
	id := s.Identity()
	if idx, ok := b.svcIndex[id]; ok {
		b.snap.Services[idx] = s
		return
	}
	b.svcIndex[id] = len(b.snap.Services)
	b.snap.Services = append(b.snap.Services, s)
}

type directive struct {
	prefix  string
	handler func(b *snapshotBuilder, arg string) error
}

// directives is the keyword-to-handler table, matched longest-prefix
// first where overlap is possible -- "run " and "runlevel " never
// collide because the trailing space is part of each keyword.
var directives = []directive{
	{"host ", handleHost},
	{"user ", handleUser},
	{"module ", handleModule},
	{"mknod ", handleMknod},
	{"network ", handleNetwork},
	{"runparts ", handleRunParts},
	{"runlevel ", handleRunlevel},
	{"startx ", handleStartx},
	{"shutdown ", handleShutdown},
	{"service ", handleService},
	{"task ", handleTask},
	{"run ", handleRun},
	{"console ", handleConsole},
	{"tty ", handleTTY},
	{"check ", handleCheck},
}

func handleHost(b *snapshotBuilder, arg string) error {
	b.snap.Hostname = arg
	return nil
}

func handleUser(b *snapshotBuilder, arg string) error {
	b.snap.User = arg
	b.currentUser = arg
	return nil
}

func handleModule(b *snapshotBuilder, arg string) error {
	b.snap.Modules = append(b.snap.Modules, arg)
	return nil
}

func handleMknod(b *snapshotBuilder, arg string) error {
	b.snap.DeviceNodes = append(b.snap.DeviceNodes, arg)
	return nil
}

func handleNetwork(b *snapshotBuilder, arg string) error {
	b.snap.Network = arg
	return nil
}

func handleRunParts(b *snapshotBuilder, arg string) error {
	b.snap.RunParts = arg
	return nil
}

func handleRunlevel(b *snapshotBuilder, arg string) error {
	lvl, err := strconv.Atoi(strings.TrimSpace(arg))
	if err != nil || lvl < 1 || lvl > 9 || lvl == 6 {
		lvl = defaultRunlevel
	}
	b.snap.Runlevel = lvl
	return nil
}

func handleStartx(b *snapshotBuilder, arg string) error {
	spec, err := parseServiceSpec(arg, KindService, b.currentUser)
	if err != nil {
		return err
	}
	spec.Flags = append(spec.Flags, "startx")
	b.addService(spec)
	return nil
}

func handleShutdown(b *snapshotBuilder, arg string) error {
	b.snap.Shutdown = arg
	return nil
}

func handleService(b *snapshotBuilder, arg string) error {
	spec, err := parseServiceSpec(arg, KindService, b.currentUser)
	if err != nil {
		return err
	}
	b.addService(spec)
	return nil
}

func handleTask(b *snapshotBuilder, arg string) error {
	spec, err := parseServiceSpec(arg, KindTask, b.currentUser)
	if err != nil {
		return err
	}
	b.addService(spec)
	return nil
}

func handleRun(b *snapshotBuilder, arg string) error {
	spec, err := parseServiceSpec(arg, KindRun, b.currentUser)
	if err != nil {
		return err
	}
	b.addService(spec)
	return nil
}

func handleConsole(b *snapshotBuilder, arg string) error {
	b.snap.Console = arg
	return nil
}

func handleTTY(b *snapshotBuilder, arg string) error {
	b.snap.TTYs = append(b.snap.TTYs, parseTTYSpec(arg))
	return nil
}

func handleCheck(b *snapshotBuilder, arg string) error {
	b.snap.Checks = append(b.snap.Checks, arg)
	return nil
}

// stripLine trims leading whitespace and any trailing "# ..." comment,
// mirroring the original parser's strip_line.
func stripLine(line string) string {
	line = strings.TrimLeft(line, " \t")
	if idx := strings.IndexByte(line, '#'); idx >= 0 {
		line = line[:idx]
	}
	return strings.TrimRight(line, " \t\r")
}

func parseLine(b *snapshotBuilder, raw string) error {
	line := stripLine(raw)
	if line == "" {
		return nil
	}
	for _, d := range directives {
		if strings.HasPrefix(line, d.prefix) {
			return d.handler(b, strings.TrimSpace(line[len(d.prefix):]))
		}
	}
	return fmt.Errorf("unrecognized directive: %q", line)
}

// Loader reads the primary declaration file and its drop-in directory
// into a Snapshot.
type Loader struct {
	PrimaryPath string
	DropInDir   string
	logger      *log.Logger
}

// NewLoader builds a Loader. lgr may be nil.
func NewLoader(primary, dropInDir string, lgr *log.Logger) *Loader {
	return &Loader{PrimaryPath: primary, DropInDir: dropInDir, logger: lgr}
}

// Load parses the primary file followed by every drop-in, in lexical
// order, and returns the merged snapshot. A missing primary file or
// drop-in directory is not an error; parse warnings on individual lines
// are logged and do not abort the load.
func (l *Loader) Load() (Snapshot, error) {
	b := newBuilder()

	if err := l.parseFile(l.PrimaryPath, b); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Snapshot{}, fmt.Errorf("primary config %s: %w", l.PrimaryPath, err)
	}

	paths, err := dropInPaths(l.DropInDir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return Snapshot{}, fmt.Errorf("drop-in dir %s: %w", l.DropInDir, err)
	}
	for _, p := range paths {
		if err := l.parseFile(p, b); err != nil {
			l.warnf("drop-in %s: %v", p, err)
		}
	}

	b.snap.applyServiceDisable()
	return b.snap, nil
}

func dropInPaths(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

func (l *Loader) parseFile(path string, b *snapshotBuilder) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return err
	}
	if fi.Size() > maxFileSize {
		return fmt.Errorf("config file too large (%d bytes)", fi.Size())
	}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if err := parseLine(b, scanner.Text()); err != nil {
			l.warnf("%s: %v", path, err)
		}
	}
	return scanner.Err()
}

func (l *Loader) warnf(format string, args ...interface{}) {
	if l.logger != nil {
		l.logger.Warn(fmt.Sprintf(format, args...))
	}
}

// applyServiceDisable drops any service whose name matches a set
// DISABLE_<NAME> (or DISABLE_<name>) environment variable of value
// "true", tried upper- then lower-case.
func (s *Snapshot) applyServiceDisable() {
	kept := s.Services[:0:0]
	for _, sv := range s.Services {
		if serviceDisabledByEnv(sv.Name) {
			continue
		}
		kept = append(kept, sv)
	}
	s.Services = kept
}

func serviceDisabledByEnv(name string) bool {
	for _, n := range []string{strings.ToUpper(name), strings.ToLower(name)} {
		if v, ok := os.LookupEnv(serviceDisablePrefix + n); ok && strings.EqualFold(v, "true") {
			return true
		}
	}
	return false
}

// ResetEnvironment resets PATH, SHELL and PWD to sane defaults and
// exports FSTAB_FILE pointing at the effective fstab, per the startup
// environment contract. Called once by the bootstrap sequencer.
func ResetEnvironment(fstabPath string) {
	os.Setenv("PATH", defaultPath)
	os.Setenv("SHELL", defaultShell)
	os.Setenv("PWD", "/")
	os.Setenv("FSTAB_FILE", fstabPath)
}
