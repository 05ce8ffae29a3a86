package config

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/az143/finit/cond"
)

// Kind classifies a declared unit of work.
type Kind int

const (
	KindService Kind = iota
	KindTask
	KindRun
	KindSysV
	KindInetd
)

func (k Kind) String() string {
	switch k {
	case KindService:
		return "service"
	case KindTask:
		return "task"
	case KindRun:
		return "run"
	case KindSysV:
		return "sysv"
	case KindInetd:
		return "inetd"
	default:
		return "unknown"
	}
}

// RunlevelMask is a bitmask over runlevels 0-9 plus the distinguished
// bootstrap level S (bit 10).
type RunlevelMask uint16

const LevelS RunlevelMask = 1 << 10

// defaultMask is "all runlevels except 0 and 6", the meaning of a missing
// level prefix per the declaration grammar.
const defaultMask = RunlevelMask(0x3FE &^ (1 << 6)) // bits 1..9 minus bit 6

// Has reports whether level (0-9) is a member of the mask; any other
// level, including -1, reports false. S membership is reported by HasS.
func (m RunlevelMask) Has(level int) bool {
	if level < 0 || level > 9 {
		return false
	}
	return m&(1<<uint(level)) != 0
}

// HasS reports bootstrap-level membership.
func (m RunlevelMask) HasS() bool { return m&LevelS != 0 }

func (m RunlevelMask) String() string {
	var b strings.Builder
	if m.HasS() {
		b.WriteByte('S')
	}
	for i := 0; i <= 9; i++ {
		if m.Has(i) {
			b.WriteString(strconv.Itoa(i))
		}
	}
	return b.String()
}

// parseMask parses a bracketed level list such as "2345" or "S" into a mask.
func parseMask(s string) (RunlevelMask, error) {
	var m RunlevelMask
	for _, r := range s {
		switch {
		case r == 'S' || r == 's':
			m |= LevelS
		case r >= '0' && r <= '9':
			m |= 1 << uint(r-'0')
		default:
			return 0, fmt.Errorf("invalid runlevel digit %q", r)
		}
	}
	return m, nil
}

// Identity is the (name, id) pair that uniquely names a service record.
type Identity struct {
	Name string
	ID   string
}

func (i Identity) String() string {
	if i.ID == "" {
		return i.Name
	}
	return i.Name + ":" + i.ID
}

// ServiceSpec is the parsed, validated form of one service/task/run/tty
// declaration.
type ServiceSpec struct {
	Name        string
	ID          string
	Kind        Kind
	Levels      RunlevelMask
	Path        string
	Args        []string
	CondExpr    cond.Expr
	Description  string
	User         string
	CrashHandler string   // command run (with the service name appended) on every abnormal exit
	Flags        []string // bare qualifiers such as "cgroup.init", recorded but not acted on
}

func (s ServiceSpec) Identity() Identity { return Identity{Name: s.Name, ID: s.ID} }

// Command is the full argument vector, program path first.
func (s ServiceSpec) Command() []string {
	cmd := make([]string, 0, len(s.Args)+1)
	cmd = append(cmd, s.Path)
	cmd = append(cmd, s.Args...)
	return cmd
}

// parseServiceSpec parses the body of a service/task/run/startx directive:
// an optional "[<levels>]" prefix, a sequence of "<key>:<value>" or bare
// qualifiers, the program path and arguments, and an optional "-- description"
// trailer.
func parseServiceSpec(raw string, kind Kind, defaultUser string) (ServiceSpec, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ServiceSpec{}, fmt.Errorf("empty service declaration")
	}

	spec := ServiceSpec{Kind: kind, Levels: defaultMask, User: defaultUser}

	if raw[0] == '[' {
		end := strings.IndexByte(raw, ']')
		if end < 0 {
			return ServiceSpec{}, fmt.Errorf("unterminated runlevel prefix in %q", raw)
		}
		mask, err := parseMask(raw[1:end])
		if err != nil {
			return ServiceSpec{}, err
		}
		spec.Levels = mask
		raw = strings.TrimSpace(raw[end+1:])
	}

	if idx := strings.Index(raw, " -- "); idx >= 0 {
		spec.Description = strings.TrimSpace(raw[idx+4:])
		raw = strings.TrimSpace(raw[:idx])
	}

	fields, err := split(raw)
	if err != nil {
		return ServiceSpec{}, err
	}

	i := 0
	for ; i < len(fields); i++ {
		tok := fields[i]
		if !isQualifier(tok) {
			break
		}
		applyQualifier(&spec, tok)
	}
	if i >= len(fields) {
		return ServiceSpec{}, fmt.Errorf("missing program path in %q", raw)
	}
	spec.Path = fields[i]
	spec.Args = append([]string{}, fields[i+1:]...)

	if spec.Name == "" {
		spec.Name = filepath.Base(spec.Path)
	}
	return spec, nil
}

func isQualifier(tok string) bool {
	if tok == "" {
		return false
	}
	if strings.HasPrefix(tok, "/") || strings.HasPrefix(tok, "./") || strings.HasPrefix(tok, "../") {
		return false
	}
	if strings.Contains(tok, ":") {
		return true
	}
	if strings.Contains(tok, ".") && !strings.Contains(tok, "/") {
		return true
	}
	return false
}

func applyQualifier(spec *ServiceSpec, tok string) {
	key, val, hasColon := strings.Cut(tok, ":")
	if !hasColon {
		spec.Flags = append(spec.Flags, tok)
		return
	}
	switch key {
	case "name":
		spec.Name = val
	case "id":
		spec.ID = val
	case "":
		// ":finit" shorthand: bare secondary identifier
		spec.ID = val
	case "cond":
		spec.CondExpr = append(spec.CondExpr, cond.ParseExpr(val)...)
	case "user":
		spec.User = val
	case "crash-handler":
		spec.CrashHandler = val
	default:
		spec.Flags = append(spec.Flags, tok)
	}
}

// TTYSpec is a terminal getty declaration.
type TTYSpec struct {
	Device string
	Baud   int
}

const defaultBaud = 115200

func parseTTYSpec(raw string) TTYSpec {
	fields := strings.Fields(raw)
	t := TTYSpec{Baud: defaultBaud}
	if len(fields) > 0 {
		t.Device = fields[0]
	}
	if len(fields) > 1 {
		if b, err := strconv.Atoi(fields[1]); err == nil {
			t.Baud = b
		}
	}
	return t
}
