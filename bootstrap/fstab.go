// Package bootstrap drives the supervisor's PID-1 startup sequence:
// pseudo-filesystem setup, console and cgroup init, fsck and mount,
// configuration load, and the handoff into the running state machine.
// It is the one package allowed to block the caller for extended
// periods (mounting, fscking); every phase that must touch loop-owned
// state posts onto the loop instead of mutating it directly.
package bootstrap

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
)

// FstabEntry is one line of /etc/fstab.
type FstabEntry struct {
	Device     string
	Mountpoint string
	FSType     string
	Options    string
	Dump       int
	PassNo     int
}

// ParseFstab reads fstab-format text: whitespace-separated fields,
// comments starting with '#', blank lines skipped. Dump/PassNo default
// to 0 when omitted, matching fstab(5).
func ParseFstab(r io.Reader) ([]FstabEntry, error) {
	var entries []FstabEntry
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 4 {
			return nil, fmt.Errorf("malformed fstab line: %q", line)
		}
		e := FstabEntry{
			Device:     fields[0],
			Mountpoint: fields[1],
			FSType:     fields[2],
			Options:    fields[3],
		}
		if len(fields) > 4 {
			e.Dump, _ = strconv.Atoi(fields[4])
		}
		if len(fields) > 5 {
			e.PassNo, _ = strconv.Atoi(fields[5])
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// LoadFstab reads and parses path ("" defaults to /etc/fstab).
func LoadFstab(path string) ([]FstabEntry, error) {
	if path == "" {
		path = "/etc/fstab"
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseFstab(f)
}

// passGroups buckets checkable entries (PassNo > 0) by ascending pass
// number; within a pass the order is arbitrary since fsck of unrelated
// filesystems is safe to parallelize.
func passGroups(entries []FstabEntry) [][]FstabEntry {
	byPass := make(map[int][]FstabEntry)
	for _, e := range entries {
		if e.PassNo > 0 {
			byPass[e.PassNo] = append(byPass[e.PassNo], e)
		}
	}
	passNos := make([]int, 0, len(byPass))
	for p := range byPass {
		passNos = append(passNos, p)
	}
	sort.Ints(passNos)

	groups := make([][]FstabEntry, 0, len(passNos))
	for _, p := range passNos {
		groups = append(groups, byPass[p])
	}
	return groups
}
