// Package cond implements the named boolean condition store described in
// the supervisor design: tri-valued facts (on/off/flux) that gate service
// eligibility. Conditions are created on first set and never destroyed
// except at shutdown. The store is backed by a bbolt file so that state
// survives a configuration reload (but not a reboot, since the backing
// file lives on a tmpfs runtime directory).
package cond

import (
	"errors"
	"strings"
	"sync"

	"go.etcd.io/bbolt"

	"github.com/az143/finit/log"
)

// Status is the tri-valued state of a condition.
type Status int

const (
	Off Status = iota
	On
	Flux
)

func (s Status) String() string {
	switch s {
	case On:
		return "on"
	case Flux:
		return "flux"
	default:
		return "off"
	}
}

var bucketName = []byte("conditions")

var (
	ErrEmptyName = errors.New("condition name must not be empty")
)

// Store owns the full set of named conditions. It is a process-wide
// singleton passed by reference to every collaborator that needs to read
// or mutate condition state; see the registry and runlevel packages.
type Store struct {
	mtx      sync.Mutex
	db       *bbolt.DB
	states   map[string]Status
	oneshots map[string]bool
	onChange func(name string) // called outside the lock after any mutation
}

// Open creates or reopens the condition store's backing file at path.
// An empty path yields a memory-only store (used in tests and in
// environments without a writable runtime directory).
func Open(path string, lgr *log.Logger) (*Store, error) {
	s := &Store{
		states:   make(map[string]Status),
		oneshots: make(map[string]bool),
	}
	if path == "" {
		return s, nil
	}
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	s.db = db
	if err := s.loadFromDisk(); err != nil {
		db.Close()
		return nil, err
	}
	if lgr != nil {
		lgr.Info("condition store opened", log.KV("path", path), log.KV("count", len(s.states)))
	}
	return s, nil
}

func (s *Store) loadFromDisk() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			s.states[string(k)] = decodeStatus(v)
			return nil
		})
	})
}

func decodeStatus(v []byte) Status {
	if len(v) == 0 {
		return Off
	}
	switch v[0] {
	case 1:
		return On
	case 2:
		return Flux
	default:
		return Off
	}
}

func encodeStatus(st Status) []byte {
	switch st {
	case On:
		return []byte{1}
	case Flux:
		return []byte{2}
	default:
		return []byte{0}
	}
}

// OnChange registers a callback fired (outside the store's lock) whenever
// a mutation occurs. The event loop uses this to schedule a re-step of the
// runlevel/service state machine, matching "any mutation schedules a
// re-step" in the design.
func (s *Store) OnChange(cb func(name string)) {
	s.mtx.Lock()
	s.onChange = cb
	s.mtx.Unlock()
}

// Close releases the backing file, if any.
func (s *Store) Close() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) persist(name string, st Status) error {
	if s.db == nil {
		return nil
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		return b.Put([]byte(name), encodeStatus(st))
	})
}

func (s *Store) mutate(name string, st Status) error {
	if name == "" {
		return ErrEmptyName
	}
	s.mtx.Lock()
	s.states[name] = st
	err := s.persist(name, st)
	cb := s.onChange
	s.mtx.Unlock()
	if cb != nil {
		cb(name)
	}
	return err
}

// Set marks name as "on".
func (s *Store) Set(name string) error { return s.mutate(name, On) }

// Clear marks name as "off".
func (s *Store) Clear(name string) error { return s.mutate(name, Off) }

// Flux marks name as in transition: it blocks new starts but does not
// stop services already running against it.
func (s *Store) Flux(name string) error { return s.mutate(name, Flux) }

// Oneshot sets name "on" and flags it as boot-phase-only; ClearOneshots
// (called at shutdown start) clears every condition so flagged.
func (s *Store) Oneshot(name string) error {
	if name == "" {
		return ErrEmptyName
	}
	s.mtx.Lock()
	s.states[name] = On
	s.oneshots[name] = true
	err := s.persist(name, On)
	cb := s.onChange
	s.mtx.Unlock()
	if cb != nil {
		cb(name)
	}
	return err
}

// ClearOneshots clears every condition previously set via Oneshot. Called
// once by the shutdown sequencer.
func (s *Store) ClearOneshots() {
	s.mtx.Lock()
	var names []string
	for n := range s.oneshots {
		names = append(names, n)
	}
	s.mtx.Unlock()
	for _, n := range names {
		s.Clear(n)
	}
}

// Get returns the current status of name; unknown conditions are Off.
func (s *Store) Get(name string) Status {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return s.states[name]
}

// Names returns every condition name known to the store, for status
// reporting over the control API.
func (s *Store) Names() []string {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	names := make([]string, 0, len(s.states))
	for n := range s.states {
		names = append(names, n)
	}
	return names
}

// Expr is a conjunction of condition names (a service's condition
// expression). An empty Expr is trivially On.
type Expr []string

// ParseExpr splits a space-separated conjunction of condition names,
// as produced by the cond:<names> qualifier in a service spec.
func ParseExpr(s string) Expr {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil
	}
	return Expr(fields)
}

func (e Expr) String() string {
	return strings.Join([]string(e), " ")
}

// AssertExpr evaluates a conjunction: On iff every term is On; Flux if any
// term is Flux and none is Off; otherwise Off. Unknown conditions evaluate
// Off, per the invariant that condition expressions reference only known
// facts.
func (s *Store) AssertExpr(e Expr) Status {
	if len(e) == 0 {
		return On
	}
	sawFlux := false
	for _, name := range e {
		switch s.Get(name) {
		case Off:
			return Off
		case Flux:
			sawFlux = true
		}
	}
	if sawFlux {
		return Flux
	}
	return On
}
