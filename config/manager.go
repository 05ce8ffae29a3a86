package config

import (
	"sync"

	"github.com/az143/finit/log"
	"github.com/az143/finit/watch"
)

// Manager owns the current configuration snapshot and reparses it
// whenever the primary file or drop-in directory changes.
type Manager struct {
	loader *Loader

	mtx      sync.Mutex
	current  Snapshot
	loaded   bool
	onReload func(prev, next Snapshot)

	logger *log.Logger
}

// NewManager builds a Manager around a Loader for primary/dropInDir.
func NewManager(primary, dropInDir string, lgr *log.Logger) *Manager {
	return &Manager{loader: NewLoader(primary, dropInDir, lgr), logger: lgr}
}

// OnReload registers a callback fired (outside the manager's lock) after
// every successful reload, with the previous and new snapshots.
func (m *Manager) OnReload(cb func(prev, next Snapshot)) {
	m.mtx.Lock()
	m.onReload = cb
	m.mtx.Unlock()
}

// Current returns the most recently loaded snapshot.
func (m *Manager) Current() Snapshot {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.current
}

// Reload parses the declaration file and drop-ins, swaps in the new
// snapshot, and invokes the registered reload callback if the load
// succeeds.
func (m *Manager) Reload() error {
	next, err := m.loader.Load()
	if err != nil {
		return err
	}
	m.mtx.Lock()
	prev := m.current
	m.current = next
	m.loaded = true
	cb := m.onReload
	m.mtx.Unlock()

	if cb != nil {
		cb(prev, next)
	}
	return nil
}

// WatchPaths registers the primary file and drop-in directory with w so
// that HandleEvent is driven by filesystem change notifications.
func (m *Manager) WatchPaths(w *watch.Watcher) error {
	if _, err := w.Add(m.loader.PrimaryPath); err != nil {
		return err
	}
	if _, err := w.Add(m.loader.DropInDir); err != nil {
		return err
	}
	return nil
}

// HandleEvent re-parses on any watch event for a registered config path.
// Intended to be wired via loop.Pump(l, watcher.Events(), mgr.HandleEvent).
func (m *Manager) HandleEvent(evt watch.Event) {
	if err := m.Reload(); err != nil && m.logger != nil {
		m.logger.Error("config reload failed", log.KVErr(err))
	}
}
