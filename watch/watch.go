// Package watch wraps fsnotify into the path watcher described in the
// supervisor design: register a file or directory, receive change events
// carrying the affected path and a create/modify/delete/move kind, and
// look registrations up by opaque id or by path. Shaped after the
// teacher's fsnotify-based filewatch.WatchManager, trimmed to the
// supervisor's narrower contract (no file-follower/state-persistence
// machinery — this watcher only reports change events, it does not read
// file content).
package watch

import (
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/az143/finit/log"
)

// Kind classifies a change event.
type Kind int

const (
	Create Kind = iota
	Modify
	Delete
	Move
)

func (k Kind) String() string {
	switch k {
	case Create:
		return "create"
	case Modify:
		return "modify"
	case Delete:
		return "delete"
	case Move:
		return "move"
	default:
		return "unknown"
	}
}

// Event is delivered to consumers on any watched-path change.
type Event struct {
	ID   ID
	Path string
	Kind Kind
}

// ID is an opaque watch handle, stable for the life of the registration.
type ID uint64

var ErrClosed = errors.New("watcher is closed")

// Watcher wraps a single fsnotify.Watcher instance: the design calls for
// "a single watcher instance" (init()) shared by every consumer (the
// config loader, and any plugin that wants to watch a path).
type Watcher struct {
	mtx     sync.Mutex
	fsw     *fsnotify.Watcher
	byID    map[ID]string
	byPath  map[string]ID
	nextID  ID
	events  chan Event
	closed  bool
	logger  *log.Logger
	closeCh chan struct{}
}

// New allocates the single watcher instance (§4.3 init()).
func New(lgr *log.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if lgr == nil {
		lgr = log.NewDiscardLogger()
	}
	w := &Watcher{
		fsw:     fsw,
		byID:    make(map[ID]string),
		byPath:  make(map[string]ID),
		events:  make(chan Event, 64),
		logger:  lgr,
		closeCh: make(chan struct{}),
	}
	go w.routine()
	return w, nil
}

// Events returns the channel of change events; the event loop (package
// loop) registers this as an fd-readiness-equivalent source.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Add registers path (file or directory) for change notification and
// returns its watch id. If path does not exist, Add silently succeeds
// with no watch installed -- matching "caller responsibility to retry".
func (w *Watcher) Add(path string) (ID, error) {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	if w.closed {
		return 0, ErrClosed
	}
	if _, err := os.Stat(path); err != nil {
		w.logger.Info("skipping watch, path does not exist yet", log.KV("path", path))
		return 0, nil
	}
	if id, ok := w.byPath[path]; ok {
		return id, nil
	}
	if err := w.fsw.Add(path); err != nil {
		return 0, err
	}
	w.nextID++
	id := w.nextID
	w.byID[id] = path
	w.byPath[path] = id
	return id, nil
}

// Del removes a watch by id.
func (w *Watcher) Del(id ID) error {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	path, ok := w.byID[id]
	if !ok {
		return nil
	}
	delete(w.byID, id)
	delete(w.byPath, path)
	return w.fsw.Remove(path)
}

// DelByPath removes a watch by its registered path.
func (w *Watcher) DelByPath(path string) error {
	w.mtx.Lock()
	id, ok := w.byPath[path]
	w.mtx.Unlock()
	if !ok {
		return nil
	}
	return w.Del(id)
}

// FindByID reports the path registered under id, if any.
func (w *Watcher) FindByID(id ID) (string, bool) {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	p, ok := w.byID[id]
	return p, ok
}

// FindByPath reports the id registered for path, if any.
func (w *Watcher) FindByPath(path string) (ID, bool) {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	id, ok := w.byPath[path]
	return id, ok
}

// Close releases the underlying fsnotify instance and all registrations.
func (w *Watcher) Close() error {
	w.mtx.Lock()
	if w.closed {
		w.mtx.Unlock()
		return nil
	}
	w.closed = true
	w.byID = make(map[ID]string)
	w.byPath = make(map[string]ID)
	w.mtx.Unlock()
	close(w.closeCh)
	return w.fsw.Close()
}

func (w *Watcher) routine() {
	for {
		select {
		case evt, ok := <-w.fsw.Events:
			if !ok {
				close(w.events)
				return
			}
			w.dispatch(evt)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				continue
			}
			w.logger.Error("path watcher error", log.KVErr(err))
		case <-w.closeCh:
			return
		}
	}
}

func (w *Watcher) dispatch(evt fsnotify.Event) {
	w.mtx.Lock()
	id, ok := w.byPath[evt.Name]
	if !ok {
		// event on a file inside a watched directory: report it under the
		// parent directory's id so config reload can key off the dir watch
		// (0 if the parent is not registered either).
		id = w.byPath[filepath.Dir(evt.Name)]
	}
	w.mtx.Unlock()

	var kind Kind
	switch {
	case evt.Op&fsnotify.Create != 0:
		kind = Create
	case evt.Op&fsnotify.Remove != 0:
		kind = Delete
	case evt.Op&fsnotify.Rename != 0:
		kind = Move
	default:
		kind = Modify
	}
	select {
	case w.events <- Event{ID: id, Path: evt.Name, Kind: kind}:
	default:
		w.logger.Warn("dropped path watcher event, consumer too slow", log.KV("path", evt.Name))
	}
}
