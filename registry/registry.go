// Package registry owns the set of declared service records and the
// PID-to-record index, and drives each record's state machine: halted,
// waiting, running, stopping, and the crashed absorbing state reached by
// a service that respawns too fast. It is a single-owner structure: every
// method must be called from the event loop goroutine (see package loop)
// except the unexported goroutine that awaits a child's exit and posts
// the reap back onto the loop, exactly as manager.processManager's own
// goroutine-per-child pattern fed its exit status channel, generalized
// here to run through the cooperative scheduler instead of a dedicated
// per-service goroutine loop.
package registry

import (
	"fmt"
	"os/exec"
	"os/user"
	"strconv"
	"syscall"
	"time"

	"github.com/az143/finit/cond"
	"github.com/az143/finit/config"
	"github.com/az143/finit/log"
	"github.com/az143/finit/loop"
)

// State is one node of a service record's runtime state machine. The
// design's data model names "ready" and "running" as separate states,
// but its own invariant -- "a service in state running has a live child
// PID; no other state does" -- and its transition table -- "ready: ...
// record PID" -- describe the same thing, so they are collapsed into one
// Running state here.
type State int

const (
	Halted State = iota
	Waiting
	Running
	Stopping
	Crashed
)

func (s State) String() string {
	switch s {
	case Halted:
		return "halted"
	case Waiting:
		return "waiting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Crashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// Handle is a stable, opaque reference to a Record, valid for the life of
// the registration. Consumers outside this package must hold a Handle,
// never a *Record.
type Handle uint64

// Bootstrap is the runlevel sentinel passed to Step/StepAll while in the
// bootstrap runlevel S.
const Bootstrap = -1

const (
	crashWindow = 5 * time.Second
	crashLimit  = 10
	stopTimeout = 3 * time.Second
)

// Record is the supervisor's persistent object for one declared unit.
// Exclusively owned by Registry; external code holds a Handle.
type Record struct {
	Handle   Handle
	Spec     config.ServiceSpec
	State    State
	PID      int
	ExitCode int

	cmd          *exec.Cmd
	crashes      []time.Time
	everRan      bool
	pendingStop  bool
	stopTimer    loop.Handle
	hasStopTimer bool
}

// Identity is the record's (name, id) pair.
func (r *Record) Identity() config.Identity { return r.Spec.Identity() }

// Registry owns every service record and the PID -> handle index.
type Registry struct {
	l      *loop.Loop
	conds  *cond.Store
	logger *log.Logger

	records map[Handle]*Record
	byID    map[config.Identity]Handle
	byPID   map[int]Handle
	nextID  Handle

	currentRunlevel int

	crashWindow time.Duration
	crashLimit  int
	stopTimeout time.Duration
}

// New builds an empty registry. l drives respawn/stop timers and receives
// posted reap events; conds is consulted for condition-expression
// eligibility.
func New(l *loop.Loop, conds *cond.Store, lgr *log.Logger) *Registry {
	if lgr == nil {
		lgr = log.NewDiscardLogger()
	}
	return &Registry{
		l:           l,
		conds:       conds,
		logger:      lgr,
		records:     make(map[Handle]*Record),
		byID:        make(map[config.Identity]Handle),
		byPID:       make(map[int]Handle),
		crashWindow: crashWindow,
		crashLimit:  crashLimit,
		stopTimeout: stopTimeout,
	}
}

// SetThrottle overrides the default K=10 restarts in W=5s respawn-throttle
// policy; exposed so configuration can tune it per the design's "exact
// defaults are tunable" note.
func (r *Registry) SetThrottle(limit int, window time.Duration) {
	if limit > 0 {
		r.crashLimit = limit
	}
	if window > 0 {
		r.crashWindow = window
	}
}

// SetStopTimeout overrides the default 3s graceful-stop timeout.
func (r *Registry) SetStopTimeout(d time.Duration) {
	if d > 0 {
		r.stopTimeout = d
	}
}

// SetRunlevel records the runlevel Reap uses when auto-respawning a
// service after a clean or crashing exit.
func (r *Registry) SetRunlevel(level int) { r.currentRunlevel = level }

// Register adds spec to the registry, or returns the existing handle if
// its identity is already known (register is idempotent per identity).
func (r *Registry) Register(spec config.ServiceSpec) Handle {
	id := spec.Identity()
	if h, ok := r.byID[id]; ok {
		return h
	}
	r.nextID++
	h := r.nextID
	r.records[h] = &Record{Handle: h, Spec: spec, State: Halted}
	r.byID[id] = h
	return h
}

// Unregister frees a record's resources. Callers must ensure the record
// is not Running/Stopping first (see ApplyDiff for the removal flow).
func (r *Registry) Unregister(h Handle) {
	rec, ok := r.records[h]
	if !ok {
		return
	}
	delete(r.byID, rec.Identity())
	if rec.PID > 0 {
		delete(r.byPID, rec.PID)
	}
	delete(r.records, h)
}

// Find looks up a record by its (name, id) identity.
func (r *Registry) Find(name, id string) (*Record, bool) {
	h, ok := r.byID[config.Identity{Name: name, ID: id}]
	if !ok {
		return nil, false
	}
	return r.records[h], true
}

// FindByPID looks up the record currently owning pid.
func (r *Registry) FindByPID(pid int) (*Record, bool) {
	h, ok := r.byPID[pid]
	if !ok {
		return nil, false
	}
	return r.records[h], true
}

// FindByHandle looks up a record by its stable handle.
func (r *Registry) FindByHandle(h Handle) (*Record, bool) {
	rec, ok := r.records[h]
	return rec, ok
}

// Handles returns every registered handle, in no particular order.
func (r *Registry) Handles() []Handle {
	hs := make([]Handle, 0, len(r.records))
	for h := range r.records {
		hs = append(hs, h)
	}
	return hs
}

// Step re-evaluates one record against runlevel (or Bootstrap for S) and
// the current condition store, starting, stopping, or leaving it as-is.
func (r *Registry) Step(h Handle, runlevel int) {
	rec, ok := r.records[h]
	if !ok {
		return
	}
	eligible := levelMember(rec.Spec.Levels, runlevel)
	status := r.conds.AssertExpr(rec.Spec.CondExpr)

	switch rec.State {
	case Halted:
		switch {
		case eligible && status == cond.On:
			r.start(rec)
		case eligible && status == cond.Flux:
			rec.State = Waiting
		}
	case Waiting:
		if !eligible {
			rec.State = Halted
			return
		}
		if status == cond.On {
			r.start(rec)
		}
	case Running:
		if !eligible || status == cond.Off {
			r.stop(rec)
		}
	case Stopping, Crashed:
		// terminal until reap (Stopping) or explicit Restart (Crashed)
	}
}

func levelMember(mask config.RunlevelMask, runlevel int) bool {
	if runlevel == Bootstrap {
		return mask.HasS()
	}
	return mask.Has(runlevel)
}

// StepAll steps every record whose kind is in kinds (all records if kinds
// is empty).
func (r *Registry) StepAll(runlevel int, kinds ...config.Kind) {
	for h, rec := range r.records {
		if len(kinds) > 0 && !kindAllowed(rec.Spec.Kind, kinds) {
			continue
		}
		r.Step(h, runlevel)
	}
}

func kindAllowed(k config.Kind, kinds []config.Kind) bool {
	for _, kk := range kinds {
		if kk == k {
			return true
		}
	}
	return false
}

func (r *Registry) start(rec *Record) {
	cmdv := rec.Spec.Command()
	if len(cmdv) == 0 || cmdv[0] == "" {
		r.logger.Error("service has no program path", log.KV("name", rec.Spec.Name))
		r.recordCrash(rec)
		return
	}

	attr, err := buildSysProcAttr(rec.Spec)
	if err != nil {
		r.logger.Error("failed to resolve service user", log.KV("name", rec.Spec.Name), log.KVErr(err))
		r.recordCrash(rec)
		return
	}

	cmd := exec.Command(cmdv[0], cmdv[1:]...)
	cmd.SysProcAttr = attr

	if err := cmd.Start(); err != nil {
		r.logger.Error("failed to start service", log.KV("name", rec.Spec.Name), log.KV("binary", cmdv[0]), log.KVErr(err))
		r.recordCrash(rec)
		return
	}

	rec.cmd = cmd
	rec.PID = cmd.Process.Pid
	rec.State = Running
	rec.everRan = true
	r.byPID[rec.PID] = rec.Handle
	r.logger.Info("service started", log.KV("name", rec.Spec.Name), log.KV("pid", rec.PID), log.KV("kind", rec.Spec.Kind.String()))

	pid := rec.PID
	go func(c *exec.Cmd) {
		code, err := waitForExit(c)
		r.l.Post(func() { r.Reap(pid, code, err) })
	}(cmd)
}

func buildSysProcAttr(spec config.ServiceSpec) (*syscall.SysProcAttr, error) {
	attr := &syscall.SysProcAttr{Setpgid: true}
	if spec.User == "" || spec.User == "root" {
		return attr, nil
	}
	u, err := user.Lookup(spec.User)
	if err != nil {
		return nil, err
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return nil, err
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return nil, err
	}
	attr.Credential = &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}
	return attr, nil
}

func waitForExit(c *exec.Cmd) (code int, err error) {
	waitErr := c.Wait()
	if waitErr == nil {
		return 0, nil
	}
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			return status.ExitStatus(), nil
		}
	}
	return -1, waitErr
}

func (r *Registry) stop(rec *Record) {
	if rec.State == Stopping || rec.PID == 0 {
		return
	}
	rec.State = Stopping
	if rec.cmd != nil && rec.cmd.Process != nil {
		if err := rec.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			r.logger.Warn("failed to signal service", log.KV("name", rec.Spec.Name), log.KVErr(err))
		}
	}
	pid := rec.PID
	rec.stopTimer = r.l.AddTimer(r.stopTimeout, func() {
		if cur, ok := r.FindByPID(pid); ok && cur.State == Stopping && cur.cmd != nil && cur.cmd.Process != nil {
			r.logger.Warn("service did not stop in time, killing", log.KV("name", cur.Spec.Name))
			_ = cur.cmd.Process.Kill()
		}
	})
	rec.hasStopTimer = true
}

// Reap records the exit of pid, advancing its record's state machine and
// applying the respawn throttle. Called from the callback posted by the
// goroutine start() spawned to await the child.
func (r *Registry) Reap(pid, code int, err error) {
	rec, ok := r.FindByPID(pid)
	if !ok {
		r.logger.Warn("reaped unrecognized pid", log.KV("pid", pid))
		return
	}
	if rec.hasStopTimer {
		r.l.Cancel(rec.stopTimer)
		rec.hasStopTimer = false
	}
	delete(r.byPID, pid)
	rec.PID = 0
	rec.ExitCode = code
	rec.cmd = nil

	wasStopping := rec.State == Stopping

	switch rec.Spec.Kind {
	case config.KindTask, config.KindRun:
		rec.State = Halted
		r.logger.Info("one-shot completed", log.KV("name", rec.Spec.Name), log.KV("code", code))
		r.maybeRemove(rec)
		return
	}

	if wasStopping {
		rec.State = Halted
		r.logger.Info("service stopped", log.KV("name", rec.Spec.Name))
		r.maybeRemove(rec)
		return
	}

	clean := code == 0 && err == nil
	if !clean {
		r.recordCrash(rec)
	}
	if rec.State == Crashed {
		r.maybeRemove(rec)
		return
	}
	rec.State = Halted
	r.maybeRemove(rec)
	if rec.pendingStop {
		return
	}
	r.Step(rec.Handle, r.currentRunlevel)
}

func (r *Registry) recordCrash(rec *Record) {
	now := time.Now()
	kept := rec.crashes[:0:0]
	for _, t := range rec.crashes {
		if now.Sub(t) < r.crashWindow {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	rec.crashes = kept
	if len(rec.crashes) > r.crashLimit {
		rec.State = Crashed
		r.logger.Warn("service crash-looping, disabling respawn", log.KV("name", rec.Spec.Name), log.KV("crashes", len(rec.crashes)))
	}
	if rec.Spec.CrashHandler != "" {
		r.fireCrashHandler(rec)
	}
}

// fireCrashHandler runs the service's configured crash-handler command,
// passing the service name as its sole argument, the same way
// manager.process's ErrHandler did. Run on its own goroutine rather than
// blocking the call, since recordCrash always executes on the loop
// goroutine.
func (r *Registry) fireCrashHandler(rec *Record) {
	handler := rec.Spec.CrashHandler
	name := rec.Spec.Name
	logger := r.logger
	go func() {
		if err := exec.Command(handler, name).Run(); err != nil {
			logger.Warn("crash handler failed", log.KV("name", name), log.KVErr(err))
			return
		}
		logger.Info("crash handler fired", log.KV("name", name))
	}()
}

func (r *Registry) maybeRemove(rec *Record) {
	if rec.pendingStop && (rec.State == Halted || rec.State == Crashed) {
		r.Unregister(rec.Handle)
	}
}

// Stop forces a record out of Running/Waiting regardless of runlevel or
// condition eligibility; already-halted or crashed records are a no-op,
// matching the control API's idempotent "stop" command.
func (r *Registry) Stop(h Handle) error {
	rec, ok := r.records[h]
	if !ok {
		return fmt.Errorf("no such service handle")
	}
	switch rec.State {
	case Halted, Crashed, Stopping:
		return nil
	case Waiting:
		rec.State = Halted
		return nil
	}
	r.stop(rec)
	return nil
}

// Restart clears a record's crash history and, for a Crashed record,
// returns it to Halted so the next Step may start it again; for a
// Running record it is stopped and will be started afresh once the
// ensuing reap re-steps it.
func (r *Registry) Restart(h Handle) error {
	rec, ok := r.records[h]
	if !ok {
		return fmt.Errorf("no such service handle")
	}
	rec.crashes = nil
	switch rec.State {
	case Crashed:
		rec.State = Halted
		r.Step(h, r.currentRunlevel)
	case Running:
		r.stop(rec)
	}
	return nil
}

// ApplyDiff reconciles a config.Diff (as produced by config.Reconcile)
// against the registry: added identities are registered, modified
// identities have their spec swapped (stopping the running instance so
// it restarts under the new command), and removed identities are stopped
// and unregistered once halted.
func (r *Registry) ApplyDiff(d config.Diff) {
	for _, spec := range d.Added {
		r.Register(spec)
	}
	for _, spec := range d.Modified {
		h, ok := r.byID[spec.Identity()]
		if !ok {
			r.Register(spec)
			continue
		}
		rec := r.records[h]
		wasRunning := rec.State == Running
		rec.Spec = spec
		if wasRunning {
			r.stop(rec)
		}
	}
	for _, id := range d.Removed {
		h, ok := r.byID[id]
		if !ok {
			continue
		}
		rec := r.records[h]
		if rec.State == Running || rec.State == Stopping {
			rec.pendingStop = true
			r.stop(rec)
		} else {
			r.Unregister(h)
		}
	}
}

// PruneBootstrap drops records declared only for runlevel S that never
// ran, once the bootstrap sequencer is finalizing.
func (r *Registry) PruneBootstrap() {
	for h, rec := range r.records {
		if rec.Spec.Levels == config.LevelS && !rec.everRan {
			delete(r.byID, rec.Identity())
			delete(r.records, h)
		}
	}
}

// AllBootstrapComplete reports whether every kind-run service eligible in
// runlevel S has reached halted or crashed.
func (r *Registry) AllBootstrapComplete() bool {
	for _, rec := range r.records {
		if rec.Spec.Kind != config.KindRun || !rec.Spec.Levels.HasS() {
			continue
		}
		if rec.State != Halted && rec.State != Crashed {
			return false
		}
	}
	return true
}
