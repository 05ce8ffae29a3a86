package control

import (
	"fmt"
	"strconv"
	"strings"
	"syscall"

	"github.com/az143/finit/cond"
	"github.com/az143/finit/config"
	"github.com/az143/finit/registry"
	"github.com/az143/finit/runlevel"
)

// Dispatcher implements Handler by driving the registry, runlevel
// machine, condition store and configuration manager directly. Every
// method runs on the event loop goroutine, same as the rest of the
// supervisor's mutations.
type Dispatcher struct {
	reg     *registry.Registry
	rl      *runlevel.Machine
	conds   *cond.Store
	cfg     *config.Manager
	version string
}

// NewDispatcher builds the default command dispatcher.
func NewDispatcher(reg *registry.Registry, rl *runlevel.Machine, conds *cond.Store, cfg *config.Manager, version string) *Dispatcher {
	return &Dispatcher{reg: reg, rl: rl, conds: conds, cfg: cfg, version: version}
}

// Handle implements Handler.
func (d *Dispatcher) Handle(cmd Cmd, payload []byte) (Status, []byte) {
	switch cmd {
	case CmdVersion:
		return StatusOK, []byte(d.version)
	case CmdRunlevel:
		return d.handleRunlevel(payload)
	case CmdReload:
		return d.handleReload()
	case CmdStart:
		return d.handleStart(payload)
	case CmdStop:
		return d.handleStop(payload)
	case CmdRestart:
		return d.handleRestart(payload)
	case CmdStatus:
		return StatusOK, d.statusReport()
	case CmdSignal:
		return d.handleSignal(payload)
	case CmdShutdown, CmdPoweroff:
		if err := d.rl.Switch(0); err != nil {
			return StatusError, []byte(err.Error())
		}
		return StatusOK, nil
	case CmdReboot:
		if err := d.rl.Switch(6); err != nil {
			return StatusError, []byte(err.Error())
		}
		return StatusOK, nil
	default:
		return StatusUnknownCommand, nil
	}
}

func (d *Dispatcher) handleRunlevel(payload []byte) (Status, []byte) {
	token := strings.TrimSpace(string(payload))
	n, err := strconv.Atoi(token)
	if err != nil {
		return StatusInvalidArgument, []byte("runlevel must be a digit 0-9")
	}
	if err := d.rl.Switch(n); err != nil {
		return StatusInvalidArgument, []byte(err.Error())
	}
	return StatusOK, nil
}

func (d *Dispatcher) handleReload() (Status, []byte) {
	prev := d.cfg.Current()
	if err := d.cfg.Reload(); err != nil {
		return StatusError, []byte(err.Error())
	}
	next := d.cfg.Current()
	d.reg.ApplyDiff(config.Reconcile(prev, next))
	d.conds.Oneshot("hook/reload")
	return StatusOK, nil
}

func (d *Dispatcher) findFromPayload(payload []byte) (*registry.Record, bool) {
	name, id := splitIdentity(string(payload))
	return d.reg.Find(name, id)
}

func splitIdentity(s string) (name, id string) {
	name, id, _ = strings.Cut(strings.TrimSpace(s), ":")
	return
}

func (d *Dispatcher) handleStart(payload []byte) (Status, []byte) {
	rec, ok := d.findFromPayload(payload)
	if !ok {
		return StatusInvalidArgument, []byte("no such service")
	}
	d.reg.Step(rec.Handle, d.rl.Current())
	return StatusOK, nil
}

func (d *Dispatcher) handleStop(payload []byte) (Status, []byte) {
	rec, ok := d.findFromPayload(payload)
	if !ok {
		return StatusInvalidArgument, []byte("no such service")
	}
	if err := d.reg.Stop(rec.Handle); err != nil {
		return StatusError, []byte(err.Error())
	}
	return StatusOK, nil
}

func (d *Dispatcher) handleRestart(payload []byte) (Status, []byte) {
	rec, ok := d.findFromPayload(payload)
	if !ok {
		return StatusInvalidArgument, []byte("no such service")
	}
	if err := d.reg.Restart(rec.Handle); err != nil {
		return StatusError, []byte(err.Error())
	}
	return StatusOK, nil
}

func (d *Dispatcher) handleSignal(payload []byte) (Status, []byte) {
	parts := strings.SplitN(strings.TrimSpace(string(payload)), " ", 2)
	if len(parts) != 2 {
		return StatusInvalidArgument, []byte("expected \"<name>[:<id>] <signum>\"")
	}
	rec, ok := d.findFromPayload([]byte(parts[0]))
	if !ok {
		return StatusInvalidArgument, []byte("no such service")
	}
	num, err := strconv.Atoi(parts[1])
	if err != nil {
		return StatusInvalidArgument, []byte("signal must be numeric")
	}
	if rec.PID == 0 {
		return StatusOK, nil // idempotent: nothing to signal
	}
	if err := syscall.Kill(rec.PID, syscall.Signal(num)); err != nil {
		return StatusError, []byte(err.Error())
	}
	return StatusOK, nil
}

func (d *Dispatcher) statusReport() []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "runlevel=%d\n", d.rl.Current())
	for _, h := range d.reg.Handles() {
		rec, ok := d.reg.FindByHandle(h)
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "%s state=%s pid=%d\n", rec.Identity().String(), rec.State, rec.PID)
	}
	return []byte(b.String())
}
