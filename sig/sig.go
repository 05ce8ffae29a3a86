// Package sig wires OS signals into the supervisor's event loop. No
// signal is ever handled inline on the runtime's signal-delivery
// goroutine: os/signal.Notify feeds a channel, and loop.Pump relays
// each one onto the loop goroutine, generalizing the same
// channel-notify pattern utils.GetQuitChannel uses, with per-signal
// dispatch added on top instead of a single catch-all quit signal.
package sig

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/az143/finit/loop"
)

// Action names the loop-level response a received signal requests.
type Action int

const (
	ActionReap Action = iota
	ActionReload
	ActionReboot
	ActionPoweroff
	ActionIgnore
)

func (a Action) String() string {
	switch a {
	case ActionReap:
		return "reap"
	case ActionReload:
		return "reload"
	case ActionReboot:
		return "reboot"
	case ActionPoweroff:
		return "poweroff"
	case ActionIgnore:
		return "ignore"
	default:
		return "unknown"
	}
}

var table = map[os.Signal]Action{
	syscall.SIGCHLD:  ActionReap,
	syscall.SIGHUP:   ActionReload,
	syscall.SIGUSR1:  ActionReboot,
	syscall.SIGUSR2:  ActionPoweroff,
	syscall.SIGINT:   ActionReboot, // Ctrl-Alt-Del
	syscall.SIGTERM:  ActionPoweroff,
	syscall.SIGPWR:   ActionPoweroff,
	syscall.SIGWINCH: ActionIgnore,
}

// Watcher listens for the supervisor's signal set and delivers each as
// an Action on the event loop goroutine via onAction.
type Watcher struct {
	ch chan os.Signal
}

// Watch registers the supervisor's signal set and starts relaying them
// onto l. onAction runs on the loop goroutine for every signal received,
// including ActionIgnore (SIGWINCH) so callers can observe delivery in
// tests without special-casing it.
func Watch(l *loop.Loop, onAction func(os.Signal, Action)) *Watcher {
	w := &Watcher{ch: make(chan os.Signal, 8)}

	sigs := make([]os.Signal, 0, len(table))
	for s := range table {
		sigs = append(sigs, s)
	}
	signal.Notify(w.ch, sigs...)

	loop.Pump(l, w.ch, func(s os.Signal) {
		onAction(s, table[s])
	})
	return w
}

// Stop deregisters the watcher's signals.
func (w *Watcher) Stop() {
	signal.Stop(w.ch)
}
