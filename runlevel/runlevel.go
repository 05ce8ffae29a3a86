// Package runlevel implements the supervisor's flat runlevel state
// machine: one current runlevel among {S, 0..9}, one previous, with 0
// and 6 handed off to the shutdown sequencer.
package runlevel

import (
	"fmt"

	"github.com/az143/finit/cond"
	"github.com/az143/finit/registry"
)

// Action is the terminal action a transition into 0 or 6 requests.
type Action int

const (
	Reboot Action = iota
	Poweroff
)

func (a Action) String() string {
	if a == Reboot {
		return "reboot"
	}
	return "poweroff"
}

// Machine is the single process-wide runlevel state holder.
type Machine struct {
	reg   *registry.Registry
	conds *cond.Store

	current     int
	previous    int
	hasPrevious bool

	onShutdown func(Action)
}

// New builds a Machine starting in the bootstrap runlevel S.
func New(reg *registry.Registry, conds *cond.Store) *Machine {
	return &Machine{reg: reg, conds: conds, current: registry.Bootstrap}
}

// Current returns the current runlevel, or registry.Bootstrap for S.
func (m *Machine) Current() int { return m.current }

// Previous returns the previous runlevel and whether one has been set
// yet (false only before the first transition out of S).
func (m *Machine) Previous() (int, bool) { return m.previous, m.hasPrevious }

// OnShutdown registers the callback fired when a transition reaches
// runlevel 0 (Poweroff) or 6 (Reboot).
func (m *Machine) OnShutdown(cb func(Action)) { m.onShutdown = cb }

// Switch transitions to runlevel n in 0-9. Switching to the already-
// current runlevel is idempotent: it re-steps every service but changes
// neither previous nor the sys/runlevel/* conditions.
func (m *Machine) Switch(n int) error {
	if n < 0 || n > 9 {
		return fmt.Errorf("runlevel %d out of range", n)
	}
	if n == m.current {
		m.reg.StepAll(m.current)
		return nil
	}

	m.previous = m.current
	m.hasPrevious = true
	m.current = n
	m.reg.SetRunlevel(n)
	m.emitCondition()
	m.reg.StepAll(n)

	switch n {
	case 6:
		if m.onShutdown != nil {
			m.onShutdown(Reboot)
		}
	case 0:
		if m.onShutdown != nil {
			m.onShutdown(Poweroff)
		}
	}
	return nil
}

func (m *Machine) emitCondition() {
	if m.hasPrevious && m.previous >= 0 {
		m.conds.Clear(conditionName(m.previous))
	}
	m.conds.Set(conditionName(m.current))
}

func conditionName(level int) string {
	return fmt.Sprintf("sys/runlevel/%d", level)
}
