package orchestrator

import "time"

// timerKind names one of the two per-agent watchdog timers.
type timerKind string

const (
	timerSpawn    timerKind = "spawn"
	timerNoOutput timerKind = "no_output"
)

// guard holds an agent's spawn-confirmation and no-output timers. It is
// owned by the event loop; the timers only post events back to it.
type guard struct {
	spawn    *time.Timer
	noOutput *time.Timer
}

// armGuard starts both timers. fire is called from the timer goroutine.
func armGuard(spawnAfter, noOutputAfter time.Duration, fire func(timerKind)) *guard {
	return &guard{
		spawn:    time.AfterFunc(spawnAfter, func() { fire(timerSpawn) }),
		noOutput: time.AfterFunc(noOutputAfter, func() { fire(timerNoOutput) }),
	}
}

// confirmSpawn clears the spawn timer. It reports whether it was armed.
func (g *guard) confirmSpawn() bool {
	return g.clear(timerSpawn)
}

// firstOutput clears the no-output timer. Later output does not re-arm it.
func (g *guard) firstOutput() bool {
	return g.clear(timerNoOutput)
}

// disarm clears both timers.
func (g *guard) disarm() {
	g.clear(timerSpawn)
	g.clear(timerNoOutput)
}

// armed reports whether the timer of kind has not been cleared. A fire
// event for a cleared timer is stale.
func (g *guard) armed(kind timerKind) bool {
	switch kind {
	case timerSpawn:
		return g.spawn != nil
	case timerNoOutput:
		return g.noOutput != nil
	}
	return false
}

func (g *guard) clear(kind timerKind) bool {
	var t **time.Timer
	switch kind {
	case timerSpawn:
		t = &g.spawn
	case timerNoOutput:
		t = &g.noOutput
	default:
		return false
	}
	if *t == nil {
		return false
	}
	(*t).Stop()
	*t = nil
	return true
}
