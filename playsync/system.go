package playsync

import (
	"time"
)

// Periodic systems run only on the host, each on its own accumulated-time
// schedule. A 30Hz simulation system and a 5Hz AI system coexist without
// lockstep to each other or to action submission. Ticks run to completion
// on the simulation turn loop, so a tick never overlaps another tick or an
// action apply.

type TickFunc func(state map[string]any, delta time.Duration)

type SystemDefinition struct {
	Rate time.Duration
	Tick TickFunc
}

// cap on how many missed intervals a system replays after a stall,
// so that a long pause does not burst an unbounded number of ticks
const maxCatchUpTicks = 4

type systemScheduler struct {
	systems map[string]*SystemDefinition
	// deterministic tick order
	names       []string
	accumulated map[string]time.Duration
	last        time.Time
}

func newSystemScheduler(systems map[string]*SystemDefinition, now time.Time) *systemScheduler {
	return &systemScheduler{
		systems:     systems,
		names:       sortedKeys(systems),
		accumulated: map[string]time.Duration{},
		last:        now,
	}
}

// Advance accumulates elapsed time and runs every due tick with a fixed
// delta of the system's rate.
func (self *systemScheduler) Advance(state map[string]any, now time.Time) int {
	elapsed := now.Sub(self.last)
	if elapsed < 0 {
		elapsed = 0
	}
	self.last = now

	ticks := 0
	for _, name := range self.names {
		system := self.systems[name]
		accumulated := self.accumulated[name] + elapsed
		if limit := time.Duration(maxCatchUpTicks) * system.Rate; limit < accumulated {
			accumulated = limit
		}
		for system.Rate <= accumulated {
			system.Tick(state, system.Rate)
			accumulated -= system.Rate
			ticks += 1
		}
		self.accumulated[name] = accumulated
	}
	return ticks
}

// NextDue returns how long until the earliest system is due
func (self *systemScheduler) NextDue() (time.Duration, bool) {
	due := time.Duration(0)
	found := false
	for _, name := range self.names {
		remaining := self.systems[name].Rate - self.accumulated[name]
		if remaining < 0 {
			remaining = 0
		}
		if !found || remaining < due {
			due = remaining
			found = true
		}
	}
	return due, found
}
