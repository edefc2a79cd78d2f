package engine

import (
	"time"

	"github.com/jonboulle/clockwork"
)

type armedTimer struct {
	timer clockwork.Timer
	gen   uint64
}

// watchdog keeps at most one unanswered-call timer per call id. Firing posts a
// generation-stamped message so a timer that was replaced or cancelled after
// it fired is recognised and ignored. Owned by the session goroutine.
type watchdog struct {
	clock   clockwork.Clock
	timeout time.Duration
	post    func(message)
	timers  map[string]armedTimer
	gen     uint64
}

func newWatchdog(c clockwork.Clock, timeout time.Duration, post func(message)) *watchdog {
	return &watchdog{
		clock:   c,
		timeout: timeout,
		post:    post,
		timers:  make(map[string]armedTimer),
	}
}

// arm starts the timer for id, replacing any timer already armed for it.
func (w *watchdog) arm(id string) {
	w.cancel(id)
	w.gen++
	gen := w.gen
	t := w.clock.AfterFunc(w.timeout, func() {
		w.post(timerFired{callID: id, gen: gen})
	})
	w.timers[id] = armedTimer{timer: t, gen: gen}
}

func (w *watchdog) armed(id string) bool {
	_, ok := w.timers[id]
	return ok
}

func (w *watchdog) cancel(id string) {
	if at, ok := w.timers[id]; ok {
		at.timer.Stop()
		delete(w.timers, id)
	}
}

// fired consumes a timer message, reporting whether it is still current.
func (w *watchdog) fired(id string, gen uint64) bool {
	at, ok := w.timers[id]
	if !ok || at.gen != gen {
		return false
	}
	delete(w.timers, id)
	return true
}

func (w *watchdog) stopAll() {
	for id := range w.timers {
		w.cancel(id)
	}
}
