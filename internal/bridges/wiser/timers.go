package wiser

import (
	"time"

	"github.com/benbjohnson/clock"
)

// sessionTimers is the manager's private timer set. Each armed timer carries
// a sequence number; a fired timer whose number no longer matches was
// cancelled or replaced and its event is ignored.
type sessionTimers struct {
	clock clock.Clock
	seq   uint64

	ping, watchdog, backoff          *clock.Timer
	pingSeq, watchdogSeq, backoffSeq uint64
}

// arm schedules fire after d and returns the sequence number passed to it.
func (t *sessionTimers) arm(slot **clock.Timer, slotSeq *uint64, d time.Duration, fire func(seq uint64)) {
	stopTimer(slot)
	t.seq++
	seq := t.seq
	*slotSeq = seq
	*slot = t.clock.AfterFunc(d, func() { fire(seq) })
}

func stopTimer(slot **clock.Timer) {
	if *slot != nil {
		(*slot).Stop()
		*slot = nil
	}
}

// stopSession cancels the heartbeat timers of the current session.
func (t *sessionTimers) stopSession() {
	stopTimer(&t.ping)
	stopTimer(&t.watchdog)
	t.pingSeq, t.watchdogSeq = 0, 0
}

// stopAll cancels every timer, including a pending reconnect.
func (t *sessionTimers) stopAll() {
	t.stopSession()
	stopTimer(&t.backoff)
	t.backoffSeq = 0
}
