package sctp

import (
	"time"

	"github.com/backkem/mediaplane/pkg/retransmit"
)

// RTO bounds (RFC 4960 Section 15).
const (
	RTOInitial = 3 * time.Second
	RTOMin     = time.Second
	RTOMax     = 60 * time.Second

	rtoAlpha = 0.125
	rtoBeta  = 0.25
)

// rtoManager keeps the smoothed RTT estimate of RFC 6298.
type rtoManager struct {
	srtt     float64
	rttvar   float64
	measured bool
	rto      time.Duration
	ceiling  time.Duration
}

func newRTOManager(ceiling time.Duration) *rtoManager {
	if ceiling <= 0 {
		ceiling = RTOMax
	}
	return &rtoManager{rto: min(RTOInitial, ceiling), ceiling: ceiling}
}

// addSample folds in one RTT measurement and returns the new RTO.
func (m *rtoManager) addSample(rtt time.Duration) time.Duration {
	r := float64(rtt)
	if !m.measured {
		m.measured = true
		m.srtt = r
		m.rttvar = r / 2
	} else {
		diff := m.srtt - r
		if diff < 0 {
			diff = -diff
		}
		m.rttvar = (1-rtoBeta)*m.rttvar + rtoBeta*diff
		m.srtt = (1-rtoAlpha)*m.srtt + rtoAlpha*r
	}
	m.rto = min(max(time.Duration(m.srtt+4*m.rttvar), RTOMin), m.ceiling)
	return m.rto
}

func (m *rtoManager) get() time.Duration { return m.rto }

func (m *rtoManager) srttDuration() time.Duration { return time.Duration(m.srtt) }

// loopTimer is a timer owned by the association loop. C is nil while the
// timer is stopped so a select on it never fires.
type loopTimer struct {
	t *time.Timer
	C <-chan time.Time

	// attempts counts expirations since the timer was last started fresh.
	attempts int
}

func newLoopTimer() *loopTimer {
	t := time.NewTimer(time.Hour)
	t.Stop()
	return &loopTimer{t: t}
}

func (lt *loopTimer) running() bool { return lt.C != nil }

// start arms the timer unless it is already running.
func (lt *loopTimer) start(d time.Duration) {
	if lt.running() {
		return
	}
	lt.restart(d)
}

func (lt *loopTimer) restart(d time.Duration) {
	lt.t.Reset(d)
	lt.C = lt.t.C
}

func (lt *loopTimer) stop() {
	lt.t.Stop()
	lt.C = nil
	lt.attempts = 0
}

// expired is called from the loop when C fires.
func (lt *loopTimer) expired() {
	lt.C = nil
	lt.attempts++
}

// backoff restarts the timer with base doubled once per expiration.
func (lt *loopTimer) backoff(base, ceiling time.Duration) {
	lt.restart(retransmit.NewBackoff(base, ceiling).CalculateMin(lt.attempts))
}
