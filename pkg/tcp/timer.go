package tcp

import "time"

// Each TCB owns one timer. It drives retransmission while anything is
// outstanding, the 2*MSL expiry in TIME_WAIT and the FIN_WAIT2 expiry of
// connections the application has closed. A fired timer is processed
// under the same locks as an inbound segment; timerGen discards callbacks
// that lost a race with a re-arm.

func (t *TCB) armTimer(d time.Duration) {
	t.stopTimer()
	gen := t.timerGen
	t.timer = time.AfterFunc(d, func() { t.onTimer(gen) })
}

func (t *TCB) stopTimer() {
	t.timerGen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// armRetransmit starts the retransmission timer if something is outstanding
// and it is not already running, and stops it when nothing is.
func (t *TCB) armRetransmit() {
	// Nothing is outstanding in FIN_WAIT2: our FIN is acknowledged.
	if t.state == TimeWait || t.state == Closed || t.state == FinWait2 {
		return
	}
	outstanding := t.sndUna != t.sndNxt ||
		(t.state.canSend() && len(t.sndQueue) > 0 && t.sndWnd == 0)
	if !outstanding {
		if t.timer != nil {
			t.stopTimer()
		}
		return
	}
	if t.timer == nil {
		t.armTimer(t.rto)
	}
}

// resetBackoff is called on forward progress.
func (t *TCB) resetBackoff() {
	t.stopTimer()
	t.rto = t.stack.cfg.InitialRTO
	t.retries = 0
}

func (t *TCB) enterTimeWait() {
	t.setState(TimeWait)
	t.armTimer(2 * t.stack.cfg.MSL)
}

// lingerFinWait2 bounds FIN_WAIT2 once the application has closed.
func (t *TCB) lingerFinWait2() {
	if t.state == FinWait2 && t.flags&flagUserClosed != 0 {
		t.armTimer(t.stack.cfg.FinTimeout)
	}
}

func (t *TCB) onTimer(gen uint64) {
	parent := t.lock()
	defer t.unlock(parent)

	if gen != t.timerGen || t.dead.Load() {
		return
	}
	t.timer = nil

	switch t.state {
	case Closed:
		return
	case TimeWait:
		t.destroy(parent, nil)
		return
	case FinWait2:
		t.log.WithFields(t.fields()).Infof("no FIN from peer within %s, closing", t.stack.cfg.FinTimeout)
		t.destroy(parent, nil)
		return
	}

	// Probing a zero window is not a retransmission.
	if t.sndUna != t.sndNxt {
		t.retries++
	}
	if t.retries > t.stack.cfg.MaxRetries {
		t.stack.countTimeout()
		t.log.WithFields(t.fields()).Warnf("no acknowledgment after %d retransmissions", t.stack.cfg.MaxRetries)
		t.destroy(parent, ErrTimeout)
		return
	}
	t.rto = min(2*t.rto, t.stack.cfg.MaxRTO)
	t.retransmit()
	t.armRetransmit()
}
