package tcp

import "fmt"

// State is a connection state.
type State int

const (
	Closed State = iota + 1
	Listen
	SynRecv
	SynSent
	Established
	CloseWait
	LastAck
	FinWait1
	FinWait2
	Closing
	TimeWait
)

var stateNames = [...]string{
	Closed:      "CLOSED",
	Listen:      "LISTEN",
	SynRecv:     "SYN_RECV",
	SynSent:     "SYN_SENT",
	Established: "ESTABLISHED",
	CloseWait:   "CLOSE_WAIT",
	LastAck:     "LAST_ACK",
	FinWait1:    "FIN_WAIT1",
	FinWait2:    "FIN_WAIT2",
	Closing:     "CLOSING",
	TimeWait:    "TIME_WAIT",
}

func (s State) String() string {
	if s >= Closed && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// synchronized reports whether the handshake has completed in at least one
// direction, i.e. the state is past SYN exchange.
func (s State) synchronized() bool {
	return s >= SynRecv && s != SynSent
}

// canRecv reports whether inbound text is still accepted.
func (s State) canRecv() bool {
	return s == Established || s == FinWait1 || s == FinWait2
}

// canSend reports whether queued data or our FIN may still be transmitted.
func (s State) canSend() bool {
	switch s {
	case Established, CloseWait, FinWait1, Closing, LastAck:
		return true
	}
	return false
}
