package tcp

import "github.com/pkg/errors"

// Errors returned by socket operations. They may be wrapped; compare with
// errors.Is.
var (
	ErrConnReset        = errors.New("connection reset by peer")
	ErrConnRefused      = errors.New("connection refused")
	ErrTimeout          = errors.New("connection timed out")
	ErrNotConnected     = errors.New("socket is not connected")
	ErrAlreadyConnected = errors.New("socket is already connected")
	ErrClosed           = errors.New("socket closed")
	ErrConnClosing      = errors.New("connection closing")
	ErrInvalidState     = errors.New("operation not valid in current state")
	ErrAddrInUse        = errors.New("address already in use")
	ErrNoPorts          = errors.New("no local ports available")
	ErrInvalidFormat    = errors.New("malformed segment")
	ErrBacklogFull      = errors.New("accept backlog full")
)
