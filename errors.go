package transf

import (
	"errors"
	"fmt"
	"net"
	"syscall"
)

// Errors surfaced by the transport and the session table. Timeouts are
// retryable; everything else ends the current file or session.
var (
	// ErrTimeout reports that a send or receive missed its deadline.
	ErrTimeout = errors.New("transf: timeout")

	// ErrClosed reports that the peer or the local socket has been closed.
	ErrClosed = errors.New("transf: connection closed")

	// ErrAddrInUse reports that every bind candidate failed and at least one
	// failed because the address was already in use.
	ErrAddrInUse = errors.New("transf: address already in use")

	// ErrSessionMissing reports a session id absent from the table.
	ErrSessionMissing = errors.New("transf: unknown session")

	// ErrSessionBusy reports a session whose lock is held by another frame.
	ErrSessionBusy = errors.New("transf: session busy")

	// ErrRejected is returned by the sender when the receiver answers REJECT.
	ErrRejected = errors.New("transf: rejected by receiver")

	// ErrDropped is returned by the sender when the receiver answers DROP.
	ErrDropped = errors.New("transf: dropped by receiver")
)

// ProtocolError reports a frame that was well-formed but wrong in context:
// an unexpected opcode, a session id mismatch, or a chunk acknowledgement
// that does not line up.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("transf: protocol violation: %s", e.Reason)
}

func protocolErrorf(format string, args ...any) error {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// mapNetErr folds the substrate's error surface into the package's typed
// errors so callers can retry on timeout without inspecting net internals.
func mapNetErr(err error) error {
	if err == nil {
		return nil
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %s", ErrTimeout, err)
	}
	if errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%w: %s", ErrClosed, err)
	}
	return err
}

func isAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}
