package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
)

// ConnectionError is the initial connect failure. It is fatal after retries.
type ConnectionError struct {
	Adapter  string
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s: connect to %s failed: %v", e.Adapter, e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TransportError is a read or write failure on an established connection.
// Timeouts are transport errors with Timeout set.
type TransportError struct {
	Op      string
	Target  string
	Timeout bool
	Err     error
}

func (e *TransportError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("%s %s: timeout: %v", e.Op, e.Target, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Target, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError: das Gerät hat geantwortet, aber mit einem Fehler
// (Modbus Exception, OPC UA Bad-Status, HTTP 4xx/5xx).
type ProtocolError struct {
	Op     string
	Target string
	Code   uint32
	Detail string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s %s: device error 0x%X: %s", e.Op, e.Target, e.Code, e.Detail)
}

// Wrap builds a TransportError and detects timeouts.
func Wrap(op, target string, err error) error {
	if err == nil {
		return nil
	}
	var perr *ProtocolError
	if errors.As(err, &perr) {
		return err
	}
	var terr *TransportError
	if errors.As(err, &terr) {
		return err
	}
	return &TransportError{Op: op, Target: target, Timeout: IsTimeout(err), Err: err}
}

// TimeoutError builds a TransportError marked as timeout.
func TimeoutError(op, target string, err error) error {
	return &TransportError{Op: op, Target: target, Timeout: true, Err: err}
}

func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var terr *TransportError
	if errors.As(err, &terr) && terr.Timeout {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

// Classify returns "protocol", "timeout", "transport" or "connection" for logging.
func Classify(err error) string {
	var perr *ProtocolError
	if errors.As(err, &perr) {
		return "protocol"
	}
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return "connection"
	}
	if IsTimeout(err) {
		return "timeout"
	}
	return "transport"
}
