// Package apperr carries failure kinds through error chains so that retry
// policies and the job state machine can decide what to do with a failure
// without parsing messages.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
)

// Kind classifies a failure by what went wrong, not where.
type Kind string

const (
	KindUnknown      Kind = "unknown"
	KindNetwork      Kind = "network"
	KindTimeout      Kind = "timeout"
	KindIO           Kind = "io"
	KindStorage      Kind = "storage"
	KindQuota        Kind = "quota"
	KindRemoteAPI    Kind = "remote_api"
	KindAuth         Kind = "auth"
	KindValidation   Kind = "validation"
	KindResource     Kind = "resource"
	KindMedia        Kind = "media"
	KindHandleFailed Kind = "handle_failed"
	KindNotFound     Kind = "not_found"
)

// Error is a failure annotated with its kind and the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// E wraps err with a kind. A nil err yields nil.
func E(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a new kinded error from a format string.
func Errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the outermost kind found in err's chain. Errors that carry
// no kind are classified from well-known sentinel and interface types.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) && ae.Kind != "" {
		return ae.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return KindIO
	}
	return KindUnknown
}

// Is reports whether err carries one of the given kinds.
func Is(err error, kinds ...Kind) bool {
	k := KindOf(err)
	for _, want := range kinds {
		if k == want {
			return true
		}
	}
	return false
}

// Transport classifies a failed HTTP round trip: timeouts as KindTimeout,
// anything else as KindNetwork.
func Transport(op string, err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) == KindTimeout {
		return &Error{Kind: KindTimeout, Op: op, Err: fmt.Errorf("request timeout: %w", err)}
	}
	return &Error{Kind: KindNetwork, Op: op, Err: fmt.Errorf("connection error: %w", err)}
}
