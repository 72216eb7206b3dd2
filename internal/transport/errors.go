package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"

	"github.com/nats-io/nats.go"

	"github.com/codetrek/replix/pkg/model"
)

// ErrClass is the structured classification of a transport failure. The
// replicator's retry policy consumes it: transient classes are retried with
// backoff, network-dependent classes wait for a reachability signal, the
// rest surface as permanent.
type ErrClass int

const (
	ClassUnknown ErrClass = iota
	ClassTimeout
	ClassReset
	ClassDNS
	ClassProtocol
	ClassTLS
	ClassAuth
)

func (c ErrClass) String() string {
	switch c {
	case ClassTimeout:
		return "timeout"
	case ClassReset:
		return "reset"
	case ClassDNS:
		return "dns"
	case ClassProtocol:
		return "protocol"
	case ClassTLS:
		return "tls"
	case ClassAuth:
		return "auth"
	default:
		return "unknown"
	}
}

// Error wraps a transport failure with its class.
type Error struct {
	Class ErrClass
	Err   error
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %v", e.Class, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// NewError classifies err if it hasn't been classified already.
func NewError(class ErrClass, err error) *Error {
	return &Error{Class: class, Err: err}
}

// Classify determines the error class of an arbitrary error.
func Classify(err error) ErrClass {
	if err == nil {
		return ClassUnknown
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Class
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ClassDNS
	}
	var tlsErr *tls.CertificateVerificationError
	if errors.As(err, &tlsErr) {
		return ClassTLS
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTimeout
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, os.ErrDeadlineExceeded),
		errors.Is(err, nats.ErrTimeout),
		errors.Is(err, nats.ErrNoResponders):
		return ClassTimeout
	case errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, nats.ErrConnectionClosed),
		errors.Is(err, nats.ErrDisconnected):
		return ClassReset
	case errors.Is(err, nats.ErrAuthorization),
		errors.Is(err, model.ErrUnauthorized):
		return ClassAuth
	}
	return ClassUnknown
}

// IsTransient reports whether the failure is expected to resolve by simply
// retrying after a delay.
func IsTransient(err error) bool {
	switch Classify(err) {
	case ClassTimeout, ClassReset:
		return true
	default:
		return false
	}
}

// IsNetworkDependent reports whether the failure might go away with a
// change in network conditions (interface up, DNS reachable), making it
// worth waiting for a host-reachable signal instead of backing off blindly.
func IsNetworkDependent(err error) bool {
	switch Classify(err) {
	case ClassDNS:
		return true
	default:
		return errors.Is(err, syscall.ENETUNREACH) || errors.Is(err, syscall.EHOSTUNREACH)
	}
}
