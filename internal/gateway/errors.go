package gateway

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
)

// Kind is the closed set of router call failures
type Kind int

const (
	AuthenticationFailed Kind = iota + 1
	Timeout
	ConnectionRefused
	HostUnreachable
	ConnectionReset
	ProtocolError
)

func (k Kind) String() string {
	switch k {
	case AuthenticationFailed:
		return "authentication_failed"
	case Timeout:
		return "timeout"
	case ConnectionRefused:
		return "connection_refused"
	case HostUnreachable:
		return "host_unreachable"
	case ConnectionReset:
		return "connection_reset"
	case ProtocolError:
		return "protocol_error"
	}
	return "unknown"
}

// Error a classified router call failure. Status and Body are set for ProtocolError.
type Error struct {
	Kind   Kind
	Status int
	Body   string
	Op     string
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("router %s: %s", e.Op, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Body != "" {
		msg += ": " + e.Body
	}
	if e.Err != nil && e.Body == "" {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of a gateway error, 0 for other errors
func KindOf(err error) Kind {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return 0
}

// IsKind reports whether err is a gateway error of kind k
func IsKind(err error, k Kind) bool {
	return KindOf(err) == k
}

// IsNotFound reports a protocol error for a missing object, e.g. a stale cached id
func IsNotFound(err error) bool {
	var ge *Error
	return errors.As(err, &ge) && ge.Kind == ProtocolError && ge.Status == http.StatusNotFound
}

// IsConnectivity reports whether the router could not be talked to at all
func IsConnectivity(err error) bool {
	switch KindOf(err) {
	case Timeout, ConnectionRefused, HostUnreachable, ConnectionReset:
		return true
	}
	return false
}

func statusError(op string, status int, body []byte) *Error {
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return &Error{Kind: AuthenticationFailed, Status: status, Body: truncate(body), Op: op}
	}
	return &Error{Kind: ProtocolError, Status: status, Body: truncate(body), Op: op}
}

// classify maps a transport failure onto the closed Kind set
func classify(op string, err error) *Error {
	var ge *Error
	if errors.As(err, &ge) {
		return ge
	}

	kind := HostUnreachable
	var (
		netErr  net.Error
		dnsErr  *net.DNSError
		recErr  tls.RecordHeaderError
		certErr *tls.CertificateVerificationError
		authErr x509.UnknownAuthorityError
	)
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		kind = Timeout
	case errors.Is(err, syscall.ECONNREFUSED):
		kind = ConnectionRefused
	case errors.Is(err, syscall.ECONNRESET), errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.ECONNABORTED), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
		kind = ConnectionReset
	case errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ENETUNREACH), errors.As(err, &dnsErr):
		kind = HostUnreachable
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = Timeout
	case errors.As(err, &recErr), errors.As(err, &certErr), errors.As(err, &authErr):
		kind = ProtocolError
	}
	return &Error{Kind: kind, Op: op, Err: err}
}
