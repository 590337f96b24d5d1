// Package errs implements the closed error taxonomy shared by every
// component of the core: packet decoding, NAT tracking, rule evaluation,
// the SOCKS5 client, and the embedding layer all return *Error values
// built from the Kind constants below, so callers can branch on Is(err, Kind)
// instead of matching against ad hoc sentinel errors per package.
package errs

import (
	"errors"
	"fmt"
)

// Kind identifies a failure category. The set is closed: components never
// invent new kinds, only new messages/causes wrapped in an existing one.
type Kind int

const (
	NotInitialized Kind = iota
	AlreadyInitialized
	LockError
	InvalidPacket
	SocketError
	NatTableFull
	ConnectionError
	NatError
	RuleError
	Socks5Error
	IoError
	ConfigError
)

func (k Kind) String() string {
	switch k {
	case NotInitialized:
		return "not_initialized"
	case AlreadyInitialized:
		return "already_initialized"
	case LockError:
		return "lock_error"
	case InvalidPacket:
		return "invalid_packet"
	case SocketError:
		return "socket_error"
	case NatTableFull:
		return "nat_table_full"
	case ConnectionError:
		return "connection_error"
	case NatError:
		return "nat_error"
	case RuleError:
		return "rule_error"
	case Socks5Error:
		return "socks5_error"
	case IoError:
		return "io_error"
	case ConfigError:
		return "config_error"
	default:
		return "unknown"
	}
}

// Error is the concrete error type returned across the core. It always
// carries a Kind and a human-readable message; cause is optional and is
// unwrapped via errors.Unwrap/errors.Is/errors.As.
type Error struct {
	Kind  Kind
	msg   string
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.msg, e.cause)
	}
	if len(e.msg) > 0 {
		return fmt.Sprintf("%s: %s", e.Kind, e.msg)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.cause }

// Is reports whether err is an *Error of the given kind.
func Is(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}
	return false
}

func newErr(k Kind, msg string, cause error) *Error {
	return &Error{Kind: k, msg: msg, cause: cause}
}

func New(k Kind, msg string) *Error               { return newErr(k, msg, nil) }
func Wrap(k Kind, msg string, cause error) *Error { return newErr(k, msg, cause) }

// Named constructors mirror the closed taxonomy's members one-to-one so
// call sites read the same way the spec names them.
func ErrNotInitialized() *Error     { return newErr(NotInitialized, "engine not initialized", nil) }
func ErrAlreadyInitialized() *Error { return newErr(AlreadyInitialized, "engine already initialized", nil) }
func ErrLock(cause error) *Error    { return newErr(LockError, "lock acquisition failed", cause) }
func ErrInvalidPacket(msg string) *Error {
	return newErr(InvalidPacket, msg, nil)
}
func ErrSocket(msg string, cause error) *Error { return newErr(SocketError, msg, cause) }
func ErrNatTableFull() *Error                  { return newErr(NatTableFull, "nat table full", nil) }
func ErrConnection(msg string) *Error          { return newErr(ConnectionError, msg, nil) }
func ErrNat(msg string) *Error                 { return newErr(NatError, msg, nil) }
func ErrRule(msg string) *Error                { return newErr(RuleError, msg, nil) }
func ErrSocks5(msg string) *Error              { return newErr(Socks5Error, msg, nil) }
func ErrIo(msg string, cause error) *Error     { return newErr(IoError, msg, cause) }
func ErrConfig(msg string) *Error              { return newErr(ConfigError, msg, nil) }
