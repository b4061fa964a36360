// Package tuyaerr defines the error taxonomy shared by the cipher, protocol,
// discovery, session, and device packages: a stable Kind for errors.Is
// matching, a human Message, and an optional wrapped cause.
package tuyaerr

import "fmt"

// Kind identifies which failure mode produced an Error.
type Kind string

const (
	ConfigError        Kind = "ConfigError"
	ConnectTimeout     Kind = "ConnectTimeout"
	SocketError        Kind = "SocketError"
	PrefixMismatch     Kind = "PrefixMismatch"
	SuffixMismatch     Kind = "SuffixMismatch"
	TruncatedPayload   Kind = "TruncatedPayload"
	CRCMismatch        Kind = "CRCMismatch"
	HMACMismatch       Kind = "HMACMismatch"
	DecryptError       Kind = "DecryptError"
	InvalidCommand     Kind = "InvalidCommand"
	SetTimeout         Kind = "SetTimeout"
	GetTimeout         Kind = "GetTimeout"
	HandshakeIntegrity Kind = "HandshakeIntegrity"
	FindTimeout        Kind = "FindTimeout"
)

// Error is the concrete error type raised across the module. Kind is stable
// and meant for errors.Is-style matching; Message carries human context.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, tuyaerr.New(kind, "")) match on Kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New builds an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given kind around a cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// OfKind is a sentinel usable with errors.Is: errors.Is(err, tuyaerr.OfKind(tuyaerr.CRCMismatch)).
func OfKind(kind Kind) *Error {
	return &Error{Kind: kind}
}
