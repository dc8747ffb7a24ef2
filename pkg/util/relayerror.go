package util

import (
	"errors"
	"fmt"
)

// Kind classifies failures inside the relay pipeline.
type Kind string

const (
	KindTransientInfra   Kind = "TRANSIENT_INFRA"
	KindMalformedPayload Kind = "MALFORMED_PAYLOAD"
	KindAuthentication   Kind = "AUTHENTICATION"
	KindPersistence      Kind = "PERSISTENCE"
)

// RelayError carries a Kind alongside the operation that failed.
type RelayError struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *RelayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *RelayError) Unwrap() error {
	return e.Err
}

// Is matches any RelayError of the same kind, so errors.Is(err, ErrPersistence) works.
func (e *RelayError) Is(target error) bool {
	t, ok := target.(*RelayError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

// Sentinels for errors.Is.
var (
	ErrTransientInfra   = &RelayError{Kind: KindTransientInfra}
	ErrMalformedPayload = &RelayError{Kind: KindMalformedPayload}
	ErrAuthentication   = &RelayError{Kind: KindAuthentication}
	ErrPersistence      = &RelayError{Kind: KindPersistence}
)

func NewTransientInfraError(op string, err error) error {
	return &RelayError{Kind: KindTransientInfra, Op: op, Err: err}
}

func NewMalformedPayloadError(op string, err error) error {
	return &RelayError{Kind: KindMalformedPayload, Op: op, Err: err}
}

func NewAuthenticationError(op string, err error) error {
	return &RelayError{Kind: KindAuthentication, Op: op, Err: err}
}

func NewPersistenceError(op string, err error) error {
	return &RelayError{Kind: KindPersistence, Op: op, Err: err}
}

// KindOf reports the Kind of the first RelayError in the chain, or "".
func KindOf(err error) Kind {
	var re *RelayError
	if errors.As(err, &re) {
		return re.Kind
	}
	return ""
}
