package engine

import (
	"fmt"
)

// Phase identifies where in the pipeline a run currently is, or how far
// it got before terminating.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseLatency
	PhaseWholeSecond
	PhaseRefine
	PhaseVerify
	PhaseComplete
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseLatency:
		return "latency-profile"
	case PhaseWholeSecond:
		return "whole-second"
	case PhaseRefine:
		return "binary-search"
	case PhaseVerify:
		return "verification"
	case PhaseComplete:
		return "complete"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// ErrorKind is the serialisable error taxonomy for a run.
type ErrorKind string

const (
	ErrTransport          ErrorKind = "Transport"
	ErrTimeout            ErrorKind = "Timeout"
	ErrBadResponse        ErrorKind = "BadResponse"
	ErrMissingTimeSource  ErrorKind = "MissingTimeSource"
	ErrNoisyNetwork       ErrorKind = "NoisyNetwork"
	ErrAmbiguousBoundary  ErrorKind = "AmbiguousBoundary"
	ErrUnstableBoundary   ErrorKind = "UnstableBoundary"
	ErrVerificationFailed ErrorKind = "VerificationFailed"
	ErrCancelled          ErrorKind = "Cancelled"
	ErrAlreadyRunning     ErrorKind = "AlreadyRunning"
)

// Error is a run failure with the phase it happened in.
type Error struct {
	Kind  ErrorKind `json:"kind"`
	Phase Phase     `json:"phase"`
	Cause error     `json:"-"`
	Msg   string    `json:"message"`
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if msg == "" {
		return fmt.Sprintf("engine: %s in %s", e.Kind, e.Phase)
	}
	return fmt.Sprintf("engine: %s in %s: %s", e.Kind, e.Phase, msg)
}

func (e *Error) Unwrap() error { return e.Cause }

func newError(kind ErrorKind, phase Phase, cause error) *Error {
	err := &Error{Kind: kind, Phase: phase, Cause: cause}
	if cause != nil {
		err.Msg = cause.Error()
	}
	return err
}

// KindOf returns the engine error kind, or "" for other errors.
func KindOf(err error) ErrorKind {
	if e, ok := err.(*Error); ok {
		return e.Kind
	}
	return ""
}
