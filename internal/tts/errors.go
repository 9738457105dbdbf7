package tts

import (
	"errors"
	"fmt"
)

var (
	ErrTimeout        = errors.New("synthesis timed out")
	ErrInvalidOptions = errors.New("invalid synthesis options")
)

type Kind string

const (
	KindCrash               Kind = "crash"
	KindInvalidOutput       Kind = "invalid_output"
	KindEmptyOutput         Kind = "empty_output"
	KindNonFinite           Kind = "non_finite"
	KindChannels            Kind = "channels"
	KindInvalidText         Kind = "invalid_text"
	KindUnsupportedLanguage Kind = "unsupported_language"
	KindEngine              Kind = "engine"
	KindPanic               Kind = "panic"
)

// EngineError is a synthesis-time failure. Retryable marks failures worth a
// single retry with a fresh permit, such as a crashed worker process.
type EngineError struct {
	Kind      Kind
	Retryable bool
	Err       error
}

func (e *EngineError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("engine error (%s)", e.Kind)
	}
	return fmt.Sprintf("engine error (%s): %v", e.Kind, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

// Transient is consulted by the scheduler's retry policy.
func (e *EngineError) Transient() bool { return e.Retryable }

func engineErr(kind Kind, retryable bool, format string, args ...any) *EngineError {
	return &EngineError{Kind: kind, Retryable: retryable, Err: fmt.Errorf(format, args...)}
}
