package api

import (
	"context"
	"errors"
	"fmt"
)

// ErrorCode is the numeric part of the engine error convention
type ErrorCode int

const (
	ErrOK ErrorCode = iota
	ErrParseSQL
	ErrQueryExec
	ErrParams
	ErrLogic
	ErrParseJSON
	ErrParseDSL
	ErrConflict
	ErrParseBin
	ErrForbidden
	ErrWasRelock
	ErrNotValid
	ErrNetwork
	ErrNotFound
	ErrStateInvalidated
	ErrBadTransaction
	ErrOutdatedWAL
	ErrNoData
	ErrDataHashMismatch
	ErrTimeout
	ErrCanceled
	ErrTagsMissmatch
	ErrReplParams
	ErrNamespaceInvalidated
	ErrParseMsgPack
	ErrParseProtobuf
	ErrUpdatesLost
	ErrWrongReplicationData
	ErrUpdateReplication
	ErrClusterConsensus
	ErrTerminated
)

// Error is an engine failure: a non-zero code and the engine's message
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e *Error) Error() string {
	return e.Message
}

// Errorf builds an *Error with a formatted message
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf returns the engine code carried by err, ErrOK for nil and
// ErrLogic for errors that did not come from an engine.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ErrOK
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ErrLogic
}

// FromError converts any error into an *Error, mapping context failures to
// ErrTimeout and ErrCanceled.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Code: ErrTimeout, Message: "Context timeout"}
	case errors.Is(err, context.Canceled):
		return &Error{Code: ErrCanceled, Message: "Context was canceled"}
	}
	return &Error{Code: ErrLogic, Message: err.Error()}
}
