package usecase

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	ErrorInvalidInput        ErrorCode = "INVALID_INPUT"
	ErrorTranscriptionFailed ErrorCode = "TRANSCRIPTION_FAILED"
	ErrorStorageUnavailable  ErrorCode = "STORAGE_UNAVAILABLE"
	ErrorDependencyTimeout   ErrorCode = "DEPENDENCY_TIMEOUT"
	ErrorDependencyError     ErrorCode = "DEPENDENCY_ERROR"
	ErrorResponseGeneration  ErrorCode = "RESPONSE_GENERATION_FAILED"
	ErrorSynthesisFailed     ErrorCode = "SYNTHESIS_FAILED"
	ErrorInternal            ErrorCode = "INTERNAL_ERROR"
)

type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// HasCode reports whether any *Error in err's chain carries code.
func HasCode(err error, code ErrorCode) bool {
	for err != nil {
		var ue *Error
		if !errors.As(err, &ue) {
			return false
		}
		if ue.Code == code {
			return true
		}
		err = ue.Err
	}
	return false
}

// CodeOf returns the outermost error code, or ErrorInternal for foreign errors.
func CodeOf(err error) ErrorCode {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Code
	}
	return ErrorInternal
}
