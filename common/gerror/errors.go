package gerror

import (
	"errors"
	"net/http"
)

const (
	ErrCodeInternal              Code = "Internal"
	ErrCodeValidationFailed      Code = "ValidationFailed"
	ErrCodeInvalidQueryParameter Code = "InvalidQueryParameter"
	ErrCodeNotFound              Code = "NotFound"
	ErrCodeUnauthorized          Code = "Unauthorized"
	ErrCodeAlreadyExists         Code = "AlreadyExists"
	ErrCodeOptimisticLockFailed  Code = "OptimisticLockFailed"
	ErrCodeTimeout               Code = "Timeout"
	ErrCodeDBUpdateNotFound      Code = "DBUpdateNotFound"
	ErrCodeImpossibleCancellation Code = "ImpossibleCancellation"
	ErrCodeClientProtocol        Code = "ClientProtocol"
)

// ToError locates an Error in the provided error chain and returns it if it
// matches the provided code. Otherwise, returns nil.
func ToError(err error, code Code) *Error {
	if err == nil {
		return nil
	}
	var gErr Error
	if errors.As(err, &gErr) && gErr.Code() == code {
		return &gErr
	}
	return nil
}

func NewErrInternal() Error {
	return NewError(
		"An internal server error occurred",
		AudienceExternal,
		ErrCodeInternal,
		http.StatusInternalServerError,
		nil,
	)
}

func ToInternal(err error) *Error {
	return ToError(err, ErrCodeInternal)
}

func IsInternal(err error) bool {
	return ToInternal(err) != nil
}

func NewErrValidationFailed(message string) Error {
	return NewError(message, AudienceExternal, ErrCodeValidationFailed, http.StatusBadRequest, nil)
}

func ToValidationFailed(err error) *Error {
	return ToError(err, ErrCodeValidationFailed)
}

func IsValidationFailed(err error) bool {
	return ToValidationFailed(err) != nil
}

func NewErrInvalidQueryParameter(message string) Error {
	return NewError(message, AudienceExternal, ErrCodeInvalidQueryParameter, http.StatusBadRequest, nil)
}

func ToInvalidQueryParameter(err error) *Error {
	return ToError(err, ErrCodeInvalidQueryParameter)
}

func IsInvalidQueryParameter(err error) bool {
	return ToInvalidQueryParameter(err) != nil
}

func NewErrNotFound(message string) Error {
	return NewError(message, AudienceExternal, ErrCodeNotFound, http.StatusNotFound, nil)
}

func ToNotFound(err error) *Error {
	return ToError(err, ErrCodeNotFound)
}

func IsNotFound(err error) bool {
	return ToNotFound(err) != nil
}

func NewErrUnauthorized(message string) Error {
	return NewError(message, AudienceExternal, ErrCodeUnauthorized, http.StatusUnauthorized, nil)
}

func ToUnauthorized(err error) *Error {
	return ToError(err, ErrCodeUnauthorized)
}

func IsUnauthorized(err error) bool {
	return ToUnauthorized(err) != nil
}

func NewErrAlreadyExists(message string) Error {
	return NewError(message, AudienceExternal, ErrCodeAlreadyExists, http.StatusBadRequest, nil)
}

func ToAlreadyExists(err error) *Error {
	return ToError(err, ErrCodeAlreadyExists)
}

func IsAlreadyExists(err error) bool {
	return ToAlreadyExists(err) != nil
}

func NewErrOptimisticLockFailed(message string) Error {
	return NewError(message, AudienceExternal, ErrCodeOptimisticLockFailed, http.StatusPreconditionFailed, nil)
}
func ToOptimisticLockFailed(err error) *Error {
	return ToError(err, ErrCodeOptimisticLockFailed)
}

func IsOptimisticLockFailed(err error) bool {
	return ToOptimisticLockFailed(err) != nil
}

func NewErrTimeout(description string) Error {
	return NewError("Timeout: "+description, AudienceInternal, ErrCodeTimeout, http.StatusInternalServerError, nil)
}
func ToTimeout(err error) *Error {
	return ToError(err, ErrCodeTimeout)
}

func IsTimeout(err error) bool {
	return ToTimeout(err) != nil
}

// NewErrDBUpdateNotFound reports that an atomic partial update (UpdateByID, the step-merge
// read-modify-write) targeted a row that no longer exists - distinct from OptimisticLockFailed,
// which means the row exists but its ETag moved.
func NewErrDBUpdateNotFound(message string) Error {
	return NewError(message, AudienceInternal, ErrCodeDBUpdateNotFound, http.StatusNotFound, nil)
}

func ToDBUpdateNotFound(err error) *Error {
	return ToError(err, ErrCodeDBUpdateNotFound)
}

func IsDBUpdateNotFound(err error) bool {
	return ToDBUpdateNotFound(err) != nil
}

// NewErrImpossibleCancellation reports that Cancel was called on a build or buildset already in a
// terminal status.
func NewErrImpossibleCancellation(message string) Error {
	return NewError(message, AudienceExternal, ErrCodeImpossibleCancellation, http.StatusConflict, nil)
}

func ToImpossibleCancellation(err error) *Error {
	return ToError(err, ErrCodeImpossibleCancellation)
}

func IsImpossibleCancellation(err error) bool {
	return ToImpossibleCancellation(err) != nil
}

// NewErrClientProtocol reports a slave-wire-protocol violation: a malformed frame, an unexpected
// response action, or a TLS configuration mismatch between master and slave.
func NewErrClientProtocol(message string, err error) Error {
	return NewError(message, AudienceInternal, ErrCodeClientProtocol, http.StatusBadGateway, err)
}

func ToClientProtocol(err error) *Error {
	return ToError(err, ErrCodeClientProtocol)
}

func IsClientProtocol(err error) bool {
	return ToClientProtocol(err) != nil
}
