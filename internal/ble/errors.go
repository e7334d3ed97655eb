package ble

import (
	"errors"
	"fmt"
)

// SchemaErrorKind classifies a SchemaError.
type SchemaErrorKind int

const (
	AlreadyPublished SchemaErrorKind = iota + 1
	DuplicateUUID
	ServiceMismatch
	UnknownCharacteristic
)

func (k SchemaErrorKind) String() string {
	switch k {
	case AlreadyPublished:
		return "service already published"
	case DuplicateUUID:
		return "duplicate characteristic uuid"
	case ServiceMismatch:
		return "another service is being built"
	case UnknownCharacteristic:
		return "unknown characteristic"
	}
	return fmt.Sprintf("SchemaErrorKind(%d)", int(k))
}

// A SchemaError reports a rejected schema change. It is recoverable
// and returned to the caller only.
type SchemaError struct {
	Kind           SchemaErrorKind
	Service        UUID
	Characteristic UUID
}

func (e *SchemaError) Error() string {
	if e.Characteristic.IsZero() {
		return fmt.Sprintf("ble: %s (service %s)", e.Kind, e.Service)
	}
	return fmt.Sprintf("ble: %s (service %s, characteristic %s)", e.Kind, e.Service, e.Characteristic)
}

// Is matches any SchemaError of the same kind, so callers can test
// against the Err* sentinels with errors.Is.
func (e *SchemaError) Is(target error) bool {
	t, ok := target.(*SchemaError)
	return ok && t.Kind == e.Kind
}

// RadioErrorKind classifies a RadioError.
type RadioErrorKind int

const (
	NotReady RadioErrorKind = iota + 1
	Unsupported
	AlreadyAdvertising
	Internal
)

func (k RadioErrorKind) String() string {
	switch k {
	case NotReady:
		return "radio not powered on"
	case Unsupported:
		return "operation not supported by radio"
	case AlreadyAdvertising:
		return "already advertising"
	case Internal:
		return "radio failure"
	}
	return fmt.Sprintf("RadioErrorKind(%d)", int(k))
}

// A RadioError reports a failed radio command. Op names the command and
// Err carries the backend's cause, if any.
type RadioError struct {
	Kind RadioErrorKind
	Op   string
	Err  error
}

func (e *RadioError) Error() string {
	msg := "ble: " + e.Kind.String()
	if e.Op != "" {
		msg = "ble: " + e.Op + ": " + e.Kind.String()
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RadioError) Unwrap() error { return e.Err }

func (e *RadioError) Is(target error) bool {
	t, ok := target.(*RadioError)
	return ok && t.Kind == e.Kind
}

// UpdateErrorKind classifies an UpdateError.
type UpdateErrorKind int

const (
	NotFound UpdateErrorKind = iota + 1
	NotPublished
)

// An UpdateError reports why a characteristic value update was refused.
type UpdateError struct {
	Kind           UpdateErrorKind
	Characteristic UUID
}

func (e *UpdateError) Error() string {
	switch e.Kind {
	case NotFound:
		return fmt.Sprintf("ble: characteristic %s not found", e.Characteristic)
	case NotPublished:
		return fmt.Sprintf("ble: characteristic %s is not published", e.Characteristic)
	}
	return fmt.Sprintf("ble: update %s failed", e.Characteristic)
}

func (e *UpdateError) Is(target error) bool {
	t, ok := target.(*UpdateError)
	return ok && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrAlreadyPublished      = &SchemaError{Kind: AlreadyPublished}
	ErrDuplicateUUID         = &SchemaError{Kind: DuplicateUUID}
	ErrServiceMismatch       = &SchemaError{Kind: ServiceMismatch}
	ErrUnknownCharacteristic = &SchemaError{Kind: UnknownCharacteristic}

	ErrNotReady           = &RadioError{Kind: NotReady}
	ErrUnsupported        = &RadioError{Kind: Unsupported}
	ErrAlreadyAdvertising = &RadioError{Kind: AlreadyAdvertising}
	ErrRadioInternal      = &RadioError{Kind: Internal}

	ErrNotFound     = &UpdateError{Kind: NotFound}
	ErrNotPublished = &UpdateError{Kind: NotPublished}
)

// CodeOf returns the error code reported to the application for err.
func CodeOf(err error) ErrorCode {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotReady):
		return CodeBluetoothOff
	case errors.Is(err, ErrUnsupported):
		return CodeUnsupported
	case errors.Is(err, ErrAlreadyAdvertising):
		return CodeAlreadyAdvertising
	case errors.Is(err, ErrAlreadyPublished):
		return CodeAlreadyPublished
	case errors.Is(err, ErrDuplicateUUID):
		return CodeDuplicateUUID
	case errors.Is(err, ErrServiceMismatch):
		return CodeServiceMismatch
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrUnknownCharacteristic):
		return CodeNotFound
	case errors.Is(err, ErrNotPublished):
		return CodeNotPublished
	}
	return CodeInternal
}
