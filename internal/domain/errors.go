package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidCode      = errors.New("invalid room code")
	ErrWriteConflict    = errors.New("write conflict")
	ErrTransientChannel = errors.New("channel disconnected")
	ErrPermission       = errors.New("permission denied")
	ErrInvalidSettings  = errors.New("invalid room settings")
)

// DuplicateCodeError is returned when a room code is already taken for a version.
type DuplicateCodeError struct {
	Code    RoomCode
	Version VersionTag
}

func (e *DuplicateCodeError) Error() string {
	return fmt.Sprintf("room code %s already exists for version %q", e.Code, e.Version)
}

// ExhaustedError means code generation gave up; callers should ask the user to try again.
type ExhaustedError struct {
	Attempts int
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("no free room code after %d attempts", e.Attempts)
}

// LifecycleViolation is a rejected room status regression.
type LifecycleViolation struct {
	RoomID RoomID
	From   RoomStatus
	To     RoomStatus
}

func (e *LifecycleViolation) Error() string {
	return fmt.Sprintf("room %d: status %s -> %s not allowed", e.RoomID, e.From, e.To)
}

func IsDuplicateCode(err error) bool {
	var d *DuplicateCodeError
	return errors.As(err, &d)
}

func IsLifecycleViolation(err error) bool {
	var l *LifecycleViolation
	return errors.As(err, &l)
}
