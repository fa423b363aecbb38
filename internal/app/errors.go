package app

import (
	"errors"

	"github.com/dkeye/quizroom/internal/domain"
)

// Client facing error codes, shared by the REST and websocket adapters.
const (
	CodeRoomNotFound     = "room_not_found"
	CodeTryAgain         = "try_again"
	CodeJoinFailed       = "join_failed"
	CodeForbidden        = "forbidden"
	CodeInvalidCode      = "invalid_code"
	CodeInvalidName      = "invalid_name"
	CodeNotEnoughPlayers = "not_enough_players"
	CodeConflict         = "conflict"
	CodeRateLimited      = "rate_limited"
	CodeBadPayload       = "bad_payload"
)

// ErrorCode maps an operation error to the code a client sees. Anything
// unrecognised is a generic join failure.
func ErrorCode(err error) string {
	var (
		dup *domain.DuplicateCodeError
		ex  *domain.ExhaustedError
		lv  *domain.LifecycleViolation
	)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return CodeRoomNotFound
	case errors.Is(err, domain.ErrInvalidCode):
		return CodeInvalidCode
	case errors.Is(err, domain.ErrUsernameEmpty), errors.Is(err, domain.ErrUsernameTooLong), errors.Is(err, domain.ErrUserIDInvalid):
		return CodeInvalidName
	case errors.Is(err, domain.ErrInvalidSettings):
		return CodeBadPayload
	case errors.Is(err, domain.ErrPermission):
		return CodeForbidden
	case errors.Is(err, ErrNotEnoughPlayers):
		return CodeNotEnoughPlayers
	case errors.As(err, &ex), errors.As(err, &dup):
		return CodeTryAgain
	case errors.As(err, &lv), errors.Is(err, domain.ErrWriteConflict):
		return CodeConflict
	}
	return CodeJoinFailed
}
