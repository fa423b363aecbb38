package core

import (
	"context"
	"time"

	"github.com/dkeye/quizroom/internal/domain"
)

type ChangeOp string

const (
	OpInsert ChangeOp = "insert"
	OpUpdate ChangeOp = "update"
	OpDelete ChangeOp = "delete"
)

// ChangeEvent is one row change on the participants of a room.
type ChangeEvent struct {
	Op          ChangeOp           `json:"op"`
	Participant domain.Participant `json:"participant"`
}

// ChangeStream is an infinite, non-resumable feed of ChangeEvents.
// Events is closed when the stream ends; Err then reports why
// (nil after Close, domain.ErrTransientChannel on disconnect).
type ChangeStream interface {
	Events() <-chan ChangeEvent
	Err() error
	Close() error
}

// RosterGateway is the durable side of a room: the authoritative room
// record and participant list.
type RosterGateway interface {
	ResolveRoom(ctx context.Context, code domain.RoomCode, version domain.VersionTag) (*domain.Room, error)
	GetRoom(ctx context.Context, id domain.RoomID) (*domain.Room, error)
	CodeExists(ctx context.Context, code domain.RoomCode, version domain.VersionTag) (bool, error)
	// CreateRoom stores a lobby room with opaque settings; nil means {}.
	CreateRoom(ctx context.Context, code domain.RoomCode, creator domain.UserID, version domain.VersionTag, settings []byte) (*domain.Room, error)
	// SetRoomStatus enforces the lobby -> playing -> finished order and
	// returns the room as stored after the write.
	SetRoomStatus(ctx context.Context, id domain.RoomID, status domain.RoomStatus, at time.Time) (*domain.Room, error)

	UpsertParticipant(ctx context.Context, room domain.RoomID, user domain.UserID, name string, isHost bool) (*domain.Participant, error)
	RenameParticipant(ctx context.Context, room domain.RoomID, actor, owner domain.UserID, name string) (*domain.Participant, error)
	MarkFinished(ctx context.Context, room domain.RoomID, user domain.UserID, at time.Time) (*domain.Participant, error)
	// RemoveParticipant deletes owner's row. Only the owner may remove it.
	RemoveParticipant(ctx context.Context, room domain.RoomID, actor, owner domain.UserID) error
	ListParticipants(ctx context.Context, room domain.RoomID) ([]domain.Participant, error)
	SubscribeParticipantChanges(ctx context.Context, room domain.RoomID) (ChangeStream, error)
}
