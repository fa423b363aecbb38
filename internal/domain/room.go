package domain

import (
	"encoding/json"
	"strings"
	"time"
)

const (
	RoomCodeLen = 5
	// RoomCodeAlphabet leaves out I, O, 0 and 1.
	RoomCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

type (
	RoomID     uint
	RoomCode   string
	VersionTag string
)

// ParseRoomCode normalises user input to the stored upper-case form.
// Codes from older releases may use the full A-Z0-9 range, so only the
// length and the character class are checked here.
func ParseRoomCode(raw string) (RoomCode, error) {
	c := strings.ToUpper(strings.TrimSpace(raw))
	if len(c) != RoomCodeLen {
		return "", ErrInvalidCode
	}
	for _, r := range c {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return "", ErrInvalidCode
		}
	}
	return RoomCode(c), nil
}

func (c RoomCode) Equal(other RoomCode) bool {
	return strings.EqualFold(string(c), string(other))
}

type RoomStatus string

const (
	StatusLobby    RoomStatus = "lobby"
	StatusPlaying  RoomStatus = "playing"
	StatusFinished RoomStatus = "finished"
)

func (s RoomStatus) rank() int {
	switch s {
	case StatusLobby:
		return 1
	case StatusPlaying:
		return 2
	case StatusFinished:
		return 3
	}
	return 0
}

func (s RoomStatus) Valid() bool { return s.rank() > 0 }

// CanTransition reports whether a room in s may move to next.
// Re-applying the current status is allowed; going backwards never is.
func (s RoomStatus) CanTransition(next RoomStatus) bool {
	if !s.Valid() || !next.Valid() {
		return false
	}
	return next.rank() >= s.rank()
}

type Room struct {
	ID         RoomID          `json:"id"`
	Code       RoomCode        `json:"code"`
	CreatedBy  UserID          `json:"createdBy"`
	Status     RoomStatus      `json:"status"`
	Version    VersionTag      `json:"version"`
	Settings   json.RawMessage `json:"settings"`
	CreatedAt  time.Time       `json:"createdAt"`
	StartedAt  *time.Time      `json:"startedAt,omitempty"`
	FinishedAt *time.Time      `json:"finishedAt,omitempty"`
}

func (r *Room) IsHost(id UserID) bool { return r.CreatedBy == id }

// StartOrigin returns the durably recorded activity origin, if the room is playing.
func (r *Room) StartOrigin() (time.Time, bool) {
	if r.Status == StatusLobby || r.StartedAt == nil {
		return time.Time{}, false
	}
	return *r.StartedAt, true
}
