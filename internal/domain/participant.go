package domain

import "time"

// Participant is a user's membership row within a room.
type Participant struct {
	RoomID     RoomID     `json:"roomId"`
	UserID     UserID     `json:"userId"`
	Name       string     `json:"name"`
	IsHost     bool       `json:"isHost"`
	JoinedAt   time.Time  `json:"joinedAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

func (p Participant) Finished() bool { return p.FinishedAt != nil }
