package store

import (
	"time"

	"github.com/dkeye/quizroom/internal/domain"
)

type roomRecord struct {
	ID         uint      `gorm:"primaryKey"`
	Code       string    `gorm:"size:5;not null;uniqueIndex:idx_rooms_code_version,priority:1"`
	Version    string    `gorm:"size:64;not null;uniqueIndex:idx_rooms_code_version,priority:2"`
	CreatedBy  string    `gorm:"size:36;not null;index"`
	Status     string    `gorm:"size:16;not null"`
	Settings   []byte    `gorm:"not null"`
	CreatedAt  time.Time `gorm:"not null;index"`
	StartedAt  *time.Time
	FinishedAt *time.Time
}

func (roomRecord) TableName() string { return "rooms" }

func (r *roomRecord) toDomain() *domain.Room {
	return &domain.Room{
		ID:         domain.RoomID(r.ID),
		Code:       domain.RoomCode(r.Code),
		CreatedBy:  domain.UserID(r.CreatedBy),
		Status:     domain.RoomStatus(r.Status),
		Version:    domain.VersionTag(r.Version),
		Settings:   r.Settings,
		CreatedAt:  r.CreatedAt,
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
	}
}

type participantRecord struct {
	ID         uint      `gorm:"primaryKey"`
	RoomID     uint      `gorm:"not null;uniqueIndex:idx_participants_room_user,priority:1"`
	UserID     string    `gorm:"size:36;not null;uniqueIndex:idx_participants_room_user,priority:2"`
	Name       string    `gorm:"size:24;not null"`
	IsHost     bool      `gorm:"not null"`
	JoinedAt   time.Time `gorm:"not null"`
	UpdatedAt  time.Time `gorm:"not null;autoUpdateTime:false"`
	FinishedAt *time.Time
}

func (participantRecord) TableName() string { return "participants" }

func (p *participantRecord) toDomain() domain.Participant {
	return domain.Participant{
		RoomID:     domain.RoomID(p.RoomID),
		UserID:     domain.UserID(p.UserID),
		Name:       p.Name,
		IsHost:     p.IsHost,
		JoinedAt:   p.JoinedAt,
		UpdatedAt:  p.UpdatedAt,
		FinishedAt: p.FinishedAt,
	}
}
