// Package store is the durable side of the lobby: rooms and participants
// kept in a relational database through gorm, plus a per-room change feed
// carried over a core.Bus.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/dkeye/quizroom/internal/core"
	"github.com/dkeye/quizroom/internal/domain"
)

type Options struct {
	// FallbackAnyVersion lets ResolveRoom match a code created under
	// another version tag when the exact lookup misses.
	FallbackAnyVersion bool
	Clock              core.Clock
}

type Gateway struct {
	db       *gorm.DB
	bus      core.Bus
	clock    core.Clock
	fallback bool
}

var _ core.RosterGateway = (*Gateway)(nil)

func NewGateway(db *gorm.DB, bus core.Bus, opts Options) *Gateway {
	if db == nil {
		panic("store: nil *gorm.DB")
	}
	if bus == nil {
		panic("store: nil bus")
	}
	clock := opts.Clock
	if clock == nil {
		clock = core.SystemClock
	}
	return &Gateway{db: db, bus: bus, clock: clock, fallback: opts.FallbackAnyVersion}
}

func (g *Gateway) ResolveRoom(ctx context.Context, code domain.RoomCode, version domain.VersionTag) (*domain.Room, error) {
	c := strings.ToUpper(string(code))
	var rec roomRecord
	err := g.db.WithContext(ctx).Where("code = ? AND version = ?", c, string(version)).First(&rec).Error
	if err == nil {
		return rec.toDomain(), nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("store: resolve room %s: %w", c, err)
	}
	if !g.fallback {
		return nil, domain.ErrNotFound
	}

	err = g.db.WithContext(ctx).Where("code = ?", c).Order("created_at DESC").Order("id DESC").First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: resolve room %s: %w", c, err)
	}
	log.Info().Str("module", "store").
		Str("code", c).
		Str("want_version", string(version)).
		Str("got_version", rec.Version).
		Msg("room resolved by code across versions")
	return rec.toDomain(), nil
}

func (g *Gateway) GetRoom(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	var rec roomRecord
	err := g.db.WithContext(ctx).First(&rec, uint(id)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get room %d: %w", id, err)
	}
	return rec.toDomain(), nil
}

func (g *Gateway) CodeExists(ctx context.Context, code domain.RoomCode, version domain.VersionTag) (bool, error) {
	var n int64
	err := g.db.WithContext(ctx).Model(&roomRecord{}).
		Where("code = ? AND version = ?", strings.ToUpper(string(code)), string(version)).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("store: code lookup: %w", err)
	}
	return n > 0, nil
}

// CreateRoom stores a new lobby room. Settings are validated with
// domain.ParseSettings and kept opaque.
func (g *Gateway) CreateRoom(ctx context.Context, code domain.RoomCode, creator domain.UserID, version domain.VersionTag, settings []byte) (*domain.Room, error) {
	doc, err := domain.ParseSettings(settings)
	if err != nil {
		return nil, err
	}
	rec := roomRecord{
		Code:      strings.ToUpper(string(code)),
		Version:   string(version),
		CreatedBy: string(creator),
		Status:    string(domain.StatusLobby),
		Settings:  doc,
		CreatedAt: g.clock(),
	}
	if err := g.db.WithContext(ctx).Create(&rec).Error; err != nil {
		if isDuplicateKey(err) {
			return nil, &domain.DuplicateCodeError{Code: domain.RoomCode(rec.Code), Version: version}
		}
		return nil, fmt.Errorf("store: create room: %w", err)
	}
	log.Info().Str("module", "store").Str("code", rec.Code).Uint("room", rec.ID).Msg("room created")
	return rec.toDomain(), nil
}

// SetRoomStatus moves a room forward in its lifecycle. The update is
// conditional on the status read in the same transaction, so of two
// concurrent callers only one performs the transition. Re-applying the
// current status leaves the stored timestamps untouched.
func (g *Gateway) SetRoomStatus(ctx context.Context, id domain.RoomID, status domain.RoomStatus, at time.Time) (*domain.Room, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("store: invalid status %q", status)
	}
	var rec roomRecord
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&rec, uint(id)).Error; err != nil {
			return err
		}
		from := domain.RoomStatus(rec.Status)
		if !from.CanTransition(status) {
			return &domain.LifecycleViolation{RoomID: id, From: from, To: status}
		}
		if from == status {
			return nil
		}

		updates := map[string]any{"status": string(status)}
		switch status {
		case domain.StatusPlaying:
			updates["started_at"] = at
		case domain.StatusFinished:
			updates["finished_at"] = at
			if rec.StartedAt == nil {
				updates["started_at"] = at
			}
		}
		res := tx.Model(&roomRecord{}).
			Where("id = ? AND status = ?", uint(id), rec.Status).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrWriteConflict
		}
		return tx.First(&rec, uint(id)).Error
	})

	var lv *domain.LifecycleViolation
	switch {
	case err == nil:
		return rec.toDomain(), nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, domain.ErrNotFound
	case errors.As(err, &lv):
		log.Warn().Str("module", "store").
			Uint("room", uint(id)).
			Str("from", string(lv.From)).
			Str("to", string(lv.To)).
			Msg("status regression rejected")
		return nil, err
	default:
		return nil, fmt.Errorf("store: set room %d status %s: %w", id, status, err)
	}
}

// UpsertParticipant inserts or refreshes the (room, user) row. A unique
// index race that slips past ON CONFLICT is retried once as an update.
func (g *Gateway) UpsertParticipant(ctx context.Context, room domain.RoomID, user domain.UserID, name string, isHost bool) (*domain.Participant, error) {
	name, err := domain.NormalizeName(name)
	if err != nil {
		return nil, err
	}
	now := g.clock()
	rec := participantRecord{
		RoomID:    uint(room),
		UserID:    string(user),
		Name:      name,
		IsHost:    isHost,
		JoinedAt:  now,
		UpdatedAt: now,
	}

	existed := false
	err = g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&participantRecord{}).
			Where("room_id = ? AND user_id = ?", uint(room), string(user)).
			Count(&n).Error; err != nil {
			return err
		}
		existed = n > 0
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "room_id"}, {Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "is_host", "updated_at"}),
		}).Create(&rec).Error
		if isDuplicateKey(err) {
			return domain.ErrWriteConflict
		}
		return err
	})
	if errors.Is(err, domain.ErrWriteConflict) {
		log.Warn().Str("module", "store").Uint("room", uint(room)).Str("user", string(user)).
			Msg("participant upsert conflict, retrying as update")
		existed = true
		err = g.db.WithContext(ctx).Model(&participantRecord{}).
			Where("room_id = ? AND user_id = ?", uint(room), string(user)).
			Updates(map[string]any{"name": name, "is_host": isHost, "updated_at": now}).Error
	}
	if err != nil {
		return nil, fmt.Errorf("store: upsert participant: %w", err)
	}

	p, err := g.findParticipant(ctx, room, user)
	if err != nil {
		return nil, err
	}
	op := core.OpInsert
	if existed {
		op = core.OpUpdate
	}
	g.publishChange(ctx, op, *p)
	return p, nil
}

// RenameParticipant changes owner's display name. Only the owner may do so.
func (g *Gateway) RenameParticipant(ctx context.Context, room domain.RoomID, actor, owner domain.UserID, name string) (*domain.Participant, error) {
	if actor != owner {
		return nil, domain.ErrPermission
	}
	name, err := domain.NormalizeName(name)
	if err != nil {
		return nil, err
	}
	return g.updateOwn(ctx, room, owner, map[string]any{"name": name})
}

func (g *Gateway) MarkFinished(ctx context.Context, room domain.RoomID, user domain.UserID, at time.Time) (*domain.Participant, error) {
	return g.updateOwn(ctx, room, user, map[string]any{"finished_at": at})
}

// RemoveParticipant deletes owner's row, e.g. when leaving a lobby for good.
func (g *Gateway) RemoveParticipant(ctx context.Context, room domain.RoomID, actor, owner domain.UserID) error {
	if actor != owner {
		return domain.ErrPermission
	}
	p, err := g.findParticipant(ctx, room, owner)
	if err != nil {
		return err
	}
	res := g.db.WithContext(ctx).
		Where("room_id = ? AND user_id = ?", uint(room), string(owner)).
		Delete(&participantRecord{})
	if res.Error != nil {
		return fmt.Errorf("store: remove participant: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	p.UpdatedAt = g.clock()
	g.publishChange(ctx, core.OpDelete, *p)
	return nil
}

func (g *Gateway) ListParticipants(ctx context.Context, room domain.RoomID) ([]domain.Participant, error) {
	var recs []participantRecord
	err := g.db.WithContext(ctx).
		Where("room_id = ?", uint(room)).
		Order("joined_at ASC").Order("user_id ASC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("store: list participants: %w", err)
	}
	out := make([]domain.Participant, 0, len(recs))
	for i := range recs {
		out = append(out, recs[i].toDomain())
	}
	return out, nil
}

func (g *Gateway) SubscribeParticipantChanges(ctx context.Context, room domain.RoomID) (core.ChangeStream, error) {
	sub, err := g.bus.Subscribe(ctx, changeTopic(room))
	if err != nil {
		return nil, fmt.Errorf("store: subscribe changes: %w", err)
	}
	return newChangeStream(sub, room), nil
}

func (g *Gateway) updateOwn(ctx context.Context, room domain.RoomID, user domain.UserID, fields map[string]any) (*domain.Participant, error) {
	fields["updated_at"] = g.clock()
	res := g.db.WithContext(ctx).Model(&participantRecord{}).
		Where("room_id = ? AND user_id = ?", uint(room), string(user)).
		Updates(fields)
	if res.Error != nil {
		return nil, fmt.Errorf("store: update participant: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, domain.ErrNotFound
	}
	p, err := g.findParticipant(ctx, room, user)
	if err != nil {
		return nil, err
	}
	g.publishChange(ctx, core.OpUpdate, *p)
	return p, nil
}

func (g *Gateway) findParticipant(ctx context.Context, room domain.RoomID, user domain.UserID) (*domain.Participant, error) {
	var rec participantRecord
	err := g.db.WithContext(ctx).
		Where("room_id = ? AND user_id = ?", uint(room), string(user)).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: find participant: %w", err)
	}
	p := rec.toDomain()
	return &p, nil
}
