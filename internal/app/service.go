package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/quizroom/internal/core"
	"github.com/dkeye/quizroom/internal/domain"
)

// CodeSource draws candidate room codes.
type CodeSource interface {
	Generate(ctx context.Context, version domain.VersionTag) (domain.RoomCode, error)
	MaxAttempts() int
}

// LobbyService covers the request/response side of rooms: creating one
// as host and joining by code.
type LobbyService struct {
	gw      core.RosterGateway
	codes   CodeSource
	version domain.VersionTag
}

func NewLobbyService(gw core.RosterGateway, codes CodeSource, version domain.VersionTag) *LobbyService {
	return &LobbyService{gw: gw, codes: codes, version: version}
}

func (s *LobbyService) Version() domain.VersionTag { return s.version }

// CreateRoom creates a room owned by id and seats id as its host. A code
// taken between the generator's check and the insert is regenerated.
// settings is an optional JSON object stored with the room.
func (s *LobbyService) CreateRoom(ctx context.Context, id domain.Identity, settings []byte) (*domain.Room, *domain.Participant, error) {
	settings, err := domain.ParseSettings(settings)
	if err != nil {
		return nil, nil, err
	}
	attempts := s.codes.MaxAttempts()
	var room *domain.Room
	for i := 0; i < attempts && room == nil; i++ {
		code, err := s.codes.Generate(ctx, s.version)
		if err != nil {
			return nil, nil, err
		}
		room, err = s.gw.CreateRoom(ctx, code, id.UserID, s.version, settings)
		if domain.IsDuplicateCode(err) {
			log.Info().Str("module", "app.lobby").Str("code", string(code)).Msg("code taken at insert, regenerating")
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("create room: %w", err)
		}
	}
	if room == nil {
		return nil, nil, &domain.ExhaustedError{Attempts: attempts}
	}

	p, err := s.gw.UpsertParticipant(ctx, room.ID, id.UserID, id.Name, true)
	if err != nil {
		log.Error().Err(err).Str("module", "app.lobby").Str("code", string(room.Code)).Msg("host seat failed")
		return nil, nil, fmt.Errorf("seat host: %w", err)
	}
	log.Info().Str("module", "app.lobby").
		Str("code", string(room.Code)).
		Str("host", string(id.UserID)).
		Msg("room created")
	return room, p, nil
}

// JoinRoom resolves rawCode and upserts id's participant row. The host
// flag follows the room's creator, so rejoining never changes it.
func (s *LobbyService) JoinRoom(ctx context.Context, id domain.Identity, rawCode string) (*domain.Room, *domain.Participant, error) {
	room, err := s.Resolve(ctx, rawCode)
	if err != nil {
		return nil, nil, err
	}
	p, err := s.gw.UpsertParticipant(ctx, room.ID, id.UserID, id.Name, room.IsHost(id.UserID))
	if err != nil {
		return nil, nil, fmt.Errorf("join room %s: %w", room.Code, err)
	}
	log.Info().Str("module", "app.lobby").
		Str("code", string(room.Code)).
		Str("user", string(id.UserID)).
		Bool("host", p.IsHost).
		Msg("joined room")
	return room, p, nil
}

// Leave deletes id's participant row in the room behind rawCode. Live
// lobbies of the user should leave through LobbyController.Leave instead.
func (s *LobbyService) Leave(ctx context.Context, id domain.Identity, rawCode string) error {
	room, err := s.Resolve(ctx, rawCode)
	if err != nil {
		return err
	}
	if err := s.gw.RemoveParticipant(ctx, room.ID, id.UserID, id.UserID); err != nil {
		return fmt.Errorf("leave room %s: %w", room.Code, err)
	}
	log.Info().Str("module", "app.lobby").
		Str("code", string(room.Code)).
		Str("user", string(id.UserID)).
		Msg("left room")
	return nil
}

func (s *LobbyService) Resolve(ctx context.Context, rawCode string) (*domain.Room, error) {
	code, err := domain.ParseRoomCode(rawCode)
	if err != nil {
		return nil, err
	}
	room, err := s.gw.ResolveRoom(ctx, code, s.version)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("resolve room %s: %w", code, err)
	}
	return room, nil
}

// View returns a room and its stored participants.
func (s *LobbyService) View(ctx context.Context, rawCode string) (*domain.Room, []domain.Participant, error) {
	room, err := s.Resolve(ctx, rawCode)
	if err != nil {
		return nil, nil, err
	}
	list, err := s.gw.ListParticipants(ctx, room.ID)
	if err != nil {
		return nil, nil, err
	}
	return room, list, nil
}
