package broadcast

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/quizroom/internal/domain"
)

type Kind string

const (
	KindPresence Kind = "presence"
	KindStart    Kind = "start"
)

var ErrUnknownKind = errors.New("unknown message kind")

// Message is the closed set of payloads carried on a room channel:
// Presence or Start.
type Message interface {
	Kind() Kind
}

// Presence is a heartbeat (Live) or a goodbye (!Live) from one participant.
type Presence struct {
	UserID domain.UserID
	Name   string
	IsHost bool
	Live   bool
	SentAt time.Time
}

func (Presence) Kind() Kind { return KindPresence }

// Start carries the shared activity origin chosen by the host.
type Start struct {
	StartedAt time.Time
}

func (Start) Kind() Kind { return KindStart }

type envelope struct {
	Type      Kind          `json:"type"`
	From      domain.UserID `json:"from"`
	UserID    domain.UserID `json:"userId,omitempty"`
	Name      string        `json:"name,omitempty"`
	IsHost    bool          `json:"isHost,omitempty"`
	Live      bool          `json:"live,omitempty"`
	SentAt    int64         `json:"sentAt,omitempty"`
	StartedAt int64         `json:"startedAt,omitempty"`
}

// Encode produces the wire form, e.g. {"type":"start","from":"u1","startedAt":1700000000000}.
func Encode(from domain.UserID, m Message) ([]byte, error) {
	env := envelope{From: from}
	switch v := m.(type) {
	case Presence:
		env.Type = KindPresence
		env.UserID = v.UserID
		env.Name = v.Name
		env.IsHost = v.IsHost
		env.Live = v.Live
		env.SentAt = v.SentAt.UnixMilli()
	case Start:
		env.Type = KindStart
		env.StartedAt = v.StartedAt.UnixMilli()
	default:
		return nil, fmt.Errorf("encode %T: %w", m, ErrUnknownKind)
	}
	return json.Marshal(env)
}

// Decode parses a wire payload. Unrecognised tags yield ErrUnknownKind.
func Decode(data []byte) (domain.UserID, Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("decode broadcast: %w", err)
	}
	switch env.Type {
	case KindPresence:
		if env.UserID == "" {
			return "", nil, fmt.Errorf("presence without user id: %w", ErrUnknownKind)
		}
		return env.From, Presence{
			UserID: env.UserID,
			Name:   env.Name,
			IsHost: env.IsHost,
			Live:   env.Live,
			SentAt: time.UnixMilli(env.SentAt).UTC(),
		}, nil
	case KindStart:
		if env.StartedAt <= 0 {
			return "", nil, fmt.Errorf("start without origin: %w", ErrUnknownKind)
		}
		return env.From, Start{StartedAt: time.UnixMilli(env.StartedAt).UTC()}, nil
	}
	return "", nil, fmt.Errorf("type %q: %w", env.Type, ErrUnknownKind)
}
