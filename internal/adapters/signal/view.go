package signal

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/quizroom/internal/app"
	"github.com/dkeye/quizroom/internal/barrier"
	"github.com/dkeye/quizroom/internal/core"
	"github.com/dkeye/quizroom/internal/domain"
)

type rosterEntry struct {
	UserID   domain.UserID `json:"userId"`
	Name     string        `json:"name"`
	IsHost   bool          `json:"isHost"`
	Live     bool          `json:"live"`
	Finished bool          `json:"finished"`
}

type rosterFrame struct {
	Type     string        `json:"type"`
	Entries  []rosterEntry `json:"entries"`
	CanStart bool          `json:"canStart"`
	IsHost   bool          `json:"isHost"`
}

type roomFrame struct {
	Type   string            `json:"type"`
	Code   domain.RoomCode   `json:"code"`
	Status domain.RoomStatus `json:"status"`
}

type startedFrame struct {
	Type      string `json:"type"`
	StartedAt int64  `json:"startedAt"`
	ElapsedMs int64  `json:"elapsedMs"`
}

type errorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// lobbyView turns lobby updates into frames for one socket. render runs
// on the lobby loop goroutine only.
type lobbyView struct {
	conn    core.SignalConnection
	user    domain.UserID
	policy  app.Policy
	kick    context.CancelFunc
	clock   core.Clock
	status  domain.RoomStatus
	started bool
	dropped int
}

func newLobbyView(conn core.SignalConnection, user domain.UserID, policy app.Policy, kick context.CancelFunc) *lobbyView {
	return &lobbyView{conn: conn, user: user, policy: policy, kick: kick, clock: core.SystemClock}
}

func (v *lobbyView) render(u app.Update) {
	entries := make([]rosterEntry, 0, len(u.Roster))
	for _, e := range u.Roster {
		entries = append(entries, rosterEntry{UserID: e.UserID, Name: e.Name, IsHost: e.IsHost, Live: e.Live, Finished: e.Finished})
	}
	v.send(rosterFrame{Type: "roster", Entries: entries, CanStart: u.CanStart, IsHost: u.IsHost})

	if u.Room.Status != v.status {
		v.status = u.Room.Status
		v.send(roomFrame{Type: "room", Code: u.Room.Code, Status: u.Room.Status})
	}
	if u.Phase == barrier.Started && !v.started {
		v.started = true
		v.send(startedFrame{
			Type:      "started",
			StartedAt: u.StartedAt.UnixMilli(),
			ElapsedMs: v.clock().Sub(u.StartedAt).Milliseconds(),
		})
	}
}

func (v *lobbyView) send(frame any) {
	b, err := json.Marshal(frame)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("frame marshal")
		return
	}
	err = v.conn.TrySend(b)
	if err == nil {
		v.dropped = 0
		return
	}
	if !errors.Is(err, ErrBackpressure) {
		return
	}
	v.dropped++
	if v.policy == nil {
		return
	}
	switch v.policy.OnBackPressure(v.user, v.dropped) {
	case app.KickMember:
		log.Warn().Str("module", "signal").Str("user", string(v.user)).Int("dropped", v.dropped).Msg("slow client disconnected")
		v.kick()
	case app.DropFrame, app.NoAction:
	}
}
