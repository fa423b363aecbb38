package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/dkeye/quizroom/internal/core"
	"github.com/dkeye/quizroom/internal/domain"
	"github.com/dkeye/quizroom/internal/pubsub"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

func newTestGateway(t *testing.T, fallback bool) (*Gateway, *pubsub.MemoryBus) {
	t.Helper()
	db, err := Open(DBConfig{Driver: "sqlite", DSN: ":memory:", MaxOpenConns: 1})
	require.NoError(t, err)
	require.NoError(t, Migrate(db))

	bus := pubsub.NewMemoryBus(16)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = bus.Close()
		_ = sqlDB.Close()
	})

	clock := &stepClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	return NewGateway(db, bus, Options{FallbackAnyVersion: fallback, Clock: clock.Now}), bus
}

func nextEvent(t *testing.T, s core.ChangeStream) core.ChangeEvent {
	t.Helper()
	select {
	case ev, ok := <-s.Events():
		require.True(t, ok, "stream ended: %v", s.Err())
		return ev
	case <-time.After(time.Second):
		t.Fatal("no change event")
	}
	return core.ChangeEvent{}
}

func TestCreateRoom_DuplicateWithinVersion(t *testing.T) {
	g, _ := newTestGateway(t, true)
	ctx := context.Background()

	room, err := g.CreateRoom(ctx, "AB3K9", "host", "V1", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusLobby, room.Status)
	assert.Equal(t, domain.RoomCode("AB3K9"), room.Code)

	_, err = g.CreateRoom(ctx, "ab3k9", "other", "V1", nil)
	var dup *domain.DuplicateCodeError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, domain.RoomCode("AB3K9"), dup.Code)

	_, err = g.CreateRoom(ctx, "AB3K9", "other", "V2", nil)
	require.NoError(t, err, "same code under another version is a distinct room")

	exists, err := g.CodeExists(ctx, "AB3K9", "V1")
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = g.CodeExists(ctx, "AB3K9", "V3")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCreateRoom_Settings(t *testing.T) {
	g, _ := newTestGateway(t, true)
	ctx := context.Background()

	room, err := g.CreateRoom(ctx, "SETTA", "host", "V1", []byte(`{ "rounds": 5 }`))
	require.NoError(t, err)
	assert.Equal(t, `{"rounds":5}`, string(room.Settings))

	got, err := g.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"rounds":5}`, string(got.Settings))

	plain, err := g.CreateRoom(ctx, "SETTB", "host", "V1", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(plain.Settings))

	_, err = g.CreateRoom(ctx, "SETTC", "host", "V1", []byte(`[1]`))
	assert.ErrorIs(t, err, domain.ErrInvalidSettings)
	exists, err := g.CodeExists(ctx, "SETTC", "V1")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestResolveRoom_Fallback(t *testing.T) {
	ctx := context.Background()

	t.Run("exact version wins", func(t *testing.T) {
		g, _ := newTestGateway(t, true)
		_, err := g.CreateRoom(ctx, "QWERT", "a", "V1", nil)
		require.NoError(t, err)
		v2, err := g.CreateRoom(ctx, "QWERT", "b", "V2", nil)
		require.NoError(t, err)

		got, err := g.ResolveRoom(ctx, "qwert", "V2")
		require.NoError(t, err)
		assert.Equal(t, v2.ID, got.ID)
	})

	t.Run("code only when enabled", func(t *testing.T) {
		g, _ := newTestGateway(t, true)
		old, err := g.CreateRoom(ctx, "QWERT", "a", "V1", nil)
		require.NoError(t, err)

		got, err := g.ResolveRoom(ctx, "QWERT", "V9")
		require.NoError(t, err)
		assert.Equal(t, old.ID, got.ID)
		assert.Equal(t, domain.VersionTag("V1"), got.Version)
	})

	t.Run("not found when disabled", func(t *testing.T) {
		g, _ := newTestGateway(t, false)
		_, err := g.CreateRoom(ctx, "QWERT", "a", "V1", nil)
		require.NoError(t, err)

		_, err = g.ResolveRoom(ctx, "QWERT", "V9")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestUpsertParticipant_SingleRow(t *testing.T) {
	g, _ := newTestGateway(t, true)
	ctx := context.Background()
	room, err := g.CreateRoom(ctx, "ROOMA", "host", "V1", nil)
	require.NoError(t, err)

	feed, err := g.SubscribeParticipantChanges(ctx, room.ID)
	require.NoError(t, err)
	defer feed.Close()

	first, err := g.UpsertParticipant(ctx, room.ID, "u1", "Alice", false)
	require.NoError(t, err)
	second, err := g.UpsertParticipant(ctx, room.ID, "u1", "  Alicia ", false)
	require.NoError(t, err)

	assert.Equal(t, "Alicia", second.Name)
	assert.WithinDuration(t, first.JoinedAt, second.JoinedAt, 0, "join time survives the upsert")
	assert.True(t, second.UpdatedAt.After(first.UpdatedAt))

	list, err := g.ListParticipants(ctx, room.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Alicia", list[0].Name)

	ev := nextEvent(t, feed)
	assert.Equal(t, core.OpInsert, ev.Op)
	assert.Equal(t, "Alice", ev.Participant.Name)
	ev = nextEvent(t, feed)
	assert.Equal(t, core.OpUpdate, ev.Op)
	assert.Equal(t, "Alicia", ev.Participant.Name)
}

func TestUpsertParticipant_RejectsBadName(t *testing.T) {
	g, _ := newTestGateway(t, true)
	ctx := context.Background()
	room, err := g.CreateRoom(ctx, "ROOMB", "host", "V1", nil)
	require.NoError(t, err)

	_, err = g.UpsertParticipant(ctx, room.ID, "u1", "   ", false)
	assert.ErrorIs(t, err, domain.ErrUsernameEmpty)
	_, err = g.UpsertParticipant(ctx, room.ID, "u1", "abcdefghijklmnopqrstuvwxyz", false)
	assert.ErrorIs(t, err, domain.ErrUsernameTooLong)
}

func TestRenameParticipant_OwnRowOnly(t *testing.T) {
	g, _ := newTestGateway(t, true)
	ctx := context.Background()
	room, err := g.CreateRoom(ctx, "ROOMC", "host", "V1", nil)
	require.NoError(t, err)
	_, err = g.UpsertParticipant(ctx, room.ID, "u1", "Alice", false)
	require.NoError(t, err)

	_, err = g.RenameParticipant(ctx, room.ID, "u2", "u1", "Mallory")
	assert.ErrorIs(t, err, domain.ErrPermission)

	p, err := g.RenameParticipant(ctx, room.ID, "u1", "u1", "Ally")
	require.NoError(t, err)
	assert.Equal(t, "Ally", p.Name)

	_, err = g.RenameParticipant(ctx, room.ID, "ghost", "ghost", "Boo")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMarkFinishedAndRemove(t *testing.T) {
	g, _ := newTestGateway(t, true)
	ctx := context.Background()
	room, err := g.CreateRoom(ctx, "ROOMD", "host", "V1", nil)
	require.NoError(t, err)
	_, err = g.UpsertParticipant(ctx, room.ID, "u1", "Alice", false)
	require.NoError(t, err)

	feed, err := g.SubscribeParticipantChanges(ctx, room.ID)
	require.NoError(t, err)
	defer feed.Close()

	at := time.Date(2024, 5, 1, 13, 0, 0, 0, time.UTC)
	p, err := g.MarkFinished(ctx, room.ID, "u1", at)
	require.NoError(t, err)
	require.True(t, p.Finished())
	assert.WithinDuration(t, at, *p.FinishedAt, 0)
	assert.Equal(t, core.OpUpdate, nextEvent(t, feed).Op)

	assert.ErrorIs(t, g.RemoveParticipant(ctx, room.ID, "u2", "u1"), domain.ErrPermission)
	require.NoError(t, g.RemoveParticipant(ctx, room.ID, "u1", "u1"))
	ev := nextEvent(t, feed)
	assert.Equal(t, core.OpDelete, ev.Op)
	assert.Equal(t, domain.UserID("u1"), ev.Participant.UserID)
	assert.True(t, ev.Participant.UpdatedAt.After(p.UpdatedAt), "a delete carries its own time")
	assert.ErrorIs(t, g.RemoveParticipant(ctx, room.ID, "u1", "u1"), domain.ErrNotFound)

	list, err := g.ListParticipants(ctx, room.ID)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestSetRoomStatus_Lifecycle(t *testing.T) {
	g, _ := newTestGateway(t, true)
	ctx := context.Background()
	room, err := g.CreateRoom(ctx, "ROOME", "host", "V1", nil)
	require.NoError(t, err)

	t0 := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)
	playing, err := g.SetRoomStatus(ctx, room.ID, domain.StatusPlaying, t0)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPlaying, playing.Status)
	origin, ok := playing.StartOrigin()
	require.True(t, ok)
	assert.WithinDuration(t, t0, origin, 0)

	again, err := g.SetRoomStatus(ctx, room.ID, domain.StatusPlaying, t0.Add(5*time.Second))
	require.NoError(t, err, "re-applying the current status is accepted")
	origin, _ = again.StartOrigin()
	assert.WithinDuration(t, t0, origin, 0, "origin is recorded once")

	_, err = g.SetRoomStatus(ctx, room.ID, domain.StatusLobby, t0)
	var lv *domain.LifecycleViolation
	require.ErrorAs(t, err, &lv)
	assert.Equal(t, domain.StatusPlaying, lv.From)
	assert.Equal(t, domain.StatusLobby, lv.To)

	done, err := g.SetRoomStatus(ctx, room.ID, domain.StatusFinished, t0.Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, done.FinishedAt)
	assert.Equal(t, domain.StatusFinished, done.Status)

	_, err = g.SetRoomStatus(ctx, 9999, domain.StatusPlaying, t0)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestChangeStream_TransientDisconnect(t *testing.T) {
	g, bus := newTestGateway(t, true)
	ctx := context.Background()
	room, err := g.CreateRoom(ctx, "ROOMF", "host", "V1", nil)
	require.NoError(t, err)

	feed, err := g.SubscribeParticipantChanges(ctx, room.ID)
	require.NoError(t, err)

	bus.Disconnect(changeTopic(room.ID))
	select {
	case _, ok := <-feed.Events():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("stream did not end")
	}
	assert.True(t, errors.Is(feed.Err(), domain.ErrTransientChannel))
}

func TestChangeStream_CloseIsClean(t *testing.T) {
	g, _ := newTestGateway(t, true)
	ctx := context.Background()
	room, err := g.CreateRoom(ctx, "ROOMG", "host", "V1", nil)
	require.NoError(t, err)

	feed, err := g.SubscribeParticipantChanges(ctx, room.ID)
	require.NoError(t, err)
	require.NoError(t, feed.Close())

	select {
	case _, ok := <-feed.Events():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("stream did not end")
	}
	assert.NoError(t, feed.Err())
}

func TestSetRoomStatus_ConcurrentStartRecordsOneOrigin(t *testing.T) {
	g, _ := newTestGateway(t, true)
	ctx := context.Background()
	room, err := g.CreateRoom(ctx, "RACEA", "host", "V1", nil)
	require.NoError(t, err)

	t0 := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)
	const starters = 8
	origins := make([]time.Time, starters)
	var eg errgroup.Group
	for i := 0; i < starters; i++ {
		eg.Go(func() error {
			r, err := g.SetRoomStatus(ctx, room.ID, domain.StatusPlaying, t0.Add(time.Duration(i)*time.Second))
			if errors.Is(err, domain.ErrWriteConflict) {
				return nil
			}
			if err != nil {
				return err
			}
			origins[i], _ = r.StartOrigin()
			return nil
		})
	}
	require.NoError(t, eg.Wait())

	stored, err := g.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	want, ok := stored.StartOrigin()
	require.True(t, ok)
	for _, o := range origins {
		if !o.IsZero() {
			assert.WithinDuration(t, want, o, 0, "every starter sees the same origin")
		}
	}
}

func TestSetRoomStatus_LostRaceIsWriteConflict(t *testing.T) {
	g, _ := newTestGateway(t, true)
	ctx := context.Background()
	room, err := g.CreateRoom(ctx, "RACEB", "host", "V1", nil)
	require.NoError(t, err)

	// another writer moves the room between our read and our update
	var raced bool
	err = g.db.Callback().Update().Before("gorm:update").Register("test:concurrent_writer", func(tx *gorm.DB) {
		if raced {
			return
		}
		raced = true
		tx.Session(&gorm.Session{NewDB: true}).
			Exec("UPDATE rooms SET status = ? WHERE id = ?", string(domain.StatusFinished), uint(room.ID))
	})
	require.NoError(t, err)

	_, err = g.SetRoomStatus(ctx, room.ID, domain.StatusPlaying, time.Now())
	assert.ErrorIs(t, err, domain.ErrWriteConflict)
	assert.True(t, raced)

	stored, err := g.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFinished, stored.Status)
	assert.Nil(t, stored.StartedAt)
}
