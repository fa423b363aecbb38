package roster

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/quizroom/internal/core"
	"github.com/dkeye/quizroom/internal/domain"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func at(ms int) time.Time { return base.Add(time.Duration(ms) * time.Millisecond) }

func row(id domain.UserID, name string, host bool, updated int) domain.Participant {
	return domain.Participant{RoomID: 1, UserID: id, Name: name, IsHost: host, JoinedAt: at(0), UpdatedAt: at(updated)}
}

type member struct {
	ID     domain.UserID
	Name   string
	IsHost bool
}

func members(s State) []member {
	var out []member
	for _, e := range Project(s) {
		out = append(out, member{e.UserID, e.Name, e.IsHost})
	}
	return out
}

func TestReduce_DoesNotMutateInput(t *testing.T) {
	s := State{}
	next := Reduce(s, Durable{Op: core.OpInsert, Participant: row("u1", "Ann", true, 1)})
	assert.Empty(t, s)
	assert.Len(t, next, 1)
}

func TestReduce_SnapshotSeedsNotLive(t *testing.T) {
	s := Reduce(State{}, Snapshot{Participants: []domain.Participant{
		row("u2", "bob", false, 1),
		row("u1", "Ann", true, 1),
	}})
	got := Project(s)
	require.Len(t, got, 2)
	assert.Equal(t, "Ann", got[0].Name)
	assert.Equal(t, "bob", got[1].Name)
	for _, e := range got {
		assert.True(t, e.Durable)
		assert.False(t, e.Live)
	}
}

func TestReduce_DurableKeepsLiveFlag(t *testing.T) {
	s := Reduce(State{}, Durable{Op: core.OpInsert, Participant: row("u1", "Ann", false, 1)})
	s = Reduce(s, Presence{UserID: "u1", Name: "Ann", Live: true, At: at(2)})
	s = Reduce(s, Durable{Op: core.OpUpdate, Participant: row("u1", "Anna", false, 3)})

	e := s["u1"]
	assert.Equal(t, "Anna", e.Name)
	assert.True(t, e.Live)
	assert.Equal(t, at(2), e.LastSeen)
}

func TestReduce_DurableDeleteRemoves(t *testing.T) {
	s := Reduce(State{}, Durable{Op: core.OpInsert, Participant: row("u1", "Ann", false, 1)})
	s = Reduce(s, Presence{UserID: "u1", Name: "Ann", Live: true, At: at(2)})
	s = Reduce(s, Durable{Op: core.OpDelete, Participant: row("u1", "Ann", false, 3)})
	assert.Empty(t, Project(s))
}

func TestReduce_StaleHeartbeatAfterDeleteStaysHidden(t *testing.T) {
	ins := Durable{Op: core.OpInsert, Participant: row("u1", "Ann", false, 1)}
	hb := Presence{UserID: "u1", Name: "Ann", Live: true, At: at(2)}
	del := Durable{Op: core.OpDelete, Participant: row("u1", "Ann", false, 3)}

	assert.Empty(t, members(reduceAll([]Event{ins, hb, del})))
	assert.Empty(t, members(reduceAll([]Event{ins, del, hb})))
	assert.Empty(t, members(reduceAll([]Event{del, hb, ins})))

	// a row written after the delete is a rejoin
	rejoin := Durable{Op: core.OpInsert, Participant: row("u1", "Ann", false, 4)}
	assert.Equal(t, []member{{"u1", "Ann", false}}, members(reduceAll([]Event{ins, rejoin, del})))
	assert.Equal(t, []member{{"u1", "Ann", false}}, members(reduceAll([]Event{ins, del, rejoin})))
}

func TestReduce_DeleteClearsFinishedAndExpires(t *testing.T) {
	done := row("u1", "Ann", false, 2)
	finished := at(2)
	done.FinishedAt = &finished
	s := reduceAll([]Event{
		Durable{Op: core.OpInsert, Participant: row("u1", "Ann", false, 1)},
		Durable{Op: core.OpUpdate, Participant: done},
		Durable{Op: core.OpDelete, Participant: row("u1", "Ann", false, 3)},
	})
	require.Contains(t, s, domain.UserID("u1"), "tombstone kept")
	assert.False(t, s["u1"].Finished)

	s = Reduce(s, Expire{Now: at(3).Add(2 * time.Second), TTL: time.Second})
	assert.NotContains(t, s, domain.UserID("u1"))
}

func TestReduce_NamelessPresenceKeepsRowName(t *testing.T) {
	nameless := Presence{UserID: "u2", Live: true, At: at(5)}
	bob := Durable{Op: core.OpInsert, Participant: row("u2", "Bob", false, 4)}

	a := reduceAll([]Event{nameless, bob})
	b := reduceAll([]Event{bob, nameless})
	assert.Equal(t, []member{{"u2", "Bob", false}}, members(a))
	assert.Equal(t, members(a), members(b))
	assert.True(t, a["u2"].Live)
}

func TestReduce_PresenceCreatesLiveOnlyEntry(t *testing.T) {
	s := Reduce(State{}, Presence{UserID: "u9", Name: "Zed", Live: true, At: at(1)})
	got := Project(s)
	require.Len(t, got, 1)
	assert.False(t, got[0].Durable)
	assert.True(t, got[0].Live)

	s = Reduce(s, Durable{Op: core.OpInsert, Participant: row("u9", "Zed", false, 2)})
	assert.True(t, s["u9"].Durable, "the durable row merges into the live-only entry")
	assert.True(t, s["u9"].Live)
}

func TestReduce_GoodbyeHidesLiveOnly(t *testing.T) {
	s := Reduce(State{}, Presence{UserID: "u9", Name: "Zed", Live: true, At: at(1)})
	s = Reduce(s, Presence{UserID: "u9", Name: "Zed", Live: false, At: at(2)})
	assert.Empty(t, Project(s))

	// a heartbeat that was overtaken by the goodbye stays ignored
	s = Reduce(s, Presence{UserID: "u9", Name: "Zed", Live: true, At: at(1)})
	assert.Empty(t, Project(s))
}

func TestReduce_PresenceNameIsFastPath(t *testing.T) {
	s := Reduce(State{}, Durable{Op: core.OpInsert, Participant: row("u1", "Ann", false, 1)})
	s = Reduce(s, Presence{UserID: "u1", Name: "Annie", Live: true, At: at(5)})
	assert.Equal(t, "Annie", s["u1"].Name)

	// an older durable update does not roll the name back
	s = Reduce(s, Durable{Op: core.OpUpdate, Participant: row("u1", "Ann", false, 4)})
	assert.Equal(t, "Annie", s["u1"].Name)

	s = Reduce(s, Durable{Op: core.OpUpdate, Participant: row("u1", "Annie", false, 6)})
	assert.Equal(t, "Annie", s["u1"].Name)
}

func TestReduce_SnapshotDropsVanishedRowsKeepsLiveOnly(t *testing.T) {
	s := Reduce(State{}, Snapshot{Participants: []domain.Participant{row("u1", "Ann", true, 1), row("u2", "Bob", false, 1)}})
	s = Reduce(s, Presence{UserID: "u2", Name: "Bob", Live: true, At: at(2)})
	s = Reduce(s, Presence{UserID: "u3", Name: "Cat", Live: true, At: at(2)})

	s = Reduce(s, Snapshot{Participants: []domain.Participant{row("u2", "Bob", false, 1)}})
	assert.NotContains(t, s, domain.UserID("u1"))
	assert.True(t, s["u2"].Live, "resnapshot keeps liveness")
	assert.Contains(t, s, domain.UserID("u3"))
}

func TestReduce_Expire(t *testing.T) {
	s := Reduce(State{}, Durable{Op: core.OpInsert, Participant: row("u1", "Ann", false, 1)})
	s = Reduce(s, Presence{UserID: "u1", Name: "Ann", Live: true, At: at(10)})
	s = Reduce(s, Presence{UserID: "u2", Name: "Bob", Live: true, At: at(10)})

	s = Reduce(s, Expire{Now: at(500), TTL: time.Second})
	assert.True(t, s["u1"].Live)
	assert.Contains(t, s, domain.UserID("u2"))

	s = Reduce(s, Expire{Now: at(2000), TTL: time.Second})
	assert.False(t, s["u1"].Live)
	assert.True(t, s["u1"].Durable)
	assert.NotContains(t, s, domain.UserID("u2"))
}

func TestProject_OrderAndTies(t *testing.T) {
	s := Reduce(State{}, Snapshot{Participants: []domain.Participant{
		row("u3", "sam", false, 1),
		row("u2", "Sam", false, 1),
		row("u1", "Sam", false, 1),
		row("u4", "alex", false, 1),
	}})
	var ids []domain.UserID
	for _, e := range Project(s) {
		ids = append(ids, e.UserID)
	}
	assert.Equal(t, []domain.UserID{"u4", "u1", "u2", "u3"}, ids)
}

func TestReady(t *testing.T) {
	s := Reduce(State{}, Snapshot{Participants: []domain.Participant{row("h", "Host", true, 1)}})
	assert.False(t, Ready(s, 2))
	s = Reduce(s, Presence{UserID: "p", Name: "Pat", Live: true, At: at(2)})
	assert.True(t, Ready(s, 2))
	assert.Equal(t, 2, CountNamed(s))
}

// Any interleaving of the same durable and presence events reduces to
// the same membership.
func TestReduce_OrderIndependent(t *testing.T) {
	events := []Event{
		Durable{Op: core.OpInsert, Participant: row("h", "Host", true, 1)},
		Durable{Op: core.OpInsert, Participant: row("u1", "Ann", false, 2)},
		Durable{Op: core.OpInsert, Participant: row("u2", "Bob", false, 3)},
		Durable{Op: core.OpUpdate, Participant: row("u1", "Annabel", false, 8)},
		Presence{UserID: "h", Name: "Host", IsHost: true, Live: true, At: at(4)},
		Presence{UserID: "u1", Name: "Ann", Live: true, At: at(5)},
		Presence{UserID: "u2", Name: "Bobby", Live: true, At: at(9)},
		Presence{UserID: "u3", Name: "Cat", Live: true, At: at(6)},
		Presence{UserID: "u2", Live: true, At: at(10)},
		Durable{Op: core.OpInsert, Participant: row("u4", "Dee", false, 3)},
		Presence{UserID: "u4", Name: "Dee", Live: true, At: at(5)},
		Durable{Op: core.OpDelete, Participant: row("u4", "Dee", false, 7)},
	}
	want := members(reduceAll(events))
	require.Equal(t, []member{
		{"u1", "Annabel", false},
		{"u2", "Bobby", false},
		{"u3", "Cat", false},
		{"h", "Host", true},
	}, want)

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 200; i++ {
		shuffled := append([]Event(nil), events...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		assert.Equal(t, want, members(reduceAll(shuffled)), "permutation %d", i)
	}
}

func reduceAll(events []Event) State {
	s := State{}
	for _, ev := range events {
		s = Reduce(s, ev)
	}
	return s
}

func TestReconciler(t *testing.T) {
	r := NewReconciler()
	r.Reset([]domain.Participant{row("h", "Host", true, 1)})
	r.Apply(Presence{UserID: "p", Name: "Pat", Live: true, At: at(2)})
	assert.Len(t, r.Roster(), 2)
	assert.True(t, r.Ready(2))
	assert.Len(t, r.State(), 2)
}
