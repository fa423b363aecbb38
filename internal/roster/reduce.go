// Package roster merges the durable participant list with broadcast
// presence into the roster a lobby shows.
//
// Name and host flag are last-writer-wins by timestamp: a durable row
// carries its UpdatedAt, a named presence message its SentAt, and the
// newer one holds. The live flag comes only from presence, again newest
// wins. A delete leaves a tombstone at its time: rows and presence not
// newer than it are ignored. Because every field resolves by timestamp
// rather than arrival, any interleaving of the same events reduces to
// the same roster.
package roster

import (
	"sort"
	"strings"
	"time"

	"github.com/dkeye/quizroom/internal/core"
	"github.com/dkeye/quizroom/internal/domain"
)

type Entry struct {
	UserID   domain.UserID `json:"userId"`
	Name     string        `json:"name"`
	IsHost   bool          `json:"isHost"`
	Live     bool          `json:"live"`
	LastSeen time.Time     `json:"lastSeen"`
	Finished bool          `json:"finished"`
	// Durable is set once storage has confirmed the participant row.
	Durable bool `json:"durable"`

	attrAt    time.Time
	rowAt     time.Time
	deletedAt time.Time
}

// superseded reports whether t is not newer than the entry's delete.
func (e Entry) superseded(t time.Time) bool {
	return !e.deletedAt.IsZero() && !t.After(e.deletedAt)
}

// State is keyed by user id. Reduce never mutates its input.
type State map[domain.UserID]Entry

type Event interface {
	isEvent()
}

// Snapshot replaces the durable view with a freshly listed participant set.
type Snapshot struct {
	Participants []domain.Participant
}

// Durable is one change feed event. For a delete, Participant.UpdatedAt
// is the time of the delete.
type Durable struct {
	Op          core.ChangeOp
	Participant domain.Participant
}

// Presence is a heartbeat or goodbye received over the broadcast channel.
type Presence struct {
	UserID domain.UserID
	Name   string
	IsHost bool
	Live   bool
	At     time.Time
}

// Expire drops liveness not refreshed within TTL of Now.
type Expire struct {
	Now time.Time
	TTL time.Duration
}

func (Snapshot) isEvent() {}
func (Durable) isEvent()  {}
func (Presence) isEvent() {}
func (Expire) isEvent()   {}

func Reduce(s State, ev Event) State {
	next := make(State, len(s)+1)
	for k, v := range s {
		next[k] = v
	}

	switch e := ev.(type) {
	case Snapshot:
		seen := make(map[domain.UserID]struct{}, len(e.Participants))
		for _, p := range e.Participants {
			seen[p.UserID] = struct{}{}
			next[p.UserID] = applyRow(next[p.UserID], p)
		}
		for id, cur := range next {
			if _, ok := seen[id]; !ok && cur.Durable {
				delete(next, id)
			}
		}

	case Durable:
		switch e.Op {
		case core.OpDelete:
			next[e.Participant.UserID] = applyDelete(next[e.Participant.UserID], e.Participant.UserID, e.Participant.UpdatedAt)
		case core.OpInsert, core.OpUpdate:
			next[e.Participant.UserID] = applyRow(next[e.Participant.UserID], e.Participant)
		}

	case Presence:
		cur := next[e.UserID]
		cur.UserID = e.UserID
		if cur.superseded(e.At) {
			break
		}
		// a nameless presence carries no attributes
		if e.Name != "" && (cur.attrAt.IsZero() || e.At.After(cur.attrAt)) {
			cur.Name = e.Name
			cur.IsHost = e.IsHost
			cur.attrAt = e.At
		}
		if !e.At.Before(cur.LastSeen) {
			cur.Live = e.Live
			cur.LastSeen = e.At
		}
		next[e.UserID] = cur

	case Expire:
		for id, cur := range next {
			if e.Now.Sub(cur.LastSeen) <= e.TTL {
				continue
			}
			if !cur.Durable && e.Now.Sub(cur.deletedAt) > e.TTL {
				delete(next, id)
				continue
			}
			cur.Live = false
			next[id] = cur
		}
	}
	return next
}

func applyRow(cur Entry, p domain.Participant) Entry {
	cur.UserID = p.UserID
	if cur.superseded(p.UpdatedAt) {
		return cur
	}
	if cur.attrAt.IsZero() || !p.UpdatedAt.Before(cur.attrAt) {
		cur.Name = p.Name
		cur.IsHost = p.IsHost
		cur.attrAt = p.UpdatedAt
	}
	if cur.rowAt.IsZero() || !p.UpdatedAt.Before(cur.rowAt) {
		cur.Finished = p.Finished()
		cur.rowAt = p.UpdatedAt
	}
	cur.Durable = true
	return cur
}

// applyDelete turns the entry into a tombstone at at. Row state and
// liveness older than the delete go with it.
func applyDelete(cur Entry, id domain.UserID, at time.Time) Entry {
	cur.UserID = id
	if at.After(cur.deletedAt) {
		cur.deletedAt = at
	}
	if !cur.rowAt.After(cur.deletedAt) {
		cur.Durable = false
		cur.Finished = false
	}
	if !cur.LastSeen.After(cur.deletedAt) {
		cur.Live = false
	}
	return cur
}

// Project returns the visible roster ordered by name, case-insensitively,
// ties broken by user id. Live-only entries that said goodbye are hidden.
func Project(s State) []Entry {
	out := make([]Entry, 0, len(s))
	for _, e := range s {
		if !e.Durable && !e.Live {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := strings.ToLower(out[i].Name), strings.ToLower(out[j].Name)
		if a != b {
			return a < b
		}
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// CountNamed counts visible entries that carry a display name.
func CountNamed(s State) int {
	n := 0
	for _, e := range Project(s) {
		if e.Name != "" {
			n++
		}
	}
	return n
}

// Ready reports whether enough named participants are present to start.
func Ready(s State, minPlayers int) bool {
	return CountNamed(s) >= minPlayers
}
