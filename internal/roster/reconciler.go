package roster

import "github.com/dkeye/quizroom/internal/domain"

// Reconciler holds the roster of one room visit. It is not safe for
// concurrent use; the owning event loop serialises access.
type Reconciler struct {
	state State
}

func NewReconciler() *Reconciler {
	return &Reconciler{state: State{}}
}

func (r *Reconciler) Apply(ev Event) {
	r.state = Reduce(r.state, ev)
}

// Reset seeds the roster from a participant listing, keeping liveness
// already learned from presence.
func (r *Reconciler) Reset(participants []domain.Participant) {
	r.Apply(Snapshot{Participants: participants})
}

func (r *Reconciler) Roster() []Entry { return Project(r.state) }

func (r *Reconciler) State() State { return r.state }

func (r *Reconciler) Ready(minPlayers int) bool { return Ready(r.state, minPlayers) }
