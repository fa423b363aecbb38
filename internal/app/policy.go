package app

import "github.com/dkeye/quizroom/internal/domain"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	KickMember
	DropFrame
)

// Policy decides what happens to a client whose outbound queue is full.
type Policy interface {
	OnBackPressure(user domain.UserID, dropped int) BackpressureAction
}

// SimplePolicy drops frames until MaxDropped consecutive drops, then
// disconnects the client; it reconnects and resnapshots.
type SimplePolicy struct {
	MaxDropped int
}

func (p SimplePolicy) OnBackPressure(_ domain.UserID, dropped int) BackpressureAction {
	if p.MaxDropped > 0 && dropped >= p.MaxDropped {
		return KickMember
	}
	return DropFrame
}
