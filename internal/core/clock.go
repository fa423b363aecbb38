package core

import "time"

type Clock func() time.Time

// SystemClock returns UTC wall time at millisecond precision, the
// resolution start signals are exchanged in.
func SystemClock() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
