package pipeline

import (
	"time"

	"github.com/tphakala/iqstream/internal/timebase"
)

// hostSecondsClock adds a seconds register backed by the host calendar to a
// tick clock, for front-ends without one of their own
type hostSecondsClock struct {
	timebase.Clock
	now func() time.Time
}

// Seconds returns the host time in whole seconds since the epoch
func (c hostSecondsClock) Seconds() int64 {
	if c.now != nil {
		return c.now().Unix()
	}
	return time.Now().Unix()
}
