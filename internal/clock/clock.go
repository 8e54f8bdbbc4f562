package clock

import (
	"time"

	"go.uber.org/fx"
)

// Clock supplies evaluation timestamps. Every time-dependent decision in the
// engine reads from a Clock so sweeps and allocations can be replayed in tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// System returns a Clock backed by the wall clock, normalized to UTC.
func System() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

var Module = fx.Module("clock",
	fx.Provide(System),
)
