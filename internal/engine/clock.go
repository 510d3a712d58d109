package engine

import "time"

// Clock supplies wall time for cursors. SystemClock in production,
// testutil.ManualClock in tests.
type Clock interface {
	Now() time.Time
}

// SystemClock reads time.Now in UTC.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
