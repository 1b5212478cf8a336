package agent

import "time"

// now is a thin indirection over time.Now, kept in one place so tests can
// see where timestamps are stamped without needing to fake the whole clock.
func now() time.Time {
	return time.Now()
}
