package metrics

import "testing"

func TestNopIsSafe(t *testing.T) {
	m := Nop()
	m.FlushDuration("c", "size").ObserveDuration()
	m.LoadDuration("c").ObserveDuration()
	m.FlushCompleted("c", "size", true)
	m.RetryAttempt("c", "save", true)
	m.Evicted("c", 1)
	m.Pending("c", 1)
	m.Entries("c", 1)
	NopTimer().ObserveDuration()
}
