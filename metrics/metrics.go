// Package metrics defines the instrumentation surface of a durable container
// so that backends such as Prometheus can be plugged in without the core
// packages importing them.
package metrics

// Timer measures the duration of an operation. Call ObserveDuration when the
// operation completes.
type Timer interface {
	ObserveDuration()
}

// Metrics receives container events. Implementations must be safe for
// concurrent use; container is the container name.
type Metrics interface {
	// FlushDuration times one Save, including retries.
	FlushDuration(container, trigger string) Timer
	// FlushCompleted counts finished flushes by trigger and outcome.
	FlushCompleted(container, trigger string, ok bool)
	// LoadDuration times Initialize and Reload loads.
	LoadDuration(container string) Timer
	// RetryAttempt counts failed attempts reported by the retry executor.
	RetryAttempt(container, operation string, fatal bool)
	// Evicted counts entries removed by TTL sweeps.
	Evicted(container string, n int)
	// Pending reports the number of unflushed mutations.
	Pending(container string, n int)
	// Entries reports the current entry count.
	Entries(container string, n int)
}

type nopTimer struct{}

func (nopTimer) ObserveDuration() {}

type nopMetrics struct{}

func (nopMetrics) FlushDuration(string, string) Timer  { return nopTimer{} }
func (nopMetrics) FlushCompleted(string, string, bool) {}
func (nopMetrics) LoadDuration(string) Timer           { return nopTimer{} }
func (nopMetrics) RetryAttempt(string, string, bool)   {}
func (nopMetrics) Evicted(string, int)                 {}
func (nopMetrics) Pending(string, int)                 {}
func (nopMetrics) Entries(string, int)                 {}

// Nop returns a Metrics that discards everything.
func Nop() Metrics { return nopMetrics{} }

// NopTimer returns a Timer that records nothing.
func NopTimer() Timer { return nopTimer{} }
