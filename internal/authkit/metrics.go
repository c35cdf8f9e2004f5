package authkit

import "sync"

// Counter names recorded by the orchestrators.
const (
	metricRegisterSuccess    = "auth.register.success"
	metricLoginSuccess       = "auth.login.success"
	metricLoginFailure       = "auth.login.failure"
	metricLoginChallenge     = "auth.login.two_factor_challenge"
	metricGoogleLoginSuccess = "auth.login.google.success"
	metricRefreshSuccess     = "auth.refresh.success"
	metricRefreshFailure     = "auth.refresh.failure"
	metricRefreshReplay      = "auth.refresh.replay"
	metricLogout             = "auth.logout"
	metricPasswordReset      = "auth.password_reset.success"
	metricTwoFactorEnabled   = "auth.two_factor.configured"
	metricTwoFactorDisabled  = "auth.two_factor.disabled"
)

// MetricsRecorder increments counters for auth events.
type MetricsRecorder interface {
	Increment(event string)
}

type noopMetrics struct{}

func (noopMetrics) Increment(string) {}

func metricsOrNoop(recorder MetricsRecorder) MetricsRecorder {
	if recorder == nil {
		return noopMetrics{}
	}
	return recorder
}

// CounterMetrics keeps per-event counts in process memory.
type CounterMetrics struct {
	mutex  sync.Mutex
	counts map[string]int64
}

// NewCounterMetrics constructs an empty recorder.
func NewCounterMetrics() *CounterMetrics {
	return &CounterMetrics{counts: make(map[string]int64)}
}

func (recorder *CounterMetrics) Increment(event string) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.counts[event]++
}

// Count returns the current value for one event.
func (recorder *CounterMetrics) Count(event string) int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	return recorder.counts[event]
}

// Snapshot copies every counter, suitable for a debug endpoint.
func (recorder *CounterMetrics) Snapshot() map[string]int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	snapshot := make(map[string]int64, len(recorder.counts))
	for event, count := range recorder.counts {
		snapshot[event] = count
	}
	return snapshot
}
