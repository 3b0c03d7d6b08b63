package resilience

import (
	"time"
)

// FromCircuitConfig maps pipeline config integers onto a CircuitConfig,
// keeping defaults for anything unset.
func FromCircuitConfig(failureThreshold, resetTimeoutSecs int) CircuitConfig {
	cfg := DefaultCircuitConfig()
	if failureThreshold > 0 {
		cfg.FailureThreshold = failureThreshold
	}
	if resetTimeoutSecs > 0 {
		cfg.ResetTimeout = time.Duration(resetTimeoutSecs) * time.Second
	}
	return cfg
}
