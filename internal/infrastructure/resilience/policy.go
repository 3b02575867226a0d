package resilience

import (
	"strings"
	"time"
)

// Upstream names, matching the prefix of the operations they run.
const (
	SystemOllama = "ollama"
	SystemQdrant = "qdrant"
	SystemRerank = "rerank"
	SystemNATS   = "nats"
)

type Config struct {
	RetryMaxAttempts    int
	RetryInitialBackoff time.Duration
	RetryMaxBackoff     time.Duration
	RetryMultiplier     float64

	// AttemptTimeout bounds a single attempt. Zero leaves attempts unbounded
	// apart from the caller's context.
	AttemptTimeout time.Duration
	// SystemTimeouts overrides AttemptTimeout for operations of one upstream,
	// keyed by the operation prefix before the first dot.
	SystemTimeouts map[string]time.Duration

	BreakerEnabled          bool
	BreakerMinRequests      uint32
	BreakerFailureRatio     float64
	BreakerOpenTimeout      time.Duration
	BreakerHalfOpenMaxCalls uint32
}

func DefaultConfig() Config {
	return Config{
		RetryMaxAttempts:    3,
		RetryInitialBackoff: 200 * time.Millisecond,
		RetryMaxBackoff:     2 * time.Second,
		RetryMultiplier:     2.0,

		// Model calls get AttemptTimeout; data-plane upstreams are bounded tighter.
		AttemptTimeout: 60 * time.Second,
		SystemTimeouts: map[string]time.Duration{
			SystemQdrant: 10 * time.Second,
			SystemRerank: 30 * time.Second,
			SystemNATS:   5 * time.Second,
		},

		BreakerEnabled:          true,
		BreakerMinRequests:      10,
		BreakerFailureRatio:     0.5,
		BreakerOpenTimeout:      30 * time.Second,
		BreakerHalfOpenMaxCalls: 2,
	}
}

func (c Config) normalize() Config {
	out := c
	def := DefaultConfig()

	if out.RetryMaxAttempts <= 0 {
		out.RetryMaxAttempts = def.RetryMaxAttempts
	}
	if out.RetryInitialBackoff <= 0 {
		out.RetryInitialBackoff = def.RetryInitialBackoff
	}
	if out.RetryMaxBackoff <= 0 {
		out.RetryMaxBackoff = def.RetryMaxBackoff
	}
	if out.RetryMaxBackoff < out.RetryInitialBackoff {
		out.RetryMaxBackoff = out.RetryInitialBackoff
	}
	if out.RetryMultiplier < 1.0 {
		out.RetryMultiplier = def.RetryMultiplier
	}
	if out.AttemptTimeout < 0 {
		out.AttemptTimeout = 0
	}
	timeouts := make(map[string]time.Duration, len(out.SystemTimeouts))
	for system, timeout := range out.SystemTimeouts {
		if timeout > 0 {
			timeouts[system] = timeout
		}
	}
	out.SystemTimeouts = timeouts

	if out.BreakerMinRequests == 0 {
		out.BreakerMinRequests = def.BreakerMinRequests
	}
	if out.BreakerFailureRatio <= 0 || out.BreakerFailureRatio > 1 {
		out.BreakerFailureRatio = def.BreakerFailureRatio
	}
	if out.BreakerOpenTimeout <= 0 {
		out.BreakerOpenTimeout = def.BreakerOpenTimeout
	}
	if out.BreakerHalfOpenMaxCalls == 0 {
		out.BreakerHalfOpenMaxCalls = def.BreakerHalfOpenMaxCalls
	}

	return out
}

// attemptTimeout returns the per-attempt bound for operation.
func (c Config) attemptTimeout(operation string) time.Duration {
	system, _, _ := strings.Cut(operation, ".")
	if timeout, ok := c.SystemTimeouts[system]; ok {
		return timeout
	}
	return c.AttemptTimeout
}
