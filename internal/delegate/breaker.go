package delegate

import (
	"sync"
	"time"

	"github.com/rendis/cdflow/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, rejecting submissions
	CircuitHalfOpen                     // Testing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures per-task-type circuit breakers.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold int `json:"failure_threshold"`
	// Cooldown is how long the circuit stays open before allowing a probe.
	Cooldown time.Duration `json:"cooldown"`
	// HalfOpenMax is the number of probes allowed while half-open.
	HalfOpenMax int `json:"half_open_max"`
}

// DefaultBreakerConfig returns the defaults used by the serve command.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

type breaker struct {
	mu               sync.Mutex
	state            CircuitState
	failures         int
	lastFailure      time.Time
	halfOpenAttempts int
}

// Breakers keeps one circuit per task type.
type Breakers struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	config   BreakerConfig
	now      func() time.Time
}

// NewBreakers creates a registry with config.
func NewBreakers(config BreakerConfig) *Breakers {
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = 1
	}
	return &Breakers{
		breakers: make(map[string]*breaker),
		config:   config,
		now:      time.Now,
	}
}

// Allow returns nil when a submission of taskType may proceed, or a
// CIRCUIT_OPEN error.
func (r *Breakers) Allow(taskType string) error {
	b := r.get(taskType)
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitOpen:
		elapsed := r.now().Sub(b.lastFailure)
		if elapsed >= r.config.Cooldown {
			b.state = CircuitHalfOpen
			b.halfOpenAttempts = 1
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"delegate circuit open for %q after %d consecutive failures", taskType, b.failures).
			WithDetails(map[string]any{
				"task_type":            taskType,
				"consecutive_failures": b.failures,
				"cooldown_remaining":   (r.config.Cooldown - elapsed).String(),
			})
	case CircuitHalfOpen:
		if b.halfOpenAttempts >= r.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"delegate circuit half-open for %q: probe in flight", taskType)
		}
		b.halfOpenAttempts++
	}
	return nil
}

// Success closes the circuit.
func (r *Breakers) Success(taskType string) {
	b := r.get(taskType)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.halfOpenAttempts = 0
	b.state = CircuitClosed
}

// Failure records a failed submission and returns the resulting state.
func (r *Breakers) Failure(taskType string) CircuitState {
	b := r.get(taskType)
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = r.now()
	if b.state == CircuitHalfOpen || b.failures >= r.config.FailureThreshold {
		b.state = CircuitOpen
	}
	return b.state
}

// State reports the circuit state of taskType.
func (r *Breakers) State(taskType string) CircuitState {
	b := r.get(taskType)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (r *Breakers) get(taskType string) *breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[taskType]
	if !ok {
		b = &breaker{}
		r.breakers[taskType] = b
	}
	return b
}
