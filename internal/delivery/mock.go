package delivery

import (
	"context"
	"math/rand"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/payment-admission/internal/models"
)

// Scenario enumerates the supported mock behaviours. The default scenario is
// success unless overridden via event metadata.
type Scenario string

const (
	ScenarioSuccess   Scenario = "success"
	ScenarioTransient Scenario = "transient"
	ScenarioPermanent Scenario = "permanent"

	metadataScenario = "x-mock-delivery-scenario"
	metadataLatency  = "x-mock-delivery-latency"
)

// MockOption customizes the mock deliverer at construction time.
type MockOption func(*MockDeliverer)

// WithLatencyRange overrides the latency range used when simulating work.
// Negative values are clamped to zero and if max < min it is coerced to min.
func WithLatencyRange(min, max time.Duration) MockOption {
	return func(d *MockDeliverer) {
		if min < 0 {
			min = 0
		}
		if max < 0 {
			max = 0
		}
		if max < min {
			max = min
		}
		d.minLatency = min
		d.maxLatency = max
	}
}

// WithDefaultScenario configures the behaviour applied when an event does
// not carry an explicit scenario in its metadata.
func WithDefaultScenario(s Scenario) MockOption {
	return func(d *MockDeliverer) {
		d.defaultScenario = s
	}
}

// WithRandomSeed swaps the RNG seed used when sampling latency.
func WithRandomSeed(seed int64) MockOption {
	return func(d *MockDeliverer) {
		d.rnd = rand.New(rand.NewSource(seed)) // #nosec G404 -- deterministic seed for tests.
	}
}

// MockDeliverer simulates notification delivery without any network calls.
// Behaviour is controllable per event via the x-mock-delivery-* metadata
// keys, which makes failure paths exercisable in local runs and tests.
type MockDeliverer struct {
	logger          zerolog.Logger
	minLatency      time.Duration
	maxLatency      time.Duration
	defaultScenario Scenario

	mu  sync.Mutex
	rnd *rand.Rand

	delivered atomic.Int64
}

// NewMockDeliverer constructs a mock deliverer with sensible defaults: every
// delivery succeeds after a latency between 5ms and 20ms.
func NewMockDeliverer(logger zerolog.Logger, opts ...MockOption) *MockDeliverer {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	d := &MockDeliverer{
		logger:          logger.With().Str("component", "mock_deliverer").Logger(),
		minLatency:      5 * time.Millisecond,
		maxLatency:      20 * time.Millisecond,
		defaultScenario: ScenarioSuccess,
		rnd:             rand.New(rand.NewSource(time.Now().UnixNano())), // #nosec G404
	}

	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}

	return d
}

// Deliver simulates one delivery attempt for the supplied event.
func (d *MockDeliverer) Deliver(ctx context.Context, event models.Event) error {
	if latency := d.sampleLatency(event); latency > 0 {
		timer := time.NewTimer(latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	scenario := d.resolveScenario(event)
	d.logger.Debug().
		Str("scenario", string(scenario)).
		Str("transaction_id", event.TransactionID).
		Str("event_type", event.EventType).
		Msg("mock delivery invoked")

	switch scenario {
	case ScenarioTransient:
		return WrapTransient(nil)
	case ScenarioPermanent:
		return WrapPermanent(nil)
	default:
		d.delivered.Add(1)
		return nil
	}
}

// Delivered reports how many events were delivered successfully.
func (d *MockDeliverer) Delivered() int64 {
	return d.delivered.Load()
}

func (d *MockDeliverer) resolveScenario(event models.Event) Scenario {
	value, ok := event.Metadata[metadataScenario]
	if !ok || value == "" {
		return d.defaultScenario
	}

	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(ScenarioTransient):
		return ScenarioTransient
	case string(ScenarioPermanent):
		return ScenarioPermanent
	default:
		return ScenarioSuccess
	}
}

func (d *MockDeliverer) sampleLatency(event models.Event) time.Duration {
	if value, ok := event.Metadata[metadataLatency]; ok && value != "" {
		if parsed, err := time.ParseDuration(strings.TrimSpace(value)); err == nil && parsed >= 0 {
			return parsed
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.maxLatency <= d.minLatency {
		return d.minLatency
	}
	return d.minLatency + time.Duration(d.rnd.Int63n(int64(d.maxLatency-d.minLatency)+1))
}
