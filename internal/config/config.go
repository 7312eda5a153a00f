package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config captures all runtime configuration for the payment admission
// service.
type Config struct {
	App        AppConfig
	Kafka      KafkaConfig
	Topics     TopicConfig
	Lock       LockConfig
	Retry      RetryConfig
	Dispatch   DispatchConfig
	Admission  AdmissionConfig
	Intake     IntakeConfig
	Validation ValidationConfig

	// Merchants seeds the in-memory merchant repository. Each entry has the
	// form "id:maxAmount", e.g. "m-100:1000000".
	Merchants []string
}

// AppConfig contains generic application level settings.
type AppConfig struct {
	Env      string
	LogLevel string
}

// KafkaConfig defines broker information for the intake consumer and the
// notification producer.
type KafkaConfig struct {
	Brokers       []string
	ConsumerGroup string
}

// TopicConfig enumerates the topics the worker touches.
type TopicConfig struct {
	Requests      string
	Notifications string
	DeadLetter    string
}

// LockConfig controls the mutual-exclusion lock manager.
type LockConfig struct {
	TTL           time.Duration
	SweepInterval time.Duration
}

// RetryConfig controls the delivery retry queue. Schedule holds the delay
// applied before each attempt; its length is the maximum attempt count.
type RetryConfig struct {
	Schedule []time.Duration
}

// DispatchConfig controls the notification dispatcher.
type DispatchConfig struct {
	BufferSize  int
	Concurrency int
}

// AdmissionConfig controls the admission orchestration.
type AdmissionConfig struct {
	LockRetries    int
	LockRetryDelay time.Duration
}

// IntakeConfig controls the Kafka intake handler.
type IntakeConfig struct {
	AdmitRetries    int
	AdmitRetryDelay time.Duration
}

// ValidationConfig holds the limits used by the business validation layer
// and the intake payload guard.
type ValidationConfig struct {
	AllowedCurrencies []string
	MinAmount         int64
	MaxAmount         int64
	MsgMaxBytes       int
}

// Load reads environment variables, applies defaults, validates required
// values and returns a populated Config instance.
func Load() (*Config, error) {
	_ = godotenv.Load()

	ldr := &envLoader{}

	cfg := &Config{}
	cfg.App.Env = ldr.getString("APP_ENV", "development", false)
	cfg.App.LogLevel = ldr.getString("LOG_LEVEL", "info", false)

	cfg.Kafka.Brokers = ldr.getStringSlice("KAFKA_BROKERS", true)
	cfg.Kafka.ConsumerGroup = ldr.getString("KAFKA_CONSUMER_GROUP", "payment-admission", false)

	cfg.Topics.Requests = ldr.getString("KAFKA_REQUEST_TOPIC", "", true)
	cfg.Topics.Notifications = ldr.getString("KAFKA_NOTIFICATION_TOPIC", "", true)
	cfg.Topics.DeadLetter = ldr.getString("KAFKA_DLQ_TOPIC", "", true)

	cfg.Lock.TTL = ldr.getDuration("LOCK_TTL", 5*time.Second, false)
	cfg.Lock.SweepInterval = ldr.getDuration("LOCK_SWEEP_INTERVAL", time.Second, false)

	cfg.Retry.Schedule = ldr.getDurationSlice("RETRY_SCHEDULE", []time.Duration{0, 5 * time.Second, 30 * time.Second, 2 * time.Minute})

	cfg.Dispatch.BufferSize = ldr.getInt("DISPATCH_BUFFER_SIZE", 256, false)
	cfg.Dispatch.Concurrency = ldr.getInt("DISPATCH_CONCURRENCY", 8, false)

	cfg.Admission.LockRetries = ldr.getInt("ADMISSION_LOCK_RETRIES", 20, false)
	cfg.Admission.LockRetryDelay = ldr.getDuration("ADMISSION_LOCK_RETRY_DELAY", 25*time.Millisecond, false)

	cfg.Intake.AdmitRetries = ldr.getInt("INTAKE_ADMIT_RETRIES", 3, false)
	cfg.Intake.AdmitRetryDelay = ldr.getDuration("INTAKE_ADMIT_RETRY_DELAY", 100*time.Millisecond, false)

	cfg.Merchants = ldr.getStringSliceDefault("MERCHANT_SEED", []string{"m-demo:1000000"})

	cfg.Validation.AllowedCurrencies = ldr.getStringSliceDefault("ALLOWED_CURRENCIES", []string{"USD", "EUR", "GBP"})
	cfg.Validation.MinAmount = int64(ldr.getInt("AMOUNT_MIN", 1, false))
	cfg.Validation.MaxAmount = int64(ldr.getInt("AMOUNT_MAX", 10_000_000, false))
	cfg.Validation.MsgMaxBytes = ldr.getInt("MSG_MAX_BYTES", 65536, false)

	if cfg.Lock.TTL <= 0 {
		ldr.addError("LOCK_TTL must be positive")
	}
	for _, d := range cfg.Retry.Schedule {
		if d < 0 {
			ldr.addError("RETRY_SCHEDULE delays cannot be negative")
		}
	}
	if cfg.Dispatch.Concurrency < 1 {
		ldr.addError("DISPATCH_CONCURRENCY must be >= 1")
	}

	if err := ldr.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type envLoader struct {
	errs []string
}

func (l *envLoader) validate() error {
	if len(l.errs) == 0 {
		return nil
	}
	return fmt.Errorf("config validation failed: %s", strings.Join(l.errs, "; "))
}

func (l *envLoader) getString(key, def string, required bool) string {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.TrimSpace(val)
		if val == "" {
			if required {
				l.addError(fmt.Sprintf("%s is required", key))
			}
			return def
		}
		return val
	}
	if required {
		l.addError(fmt.Sprintf("%s is required", key))
	}
	return def
}

func (l *envLoader) getInt(key string, def int, required bool) int {
	raw := l.getString(key, "", required)
	if raw == "" {
		return def
	}
	i, err := strconv.Atoi(raw)
	if err != nil {
		l.addError(fmt.Sprintf("%s must be a valid integer", key))
		return def
	}
	return i
}

func (l *envLoader) getDuration(key string, def time.Duration, required bool) time.Duration {
	raw := l.getString(key, "", required)
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		l.addError(fmt.Sprintf("%s must be a valid duration", key))
		return def
	}
	return d
}

func (l *envLoader) getStringSlice(key string, required bool) []string {
	raw := l.getString(key, "", required)
	if raw == "" {
		if required {
			return nil
		}
		return []string{}
	}
	parts := strings.Split(raw, ",")
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if required && len(out) == 0 {
		l.addError(fmt.Sprintf("%s must contain at least one entry", key))
	}
	return out
}

func (l *envLoader) getStringSliceDefault(key string, def []string) []string {
	out := l.getStringSlice(key, false)
	if len(out) == 0 {
		return def
	}
	return out
}

// getDurationSlice parses a comma separated list of durations, e.g.
// "0s,5s,30s,2m". The retry schedule is configuration data, never control
// flow, so compressed test schedules stay a one-line change.
func (l *envLoader) getDurationSlice(key string, def []time.Duration) []time.Duration {
	raw := l.getString(key, "", false)
	if raw == "" {
		return def
	}

	parts := strings.Split(raw, ",")
	out := make([]time.Duration, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		d, err := time.ParseDuration(p)
		if err != nil {
			l.addError(fmt.Sprintf("%s contains an invalid duration: %q", key, p))
			return def
		}
		out = append(out, d)
	}
	if len(out) == 0 {
		return def
	}
	return out
}

func (l *envLoader) addError(err string) {
	l.errs = append(l.errs, err)
}
