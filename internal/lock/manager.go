package lock

import (
	"errors"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Sentinel errors surfaced by the manager. ErrLocked is an expected
// contention signal, the other two indicate caller misuse.
var (
	ErrLocked   = errors.New("lock: resource is locked")
	ErrNotFound = errors.New("lock: no lock held for resource")
	ErrNotOwner = errors.New("lock: holder token mismatch")
)

const defaultSweepInterval = time.Second

type entry struct {
	holder     string
	acquiredAt time.Time
	ttl        time.Duration
}

func (e entry) expiresAt() time.Time {
	return e.acquiredAt.Add(e.ttl)
}

// Option customises the manager during construction.
type Option func(*Manager)

// WithClock overrides the clock used for liveness checks, useful for
// deterministic unit tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithSweepInterval overrides the interval of the background expiry sweep.
// A non-positive interval disables the sweep entirely; expired entries are
// then only reclaimed lazily on the next acquisition attempt.
func WithSweepInterval(interval time.Duration) Option {
	return func(m *Manager) {
		m.sweepInterval = interval
	}
}

// Manager grants time-boxed exclusive ownership of named resources. A lock
// is live while now < acquired_at + ttl; expired entries are treated as
// absent on every check and physically deleted by a periodic sweep.
//
// Acquisition never blocks or queues. Callers that want wait semantics
// implement their own bounded retry loop.
type Manager struct {
	logger zerolog.Logger
	now    func() time.Time

	sweepInterval time.Duration

	mu    sync.Mutex
	locks map[string]entry

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewManager constructs a lock manager and starts its background sweep.
// Callers must invoke Close at shutdown to stop the sweep goroutine.
func NewManager(logger zerolog.Logger, opts ...Option) *Manager {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	m := &Manager{
		logger:        logger.With().Str("component", "lock_manager").Logger(),
		now:           time.Now,
		sweepInterval: defaultSweepInterval,
		locks:         make(map[string]entry),
		stopCh:        make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}

	if m.sweepInterval > 0 {
		m.wg.Add(1)
		go m.sweepLoop()
	}

	return m
}

// Acquire installs a new lock for the resource key and returns a freshly
// generated holder token. It fails with ErrLocked while a live lock exists,
// regardless of who owns it. An expired lock is replaced atomically, no
// explicit release required.
func (m *Manager) Acquire(key string, ttl time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if cur, exists := m.locks[key]; exists {
		if now.Before(cur.expiresAt()) {
			return "", ErrLocked
		}
		// Expired entry: reclaim it as part of this acquisition.
		delete(m.locks, key)
	}

	token := uuid.NewString()
	m.locks[key] = entry{holder: token, acquiredAt: now, ttl: ttl}
	return token, nil
}

// Release removes the lock for the resource key, but only when the supplied
// holder token matches exactly. A caller whose lock already expired (and may
// have been reassigned) cannot release a lock it no longer owns.
func (m *Manager) Release(key, holderToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, exists := m.locks[key]
	if !exists {
		return ErrNotFound
	}

	// Same boundary as Acquire: a lock is live only while now < expiry.
	if !m.now().Before(cur.expiresAt()) {
		delete(m.locks, key)
		return ErrNotFound
	}

	if cur.holder != holderToken {
		return ErrNotOwner
	}

	delete(m.locks, key)
	return nil
}

// IsLocked reports whether a live lock exists for the resource key. An
// expired entry reports false even when still physically present.
func (m *Manager) IsLocked(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, exists := m.locks[key]
	return exists && m.now().Before(cur.expiresAt())
}

// WithLock acquires the lock, invokes fn and releases unconditionally
// afterward, including when fn returns an error or panics. It fails with
// ErrLocked without invoking fn when the resource is currently held.
func (m *Manager) WithLock(key string, ttl time.Duration, fn func() error) error {
	token, err := m.Acquire(key, ttl)
	if err != nil {
		return err
	}

	defer func() {
		if relErr := m.Release(key, token); relErr != nil {
			// The lock expired mid-section or was reclaimed; nothing to undo.
			m.logger.Debug().
				Str("resource", key).
				Err(relErr).
				Msg("release after critical section failed")
		}
	}()

	return fn()
}

// Len reports the number of physically stored locks, expired entries
// included, intended for periodic logging.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

// Close stops the background sweep. It is safe to call multiple times.
func (m *Manager) Close() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			if removed := m.sweep(); removed > 0 {
				m.logger.Debug().Int("removed", removed).Msg("swept expired locks")
			}
		}
	}
}

func (m *Manager) sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for key, cur := range m.locks {
		if !now.Before(cur.expiresAt()) {
			delete(m.locks, key)
			removed++
		}
	}
	return removed
}
