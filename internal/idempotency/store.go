package idempotency

import (
	"reflect"
	"sync"

	"github.com/rs/zerolog"
)

// Outcome classifies the result of Begin for a (caller, token) pair.
type Outcome int

const (
	// OutcomeProceed means the key was unseen; the fingerprint has been
	// recorded and the caller owns the request.
	OutcomeProceed Outcome = iota
	// OutcomeDuplicate means the same fingerprint was seen before and a
	// response is already cached.
	OutcomeDuplicate
	// OutcomePending means the same fingerprint was seen before but the
	// original request has not completed yet.
	OutcomePending
	// OutcomeConflict means the token was re-used with a different
	// fingerprint. The stored record is never overwritten.
	OutcomeConflict
)

// String returns a human readable label for logging.
func (o Outcome) String() string {
	switch o {
	case OutcomeProceed:
		return "proceed"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomePending:
		return "pending"
	case OutcomeConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// BeginResult carries the outcome of Begin along with the cached response
// when the outcome is OutcomeDuplicate.
type BeginResult struct {
	Outcome  Outcome
	Response []byte
}

type key struct {
	callerID string
	token    string
}

type record struct {
	fingerprint string
	response    []byte
	completed   bool
}

// Store deduplicates retried requests and detects conflicting re-use of the
// same idempotency token. Records are keyed by (caller, token) and live for
// the lifetime of the process; there is no eviction policy.
//
// All operations are safe for concurrent use. Begin performs an atomic
// check-and-insert under a single mutex so that under concurrent first-time
// requests for the same key exactly one caller observes OutcomeProceed.
type Store struct {
	logger zerolog.Logger

	mu      sync.Mutex
	records map[key]*record
}

// NewStore constructs an empty idempotency store.
func NewStore(logger zerolog.Logger) *Store {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &Store{
		logger:  logger.With().Str("component", "idempotency_store").Logger(),
		records: make(map[key]*record),
	}
}

// Begin atomically checks the store for the supplied key and records the
// fingerprint when the key is unseen. Exactly one concurrent caller for a
// given key observes OutcomeProceed; the others observe OutcomePending until
// Complete attaches a response, after which they observe OutcomeDuplicate.
func (s *Store) Begin(callerID, token, fingerprint string) BeginResult {
	k := key{callerID: callerID, token: token}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.records[k]
	if !exists {
		s.records[k] = &record{fingerprint: fingerprint}
		return BeginResult{Outcome: OutcomeProceed}
	}

	if rec.fingerprint != fingerprint {
		s.logger.Warn().
			Str("caller_id", callerID).
			Str("token", token).
			Msg("idempotency token re-used with a different request body")
		return BeginResult{Outcome: OutcomeConflict}
	}

	if !rec.completed {
		return BeginResult{Outcome: OutcomePending}
	}

	return BeginResult{Outcome: OutcomeDuplicate, Response: cloneBytes(rec.response)}
}

// Complete attaches the response to an existing record. Only the record with
// a matching fingerprint is updated; a stale or mismatched fingerprint is a
// no-op. The first completion wins, later calls do not overwrite it.
func (s *Store) Complete(callerID, token, fingerprint string, response []byte) {
	k := key{callerID: callerID, token: token}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.records[k]
	if !exists || rec.fingerprint != fingerprint || rec.completed {
		return
	}

	rec.response = cloneBytes(response)
	rec.completed = true
}

// Abort removes a record that never completed so the caller can retry from
// scratch. It is the counterpart of Begin for request paths that failed
// before producing a cacheable response; completed records are untouched.
func (s *Store) Abort(callerID, token, fingerprint string) {
	k := key{callerID: callerID, token: token}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.records[k]
	if !exists || rec.fingerprint != fingerprint || rec.completed {
		return
	}

	delete(s.records, k)
}

// Lookup returns the cached response for the supplied key when one exists.
func (s *Store) Lookup(callerID, token string) ([]byte, bool) {
	k := key{callerID: callerID, token: token}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.records[k]
	if !exists || !rec.completed {
		return nil, false
	}
	return cloneBytes(rec.response), true
}

// Len reports the number of stored records, intended for periodic logging.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	clone := make([]byte, len(b))
	copy(clone, b)
	return clone
}
