package domain

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// RotatorOption configures a Rotator.
type RotatorOption func(*Rotator)

// WithRounds sets the per-round cap R (default 3).
func WithRounds(r int) RotatorOption {
	return func(rot *Rotator) {
		if r > 0 {
			rot.rounds = r
		}
	}
}

// WithAttemptsPerRound sets the per-method cap K (default 3).
func WithAttemptsPerRound(k int) RotatorOption {
	return func(rot *Rotator) {
		if k > 0 {
			rot.attemptsPerRound = k
		}
	}
}

// WithBaseDelay sets the base delay D (default 1s).
func WithBaseDelay(d time.Duration) RotatorOption {
	return func(rot *Rotator) {
		if d > 0 {
			rot.baseDelay = d
		}
	}
}

const maxRotationDelay = 10 * time.Second

// Attempt is one (model, round, attempt-in-round) triple yielded by the
// rotator, along with the delay the caller should wait before making the
// call.
type Attempt struct {
	Model string
	Round int
	K     int
	Delay time.Duration
}

// AttemptLog records what happened on a past attempt, surfaced on
// exhaustion (§4.C "Termination").
type AttemptLog struct {
	Attempt
	Err error
}

type modelStats struct {
	successes          int
	failures           int
	consecutiveFailure int
	persistentFailure  bool
}

// Rotator implements the round-major model (or API-key) rotation policy of
// §4.C. It is safe for concurrent use; a single Rotator is expected to be
// scoped to one pipeline stage's generator lifetime.
type Rotator struct {
	mu               sync.Mutex
	models           []string
	rounds           int
	attemptsPerRound int
	baseDelay        time.Duration
	stats            map[string]*modelStats
	log              []AttemptLog

	// cursor tracks Next()'s position in the round-major sequence. round is
	// 1-based and 0 before the first call; k is 0 between models, meaning
	// "not yet started this model's attempts".
	cursorRound    int
	cursorModelIdx int
	cursorK        int
}

// NewRotator builds a Rotator over the given ordered model/key list.
func NewRotator(models []string, opts ...RotatorOption) *Rotator {
	r := &Rotator{
		models:           DedupPreserveOrder(models),
		rounds:           3,
		attemptsPerRound: 3,
		baseDelay:        time.Second,
		stats:            make(map[string]*modelStats),
	}
	for _, opt := range opts {
		opt(r)
	}
	for _, m := range r.models {
		r.stats[m] = &modelStats{}
	}
	return r
}

// Next returns the next attempt in the round-major sequence of §4.C, or
// false once the sequence is exhausted. Unlike a precomputed attempt list,
// Next re-evaluates each model's persistentFailure flag the moment it is
// reached, so a RecordFailure call made between two Next calls actually
// prunes that model from later rounds (unless the round being entered is
// the final one). Delay is computed for each attempt but the caller must
// still honor ctx cancellation while sleeping it.
func (r *Rotator) Next() (Attempt, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cursorRound == 0 {
		r.cursorRound = 1
	}
	for {
		if r.cursorRound > r.rounds {
			return Attempt{}, false
		}
		if r.cursorModelIdx >= len(r.models) {
			r.cursorModelIdx = 0
			r.cursorK = 0
			r.cursorRound++
			continue
		}

		m := r.models[r.cursorModelIdx]
		if r.cursorK == 0 {
			finalRound := r.cursorRound == r.rounds
			if r.stats[m].persistentFailure && !finalRound {
				r.cursorModelIdx++
				continue
			}
			r.cursorK = 1
		}
		if r.cursorK > r.attemptsPerRound {
			r.cursorModelIdx++
			r.cursorK = 0
			continue
		}

		k := r.cursorK
		r.cursorK++
		return Attempt{
			Model: m,
			Round: r.cursorRound,
			K:     k,
			Delay: attemptDelay(k, r.baseDelay),
		}, true
	}
}

// attemptDelay implements §4.C's delay rule: first try on a model is capped
// at min(D, 1s); subsequent tries back off exponentially at 1.5^(k-1)*D,
// capped at 10s.
func attemptDelay(k int, base time.Duration) time.Duration {
	if k <= 1 {
		if base < time.Second {
			return base
		}
		return time.Second
	}
	mult := math.Pow(1.5, float64(k-1))
	d := time.Duration(float64(base) * mult)
	if d > maxRotationDelay {
		d = maxRotationDelay
	}
	return d
}

// RecordSuccess clears the model's failure bookkeeping.
func (r *Rotator) RecordSuccess(model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.statFor(model)
	st.successes++
	st.consecutiveFailure = 0
	st.persistentFailure = false
}

// RecordFailure records a failed attempt; two consecutive failures on a
// model set its persistent-failure flag for this rotator's lifetime.
func (r *Rotator) RecordFailure(model string, attempt Attempt, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.statFor(model)
	st.failures++
	st.consecutiveFailure++
	if st.consecutiveFailure >= 2 {
		st.persistentFailure = true
	}
	r.log = append(r.log, AttemptLog{Attempt: attempt, Err: err})
}

func (r *Rotator) statFor(model string) *modelStats {
	st, ok := r.stats[model]
	if !ok {
		st = &modelStats{}
		r.stats[model] = st
	}
	return st
}

// BestModel returns the model with the highest observed success ratio,
// ties broken by list order. Returns "" if no model has been attempted.
func (r *Rotator) BestModel() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	best := ""
	bestRatio := -1.0
	for _, m := range r.models {
		st := r.stats[m]
		total := st.successes + st.failures
		if total == 0 {
			continue
		}
		ratio := float64(st.successes) / float64(total)
		if ratio > bestRatio {
			bestRatio = ratio
			best = m
		}
	}
	return best
}

// AttemptLogSnapshot returns a copy of the failure log accumulated so far,
// for inclusion in an exhaustion error (§4.C "Termination").
func (r *Rotator) AttemptLogSnapshot() []AttemptLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]AttemptLog, len(r.log))
	copy(out, r.log)
	return out
}

// ExhaustedError formats the last error alongside the attempt log, as
// required when a rotation sequence is exhausted without success.
type ExhaustedError struct {
	LastErr error
	Log     []AttemptLog
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("model rotation exhausted after %d attempts: %v", len(e.Log), e.LastErr)
}

func (e *ExhaustedError) Unwrap() error { return e.LastErr }

// NewExhaustedError builds an ExhaustedError from the rotator's current log.
func (r *Rotator) NewExhaustedError(lastErr error) *ExhaustedError {
	return &ExhaustedError{LastErr: lastErr, Log: r.AttemptLogSnapshot()}
}
