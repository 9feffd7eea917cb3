package rate

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/cordant/authgate/kv"
)

// Config holds the adaptive limiter tuning parameters.
type Config struct {
	Window     time.Duration // fixed attempt window
	HistoryTTL time.Duration // behavioral history retention

	BaseMax        int // budget with no recorded history
	MinMax         int // floor under sustained failures
	MaxMax         int // ceiling under sustained good standing
	FailurePenalty int // budget shrink per recent failure
	SuccessBonus   int // budget growth per recent success
	SuccessCap     int // successes counted toward the bonus
}

// Budget is the computed request budget for one (hint, origin) pair.
type Budget struct {
	Max     int
	Message string
}

// History is the behavioral record budget computation derives from.
type History struct {
	Failures  int `json:"failures"`
	Successes int `json:"successes"`
}

// Limiter enforces per-(identity hint, origin) request budgets backed by
// the key-value store.
type Limiter struct {
	store  kv.Store
	config Config
}

// New creates a [Limiter] over the given backing store.
func New(store kv.Store, cfg Config) *Limiter {
	return &Limiter{store: store, config: cfg}
}

func attemptsKey(hint, origin string) string {
	return "arl:a:" + hint + ":" + origin
}

func historyKey(hint, origin string) string {
	return "arl:h:" + hint + ":" + origin
}

// ComputeBudget derives a budget from a behavioral history. It is a pure
// function: identical histories always yield identical budgets.
func ComputeBudget(cfg Config, h History) Budget {
	max := cfg.BaseMax - cfg.FailurePenalty*h.Failures

	successes := h.Successes
	if cfg.SuccessCap > 0 && successes > cfg.SuccessCap {
		successes = cfg.SuccessCap
	}
	max += cfg.SuccessBonus * successes

	if max < cfg.MinMax {
		max = cfg.MinMax
	}
	if max > cfg.MaxMax {
		max = cfg.MaxMax
	}

	return Budget{
		Max:     max,
		Message: "too many attempts, retry in " + cfg.Window.String(),
	}
}

// GetBudget reads the behavioral history and computes the current budget.
// A missing or unreadable history yields the base budget.
func (l *Limiter) GetBudget(ctx context.Context, hint, origin string) (Budget, error) {
	data, err := l.store.Get(ctx, historyKey(hint, origin))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return ComputeBudget(l.config, History{}), nil
		}
		return Budget{}, err
	}

	var h History
	if err := json.Unmarshal(data, &h); err != nil {
		return ComputeBudget(l.config, History{}), nil
	}
	return ComputeBudget(l.config, h), nil
}

// GetAttempts reads the current attempt counter. Missing keys return zero
// and do not reveal account existence.
func (l *Limiter) GetAttempts(ctx context.Context, hint, origin string) (int, error) {
	data, err := l.store.Get(ctx, attemptsKey(hint, origin))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}

	count, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil || count < 0 {
		return 0, nil
	}
	return int(count), nil
}

// Increment records one attempt for the (hint, origin) pair.
// Fixed-window semantics: the TTL is set only for the first hit in the window.
func (l *Limiter) Increment(ctx context.Context, hint, origin string) (int64, error) {
	key := attemptsKey(hint, origin)
	count, err := l.store.Incr(ctx, key)
	if err != nil {
		return 0, err
	}
	if count == 1 {
		if err := l.store.Expire(ctx, key, l.config.Window); err != nil {
			return 0, err
		}
	}
	return count, nil
}

// Reset clears the attempt counter. Called after successful authentication.
func (l *Limiter) Reset(ctx context.Context, hint, origin string) error {
	return l.store.Del(ctx, attemptsKey(hint, origin))
}

// RecordOutcome feeds one authentication outcome into the behavioral
// history. A success clears accumulated failures; a failure clears the
// success streak. Last-writer-wins is acceptable here: the history is a
// heuristic input, not an invariant carrier.
func (l *Limiter) RecordOutcome(ctx context.Context, hint, origin string, success bool) error {
	key := historyKey(hint, origin)

	var h History
	data, err := l.store.Get(ctx, key)
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		return err
	}
	if err == nil {
		_ = json.Unmarshal(data, &h)
	}

	if success {
		h.Failures = 0
		h.Successes++
	} else {
		h.Failures++
		h.Successes = 0
	}

	encoded, err := json.Marshal(h)
	if err != nil {
		return err
	}
	return l.store.Set(ctx, key, encoded, l.config.HistoryTTL)
}
