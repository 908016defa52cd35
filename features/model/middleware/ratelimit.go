// Package middleware wraps model.Client with cross-cutting behavior. The
// rate limiter keeps provider calls under a tokens-per-minute budget that
// halves when the provider throttles and recovers slowly on success. When a
// Pulse replicated map is configured the budget is shared by every process
// using the same key.
package middleware

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"goa.design/pulse/rmap"

	"goa.design/agentexec/runtime/agent/model"
)

type (
	// Options configures a Limiter.
	Options struct {
		// InitialTPM is the starting budget in tokens per minute. Defaults to
		// 60000.
		InitialTPM float64
		// MaxTPM caps recovery. Defaults to InitialTPM.
		MaxTPM float64
		// Map and Key share the budget across processes. Both are optional.
		Map *rmap.Map
		Key string
	}

	// Limiter is an adaptive token bucket in front of a model client.
	Limiter struct {
		mu      sync.Mutex
		bucket  *rate.Limiter
		tpm     float64
		floor   float64
		ceiling float64
		step    float64
		shared  sharedKey
	}

	// sharedBudget is the subset of rmap.Map used to share the budget.
	sharedBudget interface {
		Get(key string) (string, bool)
		SetIfNotExists(ctx context.Context, key, value string) (bool, error)
		TestAndSet(ctx context.Context, key, test, value string) (string, error)
		Subscribe() <-chan rmap.EventKind
	}

	sharedKey struct {
		m   sharedBudget
		key string
	}

	limited struct {
		next model.Client
		l    *Limiter
	}
)

const sharedUpdateAttempts = 3

// NewLimiter returns a Limiter. A failure to seed the shared budget falls
// back to a process-local limiter.
func NewLimiter(ctx context.Context, opts Options) *Limiter {
	var m sharedBudget
	if opts.Map != nil {
		m = opts.Map
	}
	return newLimiter(ctx, m, opts.Key, opts.InitialTPM, opts.MaxTPM)
}

func newLimiter(ctx context.Context, m sharedBudget, key string, initial, ceiling float64) *Limiter {
	if initial <= 0 {
		initial = 60000
	}
	if ceiling < initial {
		ceiling = initial
	}
	l := &Limiter{
		floor:   max(initial/10, 1),
		ceiling: ceiling,
		step:    max(initial/20, 1),
	}
	tpm := initial
	var events <-chan rmap.EventKind
	if m != nil && key != "" {
		if _, err := m.SetIfNotExists(ctx, key, format(initial)); err == nil {
			if v, ok := parse(m.Get(key)); ok {
				tpm = v
			}
			l.shared = sharedKey{m: m, key: key}
			events = m.Subscribe()
		}
	}
	l.tpm = min(max(tpm, l.floor), l.ceiling)
	l.bucket = rate.NewLimiter(rate.Limit(l.tpm/60), int(l.tpm))
	if events != nil {
		go l.follow(events)
	}
	return l
}

// Wrap returns next rate limited by l.
func (l *Limiter) Wrap(next model.Client) model.Client {
	return &limited{next: next, l: l}
}

// TPM returns the current budget.
func (l *Limiter) TPM() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tpm
}

func (c *limited) Stream(ctx context.Context, req model.Request) (model.Streamer, error) {
	if err := c.l.bucket.WaitN(ctx, min(estimateTokens(req), c.l.bucket.Burst())); err != nil {
		return nil, err
	}
	s, err := c.next.Stream(ctx, req)
	switch {
	case err == nil:
		c.l.adjust(func(tpm float64) float64 { return min(tpm+c.l.step, c.l.ceiling) })
	case errors.Is(err, model.ErrRateLimited):
		c.l.adjust(func(tpm float64) float64 { return max(tpm/2, c.l.floor) })
	}
	return s, err
}

// adjust applies fn locally and, when shared, to the shared budget.
func (l *Limiter) adjust(fn func(float64) float64) {
	l.mu.Lock()
	l.set(fn(l.tpm))
	shared := l.shared
	l.mu.Unlock()
	if shared.m != nil {
		go shared.update(fn)
	}
}

// set must be called with mu held.
func (l *Limiter) set(tpm float64) {
	tpm = min(max(tpm, l.floor), l.ceiling)
	if tpm == l.tpm {
		return
	}
	l.tpm = tpm
	l.bucket.SetLimit(rate.Limit(tpm / 60))
	l.bucket.SetBurst(int(tpm))
}

func (l *Limiter) follow(events <-chan rmap.EventKind) {
	for range events {
		l.mu.Lock()
		if v, ok := parse(l.shared.m.Get(l.shared.key)); ok {
			l.set(v)
		}
		l.mu.Unlock()
	}
}

func (s sharedKey) update(fn func(float64) float64) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for range sharedUpdateAttempts {
		cur, ok := s.m.Get(s.key)
		if !ok {
			return
		}
		v, ok := parse(cur, true)
		if !ok {
			return
		}
		next := format(fn(v))
		if next == cur {
			return
		}
		prev, err := s.m.TestAndSet(ctx, s.key, cur, next)
		if err != nil || prev == cur {
			return
		}
	}
}

// estimateTokens approximates the prompt size at one token per four bytes
// plus the completion cap.
func estimateTokens(req model.Request) int {
	n := len(req.System)
	for _, m := range req.Messages {
		n += len(m.Content)
	}
	return max(n/4, 1) + max(req.MaxTokens, 0)
}

func format(v float64) string { return strconv.FormatInt(int64(v), 10) }

func parse(s string, ok bool) (float64, bool) {
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}
