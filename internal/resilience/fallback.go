package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every entry in a [Chain] failed or had an
// open circuit breaker.
var ErrAllFailed = errors.New("resilience: all backends failed")

type entry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// Chain holds a primary backend and zero or more fallbacks of the same type,
// each behind its own [CircuitBreaker]. Entries are tried in registration
// order. Chain is safe for concurrent use once built.
type Chain[T any] struct {
	entries []entry[T]
	cfg     CircuitBreakerConfig
}

// NewChain creates a chain with primary as the first entry. cfg is the
// template for every entry's breaker; its Name is replaced per entry.
func NewChain[T any](primaryName string, primary T, cfg CircuitBreakerConfig) *Chain[T] {
	c := &Chain[T]{cfg: cfg}
	c.Add(primaryName, primary)
	return c
}

// Add appends a fallback. It must not be called concurrently with [Do].
func (c *Chain[T]) Add(name string, value T) {
	cfg := c.cfg
	cfg.Name = name
	c.entries = append(c.entries, entry[T]{name: name, value: value, breaker: NewCircuitBreaker(cfg)})
}

// Breaker returns the circuit breaker guarding the named entry, or nil.
func (c *Chain[T]) Breaker(name string) *CircuitBreaker {
	for i := range c.entries {
		if c.entries[i].name == name {
			return c.entries[i].breaker
		}
	}
	return nil
}

// Do calls fn against each entry until one succeeds and returns its result
// together with the name of the entry that served it. Entries with an open
// breaker are skipped. Cancellation of ctx stops the walk immediately and is
// not counted against the remaining entries.
func Do[T, R any](ctx context.Context, c *Chain[T], fn func(context.Context, T) (R, error)) (R, string, error) {
	var (
		zero    R
		lastErr error
	)
	for i := range c.entries {
		e := &c.entries[i]
		if err := ctx.Err(); err != nil {
			return zero, "", err
		}
		var result R
		err := e.breaker.Execute(func() error {
			var inner error
			result, inner = fn(ctx, e.value)
			return inner
		})
		if err == nil {
			return result, e.name, nil
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping backend, circuit open", "backend", e.name)
		} else {
			slog.Warn("backend failed, trying next", "backend", e.name, "err", err)
		}
	}
	return zero, "", fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
