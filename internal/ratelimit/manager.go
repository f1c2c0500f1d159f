// Package ratelimit tracks remote API call budgets per category over a sliding window.
package ratelimit

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	// DefaultCategory is used for calls whose category has no configured limit.
	DefaultCategory = "default"

	defaultBackoffBase = time.Second
	defaultBackoffMax  = 32 * time.Second
)

// Limit caps the number of calls admitted within a trailing window.
type Limit struct {
	// Calls is the maximum number of calls within Window.
	Calls int

	// Window is the length of the sliding window.
	Window time.Duration
}

func (l Limit) validate() error {
	if l.Calls <= 0 {
		return fmt.Errorf("calls must be positive, got %d", l.Calls)
	}
	if l.Window <= 0 {
		return fmt.Errorf("window must be positive, got %v", l.Window)
	}
	return nil
}

// Config holds the configuration for creating a Manager.
type Config struct {
	// BackoffBase is the first delay of the exponential backoff sequence (default 1s).
	BackoffBase time.Duration

	// BackoffMax caps the backoff sequence (default 32s).
	BackoffMax time.Duration

	// Default applies to categories without an explicit entry in Limits.
	Default Limit

	// Limits holds per-category limits, e.g. "search" or "mutate".
	Limits map[string]Limit

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

func (c *Config) validate() error {
	var errs []error
	if err := c.Default.validate(); err != nil {
		errs = append(errs, fmt.Errorf("default limit: %w", err))
	}
	for name, l := range c.Limits {
		if err := l.validate(); err != nil {
			errs = append(errs, fmt.Errorf("limit %q: %w", name, err))
		}
	}
	if c.BackoffBase < 0 || c.BackoffMax < 0 {
		errs = append(errs, errors.New("backoff durations cannot be negative"))
	}
	return errors.Join(errs...)
}

// Manager admits calls per category using a FIFO log of admission timestamps.
// It is safe for concurrent use.
type Manager struct {
	backoffBase time.Duration
	backoffMax  time.Duration
	categories  map[string]*category
	defaultCap  Limit
	limits      map[string]Limit
	mu          sync.Mutex
	now         func() time.Time
}

// category is the per-category call log and backoff position.
type category struct {
	calls    []time.Time
	limit    Limit
	failures int
}

// Stats is a point-in-time view of a category.
type Stats struct {
	// Available is the number of calls that could be admitted right now.
	Available int

	// InWindow is the number of calls admitted within the current window.
	InWindow int

	// Limit is the limit applied to the category.
	Limit Limit
}

// New creates a new Manager.
func New(cfg Config) (*Manager, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	base := cfg.BackoffBase
	if base == 0 {
		base = defaultBackoffBase
	}
	maxDelay := cfg.BackoffMax
	if maxDelay == 0 {
		maxDelay = defaultBackoffMax
	}
	maxDelay = max(maxDelay, base)

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	limits := make(map[string]Limit, len(cfg.Limits))
	for k, v := range cfg.Limits {
		limits[k] = v
	}

	return &Manager{
		backoffBase: base,
		backoffMax:  maxDelay,
		categories:  make(map[string]*category),
		defaultCap:  cfg.Default,
		limits:      limits,
		now:         now,
	}, nil
}

// Allow reports whether a call in the category may proceed now. An allowed call is
// recorded against the window immediately, so concurrent callers can never exceed the cap.
func (m *Manager) Allow(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	c := m.category(name)
	c.prune(now)

	if len(c.calls) >= c.limit.Calls {
		return false
	}

	c.calls = append(c.calls, now)
	return true
}

// RecordCall marks a successful remote call in the category and resets its backoff sequence.
func (m *Manager) RecordCall(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.category(name).failures = 0
}

// BackoffDelay returns the next delay of the category's exponential backoff sequence
// (base, 2*base, 4*base, ... capped at the configured maximum) and advances it.
func (m *Manager) BackoffDelay(name string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.category(name)
	delay := m.backoffBase
	for i := 0; i < c.failures && delay < m.backoffMax; i++ {
		delay *= 2
	}
	c.failures++

	return min(delay, m.backoffMax)
}

// Stats returns the current state of the category.
func (m *Manager) Stats(name string) Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.category(name)
	c.prune(m.now())

	return Stats{
		Available: max(c.limit.Calls-len(c.calls), 0),
		InWindow:  len(c.calls),
		Limit:     c.limit,
	}
}

// category returns the state for name, creating it on first use.
// Must be called with mu held.
func (m *Manager) category(name string) *category {
	if name == "" {
		name = DefaultCategory
	}

	c, ok := m.categories[name]
	if ok {
		return c
	}

	limit, ok := m.limits[name]
	if !ok {
		limit = m.defaultCap
	}

	c = &category{limit: limit}
	m.categories[name] = c
	return c
}

// prune drops admissions that have left the window.
func (c *category) prune(now time.Time) {
	cutoff := 0
	for cutoff < len(c.calls) && now.Sub(c.calls[cutoff]) >= c.limit.Window {
		cutoff++
	}
	if cutoff > 0 {
		c.calls = append(c.calls[:0], c.calls[cutoff:]...)
	}
}
