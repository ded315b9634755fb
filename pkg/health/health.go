// Package health runs named readiness checks and serves them as JSON.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Status represents the health status.
type Status string

const (
	StatusUp   Status = "UP"
	StatusDown Status = "DOWN"
)

// Check is a single named readiness probe.
type Check interface {
	Check(ctx context.Context) error
	Name() string
}

// Checker manages a set of checks.
type Checker struct {
	mu     sync.RWMutex
	checks []Check
}

// NewChecker creates an empty checker.
func NewChecker() *Checker {
	return &Checker{}
}

// Register adds a check.
func (c *Checker) Register(check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks = append(c.checks, check)
}

// Run performs all checks and returns per-check results.
func (c *Checker) Run(ctx context.Context) map[string]error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	results := make(map[string]error, len(c.checks))
	for _, check := range c.checks {
		results[check.Name()] = check.Check(ctx)
	}
	return results
}

// Handler serves the aggregated status. 200 when every check passes, 503
// otherwise.
func (c *Checker) Handler() http.Handler {
	type entry struct {
		Status Status `json:"status"`
		Error  string `json:"error,omitempty"`
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		body := make(map[string]entry)
		healthy := true
		for name, err := range c.Run(ctx) {
			e := entry{Status: StatusUp}
			if err != nil {
				e = entry{Status: StatusDown, Error: err.Error()}
				healthy = false
			}
			body[name] = e
		}

		w.Header().Set("Content-Type", "application/json")
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if err := json.NewEncoder(w).Encode(body); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
}

// CheckFunc adapts a function to the Check interface.
type CheckFunc struct {
	name string
	fn   func(ctx context.Context) error
}

// NewCheckFunc creates a named check from a function.
func NewCheckFunc(name string, fn func(ctx context.Context) error) *CheckFunc {
	return &CheckFunc{name: name, fn: fn}
}

func (c *CheckFunc) Check(ctx context.Context) error { return c.fn(ctx) }
func (c *CheckFunc) Name() string                    { return c.name }
