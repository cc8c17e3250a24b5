package health

import (
	"context"
	"sync"
)

// Check reports the current health of one dependency.
type Check func(ctx context.Context) Status

type namedCheck struct {
	name  string
	check Check
}

// Checker runs registered checks in registration order.
type Checker struct {
	system string

	mu     sync.RWMutex
	checks []namedCheck
}

// NewChecker creates a checker whose aggregate status is named system.
func NewChecker(system string) *Checker {
	return &Checker{system: system}
}

// Register adds a check. A later registration under the same name replaces
// the earlier one.
func (c *Checker) Register(name string, check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.checks {
		if c.checks[i].name == name {
			c.checks[i].check = check
			return
		}
	}
	c.checks = append(c.checks, namedCheck{name: name, check: check})
}

// Run executes every check and aggregates the results.
func (c *Checker) Run(ctx context.Context) Status {
	c.mu.RLock()
	checks := append([]namedCheck(nil), c.checks...)
	c.mu.RUnlock()

	subs := make([]Status, 0, len(checks))
	for _, nc := range checks {
		status := nc.check(ctx)
		status.Component = nc.name
		subs = append(subs, status)
	}
	return Aggregate(c.system, subs)
}
