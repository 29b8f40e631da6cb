// Package preflight runs a sequence of named readiness checks, such as
// the ones node.WithPreflight runs before a Node issues its first
// registration request — most commonly, a TCP reachability probe of the
// hub endpoint.
package preflight

import (
	"context"
	"fmt"

	"github.com/nodewire/nodewire/log"
)

// Check is a single named readiness probe.
type Check interface {
	Name() string
	Run(ctx context.Context) error
}

// Checker runs a list of Checks in order, stopping at the first failure.
type Checker struct {
	checks []Check
	log    log.Logger
}

// New returns an empty Checker.
func New(logger log.Logger) *Checker {
	return &Checker{
		checks: make([]Check, 0),
		log:    logger,
	}
}

// Add appends check to the list and returns the Checker for chaining.
func (c *Checker) Add(check Check) *Checker {
	c.checks = append(c.checks, check)
	return c
}

// RunAll runs every check in order, returning the first error encountered.
func (c *Checker) RunAll(ctx context.Context) error {
	if len(c.checks) == 0 {
		c.log.Debugf("No preflight checks configured")
		return nil
	}

	c.log.Infof("Running %d preflight checks", len(c.checks))

	for _, check := range c.checks {
		c.log.Debugf("Running preflight check: %s", check.Name())

		if err := check.Run(ctx); err != nil {
			c.log.Errorf("Preflight check failed: %s - %v", check.Name(), err)
			return fmt.Errorf("preflight check %q failed: %w", check.Name(), err)
		}

		c.log.Infof("Preflight check passed: %s", check.Name())
	}

	c.log.Infof("All preflight checks passed")
	return nil
}
