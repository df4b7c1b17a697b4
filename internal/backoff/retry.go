// Package backoff converts errors into randomized exponential delays.
package backoff

import (
	"context"
	"math/rand/v2"
	"time"
)

// Config controls Retry.
//
// Report, if non-nil, is called with every failure. It may return a non-nil
// error to stop retrying when waiting will not help.
type Config struct {
	Report  func(error) error
	MinWait time.Duration
	MaxWait time.Duration
}

// Retry calls try until it succeeds, Report aborts, or ctx ends. If ctx is
// already done, try is never called.
func (c Config) Retry(ctx context.Context, try func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	backoff := c.MinWait
	if backoff <= 0 {
		backoff = time.Millisecond
	}
	for {
		before := time.Now()
		err := try()
		if err == nil {
			return nil
		}
		elapsed := time.Since(before)

		if c.Report != nil {
			if err := c.Report(err); err != nil {
				return err
			}
		}

		// the attempt's own duration is the floor for the next wait
		if backoff < elapsed {
			backoff = elapsed
		}
		backoff += rand.N(backoff)
		if c.MaxWait > 0 && backoff > c.MaxWait {
			backoff = c.MaxWait
		}

		t := time.NewTimer(backoff)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
}
