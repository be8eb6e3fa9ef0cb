package dispatch

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

// CronTrigger calls fn on every tick of a cron expression.
type CronTrigger struct {
	expr string
	fn   func(ctx context.Context) error
	now  func() time.Time
}

func NewCronTrigger(expr string, fn func(ctx context.Context) error) (*CronTrigger, error) {
	expr = strings.TrimSpace(expr)
	if !gronx.New().IsValid(expr) {
		return nil, fmt.Errorf("invalid cron expression %q", expr)
	}
	return &CronTrigger{expr: expr, fn: fn, now: time.Now}, nil
}

// Next returns the first tick strictly after ref.
func (c *CronTrigger) Next(ref time.Time) (time.Time, error) {
	return gronx.NextTickAfter(c.expr, ref, false)
}

// Run blocks until ctx is done. A tick that fails is logged and the
// schedule carries on.
func (c *CronTrigger) Run(ctx context.Context) error {
	for {
		next, err := c.Next(c.now())
		if err != nil {
			return fmt.Errorf("next tick of %q: %w", c.expr, err)
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		if err := c.fn(ctx); err != nil && ctx.Err() == nil {
			log.Printf("dispatch: cron tick failed: %v", err)
		}
	}
}
