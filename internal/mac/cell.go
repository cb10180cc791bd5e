package mac

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/signalsfoundry/enb-scheduler/kb"
	"github.com/signalsfoundry/enb-scheduler/timectrl"
)

// CellOptions configures a Cell.
type CellOptions struct {
	Options
	// Parallel runs the carrier passes of one TTI concurrently.
	Parallel bool
}

// Cell drives one Scheduler per configured carrier off a shared clock.
type Cell struct {
	db       *kb.UEDatabase
	clock    *timectrl.Clock
	parallel bool
	scheds   []*Scheduler
	byIndex  map[uint32]*Scheduler
}

// NewCell builds a scheduler for every carrier of db.
func NewCell(db *kb.UEDatabase, clock *timectrl.Clock, opts CellOptions) (*Cell, error) {
	if db == nil || clock == nil {
		return nil, errors.New("cell needs a ue database and a clock")
	}
	c := &Cell{
		db:       db,
		clock:    clock,
		parallel: opts.Parallel,
		byIndex:  make(map[uint32]*Scheduler),
	}
	for _, cfg := range db.Carriers() {
		s, err := NewScheduler(cfg, db, opts.Options)
		if err != nil {
			return nil, err
		}
		c.scheds = append(c.scheds, s)
		c.byIndex[cfg.Index] = s
	}
	if len(c.scheds) == 0 {
		return nil, errors.New("cell has no carriers")
	}
	return c, nil
}

// Schedulers returns the carrier schedulers in index order.
func (c *Cell) Schedulers() []*Scheduler {
	return append([]*Scheduler(nil), c.scheds...)
}

// Scheduler returns the scheduler of one carrier.
func (c *Cell) Scheduler(index uint32) (*Scheduler, bool) {
	s, ok := c.byIndex[index]
	return s, ok
}

// Clock returns the shared TTI clock.
func (c *Cell) Clock() *timectrl.Clock { return c.clock }

// RunTTI runs every carrier for now. Results are returned in carrier
// order; a failed carrier leaves a nil entry and its error is joined into
// the returned error. The other carriers are unaffected.
func (c *Cell) RunTTI(ctx context.Context, now timectrl.TTI) ([]*Result, error) {
	results := make([]*Result, len(c.scheds))
	errs := make([]error, len(c.scheds))

	if !c.parallel {
		for i, s := range c.scheds {
			results[i], errs[i] = s.RunTTI(ctx, now)
		}
		return results, errors.Join(errs...)
	}

	// errors stay per carrier so one halted carrier never cancels its
	// siblings; the group only waits
	var g errgroup.Group
	for i, s := range c.scheds {
		g.Go(func() error {
			results[i], errs[i] = s.RunTTI(ctx, now)
			return nil
		})
	}
	_ = g.Wait()
	return results, errors.Join(errs...)
}

// Step runs the current TTI and advances the clock.
func (c *Cell) Step(ctx context.Context) (timectrl.TTI, []*Result, error) {
	now := c.clock.Now()
	results, err := c.RunTTI(ctx, now)
	c.clock.Advance()
	return now, results, err
}
