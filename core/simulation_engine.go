package core

import "context"

// SimulationEngine runs a universe for a fixed number of server ticks
// without a wall clock, for batch runs and tests.
type SimulationEngine struct {
	Universe      *Universe
	tickListeners []func(int, TickReport)
}

func NewSimulationEngine(u *Universe) *SimulationEngine {
	return &SimulationEngine{
		Universe:      u,
		tickListeners: []func(int, TickReport){},
	}
}

func (se *SimulationEngine) RegisterTickListener(fn func(int, TickReport)) {
	se.tickListeners = append(se.tickListeners, fn)
}

// Run performs ticks Updates, stopping early when ctx is cancelled. It
// returns the number of ticks completed.
func (se *SimulationEngine) Run(ctx context.Context, ticks int) int {
	for tick := 0; tick < ticks; tick++ {
		if ctx.Err() != nil {
			return tick
		}
		report := se.Universe.Update(ctx)

		for _, fn := range se.tickListeners {
			fn(tick, report)
		}
	}
	return ticks
}
