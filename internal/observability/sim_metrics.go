package observability

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// TickSample is what the simulation reports after each universe tick.
type TickSample struct {
	Duration     time.Duration
	Bodies       int
	Controllable int
	Repaired     bool
	// Transitions counts SOI transitions by kind ("exit", "entry").
	Transitions map[string]int
	// Conflict is set when the tick reported claim conflicts.
	Conflict bool
}

// SimCollector exposes simulation-loop Prometheus metrics.
type SimCollector struct {
	gatherer prometheus.Gatherer

	TickDuration   prometheus.Histogram
	TicksTotal     prometheus.Counter
	Bodies         prometheus.Gauge
	Controllable   prometheus.Gauge
	SOITransitions *prometheus.CounterVec
	TreeRepairs    prometheus.Counter
	ClaimConflicts prometheus.Counter
	Snapshots      *prometheus.CounterVec
}

// NewSimCollector registers simulation metrics against the provided registerer.
func NewSimCollector(reg prometheus.Registerer) (*SimCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	tickHistogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "orbiter_tick_duration_seconds",
		Help:    "Wall time spent in one universe tick, substeps included.",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	})
	tickHistogram, err := registerHistogram(reg, tickHistogram, "orbiter_tick_duration_seconds")
	if err != nil {
		return nil, err
	}

	ticks, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orbiter_ticks_total",
		Help: "Cumulative number of universe ticks.",
	}), "orbiter_ticks_total")
	if err != nil {
		return nil, err
	}

	bodies, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "orbiter_bodies",
		Help: "Current number of live bodies in the universe.",
	}), "orbiter_bodies")
	if err != nil {
		return nil, err
	}

	controllable, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "orbiter_controllable_bodies",
		Help: "Current number of live controllable bodies.",
	}), "orbiter_controllable_bodies")
	if err != nil {
		return nil, err
	}

	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orbiter_soi_transitions_total",
		Help: "Cumulative number of sphere-of-influence transitions, labeled by kind.",
	}, []string{"kind"})
	transitions, err = registerCounterVec(reg, transitions, "orbiter_soi_transitions_total")
	if err != nil {
		return nil, err
	}

	repairs, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orbiter_tree_repairs_total",
		Help: "Cumulative number of children-cache rebuilds.",
	}), "orbiter_tree_repairs_total")
	if err != nil {
		return nil, err
	}

	conflicts, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orbiter_claim_conflicts_total",
		Help: "Ticks that reported a body claimed twice during traversal.",
	}), "orbiter_claim_conflicts_total")
	if err != nil {
		return nil, err
	}

	snapshots := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orbiter_snapshots_total",
		Help: "Snapshot saves and loads, labeled by operation and result.",
	}, []string{"op", "result"})
	snapshots, err = registerCounterVec(reg, snapshots, "orbiter_snapshots_total")
	if err != nil {
		return nil, err
	}

	return &SimCollector{
		gatherer:       gatherer,
		TickDuration:   tickHistogram,
		TicksTotal:     ticks,
		Bodies:         bodies,
		Controllable:   controllable,
		SOITransitions: transitions,
		TreeRepairs:    repairs,
		ClaimConflicts: conflicts,
		Snapshots:      snapshots,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *SimCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// RecordTick folds one tick sample into the metrics.
func (c *SimCollector) RecordTick(s TickSample) {
	if c == nil {
		return
	}
	if c.TickDuration != nil {
		c.TickDuration.Observe(s.Duration.Seconds())
	}
	if c.TicksTotal != nil {
		c.TicksTotal.Inc()
	}
	c.SetBodyCounts(s.Bodies, s.Controllable)
	if s.Repaired && c.TreeRepairs != nil {
		c.TreeRepairs.Inc()
	}
	if s.Conflict && c.ClaimConflicts != nil {
		c.ClaimConflicts.Inc()
	}
	if c.SOITransitions != nil {
		for kind, n := range s.Transitions {
			c.SOITransitions.WithLabelValues(kind).Add(float64(n))
		}
	}
}

// SetBodyCounts updates the body gauges.
func (c *SimCollector) SetBodyCounts(bodies, controllable int) {
	if c == nil {
		return
	}
	if c.Bodies != nil {
		c.Bodies.Set(float64(bodies))
	}
	if c.Controllable != nil {
		c.Controllable.Set(float64(controllable))
	}
}

// RecordSnapshot counts a snapshot save or load.
func (c *SimCollector) RecordSnapshot(op string, err error) {
	if c == nil || c.Snapshots == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.Snapshots.WithLabelValues(op, result).Inc()
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}
