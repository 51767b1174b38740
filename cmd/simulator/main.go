package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"os"
	"os/signal"
	"text/tabwriter"

	"github.com/signalsfoundry/orbiter-simulator/core"
	"github.com/signalsfoundry/orbiter-simulator/internal/logging"
	"github.com/signalsfoundry/orbiter-simulator/model"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err := run(ctx, os.Args[1:], os.Stdout)
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "simulator:", err)
		os.Exit(1)
	}
}

type options struct {
	scenario   string
	ticks      int
	timeScale  float64
	seed       uint64
	start      float64
	spawn      string
	printEvery int
	snapshot   string
}

func parseFlags(args []string, out io.Writer) (options, error) {
	var o options
	fs := flag.NewFlagSet("simulator", flag.ContinueOnError)
	fs.SetOutput(out)
	fs.StringVar(&o.scenario, "scenario", "", "YAML scenario (default: built-in solar system)")
	fs.IntVar(&o.ticks, "ticks", 60, "number of updates to run")
	fs.Float64Var(&o.timeScale, "time-scale", 3600, "simulated seconds per update (0 keeps the scenario's)")
	fs.Uint64Var(&o.seed, "seed", 1, "seed for random body placement")
	fs.Float64Var(&o.start, "start", 0, "simulation start time in unix seconds")
	fs.StringVar(&o.spawn, "spawn", "", "spawn a controllable craft around this body before running")
	fs.IntVar(&o.printEvery, "print-every", 10, "print a progress line every N updates (0 disables)")
	fs.StringVar(&o.snapshot, "snapshot", "", "write the final snapshot JSON to this file")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if o.ticks < 0 || o.timeScale < 0 {
		return options{}, fmt.Errorf("ticks and time-scale must not be negative")
	}
	return o, nil
}

func run(ctx context.Context, args []string, out io.Writer) error {
	o, err := parseFlags(args, out)
	if err != nil {
		return err
	}

	u, err := buildUniverse(o)
	if err != nil {
		return err
	}
	if o.spawn != "" {
		session, id, err := u.Spawn(o.spawn)
		if err != nil {
			return fmt.Errorf("spawn around %q: %w", o.spawn, err)
		}
		body, _ := u.Get(id)
		fmt.Fprintf(out, "Spawned %s around %s for session %s (%s)\n", body.Name, o.spawn, session, session.HumanHash())
	}

	fmt.Fprintf(out, "Starting simulation: ticks=%d, time-scale=%gs, substeps=%d\n", o.ticks, u.TimeScale(), core.DefaultSubsteps)

	transitions := 0
	engine := core.NewSimulationEngine(u)
	engine.RegisterTickListener(func(tick int, report core.TickReport) {
		for _, tr := range report.Transitions {
			transitions++
			fmt.Fprintf(out, "[tick %d] %s %s: %s -> %s\n", tick, tr.Name, tr.Kind, bodyName(u, tr.From), bodyName(u, tr.To))
		}
		if report.Err != nil {
			fmt.Fprintf(out, "[tick %d] warning: %v\n", tick, report.Err)
		}
		if o.printEvery > 0 && (tick+1)%o.printEvery == 0 {
			fmt.Fprintf(out, "[tick %d] t=%.0f integrated=%d skipped=%d\n", tick, report.SimTime, report.Integrated, report.Skipped)
		}
	})
	completed := engine.Run(ctx, o.ticks)

	fmt.Fprintf(out, "Simulation complete: %d updates, %.0f simulated seconds, %d SOI transitions.\n",
		completed, u.SimTime()-u.StartTime(), transitions)
	printBodies(out, u)

	if o.snapshot != "" {
		data, err := u.MarshalJSON()
		if err != nil {
			return fmt.Errorf("encode snapshot: %w", err)
		}
		if err := os.WriteFile(o.snapshot, data, 0o644); err != nil {
			return fmt.Errorf("write snapshot: %w", err)
		}
	}
	return nil
}

func buildUniverse(o options) (*core.Universe, error) {
	opts := []core.UniverseOption{
		core.WithRand(rand.New(rand.NewPCG(o.seed, o.seed))),
		core.WithLogger(logging.NewFromEnv()),
	}

	var u *core.Universe
	if o.scenario != "" {
		f, err := os.Open(o.scenario)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		u, _, err = core.LoadScenario(f, o.start, opts...)
		if err != nil {
			return nil, err
		}
	} else {
		var err error
		u, err = core.NewSolarSystem(o.start, opts...)
		if err != nil {
			return nil, err
		}
	}

	if o.timeScale > 0 {
		if err := u.SetTimeScale(o.timeScale); err != nil {
			return nil, err
		}
	}
	return u, nil
}

func bodyName(u *core.Universe, id model.CelestialID) string {
	if b, ok := u.Get(id); ok {
		return b.Name
	}
	return id.String()
}

// printBodies writes one row per live body, in slot order.
func printBodies(out io.Writer, u *core.Universe) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "BODY\tPARENT\tA (AU)\tE\tI (deg)\tDIST (AU)")
	for _, b := range u.Store().IterLive() {
		parent := "-"
		if b.Parent != nil {
			parent = bodyName(u, *b.Parent)
		}
		el := b.OrbitalElements
		fmt.Fprintf(tw, "%s\t%s\t%.6g\t%.4f\t%.2f\t%.6g\n",
			b.Name, parent,
			el.SemimajorAxis, el.Eccentricity, el.Inclination*180/math.Pi,
			b.Position.Norm(),
		)
	}
	_ = tw.Flush()
}
