package core

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/signalsfoundry/orbiter-simulator/internal/logging"
	"github.com/signalsfoundry/orbiter-simulator/kb"
	"github.com/signalsfoundry/orbiter-simulator/model"
)

// StepResult summarises one integration substep.
type StepResult struct {
	// Integrated counts children whose state advanced.
	Integrated int
	// Skipped counts children that could not be resolved this substep.
	Skipped int
	// Reparented is set when at least one SOI transition happened.
	Reparented bool
	// Err joins every claim conflict seen during the substep. A conflict
	// means the traversal tried to hold one body twice.
	Err error
}

// Integrator advances every child under its immediate parent's gravity.
// Bodies never feel siblings or more distant ancestors.
type Integrator struct {
	// RenormalizeEvery is the number of substeps between quaternion
	// renormalizations; zero disables it.
	RenormalizeEvery int

	soi   *SOIManager
	log   logging.Logger
	steps int
}

// NewIntegrator builds an integrator that reports SOI crossings of
// controllable bodies to soi. A nil soi disables transitions.
func NewIntegrator(soi *SOIManager, log logging.Logger) *Integrator {
	return &Integrator{
		RenormalizeEvery: DefaultRenormalizeEvery,
		soi:              soi,
		log:              logging.OrNoop(log),
	}
}

// Step runs one substep of length h over the whole store.
func (in *Integrator) Step(ctx context.Context, store *kb.BodyStore, h float64) StepResult {
	var (
		res  StepResult
		errs []error
	)

	if in.soi != nil {
		in.soi.BeginStep()
	}

	root := store.Tracker()
	defer root.Release()

	for parentID := range root.IterLive() {
		parent, view, err := root.Exclude(parentID)
		if err != nil {
			errs = append(errs, fmt.Errorf("claim parent %s: %w", parentID, err))
			continue
		}
		children := parent.Children
		if in.soi != nil {
			children = append(children[:len(children):len(children)], in.soi.Adopted(parentID, parent.Children)...)
		}

		for _, childID := range children {
			child, sub, err := view.Exclude(childID)
			if err != nil {
				res.Skipped++
				if errors.Is(err, kb.ErrAlreadyClaimed) {
					errs = append(errs, fmt.Errorf("claim child %s of %q: %w", childID, parent.Name, err))
					continue
				}
				in.log.Debug(ctx, "skipping unresolved child",
					logging.String("parent", parent.Name),
					logging.String("child", childID.String()),
					logging.Err(err),
				)
				continue
			}

			// The children cache may still list a body that moved to
			// another parent earlier in this tick.
			if !child.ParentIs(parentID) {
				sub.Release()
				continue
			}

			if advance(child, parent.GM, h) {
				res.Integrated++
			}
			if child.Controllable && in.soi != nil {
				if tr, ok := in.soi.Check(parentID, parent, childID, child, sub); ok {
					res.Reparented = true
					in.log.Debug(ctx, "soi transition",
						logging.String("body", child.Name),
						logging.String("kind", tr.Kind.String()),
						logging.String("from", tr.From.String()),
						logging.String("to", tr.To.String()),
					)
				}
			}
			sub.Release()
		}
		view.Release()
	}

	in.steps++
	if in.RenormalizeEvery > 0 && in.steps%in.RenormalizeEvery == 0 {
		for _, body := range store.IterLive() {
			body.Quaternion = body.Quaternion.Normalize()
		}
	}

	res.Err = errors.Join(errs...)
	return res
}

// advance applies one predictor/corrector substep to c around a parent
// with gravitational parameter gm. Bodies sitting exactly on the parent
// are left alone.
func advance(c *model.CelestialBody, gm, h float64) bool {
	r0 := c.Position
	r2 := r0.Norm2()
	if r2 == 0 {
		return false
	}

	a0 := r0.Normalize().Scale(-h * gm / r2)
	halfV := c.Velocity.Add(a0.Scale(0.5))

	mid := r0.Add(c.Velocity.Scale(h / 2))
	var a1 model.Vec3
	if m2 := mid.Norm2(); m2 != 0 {
		a1 = mid.Normalize().Scale(-h * gm / m2)
	}

	c.Velocity = c.Velocity.Add(a1)
	c.Position = r0.Add(halfV.Scale(h))

	if w2 := c.AngularVelocity.Norm2(); w2 > 0 {
		w := math.Sqrt(w2)
		// The delta rotation goes on the left.
		delta := model.QuatFromAxisAngle(c.AngularVelocity.Scale(1/w), w*h)
		c.Quaternion = delta.Mul(c.Quaternion)
	}
	return true
}
