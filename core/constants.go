package core

import "math"

// AU is the astronomical unit in kilometres. Distances inside the
// simulation are in AU, so gravitational parameters given in km^3/s^2 are
// divided by AU^3.
const AU = 149597871.0

// GMSun is the Sun's gravitational parameter in AU^3/s^2.
const GMSun = 1.327124400e11 / AU / AU / AU

// DefaultSubsteps is the number of integration substeps per Update.
const DefaultSubsteps = 100

// DefaultRenormalizeEvery is how many substeps pass between quaternion
// renormalizations.
const DefaultRenormalizeEvery = 64

const (
	// soiExitFactor is applied to the parent's SOI radius before a child
	// counts as having left it.
	soiExitFactor = 1.01
	// soiEntryFactor is applied to a sibling's SOI radius before a child
	// counts as having entered it.
	soiEntryFactor = 0.99
)

// elementsEpsilon guards the node and eccentricity vectors against
// division by (near) zero. It is a magnitude floor, not machine epsilon.
const elementsEpsilon = 1e-40

const radPerDeg = math.Pi / 180

// KmToAU converts kilometres to AU.
func KmToAU(km float64) float64 { return km / AU }

// GMFromKm converts a gravitational parameter in km^3/s^2 to AU^3/s^2.
func GMFromKm(gm float64) float64 { return gm / AU / AU / AU }
