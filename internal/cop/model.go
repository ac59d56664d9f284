// Package cop fits quadratic coefficient-of-performance models from the
// heat pump manufacturer performance points and evaluates them against
// outdoor temperature.
package cop

import (
	"errors"
	"fmt"
	"math"

	"github.com/rueda1208/hems-controller/internal/config"
)

var (
	ErrTooFewPoints = errors.New("need at least 3 COP points for a quadratic fit")
	ErrSingularFit  = errors.New("COP points produce a singular fit")
)

// Point is one manufacturer performance sample.
type Point struct {
	OutdoorTempC float64
	COP          float64
}

// Model is a fitted quadratic COP curve.
type Model struct {
	// coefficients for c0 + c1*x + c2*x^2
	c0, c1, c2 float64
}

// Eval returns the modeled COP at the given outdoor temperature.
func (m *Model) Eval(outdoorTempC float64) float64 {
	return m.c0 + m.c1*outdoorTempC + m.c2*outdoorTempC*outdoorTempC
}

// Fit computes a degree-2 least-squares fit over the given points.
func Fit(points []Point) (*Model, error) {
	if len(points) < 3 {
		return nil, fmt.Errorf("%w: got %d", ErrTooFewPoints, len(points))
	}

	// Normal equations for a quadratic fit: accumulate the power sums of x
	// and the moment sums of y, then solve the 3x3 system.
	var s [5]float64 // sum of x^0 .. x^4
	var t [3]float64 // sum of y*x^0 .. y*x^2
	for _, p := range points {
		x := p.OutdoorTempC
		xp := 1.0
		for i := 0; i < 5; i++ {
			s[i] += xp
			if i < 3 {
				t[i] += p.COP * xp
			}
			xp *= x
		}
	}

	a := [3][4]float64{
		{s[0], s[1], s[2], t[0]},
		{s[1], s[2], s[3], t[1]},
		{s[2], s[3], s[4], t[2]},
	}

	coeffs, err := solve3(a)
	if err != nil {
		return nil, err
	}

	return &Model{c0: coeffs[0], c1: coeffs[1], c2: coeffs[2]}, nil
}

// solve3 performs Gaussian elimination with partial pivoting on an
// augmented 3x4 system.
func solve3(a [3][4]float64) ([3]float64, error) {
	var x [3]float64

	for col := 0; col < 3; col++ {
		pivot := col
		for row := col + 1; row < 3; row++ {
			if math.Abs(a[row][col]) > math.Abs(a[pivot][col]) {
				pivot = row
			}
		}
		if math.Abs(a[pivot][col]) < 1e-12 {
			return x, ErrSingularFit
		}
		a[col], a[pivot] = a[pivot], a[col]

		for row := col + 1; row < 3; row++ {
			factor := a[row][col] / a[col][col]
			for k := col; k < 4; k++ {
				a[row][k] -= factor * a[col][k]
			}
		}
	}

	for row := 2; row >= 0; row-- {
		sum := a[row][3]
		for k := row + 1; k < 3; k++ {
			sum -= a[row][k] * x[k]
		}
		x[row] = sum / a[row][row]
	}

	return x, nil
}

// Models bundles the per-mode curves.
type Models struct {
	Heating *Model
	Cooling *Model
}

// FromSpecs fits both mode models from the configured performance specs.
func FromSpecs(specs config.PerformanceSpecs) (*Models, error) {
	heating, err := Fit(specPoints(specs.Heating))
	if err != nil {
		return nil, fmt.Errorf("heating model: %w", err)
	}

	cooling, err := Fit(specPoints(specs.Cooling))
	if err != nil {
		return nil, fmt.Errorf("cooling model: %w", err)
	}

	return &Models{Heating: heating, Cooling: cooling}, nil
}

func specPoints(spec config.ModeSpec) []Point {
	points := make([]Point, 0, len(spec.COPPoints))
	for _, p := range spec.COPPoints {
		points = append(points, Point{OutdoorTempC: p.OutdoorDryBulbC, COP: p.Max})
	}
	return points
}
