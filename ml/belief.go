package ml

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// ReferenceClass is pinned at the zero weight vector.
const ReferenceClass = 0

// Belief is a Gaussian over one class's weight vector, held in moment form.
// A point mass has a nil Covariance.
type Belief struct {
	Mean       *mat.VecDense
	Covariance *mat.SymDense
	PointMass  bool
}

// NewPrior returns the initial belief for a class: a point mass at zero for
// the reference class, a zero-mean unit-precision Gaussian otherwise.
func NewPrior(class, dim int) Belief {
	if class == ReferenceClass {
		return PointMassBelief(dim)
	}
	return IsotropicBelief(dim, 1)
}

func PointMassBelief(dim int) Belief {
	return Belief{Mean: mat.NewVecDense(dim, nil), PointMass: true}
}

func IsotropicBelief(dim int, precision float64) Belief {
	cov := mat.NewSymDense(dim, nil)
	for i := 0; i < dim; i++ {
		cov.SetSym(i, i, 1/precision)
	}
	return Belief{Mean: mat.NewVecDense(dim, nil), Covariance: cov}
}

func newPriors(numClasses, dim int) []Belief {
	priors := make([]Belief, numClasses)
	for i := range priors {
		priors[i] = NewPrior(i, dim)
	}
	return priors
}

func (b Belief) Dimension() int {
	if b.Mean == nil {
		return 0
	}
	return b.Mean.Len()
}

func (b Belief) Clone() Belief {
	out := Belief{PointMass: b.PointMass}
	if b.Mean != nil {
		out.Mean = mat.VecDenseCopyOf(b.Mean)
	}
	if b.Covariance != nil {
		n, _ := b.Covariance.Dims()
		out.Covariance = mat.NewSymDense(n, nil)
		out.Covariance.CopySym(b.Covariance)
	}
	return out
}

// AsPrior returns a copy of the belief to seed the next update.
func (b Belief) AsPrior() Belief {
	return b.Clone()
}

// Precision returns the inverse covariance.
func (b Belief) Precision() (*mat.SymDense, error) {
	if b.PointMass {
		return nil, ErrPointMass
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(b.Covariance); !ok {
		return nil, fmt.Errorf("covariance is not positive definite: %w", ErrNumeric)
	}
	prec := mat.NewSymDense(b.Dimension(), nil)
	if err := chol.InverseTo(prec); err != nil {
		return nil, fmt.Errorf("invert covariance: %v: %w", err, ErrNumeric)
	}
	return prec, nil
}

// Project returns the mean and variance of <w, x> under the belief.
func (b Belief) Project(x mat.Vector) (float64, float64) {
	mean := mat.Dot(b.Mean, x)
	if b.PointMass {
		return mean, 0
	}
	return mean, mat.Inner(x, b.Covariance, x)
}

func cloneBeliefs(beliefs []Belief) []Belief {
	out := make([]Belief, len(beliefs))
	for i, b := range beliefs {
		out[i] = b.Clone()
	}
	return out
}

// Evidence is a Gaussian message in natural parameters: the precision it adds
// and the precision-weighted mean it adds. The zero value is a flat message.
type Evidence struct {
	Precision *mat.SymDense
	Shift     *mat.VecDense
}

func NewEvidence(dim int) Evidence {
	return Evidence{Precision: mat.NewSymDense(dim, nil), Shift: mat.NewVecDense(dim, nil)}
}

func (e Evidence) IsZero() bool {
	return e.Precision == nil
}

func (e Evidence) Clone() Evidence {
	if e.IsZero() {
		return Evidence{}
	}
	n, _ := e.Precision.Dims()
	out := NewEvidence(n)
	out.Precision.CopySym(e.Precision)
	out.Shift.CopyVec(e.Shift)
	return out
}

func (e *Evidence) addRankOne(x mat.Vector, tau, nu float64) {
	e.Precision.SymRankOne(e.Precision, tau, x)
	e.Shift.AddScaledVec(e.Shift, nu, x)
}

func (e *Evidence) add(o Evidence) {
	if o.IsZero() {
		return
	}
	e.Precision.AddSym(e.Precision, o.Precision)
	e.Shift.AddVec(e.Shift, o.Shift)
}

// naturalOf converts a proper belief to natural parameters.
func naturalOf(b Belief) (Evidence, error) {
	prec, err := b.Precision()
	if err != nil {
		return Evidence{}, err
	}
	shift := mat.NewVecDense(b.Dimension(), nil)
	shift.MulVec(prec, b.Mean)
	return Evidence{Precision: prec, Shift: shift}, nil
}

// fromNatural converts natural parameters back to moment form.
func fromNatural(e Evidence) (Belief, error) {
	n, _ := e.Precision.Dims()
	var chol mat.Cholesky
	if ok := chol.Factorize(e.Precision); !ok {
		return Belief{}, fmt.Errorf("precision is not positive definite: %w", ErrNumeric)
	}
	cov := mat.NewSymDense(n, nil)
	if err := chol.InverseTo(cov); err != nil {
		return Belief{}, fmt.Errorf("invert precision: %v: %w", err, ErrNumeric)
	}
	mean := mat.NewVecDense(n, nil)
	if err := chol.SolveVecTo(mean, e.Shift); err != nil {
		return Belief{}, fmt.Errorf("solve mean: %v: %w", err, ErrNumeric)
	}
	return Belief{Mean: mean, Covariance: cov}, nil
}

// Combine multiplies a prior by evidence messages, applied in slice order.
// Point-mass priors absorb all evidence unchanged.
func Combine(prior Belief, evidence ...Evidence) (Belief, error) {
	if prior.PointMass {
		return prior.Clone(), nil
	}
	nat, err := naturalOf(prior)
	if err != nil {
		return Belief{}, err
	}
	for _, e := range evidence {
		if e.IsZero() {
			continue
		}
		if n, _ := e.Precision.Dims(); n != prior.Dimension() {
			return Belief{}, fmt.Errorf("evidence has %d features, prior has %d: %w", n, prior.Dimension(), ErrDimensionMismatch)
		}
		nat.add(e)
	}
	return fromNatural(nat)
}
