package ml

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

// minDenominator guards the Sherman-Morrison update.
const minDenominator = 1e-12

// Solver runs expectation propagation for the multi-class margin constraints
// "score of the labelled class exceeds every other class's score", where each
// score is <w, x> plus Gaussian noise.
type Solver struct {
	noise         float64
	tolerance     float64
	damping       float64
	maxIterations int
	logger        *zap.Logger
}

func NewSolver(cfg Config) *Solver {
	cfg = cfg.withDefaults()
	return &Solver{
		noise:         cfg.Noise,
		tolerance:     cfg.Tolerance,
		damping:       cfg.Damping,
		maxIterations: cfg.MaxIterations,
		logger:        cfg.Logger,
	}
}

func (s *Solver) Noise() float64 { return s.noise }

// Solution is the result of one solve.
type Solution struct {
	Posteriors []Belief
	// Evidence is what the batch contributed to every class, in natural
	// parameters. Frozen classes get a zero Evidence.
	Evidence   []Evidence
	Iterations int
	Sites      int
	// Skipped counts sites left unchanged in the final sweep because their
	// cavity had no positive variance, e.g. all-zero feature vectors.
	Skipped  int
	Vectors  int
	Duration time.Duration
}

type weight struct {
	mean   *mat.VecDense
	cov    *mat.SymDense
	frozen bool
}

func (w *weight) project(x, buf *mat.VecDense) (float64, float64) {
	mean := mat.Dot(w.mean, x)
	if w.cov == nil {
		buf.Zero()
		return mean, 0
	}
	buf.MulVec(w.cov, x)
	return mean, mat.Dot(x, buf)
}

// site approximates one pairwise constraint by 1-D Gaussian messages on the
// labelled class's score and on the rival's score.
type site struct {
	x        *mat.VecDense
	own      int
	rival    int
	tauOwn   float64
	nuOwn    float64
	tauRival float64
	nuRival  float64
}

// Solve returns refined beliefs for every class given the priors and a batch.
// Priors are not modified.
func (s *Solver) Solve(ctx context.Context, priors []Belief, batch ClassifiedBatch) (*Solution, error) {
	start := time.Now()
	if len(priors) < 2 {
		return nil, fmt.Errorf("%d priors: %w", len(priors), ErrInvalidConfig)
	}
	dim := priors[0].Dimension()
	for i, p := range priors {
		if p.Dimension() != dim {
			return nil, fmt.Errorf("prior %d has %d features, want %d: %w", i, p.Dimension(), dim, ErrDimensionMismatch)
		}
	}
	if err := batch.validate(len(priors), dim); err != nil {
		return nil, err
	}

	numClasses := len(priors)
	weights := make([]weight, numClasses)
	for k, p := range priors {
		b := p.Clone()
		weights[k] = weight{
			mean:   b.Mean,
			cov:    b.Covariance,
			frozen: b.PointMass || len(batch[k]) == 0,
		}
	}

	sites := make([]site, 0, batch.NumVectors()*(numClasses-1))
	for c, vectors := range batch {
		for _, v := range vectors {
			x := v.vec()
			for j := 0; j < numClasses; j++ {
				if j == c {
					continue
				}
				sites = append(sites, site{x: x, own: c, rival: j})
			}
		}
	}

	bufOwn := mat.NewVecDense(dim, nil)
	bufRival := mat.NewVecDense(dim, nil)
	for iter := 1; iter <= s.maxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		delta := 0.0
		skipped := 0
		for i := range sites {
			d, ok, err := s.update(&sites[i], weights, bufOwn, bufRival)
			if err != nil {
				return nil, fmt.Errorf("sweep %d site %d: %w", iter, i, err)
			}
			if !ok {
				skipped++
			}
			delta = math.Max(delta, d)
		}
		s.logger.Debug("ep sweep",
			zap.Int("iteration", iter),
			zap.Float64("delta", delta),
			zap.Int("sites", len(sites)),
			zap.Int("skipped", skipped))
		if delta < s.tolerance {
			sol := s.solution(weights, sites, dim)
			sol.Iterations = iter
			sol.Skipped = skipped
			sol.Vectors = batch.NumVectors()
			sol.Duration = time.Since(start)
			return sol, nil
		}
	}
	return nil, fmt.Errorf("%d sweeps over %d sites: %w", s.maxIterations, len(sites), ErrNotConverged)
}

// update refines one site. It reports false when the site was skipped.
func (s *Solver) update(st *site, weights []weight, bufOwn, bufRival *mat.VecDense) (float64, bool, error) {
	own, rival := &weights[st.own], &weights[st.rival]
	if own.frozen && rival.frozen {
		return 0, true, nil
	}
	muOwn, vOwn := own.project(st.x, bufOwn)
	muRival, vRival := rival.project(st.x, bufRival)

	cmOwn, cvOwn, ok := cavity(muOwn, vOwn, st.tauOwn, st.nuOwn, own.frozen)
	if !ok {
		return 0, false, nil
	}
	cmRival, cvRival, ok := cavity(muRival, vRival, st.tauRival, st.nuRival, rival.frozen)
	if !ok {
		return 0, false, nil
	}

	g, h := probitMoments(cmOwn-cmRival, cvOwn+cvRival+2*s.noise)
	if math.IsNaN(g) || math.IsNaN(h) || math.IsInf(g, 0) || math.IsInf(h, 0) {
		return 0, false, fmt.Errorf("moment match produced g=%v h=%v: %w", g, h, ErrNumeric)
	}

	delta := 0.0
	if !own.frozen {
		tau := h / (1 - cvOwn*h)
		nu := (g + h*cmOwn) / (1 - cvOwn*h)
		d, err := s.apply(own, st.x, bufOwn, muOwn, vOwn, &st.tauOwn, &st.nuOwn, tau, nu)
		if err != nil {
			return 0, false, err
		}
		delta = math.Max(delta, d)
	}
	if !rival.frozen {
		tau := h / (1 - cvRival*h)
		nu := (h*cmRival - g) / (1 - cvRival*h)
		d, err := s.apply(rival, st.x, bufRival, muRival, vRival, &st.tauRival, &st.nuRival, tau, nu)
		if err != nil {
			return 0, false, err
		}
		delta = math.Max(delta, d)
	}
	return delta, true, nil
}

// cavity removes a site's own message from the marginal of one score.
func cavity(mean, variance, tau, nu float64, frozen bool) (float64, float64, bool) {
	if frozen {
		return mean, variance, true
	}
	if variance <= 0 {
		return 0, 0, false
	}
	prec := 1/variance - tau
	if prec <= 0 {
		return 0, 0, false
	}
	cv := 1 / prec
	return cv * (mean/variance - nu), cv, true
}

// apply replaces a site message and performs the rank-one update of the
// class's covariance and mean. sx must hold cov*x from before the update.
func (s *Solver) apply(w *weight, x, sx *mat.VecDense, mean, variance float64, tauOld, nuOld *float64, tau, nu float64) (float64, error) {
	if s.damping < 1 {
		tau = s.damping*tau + (1-s.damping)*(*tauOld)
		nu = s.damping*nu + (1-s.damping)*(*nuOld)
	}
	dTau := tau - *tauOld
	dNu := nu - *nuOld
	denom := 1 + dTau*variance
	if denom < minDenominator || math.IsNaN(denom) {
		return 0, fmt.Errorf("rank-one denominator %v: %w", denom, ErrNumeric)
	}
	w.cov.SymRankOne(w.cov, -dTau/denom, sx)
	w.mean.AddScaledVec(w.mean, (dNu-dTau*mean)/denom, sx)

	change := math.Max(math.Abs(dTau)/(1+math.Abs(*tauOld)), math.Abs(dNu)/(1+math.Abs(*nuOld)))
	*tauOld, *nuOld = tau, nu
	return change, nil
}

func (s *Solver) solution(weights []weight, sites []site, dim int) *Solution {
	sol := &Solution{
		Posteriors: make([]Belief, len(weights)),
		Evidence:   make([]Evidence, len(weights)),
		Sites:      len(sites),
	}
	for k, w := range weights {
		sol.Posteriors[k] = Belief{Mean: w.mean, Covariance: w.cov, PointMass: w.cov == nil}
		if !w.frozen {
			sol.Evidence[k] = NewEvidence(dim)
		}
	}
	for _, st := range sites {
		if !weights[st.own].frozen {
			sol.Evidence[st.own].addRankOne(st.x, st.tauOwn, st.nuOwn)
		}
		if !weights[st.rival].frozen {
			sol.Evidence[st.rival].addRankOne(st.x, st.tauRival, st.nuRival)
		}
	}
	return sol
}
