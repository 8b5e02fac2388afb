package ml

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// hermiteNodes is the number of Gauss-Hermite points used for the
// discrete-max integral of more than two classes.
const hermiteNodes = 48

// normRatio returns pdf(t)/cdf(t) of the unit normal without underflow.
func normRatio(t float64) float64 {
	if t > -30 {
		return distuv.UnitNormal.Prob(t) / distuv.UnitNormal.CDF(t)
	}
	// Mills ratio expansion for the far left tail.
	x := -t
	x2 := x * x
	mills := (1 - 1/x2 + 3/(x2*x2) - 15/(x2*x2*x2)) / x
	return 1 / mills
}

// probitMoments matches the moments of N(d; mean, variance) truncated to d > 0
// and returns the first and second derivatives of log Z with respect to the
// mean, as g and -h.
func probitMoments(mean, variance float64) (g, h float64) {
	sd := math.Sqrt(variance)
	t := mean / sd
	lambda := normRatio(t)
	g = lambda / sd
	h = lambda * (lambda + t) / variance
	return g, h
}

var (
	hermiteOnce    sync.Once
	hermiteX       []float64
	hermiteWeights []float64
)

// hermiteRule returns nodes and weights with sum_i w_i f(x_i) ≈ E[f(Z)] for a
// unit normal Z, computed by Golub-Welsch on the probabilists' Hermite
// recurrence.
func hermiteRule() ([]float64, []float64) {
	hermiteOnce.Do(func() {
		n := hermiteNodes
		jacobi := mat.NewSymDense(n, nil)
		for k := 1; k < n; k++ {
			jacobi.SetSym(k-1, k, math.Sqrt(float64(k)))
		}
		var es mat.EigenSym
		if ok := es.Factorize(jacobi, true); !ok {
			panic("ml: hermite eigendecomposition failed")
		}
		hermiteX = es.Values(nil)
		var vecs mat.Dense
		es.VectorsTo(&vecs)
		hermiteWeights = make([]float64, n)
		total := 0.0
		for i := 0; i < n; i++ {
			v := vecs.At(0, i)
			hermiteWeights[i] = v * v
			total += hermiteWeights[i]
		}
		for i := range hermiteWeights {
			hermiteWeights[i] /= total
		}
	})
	return hermiteX, hermiteWeights
}

// maxProbabilities returns P(score_j is the largest) for independent Gaussian
// scores with the given means and variances.
func maxProbabilities(means, variances []float64) []float64 {
	k := len(means)
	probs := make([]float64, k)
	if k == 2 {
		p := distuv.UnitNormal.CDF((means[1] - means[0]) / math.Sqrt(variances[0]+variances[1]))
		probs[0], probs[1] = 1-p, p
		return probs
	}
	nodes, weights := hermiteRule()
	total := 0.0
	for j := 0; j < k; j++ {
		sdj := math.Sqrt(variances[j])
		sum := 0.0
		for n, z := range nodes {
			s := means[j] + sdj*z
			prod := 1.0
			for i := 0; i < k; i++ {
				if i == j {
					continue
				}
				prod *= distuv.UnitNormal.CDF((s - means[i]) / math.Sqrt(variances[i]))
			}
			sum += weights[n] * prod
		}
		probs[j] = sum
		total += sum
	}
	if total <= 0 || math.IsNaN(total) {
		for j := range probs {
			probs[j] = 1 / float64(k)
		}
		return probs
	}
	for j := range probs {
		probs[j] /= total
	}
	return probs
}
