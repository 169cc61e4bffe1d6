package stoprules

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

var (
	ErrInsufficientSamples = errors.New("need at least two samples per group")
	ErrZeroVariance        = errors.New("both groups have zero variance")
)

// WelchTTest is the two-sided unequal-variance t-test of a against b.
func WelchTTest(a, b []float64) (t, df, p float64, err error) {
	if len(a) < 2 || len(b) < 2 {
		return 0, 0, 0, ErrInsufficientSamples
	}
	m1, v1 := meanVar(a)
	m2, v2 := meanVar(b)
	n1, n2 := float64(len(a)), float64(len(b))
	s1, s2 := v1/n1, v2/n2
	se2 := s1 + s2
	if se2 == 0 {
		return 0, 0, 0, ErrZeroVariance
	}
	t = (m1 - m2) / math.Sqrt(se2)
	df = se2 * se2 / (s1*s1/(n1-1) + s2*s2/(n2-1))
	p = twoSidedP(t, df)
	return t, df, p, nil
}

// meanVar returns the mean and the unbiased sample variance.
func meanVar(xs []float64) (mean, variance float64) {
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	for _, x := range xs {
		d := x - mean
		variance += d * d
	}
	if len(xs) > 1 {
		variance /= float64(len(xs) - 1)
	}
	return mean, variance
}

func mean(xs []float64) float64 {
	m, _ := meanVar(xs)
	return m
}

// populationVariance divides by n.
func populationVariance(xs []float64) float64 {
	m := mean(xs)
	var v float64
	for _, x := range xs {
		v += (x - m) * (x - m)
	}
	return v / float64(len(xs))
}

// twoSidedP is the probability of a Student-t statistic at least as extreme
// as t with df degrees of freedom.
func twoSidedP(t, df float64) float64 {
	return 2 * distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}.CDF(-math.Abs(t))
}
