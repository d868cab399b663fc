package collect

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// A Summary describes the samples gathered for one
// label.
type Summary struct {
	Label string

	// Samples holds one row per sample, ordered by rank
	// and then by insertion order on each rank.
	Samples *mat.Dense

	// Counts holds the number of samples each rank
	// contributed.
	Counts []int

	N       int
	Mean    []float64
	Std     []float64
	ErrMean []float64

	// Cov and Corr are nil when N < 2.
	Cov  *mat.SymDense
	Corr *mat.SymDense
}

// Summarize computes a Summary from row-major sample
// data with dim columns.
func Summarize(label string, data []float64, dim int, counts []int) *Summary {
	n := len(data) / dim
	samples := mat.NewDense(n, dim, data)
	s := &Summary{
		Label:   label,
		Samples: samples,
		Counts:  counts,
		N:       n,
		Mean:    make([]float64, dim),
		Std:     make([]float64, dim),
		ErrMean: make([]float64, dim),
	}

	col := make([]float64, n)
	for j := 0; j < dim; j++ {
		mat.Col(col, j, samples)
		if n < 2 {
			s.Mean[j] = col[0]
			s.Std[j] = math.NaN()
			s.ErrMean[j] = math.NaN()
			continue
		}
		s.Mean[j], s.Std[j] = stat.MeanStdDev(col, nil)
		s.ErrMean[j] = s.Std[j] / math.Sqrt(float64(n))
	}

	if n >= 2 {
		s.Cov = mat.NewSymDense(dim, nil)
		stat.CovarianceMatrix(s.Cov, samples, nil)
		s.Corr = mat.NewSymDense(dim, nil)
		stat.CorrelationMatrix(s.Corr, samples, nil)
	}
	return s
}

// CovMean gets the covariance of the mean, Cov / N.
// It returns nil when N < 2.
func (s *Summary) CovMean() *mat.SymDense {
	if s.Cov == nil {
		return nil
	}
	dim := len(s.Mean)
	res := mat.NewSymDense(dim, nil)
	res.ScaleSym(1/float64(s.N), s.Cov)
	return res
}

// String formats the mean and its error per column.
func (s *Summary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (N=%d):", s.Label, s.N)
	for j, m := range s.Mean {
		fmt.Fprintf(&b, " %.4g±%.2g", m, s.ErrMean[j])
	}
	return b.String()
}
