package markers

import (
	"math"
	"sort"
)

// welchTTest returns the Welch t statistic and its two-tailed p-value.
func welchTTest(mean1, var1 float64, n1 int, mean2, var2 float64, n2 int) (float64, float64) {
	if n1 < 2 || n2 < 2 {
		return 0, 1.0
	}
	if var1 <= 0 && var2 <= 0 {
		return degenerateT(mean1, mean2)
	}

	se1 := var1 / float64(n1)
	se2 := var2 / float64(n2)
	seDiff := math.Sqrt(se1 + se2)
	if seDiff < 1e-15 {
		return degenerateT(mean1, mean2)
	}

	t := (mean1 - mean2) / seDiff

	num := (se1 + se2) * (se1 + se2)
	den := 0.0
	if se1 > 0 {
		den += se1 * se1 / float64(n1-1)
	}
	if se2 > 0 {
		den += se2 * se2 / float64(n2-1)
	}
	if den < 1e-15 {
		return t, 1.0
	}
	df := num / den
	if df < 1 {
		df = 1
	}

	return t, 2 * studentTCDF(-math.Abs(t), df)
}

// degenerateT handles zero variance in both groups.
func degenerateT(mean1, mean2 float64) (float64, float64) {
	switch {
	case mean1 == mean2:
		return 0, 1.0
	case mean1 > mean2:
		return math.Inf(1), 0
	default:
		return math.Inf(-1), 0
	}
}

func studentTCDF(t, df float64) float64 {
	if df <= 0 {
		return 0.5
	}
	x := df / (df + t*t)
	beta := incompleteBeta(x, df/2, 0.5)
	if t < 0 {
		return 0.5 * beta
	}
	return 1 - 0.5*beta
}

// incompleteBeta is the regularized incomplete beta function I_x(a, b),
// evaluated with Lentz's continued fraction.
func incompleteBeta(x, a, b float64) float64 {
	if x <= 0 {
		return 0
	}
	if x >= 1 {
		return 1
	}

	if x > (a+1)/(a+b+2) {
		return 1 - incompleteBeta(1-x, b, a)
	}

	const maxIter = 200
	const eps = 1e-10

	lnBeta := lgamma(a) + lgamma(b) - lgamma(a+b)
	front := math.Exp(a*math.Log(x) + b*math.Log(1-x) - lnBeta)

	f := 1.0
	c := 1.0
	d := 0.0

	for i := 0; i <= maxIter; i++ {
		m := float64(i / 2)
		var num float64
		if i == 0 {
			num = 1.0
		} else if i%2 == 0 {
			num = m * (b - m) * x / ((a + 2*m - 1) * (a + 2*m))
		} else {
			num = -((a + m) * (a + b + m) * x) / ((a + 2*m) * (a + 2*m + 1))
		}

		d = 1 + num*d
		if math.Abs(d) < eps {
			d = eps
		}
		d = 1 / d

		c = 1 + num/c
		if math.Abs(c) < eps {
			c = eps
		}

		f *= d * c
		if math.Abs(d*c-1) < eps {
			break
		}
	}

	return front * (f - 1) / a
}

func lgamma(x float64) float64 {
	g, _ := math.Lgamma(x)
	return g
}

// rankSumZ converts a group's rank sum into the signed normal approximation
// of the Mann-Whitney U statistic and a two-sided p-value with continuity
// correction. tieSum is the sum of t^3-t over all tie groups.
func rankSumZ(rankSum float64, n1, n2 int, tieSum float64) (float64, float64) {
	if n1 == 0 || n2 == 0 {
		return 0, 1.0
	}
	n1f := float64(n1)
	n2f := float64(n2)
	nf := n1f + n2f

	u := rankSum - n1f*(n1f+1)/2
	mu := n1f * n2f / 2
	sigma := math.Sqrt(n1f * n2f * ((nf + 1) - tieSum/(nf*(nf-1))) / 12)
	if sigma < 1e-10 {
		return 0, 1.0
	}

	z := (u - mu) / sigma
	zc := math.Max(math.Abs(u-mu)-0.5, 0) / sigma
	return z, math.Min(1, 2*normalCDF(-zc))
}

func normalCDF(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt2))
}

func benjaminiHochberg(pvals []float64) []float64 {
	n := len(pvals)
	if n == 0 {
		return nil
	}

	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(i, j int) bool {
		return pvals[idx[i]] < pvals[idx[j]]
	})

	fdr := make([]float64, n)
	minP := 1.0
	for i := n - 1; i >= 0; i-- {
		origIdx := idx[i]
		rank := i + 1
		adjusted := pvals[origIdx] * float64(n) / float64(rank)
		if adjusted > 1 {
			adjusted = 1
		}
		if adjusted < minP {
			minP = adjusted
		} else {
			adjusted = minP
		}
		fdr[origIdx] = adjusted
	}

	return fdr
}

// log2FoldChange compares group means with a small pseudo-count.
func log2FoldChange(mean1, mean2 float64) float64 {
	const eps = 1e-9
	if mean2 <= eps && mean1 <= eps {
		return 0
	}
	return math.Log2((mean1 + eps) / (mean2 + eps))
}
