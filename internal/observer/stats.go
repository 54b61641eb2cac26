package observer

import (
	"math"
	"sort"
)

// regression is an ordinary least-squares fit of y against its index.
type regression struct {
	Slope     float64
	Intercept float64
	RSquared  float64
	StdErr    float64
	PValue    float64
}

// linregress fits y = m*x + b over x = 0..n-1 and computes the
// two-sided p-value of the slope via a t-test with n-2 degrees of
// freedom.
func linregress(y []float64) regression {
	n := float64(len(y))
	if len(y) < 3 {
		return regression{PValue: 1}
	}

	var sumX, sumY, sumXY, sumXX float64
	for i, v := range y {
		x := float64(i)
		sumX += x
		sumY += v
		sumXY += x * v
		sumXX += x * x
	}
	meanX := sumX / n
	meanY := sumY / n
	ssXX := sumXX - n*meanX*meanX
	if ssXX == 0 {
		return regression{PValue: 1}
	}
	slope := (sumXY - n*meanX*meanY) / ssXX
	intercept := meanY - slope*meanX

	var ssRes, ssTot float64
	for i, v := range y {
		fit := intercept + slope*float64(i)
		ssRes += (v - fit) * (v - fit)
		ssTot += (v - meanY) * (v - meanY)
	}

	r2 := 0.0
	if ssTot > 0 {
		r2 = 1 - ssRes/ssTot
	}

	df := n - 2
	stderr := math.Sqrt(ssRes / df / ssXX)

	p := 1.0
	if stderr > 0 {
		t := math.Abs(slope / stderr)
		p = tTestPValue(t, df)
	} else if slope != 0 {
		p = 0
	}

	return regression{
		Slope:     slope,
		Intercept: intercept,
		RSquared:  r2,
		StdErr:    stderr,
		PValue:    p,
	}
}

// tTestPValue is the two-sided p-value for a t statistic with df
// degrees of freedom, via the regularized incomplete beta function.
func tTestPValue(t, df float64) float64 {
	x := df / (df + t*t)
	return regIncBeta(df/2, 0.5, x)
}

// regIncBeta computes I_x(a, b) with the continued-fraction expansion.
func regIncBeta(a, b, x float64) float64 {
	if x <= 0 {
		return 0
	}
	if x >= 1 {
		return 1
	}
	lbeta, _ := math.Lgamma(a + b)
	la, _ := math.Lgamma(a)
	lb, _ := math.Lgamma(b)
	front := math.Exp(lbeta - la - lb + a*math.Log(x) + b*math.Log(1-x))

	if x < (a+1)/(a+b+2) {
		return front * betacf(a, b, x) / a
	}
	return 1 - front*betacf(b, a, 1-x)/b
}

// betacf is the Lentz continued fraction for the incomplete beta.
func betacf(a, b, x float64) float64 {
	const (
		maxIter = 200
		eps     = 3e-14
		tiny    = 1e-30
	)
	qab := a + b
	qap := a + 1
	qam := a - 1
	c := 1.0
	d := 1 - qab*x/qap
	if math.Abs(d) < tiny {
		d = tiny
	}
	d = 1 / d
	h := d
	for m := 1; m <= maxIter; m++ {
		fm := float64(m)
		m2 := 2 * fm
		aa := fm * (b - fm) * x / ((qam + m2) * (a + m2))
		d = 1 + aa*d
		if math.Abs(d) < tiny {
			d = tiny
		}
		c = 1 + aa/c
		if math.Abs(c) < tiny {
			c = tiny
		}
		d = 1 / d
		h *= d * c
		aa = -(a + fm) * (qab + fm) * x / ((a + m2) * (qap + m2))
		d = 1 + aa*d
		if math.Abs(d) < tiny {
			d = tiny
		}
		c = 1 + aa/c
		if math.Abs(c) < tiny {
			c = tiny
		}
		d = 1 / d
		del := d * c
		h *= del
		if math.Abs(del-1) < eps {
			break
		}
	}
	return h
}

func median(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stddevPop(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	m := mean(xs)
	sum := 0.0
	for _, x := range xs {
		sum += (x - m) * (x - m)
	}
	return math.Sqrt(sum / float64(len(xs)))
}
