package experiment

import "math"

// TTest holds the outcome of a two-sample Welch's t-test.
type TTest struct {
	T       float64 `json:"t_statistic"`
	DF      float64 `json:"degrees_of_freedom"`
	PValue  float64 `json:"p_value"`
	Cohen   float64 `json:"effect_size"`
	Defined bool    `json:"-"`
}

// welchTTest compares two sample means without assuming equal variances.
// Degrees of freedom follow the Welch-Satterthwaite approximation and the
// p-value is two-sided. Defined is false when either sample is too small
// or both variances are zero.
func welchTTest(meanA, varA float64, nA int64, meanB, varB float64, nB int64) TTest {
	if nA < 2 || nB < 2 {
		return TTest{}
	}
	seA := varA / float64(nA)
	seB := varB / float64(nB)
	se2 := seA + seB
	if se2 <= 0 {
		return TTest{}
	}

	t := (meanB - meanA) / math.Sqrt(se2)
	df := se2 * se2 / (seA*seA/float64(nA-1) + seB*seB/float64(nB-1))

	return TTest{
		T:       t,
		DF:      df,
		PValue:  studentTwoSidedP(t, df),
		Cohen:   cohensD(meanA, varA, nA, meanB, varB, nB),
		Defined: true,
	}
}

// cohensD is the standardized mean difference using the pooled standard
// deviation.
func cohensD(meanA, varA float64, nA int64, meanB, varB float64, nB int64) float64 {
	pooled := (float64(nA-1)*varA + float64(nB-1)*varB) / float64(nA+nB-2)
	if pooled <= 0 {
		return 0
	}
	return (meanB - meanA) / math.Sqrt(pooled)
}

// studentTwoSidedP is P(|T| >= |t|) for a Student's t distribution with df
// degrees of freedom, computed through the regularized incomplete beta
// function: p = I_x(df/2, 1/2) with x = df/(df+t^2).
func studentTwoSidedP(t, df float64) float64 {
	if df <= 0 {
		return 1
	}
	x := df / (df + t*t)
	return regIncBeta(df/2, 0.5, x)
}

// regIncBeta evaluates the regularized incomplete beta function I_x(a, b)
// with the continued fraction expansion, using the symmetry
// I_x(a,b) = 1 - I_{1-x}(b,a) to stay in the fast-converging region.
func regIncBeta(a, b, x float64) float64 {
	switch {
	case x <= 0:
		return 0
	case x >= 1:
		return 1
	}
	lnFront := lgamma(a+b) - lgamma(a) - lgamma(b) +
		a*math.Log(x) + b*math.Log(1-x)
	front := math.Exp(lnFront)
	if x < (a+1)/(a+b+2) {
		return front * betaCF(a, b, x) / a
	}
	return 1 - front*betaCF(b, a, 1-x)/b
}

func lgamma(x float64) float64 {
	v, _ := math.Lgamma(x)
	return v
}

// betaCF is the continued fraction for the incomplete beta function,
// evaluated with the modified Lentz algorithm.
func betaCF(a, b, x float64) float64 {
	const (
		maxIterations = 200
		epsilon       = 3e-14
		tiny          = 1e-30
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

	for m := 1; m <= maxIterations; m++ {
		fm := float64(m)
		m2 := 2 * fm

		num := fm * (b - fm) * x / ((qam + m2) * (a + m2))
		d = 1 + num*d
		if math.Abs(d) < tiny {
			d = tiny
		}
		c = 1 + num/c
		if math.Abs(c) < tiny {
			c = tiny
		}
		d = 1 / d
		h *= d * c

		num = -(a + fm) * (qab + fm) * x / ((a + m2) * (qap + m2))
		d = 1 + num*d
		if math.Abs(d) < tiny {
			d = tiny
		}
		c = 1 + num/c
		if math.Abs(c) < tiny {
			c = tiny
		}
		d = 1 / d
		delta := d * c
		h *= delta

		if math.Abs(delta-1) < epsilon {
			break
		}
	}
	return h
}
