package utils

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/mathext"
)

// LogNBPositive is the negative-binomial log-likelihood of count x under mean
// mu and inverse dispersion theta:
//
//	theta*log(theta/(theta+mu)) + x*log(mu/(theta+mu))
//	  + lgamma(x+theta) - lgamma(theta) - lgamma(x+1)
//
// The x*log(mu/...) term is dropped for x == 0 so that mu == 0 stays finite.
func LogNBPositive(x, mu, theta float64) float64 {
	logThetaMu := math.Log(theta + mu)
	res := theta * (math.Log(theta) - logThetaMu)
	if x > 0 {
		res += x * (math.Log(mu) - logThetaMu)
	}
	lgXTheta, _ := math.Lgamma(x + theta)
	lgTheta, _ := math.Lgamma(theta)
	lgX1, _ := math.Lgamma(x + 1)
	return res + lgXTheta - lgTheta - lgX1
}

// LogNBGradMu is d LogNBPositive / d mu.
func LogNBGradMu(x, mu, theta float64) float64 {
	if x == 0 {
		return -theta / (theta + mu)
	}
	return x/mu - (theta+x)/(theta+mu)
}

// LogNBGradTheta is d LogNBPositive / d theta.
func LogNBGradTheta(x, mu, theta float64) float64 {
	return math.Log(theta) - math.Log(theta+mu) + 1 - (theta+x)/(theta+mu) +
		mathext.Digamma(x+theta) - mathext.Digamma(theta)
}

// NBLoss is the negative NB log-likelihood of counts x under means mu and
// per-column inverse dispersions theta, summed over columns and averaged over
// rows. It also returns d loss / d mu and d loss / d theta.
func NBLoss(x, mu *mat.Dense, theta []float64) (float64, *mat.Dense, []float64) {
	r, c := x.Dims()
	dMu := mat.NewDense(r, c, nil)
	dTheta := make([]float64, c)
	n := float64(r)
	loss := 0.0
	for i := 0; i < r; i++ {
		xr, mur, dr := x.RawRowView(i), mu.RawRowView(i), dMu.RawRowView(i)
		for j := 0; j < c; j++ {
			loss -= LogNBPositive(xr[j], mur[j], theta[j])
			dr[j] = -LogNBGradMu(xr[j], mur[j], theta[j]) / n
			dTheta[j] -= LogNBGradTheta(xr[j], mur[j], theta[j]) / n
		}
	}
	return loss / n, dMu, dTheta
}
