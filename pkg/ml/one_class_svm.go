package ml

import (
	"fmt"
	"math"
	"sync"
)

// OneClassSVM implements a One-Class Support Vector Machine (Schölkopf
// formulation) for novelty detection. The dual is solved with SMO using
// maximal-violating-pair working set selection:
//
//	min ½ αᵀKα  s.t.  0 ≤ αᵢ ≤ 1,  Σαᵢ = ν·n
//
// and the decision function is f(x) = Σ αᵢ K(xᵢ, x) − ρ, f(x) ≥ 0 meaning inlier.
type OneClassSVM struct {
	mu sync.RWMutex

	// Hyperparameters
	nu        float64 // Upper bound on fraction of outliers (0 < nu <= 1)
	gammaCfg  float64 // Configured RBF gamma, <= 0 means "scale"
	kernel    string  // "rbf", "linear", "poly"
	degree    int
	tolerance float64
	maxIter   int

	// Model parameters
	gamma          float64
	supportVectors [][]float64
	alphas         []float64
	rho            float64
	trained        bool
	numFeatures    int
	iterations     int
}

// OneClassSVMConfig configures the SVM
type OneClassSVMConfig struct {
	Nu        float64 // Fraction of outliers (default: 0.1)
	Gamma     float64 // RBF gamma (default: "scale" = 1 / (n_features * Var(X)))
	Kernel    string  // "rbf", "linear", "poly"
	Degree    int     // For polynomial kernel
	Tolerance float64 // KKT violation tolerance
	MaxIter   int     // Max SMO iterations
}

// SVMParams is the serialisable state of a trained OneClassSVM.
type SVMParams struct {
	Kernel         string      `json:"kernel"`
	Gamma          float64     `json:"gamma"`
	Degree         int         `json:"degree"`
	Nu             float64     `json:"nu"`
	Tolerance      float64     `json:"tolerance"`
	Rho            float64     `json:"rho"`
	SupportVectors [][]float64 `json:"support_vectors"`
	Alphas         []float64   `json:"alphas"`
}

// NewOneClassSVM creates a new One-Class SVM detector
func NewOneClassSVM(config OneClassSVMConfig) *OneClassSVM {
	if config.Nu <= 0 || config.Nu > 1 {
		config.Nu = 0.1
	}
	if config.Kernel == "" {
		config.Kernel = "rbf"
	}
	if config.Degree <= 0 {
		config.Degree = 3
	}
	if config.Tolerance <= 0 {
		config.Tolerance = 1e-3
	}
	if config.MaxIter <= 0 {
		config.MaxIter = 100000
	}

	return &OneClassSVM{
		nu:        config.Nu,
		gammaCfg:  config.Gamma,
		kernel:    config.Kernel,
		degree:    config.Degree,
		tolerance: config.Tolerance,
		maxIter:   config.MaxIter,
	}
}

// Train fits the boundary on normal data only.
func (svm *OneClassSVM) Train(data [][]float64) error {
	svm.mu.Lock()
	defer svm.mu.Unlock()

	if len(data) == 0 {
		return fmt.Errorf("training data is empty")
	}
	dim := len(data[0])
	if dim == 0 {
		return fmt.Errorf("training data has zero features")
	}
	for i, row := range data {
		if len(row) != dim {
			return fmt.Errorf("row %d: %w", i, &DimensionMismatchError{Expected: dim, Got: len(row)})
		}
	}

	svm.numFeatures = dim
	svm.gamma = svm.gammaCfg
	if svm.gamma <= 0 {
		svm.gamma = scaleGamma(data)
	}

	n := len(data)
	K := svm.computeKernelMatrix(data)
	alphas, rho, iters := svm.solve(K, n)

	svm.supportVectors = svm.supportVectors[:0]
	svm.alphas = svm.alphas[:0]
	for i := 0; i < n; i++ {
		if alphas[i] > 1e-8 {
			svm.supportVectors = append(svm.supportVectors, cloneVec(data[i]))
			svm.alphas = append(svm.alphas, alphas[i])
		}
	}
	svm.rho = rho
	svm.iterations = iters
	svm.trained = true
	return nil
}

// Decision returns f(x); see IsInlier for how it maps to a verdict.
func (svm *OneClassSVM) Decision(sample []float64) (float64, error) {
	svm.mu.RLock()
	defer svm.mu.RUnlock()

	if !svm.trained {
		return 0, ErrNotFitted
	}
	if len(sample) != svm.numFeatures {
		return 0, &DimensionMismatchError{Expected: svm.numFeatures, Got: len(sample)}
	}

	f := -svm.rho
	for i, sv := range svm.supportVectors {
		f += svm.alphas[i] * svm.kernelFunc(sv, sample)
	}
	return f, nil
}

// IsInlier reports whether a decision value lies inside the boundary. SMO
// stops once the KKT conditions hold to within the tolerance, so margin
// points are only resolved that precisely.
func (svm *OneClassSVM) IsInlier(f float64) bool {
	svm.mu.RLock()
	defer svm.mu.RUnlock()
	return f >= -svm.tolerance
}

// GetConfig returns the current configuration
func (svm *OneClassSVM) GetConfig() OneClassSVMConfig {
	svm.mu.RLock()
	defer svm.mu.RUnlock()

	return OneClassSVMConfig{
		Nu:        svm.nu,
		Gamma:     svm.gammaCfg,
		Kernel:    svm.kernel,
		Degree:    svm.degree,
		Tolerance: svm.tolerance,
		MaxIter:   svm.maxIter,
	}
}

// Params exports the trained state.
func (svm *OneClassSVM) Params() SVMParams {
	svm.mu.RLock()
	defer svm.mu.RUnlock()
	return SVMParams{
		Kernel:         svm.kernel,
		Gamma:          svm.gamma,
		Degree:         svm.degree,
		Nu:             svm.nu,
		Tolerance:      svm.tolerance,
		Rho:            svm.rho,
		SupportVectors: cloneMatrix(svm.supportVectors),
		Alphas:         cloneVec(svm.alphas),
	}
}

// OneClassSVMFromParams restores a trained SVM.
func OneClassSVMFromParams(p SVMParams) (*OneClassSVM, error) {
	if len(p.SupportVectors) == 0 || len(p.SupportVectors) != len(p.Alphas) {
		return nil, fmt.Errorf("invalid svm parameters: %d support vectors, %d alphas", len(p.SupportVectors), len(p.Alphas))
	}
	dim := len(p.SupportVectors[0])
	for i, sv := range p.SupportVectors {
		if len(sv) != dim {
			return nil, fmt.Errorf("support vector %d: %w", i, &DimensionMismatchError{Expected: dim, Got: len(sv)})
		}
	}
	svm := NewOneClassSVM(OneClassSVMConfig{Nu: p.Nu, Gamma: p.Gamma, Kernel: p.Kernel, Degree: p.Degree, Tolerance: p.Tolerance})
	svm.gamma = p.Gamma
	svm.rho = p.Rho
	svm.supportVectors = cloneMatrix(p.SupportVectors)
	svm.alphas = cloneVec(p.Alphas)
	svm.numFeatures = dim
	svm.trained = true
	return svm, nil
}

// kernelFunc computes kernel between two vectors
func (svm *OneClassSVM) kernelFunc(x1, x2 []float64) float64 {
	switch svm.kernel {
	case "linear":
		return linearKernel(x1, x2)
	case "poly":
		return math.Pow(svm.gamma*linearKernel(x1, x2)+1.0, float64(svm.degree))
	default:
		return svm.rbfKernel(x1, x2)
	}
}

func (svm *OneClassSVM) rbfKernel(x1, x2 []float64) float64 {
	sumSq := 0.0
	for i := range x1 {
		diff := x1[i] - x2[i]
		sumSq += diff * diff
	}
	return math.Exp(-svm.gamma * sumSq)
}

func linearKernel(x1, x2 []float64) float64 {
	sum := 0.0
	for i := range x1 {
		sum += x1[i] * x2[i]
	}
	return sum
}

func (svm *OneClassSVM) computeKernelMatrix(data [][]float64) [][]float64 {
	n := len(data)
	K := make([][]float64, n)
	for i := range K {
		K[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := svm.kernelFunc(data[i], data[j])
			K[i][j] = v
			K[j][i] = v
		}
	}
	return K
}

// solve runs SMO on the one-class dual and returns alphas, rho and the
// number of iterations performed.
func (svm *OneClassSVM) solve(K [][]float64, n int) ([]float64, float64, int) {
	const C = 1.0
	const eps = 1e-12

	total := svm.nu * float64(n)
	alphas := make([]float64, n)
	nFull := int(total)
	for i := 0; i < nFull && i < n; i++ {
		alphas[i] = C
	}
	if nFull < n {
		alphas[nFull] = total - float64(nFull)
	}

	// G = K·α
	G := make([]float64, n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if alphas[j] != 0 {
				G[i] += K[i][j] * alphas[j]
			}
		}
	}

	iter := 0
	for ; iter < svm.maxIter; iter++ {
		i, j := -1, -1
		gmax, gmin := math.Inf(-1), math.Inf(1)
		for t := 0; t < n; t++ {
			if alphas[t] < C-eps && -G[t] > gmax {
				gmax, i = -G[t], t
			}
			if alphas[t] > eps && -G[t] < gmin {
				gmin, j = -G[t], t
			}
		}
		if i < 0 || j < 0 || gmax-gmin < svm.tolerance {
			break
		}

		quad := K[i][i] + K[j][j] - 2*K[i][j]
		if quad <= 0 {
			quad = 1e-12
		}
		delta := (G[j] - G[i]) / quad
		delta = math.Min(delta, C-alphas[i])
		delta = math.Min(delta, alphas[j])
		if delta <= 0 {
			break
		}
		alphas[i] += delta
		alphas[j] -= delta
		for t := 0; t < n; t++ {
			G[t] += delta * (K[t][i] - K[t][j])
		}
	}

	ub, lb := math.Inf(1), math.Inf(-1)
	sumFree, nFree := 0.0, 0
	for t := 0; t < n; t++ {
		switch {
		case alphas[t] >= C-eps:
			lb = math.Max(lb, G[t])
		case alphas[t] <= eps:
			ub = math.Min(ub, G[t])
		default:
			sumFree += G[t]
			nFree++
		}
	}
	var rho float64
	switch {
	case nFree > 0:
		rho = sumFree / float64(nFree)
	case math.IsInf(ub, 1):
		rho = lb
	case math.IsInf(lb, -1):
		rho = ub
	default:
		rho = (ub + lb) / 2
	}
	return alphas, rho, iter
}

// scaleGamma mirrors the "scale" heuristic: 1 / (n_features * Var(X)).
func scaleGamma(data [][]float64) float64 {
	dim := len(data[0])
	count := float64(len(data) * dim)
	sum := 0.0
	for _, row := range data {
		for _, v := range row {
			sum += v
		}
	}
	mean := sum / count
	sq := 0.0
	for _, row := range data {
		for _, v := range row {
			d := v - mean
			sq += d * d
		}
	}
	variance := sq / count
	if variance < 1e-12 {
		return 1.0
	}
	return 1.0 / (float64(dim) * variance)
}
