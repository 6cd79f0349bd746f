package model

import (
	"errors"
	"math"
	"math/rand"
)

// ForestConfig controls isolation forest fitting.
type ForestConfig struct {
	Trees      int   `yaml:"trees"`
	SampleSize int   `yaml:"sample_size"`
	Seed       int64 `yaml:"seed"`
}

// DefaultForestConfig mirrors the estimator sizing used for the
// production walk-forward runs.
func DefaultForestConfig() ForestConfig {
	return ForestConfig{
		Trees:      200,
		SampleSize: 256,
		Seed:       42,
	}
}

// Forest is a fitted isolation forest. Immutable after FitForest, so it
// can be shared by concurrent scorers without locking.
type Forest struct {
	trees    []*treeNode
	avgPath  float64
	maxDepth int
}

type treeNode struct {
	splitCol int
	splitVal float64
	left     *treeNode
	right    *treeNode
	size     int
}

// FitForest builds an isolation forest over the scaled training matrix.
// The rand source is owned by the fit; scoring is deterministic.
func FitForest(data [][]float64, cfg ForestConfig) (*Forest, error) {
	if len(data) == 0 {
		return nil, errors.New("iforest: empty training data")
	}
	nSamples := len(data)
	nCols := len(data[0])
	sampleSize := cfg.SampleSize
	if sampleSize > nSamples {
		sampleSize = nSamples
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	f := &Forest{
		trees:    make([]*treeNode, cfg.Trees),
		avgPath:  unsuccessfulSearchLength(float64(sampleSize)),
		maxDepth: int(math.Ceil(math.Log2(float64(sampleSize)))),
	}
	for i := range f.trees {
		idx := rng.Perm(nSamples)[:sampleSize]
		sample := make([][]float64, sampleSize)
		for j, k := range idx {
			sample[j] = data[k]
		}
		f.trees[i] = f.grow(rng, sample, nCols, 0)
	}
	return f, nil
}

func (f *Forest) grow(rng *rand.Rand, data [][]float64, nCols, depth int) *treeNode {
	n := len(data)
	if depth >= f.maxDepth || n <= 1 {
		return &treeNode{size: n}
	}

	col := rng.Intn(nCols)
	minV, maxV := data[0][col], data[0][col]
	for _, row := range data[1:] {
		if row[col] < minV {
			minV = row[col]
		}
		if row[col] > maxV {
			maxV = row[col]
		}
	}
	if minV == maxV {
		return &treeNode{size: n}
	}

	split := minV + rng.Float64()*(maxV-minV)
	var left, right [][]float64
	for _, row := range data {
		if row[col] < split {
			left = append(left, row)
		} else {
			right = append(right, row)
		}
	}
	return &treeNode{
		splitCol: col,
		splitVal: split,
		left:     f.grow(rng, left, nCols, depth+1),
		right:    f.grow(rng, right, nCols, depth+1),
	}
}

// Score returns the anomaly score for one scaled row in (0, 1); higher
// is more anomalous.
func (f *Forest) Score(row []float64) float64 {
	var total float64
	for _, t := range f.trees {
		total += pathLength(row, t, 0)
	}
	avg := total / float64(len(f.trees))
	return math.Pow(2, -avg/f.avgPath)
}

func pathLength(row []float64, n *treeNode, depth int) float64 {
	if n.left == nil && n.right == nil {
		return float64(depth) + unsuccessfulSearchLength(float64(n.size))
	}
	if row[n.splitCol] < n.splitVal {
		return pathLength(row, n.left, depth+1)
	}
	return pathLength(row, n.right, depth+1)
}

const eulerMascheroni = 0.5772156649

// unsuccessfulSearchLength is c(n), the average BST unsuccessful search
// path length used to normalize isolation depth.
func unsuccessfulSearchLength(n float64) float64 {
	if n <= 1 {
		return 0
	}
	return 2*(math.Log(n-1)+eulerMascheroni) - 2*(n-1)/n
}
