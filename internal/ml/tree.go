package ml

import (
	"math"
	"math/rand"
	"sort"
)

// node 为回归树节点，叶子节点 feature 为 -1。
type node struct {
	Feature   int     `json:"f"`
	Threshold float64 `json:"t"`
	Value     float64 `json:"v"`
	Left      *node   `json:"l,omitempty"`
	Right     *node   `json:"r,omitempty"`
}

// Tree 为CART回归树，使用方差缩减选择分裂点。
type Tree struct {
	Root     *node `json:"root"`
	MaxDepth int   `json:"max_depth"`
	MinLeaf  int   `json:"min_leaf"`
	MinSplit int   `json:"min_split"`
}

// Fit 在给定样本上训练回归树。indices 为训练样本在 X/y 中的下标，
// 允许重复（bootstrap抽样）。
func (t *Tree) Fit(X [][]float64, y []float64, indices []int, rng *rand.Rand) {
	t.Root = t.build(X, y, indices, 0, rng)
}

// Predict 返回单个样本的回归预测。
func (t *Tree) Predict(x []float64) float64 {
	n := t.Root
	for n != nil && n.Feature >= 0 {
		if x[n.Feature] <= n.Threshold {
			n = n.Left
		} else {
			n = n.Right
		}
	}
	if n == nil {
		return 0
	}
	return n.Value
}

type split struct {
	feature   int
	threshold float64
	score     float64 // 分裂后的加权SSE，越小越好
}

func (t *Tree) build(X [][]float64, y []float64, indices []int, depth int, rng *rand.Rand) *node {
	mean := meanAt(y, indices)
	if depth >= t.MaxDepth || len(indices) < t.MinSplit || isPure(y, indices) {
		return &node{Feature: -1, Value: mean}
	}

	best, ok := t.bestSplit(X, y, indices, rng)
	if !ok {
		return &node{Feature: -1, Value: mean}
	}

	var left, right []int
	for _, idx := range indices {
		if X[idx][best.feature] <= best.threshold {
			left = append(left, idx)
		} else {
			right = append(right, idx)
		}
	}
	if len(left) < t.MinLeaf || len(right) < t.MinLeaf {
		return &node{Feature: -1, Value: mean}
	}

	return &node{
		Feature:   best.feature,
		Threshold: best.threshold,
		Value:     mean,
		Left:      t.build(X, y, left, depth+1, rng),
		Right:     t.build(X, y, right, depth+1, rng),
	}
}

// bestSplit 对每个候选特征按排序扫描，用前缀和在 O(n log n) 内找最优阈值。
func (t *Tree) bestSplit(X [][]float64, y []float64, indices []int, rng *rand.Rand) (split, bool) {
	numFeatures := len(X[indices[0]])

	// 每棵树随机考察 sqrt(d) 个特征，保证树间差异。
	k := int(math.Ceil(math.Sqrt(float64(numFeatures))))
	candidates := rng.Perm(numFeatures)[:k]
	sort.Ints(candidates)

	best := split{feature: -1, score: math.Inf(1)}
	order := make([]int, len(indices))

	for _, feature := range candidates {
		copy(order, indices)
		sort.Slice(order, func(a, b int) bool {
			return X[order[a]][feature] < X[order[b]][feature]
		})

		var leftSum, leftSq float64
		totalSum, totalSq := sumsAt(y, order)
		n := float64(len(order))

		for i := 0; i < len(order)-1; i++ {
			v := y[order[i]]
			leftSum += v
			leftSq += v * v

			cur, next := X[order[i]][feature], X[order[i+1]][feature]
			if cur == next {
				continue
			}

			nl := float64(i + 1)
			nr := n - nl
			if int(nl) < t.MinLeaf || int(nr) < t.MinLeaf {
				continue
			}

			sseLeft := leftSq - leftSum*leftSum/nl
			rightSum := totalSum - leftSum
			sseRight := (totalSq - leftSq) - rightSum*rightSum/nr
			score := sseLeft + sseRight

			if score < best.score {
				best = split{feature: feature, threshold: (cur + next) / 2, score: score}
			}
		}
	}

	return best, best.feature >= 0
}

func meanAt(y []float64, indices []int) float64 {
	if len(indices) == 0 {
		return 0
	}
	sum := 0.0
	for _, idx := range indices {
		sum += y[idx]
	}
	return sum / float64(len(indices))
}

func sumsAt(y []float64, indices []int) (sum, sq float64) {
	for _, idx := range indices {
		v := y[idx]
		sum += v
		sq += v * v
	}
	return sum, sq
}

func isPure(y []float64, indices []int) bool {
	first := y[indices[0]]
	for _, idx := range indices[1:] {
		if y[idx] != first {
			return false
		}
	}
	return true
}
