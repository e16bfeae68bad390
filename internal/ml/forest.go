package ml

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
)

// Config 控制随机森林的结构与随机性。相同配置和相同训练集
// 必须产出相同模型，推理结果可复现。
type Config struct {
	Trees    int   `json:"trees"`
	MaxDepth int   `json:"max_depth"`
	MinLeaf  int   `json:"min_leaf"`
	MinSplit int   `json:"min_split"`
	Seed     int64 `json:"seed"`
}

// Validate 检查森林配置。
func (c Config) Validate() error {
	if c.Trees <= 0 {
		return errors.New("ml: 树数量必须为正")
	}
	if c.MaxDepth <= 0 {
		return errors.New("ml: 最大深度必须为正")
	}
	if c.MinLeaf <= 0 || c.MinSplit <= 0 {
		return errors.New("ml: 叶子与分裂样本下限必须为正")
	}
	return nil
}

// Forest 为bootstrap聚合的回归森林。
type Forest struct {
	Config Config  `json:"config"`
	Trees  []*Tree `json:"trees"`
}

// ErrEmptyTrainingSet 表示训练样本为空或特征与标签长度不一致。
var ErrEmptyTrainingSet = errors.New("ml: 训练集为空")

// Train 在给定样本上训练森林。每棵树使用由 Seed 派生的独立随机源
// 做bootstrap抽样与特征子采样，训练过程完全确定。
func Train(cfg Config, X [][]float64, y []float64) (*Forest, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(X) == 0 || len(X) != len(y) {
		return nil, fmt.Errorf("%w: 特征 %d 条，标签 %d 条", ErrEmptyTrainingSet, len(X), len(y))
	}

	forest := &Forest{
		Config: cfg,
		Trees:  make([]*Tree, cfg.Trees),
	}

	n := len(X)
	for i := 0; i < cfg.Trees; i++ {
		rng := rand.New(rand.NewSource(cfg.Seed + int64(i)*7919))

		indices := make([]int, n)
		for j := range indices {
			indices[j] = rng.Intn(n)
		}

		tree := &Tree{
			MaxDepth: cfg.MaxDepth,
			MinLeaf:  cfg.MinLeaf,
			MinSplit: cfg.MinSplit,
		}
		tree.Fit(X, y, indices, rng)
		forest.Trees[i] = tree
	}

	return forest, nil
}

// Predict 返回所有树预测的均值。
func (f *Forest) Predict(x []float64) float64 {
	preds := f.TreePredictions(x)
	sum := 0.0
	for _, p := range preds {
		sum += p
	}
	return sum / float64(len(preds))
}

// TreePredictions 返回每棵树的独立预测，供集成分歧度量使用。
func (f *Forest) TreePredictions(x []float64) []float64 {
	preds := make([]float64, len(f.Trees))
	for i, tree := range f.Trees {
		preds[i] = tree.Predict(x)
	}
	return preds
}

// Std 计算一组预测的标准差。
func Std(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	variance := 0.0
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	return math.Sqrt(variance / float64(len(values)))
}
