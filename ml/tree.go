package ml

import (
	"fmt"
	"math"
)

// TreeNode is one node of a tree arena. Split nodes route a feature vector
// left when x[FeatureIdx] <= Threshold and right otherwise; leaf nodes
// carry the value the tree contributes.
type TreeNode struct {
	FeatureIdx int
	Threshold  float64
	LeftChild  int
	RightChild int
	Value      float64
	IsLeaf     bool
}

// Tree is an arena of nodes rooted at index 0. Children always sit at a
// higher index than their parent, so traversal is bounded by len(Nodes).
type Tree struct {
	Nodes []TreeNode
}

func (t Tree) Evaluate(features []float64) float64 {
	idx := 0
	for {
		node := &t.Nodes[idx]
		if node.IsLeaf {
			return node.Value
		}
		if features[node.FeatureIdx] <= node.Threshold {
			idx = node.LeftChild
		} else {
			idx = node.RightChild
		}
	}
}

// Validate checks t against a feature vector of the given width.
func (t Tree) Validate(width int) error {
	if len(t.Nodes) == 0 {
		return fmt.Errorf("%w: empty tree", ErrInvalidModel)
	}
	for i, node := range t.Nodes {
		if node.IsLeaf {
			if math.IsNaN(node.Value) || math.IsInf(node.Value, 0) {
				return fmt.Errorf("%w: leaf %d is not finite", ErrInvalidModel, i)
			}
			continue
		}
		if node.FeatureIdx < 0 || node.FeatureIdx >= width {
			return fmt.Errorf("%w: node %d splits on feature %d, width is %d", ErrInvalidModel, i, node.FeatureIdx, width)
		}
		if math.IsNaN(node.Threshold) {
			return fmt.Errorf("%w: node %d has NaN threshold", ErrInvalidModel, i)
		}
		for _, child := range []int{node.LeftChild, node.RightChild} {
			if child <= i || child >= len(t.Nodes) {
				return fmt.Errorf("%w: node %d has invalid child %d", ErrInvalidModel, i, child)
			}
		}
	}
	return nil
}

// Depth is the longest root-to-leaf path, counted in edges.
func (t Tree) Depth() int {
	if len(t.Nodes) == 0 {
		return 0
	}
	depths := make([]int, len(t.Nodes))
	max := 0
	for i, node := range t.Nodes {
		if node.IsLeaf {
			if depths[i] > max {
				max = depths[i]
			}
			continue
		}
		depths[node.LeftChild] = depths[i] + 1
		depths[node.RightChild] = depths[i] + 1
	}
	return max
}
