package monitoring

import (
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"tabmodel/ml"
	"tabmodel/schema"
)

// valueWindow 回归输出保留的最近样本数
const valueWindow = 1000

// ModelStats 单个模型的生产预测统计
type ModelStats struct {
	ModelID        string           `json:"model_id"`
	Predictions    int64            `json:"predictions"`
	TrueValues     int64            `json:"true_values"`
	ClassCounts    map[string]int64 `json:"class_counts,omitempty"`
	Mean           float64          `json:"mean,omitempty"`
	StdDev         float64          `json:"std_dev,omitempty"`
	Min            float64          `json:"min,omitempty"`
	Max            float64          `json:"max,omitempty"`
	UnknownValues  map[string]int64 `json:"unknown_enum_values,omitempty"`
	LastPrediction time.Time        `json:"last_prediction"`
}

type modelStats struct {
	predictions int64
	trueValues  int64
	classCounts map[string]int64
	values      []float64
	unknowns    map[string]int64
	last        time.Time
}

// StatsCollector 生产预测统计收集器
type StatsCollector struct {
	mu     sync.RWMutex
	models map[string]*modelStats
}

// NewStatsCollector 创建统计收集器
func NewStatsCollector() *StatsCollector {
	return &StatsCollector{models: make(map[string]*modelStats)}
}

// Record 记录一次预测；unknowns 为取值不在枚举集合内的特征名
func (c *StatsCollector) Record(modelID string, out ml.Output, unknowns []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.model(modelID)
	m.predictions++
	m.last = time.Now()
	if out.Type == schema.Classification {
		m.classCounts[out.ClassName]++
	} else if !math.IsNaN(out.Value) && !math.IsInf(out.Value, 0) {
		// 溢出的输出不计入分布
		m.values = append(m.values, out.Value)
		// 限制历史大小
		if len(m.values) > valueWindow {
			m.values = m.values[len(m.values)-valueWindow:]
		}
	}
	for _, name := range unknowns {
		m.unknowns[name]++
	}
}

// RecordTrueValue 记录一次真实值上报
func (c *StatsCollector) RecordTrueValue(modelID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.model(modelID).trueValues++
}

func (c *StatsCollector) model(modelID string) *modelStats {
	m, ok := c.models[modelID]
	if !ok {
		m = &modelStats{
			classCounts: make(map[string]int64),
			unknowns:    make(map[string]int64),
		}
		c.models[modelID] = m
	}
	return m
}

// Get 获取模型统计（副本）
func (c *StatsCollector) Get(modelID string) ModelStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := ModelStats{ModelID: modelID}
	m, ok := c.models[modelID]
	if !ok {
		return out
	}
	out.Predictions = m.predictions
	out.TrueValues = m.trueValues
	out.LastPrediction = m.last
	if len(m.classCounts) > 0 {
		out.ClassCounts = make(map[string]int64, len(m.classCounts))
		for k, v := range m.classCounts {
			out.ClassCounts[k] = v
		}
	}
	if len(m.unknowns) > 0 {
		out.UnknownValues = make(map[string]int64, len(m.unknowns))
		for k, v := range m.unknowns {
			out.UnknownValues[k] = v
		}
	}
	switch n := len(m.values); {
	case n == 1:
		out.Mean, out.Min, out.Max = m.values[0], m.values[0], m.values[0]
	case n > 1:
		out.Mean, out.StdDev = stat.MeanStdDev(m.values, nil)
		out.Min = floats.Min(m.values)
		out.Max = floats.Max(m.values)
	}
	return out
}
