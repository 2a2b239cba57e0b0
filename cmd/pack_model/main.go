// Command pack_model builds a model artifact from a YAML description of a
// trained model's schema and parameters, optionally scoring it on a
// labelled CSV file first.
package main

import (
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/alexflint/go-arg"
	"gonum.org/v1/gonum/stat"
	"gopkg.in/yaml.v2"

	"tabmodel/artifact"
	"tabmodel/features"
	"tabmodel/ml"
	"tabmodel/model"
	"tabmodel/schema"
)

type args struct {
	Spec    string `arg:"positional,required,help:YAML model description"`
	Output  string `arg:"-o,required,help:artifact output path"`
	Eval    string `arg:"help:labelled CSV file to compute metrics on"`
	Version int    `arg:"help:artifact format version (1 = uncompressed, 2 = zstd)"`
}

func (args) Description() string {
	return "Pack a trained model description into a binary model artifact."
}

type featureSpec struct {
	Name         string   `yaml:"name"`
	Kind         string   `yaml:"kind"`
	Values       []string `yaml:"values"`
	TextEncoding string   `yaml:"text_encoding"`
}

type taskSpec struct {
	Type               string   `yaml:"type"`
	ClassLabels        []string `yaml:"class_labels"`
	NegativeClassIndex int      `yaml:"negative_class_index"`
}

type nodeSpec struct {
	Feature   int     `yaml:"feature"`
	Threshold float64 `yaml:"threshold"`
	Left      int     `yaml:"left"`
	Right     int     `yaml:"right"`
	Leaf      bool    `yaml:"leaf"`
	Value     float64 `yaml:"value"`
}

type predictorSpec struct {
	Linear *struct {
		Weights [][]float64 `yaml:"weights"`
		Bias    []float64   `yaml:"bias"`
	} `yaml:"linear"`
	TreeEnsemble *struct {
		LearningRate float64        `yaml:"learning_rate"`
		Bias         []float64      `yaml:"bias"`
		Trees        [][][]nodeSpec `yaml:"trees"`
	} `yaml:"tree_ensemble"`
}

type modelSpec struct {
	ID           string             `yaml:"id"`
	TargetColumn string             `yaml:"target_column"`
	Task         taskSpec           `yaml:"task"`
	Features     []featureSpec      `yaml:"features"`
	Metrics      map[string]float64 `yaml:"metrics"`
	Predictor    predictorSpec      `yaml:"predictor"`
}

func main() {
	a := args{Version: int(artifact.CurrentVersion)}
	arg.MustParse(&a)

	data, err := os.ReadFile(a.Spec)
	if err != nil {
		log.Fatalf("failed to read model description: %v", err)
	}
	art, err := build(data, time.Now().UTC())
	if err != nil {
		log.Fatalf("failed to build model: %v", err)
	}

	if a.Eval != "" {
		metrics, err := evaluateFile(art, a.Eval)
		if err != nil {
			log.Fatalf("failed to evaluate model: %v", err)
		}
		if art.Metadata.Metrics == nil {
			art.Metadata.Metrics = make(map[string]float64)
		}
		for k, v := range metrics {
			art.Metadata.Metrics[k] = v
			log.Printf("%s=%.4f", k, v)
		}
	}

	if err := write(art, a.Output, uint16(a.Version)); err != nil {
		log.Fatalf("failed to save model: %v", err)
	}
	fmt.Printf("model saved to %s\n", a.Output)
}

// build turns a YAML model description into a validated artifact.
func build(data []byte, createdAt time.Time) (*artifact.Artifact, error) {
	var spec modelSpec
	if err := yaml.UnmarshalStrict(data, &spec); err != nil {
		return nil, fmt.Errorf("decode model description: %w", err)
	}

	task, err := spec.Task.task()
	if err != nil {
		return nil, err
	}
	specs := make([]schema.FeatureSpec, len(spec.Features))
	for i, f := range spec.Features {
		if specs[i], err = f.feature(); err != nil {
			return nil, err
		}
	}
	s, err := schema.New(specs, task)
	if err != nil {
		return nil, err
	}
	predictor, err := spec.Predictor.predictor(s.EncodedDimension())
	if err != nil {
		return nil, err
	}

	art := &artifact.Artifact{
		Metadata: artifact.Metadata{
			ID:           spec.ID,
			CreatedAt:    createdAt,
			TargetColumn: spec.TargetColumn,
			Metrics:      spec.Metrics,
		},
		Schema:    s,
		Predictor: predictor,
	}
	// loading checks the text encodings as well as the artifact invariants
	if _, err := model.New(art, nil); err != nil {
		return nil, err
	}
	return art, nil
}

func (t taskSpec) task() (schema.Task, error) {
	switch t.Type {
	case "regression":
		return schema.Task{Type: schema.Regression}, nil
	case "classification":
		return schema.Task{Type: schema.Classification, ClassLabels: t.ClassLabels, NegativeClassIndex: t.NegativeClassIndex}, nil
	}
	return schema.Task{}, fmt.Errorf("unknown task type %q", t.Type)
}

func (f featureSpec) feature() (schema.FeatureSpec, error) {
	out := schema.FeatureSpec{Name: f.Name, Values: f.Values, TextEncoding: f.TextEncoding}
	switch f.Kind {
	case "number":
		out.Kind = schema.KindNumber
	case "enum":
		out.Kind = schema.KindEnum
	case "text":
		out.Kind = schema.KindText
	default:
		return out, fmt.Errorf("feature %q: unknown kind %q", f.Name, f.Kind)
	}
	return out, nil
}

func (p predictorSpec) predictor(width int) (ml.Predictor, error) {
	switch {
	case p.Linear != nil && p.TreeEnsemble != nil:
		return nil, fmt.Errorf("predictor must be either linear or tree_ensemble")
	case p.Linear != nil:
		return &ml.Linear{Weights: p.Linear.Weights, Bias: p.Linear.Bias}, nil
	case p.TreeEnsemble != nil:
		te := p.TreeEnsemble
		m := &ml.TreeEnsemble{Width: width, LearningRate: te.LearningRate, Bias: te.Bias}
		for _, group := range te.Trees {
			trees := make([]ml.Tree, len(group))
			for i, nodes := range group {
				trees[i].Nodes = make([]ml.TreeNode, len(nodes))
				for j, n := range nodes {
					trees[i].Nodes[j] = ml.TreeNode{
						FeatureIdx: n.Feature,
						Threshold:  n.Threshold,
						LeftChild:  n.Left,
						RightChild: n.Right,
						Value:      n.Value,
						IsLeaf:     n.Leaf,
					}
				}
			}
			m.Trees = append(m.Trees, trees)
		}
		return m, nil
	}
	return nil, fmt.Errorf("predictor is missing")
}

func evaluateFile(art *artifact.Artifact, path string) (map[string]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	records, err := features.ReadCSV(f)
	if err != nil {
		return nil, err
	}
	m, err := model.New(art, nil)
	if err != nil {
		return nil, err
	}
	return evaluate(m, art.Metadata.TargetColumn, records)
}

// evaluate scores m on labelled records. Regression reports rmse and mae;
// classification reports accuracy and, for binary tasks, precision and
// recall of the positive class.
func evaluate(m *model.Model, target string, records []features.Record) (map[string]float64, error) {
	if target == "" {
		return nil, fmt.Errorf("model has no target column")
	}
	task := m.Task()
	var (
		errs                                             []float64
		correct, truePositive, predPositive, actPositive int
		n                                                int
	)
	for i, rec := range records {
		label, ok := rec[target]
		if !ok {
			continue
		}
		out := m.Predict(rec)
		n++
		if task.Type == schema.Regression {
			y, ok := label.Float()
			if !ok {
				return nil, fmt.Errorf("row %d: target %q is not numeric", i+1, label)
			}
			errs = append(errs, out.Value-y)
			continue
		}

		actual, ok := task.ClassIndex(label.String())
		if !ok {
			return nil, fmt.Errorf("row %d: unknown class %q", i+1, label)
		}
		if out.ClassIndex == actual {
			correct++
		}
		positive := task.PositiveClassIndex()
		if out.ClassIndex == positive {
			predPositive++
		}
		if actual == positive {
			actPositive++
			if out.ClassIndex == positive {
				truePositive++
			}
		}
	}
	if n == 0 {
		return nil, fmt.Errorf("no rows carry the target column %q", target)
	}

	metrics := make(map[string]float64)
	if task.Type == schema.Regression {
		abs := make([]float64, len(errs))
		sq := make([]float64, len(errs))
		for i, e := range errs {
			abs[i] = math.Abs(e)
			sq[i] = e * e
		}
		metrics["rmse"] = math.Sqrt(stat.Mean(sq, nil))
		metrics["mae"] = stat.Mean(abs, nil)
		return metrics, nil
	}
	metrics["accuracy"] = float64(correct) / float64(n)
	if task.IsBinary() {
		if predPositive > 0 {
			metrics["precision"] = float64(truePositive) / float64(predPositive)
		}
		if actPositive > 0 {
			metrics["recall"] = float64(truePositive) / float64(actPositive)
		}
	}
	return metrics, nil
}

func write(art *artifact.Artifact, path string, version uint16) error {
	data, err := artifact.Encode(art, version)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	// write then rename so a watching server never reads a partial file
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
