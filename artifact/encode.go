package artifact

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"

	"tabmodel/ml"
	"tabmodel/schema"
)

// Encode serialises a in the given format version. The artifact is
// validated first, so Encode never writes something Decode would reject.
func Encode(a *Artifact, version uint16) ([]byte, error) {
	if !supportedVersion(version) {
		return nil, ErrUnsupportedVersion.Withf("version %d", version)
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}

	w := &writer{}
	w.metadata(a.Metadata)
	w.schema(a.Schema)
	if err := w.predictor(a.Predictor); err != nil {
		return nil, err
	}

	stored := w.buf
	if version == Version2 {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
		if err != nil {
			return nil, err
		}
		stored = enc.EncodeAll(w.buf, nil)
		if err := enc.Close(); err != nil {
			return nil, err
		}
	}
	if len(stored) > maxBodySize {
		return nil, fmt.Errorf("artifact body of %d bytes is too large", len(stored))
	}

	out := make([]byte, headerSize, headerSize+len(stored))
	copy(out, Magic)
	binary.LittleEndian.PutUint16(out[4:6], version)
	binary.LittleEndian.PutUint32(out[6:10], uint32(len(stored)))
	binary.LittleEndian.PutUint64(out[10:18], xxhash.Sum64(stored))
	return append(out, stored...), nil
}

type writer struct {
	buf []byte
}

func (w *writer) byte(b byte) {
	w.buf = append(w.buf, b)
}

func (w *writer) uvarint(v uint64) {
	w.buf = binary.AppendUvarint(w.buf, v)
}

func (w *writer) varint(v int64) {
	w.buf = binary.AppendVarint(w.buf, v)
}

func (w *writer) float(f float64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, math.Float64bits(f))
}

func (w *writer) string(s string) {
	w.uvarint(uint64(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *writer) metadata(m Metadata) {
	w.string(m.ID)
	if m.CreatedAt.IsZero() {
		w.varint(0)
	} else {
		w.varint(m.CreatedAt.UnixNano())
	}
	w.string(m.TargetColumn)

	names := make([]string, 0, len(m.Metrics))
	for name := range m.Metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	w.uvarint(uint64(len(names)))
	for _, name := range names {
		w.string(name)
		w.float(m.Metrics[name])
	}
}

func (w *writer) schema(s *schema.Schema) {
	w.uvarint(uint64(s.NumFeatures()))
	for i := 0; i < s.NumFeatures(); i++ {
		f := s.Feature(i)
		switch f.Kind {
		case schema.KindNumber:
			w.byte(tagNumber)
			w.string(f.Name)
		case schema.KindEnum:
			w.byte(tagEnum)
			w.string(f.Name)
			w.uvarint(uint64(len(f.Values)))
			for _, v := range f.Values {
				w.string(v)
			}
		case schema.KindText:
			w.byte(tagText)
			w.string(f.Name)
			w.string(f.TextEncoding)
		}
	}

	task := s.Task()
	switch task.Type {
	case schema.Regression:
		w.byte(tagRegression)
	case schema.Classification:
		w.byte(tagClassification)
		w.uvarint(uint64(len(task.ClassLabels)))
		for _, label := range task.ClassLabels {
			w.string(label)
		}
		w.uvarint(uint64(task.NegativeClassIndex))
	}
}

func (w *writer) predictor(p ml.Predictor) error {
	switch m := p.(type) {
	case *ml.Linear:
		w.byte(byte(ml.FamilyLinear))
		w.uvarint(uint64(len(m.Weights)))
		w.uvarint(uint64(m.InputWidth()))
		for _, row := range m.Weights {
			for _, v := range row {
				w.float(v)
			}
		}
		for _, b := range m.Bias {
			w.float(b)
		}
	case *ml.TreeEnsemble:
		w.byte(byte(ml.FamilyTreeEnsemble))
		w.uvarint(uint64(m.Width))
		w.float(m.LearningRate)
		w.uvarint(uint64(len(m.Trees)))
		for _, b := range m.Bias {
			w.float(b)
		}
		for _, group := range m.Trees {
			w.uvarint(uint64(len(group)))
			for _, tree := range group {
				w.tree(tree)
			}
		}
	default:
		return fmt.Errorf("cannot encode predictor %T", p)
	}
	return nil
}

func (w *writer) tree(t ml.Tree) {
	w.uvarint(uint64(len(t.Nodes)))
	for _, node := range t.Nodes {
		if node.IsLeaf {
			w.byte(tagLeaf)
			w.float(node.Value)
			continue
		}
		w.byte(tagSplit)
		w.uvarint(uint64(node.FeatureIdx))
		w.float(node.Threshold)
		w.uvarint(uint64(node.LeftChild))
		w.uvarint(uint64(node.RightChild))
	}
}
