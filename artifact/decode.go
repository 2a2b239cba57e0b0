package artifact

import (
	"encoding/binary"
	"errors"
	"math"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"

	"tabmodel/ml"
	"tabmodel/schema"
)

// Decode parses and validates an artifact. It fails with ErrUnsupportedVersion
// or ErrCorrupt and is safe to call concurrently.
func Decode(data []byte) (*Artifact, error) {
	if len(data) < headerSize {
		return nil, ErrCorrupt.Withf("%d bytes is shorter than the header", len(data))
	}
	if string(data[:4]) != Magic {
		return nil, ErrCorrupt.With("bad magic")
	}
	version := binary.LittleEndian.Uint16(data[4:6])
	if !supportedVersion(version) {
		return nil, ErrUnsupportedVersion.Withf("version %d", version)
	}
	length := binary.LittleEndian.Uint32(data[6:10])
	checksum := binary.LittleEndian.Uint64(data[10:18])
	stored := data[headerSize:]
	if uint64(len(stored)) != uint64(length) {
		return nil, ErrCorrupt.Withf("header declares %d body bytes, found %d", length, len(stored))
	}
	if xxhash.Sum64(stored) != checksum {
		return nil, ErrCorrupt.With("checksum mismatch")
	}

	body := stored
	if version == Version2 {
		var err error
		if body, err = decompress(stored); err != nil {
			return nil, ErrCorrupt.Withf("decompress body: %v", err)
		}
	}

	r := &reader{buf: body}
	a := &Artifact{}
	a.Metadata = r.metadata()
	s := r.schema()
	a.Predictor = r.predictor()
	if r.err != nil {
		return nil, r.err
	}
	if r.off != len(r.buf) {
		return nil, ErrCorrupt.Withf("%d trailing bytes", len(r.buf)-r.off)
	}
	a.Schema = s
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return a, nil
}

func decompress(stored []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1), zstd.WithDecoderMaxMemory(maxBodySize))
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(stored, nil)
}

// reader keeps the first error and turns every later read into a no-op.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) fail(format string, args ...interface{}) {
	if r.err == nil {
		r.err = ErrCorrupt.Withf(format, args...)
	}
}

func (r *reader) byte() byte {
	if r.err != nil {
		return 0
	}
	if r.off >= len(r.buf) {
		r.fail("unexpected end of body at offset %d", r.off)
		return 0
	}
	b := r.buf[r.off]
	r.off++
	return b
}

func (r *reader) uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.buf[r.off:])
	if n <= 0 {
		r.fail("bad uvarint at offset %d", r.off)
		return 0
	}
	r.off += n
	return v
}

func (r *reader) varint() int64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Varint(r.buf[r.off:])
	if n <= 0 {
		r.fail("bad varint at offset %d", r.off)
		return 0
	}
	r.off += n
	return v
}

func (r *reader) float() float64 {
	if r.err != nil {
		return 0
	}
	if len(r.buf)-r.off < 8 {
		r.fail("unexpected end of body at offset %d", r.off)
		return 0
	}
	v := math.Float64frombits(binary.LittleEndian.Uint64(r.buf[r.off:]))
	r.off += 8
	return v
}

// count reads a length and rejects it when the remaining bytes cannot hold
// that many elements of at least minSize bytes each.
func (r *reader) count(minSize int) int {
	n := r.uvarint()
	if r.err != nil {
		return 0
	}
	if n > uint64(len(r.buf)-r.off)/uint64(minSize) {
		r.fail("count %d exceeds remaining body at offset %d", n, r.off)
		return 0
	}
	return int(n)
}

// index reads a non-negative int that must fit the platform int.
func (r *reader) index() int {
	n := r.uvarint()
	if n > math.MaxInt32 {
		r.fail("index %d out of range", n)
		return 0
	}
	return int(n)
}

func (r *reader) string() string {
	n := r.count(1)
	if r.err != nil {
		return ""
	}
	s := string(r.buf[r.off : r.off+n])
	r.off += n
	return s
}

func (r *reader) metadata() Metadata {
	m := Metadata{ID: r.string()}
	if nanos := r.varint(); nanos != 0 {
		m.CreatedAt = time.Unix(0, nanos).UTC()
	}
	m.TargetColumn = r.string()
	n := r.count(9)
	if n > 0 {
		m.Metrics = make(map[string]float64, n)
	}
	for i := 0; i < n && r.err == nil; i++ {
		name := r.string()
		m.Metrics[name] = r.float()
	}
	return m
}

func (r *reader) schema() *schema.Schema {
	n := r.count(2)
	specs := make([]schema.FeatureSpec, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		tag := r.byte()
		spec := schema.FeatureSpec{Name: r.string()}
		switch tag {
		case tagNumber:
			spec.Kind = schema.KindNumber
		case tagEnum:
			spec.Kind = schema.KindEnum
			values := r.count(1)
			spec.Values = make([]string, 0, values)
			for j := 0; j < values && r.err == nil; j++ {
				spec.Values = append(spec.Values, r.string())
			}
		case tagText:
			spec.Kind = schema.KindText
			spec.TextEncoding = r.string()
		default:
			r.fail("feature %d has unknown kind tag %d", i, tag)
		}
		specs = append(specs, spec)
	}

	var task schema.Task
	switch tag := r.byte(); tag {
	case tagRegression:
		task.Type = schema.Regression
	case tagClassification:
		task.Type = schema.Classification
		labels := r.count(1)
		task.ClassLabels = make([]string, 0, labels)
		for j := 0; j < labels && r.err == nil; j++ {
			task.ClassLabels = append(task.ClassLabels, r.string())
		}
		task.NegativeClassIndex = r.index()
	default:
		r.fail("unknown task tag %d", tag)
	}
	if r.err != nil {
		return nil
	}

	s, err := schema.New(specs, task)
	if err != nil {
		if errors.Is(err, schema.ErrInvalidSchema) {
			r.fail("%v", err)
			return nil
		}
		r.err = err
		return nil
	}
	return s
}

func (r *reader) predictor() ml.Predictor {
	switch family := ml.Family(r.byte()); family {
	case ml.FamilyLinear:
		return r.linear()
	case ml.FamilyTreeEnsemble:
		return r.treeEnsemble()
	default:
		r.fail("unknown model family %d", uint8(family))
		return nil
	}
}

func (r *reader) linear() ml.Predictor {
	rows := r.count(8)
	width := r.index()
	if r.err != nil {
		return nil
	}
	if rows > 0 && width > (len(r.buf)-r.off)/8/rows {
		r.fail("linear weights exceed remaining body")
		return nil
	}
	m := &ml.Linear{
		Weights: make([][]float64, rows),
		Bias:    make([]float64, rows),
	}
	for k := 0; k < rows; k++ {
		row := make([]float64, width)
		for i := range row {
			row[i] = r.float()
		}
		m.Weights[k] = row
	}
	for k := 0; k < rows; k++ {
		m.Bias[k] = r.float()
	}
	return m
}

func (r *reader) treeEnsemble() ml.Predictor {
	m := &ml.TreeEnsemble{
		Width:        r.index(),
		LearningRate: r.float(),
	}
	outputs := r.count(9)
	m.Bias = make([]float64, outputs)
	for k := range m.Bias {
		m.Bias[k] = r.float()
	}
	m.Trees = make([][]ml.Tree, outputs)
	for k := 0; k < outputs && r.err == nil; k++ {
		trees := r.count(2)
		group := make([]ml.Tree, 0, trees)
		for j := 0; j < trees && r.err == nil; j++ {
			group = append(group, r.tree())
		}
		m.Trees[k] = group
	}
	return m
}

func (r *reader) tree() ml.Tree {
	n := r.count(9)
	nodes := make([]ml.TreeNode, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		switch tag := r.byte(); tag {
		case tagLeaf:
			nodes = append(nodes, ml.TreeNode{IsLeaf: true, Value: r.float()})
		case tagSplit:
			node := ml.TreeNode{FeatureIdx: r.index()}
			node.Threshold = r.float()
			node.LeftChild = r.index()
			node.RightChild = r.index()
			nodes = append(nodes, node)
		default:
			r.fail("node %d has unknown tag %d", i, tag)
		}
	}
	return ml.Tree{Nodes: nodes}
}
