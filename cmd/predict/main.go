// Command predict runs a model artifact over a CSV or JSON lines file and
// writes one JSON prediction per line.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/alexflint/go-arg"
	"github.com/cheggaaa/pb/v3"
	json "github.com/goccy/go-json"

	"tabmodel/features"
	"tabmodel/ml"
	"tabmodel/model"
)

// chunkSize is how many records are predicted between progress updates.
const chunkSize = 1024

type args struct {
	Model    string `arg:"-m,required,help:path to the model artifact"`
	Input    string `arg:"-i,help:CSV or JSON lines file to predict (.csv or .jsonl)"`
	Record   string `arg:"-r,help:a single JSON record to predict instead of a file"`
	Output   string `arg:"-o,help:file to write predictions to (default stdout)"`
	Workers  int    `arg:"-w,help:number of prediction goroutines"`
	Progress bool   `arg:"help:show a progress bar on stderr"`
}

func (args) Description() string {
	return "Predict records with a trained tabular model artifact."
}

func main() {
	a := args{Workers: runtime.GOMAXPROCS(0)}
	p := arg.MustParse(&a)
	if (a.Input == "") == (a.Record == "") {
		p.Fail("exactly one of --input or --record is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	out := io.Writer(os.Stdout)
	if a.Output != "" {
		f, err := os.Create(a.Output)
		if err != nil {
			log.Fatalf("failed to create output: %v", err)
		}
		defer f.Close()
		out = f
	}
	if err := run(ctx, a, out); err != nil {
		log.Fatalf("predict: %v", err)
	}
}

func run(ctx context.Context, a args, out io.Writer) error {
	m, err := model.LoadFile(a.Model)
	if err != nil {
		return err
	}
	records, err := readRecords(a)
	if err != nil {
		return err
	}

	var bar *pb.ProgressBar
	if a.Progress {
		bar = pb.StartNew(len(records))
		defer bar.Finish()
	}

	w := bufio.NewWriter(out)
	enc := json.NewEncoder(w)
	for start := 0; start < len(records); start += chunkSize {
		end := min(start+chunkSize, len(records))
		outputs, err := m.PredictBatch(ctx, records[start:end], a.Workers)
		if err != nil {
			return err
		}
		if err := writeOutputs(enc, outputs); err != nil {
			return err
		}
		if bar != nil {
			bar.Add(len(outputs))
		}
	}
	return w.Flush()
}

func readRecords(a args) ([]features.Record, error) {
	if a.Record != "" {
		rec, err := features.ParseRecord([]byte(a.Record))
		if err != nil {
			return nil, err
		}
		return []features.Record{rec}, nil
	}

	f, err := os.Open(a.Input)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	switch ext := strings.ToLower(filepath.Ext(a.Input)); ext {
	case ".csv":
		return features.ReadCSV(f)
	case ".jsonl", ".ndjson", ".json":
		return features.ReadJSONLines(f)
	default:
		return nil, fmt.Errorf("unsupported input format %q", ext)
	}
}

func writeOutputs(enc *json.Encoder, outputs []ml.Output) error {
	for _, o := range outputs {
		if err := enc.Encode(o); err != nil {
			return err
		}
	}
	return nil
}
