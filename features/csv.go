package features

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"
)

// ReadCSV reads a CSV file with a header row into records. Every non-empty
// cell becomes a string value and empty cells are left missing; numeric
// features coerce the strings when encoded.
func ReadCSV(r io.Reader) ([]Record, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = true
	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	names := make([]string, len(header))
	for i, h := range header {
		names[i] = strings.TrimSpace(h)
	}

	var records []Record
	for {
		row, err := cr.Read()
		if err == io.EOF {
			return records, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read csv row %d: %w", len(records)+1, err)
		}
		rec := make(Record, len(names))
		for i, cell := range row {
			if cell == "" {
				continue
			}
			rec[names[i]] = String(cell)
		}
		records = append(records, rec)
	}
}

// ReadJSONLines reads one JSON object per line. Blank lines are skipped.
func ReadJSONLines(r io.Reader) ([]Record, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var records []Record
	for n, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		rec, err := ParseRecord([]byte(line))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", n+1, err)
		}
		records = append(records, rec)
	}
	return records, nil
}
