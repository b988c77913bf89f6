// Package stats persists client-reported WebRTC statistics to per-kind CSV
// files. The report schema evolves as the browser adds fields mid-session;
// when new columns appear the file is rewritten with "NaN" backfill.
package stats

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/driftdesk/streamer/internal/logging"
)

var log = logging.L("stats")

// minColumns guards against the truncated report objects clients emit while
// reconnecting; those rows are discarded.
const minColumns = 15

// Report is one flattened statistics document: ordered keys plus values.
type Report struct {
	Keys   []string
	Values map[string]string
}

// Flatten turns the browser's JSON array of stat objects into
// "type.field" keys. Duplicate report types get the report id appended.
func Flatten(raw []byte) (Report, error) {
	var objects []map[string]any
	if err := json.Unmarshal(raw, &objects); err != nil {
		return Report{}, fmt.Errorf("parsing stats payload: %w", err)
	}

	report := Report{Values: make(map[string]string)}
	seenTypes := map[string]bool{}
	for _, obj := range objects {
		typeName, _ := obj["type"].(string)
		key := typeName
		if seenTypes[key] {
			if id, ok := obj["id"].(string); ok {
				key = typeName + "-" + id
			}
		}
		seenTypes[key] = true

		for field, value := range obj {
			column := key + "." + field
			report.Keys = append(report.Keys, column)
			switch v := value.(type) {
			case string:
				report.Values[column] = v
			default:
				encoded, _ := json.Marshal(v)
				report.Values[column] = string(encoded)
			}
		}
	}
	return report, nil
}

// Writer appends reports for one media kind to a CSV file.
type Writer struct {
	mu      sync.Mutex
	path    string
	headers []string
}

// NewWriter creates a writer for the given kind; the file name carries the
// session start time.
func NewWriter(dir, kind string, start time.Time) *Writer {
	name := fmt.Sprintf("streamer-stats-%s-%s.csv", kind, start.Format("2006-01-02:15:04:05"))
	return &Writer{path: filepath.Join(dir, name)}
}

// Path returns the CSV file location.
func (w *Writer) Path() string { return w.path }

// Append writes one report row. The first observation writes the header; a
// widened schema rewrites the file with "NaN" backfill for old rows.
func (w *Writer) Append(report Report) error {
	headers := append([]string{"timestamp"}, report.Keys...)
	if len(headers) < minColumns {
		return nil
	}

	row := make([]string, 0, len(headers))
	row = append(row, time.Now().Format("02/January/2006:15:04:05"))
	for _, key := range report.Keys {
		row = append(row, report.Values[key])
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	switch {
	case w.headers == nil:
		w.headers = headers
		return w.writeRows(false, [][]string{headers, row})
	case equalHeaders(w.headers, headers):
		return w.writeRows(true, [][]string{row})
	default:
		return w.evolveSchema(headers, row)
	}
}

func (w *Writer) writeRows(appendMode bool, rows [][]string) error {
	flags := os.O_CREATE | os.O_WRONLY
	if appendMode {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(w.path, flags, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	cw := csv.NewWriter(f)
	if err := cw.WriteAll(rows); err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}

// evolveSchema merges the new header set with the existing one and rewrites
// the whole file, backfilling absent cells with "NaN".
func (w *Writer) evolveSchema(newHeaders, newRow []string) error {
	existing, err := w.readAll()
	if err != nil {
		return err
	}

	merged := mergeHeaders(w.headers, newHeaders)

	rows := [][]string{merged}
	for _, old := range existing[1:] {
		rows = append(rows, remapRow(w.headers, old, merged))
	}
	rows = append(rows, remapRow(newHeaders, newRow, merged))

	w.headers = merged
	if err := w.writeRows(false, rows); err != nil {
		return err
	}
	log.Debug("stats schema evolved", "path", w.path, "columns", len(merged))
	return nil
}

func (w *Writer) readAll() ([][]string, error) {
	f, err := os.Open(w.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	return reader.ReadAll()
}

func equalHeaders(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// mergeHeaders unions the two header lists, keeping the original order and
// appending genuinely new columns.
func mergeHeaders(oldHeaders, newHeaders []string) []string {
	seen := make(map[string]bool, len(oldHeaders))
	merged := make([]string, 0, len(oldHeaders)+len(newHeaders))
	for _, h := range oldHeaders {
		merged = append(merged, h)
		seen[h] = true
	}
	for _, h := range newHeaders {
		if !seen[h] {
			merged = append(merged, h)
			seen[h] = true
		}
	}
	return merged
}

// remapRow projects a row recorded under rowHeaders onto the merged header
// set, filling missing cells with "NaN".
func remapRow(rowHeaders, row []string, merged []string) []string {
	index := make(map[string]int, len(rowHeaders))
	for i, h := range rowHeaders {
		if i < len(row) {
			index[h] = i
		}
	}
	out := make([]string, len(merged))
	for i, h := range merged {
		if j, ok := index[h]; ok {
			out[i] = row[j]
		} else {
			out[i] = "NaN"
		}
	}
	return out
}
