package stats

import (
	"encoding/csv"
	"fmt"
	"os"
	"testing"
	"time"
)

func wideReport(n int, extra map[string]string) Report {
	r := Report{Values: map[string]string{}}
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("inbound-rtp.field%02d", i)
		r.Keys = append(r.Keys, key)
		r.Values[key] = fmt.Sprintf("v%d", i)
	}
	for k, v := range extra {
		r.Keys = append(r.Keys, k)
		r.Values[k] = v
	}
	return r
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	return rows
}

func TestWriterHeaderOnFirstObservation(t *testing.T) {
	w := NewWriter(t.TempDir(), "video", time.Now())

	if err := w.Append(wideReport(20, nil)); err != nil {
		t.Fatal(err)
	}

	rows := readCSV(t, w.Path())
	if len(rows) != 2 {
		t.Fatalf("expected header + row, got %d rows", len(rows))
	}
	if rows[0][0] != "timestamp" {
		t.Fatalf("first column must be timestamp, got %q", rows[0][0])
	}
	if len(rows[0]) != 21 {
		t.Fatalf("expected 21 columns, got %d", len(rows[0]))
	}
}

func TestWriterAppendsMatchingSchema(t *testing.T) {
	w := NewWriter(t.TempDir(), "video", time.Now())
	for i := 0; i < 3; i++ {
		if err := w.Append(wideReport(20, nil)); err != nil {
			t.Fatal(err)
		}
	}
	rows := readCSV(t, w.Path())
	if len(rows) != 4 {
		t.Fatalf("expected header + 3 rows, got %d", len(rows))
	}
}

func TestWriterDiscardsTruncatedReports(t *testing.T) {
	w := NewWriter(t.TempDir(), "audio", time.Now())
	if err := w.Append(wideReport(3, nil)); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(w.Path()); !os.IsNotExist(err) {
		t.Fatal("truncated reports must not create the file")
	}
}

func TestWriterSchemaEvolutionBackfillsNaN(t *testing.T) {
	w := NewWriter(t.TempDir(), "video", time.Now())

	if err := w.Append(wideReport(20, nil)); err != nil {
		t.Fatal(err)
	}
	// A new column appears mid-session.
	if err := w.Append(wideReport(20, map[string]string{"inbound-rtp.newField": "x"})); err != nil {
		t.Fatal(err)
	}

	rows := readCSV(t, w.Path())
	if len(rows) != 3 {
		t.Fatalf("expected header + 2 rows, got %d", len(rows))
	}
	header := rows[0]
	if header[len(header)-1] != "inbound-rtp.newField" {
		t.Fatalf("new column must be appended, got %v", header)
	}
	// The pre-evolution row carries NaN in the new column.
	first := rows[1]
	if first[len(first)-1] != "NaN" {
		t.Fatalf("old row must be backfilled with NaN, got %q", first[len(first)-1])
	}
	// The new row carries the actual value.
	second := rows[2]
	if second[len(second)-1] != "x" {
		t.Fatalf("new row must carry the value, got %q", second[len(second)-1])
	}
}

func TestFlattenStats(t *testing.T) {
	raw := []byte(`[
	  {"type": "inbound-rtp", "id": "a", "kind": "video", "packetsReceived": 10},
	  {"type": "inbound-rtp", "id": "b", "kind": "video", "packetsReceived": 20}
	]`)
	report, err := Flatten(raw)
	if err != nil {
		t.Fatal(err)
	}
	if report.Values["inbound-rtp.packetsReceived"] != "10" {
		t.Fatalf("first report keeps the bare type key: %v", report.Values)
	}
	if report.Values["inbound-rtp-b.packetsReceived"] != "20" {
		t.Fatalf("duplicate types must be disambiguated by id: %v", report.Values)
	}
}

func TestFlattenRejectsGarbage(t *testing.T) {
	if _, err := Flatten([]byte("{not an array")); err == nil {
		t.Fatal("expected parse error")
	}
}
