package report

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/pendampingan/internal/core"
)

func sampleFailures() []core.FailedRecord {
	return []core.FailedRecord{
		{Row: 2, Reason: core.ReasonYearMissing, Message: "year missing", Record: core.Record{"no": json.Number("2")}},
		{Row: 3, Reason: core.ReasonInsertError, Message: "insert failed", Record: core.Record{"no": json.Number("3")}},
		{Row: 5, Reason: core.ReasonYearMissing, Message: "year missing", Record: core.Record{"no": json.Number("5")}},
		{Row: 7, Reason: core.ReasonMissingRequiredField, Message: "No SK KPS is required"},
	}
}

func TestValidateName(t *testing.T) {
	ok := []string{"failed_import_20240601_083000.json", "failed_import_20240601_083000_2.json", "retry-1.json"}
	for _, name := range ok {
		assert.NoError(t, ValidateName(name), name)
	}

	bad := []string{"", "../secret.json", "a/b.json", `a\b.json`, "report.txt", ".hidden.json", "a..json", "/etc/passwd"}
	for _, name := range bad {
		assert.ErrorIs(t, ValidateName(name), ErrInvalidName, name)
	}
}

func TestFileName(t *testing.T) {
	ts := time.Date(2024, 6, 1, 8, 30, 5, 0, time.UTC)
	assert.Equal(t, "failed_import_20240601_083005.json", FileName(ts))
	assert.Equal(t, "failed_import_20240601_083005_3.json", fileName(ts, 3))
}

func TestWriter_SameSecondKeepsBothReports(t *testing.T) {
	ctx := context.Background()
	sink, err := NewFileSink(t.TempDir())
	require.NoError(t, err)

	w := NewWriter(sink, nil)
	w.now = func() time.Time { return time.Date(2024, 6, 1, 8, 30, 0, 0, time.UTC) }

	first := sampleFailures()[:1]
	second := []core.FailedRecord{{Row: 9, Reason: core.ReasonInsertError, Message: "insert failed"}}

	url1, err := w.WriteFailures(ctx, first)
	require.NoError(t, err)
	url2, err := w.WriteFailures(ctx, second)
	require.NoError(t, err)

	assert.Equal(t, "/exports/failed_import_20240601_083000.json", url1)
	assert.Equal(t, "/exports/failed_import_20240601_083000_2.json", url2)

	got, err := w.Load(ctx, "failed_import_20240601_083000.json")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].Row)

	got, err = w.Load(ctx, "failed_import_20240601_083000_2.json")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 9, got[0].Row)

	entries, err := os.ReadDir(sink.Dir())
	require.NoError(t, err)
	assert.Len(t, entries, 2, "no temp files left behind")
}

func TestWriter_FileSinkRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	sink, err := NewFileSink(filepath.Join(dir, "exports"))
	require.NoError(t, err)

	w := NewWriter(sink, nil)
	w.now = func() time.Time { return time.Date(2024, 6, 1, 8, 30, 0, 0, time.UTC) }

	url, err := w.WriteFailures(ctx, sampleFailures())
	require.NoError(t, err)
	assert.Equal(t, "/exports/failed_import_20240601_083000.json", url)

	_, err = os.Stat(filepath.Join(sink.Dir(), "failed_import_20240601_083000.json"))
	require.NoError(t, err)

	got, err := w.Load(ctx, "failed_import_20240601_083000.json")
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, core.ReasonInsertError, got[1].Reason)
	assert.Equal(t, json.Number("3"), got[1].Record["no"])

	rc, err := w.Open(ctx, "failed_import_20240601_083000.json")
	require.NoError(t, err)
	raw, err := io.ReadAll(rc)
	require.NoError(t, rc.Close())
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"reason": "year_missing"`)
}

func TestFileSink_Errors(t *testing.T) {
	ctx := context.Background()
	sink, err := NewFileSink(t.TempDir())
	require.NoError(t, err)

	_, err = sink.Open(ctx, "missing.json")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = sink.Open(ctx, "../missing.json")
	assert.ErrorIs(t, err, ErrInvalidName)

	assert.ErrorIs(t, sink.Put(ctx, "../x.json", []byte("[]")), ErrInvalidName)

	require.NoError(t, sink.Put(ctx, "r.json", []byte("[1]")))
	assert.ErrorIs(t, sink.Put(ctx, "r.json", []byte("[2]")), ErrExists)
	raw, err := os.ReadFile(filepath.Join(sink.Dir(), "r.json"))
	require.NoError(t, err)
	assert.Equal(t, "[1]", string(raw))
}

func TestSummarize(t *testing.T) {
	s := Summarize(sampleFailures(), 1)

	assert.Equal(t, 4, s.Total)
	require.Len(t, s.ByReason, 3)

	assert.Equal(t, core.ReasonYearMissing, s.ByReason[0].Reason)
	assert.Equal(t, 2, s.ByReason[0].Count)
	assert.Equal(t, []Sample{{Row: 2, Message: "year missing"}}, s.ByReason[0].Samples)

	// equal counts are ordered by reason
	assert.Equal(t, core.ReasonInsertError, s.ByReason[1].Reason)
	assert.Equal(t, core.ReasonMissingRequiredField, s.ByReason[2].Reason)
}

func TestSummarize_Empty(t *testing.T) {
	s := Summarize(nil, 0)
	assert.Zero(t, s.Total)
	assert.Empty(t, s.ByReason)
}

func TestExtract(t *testing.T) {
	recs := Extract(sampleFailures())
	require.Len(t, recs, 3)
	assert.Equal(t, json.Number("5"), recs[2]["no"])
}
