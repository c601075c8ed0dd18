package report

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/go-faster/errors"

	"github.com/JonMunkholm/pendampingan/internal/core"
)

// URLPrefix is the download path of written reports.
const URLPrefix = "/exports/"

// maxNameAttempts bounds the suffixes tried for reports finished in the same
// second.
const maxNameAttempts = 100

// Writer writes failure reports to a Sink. It implements core.FailureReporter.
type Writer struct {
	sink   Sink
	logger *slog.Logger
	now    func() time.Time
}

// NewWriter creates a writer on sink.
func NewWriter(sink Sink, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{sink: sink, logger: logger, now: time.Now}
}

// FileName is the report name for a run finished at t.
func FileName(t time.Time) string {
	return fileName(t, 1)
}

// fileName is the n-th candidate name for t. Candidates after the first carry
// a numeric suffix.
func fileName(t time.Time, n int) string {
	base := "failed_import_" + t.Format("20060102_150405")
	if n > 1 {
		base += fmt.Sprintf("_%d", n)
	}
	return base + ".json"
}

// WriteFailures stores failures and returns their download URL.
func (w *Writer) WriteFailures(ctx context.Context, failures []core.FailedRecord) (string, error) {
	data, err := json.MarshalIndent(failures, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "encode report")
	}

	now := w.now()
	for n := 1; n <= maxNameAttempts; n++ {
		name := fileName(now, n)
		err := w.sink.Put(ctx, name, data)
		if errors.Is(err, ErrExists) {
			continue
		}
		if err != nil {
			return "", err
		}
		w.logger.Info("failure report written", "file", name, "failures", len(failures))
		return URLPrefix + name, nil
	}
	return "", errors.Errorf("no free report name for %s", FileName(now))
}

// Open returns the raw report named name.
func (w *Writer) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	return w.sink.Open(ctx, name)
}

// Load reads and parses the report named name.
func (w *Writer) Load(ctx context.Context, name string) ([]core.FailedRecord, error) {
	rc, err := w.sink.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return Parse(rc)
}

// Parse decodes a report. Numbers inside records stay json.Number.
func Parse(r io.Reader) ([]core.FailedRecord, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var failures []core.FailedRecord
	if err := dec.Decode(&failures); err != nil {
		return nil, errors.Wrap(err, "decode report")
	}
	return failures, nil
}
