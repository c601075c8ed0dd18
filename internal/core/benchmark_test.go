package core_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/JonMunkholm/pendampingan/internal/core"
	"github.com/JonMunkholm/pendampingan/internal/store/memory"
)

// ============================================================================
// Normalizer Benchmarks
// ============================================================================

// BenchmarkSafeString covers the value shapes seen in uploaded sources.
func BenchmarkSafeString(b *testing.B) {
	values := []any{
		"  Budi Santoso  ",
		json.Number("2024"),
		json.Number("2024.0"),
		float64(12),
		nil,
		"José",
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		for _, v := range values {
			core.SafeString(v, "")
		}
	}
}

func BenchmarkNormalizeScheme(b *testing.B) {
	inputs := []string{"HKm", "hutan kemasyarakatan", " kk ", "HD", "unknown"}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		for _, in := range inputs {
			core.NormalizeScheme(in)
		}
	}
}

// ============================================================================
// Import Benchmarks
// ============================================================================

// benchRecords builds n records over ten existing identities, every third
// record a continuation of the previous one.
func benchRecords(n int) []core.Record {
	records := make([]core.Record, n)
	for i := range records {
		rec := core.Record{
			string(core.FieldAreaCode): fmt.Sprintf("%d/SK/2024", i%50),
			string(core.FieldScheme):   "HKm",
			string(core.FieldAreaName): fmt.Sprintf("KPS %d", i%50),
		}
		if i%3 == 2 {
			rec[string(core.FieldOrdinal)] = ""
		} else {
			rec[string(core.FieldOrdinal)] = json.Number(fmt.Sprint(i + 1))
			rec[string(core.FieldEmail)] = fmt.Sprintf("user%d@x.com", i%10)
			rec[string(core.FieldYear)] = json.Number("2024")
		}
		records[i] = rec
	}
	return records
}

func newBenchStore() *memory.Store {
	s := memory.New()
	for i := 0; i < 10; i++ {
		s.AddRole(s.AddUser(fmt.Sprintf("User %d", i), fmt.Sprintf("user%d@x.com", i)))
	}
	return s
}

// BenchmarkImporterRun measures a full pass including area creation on the
// first fifty records.
func BenchmarkImporterRun(b *testing.B) {
	records := benchRecords(1000)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		b.StopTimer()
		im := core.NewImporter(newBenchStore(), core.ImporterConfig{BatchSize: 100})
		b.StartTimer()

		if _, err := im.Run(ctx, records, nil); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkReconcilerDiff measures a read-only diff against an imported store.
func BenchmarkReconcilerDiff(b *testing.B) {
	records := benchRecords(1000)
	ctx := context.Background()

	s := newBenchStore()
	if _, err := core.NewImporter(s, core.ImporterConfig{}).Run(ctx, records, nil); err != nil {
		b.Fatal(err)
	}
	rc := core.NewReconciler(s, core.ReconcilerConfig{})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := rc.Diff(ctx, records); err != nil {
			b.Fatal(err)
		}
	}
}
