package core_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/pendampingan/internal/core"
	"github.com/JonMunkholm/pendampingan/internal/store/memory"
)

var fixedNow = time.Date(2024, 6, 1, 8, 30, 0, 42000, time.UTC)

type captureReporter struct {
	mu       sync.Mutex
	failures []core.FailedRecord
	calls    int
}

func (r *captureReporter) WriteFailures(_ context.Context, failures []core.FailedRecord) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.failures = append(r.failures, failures...)
	return "/exports/failed_import_20240601_083000.json", nil
}

type eventLog struct {
	mu     sync.Mutex
	events []core.Event
}

func (l *eventLog) Emit(e core.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) last() core.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.events[len(l.events)-1]
}

func (l *eventLog) progressCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Progress != nil && !e.Done {
			n++
		}
	}
	return n
}

func newImporter(s core.Store, batch int, rep core.FailureReporter) *core.Importer {
	return core.NewImporter(s, core.ImporterConfig{
		BatchSize: batch,
		Reporter:  rep,
		Now:       func() time.Time { return fixedNow },
	})
}

func num(s string) json.Number { return json.Number(s) }

func TestImporter_ScenarioA_CreatesAreaAndInserts(t *testing.T) {
	s := memory.New()
	user := s.AddUser("A", "a@x.com")
	role := s.AddRole(user)

	records := []core.Record{{
		"EMAIL": "a@x.com", "NAMA PENDAMPING": "A", "NO SK KPS": "1/A/2024",
		"SKEMA PS": "KK", "TAHUN PENDAMPINGAN": "2024", "NO": num("1"),
	}}

	res, err := newImporter(s, 100, nil).Run(context.Background(), records, nil)
	require.NoError(t, err)

	assert.Equal(t, core.PhaseCompleted, res.Phase)
	assert.Equal(t, core.Stats{Total: 1, Success: 1, Failed: 0, Created: 1}, res.Stats)

	areas := s.Areas()
	require.Len(t, areas, 1)
	assert.Equal(t, "1/A/2024", areas[0].Code)
	assert.Equal(t, "kk", areas[0].Scheme)

	rows := s.Assignments()
	require.Len(t, rows, 1)
	assert.Equal(t, user, rows[0].UserID)
	assert.Equal(t, role, rows[0].RoleID)
	assert.Equal(t, areas[0].ID, rows[0].AreaID)
	assert.Equal(t, "2024", rows[0].Year)
	assert.Equal(t, core.DefaultNote, rows[0].Note)
	assert.Equal(t, fixedNow, rows[0].UploadedAt)
}

func TestImporter_ScenarioB_MissingIdentityFields(t *testing.T) {
	s := memory.New()
	rep := &captureReporter{}

	records := []core.Record{{
		"EMAIL": "", "NAMA PENDAMPING": "", "NO SK KPS": "1/A/2024",
		"SKEMA PS": "KK", "TAHUN PENDAMPINGAN": "2024", "NO": num("1"),
	}}

	res, err := newImporter(s, 100, rep).Run(context.Background(), records, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Stats.Failed)
	assert.Equal(t, 0, res.Stats.Success)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, core.ReasonMissingRequiredField, res.Failures[0].Reason)
	assert.Equal(t, 1, res.Failures[0].Row)

	require.Len(t, rep.failures, 1)
	for _, f := range rep.failures {
		assert.NotEmpty(t, f.Record, "report entries carry the original record")
	}
	assert.Equal(t, "/exports/failed_import_20240601_083000.json", res.ReportURL)

	assert.Empty(t, s.Users(), "no resolution or creation before validation")
	assert.Empty(t, s.Areas())
	assert.Empty(t, s.Assignments())
}

func TestImporter_ScenarioC_CarriesIdentityAndYear(t *testing.T) {
	s := memory.New()
	user := s.AddUser("A", "a@x.com")
	s.AddRole(user)

	records := []core.Record{
		{"EMAIL": "a@x.com", "NO SK KPS": "1/A/2024", "SKEMA PS": "pphkm", "TAHUN PENDAMPINGAN": num("2024"), "NO": num("1")},
		{"NO SK KPS": "2/B/2024", "SKEMA PS": "pphkm", "NO": ""},
	}

	res, err := newImporter(s, 100, nil).Run(context.Background(), records, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Stats.Success)

	rows := s.Assignments()
	require.Len(t, rows, 2)
	assert.Equal(t, rows[0].UserID, rows[1].UserID)
	assert.Equal(t, user, rows[1].UserID)
	assert.Equal(t, "2024", rows[1].Year)
}

func TestImporter_ScenarioD_UntrackedSchemeLeavesAreaNull(t *testing.T) {
	s := memory.New()
	user := s.AddUser("A", "a@x.com")
	s.AddRole(user)
	s.AddArea("9/Z/2024", "kk", "Zeta")

	records := []core.Record{{
		"EMAIL": "a@x.com", "NO SK KPS": "9/Z/2024", "SKEMA PS": "pphkm",
		"TAHUN PENDAMPINGAN": "2024", "NO": num("1"),
	}}

	res, err := newImporter(s, 100, nil).Run(context.Background(), records, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Stats.Success)
	assert.Equal(t, 0, res.Stats.Failed)
	rows := s.Assignments()
	require.Len(t, rows, 1)
	assert.Zero(t, rows[0].AreaID)
	assert.Len(t, s.Areas(), 1, "no area created for untracked schemes")
}

func TestImporter_CarryChainAcrossManyBlankRecords(t *testing.T) {
	s := memory.New()
	first := s.AddUser("A", "a@x.com")
	s.AddRole(first)
	second := s.AddUser("B", "b@x.com")
	s.AddRole(second)

	records := []core.Record{
		{"EMAIL": "a@x.com", "NO SK KPS": "1", "TAHUN PENDAMPINGAN": "2023", "NO": num("1")},
		{"NO SK KPS": "2"},
		{"NO SK KPS": "3", "TAHUN PENDAMPINGAN": "1999"},
		{"EMAIL": "B@X.COM ", "NO SK KPS": "4", "TAHUN PENDAMPINGAN": "2024", "NO": num("2")},
		{"NO SK KPS": "5", "NO": nil},
	}

	res, err := newImporter(s, 100, nil).Run(context.Background(), records, nil)
	require.NoError(t, err)
	require.Equal(t, 5, res.Stats.Success)

	rows := s.Assignments()
	require.Len(t, rows, 5)
	for i, want := range []struct {
		user int64
		year string
	}{{first, "2023"}, {first, "2023"}, {first, "2023"}, {second, "2024"}, {second, "2024"}} {
		assert.Equal(t, want.user, rows[i].UserID, "row %d user", i+1)
		assert.Equal(t, want.year, rows[i].Year, "row %d year", i+1)
	}
}

func TestImporter_BlankOrdinalWithoutPriorIdentityFails(t *testing.T) {
	s := memory.New()
	records := []core.Record{{"NO SK KPS": "1", "TAHUN PENDAMPINGAN": "2024", "EMAIL": "a@x.com"}}

	res, err := newImporter(s, 100, nil).Run(context.Background(), records, nil)
	require.NoError(t, err)

	require.Len(t, res.Failures, 1)
	assert.Equal(t, core.ReasonIdentityResolutionFailed, res.Failures[0].Reason)
	assert.Equal(t, "no prior identity to carry forward", res.Failures[0].Message)
}

func TestImporter_FailedRecordDoesNotAdvanceTracker(t *testing.T) {
	s := memory.New()
	first := s.AddUser("A", "a@x.com")
	s.AddRole(first)

	records := []core.Record{
		{"EMAIL": "a@x.com", "NO SK KPS": "1", "TAHUN PENDAMPINGAN": "2023", "NO": num("1")},
		{"EMAIL": "b@x.com", "NAMA PENDAMPING": "B", "NO SK KPS": "2", "NO": num("2")}, // creates B, then fails on year
		{"NO SK KPS": "3"},
	}

	res, err := newImporter(s, 100, nil).Run(context.Background(), records, nil)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Stats.Success)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, core.ReasonYearMissing, res.Failures[0].Reason)

	rows := s.Assignments()
	require.Len(t, rows, 2)
	assert.Equal(t, first, rows[1].UserID)
	assert.Len(t, s.Users(), 1, "identity created by a failed record is rolled back")
}

func TestImporter_CreatesIdentityWhenNotFound(t *testing.T) {
	s := memory.New()
	records := []core.Record{{"NAMA PENDAMPING": "Budi Santoso", "NO SK KPS": "1", "TAHUN PENDAMPINGAN": "2024", "NO": num("1")}}

	res, err := newImporter(s, 100, nil).Run(context.Background(), records, nil)
	require.NoError(t, err)
	assert.Equal(t, core.Stats{Total: 1, Success: 1, Created: 1}, res.Stats)

	users := s.Users()
	require.Len(t, users, 1)
	assert.Equal(t, "budisantoso.000042@noemail.com", users[0].Email)
	assert.Equal(t, "123456", users[0].Password)
	assert.Equal(t, "pendamping", users[0].Type)
	assert.Equal(t, "aktif", users[0].Status)

	roles := s.Roles()
	require.Len(t, roles, 1)
	assert.Equal(t, users[0].ID, roles[0].UserID)
	assert.Equal(t, roles[0].ID, s.Assignments()[0].RoleID)
}

func TestImporter_CreatesRoleForExistingUser(t *testing.T) {
	s := memory.New()
	user := s.AddUser("A", "a@x.com")
	records := []core.Record{{"EMAIL": "a@x.com", "NO SK KPS": "1", "TAHUN PENDAMPINGAN": "2024", "NO": num("1")}}

	res, err := newImporter(s, 100, nil).Run(context.Background(), records, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Stats.Created)
	roles := s.Roles()
	require.Len(t, roles, 1)
	assert.Equal(t, user, roles[0].UserID)
}

func TestImporter_AmbiguousIdentityFails(t *testing.T) {
	s := memory.New()
	s.AddUser("A", "dup@x.com")
	s.AddUser("A2", "DUP@x.com")

	records := []core.Record{{"EMAIL": "dup@x.com", "NAMA PENDAMPING": "New", "NO SK KPS": "1", "TAHUN PENDAMPINGAN": "2024", "NO": num("1")}}

	res, err := newImporter(s, 100, nil).Run(context.Background(), records, nil)
	require.NoError(t, err)

	require.Len(t, res.Failures, 1)
	assert.Equal(t, core.ReasonIdentityResolutionFailed, res.Failures[0].Reason)
	assert.Len(t, s.Users(), 2, "ambiguity never creates an identity")
}

func TestImporter_IdentityFallsBackFromEmailToName(t *testing.T) {
	tests := []struct {
		name      string
		email     string
		fullName  string
		wantUser  string // name of the user the row lands on; empty for failure
		wantUsers int
	}{
		{"unknown email, unique name", "new@x.com", "siti aminah", "Siti Aminah", 3},
		{"no email, unique name", "", "Siti Aminah", "Siti Aminah", 3},
		{"unknown email, ambiguous name", "new@x.com", "Agus", "", 3},
		{"no email, ambiguous name", "", "agus", "", 3},
		{"email match wins over name", "siti@x.com", "Agus", "Siti Aminah", 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := memory.New()
			ids := map[string]int64{}
			ids["Siti Aminah"] = s.AddUser("Siti Aminah", "siti@x.com")
			s.AddRole(ids["Siti Aminah"])
			s.AddUser("Agus", "agus1@x.com")
			s.AddUser("AGUS", "agus2@x.com")

			records := []core.Record{{
				"EMAIL": tt.email, "NAMA PENDAMPING": tt.fullName,
				"NO SK KPS": "1", "TAHUN PENDAMPINGAN": "2024", "NO": num("1"),
			}}

			res, err := newImporter(s, 100, nil).Run(context.Background(), records, nil)
			require.NoError(t, err)
			assert.Len(t, s.Users(), tt.wantUsers, "no identity is created")

			if tt.wantUser == "" {
				require.Len(t, res.Failures, 1)
				assert.Equal(t, core.ReasonIdentityResolutionFailed, res.Failures[0].Reason)
				assert.Contains(t, res.Failures[0].Message, "ambiguous")
				assert.Empty(t, s.Assignments())
				return
			}
			require.Empty(t, res.Failures)
			assert.Equal(t, 0, res.Stats.Created)
			rows := s.Assignments()
			require.Len(t, rows, 1)
			assert.Equal(t, ids[tt.wantUser], rows[0].UserID)
		})
	}
}

func TestImporter_InsertErrorRollsBackRecordOnly(t *testing.T) {
	s := memory.New()
	user := s.AddUser("A", "a@x.com")
	s.AddRole(user)
	s.Hooks.InsertAssignment = func(a core.NewAssignment) error {
		if a.Year == "1999" {
			return errors.New(`value "1999" violates check constraint`)
		}
		return nil
	}

	records := []core.Record{
		{"EMAIL": "a@x.com", "NO SK KPS": "1/A", "SKEMA PS": "kk", "KPS": "One", "TAHUN PENDAMPINGAN": "2024", "NO": num("1")},
		{"EMAIL": "a@x.com", "NO SK KPS": "2/B", "SKEMA PS": "kk", "KPS": "Two", "TAHUN PENDAMPINGAN": "1999", "NO": num("2")},
		{"EMAIL": "a@x.com", "NO SK KPS": "3/C", "SKEMA PS": "kk", "KPS": "Three", "TAHUN PENDAMPINGAN": "2024", "NO": num("3")},
	}

	res, err := newImporter(s, 100, nil).Run(context.Background(), records, nil)
	require.NoError(t, err)

	assert.Equal(t, core.Stats{Total: 3, Success: 2, Failed: 1, Created: 2}, res.Stats)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, core.ReasonInsertError, res.Failures[0].Reason)
	assert.Equal(t, 2, res.Failures[0].Row)

	var codes []string
	for _, a := range s.Areas() {
		codes = append(codes, a.Code)
	}
	assert.Equal(t, []string{"1/A", "3/C"}, codes, "area created by the failed record is rolled back")
}

func TestImporter_AreaCreationFailureKeepsRecord(t *testing.T) {
	s := memory.New()
	user := s.AddUser("A", "a@x.com")
	s.AddRole(user)
	s.Hooks.CreateArea = func(core.NewArea) error { return errors.New("value too long for type character varying(100)") }

	records := []core.Record{{"EMAIL": "a@x.com", "NO SK KPS": "1/A", "SKEMA PS": "HA", "TAHUN PENDAMPINGAN": "2024", "NO": num("1")}}

	res, err := newImporter(s, 100, nil).Run(context.Background(), records, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Stats.Success)
	assert.Zero(t, s.Assignments()[0].AreaID)
}

func TestImporter_AmbiguousAreaPicksClosestCode(t *testing.T) {
	s := memory.New()
	user := s.AddUser("A", "a@x.com")
	s.AddRole(user)
	s.AddArea("12/A/2020", "kk", "Far")
	near := s.AddArea("X12/A", "kk", "Near")

	records := []core.Record{{"EMAIL": "a@x.com", "NO SK KPS": "12/A", "SKEMA PS": "kk", "TAHUN PENDAMPINGAN": "2024", "NO": num("1")}}

	res, err := newImporter(s, 100, nil).Run(context.Background(), records, nil)
	require.NoError(t, err)

	assert.Equal(t, 0, res.Stats.Created)
	assert.Equal(t, near, s.Assignments()[0].AreaID)
}

func TestImporter_CommitsEveryBatch(t *testing.T) {
	s := memory.New()
	user := s.AddUser("A", "a@x.com")
	s.AddRole(user)

	commits := 0
	s.Hooks.Commit = func() error { commits++; return nil }

	var records []core.Record
	for i := 1; i <= 5; i++ {
		records = append(records, core.Record{"EMAIL": "a@x.com", "NO SK KPS": "K", "TAHUN PENDAMPINGAN": "2024", "NO": i})
	}

	events := &eventLog{}
	res, err := newImporter(s, 2, nil).Run(context.Background(), records, events)
	require.NoError(t, err)

	assert.Equal(t, 5, res.Stats.Success)
	assert.Equal(t, 3, commits)
	assert.Equal(t, 2, events.progressCount())

	final := events.last()
	assert.True(t, final.Done)
	require.NotNil(t, final.Progress)
	assert.Equal(t, 100, *final.Progress)
	assert.Equal(t, "Import completed!", final.Log)
	require.NotNil(t, final.Stats)
	assert.Equal(t, 5, final.Stats.Success)
}

func TestImporter_CancelRollsBackOpenWindow(t *testing.T) {
	s := memory.New()
	user := s.AddUser("A", "a@x.com")
	s.AddRole(user)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Hooks.InsertAssignment = func(a core.NewAssignment) error {
		if a.Year == "stop" {
			cancel()
			return context.Canceled
		}
		return nil
	}

	records := []core.Record{
		{"EMAIL": "a@x.com", "NO SK KPS": "1", "TAHUN PENDAMPINGAN": "2024", "NO": 1},
		{"EMAIL": "a@x.com", "NO SK KPS": "2", "TAHUN PENDAMPINGAN": "2024", "NO": 2},
		{"EMAIL": "a@x.com", "NO SK KPS": "3", "TAHUN PENDAMPINGAN": "2024", "NO": 3},
		{"EMAIL": "a@x.com", "NO SK KPS": "4", "TAHUN PENDAMPINGAN": "stop", "NO": 4},
		{"EMAIL": "a@x.com", "NO SK KPS": "5", "TAHUN PENDAMPINGAN": "2024", "NO": 5},
	}

	res, err := newImporter(s, 2, nil).Run(ctx, records, nil)
	require.NoError(t, err)

	assert.Equal(t, core.PhaseCancelled, res.Phase)
	assert.Equal(t, 2, res.Stats.Success)
	assert.Equal(t, 1, res.RolledBack)
	assert.Len(t, s.Assignments(), 2, "committed windows stay committed")
}

func TestImporter_BeginFailureIsFatal(t *testing.T) {
	s := memory.New()
	s.Hooks.Begin = func() error { return errors.New("dial tcp 127.0.0.1:5432: connection refused") }

	res, err := newImporter(s, 100, nil).Run(context.Background(), []core.Record{{"EMAIL": "a@x.com"}}, nil)
	require.Error(t, err)
	assert.Equal(t, core.PhaseFailed, res.Phase)
	assert.Equal(t, "DB004", core.MapError(err).Code)
}

func TestImporter_NoteDefaultsAndTruncates(t *testing.T) {
	s := memory.New()
	user := s.AddUser("A", "a@x.com")
	s.AddRole(user)

	long := make([]rune, 300)
	for i := range long {
		long[i] = 'é'
	}
	records := []core.Record{{"EMAIL": "a@x.com", "NO SK KPS": "1", "TAHUN PENDAMPINGAN": "2024", "NO": 1, "KETERANGAN": string(long)}}

	_, err := newImporter(s, 100, nil).Run(context.Background(), records, nil)
	require.NoError(t, err)

	assert.Equal(t, core.MaxNoteLength, len([]rune(s.Assignments()[0].Note)))
}
