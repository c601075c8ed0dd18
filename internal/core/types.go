package core

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is the interface for database operations.
// Satisfied by *pgxpool.Pool, *pgxpool.Conn and pgx.Tx.
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// Field is a semantic key of a source record as it appears in the JSON.
type Field string

const (
	FieldOrdinal  Field = "NO"
	FieldName     Field = "NAMA PENDAMPING"
	FieldEmail    Field = "EMAIL"
	FieldYear     Field = "TAHUN PENDAMPINGAN"
	FieldAreaCode Field = "NO SK KPS"
	FieldScheme   Field = "SKEMA PS"
	FieldAreaName Field = "KPS"
	FieldProvince Field = "PROVINSI"
	FieldRegency  Field = "KABUPATEN/KOTA"
	FieldDistrict Field = "KECAMATAN"
	FieldVillage  Field = "DESA/KELURAHAN"
	FieldAreaSize Field = "LUAS SK PS"
	FieldNote     Field = "KETERANGAN"
)

// Record is one source row: semantic field name to raw JSON value.
// Records are never mutated by the engine.
type Record map[string]any

// Get returns the normalized text of a field, or "" when missing.
func (r Record) Get(f Field) string {
	return SafeString(r[string(f)], "")
}

// IsContinuation reports whether the ordinal marker is blank, meaning the
// record continues the previous resolved identity and year.
func (r Record) IsContinuation() bool {
	return r.Get(FieldOrdinal) == ""
}

// Scheme is a tracked area scheme tag.
type Scheme string

const (
	SchemeHA Scheme = "ha"
	SchemeKK Scheme = "kk"
)

// ResolutionStatus is the tag of a Resolution.
type ResolutionStatus int

const (
	Unresolved ResolutionStatus = iota
	Resolved
)

// Unresolved reasons.
const (
	ReasonNoIdentifyingFields = "no identifying fields"
	ReasonAmbiguous           = "ambiguous match"
	ReasonNotFound            = "not found"
	ReasonUntracked           = "untracked scheme"
	ReasonEmptyCode           = "empty area code"
)

// Resolution is the tagged result of a resolver: Resolved(ID) or
// Unresolved(Reason). Ambiguous is set when several candidates existed and
// one was picked deterministically.
type Resolution struct {
	Status    ResolutionStatus
	ID        int64
	Reason    string
	Ambiguous bool
}

func resolvedAs(id int64) Resolution { return Resolution{Status: Resolved, ID: id} }

func unresolvedBy(reason string) Resolution { return Resolution{Status: Unresolved, Reason: reason} }

// OK reports whether the resolution produced an id.
func (r Resolution) OK() bool { return r.Status == Resolved }

func (r Resolution) String() string {
	if r.OK() {
		return fmt.Sprintf("Resolved(%d)", r.ID)
	}
	return fmt.Sprintf("Unresolved(%s)", r.Reason)
}

// RecordState is the terminal or intermediate state of one record in a run.
type RecordState string

const (
	StatePending   RecordState = "pending"
	StateResolving RecordState = "resolving"
	StateInserted  RecordState = "inserted"
	StateFailed    RecordState = "failed"
)

// RunPhase indicates the current stage of a run.
type RunPhase string

const (
	PhaseRunning   RunPhase = "running"
	PhaseCompleted RunPhase = "completed"
	PhaseFailed    RunPhase = "failed"
	PhaseCancelled RunPhase = "cancelled"
)

// Stats are the cumulative counters of an import run.
type Stats struct {
	Total   int `json:"total"`
	Success int `json:"success"`
	Failed  int `json:"failed"`
	Created int `json:"created"`
}

// Event is one progress or log message of a run.
// Every event carries at least one of Log, Progress or Stats.
type Event struct {
	Seq             int64  `json:"seq"`
	Log             string `json:"log,omitempty"`
	Progress        *int   `json:"progress,omitempty"`
	Stats           *Stats `json:"stats,omitempty"`
	FailedReportURL string `json:"failed_report_url,omitempty"`
	Done            bool   `json:"done,omitempty"`
}

// Sink receives run events. Implementations must not block.
type Sink interface {
	Emit(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

type nopSink struct{}

func (nopSink) Emit(Event) {}

// FailedRecord is one entry of the failure report.
type FailedRecord struct {
	Row     int    `json:"row"`
	Reason  Reason `json:"reason"`
	Message string `json:"message"`
	Record  Record `json:"record"`
}

// ImportResult contains the final result of an import run.
type ImportResult struct {
	RunID      string         `json:"run_id,omitempty"`
	DatasetID  string         `json:"dataset_id,omitempty"`
	Phase      RunPhase       `json:"phase"`
	Stats      Stats          `json:"stats"`
	RolledBack int            `json:"rolled_back,omitempty"`
	Failures   []FailedRecord `json:"failures,omitempty"`
	ReportURL  string         `json:"failed_report_url,omitempty"`
	Duration   time.Duration  `json:"duration"`
	Error      string         `json:"error,omitempty"`
}

// FailureReporter persists failed records and returns a retrieval URL.
type FailureReporter interface {
	WriteFailures(ctx context.Context, failures []FailedRecord) (string, error)
}
