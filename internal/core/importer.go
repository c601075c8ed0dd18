package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultBatchSize is the number of successful records per commit window.
	DefaultBatchSize = 100

	// DefaultNote is stored when a record has no KETERANGAN.
	DefaultNote = "Imported via Web"

	// MaxNoteLength is the column width of keterangan in runes.
	MaxNoteLength = 255

	// New identity column values.
	defaultPassword   = "123456"
	defaultUserType   = "pendamping"
	defaultUserStatus = "aktif"
)

var tracer = otel.Tracer("github.com/JonMunkholm/pendampingan/internal/core")

// ImporterConfig configures an Importer. Zero values select defaults.
type ImporterConfig struct {
	BatchSize   int
	DefaultNote string
	Reporter    FailureReporter
	Logger      *slog.Logger
	Now         func() time.Time
}

// Importer runs one ordered pass over a record list. Each record is resolved,
// possibly creates reference rows, and is inserted inside its own savepoint.
// The open window is committed every BatchSize successful records.
type Importer struct {
	store      Store
	identities *IdentityResolver
	areas      *AreaResolver
	reporter   FailureReporter

	batchSize   int
	defaultNote string
	now         func() time.Time
	logger      *slog.Logger
}

// NewImporter creates an importer over store.
func NewImporter(store Store, cfg ImporterConfig) *Importer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.DefaultNote == "" {
		cfg.DefaultNote = DefaultNote
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Importer{
		store:       store,
		identities:  NewIdentityResolver(cfg.Logger),
		areas:       NewAreaResolver(cfg.Logger),
		reporter:    cfg.Reporter,
		batchSize:   cfg.BatchSize,
		defaultNote: cfg.DefaultNote,
		now:         cfg.Now,
		logger:      cfg.Logger,
	}
}

// recordOutcome is what processRecord hands back to the run loop.
type recordOutcome struct {
	tracker Tracker
	created created
	failure *FailedRecord
}

// created counts the reference rows one record wrote.
type created struct {
	identities int
	roles      int
	areas      int
}

func (c created) total() int { return c.identities + c.roles + c.areas }

// window tracks what the open transaction would lose on rollback.
type window struct {
	success int
	created created
}

// Run imports records in order and reports progress to sink.
//
// A non-nil error means the run could not continue (session, begin or commit
// failed). The returned result is still populated with what was committed.
// Cancelling ctx rolls back the open window and ends the run with
// PhaseCancelled and a nil error.
func (im *Importer) Run(ctx context.Context, records []Record, sink Sink) (*ImportResult, error) {
	if sink == nil {
		sink = nopSink{}
	}
	start := time.Now()

	ctx, span := tracer.Start(ctx, "core.Importer.Run",
		trace.WithAttributes(
			attribute.Int("records", len(records)),
			attribute.Int("batch_size", im.batchSize),
		))
	defer span.End()

	result := &ImportResult{Phase: PhaseRunning, Stats: Stats{Total: len(records)}}
	stats := &result.Stats

	finish := func(phase RunPhase, err error) (*ImportResult, error) {
		result.Phase = phase
		result.Duration = time.Since(start)
		if err != nil {
			result.Error = err.Error()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(
			attribute.String("phase", string(phase)),
			attribute.Int("success", stats.Success),
			attribute.Int("failed", stats.Failed),
			attribute.Int("created", stats.Created),
		)
		runsTotal.WithLabelValues("import", string(phase)).Inc()
		runDuration.WithLabelValues("import").Observe(result.Duration.Seconds())

		im.writeReport(ctx, result)

		final := Event{Progress: intPtr(100), Stats: statsPtr(*stats), FailedReportURL: result.ReportURL, Done: true}
		switch phase {
		case PhaseCompleted:
			final.Log = "Import completed!"
		case PhaseCancelled:
			final.Log = fmt.Sprintf("Import cancelled, %d uncommitted records rolled back", result.RolledBack)
		default:
			final.Log = "Import failed: " + FormatUserError(err)
		}
		sink.Emit(final)
		return result, err
	}

	sink.Emit(Event{Log: fmt.Sprintf("Starting import of %d records", len(records)), Stats: statsPtr(*stats)})

	sess, err := im.store.Session(ctx)
	if err != nil {
		return finish(PhaseFailed, fmt.Errorf("acquire session: %w", err))
	}
	defer sess.Close()

	tx, err := sess.Begin(ctx)
	if err != nil {
		return finish(PhaseFailed, fmt.Errorf("begin transaction: %w", err))
	}

	var (
		tracker Tracker
		open    window
	)

	// rollbackWindow discards the open transaction and takes its successes back.
	rollbackWindow := func() {
		if err := tx.Rollback(context.WithoutCancel(ctx)); err != nil {
			im.logger.Warn("rollback failed", "error", err)
		}
		stats.Success -= open.success
		stats.Created -= open.created.total()
		result.RolledBack = open.success
		open = window{}
	}

	for i, rec := range records {
		row := i + 1

		if ctx.Err() != nil {
			rollbackWindow()
			return finish(PhaseCancelled, nil)
		}

		out, err := im.processRecord(ctx, tx, row, rec, tracker)
		if ctx.Err() != nil {
			// The in-flight record is neither a success nor a failure.
			rollbackWindow()
			return finish(PhaseCancelled, nil)
		}
		if err != nil {
			rollbackWindow()
			return finish(PhaseFailed, err)
		}

		if out.failure != nil {
			stats.Failed++
			result.Failures = append(result.Failures, *out.failure)
			recordsTotal.WithLabelValues("failed").Inc()
			sink.Emit(Event{Log: fmt.Sprintf("Row %d: %s (%s)", row, out.failure.Message, out.failure.Reason)})
		} else {
			tracker = out.tracker
			stats.Success++
			stats.Created += out.created.total()
			open.success++
			open.created.identities += out.created.identities
			open.created.roles += out.created.roles
			open.created.areas += out.created.areas
			recordsTotal.WithLabelValues("inserted").Inc()
		}

		if open.success >= im.batchSize {
			if err := tx.Commit(ctx); err != nil {
				rollbackWindow()
				return finish(PhaseFailed, fmt.Errorf("commit batch: %w", err))
			}
			countCreated(open.created)
			im.logger.Debug("batch committed", "row", row, "records", open.success)
			open = window{}

			tx, err = sess.Begin(ctx)
			if err != nil {
				return finish(PhaseFailed, fmt.Errorf("begin transaction: %w", err))
			}
		}

		if row%im.batchSize == 0 {
			sink.Emit(Event{Progress: intPtr(row * 100 / len(records)), Stats: statsPtr(*stats)})
		}
	}

	if err := tx.Commit(ctx); err != nil {
		if ctx.Err() != nil {
			rollbackWindow()
			return finish(PhaseCancelled, nil)
		}
		rollbackWindow()
		return finish(PhaseFailed, fmt.Errorf("commit final batch: %w", err))
	}
	countCreated(open.created)

	return finish(PhaseCompleted, nil)
}

// processRecord resolves and inserts one record inside savepoint rec_<row>.
// A returned error is fatal for the run; per-record problems come back as
// outcome.failure with the savepoint rolled back.
func (im *Importer) processRecord(ctx context.Context, tx Tx, row int, rec Record, tr Tracker) (recordOutcome, error) {
	continuation := rec.IsContinuation()
	email := rec.Get(FieldEmail)
	name := rec.Get(FieldName)
	code := rec.Get(FieldAreaCode)

	fail := func(reason Reason, msg string) *FailedRecord {
		return &FailedRecord{Row: row, Reason: reason, Message: msg, Record: rec}
	}

	switch {
	case code == "":
		return recordOutcome{tracker: tr, failure: fail(ReasonMissingRequiredField, "No SK KPS is required")}, nil
	case !continuation && email == "" && name == "":
		return recordOutcome{tracker: tr, failure: fail(ReasonMissingRequiredField, "Email or name is required")}, nil
	}

	sp := fmt.Sprintf("rec_%d", row)
	if err := tx.Savepoint(ctx, sp); err != nil {
		return recordOutcome{}, fmt.Errorf("savepoint %s: %w", sp, err)
	}

	rollback := func(reason Reason, msg string) (recordOutcome, error) {
		if err := tx.RollbackTo(ctx, sp); err != nil {
			return recordOutcome{}, fmt.Errorf("rollback to %s: %w", sp, err)
		}
		return recordOutcome{tracker: tr, failure: fail(reason, msg)}, nil
	}

	var (
		made   created
		userID int64
		roleID int64
		year   string
	)

	if continuation {
		carried, ok := tr.Carry()
		if !ok {
			return rollback(ReasonIdentityResolutionFailed, "no prior identity to carry forward")
		}
		userID, roleID, year = carried.IdentityID, carried.RoleID, carried.Year
	} else {
		res, err := im.identities.Resolve(ctx, tx, rec)
		if err != nil {
			return rollback(ReasonIdentityResolutionFailed, err.Error())
		}

		switch {
		case res.OK():
			userID = res.ID
			var roleMade bool
			roleID, roleMade, err = im.ensureRole(ctx, tx, userID)
			if err != nil {
				return rollback(ReasonIdentityResolutionFailed, fmt.Sprintf("create role for user %d: %v", userID, err))
			}
			if roleMade {
				made.roles++
			}
		case res.Reason == ReasonNotFound && name != "":
			userID, roleID, err = im.createIdentity(ctx, tx, email, name)
			if err != nil {
				return rollback(ReasonIdentityResolutionFailed,
					fmt.Sprintf("Pendamping not found and creation failed: %s / %s: %v", email, name, err))
			}
			made.identities++
		default:
			return rollback(ReasonIdentityResolutionFailed,
				fmt.Sprintf("Pendamping %s: %s / %s", res.Reason, email, name))
		}

		year = rec.Get(FieldYear)
	}

	if year == "" {
		return rollback(ReasonYearMissing, "Tahun pendampingan missing")
	}

	areaID, areaMade, err := im.resolveArea(ctx, tx, row, code, rec)
	if err != nil {
		return recordOutcome{}, err
	}
	if areaMade {
		made.areas++
	}

	if _, err := tx.InsertAssignment(ctx, NewAssignment{
		RoleID:     roleID,
		UserID:     userID,
		Year:       year,
		AreaID:     areaID,
		Note:       assignmentNote(rec, im.defaultNote),
		UploadedAt: im.now(),
	}); err != nil {
		return rollback(ReasonInsertError, err.Error())
	}

	if err := tx.Release(ctx, sp); err != nil {
		return recordOutcome{}, fmt.Errorf("release %s: %w", sp, err)
	}

	if !continuation {
		tr = tr.Advance(userID, roleID, year)
	}
	return recordOutcome{tracker: tr, created: made}, nil
}

// ensureRole returns the role row of userID, creating it when missing.
func (im *Importer) ensureRole(ctx context.Context, q Queries, userID int64) (int64, bool, error) {
	roleID, ok, err := q.FindRoleByUser(ctx, userID)
	if err != nil {
		return 0, false, err
	}
	if ok {
		return roleID, false, nil
	}
	roleID, err = q.CreateRole(ctx, userID)
	if err != nil {
		return 0, false, err
	}
	im.logger.Info("created role for existing user", "user_id", userID, "pendamping_id", roleID)
	return roleID, true, nil
}

// createIdentity inserts a user and its role row. A missing email is replaced
// by a placeholder; an address that exists verbatim gets a timestamp prefix.
func (im *Importer) createIdentity(ctx context.Context, q Queries, email, name string) (int64, int64, error) {
	now := im.now()
	if email == "" {
		email = DummyEmail(name, now)
	}

	exists, err := q.UserEmailExists(ctx, email)
	if err != nil {
		return 0, 0, err
	}
	if exists {
		email = collisionEmail(email, now)
	}

	userID, err := q.CreateUser(ctx, NewUser{
		Name:     name,
		Email:    email,
		Password: defaultPassword,
		Type:     defaultUserType,
		Status:   defaultUserStatus,
	})
	if err != nil {
		return 0, 0, err
	}

	roleID, err := q.CreateRole(ctx, userID)
	if err != nil {
		return 0, 0, err
	}

	im.logger.Info("created identity", "user_id", userID, "pendamping_id", roleID, "email", email)
	return userID, roleID, nil
}

// resolveArea looks the area up and creates it when not found for a tracked
// scheme. Everything runs in savepoint area_<row>; any problem leaves the
// area NULL without failing the record. The error is fatal only when the
// savepoint itself cannot be managed.
func (im *Importer) resolveArea(ctx context.Context, tx Tx, row int, code string, rec Record) (int64, bool, error) {
	schemeRaw := rec.Get(FieldScheme)
	scheme, tracked := NormalizeScheme(schemeRaw)
	if !tracked {
		return 0, false, nil
	}

	sp := fmt.Sprintf("area_%d", row)
	if err := tx.Savepoint(ctx, sp); err != nil {
		return 0, false, fmt.Errorf("savepoint %s: %w", sp, err)
	}

	abandon := func(msg string, err error) (int64, bool, error) {
		im.logger.Warn(msg, "row", row, "code", code, "scheme", string(scheme), "error", err)
		if rbErr := tx.RollbackTo(ctx, sp); rbErr != nil {
			return 0, false, fmt.Errorf("rollback to %s: %w", sp, rbErr)
		}
		return 0, false, nil
	}

	res, err := im.areas.Resolve(ctx, tx, code, schemeRaw)
	if err != nil {
		return abandon("area lookup failed", err)
	}

	id, made := res.ID, false
	if !res.OK() {
		id, err = im.areas.Create(ctx, tx, code, scheme, rec)
		if err != nil {
			return abandon("area not created", err)
		}
		made = true
	}

	if err := tx.Release(ctx, sp); err != nil {
		return 0, false, fmt.Errorf("release %s: %w", sp, err)
	}
	return id, made, nil
}

// writeReport persists the failures, if any, and records the URL on result.
func (im *Importer) writeReport(ctx context.Context, result *ImportResult) {
	if len(result.Failures) == 0 || im.reporter == nil {
		return
	}
	url, err := im.reporter.WriteFailures(context.WithoutCancel(ctx), result.Failures)
	if err != nil {
		im.logger.Error("write failure report", "error", err, "failures", len(result.Failures))
		return
	}
	result.ReportURL = url
}

func countCreated(c created) {
	referencesCreated.WithLabelValues("identity").Add(float64(c.identities))
	referencesCreated.WithLabelValues("role").Add(float64(c.roles))
	referencesCreated.WithLabelValues("area").Add(float64(c.areas))
}

// assignmentNote is the record's KETERANGAN or def, cut to the column width.
func assignmentNote(rec Record, def string) string {
	return TruncateRunes(SafeString(rec[string(FieldNote)], def), MaxNoteLength)
}

func intPtr(v int) *int { return &v }

func statsPtr(s Stats) *Stats { return &s }
