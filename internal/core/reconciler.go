package core

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultSampleLimit caps the sample lists of a ValidationResult.
const DefaultSampleLimit = 50

// Key identifies an assignment for reconciliation. Zero AreaID means NULL.
type Key struct {
	UserID int64  `json:"user_id"`
	Year   string `json:"tahun"`
	AreaID int64  `json:"kps_id"`
}

func (k Key) String() string {
	if k.AreaID == 0 {
		return fmt.Sprintf("(%d, %s, NULL)", k.UserID, k.Year)
	}
	return fmt.Sprintf("(%d, %s, %d)", k.UserID, k.Year, k.AreaID)
}

func (k Key) less(o Key) bool {
	if k.UserID != o.UserID {
		return k.UserID < o.UserID
	}
	if k.Year != o.Year {
		return k.Year < o.Year
	}
	return k.AreaID < o.AreaID
}

// SourceEntry is a resolved source record. RoleID is zero when the identity
// has no role row yet.
type SourceEntry struct {
	Key    Key    `json:"key"`
	Row    int    `json:"row"`
	RoleID int64  `json:"pendamping_id,omitempty"`
	Record Record `json:"record"`
}

// ExtraEntry is a stored key absent from the source with every row carrying it.
type ExtraEntry struct {
	Key  Key                `json:"key"`
	Rows []StoredAssignment `json:"rows"`
}

// UnresolvedEntry is a source record excluded from the key space.
type UnresolvedEntry struct {
	Row    int    `json:"row"`
	Reason Reason `json:"reason"`
	Detail string `json:"message"`
	Record Record `json:"record"`
}

// Diff is the comparison of a source record list with the stored assignments.
// Missing and Extra are sorted by key.
type Diff struct {
	SourceTotal int               `json:"source_total"`
	SourceKeys  int               `json:"source_keys"`
	StoreRows   int               `json:"store_rows"`
	StoreKeys   int               `json:"store_keys"`
	Matching    int               `json:"matching"`
	Missing     []SourceEntry     `json:"missing_in_store"`
	Extra       []ExtraEntry      `json:"extra_in_store"`
	Unresolved  []UnresolvedEntry `json:"unresolved"`
}

// ExtraRows returns the number of stored rows the extra keys hold.
func (d *Diff) ExtraRows() int {
	n := 0
	for _, e := range d.Extra {
		n += len(e.Rows)
	}
	return n
}

// ReconcilerConfig configures a Reconciler. Zero values select defaults.
type ReconcilerConfig struct {
	BatchSize   int
	SampleLimit int
	DefaultNote string
	Logger      *slog.Logger
	Now         func() time.Time
}

// Reconciler compares a source record list with the stored assignments and
// applies the difference on request. Diff never writes.
type Reconciler struct {
	store      Store
	identities *IdentityResolver
	areas      *AreaResolver

	batchSize   int
	sampleLimit int
	defaultNote string
	now         func() time.Time
	logger      *slog.Logger
}

// NewReconciler creates a reconciler over store.
func NewReconciler(store Store, cfg ReconcilerConfig) *Reconciler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.SampleLimit <= 0 {
		cfg.SampleLimit = DefaultSampleLimit
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
	return &Reconciler{
		store:       store,
		identities:  NewIdentityResolver(cfg.Logger),
		areas:       NewAreaResolver(cfg.Logger),
		batchSize:   cfg.BatchSize,
		sampleLimit: cfg.SampleLimit,
		defaultNote: cfg.DefaultNote,
		now:         cfg.Now,
		logger:      cfg.Logger,
	}
}

// Diff builds both key spaces and compares them.
func (r *Reconciler) Diff(ctx context.Context, records []Record) (*Diff, error) {
	ctx, span := tracer.Start(ctx, "core.Reconciler.Diff",
		trace.WithAttributes(attribute.Int("records", len(records))))
	defer span.End()

	sess, err := r.store.Session(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("acquire session: %w", err)
	}
	defer sess.Close()

	source, unresolved, err := r.sourceKeys(ctx, sess, records)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	rows, err := sess.ListAssignments(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	stored := make(map[Key][]StoredAssignment)
	for _, row := range rows {
		k := Key{UserID: row.UserID, Year: SafeString(row.Year, ""), AreaID: row.AreaID}
		stored[k] = append(stored[k], row)
	}

	d := &Diff{
		SourceTotal: len(records),
		SourceKeys:  len(source),
		StoreRows:   len(rows),
		StoreKeys:   len(stored),
		Unresolved:  unresolved,
	}

	for k, entry := range source {
		if _, ok := stored[k]; ok {
			d.Matching++
			continue
		}
		d.Missing = append(d.Missing, entry)
	}
	for k, rs := range stored {
		if _, ok := source[k]; ok {
			continue
		}
		sort.Slice(rs, func(i, j int) bool { return rs[i].ID < rs[j].ID })
		d.Extra = append(d.Extra, ExtraEntry{Key: k, Rows: rs})
	}

	sort.Slice(d.Missing, func(i, j int) bool { return d.Missing[i].Key.less(d.Missing[j].Key) })
	sort.Slice(d.Extra, func(i, j int) bool { return d.Extra[i].Key.less(d.Extra[j].Key) })

	span.SetAttributes(
		attribute.Int("missing", len(d.Missing)),
		attribute.Int("extra", len(d.Extra)),
		attribute.Int("unresolved", len(d.Unresolved)),
	)
	return d, nil
}

// sourceKeys resolves every record read-only. The first record of a
// duplicated key wins.
func (r *Reconciler) sourceKeys(ctx context.Context, q Queries, records []Record) (map[Key]SourceEntry, []UnresolvedEntry, error) {
	keys := make(map[Key]SourceEntry)
	var (
		unresolved []UnresolvedEntry
		tracker    Tracker
	)

	for i, rec := range records {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		row := i + 1

		skip := func(reason Reason, detail string) {
			unresolved = append(unresolved, UnresolvedEntry{Row: row, Reason: reason, Detail: detail, Record: rec})
		}

		continuation := rec.IsContinuation()
		code := rec.Get(FieldAreaCode)
		if code == "" || (!continuation && rec.Get(FieldEmail) == "" && rec.Get(FieldName) == "") {
			skip(ReasonMissingRequiredField, "required field missing")
			continue
		}

		var (
			userID, roleID int64
			year           string
		)
		if continuation {
			carried, ok := tracker.Carry()
			if !ok {
				skip(ReasonIdentityResolutionFailed, "no prior identity to carry forward")
				continue
			}
			userID, roleID, year = carried.IdentityID, carried.RoleID, carried.Year
		} else {
			res, err := r.identities.Resolve(ctx, q, rec)
			if err != nil {
				return nil, nil, fmt.Errorf("row %d: %w", row, err)
			}
			if !res.OK() {
				if res.Reason == ReasonNotFound && rec.Get(FieldName) != "" && rec.Get(FieldYear) != "" {
					// The importer would create this identity, so the records
					// continuing it have no stored key either.
					tracker = Tracker{}
				}
				skip(ReasonIdentityResolutionFailed, res.Reason)
				continue
			}
			userID = res.ID
			if roleID, _, err = q.FindRoleByUser(ctx, userID); err != nil {
				return nil, nil, fmt.Errorf("row %d: find role: %w", row, err)
			}
			year = rec.Get(FieldYear)
		}

		if year == "" {
			skip(ReasonYearMissing, "Tahun pendampingan missing")
			continue
		}

		// Area problems never fail an imported record, so the cursor moves
		// before the area step.
		if !continuation {
			tracker = tracker.Advance(userID, roleID, year)
		}

		area, err := r.areas.Resolve(ctx, q, code, rec.Get(FieldScheme))
		if err != nil {
			return nil, nil, fmt.Errorf("row %d: %w", row, err)
		}
		var areaID int64
		switch {
		case area.OK():
			areaID = area.ID
		case area.Reason != ReasonUntracked:
			// The importer would create this area; no stored key can match it yet.
			skip(ReasonAreaUnresolved, area.Reason+": "+code)
			continue
		}

		k := Key{UserID: userID, Year: year, AreaID: areaID}
		if _, dup := keys[k]; !dup {
			keys[k] = SourceEntry{Key: k, Row: row, RoleID: roleID, Record: rec}
		}
	}
	return keys, unresolved, nil
}

// ValidationStats are the counters of a validation run.
type ValidationStats struct {
	TotalJSON      int `json:"total_json"`
	ValidJSONKeys  int `json:"valid_json_keys"`
	TotalDB        int `json:"total_db"`
	MissingInDB    int `json:"missing_in_db"`
	MissingInJSON  int `json:"missing_in_json"`
	UnresolvedJSON int `json:"unresolved_json"`
	Matching       int `json:"matching"`
}

// MissingSample is a source record whose key is not stored.
type MissingSample struct {
	Key    Key    `json:"key"`
	Record Record `json:"record"`
}

// ExtraSample is a stored row whose key is absent from the source.
type ExtraSample struct {
	Key      Key              `json:"key"`
	DBRecord StoredAssignment `json:"db_record"`
}

// ValidationResult is the answer of validation-only mode.
type ValidationResult struct {
	Stats         ValidationStats   `json:"stats"`
	MissingInDB   []MissingSample   `json:"missing_in_db"`
	MissingInJSON []ExtraSample     `json:"missing_in_json"`
	Unresolved    []UnresolvedEntry `json:"unresolved,omitempty"`
	Apply         *ApplyResult      `json:"apply,omitempty"`
}

// Validate diffs records against the store and, when fix is set, applies the
// difference with opts.
func (r *Reconciler) Validate(ctx context.Context, records []Record, fix bool, opts ApplyOptions) (*ValidationResult, error) {
	if fix {
		if err := opts.validate(); err != nil {
			return nil, err
		}
	}
	start := time.Now()

	d, err := r.Diff(ctx, records)
	if err != nil {
		runsTotal.WithLabelValues("validate", string(PhaseFailed)).Inc()
		return nil, err
	}

	res := &ValidationResult{
		Stats: ValidationStats{
			TotalJSON:      d.SourceTotal,
			ValidJSONKeys:  d.SourceKeys,
			TotalDB:        d.StoreKeys,
			MissingInDB:    len(d.Missing),
			MissingInJSON:  len(d.Extra),
			UnresolvedJSON: len(d.Unresolved),
			Matching:       d.Matching,
		},
		MissingInDB:   []MissingSample{},
		MissingInJSON: []ExtraSample{},
		Unresolved:    d.Unresolved,
	}
	for i, m := range d.Missing {
		if i == r.sampleLimit {
			break
		}
		res.MissingInDB = append(res.MissingInDB, MissingSample{Key: m.Key, Record: m.Record})
	}
	for i, e := range d.Extra {
		if i == r.sampleLimit {
			break
		}
		res.MissingInJSON = append(res.MissingInJSON, ExtraSample{Key: e.Key, DBRecord: e.Rows[0]})
	}
	if len(res.Unresolved) > r.sampleLimit {
		res.Unresolved = res.Unresolved[:r.sampleLimit]
	}

	if fix {
		applied, err := r.Apply(ctx, d, opts)
		if err != nil {
			runsTotal.WithLabelValues("validate", string(PhaseFailed)).Inc()
			return res, err
		}
		res.Apply = applied
	}

	runsTotal.WithLabelValues("validate", string(PhaseCompleted)).Inc()
	runDuration.WithLabelValues("validate").Observe(time.Since(start).Seconds())
	return res, nil
}
