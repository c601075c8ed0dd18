package core

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ApplyOptions select what Apply writes.
type ApplyOptions struct {
	DryRun     bool `json:"dry_run"`
	InsertOnly bool `json:"insert_only"`
	DeleteOnly bool `json:"delete_only"`
}

func (o ApplyOptions) validate() error {
	if o.InsertOnly && o.DeleteOnly {
		return ErrConflictingApplyOptions
	}
	return nil
}

// ApplyResult counts the rows Apply wrote, or would write on a dry run.
type ApplyResult struct {
	DryRun   bool `json:"dry_run"`
	Inserted int  `json:"inserted"`
	Deleted  int  `json:"deleted"`
	Skipped  int  `json:"skipped"`
}

// Apply inserts the missing keys and deletes the rows of the extra keys.
// Each row runs in its own savepoint; failing rows are logged and skipped.
// The window is committed every BatchSize written rows and at the end.
func (r *Reconciler) Apply(ctx context.Context, d *Diff, opts ApplyOptions) (*ApplyResult, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	doInsert := !opts.DeleteOnly
	doDelete := !opts.InsertOnly
	res := &ApplyResult{DryRun: opts.DryRun}

	if opts.DryRun {
		if doInsert {
			res.Inserted = len(d.Missing)
			for _, m := range d.Missing {
				r.logger.Info("dry run insert", "key", m.Key.String(), "row", m.Row)
			}
		}
		if doDelete {
			for _, e := range d.Extra {
				for _, row := range e.Rows {
					r.logger.Info("dry run delete", "id_pendampingan", row.ID, "key", e.Key.String())
				}
			}
			res.Deleted = d.ExtraRows()
		}
		return res, nil
	}

	ctx, span := tracer.Start(ctx, "core.Reconciler.Apply",
		trace.WithAttributes(
			attribute.Bool("insert", doInsert),
			attribute.Bool("delete", doDelete),
		))
	defer span.End()

	sess, err := r.store.Session(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire session: %w", err)
	}
	defer sess.Close()

	w := &applyWindow{r: r, sess: sess}
	if err := w.begin(ctx); err != nil {
		return res, err
	}

	if doInsert {
		for _, m := range d.Missing {
			ok, err := w.row(ctx, func(tx Tx) (bool, error) {
				_, err := tx.InsertAssignment(ctx, NewAssignment{
					RoleID:     m.RoleID,
					UserID:     m.Key.UserID,
					Year:       m.Key.Year,
					AreaID:     m.Key.AreaID,
					Note:       assignmentNote(m.Record, r.defaultNote),
					UploadedAt: r.now(),
				})
				return err == nil, err
			}, "insert", "key", m.Key.String())
			if err != nil {
				return res, err
			}
			if ok {
				res.Inserted++
			} else {
				res.Skipped++
			}
		}
	}

	if doDelete {
		for _, e := range d.Extra {
			for _, row := range e.Rows {
				ok, err := w.row(ctx, func(tx Tx) (bool, error) {
					n, err := tx.DeleteAssignment(ctx, row.ID)
					return n > 0, err
				}, "delete", "id_pendampingan", row.ID)
				if err != nil {
					return res, err
				}
				if ok {
					res.Deleted++
				} else {
					res.Skipped++
				}
			}
		}
	}

	if err := w.tx.Commit(ctx); err != nil {
		return res, fmt.Errorf("commit final batch: %w", err)
	}

	span.SetAttributes(
		attribute.Int("inserted", res.Inserted),
		attribute.Int("deleted", res.Deleted),
		attribute.Int("skipped", res.Skipped),
	)
	r.logger.Info("apply finished", "inserted", res.Inserted, "deleted", res.Deleted, "skipped", res.Skipped)
	return res, nil
}

// applyWindow is the open transaction of an apply pass.
type applyWindow struct {
	r       *Reconciler
	sess    Session
	tx      Tx
	seq     int
	written int
}

func (w *applyWindow) begin(ctx context.Context) error {
	tx, err := w.sess.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	w.tx = tx
	w.written = 0
	return nil
}

// row runs op inside a savepoint. It reports whether op changed a row.
// Row errors are logged and swallowed; the returned error is fatal.
func (w *applyWindow) row(ctx context.Context, op func(Tx) (bool, error), action string, attrs ...any) (bool, error) {
	if err := ctx.Err(); err != nil {
		w.rollback(ctx)
		return false, err
	}

	w.seq++
	sp := fmt.Sprintf("apply_%d", w.seq)
	if err := w.tx.Savepoint(ctx, sp); err != nil {
		w.rollback(ctx)
		return false, fmt.Errorf("savepoint %s: %w", sp, err)
	}

	changed, err := op(w.tx)
	if err != nil || !changed {
		if rbErr := w.tx.RollbackTo(ctx, sp); rbErr != nil {
			w.rollback(ctx)
			return false, fmt.Errorf("rollback to %s: %w", sp, rbErr)
		}
		switch {
		case err == nil:
			w.r.logger.Warn(action+" affected no rows", attrs...)
		case errors.Is(err, ErrDuplicateKey):
			w.r.logger.Warn(action+" skipped, duplicate key", append(attrs, "error", err)...)
		default:
			w.r.logger.Error(action+" failed", append(attrs, "error", err)...)
		}
		applyRowsTotal.WithLabelValues(action, "skipped").Inc()
		return false, nil
	}

	if err := w.tx.Release(ctx, sp); err != nil {
		w.rollback(ctx)
		return false, fmt.Errorf("release %s: %w", sp, err)
	}
	applyRowsTotal.WithLabelValues(action, "ok").Inc()

	w.written++
	if w.written >= w.r.batchSize {
		if err := w.tx.Commit(ctx); err != nil {
			return true, fmt.Errorf("commit batch: %w", err)
		}
		w.r.logger.Debug("apply batch committed", "rows", w.written)
		if err := w.begin(ctx); err != nil {
			return true, err
		}
	}
	return true, nil
}

func (w *applyWindow) rollback(ctx context.Context) {
	if err := w.tx.Rollback(context.WithoutCancel(ctx)); err != nil {
		w.r.logger.Warn("rollback failed", "error", err)
	}
}
