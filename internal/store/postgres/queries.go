package postgres

import (
	"context"
	"strings"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/JonMunkholm/pendampingan/internal/core"
)

// uniqueViolation is the SQLSTATE of a unique constraint failure.
const uniqueViolation = "23505"

// queries implements core.Queries on a connection or a transaction.
type queries struct {
	db core.DBTX
}

const findUsersByEmail = `
SELECT user_id FROM users
WHERE LOWER(TRIM(user_email)) = LOWER(TRIM($1))
ORDER BY user_id
LIMIT $2`

func (q queries) FindUsersByEmail(ctx context.Context, email string, limit int) ([]int64, error) {
	return q.ids(ctx, "find users by email", findUsersByEmail, email, limit)
}

const findUsersByName = `
SELECT user_id FROM users
WHERE LOWER(TRIM(user_nama)) = LOWER(TRIM($1))
ORDER BY user_id
LIMIT $2`

func (q queries) FindUsersByName(ctx context.Context, name string, limit int) ([]int64, error) {
	return q.ids(ctx, "find users by name", findUsersByName, name, limit)
}

func (q queries) UserEmailExists(ctx context.Context, email string) (bool, error) {
	var exists bool
	err := q.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE user_email = $1)`, email).Scan(&exists)
	if err != nil {
		return false, errors.Wrap(err, "check user email")
	}
	return exists, nil
}

const createUser = `
INSERT INTO users (user_nama, user_email, user_password, user_type, user_status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
RETURNING user_id`

func (q queries) CreateUser(ctx context.Context, u core.NewUser) (int64, error) {
	var id int64
	err := q.db.QueryRow(ctx, createUser, u.Name, u.Email, u.Password, u.Type, u.Status).Scan(&id)
	if err != nil {
		return 0, wrapWrite(err, "create user")
	}
	return id, nil
}

func (q queries) FindRoleByUser(ctx context.Context, userID int64) (int64, bool, error) {
	var id int64
	err := q.db.QueryRow(ctx,
		`SELECT pendamping_id FROM master_pendamping WHERE user_id = $1 ORDER BY pendamping_id LIMIT 1`,
		userID,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrap(err, "find role")
	}
	return id, true, nil
}

func (q queries) CreateRole(ctx context.Context, userID int64) (int64, error) {
	var id int64
	err := q.db.QueryRow(ctx,
		`INSERT INTO master_pendamping (user_id, created_at, updated_at) VALUES ($1, NOW(), NOW()) RETURNING pendamping_id`,
		userID,
	).Scan(&id)
	if err != nil {
		return 0, wrapWrite(err, "create role")
	}
	return id, nil
}

const findAreaByCodeAndScheme = `
SELECT id, TRIM(no_sk) FROM master_kps
WHERE TRIM(no_sk) = TRIM($1) AND LOWER(TRIM(COALESCE(schema, ''))) = $2
ORDER BY id
LIMIT $3`

const findAreaByCode = `
SELECT id, TRIM(no_sk) FROM master_kps
WHERE TRIM(no_sk) = TRIM($1)
ORDER BY id
LIMIT $2`

const findAreaPartial = `
SELECT id, TRIM(no_sk) FROM master_kps
WHERE LOWER(TRIM(COALESCE(schema, ''))) = $2
  AND (TRIM(no_sk) ILIKE '%' || $3 || '%' ESCAPE '\' OR TRIM(no_sk) = TRIM($1))
ORDER BY id
LIMIT $4`

func (q queries) FindAreas(ctx context.Context, aq core.AreaQuery) ([]core.AreaCandidate, error) {
	var (
		rows pgx.Rows
		err  error
	)
	switch aq.Match {
	case core.AreaMatchCodeAndScheme:
		rows, err = q.db.Query(ctx, findAreaByCodeAndScheme, aq.Code, string(aq.Scheme), aq.Limit)
	case core.AreaMatchCode:
		rows, err = q.db.Query(ctx, findAreaByCode, aq.Code, aq.Limit)
	case core.AreaMatchPartial:
		rows, err = q.db.Query(ctx, findAreaPartial, aq.Code, string(aq.Scheme), escapeLike(strings.TrimSpace(aq.Code)), aq.Limit)
	default:
		return nil, errors.Errorf("unknown area match %d", aq.Match)
	}
	if err != nil {
		return nil, errors.Wrap(err, "find areas")
	}

	found, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (core.AreaCandidate, error) {
		var c core.AreaCandidate
		err := row.Scan(&c.ID, &c.Code)
		return c, err
	})
	if err != nil {
		return nil, errors.Wrap(err, "scan areas")
	}
	return found, nil
}

const createArea = `
INSERT INTO master_kps (
	no_sk, schema, kps_name,
	provinsi, kabupaten_kota, kecamatan, desa_kelurahan,
	luas_sk, created_at, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
RETURNING id`

func (q queries) CreateArea(ctx context.Context, a core.NewArea) (int64, error) {
	size := pgtype.Float8{}
	if a.Size != nil {
		size = pgtype.Float8{Float64: *a.Size, Valid: true}
	}

	var id int64
	err := q.db.QueryRow(ctx, createArea,
		a.Code, string(a.Scheme), a.Name,
		a.Province, a.Regency, a.District, a.Village,
		size,
	).Scan(&id)
	if err != nil {
		return 0, wrapWrite(err, "create area")
	}
	return id, nil
}

const insertAssignment = `
INSERT INTO pendampingan (pendamping_id, user_id, tahun_pendampingan, kps_id, keterangan, waktu_upload)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING id_pendampingan`

func (q queries) InsertAssignment(ctx context.Context, a core.NewAssignment) (int64, error) {
	var id int64
	err := q.db.QueryRow(ctx, insertAssignment,
		nullInt8(a.RoleID), nullInt8(a.UserID), a.Year, nullInt8(a.AreaID), a.Note, a.UploadedAt,
	).Scan(&id)
	if err != nil {
		return 0, wrapWrite(err, "insert assignment")
	}
	return id, nil
}

const listAssignments = `
SELECT p.id_pendampingan,
       COALESCE(p.user_id, mp.user_id),
       p.pendamping_id,
       p.tahun_pendampingan::text,
       p.kps_id,
       p.keterangan
FROM pendampingan p
LEFT JOIN master_pendamping mp ON mp.pendamping_id = p.pendamping_id
ORDER BY p.id_pendampingan`

func (q queries) ListAssignments(ctx context.Context) ([]core.StoredAssignment, error) {
	rows, err := q.db.Query(ctx, listAssignments)
	if err != nil {
		return nil, errors.Wrap(err, "list assignments")
	}

	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (core.StoredAssignment, error) {
		var (
			a                    core.StoredAssignment
			userID, roleID, area pgtype.Int8
			year, note           pgtype.Text
		)
		if err := row.Scan(&a.ID, &userID, &roleID, &year, &area, &note); err != nil {
			return a, err
		}
		a.UserID = userID.Int64
		a.RoleID = roleID.Int64
		a.Year = year.String
		a.AreaID = area.Int64
		a.Note = note.String
		return a, nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "scan assignments")
	}
	return out, nil
}

func (q queries) DeleteAssignment(ctx context.Context, id int64) (int64, error) {
	tag, err := q.db.Exec(ctx, `DELETE FROM pendampingan WHERE id_pendampingan = $1`, id)
	if err != nil {
		return 0, errors.Wrap(err, "delete assignment")
	}
	return tag.RowsAffected(), nil
}

func (q queries) ids(ctx context.Context, op, sql string, args ...any) ([]int64, error) {
	rows, err := q.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.Wrap(err, op)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, errors.Wrap(err, op)
	}
	return ids, nil
}

// duplicateKeyError marks a unique violation as core.ErrDuplicateKey while
// keeping the driver error in the chain.
type duplicateKeyError struct {
	op  string
	err *pgconn.PgError
}

func (e *duplicateKeyError) Error() string {
	return e.op + ": duplicate key: " + e.err.Message
}

func (e *duplicateKeyError) Unwrap() error { return e.err }

func (e *duplicateKeyError) Is(target error) bool { return target == core.ErrDuplicateKey }

func wrapWrite(err error, op string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return &duplicateKeyError{op: op, err: pgErr}
	}
	return errors.Wrap(err, op)
}

func nullInt8(v int64) pgtype.Int8 {
	return pgtype.Int8{Int64: v, Valid: v != 0}
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
