package core

import (
	"context"
	"time"
)

// AreaMatch selects the lookup strategy of FindAreas.
type AreaMatch int

const (
	// AreaMatchCodeAndScheme matches the trimmed code and the scheme exactly.
	AreaMatchCodeAndScheme AreaMatch = iota
	// AreaMatchCode matches the trimmed code and ignores the scheme.
	AreaMatchCode
	// AreaMatchPartial matches codes containing the given code (case-insensitive)
	// within the scheme.
	AreaMatchPartial
)

// AreaQuery describes one area lookup. Results are ordered by id.
type AreaQuery struct {
	Code   string
	Scheme Scheme
	Match  AreaMatch
	Limit  int
}

// AreaCandidate is one row returned by an area lookup.
type AreaCandidate struct {
	ID   int64
	Code string
}

// NewUser holds the columns of a created identity.
type NewUser struct {
	Name     string
	Email    string
	Password string
	Type     string
	Status   string
}

// NewArea holds the columns of a created area reference.
type NewArea struct {
	Code     string
	Scheme   Scheme
	Name     string
	Province string
	Regency  string
	District string
	Village  string
	Size     *float64
}

// NewAssignment holds the columns of an inserted assignment row.
// Zero RoleID and AreaID are stored as NULL.
type NewAssignment struct {
	RoleID     int64
	UserID     int64
	Year       string
	AreaID     int64
	Note       string
	UploadedAt time.Time
}

// StoredAssignment is an existing assignment row as read for reconciliation.
// UserID falls back to the user of the role row when the column is NULL.
// Zero RoleID, UserID and AreaID mean NULL.
type StoredAssignment struct {
	ID     int64  `json:"id_pendampingan"`
	UserID int64  `json:"user_id"`
	RoleID int64  `json:"pendamping_id"`
	Year   string `json:"tahun"`
	AreaID int64  `json:"kps_id"`
	Note   string `json:"keterangan"`
}

// Queries is the read and write surface used by the resolvers, the importer
// and the reconciler. It is implemented by sessions and transactions.
type Queries interface {
	// FindUsersByEmail matches LOWER(TRIM(email)) and returns at most limit ids.
	FindUsersByEmail(ctx context.Context, email string, limit int) ([]int64, error)
	// FindUsersByName matches LOWER(TRIM(name)) and returns at most limit ids.
	FindUsersByName(ctx context.Context, name string, limit int) ([]int64, error)
	// UserEmailExists reports an exact email match.
	UserEmailExists(ctx context.Context, email string) (bool, error)
	CreateUser(ctx context.Context, u NewUser) (int64, error)

	// FindRoleByUser returns the pendamping id linked to a user.
	FindRoleByUser(ctx context.Context, userID int64) (int64, bool, error)
	CreateRole(ctx context.Context, userID int64) (int64, error)

	FindAreas(ctx context.Context, q AreaQuery) ([]AreaCandidate, error)
	CreateArea(ctx context.Context, a NewArea) (int64, error)

	InsertAssignment(ctx context.Context, a NewAssignment) (int64, error)
	ListAssignments(ctx context.Context) ([]StoredAssignment, error)
	// DeleteAssignment removes one row by id and returns the affected count.
	DeleteAssignment(ctx context.Context, id int64) (int64, error)
}

// Tx is one commit window. Savepoints scope per-record rollback.
type Tx interface {
	Queries
	Savepoint(ctx context.Context, name string) error
	RollbackTo(ctx context.Context, name string) error
	Release(ctx context.Context, name string) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Session is a single store connection held for the length of a run.
// Queries issued on the session itself run outside any transaction.
type Session interface {
	Queries
	Begin(ctx context.Context) (Tx, error)
	Close()
}

// Store hands out sessions.
type Store interface {
	Session(ctx context.Context) (Session, error)
	Ping(ctx context.Context) error
}
