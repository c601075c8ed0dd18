// Package memory is an in-memory core.Store with transaction and savepoint
// semantics. Each transaction works on a copy of the committed state; savepoints
// are snapshots of that copy.
package memory

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/JonMunkholm/pendampingan/internal/core"
)

// ErrTxDone is returned when a finished transaction is used.
var ErrTxDone = errors.New("memory: transaction already finished")

// User is a stored identity.
type User struct {
	ID       int64
	Name     string
	Email    string
	Password string
	Type     string
	Status   string
}

// Role is a stored master_pendamping row.
type Role struct {
	ID     int64
	UserID int64
}

// Area is a stored master_kps row.
type Area struct {
	ID       int64
	Code     string
	Scheme   string
	Name     string
	Province string
	Regency  string
	District string
	Village  string
	Size     *float64
}

// Assignment is a stored pendampingan row. Zero ids are NULL.
type Assignment struct {
	ID         int64
	RoleID     int64
	UserID     int64
	Year       string
	AreaID     int64
	Note       string
	UploadedAt time.Time
}

// Hooks inject failures. A nil hook never fails.
type Hooks struct {
	Begin            func() error
	Commit           func() error
	InsertAssignment func(core.NewAssignment) error
	CreateArea       func(core.NewArea) error
}

type state struct {
	users       []User
	roles       []Role
	areas       []Area
	assignments []Assignment
	nextID      int64
}

func (s *state) clone() *state {
	return &state{
		users:       slices.Clone(s.users),
		roles:       slices.Clone(s.roles),
		areas:       slices.Clone(s.areas),
		assignments: slices.Clone(s.assignments),
		nextID:      s.nextID,
	}
}

func (s *state) id() int64 {
	s.nextID++
	return s.nextID
}

// Store is the in-memory store.
type Store struct {
	mu        sync.Mutex
	committed *state

	// UniqueAssignments rejects a second row with the same
	// (user, year, area) as a duplicate key.
	UniqueAssignments bool
	Hooks             Hooks
}

// New returns an empty store.
func New() *Store {
	return &Store{committed: &state{}}
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Session returns a session reading committed state.
func (s *Store) Session(context.Context) (core.Session, error) {
	return &session{store: s}, nil
}

// AddUser seeds a committed user and returns its id.
func (s *Store) AddUser(name, email string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.committed.id()
	s.committed.users = append(s.committed.users, User{ID: id, Name: name, Email: email, Type: "pendamping", Status: "aktif"})
	return id
}

// AddRole seeds a committed role row for userID and returns its id.
func (s *Store) AddRole(userID int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.committed.id()
	s.committed.roles = append(s.committed.roles, Role{ID: id, UserID: userID})
	return id
}

// AddArea seeds a committed area and returns its id.
func (s *Store) AddArea(code, scheme, name string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.committed.id()
	s.committed.areas = append(s.committed.areas, Area{ID: id, Code: code, Scheme: scheme, Name: name})
	return id
}

// AddAssignment seeds a committed assignment row and returns its id.
func (s *Store) AddAssignment(a Assignment) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	a.ID = s.committed.id()
	s.committed.assignments = append(s.committed.assignments, a)
	return a.ID
}

// Users returns the committed users.
func (s *Store) Users() []User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.committed.users)
}

// Roles returns the committed role rows.
func (s *Store) Roles() []Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.committed.roles)
}

// Areas returns the committed areas.
func (s *Store) Areas() []Area {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.committed.areas)
}

// Assignments returns the committed assignment rows.
func (s *Store) Assignments() []Assignment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.committed.assignments)
}

func (s *Store) snapshot() *state {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed.clone()
}

// session runs each query against a fresh view of committed state and
// writes straight through, like autocommit.
type session struct {
	store *Store
}

func (se *session) Close() {}

func (se *session) Begin(context.Context) (core.Tx, error) {
	if h := se.store.Hooks.Begin; h != nil {
		if err := h(); err != nil {
			return nil, err
		}
	}
	return &tx{store: se.store, work: se.store.snapshot()}, nil
}

func (se *session) view(fn func(*state) error) error {
	se.store.mu.Lock()
	defer se.store.mu.Unlock()
	return fn(se.store.committed)
}

func (se *session) FindUsersByEmail(ctx context.Context, email string, limit int) ([]int64, error) {
	var ids []int64
	err := se.view(func(st *state) error { ids = findUsers(st, email, limit, true); return nil })
	return ids, err
}

func (se *session) FindUsersByName(ctx context.Context, name string, limit int) ([]int64, error) {
	var ids []int64
	err := se.view(func(st *state) error { ids = findUsers(st, name, limit, false); return nil })
	return ids, err
}

func (se *session) UserEmailExists(ctx context.Context, email string) (bool, error) {
	var ok bool
	err := se.view(func(st *state) error { ok = emailExists(st, email); return nil })
	return ok, err
}

func (se *session) CreateUser(ctx context.Context, u core.NewUser) (int64, error) {
	var id int64
	err := se.view(func(st *state) error { id = createUser(st, u); return nil })
	return id, err
}

func (se *session) FindRoleByUser(ctx context.Context, userID int64) (int64, bool, error) {
	var (
		id int64
		ok bool
	)
	err := se.view(func(st *state) error { id, ok = findRole(st, userID); return nil })
	return id, ok, err
}

func (se *session) CreateRole(ctx context.Context, userID int64) (int64, error) {
	var id int64
	err := se.view(func(st *state) error { id = createRole(st, userID); return nil })
	return id, err
}

func (se *session) FindAreas(ctx context.Context, q core.AreaQuery) ([]core.AreaCandidate, error) {
	var out []core.AreaCandidate
	err := se.view(func(st *state) error { out = findAreas(st, q); return nil })
	return out, err
}

func (se *session) CreateArea(ctx context.Context, a core.NewArea) (int64, error) {
	var id int64
	err := se.view(func(st *state) error {
		var err error
		id, err = se.store.createArea(st, a)
		return err
	})
	return id, err
}

func (se *session) InsertAssignment(ctx context.Context, a core.NewAssignment) (int64, error) {
	var id int64
	err := se.view(func(st *state) error {
		var err error
		id, err = se.store.insertAssignment(st, a)
		return err
	})
	return id, err
}

func (se *session) ListAssignments(ctx context.Context) ([]core.StoredAssignment, error) {
	var out []core.StoredAssignment
	err := se.view(func(st *state) error { out = listAssignments(st); return nil })
	return out, err
}

func (se *session) DeleteAssignment(ctx context.Context, id int64) (int64, error) {
	var n int64
	err := se.view(func(st *state) error { n = deleteAssignment(st, id); return nil })
	return n, err
}

type savepoint struct {
	name string
	snap *state
}

// tx works on a private copy until Commit publishes it.
type tx struct {
	store      *Store
	work       *state
	savepoints []savepoint
	done       bool
}

func (t *tx) check(ctx context.Context) error {
	if t.done {
		return ErrTxDone
	}
	return ctx.Err()
}

func (t *tx) Savepoint(ctx context.Context, name string) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	t.savepoints = append(t.savepoints, savepoint{name: name, snap: t.work.clone()})
	return nil
}

func (t *tx) find(name string) (int, error) {
	for i := len(t.savepoints) - 1; i >= 0; i-- {
		if t.savepoints[i].name == name {
			return i, nil
		}
	}
	return 0, errors.New("memory: savepoint " + name + " does not exist")
}

// RollbackTo restores the savepoint and keeps it, as in PostgreSQL.
func (t *tx) RollbackTo(ctx context.Context, name string) error {
	if t.done {
		return ErrTxDone
	}
	i, err := t.find(name)
	if err != nil {
		return err
	}
	t.work = t.savepoints[i].snap.clone()
	t.savepoints = t.savepoints[:i+1]
	return nil
}

func (t *tx) Release(ctx context.Context, name string) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	i, err := t.find(name)
	if err != nil {
		return err
	}
	t.savepoints = t.savepoints[:i]
	return nil
}

func (t *tx) Commit(ctx context.Context) error {
	if err := t.check(ctx); err != nil {
		return err
	}
	if h := t.store.Hooks.Commit; h != nil {
		if err := h(); err != nil {
			t.done = true
			return err
		}
	}
	t.store.mu.Lock()
	t.store.committed = t.work
	t.store.mu.Unlock()
	t.done = true
	return nil
}

func (t *tx) Rollback(context.Context) error {
	t.done = true
	return nil
}

func (t *tx) FindUsersByEmail(ctx context.Context, email string, limit int) ([]int64, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	return findUsers(t.work, email, limit, true), nil
}

func (t *tx) FindUsersByName(ctx context.Context, name string, limit int) ([]int64, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	return findUsers(t.work, name, limit, false), nil
}

func (t *tx) UserEmailExists(ctx context.Context, email string) (bool, error) {
	if err := t.check(ctx); err != nil {
		return false, err
	}
	return emailExists(t.work, email), nil
}

func (t *tx) CreateUser(ctx context.Context, u core.NewUser) (int64, error) {
	if err := t.check(ctx); err != nil {
		return 0, err
	}
	return createUser(t.work, u), nil
}

func (t *tx) FindRoleByUser(ctx context.Context, userID int64) (int64, bool, error) {
	if err := t.check(ctx); err != nil {
		return 0, false, err
	}
	id, ok := findRole(t.work, userID)
	return id, ok, nil
}

func (t *tx) CreateRole(ctx context.Context, userID int64) (int64, error) {
	if err := t.check(ctx); err != nil {
		return 0, err
	}
	return createRole(t.work, userID), nil
}

func (t *tx) FindAreas(ctx context.Context, q core.AreaQuery) ([]core.AreaCandidate, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	return findAreas(t.work, q), nil
}

func (t *tx) CreateArea(ctx context.Context, a core.NewArea) (int64, error) {
	if err := t.check(ctx); err != nil {
		return 0, err
	}
	return t.store.createArea(t.work, a)
}

func (t *tx) InsertAssignment(ctx context.Context, a core.NewAssignment) (int64, error) {
	if err := t.check(ctx); err != nil {
		return 0, err
	}
	return t.store.insertAssignment(t.work, a)
}

func (t *tx) ListAssignments(ctx context.Context) ([]core.StoredAssignment, error) {
	if err := t.check(ctx); err != nil {
		return nil, err
	}
	return listAssignments(t.work), nil
}

func (t *tx) DeleteAssignment(ctx context.Context, id int64) (int64, error) {
	if err := t.check(ctx); err != nil {
		return 0, err
	}
	return deleteAssignment(t.work, id), nil
}

func fold(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

func findUsers(st *state, value string, limit int, byEmail bool) []int64 {
	want := fold(value)
	var ids []int64
	for _, u := range st.users {
		got := u.Name
		if byEmail {
			got = u.Email
		}
		if fold(got) == want {
			ids = append(ids, u.ID)
		}
		if limit > 0 && len(ids) == limit {
			break
		}
	}
	return ids
}

func emailExists(st *state, email string) bool {
	for _, u := range st.users {
		if u.Email == email {
			return true
		}
	}
	return false
}

func createUser(st *state, u core.NewUser) int64 {
	id := st.id()
	st.users = append(st.users, User{ID: id, Name: u.Name, Email: u.Email, Password: u.Password, Type: u.Type, Status: u.Status})
	return id
}

func findRole(st *state, userID int64) (int64, bool) {
	for _, r := range st.roles {
		if r.UserID == userID {
			return r.ID, true
		}
	}
	return 0, false
}

func createRole(st *state, userID int64) int64 {
	id := st.id()
	st.roles = append(st.roles, Role{ID: id, UserID: userID})
	return id
}

func findAreas(st *state, q core.AreaQuery) []core.AreaCandidate {
	code := strings.TrimSpace(q.Code)
	var out []core.AreaCandidate
	for _, a := range st.areas {
		stored := strings.TrimSpace(a.Code)
		schemeOK := fold(a.Scheme) == string(q.Scheme)

		var hit bool
		switch q.Match {
		case core.AreaMatchCodeAndScheme:
			hit = stored == code && schemeOK
		case core.AreaMatchCode:
			hit = stored == code
		case core.AreaMatchPartial:
			hit = schemeOK && (stored == code || strings.Contains(strings.ToLower(stored), strings.ToLower(code)))
		}
		if hit {
			out = append(out, core.AreaCandidate{ID: a.ID, Code: stored})
		}
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out
}

func (s *Store) createArea(st *state, a core.NewArea) (int64, error) {
	if h := s.Hooks.CreateArea; h != nil {
		if err := h(a); err != nil {
			return 0, err
		}
	}
	id := st.id()
	st.areas = append(st.areas, Area{
		ID: id, Code: a.Code, Scheme: string(a.Scheme), Name: a.Name,
		Province: a.Province, Regency: a.Regency, District: a.District, Village: a.Village,
		Size: a.Size,
	})
	return id, nil
}

func (s *Store) insertAssignment(st *state, a core.NewAssignment) (int64, error) {
	if h := s.Hooks.InsertAssignment; h != nil {
		if err := h(a); err != nil {
			return 0, err
		}
	}
	if s.UniqueAssignments {
		for _, row := range st.assignments {
			if row.UserID == a.UserID && row.Year == a.Year && row.AreaID == a.AreaID {
				return 0, core.ErrDuplicateKey
			}
		}
	}
	id := st.id()
	st.assignments = append(st.assignments, Assignment{
		ID: id, RoleID: a.RoleID, UserID: a.UserID, Year: a.Year,
		AreaID: a.AreaID, Note: a.Note, UploadedAt: a.UploadedAt,
	})
	return id, nil
}

func listAssignments(st *state) []core.StoredAssignment {
	out := make([]core.StoredAssignment, 0, len(st.assignments))
	for _, a := range st.assignments {
		userID := a.UserID
		if userID == 0 {
			for _, r := range st.roles {
				if r.ID == a.RoleID {
					userID = r.UserID
					break
				}
			}
		}
		out = append(out, core.StoredAssignment{
			ID: a.ID, UserID: userID, RoleID: a.RoleID, Year: a.Year, AreaID: a.AreaID, Note: a.Note,
		})
	}
	return out
}

func deleteAssignment(st *state, id int64) int64 {
	for i, a := range st.assignments {
		if a.ID == id {
			st.assignments = append(st.assignments[:i:i], st.assignments[i+1:]...)
			return 1
		}
	}
	return 0
}
