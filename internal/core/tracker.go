package core

// Tracker is the carry-forward cursor of one import run. A record with a blank
// ordinal continues the identity and year of the last inserted record with a
// non-blank ordinal. The zero value carries nothing.
type Tracker struct {
	IdentityID int64
	RoleID     int64
	Year       string

	valid bool
}

// Carry returns the carried state and whether any exists.
func (t Tracker) Carry() (Tracker, bool) {
	return t, t.valid
}

// Advance returns the cursor after a non-blank-ordinal record was inserted.
func (t Tracker) Advance(identityID, roleID int64, year string) Tracker {
	return Tracker{IdentityID: identityID, RoleID: roleID, Year: year, valid: true}
}
