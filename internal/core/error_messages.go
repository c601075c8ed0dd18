package core

// error_messages.go defines the failure taxonomy of a run and the mapping of
// technical errors to user-facing messages with support codes.
//
// # Record Failure Reasons
//
//	missing_required_field     - area code, or email and name, absent
//	identity_resolution_failed - ambiguous, not found and not creatable,
//	                             creation failed, or nothing to carry forward
//	year_missing               - no year on the record or in the tracker
//	insert_error               - the store rejected the assignment row
//	invalid_source_format      - source is not a JSON array (whole run)
//	ambiguous_match_accepted   - informational, several area rows matched
//	area_unresolved            - reconciliation only, tracked area not stored yet
//
// # Support Codes
//
//	DB001-DB007   Database errors (duplicates, constraints, connections)
//	SRC001        Source is not a JSON array of objects
//	FILE001       Request body too large
//	DS001-DS002   Dataset handle errors
//	RUN001-RUN005 Run lifecycle errors
//	RPT001-RPT002 Report not found or invalid report name
//	RATE001       Rate limited
//	AUTH001-AUTH003 Missing, invalid or read-only API key (web middleware)
//	ERR000        Fallback

import (
	"errors"
	"fmt"
	"strings"
)

// Reason tags a failed record in the report and the progress stream.
type Reason string

const (
	ReasonMissingRequiredField     Reason = "missing_required_field"
	ReasonIdentityResolutionFailed Reason = "identity_resolution_failed"
	ReasonYearMissing              Reason = "year_missing"
	ReasonInsertError              Reason = "insert_error"
	ReasonInvalidSourceFormat      Reason = "invalid_source_format"
	ReasonAmbiguousMatchAccepted   Reason = "ambiguous_match_accepted"
	ReasonAreaUnresolved           Reason = "area_unresolved"
)

var (
	// ErrInvalidSourceFormat is returned when the source is not a JSON array of objects.
	ErrInvalidSourceFormat = errors.New("invalid source format: JSON must be a list of objects")

	// ErrDatasetNotFound is returned for unknown or expired dataset handles.
	ErrDatasetNotFound = errors.New("dataset not found")

	// ErrDatasetBusy is returned when a dataset already has an active run.
	ErrDatasetBusy = errors.New("dataset is busy with another run")

	// ErrRunNotFound is returned for unknown or expired run ids.
	ErrRunNotFound = errors.New("run not found")

	// ErrDuplicateKey is wrapped by stores around unique violations.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrConflictingApplyOptions is returned when insert-only and delete-only are both set.
	ErrConflictingApplyOptions = errors.New("insert-only and delete-only are mutually exclusive")
)

// UserMessage is a user-facing explanation of an error.
type UserMessage struct {
	Message string // Short description of what went wrong
	Action  string // What the user can do about it
	Code    string // Support reference
}

type errorPattern struct {
	pattern string
	msg     UserMessage
}

// errorPatterns is checked in order; the first substring match wins.
var errorPatterns = []errorPattern{
	// Database errors
	{"duplicate key", UserMessage{"A record with this key already exists", "Run validation to review duplicates", "DB001"}},
	{"unique constraint", UserMessage{"This value must be unique but already exists", "Check for duplicate entries in the source", "DB002"}},
	{"violates unique", UserMessage{"This value must be unique but already exists", "Check for duplicate entries in the source", "DB002"}},
	{"foreign key", UserMessage{"Referenced record does not exist", "Ensure referenced users and areas exist", "DB003"}},
	{"connection refused", UserMessage{"Unable to connect to database", "Please try again in a few moments", "DB004"}},
	{"connection reset", UserMessage{"Database connection was interrupted", "Please try again", "DB005"}},
	{"deadlock", UserMessage{"Database was busy with conflicting operations", "Please try again", "DB007"}},

	// Source and request errors
	{"invalid source format", UserMessage{"The file is not a JSON list of records", "Upload a JSON array of objects", "SRC001"}},
	{"request body too large", UserMessage{"File exceeds maximum size limit", "Split the file into smaller parts", "FILE001"}},

	// Dataset errors
	{"dataset not found", UserMessage{"Dataset not found", "The upload may have expired. Please upload the file again", "DS001"}},
	{"dataset is busy", UserMessage{"This dataset is already being processed", "Wait for the current run to finish", "DS002"}},

	// Run errors
	{"too many concurrent runs", UserMessage{"Too many runs in progress", "Please wait a moment and try again", "RUN001"}},
	{"run not found", UserMessage{"Run not found", "The run may have expired. Start a new run", "RUN002"}},
	{"mutually exclusive", UserMessage{"Conflicting apply options", "Choose either insert-only or delete-only", "RUN003"}},
	{"context canceled", UserMessage{"Run was cancelled", "Start a new run when ready", "RUN004"}},
	{"context deadline exceeded", UserMessage{"Run timed out", "Try a smaller file or try again later", "RUN005"}},
	{"timeout", UserMessage{"Operation timed out", "Try a smaller file or try again later", "DB006"}},

	// Reports
	{"report not found", UserMessage{"Report not found", "Check the report link or run the import again", "RPT001"}},
	{"invalid report name", UserMessage{"Invalid report name", "Use the report link returned by the import", "RPT002"}},

	{"rate limit", UserMessage{"Too many requests", "Please wait a moment before trying again", "RATE001"}},
}

// defaultMessage is returned when no pattern matches (ERR000).
var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
}

// MapError converts a technical error to a user-friendly message.
// Matching is case-insensitive. Unknown errors map to ERR000.
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	errStr := strings.ToLower(err.Error())

	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}

	return defaultMessage
}

// FormatUserError creates a formatted error string for display.
// The format is: "Message (Code: XXX). Action"
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// IsUserFacing reports whether err matches a known pattern.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	return MapError(err).Code != defaultMessage.Code
}

// UserError pairs a technical error with its user-facing message.
type UserError struct {
	Technical error
	User      UserMessage
}

func (e *UserError) Error() string {
	return e.User.Message
}

func (e *UserError) Unwrap() error {
	return e.Technical
}

// NewUserError maps err to a UserError. Returns nil if err is nil.
func NewUserError(err error) *UserError {
	if err == nil {
		return nil
	}
	return &UserError{
		Technical: err,
		User:      MapError(err),
	}
}
