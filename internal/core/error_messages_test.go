package core

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestMapError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
	}{
		{"nil error returns empty", nil, ""},
		{"duplicate key", errors.New(`ERROR: duplicate key value violates unique constraint "users_email_key"`), "DB001"},
		{"wrapped duplicate sentinel", fmt.Errorf("insert assignment: %w", ErrDuplicateKey), "DB001"},
		{"foreign key", errors.New("violates foreign key constraint"), "DB003"},
		{"connection refused", errors.New("dial tcp: connection refused"), "DB004"},
		{"invalid source", ErrInvalidSourceFormat, "SRC001"},
		{"dataset not found", fmt.Errorf("load dataset abc: %w", ErrDatasetNotFound), "DS001"},
		{"dataset busy", ErrDatasetBusy, "DS002"},
		{"too many runs", ErrTooManyRuns, "RUN001"},
		{"run not found", ErrRunNotFound, "RUN002"},
		{"conflicting apply options", ErrConflictingApplyOptions, "RUN003"},
		{"cancelled", context.Canceled, "RUN004"},
		{"deadline", context.DeadlineExceeded, "RUN005"},
		{"generic timeout", errors.New("i/o timeout"), "DB006"},
		{"rate limit", errors.New("rate limit exceeded"), "RATE001"},
		{"report not found", errors.New("report not found"), "RPT001"},
		{"invalid report name", errors.New(`"../x.json": invalid report name`), "RPT002"},
		{"body too large", errors.New("read source: http: request body too large"), "FILE001"},
		{"unknown error returns default", errors.New("some random internal error"), "ERR000"},
		{"case insensitive matching", errors.New("DUPLICATE KEY value violates"), "DB001"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MapError(tt.err)
			if got.Code != tt.wantCode {
				t.Errorf("MapError() code = %q, want %q", got.Code, tt.wantCode)
			}
		})
	}
}

func TestFormatUserError(t *testing.T) {
	result := FormatUserError(ErrDatasetBusy)

	expected := "This dataset is already being processed (Code: DS002). Wait for the current run to finish"
	if result != expected {
		t.Errorf("FormatUserError() = %q, want %q", result, expected)
	}
	if FormatUserError(nil) != "" {
		t.Error("FormatUserError(nil) should be empty")
	}
}

func TestIsUserFacing(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil error is not user facing", nil, false},
		{"known error is user facing", ErrRunNotFound, true},
		{"unknown error is not user facing", errors.New("random internal error xyz"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsUserFacing(tt.err); got != tt.want {
				t.Errorf("IsUserFacing() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewUserError(t *testing.T) {
	t.Run("nil error returns nil", func(t *testing.T) {
		if got := NewUserError(nil); got != nil {
			t.Errorf("NewUserError(nil) = %v, want nil", got)
		}
	})

	t.Run("wraps technical error with user message", func(t *testing.T) {
		techErr := fmt.Errorf("open dataset: %w", ErrDatasetNotFound)
		userErr := NewUserError(techErr)

		if userErr.Error() != "Dataset not found" {
			t.Errorf("Error() = %q, want user message", userErr.Error())
		}
		if !errors.Is(userErr, ErrDatasetNotFound) {
			t.Error("Unwrap() should expose the original error chain")
		}
	})
}
