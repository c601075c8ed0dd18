package core

import (
	"context"
	"fmt"
	"log/slog"
)

// identityLookupLimit is enough to tell a unique match from an ambiguous one.
const identityLookupLimit = 2

// IdentityResolver finds the user a record refers to. Email is tried first,
// then name. More than one match on either key is refused rather than guessed.
type IdentityResolver struct {
	logger *slog.Logger
}

// NewIdentityResolver creates a resolver. A nil logger uses slog.Default.
func NewIdentityResolver(logger *slog.Logger) *IdentityResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &IdentityResolver{logger: logger}
}

// Resolve looks the record's identity up without writing anything.
// The error is non-nil only when the store itself failed.
func (r *IdentityResolver) Resolve(ctx context.Context, q Queries, rec Record) (Resolution, error) {
	email := rec.Get(FieldEmail)
	name := rec.Get(FieldName)

	if email == "" && name == "" {
		return unresolvedBy(ReasonNoIdentifyingFields), nil
	}

	if email != "" {
		ids, err := q.FindUsersByEmail(ctx, email, identityLookupLimit)
		if err != nil {
			return Resolution{}, fmt.Errorf("find user by email: %w", err)
		}
		if res, done := r.decide(ids, "email", email); done {
			return res, nil
		}
	}

	if name != "" {
		ids, err := q.FindUsersByName(ctx, name, identityLookupLimit)
		if err != nil {
			return Resolution{}, fmt.Errorf("find user by name: %w", err)
		}
		if res, done := r.decide(ids, "name", name); done {
			return res, nil
		}
	}

	return unresolvedBy(ReasonNotFound), nil
}

// decide turns a lookup result into a final resolution. done is false when
// nothing matched and the next key should be tried.
func (r *IdentityResolver) decide(ids []int64, key, value string) (Resolution, bool) {
	switch len(ids) {
	case 0:
		return Resolution{}, false
	case 1:
		return resolvedAs(ids[0]), true
	default:
		ambiguousMatches.WithLabelValues("identity").Inc()
		r.logger.Warn("ambiguous identity",
			"key", key,
			"value", value,
			"matches", len(ids),
		)
		res := unresolvedBy(ReasonAmbiguous)
		res.Ambiguous = true
		return res, true
	}
}
