package core

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/lithammer/fuzzysearch/fuzzy"
)

const (
	// areaLookupLimit is used by the exact steps; a second row only signals ambiguity.
	areaLookupLimit = 2

	// partialCandidateLimit bounds the rows ranked by the partial step.
	partialCandidateLimit = 25
)

// AreaResolver finds the KPS row a record refers to. Lookup never writes;
// creation is a separate call made by the importer.
//
// Lookup order, first hit wins:
//
//	(a) exact code and scheme
//	(b) exact code, any scheme
//	(c) code contained in the stored code, same scheme
//
// Several rows on one step are accepted deterministically and logged.
type AreaResolver struct {
	logger *slog.Logger
}

// NewAreaResolver creates a resolver. A nil logger uses slog.Default.
func NewAreaResolver(logger *slog.Logger) *AreaResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &AreaResolver{logger: logger}
}

// Resolve looks up the area for code and the raw scheme tag.
// Untracked schemes resolve to Unresolved(untracked) without touching the store.
func (r *AreaResolver) Resolve(ctx context.Context, q Queries, code, schemeRaw string) (Resolution, error) {
	scheme, tracked := NormalizeScheme(schemeRaw)
	if !tracked {
		return unresolvedBy(ReasonUntracked), nil
	}
	if code == "" {
		return unresolvedBy(ReasonEmptyCode), nil
	}

	steps := []struct {
		match AreaMatch
		limit int
	}{
		{AreaMatchCodeAndScheme, areaLookupLimit},
		{AreaMatchCode, areaLookupLimit},
		{AreaMatchPartial, partialCandidateLimit},
	}

	for _, step := range steps {
		found, err := q.FindAreas(ctx, AreaQuery{Code: code, Scheme: scheme, Match: step.match, Limit: step.limit})
		if err != nil {
			return Resolution{}, fmt.Errorf("find area: %w", err)
		}
		if len(found) == 0 {
			continue
		}
		if len(found) == 1 {
			return resolvedAs(found[0].ID), nil
		}

		pick := found[0]
		if step.match == AreaMatchPartial {
			pick = closestArea(code, found)
		}

		ambiguousMatches.WithLabelValues("area").Inc()
		r.logger.Info(string(ReasonAmbiguousMatchAccepted),
			"code", code,
			"scheme", string(scheme),
			"step", step.match.String(),
			"candidates", len(found),
			"picked", pick.ID,
		)
		res := resolvedAs(pick.ID)
		res.Ambiguous = true
		return res, nil
	}

	return unresolvedBy(ReasonNotFound), nil
}

// Create inserts a new area reference from the record's location fields.
// A record without a KPS name is stored under its code.
func (r *AreaResolver) Create(ctx context.Context, q Queries, code string, scheme Scheme, rec Record) (int64, error) {
	name := rec.Get(FieldAreaName)
	if name == "" {
		r.logger.Warn("creating area without KPS name, using code", "code", code, "scheme", string(scheme))
		name = code
	}

	id, err := q.CreateArea(ctx, NewArea{
		Code:     code,
		Scheme:   scheme,
		Name:     name,
		Province: rec.Get(FieldProvince),
		Regency:  rec.Get(FieldRegency),
		District: rec.Get(FieldDistrict),
		Village:  rec.Get(FieldVillage),
		Size:     ParseAreaSize(rec[string(FieldAreaSize)]),
	})
	if err != nil {
		return 0, fmt.Errorf("create area: %w", err)
	}
	r.logger.Info("created area", "area_id", id, "code", code, "scheme", string(scheme), "name", name)
	return id, nil
}

// closestArea ranks candidates by fuzzy distance to code, lowest id first on ties.
// Candidates the ranking does not match keep their id order behind the ranked ones.
func closestArea(code string, found []AreaCandidate) AreaCandidate {
	targets := make([]string, len(found))
	for i, c := range found {
		targets[i] = c.Code
	}

	ranks := fuzzy.RankFindNormalizedFold(code, targets)
	if len(ranks) == 0 {
		return found[0]
	}
	sort.SliceStable(ranks, func(i, j int) bool {
		if ranks[i].Distance != ranks[j].Distance {
			return ranks[i].Distance < ranks[j].Distance
		}
		return found[ranks[i].OriginalIndex].ID < found[ranks[j].OriginalIndex].ID
	})
	return found[ranks[0].OriginalIndex]
}

func (m AreaMatch) String() string {
	switch m {
	case AreaMatchCodeAndScheme:
		return "code_and_scheme"
	case AreaMatchCode:
		return "code"
	case AreaMatchPartial:
		return "partial"
	}
	return "unknown"
}
