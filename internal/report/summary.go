package report

import (
	"sort"

	"github.com/JonMunkholm/pendampingan/internal/core"
)

// DefaultSampleLimit is the number of samples kept per reason.
const DefaultSampleLimit = 3

// Sample is one failure shown under its reason.
type Sample struct {
	Row     int    `json:"row"`
	Message string `json:"message"`
}

// ReasonCount groups failures of one reason.
type ReasonCount struct {
	Reason  core.Reason `json:"reason"`
	Count   int         `json:"count"`
	Samples []Sample    `json:"samples"`
}

// Summary is a failure report grouped by reason.
type Summary struct {
	Total    int           `json:"total"`
	ByReason []ReasonCount `json:"by_reason"`
}

// Summarize groups failures by reason, most frequent first. Ties are
// ordered by reason. sampleLimit <= 0 uses DefaultSampleLimit.
func Summarize(failures []core.FailedRecord, sampleLimit int) Summary {
	if sampleLimit <= 0 {
		sampleLimit = DefaultSampleLimit
	}

	idx := make(map[core.Reason]int)
	var groups []ReasonCount
	for _, f := range failures {
		i, ok := idx[f.Reason]
		if !ok {
			i = len(groups)
			idx[f.Reason] = i
			groups = append(groups, ReasonCount{Reason: f.Reason})
		}
		g := &groups[i]
		g.Count++
		if len(g.Samples) < sampleLimit {
			g.Samples = append(g.Samples, Sample{Row: f.Row, Message: f.Message})
		}
	}

	sort.SliceStable(groups, func(a, b int) bool {
		if groups[a].Count != groups[b].Count {
			return groups[a].Count > groups[b].Count
		}
		return groups[a].Reason < groups[b].Reason
	})

	return Summary{Total: len(failures), ByReason: groups}
}

// Extract returns the source records of failures, in report order, so they
// can be fixed and imported again. Failures without a record are skipped.
func Extract(failures []core.FailedRecord) []core.Record {
	out := make([]core.Record, 0, len(failures))
	for _, f := range failures {
		if f.Record != nil {
			out = append(out, f.Record)
		}
	}
	return out
}
