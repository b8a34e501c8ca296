package resolve

import (
	"fmt"
	"time"

	"github.com/atticlabs/attic/pkg/common"
	"github.com/atticlabs/attic/pkg/normalize"
)

// HeuristicConfig holds the per-kind knobs for the similarity pass. The
// weights and tolerances are policy, not structure, so they are surfaced
// through configuration rather than hard-coded at the call sites.
type HeuristicConfig struct {
	// FileMTimeTolerance is how far apart two modification timestamps may
	// be while still counting as "the same write".
	FileMTimeTolerance time.Duration
	// EventTimeSlack pads event windows before testing overlap, absorbing
	// provider rounding of start/end times.
	EventTimeSlack time.Duration
}

// similarity scores how plausibly the draft and the candidate describe the
// same real-world item, in [0,1], with a short evidence string for the
// audit trail. A score of 0 means "no basis to merge".
//
// Only File and Event kinds have a secondary pass: messages and location
// samples are too generic for attribute heuristics, so they merge on exact
// fingerprint only.
func similarity(draft *normalize.Draft, candidate *common.CanonicalEntity, cfg HeuristicConfig) (float64, string) {
	if draft.Kind != candidate.Kind {
		return 0, ""
	}

	switch draft.Kind {
	case common.KindFile:
		return fileSimilarity(draft, candidate, cfg)
	case common.KindEvent:
		return eventSimilarity(draft, candidate, cfg)
	default:
		return 0, ""
	}
}

func fileSimilarity(draft *normalize.Draft, candidate *common.CanonicalEntity, cfg HeuristicConfig) (float64, string) {
	score := 0.0
	evidence := ""

	name, _ := draft.Attributes["name"].(string)
	candName, _ := candidate.Attributes["name"].(string)
	if name != "" && name == candName {
		score += 0.4
		evidence += "same name; "
	}

	size, okA := toInt64(draft.Attributes["size"])
	candSize, okB := toInt64(candidate.Attributes["size"])
	if okA && okB && size == candSize {
		score += 0.3
		evidence += "same size; "
	}

	tol := cfg.FileMTimeTolerance
	if tol <= 0 {
		tol = 2 * time.Second
	}
	if dm, ok := labeledTime(draft.Timestamps, common.TimestampModified); ok {
		if cm, ok := labeledTime(candidate.Timestamps, common.TimestampModified); ok {
			delta := dm.Sub(cm)
			if delta < 0 {
				delta = -delta
			}
			if delta <= tol {
				score += 0.3
				evidence += fmt.Sprintf("mtime within %s; ", tol)
			}
		}
	}

	return score, evidence
}

func eventSimilarity(draft *normalize.Draft, candidate *common.CanonicalEntity, cfg HeuristicConfig) (float64, string) {
	participants := stringSlice(draft.Attributes["participants"])
	candParticipants := stringSlice(candidate.Attributes["participants"])
	jaccard := jaccardIndex(participants, candParticipants)

	slack := cfg.EventTimeSlack
	if slack <= 0 {
		slack = 5 * time.Minute
	}
	overlap := 0.0
	ds, de, okA := eventWindow(draft.Attributes)
	cs, ce, okB := eventWindow(candidate.Attributes)
	if okA && okB && ds.Add(-slack).Before(ce) && cs.Add(-slack).Before(de) {
		overlap = 1.0
	}

	score := 0.6*jaccard + 0.4*overlap
	evidence := ""
	if jaccard > 0 {
		evidence += fmt.Sprintf("participant overlap %.2f; ", jaccard)
	}
	if overlap > 0 {
		evidence += "overlapping time window; "
	}
	return score, evidence
}

func eventWindow(attrs map[string]any) (time.Time, time.Time, bool) {
	start, ok := attrs["start"].(string)
	if !ok {
		return time.Time{}, time.Time{}, false
	}
	s, err := time.Parse(time.RFC3339, start)
	if err != nil {
		return time.Time{}, time.Time{}, false
	}

	e := s.Add(time.Hour)
	if end, ok := attrs["end"].(string); ok {
		if parsed, err := time.Parse(time.RFC3339, end); err == nil {
			e = parsed
		}
	}
	return s, e, true
}

func jaccardIndex(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]bool, len(a))
	for _, s := range a {
		set[s] = true
	}
	intersection := 0
	union := len(set)
	for _, s := range b {
		if set[s] {
			intersection++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func labeledTime(ts []common.SourcedTimestamp, label common.TimestampLabel) (time.Time, bool) {
	for _, t := range ts {
		if t.Label == label {
			return t.Value, true
		}
	}
	return time.Time{}, false
}

func stringSlice(v any) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	default:
		return nil
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}
