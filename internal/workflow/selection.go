package workflow

import (
	"github.com/pitabwire/docket/internal/decision"
	"github.com/pitabwire/docket/internal/matching"
	"github.com/pitabwire/docket/internal/navigation"
	"github.com/pitabwire/docket/model"
)

// courtChoice is the resolved court filter for a job.
type courtChoice struct {
	court  string // "" searches without a court filter
	skip   bool   // no court matched and the mode skips such items
	cancel bool   // the operator cancelled the job
	reason string
}

// offeredCourts lists the options shown to the operator: the matches when
// there are any, otherwise every court.
func offeredCourts(all []string, m matching.Result) []string {
	if m.Empty() {
		return all
	}
	out := make([]string, 0, len(m.Exact)+len(m.Fuzzy))
	out = append(out, m.Exact...)
	out = append(out, m.Fuzzy...)
	return out
}

// autoCourt picks a court without asking: the single exact match, else the
// best fuzzy match, else the first option unless autoSkip is set.
func autoCourt(offered []string, m matching.Result, autoSkip bool) courtChoice {
	if best, ok := m.Best(); ok {
		return courtChoice{court: best, reason: "matched"}
	}
	if autoSkip {
		return courtChoice{skip: true, reason: "no matching court"}
	}
	if len(offered) > 0 {
		return courtChoice{court: offered[0], reason: "first option"}
	}
	return courtChoice{reason: "no court options"}
}

// courtFromOutcome interprets the operator's court decision. Timeouts,
// disconnects and empty selections fall back to the first offered option.
func courtFromOutcome(out decision.Outcome, offered []string) courtChoice {
	first := func(reason string) courtChoice {
		if len(offered) == 0 {
			return courtChoice{reason: reason}
		}
		return courtChoice{court: offered[0], reason: reason}
	}
	switch out.Kind {
	case decision.TimedOut:
		return first("timed out")
	case decision.Cancelled:
		return first("operator disconnected")
	}
	resp := out.Response
	if resp.Action == model.ActionCancel {
		return courtChoice{cancel: true, reason: "cancelled by operator"}
	}
	selected := resp.SelectedCourt()
	switch selected {
	case "":
		return first("empty selection")
	case model.SkipCourtSelection:
		return courtChoice{reason: "manual browser selection"}
	}
	return courtChoice{court: selected, reason: "operator selection"}
}

// entryChoice is the resolved set of entries to capture for an item.
type entryChoice struct {
	entries []navigation.Entry
	skip    bool
	cancel  bool
	reason  string
}

// autoEntries picks entries according to the job's download mode.
func autoEntries(entries []navigation.Entry, downloadMode string, autoSkip bool) entryChoice {
	if downloadMode != model.DownloadPatternMatches {
		return entryChoice{entries: entries, reason: "all downloadable"}
	}
	var matched []navigation.Entry
	for _, e := range entries {
		if e.MatchedPattern {
			matched = append(matched, e)
		}
	}
	if len(matched) == 0 {
		if autoSkip {
			return entryChoice{skip: true, reason: "no pattern matches"}
		}
		return entryChoice{entries: entries, reason: "no pattern matches, downloading all"}
	}
	return entryChoice{entries: matched, reason: "pattern matches"}
}

// entriesFromOutcome interprets the operator's entry decision. Timeouts and
// disconnects mean download all. Out-of-range indices are ignored and an
// empty selection means all.
func entriesFromOutcome(out decision.Outcome, entries []navigation.Entry) entryChoice {
	switch out.Kind {
	case decision.TimedOut:
		return entryChoice{entries: entries, reason: "timed out"}
	case decision.Cancelled:
		return entryChoice{entries: entries, reason: "operator disconnected"}
	}
	resp := out.Response
	switch resp.Action {
	case model.ActionCancel:
		return entryChoice{cancel: true, reason: "cancelled by operator"}
	case model.ActionSkip:
		return entryChoice{skip: true, reason: "skipped by operator"}
	case model.ActionManualSelect:
		return entryChoice{skip: true, reason: "manual selection"}
	case model.ActionDownloadSelected:
		indices := resp.SelectedIndices()
		if len(indices) == 0 {
			return entryChoice{entries: entries, reason: "empty selection"}
		}
		var picked []navigation.Entry
		seen := make(map[int]bool, len(indices))
		for _, i := range indices {
			if i < 0 || i >= len(entries) || seen[i] {
				continue
			}
			seen[i] = true
			picked = append(picked, entries[i])
		}
		return entryChoice{entries: picked, reason: "operator selection"}
	default:
		return entryChoice{entries: entries, reason: "download all"}
	}
}

// entryOptions builds the prompt rows. Index is the position in entries,
// which is what selected_indices refers to.
func entryOptions(entries []navigation.Entry) []model.EntryOption {
	out := make([]model.EntryOption, len(entries))
	for i, e := range entries {
		out[i] = model.EntryOption{
			Index:          i,
			Number:         e.Number,
			Description:    e.Description,
			Date:           e.Date,
			MatchedPattern: e.MatchedPattern,
		}
	}
	return out
}
