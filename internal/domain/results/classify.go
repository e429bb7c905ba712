package results

// Reason explains a classification verdict.
type Reason string

const (
	ReasonNoRange        Reason = "no reference range"
	ReasonIncompleteData Reason = "incomplete data"
	ReasonWithinRange    Reason = "within range"
	ReasonOutsideRange   Reason = "outside range"
)

// Verdict is the outcome of classifying one observation. Only WithinRange
// counts as normal; an observation we cannot judge is reported as abnormal
// so it gets human attention.
type Verdict struct {
	Normal bool
	Reason Reason
}

// Classify judges an observation against its reference range. Pure and
// total: every observation gets a verdict, never an error.
//
// Presence checks are explicit pointer-nil checks. A value or bound of
// exactly 0 is a real measurement, not missing data.
func Classify(obs *Observation) Verdict {
	if !obs.HasRange {
		return Verdict{Normal: false, Reason: ReasonNoRange}
	}
	if obs.Value == nil || obs.RangeLow == nil || obs.RangeHigh == nil {
		return Verdict{Normal: false, Reason: ReasonIncompleteData}
	}
	if *obs.Value >= *obs.RangeLow && *obs.Value <= *obs.RangeHigh {
		return Verdict{Normal: true, Reason: ReasonWithinRange}
	}
	return Verdict{Normal: false, Reason: ReasonOutsideRange}
}
