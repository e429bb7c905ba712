package results

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Entry is one classified observation with its resolved patient. Patient is
// nil when the subject reference did not match any streamed patient; the
// line is still reported with empty display fields.
type Entry struct {
	Observation *Observation
	Patient     *Patient
	Verdict     Verdict
}

// Builder accumulates classified entries and renders the final report text.
// Abnormal results come first: they are the actionable section.
type Builder struct {
	mu        sync.Mutex
	abnormal  []string
	normal    []string
	now       func() time.Time
	generated time.Time
}

// NewBuilder returns an empty report builder.
func NewBuilder() *Builder {
	return &Builder{now: time.Now}
}

// SetClock overrides the report timestamp source. Intended for tests.
func (b *Builder) SetClock(now func() time.Time) { b.now = now }

// Record classifies the entry into the abnormal or normal section.
func (b *Builder) Record(e Entry) {
	line := formatLine(e)
	b.mu.Lock()
	if e.Verdict.Normal {
		b.normal = append(b.normal, line)
	} else {
		b.abnormal = append(b.abnormal, line)
	}
	b.mu.Unlock()
}

// AbnormalCount returns the number of abnormal entries recorded so far.
func (b *Builder) AbnormalCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.abnormal)
}

// NormalCount returns the number of normal entries recorded so far.
func (b *Builder) NormalCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.normal)
}

// Render produces the report text: header, abnormal section, normal
// section. Rendering is idempotent; without further Record calls, repeated
// renders return byte-identical text. The Generated timestamp is taken on
// the first Render and reused by every later one.
func (b *Builder) Render() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.generated.IsZero() {
		b.generated = b.now().UTC()
	}

	var sb strings.Builder
	sb.WriteString("Lab Results Report\n")
	sb.WriteString("Generated: " + b.generated.Format(time.RFC3339) + "\n")
	sb.WriteString(fmt.Sprintf("Results: %d abnormal, %d normal\n", len(b.abnormal), len(b.normal)))
	sb.WriteString("\n")

	sb.WriteString(fmt.Sprintf("ABNORMAL RESULTS (%d)\n", len(b.abnormal)))
	writeSection(&sb, b.abnormal)
	sb.WriteString("\n")
	sb.WriteString(fmt.Sprintf("NORMAL RESULTS (%d)\n", len(b.normal)))
	writeSection(&sb, b.normal)

	return sb.String()
}

func writeSection(sb *strings.Builder, lines []string) {
	if len(lines) == 0 {
		sb.WriteString("  (none)\n")
		return
	}
	for _, line := range lines {
		sb.WriteString("  " + line + "\n")
	}
}

// formatLine renders one report line, e.g.
//
//	Hemoglobin 5.5 g/dL [ref 4-6] within range, patient Jane Doe (pat-1)
func formatLine(e Entry) string {
	var sb strings.Builder

	code := e.Observation.Code
	if code == "" {
		code = "Observation " + e.Observation.ID
	}
	sb.WriteString(code)

	if e.Observation.Value != nil {
		sb.WriteString(" " + formatNumber(*e.Observation.Value))
		if e.Observation.Unit != "" {
			sb.WriteString(" " + e.Observation.Unit)
		}
	} else {
		sb.WriteString(" (no value)")
	}

	if e.Observation.RangeLow != nil && e.Observation.RangeHigh != nil {
		sb.WriteString(fmt.Sprintf(" [ref %s-%s]",
			formatNumber(*e.Observation.RangeLow), formatNumber(*e.Observation.RangeHigh)))
	}

	sb.WriteString(", " + string(e.Verdict.Reason))

	if e.Patient != nil {
		sb.WriteString(fmt.Sprintf(", patient %s (%s)", e.Patient.DisplayName(), e.Patient.ID))
	} else if e.Observation.SubjectID != "" {
		sb.WriteString(fmt.Sprintf(", patient unknown (%s)", e.Observation.SubjectID))
	}

	return sb.String()
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
