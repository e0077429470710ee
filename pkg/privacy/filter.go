// Package privacy classifies memory content by the personal data it carries
// and redacts that data before storage when enforcement is on.
package privacy

import (
	"fmt"
	"sort"
	"strings"

	"github.com/orchestra/tiermem/pkg/memory"
)

// Placeholder replaces every redacted span.
const Placeholder = "[REDACTED]"

// Config holds filter settings.
type Config struct {
	// Enforce enables redaction and refusal of content that stays unsafe.
	Enforce bool

	// Placeholder overrides the redaction token.
	Placeholder string
}

// Recorder receives detection outcomes, typically for metrics.
type Recorder interface {
	RecordPrivacyDetection(detector string)
	RecordPrivacyRedaction()
	RecordPrivacyViolation()
	RecordDetectorFailure(detector string)
}

// filterLogger is the minimal logger interface used by Filter.
type filterLogger interface {
	Warn(msg string, args ...any)
}

type nopFilterLogger struct{}

func (nopFilterLogger) Warn(string, ...any) {}

type nopRecorder struct{}

func (nopRecorder) RecordPrivacyDetection(string) {}
func (nopRecorder) RecordPrivacyRedaction()       {}
func (nopRecorder) RecordPrivacyViolation()       {}
func (nopRecorder) RecordDetectorFailure(string)  {}

// Filter runs a fixed, ordered set of detectors over content. It keeps no
// state between calls and is safe for concurrent use.
type Filter struct {
	detectors   []Detector
	enforce     bool
	placeholder string
	log         filterLogger
	recorder    Recorder
}

// Option configures a Filter.
type Option func(*Filter)

// WithDetectors replaces the default detector set.
func WithDetectors(detectors ...Detector) Option {
	return func(f *Filter) {
		f.detectors = detectors
	}
}

// WithLogger sets the logger used for detector failures.
func WithLogger(l filterLogger) Option {
	return func(f *Filter) {
		if l != nil {
			f.log = l
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(f *Filter) {
		if r != nil {
			f.recorder = r
		}
	}
}

// New builds a Filter with the default detectors unless overridden.
func New(cfg Config, opts ...Option) *Filter {
	f := &Filter{
		detectors:   DefaultDetectors(),
		enforce:     cfg.Enforce,
		placeholder: cfg.Placeholder,
		log:         nopFilterLogger{},
		recorder:    nopRecorder{},
	}
	if f.placeholder == "" {
		f.placeholder = Placeholder
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Enforcing reports whether redaction is enabled.
func (f *Filter) Enforcing() bool {
	return f.enforce
}

// Inspection is the outcome of running every detector once.
type Inspection struct {
	// Level is the highest severity matched, or standard when nothing matched.
	Level memory.PrivacyLevel

	Spans     []Span
	Detectors []string

	// Failed lists detectors that errored or panicked and were skipped.
	Failed []string
}

// Matched reports whether any detector fired.
func (in Inspection) Matched() bool {
	return len(in.Spans) > 0
}

// Inspect runs every detector in order. A failing detector is logged and
// skipped; the others still run.
func (f *Filter) Inspect(content string) Inspection {
	in := Inspection{Level: memory.PrivacyStandard}
	var highest memory.PrivacyLevel

	for _, d := range f.detectors {
		spans, err := safeFind(d, content)
		if err != nil {
			f.log.Warn("privacy detector failed", "detector", d.Name(), "error", err)
			f.recorder.RecordDetectorFailure(d.Name())
			in.Failed = append(in.Failed, d.Name())
			continue
		}
		if len(spans) == 0 {
			continue
		}
		in.Spans = append(in.Spans, spans...)
		in.Detectors = append(in.Detectors, d.Name())
		highest = memory.MaxPrivacy(highest, d.Severity())
		f.recorder.RecordPrivacyDetection(d.Name())
	}

	if highest != "" {
		in.Level = highest
	}
	return in
}

// Classify returns the highest severity matched, or standard.
func (f *Filter) Classify(content string) memory.PrivacyLevel {
	return f.Inspect(content).Level
}

// Redact replaces detected spans with the placeholder when enforcement is on
// and level is sensitive. Otherwise content is returned unchanged.
func (f *Filter) Redact(content string, level memory.PrivacyLevel) (string, error) {
	if !f.enforce || !level.AtLeast(memory.PrivacySensitive) {
		return content, nil
	}
	in := f.Inspect(content)
	if !in.Matched() {
		return content, nil
	}
	redacted := f.replace(content, in.Spans)
	if err := f.verify(redacted); err != nil {
		return "", err
	}
	f.recorder.RecordPrivacyRedaction()
	return redacted, nil
}

// Result is the outcome of Apply.
type Result struct {
	Content   string
	Level     memory.PrivacyLevel
	Redacted  bool
	Detectors []string
}

// Apply is the store path. The effective level is requested, escalated to
// the detected severity when a detector fired; it is never lowered. Content
// at sensitive level is redacted under enforcement, and refused with a
// PrivacyViolationError when a sensitive match survives redaction.
func (f *Filter) Apply(content string, requested memory.PrivacyLevel) (Result, error) {
	in := f.Inspect(content)

	level := requested
	if in.Matched() {
		level = memory.MaxPrivacy(requested, in.Level)
	}
	res := Result{Content: content, Level: level, Detectors: in.Detectors}

	if !f.enforce || !level.AtLeast(memory.PrivacySensitive) || !in.Matched() {
		return res, nil
	}

	redacted := f.replace(content, in.Spans)
	if err := f.verify(redacted); err != nil {
		return Result{}, err
	}
	f.recorder.RecordPrivacyRedaction()

	res.Content = redacted
	res.Redacted = true
	return res, nil
}

// verify re-inspects redacted content and refuses it when sensitive data
// is still present.
func (f *Filter) verify(redacted string) error {
	again := f.Inspect(redacted)
	var remaining []string
	for _, d := range f.detectors {
		if !d.Severity().AtLeast(memory.PrivacySensitive) {
			continue
		}
		for _, name := range again.Detectors {
			if name == d.Name() {
				remaining = append(remaining, name)
			}
		}
	}
	if len(remaining) > 0 {
		f.recorder.RecordPrivacyViolation()
		return &memory.PrivacyViolationError{
			Detectors: remaining,
			Reason:    "sensitive data remains after redaction",
		}
	}
	return nil
}

// replace substitutes merged spans left to right.
func (f *Filter) replace(content string, spans []Span) string {
	merged := mergeSpans(spans)
	var b strings.Builder
	b.Grow(len(content))
	last := 0
	for _, s := range merged {
		b.WriteString(content[last:s.Start])
		b.WriteString(f.placeholder)
		last = s.End
	}
	b.WriteString(content[last:])
	return b.String()
}

func mergeSpans(spans []Span) []Span {
	if len(spans) == 0 {
		return nil
	}
	sorted := append([]Span(nil), spans...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Start != sorted[j].Start {
			return sorted[i].Start < sorted[j].Start
		}
		return sorted[i].End > sorted[j].End
	})

	out := []Span{sorted[0]}
	for _, s := range sorted[1:] {
		last := &out[len(out)-1]
		if s.Start <= last.End {
			if s.End > last.End {
				last.End = s.End
			}
			continue
		}
		out = append(out, s)
	}
	return out
}

// safeFind calls d.Find and converts a panic into an error.
func safeFind(d Detector, content string) (spans []Span, err error) {
	defer func() {
		if r := recover(); r != nil {
			spans = nil
			err = fmt.Errorf("detector %s panicked: %v", d.Name(), r)
		}
	}()
	return d.Find(content)
}
