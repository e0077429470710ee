package privacy

import (
	"regexp"
	"strings"

	"github.com/orchestra/tiermem/pkg/memory"
)

// Span is a byte range of content matched by a detector.
type Span struct {
	Start    int    `json:"start"`
	End      int    `json:"end"`
	Detector string `json:"detector"`
}

// Detector finds one kind of personal data in text.
type Detector interface {
	Name() string
	Severity() memory.PrivacyLevel
	Find(content string) ([]Span, error)
}

// PatternDetector is a Detector backed by a regular expression with an
// optional post-match check.
type PatternDetector struct {
	name     string
	severity memory.PrivacyLevel
	re       *regexp.Regexp
	accept   func(match string) bool
}

// NewPatternDetector compiles pattern into a detector.
func NewPatternDetector(name string, severity memory.PrivacyLevel, pattern string, accept func(string) bool) (*PatternDetector, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	return &PatternDetector{name: name, severity: severity, re: re, accept: accept}, nil
}

func mustPattern(name string, severity memory.PrivacyLevel, pattern string, accept func(string) bool) *PatternDetector {
	d, err := NewPatternDetector(name, severity, pattern, accept)
	if err != nil {
		panic(err)
	}
	return d
}

func (d *PatternDetector) Name() string                  { return d.name }
func (d *PatternDetector) Severity() memory.PrivacyLevel { return d.severity }

// Find returns every accepted match.
func (d *PatternDetector) Find(content string) ([]Span, error) {
	var spans []Span
	for _, loc := range d.re.FindAllStringIndex(content, -1) {
		if d.accept != nil && !d.accept(content[loc[0]:loc[1]]) {
			continue
		}
		spans = append(spans, Span{Start: loc[0], End: loc[1], Detector: d.name})
	}
	return spans, nil
}

// DefaultDetectors returns the built-in detectors in evaluation order.
func DefaultDetectors() []Detector {
	return []Detector{
		mustPattern("email", memory.PrivacySensitive,
			`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`, nil),
		mustPattern("phone", memory.PrivacySensitive,
			`(?:\+\d{1,3}[\s.\-]?)?(?:\(\d{3}\)|\b\d{3})[\s.\-]?\d{3}[\s.\-]?\d{4}\b`, nil),
		mustPattern("ssn", memory.PrivacySensitive,
			`\b\d{3}-\d{2}-\d{4}\b`, validSSN),
		mustPattern("credit_card", memory.PrivacySensitive,
			`\b(?:\d[ \-]?){12,18}\d\b`, luhnValid),
		mustPattern("api_key", memory.PrivacySensitive,
			`\b(?:sk-[A-Za-z0-9_\-]{20,}|AKIA[0-9A-Z]{16}|ghp_[A-Za-z0-9]{36}|xox[abprs]-[A-Za-z0-9\-]{10,})`, nil),
		mustPattern("ipv4", memory.PrivacyStandard,
			`\b(?:(?:25[0-5]|2[0-4]\d|1\d\d|[1-9]?\d)\.){3}(?:25[0-5]|2[0-4]\d|1\d\d|[1-9]?\d)\b`, nil),
	}
}

// validSSN rejects area, group and serial numbers that are never issued.
func validSSN(s string) bool {
	parts := strings.Split(s, "-")
	if len(parts) != 3 {
		return false
	}
	area, group, serial := parts[0], parts[1], parts[2]
	return area != "000" && area != "666" && area[0] != '9' && group != "00" && serial != "0000"
}

// luhnValid checks the card number checksum after stripping separators.
func luhnValid(s string) bool {
	digits := make([]int, 0, len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits = append(digits, int(r-'0'))
		}
	}
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}

	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}
