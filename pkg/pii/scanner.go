package pii

// Kind classifies what a detector matched.
type Kind string

const (
	KindPII       Kind = "pii"
	KindInjection Kind = "injection"
)

// Finding is a single detector match within scanned content.
type Finding struct {
	Detector string
	Kind     Kind
	Excerpt  string
}

// Report is the result of scanning one piece of content.
type Report struct {
	Findings []Finding
}

// HasPII reports whether any PII-kind finding was recorded.
func (r Report) HasPII() bool {
	for _, f := range r.Findings {
		if f.Kind == KindPII {
			return true
		}
	}
	return false
}

// HasInjection reports whether any injection-heuristic finding was recorded.
func (r Report) HasInjection() bool {
	for _, f := range r.Findings {
		if f.Kind == KindInjection {
			return true
		}
	}
	return false
}

// Scanner classifies content against the compiled detector registry.
// Construction mirrors the teacher's NewMaskingService: compile once,
// reuse for the life of the process.
type Scanner struct {
	detectors []compiledDetector
}

// NewScanner compiles the built-in detector table.
func NewScanner() (*Scanner, error) {
	detectors, err := compileBuiltins()
	if err != nil {
		return nil, err
	}
	return &Scanner{detectors: detectors}, nil
}

const excerptRadius = 12

// Scan runs every detector over content and returns all matches. Unlike the
// teacher's MaskToolResult/MaskAlertData (which redact and return altered
// text), this never modifies content — spec §4.I requires recording
// findings without blocking the store.
func (s *Scanner) Scan(content string) Report {
	var findings []Finding
	for _, d := range s.detectors {
		loc := d.pattern.FindStringIndex(content)
		if loc == nil {
			continue
		}
		start := loc[0]
		end := loc[1]
		findings = append(findings, Finding{
			Detector: d.name,
			Kind:     d.kind,
			Excerpt:  excerpt(content, start, end),
		})
	}
	return Report{Findings: findings}
}

func excerpt(content string, start, end int) string {
	lo := start - excerptRadius
	if lo < 0 {
		lo = 0
	}
	hi := end + excerptRadius
	if hi > len(content) {
		hi = len(content)
	}
	return content[lo:hi]
}
