// Package detect classifies a rolling window of child output into an
// interactive prompt kind with a confidence score. Three layers:
// structured events from tool adapters, text patterns over the
// ANSI-stripped buffer, and a last-resort stall heuristic.
package detect

import (
	"strings"

	"github.com/nextlevelbuilder/aegis/internal/store"
)

// excerptMaxChars bounds the prompt text shown to the operator.
const excerptMaxChars = 300

// StallConfidence is the fixed confidence of the stall heuristic. It
// sits below the default threshold on purpose: silence alone never
// routes a prompt unless policy explicitly lowers the bar.
const StallConfidence = 0.60

// Result is the outcome of one classification pass.
type Result struct {
	Detected   bool
	Kind       string
	Confidence float64
	Excerpt    string
	Choices    []string
	Method     string
}

// StructuredEvent is a machine-readable prompt emitted by a tool
// adapter (for tools with JSON output modes). Accepted verbatim at
// confidence 1.0.
type StructuredEvent struct {
	Kind    string
	Excerpt string
	Choices []string
}

// Detector evaluates output buffers against the pattern families.
type Detector struct {
	threshold float64
}

// New returns a Detector firing at the given confidence threshold.
func New(threshold float64) *Detector {
	return &Detector{threshold: threshold}
}

// Threshold returns the configured minimum confidence.
func (d *Detector) Threshold() float64 { return d.threshold }

// DetectStructured accepts an adapter-fed prompt event.
func (d *Detector) DetectStructured(ev StructuredEvent) Result {
	return Result{
		Detected:   true,
		Kind:       ev.Kind,
		Confidence: 1.0,
		Excerpt:    truncateExcerpt(ev.Excerpt),
		Choices:    ev.Choices,
		Method:     store.MethodStructured,
	}
}

// Detect runs the text-pattern layer over raw buffer contents.
// Detected is true only when the winning family's confidence reaches
// the threshold.
func (d *Detector) Detect(raw string) Result {
	text := StripANSI(raw)
	if strings.TrimSpace(text) == "" {
		return Result{}
	}

	for _, fam := range families {
		hits := 0
		for _, p := range fam.patterns {
			if p.MatchString(text) {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		conf := fam.base + confidenceStep*float64(hits-1)
		if conf > confidenceCap {
			conf = confidenceCap
		}
		res := Result{
			Kind:       fam.kind,
			Confidence: conf,
			Excerpt:    truncateExcerpt(text),
			Method:     store.MethodPattern,
		}
		if fam.kind == store.InputMultipleChoice {
			res.Choices = extractChoices(text)
		}
		res.Detected = conf >= d.threshold
		return res
	}
	return Result{}
}

// DetectStall is the layer-3 classification the watchdog requests after
// prolonged silence. Advisory: fires only when the threshold admits
// low-confidence results.
func (d *Detector) DetectStall(raw string) Result {
	text := StripANSI(raw)
	return Result{
		Detected:   StallConfidence >= d.threshold,
		Kind:       store.InputUnknown,
		Confidence: StallConfidence,
		Excerpt:    truncateExcerpt(text),
		Method:     store.MethodStall,
	}
}

// MatchesAnyPattern reports whether any family matches the text. The
// watchdog uses this to avoid invoking the stall layer when the tail of
// the buffer already looks like a normal prompt.
func MatchesAnyPattern(raw string) bool {
	text := StripANSI(raw)
	for _, fam := range families {
		for _, p := range fam.patterns {
			if p.MatchString(text) {
				return true
			}
		}
	}
	return false
}

// truncateExcerpt keeps the tail of the cleaned text, where the prompt
// itself lives.
func truncateExcerpt(text string) string {
	text = strings.TrimSpace(text)
	if len(text) <= excerptMaxChars {
		return text
	}
	cut := text[len(text)-excerptMaxChars:]
	if idx := strings.IndexByte(cut, '\n'); idx >= 0 && idx < len(cut)-1 {
		cut = cut[idx+1:]
	}
	return cut
}
