package redact

import (
	"sort"

	"github.com/parabit/memgate/internal/xerrors"
)

// Placeholder replaces every matched span. It is fixed length so output
// never reveals how long the original secret was.
const Placeholder = "[REDACTED]"

// DefaultFailClosedTier is the tier at or above which a detector error
// rejects the payload instead of emitting it unredacted.
const DefaultFailClosedTier = TierKey

// ErrFailClosed is returned when a payload cannot safely be emitted.
var ErrFailClosed = xerrors.New("redact: fail-closed, payload withheld")

// Hooks are optional observability callbacks.
type Hooks struct {
	OnRedaction     func(detector string, tier Tier)
	OnDetectorError func(detector string, tier Tier, err error)
	OnFailClosed    func(tier Tier)
}

type Options struct {
	// Detectors run in order. Defaults to DefaultDetectors.
	Detectors []Detector

	// FailClosedTier: a detector error on a payload at or above this
	// tier rejects it. Defaults to DefaultFailClosedTier.
	FailClosedTier Tier

	Hooks Hooks
}

// Engine scans payloads (request/response bodies and log output) and
// scrubs secret material under the tiered fail-closed policy.
type Engine struct {
	detectors []Detector
	failTier  Tier
	hooks     Hooks
}

func NewEngine(opts Options) *Engine {
	if len(opts.Detectors) == 0 {
		opts.Detectors = DefaultDetectors()
	}
	if opts.FailClosedTier <= 0 {
		opts.FailClosedTier = DefaultFailClosedTier
	}
	return &Engine{
		detectors: opts.Detectors,
		failTier:  opts.FailClosedTier,
		hooks:     opts.Hooks,
	}
}

// Result is a scrubbed payload plus its findings.
type Result struct {
	Payload  []byte
	Findings []Finding
}

// Tier is the payload tier: the max tier among findings, zero when
// clean.
func (r Result) Tier() Tier {
	var max Tier
	for _, f := range r.Findings {
		if f.Tier > max {
			max = f.Tier
		}
	}
	return max
}

// Scrub runs every detector over p and replaces matched spans with the
// placeholder. A payload with zero findings is returned unchanged,
// byte for byte.
//
// Failure policy: when a detector errors, the payload tier is unknowable
// for that detector's class. If the failing detector - or anything
// already found - sits at or above the fail-closed tier, Scrub returns
// ErrFailClosed and the payload must not be emitted. Below the
// threshold the error is reported through hooks and scanning continues:
// availability over strictness on low-risk paths.
func (e *Engine) Scrub(p []byte) (Result, error) {
	var findings []Finding
	var erroredTier Tier // max tier among detectors that errored

	for _, d := range e.detectors {
		found, err := d.Scan(p)
		if err != nil {
			if e.hooks.OnDetectorError != nil {
				e.hooks.OnDetectorError(d.ID(), d.Tier(), err)
			}
			if d.Tier() > erroredTier {
				erroredTier = d.Tier()
			}
			continue
		}
		findings = append(findings, found...)
	}

	res := Result{Findings: findings}
	if erroredTier > 0 && (erroredTier >= e.failTier || res.Tier() >= e.failTier) {
		tier := erroredTier
		if res.Tier() > tier {
			tier = res.Tier()
		}
		if e.hooks.OnFailClosed != nil {
			e.hooks.OnFailClosed(tier)
		}
		return Result{}, ErrFailClosed
	}

	if len(findings) == 0 {
		res.Payload = p
		return res, nil
	}

	for _, f := range findings {
		if e.hooks.OnRedaction != nil {
			e.hooks.OnRedaction(f.Detector, f.Tier)
		}
	}
	res.Payload = replaceSpans(p, findings)
	return res, nil
}

// ScrubString is the log-sink adapter: best effort, never errors. When
// a high-tier detector fails the whole value is masked rather than
// emitted unscanned.
func (e *Engine) ScrubString(s string) string {
	res, err := e.Scrub([]byte(s))
	if err != nil {
		return Placeholder
	}
	if len(res.Findings) == 0 {
		return s
	}
	return string(res.Payload)
}

// replaceSpans substitutes the fixed placeholder for every finding span,
// merging overlaps so nested matches collapse into one replacement.
func replaceSpans(p []byte, findings []Finding) []byte {
	spans := make([][2]int, 0, len(findings))
	for _, f := range findings {
		start, end := f.Start, f.End
		if start < 0 {
			start = 0
		}
		if end > len(p) {
			end = len(p)
		}
		if start >= end {
			continue
		}
		spans = append(spans, [2]int{start, end})
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i][0] < spans[j][0] })

	merged := spans[:0]
	for _, s := range spans {
		if n := len(merged); n > 0 && s[0] <= merged[n-1][1] {
			if s[1] > merged[n-1][1] {
				merged[n-1][1] = s[1]
			}
			continue
		}
		merged = append(merged, s)
	}

	out := make([]byte, 0, len(p))
	prev := 0
	for _, s := range merged {
		out = append(out, p[prev:s[0]]...)
		out = append(out, Placeholder...)
		prev = s[1]
	}
	out = append(out, p[prev:]...)
	return out
}
