package redact

import (
	"math"
	"regexp"
	"strconv"
)

// Tier is the sensitivity level of a finding. Higher is more sensitive;
// tier 3 covers private-key material.
type Tier int

const (
	TierGeneric Tier = 1
	TierToken   Tier = 2
	TierKey     Tier = 3
)

// Finding is one detected secret span. Findings are never persisted;
// logs only ever carry the redacted form plus metadata.
type Finding struct {
	Detector   string
	Tier       Tier
	Confidence float64
	Start      int
	End        int
}

// Detector scans a payload for secret material.
type Detector interface {
	ID() string
	Tier() Tier
	Scan(p []byte) ([]Finding, error)
}

type regexDetector struct {
	id         string
	tier       Tier
	confidence float64
	re         *regexp.Regexp
}

func (d *regexDetector) ID() string { return d.id }
func (d *regexDetector) Tier() Tier { return d.tier }

func (d *regexDetector) Scan(p []byte) ([]Finding, error) {
	locs := d.re.FindAllIndex(p, -1)
	if len(locs) == 0 {
		return nil, nil
	}
	out := make([]Finding, 0, len(locs))
	for _, loc := range locs {
		out = append(out, Finding{
			Detector:   d.id,
			Tier:       d.tier,
			Confidence: d.confidence,
			Start:      loc[0],
			End:        loc[1],
		})
	}
	return out, nil
}

// NewRegexDetector builds a pattern detector. The pattern must be a
// valid RE2 expression; construction panics otherwise, so detector sets
// are validated at startup.
func NewRegexDetector(id string, tier Tier, confidence float64, pattern string) Detector {
	return &regexDetector{
		id:         id,
		tier:       tier,
		confidence: confidence,
		re:         regexp.MustCompile(pattern),
	}
}

// entropyDetector flags long, high-entropy token-shaped runs that no
// specific pattern matched.
type entropyDetector struct {
	minLen    int
	threshold float64 // bits per byte
	tokenRe   *regexp.Regexp
}

const entropyDetectorID = "high_entropy_token"

func NewEntropyDetector(minLen int, threshold float64) Detector {
	if minLen <= 0 {
		minLen = 32
	}
	if threshold <= 0 {
		threshold = 4.5
	}
	return &entropyDetector{
		minLen:    minLen,
		threshold: threshold,
		tokenRe:   regexp.MustCompile(`[A-Za-z0-9+/_\-=]{` + strconv.Itoa(minLen) + `,}`),
	}
}

func (d *entropyDetector) ID() string { return entropyDetectorID }
func (d *entropyDetector) Tier() Tier { return TierGeneric }

func (d *entropyDetector) Scan(p []byte) ([]Finding, error) {
	locs := d.tokenRe.FindAllIndex(p, -1)
	var out []Finding
	for _, loc := range locs {
		run := p[loc[0]:loc[1]]
		ent := shannonEntropy(run)
		if ent < d.threshold {
			continue
		}
		// confidence scales with how far past the threshold we are
		conf := math.Min(1, 0.5+(ent-d.threshold)/2)
		out = append(out, Finding{
			Detector:   entropyDetectorID,
			Tier:       TierGeneric,
			Confidence: conf,
			Start:      loc[0],
			End:        loc[1],
		})
	}
	return out, nil
}

func shannonEntropy(p []byte) float64 {
	if len(p) == 0 {
		return 0
	}
	var counts [256]int
	for _, b := range p {
		counts[b]++
	}
	total := float64(len(p))
	var h float64
	for _, c := range counts {
		if c == 0 {
			continue
		}
		f := float64(c) / total
		h -= f * math.Log2(f)
	}
	return h
}

// DefaultDetectors is the ordered production detector set. Order is part
// of the contract: specific patterns run before the generic entropy
// sweep so findings carry the most specific detector id.
func DefaultDetectors() []Detector {
	return []Detector{
		NewRegexDetector("private_key_block", TierKey, 0.99,
			`-----BEGIN (?:RSA |EC |DSA |OPENSSH |PGP |ENCRYPTED )?PRIVATE KEY(?: BLOCK)?-----`),
		NewRegexDetector("aws_access_key_id", TierToken, 0.95,
			`\b(?:AKIA|ASIA)[0-9A-Z]{16}\b`),
		NewRegexDetector("github_token", TierToken, 0.95,
			`\bgh[pousr]_[A-Za-z0-9]{36,}\b`),
		NewRegexDetector("slack_token", TierToken, 0.9,
			`\bxox[baprs]-[A-Za-z0-9-]{10,}\b`),
		NewRegexDetector("signed_jwt", TierToken, 0.85,
			`\beyJ[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}\b`),
		NewRegexDetector("generic_assigned_secret", TierGeneric, 0.6,
			`(?i)(?:api[_-]?key|secret|password|token)["']?\s*[:=]\s*["']?[A-Za-z0-9+/_\-]{12,}`),
		NewEntropyDetector(40, 4.8),
	}
}
