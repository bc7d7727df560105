package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Stages returns the composed stage names in execution order, with the
// wrapped handler between the request and response sides.
func (p *Pipeline) Stages() []string {
	names := make([]string, 0, len(p.reqStages)+1+len(p.respStages))
	for _, st := range p.reqStages {
		names = append(names, st.name)
	}
	names = append(names, "handler")
	for _, st := range p.respStages {
		names = append(names, st.name)
	}
	return names
}

// Fingerprint hashes the stage order. Two deployments with the same
// fingerprint apply security controls in the same sequence, whatever
// their limit values; a divergence is a build defect and startup must
// refuse it.
func (p *Pipeline) Fingerprint() string {
	sum := sha256.Sum256([]byte(strings.Join(p.Stages(), "\n")))
	return hex.EncodeToString(sum[:])
}
