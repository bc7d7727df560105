// Package idempotency deduplicates mutating requests by scoped key. A
// shared store provides the cross-instance guarantee; a circuit breaker
// degrades to a local in-process store when the shared store is down.
package idempotency

import (
	"strings"

	"github.com/parabit/memgate/internal/cryptoutil"
)

// scopeHashLen truncates each hashed component; 64 bits of hex is
// plenty for collision resistance within one subject/org/route scope.
const scopeHashLen = 16

// ScopeKey derives the storage key for one mutating request. The path
// template (not the literal path) plus subject and org scoping keeps
// two routes or two tenants from ever colliding. Subject, org, and the
// client key are each hashed to a fixed-length segment: the separator
// stays unambiguous even when an ID itself contains one, and an
// arbitrary client-supplied key cannot grow or shape the key space.
func ScopeKey(method, pathTemplate, subjectID, orgID, clientKey string) string {
	return strings.Join([]string{
		method,
		pathTemplate,
		scopeHash(subjectID),
		scopeHash(orgID),
		scopeHash(clientKey),
	}, ":")
}

func scopeHash(s string) string {
	return cryptoutil.SHA256Hex([]byte(s))[:scopeHashLen]
}
