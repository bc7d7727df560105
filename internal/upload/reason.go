package upload

// Reason is one of the bounded multipart rejection codes. Nothing else
// ever reaches a client; internal detail stays in logs.
type Reason string

const (
	ReasonArchiveBlocked             Reason = "archive_blocked"
	ReasonInvalidEncoding            Reason = "invalid_encoding"
	ReasonMagicByteDetected          Reason = "magic_byte_detected"
	ReasonSizeLimitExceeded          Reason = "size_limit_exceeded"
	ReasonPartCountExceeded          Reason = "part_count_exceeded"
	ReasonFilenameUnsafe             Reason = "filename_unsafe"
	ReasonCompressionRatioSuspicious Reason = "compression_ratio_suspicious"
)

// Reasons lists every rejection code, for metrics pre-registration and
// the config endpoint.
func Reasons() []Reason {
	return []Reason{
		ReasonArchiveBlocked,
		ReasonInvalidEncoding,
		ReasonMagicByteDetected,
		ReasonSizeLimitExceeded,
		ReasonPartCountExceeded,
		ReasonFilenameUnsafe,
		ReasonCompressionRatioSuspicious,
	}
}

// Rejection is the typed outcome of a failed validation. Detail is for
// logs only and never leaves the process.
type Rejection struct {
	Reason   Reason
	PartName string
	Detail   string
}

func (r *Rejection) Error() string {
	s := "upload rejected: " + string(r.Reason)
	if r.PartName != "" {
		s += " (part " + r.PartName + ")"
	}
	return s
}

func reject(reason Reason, part, detail string) *Rejection {
	return &Rejection{Reason: reason, PartName: part, Detail: detail}
}
